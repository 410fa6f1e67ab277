package api

import (
	"context"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"tnpsc-study/internal/models"
	"tnpsc-study/internal/services"
)

type analysisRequest struct {
	Units []int `json:"units" validate:"omitempty,dive,gt=0"`
	Start int   `json:"start" validate:"gte=0"`
	End   int   `json:"end" validate:"gte=0"`
}

type questionsRequest struct {
	Count      int    `json:"count" validate:"gte=0,lte=100"`
	Difficulty string `json:"difficulty" validate:"omitempty,oneof=easy medium hard very-hard"`
	PerUnit    bool   `json:"perUnit"`
	Units      []int  `json:"units" validate:"omitempty,dive,gt=0"`
	Category   string `json:"category" validate:"max=100"`
}

type answerRequest struct {
	Index *int   `json:"index" validate:"required,gte=0"`
	Value string `json:"value" validate:"required"`
}

func (s *Server) handleCreateFlow(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	owner, err := s.userFrom(r)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		var maxBytes *http.MaxBytesError
		if errors.As(err, &maxBytes) {
			s.writeServiceError(w, err)
			return
		}
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	form := r.MultipartForm
	defer form.RemoveAll()

	files := form.File["files"]
	if len(files) == 0 {
		writeError(w, http.StatusBadRequest, "no files uploaded")
		return
	}

	uploads := make([]services.Upload, len(files))
	for i, fh := range files {
		uploads[i] = services.Upload{
			Name: fh.Filename,
			Open: func() (io.ReadCloser, error) { return openPart(fh) },
		}
	}

	flow, err := s.ingestion.Ingest(r.Context(), owner, models.ParseLanguage(r.FormValue("language")), uploads)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, flow.View())
}

func openPart(fh *multipart.FileHeader) (io.ReadCloser, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	return f, nil
}

// lookupFlow resolves a flow the caller may see. Flows created by a
// signed-in user are hidden from everyone else.
func (s *Server) lookupFlow(w http.ResponseWriter, r *http.Request, id string) (*services.StudyFlow, bool) {
	flow, err := s.flows.Get(id)
	if err != nil {
		s.writeServiceError(w, err)
		return nil, false
	}
	if flow.Owner != "" {
		user, err := s.userFrom(r)
		if err != nil || user != flow.Owner {
			s.writeServiceError(w, services.ErrFlowNotFound)
			return nil, false
		}
	}
	return flow, true
}

func (s *Server) handleFlowActions(w http.ResponseWriter, r *http.Request) {
	parts := pathParts(r.URL.Path, "/api/flows/")
	if len(parts) == 0 {
		http.NotFound(w, r)
		return
	}
	flow, ok := s.lookupFlow(w, r, parts[0])
	if !ok {
		return
	}

	switch {
	case len(parts) == 1:
		switch r.Method {
		case http.MethodGet:
			writeJSON(w, http.StatusOK, flow.View())
		case http.MethodDelete:
			if err := s.flows.Delete(r.Context(), flow.ID); err != nil {
				s.writeServiceError(w, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		default:
			methodNotAllowed(w, http.MethodGet, http.MethodDelete)
		}
	case len(parts) == 2 && parts[1] == "reset":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, http.MethodPost)
			return
		}
		if err := flow.Reset(r.Context()); err != nil {
			s.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, flow.View())
	case len(parts) == 2 && parts[1] == "analysis":
		s.handleStartAnalysis(w, r, flow)
	case len(parts) == 2 && parts[1] == "units":
		s.handleListUnits(w, r, flow)
	case len(parts) == 3 && parts[1] == "units":
		s.handleUnit(w, r, flow, parts[2])
	case len(parts) == 2 && parts[1] == "questions":
		s.handleQuestions(w, r, flow)
	case len(parts) >= 2 && parts[1] == "quiz":
		s.handleQuiz(w, r, flow, parts[2:])
	case len(parts) == 2 && parts[1] == "export":
		s.handleExport(w, r, flow)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleStartAnalysis(w http.ResponseWriter, r *http.Request, flow *services.StudyFlow) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	var req analysisRequest
	if err := decodeJSON(r, &req, true); err != nil {
		s.writeServiceError(w, err)
		return
	}
	units, err := flow.SelectUnits(req.Units, req.Start, req.End)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	ctx, cancel := context.WithCancel(s.baseCtx)
	runID, snapshot := s.runs.CreateRun(flow.ID, flow.Owner, units)
	generation, err := flow.StartRun(runID, cancel)
	if err != nil {
		cancel()
		s.runs.Forget(runID)
		s.writeServiceError(w, err)
		return
	}

	go s.runAnalysis(ctx, cancel, runID, flow, generation, units)

	writeJSON(w, http.StatusAccepted, snapshot)
}

func (s *Server) runAnalysis(ctx context.Context, cancel context.CancelFunc, runID string, flow *services.StudyFlow, generation uint64, units []models.StudyUnit) {
	defer cancel()

	s.runs.MarkRunning(runID)
	progress := func(step, message string, current, total int) {
		s.runs.UpdateProgress(runID, step, message, current, total)
	}
	perUnit := func(u models.UnitAnalysis) {
		s.runs.MarkUnitDone(runID, u.UnitIndex)
	}

	analysis, err := s.ingestion.RunAnalysis(ctx, flow, generation, units, progress, perUnit)
	switch {
	case err == nil:
		s.runs.MarkComplete(runID, analysis)
	case errors.Is(err, context.Canceled):
		s.runs.MarkCancelled(runID)
	default:
		s.log.Warn().Err(err).Str("flow", flow.ID).Str("run", runID).Msg("analysis run failed")
		s.runs.MarkFailed(runID, err.Error(), string(services.Classify(err)))
	}
}

func (s *Server) handleRunActions(w http.ResponseWriter, r *http.Request) {
	parts := pathParts(r.URL.Path, "/api/runs/")
	if len(parts) == 0 || len(parts) > 2 || (len(parts) == 2 && parts[1] != "stream") {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	run, ok := s.runs.GetRun(parts[0])
	if ok && run.Owner != "" {
		user, err := s.userFrom(r)
		ok = err == nil && user == run.Owner
	}
	if !ok {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if len(parts) == 2 {
		s.streamRun(w, r, run.ID)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleListUnits(w http.ResponseWriter, r *http.Request, flow *services.StudyFlow) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	units, err := flow.CachedUnits(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	category := r.URL.Query().Get("category")
	units = services.FilterByCategory(units, category)
	if units == nil {
		units = []models.UnitAnalysis{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"category": category,
		"units":    units,
	})
}

func (s *Server) handleUnit(w http.ResponseWriter, r *http.Request, flow *services.StudyFlow, rawIndex string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	index, err := strconv.Atoi(rawIndex)
	if err != nil || index <= 0 {
		writeError(w, http.StatusBadRequest, "invalid unit index")
		return
	}
	analysis, err := s.ingestion.AnalyzeUnit(r.Context(), flow, index)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, analysis)
}

func (s *Server) handleQuestions(w http.ResponseWriter, r *http.Request, flow *services.StudyFlow) {
	switch r.Method {
	case http.MethodGet:
		set := flow.Questions()
		if set == nil {
			s.writeServiceError(w, services.ErrNoQuestions)
			return
		}
		writeJSON(w, http.StatusOK, set)
	case http.MethodPost:
		var req questionsRequest
		if err := decodeJSON(r, &req, true); err != nil {
			s.writeServiceError(w, err)
			return
		}
		set, err := s.ingestion.GenerateQuestions(r.Context(), flow, services.QuestionRequest{
			Count:      req.Count,
			Difficulty: models.Difficulty(req.Difficulty),
			PerUnit:    req.PerUnit,
			Units:      req.Units,
			Category:   strings.TrimSpace(req.Category),
		}, nil)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, set)
	default:
		methodNotAllowed(w, http.MethodGet, http.MethodPost)
	}
}

func (s *Server) handleQuiz(w http.ResponseWriter, r *http.Request, flow *services.StudyFlow, rest []string) {
	action := ""
	if len(rest) == 1 {
		action = rest[0]
	} else if len(rest) > 1 {
		http.NotFound(w, r)
		return
	}

	switch action {
	case "":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, http.MethodGet)
			return
		}
		s.quizStep(w, flow, func(q *services.QuizSession) error { return nil })
	case "score":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, http.MethodGet)
			return
		}
		var report services.ScoreReport
		err := flow.WithQuiz(func(q *services.QuizSession) error {
			var err error
			report, err = q.Score()
			return err
		})
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, report)
	case "begin", "answer", "advance", "retreat", "restart":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, http.MethodPost)
			return
		}
		s.handleQuizAction(w, r, flow, action)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleQuizAction(w http.ResponseWriter, r *http.Request, flow *services.StudyFlow, action string) {
	switch action {
	case "begin":
		s.quizStep(w, flow, (*services.QuizSession).Begin)
	case "retreat":
		s.quizStep(w, flow, (*services.QuizSession).Retreat)
	case "answer":
		var req answerRequest
		if err := decodeJSON(r, &req, false); err != nil {
			s.writeServiceError(w, err)
			return
		}
		s.quizStep(w, flow, func(q *services.QuizSession) error {
			return q.Answer(*req.Index, req.Value)
		})
	case "advance":
		view, err := s.ingestion.Advance(r.Context(), flow)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	case "restart":
		view, err := flow.RestartQuiz()
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	}
}

// quizStep applies fn to the flow's quiz and writes the resulting view.
func (s *Server) quizStep(w http.ResponseWriter, flow *services.StudyFlow, fn func(*services.QuizSession) error) {
	var view services.QuizView
	err := flow.WithQuiz(func(q *services.QuizSession) error {
		if err := fn(q); err != nil {
			return err
		}
		view = q.View()
		return nil
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request, flow *services.StudyFlow) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	query := r.URL.Query()
	req := services.ReportRequest{
		Title:     flowTitle(flow),
		Kind:      services.ReportKind(strings.ToLower(query.Get("kind"))),
		Format:    services.ReportFormat(strings.ToLower(query.Get("format"))),
		Analysis:  flow.Analysis(),
		Questions: flow.Questions(),
	}
	if req.Kind == services.ReportQuizResults {
		_ = flow.WithQuiz(func(q *services.QuizSession) error {
			report, err := q.Score()
			if err == nil {
				req.Score = &report
			}
			return nil
		})
	}

	report, err := s.reports.Render(req)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeAttachment(w, report)
}

func flowTitle(flow *services.StudyFlow) string {
	docs := flow.Documents()
	if len(docs) == 0 {
		return ""
	}
	name := docs[0].OriginalName
	if i := strings.LastIndex(name, "."); i > 0 {
		name = name[:i]
	}
	return name
}
