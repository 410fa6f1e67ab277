package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"tnpsc-study/internal/services"
	"tnpsc-study/internal/validator"
)

const maxMultipartMemory = 8 << 20 // 8 MB

type Options struct {
	Flows     *services.FlowStore
	Ingestion *services.IngestionService
	Reports   *services.ReportService
	Chat      *services.ChatService
	Auth      *services.AuthService
	History   services.HistoryStore
	Revision  *services.RevisionService

	AllowedOrigins []string
	MaxUploadBytes int64
	// BaseContext bounds background analysis runs. It is cancelled on shutdown.
	BaseContext context.Context
	Log         zerolog.Logger
}

type Server struct {
	mux       *http.ServeMux
	flows     *services.FlowStore
	ingestion *services.IngestionService
	reports   *services.ReportService
	chat      *services.ChatService
	auth      *services.AuthService
	history   services.HistoryStore
	revision  *services.RevisionService
	runs      *RunManager
	upgrader  websocket.Upgrader
	maxUpload int64
	baseCtx   context.Context
	log       zerolog.Logger
}

func NewServer(opts Options) *Server {
	baseCtx := opts.BaseContext
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	maxUpload := opts.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = 25 << 20
	}
	s := &Server{
		mux:       http.NewServeMux(),
		flows:     opts.Flows,
		ingestion: opts.Ingestion,
		reports:   opts.Reports,
		chat:      opts.Chat,
		auth:      opts.Auth,
		history:   opts.History,
		revision:  opts.Revision,
		runs:      NewRunManager(),
		upgrader:  buildUpgrader(opts.AllowedOrigins),
		maxUpload: maxUpload,
		baseCtx:   baseCtx,
		log:       opts.Log.With().Str("component", "api").Logger(),
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/health", s.handleHealth)
	s.mux.HandleFunc("/api/auth/challenge", s.handleAuthChallenge)
	s.mux.HandleFunc("/api/auth/verify", s.handleAuthVerify)
	s.mux.HandleFunc("/api/flows", s.handleCreateFlow)
	s.mux.HandleFunc("/api/flows/", s.handleFlowActions)
	s.mux.HandleFunc("/api/runs/", s.handleRunActions)
	s.mux.HandleFunc("/api/chat", s.handleChat)
	s.mux.HandleFunc("/api/history", s.requireAuth(s.handleListHistory))
	s.mux.HandleFunc("/api/history/", s.requireAuth(s.handleHistoryActions))
	s.mux.HandleFunc("/api/revision/next", s.requireAuth(s.handleNextRevisionCard))
	s.mux.HandleFunc("/api/revision/stats", s.requireAuth(s.handleRevisionStats))
	s.mux.HandleFunc("/api/revision/", s.requireAuth(s.handleRevisionActions))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// pathParts splits the path below prefix into its non-empty segments.
func pathParts(path, prefix string) []string {
	rest := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if rest == "" {
		return nil
	}
	return strings.Split(rest, "/")
}

// decodeJSON reads a JSON body into v and validates it. An empty body leaves
// v untouched when allowEmpty is set.
func decodeJSON(r *http.Request, v any, allowEmpty bool) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return validator.Struct(v)
		}
		return &requestError{msg: "invalid JSON payload"}
	}
	return validator.Struct(v)
}

type requestError struct{ msg string }

func (e *requestError) Error() string { return e.msg }

type errorBody struct {
	Error  string            `json:"error"`
	Code   string            `json:"code"`
	Action string            `json:"action,omitempty"`
	Fields map[string]string `json:"fields,omitempty"`
}

// writeServiceError maps err onto a status code and a body telling the
// client whether to retry or fix its input.
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	var (
		reqErr     *requestError
		extraction *services.ExtractionError
		maxBytes   *http.MaxBytesError
	)
	switch {
	case errors.As(err, &reqErr):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: reqErr.msg, Code: "BAD_REQUEST", Action: string(services.ClassInput)})
		return
	case errors.As(err, &maxBytes):
		writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{Error: "upload too large", Code: "TOO_LARGE", Action: string(services.ClassInput)})
		return
	case validator.IsValidation(err):
		writeJSON(w, http.StatusBadRequest, errorBody{
			Error:  validator.Summary(err),
			Code:   "VALIDATION_FAILED",
			Action: string(services.ClassInput),
			Fields: validator.TranslateErrors(err),
		})
		return
	}

	class := services.Classify(err)
	status, code := http.StatusInternalServerError, "INTERNAL"
	switch {
	case errors.Is(err, services.ErrFlowNotFound), errors.Is(err, services.ErrRecordNotFound):
		status, code = http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, services.ErrUnauthenticated),
		errors.Is(err, services.ErrInvalidCode),
		errors.Is(err, services.ErrChallengeExpired):
		status, code = http.StatusUnauthorized, "UNAUTHORIZED"
	case errors.Is(err, services.ErrRunInProgress),
		errors.Is(err, services.ErrNoAnalysis),
		errors.Is(err, services.ErrFlowChanged),
		errors.Is(err, services.ErrNoQuestions),
		errors.Is(err, services.ErrQuizNotStarted),
		errors.Is(err, services.ErrQuizCompleted),
		errors.Is(err, services.ErrQuizNotCompleted),
		errors.Is(err, services.ErrUnansweredQuestion),
		errors.Is(err, services.ErrAtFirstQuestion),
		errors.Is(err, services.ErrEmptyQuiz):
		status, code = http.StatusConflict, "CONFLICT"
	case errors.Is(err, services.ErrNoDueCards), errors.Is(err, services.ErrNothingToExport):
		status, code = http.StatusNotFound, "NOTHING_AVAILABLE"
	case errors.Is(err, services.ErrGenerationUnavailable):
		status, code = http.StatusServiceUnavailable, "GENERATION_UNAVAILABLE"
	case errors.As(err, &extraction):
		status, code = http.StatusUnprocessableEntity, "UNREADABLE_CONTENT"
	case class == services.ClassRetry:
		status, code = http.StatusBadGateway, "GENERATION_FAILED"
	case class == services.ClassInput:
		status, code = http.StatusUnprocessableEntity, "INVALID_INPUT"
	}

	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.log.Error().Err(err).Msg("request failed")
		msg = "internal error"
	}
	action := ""
	if class != services.ClassInternal {
		action = string(class)
	}
	writeJSON(w, status, errorBody{Error: msg, Code: code, Action: action})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorBody{Error: message, Code: http.StatusText(status)})
}

func writeAttachment(w http.ResponseWriter, report *services.Report) {
	w.Header().Set("Content-Type", report.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", report.FileName))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(report.Body)
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}
