package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog"

	"tnpsc-study/internal/models"
)

// Upload is one file handed to Ingest.
type Upload struct {
	Name string
	Open func() (io.ReadCloser, error)
}

// IngestionService coordinates uploads, analysis runs, question generation
// and the records kept when a signed-in user finishes a stage.
type IngestionService struct {
	documents *DocumentService
	flows     *FlowStore
	analysis  *AnalysisService
	questions *QuestionService
	history   HistoryStore
	revision  *RevisionService
	log       zerolog.Logger
}

func NewIngestionService(
	documents *DocumentService,
	flows *FlowStore,
	analysis *AnalysisService,
	questions *QuestionService,
	history HistoryStore,
	revision *RevisionService,
	log zerolog.Logger,
) *IngestionService {
	return &IngestionService{
		documents: documents,
		flows:     flows,
		analysis:  analysis,
		questions: questions,
		history:   history,
		revision:  revision,
		log:       log.With().Str("component", "ingestion").Logger(),
	}
}

// Ingest stores every upload and opens a flow over them. Nothing is kept when
// any upload is rejected.
func (s *IngestionService) Ingest(ctx context.Context, owner string, lang models.Language, uploads []Upload) (*StudyFlow, error) {
	if len(uploads) == 0 {
		return nil, &ExtractionError{Err: errors.New("no files uploaded")}
	}

	docs := make([]models.Document, 0, len(uploads))
	cleanup := func() {
		for _, d := range docs {
			if err := s.documents.Delete(context.WithoutCancel(ctx), d.ID); err != nil {
				s.log.Warn().Err(err).Int64("document", d.ID).Msg("remove rejected upload")
			}
		}
	}

	for _, up := range uploads {
		doc, err := s.store(ctx, up)
		if err != nil {
			cleanup()
			return nil, err
		}
		docs = append(docs, *doc)
	}
	return s.flows.Create(owner, lang, docs), nil
}

func (s *IngestionService) store(ctx context.Context, up Upload) (*models.Document, error) {
	src, err := up.Open()
	if err != nil {
		return nil, fmt.Errorf("open file %s: %w", up.Name, err)
	}
	defer src.Close()

	doc, err := s.documents.Create(ctx, up.Name, src)
	if err != nil {
		return nil, fmt.Errorf("create document %s: %w", up.Name, err)
	}
	return doc, nil
}

// RunAnalysis analyzes units for flow and installs the aggregate unless the
// flow was reset meanwhile. generation comes from StudyFlow.StartRun.
func (s *IngestionService) RunAnalysis(ctx context.Context, flow *StudyFlow, generation uint64, units []models.StudyUnit, progress ProgressCallback, perUnit func(models.UnitAnalysis)) (*models.AggregateAnalysis, error) {
	if progress == nil {
		progress = func(string, string, int, int) {}
	}
	progress("start", "Starting analysis", 0, len(units))

	agg, err := s.analysis.Analyze(ctx, units, AnalyzeOptions{
		PerUnit:  perUnit,
		Progress: progress,
		Cache:    flow.cacheAt(generation),
		Language: flow.Language,
	})
	if err != nil {
		flow.FinishRun(generation, nil)
		return nil, err
	}

	if !flow.FinishRun(generation, agg) {
		return nil, context.Canceled
	}

	if flow.Owner != "" {
		s.recordAnalysis(ctx, flow, agg)
	}
	progress("complete", "Analysis complete", len(units), len(units))
	return agg, nil
}

// AnalyzeUnit returns the cached analysis of one unit, analyzing it on demand.
func (s *IngestionService) AnalyzeUnit(ctx context.Context, flow *StudyFlow, index int) (models.UnitAnalysis, error) {
	unit, ok := flow.Unit(index)
	if !ok {
		return models.UnitAnalysis{}, &ExtractionError{Unit: index, Err: errors.New("no such unit")}
	}
	return s.analysis.AnalyzeUnit(ctx, unit, AnalyzeOptions{Cache: flow.Cache(), Language: flow.Language})
}

type QuestionRequest struct {
	Count      int
	Difficulty models.Difficulty
	PerUnit    bool
	Units      []int
	Category   string
}

// GenerateQuestions builds a question set from the flow's analysis and starts
// a fresh quiz over it.
func (s *IngestionService) GenerateQuestions(ctx context.Context, flow *StudyFlow, req QuestionRequest, progress ProgressCallback) (*models.QuestionSet, error) {
	analysis := flow.Analysis()
	if analysis == nil {
		return nil, ErrNoAnalysis
	}
	opts := QuestionOptions{
		Count:      req.Count,
		Difficulty: req.Difficulty,
		Language:   flow.Language,
		Progress:   progress,
	}

	var (
		set *models.QuestionSet
		err error
	)
	if req.PerUnit || len(req.Units) > 0 || req.Category != "" {
		units := FilterByCategory(analysis.Units, req.Category)
		units = filterUnitIndices(units, req.Units)
		if len(units) == 0 {
			return nil, ErrNoUnits
		}
		set, err = s.questions.GenerateQuestionsPerUnit(ctx, units, opts)
	} else {
		set, err = s.questions.GenerateQuestions(ctx, analysis, opts)
	}
	if err != nil {
		return nil, err
	}
	if err := flow.SetQuestions(analysis, set); err != nil {
		return nil, err
	}
	return set, nil
}

func filterUnitIndices(units []models.UnitAnalysis, indices []int) []models.UnitAnalysis {
	if len(indices) == 0 {
		return units
	}
	want := make(map[int]struct{}, len(indices))
	for _, i := range indices {
		want[i] = struct{}{}
	}
	var out []models.UnitAnalysis
	for _, u := range units {
		if _, ok := want[u.UnitIndex]; ok {
			out = append(out, u)
		}
	}
	return out
}

// Advance moves the flow's quiz forward. When that completes the quiz for a
// signed-in owner, the result is recorded and missed questions join the
// revision deck.
func (s *IngestionService) Advance(ctx context.Context, flow *StudyFlow) (QuizView, error) {
	var (
		view      QuizView
		score     ScoreReport
		completed bool
	)
	err := flow.WithQuiz(func(q *QuizSession) error {
		if err := q.Advance(); err != nil {
			return err
		}
		view = q.View()
		if q.State() == QuizCompleted {
			completed = true
			score, _ = q.Score()
		}
		return nil
	})
	if err != nil {
		return QuizView{}, err
	}
	if completed && flow.Owner != "" {
		s.recordQuiz(ctx, flow, score)
	}
	return view, nil
}

func (s *IngestionService) recordAnalysis(ctx context.Context, flow *StudyFlow, agg *models.AggregateAnalysis) {
	if s.history == nil {
		return
	}
	payload, err := json.Marshal(agg)
	if err != nil {
		s.log.Error().Err(err).Str("flow", flow.ID).Msg("encode analysis history")
		return
	}
	_, err = s.history.Append(ctx, models.HistoryRecord{
		UserID:   flow.Owner,
		Kind:     models.HistoryAnalysis,
		FileName: flowFileName(flow),
		Language: string(flow.Language),
		Payload:  payload,
	})
	if err != nil {
		s.log.Error().Err(err).Str("flow", flow.ID).Msg("append analysis history")
	}
}

func (s *IngestionService) recordQuiz(ctx context.Context, flow *StudyFlow, score ScoreReport) {
	var difficulty string
	if set := flow.Questions(); set != nil {
		difficulty = string(set.Difficulty)
	}
	if s.history != nil {
		payload, err := json.Marshal(quizHistoryPayload{Score: score})
		if err == nil {
			correct, total := score.Correct, score.Total
			_, err = s.history.Append(ctx, models.HistoryRecord{
				UserID:         flow.Owner,
				Kind:           models.HistoryQuiz,
				FileName:       flowFileName(flow),
				Difficulty:     difficulty,
				Language:       string(flow.Language),
				Score:          &correct,
				TotalQuestions: &total,
				Payload:        payload,
			})
		}
		if err != nil {
			s.log.Error().Err(err).Str("flow", flow.ID).Msg("append quiz history")
		}
	}
	if s.revision != nil {
		added, err := s.revision.AddMissed(ctx, flow.Owner, score.Missed())
		if err != nil {
			s.log.Error().Err(err).Str("flow", flow.ID).Msg("add missed questions to revision deck")
			return
		}
		s.log.Debug().Str("flow", flow.ID).Int("cards", added).Msg("revision cards added")
	}
}

type quizHistoryPayload struct {
	Score ScoreReport `json:"score"`
}

func flowFileName(flow *StudyFlow) string {
	docs := flow.Documents()
	names := make([]string, 0, len(docs))
	for _, d := range docs {
		names = append(names, d.OriginalName)
	}
	return strings.Join(names, ", ")
}

// HistoryReport decodes a stored record into a report request.
func HistoryReport(rec models.HistoryRecord, format ReportFormat) (ReportRequest, error) {
	req := ReportRequest{Title: rec.FileName, Format: format}
	switch rec.Kind {
	case models.HistoryAnalysis:
		var agg models.AggregateAnalysis
		if err := json.Unmarshal(rec.Payload, &agg); err != nil {
			return req, fmt.Errorf("decode analysis record: %w", err)
		}
		req.Kind = ReportAnalysis
		req.Analysis = &agg
	case models.HistoryQuiz:
		var p quizHistoryPayload
		if err := json.Unmarshal(rec.Payload, &p); err != nil {
			return req, fmt.Errorf("decode quiz record: %w", err)
		}
		req.Kind = ReportQuizResults
		req.Score = &p.Score
	default:
		return req, fmt.Errorf("history kind %q: %w", rec.Kind, ErrNothingToExport)
	}
	return req, nil
}
