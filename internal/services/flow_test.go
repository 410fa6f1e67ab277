package services

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/rs/zerolog"

	"tnpsc-study/internal/models"
)

const testOwner = "+919876543210"

type ingestionFixture struct {
	ingestion *IngestionService
	flows     *FlowStore
	history   *SQLiteHistoryStore
	revision  *RevisionService
	gen       *scriptedGenerator
	countDocs func() int
}

func newIngestionFixture(t *testing.T) *ingestionFixture {
	t.Helper()
	conn := openTestDB(t)
	log := zerolog.Nop()

	gen := &scriptedGenerator{reply: func(_ int, req GenerationRequest) (string, error) {
		if req.System == questionSystemPrompt {
			return `[{"question":"Who built the Brihadeeswarar temple?","type":"short","answer":"Rajaraja I"},
				{"question":"Capital of the Cholas?","type":"short","answer":"Thanjavur"}]`, nil
		}
		return unitJSON("Cholas", "Rajaraja I", "Thanjavur"), nil
	}}

	extraction := NewExtractionService(false, log)
	documents := NewDocumentService(conn, t.TempDir(), extraction)
	flows := NewFlowStore(documents, nil, log)
	history := NewSQLiteHistoryStore(conn)
	revision := NewRevisionService(conn)
	analysis := NewAnalysisService(gen, extraction, AnalysisSettings{MaxKeyPoints: 20}, log)
	questions := NewQuestionService(gen, QuestionSettings{}, log)

	return &ingestionFixture{
		ingestion: NewIngestionService(documents, flows, analysis, questions, history, revision, log),
		flows:     flows,
		history:   history,
		revision:  revision,
		gen:       gen,
		countDocs: func() int {
			var n int
			if err := conn.QueryRow(`SELECT COUNT(*) FROM documents`).Scan(&n); err != nil {
				t.Fatalf("count documents: %v", err)
			}
			return n
		},
	}
}

func upload(name string, data []byte) Upload {
	return Upload{Name: name, Open: func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}}
}

func runAnalysis(t *testing.T, fx *ingestionFixture, flow *StudyFlow) *models.AggregateAnalysis {
	t.Helper()
	units, err := flow.SelectUnits(nil, 0, 0)
	if err != nil {
		t.Fatalf("SelectUnits: %v", err)
	}
	gen, err := flow.StartRun("run-1", func() {})
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	agg, err := fx.ingestion.RunAnalysis(context.Background(), flow, gen, units, nil, nil)
	if err != nil {
		t.Fatalf("RunAnalysis: %v", err)
	}
	return agg
}

func TestIngestRejectsUnsupportedFiles(t *testing.T) {
	fx := newIngestionFixture(t)

	_, err := fx.ingestion.Ingest(context.Background(), "", models.LanguageEnglish, []Upload{
		upload("map.png", pngHeader),
		upload("notes.txt", []byte("plain notes")),
	})
	var ee *ExtractionError
	if !errors.As(err, &ee) {
		t.Fatalf("expected ExtractionError, got %v", err)
	}
	if n := fx.countDocs(); n != 0 {
		t.Errorf("rejected batch left %d documents", n)
	}

	if _, err := fx.ingestion.Ingest(context.Background(), "", models.LanguageEnglish, nil); !errors.As(err, &ee) {
		t.Errorf("empty upload: got %v", err)
	}
}

func TestStudyFlowEndToEnd(t *testing.T) {
	ctx := context.Background()
	fx := newIngestionFixture(t)

	flow, err := fx.ingestion.Ingest(ctx, testOwner, models.LanguageTamil, []Upload{
		upload("map-1.png", pngHeader),
		upload("map-2.png", pngHeader),
	})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if len(flow.Units()) != 2 {
		t.Fatalf("units = %d, want 2", len(flow.Units()))
	}
	if _, err := fx.ingestion.GenerateQuestions(ctx, flow, QuestionRequest{}, nil); !errors.Is(err, ErrNoAnalysis) {
		t.Fatalf("questions before analysis: got %v", err)
	}

	agg := runAnalysis(t, fx, flow)
	if flow.Analysis() != agg {
		t.Fatal("analysis not installed on the flow")
	}
	if len(agg.Points) != 2 {
		t.Errorf("deduplicated points = %d, want 2", len(agg.Points))
	}
	if cached, _ := flow.CachedUnits(ctx); len(cached) != 2 {
		t.Errorf("cached units = %d", len(cached))
	}

	before := fx.gen.Calls()
	if _, err := fx.ingestion.AnalyzeUnit(ctx, flow, 1); err != nil {
		t.Fatalf("AnalyzeUnit: %v", err)
	}
	if fx.gen.Calls() != before {
		t.Error("cached unit should not call the generator again")
	}

	set, err := fx.ingestion.GenerateQuestions(ctx, flow, QuestionRequest{Difficulty: models.DifficultyHard}, nil)
	if err != nil {
		t.Fatalf("GenerateQuestions: %v", err)
	}
	if set.TotalCount != 2 {
		t.Fatalf("questions = %d", set.TotalCount)
	}

	err = flow.WithQuiz(func(q *QuizSession) error {
		if err := q.Begin(); err != nil {
			return err
		}
		return q.Answer(0, "rajaraja i")
	})
	if err != nil {
		t.Fatalf("begin quiz: %v", err)
	}
	if _, err := fx.ingestion.Advance(ctx, flow); err != nil {
		t.Fatalf("advance: %v", err)
	}
	_ = flow.WithQuiz(func(q *QuizSession) error { return q.Answer(1, "Madurai") })
	view, err := fx.ingestion.Advance(ctx, flow)
	if err != nil {
		t.Fatalf("final advance: %v", err)
	}
	if view.State != QuizCompleted {
		t.Fatalf("state = %s", view.State)
	}

	records, err := fx.history.List(ctx, testOwner, 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(records) != 2 || records[0].Kind != models.HistoryQuiz || records[1].Kind != models.HistoryAnalysis {
		t.Fatalf("history = %+v", records)
	}
	if records[0].Score == nil || *records[0].Score != 1 || records[0].Difficulty != "hard" {
		t.Errorf("quiz record = %+v", records[0])
	}
	if records[0].FileName != "map-1.png, map-2.png" {
		t.Errorf("file name = %q", records[0].FileName)
	}

	req, err := HistoryReport(records[0], FormatText)
	if err != nil || req.Kind != ReportQuizResults || req.Score.Correct != 1 {
		t.Errorf("HistoryReport = %+v, %v", req, err)
	}

	stats, _ := fx.revision.Stats(ctx, testOwner)
	if stats["total"] != 1 {
		t.Errorf("revision cards = %d, want 1", stats["total"])
	}

	restarted, err := flow.RestartQuiz()
	if err != nil || restarted.State != QuizNotStarted {
		t.Errorf("restart = %+v, %v", restarted, err)
	}

	if err := fx.flows.Delete(ctx, flow.ID); err != nil {
		t.Fatalf("delete flow: %v", err)
	}
	if _, err := fx.flows.Get(flow.ID); !errors.Is(err, ErrFlowNotFound) {
		t.Errorf("deleted flow still reachable: %v", err)
	}
	if n := fx.countDocs(); n != 0 {
		t.Errorf("documents left after delete: %d", n)
	}
}

func TestQuestionsPerUnitByCategory(t *testing.T) {
	ctx := context.Background()
	fx := newIngestionFixture(t)
	flow, err := fx.ingestion.Ingest(ctx, "", models.LanguageEnglish, []Upload{upload("a.png", pngHeader)})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	runAnalysis(t, fx, flow)

	if _, err := fx.ingestion.GenerateQuestions(ctx, flow, QuestionRequest{Category: "Economy"}, nil); !errors.Is(err, ErrNoUnits) {
		t.Fatalf("unknown category: got %v", err)
	}
	set, err := fx.ingestion.GenerateQuestions(ctx, flow, QuestionRequest{Category: "history"}, nil)
	if err != nil {
		t.Fatalf("GenerateQuestions: %v", err)
	}
	for _, q := range set.Questions {
		if q.SourceUnitIndex != 1 {
			t.Errorf("per-unit question lost its unit: %+v", q)
		}
	}
	if records, _ := fx.history.List(ctx, "", 10); len(records) != 0 {
		t.Errorf("anonymous flow wrote history: %+v", records)
	}
}

func TestStudyFlowRuns(t *testing.T) {
	ctx := context.Background()
	fx := newIngestionFixture(t)
	flow, err := fx.ingestion.Ingest(ctx, "", models.LanguageEnglish, []Upload{upload("a.png", pngHeader)})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	cancelled := false
	gen, err := flow.StartRun("run-1", func() { cancelled = true })
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if _, err := flow.StartRun("run-2", func() {}); !errors.Is(err, ErrRunInProgress) {
		t.Fatalf("second run: got %v", err)
	}
	if flow.View().ActiveRunID != "run-1" {
		t.Errorf("active run = %q", flow.View().ActiveRunID)
	}

	if err := flow.Reset(ctx); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if !cancelled {
		t.Error("reset should cancel the active run")
	}
	if flow.FinishRun(gen, &models.AggregateAnalysis{}) {
		t.Error("a run from before the reset must not install its result")
	}
	if flow.Analysis() != nil {
		t.Error("stale analysis installed")
	}

	if _, err := flow.StartRun("run-3", func() {}); err != nil {
		t.Fatalf("run after reset: %v", err)
	}
}

func TestSelectUnits(t *testing.T) {
	flow := &StudyFlow{units: pageUnits(5)}

	cases := []struct {
		name       string
		indices    []int
		start, end int
		want       int
	}{
		{"All", nil, 0, 0, 5},
		{"Explicit", []int{2, 4, 9}, 0, 0, 2},
		{"Range", nil, 2, 3, 2},
		{"OpenEnd", nil, 4, 0, 2},
		{"OpenStart", nil, 0, 2, 2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := flow.SelectUnits(tc.indices, tc.start, tc.end)
			if err != nil {
				t.Fatalf("SelectUnits: %v", err)
			}
			if len(got) != tc.want {
				t.Errorf("selected %d units, want %d", len(got), tc.want)
			}
		})
	}

	if _, err := flow.SelectUnits([]int{42}, 0, 0); !errors.Is(err, ErrNoUnits) {
		t.Errorf("unknown index: got %v", err)
	}
	if _, err := flow.SelectUnits(nil, 6, 9); !errors.Is(err, ErrNoUnits) {
		t.Errorf("range past the end: got %v", err)
	}
}

func TestQuestionsDiscardedWhenFlowChanges(t *testing.T) {
	cases := []struct {
		name   string
		change func(t *testing.T, fx *ingestionFixture, flow *StudyFlow)
	}{
		{"Reset", func(t *testing.T, _ *ingestionFixture, flow *StudyFlow) {
			if err := flow.Reset(context.Background()); err != nil {
				t.Fatalf("Reset: %v", err)
			}
		}},
		{"Reanalyzed", func(t *testing.T, fx *ingestionFixture, flow *StudyFlow) {
			runAnalysis(t, fx, flow)
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			fx := newIngestionFixture(t)
			flow, err := fx.ingestion.Ingest(ctx, "", models.LanguageEnglish, []Upload{upload("a.png", pngHeader)})
			if err != nil {
				t.Fatalf("Ingest: %v", err)
			}
			runAnalysis(t, fx, flow)
			stale := flow.Analysis()

			reply := fx.gen.reply
			changed := false
			fx.gen.reply = func(n int, req GenerationRequest) (string, error) {
				if req.System == questionSystemPrompt && !changed {
					changed = true
					tc.change(t, fx, flow)
				}
				return reply(n, req)
			}

			if _, err := fx.ingestion.GenerateQuestions(ctx, flow, QuestionRequest{}, nil); !errors.Is(err, ErrFlowChanged) {
				t.Fatalf("GenerateQuestions: got %v, want ErrFlowChanged", err)
			}
			if flow.Questions() != nil {
				t.Error("questions from the earlier analysis were installed")
			}
			if err := flow.WithQuiz(func(*QuizSession) error { return nil }); !errors.Is(err, ErrNoQuestions) {
				t.Errorf("quiz after discarded questions: got %v", err)
			}
			if flow.Analysis() == stale {
				t.Error("flow still holds the analysis the questions were built from")
			}
		})
	}
}

func TestResetDropsLateCacheWrites(t *testing.T) {
	ctx := context.Background()
	fx := newIngestionFixture(t)
	flow, err := fx.ingestion.Ingest(ctx, "", models.LanguageEnglish, []Upload{upload("a.png", pngHeader)})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	before := flow.Cache()
	if err := flow.Reset(ctx); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if err := before.Put(ctx, models.UnitAnalysis{UnitIndex: 1, MainTopic: "Cholas"}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if units, _ := flow.CachedUnits(ctx); len(units) != 0 {
		t.Fatalf("write from before the reset survived: %+v", units)
	}

	if err := flow.Cache().Put(ctx, models.UnitAnalysis{UnitIndex: 1, MainTopic: "Cholas"}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if units, _ := flow.CachedUnits(ctx); len(units) != 1 {
		t.Errorf("cached units after reset = %d, want 1", len(units))
	}
}
