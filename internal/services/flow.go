package services

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"tnpsc-study/internal/models"
)

// StudyFlow is one user's pass through upload, analysis, questions and quiz.
// All state is guarded by the flow's own lock.
type StudyFlow struct {
	ID        string
	Owner     string
	Language  models.Language
	CreatedAt time.Time

	mu         sync.Mutex
	cacheMu    sync.Mutex
	documents  []models.Document
	units      []models.StudyUnit
	cache      UnitCache
	analysis   *models.AggregateAnalysis
	questions  *models.QuestionSet
	quiz       *QuizSession
	policy     AnswerPolicy
	generation uint64
	cancelRun  context.CancelFunc
	runID      string
}

// FlowView is a read-only snapshot of a flow for clients.
type FlowView struct {
	ID          string                    `json:"id"`
	Language    models.Language           `json:"language"`
	CreatedAt   time.Time                 `json:"createdAt"`
	Documents   []models.Document         `json:"documents"`
	Units       []models.StudyUnit        `json:"units"`
	Analysis    *models.AggregateAnalysis `json:"analysis,omitempty"`
	Questions   int                       `json:"questionCount"`
	Quiz        *QuizView                 `json:"quiz,omitempty"`
	ActiveRunID string                    `json:"activeRunId,omitempty"`
}

func (f *StudyFlow) View() FlowView {
	f.mu.Lock()
	defer f.mu.Unlock()
	v := FlowView{
		ID:          f.ID,
		Language:    f.Language,
		CreatedAt:   f.CreatedAt,
		Documents:   append([]models.Document(nil), f.documents...),
		Units:       append([]models.StudyUnit(nil), f.units...),
		Analysis:    f.analysis,
		ActiveRunID: f.runID,
	}
	if f.questions != nil {
		v.Questions = len(f.questions.Questions)
	}
	if f.quiz != nil {
		qv := f.quiz.View()
		v.Quiz = &qv
	}
	return v
}

// Cache returns the unit cache for the flow's current generation. Writes
// through it are dropped once the flow is reset.
func (f *StudyFlow) Cache() UnitCache {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cacheAt(f.generation)
}

func (f *StudyFlow) cacheAt(generation uint64) UnitCache {
	return generationCache{UnitCache: f.cache, flow: f, generation: generation}
}

type generationCache struct {
	UnitCache
	flow       *StudyFlow
	generation uint64
}

// Put holds the flow's cache lock so a write cannot land after Reset clears
// the cache.
func (c generationCache) Put(ctx context.Context, analysis models.UnitAnalysis) error {
	c.flow.cacheMu.Lock()
	defer c.flow.cacheMu.Unlock()
	c.flow.mu.Lock()
	stale := c.flow.generation != c.generation
	c.flow.mu.Unlock()
	if stale {
		return nil
	}
	return c.UnitCache.Put(ctx, analysis)
}

func (f *StudyFlow) Documents() []models.Document {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Document(nil), f.documents...)
}

func (f *StudyFlow) Units() []models.StudyUnit {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.StudyUnit(nil), f.units...)
}

// Unit returns the unit with the given 1-based index.
func (f *StudyFlow) Unit(index int) (models.StudyUnit, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.units {
		if u.Index == index {
			return u, true
		}
	}
	return models.StudyUnit{}, false
}

// SelectUnits picks units by explicit index, by an inclusive range, or all
// units when neither is given. Unknown indices are ignored.
func (f *StudyFlow) SelectUnits(indices []int, start, end int) ([]models.StudyUnit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []models.StudyUnit
	switch {
	case len(indices) > 0:
		want := make(map[int]struct{}, len(indices))
		for _, i := range indices {
			want[i] = struct{}{}
		}
		for _, u := range f.units {
			if _, ok := want[u.Index]; ok {
				out = append(out, u)
			}
		}
	case start > 0 || end > 0:
		if start <= 0 {
			start = 1
		}
		if end <= 0 {
			end = len(f.units)
		}
		for _, u := range f.units {
			if u.Index >= start && u.Index <= end {
				out = append(out, u)
			}
		}
	default:
		out = append(out, f.units...)
	}
	if len(out) == 0 {
		return nil, ErrNoUnits
	}
	return out, nil
}

func (f *StudyFlow) Analysis() *models.AggregateAnalysis {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.analysis
}

func (f *StudyFlow) Questions() *models.QuestionSet {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.questions
}

// StartRun registers an analysis run. It fails while another run is active.
// The returned generation must be passed to FinishRun.
func (f *StudyFlow) StartRun(runID string, cancel context.CancelFunc) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelRun != nil {
		return 0, ErrRunInProgress
	}
	f.cancelRun = cancel
	f.runID = runID
	return f.generation, nil
}

// FinishRun clears the active run and installs analysis when the flow has not
// been reset since the run started. It reports whether analysis was installed.
func (f *StudyFlow) FinishRun(generation uint64, analysis *models.AggregateAnalysis) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if generation != f.generation {
		return false
	}
	f.cancelRun = nil
	f.runID = ""
	if analysis == nil {
		return false
	}
	f.analysis = analysis
	f.questions = nil
	f.quiz = nil
	return true
}

// SetQuestions installs a new question set and a fresh quiz over it, provided
// the flow still holds the analysis the set was generated from.
func (f *StudyFlow) SetQuestions(basis *models.AggregateAnalysis, set *models.QuestionSet) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if basis == nil || f.analysis != basis {
		return ErrFlowChanged
	}
	f.questions = set
	f.quiz = NewQuizSession(*set, f.policy)
	return nil
}

// WithQuiz runs fn on the flow's quiz session under the flow lock.
func (f *StudyFlow) WithQuiz(fn func(*QuizSession) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.quiz == nil {
		return ErrNoQuestions
	}
	return fn(f.quiz)
}

func (f *StudyFlow) RestartQuiz() (QuizView, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.quiz == nil {
		return QuizView{}, ErrNoQuestions
	}
	f.quiz = f.quiz.Restart()
	return f.quiz.View(), nil
}

// Reset cancels any active run and drops everything derived from the uploads.
func (f *StudyFlow) Reset(ctx context.Context) error {
	f.mu.Lock()
	if f.cancelRun != nil {
		f.cancelRun()
		f.cancelRun = nil
		f.runID = ""
	}
	f.generation++
	f.analysis = nil
	f.questions = nil
	f.quiz = nil
	f.mu.Unlock()

	f.cacheMu.Lock()
	defer f.cacheMu.Unlock()
	return f.cache.Clear(ctx)
}

// CachedUnits returns the cached unit analyses in unit order.
func (f *StudyFlow) CachedUnits(ctx context.Context) ([]models.UnitAnalysis, error) {
	units, err := f.cache.All(ctx)
	if err != nil {
		return nil, err
	}
	sortUnitAnalyses(units)
	return units, nil
}

// FlowStore keeps live flows in memory.
type FlowStore struct {
	documents *DocumentService
	newCache  func(flowID string) UnitCache
	policy    AnswerPolicy
	log       zerolog.Logger

	mu    sync.RWMutex
	flows map[string]*StudyFlow
}

func NewFlowStore(documents *DocumentService, newCache func(flowID string) UnitCache, log zerolog.Logger) *FlowStore {
	if newCache == nil {
		newCache = func(string) UnitCache { return NewMemoryUnitCache() }
	}
	return &FlowStore{
		documents: documents,
		newCache:  newCache,
		policy:    AnswerPolicyFolded,
		log:       log.With().Str("component", "flows").Logger(),
		flows:     make(map[string]*StudyFlow),
	}
}

// Create registers a flow over already stored documents.
func (s *FlowStore) Create(owner string, lang models.Language, docs []models.Document) *StudyFlow {
	id := uuid.NewString()
	sorted := append([]models.Document(nil), docs...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	flow := &StudyFlow{
		ID:        id,
		Owner:     owner,
		Language:  lang,
		CreatedAt: time.Now().UTC(),
		documents: sorted,
		units:     BuildUnits(sorted),
		cache:     s.newCache(id),
		policy:    s.policy,
	}

	s.mu.Lock()
	s.flows[id] = flow
	s.mu.Unlock()

	s.log.Info().Str("flow", id).Int("documents", len(docs)).Int("units", len(flow.units)).Msg("flow created")
	return flow
}

func (s *FlowStore) Get(id string) (*StudyFlow, error) {
	s.mu.RLock()
	flow, ok := s.flows[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrFlowNotFound
	}
	return flow, nil
}

// Delete resets the flow and removes its stored documents.
func (s *FlowStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	flow, ok := s.flows[id]
	delete(s.flows, id)
	s.mu.Unlock()
	if !ok {
		return ErrFlowNotFound
	}

	var errs []error
	if err := flow.Reset(ctx); err != nil {
		errs = append(errs, err)
	}
	for _, doc := range flow.Documents() {
		if err := s.documents.Delete(ctx, doc.ID); err != nil && !errors.Is(err, ErrRecordNotFound) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close resets every flow, cancelling active runs.
func (s *FlowStore) Close() {
	s.mu.RLock()
	flows := make([]*StudyFlow, 0, len(s.flows))
	for _, f := range s.flows {
		flows = append(flows, f)
	}
	s.mu.RUnlock()
	for _, f := range flows {
		f.mu.Lock()
		if f.cancelRun != nil {
			f.cancelRun()
		}
		f.mu.Unlock()
	}
}
