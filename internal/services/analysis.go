package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"tnpsc-study/internal/models"
)

// ProgressCallback is called during long-running work to report progress.
type ProgressCallback func(step, message string, current, total int)

// ErrNoReadableContent marks a unit that produced neither text nor an image.
var ErrNoReadableContent = errors.New("no readable content")

type AnalysisSettings struct {
	Temperature          float32
	MaxOutputTokens      int
	Timeout              time.Duration
	MaxKeyPoints         int
	FallbackExcerptChars int
}

// AnalysisService turns study units into unit analyses and merges them.
type AnalysisService struct {
	gen      Generator
	loader   UnitLoader
	settings AnalysisSettings
	log      zerolog.Logger
}

func NewAnalysisService(gen Generator, loader UnitLoader, settings AnalysisSettings, log zerolog.Logger) *AnalysisService {
	if settings.Timeout <= 0 {
		settings.Timeout = 2 * time.Minute
	}
	return &AnalysisService{
		gen:      gen,
		loader:   loader,
		settings: settings,
		log:      log.With().Str("component", "analysis").Logger(),
	}
}

type AnalyzeOptions struct {
	PerUnit  func(models.UnitAnalysis)
	Progress ProgressCallback
	Cache    UnitCache
	Language models.Language
}

func (s *AnalysisService) AnalyzeUnits(ctx context.Context, units []models.StudyUnit, perUnit func(models.UnitAnalysis)) (*models.AggregateAnalysis, error) {
	return s.Analyze(ctx, units, AnalyzeOptions{PerUnit: perUnit})
}

// Analyze processes units one at a time in index order. A unit that fails is
// logged and skipped; the run fails only when every unit fails or ctx is done.
func (s *AnalysisService) Analyze(ctx context.Context, units []models.StudyUnit, opts AnalyzeOptions) (*models.AggregateAnalysis, error) {
	if len(units) == 0 {
		return nil, &AggregationError{Reason: "no units selected"}
	}
	progress := opts.Progress
	if progress == nil {
		progress = func(string, string, int, int) {}
	}

	ordered := append([]models.StudyUnit(nil), units...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Index < ordered[j].Index })

	total := len(ordered)
	var (
		results []models.UnitAnalysis
		skipped []models.SkippedUnit
	)
	for i, unit := range ordered {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		progress("analyze", fmt.Sprintf("Analyzing unit %d (%d of %d)", unit.Index, i+1, total), i, total)

		analysis, err := s.analyzeUnit(ctx, unit, opts)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			if errors.Is(err, ErrGenerationUnavailable) {
				return nil, err
			}
			s.log.Warn().
				Err(err).
				Int("unit", unit.Index).
				Str("kind", failureKind(err)).
				Msg("skipping unit")
			skipped = append(skipped, models.SkippedUnit{Index: unit.Index, Reason: err.Error()})
			continue
		}

		results = append(results, analysis)
		if opts.PerUnit != nil {
			opts.PerUnit(analysis)
		}
	}

	if len(results) == 0 {
		return nil, &AggregationError{Reason: "no usable content"}
	}

	progress("merge", "Merging unit analyses", total, total)
	agg := mergeUnitAnalyses(results, s.settings.MaxKeyPoints)
	agg.Skipped = skipped
	return agg, nil
}

// AnalyzeUnit analyzes a single unit, reusing a cached result when present.
func (s *AnalysisService) AnalyzeUnit(ctx context.Context, unit models.StudyUnit, opts AnalyzeOptions) (models.UnitAnalysis, error) {
	return s.analyzeUnit(ctx, unit, opts)
}

func (s *AnalysisService) analyzeUnit(ctx context.Context, unit models.StudyUnit, opts AnalyzeOptions) (models.UnitAnalysis, error) {
	if opts.Cache != nil {
		cached, ok, err := opts.Cache.Get(ctx, unit.Index)
		if err != nil {
			s.log.Warn().Err(err).Int("unit", unit.Index).Msg("unit cache read")
		} else if ok {
			return cached, nil
		}
	}

	content, err := s.loader.LoadUnit(ctx, unit)
	if err != nil {
		return models.UnitAnalysis{}, err
	}
	if content.Empty() {
		return models.UnitAnalysis{}, &ExtractionError{Unit: unit.Index, Err: ErrNoReadableContent}
	}

	if err := ctx.Err(); err != nil {
		return models.UnitAnalysis{}, err
	}
	callCtx, cancel := context.WithTimeout(ctx, s.settings.Timeout)
	defer cancel()

	raw, err := s.gen.Generate(callCtx, GenerationRequest{
		System:      analysisSystemPrompt,
		Instruction: buildUnitAnalysisPrompt(unit, content, opts.Language),
		Attachments: content.Attachments,
		Options: GenerationOptions{
			Temperature:     s.settings.Temperature,
			MaxOutputTokens: s.settings.MaxOutputTokens,
		},
	})
	if err != nil {
		return models.UnitAnalysis{}, fmt.Errorf("analyze unit %d: %w", unit.Index, err)
	}

	norm := Normalize(raw, unitAnalysisFallback(s.settings.FallbackExcerptChars))
	if !norm.Parsed() {
		s.log.Warn().
			Int("unit", unit.Index).
			Str("reason", norm.Reason).
			Str("raw", excerpt(raw, 200)).
			Msg("unit analysis fell back")
	}
	analysis := norm.Value.toModel(unit.Index, !norm.Parsed())

	if opts.Cache != nil && ctx.Err() == nil {
		if err := opts.Cache.Put(ctx, analysis); err != nil {
			s.log.Warn().Err(err).Int("unit", unit.Index).Msg("unit cache write")
		}
	}
	return analysis, nil
}

func failureKind(err error) string {
	var (
		extraction *ExtractionError
		transport  *TransportError
		service    *ServiceError
	)
	switch {
	case errors.As(err, &extraction):
		return "extraction"
	case errors.As(err, &transport):
		return "transport"
	case errors.As(err, &service):
		return "service"
	default:
		return "other"
	}
}

// mergeUnitAnalyses concatenates study points in unit order, drops exact
// repeats and caps the result at maxPoints. When capping, lower importance
// goes first; among equal importance the later units lose.
func mergeUnitAnalyses(units []models.UnitAnalysis, maxPoints int) *models.AggregateAnalysis {
	type candidate struct {
		point models.StudyPoint
		order int
	}

	seen := make(map[string]struct{})
	var cands []candidate
	for _, u := range units {
		for _, p := range u.Points {
			key := p.KeyPoint()
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			cands = append(cands, candidate{point: p, order: len(cands)})
		}
	}

	if maxPoints > 0 && len(cands) > maxPoints {
		ranked := append([]candidate(nil), cands...)
		sort.SliceStable(ranked, func(i, j int) bool {
			ri, rj := ranked[i].point.Importance.Rank(), ranked[j].point.Importance.Rank()
			if ri != rj {
				return ri > rj
			}
			return ranked[i].order < ranked[j].order
		})
		ranked = ranked[:maxPoints]
		sort.Slice(ranked, func(i, j int) bool { return ranked[i].order < ranked[j].order })
		cands = ranked
	}

	points := make([]models.StudyPoint, len(cands))
	for i, c := range cands {
		points[i] = c.point
	}

	agg := &models.AggregateAnalysis{
		Points:           points,
		MainTopic:        units[0].MainTopic,
		DetectedLanguage: commonLanguage(units),
		Units:            units,
		CreatedAt:        time.Now().UTC(),
	}

	var summaries []string
	seenCats := make(map[string]struct{})
	topicSet := false
	for _, u := range units {
		agg.SourceUnits = append(agg.SourceUnits, u.UnitIndex)
		if !u.Fallback {
			if !topicSet {
				agg.MainTopic = u.MainTopic
				topicSet = true
			}
			if u.Summary != "" {
				summaries = append(summaries, u.Summary)
			}
		}
		for _, c := range u.Categories {
			key := strings.ToLower(c)
			if _, dup := seenCats[key]; dup {
				continue
			}
			seenCats[key] = struct{}{}
			agg.Categories = append(agg.Categories, c)
		}
	}
	if len(summaries) == 0 {
		summaries = append(summaries, units[0].Summary)
	}
	agg.Summary = strings.Join(summaries, "\n\n")
	return agg
}

func commonLanguage(units []models.UnitAnalysis) string {
	lang := ""
	for _, u := range units {
		if u.Fallback || u.Language == "" {
			continue
		}
		switch {
		case lang == "":
			lang = u.Language
		case !strings.EqualFold(lang, u.Language):
			return "Mixed"
		}
	}
	if lang == "" {
		return "Mixed"
	}
	return lang
}

// FilterByCategory returns the unit analyses tagged with category.
func FilterByCategory(units []models.UnitAnalysis, category string) []models.UnitAnalysis {
	category = strings.TrimSpace(category)
	if category == "" {
		return units
	}
	var out []models.UnitAnalysis
	for _, u := range units {
		for _, c := range u.Categories {
			if strings.EqualFold(c, category) {
				out = append(out, u)
				break
			}
		}
	}
	return out
}

func sortUnitAnalyses(units []models.UnitAnalysis) {
	sort.Slice(units, func(i, j int) bool { return units[i].UnitIndex < units[j].UnitIndex })
}
