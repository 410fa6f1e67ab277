package services

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"tnpsc-study/internal/models"
)

const defaultGroupTag = "General"

var optionLetterPattern = regexp.MustCompile(`^(?i:option\s+)?\(?([A-Za-z])[\).:]?(?:\s+(.*))?$`)

type QuestionSettings struct {
	Temperature     float32
	MaxOutputTokens int
	Timeout         time.Duration
	OptionCount     int
	DefaultCount    int
	PerUnitCount    int
}

// QuestionService produces validated question sets from analyses.
type QuestionService struct {
	gen      Generator
	settings QuestionSettings
	log      zerolog.Logger
}

func NewQuestionService(gen Generator, settings QuestionSettings, log zerolog.Logger) *QuestionService {
	if settings.Timeout <= 0 {
		settings.Timeout = 2 * time.Minute
	}
	if settings.OptionCount <= 0 {
		settings.OptionCount = 4
	}
	if settings.DefaultCount <= 0 {
		settings.DefaultCount = 10
	}
	if settings.PerUnitCount <= 0 {
		settings.PerUnitCount = 10
	}
	return &QuestionService{
		gen:      gen,
		settings: settings,
		log:      log.With().Str("component", "questions").Logger(),
	}
}

// QuestionOptions controls one generation request. Count is a hint for batch
// mode and a per-unit cap in per-unit mode.
type QuestionOptions struct {
	Count      int
	Difficulty models.Difficulty
	Language   models.Language
	Progress   ProgressCallback
}

// GenerateQuestions makes a single call covering the whole aggregate analysis.
func (s *QuestionService) GenerateQuestions(ctx context.Context, analysis *models.AggregateAnalysis, opts QuestionOptions) (*models.QuestionSet, error) {
	if analysis == nil || len(analysis.Points) == 0 {
		return nil, &AggregationError{Reason: "no study points to build questions from"}
	}
	count := opts.Count
	if count <= 0 {
		count = s.settings.DefaultCount
	}
	difficulty := orDefaultDifficulty(opts.Difficulty)

	raw, err := s.call(ctx, buildAggregateQuestionPrompt(analysis, count, difficulty, s.settings.OptionCount, opts.Language))
	if err != nil {
		return nil, fmt.Errorf("generate questions: %w", err)
	}

	norm := Normalize(raw, questionBatchFallback)
	if !norm.Parsed() {
		s.log.Warn().Str("reason", norm.Reason).Str("raw", excerpt(raw, 200)).Msg("question batch fell back")
		return nil, &AggregationError{Reason: "no usable questions"}
	}

	allowed := make(map[int]struct{}, len(analysis.SourceUnits))
	for _, idx := range analysis.SourceUnits {
		allowed[idx] = struct{}{}
	}
	questions := s.clean(norm.Value.Questions, difficulty, func(rq rawQuestion) int {
		if _, ok := allowed[rq.unit()]; ok {
			return rq.unit()
		}
		return 0
	})
	if len(questions) > count {
		questions = questions[:count]
	}
	if len(questions) == 0 {
		return nil, &AggregationError{Reason: "no usable questions"}
	}

	set := models.NewQuestionSet(questions, difficulty)
	return &set, nil
}

// GenerateQuestionsPerUnit makes one call per unit analysis, in unit order.
// Units whose call fails are logged and skipped.
func (s *QuestionService) GenerateQuestionsPerUnit(ctx context.Context, units []models.UnitAnalysis, opts QuestionOptions) (*models.QuestionSet, error) {
	if len(units) == 0 {
		return nil, &AggregationError{Reason: "no analyzed units"}
	}
	count := opts.Count
	if count <= 0 {
		count = s.settings.PerUnitCount
	}
	difficulty := orDefaultDifficulty(opts.Difficulty)
	progress := opts.Progress
	if progress == nil {
		progress = func(string, string, int, int) {}
	}

	ordered := append([]models.UnitAnalysis(nil), units...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].UnitIndex < ordered[j].UnitIndex })

	var all []models.Question
	seen := make(map[string]struct{})
	for i, unit := range ordered {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		progress("questions", fmt.Sprintf("Writing questions for unit %d (%d of %d)", unit.UnitIndex, i+1, len(ordered)), i, len(ordered))

		raw, err := s.call(ctx, buildUnitQuestionPrompt(unit, count, difficulty, s.settings.OptionCount, opts.Language))
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			if errors.Is(err, ErrGenerationUnavailable) {
				return nil, err
			}
			s.log.Warn().Err(err).Int("unit", unit.UnitIndex).Str("kind", failureKind(err)).Msg("skipping unit questions")
			continue
		}

		norm := Normalize(raw, questionBatchFallback)
		if !norm.Parsed() {
			s.log.Warn().Int("unit", unit.UnitIndex).Str("reason", norm.Reason).Msg("skipping unit questions")
			continue
		}

		index := unit.UnitIndex
		questions := s.clean(norm.Value.Questions, difficulty, func(rawQuestion) int { return index })
		if len(questions) > count {
			questions = questions[:count]
		}
		for _, q := range questions {
			key := foldKey(q.Text)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			all = append(all, q)
		}
	}
	progress("questions", "Questions ready", len(ordered), len(ordered))

	if len(all) == 0 {
		return nil, &AggregationError{Reason: "no usable questions"}
	}
	set := models.NewQuestionSet(all, difficulty)
	return &set, nil
}

func (s *QuestionService) call(ctx context.Context, instruction string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	callCtx, cancel := context.WithTimeout(ctx, s.settings.Timeout)
	defer cancel()
	return s.gen.Generate(callCtx, GenerationRequest{
		System:      questionSystemPrompt,
		Instruction: instruction,
		Options: GenerationOptions{
			Temperature:     s.settings.Temperature,
			MaxOutputTokens: s.settings.MaxOutputTokens,
		},
	})
}

// clean canonicalizes raw questions, drops the ones that break the
// per-kind rules and removes repeats.
func (s *QuestionService) clean(raws []rawQuestion, difficulty models.Difficulty, unitFor func(rawQuestion) int) []models.Question {
	out := make([]models.Question, 0, len(raws))
	seen := make(map[string]struct{})
	for _, rq := range raws {
		q, reason := canonicalQuestion(rq, difficulty, s.settings.OptionCount)
		if reason != "" {
			s.log.Debug().Str("reason", reason).Str("question", excerpt(rq.Question, 80)).Msg("discarding question")
			continue
		}
		key := foldKey(q.Text)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		q.SourceUnitIndex = unitFor(rq)
		out = append(out, q)
	}
	return out
}

// canonicalQuestion returns the cleaned question or a non-empty reason it was rejected.
func canonicalQuestion(rq rawQuestion, difficulty models.Difficulty, optionCount int) (models.Question, string) {
	text := strings.TrimSpace(rq.Question)
	if text == "" {
		return models.Question{}, "empty question text"
	}
	kind, ok := models.ParseQuestionKind(rq.Type)
	if !ok {
		return models.Question{}, "unknown type " + rq.Type
	}

	q := models.Question{
		Text:       text,
		Kind:       kind,
		Difficulty: difficulty,
		GroupTag:   strings.TrimSpace(rq.Group),
	}
	if d, ok := models.ParseDifficulty(rq.Difficulty); ok {
		q.Difficulty = d
	}
	if q.GroupTag == "" {
		q.GroupTag = defaultGroupTag
	}
	answer := strings.TrimSpace(rq.answer())

	switch kind {
	case models.QuestionMultipleChoice:
		if len(rq.Options) != optionCount {
			return models.Question{}, fmt.Sprintf("expected %d options, got %d", optionCount, len(rq.Options))
		}
		options := make([]string, len(rq.Options))
		seen := make(map[string]struct{}, len(rq.Options))
		for i, opt := range rq.Options {
			opt = strings.TrimSpace(opt)
			if opt == "" {
				return models.Question{}, "blank option"
			}
			key := foldKey(opt)
			if _, dup := seen[key]; dup {
				return models.Question{}, "duplicate option " + opt
			}
			seen[key] = struct{}{}
			options[i] = opt
		}
		match, ok := matchOption(options, answer)
		if !ok {
			return models.Question{}, "answer not among options"
		}
		q.Options = options
		q.CorrectAnswer = match
	case models.QuestionTrueFalse:
		switch foldKey(answer) {
		case "true", "t", "yes", "சரி":
			q.CorrectAnswer = "True"
		case "false", "f", "no", "தவறு":
			q.CorrectAnswer = "False"
		default:
			return models.Question{}, "true/false answer is neither"
		}
		q.Options = []string{"True", "False"}
	case models.QuestionShortAnswer:
		if answer == "" {
			return models.Question{}, "blank answer"
		}
		q.CorrectAnswer = answer
	}
	return q, ""
}

// matchOption resolves answer to one of options: exact text, then text under
// the folded answer policy, then an option letter such as "B" or "(c) text".
func matchOption(options []string, answer string) (string, bool) {
	if answer == "" {
		return "", false
	}
	for _, opt := range options {
		if opt == answer {
			return opt, true
		}
	}
	for _, opt := range options {
		if AnswerPolicyFolded.Match(opt, answer) {
			return opt, true
		}
	}
	m := optionLetterPattern.FindStringSubmatch(answer)
	if m == nil {
		return "", false
	}
	idx := int(strings.ToLower(m[1])[0] - 'a')
	if idx < 0 || idx >= len(options) {
		return "", false
	}
	if rest := strings.TrimSpace(m[2]); rest != "" && !AnswerPolicyFolded.Match(rest, options[idx]) {
		return "", false
	}
	return options[idx], true
}

func foldKey(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

func orDefaultDifficulty(d models.Difficulty) models.Difficulty {
	if parsed, ok := models.ParseDifficulty(string(d)); ok {
		return parsed
	}
	return models.DifficultyMedium
}
