package services

import (
	"bytes"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"tnpsc-study/internal/models"
	"tnpsc-study/internal/validator"
)

type Outcome string

const (
	OutcomeParsed   Outcome = "parsed"
	OutcomeFallback Outcome = "fallback"
)

// Normalized is the result of turning raw completion text into a structured
// value. Value is always usable; Outcome says whether it was parsed or
// synthesized, and Reason explains a fallback.
type Normalized[T any] struct {
	Value   T
	Outcome Outcome
	Reason  string
}

func (n Normalized[T]) Parsed() bool { return n.Outcome == OutcomeParsed }

// tidier is implemented by payloads that canonicalize enum fields before the
// schema check.
type tidier interface {
	tidy()
}

var errNoJSON = errors.New("no JSON value found")

// Normalize extracts the first JSON value from raw, decodes it into T and
// validates it. It never fails: any problem yields fallback(raw).
func Normalize[T any](raw string, fallback func(raw string) T) Normalized[T] {
	fail := func(reason string) Normalized[T] {
		return Normalized[T]{Value: fallback(raw), Outcome: OutcomeFallback, Reason: reason}
	}

	body, err := extractJSON(raw)
	if err != nil {
		return fail(err.Error())
	}

	var v T
	if err := json.Unmarshal(body, &v); err != nil {
		return fail("decode: " + err.Error())
	}
	if t, ok := any(&v).(tidier); ok {
		t.tidy()
	}
	if err := validator.Struct(v); err != nil {
		return fail("schema: " + validator.Summary(err))
	}
	return Normalized[T]{Value: v, Outcome: OutcomeParsed}
}

// StripFences removes a surrounding markdown code fence such as ```json ... ```.
func StripFences(content string) string {
	content = strings.TrimSpace(content)
	if !strings.HasPrefix(content, "```") {
		return content
	}

	// Skip past the opening fence and its language identifier line.
	start := 3
	if newlineIdx := strings.Index(content[start:], "\n"); newlineIdx != -1 {
		start += newlineIdx + 1
	} else {
		start = len(content)
	}

	if endIdx := strings.Index(content[start:], "```"); endIdx != -1 {
		content = content[start : start+endIdx]
	} else {
		content = content[start:]
	}
	return strings.TrimSpace(content)
}

// extractJSON returns the first complete JSON object or array in content.
// Leading and trailing prose is ignored.
func extractJSON(content string) ([]byte, error) {
	content = StripFences(content)
	offset := 0
	for {
		idx := strings.IndexAny(content[offset:], "{[")
		if idx == -1 {
			return nil, errNoJSON
		}
		start := offset + idx

		var msg json.RawMessage
		dec := json.NewDecoder(strings.NewReader(content[start:]))
		if err := dec.Decode(&msg); err == nil {
			return msg, nil
		}
		offset = start + 1
	}
}

type unitAnalysisPayload struct {
	MainTopic   string              `json:"mainTopic" validate:"required"`
	StudyPoints []models.StudyPoint `json:"studyPoints" validate:"required,min=1,dive"`
	Summary     string              `json:"summary" validate:"required"`
	Language    string              `json:"language" validate:"required"`
	Categories  []string            `json:"tnpscCategories,omitempty"`
}

func (p *unitAnalysisPayload) tidy() {
	p.MainTopic = strings.TrimSpace(p.MainTopic)
	p.Summary = strings.TrimSpace(p.Summary)
	p.Language = strings.TrimSpace(p.Language)
	for i := range p.StudyPoints {
		sp := &p.StudyPoints[i]
		sp.Title = strings.TrimSpace(sp.Title)
		sp.Description = strings.TrimSpace(sp.Description)
		sp.Importance = parseImportance(string(sp.Importance))
	}
	cats := p.Categories[:0]
	for _, c := range p.Categories {
		if c = strings.TrimSpace(c); c != "" {
			cats = append(cats, c)
		}
	}
	p.Categories = cats
}

func parseImportance(raw string) models.Importance {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "high", "critical", "very high":
		return models.ImportanceHigh
	case "low", "minor":
		return models.ImportanceLow
	default:
		return models.ImportanceMedium
	}
}

func (p unitAnalysisPayload) toModel(index int, fallback bool) models.UnitAnalysis {
	return models.UnitAnalysis{
		UnitIndex:  index,
		MainTopic:  p.MainTopic,
		Points:     p.StudyPoints,
		Summary:    p.Summary,
		Language:   p.Language,
		Categories: p.Categories,
		Fallback:   fallback,
		AnalyzedAt: time.Now().UTC(),
	}
}

const (
	fallbackTopic   = "Study Material Analysis"
	fallbackTitle   = "Content Analysis"
	fallbackSummary = "The response could not be read as a structured analysis, so its text is kept as a single key point."
	fallbackEmpty   = "No readable content was returned."
)

func unitAnalysisFallback(excerptChars int) func(raw string) unitAnalysisPayload {
	return func(raw string) unitAnalysisPayload {
		return unitAnalysisPayload{
			MainTopic: fallbackTopic,
			StudyPoints: []models.StudyPoint{{
				Title:       fallbackTitle,
				Description: excerpt(raw, excerptChars),
				Importance:  models.ImportanceLow,
			}},
			Summary:  fallbackSummary,
			Language: "Mixed",
		}
	}
}

func excerpt(raw string, limit int) string {
	collapsed := strings.Join(strings.Fields(raw), " ")
	if collapsed == "" {
		return fallbackEmpty
	}
	runes := []rune(collapsed)
	if limit <= 0 || len(runes) <= limit {
		return collapsed
	}
	return string(runes[:limit]) + "..."
}

// questionBatchPayload accepts either a bare array of questions or an object
// with a "questions" array.
type questionBatchPayload struct {
	Questions []rawQuestion `json:"questions" validate:"required,min=1"`
}

func (b *questionBatchPayload) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		return json.Unmarshal(trimmed, &b.Questions)
	}
	type alias questionBatchPayload
	var a alias
	if err := json.Unmarshal(trimmed, &a); err != nil {
		return err
	}
	*b = questionBatchPayload(a)
	return nil
}

type rawQuestion struct {
	Question      string   `json:"question"`
	Options       []string `json:"options,omitempty"`
	Answer        string   `json:"answer,omitempty"`
	CorrectAnswer string   `json:"correctAnswer,omitempty"`
	Type          string   `json:"type,omitempty"`
	Difficulty    string   `json:"difficulty,omitempty"`
	Group         string   `json:"tnpscGroup,omitempty"`
	SourceUnit    flexInt  `json:"sourceUnit,omitempty"`
	PageNumber    flexInt  `json:"pageNumber,omitempty"`
}

func (q rawQuestion) answer() string {
	if strings.TrimSpace(q.CorrectAnswer) != "" {
		return q.CorrectAnswer
	}
	return q.Answer
}

func (q rawQuestion) unit() int {
	if q.SourceUnit > 0 {
		return int(q.SourceUnit)
	}
	return int(q.PageNumber)
}

// flexInt decodes numbers that may arrive quoted. Unparseable values decode as 0.
type flexInt int

func (f *flexInt) UnmarshalJSON(data []byte) error {
	s := strings.Trim(strings.TrimSpace(string(data)), `"`)
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		*f = 0
		return nil
	}
	*f = flexInt(n)
	return nil
}

func questionBatchFallback(string) questionBatchPayload {
	return questionBatchPayload{}
}
