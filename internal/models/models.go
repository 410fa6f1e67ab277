package models

import (
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	fsrs "github.com/open-spaced-repetition/go-fsrs"
)

type DocumentKind string

const (
	DocumentPDF   DocumentKind = "pdf"
	DocumentImage DocumentKind = "image"
)

// Document is a stored upload. A PDF yields one unit per page, an image yields one unit.
type Document struct {
	ID           int64        `json:"id"`
	OriginalName string       `json:"name"`
	StoredPath   string       `json:"-"`
	Kind         DocumentKind `json:"kind"`
	MIMEType     string       `json:"mimeType"`
	UnitCount    int          `json:"units"`
	UploadedAt   time.Time    `json:"uploadedAt"`
}

type SourceKind string

const (
	SourceDocumentPage SourceKind = "document-page"
	SourceImage        SourceKind = "image"
)

// StudyUnit is one page of a document or one image, addressed by a 1-based index
// that is unique within a flow.
type StudyUnit struct {
	Index      int        `json:"index"`
	Kind       SourceKind `json:"kind"`
	DocumentID int64      `json:"documentId"`
	FileName   string     `json:"fileName"`
	Page       int        `json:"page,omitempty"`
	MIMEType   string     `json:"mimeType,omitempty"`
	Path       string     `json:"-"`
}

type Language string

const (
	LanguageEnglish Language = "english"
	LanguageTamil   Language = "tamil"
)

// ParseLanguage maps free-form input to a supported output language.
func ParseLanguage(raw string) Language {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "tamil", "ta", "தமிழ்":
		return LanguageTamil
	default:
		return LanguageEnglish
	}
}

type Importance string

const (
	ImportanceHigh   Importance = "high"
	ImportanceMedium Importance = "medium"
	ImportanceLow    Importance = "low"
)

// Rank orders importance levels; higher is more important.
func (i Importance) Rank() int {
	switch i {
	case ImportanceHigh:
		return 3
	case ImportanceMedium:
		return 2
	default:
		return 1
	}
}

type StudyPoint struct {
	Title       string     `json:"title" validate:"required"`
	Description string     `json:"description"`
	Importance  Importance `json:"importance" validate:"required,oneof=high medium low"`
	Relevance   string     `json:"tnpscRelevance,omitempty"`
}

// KeyPoint renders the point as "title: description".
func (p StudyPoint) KeyPoint() string {
	if strings.TrimSpace(p.Description) == "" {
		return p.Title
	}
	return p.Title + ": " + p.Description
}

// UnitAnalysis is the structured result of analyzing a single unit.
type UnitAnalysis struct {
	UnitIndex  int          `json:"unitIndex"`
	MainTopic  string       `json:"mainTopic"`
	Points     []StudyPoint `json:"studyPoints"`
	Summary    string       `json:"summary"`
	Language   string       `json:"language"`
	Categories []string     `json:"tnpscCategories,omitempty"`
	Fallback   bool         `json:"fallback,omitempty"`
	AnalyzedAt time.Time    `json:"analyzedAt"`
}

func (u UnitAnalysis) KeyPoints() []string {
	out := make([]string, 0, len(u.Points))
	for _, p := range u.Points {
		out = append(out, p.KeyPoint())
	}
	return out
}

type SkippedUnit struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}

// AggregateAnalysis merges the unit analyses of one analysis run.
type AggregateAnalysis struct {
	MainTopic        string         `json:"mainTopic"`
	Points           []StudyPoint   `json:"studyPoints"`
	Summary          string         `json:"summary"`
	DetectedLanguage string         `json:"detectedLanguage"`
	Categories       []string       `json:"tnpscCategories,omitempty"`
	SourceUnits      []int          `json:"sourceUnits"`
	Skipped          []SkippedUnit  `json:"skipped,omitempty"`
	Units            []UnitAnalysis `json:"units,omitempty"`
	CreatedAt        time.Time      `json:"createdAt"`
}

func (a AggregateAnalysis) KeyPoints() []string {
	out := make([]string, 0, len(a.Points))
	for _, p := range a.Points {
		out = append(out, p.KeyPoint())
	}
	return out
}

type QuestionKind string

const (
	QuestionMultipleChoice QuestionKind = "mcq"
	QuestionTrueFalse      QuestionKind = "true-false"
	QuestionShortAnswer    QuestionKind = "short-answer"
)

// ParseQuestionKind accepts the spellings generation endpoints tend to use.
func ParseQuestionKind(raw string) (QuestionKind, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "mcq", "multiple-choice", "multiple_choice", "multiplechoice", "choice":
		return QuestionMultipleChoice, true
	case "true-false", "true_false", "truefalse", "tf", "boolean":
		return QuestionTrueFalse, true
	case "short-answer", "short_answer", "shortanswer", "short", "fill-in-the-blank":
		return QuestionShortAnswer, true
	default:
		return "", false
	}
}

type Difficulty string

const (
	DifficultyEasy     Difficulty = "easy"
	DifficultyMedium   Difficulty = "medium"
	DifficultyHard     Difficulty = "hard"
	DifficultyVeryHard Difficulty = "very-hard"
)

func ParseDifficulty(raw string) (Difficulty, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "easy":
		return DifficultyEasy, true
	case "medium", "moderate":
		return DifficultyMedium, true
	case "hard", "difficult":
		return DifficultyHard, true
	case "very-hard", "very hard", "very_hard", "veryhard", "expert":
		return DifficultyVeryHard, true
	default:
		return "", false
	}
}

type Question struct {
	Text            string       `json:"question"`
	Kind            QuestionKind `json:"type"`
	Options         []string     `json:"options,omitempty"`
	CorrectAnswer   string       `json:"correctAnswer"`
	Difficulty      Difficulty   `json:"difficulty"`
	GroupTag        string       `json:"tnpscGroup"`
	SourceUnitIndex int          `json:"sourceUnit"`
}

// QuestionSet is an ordered list of questions. TotalCount always equals len(Questions).
type QuestionSet struct {
	Questions  []Question `json:"questions"`
	TotalCount int        `json:"totalCount"`
	Difficulty Difficulty `json:"difficulty"`
	CreatedAt  time.Time  `json:"createdAt"`
}

func NewQuestionSet(questions []Question, difficulty Difficulty) QuestionSet {
	return QuestionSet{
		Questions:  questions,
		TotalCount: len(questions),
		Difficulty: difficulty,
		CreatedAt:  time.Now().UTC(),
	}
}

type UserAnswer struct {
	QuestionIndex int    `json:"questionIndex"`
	SelectedValue string `json:"selectedValue"`
}

type HistoryKind string

const (
	HistoryAnalysis HistoryKind = "analysis"
	HistoryQuiz     HistoryKind = "quiz"
)

// HistoryRecord is a persisted analysis or quiz outcome belonging to one user.
type HistoryRecord struct {
	ID             string          `json:"id"`
	UserID         string          `json:"-"`
	Kind           HistoryKind     `json:"type"`
	FileName       string          `json:"fileName"`
	Difficulty     string          `json:"difficulty,omitempty"`
	Language       string          `json:"language,omitempty"`
	Score          *int            `json:"score,omitempty"`
	TotalQuestions *int            `json:"totalQuestions,omitempty"`
	Payload        json.RawMessage `json:"data"`
	CreatedAt      time.Time       `json:"timestamp"`
}

// RevisionCard is a missed quiz question scheduled for spaced review.
type RevisionCard struct {
	ID            int64
	UserID        string
	Front         string
	Back          string
	GroupTag      string
	Due           sql.NullTime
	Stability     float64
	Difficulty    float64
	ElapsedDays   int
	ScheduledDays int
	Reps          int
	Lapses        int
	State         int
	LastReview    sql.NullTime
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type ReviewLog struct {
	ID            int64
	CardID        int64
	Rating        int
	ScheduledDays int
	ElapsedDays   int
	State         int
	ReviewedAt    time.Time
}

func (c *RevisionCard) ToFSRSCard() fsrs.Card {
	card := fsrs.Card{
		Stability:     c.Stability,
		Difficulty:    c.Difficulty,
		ElapsedDays:   uint64(max(c.ElapsedDays, 0)),
		ScheduledDays: uint64(max(c.ScheduledDays, 0)),
		Reps:          uint64(max(c.Reps, 0)),
		Lapses:        uint64(max(c.Lapses, 0)),
		State:         fsrs.State(max(c.State, 0)),
	}
	if c.Due.Valid {
		card.Due = c.Due.Time
	}
	if c.LastReview.Valid {
		card.LastReview = c.LastReview.Time
	}
	return card
}

func (c *RevisionCard) ApplyFSRSCard(f fsrs.Card) {
	c.Due = sql.NullTime{Time: f.Due, Valid: !f.Due.IsZero()}
	c.Stability = f.Stability
	c.Difficulty = f.Difficulty
	c.ElapsedDays = int(f.ElapsedDays)
	c.ScheduledDays = int(f.ScheduledDays)
	c.Reps = int(f.Reps)
	c.Lapses = int(f.Lapses)
	c.State = int(f.State)
	c.LastReview = sql.NullTime{Time: f.LastReview, Valid: !f.LastReview.IsZero()}
}
