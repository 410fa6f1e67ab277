package services

import (
	"strings"

	"tnpsc-study/internal/models"
)

type QuizState string

const (
	QuizNotStarted QuizState = "not-started"
	QuizInProgress QuizState = "in-progress"
	QuizCompleted  QuizState = "completed"
)

// AnswerPolicy decides whether a selected value equals the correct answer.
type AnswerPolicy int

const (
	// AnswerPolicyFolded ignores surrounding whitespace and letter case.
	AnswerPolicyFolded AnswerPolicy = iota
	// AnswerPolicyExact requires byte-for-byte equality.
	AnswerPolicyExact
)

func (p AnswerPolicy) Match(selected, correct string) bool {
	if p == AnswerPolicyExact {
		return selected == correct
	}
	return strings.EqualFold(strings.TrimSpace(selected), strings.TrimSpace(correct))
}

// QuizSession walks a fixed question set. It is not safe for concurrent use;
// its owner serializes access.
type QuizSession struct {
	set     models.QuestionSet
	policy  AnswerPolicy
	state   QuizState
	current int
	answers map[int]string
}

func NewQuizSession(set models.QuestionSet, policy AnswerPolicy) *QuizSession {
	set.TotalCount = len(set.Questions)
	return &QuizSession{
		set:     set,
		policy:  policy,
		state:   QuizNotStarted,
		answers: make(map[int]string),
	}
}

func (q *QuizSession) State() QuizState { return q.state }

func (q *QuizSession) CurrentIndex() int { return q.current }

func (q *QuizSession) Total() int { return len(q.set.Questions) }

func (q *QuizSession) Set() models.QuestionSet { return q.set }

// Selected returns the answer recorded for index, if any.
func (q *QuizSession) Selected(index int) (string, bool) {
	v, ok := q.answers[index]
	return v, ok
}

func (q *QuizSession) Begin() error {
	switch q.state {
	case QuizInProgress:
		return nil
	case QuizCompleted:
		return ErrQuizCompleted
	}
	if len(q.set.Questions) == 0 {
		return ErrEmptyQuiz
	}
	q.state = QuizInProgress
	q.current = 0
	return nil
}

// Answer records value for index, replacing any earlier answer.
func (q *QuizSession) Answer(index int, value string) error {
	if err := q.requireInProgress(); err != nil {
		return err
	}
	if index < 0 || index >= len(q.set.Questions) {
		return ErrQuestionOutOfRange
	}
	if strings.TrimSpace(value) == "" {
		return ErrBlankAnswer
	}
	q.answers[index] = value
	return nil
}

// Advance moves to the next question, or completes the quiz from the last one.
// The current question must be answered.
func (q *QuizSession) Advance() error {
	if err := q.requireInProgress(); err != nil {
		return err
	}
	if _, ok := q.answers[q.current]; !ok {
		return ErrUnansweredQuestion
	}
	if q.current == len(q.set.Questions)-1 {
		q.state = QuizCompleted
		return nil
	}
	q.current++
	return nil
}

func (q *QuizSession) Retreat() error {
	if err := q.requireInProgress(); err != nil {
		return err
	}
	if q.current == 0 {
		return ErrAtFirstQuestion
	}
	q.current--
	return nil
}

func (q *QuizSession) requireInProgress() error {
	switch q.state {
	case QuizNotStarted:
		return ErrQuizNotStarted
	case QuizCompleted:
		return ErrQuizCompleted
	}
	return nil
}

// Restart returns a fresh session over the same questions.
func (q *QuizSession) Restart() *QuizSession {
	return NewQuizSession(q.set, q.policy)
}

type ReviewItem struct {
	Index         int             `json:"index"`
	Question      models.Question `json:"question"`
	SelectedValue string          `json:"selectedValue"`
	Correct       bool            `json:"correct"`
}

type ScoreReport struct {
	Correct    int          `json:"correct"`
	Total      int          `json:"total"`
	Percentage int          `json:"percentage"`
	Items      []ReviewItem `json:"items"`
}

// Missed returns the review items answered incorrectly.
func (r ScoreReport) Missed() []ReviewItem {
	var out []ReviewItem
	for _, item := range r.Items {
		if !item.Correct {
			out = append(out, item)
		}
	}
	return out
}

// Score grades a completed quiz. It does not change the session.
func (q *QuizSession) Score() (ScoreReport, error) {
	if q.state != QuizCompleted {
		return ScoreReport{}, ErrQuizNotCompleted
	}
	report := ScoreReport{
		Total: len(q.set.Questions),
		Items: make([]ReviewItem, len(q.set.Questions)),
	}
	for i, question := range q.set.Questions {
		selected := q.answers[i]
		ok := q.policy.Match(selected, question.CorrectAnswer)
		if ok {
			report.Correct++
		}
		report.Items[i] = ReviewItem{
			Index:         i,
			Question:      question,
			SelectedValue: selected,
			Correct:       ok,
		}
	}
	report.Percentage = percentage(report.Correct, report.Total)
	return report, nil
}

// percentage rounds half up using integer arithmetic only.
func percentage(correct, total int) int {
	if total <= 0 {
		return 0
	}
	return (200*correct + total) / (2 * total)
}

// QuizView is a read-only snapshot for clients.
type QuizView struct {
	State         QuizState        `json:"state"`
	CurrentIndex  int              `json:"currentIndex"`
	Total         int              `json:"total"`
	Answered      int              `json:"answered"`
	Question      *models.Question `json:"question,omitempty"`
	SelectedValue string           `json:"selectedValue,omitempty"`
}

// View hides correct answers while the quiz is running.
func (q *QuizSession) View() QuizView {
	v := QuizView{
		State:        q.state,
		CurrentIndex: q.current,
		Total:        len(q.set.Questions),
		Answered:     len(q.answers),
	}
	if q.state == QuizInProgress {
		question := q.set.Questions[q.current]
		question.CorrectAnswer = ""
		v.Question = &question
		v.SelectedValue = q.answers[q.current]
	}
	return v
}
