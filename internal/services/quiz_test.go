package services

import (
	"errors"
	"testing"

	"tnpsc-study/internal/models"
)

func sampleSet() models.QuestionSet {
	return models.NewQuestionSet([]models.Question{
		{Text: "Capital of Tamil Nadu?", Kind: models.QuestionMultipleChoice, Options: []string{"Chennai", "Madurai"}, CorrectAnswer: "Chennai"},
		{Text: "The Kaveri rises in Karnataka.", Kind: models.QuestionTrueFalse, Options: []string{"True", "False"}, CorrectAnswer: "True"},
		{Text: "Who wrote Thirukkural?", Kind: models.QuestionShortAnswer, CorrectAnswer: "Thiruvalluvar"},
	}, models.DifficultyMedium)
}

func TestQuizSessionLifecycle(t *testing.T) {
	q := NewQuizSession(sampleSet(), AnswerPolicyFolded)

	if err := q.Answer(0, "Chennai"); !errors.Is(err, ErrQuizNotStarted) {
		t.Fatalf("answer before begin: got %v", err)
	}
	if err := q.Begin(); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := q.Begin(); err != nil {
		t.Fatalf("begin while in progress should be a no-op, got %v", err)
	}

	if err := q.Advance(); !errors.Is(err, ErrUnansweredQuestion) {
		t.Fatalf("advance unanswered: got %v", err)
	}
	if err := q.Retreat(); !errors.Is(err, ErrAtFirstQuestion) {
		t.Fatalf("retreat at first: got %v", err)
	}
	if err := q.Answer(0, "   "); !errors.Is(err, ErrBlankAnswer) {
		t.Fatalf("blank answer: got %v", err)
	}
	if err := q.Answer(5, "x"); !errors.Is(err, ErrQuestionOutOfRange) {
		t.Fatalf("out of range: got %v", err)
	}

	view := q.View()
	if view.Question == nil || view.Question.CorrectAnswer != "" {
		t.Fatalf("view must hide the correct answer: %+v", view.Question)
	}

	steps := []string{"madurai", " true ", "thiruvalluvar"}
	for i, answer := range steps {
		if err := q.Answer(i, answer); err != nil {
			t.Fatalf("answer %d: %v", i, err)
		}
		if err := q.Advance(); err != nil {
			t.Fatalf("advance %d: %v", i, err)
		}
	}
	if q.State() != QuizCompleted {
		t.Fatalf("state = %s, want completed", q.State())
	}
	if err := q.Answer(0, "Chennai"); !errors.Is(err, ErrQuizCompleted) {
		t.Fatalf("answer after completion: got %v", err)
	}

	report, err := q.Score()
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if report.Correct != 2 || report.Total != 3 || report.Percentage != 67 {
		t.Errorf("unexpected report %+v", report)
	}
	missed := report.Missed()
	if len(missed) != 1 || missed[0].Index != 0 {
		t.Errorf("unexpected missed items %+v", missed)
	}
	if q.View().Question != nil {
		t.Error("completed view should not expose a question")
	}
}

func TestQuizSessionAnswerReplacement(t *testing.T) {
	q := NewQuizSession(sampleSet(), AnswerPolicyFolded)
	_ = q.Begin()
	_ = q.Answer(0, "Madurai")
	_ = q.Advance()
	if err := q.Retreat(); err != nil {
		t.Fatalf("retreat: %v", err)
	}
	if got, _ := q.Selected(0); got != "Madurai" {
		t.Fatalf("selected = %q", got)
	}
	_ = q.Answer(0, "Chennai")
	if got := q.View().SelectedValue; got != "Chennai" {
		t.Errorf("replacement not visible, got %q", got)
	}
	if q.View().Answered != 1 {
		t.Errorf("answered = %d, want 1", q.View().Answered)
	}
}

func TestQuizSessionEmptyAndRestart(t *testing.T) {
	empty := NewQuizSession(models.NewQuestionSet(nil, models.DifficultyEasy), AnswerPolicyFolded)
	if err := empty.Begin(); !errors.Is(err, ErrEmptyQuiz) {
		t.Fatalf("begin empty: got %v", err)
	}
	if _, err := empty.Score(); !errors.Is(err, ErrQuizNotCompleted) {
		t.Fatalf("score before completion: got %v", err)
	}

	q := NewQuizSession(sampleSet(), AnswerPolicyExact)
	_ = q.Begin()
	_ = q.Answer(0, "Chennai")
	fresh := q.Restart()
	if fresh.State() != QuizNotStarted || fresh.Total() != 3 {
		t.Fatalf("restart should yield a fresh session, got %s/%d", fresh.State(), fresh.Total())
	}
	if _, ok := fresh.Selected(0); ok {
		t.Error("restart should drop answers")
	}
}

func TestAnswerPolicy(t *testing.T) {
	if !AnswerPolicyFolded.Match(" chennai ", "Chennai") {
		t.Error("folded policy should ignore case and spaces")
	}
	if AnswerPolicyExact.Match("chennai", "Chennai") {
		t.Error("exact policy should be case sensitive")
	}
}

func TestPercentage(t *testing.T) {
	cases := []struct {
		correct, total, want int
	}{
		{0, 0, 0},
		{1, 3, 33},
		{2, 3, 67},
		{1, 8, 13},
		{1, 200, 1},
		{1, 201, 0},
		{5, 5, 100},
	}
	for _, tc := range cases {
		if got := percentage(tc.correct, tc.total); got != tc.want {
			t.Errorf("percentage(%d, %d) = %d, want %d", tc.correct, tc.total, got, tc.want)
		}
	}
}
