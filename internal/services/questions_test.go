package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"tnpsc-study/internal/models"
)

func newTestQuestions(gen Generator) *QuestionService {
	return NewQuestionService(gen, QuestionSettings{OptionCount: 4, DefaultCount: 5, PerUnitCount: 3}, zerolog.Nop())
}

func sampleAggregate() *models.AggregateAnalysis {
	return &models.AggregateAnalysis{
		MainTopic:   "Tamil Nadu Geography",
		SourceUnits: []int{1, 2},
		Points: []models.StudyPoint{
			{Title: "Kaveri", Description: "Major river", Importance: models.ImportanceHigh},
		},
	}
}

func TestGenerateQuestionsBatch(t *testing.T) {
	gen := &scriptedGenerator{reply: func(int, GenerationRequest) (string, error) {
		return "```json\n" + `{"questions":[
			{"question":"Longest river of Tamil Nadu?","type":"mcq","options":["Kaveri","Vaigai","Palar","Thamirabarani"],"answer":"A","sourceUnit":2,"tnpscGroup":"Group 4"},
			{"question":"longest river of  tamil nadu?","type":"mcq","options":["Kaveri","Vaigai","Palar","Thamirabarani"],"answer":"Kaveri"},
			{"question":"Kaveri rises in Kerala.","type":"true_false","answer":"no","sourceUnit":9},
			{"question":"Bad options","type":"mcq","options":["x","y"],"answer":"x"},
			{"question":"Name the dam on the Kaveri in Mettur.","type":"short","answer":"Stanley Reservoir","difficulty":"hard"}
		]}` + "\n```", nil
	}}
	svc := newTestQuestions(gen)

	set, err := svc.GenerateQuestions(context.Background(), sampleAggregate(), QuestionOptions{Difficulty: "easy"})
	if err != nil {
		t.Fatalf("GenerateQuestions: %v", err)
	}
	if set.TotalCount != 3 || len(set.Questions) != 3 {
		t.Fatalf("total = %d, questions = %d", set.TotalCount, len(set.Questions))
	}

	mcq := set.Questions[0]
	if mcq.CorrectAnswer != "Kaveri" || mcq.SourceUnitIndex != 2 || mcq.GroupTag != "Group 4" {
		t.Errorf("unexpected mcq %+v", mcq)
	}
	if mcq.Difficulty != models.DifficultyEasy {
		t.Errorf("difficulty = %s", mcq.Difficulty)
	}

	tf := set.Questions[1]
	if tf.CorrectAnswer != "False" || tf.SourceUnitIndex != 0 || tf.GroupTag != defaultGroupTag {
		t.Errorf("unexpected true/false %+v", tf)
	}
	if strings.Join(tf.Options, ",") != "True,False" {
		t.Errorf("true/false options = %v", tf.Options)
	}

	short := set.Questions[2]
	if short.Kind != models.QuestionShortAnswer || short.Difficulty != models.DifficultyHard {
		t.Errorf("unexpected short answer %+v", short)
	}
}

func TestGenerateQuestionsBatchFailures(t *testing.T) {
	t.Run("NoPoints", func(t *testing.T) {
		svc := newTestQuestions(&scriptedGenerator{})
		_, err := svc.GenerateQuestions(context.Background(), &models.AggregateAnalysis{}, QuestionOptions{})
		var agg *AggregationError
		if !errors.As(err, &agg) {
			t.Fatalf("expected AggregationError, got %v", err)
		}
	})

	t.Run("Prose", func(t *testing.T) {
		gen := &scriptedGenerator{reply: func(int, GenerationRequest) (string, error) {
			return "I cannot write questions today.", nil
		}}
		_, err := newTestQuestions(gen).GenerateQuestions(context.Background(), sampleAggregate(), QuestionOptions{})
		var agg *AggregationError
		if !errors.As(err, &agg) {
			t.Fatalf("expected AggregationError, got %v", err)
		}
	})

	t.Run("Transport", func(t *testing.T) {
		gen := &scriptedGenerator{reply: func(int, GenerationRequest) (string, error) {
			return "", &TransportError{Err: context.DeadlineExceeded}
		}}
		_, err := newTestQuestions(gen).GenerateQuestions(context.Background(), sampleAggregate(), QuestionOptions{})
		var transport *TransportError
		if !errors.As(err, &transport) {
			t.Fatalf("expected TransportError, got %v", err)
		}
	})
}

func TestGenerateQuestionsCapsCount(t *testing.T) {
	gen := &scriptedGenerator{reply: func(int, GenerationRequest) (string, error) {
		var items []string
		for i := 0; i < 8; i++ {
			items = append(items, fmt.Sprintf(`{"question":"Fact %d is true.","type":"tf","answer":"true"}`, i))
		}
		return "[" + strings.Join(items, ",") + "]", nil
	}}
	set, err := newTestQuestions(gen).GenerateQuestions(context.Background(), sampleAggregate(), QuestionOptions{Count: 6})
	if err != nil {
		t.Fatalf("GenerateQuestions: %v", err)
	}
	if set.TotalCount != 6 {
		t.Errorf("total = %d, want 6", set.TotalCount)
	}
}

func TestGenerateQuestionsPerUnit(t *testing.T) {
	gen := &scriptedGenerator{reply: func(n int, _ GenerationRequest) (string, error) {
		switch n {
		case 1:
			return `[{"question":"Shared question?","type":"short","answer":"x"},{"question":"Unit one only?","type":"short","answer":"y"}]`, nil
		case 2:
			return "", &ServiceError{Status: 429, Message: "rate limited"}
		default:
			return `[{"question":"shared  QUESTION?","type":"short","answer":"x"},{"question":"Unit three only?","type":"short","answer":"z"}]`, nil
		}
	}}
	units := []models.UnitAnalysis{
		{UnitIndex: 3, MainTopic: "C", Points: []models.StudyPoint{{Title: "c"}}},
		{UnitIndex: 1, MainTopic: "A", Points: []models.StudyPoint{{Title: "a"}}},
		{UnitIndex: 2, MainTopic: "B", Points: []models.StudyPoint{{Title: "b"}}},
	}
	set, err := newTestQuestions(gen).GenerateQuestionsPerUnit(context.Background(), units, QuestionOptions{})
	if err != nil {
		t.Fatalf("GenerateQuestionsPerUnit: %v", err)
	}
	var got []string
	for _, q := range set.Questions {
		got = append(got, fmt.Sprintf("%d:%s", q.SourceUnitIndex, q.Text))
	}
	want := "[1:Shared question? 1:Unit one only? 3:Unit three only?]"
	if fmt.Sprint(got) != want {
		t.Errorf("questions = %v, want %s", got, want)
	}
}

func TestMatchOption(t *testing.T) {
	options := []string{"Chennai", "Madurai", "Coimbatore", "Salem"}
	cases := []struct {
		answer string
		want   string
		ok     bool
	}{
		{"Chennai", "Chennai", true},
		{" madurai ", "Madurai", true},
		{"C", "Coimbatore", true},
		{"(d)", "Salem", true},
		{"Option B", "Madurai", true},
		{"b) Madurai", "Madurai", true},
		{"b) Salem", "", false},
		{"E", "", false},
		{"Trichy", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		got, ok := matchOption(options, tc.answer)
		if got != tc.want || ok != tc.ok {
			t.Errorf("matchOption(%q) = %q, %v; want %q, %v", tc.answer, got, ok, tc.want, tc.ok)
		}
	}
}

func TestCanonicalQuestionRejects(t *testing.T) {
	cases := map[string]rawQuestion{
		"EmptyText":        {Question: " ", Answer: "x"},
		"UnknownType":      {Question: "Q", Type: "essay", Answer: "x"},
		"DuplicateOptions": {Question: "Q", Options: []string{"a", "A", "b", "c"}, Answer: "a"},
		"BlankOption":      {Question: "Q", Options: []string{"a", " ", "b", "c"}, Answer: "a"},
		"TrueFalseOther":   {Question: "Q", Type: "tf", Answer: "maybe"},
		"ShortBlank":       {Question: "Q", Type: "short"},
	}
	for name, rq := range cases {
		t.Run(name, func(t *testing.T) {
			if _, reason := canonicalQuestion(rq, models.DifficultyMedium, 4); reason == "" {
				t.Error("expected the question to be rejected")
			}
		})
	}
}
