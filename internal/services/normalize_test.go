package services

import (
	"encoding/json"
	"reflect"
	"strings"
	"testing"

	"tnpsc-study/internal/models"
)

func TestStripFences(t *testing.T) {
	cases := map[string]string{
		"```json\n{\"a\":1}\n```": `{"a":1}`,
		"```\n[1,2]\n```":         `[1,2]`,
		"  {\"a\":1}  ":           `{"a":1}`,
		"```json\n{\"a\":1}":      `{"a":1}`,
	}
	for in, want := range cases {
		if got := StripFences(in); got != want {
			t.Errorf("StripFences(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestExtractJSON(t *testing.T) {
	t.Run("ProseAround", func(t *testing.T) {
		body, err := extractJSON(`Here you go: {"mainTopic":"Rivers"} hope it helps`)
		if err != nil {
			t.Fatalf("extractJSON: %v", err)
		}
		if string(body) != `{"mainTopic":"Rivers"}` {
			t.Errorf("unexpected body %s", body)
		}
	})

	t.Run("SkipsBrokenCandidate", func(t *testing.T) {
		body, err := extractJSON(`note {broken then [1, 2, 3]`)
		if err != nil {
			t.Fatalf("extractJSON: %v", err)
		}
		if string(body) != `[1, 2, 3]` {
			t.Errorf("unexpected body %s", body)
		}
	})

	t.Run("NoJSON", func(t *testing.T) {
		if _, err := extractJSON("plain text only"); err == nil {
			t.Fatal("expected error for text without JSON")
		}
	})
}

func TestNormalizeUnitAnalysis(t *testing.T) {
	fallback := unitAnalysisFallback(20)

	t.Run("Parsed", func(t *testing.T) {
		raw := "```json\n" + `{
			"mainTopic": " Indian Polity ",
			"studyPoints": [
				{"title": "Preamble", "description": "Sovereign socialist secular", "importance": "Critical"},
				{"title": "Article 21", "importance": "whatever"}
			],
			"summary": "Basics",
			"language": " English ",
			"tnpscCategories": ["Polity", " "]
		}` + "\n```"
		n := Normalize(raw, fallback)
		if !n.Parsed() {
			t.Fatalf("expected parsed outcome, got fallback: %s", n.Reason)
		}
		if n.Value.MainTopic != "Indian Polity" {
			t.Errorf("topic not trimmed: %q", n.Value.MainTopic)
		}
		if n.Value.StudyPoints[0].Importance != models.ImportanceHigh {
			t.Errorf("critical should map to high, got %s", n.Value.StudyPoints[0].Importance)
		}
		if n.Value.StudyPoints[1].Importance != models.ImportanceMedium {
			t.Errorf("unknown importance should map to medium, got %s", n.Value.StudyPoints[1].Importance)
		}
		if len(n.Value.Categories) != 1 {
			t.Errorf("blank category should be dropped, got %v", n.Value.Categories)
		}

		unit := n.Value.toModel(3, false)
		if unit.UnitIndex != 3 || unit.Language != "English" || unit.Summary != "Basics" {
			t.Errorf("unexpected unit %+v", unit)
		}
	})

	t.Run("SchemaFailure", func(t *testing.T) {
		n := Normalize(`{"mainTopic": "Rivers", "studyPoints": []}`, fallback)
		if n.Parsed() {
			t.Fatal("empty studyPoints should fall back")
		}
		if !strings.HasPrefix(n.Reason, "schema:") {
			t.Errorf("unexpected reason %q", n.Reason)
		}
	})

	t.Run("MissingSummary", func(t *testing.T) {
		n := Normalize(`{"mainTopic":"Rivers","language":"English","studyPoints":[{"title":"Kaveri","importance":"high"}]}`, fallback)
		if n.Parsed() {
			t.Fatal("a result without a summary should fall back")
		}
		if !strings.Contains(n.Reason, "summary") {
			t.Errorf("reason should name the summary, got %q", n.Reason)
		}
		if n.Value.MainTopic != fallbackTopic {
			t.Errorf("unexpected fallback %+v", n.Value)
		}
	})

	t.Run("BlankLanguage", func(t *testing.T) {
		n := Normalize(`{"mainTopic":"Rivers","summary":"Rivers of India","language":"  ","studyPoints":[{"title":"Kaveri","importance":"high"}]}`, fallback)
		if n.Parsed() {
			t.Fatal("a blank language should fall back")
		}
	})

	t.Run("Prose", func(t *testing.T) {
		raw := "The Kaveri   river flows through\nKarnataka and Tamil Nadu."
		n := Normalize(raw, fallback)
		if n.Parsed() {
			t.Fatal("prose should fall back")
		}
		v := n.Value
		if v.MainTopic != fallbackTopic || v.Language != "Mixed" {
			t.Errorf("unexpected fallback %+v", v)
		}
		if len(v.StudyPoints) != 1 || v.StudyPoints[0].Importance != models.ImportanceLow {
			t.Fatalf("expected one low-importance point, got %+v", v.StudyPoints)
		}
		if got := v.StudyPoints[0].Description; got != "The Kaveri river flo..." {
			t.Errorf("excerpt = %q", got)
		}
	})

	t.Run("Empty", func(t *testing.T) {
		n := Normalize("   ", fallback)
		if n.Value.StudyPoints[0].Description != fallbackEmpty {
			t.Errorf("empty response should use placeholder, got %q", n.Value.StudyPoints[0].Description)
		}
	})
}

func TestNormalizeQuestionBatch(t *testing.T) {
	t.Run("BareArray", func(t *testing.T) {
		raw := `[{"question":"Capital of Tamil Nadu?","options":["Chennai","Madurai"],"answer":"Chennai","sourceUnit":"2"}]`
		n := Normalize(raw, questionBatchFallback)
		if !n.Parsed() {
			t.Fatalf("expected parsed, got %s", n.Reason)
		}
		q := n.Value.Questions[0]
		if q.answer() != "Chennai" {
			t.Errorf("answer = %q", q.answer())
		}
		if q.unit() != 2 {
			t.Errorf("quoted sourceUnit should decode, got %d", q.unit())
		}
	})

	t.Run("WrappedObject", func(t *testing.T) {
		raw := `{"questions":[{"question":"Q","correctAnswer":"True","answer":"False","pageNumber":4}]}`
		n := Normalize(raw, questionBatchFallback)
		if !n.Parsed() {
			t.Fatalf("expected parsed, got %s", n.Reason)
		}
		q := n.Value.Questions[0]
		if q.answer() != "True" {
			t.Errorf("correctAnswer should win over answer, got %q", q.answer())
		}
		if q.unit() != 4 {
			t.Errorf("pageNumber should be used as unit, got %d", q.unit())
		}
	})

	t.Run("EmptyFallsBack", func(t *testing.T) {
		n := Normalize(`{"questions":[]}`, questionBatchFallback)
		if n.Parsed() {
			t.Fatal("empty batch should fall back")
		}
		if len(n.Value.Questions) != 0 {
			t.Errorf("fallback batch should be empty, got %d", len(n.Value.Questions))
		}
	})
}

func TestNormalizeRoundTrip(t *testing.T) {
	unit := unitAnalysisPayload{
		MainTopic: "Sangam Age",
		StudyPoints: []models.StudyPoint{
			{Title: "Tolkappiyam", Description: "Earliest Tamil grammar", Importance: models.ImportanceHigh},
			{Title: "Muziris", Description: "Chera port", Importance: models.ImportanceLow, Relevance: "Group 2 history"},
		},
		Summary:    "Early Tamil literature and trade",
		Language:   "English",
		Categories: []string{"History", "Tamil Culture"},
	}
	batch := questionBatchPayload{Questions: []rawQuestion{
		{Question: "Who wrote Tolkappiyam?", Options: []string{"Tolkappiyar", "Kambar"}, Answer: "Tolkappiyar", Type: "mcq", SourceUnit: 2},
		{Question: "Muziris was a Chera port.", Answer: "True", Type: "tf", Difficulty: "easy", Group: "Group 4", PageNumber: 5},
	}}

	wrap := map[string]func(string) string{
		"Bare":   func(s string) string { return s },
		"Fenced": func(s string) string { return "```json\n" + s + "\n```" },
		"Prose":  func(s string) string { return "Here is the result:\n" + s + "\nGood luck!" },
	}
	for name, w := range wrap {
		t.Run("Unit"+name, func(t *testing.T) {
			raw, err := json.Marshal(unit)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			n := Normalize(w(string(raw)), unitAnalysisFallback(20))
			if n.Outcome != OutcomeParsed {
				t.Fatalf("outcome = %s (%s)", n.Outcome, n.Reason)
			}
			if !reflect.DeepEqual(n.Value, unit) {
				t.Errorf("round trip changed the value:\n got %+v\nwant %+v", n.Value, unit)
			}
		})
		t.Run("Questions"+name, func(t *testing.T) {
			raw, err := json.Marshal(batch)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			n := Normalize(w(string(raw)), questionBatchFallback)
			if n.Outcome != OutcomeParsed {
				t.Fatalf("outcome = %s (%s)", n.Outcome, n.Reason)
			}
			if !reflect.DeepEqual(n.Value, batch) {
				t.Errorf("round trip changed the value:\n got %+v\nwant %+v", n.Value, batch)
			}
		})
	}
}
