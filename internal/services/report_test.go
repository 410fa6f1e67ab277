package services

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"

	"tnpsc-study/internal/models"
)

func fixedReports(pageLines int) *ReportService {
	s := NewReportService()
	s.pageLines = pageLines
	s.now = func() time.Time { return time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC) }
	return s
}

func manyPoints(n int) *models.AggregateAnalysis {
	a := &models.AggregateAnalysis{MainTopic: "Indian Economy", DetectedLanguage: "English", SourceUnits: []int{1, 2}}
	for i := 0; i < n; i++ {
		a.Points = append(a.Points, models.StudyPoint{
			Title:       fmt.Sprintf("Point %d", i+1),
			Description: "detail",
			Importance:  models.ImportanceMedium,
		})
	}
	return a
}

func TestRenderTextPagination(t *testing.T) {
	s := fixedReports(10)
	report, err := s.Render(ReportRequest{
		Title:    "Economy Notes!",
		Kind:     ReportKeyPoints,
		Format:   FormatText,
		Analysis: manyPoints(10),
	})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if report.FileName != "economy_notes_keypoints.txt" {
		t.Errorf("file name = %q", report.FileName)
	}

	pages := strings.Split(string(report.Body), "\f")
	// 12 body lines at 6 per page.
	if len(pages) != 2 {
		t.Fatalf("pages = %d, want 2", len(pages))
	}
	if !strings.HasPrefix(pages[0], "Economy Notes!\nGenerated 2026-03-01 09:30 UTC\n") {
		t.Errorf("unexpected header %q", pages[0][:40])
	}
	if !strings.HasSuffix(pages[1], "Page 2 of 2\n") {
		t.Errorf("unexpected footer in %q", pages[1])
	}
}

func TestRenderQuestionsText(t *testing.T) {
	set := models.NewQuestionSet([]models.Question{{
		Text:          "Capital of Tamil Nadu?",
		Options:       []string{"Chennai", "Madurai"},
		CorrectAnswer: "Chennai",
		Difficulty:    models.DifficultyEasy,
		GroupTag:      "Group 4",
	}}, models.DifficultyEasy)
	report, err := fixedReports(60).Render(ReportRequest{Kind: ReportQuestions, Questions: &set})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	body := string(report.Body)
	for _, want := range []string{"Q1. Capital of Tamil Nadu?", "    B) Madurai", "    Answer: Chennai"} {
		if !strings.Contains(body, want) {
			t.Errorf("body missing %q", want)
		}
	}
	if report.FileName != "tnpsc_study_material_questions.txt" {
		t.Errorf("file name = %q", report.FileName)
	}
}

func TestRenderXLSX(t *testing.T) {
	score := &ScoreReport{
		Correct:    1,
		Total:      2,
		Percentage: 50,
		Items: []ReviewItem{
			{Index: 0, Question: models.Question{Text: "Q1", CorrectAnswer: "A"}, SelectedValue: "A", Correct: true},
			{Index: 1, Question: models.Question{Text: "Q2", CorrectAnswer: "B"}, SelectedValue: "C"},
		},
	}
	report, err := fixedReports(60).Render(ReportRequest{Title: "Mock test", Kind: ReportQuizResults, Format: FormatXLSX, Score: score})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}

	f, err := excelize.OpenReader(bytes.NewReader(report.Body))
	if err != nil {
		t.Fatalf("open workbook: %v", err)
	}
	defer f.Close()

	got, err := f.GetCellValue("Results", "E3")
	if err != nil {
		t.Fatalf("read cell: %v", err)
	}
	if got != "wrong" {
		t.Errorf("Results!E3 = %q", got)
	}
	pct, _ := f.GetCellValue("Summary", "B4")
	if pct != "50" {
		t.Errorf("Summary!B4 = %q", pct)
	}
}

func TestRenderNothingToExport(t *testing.T) {
	s := fixedReports(60)
	cases := []ReportRequest{
		{Kind: ReportKeyPoints},
		{Kind: ReportQuestions, Questions: &models.QuestionSet{}},
		{Kind: ReportQuizResults},
		{Kind: "poster", Analysis: manyPoints(1)},
		{Kind: ReportAnalysis, Format: "pdf", Analysis: manyPoints(1)},
	}
	for _, req := range cases {
		if _, err := s.Render(req); !errors.Is(err, ErrNothingToExport) {
			t.Errorf("Render(%s/%s) = %v, want ErrNothingToExport", req.Kind, req.Format, err)
		}
	}
}

func TestWrapLine(t *testing.T) {
	line := "    " + strings.Repeat("word ", 30)
	out := wrapLine(line, 40)
	if len(out) < 2 {
		t.Fatalf("expected wrapping, got %d lines", len(out))
	}
	for _, l := range out {
		if len([]rune(l)) > 40 {
			t.Errorf("line too long: %q", l)
		}
	}
	if !strings.HasPrefix(out[1], "      word") {
		t.Errorf("continuation indent lost: %q", out[1])
	}
}
