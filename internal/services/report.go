package services

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/xuri/excelize/v2"

	"tnpsc-study/internal/models"
)

// ErrNothingToExport is returned when the requested report has no content yet.
var ErrNothingToExport = errors.New("nothing to export")

type ReportKind string

const (
	ReportKeyPoints   ReportKind = "keypoints"
	ReportQuestions   ReportKind = "questions"
	ReportAnalysis    ReportKind = "analysis"
	ReportQuizResults ReportKind = "quiz-results"
)

type ReportFormat string

const (
	FormatText ReportFormat = "txt"
	FormatXLSX ReportFormat = "xlsx"
)

type ReportRequest struct {
	Title     string
	Kind      ReportKind
	Format    ReportFormat
	Analysis  *models.AggregateAnalysis
	Questions *models.QuestionSet
	Score     *ScoreReport
}

type Report struct {
	FileName    string
	ContentType string
	Body        []byte
}

// ReportService renders study artifacts as paginated text or spreadsheets.
type ReportService struct {
	pageLines int
	width     int
	now       func() time.Time
}

func NewReportService() *ReportService {
	return &ReportService{pageLines: 60, width: 90, now: time.Now}
}

func (s *ReportService) Render(req ReportRequest) (*Report, error) {
	if err := checkReportContent(req); err != nil {
		return nil, err
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = "TNPSC Study Material"
	}
	base := reportFileBase(title) + "_" + string(req.Kind)

	switch req.Format {
	case FormatXLSX:
		body, err := s.renderXLSX(title, req)
		if err != nil {
			return nil, err
		}
		return &Report{
			FileName:    base + ".xlsx",
			ContentType: "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
			Body:        body,
		}, nil
	case FormatText, "":
		return &Report{
			FileName:    base + ".txt",
			ContentType: "text/plain; charset=utf-8",
			Body:        []byte(s.renderText(title, req)),
		}, nil
	default:
		return nil, fmt.Errorf("unsupported format %q: %w", req.Format, ErrNothingToExport)
	}
}

func checkReportContent(req ReportRequest) error {
	switch req.Kind {
	case ReportKeyPoints, ReportAnalysis:
		if req.Analysis == nil {
			return fmt.Errorf("%s: %w", req.Kind, ErrNothingToExport)
		}
	case ReportQuestions:
		if req.Questions == nil || len(req.Questions.Questions) == 0 {
			return fmt.Errorf("%s: %w", req.Kind, ErrNothingToExport)
		}
	case ReportQuizResults:
		if req.Score == nil {
			return fmt.Errorf("%s: %w", req.Kind, ErrNothingToExport)
		}
	default:
		return fmt.Errorf("unknown report kind %q: %w", req.Kind, ErrNothingToExport)
	}
	return nil
}

// reportFileBase lower-cases title and replaces anything outside a-z0-9 with "_".
func reportFileBase(title string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(title) {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	out := strings.Trim(b.String(), "_")
	if out == "" {
		return "tnpsc_study"
	}
	return out
}

func (s *ReportService) renderText(title string, req ReportRequest) string {
	var lines []string
	add := func(format string, args ...any) {
		lines = append(lines, fmt.Sprintf(format, args...))
	}

	switch req.Kind {
	case ReportKeyPoints:
		add("Key points: %s", req.Analysis.MainTopic)
		add("")
		for i, p := range req.Analysis.Points {
			add("%d. [%s] %s", i+1, p.Importance, p.KeyPoint())
		}
	case ReportAnalysis:
		a := req.Analysis
		add("Topic: %s", a.MainTopic)
		add("Language: %s", a.DetectedLanguage)
		add("Units analyzed: %s", joinInts(a.SourceUnits))
		if len(a.Categories) > 0 {
			add("Categories: %s", strings.Join(a.Categories, ", "))
		}
		for _, sk := range a.Skipped {
			add("Skipped unit %d: %s", sk.Index, sk.Reason)
		}
		add("")
		add("Summary")
		for _, para := range strings.Split(a.Summary, "\n") {
			add("%s", para)
		}
		add("")
		add("Study points")
		for i, p := range a.Points {
			add("%d. [%s] %s", i+1, p.Importance, p.KeyPoint())
		}
	case ReportQuestions:
		for i, q := range req.Questions.Questions {
			add("Q%d. %s", i+1, q.Text)
			for j, opt := range q.Options {
				add("    %c) %s", 'A'+j, opt)
			}
			add("    Answer: %s", q.CorrectAnswer)
			add("    %s | %s | unit %d", q.Difficulty, q.GroupTag, q.SourceUnitIndex)
			add("")
		}
	case ReportQuizResults:
		sc := req.Score
		add("Score: %d / %d (%d%%)", sc.Correct, sc.Total, sc.Percentage)
		add("")
		for _, item := range sc.Items {
			mark := "wrong"
			if item.Correct {
				mark = "correct"
			}
			add("Q%d. %s", item.Index+1, item.Question.Text)
			add("    Your answer: %s (%s)", item.SelectedValue, mark)
			if !item.Correct {
				add("    Correct answer: %s", item.Question.CorrectAnswer)
			}
			add("")
		}
	}
	return s.paginate(title, lines)
}

// paginate wraps lines to the page width and splits them into pages with a
// title header and a page footer. Pages are separated by form feeds.
func (s *ReportService) paginate(title string, lines []string) string {
	var wrapped []string
	for _, line := range lines {
		wrapped = append(wrapped, wrapLine(line, s.width)...)
	}

	body := s.pageLines - 4
	if body < 1 {
		body = 1
	}
	pages := (len(wrapped) + body - 1) / body
	if pages == 0 {
		pages = 1
	}
	stamp := s.now().UTC().Format("2006-01-02 15:04 MST")

	var b strings.Builder
	for p := 0; p < pages; p++ {
		if p > 0 {
			b.WriteString("\f")
		}
		b.WriteString(title + "\n")
		b.WriteString("Generated " + stamp + "\n")
		end := min((p+1)*body, len(wrapped))
		for _, line := range wrapped[p*body : end] {
			b.WriteString(line + "\n")
		}
		fmt.Fprintf(&b, "\nPage %d of %d\n", p+1, pages)
	}
	return b.String()
}

func wrapLine(line string, width int) []string {
	if len([]rune(line)) <= width {
		return []string{line}
	}
	indent := line[:len(line)-len(strings.TrimLeft(line, " "))]
	words := strings.Fields(line)
	var out []string
	current := indent
	for _, w := range words {
		candidate := current
		if strings.TrimSpace(candidate) != "" {
			candidate += " "
		}
		candidate += w
		if len([]rune(candidate)) > width && strings.TrimSpace(current) != "" {
			out = append(out, current)
			current = indent + "  " + w
			continue
		}
		current = candidate
	}
	if strings.TrimSpace(current) != "" {
		out = append(out, current)
	}
	return out
}

func (s *ReportService) renderXLSX(title string, req ReportRequest) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	var (
		sheet  string
		header []any
		rows   [][]any
	)
	switch req.Kind {
	case ReportKeyPoints, ReportAnalysis:
		sheet = "Key Points"
		header = []any{"#", "Importance", "Title", "Description"}
		for i, p := range req.Analysis.Points {
			rows = append(rows, []any{i + 1, string(p.Importance), p.Title, p.Description})
		}
	case ReportQuestions:
		sheet = "Questions"
		header = []any{"#", "Question", "Type", "Options", "Answer", "Difficulty", "Group", "Unit"}
		for i, q := range req.Questions.Questions {
			rows = append(rows, []any{i + 1, q.Text, string(q.Kind), strings.Join(q.Options, " | "), q.CorrectAnswer, string(q.Difficulty), q.GroupTag, q.SourceUnitIndex})
		}
	case ReportQuizResults:
		sheet = "Results"
		header = []any{"#", "Question", "Your answer", "Correct answer", "Result"}
		for _, item := range req.Score.Items {
			result := "wrong"
			if item.Correct {
				result = "correct"
			}
			rows = append(rows, []any{item.Index + 1, item.Question.Text, item.SelectedValue, item.Question.CorrectAnswer, result})
		}
	}

	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return nil, fmt.Errorf("name sheet: %w", err)
	}
	if err := writeRow(f, sheet, 1, header); err != nil {
		return nil, err
	}
	for i, row := range rows {
		if err := writeRow(f, sheet, i+2, row); err != nil {
			return nil, err
		}
	}

	if req.Kind == ReportAnalysis || req.Kind == ReportQuizResults {
		if err := s.writeSummarySheet(f, title, req); err != nil {
			return nil, err
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("write workbook: %w", err)
	}
	return buf.Bytes(), nil
}

func (s *ReportService) writeSummarySheet(f *excelize.File, title string, req ReportRequest) error {
	const sheet = "Summary"
	if _, err := f.NewSheet(sheet); err != nil {
		return fmt.Errorf("add summary sheet: %w", err)
	}
	pairs := [][]any{{"Title", title}}
	if req.Kind == ReportAnalysis {
		a := req.Analysis
		pairs = append(pairs,
			[]any{"Topic", a.MainTopic},
			[]any{"Language", a.DetectedLanguage},
			[]any{"Units analyzed", joinInts(a.SourceUnits)},
			[]any{"Categories", strings.Join(a.Categories, ", ")},
			[]any{"Summary", a.Summary},
		)
	} else {
		sc := req.Score
		pairs = append(pairs,
			[]any{"Correct", sc.Correct},
			[]any{"Total", sc.Total},
			[]any{"Percentage", sc.Percentage},
		)
	}
	for i, pair := range pairs {
		if err := writeRow(f, sheet, i+1, pair); err != nil {
			return err
		}
	}
	return nil
}

func writeRow(f *excelize.File, sheet string, row int, values []any) error {
	for col, v := range values {
		cell, err := excelize.CoordinatesToCellName(col+1, row)
		if err != nil {
			return fmt.Errorf("cell name: %w", err)
		}
		if err := f.SetCellValue(sheet, cell, v); err != nil {
			return fmt.Errorf("set %s!%s: %w", sheet, cell, err)
		}
	}
	return nil
}
