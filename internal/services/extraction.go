package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/ledongthuc/pdf"
	"github.com/rs/zerolog"

	"tnpsc-study/internal/models"
)

// defaultUnitEstimate is used when a PDF's page count cannot be determined.
const defaultUnitEstimate = 50

var (
	pdfCountPattern = regexp.MustCompile(`/Count\s+(\d+)`)
	pdfPagePattern  = regexp.MustCompile(`/Type\s*/Page[^s]`)
)

// UnitContent is what a unit contributes to a generation call.
type UnitContent struct {
	Text        string
	Attachments []Attachment
}

func (c UnitContent) Empty() bool {
	return strings.TrimSpace(c.Text) == "" && len(c.Attachments) == 0
}

// UnitLoader reads the content of a single study unit.
type UnitLoader interface {
	LoadUnit(ctx context.Context, unit models.StudyUnit) (UnitContent, error)
}

// ExtractionService reads page text and image bytes from stored uploads.
type ExtractionService struct {
	renderScanned bool
	log           zerolog.Logger
}

func NewExtractionService(renderScanned bool, log zerolog.Logger) *ExtractionService {
	return &ExtractionService{
		renderScanned: renderScanned,
		log:           log.With().Str("component", "extraction").Logger(),
	}
}

// openPDF guards against panics the pdf package raises on malformed input.
func openPDF(path string) (f *os.File, r *pdf.Reader, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			f, r, err = nil, nil, fmt.Errorf("malformed pdf: %v", rec)
		}
	}()
	return pdf.Open(path)
}

// CountUnits returns the number of pages in the PDF at path. It never returns
// less than 1; unreadable files fall back to a raw scan of the page tree and
// finally to a fixed estimate.
func (s *ExtractionService) CountUnits(path string) int {
	f, r, err := openPDF(path)
	if err == nil {
		n := r.NumPage()
		f.Close()
		if n > 0 {
			return n
		}
	}

	raw, readErr := os.ReadFile(path)
	if readErr != nil {
		s.log.Warn().Err(readErr).Str("path", path).Msg("read pdf for page estimate")
		return defaultUnitEstimate
	}

	best := 0
	for _, m := range pdfCountPattern.FindAllSubmatch(raw, -1) {
		if n, convErr := strconv.Atoi(string(m[1])); convErr == nil && n > best {
			best = n
		}
	}
	if best > 0 {
		return best
	}
	if n := len(pdfPagePattern.FindAll(raw, -1)); n > 0 {
		return n
	}
	return defaultUnitEstimate
}

// ExtractUnitText returns the plain text of a 1-based page. A page without a
// text layer yields "".
func (s *ExtractionService) ExtractUnitText(path string, page int) (text string, err error) {
	f, r, err := openPDF(path)
	if err != nil {
		return "", &ExtractionError{Err: fmt.Errorf("open pdf: %w", err)}
	}
	defer f.Close()

	if page < 1 || page > r.NumPage() {
		return "", &ExtractionError{Err: fmt.Errorf("page %d out of range (1-%d)", page, r.NumPage())}
	}

	defer func() {
		if rec := recover(); rec != nil {
			text, err = "", &ExtractionError{Err: fmt.Errorf("read page %d: %v", page, rec)}
		}
	}()

	p := r.Page(page)
	if p.V.IsNull() {
		return "", nil
	}
	text, err = p.GetPlainText(nil)
	if err != nil {
		return "", &ExtractionError{Err: fmt.Errorf("read page %d: %w", page, err)}
	}
	return strings.TrimSpace(text), nil
}

// ReadImage loads an image upload and sniffs its MIME type.
func (s *ExtractionService) ReadImage(path string) (Attachment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Attachment{}, &ExtractionError{Err: fmt.Errorf("read image: %w", err)}
	}
	mtype := mimetype.Detect(data)
	if !strings.HasPrefix(mtype.String(), "image/") {
		return Attachment{}, &ExtractionError{Err: fmt.Errorf("not an image: %s", mtype.String())}
	}
	return Attachment{MIMEType: mtype.String(), Data: data}, nil
}

// RenderPageImage renders a single page to PNG with Ghostscript. It is used for
// scanned pages that have no text layer.
func (s *ExtractionService) RenderPageImage(ctx context.Context, path string, page int) (Attachment, error) {
	tempDir, err := os.MkdirTemp("", "pdf-render-*")
	if err != nil {
		return Attachment{}, fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(tempDir)

	out := filepath.Join(tempDir, "page.png")
	cmd := exec.CommandContext(ctx, "gs",
		"-dQUIET",
		"-dSAFER",
		"-dNOPAUSE",
		"-dBATCH",
		"-sDEVICE=png16m",
		"-r150",
		fmt.Sprintf("-dFirstPage=%d", page),
		fmt.Sprintf("-dLastPage=%d", page),
		"-sOutputFile="+out,
		path,
	)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return Attachment{}, fmt.Errorf("ghostscript render failed: %w, stderr: %s", err, stderr.String())
	}

	data, err := os.ReadFile(out)
	if err != nil {
		return Attachment{}, fmt.Errorf("read rendered page %d: %w", page, err)
	}
	return Attachment{MIMEType: "image/png", Data: data}, nil
}

func (s *ExtractionService) LoadUnit(ctx context.Context, unit models.StudyUnit) (UnitContent, error) {
	switch unit.Kind {
	case models.SourceImage:
		att, err := s.ReadImage(unit.Path)
		if err != nil {
			return UnitContent{}, withUnit(err, unit.Index)
		}
		return UnitContent{Attachments: []Attachment{att}}, nil
	case models.SourceDocumentPage:
		text, err := s.ExtractUnitText(unit.Path, unit.Page)
		if err != nil {
			return UnitContent{}, withUnit(err, unit.Index)
		}
		if text == "" && s.renderScanned {
			att, err := s.RenderPageImage(ctx, unit.Path, unit.Page)
			if err != nil {
				s.log.Warn().Err(err).Int("unit", unit.Index).Msg("render scanned page")
				return UnitContent{}, nil
			}
			return UnitContent{Attachments: []Attachment{att}}, nil
		}
		return UnitContent{Text: text}, nil
	default:
		return UnitContent{}, &ExtractionError{Unit: unit.Index, Err: fmt.Errorf("unknown unit kind %q", unit.Kind)}
	}
}

func withUnit(err error, index int) error {
	var ee *ExtractionError
	if errors.As(err, &ee) {
		return &ExtractionError{Unit: index, Err: ee.Err}
	}
	return &ExtractionError{Unit: index, Err: err}
}

// BuildUnits expands documents into study units numbered from 1.
func BuildUnits(docs []models.Document) []models.StudyUnit {
	var units []models.StudyUnit
	next := 1
	for _, doc := range docs {
		switch doc.Kind {
		case models.DocumentImage:
			units = append(units, models.StudyUnit{
				Index:      next,
				Kind:       models.SourceImage,
				DocumentID: doc.ID,
				FileName:   doc.OriginalName,
				MIMEType:   doc.MIMEType,
				Path:       doc.StoredPath,
			})
			next++
		default:
			for page := 1; page <= doc.UnitCount; page++ {
				units = append(units, models.StudyUnit{
					Index:      next,
					Kind:       models.SourceDocumentPage,
					DocumentID: doc.ID,
					FileName:   doc.OriginalName,
					Page:       page,
					MIMEType:   doc.MIMEType,
					Path:       doc.StoredPath,
				})
				next++
			}
		}
	}
	return units
}
