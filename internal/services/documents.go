package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"tnpsc-study/internal/models"
)

// DocumentService stores uploads on disk and records them in the database.
type DocumentService struct {
	db         *sql.DB
	uploadDir  string
	extraction *ExtractionService
}

func NewDocumentService(db *sql.DB, uploadDir string, extraction *ExtractionService) *DocumentService {
	return &DocumentService{db: db, uploadDir: uploadDir, extraction: extraction}
}

// Create stores src under a generated name, sniffs its type and counts its units.
// Only PDFs and images are accepted.
func (s *DocumentService) Create(ctx context.Context, original string, src io.Reader) (*models.Document, error) {
	if err := os.MkdirAll(s.uploadDir, 0o755); err != nil {
		return nil, fmt.Errorf("ensure upload dir: %w", err)
	}

	name := uuid.NewString() + strings.ToLower(filepath.Ext(original))
	storedPath := filepath.Join(s.uploadDir, name)
	out, err := os.Create(storedPath)
	if err != nil {
		return nil, fmt.Errorf("create file: %w", err)
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		os.Remove(storedPath)
		return nil, fmt.Errorf("write file: %w", err)
	}
	out.Close()

	mtype, err := mimetype.DetectFile(storedPath)
	if err != nil {
		os.Remove(storedPath)
		return nil, fmt.Errorf("detect type: %w", err)
	}

	doc := &models.Document{
		OriginalName: original,
		StoredPath:   storedPath,
		MIMEType:     mtype.String(),
		UploadedAt:   time.Now().UTC(),
	}
	switch {
	case mtype.Is("application/pdf"):
		doc.Kind = models.DocumentPDF
		doc.UnitCount = s.extraction.CountUnits(storedPath)
	case strings.HasPrefix(mtype.String(), "image/"):
		doc.Kind = models.DocumentImage
		doc.UnitCount = 1
	default:
		os.Remove(storedPath)
		return nil, &ExtractionError{Err: fmt.Errorf("%s: unsupported file type %s", original, mtype.String())}
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (original_name, stored_path, kind, mime_type, unit_count, uploaded_at)
		VALUES (?, ?, ?, ?, ?, ?);
	`, doc.OriginalName, doc.StoredPath, doc.Kind, doc.MIMEType, doc.UnitCount, doc.UploadedAt)
	if err != nil {
		os.Remove(storedPath)
		return nil, fmt.Errorf("insert document: %w", err)
	}
	doc.ID, _ = res.LastInsertId()
	return doc, nil
}

func (s *DocumentService) GetByID(ctx context.Context, id int64) (*models.Document, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, original_name, stored_path, kind, mime_type, unit_count, uploaded_at
		FROM documents WHERE id = ?;
	`, id)
	var doc models.Document
	if err := row.Scan(
		&doc.ID,
		&doc.OriginalName,
		&doc.StoredPath,
		&doc.Kind,
		&doc.MIMEType,
		&doc.UnitCount,
		&doc.UploadedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("document %d: %w", id, ErrRecordNotFound)
		}
		return nil, fmt.Errorf("scan document: %w", err)
	}
	return &doc, nil
}

// Delete removes the stored file and its row.
func (s *DocumentService) Delete(ctx context.Context, id int64) error {
	doc, err := s.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id = ?;`, id); err != nil {
		return fmt.Errorf("delete document %d: %w", id, err)
	}
	if err := os.Remove(doc.StoredPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove file: %w", err)
	}
	return nil
}
