package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"tnpsc-study/internal/models"
)

const defaultHistoryLimit = 50

// HistoryStore persists analysis and quiz records per user.
type HistoryStore interface {
	Append(ctx context.Context, rec models.HistoryRecord) (models.HistoryRecord, error)
	List(ctx context.Context, userID string, limit int) ([]models.HistoryRecord, error)
	Get(ctx context.Context, userID, id string) (models.HistoryRecord, error)
	Delete(ctx context.Context, userID, id string) error
}

// prepareRecord fills the id and timestamp of a new record.
func prepareRecord(rec models.HistoryRecord) (models.HistoryRecord, error) {
	if rec.UserID == "" {
		return rec, errors.New("history record needs a user")
	}
	if rec.Kind != models.HistoryAnalysis && rec.Kind != models.HistoryQuiz {
		return rec, fmt.Errorf("unsupported history kind %q", rec.Kind)
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if len(rec.Payload) == 0 {
		rec.Payload = []byte("{}")
	}
	return rec, nil
}

// SQLiteHistoryStore keeps history in the local database.
type SQLiteHistoryStore struct {
	db *sql.DB
}

func NewSQLiteHistoryStore(db *sql.DB) *SQLiteHistoryStore {
	return &SQLiteHistoryStore{db: db}
}

func (s *SQLiteHistoryStore) Append(ctx context.Context, rec models.HistoryRecord) (models.HistoryRecord, error) {
	rec, err := prepareRecord(rec)
	if err != nil {
		return rec, err
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO history (id, user_id, kind, file_name, difficulty, language, score, total_questions, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
	`, rec.ID, rec.UserID, rec.Kind, rec.FileName, rec.Difficulty, rec.Language,
		nullIntPtr(rec.Score), nullIntPtr(rec.TotalQuestions), string(rec.Payload), rec.CreatedAt); err != nil {
		return rec, fmt.Errorf("insert history: %w", err)
	}
	return rec, nil
}

func (s *SQLiteHistoryStore) List(ctx context.Context, userID string, limit int) ([]models.HistoryRecord, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, kind, file_name, difficulty, language, score, total_questions, payload, created_at
		FROM history
		WHERE user_id = ?
		ORDER BY created_at DESC
		LIMIT ?;
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	var out []models.HistoryRecord
	for rows.Next() {
		rec, err := scanHistory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteHistoryStore) Get(ctx context.Context, userID, id string) (models.HistoryRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, kind, file_name, difficulty, language, score, total_questions, payload, created_at
		FROM history
		WHERE user_id = ? AND id = ?;
	`, userID, id)
	rec, err := scanHistory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, ErrRecordNotFound
	}
	return rec, err
}

func (s *SQLiteHistoryStore) Delete(ctx context.Context, userID, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM history WHERE user_id = ? AND id = ?;`, userID, id)
	if err != nil {
		return fmt.Errorf("delete history: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRecordNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanHistory(row rowScanner) (models.HistoryRecord, error) {
	var (
		rec     models.HistoryRecord
		score   sql.NullInt64
		total   sql.NullInt64
		payload string
	)
	if err := row.Scan(
		&rec.ID,
		&rec.UserID,
		&rec.Kind,
		&rec.FileName,
		&rec.Difficulty,
		&rec.Language,
		&score,
		&total,
		&payload,
		&rec.CreatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rec, err
		}
		return rec, fmt.Errorf("scan history: %w", err)
	}
	rec.Score = intPtr(score)
	rec.TotalQuestions = intPtr(total)
	rec.Payload = []byte(payload)
	return rec, nil
}

func nullIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int64)
	return &n
}
