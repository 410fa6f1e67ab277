package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"tnpsc-study/internal/models"
)

// PostgresHistoryStore keeps history in a hosted PostgreSQL database.
type PostgresHistoryStore struct {
	pool *pgxpool.Pool
}

func NewPostgresHistoryStore(pool *pgxpool.Pool) *PostgresHistoryStore {
	return &PostgresHistoryStore{pool: pool}
}

func (s *PostgresHistoryStore) Append(ctx context.Context, rec models.HistoryRecord) (models.HistoryRecord, error) {
	rec, err := prepareRecord(rec)
	if err != nil {
		return rec, err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO history (id, user_id, kind, file_name, difficulty, language, score, total_questions, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, rec.ID, rec.UserID, string(rec.Kind), rec.FileName, rec.Difficulty, rec.Language,
		rec.Score, rec.TotalQuestions, string(rec.Payload), rec.CreatedAt)
	if err != nil {
		return rec, fmt.Errorf("insert history: %w", err)
	}
	return rec, nil
}

func (s *PostgresHistoryStore) List(ctx context.Context, userID string, limit int) ([]models.HistoryRecord, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id::text, user_id, kind, file_name, difficulty, language, score, total_questions, payload::text, created_at
		FROM history
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	var out []models.HistoryRecord
	for rows.Next() {
		rec, err := scanPgHistory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresHistoryStore) Get(ctx context.Context, userID, id string) (models.HistoryRecord, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id::text, user_id, kind, file_name, difficulty, language, score, total_questions, payload::text, created_at
		FROM history
		WHERE user_id = $1 AND id::text = $2
	`, userID, id)
	rec, err := scanPgHistory(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return rec, ErrRecordNotFound
	}
	return rec, err
}

func (s *PostgresHistoryStore) Delete(ctx context.Context, userID, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM history WHERE user_id = $1 AND id::text = $2`, userID, id)
	if err != nil {
		return fmt.Errorf("delete history: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func scanPgHistory(row pgx.Row) (models.HistoryRecord, error) {
	var (
		rec     models.HistoryRecord
		kind    string
		payload string
	)
	if err := row.Scan(
		&rec.ID,
		&rec.UserID,
		&kind,
		&rec.FileName,
		&rec.Difficulty,
		&rec.Language,
		&rec.Score,
		&rec.TotalQuestions,
		&payload,
		&rec.CreatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return rec, err
		}
		return rec, fmt.Errorf("scan history: %w", err)
	}
	rec.Kind = models.HistoryKind(kind)
	rec.Payload = []byte(payload)
	return rec, nil
}
