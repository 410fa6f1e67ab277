package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	fsrs "github.com/open-spaced-repetition/go-fsrs"

	"tnpsc-study/internal/models"
)

const revisionColumns = `id, user_id, front, back, group_tag, due, stability, difficulty,
	elapsed_days, scheduled_days, reps, lapses, state, last_review, created_at, updated_at`

// RevisionService schedules missed quiz questions for spaced review with FSRS.
type RevisionService struct {
	db     *sql.DB
	params fsrs.Parameters
}

func NewRevisionService(db *sql.DB) *RevisionService {
	return &RevisionService{db: db, params: fsrs.DefaultParam()}
}

// AddMissed turns incorrectly answered quiz items into revision cards.
// Questions already in the user's deck are left untouched.
func (s *RevisionService) AddMissed(ctx context.Context, userID string, items []ReviewItem) (added int, err error) {
	if userID == "" || len(items) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO revision_cards (user_id, front, back, group_tag, due, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?);
	`)
	if err != nil {
		return 0, fmt.Errorf("prepare card insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, item := range items {
		if item.Correct {
			continue
		}
		res, execErr := stmt.ExecContext(ctx,
			userID,
			cardFront(item.Question),
			item.Question.CorrectAnswer,
			item.Question.GroupTag,
			now,
			int(fsrs.New),
			now,
			now,
		)
		if execErr != nil {
			err = fmt.Errorf("insert card: %w", execErr)
			return 0, err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			added++
		}
	}

	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit cards: %w", err)
	}
	return added, nil
}

func cardFront(q models.Question) string {
	if len(q.Options) == 0 {
		return q.Text
	}
	var b strings.Builder
	b.WriteString(q.Text)
	for i, opt := range q.Options {
		fmt.Fprintf(&b, "\n%c) %s", 'A'+i, opt)
	}
	return b.String()
}

// Next returns the user's most overdue card, or the oldest unseen one.
func (s *RevisionService) Next(ctx context.Context, userID string) (*models.RevisionCard, error) {
	now := time.Now().UTC()

	card, err := s.fetchCard(ctx, `
		SELECT `+revisionColumns+`
		FROM revision_cards
		WHERE user_id = ? AND state != ? AND due IS NOT NULL AND due <= ?
		ORDER BY due ASC
		LIMIT 1;
	`, userID, int(fsrs.New), now)
	if err == nil {
		return card, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	card, err = s.fetchCard(ctx, `
		SELECT `+revisionColumns+`
		FROM revision_cards
		WHERE user_id = ? AND state = ?
		ORDER BY created_at ASC, id ASC
		LIMIT 1;
	`, userID, int(fsrs.New))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoDueCards
		}
		return nil, err
	}
	return card, nil
}

func (s *RevisionService) fetchCard(ctx context.Context, query string, args ...any) (*models.RevisionCard, error) {
	return scanRevisionCard(s.db.QueryRowContext(ctx, query, args...))
}

func scanRevisionCard(row rowScanner) (*models.RevisionCard, error) {
	card := &models.RevisionCard{}
	if err := row.Scan(
		&card.ID,
		&card.UserID,
		&card.Front,
		&card.Back,
		&card.GroupTag,
		&card.Due,
		&card.Stability,
		&card.Difficulty,
		&card.ElapsedDays,
		&card.ScheduledDays,
		&card.Reps,
		&card.Lapses,
		&card.State,
		&card.LastReview,
		&card.CreatedAt,
		&card.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return card, nil
}

// Review updates the card's schedule from the user's rating.
func (s *RevisionService) Review(ctx context.Context, userID string, cardID int64, rating fsrs.Rating) (*models.RevisionCard, *models.ReviewLog, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	card, err := scanRevisionCard(tx.QueryRowContext(ctx, `
		SELECT `+revisionColumns+`
		FROM revision_cards
		WHERE id = ? AND user_id = ?;
	`, cardID, userID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			err = ErrRecordNotFound
			return nil, nil, err
		}
		err = fmt.Errorf("load card %d: %w", cardID, err)
		return nil, nil, err
	}

	now := time.Now().UTC()
	scheduling := s.params.Repeat(card.ToFSRSCard(), now)
	info, ok := scheduling[rating]
	if !ok {
		err = fmt.Errorf("rating %d not supported", rating)
		return nil, nil, err
	}
	card.ApplyFSRSCard(info.Card)
	card.UpdatedAt = now

	if _, err = tx.ExecContext(ctx, `
		UPDATE revision_cards
		SET due = ?, stability = ?, difficulty = ?, elapsed_days = ?, scheduled_days = ?,
		    reps = ?, lapses = ?, state = ?, last_review = ?, updated_at = ?
		WHERE id = ?;
	`,
		nullTimePtr(card.Due),
		card.Stability,
		card.Difficulty,
		card.ElapsedDays,
		card.ScheduledDays,
		card.Reps,
		card.Lapses,
		card.State,
		nullTimePtr(card.LastReview),
		card.UpdatedAt,
		card.ID,
	); err != nil {
		err = fmt.Errorf("update card %d: %w", card.ID, err)
		return nil, nil, err
	}

	if _, err = tx.ExecContext(ctx, `
		INSERT INTO review_logs (card_id, rating, scheduled_days, elapsed_days, state, reviewed_at)
		VALUES (?, ?, ?, ?, ?, ?);
	`, card.ID, info.ReviewLog.Rating, info.ReviewLog.ScheduledDays, info.ReviewLog.ElapsedDays, info.ReviewLog.State, now); err != nil {
		err = fmt.Errorf("insert review log: %w", err)
		return nil, nil, err
	}

	if err = tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("commit review: %w", err)
	}

	log := &models.ReviewLog{
		CardID:        card.ID,
		Rating:        int(info.ReviewLog.Rating),
		ScheduledDays: int(info.ReviewLog.ScheduledDays),
		ElapsedDays:   int(info.ReviewLog.ElapsedDays),
		State:         int(info.ReviewLog.State),
		ReviewedAt:    now,
	}
	return card, log, nil
}

// Stats counts the user's cards by scheduling state.
func (s *RevisionService) Stats(ctx context.Context, userID string) (map[string]int, error) {
	now := time.Now().UTC()
	stats := map[string]int{"total": 0, "due": 0, "new": 0, "learning": 0, "review": 0}

	rows, err := s.db.QueryContext(ctx, `
		SELECT state, COUNT(*), SUM(CASE WHEN due IS NOT NULL AND due <= ? THEN 1 ELSE 0 END)
		FROM revision_cards
		WHERE user_id = ?
		GROUP BY state;
	`, now, userID)
	if err != nil {
		return nil, fmt.Errorf("card stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var state, count, due int
		if err := rows.Scan(&state, &count, &due); err != nil {
			return nil, fmt.Errorf("scan card stats: %w", err)
		}
		stats["total"] += count
		stats["due"] += due
		switch fsrs.State(state) {
		case fsrs.New:
			stats["new"] += count
		case fsrs.Learning, fsrs.Relearning:
			stats["learning"] += count
		case fsrs.Review:
			stats["review"] += count
		}
	}
	return stats, rows.Err()
}

// ParseRating maps again/hard/good/easy to an FSRS rating.
func ParseRating(raw string) (fsrs.Rating, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "again":
		return fsrs.Again, nil
	case "hard":
		return fsrs.Hard, nil
	case "good":
		return fsrs.Good, nil
	case "easy":
		return fsrs.Easy, nil
	default:
		return 0, fmt.Errorf("unknown rating %q", raw)
	}
}

func nullTimePtr(t sql.NullTime) any {
	if t.Valid {
		return t.Time
	}
	return nil
}
