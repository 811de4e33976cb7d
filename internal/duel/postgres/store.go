// Package postgres persists duel sessions and entries in two tables,
// duel_sessions and duel_entries. Session status transitions and entry
// submission are conditional updates so concurrent clients cannot
// double-transition a row.
package postgres

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/victornm/duelo/internal/domain"
	"github.com/victornm/duelo/internal/errors"
)

const codeUniqueViolation = "23505"

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

func (s *Store) CreateSession(ctx context.Context, ss domain.Session) error {
	const stmt = `
INSERT INTO duel_sessions (session_id, host_user_id, category_id, level_id, status)
VALUES ($1, $2, $3, $4, $5);`

	_, err := s.db.Exec(ctx, stmt, ss.SessionID, ss.HostUserID, ss.CategoryID, ss.LevelID, ss.Status)

	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation {
		return errors.New(errors.CodeAlreadyExists, errors.WithCause(err))
	}
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}

	return nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (domain.Session, error) {
	const stmt = `
SELECT session_id, host_user_id, category_id, level_id, status,
       COALESCE(winner_user_id, ''), COALESCE(start_time, 'epoch'::timestamptz)
FROM duel_sessions
WHERE session_id = $1;`

	var (
		ss    domain.Session
		start time.Time
	)
	err := s.db.QueryRow(ctx, stmt, sessionID).Scan(
		&ss.SessionID, &ss.HostUserID, &ss.CategoryID, &ss.LevelID, &ss.Status,
		&ss.WinnerUserID, &start,
	)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return domain.Session{}, errors.New(errors.CodeNotFound,
			errors.WithMessagef("duel session not found: session=%s", sessionID))
	}
	if err != nil {
		return domain.Session{}, fmt.Errorf("select session: %w", err)
	}

	if start.Unix() != 0 {
		ss.StartTime = start
	}

	return ss, nil
}

func (s *Store) ListEntries(ctx context.Context, sessionID string) ([]domain.Entry, error) {
	const stmt = `
SELECT session_id, user_id, display_name, avatar_url, answers, answered_count,
       current_question, is_submitted, score, total, duration_ms, start_time
FROM duel_entries
WHERE session_id = $1
ORDER BY start_time, user_id;`

	rows, err := s.db.Query(ctx, stmt, sessionID)
	if err != nil {
		return nil, fmt.Errorf("select entries: %w", err)
	}

	entries, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (domain.Entry, error) {
		var (
			e   domain.Entry
			raw []byte
		)
		if err := r.Scan(&e.SessionID, &e.UserID, &e.DisplayName, &e.AvatarURL, &raw,
			&e.AnsweredCount, &e.CurrentQuestion, &e.IsSubmitted,
			&e.Score, &e.Total, &e.DurationMs, &e.StartTime); err != nil {
			return domain.Entry{}, err
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &e.Answers); err != nil {
				return domain.Entry{}, fmt.Errorf("decode answers: %w", err)
			}
		}
		return e, nil
	})
	if err != nil {
		return nil, err
	}

	return entries, nil
}

func (s *Store) AddEntry(ctx context.Context, e domain.Entry) error {
	// Capacity is enforced inside the insert: the row only lands while the
	// session has a free slot, and the primary key rejects a duplicate join.
	const stmt = `
INSERT INTO duel_entries (session_id, user_id, display_name, avatar_url, answers,
                          answered_count, current_question, is_submitted, score, total,
                          duration_ms, start_time)
SELECT $1, $2, $3, $4, $5, 0, $6, FALSE, 0, 0, 0, $7
WHERE (SELECT COUNT(*) FROM duel_entries WHERE session_id = $1) < $8;`

	answers, err := encodeAnswers(e.Answers)
	if err != nil {
		return err
	}

	tag, err := s.db.Exec(ctx, stmt,
		e.SessionID, e.UserID, e.DisplayName, e.AvatarURL, answers,
		e.CurrentQuestion, e.StartTime, domain.MaxParticipants)

	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation {
		return errors.New(errors.CodeAlreadyExists, errors.WithCause(err))
	}
	if err != nil {
		return fmt.Errorf("insert entry: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return errors.New(errors.CodeResourceExhausted,
			errors.WithMessagef("duel is full: session=%s", e.SessionID))
	}

	return nil
}

func (s *Store) StartSession(ctx context.Context, sessionID string, at time.Time) (bool, error) {
	const stmt = `
UPDATE duel_sessions
SET status = $2, start_time = $3
WHERE session_id = $1 AND status = $4;`

	tag, err := s.db.Exec(ctx, stmt, sessionID, domain.StatusRunning, at, domain.StatusWaiting)
	if err != nil {
		return false, fmt.Errorf("start session: %w", err)
	}

	return tag.RowsAffected() > 0, nil
}

func (s *Store) UpdateDraft(ctx context.Context, e domain.Entry) (bool, error) {
	const stmt = `
UPDATE duel_entries
SET answers = $3, answered_count = $4, current_question = $5
WHERE session_id = $1 AND user_id = $2 AND NOT is_submitted;`

	answers, err := encodeAnswers(e.Answers)
	if err != nil {
		return false, err
	}

	tag, err := s.db.Exec(ctx, stmt, e.SessionID, e.UserID, answers, e.AnsweredCount, e.CurrentQuestion)
	if err != nil {
		return false, fmt.Errorf("update draft: %w", err)
	}

	return tag.RowsAffected() > 0, nil
}

func (s *Store) SubmitEntry(ctx context.Context, e domain.Entry) (bool, error) {
	const stmt = `
UPDATE duel_entries
SET answers = $3, answered_count = $4, display_name = $5, avatar_url = $6,
    is_submitted = TRUE, score = $7, total = $8, duration_ms = $9
WHERE session_id = $1 AND user_id = $2 AND NOT is_submitted;`

	answers, err := encodeAnswers(e.Answers)
	if err != nil {
		return false, err
	}

	tag, err := s.db.Exec(ctx, stmt,
		e.SessionID, e.UserID, answers, e.AnsweredCount, e.DisplayName, e.AvatarURL,
		e.Score, e.Total, e.DurationMs)
	if err != nil {
		return false, fmt.Errorf("submit entry: %w", err)
	}

	return tag.RowsAffected() > 0, nil
}

func (s *Store) FinishSession(ctx context.Context, sessionID, winnerUserID string) (bool, error) {
	// Single conditional update: only flips when the session is still
	// running and both entries are observed submitted.
	const stmt = `
UPDATE duel_sessions
SET status = $2, winner_user_id = NULLIF($3, '')
WHERE session_id = $1 AND status = $4
  AND (SELECT COUNT(*) FROM duel_entries WHERE session_id = $1 AND is_submitted) >= $5;`

	tag, err := s.db.Exec(ctx, stmt,
		sessionID, domain.StatusFinished, winnerUserID, domain.StatusRunning, domain.MaxParticipants)
	if err != nil {
		return false, fmt.Errorf("finish session: %w", err)
	}

	return tag.RowsAffected() > 0, nil
}

func (s *Store) CancelSession(ctx context.Context, sessionID string) (bool, error) {
	const stmt = `
UPDATE duel_sessions
SET status = $2
WHERE session_id = $1 AND status IN ($3, $4);`

	tag, err := s.db.Exec(ctx, stmt, sessionID, domain.StatusCancelled, domain.StatusWaiting, domain.StatusRunning)
	if err != nil {
		return false, fmt.Errorf("cancel session: %w", err)
	}

	return tag.RowsAffected() > 0, nil
}

func encodeAnswers(answers map[string]string) ([]byte, error) {
	if answers == nil {
		answers = map[string]string{}
	}

	b, err := json.Marshal(answers)
	if err != nil {
		return nil, fmt.Errorf("encode answers: %w", err)
	}

	return b, nil
}
