// Package store persists sessions, turns and outcomes to Postgres. The
// whole package is optional: a nil *Store makes every method a no-op so
// a device without a database link still runs sessions.
package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Store struct {
	db *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// Session is one scheduled check-in run on a device.
type Session struct {
	ID        string    `json:"id"`
	DeviceID  string    `json:"device_id"`
	ScriptID  string    `json:"script_id"`
	StartedAt time.Time `json:"started_at"`
}

// Turn is one completed script step within a session.
type Turn struct {
	StepID     string     `json:"step_id"`
	Sequence   int        `json:"sequence"`
	Responded  bool       `json:"responded"`
	Transcript *string    `json:"transcript,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	EndedAt    time.Time  `json:"ended_at"`
	Extensions int        `json:"extensions"`
}

// OutcomeUpdate is the final session row update written once at the end.
type OutcomeUpdate struct {
	Status           string     `json:"status"`
	TurnCount        int        `json:"turn_count"`
	DurationMs       int64      `json:"duration_ms"`
	Error            *string    `json:"error,omitempty"`
	SentimentLabel   *string    `json:"sentiment_label,omitempty"`
	SentimentScore   *float64   `json:"sentiment_score,omitempty"`
	SentimentSummary *string    `json:"sentiment_summary,omitempty"`
	EndedAt          time.Time  `json:"ended_at"`
}

// InsertSession records the session start.
func (s *Store) InsertSession(ctx context.Context, sess Session) error {
	if s == nil || s.db == nil {
		return nil
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO sessions (id, device_id, script_id, status, started_at)
		VALUES ($1, $2, $3, 'running', $4)
	`, sess.ID, sess.DeviceID, sess.ScriptID, sess.StartedAt)
	return err
}

// InsertTurn records one finished turn.
func (s *Store) InsertTurn(ctx context.Context, sessionID string, t Turn) error {
	if s == nil || s.db == nil {
		return nil
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO session_turns (id, session_id, step_id, sequence, responded, transcript, started_at, ended_at, extensions)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, $6, $7, $8)
	`, sessionID, t.StepID, t.Sequence, t.Responded, t.Transcript, t.StartedAt, t.EndedAt, t.Extensions)
	return err
}

// UpdateSessionOutcome finalizes the session row.
func (s *Store) UpdateSessionOutcome(ctx context.Context, sessionID string, u OutcomeUpdate) error {
	if s == nil || s.db == nil {
		return nil
	}
	_, err := s.db.Exec(ctx, `
		UPDATE sessions
		SET status = $1,
		    turn_count = $2,
		    duration_ms = $3,
		    error = $4,
		    sentiment_label = $5,
		    sentiment_score = $6,
		    sentiment_summary = $7,
		    ended_at = $8
		WHERE id = $9
	`, u.Status, u.TurnCount, u.DurationMs, u.Error, u.SentimentLabel, u.SentimentScore, u.SentimentSummary, u.EndedAt, sessionID)
	return err
}
