package eventlog

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// EventType represents the type of session diagnostic event
type EventType string

const (
	EventSessionStarted  EventType = "session_started"
	EventStateTransition EventType = "state_transition"
	EventDiscarded       EventType = "event_discarded"
	EventWindowOpened    EventType = "window_opened"
	EventWindowClosed    EventType = "window_closed"
	EventSpeechStarted   EventType = "speech_started"
	EventSpeechStopped   EventType = "speech_stopped"
	EventTranscriptReady EventType = "transcript_ready"
	EventBargeIn         EventType = "barge_in"
	EventStopRequested   EventType = "stop_requested"
	EventGoodbyeDetected EventType = "goodbye_detected"
	EventUtteranceRetry  EventType = "utterance_retry"
	EventUtteranceFailed EventType = "utterance_failed"
	EventPlaybackTimeout EventType = "playback_idle_timeout"
	EventAckFallback     EventType = "ack_fallback"
	EventSessionEnded    EventType = "session_ended"
)

// Logger provides async diagnostic event logging to the database. The
// session core logs every discarded event here, so a misbehaving remote
// channel can be reconstructed from this stream after the fact.
type Logger struct {
	db *pgxpool.Pool
}

// New creates a new event logger. A nil pool disables logging (device
// running without a database).
func New(db *pgxpool.Pool) *Logger {
	return &Logger{db: db}
}

// Log writes an event to the database synchronously
func (l *Logger) Log(ctx context.Context, sessionID string, eventType EventType, data map[string]any) error {
	if l == nil || l.db == nil || sessionID == "" {
		return nil // Silently skip if no DB or session ID
	}

	dataJSON, err := json.Marshal(data)
	if err != nil {
		dataJSON = []byte("{}")
	}

	_, err = l.db.Exec(ctx, `
		INSERT INTO session_events (session_id, event_type, event_data)
		VALUES ($1, $2, $3)
	`, sessionID, string(eventType), dataJSON)

	return err
}

// LogAsync logs an event without blocking the caller
func (l *Logger) LogAsync(sessionID string, eventType EventType, data map[string]any) {
	if l == nil || l.db == nil || sessionID == "" {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = l.Log(ctx, sessionID, eventType, data)
	}()
}
