// Package realtime implements the device side of the streaming voice
// channel: a websocket carrying JSON control events in both directions,
// binary agent audio down and binary microphone audio up.
package realtime

import (
	"encoding/json"
	"fmt"

	"github.com/dbrezina/nora/internal/session"
)

// wireEvent is the JSON envelope for every control message on the socket.
type wireEvent struct {
	Type          string `json:"type"`
	UtteranceID   string `json:"utterance_id,omitempty"`
	Text          string `json:"text,omitempty"`
	Voice         string `json:"voice,omitempty"`
	SampleRate    int    `json:"sample_rate,omitempty"`
	TurnDetection string `json:"turn_detection,omitempty"`
	Error         string `json:"error,omitempty"`
}

// Inbound wire types and their queue mapping. Speech boundary events carry
// SourceChannel so the machine can tell them apart from the local detector.
var inboundKinds = map[string]session.EventKind{
	"session.configured":  session.EventConfigured,
	"utterance.created":   session.EventUtteranceCreated,
	"utterance.completed": session.EventUtteranceCompleted,
	"utterance.failed":    session.EventUtteranceFailed,
	"utterance.cancelled": session.EventUtteranceCancelled,
	"buffer.started":      session.EventBufferStarted,
	"buffer.stopped":      session.EventBufferStopped,
	"buffer.cleared":      session.EventBufferCleared,
	"speech.started":      session.EventSpeechStarted,
	"speech.stopped":      session.EventSpeechStopped,
	"transcript.ready":    session.EventTranscriptReady,
}

// decodeEvent parses one inbound control frame into a queue event.
// Unknown types return ok=false and are skipped by the read loop.
func decodeEvent(raw []byte) (session.Event, bool, error) {
	var we wireEvent
	if err := json.Unmarshal(raw, &we); err != nil {
		return session.Event{}, false, fmt.Errorf("decode wire event: %w", err)
	}

	kind, ok := inboundKinds[we.Type]
	if !ok {
		return session.Event{}, false, nil
	}

	ev := session.Event{
		Kind:        kind,
		Source:      session.SourceChannel,
		UtteranceID: we.UtteranceID,
		Text:        we.Text,
	}
	if we.Error != "" {
		ev.Err = fmt.Errorf("channel: %s", we.Error)
	}
	return ev, true, nil
}
