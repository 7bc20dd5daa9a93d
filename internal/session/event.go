package session

import (
	"log"
	"time"
)

// EventKind identifies an inbound or synthetic event. Wire events from the
// conversational channel reuse their wire names; timer events use the
// "timer." prefix and double as timer names in the Coordinator.
type EventKind string

const (
	// Lifecycle of the remote channel connection.
	EventConnectRequested EventKind = "connect.requested"
	EventConnected        EventKind = "connected"
	EventConfigured       EventKind = "configured"
	EventChannelError     EventKind = "channel.error"
	EventChannelClosed    EventKind = "channel.closed"

	// Utterance lifecycle. Informational only: these report that the remote
	// side created or finished generating speech, not that audio was heard.
	EventUtteranceRequested EventKind = "utterance.requested"
	EventUtteranceCreated   EventKind = "utterance.created"
	EventUtteranceCompleted EventKind = "utterance.completed"
	EventUtteranceFailed    EventKind = "utterance.failed"
	EventUtteranceCancelled EventKind = "utterance.cancelled"

	// Audio buffer lifecycle. Authoritative for agent audio states.
	EventBufferStarted EventKind = "buffer.started"
	EventBufferStopped EventKind = "buffer.stopped"
	EventBufferCleared EventKind = "buffer.cleared"

	// Speech boundaries. Authoritative for participant states.
	EventSpeechStarted EventKind = "speech.started"
	EventSpeechStopped EventKind = "speech.stopped"

	// Asynchronous transcription result for the current turn.
	EventTranscriptReady EventKind = "transcript.ready"

	// Synthetic events posted by local components.
	EventPlaybackIdle  EventKind = "playback.idle"
	EventListenStarted EventKind = "listen.started"
	EventListenClosed  EventKind = "listen.closed"
	EventStopRequested EventKind = "stop.requested"
	EventGoodbyeDone   EventKind = "goodbye.done"
	EventCloseRequested EventKind = "close.requested"
)

// Timer event kinds. Each name is both the Coordinator key and the kind of
// the synthetic event posted when the timer fires.
const (
	TimerConnect         EventKind = "timer.connect"
	TimerResponse        EventKind = "timer.response"
	TimerSettle          EventKind = "timer.settle"
	TimerListenMin       EventKind = "timer.listen_min"
	TimerListenMax       EventKind = "timer.listen_max"
	TimerTranscriptGrace EventKind = "timer.transcript_grace"
	TimerGoodbye         EventKind = "timer.goodbye"
	TimerClose           EventKind = "timer.close"
)

// Source tags where an event came from. Events from one source arrive in
// order; nothing is assumed across sources.
type Source string

const (
	SourceChannel  Source = "channel"
	SourceDevice   Source = "device"
	SourceTimer    Source = "timer"
	SourceLocal    Source = "local" // on-device speech-boundary detector
	SourceInternal Source = "internal"
)

// Event is one entry on the session queue.
type Event struct {
	Kind        EventKind
	Source      Source
	UtteranceID string
	Text        string
	Err         error
	At          time.Time
}

// Queue is the single ordered event queue. Everything that wants to react to
// an event does so through the machine draining this queue; no component
// registers its own listeners on the channel or the device.
type Queue struct {
	ch     chan Event
	logger *log.Logger
}

const defaultQueueDepth = 256

func NewQueue(logger *log.Logger) *Queue {
	return &Queue{
		ch:     make(chan Event, defaultQueueDepth),
		logger: logger,
	}
}

// Post enqueues an event, stamping At if unset. Posting blocks if the queue
// is full; the consumer is a tight loop so the queue only backs up if the
// session is already wedged, and blocking there is preferable to dropping
// an authoritative signal.
func (q *Queue) Post(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	q.ch <- ev
}

// Events exposes the receive side for the single consumer.
func (q *Queue) Events() <-chan Event {
	return q.ch
}

// Len reports the number of queued, unconsumed events.
func (q *Queue) Len() int {
	return len(q.ch)
}
