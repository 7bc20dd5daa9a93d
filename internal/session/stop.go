package session

import (
	"log"
	"strings"
	"sync"

	"github.com/dbrezina/nora/internal/eventlog"
)

// StopState tracks termination progress. Values only ever advance.
type StopState int

const (
	StopRunning StopState = iota
	StopPending
	StopGoodbye
	StopStopped
)

func (s StopState) String() string {
	switch s {
	case StopRunning:
		return "running"
	case StopPending:
		return "stop_pending"
	case StopGoodbye:
		return "goodbye_playing"
	case StopStopped:
		return "stopped"
	}
	return "unknown"
}

// Default phrase sets. Matching is case-insensitive substring, the same
// cheap check used for goodbye detection in call screening; anything
// smarter belongs to the language-generation collaborator.
var defaultStopPhrases = []string{
	"goodbye",
	"stop the session",
	"i'm done",
	"im done",
	"that's all for today",
	"talk to you later",
}

var defaultGoodbyePhrases = []string{
	"goodbye",
	"take care",
	"see you tomorrow",
	"have a lovely day",
}

// StopController detects termination intent and sequences graceful shutdown.
// It is the one owned instance every component holds a reference to; there
// is no package-level stop flag anywhere.
type StopController struct {
	mu     sync.Mutex
	state  StopState
	source string
	reason string

	queue  *Queue
	logger *log.Logger
	diag   *eventlog.Logger
	sessID string

	participantPhrases []string
	agentPhrases       []string

	// cancel sets the session-wide cancellation token; onStop hooks run the
	// synchronous half of propagation (timer teardown, window close). A stop
	// that is only a flag other components poll eventually is how earlier
	// designs hung.
	cancel func()
	onStop []func()
}

type StopConfig struct {
	Queue              *Queue
	Logger             *log.Logger
	Diag               *eventlog.Logger
	SessionID          string
	Cancel             func()
	ParticipantPhrases []string
	AgentPhrases       []string
}

func NewStopController(cfg StopConfig) *StopController {
	if len(cfg.ParticipantPhrases) == 0 {
		cfg.ParticipantPhrases = defaultStopPhrases
	}
	if len(cfg.AgentPhrases) == 0 {
		cfg.AgentPhrases = defaultGoodbyePhrases
	}
	return &StopController{
		queue:              cfg.Queue,
		logger:             cfg.Logger,
		diag:               cfg.Diag,
		sessID:             cfg.SessionID,
		cancel:             cfg.Cancel,
		participantPhrases: cfg.ParticipantPhrases,
		agentPhrases:       cfg.AgentPhrases,
	}
}

// OnStop registers a hook run synchronously inside RequestStop, before the
// stop event is even queued. Hooks must not block.
func (c *StopController) OnStop(fn func()) {
	c.mu.Lock()
	c.onStop = append(c.onStop, fn)
	c.mu.Unlock()
}

// RequestStop advances to StopPending. Idempotent: once pending or later,
// further requests are ignored and return false.
func (c *StopController) RequestStop(source, reason string) bool {
	c.mu.Lock()
	if c.state >= StopPending {
		c.mu.Unlock()
		return false
	}
	c.state = StopPending
	c.source = source
	c.reason = reason
	hooks := make([]func(), len(c.onStop))
	copy(hooks, c.onStop)
	c.mu.Unlock()

	c.logger.Printf("stop: requested by %s: %s", source, reason)
	c.diag.LogAsync(c.sessID, eventlog.EventStopRequested, map[string]any{
		"source": source, "reason": reason,
	})

	for _, fn := range hooks {
		fn()
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.queue.Post(Event{Kind: EventStopRequested, Source: SourceInternal, Text: reason})
	return true
}

// CheckParticipantText scans a participant transcript for stop intent and
// requests a stop on a match.
func (c *StopController) CheckParticipantText(text string) bool {
	if phrase, ok := matchPhrase(text, c.participantPhrases); ok {
		c.RequestStop("participant", "stop phrase: "+phrase)
		return true
	}
	return false
}

// CheckAgentText scans agent speech for closing phrases and marks the
// goodbye as playing on a match.
func (c *StopController) CheckAgentText(text string) bool {
	if phrase, ok := matchPhrase(text, c.agentPhrases); ok {
		c.diag.LogAsync(c.sessID, eventlog.EventGoodbyeDetected, map[string]any{"phrase": phrase})
		c.MarkGoodbyePlaying()
		return true
	}
	return false
}

// MarkGoodbyePlaying advances to GoodbyePlaying. Never regresses.
func (c *StopController) MarkGoodbyePlaying() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state >= StopGoodbye {
		return false
	}
	c.state = StopGoodbye
	return true
}

// MarkStopped advances to the terminal Stopped state.
func (c *StopController) MarkStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state >= StopStopped {
		return false
	}
	c.state = StopStopped
	return true
}

// IsStopRequested reports whether termination has begun.
func (c *StopController) IsStopRequested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state >= StopPending
}

// State returns the current stop state.
func (c *StopController) State() StopState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Source returns who requested the stop ("" while running).
func (c *StopController) Source() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.source
}

func matchPhrase(text string, phrases []string) (string, bool) {
	lower := strings.ToLower(text)
	for _, phrase := range phrases {
		if strings.Contains(lower, phrase) {
			return phrase, true
		}
	}
	return "", false
}
