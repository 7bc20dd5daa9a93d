package session

import (
	"fmt"
	"log"
	"sort"
	"sync"
	"time"
)

// Coordinator owns every timer in the session. Each state declares which
// timers may remain armed while it is current; entering a state force-cancels
// everything else. A fired timer posts a synthetic event onto the session
// queue instead of running logic directly, so timer callbacks are serialized
// with all other event handling.
type Coordinator struct {
	mu     sync.Mutex
	queue  *Queue
	logger *log.Logger
	active map[EventKind]*timerEntry
}

type timerEntry struct {
	name     EventKind
	state    State // state current when the timer was armed
	deadline time.Time
	t        *time.Timer
}

// validTimers maps each state to the timers allowed to stay armed in it.
// Cancellation on transition is structural: nothing outside this table keeps
// a timer alive.
var validTimers = map[State]map[EventKind]bool{
	StateDisconnected:       {},
	StateConnecting:         {TimerConnect: true},
	StateConfiguring:        {TimerConnect: true},
	StateIdle:               {},
	StateAgentResponding:    {TimerResponse: true},
	StateAgentAudioPlaying:  {},
	StateAgentAudioSettling: {TimerSettle: true},
	StateListening:          {TimerListenMin: true, TimerListenMax: true, TimerTranscriptGrace: true},
	StateUserSpeaking:       {TimerListenMin: true, TimerListenMax: true, TimerTranscriptGrace: true},
	StateProcessingInput:    {TimerListenMin: true, TimerListenMax: true, TimerTranscriptGrace: true},
	StateStopRequested:      {TimerGoodbye: true, TimerClose: true},
	StateGoodbyePlaying:     {TimerGoodbye: true, TimerClose: true},
	StateClosing:            {TimerClose: true},
	StateClosed:             {},
}

// shutdownTimers survive a stop request; everything else is cancelled when
// the stop controller fires.
var shutdownTimers = map[EventKind]bool{
	TimerGoodbye: true,
	TimerClose:   true,
}

func NewCoordinator(queue *Queue, logger *log.Logger) *Coordinator {
	return &Coordinator{
		queue:  queue,
		logger: logger,
		active: make(map[EventKind]*timerEntry),
	}
}

// Schedule arms a named timer. Re-arming an already active name replaces it.
// A non-positive duration is a programmer error, reported immediately.
func (c *Coordinator) Schedule(name EventKind, state State, d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("timer %s: non-positive duration %v", name, d)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if prev, ok := c.active[name]; ok {
		prev.t.Stop()
	}

	entry := &timerEntry{
		name:     name,
		state:    state,
		deadline: time.Now().UTC().Add(d),
	}
	entry.t = time.AfterFunc(d, func() { c.fire(name) })
	c.active[name] = entry
	return nil
}

// fire removes the entry and posts the timer's event. A timer that was
// cancelled between firing and acquiring the lock posts nothing.
func (c *Coordinator) fire(name EventKind) {
	c.mu.Lock()
	entry, ok := c.active[name]
	if ok {
		delete(c.active, name)
	}
	c.mu.Unlock()

	if !ok {
		return
	}
	c.queue.Post(Event{Kind: entry.name, Source: SourceTimer})
}

// Cancel stops a timer if armed. Cancelling a missing timer is a no-op.
func (c *Coordinator) Cancel(name EventKind) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.active[name]; ok {
		entry.t.Stop()
		delete(c.active, name)
	}
}

// CancelAll stops every armed timer.
func (c *Coordinator) CancelAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for name, entry := range c.active {
		entry.t.Stop()
		delete(c.active, name)
	}
}

// CancelAllExceptShutdown stops every timer that is not part of the shutdown
// sequence. Called synchronously by the stop controller.
func (c *Coordinator) CancelAllExceptShutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for name, entry := range c.active {
		if shutdownTimers[name] {
			continue
		}
		entry.t.Stop()
		delete(c.active, name)
	}
}

// OnStateEnter cancels timers that are not valid in the new state.
func (c *Coordinator) OnStateEnter(state State) {
	valid := validTimers[state]

	c.mu.Lock()
	defer c.mu.Unlock()
	for name, entry := range c.active {
		if valid[name] {
			continue
		}
		entry.t.Stop()
		delete(c.active, name)
		if c.logger != nil {
			c.logger.Printf("timers: cancelled %s on entering %s", name, state)
		}
	}
}

// Active returns the names of currently armed timers, sorted for stable
// assertions in tests.
func (c *Coordinator) Active() []EventKind {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]EventKind, 0, len(c.active))
	for name := range c.active {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}
