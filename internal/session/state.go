package session

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/dbrezina/nora/internal/eventlog"
)

// State is the session phase. Exactly one value is current at any time,
// owned exclusively by the Machine's consumer goroutine.
type State string

const (
	StateDisconnected       State = "disconnected"
	StateConnecting         State = "connecting"
	StateConfiguring        State = "configuring"
	StateIdle               State = "idle"
	StateAgentResponding    State = "agent_responding"
	StateAgentAudioPlaying  State = "agent_audio_playing"
	StateAgentAudioSettling State = "agent_audio_settling"
	StateListening          State = "listening"
	StateUserSpeaking       State = "user_speaking"
	StateProcessingInput    State = "processing_input"
	StateStopRequested      State = "stop_requested"
	StateGoodbyePlaying     State = "goodbye_playing"
	StateClosing            State = "closing"
	StateClosed             State = "closed"
)

type transitionKey struct {
	from State
	kind EventKind
}

type transition struct {
	to     State
	guard  func(*Machine, Event) bool
	action func(*Machine, Event)
}

// MachineConfig carries the tunables and collaborators of the state machine.
type MachineConfig struct {
	SessionID string
	Channel   Channel
	Device    Device
	Queue     *Queue
	Timers    *Coordinator
	Playback  *PlaybackTracker
	Stop      *StopController
	Logger    *log.Logger
	Diag      *eventlog.Logger

	// TurnSource selects the authoritative speech-boundary source
	// (SourceLocal or SourceChannel). Boundary events from the other
	// source are discarded.
	TurnSource Source

	ConnectTimeout  time.Duration
	ResponseTimeout time.Duration
	SettleTimeout   time.Duration
	GoodbyeTimeout  time.Duration
	CloseTimeout    time.Duration
}

// Machine is the session state machine: the single consumer of the event
// queue and the only writer of the current state. All transition logic runs
// on one goroutine; concurrent readers go through CurrentState.
type Machine struct {
	cfg   MachineConfig
	table map[transitionKey]transition

	mu    sync.Mutex
	state State

	// Informational taps, attached after construction (Delivery and the
	// TurnListener are built around the machine).
	delivery *Delivery
	listener *TurnListener

	ready     chan struct{} // closed on first entry to Idle
	readyOnce sync.Once
	closed    chan struct{} // closed on entering Closed
	closeOnce sync.Once

	fatalMu  sync.Mutex
	fatalErr error

	discarded int // consumer-goroutine only
}

func NewMachine(cfg MachineConfig) *Machine {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 15 * time.Second
	}
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = 10 * time.Second
	}
	if cfg.SettleTimeout <= 0 {
		cfg.SettleTimeout = 5 * time.Second
	}
	if cfg.GoodbyeTimeout <= 0 {
		cfg.GoodbyeTimeout = 15 * time.Second
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = 5 * time.Second
	}
	if cfg.TurnSource == "" {
		cfg.TurnSource = SourceLocal
	}
	m := &Machine{
		cfg:    cfg,
		state:  StateDisconnected,
		ready:  make(chan struct{}),
		closed: make(chan struct{}),
	}
	m.table = buildTable()
	return m
}

func (m *Machine) attach(d *Delivery, l *TurnListener) {
	m.delivery = d
	m.listener = l
}

// CurrentState returns the current session state.
func (m *Machine) CurrentState() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Ready is closed once the machine first reaches Idle after configuration.
func (m *Machine) Ready() <-chan struct{} { return m.ready }

// Closed is closed when the machine reaches its terminal state.
func (m *Machine) Closed() <-chan struct{} { return m.closed }

// FatalErr returns the error that forced the session down, if any.
func (m *Machine) FatalErr() error {
	m.fatalMu.Lock()
	defer m.fatalMu.Unlock()
	return m.fatalErr
}

func (m *Machine) setFatal(err error) {
	m.fatalMu.Lock()
	if m.fatalErr == nil {
		m.fatalErr = err
	}
	m.fatalMu.Unlock()
}

// Run drains the queue until the machine closes or the context ends. It is
// the only goroutine that mutates session state.
func (m *Machine) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.closed:
			return
		case ev := <-m.cfg.Queue.Events():
			m.dispatch(ev)
		}
	}
}

// dispatch hands the event to the informational taps, then looks it up in
// the static transition table. Utterance-lifecycle and transcript events
// never drive transitions on their own; they are consumed by the taps, which
// is exactly the authoritative-signal rule: only buffer lifecycle moves the
// agent-audio states and only speech boundaries move the participant states.
func (m *Machine) dispatch(ev Event) {
	tapped := false
	if m.delivery != nil && m.delivery.observe(ev) {
		tapped = true
	}
	if m.listener != nil && m.listener.observe(ev) {
		tapped = true
	}

	m.mu.Lock()
	from := m.state
	m.mu.Unlock()

	tr, ok := m.table[transitionKey{from: from, kind: ev.Kind}]
	if !ok {
		if !tapped {
			m.discard(from, ev, "no transition")
		}
		return
	}
	if tr.guard != nil && !tr.guard(m, ev) {
		m.discard(from, ev, "guard rejected")
		return
	}

	if tr.to != from {
		m.setState(from, tr.to, ev)
	}
	if tr.action != nil {
		tr.action(m, ev)
	}
}

func (m *Machine) setState(from, to State, ev Event) {
	// Timers invalid in the new state die before its own timers are armed
	// by the transition action.
	m.cfg.Timers.OnStateEnter(to)

	m.mu.Lock()
	m.state = to
	m.mu.Unlock()

	m.cfg.Logger.Printf("session: %s -> %s on %s", from, to, ev.Kind)
	m.cfg.Diag.LogAsync(m.cfg.SessionID, eventlog.EventStateTransition, map[string]any{
		"from": string(from), "to": string(to), "event": string(ev.Kind),
	})

	switch to {
	case StateIdle:
		m.readyOnce.Do(func() { close(m.ready) })
	case StateClosed:
		m.closeOnce.Do(func() { close(m.closed) })
	}
}

// discard records an unmatched or rejected event. Duplicates and
// out-of-order signals from the remote channel are expected; discarding is
// routine, never an error.
func (m *Machine) discard(from State, ev Event, reason string) {
	m.discarded++
	m.cfg.Logger.Printf("session: discarding %s (source=%s) in %s: %s (%d discarded so far)", ev.Kind, ev.Source, from, reason, m.discarded)
	m.cfg.Diag.LogAsync(m.cfg.SessionID, eventlog.EventDiscarded, map[string]any{
		"event": string(ev.Kind), "source": string(ev.Source), "state": string(from), "reason": reason,
	})
}

// boundaryAuthoritative rejects speech-boundary events from the
// non-authoritative source.
func boundaryAuthoritative(m *Machine, ev Event) bool {
	return ev.Source == m.cfg.TurnSource
}

func buildTable() map[transitionKey]transition {
	t := map[transitionKey]transition{
		// Connection sequence.
		{StateDisconnected, EventConnectRequested}: {to: StateConnecting, action: actConnect},
		{StateConnecting, EventConnected}:          {to: StateConfiguring, action: actConfigure},
		{StateConfiguring, EventConfigured}:        {to: StateIdle},
		{StateConnecting, TimerConnect}:            {to: StateClosing, action: actFailTimeout},
		{StateConfiguring, TimerConnect}:           {to: StateClosing, action: actFailTimeout},
		{StateConnecting, EventChannelError}:       {to: StateClosing, action: actFailChannel},
		{StateConfiguring, EventChannelError}:      {to: StateClosing, action: actFailChannel},

		// Agent speaking. Utterance-completion events deliberately do not
		// appear here: buffer lifecycle is what moves these states.
		{StateIdle, EventUtteranceRequested}:            {to: StateAgentResponding, action: actArmResponse},
		{StateAgentResponding, EventBufferStarted}:      {to: StateAgentAudioPlaying, action: actBufferStarted},
		{StateAgentResponding, TimerResponse}:           {to: StateIdle, action: actResponseTimeout},
		{StateAgentAudioPlaying, EventBufferStopped}:    {to: StateAgentAudioSettling, action: actSettle},
		{StateAgentAudioPlaying, EventBufferCleared}:    {to: StateAgentAudioSettling, action: actSettle},
		{StateAgentAudioSettling, EventPlaybackIdle}:    {to: StateIdle},
		{StateAgentAudioSettling, TimerSettle}:          {to: StateIdle, action: actSettleTimeout},
		{StateAgentAudioPlaying, EventSpeechStarted}:    {to: StateIdle, guard: boundaryAuthoritative, action: actBargeIn},

		// Participant listening window. Say returns at playback idle before
		// the queued playback.idle event is consumed, so the next window can
		// open while the machine is still settling; entering Listening there
		// keeps the freshly armed window timers valid.
		{StateIdle, EventListenStarted}:               {to: StateListening},
		{StateAgentAudioSettling, EventListenStarted}: {to: StateListening},
		{StateListening, EventSpeechStarted}:          {to: StateUserSpeaking, guard: boundaryAuthoritative},
		{StateUserSpeaking, EventSpeechStopped}:       {to: StateProcessingInput, guard: boundaryAuthoritative},
		{StateProcessingInput, EventSpeechStarted}:    {to: StateUserSpeaking, guard: boundaryAuthoritative},
		{StateListening, EventListenClosed}:           {to: StateIdle},
		{StateUserSpeaking, EventListenClosed}:        {to: StateIdle},
		{StateProcessingInput, EventListenClosed}:     {to: StateIdle},

		// Stop and shutdown.
		{StateStopRequested, EventUtteranceRequested}: {to: StateGoodbyePlaying, action: actArmGoodbye},
		{StateGoodbyePlaying, EventBufferStarted}:     {action: actBufferStarted},
		{StateGoodbyePlaying, EventBufferStopped}:     {action: actGoodbyeSettle},
		{StateGoodbyePlaying, EventBufferCleared}:     {action: actGoodbyeSettle},
		{StateGoodbyePlaying, TimerGoodbye}:           {to: StateClosing, action: actClose},
		{StateGoodbyePlaying, EventCloseRequested}:    {to: StateClosing, action: actClose},
		{StateStopRequested, EventCloseRequested}:     {to: StateClosing, action: actClose},
		{StateIdle, EventCloseRequested}:              {to: StateClosing, action: actClose},
		{StateClosing, EventChannelClosed}:            {to: StateClosed},
		{StateClosing, TimerClose}:                    {to: StateClosed},
	}

	// A stop request lands the machine in StopRequested from any
	// non-terminal phase; the synchronous half of propagation (timer and
	// window teardown) already ran inside the stop controller.
	for _, from := range []State{
		StateConnecting, StateConfiguring, StateIdle,
		StateAgentResponding, StateAgentAudioPlaying, StateAgentAudioSettling,
		StateListening, StateUserSpeaking, StateProcessingInput,
	} {
		t[transitionKey{from, EventStopRequested}] = transition{to: StateStopRequested, action: actStopCleanup}
	}

	// Self-transitions with no action so zero-`to` entries above read as
	// "stay in state".
	for k, tr := range t {
		if tr.to == "" {
			tr.to = k.from
			t[k] = tr
		}
	}
	return t
}

// --- transition actions -----------------------------------------------------
//
// Actions run on the consumer goroutine. Anything that blocks (network,
// drain waits) is pushed onto a worker goroutine whose only output is
// another event on the queue.

func actConnect(m *Machine, _ Event) {
	if err := m.cfg.Timers.Schedule(TimerConnect, StateConnecting, m.cfg.ConnectTimeout); err != nil {
		m.cfg.Logger.Printf("session: %v", err)
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ConnectTimeout)
		defer cancel()
		if err := m.cfg.Channel.Connect(ctx); err != nil {
			m.cfg.Queue.Post(Event{Kind: EventChannelError, Source: SourceChannel, Err: err})
			return
		}
		m.cfg.Queue.Post(Event{Kind: EventConnected, Source: SourceChannel})
	}()
}

func actConfigure(m *Machine, _ Event) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ConnectTimeout)
		defer cancel()
		if err := m.cfg.Channel.Configure(ctx); err != nil {
			m.cfg.Queue.Post(Event{Kind: EventChannelError, Source: SourceChannel, Err: err})
		}
		// The configured ack arrives as a wire event.
	}()
}

func actArmResponse(m *Machine, _ Event) {
	if err := m.cfg.Timers.Schedule(TimerResponse, StateAgentResponding, m.cfg.ResponseTimeout); err != nil {
		m.cfg.Logger.Printf("session: %v", err)
	}
}

func actBufferStarted(m *Machine, ev Event) {
	m.cfg.Playback.HandleBufferStarted()
	if m.delivery != nil {
		m.delivery.noteAudioStarted(ev.UtteranceID)
	}
}

func actSettle(m *Machine, ev Event) {
	m.cfg.Playback.HandleBufferStopped()
	if err := m.cfg.Timers.Schedule(TimerSettle, StateAgentAudioSettling, m.cfg.SettleTimeout); err != nil {
		m.cfg.Logger.Printf("session: %v", err)
	}
	// The remote source stopped; the local device still drains. Post idle
	// once the last bytes left the speaker so Settling ends promptly rather
	// than waiting out the settle timer.
	go func() {
		if idle := m.cfg.Playback.WaitForIdle(context.Background(), m.cfg.SettleTimeout); idle {
			m.cfg.Queue.Post(Event{Kind: EventPlaybackIdle, Source: SourceDevice})
		}
	}()
}

func actGoodbyeSettle(m *Machine, _ Event) {
	m.cfg.Playback.HandleBufferStopped()
}

func actSettleTimeout(m *Machine, _ Event) {
	m.cfg.Logger.Printf("session: device drain deferred past settle timeout")
	m.cfg.Diag.LogAsync(m.cfg.SessionID, eventlog.EventPlaybackTimeout, nil)
}

func actResponseTimeout(m *Machine, _ Event) {
	m.cfg.Logger.Printf("session: no audio within response timeout")
	if m.delivery != nil {
		m.delivery.failActive("no audio buffer within response timeout")
	}
}

// actBargeIn handles an authoritative speech start while agent audio is
// active: cancel the in-flight utterance, clear the remote buffer state and
// flush whatever the speaker still holds.
func actBargeIn(m *Machine, ev Event) {
	m.cfg.Logger.Printf("session: barge-in, clearing agent audio")
	m.cfg.Diag.LogAsync(m.cfg.SessionID, eventlog.EventBargeIn, map[string]any{"source": string(ev.Source)})
	if m.delivery != nil {
		m.delivery.CancelActive(context.Background())
	}
	m.cfg.Playback.HandleBufferCleared()
	m.cfg.Device.Flush()
}

func actStopCleanup(m *Machine, _ Event) {
	if m.delivery != nil {
		m.delivery.CancelActive(context.Background())
	}
	m.cfg.Device.Flush()
}

func actArmGoodbye(m *Machine, _ Event) {
	if err := m.cfg.Timers.Schedule(TimerGoodbye, StateGoodbyePlaying, m.cfg.GoodbyeTimeout); err != nil {
		m.cfg.Logger.Printf("session: %v", err)
	}
}

func actClose(m *Machine, _ Event) {
	if err := m.cfg.Timers.Schedule(TimerClose, StateClosing, m.cfg.CloseTimeout); err != nil {
		m.cfg.Logger.Printf("session: %v", err)
	}
	go func() {
		if err := m.cfg.Channel.Close(); err != nil {
			m.cfg.Logger.Printf("session: channel close: %v", err)
		}
		m.cfg.Queue.Post(Event{Kind: EventChannelClosed, Source: SourceChannel})
	}()
}

func actFailTimeout(m *Machine, ev Event) {
	m.setFatal(context.DeadlineExceeded)
	m.cfg.Logger.Printf("session: %s during connection, closing", ev.Kind)
	actClose(m, ev)
}

func actFailChannel(m *Machine, ev Event) {
	m.setFatal(ev.Err)
	m.cfg.Logger.Printf("session: channel error during connection: %v", ev.Err)
	actClose(m, ev)
}
