package session

import (
	"context"
	"testing"
	"time"
)

// machineHarness wires a Machine with fakes and runs it on a background
// goroutine, the way the session driver does.
type machineHarness struct {
	queue   *Queue
	timers  *Coordinator
	device  *fakeDevice
	channel *fakeChannel
	stop    *StopController
	machine *Machine
	cancel  context.CancelFunc
}

func newMachineHarness(t *testing.T) *machineHarness {
	t.Helper()
	logger := testLogger()
	q := NewQueue(logger)
	timers := NewCoordinator(q, logger)
	device := newFakeDevice()
	channel := newFakeChannel(q, false)
	playback := NewPlaybackTracker(device, logger)
	stop := NewStopController(StopConfig{Queue: q, Logger: logger, SessionID: "test"})

	m := NewMachine(MachineConfig{
		SessionID:  "test",
		Channel:    channel,
		Device:     device,
		Queue:      q,
		Timers:     timers,
		Playback:   playback,
		Stop:       stop,
		Logger:     logger,
		TurnSource: SourceLocal,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go m.Run(ctx)
	t.Cleanup(cancel)

	return &machineHarness{
		queue:   q,
		timers:  timers,
		device:  device,
		channel: channel,
		stop:    stop,
		machine: m,
		cancel:  cancel,
	}
}

func (h *machineHarness) waitState(t *testing.T, want State) {
	t.Helper()
	if !waitFor(2*time.Second, func() bool { return h.machine.CurrentState() == want }) {
		t.Fatalf("state = %s, want %s", h.machine.CurrentState(), want)
	}
}

// toIdle walks the harness through the connection sequence.
func (h *machineHarness) toIdle(t *testing.T) {
	t.Helper()
	h.queue.Post(Event{Kind: EventConnectRequested, Source: SourceInternal})
	h.waitState(t, StateIdle)
}

// toAgentAudioPlaying walks the harness into active agent audio.
func (h *machineHarness) toAgentAudioPlaying(t *testing.T) {
	t.Helper()
	h.toIdle(t)
	h.queue.Post(Event{Kind: EventUtteranceRequested, Source: SourceInternal, UtteranceID: "u1"})
	h.waitState(t, StateAgentResponding)
	h.queue.Post(Event{Kind: EventBufferStarted, Source: SourceChannel, UtteranceID: "u1"})
	h.waitState(t, StateAgentAudioPlaying)
}

func TestMachine_ConnectionSequence(t *testing.T) {
	h := newMachineHarness(t)

	h.queue.Post(Event{Kind: EventConnectRequested, Source: SourceInternal})
	h.waitState(t, StateIdle)

	select {
	case <-h.machine.Ready():
	default:
		t.Error("Ready() should be closed after reaching idle")
	}
	if got := h.timers.Active(); len(got) != 0 {
		t.Errorf("timers active in idle: %v", got)
	}
}

func TestMachine_AgentSpeechPlaysThenSettles(t *testing.T) {
	h := newMachineHarness(t)
	h.toAgentAudioPlaying(t)

	h.queue.Post(Event{Kind: EventBufferStopped, Source: SourceChannel, UtteranceID: "u1"})
	// Device is drained, so settling resolves through playback.idle.
	h.waitState(t, StateIdle)
}

func TestMachine_SettleWaitsForDeviceDrain(t *testing.T) {
	h := newMachineHarness(t)
	h.device.setDrained(false)
	h.toAgentAudioPlaying(t)

	h.queue.Post(Event{Kind: EventBufferStopped, Source: SourceChannel, UtteranceID: "u1"})
	h.waitState(t, StateAgentAudioSettling)

	// The remote buffer stopped but bytes are still on the speaker.
	time.Sleep(50 * time.Millisecond)
	if got := h.machine.CurrentState(); got != StateAgentAudioSettling {
		t.Fatalf("state = %s, want %s while device drains", got, StateAgentAudioSettling)
	}

	h.device.setDrained(true)
	h.waitState(t, StateIdle)
}

// The next listening window can open while agent audio is still settling;
// the late playback.idle must not bounce the machine back to Idle and wipe
// the window timers.
func TestMachine_ListenWindowOpensDuringSettle(t *testing.T) {
	h := newMachineHarness(t)
	h.device.setDrained(false)
	h.toAgentAudioPlaying(t)

	h.queue.Post(Event{Kind: EventBufferStopped, Source: SourceChannel, UtteranceID: "u1"})
	h.waitState(t, StateAgentAudioSettling)

	// The listener arms its timers and announces the window while the
	// speaker is still draining.
	h.timers.Schedule(TimerListenMin, StateListening, time.Minute)
	h.timers.Schedule(TimerListenMax, StateListening, time.Minute)
	h.queue.Post(Event{Kind: EventListenStarted, Source: SourceInternal})
	h.waitState(t, StateListening)

	h.device.setDrained(true)
	time.Sleep(80 * time.Millisecond)

	if got := h.machine.CurrentState(); got != StateListening {
		t.Fatalf("state = %s, want %s after the late playback.idle", got, StateListening)
	}
	got := h.timers.Active()
	if len(got) != 2 || got[0] != TimerListenMax || got[1] != TimerListenMin {
		t.Errorf("armed timers = %v, want the window timers to survive", got)
	}
}

func TestMachine_BargeInOnlyFromAuthoritativeSource(t *testing.T) {
	h := newMachineHarness(t)
	h.toAgentAudioPlaying(t)

	// The channel is not the authoritative boundary source here.
	h.queue.Post(Event{Kind: EventSpeechStarted, Source: SourceChannel})
	time.Sleep(30 * time.Millisecond)
	if got := h.machine.CurrentState(); got != StateAgentAudioPlaying {
		t.Fatalf("state = %s, want %s after non-authoritative speech", got, StateAgentAudioPlaying)
	}

	h.queue.Post(Event{Kind: EventSpeechStarted, Source: SourceLocal})
	h.waitState(t, StateIdle)
	if h.device.flushCount() == 0 {
		t.Error("barge-in should flush the output device")
	}
}

func TestMachine_CompletionEventsDoNotMoveState(t *testing.T) {
	h := newMachineHarness(t)
	h.toAgentAudioPlaying(t)

	// Generation finishing is informational; audio is still playing.
	h.queue.Post(Event{Kind: EventUtteranceCompleted, Source: SourceChannel, UtteranceID: "u1"})
	time.Sleep(30 * time.Millisecond)
	if got := h.machine.CurrentState(); got != StateAgentAudioPlaying {
		t.Fatalf("state = %s, want %s after utterance.completed", got, StateAgentAudioPlaying)
	}
}

func TestMachine_ListeningWindowTransitions(t *testing.T) {
	h := newMachineHarness(t)
	h.toIdle(t)

	h.queue.Post(Event{Kind: EventListenStarted, Source: SourceInternal})
	h.waitState(t, StateListening)

	h.queue.Post(Event{Kind: EventSpeechStarted, Source: SourceLocal})
	h.waitState(t, StateUserSpeaking)

	h.queue.Post(Event{Kind: EventSpeechStopped, Source: SourceLocal})
	h.waitState(t, StateProcessingInput)

	// Participant resumes.
	h.queue.Post(Event{Kind: EventSpeechStarted, Source: SourceLocal})
	h.waitState(t, StateUserSpeaking)

	h.queue.Post(Event{Kind: EventListenClosed, Source: SourceInternal})
	h.waitState(t, StateIdle)
}

func TestMachine_StopRequestFromAnyPhase(t *testing.T) {
	h := newMachineHarness(t)
	h.toAgentAudioPlaying(t)

	h.stop.RequestStop("test", "unit test")
	h.waitState(t, StateStopRequested)

	// The goodbye is the only utterance allowed through now.
	h.queue.Post(Event{Kind: EventUtteranceRequested, Source: SourceInternal, UtteranceID: "bye"})
	h.waitState(t, StateGoodbyePlaying)

	h.queue.Post(Event{Kind: EventCloseRequested, Source: SourceInternal})
	h.waitState(t, StateClosed)

	select {
	case <-h.machine.Closed():
	default:
		t.Error("Closed() should be closed in terminal state")
	}
}

func TestMachine_ConnectFailureClosesWithFatal(t *testing.T) {
	h := newMachineHarness(t)

	h.queue.Post(Event{Kind: EventConnectRequested, Source: SourceInternal})
	// Simulate the transport dying during the handshake window. The fake
	// connect succeeds, so push the error in by hand while connecting or
	// configuring.
	h.queue.Post(Event{Kind: EventChannelError, Source: SourceChannel, Err: context.DeadlineExceeded})

	h.waitState(t, StateClosed)
	if h.machine.FatalErr() == nil {
		t.Error("FatalErr() should be set after a channel error during connection")
	}
}

func TestTransitionTable_StatesAreKnown(t *testing.T) {
	table := buildTable()
	for key, tr := range table {
		if _, ok := validTimers[key.from]; !ok {
			t.Errorf("transition from unknown state %s", key.from)
		}
		if _, ok := validTimers[tr.to]; !ok {
			t.Errorf("transition %s + %s lands in unknown state %s", key.from, key.kind, tr.to)
		}
		if key.from == StateClosed {
			t.Errorf("no transition may leave the terminal state (%s)", key.kind)
		}
	}
}
