package session

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/dbrezina/nora/internal/eventlog"
)

// ParticipantTurn accumulates one listening window. Created when the window
// opens, torn down when it closes, touched only by the listener.
type ParticipantTurn struct {
	Fragments      []string
	StartedAt      time.Time
	LastActivityAt time.Time
	ExtensionsUsed int
	Responded      bool
}

// TurnResult is the outcome of one listening window. Responded is false only
// when no speech boundary ever opened; speech without a resolved transcript
// yields Responded true with a nil Transcript. The two are distinct outcomes
// and the driver treats them differently.
type TurnResult struct {
	Responded  bool
	Transcript *string
	Extensions int
	StartedAt  time.Time
	EndedAt    time.Time
}

var ErrWindowOpen = errors.New("listening window already open")

type window struct {
	events    chan Event
	force     chan struct{}
	forceOnce sync.Once
	turn      *ParticipantTurn
}

// TurnListener manages the participant listening window: capture unmuted,
// boundary detection on, transcript accumulation, silence and extension
// policy, timeout enforcement. Windows never overlap.
type TurnListener struct {
	timers   *Coordinator
	queue    *Queue
	stop     *StopController
	device   interface{ SetMuted(bool) }
	detector interface {
		Enable()
		Disable()
	}
	logger *log.Logger
	diag   *eventlog.Logger
	sessID string

	turnSource Source

	mu   sync.Mutex
	open bool
	win  *window

	extension     time.Duration
	maxExtensions int
	pollInterval  time.Duration
	grace         time.Duration
}

type ListenerConfig struct {
	Timers   *Coordinator
	Queue    *Queue
	Stop     *StopController
	Device   interface{ SetMuted(bool) }
	Detector interface {
		Enable()
		Disable()
	}
	Logger     *log.Logger
	Diag       *eventlog.Logger
	SessionID  string
	TurnSource Source
}

func NewTurnListener(cfg ListenerConfig) *TurnListener {
	if cfg.TurnSource == "" {
		cfg.TurnSource = SourceLocal
	}
	return &TurnListener{
		timers:        cfg.Timers,
		queue:         cfg.Queue,
		stop:          cfg.Stop,
		device:        cfg.Device,
		detector:      cfg.Detector,
		logger:        cfg.Logger,
		diag:          cfg.Diag,
		sessID:        cfg.SessionID,
		turnSource:    cfg.TurnSource,
		extension:     5 * time.Second,
		maxExtensions: 3,
		pollInterval:  250 * time.Millisecond,
		grace:         3 * time.Second,
	}
}

// Open runs one listening window and blocks until it closes: max elapsed,
// transcript resolved, stop requested, or context cancelled. May return well
// before max.
func (l *TurnListener) Open(ctx context.Context, min, max time.Duration) (TurnResult, error) {
	l.mu.Lock()
	if l.open {
		l.mu.Unlock()
		return TurnResult{}, ErrWindowOpen
	}
	win := &window{
		events: make(chan Event, 16),
		force:  make(chan struct{}),
		turn: &ParticipantTurn{
			StartedAt:      time.Now().UTC(),
			LastActivityAt: time.Now().UTC(),
		},
	}
	l.open = true
	l.win = win
	l.mu.Unlock()

	l.device.SetMuted(false)
	l.detector.Enable()
	l.queue.Post(Event{Kind: EventListenStarted, Source: SourceInternal})
	l.diag.LogAsync(l.sessID, eventlog.EventWindowOpened, map[string]any{
		"min_ms": min.Milliseconds(), "max_ms": max.Milliseconds(),
	})

	if err := l.timers.Schedule(TimerListenMin, StateListening, min); err != nil {
		l.logger.Printf("listener: %v", err)
	}
	if err := l.timers.Schedule(TimerListenMax, StateListening, max); err != nil {
		l.logger.Printf("listener: %v", err)
	}

	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	// The coordinator force-cancels the window timers if the machine enters a
	// state they are not valid in, so the window carries its own hard deadline
	// and silence can never hold it open.
	hardStop := time.NewTimer(max + time.Duration(l.maxExtensions)*l.extension + l.grace + 2*l.pollInterval)
	defer hardStop.Stop()

	var (
		speechActive bool
		minElapsed   bool
		graceArmed   bool
		stopped      bool
	)

	turn := win.turn
loop:
	for {
		select {
		case ev := <-win.events:
			switch ev.Kind {
			case EventSpeechStarted:
				turn.Responded = true
				turn.LastActivityAt = time.Now().UTC()
				speechActive = true
				if graceArmed {
					// Participant resumed before the transcript settled.
					l.timers.Cancel(TimerTranscriptGrace)
					graceArmed = false
				}

			case EventSpeechStopped:
				speechActive = false
				turn.LastActivityAt = time.Now().UTC()
				if turn.Responded {
					// Give the transcription collaborator a bounded window;
					// if nothing arrives we close with whatever we have.
					if err := l.timers.Schedule(TimerTranscriptGrace, StateProcessingInput, l.grace); err != nil {
						l.logger.Printf("listener: %v", err)
					}
					graceArmed = true
				}

			case EventTranscriptReady:
				if ev.Text != "" {
					turn.Fragments = append(turn.Fragments, ev.Text)
				}
				turn.LastActivityAt = time.Now().UTC()
				if graceArmed {
					break loop
				}
				if minElapsed && !speechActive && turn.Responded {
					break loop
				}

			case TimerListenMin:
				minElapsed = true
				if turn.Responded && !speechActive && len(turn.Fragments) > 0 {
					break loop
				}

			case TimerListenMax:
				if speechActive && turn.ExtensionsUsed < l.maxExtensions {
					turn.ExtensionsUsed++
					l.logger.Printf("listener: speech still active at max, extension %d/%d",
						turn.ExtensionsUsed, l.maxExtensions)
					if err := l.timers.Schedule(TimerListenMax, StateUserSpeaking, l.extension); err != nil {
						l.logger.Printf("listener: %v", err)
					}
					continue
				}
				break loop

			case TimerTranscriptGrace:
				// Transcript never arrived; a partial or empty result beats
				// blocking the script.
				break loop
			}

		case <-ticker.C:
			if l.stop.IsStopRequested() {
				stopped = true
				break loop
			}

		case <-hardStop.C:
			l.logger.Printf("listener: window deadline reached with no max timer fired, closing")
			break loop

		case <-win.force:
			stopped = true
			break loop

		case <-ctx.Done():
			stopped = true
			break loop
		}
	}

	return l.close(win, stopped)
}

func (l *TurnListener) close(win *window, stopped bool) (TurnResult, error) {
	l.detector.Disable()
	l.device.SetMuted(true)
	l.timers.Cancel(TimerListenMin)
	l.timers.Cancel(TimerListenMax)
	l.timers.Cancel(TimerTranscriptGrace)

	l.mu.Lock()
	l.open = false
	l.win = nil
	l.mu.Unlock()

	l.queue.Post(Event{Kind: EventListenClosed, Source: SourceInternal})

	turn := win.turn
	res := TurnResult{
		Responded:  turn.Responded,
		Extensions: turn.ExtensionsUsed,
		StartedAt:  turn.StartedAt,
		EndedAt:    time.Now().UTC(),
	}
	if len(turn.Fragments) > 0 {
		joined := strings.Join(turn.Fragments, " ")
		res.Transcript = &joined
	}

	l.diag.LogAsync(l.sessID, eventlog.EventWindowClosed, map[string]any{
		"responded":  res.Responded,
		"transcript": res.Transcript != nil,
		"extensions": res.Extensions,
		"stopped":    stopped,
	})

	if stopped && l.stop.IsStopRequested() {
		return res, ErrStopped
	}
	return res, nil
}

// CloseNow forces the open window to close immediately. Wired as a stop
// hook so the stop request tears the window down synchronously instead of
// waiting for the next poll.
func (l *TurnListener) CloseNow() {
	l.mu.Lock()
	win := l.win
	l.mu.Unlock()
	if win == nil {
		return
	}
	win.forceOnce.Do(func() { close(win.force) })
}

// IsOpen reports whether a window is currently open.
func (l *TurnListener) IsOpen() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.open
}

// observe is the listener's informational tap on the event queue: window
// bookkeeping for boundary, transcript and window-timer events. Boundary
// events from the non-authoritative source are left for the machine to
// discard.
func (l *TurnListener) observe(ev Event) bool {
	switch ev.Kind {
	case EventSpeechStarted, EventSpeechStopped:
		if ev.Source != l.turnSource {
			return false
		}
	case EventTranscriptReady, TimerListenMin, TimerListenMax, TimerTranscriptGrace:
	default:
		return false
	}

	l.mu.Lock()
	win := l.win
	l.mu.Unlock()
	if win == nil {
		if ev.Kind == EventTranscriptReady {
			l.logger.Printf("listener: transcript after window close, dropping: %q", ev.Text)
		}
		return true
	}

	select {
	case win.events <- ev:
	default:
		l.logger.Printf("listener: window queue full, dropping %s", ev.Kind)
	}
	return true
}
