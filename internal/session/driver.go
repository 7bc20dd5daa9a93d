package session

import (
	"context"
	"errors"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dbrezina/nora/internal/eventlog"
	"github.com/dbrezina/nora/internal/llm"
	"github.com/dbrezina/nora/internal/script"
	"github.com/dbrezina/nora/internal/store"
)

// OutcomeStatus classifies how a session ended.
type OutcomeStatus string

const (
	OutcomeSuccess    OutcomeStatus = "success"
	OutcomeUnattended OutcomeStatus = "unattended"
	OutcomeEarlyExit  OutcomeStatus = "early_exit"
	OutcomeError      OutcomeStatus = "error"
)

// TurnRecord is one completed script step.
type TurnRecord struct {
	StepID     string
	Prompt     string
	Responded  bool
	Transcript *string
	StartedAt  time.Time
	EndedAt    time.Time
	Extensions int
}

// Outcome is the single result emitted at session end, best-effort even
// when the session dies early.
type Outcome struct {
	SessionID  string
	ScriptID   string
	Status     OutcomeStatus
	TurnCount  int
	Turns      []TurnRecord
	StartedAt  time.Time
	DurationMs int64
	Sentiment  *llm.Sentiment
	Err        string
}

// Params configures one session run.
type Params struct {
	SessionID string
	Script    *script.Script
	Channel   Channel
	Device    Device
	LLM       llm.Client      // nil disables contextual acks and sentiment
	Store     *store.Store    // nil disables persistence
	Diag      *eventlog.Logger
	Logger    *log.Logger

	TurnSource      Source
	Detector        DetectorConfig
	StopPhrases     []string
	GoodbyePhrases  []string
	PromptTimeout   time.Duration
	GoodbyeTimeout  time.Duration
	AckTimeout      time.Duration
	SessionDeadline time.Duration
}

// Session ties the concurrency core together and drives the script. One
// Session value runs exactly once.
type Session struct {
	p Params

	id       string
	queue    *Queue
	timers   *Coordinator
	playback *PlaybackTracker
	stop     *StopController
	machine  *Machine
	delivery *Delivery
	listener *TurnListener
	detector *Detector

	cancelMu sync.Mutex
	cancelFn context.CancelFunc

	rng *rand.Rand
}

// New builds a session around the given channel and device. Components are
// wired so that a stop request synchronously cancels non-shutdown timers,
// closes any open listening window and sets the session-wide token.
func New(p Params) *Session {
	if p.SessionID == "" {
		p.SessionID = uuid.NewString()
	}
	if p.PromptTimeout <= 0 {
		p.PromptTimeout = 30 * time.Second
	}
	if p.GoodbyeTimeout <= 0 {
		p.GoodbyeTimeout = 20 * time.Second
	}
	if p.AckTimeout <= 0 {
		p.AckTimeout = 5 * time.Second
	}
	if p.SessionDeadline <= 0 {
		p.SessionDeadline = 15 * time.Minute
	}
	if p.TurnSource == "" {
		p.TurnSource = SourceLocal
	}

	s := &Session{
		p:   p,
		id:  p.SessionID,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	s.queue = NewQueue(p.Logger)
	s.timers = NewCoordinator(s.queue, p.Logger)
	s.playback = NewPlaybackTracker(p.Device, p.Logger)
	s.detector = NewDetector(p.Detector, s.queue, p.Logger)

	s.stop = NewStopController(StopConfig{
		Queue:              s.queue,
		Logger:             p.Logger,
		Diag:               p.Diag,
		SessionID:          s.id,
		Cancel:             s.cancelToken,
		ParticipantPhrases: p.StopPhrases,
		AgentPhrases:       p.GoodbyePhrases,
	})

	s.machine = NewMachine(MachineConfig{
		SessionID:  s.id,
		Channel:    p.Channel,
		Device:     p.Device,
		Queue:      s.queue,
		Timers:     s.timers,
		Playback:   s.playback,
		Stop:       s.stop,
		Logger:     p.Logger,
		Diag:       p.Diag,
		TurnSource: p.TurnSource,
	})

	s.delivery = NewDelivery(DeliveryConfig{
		Channel:   p.Channel,
		Tracker:   s.playback,
		Stop:      s.stop,
		Queue:     s.queue,
		Logger:    p.Logger,
		Diag:      p.Diag,
		SessionID: s.id,
	})

	s.listener = NewTurnListener(ListenerConfig{
		Timers:     s.timers,
		Queue:      s.queue,
		Stop:       s.stop,
		Device:     p.Device,
		Detector:   s.detector,
		Logger:     p.Logger,
		Diag:       p.Diag,
		SessionID:  s.id,
		TurnSource: p.TurnSource,
	})

	s.machine.attach(s.delivery, s.listener)

	// The synchronous half of stop propagation.
	s.stop.OnStop(s.timers.CancelAllExceptShutdown)
	s.stop.OnStop(s.listener.CloseNow)

	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Queue exposes the event queue so the channel transport can post into it.
func (s *Session) Queue() *Queue { return s.queue }

// SetChannel installs the transport. Construction is two-phase because the
// transport posts into the queue the session owns. Must precede Run.
func (s *Session) SetChannel(ch Channel) {
	s.p.Channel = ch
	s.machine.cfg.Channel = ch
	s.delivery.channel = ch
}

// Stop requests early termination from outside (shutdown signal).
func (s *Session) Stop(source, reason string) bool {
	return s.stop.RequestStop(source, reason)
}

// CurrentState exposes the machine state, for diagnostics.
func (s *Session) CurrentState() State { return s.machine.CurrentState() }

func (s *Session) cancelToken() {
	s.cancelMu.Lock()
	fn := s.cancelFn
	s.cancelMu.Unlock()
	if fn != nil {
		fn()
	}
}

// Run conducts the session and always returns an outcome. The machine and
// the capture pump live on a deadline context independent of the stop
// token, so the goodbye and teardown still run after cancellation.
func (s *Session) Run(ctx context.Context) *Outcome {
	start := time.Now().UTC()
	out := &Outcome{
		SessionID: s.id,
		ScriptID:  s.p.Script.ID,
		StartedAt: start,
	}

	coreCtx, coreCancel := context.WithTimeout(context.Background(), s.p.SessionDeadline)
	defer coreCancel()

	// Session-wide cancellation token, set by the stop controller.
	tokenCtx, tokenCancel := context.WithCancel(ctx)
	defer tokenCancel()
	s.cancelMu.Lock()
	s.cancelFn = tokenCancel
	s.cancelMu.Unlock()

	go s.machine.Run(coreCtx)
	go s.capturePump(coreCtx)

	// Forward external cancellation into the stop controller so the
	// goodbye path still runs on SIGTERM.
	go func() {
		select {
		case <-ctx.Done():
			s.stop.RequestStop("signal", "context cancelled")
		case <-coreCtx.Done():
		}
	}()

	s.p.Diag.LogAsync(s.id, eventlog.EventSessionStarted, map[string]any{"script": s.p.Script.ID})
	if s.p.TurnSource == SourceLocal {
		s.p.Logger.Printf("session: local turn detection without echo cancellation; capture stays muted while agent audio plays")
	}

	s.queue.Post(Event{Kind: EventConnectRequested, Source: SourceInternal})

	select {
	case <-s.machine.Ready():
	case <-s.machine.Closed():
		return s.finish(out, start, s.machine.FatalErr())
	case <-coreCtx.Done():
		return s.finish(out, start, coreCtx.Err())
	}

	if s.p.Script.Greeting != "" {
		if _, err := s.delivery.Say(tokenCtx, s.p.Script.Greeting, SayOptions{Timeout: s.p.PromptTimeout}); err != nil && !errors.Is(err, ErrStopped) {
			s.p.Logger.Printf("session: greeting failed: %v", err)
		}
	}

	completed := s.runSteps(tokenCtx, out)
	out.TurnCount = countResponded(out.Turns)

	s.sayGoodbye()

	s.queue.Post(Event{Kind: EventCloseRequested, Source: SourceInternal})
	select {
	case <-s.machine.Closed():
	case <-time.After(10 * time.Second):
		s.p.Logger.Printf("session: machine did not close in time")
	}

	if !completed && s.stop.IsStopRequested() {
		return s.finishEarly(out, start)
	}
	return s.finish(out, start, s.machine.FatalErr())
}

// runSteps walks the script. Returns false when the session was cut short.
func (s *Session) runSteps(ctx context.Context, out *Outcome) bool {
	for _, step := range s.p.Script.Steps {
		if s.stop.IsStopRequested() {
			return false
		}

		if _, err := s.delivery.Say(ctx, step.Prompt, SayOptions{Timeout: s.p.PromptTimeout}); err != nil {
			if errors.Is(err, ErrStopped) || ctx.Err() != nil {
				return false
			}
			// Recoverable step failure: move on rather than stall the
			// whole session on one bad prompt.
			s.p.Logger.Printf("session: step %s prompt failed: %v", step.ID, err)
			s.p.Diag.LogAsync(s.id, eventlog.EventUtteranceFailed, map[string]any{"step": step.ID, "error": err.Error()})
			continue
		}

		res, err := s.listener.Open(ctx, step.MinListen(), step.MaxListen())
		rec := TurnRecord{
			StepID:     step.ID,
			Prompt:     step.Prompt,
			Responded:  res.Responded,
			Transcript: res.Transcript,
			StartedAt:  res.StartedAt,
			EndedAt:    res.EndedAt,
			Extensions: res.Extensions,
		}
		out.Turns = append(out.Turns, rec)
		s.persistTurn(len(out.Turns), rec)

		if err != nil {
			return false
		}

		if res.Transcript != nil && s.stop.CheckParticipantText(*res.Transcript) {
			// Participant asked to stop; remaining steps are skipped and
			// the goodbye plays next.
			return false
		}

		ack := s.acknowledge(step, res)
		if ack != "" {
			if _, err := s.delivery.Say(ctx, ack, SayOptions{Timeout: s.p.PromptTimeout}); err != nil && !errors.Is(err, ErrStopped) {
				s.p.Logger.Printf("session: ack failed: %v", err)
			}
		}
	}
	return true
}

// acknowledge picks what to say after a turn: a contextual acknowledgment
// when there is a transcript to react to, scripted fallbacks otherwise.
func (s *Session) acknowledge(step script.Step, res TurnResult) string {
	if !res.Responded {
		return s.pick(s.p.Script.Encouragements)
	}
	if res.Transcript == nil || s.p.LLM == nil {
		return s.pick(s.p.Script.Acknowledgments)
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.p.AckTimeout)
	defer cancel()
	ack, err := s.p.LLM.Acknowledge(ctx, step.Prompt, *res.Transcript)
	if err != nil {
		s.p.Logger.Printf("session: acknowledgment fallback: %v", err)
		s.p.Diag.LogAsync(s.id, eventlog.EventAckFallback, map[string]any{"step": step.ID, "error": err.Error()})
		return s.pick(s.p.Script.Acknowledgments)
	}
	return ack
}

func (s *Session) pick(pool []string) string {
	if len(pool) == 0 {
		return ""
	}
	return pool[s.rng.Intn(len(pool))]
}

// sayGoodbye always runs, forced past the stop token on a fresh context.
func (s *Session) sayGoodbye() {
	s.stop.CheckAgentText(s.p.Script.Goodbye)
	s.stop.MarkGoodbyePlaying()

	ctx, cancel := context.WithTimeout(context.Background(), s.p.GoodbyeTimeout)
	defer cancel()
	if _, err := s.delivery.Say(ctx, s.p.Script.Goodbye, SayOptions{Timeout: s.p.GoodbyeTimeout, Force: true}); err != nil {
		s.p.Logger.Printf("session: goodbye failed: %v", err)
	}
	s.stop.MarkStopped()
}

// capturePump moves microphone frames into the boundary detector and, while
// a listening window is open, up the channel. Its only interaction with the
// core is events the detector posts on the queue.
func (s *Session) capturePump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-s.p.Device.Frames():
			if !ok {
				return
			}
			s.detector.ProcessFrame(frame)
			if s.listener.IsOpen() {
				if err := s.p.Channel.AppendAudio(ctx, frame); err != nil {
					s.p.Logger.Printf("session: uplink audio: %v", err)
				}
			}
		}
	}
}

func (s *Session) persistTurn(seq int, rec TurnRecord) {
	if s.p.Store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.p.Store.InsertTurn(ctx, s.id, store.Turn{
		StepID:     rec.StepID,
		Sequence:   seq,
		Responded:  rec.Responded,
		Transcript: rec.Transcript,
		StartedAt:  rec.StartedAt,
		EndedAt:    rec.EndedAt,
		Extensions: rec.Extensions,
	})
	if err != nil {
		s.p.Logger.Printf("session: persist turn: %v", err)
	}
}

func (s *Session) finishEarly(out *Outcome, start time.Time) *Outcome {
	out.Status = OutcomeEarlyExit
	return s.seal(out, start)
}

func (s *Session) finish(out *Outcome, start time.Time, fatal error) *Outcome {
	switch {
	case fatal != nil:
		out.Status = OutcomeError
		out.Err = fatal.Error()
	case out.TurnCount == 0:
		out.Status = OutcomeUnattended
	default:
		out.Status = OutcomeSuccess
	}
	return s.seal(out, start)
}

func (s *Session) seal(out *Outcome, start time.Time) *Outcome {
	out.DurationMs = time.Since(start).Milliseconds()

	if s.p.LLM != nil && out.TurnCount > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		var exchanges []llm.Exchange
		for _, t := range out.Turns {
			ex := llm.Exchange{Prompt: t.Prompt}
			if t.Transcript != nil {
				ex.Reply = *t.Transcript
			}
			exchanges = append(exchanges, ex)
		}
		sentiment, err := s.p.LLM.ScoreSentiment(ctx, exchanges)
		if err != nil {
			s.p.Logger.Printf("session: sentiment scoring: %v", err)
		} else {
			out.Sentiment = sentiment
		}
	}

	s.p.Diag.LogAsync(s.id, eventlog.EventSessionEnded, map[string]any{
		"status": string(out.Status), "turns": out.TurnCount, "duration_ms": out.DurationMs,
	})
	s.p.Logger.Printf("session: ended %s (turns=%d duration=%dms)", out.Status, out.TurnCount, out.DurationMs)
	return out
}

func countResponded(turns []TurnRecord) int {
	n := 0
	for _, t := range turns {
		if t.Responded {
			n++
		}
	}
	return n
}
