package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/dbrezina/nora/internal/eventlog"
)

// UtteranceStatus is the lifecycle of one agent speech request.
type UtteranceStatus string

const (
	UtterancePending   UtteranceStatus = "pending"
	UtteranceActive    UtteranceStatus = "active"
	UtteranceCompleted UtteranceStatus = "completed"
	UtteranceFailed    UtteranceStatus = "failed"
	UtteranceCancelled UtteranceStatus = "cancelled"
)

func (s UtteranceStatus) Terminal() bool {
	return s == UtteranceCompleted || s == UtteranceFailed || s == UtteranceCancelled
}

// Utterance tracks one agent speech request end to end.
type Utterance struct {
	ID        string
	Text      string
	Status    UtteranceStatus
	CreatedAt time.Time
	Err       error
}

var (
	ErrStopped    = errors.New("session stop requested")
	ErrSayTimeout = errors.New("utterance did not reach a terminal state in time")
)

// SayOptions tune a single Say call.
type SayOptions struct {
	// Timeout bounds the whole delivery, creation through completion.
	Timeout time.Duration
	// Force delivers even after a stop was requested (the goodbye).
	Force bool
}

// Delivery drives agent utterances. At most one utterance is Active
// system-wide; Say calls serialize on sayMu, which is the invariant rather
// than an accident of locking.
type Delivery struct {
	channel Channel
	tracker *PlaybackTracker
	stop    *StopController
	queue   *Queue
	logger  *log.Logger
	diag    *eventlog.Logger
	sessID  string

	sayMu sync.Mutex

	mu         sync.Mutex
	active     *Utterance
	activeDone chan struct{} // closed when active reaches a terminal state

	// audioSeen is closed when the buffer starts for audioID. It outlives
	// finish: on a weakly ordered stream the completion event can land
	// before buffer.started, and the late audio signal must still reach the
	// Say call that is waiting on it.
	audioSeen chan struct{}
	audioID   string

	newID func() string

	maxRetries   uint64
	retryBase    time.Duration
	retryCap     time.Duration
	staleGrace   time.Duration
	drainTimeout time.Duration
	audioOnset   time.Duration
}

type DeliveryConfig struct {
	Channel   Channel
	Tracker   *PlaybackTracker
	Stop      *StopController
	Queue     *Queue
	Logger    *log.Logger
	Diag      *eventlog.Logger
	SessionID string
}

func NewDelivery(cfg DeliveryConfig) *Delivery {
	return &Delivery{
		channel:      cfg.Channel,
		tracker:      cfg.Tracker,
		stop:         cfg.Stop,
		queue:        cfg.Queue,
		logger:       cfg.Logger,
		diag:         cfg.Diag,
		sessID:       cfg.SessionID,
		newID:        func() string { return uuid.NewString() },
		maxRetries:   3,
		retryBase:    250 * time.Millisecond,
		retryCap:     2 * time.Second,
		staleGrace:   2 * time.Second,
		drainTimeout: 10 * time.Second,
		audioOnset:   500 * time.Millisecond,
	}
}

// Say delivers one utterance and blocks until it has been fully heard:
// terminal remote status AND playback idle. Returning at generation-complete
// is exactly the defect this component exists to avoid.
func (d *Delivery) Say(ctx context.Context, text string, opts SayOptions) (*Utterance, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if !opts.Force && d.stop.IsStopRequested() {
		return nil, ErrStopped
	}

	d.sayMu.Lock()
	defer d.sayMu.Unlock()

	d.awaitActiveClear(ctx)

	utt := &Utterance{
		ID:        d.newID(),
		Text:      text,
		Status:    UtterancePending,
		CreatedAt: time.Now().UTC(),
	}

	// Install as active, with the terminal-state channel in place, before
	// the request goes out. If the remote completes faster than we return
	// from the write, the completion event still finds its waiter.
	done := make(chan struct{})
	audio := make(chan struct{})
	d.mu.Lock()
	d.active = utt
	d.activeDone = done
	d.audioSeen = audio
	d.audioID = utt.ID
	d.mu.Unlock()

	if err := d.create(ctx, utt); err != nil {
		d.finish(utt.ID, UtteranceFailed, err)
		return utt, err
	}

	d.mu.Lock()
	if d.active == utt && utt.Status == UtterancePending {
		utt.Status = UtteranceActive
	}
	d.mu.Unlock()

	d.queue.Post(Event{Kind: EventUtteranceRequested, Source: SourceInternal, UtteranceID: utt.ID, Text: text})

	deadline := time.NewTimer(opts.Timeout)
	defer deadline.Stop()

	select {
	case <-done:
	case <-deadline.C:
		d.logger.Printf("speech: utterance %s timed out, cancelling locally", utt.ID)
		d.cancelRemote(utt.ID)
		d.finish(utt.ID, UtteranceCancelled, ErrSayTimeout)
		return utt, ErrSayTimeout
	case <-ctx.Done():
		d.cancelRemote(utt.ID)
		d.finish(utt.ID, UtteranceCancelled, ctx.Err())
		return utt, ctx.Err()
	}

	switch utt.Status {
	case UtteranceFailed:
		return utt, fmt.Errorf("utterance failed: %w", utt.Err)
	case UtteranceCancelled:
		if utt.Err != nil {
			return utt, utt.Err
		}
		return utt, nil
	}

	// Generation finished. Wait out the audio: if the buffer never even
	// started within a short onset window, the utterance produced no audio
	// and there is nothing to drain.
	select {
	case <-audio:
		if !d.tracker.WaitForIdle(ctx, d.drainTimeout) {
			d.logger.Printf("speech: proceeding with playback not confirmed idle for %s", utt.ID)
		}
	case <-time.After(d.audioOnset):
		// The buffer.started event itself may have been missed; the tracker
		// is the authority on whether audio is audible.
		if d.tracker.IsAgentAudioActive() {
			if !d.tracker.WaitForIdle(ctx, d.drainTimeout) {
				d.logger.Printf("speech: proceeding with playback not confirmed idle for %s", utt.ID)
			}
		} else {
			d.logger.Printf("speech: no audio observed for %s within %v", utt.ID, d.audioOnset)
		}
	case <-ctx.Done():
	}

	return utt, nil
}

// awaitActiveClear waits for a previous Active utterance to reach a terminal
// state. Past the grace period it is marked Cancelled locally and abandoned;
// the remote side may still be finishing, which is tolerated because there
// is no guaranteed cancel-ack to wait on.
func (d *Delivery) awaitActiveClear(ctx context.Context) {
	d.mu.Lock()
	cur := d.active
	done := d.activeDone
	d.mu.Unlock()
	if cur == nil {
		return
	}

	select {
	case <-done:
	case <-time.After(d.staleGrace):
		d.logger.Printf("speech: stale active utterance %s, cancelling locally", cur.ID)
		d.cancelRemote(cur.ID)
		d.finish(cur.ID, UtteranceCancelled, nil)
	case <-ctx.Done():
	}
}

// create issues the remote request, retrying transient failures with
// exponential backoff.
func (d *Delivery) create(ctx context.Context, utt *Utterance) error {
	attempt := 0
	backoff := retry.WithCappedDuration(d.retryCap, retry.NewExponential(d.retryBase))
	backoff = retry.WithMaxRetries(d.maxRetries, backoff)

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		if attempt > 0 {
			d.diag.LogAsync(d.sessID, eventlog.EventUtteranceRetry, map[string]any{
				"utterance_id": utt.ID, "attempt": attempt,
			})
		}
		attempt++
		if err := d.channel.CreateUtterance(ctx, utt.ID, utt.Text); err != nil {
			d.logger.Printf("speech: create attempt %d failed: %v", attempt, err)
			return retry.RetryableError(err)
		}
		return nil
	})
}

func (d *Delivery) cancelRemote(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := d.channel.CancelUtterance(ctx, id); err != nil {
		d.logger.Printf("speech: cancel %s: %v", id, err)
	}
}

// CancelActive cancels the in-flight utterance, if any (barge-in, stop).
func (d *Delivery) CancelActive(ctx context.Context) {
	d.mu.Lock()
	cur := d.active
	d.mu.Unlock()
	if cur == nil {
		return
	}
	d.cancelRemote(cur.ID)
	d.finish(cur.ID, UtteranceCancelled, nil)
}

// Active returns the currently active utterance, or nil.
func (d *Delivery) Active() *Utterance {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

// failActive marks the active utterance failed without a remote event
// (response timeout).
func (d *Delivery) failActive(reason string) {
	d.mu.Lock()
	cur := d.active
	d.mu.Unlock()
	if cur == nil {
		return
	}
	d.finish(cur.ID, UtteranceFailed, errors.New(reason))
}

// noteAudioStarted is called by the state machine when the audio buffer
// starts. Matched by utterance ID rather than against the active slot: the
// utterance may already have completed by the time its audio begins.
func (d *Delivery) noteAudioStarted(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.audioSeen == nil {
		return
	}
	if id != "" && id != d.audioID {
		return
	}
	select {
	case <-d.audioSeen:
	default:
		close(d.audioSeen)
	}
}

// finish moves an utterance to a terminal status and releases its waiter.
// No-op when the utterance already terminated or is not the active one.
func (d *Delivery) finish(id string, status UtteranceStatus, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cur := d.active
	if cur == nil || (id != "" && cur.ID != id) || cur.Status.Terminal() {
		return
	}
	cur.Status = status
	cur.Err = err
	d.active = nil
	if d.activeDone != nil {
		close(d.activeDone)
		d.activeDone = nil
	}
}

// observe is the informational tap: utterance-lifecycle events update the
// delivery bookkeeping but never drive state transitions. Returns true when
// the event kind belongs to this tap.
func (d *Delivery) observe(ev Event) bool {
	switch ev.Kind {
	case EventUtteranceCreated:
		return true
	case EventUtteranceCompleted:
		d.finish(ev.UtteranceID, UtteranceCompleted, nil)
		return true
	case EventUtteranceFailed:
		err := ev.Err
		if err == nil {
			err = errors.New("remote utterance failure")
		}
		d.finish(ev.UtteranceID, UtteranceFailed, err)
		return true
	case EventUtteranceCancelled:
		d.finish(ev.UtteranceID, UtteranceCancelled, nil)
		return true
	}
	return false
}
