package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type deliveryHarness struct {
	queue   *Queue
	channel *fakeChannel
	device  *fakeDevice
	stop    *StopController
	d       *Delivery
}

func newDeliveryHarness(t *testing.T) *deliveryHarness {
	t.Helper()
	logger := testLogger()
	q := NewQueue(logger)
	ch := newFakeChannel(q, false)
	device := newFakeDevice()
	stop := newTestStop(q)

	d := NewDelivery(DeliveryConfig{
		Channel:   ch,
		Tracker:   NewPlaybackTracker(device, logger),
		Stop:      stop,
		Queue:     q,
		Logger:    logger,
		SessionID: "test",
	})
	// Keep the no-audio and backoff paths fast under test.
	d.audioOnset = 50 * time.Millisecond
	d.retryBase = time.Millisecond
	d.retryCap = 5 * time.Millisecond

	return &deliveryHarness{queue: q, channel: ch, device: device, stop: stop, d: d}
}

// completeNext plays the remote role for the next created utterance: audio
// starts, then generation completes.
func (h *deliveryHarness) completeNext(after int) {
	go func() {
		if !waitFor(2*time.Second, func() bool { return len(h.channel.createdIDs()) > after }) {
			return
		}
		id := h.channel.createdIDs()[after]
		h.d.noteAudioStarted(id)
		h.d.observe(Event{Kind: EventUtteranceCompleted, UtteranceID: id})
	}()
}

func TestDelivery_SayCompletes(t *testing.T) {
	h := newDeliveryHarness(t)
	h.completeNext(0)

	utt, err := h.d.Say(context.Background(), "hello there", SayOptions{Timeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("Say: %v", err)
	}
	if utt.Status != UtteranceCompleted {
		t.Errorf("status = %s, want %s", utt.Status, UtteranceCompleted)
	}
	if h.d.Active() != nil {
		t.Error("no active utterance after completion")
	}
	if got := h.channel.spokenTexts(); len(got) != 1 || got[0] != "hello there" {
		t.Errorf("channel saw %v", got)
	}
}

func TestDelivery_SayRetriesTransientCreateFailures(t *testing.T) {
	h := newDeliveryHarness(t)
	// Three failures exactly: the fourth and final attempt succeeds.
	h.channel.failCreates = 3
	h.completeNext(0)

	utt, err := h.d.Say(context.Background(), "retry me", SayOptions{Timeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("Say should survive transient failures: %v", err)
	}
	if utt.Status != UtteranceCompleted {
		t.Errorf("status = %s, want %s", utt.Status, UtteranceCompleted)
	}
}

func TestDelivery_SayFailsWhenRetriesExhaust(t *testing.T) {
	h := newDeliveryHarness(t)
	// One failure past the retry cap.
	h.channel.failCreates = 4

	utt, err := h.d.Say(context.Background(), "doomed", SayOptions{Timeout: 2 * time.Second})
	if err == nil {
		t.Fatal("Say should fail when every create attempt fails")
	}
	if utt.Status != UtteranceFailed {
		t.Errorf("status = %s, want %s", utt.Status, UtteranceFailed)
	}
	if len(h.channel.createdIDs()) != 0 {
		t.Error("no utterance should have been created")
	}
}

func TestDelivery_SayTimesOutAndCancelsRemotely(t *testing.T) {
	h := newDeliveryHarness(t)
	// Nothing ever completes the utterance.

	_, err := h.d.Say(context.Background(), "never finishes", SayOptions{Timeout: 50 * time.Millisecond})
	if !errors.Is(err, ErrSayTimeout) {
		t.Fatalf("err = %v, want ErrSayTimeout", err)
	}
	if got := h.channel.cancelledIDs(); len(got) != 1 {
		t.Errorf("remote cancel count = %d, want 1", len(got))
	}
}

func TestDelivery_SayRefusedAfterStopUnlessForced(t *testing.T) {
	h := newDeliveryHarness(t)
	h.stop.RequestStop("test", "stopping")

	if _, err := h.d.Say(context.Background(), "regular", SayOptions{}); !errors.Is(err, ErrStopped) {
		t.Fatalf("err = %v, want ErrStopped", err)
	}

	h.completeNext(0)
	utt, err := h.d.Say(context.Background(), "goodbye", SayOptions{Timeout: 2 * time.Second, Force: true})
	if err != nil {
		t.Fatalf("forced Say: %v", err)
	}
	if utt.Status != UtteranceCompleted {
		t.Errorf("status = %s, want %s", utt.Status, UtteranceCompleted)
	}
}

func TestDelivery_SayWithoutAudioReturnsAfterOnsetWindow(t *testing.T) {
	h := newDeliveryHarness(t)
	go func() {
		waitFor(2*time.Second, func() bool { return len(h.channel.createdIDs()) > 0 })
		// Completed, but no buffer.started ever observed.
		h.d.observe(Event{Kind: EventUtteranceCompleted, UtteranceID: h.channel.createdIDs()[0]})
	}()

	start := time.Now()
	utt, err := h.d.Say(context.Background(), "silent", SayOptions{Timeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("Say: %v", err)
	}
	if utt.Status != UtteranceCompleted {
		t.Errorf("status = %s, want %s", utt.Status, UtteranceCompleted)
	}
	if time.Since(start) > time.Second {
		t.Error("Say should give up on audio after the onset window, not the full timeout")
	}
}

// The stream is weakly ordered: generation can complete before the audio
// buffer starts. The late audio signal must still reach the waiting Say,
// which drains playback instead of returning while the speaker is live.
func TestDelivery_CompletionBeforeAudioStillDrains(t *testing.T) {
	h := newDeliveryHarness(t)
	h.device.setDrained(false)

	go func() {
		if !waitFor(2*time.Second, func() bool { return len(h.channel.createdIDs()) > 0 }) {
			return
		}
		id := h.channel.createdIDs()[0]
		h.d.observe(Event{Kind: EventUtteranceCompleted, UtteranceID: id})
		h.d.noteAudioStarted(id)
		time.Sleep(100 * time.Millisecond)
		h.device.setDrained(true)
	}()

	start := time.Now()
	utt, err := h.d.Say(context.Background(), "late audio", SayOptions{Timeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("Say: %v", err)
	}
	if utt.Status != UtteranceCompleted {
		t.Errorf("status = %s, want %s", utt.Status, UtteranceCompleted)
	}
	if elapsed := time.Since(start); elapsed < 90*time.Millisecond {
		t.Errorf("Say returned after %v with the speaker still draining", elapsed)
	}
}

// Even when buffer.started is never observed at all, an expired onset
// window defers to the playback tracker before giving up on the audio.
func TestDelivery_OnsetExpiryDefersToPlaybackTracker(t *testing.T) {
	h := newDeliveryHarness(t)
	h.device.setDrained(false)

	go func() {
		if !waitFor(2*time.Second, func() bool { return len(h.channel.createdIDs()) > 0 }) {
			return
		}
		h.d.observe(Event{Kind: EventUtteranceCompleted, UtteranceID: h.channel.createdIDs()[0]})
		time.Sleep(150 * time.Millisecond)
		h.device.setDrained(true)
	}()

	start := time.Now()
	utt, err := h.d.Say(context.Background(), "unsignalled audio", SayOptions{Timeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("Say: %v", err)
	}
	if utt.Status != UtteranceCompleted {
		t.Errorf("status = %s, want %s", utt.Status, UtteranceCompleted)
	}
	if elapsed := time.Since(start); elapsed < 140*time.Millisecond {
		t.Errorf("Say returned after %v with the speaker still draining", elapsed)
	}
}

func TestDelivery_StaleActiveIsCancelledLocally(t *testing.T) {
	h := newDeliveryHarness(t)
	h.d.staleGrace = 20 * time.Millisecond

	// A previous utterance was left active with no terminal event coming.
	stale := &Utterance{ID: "stale", Text: "orphan", Status: UtteranceActive}
	h.d.mu.Lock()
	h.d.active = stale
	h.d.activeDone = make(chan struct{})
	h.d.mu.Unlock()

	h.completeNext(0)
	utt, err := h.d.Say(context.Background(), "fresh", SayOptions{Timeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("Say: %v", err)
	}
	if utt.Status != UtteranceCompleted {
		t.Errorf("status = %s, want %s", utt.Status, UtteranceCompleted)
	}
	if stale.Status != UtteranceCancelled {
		t.Errorf("stale status = %s, want %s", stale.Status, UtteranceCancelled)
	}

	found := false
	for _, id := range h.channel.cancelledIDs() {
		if id == "stale" {
			found = true
		}
	}
	if !found {
		t.Error("stale utterance should be cancelled remotely")
	}
}

func TestDelivery_ConcurrentSaysSerialize(t *testing.T) {
	h := newDeliveryHarness(t)

	// Remote role: complete every utterance as it is created.
	done := make(chan struct{})
	go func() {
		defer close(done)
		completed := 0
		for completed < 5 {
			ids := h.channel.createdIDs()
			for completed < len(ids) {
				id := ids[completed]
				h.d.noteAudioStarted(id)
				h.d.observe(Event{Kind: EventUtteranceCompleted, UtteranceID: id})
				completed++
			}
			time.Sleep(time.Millisecond)
		}
	}()

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.d.Say(context.Background(), "concurrent", SayOptions{Timeout: 5 * time.Second})
		}(i)
	}
	wg.Wait()
	<-done

	for i, err := range errs {
		if err != nil {
			t.Errorf("Say %d: %v", i, err)
		}
	}
	if got := len(h.channel.createdIDs()); got != 5 {
		t.Errorf("created %d utterances, want 5", got)
	}
}
