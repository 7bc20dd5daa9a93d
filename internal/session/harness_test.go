package session

import (
	"context"
	"io"
	"log"
	"sync"
	"time"
)

// fakeChannel drives the remote side of the protocol in-process. With
// autoRespond set it answers CreateUtterance with the buffer and utterance
// lifecycle events a healthy remote would send, slightly delayed so the
// local utterance.requested event lands first.
type fakeChannel struct {
	queue *Queue

	autoRespond bool
	respondLag  time.Duration
	failCreates int   // initial CreateUtterance calls that fail
	connectErr  error // returned by Connect

	mu        sync.Mutex
	created   []string
	texts     []string
	cancelled []string
	appended  int
	closed    bool
}

func newFakeChannel(q *Queue, autoRespond bool) *fakeChannel {
	return &fakeChannel{queue: q, autoRespond: autoRespond, respondLag: 20 * time.Millisecond}
}

func (c *fakeChannel) Connect(ctx context.Context) error { return c.connectErr }

func (c *fakeChannel) Configure(ctx context.Context) error {
	c.queue.Post(Event{Kind: EventConfigured, Source: SourceChannel})
	return nil
}

func (c *fakeChannel) CreateUtterance(ctx context.Context, id, text string) error {
	c.mu.Lock()
	if c.failCreates > 0 {
		c.failCreates--
		c.mu.Unlock()
		return io.ErrUnexpectedEOF
	}
	c.created = append(c.created, id)
	c.texts = append(c.texts, text)
	c.mu.Unlock()

	if c.autoRespond {
		go func() {
			time.Sleep(c.respondLag)
			c.queue.Post(Event{Kind: EventBufferStarted, Source: SourceChannel, UtteranceID: id})
			time.Sleep(5 * time.Millisecond)
			c.queue.Post(Event{Kind: EventUtteranceCompleted, Source: SourceChannel, UtteranceID: id})
			time.Sleep(5 * time.Millisecond)
			c.queue.Post(Event{Kind: EventBufferStopped, Source: SourceChannel, UtteranceID: id})
		}()
	}
	return nil
}

func (c *fakeChannel) CancelUtterance(ctx context.Context, id string) error {
	c.mu.Lock()
	c.cancelled = append(c.cancelled, id)
	c.mu.Unlock()
	if c.autoRespond {
		c.queue.Post(Event{Kind: EventUtteranceCancelled, Source: SourceChannel, UtteranceID: id})
		c.queue.Post(Event{Kind: EventBufferCleared, Source: SourceChannel, UtteranceID: id})
	}
	return nil
}

func (c *fakeChannel) AppendAudio(ctx context.Context, pcm []byte) error {
	c.mu.Lock()
	c.appended++
	c.mu.Unlock()
	return nil
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.queue.Post(Event{Kind: EventChannelClosed, Source: SourceChannel})
	return nil
}

func (c *fakeChannel) createdIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.created))
	copy(out, c.created)
	return out
}

func (c *fakeChannel) spokenTexts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.texts))
	copy(out, c.texts)
	return out
}

func (c *fakeChannel) cancelledIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.cancelled))
	copy(out, c.cancelled)
	return out
}

// fakeDevice is an audio device that is always drained unless told otherwise.
type fakeDevice struct {
	mu      sync.Mutex
	muted   bool
	drained bool
	flushes int
	frames  chan []byte
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{muted: true, drained: true, frames: make(chan []byte, 8)}
}

func (d *fakeDevice) SetMuted(m bool) {
	d.mu.Lock()
	d.muted = m
	d.mu.Unlock()
}

func (d *fakeDevice) Muted() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.muted
}

func (d *fakeDevice) DrainStatus() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.drained
}

func (d *fakeDevice) setDrained(v bool) {
	d.mu.Lock()
	d.drained = v
	d.mu.Unlock()
}

func (d *fakeDevice) Flush() {
	d.mu.Lock()
	d.flushes++
	d.drained = true
	d.mu.Unlock()
}

func (d *fakeDevice) flushCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.flushes
}

func (d *fakeDevice) Frames() <-chan []byte { return d.frames }

// fakeDetector records arming without doing any signal work.
type fakeDetector struct {
	mu       sync.Mutex
	enabled  bool
	enables  int
	disables int
}

func (f *fakeDetector) Enable() {
	f.mu.Lock()
	f.enabled = true
	f.enables++
	f.mu.Unlock()
}

func (f *fakeDetector) Disable() {
	f.mu.Lock()
	f.enabled = false
	f.disables++
	f.mu.Unlock()
}

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return cond()
}
