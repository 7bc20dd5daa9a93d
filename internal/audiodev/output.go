package audiodev

import (
	"sync"
	"time"
)

// player is the slice of oto.Player the output buffer needs. Playback is
// pull-based: the player reads from outputBuffer.Read on its own goroutine.
type player interface {
	Play()
	Pause()
	Close() error
}

// outputBuffer queues downlink agent audio for the speaker. A player is
// created lazily on the first write and torn down on Flush, so interrupted
// audio never bleeds into the next utterance.
//
// Read never blocks and never returns 0 bytes: when the queue is empty it
// hands the player silence. The player's own mutex is held across source
// reads, so blocking here or poking the player from Idle would deadlock.
// Drain is instead estimated from the time the last real byte was pulled.
type outputBuffer struct {
	mu       sync.Mutex
	buf      []byte
	playing  bool
	closed   bool
	active   player
	lastData time.Time

	// drainLag covers the player's internal buffer after the last real
	// byte leaves the queue. Must exceed the oto buffer duration.
	drainLag  time.Duration
	newPlayer func(*outputBuffer) player
	now       func() time.Time
}

func newOutputBuffer(drainLag time.Duration, newPlayer func(*outputBuffer) player) *outputBuffer {
	if drainLag <= 0 {
		drainLag = 200 * time.Millisecond
	}
	return &outputBuffer{
		drainLag:  drainLag,
		newPlayer: newPlayer,
		now:       time.Now,
	}
}

func (o *outputBuffer) Write(data []byte) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return 0, errClosed
	}

	o.buf = append(o.buf, data...)
	o.lastData = o.now()
	if !o.playing {
		o.playing = true
		o.active = o.newPlayer(o)
		o.active.Play()
	}
	return len(data), nil
}

// Read feeds the player, silence when nothing is queued.
func (o *outputBuffer) Read(p []byte) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if len(o.buf) == 0 {
		for i := range p {
			p[i] = 0
		}
		return len(p), nil
	}

	n := copy(p, o.buf)
	o.buf = o.buf[n:]
	o.lastData = o.now()
	if n < len(p) {
		for i := n; i < len(p); i++ {
			p[i] = 0
		}
		n = len(p)
	}
	return n, nil
}

// Idle reports whether the queue is empty and the player has had time to
// play out whatever it already pulled.
func (o *outputBuffer) Idle() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.buf) > 0 {
		return false
	}
	if !o.playing || o.lastData.IsZero() {
		return true
	}
	return o.now().Sub(o.lastData) >= o.drainLag
}

// Flush discards queued audio and tears down the player so stale audio
// stops immediately. The next write starts a fresh player.
func (o *outputBuffer) Flush() {
	o.mu.Lock()
	o.buf = o.buf[:0]
	o.lastData = time.Time{}
	active := o.active
	o.active = nil
	o.playing = false
	o.mu.Unlock()

	if active != nil {
		active.Pause()
		_ = active.Close()
	}
}

func (o *outputBuffer) Close() {
	o.mu.Lock()
	o.closed = true
	o.buf = nil
	active := o.active
	o.active = nil
	o.playing = false
	o.mu.Unlock()

	if active != nil {
		_ = active.Close()
	}
}
