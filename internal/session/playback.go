package session

import (
	"context"
	"log"
	"sync"
	"time"
)

// PlaybackTracker answers one question: is agent audio still audible? It
// combines the remote buffer lifecycle (the source stopped sending) with the
// local device drain status (the last bytes actually left the speaker).
// Either signal alone lies: trusting the remote event truncates the tail of
// a prompt, trusting drain alone misses audio still in flight from the
// channel. Utterance-completion events are never consulted.
type PlaybackTracker struct {
	mu           sync.Mutex
	remoteActive bool

	device interface{ DrainStatus() bool }
	logger *log.Logger

	pollInterval time.Duration
}

func NewPlaybackTracker(device interface{ DrainStatus() bool }, logger *log.Logger) *PlaybackTracker {
	return &PlaybackTracker{
		device:       device,
		logger:       logger,
		pollInterval: 25 * time.Millisecond,
	}
}

// HandleBufferStarted records that the remote buffer began emitting audio.
// Called only from state machine actions, so duplicate or stray wire events
// never reach it.
func (t *PlaybackTracker) HandleBufferStarted() {
	t.mu.Lock()
	t.remoteActive = true
	t.mu.Unlock()
}

// HandleBufferStopped records that the remote buffer stopped.
func (t *PlaybackTracker) HandleBufferStopped() {
	t.mu.Lock()
	t.remoteActive = false
	t.mu.Unlock()
}

// HandleBufferCleared records a cleared buffer (barge-in or stop).
func (t *PlaybackTracker) HandleBufferCleared() {
	t.mu.Lock()
	t.remoteActive = false
	t.mu.Unlock()
}

// IsAgentAudioActive reports whether agent audio is still being sent or is
// still queued on the local device.
func (t *PlaybackTracker) IsAgentAudioActive() bool {
	t.mu.Lock()
	remote := t.remoteActive
	t.mu.Unlock()
	if remote {
		return true
	}
	return !t.device.DrainStatus()
}

// WaitForIdle blocks until agent audio is fully idle or the timeout elapses.
// Returns false on timeout; the caller proceeds anyway (deferred drain is
// logged, not fatal).
func (t *PlaybackTracker) WaitForIdle(ctx context.Context, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(t.pollInterval)
	defer tick.Stop()

	for {
		if !t.IsAgentAudioActive() {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			t.logger.Printf("playback: idle wait timed out after %v", timeout)
			return false
		case <-tick.C:
		}
	}
}
