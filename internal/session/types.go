package session

import "context"

// Channel is the remote conversational streaming channel. Implemented by
// realtime.Client; faked in tests.
type Channel interface {
	// Connect dials the channel. Events read from it are posted onto the
	// session queue by the implementation.
	Connect(ctx context.Context) error

	// Configure sends the session configuration (voice, sample rate, turn
	// detection mode). The server acknowledges with a configured event.
	Configure(ctx context.Context) error

	// CreateUtterance asks the remote side to synthesize and stream speech.
	CreateUtterance(ctx context.Context, id, text string) error

	// CancelUtterance asks the remote side to stop an in-flight utterance.
	// There is no guaranteed cancel-ack.
	CancelUtterance(ctx context.Context, id string) error

	// AppendAudio streams captured microphone audio up the channel.
	AppendAudio(ctx context.Context, pcm []byte) error

	Close() error
}

// Device is the slice of the duplex audio device the session core needs.
// Playback writes happen inside the realtime client; the core only observes
// drain status and controls the capture mute window.
type Device interface {
	SetMuted(muted bool)
	Muted() bool

	// DrainStatus reports true when the output queue has fully drained,
	// meaning the last buffered bytes have left the speaker.
	DrainStatus() bool

	// Flush discards any queued output immediately (barge-in, stop).
	Flush()

	// Frames delivers captured microphone frames (S16LE mono PCM).
	Frames() <-chan []byte
}
