// Package audiodev owns the local duplex audio hardware: microphone capture
// through malgo and speaker playback through oto. It exposes capture as a
// frame channel and playback as an io.Writer, with a mute gate and a drain
// probe for the session layer.
package audiodev

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ebitengine/oto/v3"
	"github.com/gen2brain/malgo"
)

var errClosed = errors.New("audiodev: device closed")

// Config selects the hardware and the PCM format. Format is fixed at
// 16-bit signed little-endian mono; only the rate varies.
type Config struct {
	SampleRate int    // e.g. 24000
	InputName  string // substring match against capture device names, empty for default
	FrameMs    int    // capture period, default 20
	DrainLag   time.Duration
	Logger     *log.Logger
}

// Device is the duplex audio endpoint. Capture frames arrive on Frames
// while unmuted; downlink agent audio goes in through Write.
type Device struct {
	logger *log.Logger

	malgoCtx *malgo.AllocatedContext
	capture  *malgo.Device

	muted   atomic.Bool
	frames  chan []byte
	dropped atomic.Int64

	out *outputBuffer

	closeOnce sync.Once
}

// Open initializes both directions. Hardware failure here is fatal for the
// session; there is no degraded audio mode.
func Open(cfg Config) (*Device, error) {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 24000
	}
	if cfg.FrameMs <= 0 {
		cfg.FrameMs = 20
	}

	d := &Device{
		logger: cfg.Logger,
		frames: make(chan []byte, 32),
	}
	// Sessions start muted; the listener unmutes when a window opens.
	d.muted.Store(true)

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{ThreadPriority: malgo.ThreadPriorityRealtime}, nil)
	if err != nil {
		return nil, fmt.Errorf("audio context: %w", err)
	}
	d.malgoCtx = mctx

	if err := d.initCapture(cfg); err != nil {
		_ = mctx.Uninit()
		mctx.Free()
		return nil, err
	}

	if err := d.initPlayback(cfg); err != nil {
		d.stopCapture()
		_ = mctx.Uninit()
		mctx.Free()
		return nil, err
	}

	return d, nil
}

func (d *Device) initCapture(cfg Config) error {
	devCfg := malgo.DefaultDeviceConfig(malgo.Capture)
	devCfg.Capture.Format = malgo.FormatS16
	devCfg.Capture.Channels = 1
	devCfg.SampleRate = uint32(cfg.SampleRate)
	devCfg.PeriodSizeInMilliseconds = uint32(cfg.FrameMs)

	if cfg.InputName != "" {
		infos, err := d.malgoCtx.Devices(malgo.Capture)
		if err != nil {
			return fmt.Errorf("list capture devices: %w", err)
		}
		found := false
		for i := range infos {
			if strings.Contains(strings.ToLower(infos[i].Name()), strings.ToLower(cfg.InputName)) {
				devCfg.Capture.DeviceID = infos[i].ID.Pointer()
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("capture device %q not found", cfg.InputName)
		}
	}

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			if d.muted.Load() {
				return
			}
			frame := make([]byte, len(input))
			copy(frame, input)
			select {
			case d.frames <- frame:
			default:
				// Consumer is behind; dropping beats blocking the
				// audio thread.
				d.dropped.Add(1)
			}
		},
	}

	dev, err := malgo.InitDevice(d.malgoCtx.Context, devCfg, callbacks)
	if err != nil {
		return fmt.Errorf("init microphone: %w", err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return fmt.Errorf("start microphone: %w", err)
	}
	d.capture = dev
	return nil
}

func (d *Device) initPlayback(cfg Config) error {
	otoCtx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   cfg.SampleRate,
		ChannelCount: 1,
		Format:       oto.FormatSignedInt16LE,
		BufferSize:   100 * time.Millisecond,
	})
	if err != nil {
		return fmt.Errorf("init speaker: %w", err)
	}
	<-ready

	d.out = newOutputBuffer(cfg.DrainLag, func(o *outputBuffer) player {
		return otoCtx.NewPlayer(o)
	})
	return nil
}

// Frames returns the capture stream. Closed when the device closes.
func (d *Device) Frames() <-chan []byte { return d.frames }

// SetMuted gates capture at the audio callback. Muted frames are dropped
// before they reach the channel, so nothing downstream sees them.
func (d *Device) SetMuted(muted bool) {
	if d.muted.Swap(muted) != muted && d.logger != nil {
		d.logger.Printf("audiodev: muted=%v (dropped=%d)", muted, d.dropped.Load())
	}
}

// Muted reports the capture gate.
func (d *Device) Muted() bool { return d.muted.Load() }

// Write queues downlink agent audio for the speaker.
func (d *Device) Write(pcm []byte) (int, error) { return d.out.Write(pcm) }

// DrainStatus reports whether queued playback has fully played out.
func (d *Device) DrainStatus() bool { return d.out.Idle() }

// Flush discards any audio still queued for the speaker.
func (d *Device) Flush() { d.out.Flush() }

// Close stops both directions and releases the hardware.
func (d *Device) Close() {
	d.closeOnce.Do(func() {
		d.stopCapture()
		close(d.frames)
		if d.out != nil {
			d.out.Close()
		}
		if d.malgoCtx != nil {
			_ = d.malgoCtx.Uninit()
			d.malgoCtx.Free()
		}
	})
}

func (d *Device) stopCapture() {
	if d.capture != nil {
		_ = d.capture.Stop()
		d.capture.Uninit()
		d.capture = nil
	}
}
