package session

import (
	"encoding/binary"
	"log"
	"math"
	"sync"
)

// DetectorConfig tunes the energy-gate speech-boundary detector.
type DetectorConfig struct {
	// SampleRate of incoming PCM frames (Hz).
	SampleRate int

	// StartFactor is how far above the noise floor the frame RMS must rise
	// to count toward a speech onset.
	StartFactor float64

	// MinFloor is the lowest RMS the noise floor may adapt down to, so a
	// dead-silent room does not make the gate hair-triggered.
	MinFloor float64

	// OnsetFrames is how many consecutive loud frames open a boundary.
	// Filters clicks and chair squeaks.
	OnsetFrames int

	// HangoverFrames is how many consecutive quiet frames close a boundary.
	// Bridges the short pauses inside a sentence.
	HangoverFrames int

	// FloorAlpha is the EMA coefficient for noise-floor adaptation while
	// not in speech (0 < alpha <= 1; smaller adapts slower).
	FloorAlpha float64
}

func (c DetectorConfig) withDefaults() DetectorConfig {
	if c.SampleRate <= 0 {
		c.SampleRate = 24000
	}
	if c.StartFactor <= 0 {
		c.StartFactor = 2.5
	}
	if c.MinFloor <= 0 {
		c.MinFloor = 120 // RMS in int16 units, roughly -49 dBFS
	}
	if c.OnsetFrames <= 0 {
		c.OnsetFrames = 3
	}
	if c.HangoverFrames <= 0 {
		c.HangoverFrames = 25 // ~500ms at 20ms frames
	}
	if c.FloorAlpha <= 0 || c.FloorAlpha > 1 {
		c.FloorAlpha = 0.05
	}
	return c
}

// Detector is the on-device speech-boundary detector: an adaptive energy
// gate over 20 ms capture frames. It posts speech.started / speech.stopped
// events tagged SourceLocal; whether those are authoritative is the
// machine's decision, not the detector's.
//
// Without acoustic echo cancellation a speaker playing agent audio into an
// open microphone will trip this gate. The capture mute window prevents
// that in the normal flow; running unmuted while agent audio plays is a
// hardware-dependent risk that is logged, not hidden.
type Detector struct {
	cfg    DetectorConfig
	queue  *Queue
	logger *log.Logger

	mu         sync.Mutex
	enabled    bool
	inSpeech   bool
	onsetRun   int
	quietRun   int
	noiseFloor float64
	frames     uint64
	lastRMS    float64
}

func NewDetector(cfg DetectorConfig, queue *Queue, logger *log.Logger) *Detector {
	cfg = cfg.withDefaults()
	return &Detector{
		cfg:        cfg,
		queue:      queue,
		logger:     logger,
		noiseFloor: cfg.MinFloor,
	}
}

// Enable arms the detector for a fresh listening window. Edge state resets
// so a boundary still in progress from a previous window re-triggers
// cleanly instead of being half-remembered.
func (d *Detector) Enable() {
	d.mu.Lock()
	d.enabled = true
	d.inSpeech = false
	d.onsetRun = 0
	d.quietRun = 0
	d.mu.Unlock()
}

// Disable stops boundary emission. A boundary left open is closed so the
// started/stopped pairing stays balanced.
func (d *Detector) Disable() {
	d.mu.Lock()
	wasSpeaking := d.inSpeech
	d.enabled = false
	d.inSpeech = false
	d.mu.Unlock()

	if wasSpeaking {
		d.queue.Post(Event{Kind: EventSpeechStopped, Source: SourceLocal})
	}
}

// Enabled reports whether the detector is armed.
func (d *Detector) Enabled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.enabled
}

// ProcessFrame consumes one S16LE mono PCM frame from the capture device.
// Called from the capture pump goroutine; boundary decisions surface as
// events on the queue, never as direct calls into session logic.
func (d *Detector) ProcessFrame(pcm []byte) {
	rms := frameRMS(pcm)

	d.mu.Lock()
	if !d.enabled {
		// Keep the floor tracking ambient noise even while disarmed, so
		// the first window of the session starts calibrated.
		d.adaptFloorLocked(rms)
		d.mu.Unlock()
		return
	}

	d.frames++
	d.lastRMS = rms
	threshold := d.noiseFloor * d.cfg.StartFactor

	var post EventKind
	if !d.inSpeech {
		d.adaptFloorLocked(rms)
		if rms >= threshold {
			d.onsetRun++
			if d.onsetRun >= d.cfg.OnsetFrames {
				d.inSpeech = true
				d.onsetRun = 0
				d.quietRun = 0
				post = EventSpeechStarted
			}
		} else {
			d.onsetRun = 0
		}
	} else {
		if rms < threshold {
			d.quietRun++
			if d.quietRun >= d.cfg.HangoverFrames {
				d.inSpeech = false
				d.quietRun = 0
				post = EventSpeechStopped
			}
		} else {
			d.quietRun = 0
		}
	}
	floor := d.noiseFloor
	d.mu.Unlock()

	if post != "" {
		d.logger.Printf("vad: %s (rms=%.0f %.1fdBFS floor=%.0f)", post, rms, dbfs(rms), floor)
		d.queue.Post(Event{Kind: post, Source: SourceLocal})
	}
}

// adaptFloorLocked updates the ambient noise estimate. Only quiet frames
// move it, so the participant's own voice never inflates the floor.
func (d *Detector) adaptFloorLocked(rms float64) {
	if rms >= d.noiseFloor*d.cfg.StartFactor {
		return
	}
	d.noiseFloor = (1-d.cfg.FloorAlpha)*d.noiseFloor + d.cfg.FloorAlpha*rms
	if d.noiseFloor < d.cfg.MinFloor {
		d.noiseFloor = d.cfg.MinFloor
	}
}

// InSpeech reports whether a boundary is currently open.
func (d *Detector) InSpeech() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inSpeech
}

// Level returns the last frame RMS and the current noise floor, for
// diagnostics.
func (d *Detector) Level() (rms, floor float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastRMS, d.noiseFloor
}

// frameRMS computes the root-mean-square amplitude of an S16LE frame.
func frameRMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := int16(binary.LittleEndian.Uint16(pcm[2*i:]))
		f := float64(s)
		sum += f * f
	}
	return math.Sqrt(sum / float64(n))
}

// dbfs converts an RMS amplitude in int16 units to decibels relative to
// full scale. Used only for log readability.
func dbfs(rms float64) float64 {
	if rms <= 0 {
		return -120
	}
	return 20 * math.Log10(rms/32768.0)
}
