package call

import (
	"bytes"
	"context"
	"errors"
	"sync/atomic"
	"time"
)

// Recorder captures one user turn from the microphone and watches for
// the end of it. End-of-turn detection is two-phase: nothing arms until
// the user has actually produced an above-threshold frame, and after
// that the turn ends once the level stays below the threshold for the
// configured duration without interruption. Silence is measured in
// audio time, not wall time.
//
// A Recorder records exactly one turn; create a new one per turn.
type Recorder struct {
	cfg   RecorderConfig
	audio AudioConfig

	source  Source
	pcm     bytes.Buffer
	silence chan struct{}
	levels  chan int
	done    chan struct{}

	started atomic.Bool
	stopped atomic.Bool

	hasSpoken bool
	silentFor time.Duration
	total     time.Duration
	notified  bool
}

// ErrRecorderDone reports use of a recorder that already finished.
var ErrRecorderDone = errors.New("recorder already stopped")

// NewRecorder creates a single-turn recorder reading from source.
func NewRecorder(cfg RecorderConfig, audio AudioConfig, source Source) *Recorder {
	return &Recorder{
		cfg:     cfg,
		audio:   audio,
		source:  source,
		silence: make(chan struct{}, 1),
		levels:  make(chan int, 16),
		done:    make(chan struct{}),
	}
}

// Silence delivers at most one signal, when sustained silence (or the
// turn duration cap) ends the turn.
func (r *Recorder) Silence() <-chan struct{} { return r.silence }

// Levels reports the microphone level per frame on a 0-255 scale.
// Values are dropped if the reader falls behind.
func (r *Recorder) Levels() <-chan int { return r.levels }

// Start begins capturing audio.
func (r *Recorder) Start(ctx context.Context) error {
	if !r.started.CompareAndSwap(false, true) {
		return errors.New("recorder already started")
	}
	frames, err := r.source.Start(ctx)
	if err != nil {
		close(r.done)
		r.stopped.Store(true)
		return err
	}
	go r.run(frames)
	return nil
}

func (r *Recorder) run(frames <-chan []byte) {
	defer close(r.done)
	for frame := range frames {
		r.pcm.Write(frame)
		lvl := Level(frame)
		select {
		case r.levels <- lvl:
		default:
		}
		r.observe(lvl, r.audio.DurationOf(len(frame)))
	}
}

func (r *Recorder) observe(lvl int, frameDur time.Duration) {
	r.total += frameDur
	if !r.hasSpoken {
		if lvl > r.cfg.SilenceThreshold {
			r.hasSpoken = true
			r.silentFor = 0
		}
	} else if lvl <= r.cfg.SilenceThreshold {
		r.silentFor += frameDur
		if r.silentFor >= r.cfg.SilenceDuration {
			r.notify()
		}
	} else {
		r.silentFor = 0
	}
	if r.cfg.MaxDuration > 0 && r.total >= r.cfg.MaxDuration {
		r.notify()
	}
}

func (r *Recorder) notify() {
	if r.notified {
		return
	}
	r.notified = true
	select {
	case r.silence <- struct{}{}:
	default:
	}
}

// Stop ends capture and returns the turn as a WAV blob.
func (r *Recorder) Stop() ([]byte, error) {
	if !r.started.Load() || !r.stopped.CompareAndSwap(false, true) {
		return nil, ErrRecorderDone
	}
	r.source.Stop()
	<-r.done
	return EncodeWAV(r.pcm.Bytes(), r.audio.SampleRate, r.audio.Channels), nil
}

// Discard ends capture and drops the audio.
func (r *Recorder) Discard() {
	if !r.started.Load() || !r.stopped.CompareAndSwap(false, true) {
		return
	}
	r.source.Stop()
	<-r.done
	r.pcm.Reset()
}

// Duration returns how much audio has been captured so far. Valid only
// after Stop or Discard.
func (r *Recorder) Duration() time.Duration { return r.total }
