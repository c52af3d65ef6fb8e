package call

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// DetectorMode selects how raw detections are surfaced.
type DetectorMode int

const (
	// DirectMode forwards every detection. Used while waiting for the
	// user to start a turn.
	DirectMode DetectorMode = iota
	// KeywordMode only surfaces a detection after a short transcription
	// of the surrounding audio contains an interrupt word. Used while
	// the assistant is speaking, when the microphone hears both sides.
	KeywordMode
)

// SpeechEventKind classifies detector output.
type SpeechEventKind int

const (
	// SpeechStart means the user began speaking (verified, in keyword
	// mode).
	SpeechStart SpeechEventKind = iota
	// SpeechEnd means the user stopped speaking. Only emitted in
	// direct mode.
	SpeechEnd
	// DetectorStatus carries backend progress ("loading model", ...).
	DetectorStatus
)

// SpeechEvent is one detector output.
type SpeechEvent struct {
	Kind       SpeechEventKind
	Transcript string // keyword mode: the text that confirmed the start
	Status     string
}

// vadBackend is one detection strategy. Backends own their Source,
// report raw transitions through the callbacks they were built with,
// and stop when their context is cancelled or Stop is called.
type vadBackend interface {
	Start(ctx context.Context) error
	Stop() error
	Name() string
}

// backendOpts wires a backend to its detector.
type backendOpts struct {
	cfg    VADConfig
	audio  AudioConfig
	source Source
	// onFrame sees every captured frame, before analysis.
	onFrame func([]byte)
	// onSpeech reports raw speaking-state transitions.
	onSpeech func(speaking bool)
	// onStatus reports backend progress.
	onStatus func(string)
}

// ErrDetectorRunning reports a Start on an already running detector.
var ErrDetectorRunning = errors.New("detector already running")

// Detector wraps one detection backend and applies mode handling, the
// startup ignore window, and keyword verification. A single Events
// channel spans restarts, so one consumer goroutine can drain it for
// the life of a call.
type Detector struct {
	cfg    VADConfig
	kw     KeywordConfig
	audio  AudioConfig
	srcs   SourceFactory
	verify Transcriber

	mu        sync.Mutex
	running   bool
	mode      DetectorMode
	backend   vadBackend
	runCtx    context.Context
	runCancel context.CancelFunc
	startedAt time.Time

	ring      *RingBuffer
	events    chan SpeechEvent
	speaking  atomic.Bool
	verifying atomic.Bool
}

// NewDetector creates a detector. verify may be nil, in which case
// keyword mode forwards raw detections unverified.
func NewDetector(cfg VADConfig, kw KeywordConfig, audio AudioConfig, srcs SourceFactory, verify Transcriber) *Detector {
	return &Detector{
		cfg:    cfg,
		kw:     kw,
		audio:  audio,
		srcs:   srcs,
		verify: verify,
		ring:   NewRingBuffer(audio.BytesFor(kw.PreRoll + kw.PostRoll)),
		events: make(chan SpeechEvent, 16),
	}
}

// Events delivers detector output. Buffered; events are dropped if the
// consumer falls behind.
func (d *Detector) Events() <-chan SpeechEvent { return d.events }

// Speaking reports the backend's raw speaking state.
func (d *Detector) Speaking() bool { return d.speaking.Load() }

// Start arms the detector in the given mode, opening its own
// microphone stream.
func (d *Detector) Start(ctx context.Context, mode DetectorMode) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return ErrDetectorRunning
	}
	source, err := d.srcs()
	if err != nil {
		return fmt.Errorf("open audio source: %w", err)
	}
	runCtx, cancel := context.WithCancel(ctx)
	backend := newVADBackend(backendOpts{
		cfg:      d.cfg,
		audio:    d.audio,
		source:   source,
		onFrame:  d.handleFrame,
		onSpeech: d.handleSpeech,
		onStatus: d.handleStatus,
	})
	d.ring.Reset()
	d.speaking.Store(false)
	d.mode = mode
	d.startedAt = time.Now()
	if err := backend.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("start %s backend: %w", backend.Name(), err)
	}
	d.backend = backend
	d.runCtx = runCtx
	d.runCancel = cancel
	d.running = true
	return nil
}

// Stop disarms the detector, releasing its microphone stream and
// cancelling any in-flight keyword verification.
func (d *Detector) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopLocked()
}

func (d *Detector) stopLocked() {
	if !d.running {
		return
	}
	d.runCancel()
	d.backend.Stop()
	d.backend = nil
	d.running = false
}

// SetBackend switches the detection strategy. If the detector is
// running it restarts in place, dropping any pending verification.
func (d *Detector) SetBackend(ctx context.Context, b VADBackend) error {
	d.mu.Lock()
	wasRunning := d.running
	mode := d.mode
	d.stopLocked()
	d.cfg.Backend = b
	d.mu.Unlock()
	if !wasRunning {
		return nil
	}
	return d.Start(ctx, mode)
}

func (d *Detector) handleFrame(frame []byte) {
	d.mu.Lock()
	keyword := d.mode == KeywordMode
	d.mu.Unlock()
	if keyword {
		d.ring.Write(frame)
	}
}

func (d *Detector) handleStatus(status string) {
	d.emit(SpeechEvent{Kind: DetectorStatus, Status: status})
}

func (d *Detector) handleSpeech(speaking bool) {
	d.speaking.Store(speaking)

	d.mu.Lock()
	inWindow := time.Since(d.startedAt) < d.cfg.IgnoreWindow
	mode := d.mode
	runCtx := d.runCtx
	d.mu.Unlock()
	if inWindow {
		return
	}

	switch mode {
	case DirectMode:
		if speaking {
			d.emit(SpeechEvent{Kind: SpeechStart})
		} else {
			d.emit(SpeechEvent{Kind: SpeechEnd})
		}
	case KeywordMode:
		if !speaking {
			return
		}
		if d.verify == nil {
			d.emit(SpeechEvent{Kind: SpeechStart})
			return
		}
		if !d.verifying.CompareAndSwap(false, true) {
			return
		}
		go d.verifySpeech(runCtx)
	}
}

// verifySpeech waits for the post-roll to accumulate, transcribes the
// ring contents, and promotes the detection only on an interrupt-word
// match. Cancelling runCtx (Stop, backend switch, call end) abandons
// the attempt.
func (d *Detector) verifySpeech(ctx context.Context) {
	defer d.verifying.Store(false)

	d.emit(SpeechEvent{Kind: DetectorStatus, Status: "verifying"})
	select {
	case <-time.After(d.kw.PostRoll):
	case <-ctx.Done():
		return
	}

	clip := d.ring.Read()
	if len(clip) == 0 {
		return
	}
	wav := EncodeWAV(clip, d.audio.SampleRate, d.audio.Channels)

	tctx, cancel := context.WithTimeout(ctx, d.kw.Timeout)
	defer cancel()
	text, err := d.verify.Transcribe(tctx, wav, "interrupt.wav")
	if err != nil || ctx.Err() != nil {
		return
	}
	if matchInterrupt(text, d.kw.Words) {
		d.emit(SpeechEvent{Kind: SpeechStart, Transcript: text})
	}
}

func (d *Detector) emit(ev SpeechEvent) {
	select {
	case d.events <- ev:
	default:
	}
}

// matchInterrupt reports whether the transcript contains any of the
// interrupt words, ignoring case and spaces.
func matchInterrupt(transcript string, words []string) bool {
	t := strings.ReplaceAll(strings.ToLower(transcript), " ", "")
	if t == "" {
		return false
	}
	for _, w := range words {
		w = strings.ReplaceAll(strings.ToLower(w), " ", "")
		if w != "" && strings.Contains(t, w) {
			return true
		}
	}
	return false
}

// newVADBackend builds the backend selected by cfg.Backend. Unknown
// values fall back to the amplitude backend so detection always works.
func newVADBackend(opts backendOpts) vadBackend {
	switch opts.cfg.Backend {
	case VADSileroClient, VADSileroServer:
		return newSocketVAD(opts)
	case VADSpectral:
		return newSpectralVAD(opts)
	default:
		return newEnergyVAD(opts)
	}
}
