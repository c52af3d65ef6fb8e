package call

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/voxkit-go/voxkit/pkg/chat"
)

// Deps are the external services a Machine drives. SourceFactory, Sink,
// Transcriber, Chat, and Synthesize are required.
type Deps struct {
	Sources     SourceFactory
	Sink        Sink
	Transcriber Transcriber
	Chat        ChatClient
	Synthesize  SynthesizeFunc
	// Observer is optional.
	Observer Observer
}

var (
	// ErrCallActive reports Start on a machine with a call in progress.
	ErrCallActive = errors.New("call already active")
	// ErrNoCall reports End with no call in progress.
	ErrNoCall = errors.New("no call active")
)

// Machine runs one voice conversation at a time: listen, record,
// transcribe, stream a reply, speak it, and handle interruptions.
//
// Events are dispatched synchronously. A guard drops any event that
// arrives while another is mid-transition, except EvEndCall, which
// always proceeds. Long-running work (transcription, the reply stream)
// runs in goroutines stamped with a turn counter; a stamp that no
// longer matches means the turn was interrupted or the call ended, and
// the goroutine abandons its result.
type Machine struct {
	cfg  Config
	deps Deps
	obs  Observer

	events chan Event

	active atomic.Bool
	busy   atomic.Bool
	// cancel lives outside mu so endCall can abort the call context
	// while a transition still holds the lock
	cancel atomic.Pointer[context.CancelFunc]

	mu         sync.Mutex
	state      State
	turn       int
	callID     string
	ctx        context.Context
	detector   *Detector
	recorder   *Recorder
	player     *Player
	history    []chat.Message
	chatCancel context.CancelFunc
	llmDone    bool
	turnStart  time.Time
	graceTimer *time.Timer
}

// NewMachine creates a machine. It holds no resources until Start.
func NewMachine(cfg Config, deps Deps) (*Machine, error) {
	switch {
	case deps.Sources == nil:
		return nil, errors.New("call: no audio source factory")
	case deps.Sink == nil:
		return nil, errors.New("call: no audio sink")
	case deps.Transcriber == nil:
		return nil, errors.New("call: no transcriber")
	case deps.Chat == nil:
		return nil, errors.New("call: no chat client")
	case deps.Synthesize == nil:
		return nil, errors.New("call: no synthesizer")
	}
	if len(cfg.Keyword.Words) == 0 {
		if cfg.AssistantName != "" {
			cfg.Keyword.Words = append(cfg.Keyword.Words, cfg.AssistantName)
		}
		cfg.Keyword.Words = append(cfg.Keyword.Words, cfg.Aliases...)
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = DefaultConfig().EventBuffer
	}
	obs := deps.Observer
	if obs == nil {
		obs = nopObserver{}
	}
	return &Machine{
		cfg:    cfg,
		deps:   deps,
		obs:    obs,
		events: make(chan Event, cfg.EventBuffer),
		state:  StateIdle,
	}, nil
}

// Events delivers observer events. Buffered; events are dropped if the
// consumer falls behind.
func (m *Machine) Events() <-chan Event { return m.events }

// State returns the current call state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// CallID returns the id of the active (or most recent) call.
func (m *Machine) CallID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callID
}

// Start begins a call. ctx bounds its lifetime; cancelling it ends the
// call as if End had been called.
func (m *Machine) Start(ctx context.Context) error {
	if !m.active.CompareAndSwap(false, true) {
		return ErrCallActive
	}
	callCtx, cancel := context.WithCancel(ctx)
	m.cancel.Store(&cancel)

	m.mu.Lock()
	m.ctx = callCtx
	m.callID = uuid.NewString()
	m.turn++
	m.history = nil
	m.llmDone = false
	m.player = NewPlayer(callCtx, m.deps.Sink, m.deps.Synthesize)
	m.detector = NewDetector(m.cfg.VAD, m.cfg.Keyword, m.cfg.Audio, m.deps.Sources, m.deps.Transcriber)
	callID := m.callID
	m.mu.Unlock()

	go m.pumpPlayer(callCtx, m.player)
	go m.pumpDetector(callCtx, m.detector)
	go func() {
		<-callCtx.Done()
		m.endCall("context cancelled")
	}()

	m.emit(CallStartedEvent{CallID: callID})
	m.Dispatch(CallEvent{Kind: EvStartCall})
	return nil
}

// End terminates the call from any state, releasing the microphone and
// stopping playback. It is the one operation never dropped by the
// dispatch guard.
func (m *Machine) End() error {
	if !m.active.Load() {
		return ErrNoCall
	}
	m.endCall("requested")
	return nil
}

// Interrupt forces a barge-in, as if the detector had verified one.
func (m *Machine) Interrupt() {
	m.Dispatch(CallEvent{Kind: EvInterrupted})
}

// Dispatch feeds one event into the machine. Events other than
// EvEndCall that arrive while a transition is in progress are dropped.
func (m *Machine) Dispatch(ev CallEvent) {
	if ev.Kind == EvEndCall {
		m.endCall("requested")
		return
	}
	if !m.active.Load() {
		return
	}
	if !m.busy.CompareAndSwap(false, true) {
		m.obs.EventDropped(ev.Kind)
		m.emit(EventDroppedEvent{Kind: ev.Kind, State: m.State()})
		return
	}
	defer m.busy.Store(false)
	m.handle(ev)
}

func (m *Machine) handle(ev CallEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.active.Load() {
		return
	}
	switch ev.Kind {
	case EvStartCall:
		if m.state == StateIdle {
			m.enterListeningLocked()
		}
	case EvVoiceDetected:
		// skip detections that are just our own playback
		if m.state == StateListening && !m.player.Playing() {
			m.beginRecordingLocked(false)
		}
	case EvSilenceDetected:
		if m.state == StateRecording {
			m.finishRecordingLocked()
		}
	case EvAsrComplete:
		if m.state == StateProcessing {
			m.emit(TranscriptEvent{Text: ev.Text})
		}
	case EvAsrEmpty:
		if m.state == StateProcessing {
			m.setStatusLocked("didn't catch that")
			m.enterListeningLocked()
		}
	case EvLlmComplete:
		if m.state == StateProcessing || m.state == StateSpeaking {
			m.llmDone = true
			if !m.player.Pending() && !m.player.Playing() {
				m.enterListeningLocked()
			}
		}
	case EvTtsStarted:
		if m.state == StateProcessing {
			m.obs.TurnLatency(time.Since(m.turnStart))
			m.setStateLocked(StateSpeaking)
			m.setStatusLocked("speaking")
			if err := m.detector.Start(m.ctx, KeywordMode); err != nil {
				// no barge-in this turn, the call still works
				m.emit(ErrorEvent{Code: "vad_start", Message: err.Error()})
			}
		}
	case EvTtsEnded:
		// Processing is reachable here if EvTtsStarted was dropped by
		// the guard; a finished reply still returns to listening
		if (m.state == StateSpeaking || m.state == StateProcessing) && m.llmDone {
			m.enterListeningLocked()
		}
	case EvInterrupted:
		if m.state == StateSpeaking {
			m.interruptLocked(ev.Text)
		}
	}
}

// enterListeningLocked arms the detector for the next turn. If it fails
// to start, recording begins unconditionally so the conversation never
// stalls on a broken detector.
func (m *Machine) enterListeningLocked() {
	m.llmDone = false
	m.detector.Stop()
	m.setStateLocked(StateListening)
	m.setStatusLocked("listening")
	if err := m.detector.Start(m.ctx, DirectMode); err != nil {
		m.emit(ErrorEvent{Code: "vad_start", Message: err.Error()})
		m.beginRecordingLocked(true)
	}
}

// beginRecordingLocked releases the detector's stream and starts the
// recorder. fallback marks the no-detector path; if the recorder fails
// there too, the call ends rather than looping between broken states.
func (m *Machine) beginRecordingLocked(fallback bool) {
	m.detector.Stop()
	m.setStateLocked(StateRecording)
	m.setStatusLocked("recording")
	if err := m.startRecorderLocked(); err != nil {
		m.emit(ErrorEvent{Code: "recorder_start", Message: err.Error()})
		if fallback {
			go m.endCall("audio unavailable")
			return
		}
		m.enterListeningLocked()
	}
}

func (m *Machine) startRecorderLocked() error {
	source, err := m.deps.Sources()
	if err != nil {
		return fmt.Errorf("open audio source: %w", err)
	}
	rec := NewRecorder(m.cfg.Recorder, m.cfg.Audio, source)
	if err := rec.Start(m.ctx); err != nil {
		return err
	}
	m.recorder = rec
	go m.pumpRecorder(m.ctx, rec, m.turn)
	return nil
}

func (m *Machine) finishRecordingLocked() {
	wav, err := m.recorder.Stop()
	m.recorder = nil
	if err != nil {
		m.emit(ErrorEvent{Code: "recorder_stop", Message: err.Error()})
		m.enterListeningLocked()
		return
	}
	m.setStateLocked(StateProcessing)
	m.setStatusLocked("thinking")
	m.llmDone = false
	m.turnStart = time.Now()
	go m.processTurn(m.turn, wav)
}

// interruptLocked handles a verified barge-in: stop playback, abort the
// reply stream exactly once, and begin recording after the grace delay
// so the tail of our own audio decays out of the microphone.
func (m *Machine) interruptLocked(transcript string) {
	m.obs.BargeIn()
	m.emit(BargeInEvent{Transcript: transcript})
	m.player.Stop()
	if m.chatCancel != nil {
		m.chatCancel()
		m.chatCancel = nil
	}
	m.turn++
	m.llmDone = false
	m.detector.Stop()
	m.setStateLocked(StateRecording)
	m.setStatusLocked("go ahead")

	t := m.turn
	m.graceTimer = time.AfterFunc(m.cfg.GraceDelay, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.turn != t || m.state != StateRecording || !m.active.Load() {
			return
		}
		if err := m.startRecorderLocked(); err != nil {
			m.emit(ErrorEvent{Code: "recorder_start", Message: err.Error()})
			m.enterListeningLocked()
		}
	})
}

// processTurn runs transcription and the reply stream for one turn.
func (m *Machine) processTurn(t int, wav []byte) {
	ctx := m.callContext()
	if ctx == nil {
		return
	}
	text, err := m.deps.Transcriber.Transcribe(ctx, wav, "turn.wav")
	if m.staleTurn(t) {
		return
	}
	if err != nil {
		m.emit(ErrorEvent{Code: "asr", Message: err.Error()})
		m.Dispatch(CallEvent{Kind: EvAsrEmpty})
		return
	}
	text = strings.TrimSpace(text)
	if text == "" {
		m.Dispatch(CallEvent{Kind: EvAsrEmpty})
		return
	}
	m.Dispatch(CallEvent{Kind: EvAsrComplete, Text: text})

	m.mu.Lock()
	if m.turn != t {
		m.mu.Unlock()
		return
	}
	history := append([]chat.Message(nil), m.history...)
	m.history = append(m.history, chat.Message{Role: "user", Content: text})
	chatCtx, cancel := context.WithCancel(ctx)
	m.chatCancel = cancel
	m.mu.Unlock()

	frames, err := m.deps.Chat.Stream(chatCtx, &chat.Request{
		Message:       text,
		History:       history,
		AssistantName: m.cfg.AssistantName,
	})
	if err != nil {
		cancel()
		if !m.staleTurn(t) {
			m.emit(ErrorEvent{Code: "chat", Message: err.Error()})
			// record the fact first, as on the success path, so a
			// dropped dispatch cannot strand the turn in processing
			m.mu.Lock()
			if m.turn == t {
				m.llmDone = true
			}
			m.mu.Unlock()
			m.Dispatch(CallEvent{Kind: EvLlmComplete})
		}
		return
	}

	seg := NewSegmenter(m.cfg.Segmenter)
	var reply strings.Builder
	for frame := range frames {
		if m.staleTurn(t) {
			cancel()
			return
		}
		switch frame.Type {
		case chat.FrameToken:
			reply.WriteString(frame.Content)
			m.emit(AssistantDeltaEvent{Text: frame.Content})
			for _, sentence := range seg.Push(frame.Content) {
				m.speak(t, sentence)
			}
		case chat.FrameSkillStart:
			m.emit(SkillStartEvent{Name: frame.Name, Input: frame.Input})
		case chat.FrameSkillEnd:
			m.emit(SkillEndEvent{Name: frame.Name, Output: frame.Output})
		case chat.FrameMusic:
			m.emit(MusicEvent{Action: frame.Action, Song: frame.Song})
		case chat.FrameError:
			m.emit(ErrorEvent{Code: "chat", Message: frame.Message})
		}
	}
	cancel()
	if m.staleTurn(t) {
		return
	}
	if rest := seg.Flush(); rest != "" {
		m.speak(t, rest)
	}
	if reply.Len() > 0 {
		full := reply.String()
		m.mu.Lock()
		if m.turn == t {
			m.history = append(m.history, chat.Message{Role: "assistant", Content: full})
		}
		m.mu.Unlock()
		m.emit(AssistantDoneEvent{Text: full})
	}
	// record the fact before dispatching: if the transition event is
	// dropped by the guard, the eventual EvTtsEnded still sees it
	m.mu.Lock()
	if m.turn == t {
		m.llmDone = true
	}
	m.mu.Unlock()
	m.Dispatch(CallEvent{Kind: EvLlmComplete})
}

func (m *Machine) speak(t int, sentence string) {
	m.mu.Lock()
	stale := m.turn != t
	player := m.player
	m.mu.Unlock()
	if stale || player == nil {
		return
	}
	player.Speak(sentence)
	m.obs.SentenceQueued()
}

func (m *Machine) pumpDetector(ctx context.Context, d *Detector) {
	for {
		select {
		case ev := <-d.Events():
			switch ev.Kind {
			case SpeechStart:
				switch m.State() {
				case StateListening:
					m.Dispatch(CallEvent{Kind: EvVoiceDetected})
				case StateSpeaking:
					m.Dispatch(CallEvent{Kind: EvInterrupted, Text: ev.Transcript})
				}
			case DetectorStatus:
				m.emit(StatusEvent{Status: ev.Status})
			}
		case <-ctx.Done():
			return
		}
	}
}

func (m *Machine) pumpRecorder(ctx context.Context, rec *Recorder, t int) {
	for {
		select {
		case <-rec.Silence():
			if !m.staleTurn(t) {
				m.Dispatch(CallEvent{Kind: EvSilenceDetected})
			}
			return
		case lvl := <-rec.Levels():
			m.emit(LevelEvent{Level: lvl})
		case <-ctx.Done():
			return
		}
	}
}

func (m *Machine) pumpPlayer(ctx context.Context, p *Player) {
	for {
		select {
		case note := <-p.Notes():
			switch note.Kind {
			case PlaybackStarted:
				m.Dispatch(CallEvent{Kind: EvTtsStarted})
			case PlaybackEnded:
				m.Dispatch(CallEvent{Kind: EvTtsEnded})
			case PlaybackError:
				m.emit(ErrorEvent{Code: "tts", Message: note.Err.Error()})
			}
		case <-ctx.Done():
			return
		}
	}
}

// endCall tears everything down. Unlike other events it never defers to
// the dispatch guard: cancelling the call context first unblocks any
// transition in flight, then cleanup proceeds under the lock.
func (m *Machine) endCall(reason string) {
	if !m.active.CompareAndSwap(true, false) {
		return
	}
	// a transition stalled on backend I/O holds mu until its context
	// aborts it, so the cancel must not wait for the lock
	if cancel := m.cancel.Load(); cancel != nil {
		(*cancel)()
	}

	m.mu.Lock()
	if m.graceTimer != nil {
		m.graceTimer.Stop()
		m.graceTimer = nil
	}
	if m.chatCancel != nil {
		m.chatCancel()
		m.chatCancel = nil
	}
	if m.recorder != nil {
		m.recorder.Discard()
		m.recorder = nil
	}
	if m.player != nil {
		m.player.Stop()
	}
	if m.detector != nil {
		m.detector.Stop()
	}
	m.turn++
	from := m.state
	m.state = StateIdle
	callID := m.callID
	m.mu.Unlock()

	if from != StateIdle {
		m.obs.StateChanged(from, StateIdle)
		m.emit(StateChangedEvent{From: from, To: StateIdle})
	}
	m.emit(CallEndedEvent{CallID: callID, Reason: reason})
}

func (m *Machine) callContext() context.Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ctx
}

func (m *Machine) staleTurn(t int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.turn != t || m.state == StateIdle
}

func (m *Machine) setStateLocked(s State) {
	if s == m.state {
		return
	}
	from := m.state
	m.state = s
	m.obs.StateChanged(from, s)
	m.emit(StateChangedEvent{From: from, To: s})
}

func (m *Machine) setStatusLocked(status string) {
	m.emit(StatusEvent{Status: status})
}

func (m *Machine) emit(ev Event) {
	select {
	case m.events <- ev:
	default:
	}
}
