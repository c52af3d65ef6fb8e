package call

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/voxkit-go/voxkit/pkg/chat"
)

func testCallConfig() Config {
	cfg := DefaultConfig()
	cfg.VAD = testVADConfig()
	cfg.Recorder = testRecorderConfig()
	cfg.Keyword.PostRoll = 5 * time.Millisecond
	cfg.GraceDelay = 30 * time.Millisecond
	cfg.AssistantName = "小安"
	return cfg
}

// eventLog drains machine events for later inspection.
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func watchMachine(ctx context.Context, m *Machine) *eventLog {
	l := &eventLog{}
	go func() {
		for {
			select {
			case ev := <-m.Events():
				l.mu.Lock()
				l.events = append(l.events, ev)
				l.mu.Unlock()
			case <-ctx.Done():
				return
			}
		}
	}()
	return l
}

func (l *eventLog) find(typ string) (Event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ev := range l.events {
		if ev.EventType() == typ {
			return ev, true
		}
	}
	return nil, false
}

func (l *eventLog) has(typ string) bool {
	_, ok := l.find(typ)
	return ok
}

func (l *eventLog) hasTransition(from, to State) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ev := range l.events {
		if sc, ok := ev.(StateChangedEvent); ok && sc.From == from && sc.To == to {
			return true
		}
	}
	return false
}

func waitState(t *testing.T, m *Machine, want State) {
	t.Helper()
	waitFor(t, 2*time.Second, "state "+want.String(), func() bool {
		return m.State() == want
	})
}

func TestMachineFullTurn(t *testing.T) {
	srcs := &fakeSources{}
	listenSrc := srcs.add(newFakeSource())
	recordSrc := srcs.add(newFakeSource())

	sink := newFakeSink()
	chatc := &fakeChat{}
	chatc.script(
		chat.Frame{Type: chat.FrameToken, Content: "你好。"},
		chat.Frame{Type: chat.FrameToken, Content: "很高兴认识你。"},
	)
	tr := fakeTranscriber{fn: func(ctx context.Context, audio []byte, filename string) (string, error) {
		if _, _, _, err := DecodeWAV(audio); err != nil {
			t.Errorf("turn audio is not WAV: %v", err)
		}
		return "在吗", nil
	}}

	m, err := NewMachine(testCallConfig(), Deps{
		Sources:     srcs.factory(),
		Sink:        sink,
		Transcriber: tr,
		Chat:        chatc,
		Synthesize:  pcmSynth,
	})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	log := watchMachine(ctx, m)

	if err := m.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer m.End()
	waitState(t, m, StateListening)

	// user starts speaking
	listenSrc.pushLoud(3)
	waitState(t, m, StateRecording)

	// speaks, then goes quiet long enough to end the turn
	recordSrc.pushLoud(3)
	recordSrc.pushQuiet(6)

	// the reply plays through and the machine returns to listening
	waitFor(t, 2*time.Second, "return to listening", func() bool {
		return log.hasTransition(StateSpeaking, StateListening)
	})
	if !log.hasTransition(StateRecording, StateProcessing) || !log.hasTransition(StateProcessing, StateSpeaking) {
		t.Error("missing intermediate transitions")
	}

	if sink.count() != 2 {
		t.Errorf("played %d sentences, want 2", sink.count())
	}
	if ev, ok := log.find("transcript"); !ok || ev.(TranscriptEvent).Text != "在吗" {
		t.Errorf("transcript event = %v", ev)
	}
	if ev, ok := log.find("assistant_done"); !ok || ev.(AssistantDoneEvent).Text != "你好。很高兴认识你。" {
		t.Errorf("assistant_done event = %v", ev)
	}

	chatc.mu.Lock()
	defer chatc.mu.Unlock()
	if len(chatc.requests) != 1 || chatc.requests[0].Message != "在吗" {
		t.Errorf("chat requests = %+v", chatc.requests)
	}
	if chatc.requests[0].AssistantName != "小安" {
		t.Errorf("assistant name = %q", chatc.requests[0].AssistantName)
	}
}

func TestMachineEmptyTranscriptionReturnsToListening(t *testing.T) {
	srcs := &fakeSources{}
	listenSrc := srcs.add(newFakeSource())
	recordSrc := srcs.add(newFakeSource())

	chatc := &fakeChat{}
	m, err := NewMachine(testCallConfig(), Deps{
		Sources:     srcs.factory(),
		Sink:        newFakeSink(),
		Transcriber: fakeTranscriber{}, // always empty
		Chat:        chatc,
		Synthesize:  pcmSynth,
	})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	log := watchMachine(ctx, m)

	if err := m.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer m.End()
	waitState(t, m, StateListening)

	listenSrc.pushLoud(3)
	waitState(t, m, StateRecording)
	recordSrc.pushLoud(3)
	recordSrc.pushQuiet(6)

	// silence in, nothing recognized, straight back to listening
	waitFor(t, 2*time.Second, "return to listening", func() bool {
		return log.hasTransition(StateProcessing, StateListening)
	})
	chatc.mu.Lock()
	defer chatc.mu.Unlock()
	if len(chatc.requests) != 0 {
		t.Errorf("chat was called for an empty transcription")
	}
}

func TestMachineInterruptGraceAndSingleAbort(t *testing.T) {
	srcs := &fakeSources{}
	listenSrc := srcs.add(newFakeSource())
	recordSrc := srcs.add(newFakeSource())
	srcs.add(newFakeSource()) // keyword-mode detector while speaking
	regainSrc := srcs.add(newFakeSource())

	sink := newFakeSink()
	sink.gate = make(chan struct{}) // hold playback so Speaking persists
	chatc := &fakeChat{block: make(chan struct{})}
	chatc.script(chat.Frame{Type: chat.FrameToken, Content: "这是一个很长的回答。"})

	m, err := NewMachine(testCallConfig(), Deps{
		Sources:     srcs.factory(),
		Sink:        sink,
		Transcriber: fakeTranscriber{fn: func(context.Context, []byte, string) (string, error) { return "问题", nil }},
		Chat:        chatc,
		Synthesize:  pcmSynth,
	})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	log := watchMachine(ctx, m)

	if err := m.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer m.End()
	waitState(t, m, StateListening)
	listenSrc.pushLoud(3)
	waitState(t, m, StateRecording)
	recordSrc.pushLoud(3)
	recordSrc.pushQuiet(6)
	waitState(t, m, StateSpeaking)

	interruptedAt := time.Now()
	m.Interrupt()
	waitState(t, m, StateRecording)

	// the reply stream is aborted exactly once
	waitFor(t, time.Second, "chat abort", func() bool { return chatc.cancels.Load() == 1 })
	if !log.has("barge_in") {
		t.Error("no barge_in event")
	}
	if m.player.Pending() || m.player.Playing() {
		t.Error("player still busy after interrupt")
	}

	// recording must not begin before the grace delay has passed
	waitFor(t, time.Second, "post-grace recorder", func() bool { return regainSrc.started.Load() })
	if elapsed := time.Since(interruptedAt); elapsed < 30*time.Millisecond {
		t.Errorf("recorder started after %v, before the grace delay", elapsed)
	}

	// second interrupt does nothing further
	m.Interrupt()
	time.Sleep(20 * time.Millisecond)
	if chatc.cancels.Load() != 1 {
		t.Errorf("chat aborted %d times, want 1", chatc.cancels.Load())
	}
}

func TestMachineChatFailureReturnsToListening(t *testing.T) {
	srcs := &fakeSources{}
	listenSrc := srcs.add(newFakeSource())
	recordSrc := srcs.add(newFakeSource())

	sink := newFakeSink()
	chatc := &fakeChat{streamErr: errors.New("upstream down")}
	m, err := NewMachine(testCallConfig(), Deps{
		Sources:     srcs.factory(),
		Sink:        sink,
		Transcriber: fakeTranscriber{fn: func(context.Context, []byte, string) (string, error) { return "在吗", nil }},
		Chat:        chatc,
		Synthesize:  pcmSynth,
	})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	log := watchMachine(ctx, m)

	if err := m.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer m.End()
	waitState(t, m, StateListening)
	listenSrc.pushLoud(3)
	waitState(t, m, StateRecording)
	recordSrc.pushLoud(3)
	recordSrc.pushQuiet(6)

	// the failed stream ends the turn, nothing is spoken
	waitFor(t, 2*time.Second, "return to listening", func() bool {
		return log.hasTransition(StateProcessing, StateListening)
	})
	if ev, ok := log.find("error"); !ok || ev.(ErrorEvent).Code != "chat" {
		t.Errorf("error event = %v", ev)
	}
	if sink.count() != 0 {
		t.Errorf("played %d sentences after a failed stream", sink.count())
	}
}

// End must not wait behind a detector start that is stalled on network
// I/O; cancelling the call context has to break the stall.
func TestMachineEndUnblocksStalledDetectorStart(t *testing.T) {
	fetching := make(chan struct{})
	stalled := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(fetching)
		<-r.Context().Done()
	}))
	t.Cleanup(stalled.Close)

	cfg := testCallConfig()
	cfg.VAD.Backend = VADSileroClient
	cfg.VAD.ServerURL = "ws://127.0.0.1:1/ws"
	cfg.VAD.ModelURL = stalled.URL

	m, err := NewMachine(cfg, Deps{
		Sources:     (&fakeSources{}).factory(),
		Sink:        newFakeSink(),
		Transcriber: fakeTranscriber{},
		Chat:        &fakeChat{},
		Synthesize:  pcmSynth,
	})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	log := watchMachine(ctx, m)

	go m.Start(ctx)
	select {
	case <-fetching:
	case <-time.After(2 * time.Second):
		t.Fatal("model fetch never started")
	}

	ended := make(chan struct{})
	go func() {
		m.End()
		close(ended)
	}()
	select {
	case <-ended:
	case <-time.After(2 * time.Second):
		t.Fatal("End blocked behind the stalled detector start")
	}
	waitState(t, m, StateIdle)
	waitFor(t, time.Second, "call_ended event", func() bool { return log.has("call_ended") })
}

func TestMachineVADFailureFallsBackToRecording(t *testing.T) {
	srcs := &fakeSources{}
	broken := srcs.add(newFakeSource())
	broken.startErr = context.DeadlineExceeded
	recordSrc := srcs.add(newFakeSource())

	m, err := NewMachine(testCallConfig(), Deps{
		Sources:     srcs.factory(),
		Sink:        newFakeSink(),
		Transcriber: fakeTranscriber{},
		Chat:        &fakeChat{},
		Synthesize:  pcmSynth,
	})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	log := watchMachine(ctx, m)

	if err := m.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer m.End()

	// broken detector, so the conversation records unconditionally
	waitState(t, m, StateRecording)
	waitFor(t, time.Second, "recorder running", func() bool { return recordSrc.started.Load() })
	waitFor(t, time.Second, "error event for the failed detector", func() bool { return log.has("error") })
}

func TestMachineEndReleasesEverything(t *testing.T) {
	srcs := &fakeSources{}
	listenSrc := srcs.add(newFakeSource())

	m, err := NewMachine(testCallConfig(), Deps{
		Sources:     srcs.factory(),
		Sink:        newFakeSink(),
		Transcriber: fakeTranscriber{},
		Chat:        &fakeChat{},
		Synthesize:  pcmSynth,
	})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	log := watchMachine(ctx, m)

	if err := m.Start(ctx); err != nil {
		t.Fatal(err)
	}
	waitState(t, m, StateListening)

	if err := m.End(); err != nil {
		t.Fatal(err)
	}
	waitState(t, m, StateIdle)
	waitFor(t, time.Second, "detector source released", func() bool { return listenSrc.stopped.Load() })
	waitFor(t, time.Second, "call_ended event", func() bool { return log.has("call_ended") })

	if err := m.End(); err != ErrNoCall {
		t.Errorf("second End err = %v, want ErrNoCall", err)
	}
	// events after the call are ignored
	m.Dispatch(CallEvent{Kind: EvVoiceDetected})
	if m.State() != StateIdle {
		t.Error("dispatch after end changed state")
	}
}

func TestMachineStartTwice(t *testing.T) {
	srcs := &fakeSources{}
	srcs.add(newFakeSource())
	m, err := NewMachine(testCallConfig(), Deps{
		Sources:     srcs.factory(),
		Sink:        newFakeSink(),
		Transcriber: fakeTranscriber{},
		Chat:        &fakeChat{},
		Synthesize:  pcmSynth,
	})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer m.End()
	if err := m.Start(ctx); err != ErrCallActive {
		t.Errorf("second Start err = %v, want ErrCallActive", err)
	}
}

func TestMachineRequiresDeps(t *testing.T) {
	if _, err := NewMachine(testCallConfig(), Deps{}); err == nil {
		t.Error("NewMachine accepted empty deps")
	}
}
