package call

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/voxkit-go/voxkit/pkg/chat"
)

// fakeSource feeds scripted PCM frames to whatever consumes it.
type fakeSource struct {
	frames   chan []byte
	startErr error
	started  atomic.Bool
	stopped  atomic.Bool
}

func newFakeSource() *fakeSource {
	return &fakeSource{frames: make(chan []byte, 1024)}
}

func (f *fakeSource) Start(ctx context.Context) (<-chan []byte, error) {
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.started.Store(true)
	return f.frames, nil
}

func (f *fakeSource) Stop() error {
	if f.stopped.CompareAndSwap(false, true) {
		close(f.frames)
	}
	return nil
}

func (f *fakeSource) push(frame []byte) {
	if !f.stopped.Load() {
		f.frames <- frame
	}
}

// pushLoud and pushQuiet feed frames that sit clearly on either side of
// the default thresholds.
func (f *fakeSource) pushLoud(n int)  { f.pushN(8000, n) }
func (f *fakeSource) pushQuiet(n int) { f.pushN(0, n) }

func (f *fakeSource) pushN(sample int16, n int) {
	for i := 0; i < n; i++ {
		f.push(pcmFrame(sample, 512))
	}
}

// fakeSources hands out sources in order, one per acquisition.
type fakeSources struct {
	mu     sync.Mutex
	queue  []*fakeSource
	handed []*fakeSource
}

func (fs *fakeSources) add(s *fakeSource) *fakeSource {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.queue = append(fs.queue, s)
	return s
}

func (fs *fakeSources) factory() SourceFactory {
	return func() (Source, error) {
		fs.mu.Lock()
		defer fs.mu.Unlock()
		if len(fs.queue) == 0 {
			// keep late acquisitions harmless
			s := newFakeSource()
			fs.handed = append(fs.handed, s)
			return s, nil
		}
		s := fs.queue[0]
		fs.queue = fs.queue[1:]
		fs.handed = append(fs.handed, s)
		return s, nil
	}
}

// fakeSink records everything played and can hold playback open until
// released.
type fakeSink struct {
	mu     sync.Mutex
	plays  []int // byte lengths, in play order
	gate   chan struct{}
	played chan struct{} // signalled once per completed Play
}

func newFakeSink() *fakeSink {
	return &fakeSink{played: make(chan struct{}, 64)}
}

func (s *fakeSink) Play(ctx context.Context, pcm []byte, sampleRate int) error {
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	s.plays = append(s.plays, len(pcm))
	s.mu.Unlock()
	select {
	case s.played <- struct{}{}:
	default:
	}
	return nil
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.plays)
}

type fakeTranscriber struct {
	fn func(ctx context.Context, audio []byte, filename string) (string, error)
}

func (f fakeTranscriber) Transcribe(ctx context.Context, audio []byte, filename string) (string, error) {
	if f.fn == nil {
		return "", nil
	}
	return f.fn(ctx, audio, filename)
}

type fakeChat struct {
	mu       sync.Mutex
	requests []*chat.Request
	frames   [][]chat.Frame // one script per request
	cancels  atomic.Int32   // streams that saw ctx cancelled mid-flight
	// block, when set, keeps each stream open after its script until
	// ctx is cancelled or block is closed
	block chan struct{}
	// streamErr, when set, fails every Stream call outright
	streamErr error
}

func (f *fakeChat) script(frames ...chat.Frame) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, frames)
}

func (f *fakeChat) Stream(ctx context.Context, req *chat.Request) (<-chan chat.Frame, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	if f.streamErr != nil {
		f.mu.Unlock()
		return nil, f.streamErr
	}
	var script []chat.Frame
	if len(f.frames) > 0 {
		script = f.frames[0]
		f.frames = f.frames[1:]
	}
	f.mu.Unlock()

	out := make(chan chat.Frame)
	go func() {
		defer close(out)
		for _, fr := range script {
			select {
			case out <- fr:
			case <-ctx.Done():
				f.cancels.Add(1)
				return
			}
		}
		if f.block != nil {
			select {
			case <-ctx.Done():
				f.cancels.Add(1)
			case <-f.block:
			}
		}
	}()
	return out, nil
}

// waitFor polls until cond holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func pcmSynth(ctx context.Context, text string) (*Audio, error) {
	// length proportional to the text keeps play order observable
	return &Audio{
		Data:       pcmFrame(1000, len([]rune(text))*10),
		Format:     FormatPCM,
		SampleRate: 16000,
	}, nil
}
