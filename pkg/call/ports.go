package call

import (
	"context"
	"time"

	"github.com/voxkit-go/voxkit/pkg/chat"
)

// Source delivers PCM frames from an input device. Frames are 16-bit
// little-endian mono at the configured sample rate. The channel closes
// when the source stops or the context is cancelled. Each consumer of
// microphone audio acquires its own Source.
type Source interface {
	Start(ctx context.Context) (<-chan []byte, error)
	Stop() error
}

// SourceFactory creates a fresh Source. The recorder and the detector
// each open their own stream, never concurrently.
type SourceFactory func() (Source, error)

// Sink plays PCM audio on the output device. Play blocks until the
// audio has been written or ctx is cancelled; cancellation halts
// playback promptly.
type Sink interface {
	Play(ctx context.Context, pcm []byte, sampleRate int) error
}

// Transcriber converts a recorded turn (a complete WAV blob) to text.
// An empty string with a nil error means the audio held no usable
// speech.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, filename string) (string, error)
}

// ChatClient streams the assistant reply as typed frames. The channel
// closes when the reply is complete; error frames are delivered in-band.
type ChatClient interface {
	Stream(ctx context.Context, req *chat.Request) (<-chan chat.Frame, error)
}

// AudioFormat identifies the container of synthesized audio.
type AudioFormat string

const (
	FormatMP3 AudioFormat = "mp3"
	FormatWAV AudioFormat = "wav"
	FormatPCM AudioFormat = "pcm"
)

// Audio is a synthesized clip. For FormatPCM the data is 16-bit
// little-endian mono and SampleRate must be set; otherwise the rate
// comes from the container.
type Audio struct {
	Data       []byte
	Format     AudioFormat
	SampleRate int
}

// SynthesizeFunc produces speech for one sentence. The player invokes
// it ahead of playback so synthesis overlaps with the previous item.
type SynthesizeFunc func(ctx context.Context, text string) (*Audio, error)

// Observer receives operational signals from the machine. All methods
// are called synchronously from machine goroutines and must not block.
type Observer interface {
	StateChanged(from, to State)
	EventDropped(kind EventKind)
	BargeIn()
	TurnLatency(d time.Duration)
	SentenceQueued()
}

type nopObserver struct{}

func (nopObserver) StateChanged(State, State) {}
func (nopObserver) EventDropped(EventKind)    {}
func (nopObserver) BargeIn()                  {}
func (nopObserver) TurnLatency(time.Duration) {}
func (nopObserver) SentenceQueued()           {}
