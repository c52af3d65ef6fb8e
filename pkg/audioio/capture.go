// Package audioio binds the call engine to the machine's sound
// hardware through portaudio. Callers must run portaudio.Initialize
// before use and Terminate on shutdown.
package audioio

import (
	"context"
	"errors"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/voxkit-go/voxkit/pkg/call"
)

// Microphone captures mono 16-bit PCM from the default input device.
// It implements call.Source and is single-use, like the components that
// consume it.
type Microphone struct {
	audio call.AudioConfig

	mu      sync.Mutex
	stream  *portaudio.Stream
	frames  chan []byte
	stop    chan struct{}
	done    chan struct{}
	started bool
	stopped bool
}

// NewMicrophone creates an unopened microphone source.
func NewMicrophone(audio call.AudioConfig) *Microphone {
	return &Microphone{
		audio:  audio,
		frames: make(chan []byte, 8),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// SourceFactory returns a factory producing a fresh Microphone per
// consumer.
func SourceFactory(audio call.AudioConfig) call.SourceFactory {
	return func() (call.Source, error) {
		return NewMicrophone(audio), nil
	}
}

// Start opens the default input device and begins delivering frames.
func (m *Microphone) Start(ctx context.Context) (<-chan []byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return nil, errors.New("microphone already started")
	}
	buf := make([]int16, m.audio.FrameSize)
	stream, err := portaudio.OpenDefaultStream(
		m.audio.Channels, 0, float64(m.audio.SampleRate), m.audio.FrameSize, buf)
	if err != nil {
		return nil, err
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return nil, err
	}
	m.stream = stream
	m.started = true
	go m.run(ctx, buf)
	return m.frames, nil
}

func (m *Microphone) run(ctx context.Context, buf []int16) {
	defer close(m.done)
	defer close(m.frames)
	for {
		select {
		case <-m.stop:
			return
		case <-ctx.Done():
			return
		default:
		}
		if err := m.stream.Read(); err != nil {
			return
		}
		frame := make([]byte, len(buf)*2)
		for i, s := range buf {
			frame[2*i] = byte(s)
			frame[2*i+1] = byte(s >> 8)
		}
		select {
		case m.frames <- frame:
		default:
			// consumer is behind, drop the frame rather than stall capture
		}
	}
}

// Stop closes the device. Safe to call more than once.
func (m *Microphone) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started || m.stopped {
		return nil
	}
	m.stopped = true
	close(m.stop)
	// Stop aborts a blocked Read; Close only once the loop has exited
	m.stream.Stop()
	<-m.done
	return m.stream.Close()
}
