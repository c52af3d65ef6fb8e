package audioio

import (
	"context"

	"github.com/gordonklaus/portaudio"
)

const playbackFrame = 1024

// Speaker plays mono 16-bit PCM on the default output device. It
// implements call.Sink. Each Play opens its own stream because clips
// arrive at whatever sample rate the synthesizer produced.
type Speaker struct{}

// NewSpeaker creates a speaker sink.
func NewSpeaker() *Speaker { return &Speaker{} }

// Play writes pcm to the output device, blocking until done or ctx is
// cancelled.
func (s *Speaker) Play(ctx context.Context, pcm []byte, sampleRate int) error {
	buf := make([]int16, playbackFrame)
	stream, err := portaudio.OpenDefaultStream(0, 1, float64(sampleRate), playbackFrame, &buf)
	if err != nil {
		return err
	}
	defer stream.Close()
	if err := stream.Start(); err != nil {
		return err
	}
	defer stream.Stop()

	samples := len(pcm) / 2
	for off := 0; off < samples; off += playbackFrame {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		n := samples - off
		if n > playbackFrame {
			n = playbackFrame
		}
		for i := 0; i < n; i++ {
			j := (off + i) * 2
			buf[i] = int16(pcm[j]) | int16(pcm[j+1])<<8
		}
		for i := n; i < playbackFrame; i++ {
			buf[i] = 0
		}
		if err := stream.Write(); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
	}
	return nil
}
