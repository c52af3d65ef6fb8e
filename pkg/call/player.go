package call

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/hajimehoshi/go-mp3"
)

// PlayerNoteKind classifies playback notifications.
type PlayerNoteKind int

const (
	// PlaybackStarted fires when the head of the queue becomes audible
	// after the queue was idle.
	PlaybackStarted PlayerNoteKind = iota
	// PlaybackEnded fires when the queue drains naturally. Stop never
	// produces it.
	PlaybackEnded
	// PlaybackError reports a sentence that failed to synthesize or
	// decode. Playback continues with the next item.
	PlaybackError
)

// PlayerNote is a playback notification.
type PlayerNote struct {
	Kind PlayerNoteKind
	Err  error
}

type speechItem struct {
	text string
	res  chan synthResult
}

type synthResult struct {
	audio *Audio
	err   error
}

// Player plays synthesized sentences in submission order. Synthesis for
// every queued sentence starts the moment it is enqueued, so item N+1
// is usually ready by the time item N finishes playing, but playback
// itself is strictly head-first. Stop flushes the queue and halts the
// current item without emitting PlaybackEnded.
type Player struct {
	sink  Sink
	synth SynthesizeFunc
	base  context.Context

	mu       sync.Mutex
	queue    []*speechItem
	draining bool
	gen      int
	genCtx   context.Context
	genStop  context.CancelFunc

	playing atomic.Bool
	notes   chan PlayerNote
}

// NewPlayer creates a player. ctx bounds the player's lifetime; when it
// is cancelled all synthesis and playback stops.
func NewPlayer(ctx context.Context, sink Sink, synth SynthesizeFunc) *Player {
	genCtx, genStop := context.WithCancel(ctx)
	return &Player{
		sink:    sink,
		synth:   synth,
		base:    ctx,
		genCtx:  genCtx,
		genStop: genStop,
		notes:   make(chan PlayerNote, 8),
	}
}

// Notes delivers playback notifications. Buffered; notifications are
// dropped if the reader falls behind.
func (p *Player) Notes() <-chan PlayerNote { return p.notes }

// Speak enqueues one sentence and starts synthesizing it immediately.
func (p *Player) Speak(text string) {
	if text == "" {
		return
	}
	item := &speechItem{text: text, res: make(chan synthResult, 1)}

	p.mu.Lock()
	ctx := p.genCtx
	p.queue = append(p.queue, item)
	startDrain := !p.draining
	if startDrain {
		p.draining = true
	}
	gen := p.gen
	p.mu.Unlock()

	go func() {
		audio, err := p.synth(ctx, text)
		item.res <- synthResult{audio: audio, err: err}
	}()
	if startDrain {
		go p.drain(ctx, gen)
	}
}

func (p *Player) drain(ctx context.Context, gen int) {
	first := true
	for {
		p.mu.Lock()
		if p.gen != gen {
			p.mu.Unlock()
			return
		}
		if len(p.queue) == 0 {
			p.draining = false
			p.playing.Store(false)
			p.mu.Unlock()
			p.note(PlayerNote{Kind: PlaybackEnded})
			return
		}
		item := p.queue[0]
		p.queue = p.queue[1:]
		p.mu.Unlock()

		var res synthResult
		select {
		case res = <-item.res:
		case <-ctx.Done():
			p.settle(gen)
			return
		}
		if res.err != nil {
			p.note(PlayerNote{Kind: PlaybackError, Err: fmt.Errorf("synthesize %q: %w", item.text, res.err)})
			continue
		}
		pcm, rate, err := decodePlayable(res.audio)
		if err != nil {
			p.note(PlayerNote{Kind: PlaybackError, Err: fmt.Errorf("decode %q: %w", item.text, err)})
			continue
		}
		if first {
			first = false
			// the gen re-check keeps a Stop that landed between the
			// dequeue and here from leaving a stale playing flag
			p.mu.Lock()
			if p.gen != gen {
				p.mu.Unlock()
				return
			}
			p.playing.Store(true)
			p.mu.Unlock()
			p.note(PlayerNote{Kind: PlaybackStarted})
		}
		if err := p.sink.Play(ctx, pcm, rate); err != nil {
			if ctx.Err() != nil {
				p.settle(gen)
				return
			}
			p.note(PlayerNote{Kind: PlaybackError, Err: err})
		}
	}
}

// Stop flushes the queue and halts the current item. Queued sentences
// whose synthesis is in flight are abandoned. No PlaybackEnded follows.
func (p *Player) Stop() {
	p.mu.Lock()
	p.gen++
	p.queue = nil
	p.draining = false
	p.playing.Store(false)
	stop := p.genStop
	p.genCtx, p.genStop = context.WithCancel(p.base)
	p.mu.Unlock()
	stop()
}

// settle clears the playing flag on a cancelled drain, unless a newer
// generation owns the flag now.
func (p *Player) settle(gen int) {
	p.mu.Lock()
	if p.gen == gen {
		p.playing.Store(false)
	}
	p.mu.Unlock()
}

// Playing reports whether audio is currently audible.
func (p *Player) Playing() bool { return p.playing.Load() }

// Pending reports whether any sentence is queued or being played.
func (p *Player) Pending() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.draining || len(p.queue) > 0
}

func (p *Player) note(n PlayerNote) {
	select {
	case p.notes <- n:
	default:
	}
}

// decodePlayable converts a synthesized clip to mono 16-bit PCM plus
// its sample rate.
func decodePlayable(a *Audio) ([]byte, int, error) {
	if a == nil {
		return nil, 0, fmt.Errorf("no audio")
	}
	switch a.Format {
	case FormatMP3:
		dec, err := mp3.NewDecoder(bytes.NewReader(a.Data))
		if err != nil {
			return nil, 0, err
		}
		stereo, err := io.ReadAll(dec)
		if err != nil {
			return nil, 0, err
		}
		return downmixStereo(stereo), dec.SampleRate(), nil
	case FormatWAV:
		pcm, rate, channels, err := DecodeWAV(a.Data)
		if err != nil {
			return nil, 0, err
		}
		if channels == 2 {
			pcm = downmixStereo(pcm)
		}
		return pcm, rate, nil
	case FormatPCM:
		if a.SampleRate <= 0 {
			return nil, 0, fmt.Errorf("pcm audio without sample rate")
		}
		return a.Data, a.SampleRate, nil
	default:
		return nil, 0, fmt.Errorf("unsupported audio format %q", a.Format)
	}
}

// downmixStereo averages interleaved 16-bit stereo down to mono.
func downmixStereo(stereo []byte) []byte {
	frames := len(stereo) / 4
	mono := make([]byte, frames*2)
	for i := 0; i < frames; i++ {
		l := int16(stereo[4*i]) | int16(stereo[4*i+1])<<8
		r := int16(stereo[4*i+2]) | int16(stereo[4*i+3])<<8
		m := int16((int32(l) + int32(r)) / 2)
		mono[2*i] = byte(m)
		mono[2*i+1] = byte(m >> 8)
	}
	return mono
}
