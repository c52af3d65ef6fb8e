package call

import (
	"encoding/binary"
	"sync"
)

// Level measures the loudness of a frame of 16-bit little-endian PCM
// as the mean absolute sample magnitude scaled to 0-255. An odd
// trailing byte is ignored.
func Level(pcm []byte) int {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum int64
	for i := 0; i < n; i++ {
		s := int16(pcm[2*i]) | int16(pcm[2*i+1])<<8
		if s < 0 {
			sum -= int64(s)
		} else {
			sum += int64(s)
		}
	}
	return int(sum / int64(n) * 255 / 32768)
}

// ResamplePCM converts 16-bit little-endian mono PCM from one sample
// rate to another by linear interpolation. Equal or invalid rates
// return the input unchanged.
func ResamplePCM(pcm []byte, from, to int) []byte {
	if from <= 0 || to <= 0 || from == to {
		return pcm
	}
	in := len(pcm) / 2
	if in == 0 {
		return nil
	}
	out := in * to / from
	if out == 0 {
		return nil
	}
	res := make([]byte, out*2)
	step := float64(from) / float64(to)
	for i := 0; i < out; i++ {
		pos := float64(i) * step
		j := int(pos)
		if j >= in-1 {
			copy(res[2*i:], pcm[2*(in-1):2*in])
			continue
		}
		s0 := float64(int16(binary.LittleEndian.Uint16(pcm[2*j:])))
		s1 := float64(int16(binary.LittleEndian.Uint16(pcm[2*j+2:])))
		s := s0 + (pos-float64(j))*(s1-s0)
		binary.LittleEndian.PutUint16(res[2*i:], uint16(int16(s)))
	}
	return res
}

// RingBuffer holds the most recent PCM audio up to a fixed capacity.
// It backs barge-in verification, which needs a few seconds of context
// around the moment speech was detected. Safe for one writer and one
// reader.
type RingBuffer struct {
	mu       sync.Mutex
	data     []byte
	writePos int
	filled   bool
}

// NewRingBuffer creates a ring holding capacity bytes of audio.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &RingBuffer{data: make([]byte, capacity)}
}

// Write appends PCM to the ring, overwriting the oldest audio once
// full. Writes larger than the capacity keep only the tail.
func (r *RingBuffer) Write(pcm []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(pcm) >= len(r.data) {
		copy(r.data, pcm[len(pcm)-len(r.data):])
		r.writePos = 0
		r.filled = true
		return
	}
	n := copy(r.data[r.writePos:], pcm)
	if n < len(pcm) {
		copy(r.data, pcm[n:])
	}
	if r.writePos+len(pcm) >= len(r.data) {
		r.filled = true
	}
	r.writePos = (r.writePos + len(pcm)) % len(r.data)
}

// Read returns the buffered audio oldest-first.
func (r *RingBuffer) Read() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.filled {
		out := make([]byte, r.writePos)
		copy(out, r.data[:r.writePos])
		return out
	}
	out := make([]byte, len(r.data))
	n := copy(out, r.data[r.writePos:])
	copy(out[n:], r.data[:r.writePos])
	return out
}

// Reset discards all buffered audio.
func (r *RingBuffer) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writePos = 0
	r.filled = false
}

// Len returns the number of buffered bytes.
func (r *RingBuffer) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.filled {
		return len(r.data)
	}
	return r.writePos
}
