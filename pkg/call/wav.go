package call

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// wavHeader is the canonical 44-byte RIFF/WAVE header for PCM audio.
type wavHeader struct {
	RIFF          [4]byte
	FileSize      uint32
	WAVE          [4]byte
	Fmt           [4]byte
	FmtSize       uint32
	AudioFormat   uint16
	Channels      uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	Data          [4]byte
	DataSize      uint32
}

// ErrNotWAV reports data that does not start with a RIFF/WAVE header.
var ErrNotWAV = errors.New("not a RIFF/WAVE stream")

// EncodeWAV wraps raw 16-bit little-endian PCM in a WAV container.
func EncodeWAV(pcm []byte, sampleRate, channels int) []byte {
	h := wavHeader{
		RIFF:          [4]byte{'R', 'I', 'F', 'F'},
		FileSize:      uint32(36 + len(pcm)),
		WAVE:          [4]byte{'W', 'A', 'V', 'E'},
		Fmt:           [4]byte{'f', 'm', 't', ' '},
		FmtSize:       16,
		AudioFormat:   1,
		Channels:      uint16(channels),
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate * channels * 2),
		BlockAlign:    uint16(channels * 2),
		BitsPerSample: 16,
		Data:          [4]byte{'d', 'a', 't', 'a'},
		DataSize:      uint32(len(pcm)),
	}
	buf := bytes.NewBuffer(make([]byte, 0, 44+len(pcm)))
	binary.Write(buf, binary.LittleEndian, &h)
	buf.Write(pcm)
	return buf.Bytes()
}

// DecodeWAV extracts PCM samples and the sample rate from a WAV blob.
// Only 16-bit PCM is supported; extra chunks before "data" are skipped.
func DecodeWAV(data []byte) (pcm []byte, sampleRate, channels int, err error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, 0, 0, ErrNotWAV
	}
	var (
		format  uint16
		bits    uint16
		rate    uint32
		ch      uint16
		haveFmt bool
		off     = 12
	)
	for off+8 <= len(data) {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		body := off + 8
		if body+size > len(data) {
			size = len(data) - body
		}
		switch id {
		case "fmt ":
			if size < 16 {
				return nil, 0, 0, fmt.Errorf("wav: fmt chunk too short (%d bytes)", size)
			}
			format = binary.LittleEndian.Uint16(data[body : body+2])
			ch = binary.LittleEndian.Uint16(data[body+2 : body+4])
			rate = binary.LittleEndian.Uint32(data[body+4 : body+8])
			bits = binary.LittleEndian.Uint16(data[body+14 : body+16])
			haveFmt = true
		case "data":
			if !haveFmt {
				return nil, 0, 0, errors.New("wav: data chunk before fmt")
			}
			if format != 1 || bits != 16 {
				return nil, 0, 0, fmt.Errorf("wav: unsupported format %d/%d-bit", format, bits)
			}
			return data[body : body+size], int(rate), int(ch), nil
		}
		// chunks are word-aligned
		off = body + size + size%2
	}
	return nil, 0, 0, errors.New("wav: no data chunk")
}
