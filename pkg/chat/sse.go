package chat

import (
	"bufio"
	"bytes"
	"io"
)

// sseReader parses a text/event-stream body into data payloads. Event
// names and comments are skipped; multi-line data fields are joined
// with newlines, as the format requires.
type sseReader struct {
	br *bufio.Reader
}

func newSSEReader(r io.Reader) *sseReader {
	return &sseReader{br: bufio.NewReader(r)}
}

// Next returns the data payload of the next event, or io.EOF when the
// stream ends.
func (s *sseReader) Next() ([]byte, error) {
	var data []byte
	haveData := false
	for {
		line, err := s.br.ReadBytes('\n')
		if len(line) == 0 && err != nil {
			if haveData {
				return data, nil
			}
			return nil, err
		}
		line = bytes.TrimRight(line, "\r\n")
		if len(line) == 0 {
			if haveData {
				return data, nil
			}
			if err != nil {
				return nil, err
			}
			continue
		}
		if line[0] == ':' {
			continue
		}
		field, value, _ := bytes.Cut(line, []byte(":"))
		value = bytes.TrimPrefix(value, []byte(" "))
		if string(field) == "data" {
			if haveData {
				data = append(data, '\n')
			}
			data = append(data, value...)
			haveData = true
		}
		if err != nil {
			if haveData {
				return data, nil
			}
			return nil, err
		}
	}
}
