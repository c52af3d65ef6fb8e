package call

import "strings"

// Segmenter slices a streaming reply into sentences small enough to
// synthesize promptly. Strong delimiters flush immediately; weak ones
// flush only once the buffer has grown past MinLen, so fragments like
// "好的，" are not spoken on their own. MaxLen bounds the wait for
// replies with no punctuation at all.
type Segmenter struct {
	cfg SegmenterConfig
	buf []rune
}

// NewSegmenter creates a segmenter. Zero config fields fall back to
// defaults.
func NewSegmenter(cfg SegmenterConfig) *Segmenter {
	def := DefaultSegmenterConfig()
	if cfg.MinLen <= 0 {
		cfg.MinLen = def.MinLen
	}
	if cfg.MaxLen <= 0 {
		cfg.MaxLen = def.MaxLen
	}
	if cfg.MaxLen < cfg.MinLen {
		cfg.MaxLen = cfg.MinLen
	}
	return &Segmenter{cfg: cfg}
}

func isStrongDelim(r rune) bool {
	switch r {
	case '。', '．', '.', '!', '?', '！', '？', '\n':
		return true
	}
	return false
}

func isWeakDelim(r rune) bool {
	switch r {
	case '，', ',', '、', ';', '；', ':', '：':
		return true
	}
	return false
}

// Push appends a streamed delta and returns any sentences completed by
// it, in order. Delimiters stay attached to the sentence they end.
func (s *Segmenter) Push(delta string) []string {
	var out []string
	for _, r := range delta {
		s.buf = append(s.buf, r)
		switch {
		case isStrongDelim(r):
			out = s.flushTo(out)
		case isWeakDelim(r) && len(s.buf) >= s.cfg.MinLen:
			out = s.flushTo(out)
		case len(s.buf) >= s.cfg.MaxLen:
			out = s.flushTo(out)
		}
	}
	return out
}

// Flush returns whatever remains buffered, or "" if nothing does. It is
// called once the reply stream ends.
func (s *Segmenter) Flush() string {
	text := strings.TrimSpace(string(s.buf))
	s.buf = s.buf[:0]
	return text
}

// Reset drops any buffered text without returning it.
func (s *Segmenter) Reset() {
	s.buf = s.buf[:0]
}

func (s *Segmenter) flushTo(out []string) []string {
	text := strings.TrimSpace(string(s.buf))
	s.buf = s.buf[:0]
	if text == "" {
		return out
	}
	return append(out, text)
}
