// Package tts synthesizes speech through the text-to-speech service.
package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"
)

// Request describes one synthesis job. CustomVoiceID selects a cloned
// voice and overrides Voice when set. Speed of zero means the server
// default.
type Request struct {
	Text          string  `json:"text"`
	Voice         string  `json:"voice,omitempty"`
	CustomVoiceID string  `json:"custom_voice_id,omitempty"`
	Speed         float64 `json:"speed,omitempty"`
}

// Synthesis is the audio for one request. Format is derived from the
// response content type: "mp3", "wav", or "pcm".
type Synthesis struct {
	Audio  []byte
	Format string
}

// Client talks to the synthesis endpoint.
type Client struct {
	url  string
	http *http.Client
}

// NewClient creates a client for the synthesis endpoint at url.
func NewClient(url string) *Client {
	return &Client{
		url:  url,
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

// NewClientWithHTTP creates a client using the given HTTP client.
func NewClientWithHTTP(url string, hc *http.Client) *Client {
	return &Client{url: url, http: hc}
}

// Synthesize produces audio for one sentence.
func (c *Client) Synthesize(ctx context.Context, req *Request) (*Synthesis, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	hreq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(hreq)
	if err != nil {
		return nil, fmt.Errorf("synthesize: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("synthesize: status %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("synthesize: read audio: %w", err)
	}
	if len(audio) == 0 {
		return nil, fmt.Errorf("synthesize: empty audio")
	}
	return &Synthesis{Audio: audio, Format: formatOf(resp.Header.Get("Content-Type"))}, nil
}

// formatOf maps a response content type to an audio format name,
// defaulting to mp3, which is what the service produces.
func formatOf(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "mp3"
	}
	switch {
	case strings.Contains(mt, "wav"), strings.Contains(mt, "wave"):
		return "wav"
	case strings.Contains(mt, "pcm"):
		return "pcm"
	default:
		return "mp3"
	}
}
