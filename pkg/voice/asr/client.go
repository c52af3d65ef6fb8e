// Package asr transcribes recorded audio through the speech
// recognition service.
package asr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"
)

// Segment is one timed span of the transcription.
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Result is the service response for one clip.
type Result struct {
	Success  bool      `json:"success"`
	Text     string    `json:"text"`
	Segments []Segment `json:"segments,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// Client talks to the transcription endpoint.
type Client struct {
	url  string
	http *http.Client
}

// NewClient creates a client for the transcription endpoint at url.
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

// Transcribe posts a complete audio file (WAV or anything else the
// service accepts) and returns the recognized text. A successful
// response with empty text means the clip held no speech.
func (c *Client) Transcribe(ctx context.Context, audio []byte, filename string) (*Result, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(audio); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("transcribe: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("transcribe: status %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}

	var res Result
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, fmt.Errorf("transcribe: decode response: %w", err)
	}
	if !res.Success {
		if res.Error != "" {
			return nil, fmt.Errorf("transcribe: %s", res.Error)
		}
		return nil, fmt.Errorf("transcribe: service reported failure")
	}
	return &res, nil
}
