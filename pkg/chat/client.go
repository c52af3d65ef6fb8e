// Package chat streams assistant replies from the conversation service
// as typed frames over server-sent events.
package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// Frame types produced by the reply stream.
const (
	FrameToken      = "token"
	FrameSkillStart = "skill_start"
	FrameSkillEnd   = "skill_end"
	FrameMusic      = "music"
	FrameError      = "error"
	FrameDone       = "done"
)

// Frame is one typed unit of a streamed reply.
type Frame struct {
	Type    string         `json:"type"`
	Content string         `json:"content,omitempty"`
	Name    string         `json:"name,omitempty"`
	Input   map[string]any `json:"input,omitempty"`
	Output  string         `json:"output,omitempty"`
	Message string         `json:"message,omitempty"`
	Action  string         `json:"action,omitempty"`
	Song    map[string]any `json:"song,omitempty"`
}

// Message is one conversation turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a reply-stream request. History excludes the current
// message.
type Request struct {
	Message       string    `json:"message"`
	History       []Message `json:"history,omitempty"`
	AssistantName string    `json:"assistant_name,omitempty"`
	Model         string    `json:"model,omitempty"`
}

// Client talks to the conversation service.
type Client struct {
	url  string
	http *http.Client
}

// NewClient creates a client for the stream endpoint at url.
func NewClient(url string) *Client {
	return &Client{
		url: url,
		// no overall timeout: replies stream for as long as they need
		http: &http.Client{Timeout: 0},
	}
}

// NewClientWithHTTP creates a client using the given HTTP client.
func NewClientWithHTTP(url string, hc *http.Client) *Client {
	return &Client{url: url, http: hc}
}

// Stream requests a reply and delivers its frames in order. The channel
// closes when the reply completes, errors, or ctx is cancelled; error
// frames arrive in-band with Type FrameError.
func (c *Client) Stream(ctx context.Context, req *Request) (<-chan Frame, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	hreq.Header.Set("Content-Type", "application/json")
	hreq.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(hreq)
	if err != nil {
		return nil, fmt.Errorf("chat stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("chat stream: status %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}

	frames := make(chan Frame, 16)
	go func() {
		defer close(frames)
		defer resp.Body.Close()
		reader := newSSEReader(resp.Body)
		for {
			data, err := reader.Next()
			if err != nil {
				return
			}
			if string(bytes.TrimSpace(data)) == "[DONE]" {
				return
			}
			var f Frame
			if err := json.Unmarshal(data, &f); err != nil {
				continue
			}
			if f.Type == FrameDone {
				return
			}
			select {
			case frames <- f:
			case <-ctx.Done():
				return
			}
			if f.Type == FrameError {
				return
			}
		}
	}()
	return frames, nil
}
