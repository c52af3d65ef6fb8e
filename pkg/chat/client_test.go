package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func sseHandler(t *testing.T, payloads ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		var req Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fl := w.(http.Flusher)
		for _, p := range payloads {
			fmt.Fprintf(w, "data: %s\n\n", p)
			fl.Flush()
		}
	}
}

func collect(t *testing.T, frames <-chan Frame) []Frame {
	t.Helper()
	var out []Frame
	deadline := time.After(2 * time.Second)
	for {
		select {
		case f, ok := <-frames:
			if !ok {
				return out
			}
			out = append(out, f)
		case <-deadline:
			t.Fatal("stream never closed")
		}
	}
}

func TestClientStreamFrames(t *testing.T) {
	srv := httptest.NewServer(sseHandler(t,
		`{"type":"token","content":"你"}`,
		`{"type":"skill_start","name":"weather","input":{"city":"上海"}}`,
		`{"type":"skill_end","name":"weather","output":"晴"}`,
		`{"type":"token","content":"好"}`,
		`{"type":"done"}`,
	))
	defer srv.Close()

	frames, err := NewClient(srv.URL).Stream(context.Background(), &Request{Message: "天气"})
	if err != nil {
		t.Fatal(err)
	}
	got := collect(t, frames)
	if len(got) != 4 {
		t.Fatalf("frames = %+v", got)
	}
	if got[0].Type != FrameToken || got[0].Content != "你" {
		t.Errorf("frame 0 = %+v", got[0])
	}
	if got[1].Type != FrameSkillStart || got[1].Input["city"] != "上海" {
		t.Errorf("frame 1 = %+v", got[1])
	}
	if got[3].Content != "好" {
		t.Errorf("frame 3 = %+v", got[3])
	}
}

func TestClientStreamErrorFrameEndsStream(t *testing.T) {
	srv := httptest.NewServer(sseHandler(t,
		`{"type":"token","content":"a"}`,
		`{"type":"error","message":"model overloaded"}`,
		`{"type":"token","content":"never delivered"}`,
	))
	defer srv.Close()

	frames, err := NewClient(srv.URL).Stream(context.Background(), &Request{Message: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	got := collect(t, frames)
	if len(got) != 2 {
		t.Fatalf("frames = %+v", got)
	}
	if got[1].Type != FrameError || got[1].Message != "model overloaded" {
		t.Errorf("error frame = %+v", got[1])
	}
}

func TestClientStreamSkipsMalformedAndDoneMarker(t *testing.T) {
	srv := httptest.NewServer(sseHandler(t,
		`not json`,
		`{"type":"token","content":"ok"}`,
		`[DONE]`,
	))
	defer srv.Close()

	frames, err := NewClient(srv.URL).Stream(context.Background(), &Request{Message: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	got := collect(t, frames)
	if len(got) != 1 || got[0].Content != "ok" {
		t.Errorf("frames = %+v", got)
	}
}

func TestClientStreamHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "service down", http.StatusBadGateway)
	}))
	defer srv.Close()

	if _, err := NewClient(srv.URL).Stream(context.Background(), &Request{Message: "hi"}); err == nil {
		t.Fatal("expected error for 502")
	}
}

func TestClientStreamHonorsContext(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"type\":\"token\",\"content\":\"a\"}\n\n")
		w.(http.Flusher).Flush()
		<-release
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	frames, err := NewClient(srv.URL).Stream(ctx, &Request{Message: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	<-frames // first token
	cancel()
	collect(t, frames) // must close promptly
}
