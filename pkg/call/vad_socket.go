package call

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// vadSampleRate is the rate the detection server expects on the wire.
const vadSampleRate = 16000

// modelClient bounds the prefetch so a dead asset host cannot hang
// detector startup past the call context.
var modelClient = &http.Client{Timeout: 30 * time.Second}

// socketVADConfig is the first frame sent after connecting. The server
// will not accept audio until it arrives.
type socketVADConfig struct {
	Mode       string `json:"mode"`
	ChunkSize  int    `json:"chunk_size"`
	WavFormat  string `json:"wav_format"`
	IsSpeaking bool   `json:"is_speaking"`
}

// socketVADResult is one detection frame from the server. A non-empty
// Text marks ongoing speech; IsFinal or an empty Text marks its end.
type socketVADResult struct {
	Text    string `json:"text"`
	IsFinal bool   `json:"is_final"`
}

// socketVAD streams raw PCM to a silero detection server over a
// websocket. In client mode the model asset is fetched before
// connecting, so a cold server (or a cold CDN cache) is warmed up front
// instead of stalling the first detection.
type socketVAD struct {
	opts backendOpts

	conn    *websocket.Conn
	writeMu sync.Mutex
	done    chan struct{}
	readEnd chan struct{}

	speaking bool
}

func newSocketVAD(opts backendOpts) *socketVAD {
	return &socketVAD{
		opts:    opts,
		done:    make(chan struct{}),
		readEnd: make(chan struct{}),
	}
}

func (v *socketVAD) Name() string {
	if v.opts.cfg.Backend == VADSileroClient {
		return "silero_client"
	}
	return "silero_server"
}

func (v *socketVAD) Start(ctx context.Context) error {
	if v.opts.cfg.ServerURL == "" {
		v.cancelStart()
		return fmt.Errorf("no detection server configured")
	}
	if v.opts.cfg.Backend == VADSileroClient {
		if err := v.fetchModel(ctx); err != nil {
			v.cancelStart()
			return err
		}
	}

	v.opts.onStatus("connecting")
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, v.opts.cfg.ServerURL, nil)
	if err != nil {
		v.cancelStart()
		return fmt.Errorf("dial detection server: %w", err)
	}
	v.conn = conn

	mode := "server"
	if v.opts.cfg.Backend == VADSileroClient {
		mode = "client"
	}
	chunkSize := v.opts.cfg.ChunkSize
	if chunkSize <= 0 {
		chunkSize = v.opts.audio.FrameSize
	}
	cfg := socketVADConfig{
		Mode:       mode,
		ChunkSize:  chunkSize,
		WavFormat:  "pcm",
		IsSpeaking: true,
	}
	if err := conn.WriteJSON(cfg); err != nil {
		conn.Close()
		v.cancelStart()
		return fmt.Errorf("send detection config: %w", err)
	}

	frames, err := v.opts.source.Start(ctx)
	if err != nil {
		conn.Close()
		v.cancelStart()
		return err
	}

	go v.readLoop()
	go v.writeLoop(frames, chunkSize*2)
	return nil
}

func (v *socketVAD) cancelStart() {
	close(v.done)
	close(v.readEnd)
}

// fetchModel pulls the model asset referenced by ModelURL. The bytes
// themselves are discarded; the point is to force the asset hot before
// audio starts flowing.
func (v *socketVAD) fetchModel(ctx context.Context) error {
	if v.opts.cfg.ModelURL == "" {
		return nil
	}
	v.opts.onStatus("loading model")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.opts.cfg.ModelURL, nil)
	if err != nil {
		return err
	}
	resp, err := modelClient.Do(req)
	if err != nil {
		return fmt.Errorf("fetch detection model: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch detection model: status %d", resp.StatusCode)
	}
	n, err := io.Copy(io.Discard, resp.Body)
	if err != nil {
		return fmt.Errorf("fetch detection model: %w", err)
	}
	v.opts.onStatus(fmt.Sprintf("model ready (%d bytes)", n))
	return nil
}

func (v *socketVAD) writeLoop(frames <-chan []byte, chunkBytes int) {
	defer close(v.done)
	captureRate := v.opts.audio.SampleRate
	buf := make([]byte, 0, chunkBytes*2)
	for frame := range frames {
		v.opts.onFrame(frame)
		buf = append(buf, ResamplePCM(frame, captureRate, vadSampleRate)...)
		for len(buf) >= chunkBytes {
			v.writeMu.Lock()
			err := v.conn.WriteMessage(websocket.BinaryMessage, buf[:chunkBytes])
			v.writeMu.Unlock()
			if err != nil {
				return
			}
			buf = append(buf[:0], buf[chunkBytes:]...)
		}
	}
}

func (v *socketVAD) readLoop() {
	defer close(v.readEnd)
	for {
		_, msg, err := v.conn.ReadMessage()
		if err != nil {
			return
		}
		var res socketVADResult
		if err := json.Unmarshal(msg, &res); err != nil {
			// malformed frames are skipped, detection state is kept
			continue
		}
		switch {
		case res.Text != "" && !v.speaking:
			v.speaking = true
			v.opts.onSpeech(true)
		case v.speaking && (res.IsFinal || res.Text == ""):
			v.speaking = false
			v.opts.onSpeech(false)
		}
	}
}

func (v *socketVAD) Stop() error {
	v.opts.source.Stop()
	<-v.done
	if v.conn != nil {
		// tell the server the client is done before dropping the socket
		v.writeMu.Lock()
		v.conn.WriteJSON(socketVADConfig{IsSpeaking: false})
		v.writeMu.Unlock()
		v.conn.Close()
		<-v.readEnd
	}
	return nil
}
