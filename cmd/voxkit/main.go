// Command voxkit runs a voice conversation against the assistant
// services from the local microphone and speakers.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gordonklaus/portaudio"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/voxkit-go/voxkit/internal/config"
	"github.com/voxkit-go/voxkit/internal/metrics"
	"github.com/voxkit-go/voxkit/pkg/audioio"
	"github.com/voxkit-go/voxkit/pkg/call"
	"github.com/voxkit-go/voxkit/pkg/chat"
	"github.com/voxkit-go/voxkit/pkg/voice/asr"
	"github.com/voxkit-go/voxkit/pkg/voice/tts"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "voxkit:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = flag.String("config", "", "path to YAML config")
		verbose    = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	// .env is optional, environment always wins
	godotenv.Load()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if cfg.Services.ChatURL == "" || cfg.Services.ASRURL == "" || cfg.Services.TTSURL == "" {
		return errors.New("chat, asr and tts service URLs are required (config file or VOXKIT_*_URL)")
	}

	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("portaudio: %w", err)
	}
	defer portaudio.Terminate()

	callCfg := cfg.CallConfig()

	reg := prometheus.NewRegistry()
	obs := metrics.NewObserver(reg)

	ttsClient := tts.NewClient(cfg.Services.TTSURL)
	player := callCfg.Player
	synth := func(ctx context.Context, text string) (*call.Audio, error) {
		s, err := ttsClient.Synthesize(ctx, &tts.Request{
			Text:          text,
			Voice:         player.Voice,
			CustomVoiceID: player.CustomVoiceID,
			Speed:         player.Speed,
		})
		if err != nil {
			return nil, err
		}
		return &call.Audio{Data: s.Audio, Format: call.AudioFormat(s.Format)}, nil
	}

	machine, err := call.NewMachine(callCfg, call.Deps{
		Sources:     audioio.SourceFactory(callCfg.Audio),
		Sink:        audioio.NewSpeaker(),
		Transcriber: asrTranscriber{asr.NewClient(cfg.Services.ASRURL)},
		Chat:        chat.NewClient(cfg.Services.ChatURL),
		Synthesize:  synth,
		Observer:    obs,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	if addr := cfg.Services.MetricsAt; addr != "" {
		srv := &http.Server{Addr: addr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
		g.Go(func() error {
			log.Info("metrics listening", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return srv.Shutdown(shutCtx)
		})
	}

	g.Go(func() error {
		return watchEvents(gctx, log, machine)
	})

	log.Info("starting call", "assistant", callCfg.AssistantName, "vad", string(callCfg.VAD.Backend))
	if err := machine.Start(gctx); err != nil {
		stop()
		g.Wait()
		return err
	}

	<-gctx.Done()
	machine.End()
	return g.Wait()
}

// watchEvents logs the call as it progresses.
func watchEvents(ctx context.Context, log *slog.Logger, m *call.Machine) error {
	for {
		select {
		case ev := <-m.Events():
			switch e := ev.(type) {
			case call.CallStartedEvent:
				log.Info("call started", "call_id", e.CallID)
			case call.CallEndedEvent:
				log.Info("call ended", "call_id", e.CallID, "reason", e.Reason)
			case call.StateChangedEvent:
				log.Debug("state", "from", e.From.String(), "to", e.To.String())
			case call.StatusEvent:
				log.Info(e.Status)
			case call.TranscriptEvent:
				fmt.Printf("you: %s\n", e.Text)
			case call.AssistantDoneEvent:
				fmt.Printf("assistant: %s\n", e.Text)
			case call.SkillStartEvent:
				log.Info("skill", "name", e.Name)
			case call.MusicEvent:
				log.Info("music", "action", e.Action)
			case call.BargeInEvent:
				log.Info("interrupted", "heard", e.Transcript)
			case call.ErrorEvent:
				log.Warn("call error", "code", e.Code, "message", e.Message)
			case call.EventDroppedEvent:
				log.Debug("event dropped", "kind", e.Kind.String(), "state", e.State.String())
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// asrTranscriber adapts the asr client to the engine's interface.
type asrTranscriber struct {
	c *asr.Client
}

func (a asrTranscriber) Transcribe(ctx context.Context, audio []byte, filename string) (string, error) {
	res, err := a.c.Transcribe(ctx, audio, filename)
	if err != nil {
		return "", err
	}
	return res.Text, nil
}
