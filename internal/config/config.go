// Package config loads the voxkit configuration from a YAML file with
// environment overrides for deployment-specific values.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/voxkit-go/voxkit/pkg/call"
)

// Services holds the endpoints of the backing services.
type Services struct {
	ChatURL   string `yaml:"chat_url"`
	ASRURL    string `yaml:"asr_url"`
	TTSURL    string `yaml:"tts_url"`
	VADURL    string `yaml:"vad_url"`
	VADModel  string `yaml:"vad_model_url"`
	MetricsAt string `yaml:"metrics_addr"`
}

// Config is the full application configuration.
type Config struct {
	Assistant struct {
		Name    string   `yaml:"name"`
		Aliases []string `yaml:"aliases"`
	} `yaml:"assistant"`

	Voice struct {
		Name          string  `yaml:"name"`
		CustomVoiceID string  `yaml:"custom_voice_id"`
		Speed         float64 `yaml:"speed"`
	} `yaml:"voice"`

	VAD struct {
		Backend         string  `yaml:"backend"`
		EnergyThreshold int     `yaml:"energy_threshold"`
		TriggerFrames   int     `yaml:"trigger_frames"`
		SpectralRatio   float64 `yaml:"spectral_ratio"`
		SpectralFloor   float64 `yaml:"spectral_floor"`
		IgnoreWindowMs  int     `yaml:"ignore_window_ms"`
	} `yaml:"vad"`

	Recorder struct {
		SilenceThreshold  int `yaml:"silence_threshold"`
		SilenceDurationMs int `yaml:"silence_duration_ms"`
		MaxDurationSec    int `yaml:"max_duration_sec"`
	} `yaml:"recorder"`

	GraceDelayMs int `yaml:"grace_delay_ms"`

	Services Services `yaml:"services"`
}

// Load reads path (optional) and applies environment overrides.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyEnv()
	return &cfg, nil
}

func (c *Config) applyEnv() {
	envStr("VOXKIT_CHAT_URL", &c.Services.ChatURL)
	envStr("VOXKIT_ASR_URL", &c.Services.ASRURL)
	envStr("VOXKIT_TTS_URL", &c.Services.TTSURL)
	envStr("VOXKIT_VAD_URL", &c.Services.VADURL)
	envStr("VOXKIT_VAD_MODEL_URL", &c.Services.VADModel)
	envStr("VOXKIT_METRICS_ADDR", &c.Services.MetricsAt)
	envStr("VOXKIT_ASSISTANT_NAME", &c.Assistant.Name)
	envStr("VOXKIT_VOICE", &c.Voice.Name)
	envStr("VOXKIT_VAD_BACKEND", &c.VAD.Backend)
	envInt("VOXKIT_GRACE_DELAY_MS", &c.GraceDelayMs)
}

func envStr(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

// CallConfig translates the file form into the engine's configuration,
// filling anything unset with engine defaults.
func (c *Config) CallConfig() call.Config {
	cfg := call.DefaultConfig()

	if c.Assistant.Name != "" {
		cfg.AssistantName = c.Assistant.Name
	}
	cfg.Aliases = c.Assistant.Aliases

	if c.Voice.Name != "" {
		cfg.Player.Voice = c.Voice.Name
	}
	cfg.Player.CustomVoiceID = c.Voice.CustomVoiceID
	cfg.Player.Speed = c.Voice.Speed

	if c.VAD.Backend != "" {
		cfg.VAD.Backend = call.VADBackend(c.VAD.Backend)
	}
	cfg.VAD.ServerURL = c.Services.VADURL
	cfg.VAD.ModelURL = c.Services.VADModel
	if c.VAD.EnergyThreshold > 0 {
		cfg.VAD.EnergyThreshold = c.VAD.EnergyThreshold
	}
	if c.VAD.TriggerFrames > 0 {
		cfg.VAD.TriggerFrames = c.VAD.TriggerFrames
	}
	if c.VAD.SpectralRatio > 0 {
		cfg.VAD.SpectralRatio = c.VAD.SpectralRatio
	}
	if c.VAD.SpectralFloor > 0 {
		cfg.VAD.SpectralFloor = c.VAD.SpectralFloor
	}
	if c.VAD.IgnoreWindowMs > 0 {
		cfg.VAD.IgnoreWindow = time.Duration(c.VAD.IgnoreWindowMs) * time.Millisecond
	}

	if c.Recorder.SilenceThreshold > 0 {
		cfg.Recorder.SilenceThreshold = c.Recorder.SilenceThreshold
	}
	if c.Recorder.SilenceDurationMs > 0 {
		cfg.Recorder.SilenceDuration = time.Duration(c.Recorder.SilenceDurationMs) * time.Millisecond
	}
	if c.Recorder.MaxDurationSec > 0 {
		cfg.Recorder.MaxDuration = time.Duration(c.Recorder.MaxDurationSec) * time.Second
	}

	if c.GraceDelayMs > 0 {
		cfg.GraceDelay = time.Duration(c.GraceDelayMs) * time.Millisecond
	}
	return cfg
}
