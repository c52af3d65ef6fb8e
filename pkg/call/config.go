package call

import "time"

// AudioConfig describes the PCM format used on the microphone path.
// All capture-side components assume 16-bit little-endian samples.
type AudioConfig struct {
	SampleRate int // samples per second
	Channels   int // 1 for mono
	FrameSize  int // samples per analysis frame
}

// DefaultAudioConfig returns the capture format used throughout:
// 16 kHz mono with 512-sample frames (32 ms).
func DefaultAudioConfig() AudioConfig {
	return AudioConfig{
		SampleRate: 16000,
		Channels:   1,
		FrameSize:  512,
	}
}

// BytesPerSecond returns the PCM byte rate for this format.
func (c AudioConfig) BytesPerSecond() int {
	return c.SampleRate * c.Channels * 2
}

// FrameBytes returns the size of one analysis frame in bytes.
func (c AudioConfig) FrameBytes() int {
	return c.FrameSize * c.Channels * 2
}

// DurationOf returns the play time of n PCM bytes in this format.
func (c AudioConfig) DurationOf(n int) time.Duration {
	bps := c.BytesPerSecond()
	if bps == 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(bps)
}

// BytesFor returns the number of PCM bytes covering d of audio,
// rounded down to a whole sample.
func (c AudioConfig) BytesFor(d time.Duration) int {
	n := int(d * time.Duration(c.BytesPerSecond()) / time.Second)
	return n - n%2
}

// VADBackend selects the speech detection strategy.
type VADBackend string

const (
	// VADSileroClient streams audio to a detection server after first
	// fetching the model asset, so the server can start cold.
	VADSileroClient VADBackend = "silero_client"
	// VADSileroServer streams audio to a detection server that already
	// holds the model.
	VADSileroServer VADBackend = "silero_server"
	// VADSpectral analyzes band energy locally in the speech range.
	VADSpectral VADBackend = "spectral"
	// VADEnergy thresholds the frame amplitude locally.
	VADEnergy VADBackend = "energy"
)

// VADConfig configures the voice activity detector.
type VADConfig struct {
	Backend VADBackend

	// ServerURL is the websocket endpoint for the silero backends.
	ServerURL string
	// ModelURL is fetched before connecting in silero_client mode.
	ModelURL string
	// ChunkSize is the sample count per frame sent to the server.
	ChunkSize int

	// EnergyThreshold is the 0-255 level an amplitude frame must reach.
	EnergyThreshold int
	// TriggerFrames is how many consecutive qualifying frames flip the
	// amplitude backend into (or out of) the speaking state.
	TriggerFrames int

	// SpectralRatio is the minimum share of frame energy that must fall
	// in the speech band for the spectral backend.
	SpectralRatio float64
	// SpectralFloor is the minimum average band energy, rejecting quiet
	// frames whose ratio is dominated by noise.
	SpectralFloor float64
	// SpeechFrames and SilenceFrames are the spectral backend's
	// asymmetric hysteresis counts.
	SpeechFrames  int
	SilenceFrames int

	// IgnoreWindow suppresses detections for a short period after the
	// detector starts, long enough to skip the attack of our own
	// playback reaching the microphone.
	IgnoreWindow time.Duration
}

// DefaultVADConfig returns detector settings tuned for 16 kHz speech.
func DefaultVADConfig() VADConfig {
	return VADConfig{
		Backend:         VADEnergy,
		ChunkSize:       512,
		EnergyThreshold: 12,
		TriggerFrames:   3,
		SpectralRatio:   0.45,
		SpectralFloor:   120,
		SpeechFrames:    3,
		SilenceFrames:   8,
		IgnoreWindow:    300 * time.Millisecond,
	}
}

// KeywordConfig configures barge-in verification while the assistant is
// speaking. A raw speech-start from the detector is only promoted to an
// interruption if a short transcription of the surrounding audio
// contains one of the interrupt words.
type KeywordConfig struct {
	// Words are matched case-insensitively against the verification
	// transcript. The assistant's name and aliases belong here.
	Words []string
	// PreRoll is how much audio before the detection to keep buffered.
	PreRoll time.Duration
	// PostRoll is how much audio after the detection to capture before
	// transcribing.
	PostRoll time.Duration
	// Timeout bounds the verification transcription request.
	Timeout time.Duration
}

// DefaultKeywordConfig returns verification settings with an empty word
// list; callers add the assistant name and any aliases.
func DefaultKeywordConfig() KeywordConfig {
	return KeywordConfig{
		PreRoll:  3 * time.Second,
		PostRoll: 800 * time.Millisecond,
		Timeout:  5 * time.Second,
	}
}

// RecorderConfig configures turn capture and end-of-turn detection.
type RecorderConfig struct {
	// SilenceThreshold is the 0-255 level below which a frame counts as
	// silent.
	SilenceThreshold int
	// SilenceDuration is how long the level must stay below the
	// threshold, uninterrupted, to end the turn. The countdown is armed
	// only after the first above-threshold frame.
	SilenceDuration time.Duration
	// MaxDuration caps a single turn. Zero disables the cap.
	MaxDuration time.Duration
}

// DefaultRecorderConfig returns turn capture settings.
func DefaultRecorderConfig() RecorderConfig {
	return RecorderConfig{
		SilenceThreshold: 10,
		SilenceDuration:  1500 * time.Millisecond,
		MaxDuration:      60 * time.Second,
	}
}

// SegmenterConfig configures sentence segmentation of the reply stream.
type SegmenterConfig struct {
	// MinLen is the rune count a buffered segment must reach before a
	// weak delimiter may flush it.
	MinLen int
	// MaxLen is the rune count at which the buffer flushes regardless
	// of delimiters.
	MaxLen int
}

// DefaultSegmenterConfig returns segmentation bounds sized for short
// synthesizable sentences.
func DefaultSegmenterConfig() SegmenterConfig {
	return SegmenterConfig{
		MinLen: 6,
		MaxLen: 25,
	}
}

// PlayerConfig configures the streaming playback queue.
type PlayerConfig struct {
	// Voice is the synthesis voice name.
	Voice string
	// CustomVoiceID selects a cloned voice when set, overriding Voice.
	CustomVoiceID string
	// Speed is the synthesis speed multiplier. Zero means server default.
	Speed float64
}

// Config gathers everything the call machine needs.
type Config struct {
	Audio     AudioConfig
	VAD       VADConfig
	Keyword   KeywordConfig
	Recorder  RecorderConfig
	Segmenter SegmenterConfig
	Player    PlayerConfig

	// AssistantName seeds the chat request and, with Aliases, the
	// interrupt word list when KeywordConfig.Words is empty.
	AssistantName string
	Aliases       []string

	// GraceDelay is the pause between a confirmed interruption and the
	// start of recording, letting playback decay out of the microphone.
	GraceDelay time.Duration

	// EventBuffer sizes the observer event channel.
	EventBuffer int
}

// DefaultConfig returns a complete configuration with every subsystem
// at its defaults.
func DefaultConfig() Config {
	return Config{
		Audio:       DefaultAudioConfig(),
		VAD:         DefaultVADConfig(),
		Keyword:     DefaultKeywordConfig(),
		Recorder:    DefaultRecorderConfig(),
		Segmenter:   DefaultSegmenterConfig(),
		Player:      PlayerConfig{Voice: "default"},
		GraceDelay:  200 * time.Millisecond,
		EventBuffer: 256,
	}
}
