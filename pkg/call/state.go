package call

// State represents the current phase of a voice call.
type State int

const (
	// StateIdle is the resting state: no call is in progress and no
	// microphone or playback resources are held.
	StateIdle State = iota
	// StateListening is when the voice activity detector is armed and
	// waiting for the user to speak.
	StateListening
	// StateRecording is when the recorder is capturing the user's turn.
	StateRecording
	// StateProcessing is when the captured turn is being transcribed and
	// the assistant reply is being generated.
	StateProcessing
	// StateSpeaking is when synthesized reply audio is being played.
	StateSpeaking
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateListening:
		return "LISTENING"
	case StateRecording:
		return "RECORDING"
	case StateProcessing:
		return "PROCESSING"
	case StateSpeaking:
		return "SPEAKING"
	default:
		return "UNKNOWN"
	}
}

// EventKind identifies a call event dispatched into the state machine.
type EventKind int

const (
	// EvStartCall begins a call from idle.
	EvStartCall EventKind = iota
	// EvEndCall terminates the call from any state. It is never dropped
	// by the dispatch guard.
	EvEndCall
	// EvVoiceDetected is raised by the voice activity detector.
	EvVoiceDetected
	// EvSilenceDetected is raised by the recorder after sustained silence.
	EvSilenceDetected
	// EvAsrComplete carries a non-empty transcription of the user turn.
	EvAsrComplete
	// EvAsrEmpty signals that transcription produced no usable text.
	EvAsrEmpty
	// EvLlmComplete signals that the reply token stream has finished.
	EvLlmComplete
	// EvTtsStarted signals that reply audio has become audible.
	EvTtsStarted
	// EvTtsEnded signals that the playback queue drained naturally.
	EvTtsEnded
	// EvInterrupted signals a confirmed barge-in during playback.
	EvInterrupted
)

// String returns a human-readable event name.
func (k EventKind) String() string {
	switch k {
	case EvStartCall:
		return "START_CALL"
	case EvEndCall:
		return "END_CALL"
	case EvVoiceDetected:
		return "VOICE_DETECTED"
	case EvSilenceDetected:
		return "SILENCE_DETECTED"
	case EvAsrComplete:
		return "ASR_COMPLETE"
	case EvAsrEmpty:
		return "ASR_EMPTY"
	case EvLlmComplete:
		return "LLM_COMPLETE"
	case EvTtsStarted:
		return "TTS_STARTED"
	case EvTtsEnded:
		return "TTS_ENDED"
	case EvInterrupted:
		return "INTERRUPTED"
	default:
		return "UNKNOWN"
	}
}

// CallEvent is a transient event consumed synchronously by the state
// machine. Text is set for EvAsrComplete and EvInterrupted (the verified
// barge-in transcript).
type CallEvent struct {
	Kind EventKind
	Text string
}
