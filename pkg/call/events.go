package call

// Event is emitted on the machine's event channel for observers (a UI,
// a logger, a test harness). Events carry state snapshots, transcripts,
// and diagnostics; they never drive the machine itself.
type Event interface {
	EventType() string
}

// CallStartedEvent is emitted once when a call leaves idle.
type CallStartedEvent struct {
	CallID string
}

func (e CallStartedEvent) EventType() string { return "call_started" }

// CallEndedEvent is emitted once when a call returns to idle.
type CallEndedEvent struct {
	CallID string
	Reason string
}

func (e CallEndedEvent) EventType() string { return "call_ended" }

// StateChangedEvent is emitted on every state transition.
type StateChangedEvent struct {
	From State
	To   State
}

func (e StateChangedEvent) EventType() string { return "state_changed" }

// StatusEvent carries a short human-readable status line, suitable for
// display while the call progresses ("listening", "thinking", ...).
type StatusEvent struct {
	Status string
}

func (e StatusEvent) EventType() string { return "status" }

// LevelEvent reports the current microphone level on a 0-255 scale.
// It is emitted at most once per recorder frame.
type LevelEvent struct {
	Level int
}

func (e LevelEvent) EventType() string { return "level" }

// TranscriptEvent carries the transcription of a completed user turn.
type TranscriptEvent struct {
	Text string
}

func (e TranscriptEvent) EventType() string { return "transcript" }

// AssistantDeltaEvent carries an incremental piece of the assistant
// reply as it streams from the language model.
type AssistantDeltaEvent struct {
	Text string
}

func (e AssistantDeltaEvent) EventType() string { return "assistant_delta" }

// AssistantDoneEvent carries the full assistant reply once the token
// stream has finished.
type AssistantDoneEvent struct {
	Text string
}

func (e AssistantDoneEvent) EventType() string { return "assistant_done" }

// SkillStartEvent signals that the assistant began invoking a named
// skill while generating its reply.
type SkillStartEvent struct {
	Name  string
	Input map[string]any
}

func (e SkillStartEvent) EventType() string { return "skill_start" }

// SkillEndEvent signals that a skill invocation finished.
type SkillEndEvent struct {
	Name   string
	Output string
}

func (e SkillEndEvent) EventType() string { return "skill_end" }

// MusicEvent carries a music control frame produced by the assistant
// (play, pause, and similar actions with an optional track payload).
type MusicEvent struct {
	Action string
	Song   map[string]any
}

func (e MusicEvent) EventType() string { return "music" }

// BargeInEvent is emitted when a verified interruption stops playback.
// Transcript holds the text that confirmed the interruption, when the
// detector ran in keyword-gated mode.
type BargeInEvent struct {
	Transcript string
}

func (e BargeInEvent) EventType() string { return "barge_in" }

// EventDroppedEvent is emitted when the dispatch guard discards an
// event that arrived during another transition.
type EventDroppedEvent struct {
	Kind  EventKind
	State State
}

func (e EventDroppedEvent) EventType() string { return "event_dropped" }

// ErrorEvent reports a non-fatal error encountered during the call.
type ErrorEvent struct {
	Code    string
	Message string
}

func (e ErrorEvent) EventType() string { return "error" }
