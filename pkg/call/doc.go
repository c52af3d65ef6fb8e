// Package call orchestrates real-time, turn-based voice conversations.
//
// A Machine owns the full loop: a voice activity detector notices the
// user speaking, a recorder captures the turn and ends it on sustained
// silence, the turn is transcribed and streamed through the assistant,
// and the reply is segmented into sentences and played back as they
// synthesize. While the assistant speaks, the detector runs in
// keyword-gated mode so the user can barge in by addressing it, which
// stops playback, aborts the reply, and starts a new turn.
//
// The microphone is never shared: the detector and the recorder each
// open their own stream, and at most one of them is capturing in any
// state.
package call
