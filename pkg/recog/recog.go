// Package recog defines the Engine interface for streaming speech
// recognition backends.
//
// A recognizer consumes voiced PCM one utterance at a time: BeginUtterance
// opens a bounded recognition window, SendAudio feeds it, and End (or the
// engine's own timeout) closes it. Results and timeouts arrive asynchronously
// on engine-level channels rather than per-utterance return values, because
// a final transcript may land after the utterance has already been ended by
// server-side endpointing.
//
// Implementations must be safe for concurrent use across utterances of
// different sessions.
package recog

import "context"

// Format describes the PCM audio an utterance will carry.
type Format struct {
	// SampleRate in Hz (e.g. 16000 for device microphone capture).
	SampleRate int

	// Channels is the channel count; 1 for the device protocol.
	Channels int
}

// Result is a transcription event for one utterance.
type Result struct {
	// SessionID identifies the utterance this result belongs to.
	SessionID string

	// DeviceID identifies the device whose audio produced the result.
	DeviceID string

	// Text is the transcript so far (interim) or the committed transcript
	// (final).
	Text string

	// IsFinal marks the authoritative end-of-utterance transcript.
	IsFinal bool
}

// Timeout signals that the recognizer gave up waiting for speech on an open
// utterance. The session owning the device must drop back to idle.
type Timeout struct {
	DeviceID string
}

// Utterance is one open recognition window. It is not safe for concurrent
// use; the capture pipeline owns it exclusively.
type Utterance interface {
	// SendAudio offers a chunk of voiced PCM. The return value reports
	// whether the chunk was accepted; false means the engine's ingest is
	// momentarily full and the caller should buffer and retry. SendAudio
	// must never block.
	SendAudio(pcm []byte) bool

	// End closes the utterance and asks the engine to finalize. Calling End
	// on an already-ended utterance is a no-op.
	End(ctx context.Context) error
}

// Engine is the abstraction over a streaming recognition backend.
type Engine interface {
	// BeginUtterance opens a recognition window identified by sessionID for
	// the given device. At most one utterance may be open per device; the
	// caller enforces this.
	BeginUtterance(ctx context.Context, deviceID, sessionID string, f Format) (Utterance, error)

	// Results returns the engine-wide stream of transcription events.
	Results() <-chan Result

	// Timeouts returns the engine-wide stream of utterance timeouts.
	Timeouts() <-chan Timeout
}
