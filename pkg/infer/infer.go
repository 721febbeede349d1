// Package infer defines the Engine interface for conversational inference
// backends: given a finalized transcript, produce the assistant's reply text
// and an emotion label for the device display.
package infer

import "context"

// Options carries the per-turn context for an inference call.
type Options struct {
	// Persona is the system persona resolved from the device configuration.
	Persona string

	// Workflows names the workflow set active for this device, in priority
	// order. The first entry is the main workflow.
	Workflows []string

	// DeviceInfo is free-form metadata about the requesting device that the
	// backend may surface to tools.
	DeviceInfo map[string]string
}

// Reply is the result of one inference turn.
type Reply struct {
	// Text is the assistant's reply. Empty means the backend chose not to
	// respond; callers must treat that as a silent no-op, not an error.
	Text string

	// Emotion is an optional device-facing emotion label (e.g. "happy",
	// "neutral"). May be empty.
	Emotion string
}

// Engine is the abstraction over a conversational inference backend.
//
// Implementations must be safe for concurrent use; a server hosts many
// devices and turns for different devices may overlap.
type Engine interface {
	// Execute runs one inference turn for the given device. Blocking;
	// honours ctx cancellation. A nil error with an empty Reply.Text is a
	// valid "nothing to say" outcome.
	Execute(ctx context.Context, deviceID, text string, opts Options) (Reply, error)
}
