// Package synth defines the Synthesizer interface for text-to-speech
// backends.
//
// A synthesizer streams raw little-endian 16-bit mono PCM into a [Sink] as
// audio becomes available; the egress pipeline's audio-chunk path is the sink
// in production. Synthesize returns once all audio for the text has been
// delivered to the sink; the caller then flushes the egress pipeline.
package synth

import "context"

// Sink receives one chunk of raw PCM. Chunk sizes are backend-dependent.
type Sink func(pcm []byte)

// Options carries the synthesis parameters for one request.
type Options struct {
	// SampleRate is the requested output rate in Hz (24000 for the device
	// protocol).
	SampleRate int

	// Voice optionally selects a backend voice. Empty picks the backend
	// default.
	Voice string
}

// Synthesizer is the abstraction over a TTS backend.
//
// Implementations must be safe for concurrent use; synthesis for different
// sessions may overlap.
type Synthesizer interface {
	// Synthesize converts text to speech, delivering PCM to sink as it is
	// produced. Blocking; honours ctx cancellation. An error means some or
	// all audio was not delivered.
	Synthesize(ctx context.Context, text string, opts Options, sink Sink) error
}
