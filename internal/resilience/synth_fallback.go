package resilience

import (
	"context"

	"github.com/aweiler/calliope/pkg/synth"
)

// SynthFallback implements [synth.Synthesizer] with automatic failover across
// multiple synthesis backends. Each backend has its own circuit breaker.
//
// Failover covers the whole Synthesize call: a backend that fails mid-stream
// has already delivered PCM to the sink, so the caller may hear the start of
// the sentence twice. That beats hearing nothing.
type SynthFallback struct {
	group *FallbackGroup[synth.Synthesizer]
}

var _ synth.Synthesizer = (*SynthFallback)(nil)

// NewSynthFallback creates a [SynthFallback] with primary as the preferred
// backend.
func NewSynthFallback(primary synth.Synthesizer, primaryName string, cfg FallbackConfig) *SynthFallback {
	return &SynthFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional synthesizer as a fallback.
func (f *SynthFallback) AddFallback(name string, s synth.Synthesizer) {
	f.group.AddFallback(name, s)
}

// Synthesize streams text through the first healthy backend.
func (f *SynthFallback) Synthesize(ctx context.Context, text string, opts synth.Options, sink synth.Sink) error {
	return f.group.Execute(func(s synth.Synthesizer) error {
		return s.Synthesize(ctx, text, opts, sink)
	})
}
