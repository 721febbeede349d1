// Package mock provides a scriptable synth.Synthesizer for tests.
package mock

import (
	"context"
	"sync"

	"github.com/aweiler/calliope/pkg/synth"
)

// Synthesizer delivers fixed PCM chunks to the sink and records calls.
type Synthesizer struct {
	mu    sync.Mutex
	texts []string

	// Chunks are delivered to the sink in order on every Synthesize call.
	Chunks [][]byte

	// Err, when non-nil, is returned after delivering Chunks.
	Err error
}

// Synthesize records text and plays back the scripted chunks.
func (s *Synthesizer) Synthesize(ctx context.Context, text string, _ synth.Options, sink synth.Sink) error {
	s.mu.Lock()
	s.texts = append(s.texts, text)
	chunks := s.Chunks
	err := s.Err
	s.mu.Unlock()

	for _, c := range chunks {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		sink(c)
	}
	return err
}

// Texts returns every text synthesized so far.
func (s *Synthesizer) Texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.texts))
	copy(out, s.texts)
	return out
}

var _ synth.Synthesizer = (*Synthesizer)(nil)
