package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/aweiler/calliope/pkg/infer"
	"github.com/aweiler/calliope/pkg/recog"
	"github.com/aweiler/calliope/pkg/synth"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// factoryFor builds one pipeline-stage provider from its config entry.
type factoryFor[T any] func(ProviderEntry) (T, error)

// Registry maps provider names to their constructor functions for each
// pipeline stage. It is safe for concurrent use.
type Registry struct {
	mu  sync.RWMutex
	llm map[string]factoryFor[infer.Engine]
	stt map[string]factoryFor[recog.Engine]
	tts map[string]factoryFor[synth.Synthesizer]
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		llm: make(map[string]factoryFor[infer.Engine]),
		stt: make(map[string]factoryFor[recog.Engine]),
		tts: make(map[string]factoryFor[synth.Synthesizer]),
	}
}

// RegisterLLM registers an inference engine factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterLLM(name string, factory func(ProviderEntry) (infer.Engine, error)) {
	register(r, r.llm, name, factoryFor[infer.Engine](factory))
}

// RegisterSTT registers a speech recognition engine factory under name.
func (r *Registry) RegisterSTT(name string, factory func(ProviderEntry) (recog.Engine, error)) {
	register(r, r.stt, name, factoryFor[recog.Engine](factory))
}

// RegisterTTS registers a speech synthesizer factory under name.
func (r *Registry) RegisterTTS(name string, factory func(ProviderEntry) (synth.Synthesizer, error)) {
	register(r, r.tts, name, factoryFor[synth.Synthesizer](factory))
}

// CreateLLM instantiates an inference engine using the factory registered
// under entry.Name. Returns [ErrProviderNotRegistered] if no factory has been
// registered for that name.
func (r *Registry) CreateLLM(entry ProviderEntry) (infer.Engine, error) {
	return create(r, r.llm, "llm", entry)
}

// CreateSTT instantiates a recognition engine using the factory registered under entry.Name.
func (r *Registry) CreateSTT(entry ProviderEntry) (recog.Engine, error) {
	return create(r, r.stt, "stt", entry)
}

// CreateTTS instantiates a synthesizer using the factory registered under entry.Name.
func (r *Registry) CreateTTS(entry ProviderEntry) (synth.Synthesizer, error) {
	return create(r, r.tts, "tts", entry)
}

func register[T any](r *Registry, m map[string]factoryFor[T], name string, factory factoryFor[T]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m[name] = factory
}

func create[T any](r *Registry, m map[string]factoryFor[T], stage string, entry ProviderEntry) (T, error) {
	r.mu.RLock()
	factory, ok := m[entry.Name]
	r.mu.RUnlock()
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %s/%q", ErrProviderNotRegistered, stage, entry.Name)
	}
	return factory(entry)
}
