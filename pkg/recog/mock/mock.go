// Package mock provides an in-memory recog.Engine for tests. Audio fed to an
// utterance is recorded; results and timeouts are injected by the test.
package mock

import (
	"context"
	"sync"

	"github.com/aweiler/calliope/pkg/recog"
)

// Engine is a scriptable recognition engine.
type Engine struct {
	mu         sync.Mutex
	utterances []*Utterance
	results    chan recog.Result
	timeouts   chan recog.Timeout

	// AcceptAudio controls the SendAudio return value. Defaults to true.
	AcceptAudio bool

	// BeginErr, when non-nil, is returned by BeginUtterance.
	BeginErr error
}

// New creates a mock Engine with buffered event channels.
func New() *Engine {
	return &Engine{
		results:     make(chan recog.Result, 16),
		timeouts:    make(chan recog.Timeout, 16),
		AcceptAudio: true,
	}
}

// BeginUtterance records and returns a new mock utterance.
func (e *Engine) BeginUtterance(_ context.Context, deviceID, sessionID string, f recog.Format) (recog.Utterance, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.BeginErr != nil {
		return nil, e.BeginErr
	}
	u := &Utterance{engine: e, DeviceID: deviceID, SessionID: sessionID, Format: f}
	e.utterances = append(e.utterances, u)
	return u, nil
}

// Results returns the injectable result stream.
func (e *Engine) Results() <-chan recog.Result { return e.results }

// Timeouts returns the injectable timeout stream.
func (e *Engine) Timeouts() <-chan recog.Timeout { return e.timeouts }

// EmitResult injects a result event as if the backend produced it.
func (e *Engine) EmitResult(r recog.Result) { e.results <- r }

// EmitTimeout injects a timeout event.
func (e *Engine) EmitTimeout(t recog.Timeout) { e.timeouts <- t }

// Utterances returns a snapshot of every utterance ever begun.
func (e *Engine) Utterances() []*Utterance {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Utterance, len(e.utterances))
	copy(out, e.utterances)
	return out
}

// Utterance records audio and the ended flag.
type Utterance struct {
	engine    *Engine
	DeviceID  string
	SessionID string
	Format    recog.Format

	mu    sync.Mutex
	audio [][]byte
	ended bool
}

// SendAudio records pcm and returns the engine's AcceptAudio setting.
func (u *Utterance) SendAudio(pcm []byte) bool {
	u.engine.mu.Lock()
	accept := u.engine.AcceptAudio
	u.engine.mu.Unlock()
	if !accept {
		return false
	}
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	u.mu.Lock()
	u.audio = append(u.audio, cp)
	u.mu.Unlock()
	return true
}

// End marks the utterance ended.
func (u *Utterance) End(context.Context) error {
	u.mu.Lock()
	u.ended = true
	u.mu.Unlock()
	return nil
}

// Ended reports whether End was called.
func (u *Utterance) Ended() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.ended
}

// Audio returns the recorded chunks.
func (u *Utterance) Audio() [][]byte {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([][]byte, len(u.audio))
	copy(out, u.audio)
	return out
}

// SetAcceptAudio flips whether SendAudio accepts chunks.
func (e *Engine) SetAcceptAudio(accept bool) {
	e.mu.Lock()
	e.AcceptAudio = accept
	e.mu.Unlock()
}
