// Package mock provides a scriptable infer.Engine for tests.
package mock

import (
	"context"
	"sync"

	"github.com/aweiler/calliope/pkg/infer"
)

// Call records one Execute invocation.
type Call struct {
	DeviceID string
	Text     string
	Opts     infer.Options
}

// Engine returns a fixed reply (or error) and records calls. The zero value
// replies with empty text.
type Engine struct {
	mu    sync.Mutex
	calls []Call

	// Reply is returned from Execute when Err is nil.
	Reply infer.Reply

	// Err, when non-nil, is returned from Execute.
	Err error

	// OnExecute, when non-nil, runs inside Execute before returning. Use it
	// to flip session state mid-inference (e.g. simulate a barge-in).
	OnExecute func()
}

// Execute records the call and returns the scripted reply.
func (e *Engine) Execute(_ context.Context, deviceID, text string, opts infer.Options) (infer.Reply, error) {
	e.mu.Lock()
	e.calls = append(e.calls, Call{DeviceID: deviceID, Text: text, Opts: opts})
	fn := e.OnExecute
	reply, err := e.Reply, e.Err
	e.mu.Unlock()

	if fn != nil {
		fn()
	}
	if err != nil {
		return infer.Reply{}, err
	}
	return reply, nil
}

// Calls returns a snapshot of recorded calls.
func (e *Engine) Calls() []Call {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Call, len(e.calls))
	copy(out, e.calls)
	return out
}

var _ infer.Engine = (*Engine)(nil)
