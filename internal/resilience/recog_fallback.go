package resilience

import (
	"context"

	"github.com/aweiler/calliope/pkg/recog"
)

// RecogFallback implements [recog.Engine] with automatic failover across
// multiple recognition backends. Opening an utterance goes through the
// fallback group; results and timeouts from every backend are fanned in to a
// single pair of channels, so the consumer does not care which backend
// produced an event.
//
// Only BeginUtterance participates in failover. Once an utterance is open it
// stays pinned to the backend that accepted it; a backend dying mid-utterance
// surfaces as a recognizer timeout, which the session already handles.
type RecogFallback struct {
	group    *FallbackGroup[recog.Engine]
	results  chan recog.Result
	timeouts chan recog.Timeout
}

var _ recog.Engine = (*RecogFallback)(nil)

// NewRecogFallback creates a [RecogFallback] with primary as the preferred
// backend.
func NewRecogFallback(primary recog.Engine, primaryName string, cfg FallbackConfig) *RecogFallback {
	f := &RecogFallback{
		group:    NewFallbackGroup(primary, primaryName, cfg),
		results:  make(chan recog.Result, 16),
		timeouts: make(chan recog.Timeout, 16),
	}
	f.pump(primary)
	return f
}

// AddFallback registers an additional recognition engine as a fallback.
func (f *RecogFallback) AddFallback(name string, engine recog.Engine) {
	f.group.AddFallback(name, engine)
	f.pump(engine)
}

// pump forwards one backend's event streams into the merged channels. The
// goroutines exit when the backend closes its channels.
func (f *RecogFallback) pump(engine recog.Engine) {
	go func() {
		for r := range engine.Results() {
			f.results <- r
		}
	}()
	go func() {
		for t := range engine.Timeouts() {
			f.timeouts <- t
		}
	}()
}

// BeginUtterance opens a recognition window on the first healthy backend.
func (f *RecogFallback) BeginUtterance(ctx context.Context, deviceID, sessionID string, format recog.Format) (recog.Utterance, error) {
	return ExecuteWithResult(f.group, func(e recog.Engine) (recog.Utterance, error) {
		return e.BeginUtterance(ctx, deviceID, sessionID, format)
	})
}

// Results returns the merged transcription event stream.
func (f *RecogFallback) Results() <-chan recog.Result { return f.results }

// Timeouts returns the merged utterance timeout stream.
func (f *RecogFallback) Timeouts() <-chan recog.Timeout { return f.timeouts }
