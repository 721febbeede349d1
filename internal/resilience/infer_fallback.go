package resilience

import (
	"context"

	"github.com/aweiler/calliope/pkg/infer"
)

// InferFallback implements [infer.Engine] with automatic failover across
// multiple inference backends. Each backend has its own circuit breaker; when
// the primary fails or its breaker is open, the next healthy fallback is
// tried.
type InferFallback struct {
	group *FallbackGroup[infer.Engine]
}

var _ infer.Engine = (*InferFallback)(nil)

// NewInferFallback creates an [InferFallback] with primary as the preferred
// backend.
func NewInferFallback(primary infer.Engine, primaryName string, cfg FallbackConfig) *InferFallback {
	return &InferFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional inference engine as a fallback.
func (f *InferFallback) AddFallback(name string, engine infer.Engine) {
	f.group.AddFallback(name, engine)
}

// Execute runs the request against the first healthy backend and returns its
// reply. If the primary fails, subsequent fallbacks are tried.
func (f *InferFallback) Execute(ctx context.Context, deviceID, text string, opts infer.Options) (infer.Reply, error) {
	return ExecuteWithResult(f.group, func(e infer.Engine) (infer.Reply, error) {
		return e.Execute(ctx, deviceID, text, opts)
	})
}
