package executor

import (
	"context"
	"fmt"
	"sync"

	"github.com/ghosthands/core/internal/cost"
	"github.com/ghosthands/core/internal/domain/ghostjobs"
	"github.com/ghosthands/core/internal/progress"
)

// Adapter is the single object a TaskHandler receives to reach outside
// itself: browser control plus the HITL escape hatch. It is the
// "adapter" parameter named in the core's handler contract.
type Adapter interface {
	BrowserSession
	// RequestHuman suspends the job pending human resolution and
	// returns once a resolution has been submitted, injected, and the
	// job transitioned back to running — or returns a human_timeout
	// FatalError if no resolution arrives within timeoutSeconds.
	RequestHuman(ctx context.Context, interactionType, screenshotURL, pageURL string, timeoutSeconds int) (resolutionType string, resolutionData any, err error)
}

// TaskHandler is the core's only extension point: a routine keyed by
// job_type that drives the browser automation for one job. Handlers
// must be idempotent-safe under at-most-once claim plus retry: a
// handler may be invoked again for the same job_id after a prior
// attempt failed retryably.
type TaskHandler interface {
	// Type returns the job_type this handler is responsible for. Must
	// match Registry registration and Job.JobType values exactly.
	Type() string
	// Execute drives one job's automation to completion or a
	// classified failure. tracker and progressTracker are pre-wired to
	// this job's execution; adapter is the browser/HITL escape hatch.
	Execute(ctx context.Context, job *ghostjobs.Job, tracker *cost.Tracker, progressTracker *progress.Tracker, adapter Adapter) error
}

// Registry is the job_type -> handler dispatch table. Registration is
// expected to happen once at worker startup; lookups happen
// concurrently from the dispatcher's claim loop.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]TaskHandler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]TaskHandler)}
}

// Register adds h under h.Type(). A duplicate job_type registration
// is a wiring error and fails fast rather than silently picking one.
func (r *Registry) Register(h TaskHandler) error {
	if h == nil {
		return fmt.Errorf("nil task handler")
	}
	t := h.Type()
	if t == "" {
		return fmt.Errorf("task handler Type() is empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[t]; exists {
		return fmt.Errorf("handler already registered for job_type=%s", t)
	}
	r.handlers[t] = h
	return nil
}

// Get looks up the handler responsible for jobType.
func (r *Registry) Get(jobType string) (TaskHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[jobType]
	return h, ok
}
