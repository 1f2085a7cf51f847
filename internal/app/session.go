package app

import (
	"context"
	"fmt"

	"github.com/ghosthands/core/internal/executor"
)

// unimplementedSessionFactory is the default executor.SessionFactory:
// browser automation is the core's one deliberate extension point, so
// a fresh App has no handlers and no sessions to open. TaskHandlers are
// registered against App.Registry before calling Start; the
// SessionFactory is not: App.New always wires this one into the
// executor and App offers no way to substitute another, so every job
// fails at session open with browser_crashed.
type unimplementedSessionFactory struct{}

func (unimplementedSessionFactory) Open(_ context.Context, jobID string, jobType string) (executor.BrowserSession, error) {
	return nil, fmt.Errorf("no session factory registered for job_type=%s (job_id=%s)", jobType, jobID)
}
