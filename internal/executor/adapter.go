package executor

import (
	"context"

	"github.com/google/uuid"

	"github.com/ghosthands/core/internal/hitl"
)

// jobAdapter is the concrete Adapter passed to a TaskHandler: the
// job's browser session plus a HITL coordinator bound to this job's
// identity and callback URL, so a handler calling RequestHuman never
// needs to know about job plumbing.
type jobAdapter struct {
	BrowserSession
	hitl        *hitl.Coordinator
	jobID       uuid.UUID
	callbackURL string
	valetTaskID string
}

func (a *jobAdapter) RequestHuman(ctx context.Context, interactionType, screenshotURL, pageURL string, timeoutSeconds int) (string, any, error) {
	return a.hitl.RequestHuman(ctx, a.jobID, a.callbackURL, a.valetTaskID, a.BrowserSession, interactionType, screenshotURL, pageURL, timeoutSeconds)
}
