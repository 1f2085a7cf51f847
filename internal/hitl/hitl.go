// Package hitl implements the human-in-the-loop pause/resume protocol:
// a handler hits a CAPTCHA or login wall, the coordinator suspends the
// job, publishes a needs_human callback, polls for a resolution
// written by an external actor, injects it into the browser session,
// and resumes.
package hitl

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ghosthands/core/internal/callback"
	"github.com/ghosthands/core/internal/data/repos/jobstore"
	"github.com/ghosthands/core/internal/domain/ghostjobs"
	"github.com/ghosthands/core/internal/ghosterrors"
	"github.com/ghosthands/core/internal/platform/dbctx"
	"github.com/ghosthands/core/internal/platform/logger"
)

// Resolution types an external actor may submit via SubmitResolution.
const (
	ResolutionCodeEntry   = "code_entry"
	ResolutionCredentials = "credentials"
	ResolutionSkip        = "skip"
	ResolutionManual      = "manual"
)

// Session is the narrow slice of executor.BrowserSession the
// coordinator needs. Defined locally (instead of importing executor)
// to avoid a package cycle — executor.Adapter satisfies it structurally.
type Session interface {
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	FillOneTimeCode(ctx context.Context, code string) error
	FillCredentials(ctx context.Context, username, password string) error
}

// DefaultPollInterval governs how often the coordinator re-checks the
// job row for a submitted resolution while paused.
const DefaultPollInterval = 2 * time.Second

// Coordinator drives a job's pause/resolve/resume cycle. One
// Coordinator is shared by every job an executor runs; the job's
// identity is passed to each RequestHuman call.
type Coordinator struct {
	jobs         jobstore.Store
	notifier     *callback.Notifier
	log          *logger.Logger
	pollInterval time.Duration
}

func New(jobs jobstore.Store, notifier *callback.Notifier, log *logger.Logger) *Coordinator {
	return &Coordinator{
		jobs:         jobs,
		notifier:     notifier,
		log:          log.With("component", "HITLCoordinator"),
		pollInterval: DefaultPollInterval,
	}
}

// WithPollInterval overrides the default poll cadence; primarily for
// tests that don't want to wait on a 2s ticker.
func (c *Coordinator) WithPollInterval(d time.Duration) *Coordinator {
	c.pollInterval = d
	return c
}

// RequestHuman suspends job, waits for an external SubmitResolution,
// injects the resolution into session, and resumes — or returns a
// classified human_timeout FatalError if timeoutSeconds elapses first.
//
// The sequence (spec protocol steps 2-6):
//  1. running -> paused, interaction_data stamped, human_needed event.
//  2. session paused, needs_human callback fired.
//  3. poll ReadAndClearResolution until non-empty or timeout.
//  4. resolution injected into session by type.
//  5. paused -> running, human_resumed event, session resumed, resumed callback fired.
func (c *Coordinator) RequestHuman(ctx context.Context, jobID uuid.UUID, callbackURL, valetTaskID string, session Session, interactionType, screenshotURL, pageURL string, timeoutSeconds int) (resolutionType string, resolutionData any, err error) {
	dbc := dbctx.Context{Ctx: ctx}
	now := time.Now()

	state := ghostjobs.InteractionState{
		Type:           interactionType,
		ScreenshotURL:  screenshotURL,
		PageURL:        pageURL,
		TimeoutSeconds: timeoutSeconds,
		RequestedAt:    now,
	}
	raw, merr := json.Marshal(state)
	if merr != nil {
		return "", nil, fmt.Errorf("marshal interaction state: %w", merr)
	}

	ok, terr := c.jobs.TransitionStatus(dbc, jobID, ghostjobs.StatusRunning, ghostjobs.StatusPaused, map[string]interface{}{
		"interaction_data": raw,
	})
	if terr != nil {
		return "", nil, fmt.Errorf("transition to paused: %w", terr)
	}
	if !ok {
		return "", nil, fmt.Errorf("job %s was not running; cannot pause for HITL", jobID)
	}
	_ = c.jobs.AppendEvent(dbc, jobID, ghostjobs.EventHumanNeeded, map[string]any{
		"interaction_type": interactionType,
		"page_url":         pageURL,
	}, "hitl_coordinator")

	if session != nil {
		if perr := session.Pause(ctx); perr != nil {
			c.log.Warn("browser session pause failed", "job_id", jobID, "error", perr)
		}
	}

	if c.notifier != nil {
		_ = c.notifier.Notify(ctx, callbackURL, callback.Payload{
			JobID:  jobID,
			Status: callback.StatusNeedsHuman,
			Interaction: &callback.Interaction{
				Type:           interactionType,
				ScreenshotURL:  screenshotURL,
				PageURL:        pageURL,
				TimeoutSeconds: timeoutSeconds,
			},
		})
	}

	resolved, perr := c.poll(ctx, jobID, timeoutSeconds)
	if perr != nil {
		_, _ = c.jobs.TransitionStatus(dbc, jobID, ghostjobs.StatusPaused, ghostjobs.StatusFailed, map[string]interface{}{
			"error_code": string(ghosterrors.ErrHumanTimeout),
		})
		return "", nil, &ghosterrors.FatalError{Code: ghosterrors.ErrHumanTimeout, Cause: perr}
	}

	if session != nil {
		if ierr := c.inject(ctx, session, resolved); ierr != nil {
			return "", nil, fmt.Errorf("inject hitl resolution: %w", ierr)
		}
	}

	ok, terr = c.jobs.TransitionStatus(dbc, jobID, ghostjobs.StatusPaused, ghostjobs.StatusRunning, nil)
	if terr != nil {
		return "", nil, fmt.Errorf("transition to running: %w", terr)
	}
	if !ok {
		return "", nil, fmt.Errorf("job %s was no longer paused when resolved", jobID)
	}
	_ = c.jobs.AppendEvent(dbc, jobID, ghostjobs.EventHumanResumed, map[string]any{
		"resolution_type": resolved.ResolutionType,
	}, "hitl_coordinator")

	if session != nil {
		if rerr := session.Resume(ctx); rerr != nil {
			c.log.Warn("browser session resume failed", "job_id", jobID, "error", rerr)
		}
	}

	if c.notifier != nil {
		_ = c.notifier.Notify(ctx, callbackURL, callback.Payload{
			JobID:  jobID,
			Status: callback.StatusResumed,
		})
	}

	return resolved.ResolutionType, resolved.ResolutionData, nil
}

// poll repeats ReadAndClearResolution until a resolution shows up or
// timeoutSeconds elapses, whichever first — a bounded wait, never an
// unbounded blocking call.
func (c *Coordinator) poll(ctx context.Context, jobID uuid.UUID, timeoutSeconds int) (*ghostjobs.InteractionState, error) {
	if timeoutSeconds <= 0 {
		timeoutSeconds = 3600
	}
	deadline := time.Now().Add(time.Duration(timeoutSeconds) * time.Second)
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	dbc := dbctx.Context{Ctx: ctx}
	for {
		state, found, err := c.jobs.ReadAndClearResolution(dbc, jobID)
		if err != nil {
			return nil, err
		}
		if found {
			return state, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("no resolution submitted within %ds", timeoutSeconds)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// inject applies a resolution to the paused browser session according
// to its resolution type.
func (c *Coordinator) inject(ctx context.Context, session Session, state *ghostjobs.InteractionState) error {
	switch state.ResolutionType {
	case ResolutionCodeEntry:
		code, _ := stringField(state.ResolutionData, "code")
		return session.FillOneTimeCode(ctx, code)
	case ResolutionCredentials:
		username, _ := stringField(state.ResolutionData, "username")
		password, _ := stringField(state.ResolutionData, "password")
		return session.FillCredentials(ctx, username, password)
	case ResolutionSkip:
		return nil
	case ResolutionManual:
		// Trust that the human already advanced the page themselves.
		return nil
	default:
		return fmt.Errorf("unknown resolution type %q", state.ResolutionType)
	}
}

func stringField(data any, key string) (string, bool) {
	m, ok := data.(map[string]any)
	if !ok {
		return "", false
	}
	v, ok := m[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}
