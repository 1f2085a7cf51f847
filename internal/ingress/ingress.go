// Package ingress implements the three hooks the API layer calls into
// the core with: CreateJob, CancelJob, and SubmitResolution (spec
// §6.1-6.3). None of these is an HTTP handler — the core stops at the
// function boundary, per spec's explicit non-goal of an HTTP surface.
package ingress

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ghosthands/core/internal/callback"
	"github.com/ghosthands/core/internal/data/repos/jobstore"
	"github.com/ghosthands/core/internal/dispatch"
	"github.com/ghosthands/core/internal/domain/ghostjobs"
	"github.com/ghosthands/core/internal/ghosterrors"
	"github.com/ghosthands/core/internal/hitl"
	"github.com/ghosthands/core/internal/platform/dbctx"
	"github.com/ghosthands/core/internal/platform/logger"
	"github.com/ghosthands/core/internal/ratelimit"
)

// tierLimits maps a billing tier to its user-wide hourly/daily job
// creation caps. Unlisted tiers fall back to "free". "enterprise" is
// handled by the gateway itself (short-circuits to allowed).
var tierLimits = map[string]ratelimit.TierLimits{
	"free":       {HourlyLimit: 10, DailyLimit: 50},
	"pro":        {HourlyLimit: 60, DailyLimit: 500},
	"enterprise": {HourlyLimit: ratelimit.Unlimited, DailyLimit: ratelimit.Unlimited},
}

// defaultPlatformLimits bounds how much of a user's quota any single
// target platform can consume, independent of their tier's overall cap.
var defaultPlatformLimits = ratelimit.PlatformLimits{HourlyLimit: 30, DailyLimit: 200}

// Hooks bundles the jobstore, the rate-limit gateway, the
// pickup-strategy-specific Announcer, and the callback notifier this
// deployment runs, so CreateJob can gate, write, and wake up a worker
// in one call, and CancelJob can report a cancellation that happens
// before any executor ever claims the job.
type Hooks struct {
	jobs      jobstore.Store
	announcer dispatch.Announcer
	gateway   *ratelimit.Gateway
	notifier  *callback.Notifier
	log       *logger.Logger
}

// New wires a Hooks. gateway may be nil, in which case CreateJob skips
// rate limiting entirely (useful for internal/trusted callers).
func New(jobs jobstore.Store, announcer dispatch.Announcer, gateway *ratelimit.Gateway, notifier *callback.Notifier, log *logger.Logger) *Hooks {
	return &Hooks{jobs: jobs, announcer: announcer, gateway: gateway, notifier: notifier, log: log.With("component", "IngressHooks")}
}

// CreateJobParams mirrors spec §6.1's CreateJob signature field for
// field; InputData/Metadata/Tags are caller-supplied JSON documents
// passed through unmodified.
type CreateJobParams struct {
	UserID          uuid.UUID
	JobType         string
	TargetURL       string
	TaskDescription string
	InputData       map[string]any
	Metadata        map[string]any
	Priority        int
	MaxRetries      int
	TimeoutSeconds  int
	IdempotencyKey  string
	CallbackURL     string
	ValetTaskID     string
	Tags            []string
	Tier            string
	Platform        string
}

// CreateJob rate-limits, inserts a pending row, and announces it to the
// configured dispatcher. A duplicate idempotency key returns the
// pre-existing job with duplicate=true rather than creating a second
// row — the announcer is not invoked in that case, since whatever
// worker processed (or is processing) the original insert already has
// it. Rate limiting runs before the duplicate check, same as a normal
// request: every submission, including a retry that turns out to be a
// duplicate of an earlier idempotency key, is checked against and
// counted by the rate gateway.
func (h *Hooks) CreateJob(ctx context.Context, p CreateJobParams) (job *ghostjobs.Job, duplicate bool, err error) {
	if p.JobType == "" {
		return nil, false, fmt.Errorf("ingress: job_type is required")
	}
	if p.UserID == uuid.Nil {
		return nil, false, fmt.Errorf("ingress: user_id is required")
	}

	tier := p.Tier
	if tier == "" {
		tier = "free"
	}
	if h.gateway != nil {
		platform := p.Platform
		if platform == "" {
			platform = "default"
		}
		limits, ok := tierLimits[tier]
		if !ok {
			limits = tierLimits["free"]
		}
		decision, derr := h.gateway.Check(p.UserID.String(), platform, tier, limits, defaultPlatformLimits, time.Now())
		if derr != nil {
			return nil, false, fmt.Errorf("rate limit check: %w", derr)
		}
		if !decision.Allowed {
			retryAfter := 0
			if s, ok := decision.Headers["Retry-After"]; ok {
				fmt.Sscanf(s, "%d", &retryAfter)
			}
			return nil, false, &ghosterrors.RateLimited{UserID: p.UserID.String(), Platform: platform, RetryAfter: retryAfter}
		}
	}

	// The tier used for the rate gateway check is also the tier the
	// executor's preflight budget check reads back from Metadata, so a
	// caller-supplied tier value is never silently lost between the two.
	metaFields := p.Metadata
	if metaFields == nil {
		metaFields = map[string]any{}
	}
	if _, ok := metaFields["tier"]; !ok {
		metaFields["tier"] = tier
	}

	input, err := marshalJSON(p.InputData)
	if err != nil {
		return nil, false, fmt.Errorf("marshal input_data: %w", err)
	}
	meta, err := marshalJSON(metaFields)
	if err != nil {
		return nil, false, fmt.Errorf("marshal metadata: %w", err)
	}
	tags, err := marshalJSON(p.Tags)
	if err != nil {
		return nil, false, fmt.Errorf("marshal tags: %w", err)
	}

	row := &ghostjobs.Job{
		UserID:          p.UserID,
		JobType:         p.JobType,
		TargetURL:       p.TargetURL,
		TaskDescription: p.TaskDescription,
		InputData:       input,
		Metadata:        meta,
		Tags:            tags,
		Priority:        p.Priority,
		MaxRetries:      p.MaxRetries,
		TimeoutSeconds:  p.TimeoutSeconds,
		CallbackURL:     p.CallbackURL,
		ValetTaskID:     p.ValetTaskID,
	}
	if p.TimeoutSeconds <= 0 {
		row.TimeoutSeconds = 600
	}
	if p.IdempotencyKey != "" {
		key := p.IdempotencyKey
		row.IdempotencyKey = &key
	}

	inserted, dup, err := h.jobs.Insert(dbctx.Context{Ctx: ctx}, row)
	if err != nil {
		return nil, false, fmt.Errorf("insert job: %w", err)
	}
	if dup {
		h.log.Info("duplicate job creation suppressed", "idempotency_key", p.IdempotencyKey, "job_id", inserted.ID)
		return inserted, true, nil
	}

	if h.announcer != nil {
		if aerr := h.announcer.Announce(ctx, inserted); aerr != nil {
			// A missed wake-up is not fatal in notify mode, where the
			// poll fallback still picks the row up. In queue and temporal
			// modes nothing else picks up the pending row; the recovery
			// sweep only acts on queued and running jobs.
			h.log.Warn("failed to announce new job", "job_id", inserted.ID, "error", aerr)
		}
	}
	return inserted, false, nil
}

// CancelJob conditionally transitions a non-terminal job to cancelled
// (spec §6.2). Returns cancelled=false without error if the job was
// already terminal — cancellation racing completion is not an error.
//
// A job still pending/queued here is the common case: no executor is
// running it, so nothing else will ever report this cancellation —
// CancelJob is the only place it is ever reported, and reports it
// itself. A job already running or paused (its executor is blocked in
// RequestHuman) is also transitioned by jobstore.Cancel, but its
// executor is still holding the authoritative
// cost tracker; that executor's heartbeat loop notices the status flip
// and reports the cancellation itself once the handler unwinds
// (executor.finishCancelled), with the real cost snapshot, so CancelJob
// leaves the reporting to it rather than firing a second, cost-blind
// callback for the same cancellation.
func (h *Hooks) CancelJob(ctx context.Context, jobID uuid.UUID) (job *ghostjobs.Job, cancelled bool, err error) {
	dbc := dbctx.Context{Ctx: ctx}

	before, berr := h.jobs.GetByID(dbc, jobID)
	wasRunning := berr == nil && before != nil &&
		(before.Status == ghostjobs.StatusRunning || before.Status == ghostjobs.StatusPaused)

	updated, ok, err := h.jobs.Cancel(dbc, jobID)
	if err != nil {
		return nil, false, fmt.Errorf("cancel job: %w", err)
	}
	if !ok {
		return updated, false, nil
	}
	if wasRunning {
		return updated, true, nil
	}

	_ = h.jobs.AppendEvent(dbc, jobID, ghostjobs.EventJobCancelled, map[string]any{
		"action_count": updated.ActionCount,
	}, "ingress")

	if h.notifier != nil {
		_ = h.notifier.Notify(ctx, updated.CallbackURL, callback.Payload{
			JobID:  updated.ID,
			Status: callback.StatusCancelled,
			Cost: &callback.CostSummary{
				TotalCostUSD: float64(updated.LLMCostCents) / 100,
				ActionCount:  updated.ActionCount,
				TotalTokens:  updated.TotalTokens,
			},
		})
	}
	return updated, true, nil
}

// SubmitResolution writes an external actor's HITL resolution into
// interaction_data (spec §6.3). Only meaningful while the job is
// paused; the jobstore itself enforces that precondition.
func (h *Hooks) SubmitResolution(ctx context.Context, jobID uuid.UUID, resolutionType string, resolutionData any, resolvedBy string) error {
	switch resolutionType {
	case hitl.ResolutionCodeEntry, hitl.ResolutionCredentials, hitl.ResolutionSkip, hitl.ResolutionManual:
	default:
		return fmt.Errorf("ingress: unknown resolution_type %q", resolutionType)
	}
	if err := h.jobs.SubmitResolution(dbctx.Context{Ctx: ctx}, jobID, resolutionType, resolutionData, resolvedBy); err != nil {
		return fmt.Errorf("submit resolution: %w", err)
	}
	return nil
}

func marshalJSON(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	switch x := v.(type) {
	case map[string]any:
		if len(x) == 0 {
			return nil, nil
		}
	case []string:
		if len(x) == 0 {
			return nil, nil
		}
	}
	return json.Marshal(v)
}
