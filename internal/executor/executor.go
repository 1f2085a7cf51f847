package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/datatypes"

	"github.com/ghosthands/core/internal/callback"
	"github.com/ghosthands/core/internal/cost"
	"github.com/ghosthands/core/internal/data/repos/jobstore"
	"github.com/ghosthands/core/internal/domain/ghostjobs"
	"github.com/ghosthands/core/internal/ghosterrors"
	"github.com/ghosthands/core/internal/hitl"
	"github.com/ghosthands/core/internal/platform/dbctx"
	"github.com/ghosthands/core/internal/platform/logger"
	"github.com/ghosthands/core/internal/progress"
)

// HeartbeatInterval is how often the executor refreshes the claimed
// job's last_heartbeat and checks for an external cancellation.
const HeartbeatInterval = 30 * time.Second

var tracer = otel.Tracer("github.com/ghosthands/core/internal/executor")

// actionLimitByJobType overrides cost.DefaultActionLimit for job types
// known to need a different ceiling; unlisted types fall back to the
// default.
var actionLimitByJobType = map[string]int{
	"apply":       60,
	"smart_apply": 80,
	"scrape":      30,
}

// estimatedActionsByJobType seeds the progress tracker's percentage
// blend; a rough guess is enough since completion always forces 100%.
var estimatedActionsByJobType = map[string]int{
	"apply":       25,
	"smart_apply": 35,
	"scrape":      15,
}

func actionLimitFor(jobType string) int {
	if n, ok := actionLimitByJobType[jobType]; ok {
		return n
	}
	return cost.DefaultActionLimit
}

func estimatedActionsFor(jobType string) int {
	if n, ok := estimatedActionsByJobType[jobType]; ok {
		return n
	}
	return 20
}

// Executor drives one claimed job from queued to a terminal status. It
// owns the transition protocol, heartbeat, timeout, and the
// always-run cost/callback/progress cleanup.
type Executor struct {
	jobs        jobstore.Store
	costControl *cost.Control
	notifier    *callback.Notifier
	sessions    SessionFactory
	registry    *Registry
	stream      progress.Stream
	hitl        *hitl.Coordinator
	log         *logger.Logger
	workerID    string
}

// Deps bundles Executor's collaborators for construction.
type Deps struct {
	Jobs        jobstore.Store
	CostControl *cost.Control
	Notifier    *callback.Notifier
	Sessions    SessionFactory
	Registry    *Registry
	Stream      progress.Stream
	HITL        *hitl.Coordinator
	Log         *logger.Logger
	WorkerID    string
}

func New(d Deps) *Executor {
	return &Executor{
		jobs:        d.Jobs,
		costControl: d.CostControl,
		notifier:    d.Notifier,
		sessions:    d.Sessions,
		registry:    d.Registry,
		stream:      d.Stream,
		hitl:        d.HITL,
		log:         d.Log.With("component", "JobExecutor"),
		workerID:    d.WorkerID,
	}
}

// Execute drives job (already claimed into StatusQueued by the
// dispatcher) through preflight, running, handler dispatch, and a
// terminal status. It never returns an error to the caller — every
// outcome is recorded on the job row and via callback; the caller only
// needs to know execution has finished so it can free worker capacity.
func (e *Executor) Execute(parentCtx context.Context, job *ghostjobs.Job) {
	parentCtx, span := tracer.Start(parentCtx, "Executor.Execute",
		trace.WithAttributes(
			attribute.String("job.id", job.ID.String()),
			attribute.String("job.type", job.JobType),
		),
	)
	defer span.End()

	dbc := dbctx.Context{Ctx: parentCtx}
	now := time.Now()

	tier := extractTier(job)
	preset := extractPreset(job, tier)
	taskBudget := cost.TaskBudget(preset)

	pre, err := e.costControl.Preflight(dbc, job.UserID, tier, preset, now)
	if err != nil {
		e.log.Error("preflight check failed", "job_id", job.ID, "error", err)
	}
	if err == nil && !pre.Allowed {
		e.failPreflight(dbc, job, tier, now, cost.PreflightDenied(job.UserID, pre))
		return
	}

	ok, err := e.jobs.TransitionStatus(dbc, job.ID, ghostjobs.StatusQueued, ghostjobs.StatusRunning, map[string]interface{}{
		"started_at": now,
	})
	if err != nil || !ok {
		e.log.Error("transition to running failed", "job_id", job.ID, "error", err)
		return
	}
	_ = e.jobs.AppendEvent(dbc, job.ID, ghostjobs.EventJobStarted, map[string]any{"worker_id": e.workerID}, e.workerID)

	tracker := cost.NewTracker(job.ID.String(), taskBudget, actionLimitFor(job.JobType))
	progressTracker := progress.New(job.ID, e.jobs, e.stream, 2*time.Second, estimatedActionsFor(job.JobType))

	execCtx, cancel := context.WithTimeout(parentCtx, time.Duration(job.TimeoutSeconds)*time.Second)
	defer cancel()

	stopHeartbeat, jobCancelled := e.startHeartbeat(execCtx, cancel, job.ID, e.workerID)
	defer stopHeartbeat()

	session, err := e.sessions.Open(execCtx, job.ID.String(), job.JobType)
	if err != nil {
		progressTracker.Flush()
		e.finishFatal(dbc, job, tracker, nil, ghosterrors.ErrBrowserCrashed, err)
		return
	}
	adapter := &jobAdapter{BrowserSession: session, hitl: e.hitl, jobID: job.ID, callbackURL: job.CallbackURL, valetTaskID: job.ValetTaskID}
	defer func() { _ = session.Close(context.Background()) }()

	handler, ok := e.registry.Get(job.JobType)
	if !ok {
		progressTracker.Flush()
		e.finishFatal(dbc, job, tracker, nil, ghosterrors.ErrInternalError, fmt.Errorf("no handler registered for job_type=%s", job.JobType))
		return
	}

	runErr := e.runHandlerWithRecover(execCtx, handler, job, tracker, progressTracker, adapter)
	progressTracker.Flush()

	if runErr == nil {
		e.finishSuccess(dbc, job, tracker)
		return
	}
	e.classifyAndFinish(dbc, execCtx, job, tracker, runErr, jobCancelled.Load())
}

// runHandlerWithRecover converts a handler panic into a classified
// fatal error instead of crashing the worker process.
func (e *Executor) runHandlerWithRecover(ctx context.Context, h TaskHandler, job *ghostjobs.Job, tracker *cost.Tracker, pt *progress.Tracker, adapter Adapter) (err error) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("handler panic", "job_id", job.ID, "job_type", job.JobType, "panic", r)
			err = &ghosterrors.FatalError{Code: ghosterrors.ErrInternalError, Cause: fmt.Errorf("panic: %v", r)}
		}
	}()
	return h.Execute(ctx, job, tracker, pt, adapter)
}

// startHeartbeat refreshes last_heartbeat every HeartbeatInterval and
// cancels execCtx the moment it observes the job has been cancelled
// out-of-band, giving the handler a cooperative checkpoint to exit at.
// The returned flag is set right before cancel() fires, so the caller
// can tell an out-of-band cancellation apart from any other reason
// execCtx might end up done (deadline, parent shutdown).
func (e *Executor) startHeartbeat(ctx context.Context, cancel context.CancelFunc, jobID uuid.UUID, workerID string) (stop func(), cancelled *atomic.Bool) {
	cancelled = &atomic.Bool{}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(HeartbeatInterval)
		defer ticker.Stop()
		dbc := dbctx.Context{Ctx: context.Background()}
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := e.jobs.Heartbeat(dbc, jobID, workerID); err != nil {
					e.log.Warn("heartbeat failed", "job_id", jobID, "error", err)
				}
				row, err := e.jobs.GetByID(dbc, jobID)
				if err == nil && row.Status == ghostjobs.StatusCancelled {
					cancelled.Store(true)
					cancel()
					return
				}
			}
		}
	}()
	return func() { close(done) }, cancelled
}

// classifyAndFinish maps a handler failure to the closed error-code
// taxonomy and applies the corresponding terminal/retry transition.
func (e *Executor) classifyAndFinish(dbc dbctx.Context, execCtx context.Context, job *ghostjobs.Job, tracker *cost.Tracker, runErr error, cancelled bool) {
	var budgetErr *ghosterrors.BudgetExceeded
	var actionErr *ghosterrors.ActionLimitExceeded
	var fatalErr *ghosterrors.FatalError
	var retryableErr *ghosterrors.RetryableError

	switch {
	case cancelled:
		e.finishCancelled(dbc, job, tracker)
	case errors.As(runErr, &budgetErr):
		e.finishFatal(dbc, job, tracker, nil, ghosterrors.ErrBudgetExceeded, runErr)
	case errors.As(runErr, &actionErr):
		e.finishFatal(dbc, job, tracker, nil, ghosterrors.ErrActionLimitExceed, runErr)
	case errors.Is(execCtx.Err(), context.DeadlineExceeded):
		e.finishFatal(dbc, job, tracker, nil, ghosterrors.ErrTimeout, fmt.Errorf("job exceeded timeout_seconds=%d", job.TimeoutSeconds))
	case errors.As(runErr, &fatalErr):
		e.finishFatal(dbc, job, tracker, nil, fatalErr.Code, runErr)
	case errors.As(runErr, &retryableErr):
		e.finishRetryOrFail(dbc, job, tracker, runErr)
	default:
		e.finishFatal(dbc, job, tracker, nil, ghosterrors.ErrInternalError, runErr)
	}
}

// finishRetryOrFail implements spec.md §4.7 step 4's retryable-error
// branch: re-queue with exponential backoff while budget remains, else
// terminal failure.
func (e *Executor) finishRetryOrFail(dbc dbctx.Context, job *ghostjobs.Job, tracker *cost.Tracker, cause error) {
	if job.RetryCount >= job.MaxRetries {
		e.finishFatal(dbc, job, tracker, nil, ghosterrors.ErrInternalError, cause)
		return
	}
	delay := RetryBackoff(job.RetryCount)
	scheduledAt := time.Now().Add(delay)
	ok, err := e.jobs.TransitionStatus(dbc, job.ID, ghostjobs.StatusRunning, ghostjobs.StatusPending, map[string]interface{}{
		"worker_id":    nil,
		"retry_count":  job.RetryCount + 1,
		"scheduled_at": scheduledAt,
		"error_details": mustJSON(map[string]any{"message": cause.Error(), "retry_count": job.RetryCount + 1}),
	})
	if err != nil || !ok {
		e.log.Error("retry transition failed", "job_id", job.ID, "error", err)
		return
	}
	_ = e.jobs.AppendEvent(dbc, job.ID, ghostjobs.EventJobRetryQueued, map[string]any{
		"retry_count":  job.RetryCount + 1,
		"scheduled_at": scheduledAt,
		"error":        cause.Error(),
	}, e.workerID)
	// Retryable transitions are not terminal: no cost recording, no
	// callback (spec §7: "callback not fired, the job is not yet terminal").
}

// RetryBackoff implements spec.md §4.7/§8: backoff = min(60s, 5·2^n).
func RetryBackoff(retryCount int) time.Duration {
	seconds := 5 * math.Pow(2, float64(retryCount))
	if seconds > 60 {
		seconds = 60
	}
	return time.Duration(seconds) * time.Second
}

// finishFatal transitions a non-terminal job straight to failed with a
// classified error code, then runs the always-run cleanup. A nil
// progressTracker is tolerated; every current caller passes nil after
// flushing its own tracker.
func (e *Executor) finishFatal(dbc dbctx.Context, job *ghostjobs.Job, tracker *cost.Tracker, pt *progress.Tracker, code ghosterrors.ErrorCode, cause error) {
	snap := tracker.Snapshot()
	ok, err := e.jobs.TransitionStatus(dbc, job.ID, ghostjobs.StatusRunning, ghostjobs.StatusFailed, map[string]interface{}{
		"error_code":    string(code),
		"error_details": mustJSON(map[string]any{"message": errString(cause)}),
		"action_count":  snap.ActionCount,
		"total_tokens":  snap.InputTokens + snap.OutputTokens,
		"llm_cost_cents": int64(snap.TotalCostUSD() * 100),
	})
	if err != nil {
		e.log.Error("transition to failed error", "job_id", job.ID, "error", err)
	}
	if !ok {
		// Already terminal via a different path (e.g. the HITL
		// coordinator moved a timed-out job from paused to failed);
		// fall through to cleanup.
	}
	_ = e.jobs.AppendEvent(dbc, job.ID, ghostjobs.EventJobFailed, map[string]any{
		"error_code": string(code),
		"error":      errString(cause),
	}, e.workerID)

	if pt != nil {
		pt.Flush()
	}
	e.recordCostAndNotify(dbc, job, tracker.Snapshot(), callback.Payload{
		JobID:        job.ID,
		Status:       callback.StatusFailed,
		ErrorCode:    string(code),
		ErrorMessage: errString(cause),
	})
}

// finishCancelled runs the always-run cleanup for a job that the
// heartbeat loop observed had been cancelled out-of-band while
// running. The status transition to cancelled already happened via
// jobstore.Cancel — this only appends the audit event and fires the
// callback, the same way finishSuccess/finishFatal do for their
// terminal paths.
func (e *Executor) finishCancelled(dbc dbctx.Context, job *ghostjobs.Job, tracker *cost.Tracker) {
	snap := tracker.Snapshot()
	_ = e.jobs.AppendEvent(dbc, job.ID, ghostjobs.EventJobCancelled, map[string]any{
		"action_count": snap.ActionCount,
	}, e.workerID)

	e.recordCostAndNotify(dbc, job, snap, callback.Payload{
		JobID:  job.ID,
		Status: callback.StatusCancelled,
	})
}

// failPreflight handles the preflight-denial branch (spec §4.7 step 1):
// failed immediately, handler never invoked, zero-valued snapshot
// still recorded.
func (e *Executor) failPreflight(dbc dbctx.Context, job *ghostjobs.Job, tier string, now time.Time, denied *ghosterrors.PreflightDenied) {
	ok, err := e.jobs.TransitionStatus(dbc, job.ID, ghostjobs.StatusQueued, ghostjobs.StatusFailed, map[string]interface{}{
		"error_code":    string(ghosterrors.ErrBudgetExceeded),
		"error_details": mustJSON(map[string]any{"message": denied.Error()}),
	})
	if err != nil || !ok {
		e.log.Error("preflight-denial transition failed", "job_id", job.ID, "error", err)
	}
	_ = e.jobs.AppendEvent(dbc, job.ID, ghostjobs.EventJobFailed, map[string]any{
		"error_code": string(ghosterrors.ErrBudgetExceeded),
		"reason":     denied.Reason,
	}, e.workerID)

	zero := cost.Snapshot{TaskBudget: denied.TaskBudget}
	if err := e.costControl.RecordJobCost(dbc, job.UserID, job.ID, tier, now, zero); err != nil {
		e.log.Warn("record zero-cost usage failed", "job_id", job.ID, "error", err)
	}
	if e.notifier != nil {
		_ = e.notifier.Notify(dbc.Ctx, job.CallbackURL, callback.Payload{
			JobID:  job.ID,
			Status: callback.StatusFailed,
			Cost:   &callback.CostSummary{},
			ErrorCode:    string(ghosterrors.ErrBudgetExceeded),
			ErrorMessage: denied.Error(),
		})
	}
}

// finishSuccess transitions a completed job and runs cleanup.
func (e *Executor) finishSuccess(dbc dbctx.Context, job *ghostjobs.Job, tracker *cost.Tracker) {
	snap := tracker.Snapshot()
	_, err := e.jobs.TransitionStatus(dbc, job.ID, ghostjobs.StatusRunning, ghostjobs.StatusCompleted, map[string]interface{}{
		"action_count":   snap.ActionCount,
		"total_tokens":   snap.InputTokens + snap.OutputTokens,
		"llm_cost_cents": int64(snap.TotalCostUSD() * 100),
	})
	if err != nil {
		e.log.Error("transition to completed failed", "job_id", job.ID, "error", err)
	}
	_ = e.jobs.AppendEvent(dbc, job.ID, ghostjobs.EventJobCompleted, map[string]any{
		"action_count":   snap.ActionCount,
		"total_cost_usd": snap.TotalCostUSD(),
	}, e.workerID)

	e.recordCostAndNotify(dbc, job, snap, callback.Payload{
		JobID:         job.ID,
		Status:        callback.StatusCompleted,
		ExecutionMode: string(snap.Mode),
	})
}

// recordCostAndNotify is the always-run step common to every terminal
// path: persist the cost delta against user usage (even zero), then
// fire the callback with the cost block populated.
func (e *Executor) recordCostAndNotify(dbc dbctx.Context, job *ghostjobs.Job, snap cost.Snapshot, payload callback.Payload) {
	tier := extractTier(job)
	if err := e.costControl.RecordJobCost(dbc, job.UserID, job.ID, tier, time.Now(), snap); err != nil {
		e.log.Warn("record job cost failed", "job_id", job.ID, "error", err)
	}
	payload.Cost = &callback.CostSummary{
		TotalCostUSD: snap.TotalCostUSD(),
		ActionCount:  snap.ActionCount,
		TotalTokens:  snap.InputTokens + snap.OutputTokens,
	}
	if e.notifier != nil {
		_ = e.notifier.Notify(dbc.Ctx, job.CallbackURL, payload)
	}
}

// extractTier reads a best-effort billing tier out of job metadata;
// the core's data model has no first-class user/tier table (out of
// scope), so the upstream ingress is expected to stamp it at creation.
func extractTier(job *ghostjobs.Job) string {
	if v, ok := jsonStringField(job.Metadata, "tier"); ok && v != "" {
		return v
	}
	return "free"
}

// extractPreset resolves the quality preset per spec §4.3: explicit
// metadata, then input_data, then the tier map, defaulting to balanced.
func extractPreset(job *ghostjobs.Job, tier string) cost.QualityPreset {
	metaPreset, _ := jsonStringField(job.Metadata, "quality_preset")
	inputPreset, _ := jsonStringField(job.InputData, "quality_preset")
	return cost.ResolvePreset(metaPreset, inputPreset, tier)
}

func jsonStringField(raw datatypes.JSON, key string) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return "", false
	}
	v, ok := m[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func mustJSON(v any) datatypes.JSON {
	b, err := json.Marshal(v)
	if err != nil {
		return datatypes.JSON([]byte(`{}`))
	}
	return datatypes.JSON(b)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
