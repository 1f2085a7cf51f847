// Package progress implements step/action progress tracking for a
// single job execution: a monotonic step list, a throttled emit path
// that dual-writes to the audit log and an optional pub/sub stream,
// and percentage/ETA derivation blended from step and action index.
package progress

import (
	"time"

	"github.com/google/uuid"

	"github.com/ghosthands/core/internal/data/repos/jobstore"
	"github.com/ghosthands/core/internal/domain/ghostjobs"
	"github.com/ghosthands/core/internal/platform/dbctx"
)

// Step is one stage of the ordered lifecycle a job execution moves
// through. Steps only ever advance; SetStep silently ignores any
// attempt to move backward.
type Step string

const (
	StepQueued             Step = "queued"
	StepInitializing       Step = "initializing"
	StepNavigating         Step = "navigating"
	StepAnalyzingPage      Step = "analyzing_page"
	StepFillingForm        Step = "filling_form"
	StepUploadingResume    Step = "uploading_resume"
	StepAnsweringQuestions Step = "answering_questions"
	StepReviewing          Step = "reviewing"
	StepSubmitting         Step = "submitting"
	StepExtractingResults  Step = "extracting_results"
	StepAwaitingReview     Step = "awaiting_user_review"
	StepCompleted          Step = "completed"
)

var stepOrder = []Step{
	StepQueued, StepInitializing, StepNavigating, StepAnalyzingPage,
	StepFillingForm, StepUploadingResume, StepAnsweringQuestions,
	StepReviewing, StepSubmitting, StepExtractingResults,
	StepAwaitingReview, StepCompleted,
}

func stepIndex(s Step) int {
	for i, candidate := range stepOrder {
		if candidate == s {
			return i
		}
	}
	return -1
}

// variantStepHints maps an action variant to the step it most likely
// signals, used by OnActionStarted's heuristic inference.
var variantStepHints = map[string]Step{
	"navigate":        StepNavigating,
	"analyze_page":    StepAnalyzingPage,
	"fill_field":      StepFillingForm,
	"upload_file":     StepUploadingResume,
	"answer_question": StepAnsweringQuestions,
	"review":          StepReviewing,
	"submit":          StepSubmitting,
	"extract":         StepExtractingResults,
}

// Snapshot is the emitted progress payload: written to the audit log
// and published to the stream, if configured.
type Snapshot struct {
	JobID             uuid.UUID `json:"job_id"`
	Step              Step      `json:"step"`
	ActionIndex       int       `json:"action_index"`
	PercentComplete   int       `json:"percent_complete"`
	ETASeconds        *int      `json:"eta_seconds,omitempty"`
	EmittedAt         time.Time `json:"emitted_at"`
}

// Stream is the pub/sub side-channel for live progress. A nil Stream
// disables it entirely; only the audit-log write still happens.
type Stream interface {
	Publish(jobID uuid.UUID, snap Snapshot) error
	SetTTL(jobID uuid.UUID, ttl time.Duration) error
}

// Tracker accumulates step/action progress for one job execution.
type Tracker struct {
	jobID               uuid.UUID
	jobs                jobstore.Store
	stream              Stream
	throttle            time.Duration
	estimatedTotalActions int

	startedAt   time.Time
	currentStep Step
	actionIndex int
	lastEmit    time.Time
	pending     *Snapshot
	completed   bool
}

// New constructs a Tracker. estimatedTotalActions seeds the
// actionIndex/estimated blend; it can be a rough guess, since the
// percentage is capped at 99 until the job actually completes.
func New(jobID uuid.UUID, jobs jobstore.Store, stream Stream, throttle time.Duration, estimatedTotalActions int) *Tracker {
	if estimatedTotalActions <= 0 {
		estimatedTotalActions = 20
	}
	now := time.Now()
	return &Tracker{
		jobID:                 jobID,
		jobs:                  jobs,
		stream:                stream,
		throttle:              throttle,
		estimatedTotalActions: estimatedTotalActions,
		startedAt:             now,
		currentStep:           StepQueued,
	}
}

// SetStep advances the current step if next is strictly further along
// the ordered lifecycle than the current one; regressions are no-ops.
func (t *Tracker) SetStep(next Step) {
	ni, ci := stepIndex(next), stepIndex(t.currentStep)
	if ni < 0 || ni <= ci {
		return
	}
	t.currentStep = next
	if next == StepCompleted {
		t.completed = true
	}
	t.emitOrStash(time.Now())
}

// OnActionStarted increments the action counter and lets the
// variant's heuristic hint advance (never regress) the current step.
func (t *Tracker) OnActionStarted(variant string) {
	t.actionIndex++
	if hint, ok := variantStepHints[variant]; ok {
		t.SetStep(hint)
		return
	}
	t.emitOrStash(time.Now())
}

// OnActionDone emits a throttled snapshot reflecting the action's
// completion without changing step or action index further.
func (t *Tracker) OnActionDone(variant string) {
	t.emitOrStash(time.Now())
}

func (t *Tracker) emitOrStash(now time.Time) {
	snap := t.snapshot(now)
	if t.lastEmit.IsZero() || now.Sub(t.lastEmit) >= t.throttle {
		t.emit(snap)
		t.lastEmit = now
		t.pending = nil
		return
	}
	pending := snap
	t.pending = &pending
}

func (t *Tracker) snapshot(now time.Time) Snapshot {
	stepPct := float64(stepIndex(t.currentStep)) / float64(len(stepOrder)-1) * 100
	actionPct := float64(t.actionIndex) / float64(t.estimatedTotalActions) * 100
	if actionPct > 100 {
		actionPct = 100
	}
	blended := stepPct*0.6 + actionPct*0.4
	pct := int(blended)
	if t.completed {
		pct = 100
	} else if pct > 99 {
		pct = 99
	}

	snap := Snapshot{
		JobID:           t.jobID,
		Step:            t.currentStep,
		ActionIndex:     t.actionIndex,
		PercentComplete: pct,
		EmittedAt:       now,
	}
	if t.actionIndex >= 2 {
		elapsed := now.Sub(t.startedAt)
		if pct > 0 {
			etaSeconds := int(elapsed.Seconds() * float64(100-pct) / float64(pct))
			snap.ETASeconds = &etaSeconds
		}
	}
	return snap
}

func (t *Tracker) emit(snap Snapshot) {
	_ = t.jobs.AppendEvent(dbctx.Background(), t.jobID, ghostjobs.EventProgressUpdate, map[string]any{
		"step":             string(snap.Step),
		"action_index":     snap.ActionIndex,
		"percent_complete": snap.PercentComplete,
		"eta_seconds":      snap.ETASeconds,
	}, "progress_tracker")

	if t.stream != nil {
		_ = t.stream.Publish(t.jobID, snap)
	}
}

// Flush emits any pending throttled snapshot and sets the stream TTL.
// Called once on terminal transition.
func (t *Tracker) Flush() {
	if t.pending != nil {
		t.emit(*t.pending)
		t.pending = nil
	}
	if t.stream != nil {
		_ = t.stream.SetTTL(t.jobID, 24*time.Hour)
	}
}
