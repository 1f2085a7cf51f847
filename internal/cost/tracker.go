// Package cost implements per-job budget accumulation (CostTracker) and
// per-user monthly budget enforcement (CostControl).
package cost

import (
	"sync"

	"github.com/ghosthands/core/internal/ghosterrors"
)

// QualityPreset selects the per-task LLM budget tier.
type QualityPreset string

const (
	PresetSpeed    QualityPreset = "speed"
	PresetBalanced QualityPreset = "balanced"
	PresetQuality  QualityPreset = "quality"
)

// TaskBudget returns the per-job USD ceiling for a quality preset,
// falling back to balanced for an unrecognized value.
func TaskBudget(preset QualityPreset) float64 {
	switch preset {
	case PresetSpeed:
		return 0.02
	case PresetQuality:
		return 0.30
	default:
		return 0.10
	}
}

// DefaultActionLimit is used when a job type names no override.
const DefaultActionLimit = 50

// Mode tracks which execution strategy is currently producing cost
// (cookbook replay vs. free-form magnitude agent steps).
type Mode string

const (
	ModeCookbook  Mode = "cookbook"
	ModeMagnitude Mode = "magnitude"
)

// Snapshot is an immutable view of a tracker's accumulated state.
// Calling Snapshot never mutates the tracker, so repeated calls for
// the same state are idempotent.
type Snapshot struct {
	InputTokens   int64
	OutputTokens  int64
	InputCost     float64
	OutputCost    float64
	ImageCost     float64
	ReasoningCost float64
	ActionCount   int
	CookbookSteps int
	MagnitudeSteps int
	Mode          Mode
	TaskBudget    float64
	ActionLimit   int
}

// TotalCostUSD sums every cost component tracked so far.
func (s Snapshot) TotalCostUSD() float64 {
	return s.InputCost + s.OutputCost + s.ImageCost + s.ReasoningCost
}

// Tracker accumulates token usage, action counts, and cost for a
// single job execution, enforcing a per-task budget and action limit.
// Every method holds an internal mutex, so the handler and a
// concurrent reader can share one Tracker.
type Tracker struct {
	mu sync.Mutex

	jobID       string
	taskBudget  float64
	actionLimit int
	mode        Mode

	inputTokens   int64
	outputTokens  int64
	inputCost     float64
	outputCost    float64
	imageCost     float64
	reasoningCost float64
	actionCount   int
	cookbookSteps int
	magnitudeSteps int
}

// NewTracker constructs a Tracker for one job execution.
func NewTracker(jobID string, taskBudget float64, actionLimit int) *Tracker {
	if actionLimit <= 0 {
		actionLimit = DefaultActionLimit
	}
	return &Tracker{
		jobID:       jobID,
		taskBudget:  taskBudget,
		actionLimit: actionLimit,
		mode:        ModeMagnitude,
	}
}

// SetMode records the current execution strategy; callers emit a
// mode_switched event when this changes.
func (t *Tracker) SetMode(m Mode) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mode = m
}

// RecordTokenUsage adds one LLM call's token usage and derived cost.
// Returns ghosterrors.BudgetExceeded once the cumulative cost crosses
// taskBudget; the call that tips it over is still recorded so the
// snapshot reflects the true over-budget total.
func (t *Tracker) RecordTokenUsage(inputTokens, outputTokens int64, inputCost, outputCost float64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.inputTokens += inputTokens
	t.outputTokens += outputTokens
	t.inputCost += inputCost
	t.outputCost += outputCost

	if t.totalCostLocked() > t.taskBudget {
		return &ghosterrors.BudgetExceeded{JobID: t.jobID, Snapshot: t.costSnapshotLocked()}
	}
	return nil
}

// RecordImageCost adds cost attributed to screenshot/vision calls.
func (t *Tracker) RecordImageCost(cost float64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.imageCost += cost
	if t.totalCostLocked() > t.taskBudget {
		return &ghosterrors.BudgetExceeded{JobID: t.jobID, Snapshot: t.costSnapshotLocked()}
	}
	return nil
}

// RecordReasoningCost adds cost attributed to extended-reasoning calls.
func (t *Tracker) RecordReasoningCost(cost float64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reasoningCost += cost
	if t.totalCostLocked() > t.taskBudget {
		return &ghosterrors.BudgetExceeded{JobID: t.jobID, Snapshot: t.costSnapshotLocked()}
	}
	return nil
}

// RecordAction increments the action counter, returning
// ghosterrors.ActionLimitExceeded once the count crosses actionLimit.
func (t *Tracker) RecordAction() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.actionCount++
	if t.actionCount > t.actionLimit {
		return &ghosterrors.ActionLimitExceeded{JobID: t.jobID, Count: t.actionCount, Limit: t.actionLimit}
	}
	return nil
}

// RecordModeStep increments the step counter for whichever mode is
// currently active.
func (t *Tracker) RecordModeStep() {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.mode {
	case ModeCookbook:
		t.cookbookSteps++
	default:
		t.magnitudeSteps++
	}
}

func (t *Tracker) totalCostLocked() float64 {
	return t.inputCost + t.outputCost + t.imageCost + t.reasoningCost
}

func (t *Tracker) costSnapshotLocked() ghosterrors.CostSnapshot {
	return ghosterrors.CostSnapshot{
		InputTokens:  t.inputTokens,
		OutputTokens: t.outputTokens,
		TotalCostUSD: t.totalCostLocked(),
		ActionCount:  t.actionCount,
	}
}

// Snapshot returns an immutable view of the tracker's current state.
// Always definable, including after an exceeded-budget failure.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Snapshot{
		InputTokens:    t.inputTokens,
		OutputTokens:   t.outputTokens,
		InputCost:      t.inputCost,
		OutputCost:     t.outputCost,
		ImageCost:      t.imageCost,
		ReasoningCost:  t.reasoningCost,
		ActionCount:    t.actionCount,
		CookbookSteps:  t.cookbookSteps,
		MagnitudeSteps: t.magnitudeSteps,
		Mode:           t.mode,
		TaskBudget:     t.taskBudget,
		ActionLimit:    t.actionLimit,
	}
}
