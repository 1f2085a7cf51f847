package cost

import (
	"time"

	"github.com/google/uuid"

	"github.com/ghosthands/core/internal/data/repos/jobstore"
	"github.com/ghosthands/core/internal/data/repos/usage"
	"github.com/ghosthands/core/internal/domain/ghostjobs"
	"github.com/ghosthands/core/internal/ghosterrors"
	"github.com/ghosthands/core/internal/platform/dbctx"
)

// MonthlyBudget returns the USD/month ceiling for a subscription tier,
// defaulting unrecognized tiers to the free allowance.
func MonthlyBudget(tier string) float64 {
	switch tier {
	case "starter":
		return 2.00
	case "pro":
		return 10.00
	case "premium":
		return 10.00
	case "enterprise":
		return 100.00
	default:
		return 0.50
	}
}

// defaultPresetForTier backs the tier→preset fallback used when a job
// names no explicit quality_preset anywhere.
func defaultPresetForTier(tier string) QualityPreset {
	switch tier {
	case "pro", "premium", "enterprise":
		return PresetBalanced
	case "starter":
		return PresetSpeed
	default:
		return PresetSpeed
	}
}

// ResolvePreset honours an explicit metadata.quality_preset, then
// input_data.quality_preset, then the tier map, defaulting to balanced.
func ResolvePreset(metadataPreset, inputDataPreset string, tier string) QualityPreset {
	if p := QualityPreset(metadataPreset); isValidPreset(p) {
		return p
	}
	if p := QualityPreset(inputDataPreset); isValidPreset(p) {
		return p
	}
	if tier != "" {
		return defaultPresetForTier(tier)
	}
	return PresetBalanced
}

func isValidPreset(p QualityPreset) bool {
	switch p {
	case PresetSpeed, PresetBalanced, PresetQuality:
		return true
	default:
		return false
	}
}

// PreflightResult is the outcome of CostControl.Preflight.
type PreflightResult struct {
	Allowed         bool
	RemainingBudget float64
	TaskBudget      float64
	Reason          string
}

// Control enforces per-user monthly budgets across job executions and
// durably records the cost each execution accumulates.
type Control struct {
	usage usage.Repo
	jobs  jobstore.Store
}

func NewControl(usageRepo usage.Repo, jobStore jobstore.Store) *Control {
	return &Control{usage: usageRepo, jobs: jobStore}
}

// Preflight checks whether a new job may even begin: remaining budget
// is the tier's monthly allowance minus the cost already spent this
// billing period; denial happens when remaining is less than the
// preset's per-task budget, since the job could never complete within
// what's left.
func (c *Control) Preflight(dbc dbctx.Context, userID uuid.UUID, tier string, preset QualityPreset, now time.Time) (PreflightResult, error) {
	currentCost, err := c.usage.CurrentPeriodCost(dbc, userID, now)
	if err != nil {
		return PreflightResult{}, err
	}
	monthly := MonthlyBudget(tier)
	remaining := monthly - currentCost
	taskBudget := TaskBudget(preset)

	if remaining < taskBudget {
		return PreflightResult{
			Allowed:         false,
			RemainingBudget: remaining,
			TaskBudget:      taskBudget,
			Reason:          "insufficient monthly budget remaining",
		}, nil
	}
	return PreflightResult{Allowed: true, RemainingBudget: remaining, TaskBudget: taskBudget}, nil
}

// PreflightDenied converts a denied PreflightResult into the typed
// error the executor uses to short-circuit straight to failed.
func PreflightDenied(userID uuid.UUID, r PreflightResult) *ghosterrors.PreflightDenied {
	return &ghosterrors.PreflightDenied{
		UserID:          userID.String(),
		RemainingBudget: r.RemainingBudget,
		TaskBudget:      r.TaskBudget,
		Reason:          r.Reason,
	}
}

// RecordJobCost persists a job's final cost snapshot against the
// user's current-period usage row and appends a cost_recorded event.
// Called unconditionally in the executor's always-run cleanup, even
// for zero-cost preflight denials, so UserUsage.job_count and the
// event log both reflect every attempted job.
func (c *Control) RecordJobCost(dbc dbctx.Context, userID uuid.UUID, jobID uuid.UUID, tier string, now time.Time, snap Snapshot) error {
	delta := usage.Delta{
		CostUSD:      snap.TotalCostUSD(),
		InputTokens:  snap.InputTokens,
		OutputTokens: snap.OutputTokens,
	}
	newTotal, err := c.usage.Increment(dbc, userID, tier, now, delta)
	if err != nil {
		return err
	}
	return c.jobs.AppendEvent(dbc, jobID, ghostjobs.EventCostRecorded, map[string]any{
		"input_tokens":       snap.InputTokens,
		"output_tokens":      snap.OutputTokens,
		"total_cost_usd":     snap.TotalCostUSD(),
		"action_count":       snap.ActionCount,
		"user_period_total":  newTotal,
	}, "cost_control")
}
