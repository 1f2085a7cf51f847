// Package ghosterrors is the closed taxonomy of classified failures the
// core reacts to differently: budget/action-limit kills, HITL pauses,
// and retryable-vs-fatal handler errors.
package ghosterrors

import "fmt"

// ErrorCode is the closed set of failure codes, stored verbatim in
// Job.ErrorCode.
type ErrorCode string

const (
	ErrCaptchaBlocked     ErrorCode = "captcha_blocked"
	ErrTimeout            ErrorCode = "timeout"
	ErrNetworkError       ErrorCode = "network_error"
	ErrBrowserCrashed     ErrorCode = "browser_crashed"
	ErrElementNotFound    ErrorCode = "element_not_found"
	ErrBudgetExceeded     ErrorCode = "budget_exceeded"
	ErrActionLimitExceed  ErrorCode = "action_limit_exceeded"
	ErrValidationError    ErrorCode = "validation_error"
	ErrHumanTimeout       ErrorCode = "human_timeout"
	ErrInternalError      ErrorCode = "internal_error"
)

// CostSnapshot is the minimal read-only view a cost-related error
// carries along so callers can surface it without re-querying the
// tracker (which may already be in a terminal/over-budget state).
type CostSnapshot struct {
	InputTokens  int64
	OutputTokens int64
	TotalCostUSD float64
	ActionCount  int
}

// BudgetExceeded is returned by CostTracker.RecordTokenUsage once
// cumulative cost crosses the per-task budget.
type BudgetExceeded struct {
	JobID    string
	Snapshot CostSnapshot
}

func (e *BudgetExceeded) Error() string {
	return fmt.Sprintf("job %s exceeded task budget: $%.4f spent", e.JobID, e.Snapshot.TotalCostUSD)
}

// ActionLimitExceeded is returned by CostTracker.RecordAction once the
// action count crosses the job's action limit.
type ActionLimitExceeded struct {
	JobID string
	Count int
	Limit int
}

func (e *ActionLimitExceeded) Error() string {
	return fmt.Sprintf("job %s exceeded action limit: %d/%d", e.JobID, e.Count, e.Limit)
}

// HumanInterventionRequired describes a pending human interaction. No
// code path in the core returns it: hitl.Coordinator.RequestHuman
// blocks until a resolution arrives and returns a human_timeout
// FatalError on timeout.
type HumanInterventionRequired struct {
	InteractionType string
	ScreenshotURL   string
	PageURL         string
	TimeoutSeconds  int
}

func (e *HumanInterventionRequired) Error() string {
	return fmt.Sprintf("human intervention required: %s", e.InteractionType)
}

// RetryableError marks a handler failure as transient (network blip,
// page hiccup) — the executor re-queues with backoff instead of
// terminally failing. Wrap the underlying cause in Cause.
type RetryableError struct {
	Cause error
}

func (e *RetryableError) Error() string {
	if e.Cause == nil {
		return "retryable error"
	}
	return "retryable: " + e.Cause.Error()
}

func (e *RetryableError) Unwrap() error { return e.Cause }

// FatalError wraps a terminal handler failure with its classified code.
type FatalError struct {
	Code  ErrorCode
	Cause error
}

func (e *FatalError) Error() string {
	if e.Cause == nil {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Cause)
}

func (e *FatalError) Unwrap() error { return e.Cause }

// PreflightDenied is returned by CostControl.Preflight when a job
// cannot even begin within the user's remaining monthly budget.
type PreflightDenied struct {
	UserID          string
	RemainingBudget float64
	TaskBudget      float64
	Reason          string
}

func (e *PreflightDenied) Error() string {
	return fmt.Sprintf("preflight denied for user %s: %s (remaining=$%.4f < task=$%.4f)",
		e.UserID, e.Reason, e.RemainingBudget, e.TaskBudget)
}

// RateLimited is returned by job creation when the gateway's user-tier
// or platform window denies the request.
type RateLimited struct {
	UserID     string
	Platform   string
	RetryAfter int
}

func (e *RateLimited) Error() string {
	return fmt.Sprintf("rate limited for user %s on platform %s: retry after %ds", e.UserID, e.Platform, e.RetryAfter)
}
