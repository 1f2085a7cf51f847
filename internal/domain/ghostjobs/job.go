// Package ghostjobs defines the GORM-backed row types for the job
// store: Job, JobEvent, UserUsage, WorkerRegistry.
package ghostjobs

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Status is Job.Status — state machine.
type Status string

const (
	StatusPending   Status = "pending"
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

// Terminal reports whether s is one of the four terminal statuses.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusExpired:
		return true
	default:
		return false
	}
}

// NonTerminal is the complement of Terminal, used by cancel/claim gating.
func (s Status) NonTerminal() bool { return !s.Terminal() }

// Job is the primary entity representing one unit of automation work.
type Job struct {
	ID               uuid.UUID      `gorm:"type:uuid;default:gen_random_uuid();primaryKey" json:"id"`
	UserID           uuid.UUID      `gorm:"type:uuid;not null;index" json:"user_id"`
	JobType          string         `gorm:"column:job_type;not null;index" json:"job_type"`
	TargetURL        string         `gorm:"column:target_url" json:"target_url,omitempty"`
	TaskDescription  string         `gorm:"column:task_description;type:text" json:"task_description,omitempty"`
	InputData        datatypes.JSON `gorm:"column:input_data;type:jsonb" json:"input_data,omitempty"`
	Metadata         datatypes.JSON `gorm:"column:metadata;type:jsonb" json:"metadata,omitempty"`
	Tags             datatypes.JSON `gorm:"column:tags;type:jsonb" json:"tags,omitempty"`
	Priority         int            `gorm:"column:priority;not null;default:0;index" json:"priority"`
	Status           Status         `gorm:"column:status;not null;index" json:"status"`
	WorkerID         *string        `gorm:"column:worker_id;index" json:"worker_id,omitempty"`
	RetryCount       int            `gorm:"column:retry_count;not null;default:0" json:"retry_count"`
	MaxRetries       int            `gorm:"column:max_retries;not null;default:3" json:"max_retries"`
	ScheduledAt      *time.Time     `gorm:"column:scheduled_at;index" json:"scheduled_at,omitempty"`
	TimeoutSeconds   int            `gorm:"column:timeout_seconds;not null;default:600" json:"timeout_seconds"`
	StartedAt        *time.Time     `gorm:"column:started_at" json:"started_at,omitempty"`
	CompletedAt      *time.Time     `gorm:"column:completed_at" json:"completed_at,omitempty"`
	LastHeartbeat    *time.Time     `gorm:"column:last_heartbeat;index" json:"last_heartbeat,omitempty"`
	ErrorCode        string         `gorm:"column:error_code" json:"error_code,omitempty"`
	ErrorDetails     datatypes.JSON `gorm:"column:error_details;type:jsonb" json:"error_details,omitempty"`
	ResultData       datatypes.JSON `gorm:"column:result_data;type:jsonb" json:"result_data,omitempty"`
	ResultSummary    string         `gorm:"column:result_summary;type:text" json:"result_summary,omitempty"`
	ScreenshotURLs   datatypes.JSON `gorm:"column:screenshot_urls;type:jsonb" json:"screenshot_urls,omitempty"`
	ActionCount      int            `gorm:"column:action_count;not null;default:0" json:"action_count"`
	TotalTokens      int64          `gorm:"column:total_tokens;not null;default:0" json:"total_tokens"`
	LLMCostCents     int64          `gorm:"column:llm_cost_cents;not null;default:0" json:"llm_cost_cents"`
	ExecutionMode    string         `gorm:"column:execution_mode" json:"execution_mode,omitempty"`
	CallbackURL      string         `gorm:"column:callback_url" json:"callback_url,omitempty"`
	ValetTaskID      string         `gorm:"column:valet_task_id;index" json:"valet_task_id,omitempty"`
	IdempotencyKey   *string        `gorm:"column:idempotency_key;uniqueIndex" json:"idempotency_key,omitempty"`
	InteractionData  datatypes.JSON `gorm:"column:interaction_data;type:jsonb" json:"interaction_data,omitempty"`
	CreatedAt        time.Time      `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt        time.Time      `gorm:"not null;default:now()" json:"updated_at"`
	DeletedAt        gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (Job) TableName() string { return "ghostjobs_job" }

// InteractionState is the decoded shape of Job.InteractionData while a
// job is paused for HITL. Resolution* fields are nil
// until SubmitResolution writes them, and are stripped again once the
// coordinator consumes them (read-once).
type InteractionState struct {
	Type           string     `json:"type"`
	ScreenshotURL  string     `json:"screenshot_url,omitempty"`
	PageURL        string     `json:"page_url,omitempty"`
	TimeoutSeconds int        `json:"timeout_seconds,omitempty"`
	RequestedAt    time.Time  `json:"requested_at"`
	ResolutionType string     `json:"resolution_type,omitempty"`
	ResolutionData any        `json:"resolution_data,omitempty"`
	ResolvedBy     string     `json:"resolved_by,omitempty"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
}

// JobEvent is the append-only audit log row.
type JobEvent struct {
	ID        uuid.UUID      `gorm:"type:uuid;default:gen_random_uuid();primaryKey" json:"id"`
	JobID     uuid.UUID      `gorm:"type:uuid;not null;index" json:"job_id"`
	Sequence  int64          `gorm:"column:sequence;not null" json:"sequence"`
	EventType string         `gorm:"column:event_type;not null;index" json:"event_type"`
	Metadata  datatypes.JSON `gorm:"column:metadata;type:jsonb" json:"metadata,omitempty"`
	Actor     string         `gorm:"column:actor" json:"actor,omitempty"`
	CreatedAt time.Time      `gorm:"not null;default:now();index" json:"created_at"`
}

func (JobEvent) TableName() string { return "ghostjobs_job_event" }

// Event type constants used across the executor/tracker/coordinator.
const (
	EventJobStarted      = "job_started"
	EventStepCompleted    = "step_completed"
	EventProgressUpdate   = "progress_update"
	EventCostRecorded     = "cost_recorded"
	EventJobFailed        = "job_failed"
	EventJobCompleted     = "job_completed"
	EventModeSwitched     = "mode_switched"
	EventManualFound      = "manual_found"
	EventHumanNeeded      = "human_needed"
	EventHumanResumed     = "human_resumed"
	EventStuckJobRecovery = "stuck_job_recovery"
	EventJobCancelled     = "job_cancelled"
	EventJobRetryQueued   = "job_retry_queued"
	EventJobForceReleased = "job_force_released"
)

// UserUsage is the per-user, per-billing-period cost accumulator.
type UserUsage struct {
	UserID           uuid.UUID `gorm:"type:uuid;primaryKey" json:"user_id"`
	PeriodStart      time.Time `gorm:"primaryKey" json:"period_start"`
	PeriodEnd        time.Time `json:"period_end"`
	Tier             string    `gorm:"column:tier" json:"tier"`
	TotalCostUSD     float64   `gorm:"column:total_cost_usd;not null;default:0" json:"total_cost_usd"`
	TotalInputTokens int64     `gorm:"column:total_input_tokens;not null;default:0" json:"total_input_tokens"`
	TotalOutputTokens int64    `gorm:"column:total_output_tokens;not null;default:0" json:"total_output_tokens"`
	JobCount         int64     `gorm:"column:job_count;not null;default:0" json:"job_count"`
	UpdatedAt        time.Time `gorm:"not null;default:now()" json:"updated_at"`
}

func (UserUsage) TableName() string { return "ghostjobs_user_usage" }

// WorkerRegistry is the worker-fleet membership/heartbeat table.
type WorkerRegistryRow struct {
	WorkerID        string         `gorm:"column:worker_id;primaryKey" json:"worker_id"`
	Status          string         `gorm:"column:status;not null;index" json:"status"`
	CurrentJobID    *uuid.UUID     `gorm:"type:uuid;column:current_job_id" json:"current_job_id,omitempty"`
	LastHeartbeat   time.Time      `gorm:"column:last_heartbeat;index" json:"last_heartbeat"`
	DeploymentMeta  datatypes.JSON `gorm:"column:deployment_meta;type:jsonb" json:"deployment_meta,omitempty"`
	CreatedAt       time.Time      `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt       time.Time      `gorm:"not null;default:now()" json:"updated_at"`
}

func (WorkerRegistryRow) TableName() string { return "ghostjobs_worker_registry" }

const (
	WorkerActive   = "active"
	WorkerDraining = "draining"
	WorkerOffline  = "offline"
)
