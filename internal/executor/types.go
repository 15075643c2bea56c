package executor

import (
	"time"

	"github.com/pkg/errors"
)

// Run statuses.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Cancellation reasons.
const (
	ReasonManual     = "manual"
	ReasonPreempt    = "preempt"
	ReasonStop       = "stop"
	ReasonDisabled   = "disabled"
	ReasonModeSwitch = "mode-switch"
)

// ErrAlreadyRunning is returned when a task already has an in-flight run.
var ErrAlreadyRunning = errors.New("task already running")

// Meta carries provenance of a run through the pipeline and into history.
type Meta struct {
	// Origin is who enqueued the run: scheduler, manual, retry,
	// success-repeat, preempt-requeue.
	Origin      string `json:"origin,omitempty"`
	TriggerKey  string `json:"trigger_key,omitempty"`
	TriggerType string `json:"trigger_type,omitempty"`
	// Attempt counts consecutive failures for retry runs (1-based).
	Attempt int `json:"retry_attempt,omitempty"`
	// SuccessAttempt counts success-repeat re-runs (1-based).
	SuccessAttempt int `json:"success_retry_attempt,omitempty"`
}

// Options modify a single Execute call.
type Options struct {
	// SkipPreTasks skips device preparation, used by retry runs unless the
	// policy asks for a full re-run.
	SkipPreTasks bool
	Meta         Meta
}

// RunResult describes one run, live or finished.
type RunResult struct {
	TaskID       string        `json:"task_id"`
	TaskName     string        `json:"task_name,omitempty"`
	RunID        string        `json:"run_id"`
	Status       string        `json:"status"`
	Success      bool          `json:"success"`
	ExitCode     int           `json:"exit_code"`
	Message      string        `json:"message,omitempty"`
	CancelReason string        `json:"cancel_reason,omitempty"`
	// Output is the tail of the run's combined stdout/stderr.
	Output     []string      `json:"output,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Duration   time.Duration `json:"duration"`
	Meta       Meta          `json:"meta"`
}

// Cancelled reports whether the run ended by cancellation.
func (r RunResult) Cancelled() bool { return r.Status == StatusCancelled }
