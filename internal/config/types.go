// Package config defines the orchestrator configuration, its validation
// rules, and a hot-reloading manager around a single YAML (or JSON) file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Trigger types.
const (
	TriggerScheduled    = "scheduled"
	TriggerInterval     = "interval"
	TriggerRandomTime   = "random_time"
	TriggerWeekly       = "weekly"
	TriggerMonthly      = "monthly"
	TriggerSpecificDate = "specific_date"
)

// Scheduler modes.
const (
	ModeScheduler  = "scheduler"
	ModeSingleTask = "single_task"
)

const DateLayout = "2006-01-02 15:04"

type Config struct {
	Logging        LoggingConfig    `json:"logging"`
	Scheduler      SchedulerConfig  `json:"scheduler"`
	Storage        StorageConfig    `json:"storage"`
	Notify         NotifyConfig     `json:"notify"`
	ResourceGroups []ResourceGroup  `json:"resource_groups"`
	Tasks          []TaskDefinition `json:"tasks"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console *bool         `json:"console"`
	File    LogFileConfig `json:"file"`
}

type LogFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// ConsoleEnabled defaults to true when unset.
func (l LoggingConfig) ConsoleEnabled() bool {
	return l.Console == nil || *l.Console
}

type SchedulerConfig struct {
	// Mode is the startup mode: "scheduler" (default) or "single_task".
	Mode string `json:"mode"`
	// LogDir is the root for per-run task log files. Default "./logs".
	LogDir string `json:"log_dir"`
	// RunLogRetention is how many per-run log files to keep per task.
	// Zero means the default of 20.
	RunLogRetention int `json:"run_log_retention"`
}

func (s SchedulerConfig) EffectiveMode() string {
	if s.Mode == ModeSingleTask {
		return ModeSingleTask
	}
	return ModeScheduler
}

func (s SchedulerConfig) EffectiveLogDir() string {
	if strings.TrimSpace(s.LogDir) == "" {
		return "./logs"
	}
	return s.LogDir
}

func (s SchedulerConfig) EffectiveRunLogRetention() int {
	if s.RunLogRetention <= 0 {
		return 20
	}
	return s.RunLogRetention
}

type StorageConfig struct {
	// Driver is "sqlite" (default) or "none" to disable persistence.
	Driver string `json:"driver"`
	Path   string `json:"path"`
}

type NotifyConfig struct {
	Enabled       bool   `json:"enabled"`
	BaseURL       string `json:"base_url"`
	QueueSize     int    `json:"queue_size"`
	Workers       int    `json:"workers"`
	RatePerMinute int    `json:"rate_per_minute"`
	MaxAttempts   int    `json:"max_attempts"`
	Timeout       string `json:"timeout"`
}

type ResourceGroup struct {
	Name          string `json:"name"`
	Description   string `json:"description,omitempty"`
	MaxConcurrent int    `json:"max_concurrent"`
}

type TaskDefinition struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`
	// Priority orders the queue; lower numbers are more urgent. Default 100.
	Priority      *int   `json:"priority"`
	ResourceGroup string `json:"resource_group"`

	Triggers []Trigger   `json:"triggers"`
	Retry    RetryPolicy `json:"retry"`

	// Command is the main shell command of the task.
	Command string        `json:"command"`
	Device  DeviceConfig  `json:"device"`
	Log     LogConfig     `json:"log"`
	Post    PostRunConfig `json:"post"`
}

func (t TaskDefinition) EffectivePriority() int {
	if t.Priority == nil {
		return 100
	}
	return *t.Priority
}

func (t TaskDefinition) EffectiveResourceGroup() string {
	if strings.TrimSpace(t.ResourceGroup) == "" {
		return "default"
	}
	return t.ResourceGroup
}

type DeviceConfig struct {
	// DeviceID is the adb serial or host:port; empty means no device steps.
	DeviceID string `json:"device_id"`
	// Wake sends a wakeup keyevent and an unlock swipe before launch.
	Wake bool `json:"wake"`
	// TargetResolution like "1280x720"; empty means leave unchanged.
	TargetResolution string `json:"target_resolution"`
	LaunchPackage    string `json:"launch_package"`
	LaunchActivity   string `json:"launch_activity"`
	// LaunchDelay is a duration string waited between wake and app launch.
	LaunchDelay string `json:"launch_delay"`
}

type LogConfig struct {
	// MirrorToGlobal echoes task output lines into the orchestrator log.
	MirrorToGlobal bool `json:"mirror_to_global"`
	// PerRunFile writes each run's output to its own file under the log dir.
	PerRunFile bool `json:"per_run_file"`
}

type PostRunConfig struct {
	NotifyOnSuccess bool          `json:"notify_on_success"`
	NotifyOnFailure bool          `json:"notify_on_failure"`
	SuccessTitle    string        `json:"success_title"`
	FailureTitle    string        `json:"failure_title"`
	Keywords        []KeywordHook `json:"keywords"`
}

// KeywordHook fires a notification when any of its keywords appears in the
// task output.
type KeywordHook struct {
	Keywords []string `json:"keywords"`
	Title    string   `json:"title"`
	Content  string   `json:"content"`
	Tag      string   `json:"tag"`
}

type RetryPolicy struct {
	Enabled    bool   `json:"enabled"`
	MaxRetries int    `json:"max_retries"`
	Delay      string `json:"delay"`
	// NotifyAfter sends one notification once this many consecutive
	// failures accumulate. Zero disables the notification.
	NotifyAfter int `json:"notify_after"`
	// RerunPreTasks repeats device preparation on retry runs.
	RerunPreTasks bool                `json:"rerun_pre_tasks"`
	SuccessRepeat SuccessRepeatPolicy `json:"success_repeat"`
}

// SuccessRepeatPolicy re-enqueues a task after a successful scheduled run
// while its window is still open.
type SuccessRepeatPolicy struct {
	Enabled    bool   `json:"enabled"`
	Delay      string `json:"delay"`
	MaxRepeats int    `json:"max_repeats"`
}

// Trigger is a tagged union; the set of meaningful fields depends on Type.
type Trigger struct {
	Type string `json:"type"`

	// scheduled / random_time window bounds, "HH:MM".
	StartTime string `json:"start_time,omitempty"`
	EndTime   string `json:"end_time,omitempty"`

	// interval
	IntervalMinutes int `json:"interval_minutes,omitempty"`

	// weekly: 0=Sunday..6=Saturday. monthly: 1..31.
	DaysOfWeek  []int `json:"days_of_week,omitempty"`
	DaysOfMonth []int `json:"days_of_month,omitempty"`

	// specific_date entries, "2006-01-02 15:04".
	Dates []string `json:"dates,omitempty"`
}

// ParseHHMM parses a "HH:MM" clock string into hour and minute.
func ParseHHMM(s string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, 0, errors.Errorf("invalid time %q (want HH:MM)", s)
	}
	return t.Hour(), t.Minute(), nil
}

func (tr Trigger) Validate() error {
	switch tr.Type {
	case TriggerScheduled, TriggerWeekly, TriggerMonthly:
		if _, _, err := ParseHHMM(tr.StartTime); err != nil {
			return errors.Wrapf(err, "%s trigger start_time", tr.Type)
		}
		if tr.EndTime != "" {
			if _, _, err := ParseHHMM(tr.EndTime); err != nil {
				return errors.Wrapf(err, "%s trigger end_time", tr.Type)
			}
		}
		switch tr.Type {
		case TriggerWeekly:
			if len(tr.DaysOfWeek) == 0 {
				return errors.New("weekly trigger needs days_of_week")
			}
			for _, d := range tr.DaysOfWeek {
				if d < 0 || d > 6 {
					return errors.Errorf("weekly trigger day %d out of range 0..6", d)
				}
			}
		case TriggerMonthly:
			if len(tr.DaysOfMonth) == 0 {
				return errors.New("monthly trigger needs days_of_month")
			}
			for _, d := range tr.DaysOfMonth {
				if d < 1 || d > 31 {
					return errors.Errorf("monthly trigger day %d out of range 1..31", d)
				}
			}
		}
	case TriggerInterval:
		if tr.IntervalMinutes <= 0 {
			return errors.New("interval trigger needs interval_minutes > 0")
		}
	case TriggerRandomTime:
		sh, sm, err := ParseHHMM(tr.StartTime)
		if err != nil {
			return errors.Wrap(err, "random_time trigger start_time")
		}
		eh, em, err := ParseHHMM(tr.EndTime)
		if err != nil {
			return errors.Wrap(err, "random_time trigger end_time")
		}
		if eh*60+em <= sh*60+sm {
			return errors.New("random_time trigger end_time must be after start_time")
		}
	case TriggerSpecificDate:
		if len(tr.Dates) == 0 {
			return errors.New("specific_date trigger needs dates")
		}
		for _, d := range tr.Dates {
			if _, err := time.ParseInLocation(DateLayout, strings.TrimSpace(d), time.Local); err != nil {
				return errors.Errorf("invalid date %q (want %s)", d, DateLayout)
			}
		}
	default:
		return errors.Errorf("unknown trigger type %q", tr.Type)
	}
	return nil
}

// Validate checks structural rules across the whole config.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}

	groups := map[string]bool{}
	for i, g := range c.ResourceGroups {
		if strings.TrimSpace(g.Name) == "" {
			return errors.Errorf("resource_groups[%d]: empty name", i)
		}
		if groups[g.Name] {
			return errors.Errorf("resource_groups[%d]: duplicate name %q", i, g.Name)
		}
		if g.MaxConcurrent < 1 {
			return errors.Errorf("resource group %q: max_concurrent must be >= 1", g.Name)
		}
		groups[g.Name] = true
	}

	seen := map[string]bool{}
	for i, t := range c.Tasks {
		where := fmt.Sprintf("tasks[%d]", i)
		if strings.TrimSpace(t.ID) == "" {
			return errors.Errorf("%s: empty id", where)
		}
		if seen[t.ID] {
			return errors.Errorf("%s: duplicate id %q", where, t.ID)
		}
		seen[t.ID] = true

		if strings.TrimSpace(t.Command) == "" {
			return errors.Errorf("task %q: empty command", t.ID)
		}
		for j, tr := range t.Triggers {
			if err := tr.Validate(); err != nil {
				return errors.Wrapf(err, "task %q triggers[%d]", t.ID, j)
			}
		}
		if t.Retry.Enabled {
			if t.Retry.MaxRetries < 0 {
				return errors.Errorf("task %q: retry.max_retries must be >= 0", t.ID)
			}
			if _, err := ParseDurationField("retry.delay", t.Retry.Delay); err != nil {
				return errors.Wrapf(err, "task %q", t.ID)
			}
		}
		if t.Retry.SuccessRepeat.Enabled {
			if _, err := ParseDurationField("retry.success_repeat.delay", t.Retry.SuccessRepeat.Delay); err != nil {
				return errors.Wrapf(err, "task %q", t.ID)
			}
		}
		if t.Device.LaunchDelay != "" {
			if _, err := ParseDurationField("device.launch_delay", t.Device.LaunchDelay); err != nil {
				return errors.Wrapf(err, "task %q", t.ID)
			}
		}
	}

	if c.Notify.Enabled && strings.TrimSpace(c.Notify.BaseURL) == "" {
		return errors.New("notify: enabled but base_url is empty")
	}
	if c.Notify.Timeout != "" {
		if _, err := ParseDurationField("notify.timeout", c.Notify.Timeout); err != nil {
			return err
		}
	}

	switch c.Storage.Driver {
	case "", "sqlite", "none":
	default:
		return errors.Errorf("storage: unknown driver %q", c.Storage.Driver)
	}

	switch c.Scheduler.Mode {
	case "", ModeScheduler, ModeSingleTask:
	default:
		return errors.Errorf("scheduler: unknown mode %q", c.Scheduler.Mode)
	}

	return nil
}

// Task returns the task with the given id, or nil.
func (c *Config) Task(id string) *TaskDefinition {
	if c == nil {
		return nil
	}
	for i := range c.Tasks {
		if c.Tasks[i].ID == id {
			return &c.Tasks[i]
		}
	}
	return nil
}
