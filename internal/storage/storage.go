// Package storage persists run history and device state.
package storage

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// ErrDisabled is returned by the disabled store (driver "none").
var ErrDisabled = errors.New("storage disabled")

// RunRecord is one finished task run.
type RunRecord struct {
	RunID        string        `json:"run_id"`
	TaskID       string        `json:"task_id"`
	TaskName     string        `json:"task_name"`
	Status       string        `json:"status"`
	Success      bool          `json:"success"`
	ExitCode     int           `json:"exit_code"`
	Message      string        `json:"message,omitempty"`
	Origin       string        `json:"origin,omitempty"`
	TriggerKey   string        `json:"trigger_key,omitempty"`
	TriggerType  string        `json:"trigger_type,omitempty"`
	Attempt      int           `json:"attempt,omitempty"`
	CancelReason string        `json:"cancel_reason,omitempty"`
	StartedAt    time.Time     `json:"started_at"`
	FinishedAt   time.Time     `json:"finished_at"`
	Duration     time.Duration `json:"duration"`
}

// Store is the persistence surface used by the executor and scheduler.
type Store interface {
	RecordRun(ctx context.Context, rec RunRecord) error
	// Runs returns the most recent runs, newest first. Empty taskID means
	// all tasks.
	Runs(ctx context.Context, taskID string, limit int) ([]RunRecord, error)

	// Device state is a small key/value table (e.g. last known screen
	// resolution per device).
	PutDeviceState(ctx context.Context, key, value string) error
	GetDeviceState(ctx context.Context, key string) (string, bool, error)

	Close() error
}

// Config selects and configures the store backend.
type Config struct {
	Driver string // "sqlite" (default) or "none"
	Path   string
}

// Open returns a Store for the configured driver.
func Open(cfg Config) (Store, error) {
	switch cfg.Driver {
	case "", "sqlite":
		path := cfg.Path
		if path == "" {
			path = "./maestro.db"
		}
		return openSQLite(path)
	case "none":
		return disabledStore{}, nil
	default:
		return nil, errors.Errorf("storage: unknown driver %q", cfg.Driver)
	}
}

type disabledStore struct{}

func (disabledStore) RecordRun(context.Context, RunRecord) error { return nil }
func (disabledStore) Runs(context.Context, string, int) ([]RunRecord, error) {
	return nil, ErrDisabled
}
func (disabledStore) PutDeviceState(context.Context, string, string) error { return nil }
func (disabledStore) GetDeviceState(context.Context, string) (string, bool, error) {
	return "", false, nil
}
func (disabledStore) Close() error { return nil }
