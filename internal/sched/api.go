package sched

import (
	"sort"
	"time"

	"github.com/pkg/errors"

	"maestro/internal/config"
	"maestro/internal/eventbus"
	"maestro/internal/executor"
	"maestro/pkg/logx"
)

// Operator surface: manual runs, cancellation, mode switching, reload, and
// status snapshots.

// RunOnce enqueues a manual run of the task.
func (s *Service) RunOnce(taskID string) error {
	s.mu.Lock()
	task := s.tasks[taskID]
	s.mu.Unlock()

	if task == nil {
		return errors.Errorf("unknown task %q", taskID)
	}
	if !task.Enabled {
		return errors.Errorf("task %q is disabled", taskID)
	}

	s.queue.Put(QueueItem{
		Task: task,
		Meta: executor.Meta{Origin: OriginManual},
	})
	s.log.Info("manual run queued", logx.String("task", taskID))
	return nil
}

// Cancel cancels the task's active run, if any.
func (s *Service) Cancel(taskID string) bool {
	return s.exec.Cancel(taskID, executor.ReasonManual)
}

// SetMode switches between automatic scheduling and single-task mode.
// Entering single-task mode clears the queue and cancels everything running.
func (s *Service) SetMode(mode string) error {
	switch mode {
	case config.ModeScheduler, config.ModeSingleTask:
	default:
		return errors.Errorf("unknown mode %q", mode)
	}

	s.mu.Lock()
	if s.mode == mode {
		s.mu.Unlock()
		return nil
	}
	s.mode = mode
	s.mu.Unlock()

	if mode == config.ModeSingleTask {
		dropped := s.queue.Retain(map[string]bool{})
		cancelled := s.exec.CancelAll(executor.ReasonModeSwitch)
		s.log.Info("switched to single-task mode",
			logx.Int("dropped", dropped),
			logx.Int("cancelled", cancelled))
	} else {
		s.log.Info("switched to scheduler mode")
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeSchedulerOp, Data: "mode:" + mode})
	return nil
}

// Mode returns the current dispatch mode.
func (s *Service) Mode() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// Reload replaces the task set wholesale: timers are re-armed, counters
// cleared, stale queue entries purged, and runs of removed or disabled
// tasks cancelled.
func (s *Service) Reload(cfg *config.Config) {
	s.mu.Lock()
	s.gen++
	s.stopTimersLocked()
	s.applyConfigLocked(cfg)

	s.failCounts = map[string]int{}
	s.failNotified = map[string]bool{}
	s.successCounts = map[string]int{}
	s.preempted = map[string]QueueItem{}

	valid := make(map[string]bool, len(s.tasks))
	for id, t := range s.tasks {
		if t.Enabled {
			valid[id] = true
		}
	}

	var pending []QueueItem
	if s.started {
		for _, id := range s.order {
			if t := s.tasks[id]; t != nil && t.Enabled {
				pending = append(pending, s.armTaskLocked(t)...)
			}
		}
	}
	s.mu.Unlock()

	dropped := s.queue.Retain(valid)
	for _, id := range s.exec.Running() {
		if !valid[id] {
			go s.exec.Cancel(id, executor.ReasonDisabled)
		}
	}
	for _, it := range pending {
		s.enqueue(it)
	}

	s.log.Info("scheduler reloaded",
		logx.Int("tasks", len(valid)),
		logx.Int("queue_dropped", dropped))
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeSchedulerOp, Data: "reload"})
}

// SetTaskEnabled toggles one task without a full reload. Disabling purges
// queued work, cancels the active run, and clears the task's counters.
func (s *Service) SetTaskEnabled(taskID string, enabled bool) error {
	s.mu.Lock()
	task := s.tasks[taskID]
	if task == nil {
		s.mu.Unlock()
		return errors.Errorf("unknown task %q", taskID)
	}
	if task.Enabled == enabled {
		s.mu.Unlock()
		return nil
	}
	task.Enabled = enabled

	var pending []QueueItem
	if enabled {
		if s.started {
			pending = s.armTaskLocked(task)
		}
	} else {
		s.disarmTaskLocked(task)
		delete(s.preempted, taskID)
		for key := range s.failCounts {
			if keyBelongsTo(key, taskID) {
				delete(s.failCounts, key)
				delete(s.failNotified, key)
			}
		}
		for key := range s.successCounts {
			if keyBelongsTo(key, taskID) {
				delete(s.successCounts, key)
			}
		}
	}
	s.mu.Unlock()

	if enabled {
		for _, it := range pending {
			s.enqueue(it)
		}
		s.log.Info("task enabled", logx.String("task", taskID))
		return nil
	}

	removed := s.queue.Remove(taskID)
	cancelled := s.exec.Cancel(taskID, executor.ReasonDisabled)
	s.log.Info("task disabled",
		logx.String("task", taskID),
		logx.Int("dequeued", removed),
		logx.Bool("cancelled_run", cancelled))
	return nil
}

func keyBelongsTo(key, taskID string) bool {
	return len(key) > len(taskID) && key[:len(taskID)] == taskID && key[len(taskID)] == ':'
}

// ---- status ----

type QueuedItem struct {
	TaskID   string `json:"task_id"`
	Origin   string `json:"origin"`
	Priority int    `json:"priority"`
}

type TriggerStatus struct {
	Key      string    `json:"key"`
	NextFire time.Time `json:"next_fire"`
}

type TaskStatus struct {
	ID       string          `json:"id"`
	Name     string          `json:"name,omitempty"`
	Enabled  bool            `json:"enabled"`
	Priority int             `json:"priority"`
	Group    string          `json:"group"`
	Running  bool            `json:"running"`
	Failures map[string]int  `json:"failures,omitempty"`
	Triggers []TriggerStatus `json:"triggers,omitempty"`
}

type Snapshot struct {
	Mode      string       `json:"mode"`
	Started   bool         `json:"started"`
	Queue     []QueuedItem `json:"queue"`
	Running   []string     `json:"running"`
	Groups    []GroupUsage `json:"groups"`
	Preempted []string     `json:"preempted,omitempty"`
}

// Status returns a point-in-time view of the scheduler.
func (s *Service) Status() Snapshot {
	items := s.queue.Items()
	queued := make([]QueuedItem, 0, len(items))
	for _, it := range items {
		queued = append(queued, QueuedItem{
			TaskID:   it.Task.ID,
			Origin:   it.Meta.Origin,
			Priority: it.Task.EffectivePriority(),
		})
	}

	s.mu.Lock()
	snap := Snapshot{
		Mode:    s.mode,
		Started: s.started,
		Queue:   queued,
		Groups:  s.res.Snapshot(),
	}
	for id := range s.preempted {
		snap.Preempted = append(snap.Preempted, id)
	}
	s.mu.Unlock()

	snap.Running = s.exec.Running()
	sort.Strings(snap.Preempted)
	return snap
}

// TaskList returns per-task status in config order.
func (s *Service) TaskList() []TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]TaskStatus, 0, len(s.order))
	for _, id := range s.order {
		task := s.tasks[id]
		if task == nil {
			continue
		}
		ts := TaskStatus{
			ID:       task.ID,
			Name:     task.Name,
			Enabled:  task.Enabled,
			Priority: task.EffectivePriority(),
			Group:    task.EffectiveResourceGroup(),
			Running:  s.exec.IsRunning(task.ID),
		}
		for idx := range task.Triggers {
			key := triggerKey(task.ID, idx)
			if at, ok := s.nextFires[key]; ok {
				ts.Triggers = append(ts.Triggers, TriggerStatus{Key: key, NextFire: at})
			}
		}
		for key, n := range s.failCounts {
			if keyBelongsTo(key, task.ID) {
				if ts.Failures == nil {
					ts.Failures = map[string]int{}
				}
				ts.Failures[key] = n
			}
		}
		out = append(out, ts)
	}
	return out
}
