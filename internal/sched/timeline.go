package sched

import (
	"time"

	"maestro/internal/config"
	"maestro/internal/executor"
	"maestro/internal/sched/trigger"
	"maestro/pkg/logx"
)

// Timeline: every trigger gets a one-shot timer armed from the evaluator.
// Calendar triggers re-arm when they fire; interval triggers re-arm from
// completion time; specific_date triggers stop once exhausted.

// armTaskLocked arms all triggers of an enabled task and returns items that
// should be enqueued immediately (scheduled triggers already inside their
// window). Caller holds s.mu and enqueues outside the lock.
func (s *Service) armTaskLocked(task *config.TaskDefinition) []QueueItem {
	now := s.now()
	var immediate []QueueItem
	for idx, tr := range task.Triggers {
		key := triggerKey(task.ID, idx)

		if tr.Type == config.TriggerScheduled && trigger.WindowActive(tr, now) {
			immediate = append(immediate, s.itemForLocked(task, key, tr))
		}

		next, ok := trigger.NextFireRand(tr, now, s.rng)
		if !ok {
			continue
		}
		s.armTimerLocked(key, task.ID, idx, next)
	}
	return immediate
}

func (s *Service) itemForLocked(task *config.TaskDefinition, key string, tr config.Trigger) QueueItem {
	return QueueItem{
		Task:       task,
		TriggerKey: key,
		Meta: executor.Meta{
			Origin:      OriginScheduler,
			TriggerKey:  key,
			TriggerType: tr.Type,
		},
	}
}

// armTimerLocked (re)arms the one-shot timer for a trigger key. The version
// bump makes any previously scheduled callback for this key a no-op.
func (s *Service) armTimerLocked(key, taskID string, idx int, at time.Time) {
	ver := s.onceVer[key] + 1
	s.onceVer[key] = ver
	if old := s.timers[key]; old != nil {
		old.Stop()
	}
	s.nextFires[key] = at

	d := at.Sub(s.now())
	if d < 0 {
		d = 0
	}
	s.timers[key] = time.AfterFunc(d, func() {
		s.onTimerFire(key, ver, taskID, idx)
	})
}

// disarmTaskLocked stops all timers of a task.
func (s *Service) disarmTaskLocked(task *config.TaskDefinition) {
	for idx := range task.Triggers {
		key := triggerKey(task.ID, idx)
		s.onceVer[key]++
		if t := s.timers[key]; t != nil {
			t.Stop()
			delete(s.timers, key)
		}
		delete(s.nextFires, key)
	}
}

func (s *Service) onTimerFire(key string, ver uint64, taskID string, idx int) {
	s.mu.Lock()
	if s.onceVer[key] != ver || !s.started {
		s.mu.Unlock()
		return
	}
	delete(s.timers, key)
	delete(s.nextFires, key)

	task := s.tasks[taskID]
	if task == nil || !task.Enabled || idx >= len(task.Triggers) {
		s.mu.Unlock()
		return
	}
	tr := task.Triggers[idx]

	// A fresh calendar fire opens a new success-repeat budget.
	delete(s.successCounts, retryKey(taskID, key))

	// Re-arm everything except interval, which re-arms from completion.
	switch tr.Type {
	case config.TriggerInterval:
	case config.TriggerRandomTime:
		// Sample tomorrow's window so today's can't fire twice.
		midnight := startOfDay(s.now()).Add(24 * time.Hour)
		if next, ok := trigger.NextFireRand(tr, midnight, s.rng); ok {
			s.armTimerLocked(key, taskID, idx, next)
		}
	default:
		if next, ok := trigger.NextFireRand(tr, s.now(), s.rng); ok {
			s.armTimerLocked(key, taskID, idx, next)
		}
	}

	enqueue := s.mode == config.ModeScheduler
	item := s.itemForLocked(task, key, tr)
	s.mu.Unlock()

	if !enqueue {
		s.log.Debug("trigger fire suppressed (single-task mode)", logx.String("trigger", key))
		return
	}
	s.enqueue(item)
}

// rearmInterval re-arms an interval trigger relative to the run's
// completion, so the configured gap is between runs, not between starts.
func (s *Service) rearmInterval(item QueueItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	tr, ok := s.triggerByKeyLocked(item.TriggerKey)
	if !ok || tr.Type != config.TriggerInterval {
		return
	}
	task := s.tasks[item.Task.ID]
	if task == nil || !task.Enabled {
		return
	}
	idx := triggerIndex(item.TriggerKey)
	if idx < 0 {
		return
	}
	s.armTimerLocked(item.TriggerKey, task.ID, idx, s.now().Add(trigger.Interval(tr)))
}

func triggerIndex(key string) int {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == ':' {
			n := 0
			for _, c := range key[i+1:] {
				if c < '0' || c > '9' {
					return -1
				}
				n = n*10 + int(c-'0')
			}
			return n
		}
	}
	return -1
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
