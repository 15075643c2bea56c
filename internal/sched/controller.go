package sched

import (
	"fmt"
	"time"

	"maestro/internal/config"
	"maestro/internal/executor"
	"maestro/internal/sched/trigger"
	"maestro/pkg/logx"
)

// Retry, success-repeat, and preemption logic.
//
// Counter keys are retryKey(task, trigger), so the same task failing on two
// different triggers keeps independent budgets. Cancellations never count
// toward retry.

func (s *Service) handleCompletion(item QueueItem, res executor.RunResult) {
	switch res.Status {
	case executor.StatusCancelled:
		if res.CancelReason == executor.ReasonPreempt {
			s.mu.Lock()
			s.preempted[item.Task.ID] = item
			s.mu.Unlock()
			s.log.Info("preempted run parked for requeue", logx.String("task", item.Task.ID))
		}

	case executor.StatusCompleted:
		key := retryKey(item.Task.ID, item.TriggerKey)
		s.mu.Lock()
		delete(s.failCounts, key)
		delete(s.failNotified, key)
		s.mu.Unlock()
		s.maybeSuccessRepeat(item)

	case executor.StatusFailed:
		s.maybeRetry(item)
	}

	if item.TriggerKey != "" {
		s.rearmInterval(item)
	}
}

func (s *Service) maybeRetry(item QueueItem) {
	s.mu.Lock()
	task := s.tasks[item.Task.ID]
	if task == nil || !task.Enabled {
		s.mu.Unlock()
		return
	}
	p := task.Retry
	if !p.Enabled || p.MaxRetries <= 0 {
		s.mu.Unlock()
		return
	}

	key := retryKey(task.ID, item.TriggerKey)
	cur := s.failCounts[key] + 1
	s.failCounts[key] = cur

	shouldNotify := p.NotifyAfter > 0 && cur >= p.NotifyAfter && !s.failNotified[key]
	if shouldNotify {
		s.failNotified[key] = true
	}
	gen := s.gen
	s.mu.Unlock()

	if shouldNotify {
		s.notifier.Notify(
			fmt.Sprintf("%s keeps failing", taskLabel(task)),
			fmt.Sprintf("%d consecutive failures on %s", cur, retryKey(task.ID, item.TriggerKey)),
			"")
	}

	// The counter stays after exhaustion so status output shows how the
	// budget was spent; it clears on the next success or on reload.
	if cur > p.MaxRetries {
		s.log.Warn("retry budget exhausted",
			logx.String("task", task.ID),
			logx.Int("failures", cur),
			logx.Int("max_retries", p.MaxRetries))
		return
	}

	delay, err := config.ParseDurationOrDefault("retry.delay", p.Delay, defaultRetryWait)
	if err != nil {
		delay = defaultRetryWait
	}
	s.log.Info("retry scheduled",
		logx.String("task", task.ID),
		logx.Int("attempt", cur),
		logx.Duration("delay", delay))

	next := item
	next.Meta.Origin = OriginRetry
	next.Meta.Attempt = cur
	s.enqueueLater(delay, gen, next, false)
}

func (s *Service) maybeSuccessRepeat(item QueueItem) {
	if item.Meta.TriggerType != config.TriggerScheduled {
		return
	}

	s.mu.Lock()
	task := s.tasks[item.Task.ID]
	if task == nil || !task.Enabled {
		s.mu.Unlock()
		return
	}
	p := task.Retry.SuccessRepeat
	if !p.Enabled {
		s.mu.Unlock()
		return
	}
	tr, ok := s.triggerByKeyLocked(item.TriggerKey)
	if !ok || !trigger.WindowActive(tr, s.now()) {
		s.mu.Unlock()
		return
	}

	key := retryKey(task.ID, item.TriggerKey)
	reps := s.successCounts[key]
	if p.MaxRepeats > 0 && reps >= p.MaxRepeats {
		s.mu.Unlock()
		return
	}
	s.successCounts[key] = reps + 1
	gen := s.gen
	s.mu.Unlock()

	delay, err := config.ParseDurationOrDefault("retry.success_repeat.delay", p.Delay, defaultRetryWait)
	if err != nil {
		delay = defaultRetryWait
	}
	s.log.Info("success repeat scheduled",
		logx.String("task", task.ID),
		logx.Int("repeat", reps+1),
		logx.Duration("delay", delay))

	next := item
	next.Meta.Origin = OriginSuccessRepeat
	next.Meta.Attempt = 0
	next.Meta.SuccessAttempt = reps + 1
	s.enqueueLater(delay, gen, next, true)
}

// enqueueLater enqueues item after delay unless the scheduler stopped or
// reloaded in between. checkWindow re-verifies the trigger window at fire
// time (success repeats must not leak past the window).
func (s *Service) enqueueLater(delay time.Duration, gen uint64, item QueueItem, checkWindow bool) {
	time.AfterFunc(delay, func() {
		s.mu.Lock()
		if !s.started || s.gen != gen {
			s.mu.Unlock()
			return
		}
		task := s.tasks[item.Task.ID]
		if task == nil || !task.Enabled {
			s.mu.Unlock()
			return
		}
		if checkWindow {
			tr, ok := s.triggerByKeyLocked(item.TriggerKey)
			if !ok || !trigger.WindowActive(tr, s.now()) {
				s.mu.Unlock()
				return
			}
		}
		item.Task = task
		s.mu.Unlock()
		s.enqueue(item)
	})
}

// maybePreempt evicts running victims when a window-active scheduled item
// can't get a slot: every running task in the same group with a numerically
// larger priority whose own active trigger is scheduled and window-active is
// cancelled with reason preempt; handleCompletion parks each for requeue.
func (s *Service) maybePreempt(item QueueItem) {
	if s.res.CanStart(item.Task) {
		return
	}

	group := item.Task.EffectiveResourceGroup()
	prio := item.Task.EffectivePriority()

	s.mu.Lock()
	now := s.now()
	var victims []string
	for id, rIt := range s.running {
		rTask := s.tasks[id]
		if rTask == nil || rTask.EffectiveResourceGroup() != group {
			continue
		}
		if rTask.EffectivePriority() <= prio {
			continue
		}
		if rIt.Meta.TriggerType != config.TriggerScheduled {
			continue
		}
		tr, ok := s.triggerByKeyLocked(rIt.TriggerKey)
		if !ok || !trigger.WindowActive(tr, now) {
			continue
		}
		victims = append(victims, id)
	}
	s.mu.Unlock()

	for _, id := range victims {
		s.log.Info("preempting running task",
			logx.String("victim", id),
			logx.String("for", item.Task.ID),
			logx.Int("priority", prio))
		// Cancel waits for the run to unwind; do it off the caller's
		// goroutine.
		go s.exec.Cancel(id, executor.ReasonPreempt)
	}
}

// flushPreempted requeues parked victims whose window is still open. Called
// whenever a slot frees up.
func (s *Service) flushPreempted() {
	s.mu.Lock()
	now := s.now()
	var ready []QueueItem
	for id, it := range s.preempted {
		delete(s.preempted, id)
		task := s.tasks[id]
		if task == nil || !task.Enabled {
			continue
		}
		tr, ok := s.triggerByKeyLocked(it.TriggerKey)
		if !ok || !trigger.WindowActive(tr, now) {
			continue
		}
		it.Task = task
		it.Meta.Origin = OriginPreemptReturn
		ready = append(ready, it)
	}
	s.mu.Unlock()

	for _, it := range ready {
		s.log.Info("requeueing preempted task", logx.String("task", it.Task.ID))
		s.queue.Put(it)
	}
}

func taskLabel(task *config.TaskDefinition) string {
	if task.Name != "" {
		return task.Name
	}
	return task.ID
}
