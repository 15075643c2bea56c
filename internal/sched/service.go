// Package sched owns the task timeline, the priority queue, admission
// control, and the retry/preemption controller. A single dispatcher
// goroutine moves work from the queue to the executor.
package sched

import (
	"context"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"maestro/internal/config"
	"maestro/internal/eventbus"
	"maestro/internal/executor"
	"maestro/internal/notify"
	"maestro/internal/runtime/supervisor"
	"maestro/pkg/logx"
)

const (
	pollInterval     = time.Second
	admissionBackoff = 5 * time.Second
	defaultRetryWait = time.Minute
)

// Executor is what the scheduler needs from the run layer. Implemented by
// executor.Service; tests use fakes.
type Executor interface {
	Execute(ctx context.Context, task *config.TaskDefinition, opts executor.Options) (executor.RunResult, error)
	Cancel(taskID, reason string) bool
	CancelAll(reason string) int
	IsRunning(taskID string) bool
	Running() []string
}

type Service struct {
	log      logx.Logger
	exec     Executor
	notifier notify.Notifier
	bus      eventbus.Bus

	queue *TaskQueue
	res   *ResourceManager

	now func() time.Time
	rng *rand.Rand

	mu      sync.Mutex
	tasks   map[string]*config.TaskDefinition
	order   []string
	mode    string
	started bool
	// gen invalidates delayed retry/repeat closures across Reload/Stop.
	gen uint64

	// onceVer guards one-shot timers against stale callbacks: a callback
	// only acts when its captured version is still current for its key.
	onceVer   map[string]uint64
	timers    map[string]*time.Timer
	nextFires map[string]time.Time

	failCounts    map[string]int
	failNotified  map[string]bool
	successCounts map[string]int

	running   map[string]QueueItem
	preempted map[string]QueueItem

	sup *supervisor.Supervisor
}

func New(exec Executor, notifier notify.Notifier, bus eventbus.Bus, log logx.Logger) *Service {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	lg := log.With(logx.String("comp", "sched"))
	return &Service{
		log:           lg,
		exec:          exec,
		notifier:      notifier,
		bus:           bus,
		queue:         NewTaskQueue(),
		res:           NewResourceManager(lg),
		now:           time.Now,
		rng:           rand.New(rand.NewSource(time.Now().UnixNano())),
		tasks:         map[string]*config.TaskDefinition{},
		mode:          config.ModeScheduler,
		onceVer:       map[string]uint64{},
		timers:        map[string]*time.Timer{},
		nextFires:     map[string]time.Time{},
		failCounts:    map[string]int{},
		failNotified:  map[string]bool{},
		successCounts: map[string]int{},
		running:       map[string]QueueItem{},
		preempted:     map[string]QueueItem{},
	}
}

// Configure loads tasks, groups, and mode from the config. Must be called
// before Start; Reload handles later config changes.
func (s *Service) Configure(cfg *config.Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyConfigLocked(cfg)
}

func (s *Service) applyConfigLocked(cfg *config.Config) {
	tasks := make(map[string]*config.TaskDefinition, len(cfg.Tasks))
	order := make([]string, 0, len(cfg.Tasks))
	for i := range cfg.Tasks {
		t := cfg.Tasks[i]
		tasks[t.ID] = &t
		order = append(order, t.ID)
	}
	s.tasks = tasks
	s.order = order
	s.mode = cfg.Scheduler.EffectiveMode()
	s.res.Load(cfg.ResourceGroups)
}

// Start arms the timeline and launches the dispatcher.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("scheduler already started")
	}
	s.started = true
	s.sup = supervisor.New(ctx, supervisor.WithLogger(s.log))

	var pending []QueueItem
	for _, id := range s.order {
		if t := s.tasks[id]; t != nil && t.Enabled {
			pending = append(pending, s.armTaskLocked(t)...)
		}
	}
	s.mu.Unlock()

	// Scheduled triggers whose window is already open fire immediately.
	for _, it := range pending {
		s.enqueue(it)
	}

	s.sup.GoRestart("sched.dispatch", s.dispatchLoop, supervisor.WithPublishFirstError(true))
	s.log.Info("scheduler started", logx.Int("tasks", len(s.order)))
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeSchedulerOp, Data: "started"})
	return nil
}

// Stop cancels all runs and waits for the dispatcher to exit.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	s.gen++
	s.stopTimersLocked()
	sup := s.sup
	s.mu.Unlock()

	s.exec.CancelAll(executor.ReasonStop)
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeSchedulerOp, Data: "stopped"})
	if sup != nil {
		return sup.Stop(ctx)
	}
	return nil
}

func (s *Service) stopTimersLocked() {
	for key, t := range s.timers {
		t.Stop()
		delete(s.timers, key)
		delete(s.nextFires, key)
	}
}

// dispatchLoop is the single consumer of the queue. Admission checks and
// allocations happen only here, which keeps check-then-act race free.
func (s *Service) dispatchLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		item, ok := s.queue.Get()
		if !ok {
			if !sleepCtx(ctx, pollInterval) {
				return nil
			}
			continue
		}

		s.mu.Lock()
		task := s.tasks[item.Task.ID]
		mode := s.mode
		s.mu.Unlock()

		// Drop stale items: task removed, disabled, or automatic work
		// while in single-task mode.
		if task == nil || !task.Enabled {
			continue
		}
		if mode == config.ModeSingleTask && item.Meta.Origin != OriginManual {
			continue
		}
		item.Task = task

		if s.exec.IsRunning(task.ID) {
			// One in-flight run per task; retry shortly.
			s.queue.Put(item)
			if !sleepCtx(ctx, pollInterval) {
				return nil
			}
			continue
		}

		if !s.res.CanStart(task) {
			if !sleepCtx(ctx, admissionBackoff) {
				return nil
			}
			s.queue.Put(item)
			continue
		}

		s.res.Allocate(task)
		s.mu.Lock()
		s.running[task.ID] = item
		s.mu.Unlock()

		it := item
		s.sup.Go0("sched.run."+task.ID, func(ctx context.Context) {
			s.runItem(ctx, it)
		})
	}
}

func (s *Service) runItem(ctx context.Context, item QueueItem) {
	task := item.Task

	res, err := s.executeItem(ctx, item)
	if err != nil {
		if errors.Is(err, executor.ErrAlreadyRunning) {
			s.queue.Put(item)
			return
		}
		s.log.Error("run dispatch failed", logx.String("task", task.ID), logx.Err(err))
		return
	}

	s.handleCompletion(item, res)
	s.flushPreempted()
}

// executeItem runs one invocation. The slot release and running-set removal
// sit in a defer so a panic out of Execute cannot strand the group.
func (s *Service) executeItem(ctx context.Context, item QueueItem) (executor.RunResult, error) {
	task := item.Task
	defer func() {
		s.res.Release(task)
		s.mu.Lock()
		delete(s.running, task.ID)
		s.mu.Unlock()
	}()

	opts := executor.Options{Meta: item.Meta}
	if item.Meta.Origin == OriginRetry && !task.Retry.RerunPreTasks {
		opts.SkipPreTasks = true
	}
	return s.exec.Execute(ctx, task, opts)
}

// enqueue puts an item on the queue and evaluates preemption for
// window-active scheduled work.
func (s *Service) enqueue(item QueueItem) {
	s.queue.Put(item)
	s.log.Debug("task queued",
		logx.String("task", item.Task.ID),
		logx.String("origin", item.Meta.Origin),
		logx.Int("priority", item.Task.EffectivePriority()))
	if item.Meta.TriggerType == config.TriggerScheduled {
		s.maybePreempt(item)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// ---- trigger keys ----

func triggerKey(taskID string, idx int) string {
	return taskID + ":" + strconv.Itoa(idx)
}

// retryKey scopes retry counters to (task, trigger); manual runs share a
// single "manual" slot per task.
func retryKey(taskID, trigKey string) string {
	if trigKey == "" {
		return taskID + ":manual"
	}
	return taskID + ":" + trigKey
}

// triggerByKeyLocked resolves "taskID:idx" back to the trigger definition.
func (s *Service) triggerByKeyLocked(key string) (config.Trigger, bool) {
	i := strings.LastIndex(key, ":")
	if i <= 0 {
		return config.Trigger{}, false
	}
	idx, err := strconv.Atoi(key[i+1:])
	if err != nil {
		return config.Trigger{}, false
	}
	task := s.tasks[key[:i]]
	if task == nil || idx < 0 || idx >= len(task.Triggers) {
		return config.Trigger{}, false
	}
	return task.Triggers[idx], true
}
