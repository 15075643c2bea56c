package sched

import (
	"context"
	"sync"
	"testing"
	"time"

	"maestro/internal/config"
	"maestro/internal/eventbus"
	"maestro/internal/executor"
	"maestro/pkg/logx"
)

// fakeExec records executor calls; tests drive completions by hand.
type fakeExec struct {
	mu       sync.Mutex
	running  map[string]bool
	executed []executor.Meta
	cancels  map[string]string // taskID -> reason
	cancelCh chan string
	execCh   chan string
}

func newFakeExec() *fakeExec {
	return &fakeExec{
		running:  map[string]bool{},
		cancels:  map[string]string{},
		cancelCh: make(chan string, 16),
		execCh:   make(chan string, 16),
	}
}

func (f *fakeExec) Execute(ctx context.Context, task *config.TaskDefinition, opts executor.Options) (executor.RunResult, error) {
	f.mu.Lock()
	f.executed = append(f.executed, opts.Meta)
	f.mu.Unlock()
	select {
	case f.execCh <- task.ID:
	default:
	}
	return executor.RunResult{TaskID: task.ID, Status: executor.StatusCompleted, Success: true, Meta: opts.Meta}, nil
}

func (f *fakeExec) Cancel(taskID, reason string) bool {
	f.mu.Lock()
	was := f.running[taskID]
	delete(f.running, taskID)
	if was {
		f.cancels[taskID] = reason
	}
	f.mu.Unlock()
	if was {
		select {
		case f.cancelCh <- taskID:
		default:
		}
	}
	return was
}

func (f *fakeExec) CancelAll(reason string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := len(f.running)
	for id := range f.running {
		f.cancels[id] = reason
		delete(f.running, id)
	}
	return n
}

func (f *fakeExec) IsRunning(taskID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running[taskID]
}

func (f *fakeExec) Running() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.running))
	for id := range f.running {
		out = append(out, id)
	}
	return out
}

// panicExec blows up on Execute, standing in for a run that escapes the
// executor's own recovery.
type panicExec struct{ *fakeExec }

func (p *panicExec) Execute(ctx context.Context, task *config.TaskDefinition, opts executor.Options) (executor.RunResult, error) {
	panic("executor blew up")
}

type fakeNotifier struct {
	mu     sync.Mutex
	titles []string
}

func (f *fakeNotifier) Notify(title, content, tag string) bool {
	f.mu.Lock()
	f.titles = append(f.titles, title)
	f.mu.Unlock()
	return true
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.titles)
}

// alwaysOpen is a scheduled trigger whose window never closes
// (start == end).
func alwaysOpen() config.Trigger {
	return config.Trigger{Type: config.TriggerScheduled, StartTime: "00:00", EndTime: "00:00"}
}

func newTestService(t *testing.T, cfg *config.Config, fx *fakeExec, fn *fakeNotifier) *Service {
	t.Helper()
	s := New(fx, fn, eventbus.New(), logx.Nop())
	s.Configure(cfg)
	// Delayed requeues check started; enable without launching the
	// dispatcher so tests inspect the queue directly.
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	return s
}

func waitQueueLen(t *testing.T, q *TaskQueue, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if q.Len() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("queue len = %d, want %d", q.Len(), want)
}

func TestRetrySchedulesUpToMaxRetries(t *testing.T) {
	t.Parallel()

	prio := 10
	cfg := &config.Config{Tasks: []config.TaskDefinition{{
		ID: "t", Enabled: true, Priority: &prio, Command: "true",
		Triggers: []config.Trigger{alwaysOpen()},
		Retry: config.RetryPolicy{
			Enabled: true, MaxRetries: 3, Delay: "1ms", NotifyAfter: 2,
		},
	}}}
	fx := newFakeExec()
	fn := &fakeNotifier{}
	s := newTestService(t, cfg, fx, fn)

	item := QueueItem{
		Task:       s.tasks["t"],
		TriggerKey: "t:0",
		Meta:       executor.Meta{Origin: OriginScheduler, TriggerKey: "t:0", TriggerType: config.TriggerScheduled},
	}
	failed := executor.RunResult{TaskID: "t", Status: executor.StatusFailed}

	// max_retries=3 means three retry runs after the initial failure.
	for want := 1; want <= 3; want++ {
		s.handleCompletion(item, failed)
		waitQueueLen(t, s.queue, 1)
		got, _ := s.queue.Get()
		if got.Meta.Origin != OriginRetry {
			t.Fatalf("retry %d origin = %s, want %s", want, got.Meta.Origin, OriginRetry)
		}
		if got.Meta.Attempt != want {
			t.Fatalf("retry %d attempt = %d, want %d", want, got.Meta.Attempt, want)
		}
		item = got
	}

	// Fourth failure exhausts the budget; nothing more is queued.
	s.handleCompletion(item, failed)
	time.Sleep(50 * time.Millisecond)
	if n := s.queue.Len(); n != 0 {
		t.Fatalf("queue len after exhaustion = %d, want 0", n)
	}

	// Counter is kept for visibility.
	s.mu.Lock()
	failures := s.failCounts["t:t:0"]
	s.mu.Unlock()
	if failures != 4 {
		t.Errorf("fail counter = %d, want 4", failures)
	}

	// Exactly one notification, fired when the threshold was crossed.
	if fn.count() != 1 {
		t.Errorf("notifications = %d, want 1", fn.count())
	}
}

func TestSuccessClearsFailureCounter(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{Tasks: []config.TaskDefinition{{
		ID: "t", Enabled: true, Command: "true",
		Triggers: []config.Trigger{alwaysOpen()},
		Retry:    config.RetryPolicy{Enabled: true, MaxRetries: 3, Delay: "1ms"},
	}}}
	fx := newFakeExec()
	s := newTestService(t, cfg, fx, &fakeNotifier{})

	s.mu.Lock()
	s.failCounts["t:t:0"] = 2
	s.failNotified["t:t:0"] = true
	s.mu.Unlock()

	item := QueueItem{Task: s.tasks["t"], TriggerKey: "t:0",
		Meta: executor.Meta{Origin: OriginScheduler, TriggerKey: "t:0", TriggerType: config.TriggerScheduled}}
	s.handleCompletion(item, executor.RunResult{TaskID: "t", Status: executor.StatusCompleted, Success: true})

	s.mu.Lock()
	_, hasFail := s.failCounts["t:t:0"]
	_, hasNotified := s.failNotified["t:t:0"]
	s.mu.Unlock()
	if hasFail || hasNotified {
		t.Error("success should clear failure counter and notified flag")
	}
}

func TestSuccessRepeatRunsExactlyMaxRepeats(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{Tasks: []config.TaskDefinition{{
		ID: "s", Enabled: true, Command: "true",
		Triggers: []config.Trigger{alwaysOpen()},
		Retry: config.RetryPolicy{
			SuccessRepeat: config.SuccessRepeatPolicy{Enabled: true, Delay: "1ms", MaxRepeats: 2},
		},
	}}}
	fx := newFakeExec()
	s := newTestService(t, cfg, fx, &fakeNotifier{})

	item := QueueItem{Task: s.tasks["s"], TriggerKey: "s:0",
		Meta: executor.Meta{Origin: OriginScheduler, TriggerKey: "s:0", TriggerType: config.TriggerScheduled}}
	completed := executor.RunResult{TaskID: "s", Status: executor.StatusCompleted, Success: true}

	// max_repeats=2 means two repeat runs after the initial success.
	for want := 1; want <= 2; want++ {
		s.handleCompletion(item, completed)
		waitQueueLen(t, s.queue, 1)
		got, _ := s.queue.Get()
		if got.Meta.Origin != OriginSuccessRepeat {
			t.Fatalf("repeat %d origin = %s, want %s", want, got.Meta.Origin, OriginSuccessRepeat)
		}
		if got.Meta.SuccessAttempt != want {
			t.Fatalf("repeat %d attempt = %d, want %d", want, got.Meta.SuccessAttempt, want)
		}
		item = got
	}

	s.handleCompletion(item, completed)
	time.Sleep(50 * time.Millisecond)
	if n := s.queue.Len(); n != 0 {
		t.Fatalf("queue len after repeat budget = %d, want 0", n)
	}
}

func TestPreemptionEvictsLowerPriorityAndRequeues(t *testing.T) {
	t.Parallel()

	prioA, prioB := 10, 1
	cfg := &config.Config{
		ResourceGroups: []config.ResourceGroup{{Name: "g", MaxConcurrent: 1}},
		Tasks: []config.TaskDefinition{
			{ID: "A", Enabled: true, Priority: &prioA, ResourceGroup: "g", Command: "true",
				Triggers: []config.Trigger{alwaysOpen()}},
			{ID: "B", Enabled: true, Priority: &prioB, ResourceGroup: "g", Command: "true",
				Triggers: []config.Trigger{alwaysOpen()}},
		},
	}
	fx := newFakeExec()
	s := newTestService(t, cfg, fx, &fakeNotifier{})

	// A is running in the only slot of group g.
	itemA := QueueItem{Task: s.tasks["A"], TriggerKey: "A:0",
		Meta: executor.Meta{Origin: OriginScheduler, TriggerKey: "A:0", TriggerType: config.TriggerScheduled}}
	fx.mu.Lock()
	fx.running["A"] = true
	fx.mu.Unlock()
	s.res.Allocate(s.tasks["A"])
	s.mu.Lock()
	s.running["A"] = itemA
	s.mu.Unlock()

	// B fires inside its window; the group is full, A has lower urgency.
	itemB := QueueItem{Task: s.tasks["B"], TriggerKey: "B:0",
		Meta: executor.Meta{Origin: OriginScheduler, TriggerKey: "B:0", TriggerType: config.TriggerScheduled}}
	s.enqueue(itemB)

	select {
	case id := <-fx.cancelCh:
		if id != "A" {
			t.Fatalf("cancelled %s, want A", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected preemption cancel")
	}
	fx.mu.Lock()
	reason := fx.cancels["A"]
	fx.mu.Unlock()
	if reason != executor.ReasonPreempt {
		t.Fatalf("cancel reason = %s, want %s", reason, executor.ReasonPreempt)
	}

	// A unwinds as the dispatcher would: release slot, report cancellation.
	s.res.Release(s.tasks["A"])
	s.mu.Lock()
	delete(s.running, "A")
	s.mu.Unlock()
	s.handleCompletion(itemA, executor.RunResult{
		TaskID: "A", Status: executor.StatusCancelled, CancelReason: executor.ReasonPreempt,
	})
	s.flushPreempted()

	// Queue: B first (priority 1), then A requeued after preemption.
	first, _ := s.queue.Get()
	if first.Task.ID != "B" {
		t.Fatalf("first = %s, want B", first.Task.ID)
	}
	second, ok := s.queue.Get()
	if !ok || second.Task.ID != "A" {
		t.Fatalf("second = %+v, want requeued A", second)
	}
	if second.Meta.Origin != OriginPreemptReturn {
		t.Errorf("requeued origin = %s, want %s", second.Meta.Origin, OriginPreemptReturn)
	}
}

func TestIntervalRearmsFromCompletion(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{Tasks: []config.TaskDefinition{{
		ID: "i", Enabled: true, Command: "true",
		Triggers: []config.Trigger{{Type: config.TriggerInterval, IntervalMinutes: 10}},
	}}}
	fx := newFakeExec()
	s := newTestService(t, cfg, fx, &fakeNotifier{})

	// The run took a while; the next fire counts from completion, not start.
	done := time.Date(2026, time.March, 1, 12, 3, 0, 0, time.Local)
	s.mu.Lock()
	s.now = func() time.Time { return done }
	s.mu.Unlock()

	item := QueueItem{Task: s.tasks["i"], TriggerKey: "i:0",
		Meta: executor.Meta{Origin: OriginScheduler, TriggerKey: "i:0", TriggerType: config.TriggerInterval}}
	s.handleCompletion(item, executor.RunResult{TaskID: "i", Status: executor.StatusCompleted, Success: true})

	s.mu.Lock()
	next, armed := s.nextFires["i:0"]
	s.mu.Unlock()
	if !armed {
		t.Fatal("interval trigger should be re-armed after completion")
	}
	if want := done.Add(10 * time.Minute); !next.Equal(want) {
		t.Errorf("next fire = %v, want %v", next, want)
	}
}

func TestPanickingRunReleasesSlot(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{
		ResourceGroups: []config.ResourceGroup{{Name: "g", MaxConcurrent: 1}},
		Tasks: []config.TaskDefinition{{
			ID: "p", Enabled: true, ResourceGroup: "g", Command: "true",
			Triggers: []config.Trigger{alwaysOpen()},
		}},
	}
	px := &panicExec{newFakeExec()}
	s := New(px, &fakeNotifier{}, eventbus.New(), logx.Nop())
	s.Configure(cfg)

	item := QueueItem{Task: s.tasks["p"], TriggerKey: "p:0",
		Meta: executor.Meta{Origin: OriginScheduler, TriggerKey: "p:0", TriggerType: config.TriggerScheduled}}
	s.res.Allocate(s.tasks["p"])
	s.mu.Lock()
	s.running["p"] = item
	s.mu.Unlock()

	func() {
		defer func() {
			if recover() == nil {
				t.Error("panic should propagate to the supervisor")
			}
		}()
		s.runItem(context.Background(), item)
	}()

	if !s.res.CanStart(s.tasks["p"]) {
		t.Error("slot should be released after a panicking run")
	}
	s.mu.Lock()
	_, still := s.running["p"]
	s.mu.Unlock()
	if still {
		t.Error("running entry should be removed after a panicking run")
	}
}

func TestPreemptionEvictsEveryEligibleVictim(t *testing.T) {
	t.Parallel()

	prioA, prioB, prioC := 10, 20, 1
	cfg := &config.Config{
		ResourceGroups: []config.ResourceGroup{{Name: "g", MaxConcurrent: 2}},
		Tasks: []config.TaskDefinition{
			{ID: "A", Enabled: true, Priority: &prioA, ResourceGroup: "g", Command: "true",
				Triggers: []config.Trigger{alwaysOpen()}},
			{ID: "B", Enabled: true, Priority: &prioB, ResourceGroup: "g", Command: "true",
				Triggers: []config.Trigger{alwaysOpen()}},
			{ID: "C", Enabled: true, Priority: &prioC, ResourceGroup: "g", Command: "true",
				Triggers: []config.Trigger{alwaysOpen()}},
		},
	}
	fx := newFakeExec()
	s := newTestService(t, cfg, fx, &fakeNotifier{})

	// A and B fill both slots of group g.
	for _, id := range []string{"A", "B"} {
		it := QueueItem{Task: s.tasks[id], TriggerKey: id + ":0",
			Meta: executor.Meta{Origin: OriginScheduler, TriggerKey: id + ":0", TriggerType: config.TriggerScheduled}}
		fx.mu.Lock()
		fx.running[id] = true
		fx.mu.Unlock()
		s.res.Allocate(s.tasks[id])
		s.mu.Lock()
		s.running[id] = it
		s.mu.Unlock()
	}

	itemC := QueueItem{Task: s.tasks["C"], TriggerKey: "C:0",
		Meta: executor.Meta{Origin: OriginScheduler, TriggerKey: "C:0", TriggerType: config.TriggerScheduled}}
	s.enqueue(itemC)

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case id := <-fx.cancelCh:
			got[id] = true
		case <-time.After(2 * time.Second):
			t.Fatalf("cancelled %v, want both A and B", got)
		}
	}
	if !got["A"] || !got["B"] {
		t.Fatalf("cancelled %v, want both A and B", got)
	}
	fx.mu.Lock()
	reasonA, reasonB := fx.cancels["A"], fx.cancels["B"]
	fx.mu.Unlock()
	if reasonA != executor.ReasonPreempt || reasonB != executor.ReasonPreempt {
		t.Errorf("cancel reasons = %s, %s, want %s", reasonA, reasonB, executor.ReasonPreempt)
	}
}

func TestPreemptionIgnoresNonScheduledVictims(t *testing.T) {
	t.Parallel()

	prioA, prioB := 10, 1
	cfg := &config.Config{
		ResourceGroups: []config.ResourceGroup{{Name: "g", MaxConcurrent: 1}},
		Tasks: []config.TaskDefinition{
			{ID: "A", Enabled: true, Priority: &prioA, ResourceGroup: "g", Command: "true",
				Triggers: []config.Trigger{{Type: config.TriggerInterval, IntervalMinutes: 5}}},
			{ID: "B", Enabled: true, Priority: &prioB, ResourceGroup: "g", Command: "true",
				Triggers: []config.Trigger{alwaysOpen()}},
		},
	}
	fx := newFakeExec()
	s := newTestService(t, cfg, fx, &fakeNotifier{})

	itemA := QueueItem{Task: s.tasks["A"], TriggerKey: "A:0",
		Meta: executor.Meta{Origin: OriginScheduler, TriggerKey: "A:0", TriggerType: config.TriggerInterval}}
	fx.mu.Lock()
	fx.running["A"] = true
	fx.mu.Unlock()
	s.res.Allocate(s.tasks["A"])
	s.mu.Lock()
	s.running["A"] = itemA
	s.mu.Unlock()

	itemB := QueueItem{Task: s.tasks["B"], TriggerKey: "B:0",
		Meta: executor.Meta{Origin: OriginScheduler, TriggerKey: "B:0", TriggerType: config.TriggerScheduled}}
	s.enqueue(itemB)

	select {
	case id := <-fx.cancelCh:
		t.Fatalf("unexpected preemption of %s", id)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDisablePurgesQueueRunAndCounters(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{Tasks: []config.TaskDefinition{{
		ID: "t", Enabled: true, Command: "true",
		Triggers: []config.Trigger{alwaysOpen()},
	}}}
	fx := newFakeExec()
	s := newTestService(t, cfg, fx, &fakeNotifier{})

	s.queue.Put(QueueItem{Task: s.tasks["t"], TriggerKey: "t:0",
		Meta: executor.Meta{Origin: OriginScheduler}})
	fx.mu.Lock()
	fx.running["t"] = true
	fx.mu.Unlock()
	s.mu.Lock()
	s.failCounts["t:t:0"] = 2
	s.successCounts["t:t:0"] = 1
	s.mu.Unlock()

	if err := s.SetTaskEnabled("t", false); err != nil {
		t.Fatal(err)
	}

	if s.queue.Len() != 0 {
		t.Error("disable should purge queued items")
	}
	fx.mu.Lock()
	reason := fx.cancels["t"]
	fx.mu.Unlock()
	if reason != executor.ReasonDisabled {
		t.Errorf("cancel reason = %s, want %s", reason, executor.ReasonDisabled)
	}
	s.mu.Lock()
	_, f := s.failCounts["t:t:0"]
	_, sc := s.successCounts["t:t:0"]
	s.mu.Unlock()
	if f || sc {
		t.Error("disable should clear counters")
	}

	if err := s.RunOnce("t"); err == nil {
		t.Error("RunOnce on a disabled task should fail")
	}
}

func TestDispatchRunsManualItem(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{Tasks: []config.TaskDefinition{{
		ID: "m", Enabled: true, Command: "true",
	}}}
	fx := newFakeExec()
	s := New(fx, &fakeNotifier{}, eventbus.New(), logx.Nop())
	s.Configure(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer func() {
		stopCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		_ = s.Stop(stopCtx)
	}()

	if err := s.RunOnce("m"); err != nil {
		t.Fatal(err)
	}
	select {
	case id := <-fx.execCh:
		if id != "m" {
			t.Fatalf("executed %s, want m", id)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("manual run never dispatched")
	}

	fx.mu.Lock()
	meta := fx.executed[0]
	fx.mu.Unlock()
	if meta.Origin != OriginManual {
		t.Errorf("origin = %s, want %s", meta.Origin, OriginManual)
	}
}

func TestSingleTaskModeSuppressesScheduledWork(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{Tasks: []config.TaskDefinition{{
		ID: "t", Enabled: true, Command: "true",
		Triggers: []config.Trigger{alwaysOpen()},
	}}}
	fx := newFakeExec()
	s := newTestService(t, cfg, fx, &fakeNotifier{})

	if err := s.SetMode(config.ModeSingleTask); err != nil {
		t.Fatal(err)
	}
	if s.Mode() != config.ModeSingleTask {
		t.Fatalf("mode = %s", s.Mode())
	}

	// Scheduled fires are suppressed while in single-task mode.
	s.onTimerFire("t:0", s.onceVer["t:0"], "t", 0)
	if s.queue.Len() != 0 {
		t.Error("scheduled fire should be suppressed in single-task mode")
	}
}
