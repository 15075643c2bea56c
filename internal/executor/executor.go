// Package executor runs task commands: device preparation, the main shell
// command with live output capture, cancellation with reasons, post-run
// hooks, and bounded run history.
package executor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"maestro/internal/config"
	"maestro/internal/eventbus"
	"maestro/internal/notify"
	"maestro/internal/storage"
	"maestro/pkg/logx"
	"maestro/pkg/shellx"
)

const (
	historyCap = 200
	// outputTailCap bounds the output carried on each RunResult.
	outputTailCap = 50
)

// Settings tune the executor.
type Settings struct {
	// LogDir is the root for per-run log files (default "./logs").
	LogDir string
	// RunLogRetention caps per-run log files kept per task (default 20).
	RunLogRetention int
}

func (s Settings) withDefaults() Settings {
	if s.LogDir == "" {
		s.LogDir = "./logs"
	}
	if s.RunLogRetention <= 0 {
		s.RunLogRetention = 20
	}
	return s
}

// Service executes tasks. At most one in-flight run per task id.
type Service struct {
	log      logx.Logger
	store    storage.Store
	bus      eventbus.Bus
	notifier notify.Notifier
	settings Settings

	seq atomic.Uint64

	mu          sync.Mutex
	runs        map[string]*run   // taskID -> active run
	history     []RunResult       // bounded, newest last
	connected   map[string]bool   // adb network devices already connected
	resolutions map[string]string // deviceID -> last known resolution
}

type run struct {
	taskID string
	runID  string
	cancel context.CancelFunc
	done   chan struct{}
	live   *lineRing

	reasonMu sync.Mutex
	reason   string
}

func (r *run) setReason(reason string) {
	r.reasonMu.Lock()
	if r.reason == "" {
		r.reason = reason
	}
	r.reasonMu.Unlock()
}

func (r *run) getReason() string {
	r.reasonMu.Lock()
	defer r.reasonMu.Unlock()
	return r.reason
}

func New(settings Settings, store storage.Store, bus eventbus.Bus, notifier notify.Notifier, log logx.Logger) *Service {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Service{
		log:         log.With(logx.String("comp", "executor")),
		store:       store,
		bus:         bus,
		notifier:    notifier,
		settings:    settings.withDefaults(),
		runs:        map[string]*run{},
		connected:   map[string]bool{},
		resolutions: map[string]string{},
	}
}

// Execute runs the task to completion and always returns a RunResult with
// timestamps. ErrAlreadyRunning is returned without starting anything when
// the task already has an in-flight run.
func (s *Service) Execute(ctx context.Context, task *config.TaskDefinition, opts Options) (RunResult, error) {
	runID := fmt.Sprintf("%s-%s-%04d", task.ID, time.Now().Format("20060102T150405"), s.seq.Add(1)%10000)

	res := RunResult{
		TaskID:   task.ID,
		TaskName: task.Name,
		RunID:    runID,
		Status:   StatusPending,
		ExitCode: -1,
		Meta:     opts.Meta,
	}

	rctx, cancel := context.WithCancel(ctx)
	r := &run{
		taskID: task.ID,
		runID:  runID,
		cancel: cancel,
		done:   make(chan struct{}),
		live:   newLineRing(liveLogCap),
	}

	s.mu.Lock()
	if _, busy := s.runs[task.ID]; busy {
		s.mu.Unlock()
		cancel()
		return res, ErrAlreadyRunning
	}
	s.runs[task.ID] = r
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.runs, task.ID)
		s.mu.Unlock()
		cancel()
		close(r.done)
	}()

	log := s.log.With(
		logx.String("task", task.ID),
		logx.String("run", runID),
		logx.String("origin", opts.Meta.Origin))

	res.Status = StatusRunning
	res.StartedAt = time.Now()
	s.publishStatus(res)
	log.Info("run started")

	finish := func(status, message string) RunResult {
		res.Status = status
		res.Message = message
		res.Success = status == StatusCompleted
		res.Output = r.live.Tail(outputTailCap)
		res.FinishedAt = time.Now()
		res.Duration = res.FinishedAt.Sub(res.StartedAt)
		if status == StatusCancelled {
			res.CancelReason = r.getReason()
			if res.CancelReason == "" {
				res.CancelReason = ReasonStop
			}
		}
		s.finalize(task, res, log)
		return res
	}

	// Device preparation.
	if !opts.SkipPreTasks {
		if err := s.prepareDevice(rctx, task, log); err != nil {
			if rctx.Err() != nil {
				return finish(StatusCancelled, "cancelled during device preparation"), nil
			}
			log.Error("device preparation failed", logx.Err(err))
			return finish(StatusFailed, fmt.Sprintf("device preparation: %v", err)), nil
		}
	}

	// Main command with line fanout.
	var logFile *os.File
	if task.Log.PerRunFile {
		f, err := s.openRunLog(task.ID, runID)
		if err != nil {
			log.Warn("per-run log file unavailable", logx.Err(err))
		} else {
			logFile = f
			defer func() {
				_ = logFile.Close()
				s.pruneRunLogs(task.ID, log)
			}()
		}
	}

	onLine := func(stream shellx.Stream, line string) {
		r.live.Append(line)
		if task.Log.MirrorToGlobal {
			log.Info(line, logx.String("stream", stream.String()))
		}
		if logFile != nil {
			fmt.Fprintf(logFile, "[%s] %s\n", stream, line)
		}
		s.bus.Publish(eventbus.Event{
			Type: eventbus.TypeTaskLog,
			Data: eventbus.LogLine{TaskID: task.ID, RunID: runID, Stream: stream.String(), Line: line},
		})
	}

	shres, err := shellx.Run(rctx, task.Command, shellx.Options{OnLine: onLine})
	res.ExitCode = shres.ExitCode

	if rctx.Err() != nil {
		out := finish(StatusCancelled, "run cancelled")
		log.Warn("run cancelled", logx.String("reason", out.CancelReason))
		return out, nil
	}
	if err != nil {
		log.Error("command failed to run", logx.Err(err))
		return finish(StatusFailed, err.Error()), nil
	}

	// Post-run hooks see the full captured output.
	output := r.live.Tail(0)
	s.runKeywordHooks(task, output, log)

	if shres.ExitCode == 0 {
		out := finish(StatusCompleted, "")
		s.notifyOutcome(task, out)
		log.Info("run completed", logx.Duration("took", out.Duration))
		return out, nil
	}

	out := finish(StatusFailed, fmt.Sprintf("exit code %d", shres.ExitCode))
	s.notifyOutcome(task, out)
	log.Warn("run failed", logx.Int("exit_code", shres.ExitCode))
	return out, nil
}

// Cancel requests cancellation of a task's active run and waits for the run
// to unwind. Returns false when the task has no active run.
func (s *Service) Cancel(taskID, reason string) bool {
	s.mu.Lock()
	r := s.runs[taskID]
	s.mu.Unlock()
	if r == nil {
		return false
	}
	r.setReason(reason)
	r.cancel()
	<-r.done
	return true
}

// CancelAll cancels every active run with the same reason and waits for all
// of them.
func (s *Service) CancelAll(reason string) int {
	s.mu.Lock()
	active := make([]*run, 0, len(s.runs))
	for _, r := range s.runs {
		active = append(active, r)
	}
	s.mu.Unlock()

	for _, r := range active {
		r.setReason(reason)
		r.cancel()
	}
	for _, r := range active {
		<-r.done
	}
	return len(active)
}

func (s *Service) IsRunning(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.runs[taskID]
	return ok
}

// Running lists task ids with an active run, sorted.
func (s *Service) Running() []string {
	s.mu.Lock()
	ids := make([]string, 0, len(s.runs))
	for id := range s.runs {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// LiveLog returns up to limit most recent output lines of the active run.
func (s *Service) LiveLog(taskID string, limit int) []string {
	s.mu.Lock()
	r := s.runs[taskID]
	s.mu.Unlock()
	if r == nil {
		return nil
	}
	return r.live.Tail(limit)
}

// History returns the most recent finished runs, newest first.
func (s *Service) History(limit int) []RunResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.history)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]RunResult, n)
	for i := 0; i < n; i++ {
		out[i] = s.history[len(s.history)-1-i]
	}
	return out
}

func (s *Service) publishStatus(res RunResult) {
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeTaskStatus, Data: res})
}

func (s *Service) finalize(task *config.TaskDefinition, res RunResult, log logx.Logger) {
	s.mu.Lock()
	s.history = append(s.history, res)
	if len(s.history) > historyCap {
		s.history = s.history[len(s.history)-historyCap:]
	}
	s.mu.Unlock()

	s.publishStatus(res)
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeTaskHistory, Data: res})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rec := storage.RunRecord{
		RunID:        res.RunID,
		TaskID:       res.TaskID,
		TaskName:     res.TaskName,
		Status:       res.Status,
		Success:      res.Success,
		ExitCode:     res.ExitCode,
		Message:      res.Message,
		Origin:       res.Meta.Origin,
		TriggerKey:   res.Meta.TriggerKey,
		TriggerType:  res.Meta.TriggerType,
		Attempt:      res.Meta.Attempt,
		CancelReason: res.CancelReason,
		StartedAt:    res.StartedAt,
		FinishedAt:   res.FinishedAt,
		Duration:     res.Duration,
	}
	if err := s.store.RecordRun(ctx, rec); err != nil && err != storage.ErrDisabled {
		log.Warn("record run failed", logx.Err(err))
	}
}

// ---- per-run log files ----

func (s *Service) taskLogDir(taskID string) string {
	return filepath.Join(s.settings.LogDir, "tasks", taskID)
}

func (s *Service) openRunLog(taskID, runID string) (*os.File, error) {
	dir := s.taskLogDir(taskID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(filepath.Join(dir, runID+".log"), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
}

// pruneRunLogs keeps the newest N run logs per task and removes the rest.
func (s *Service) pruneRunLogs(taskID string, log logx.Logger) {
	dir := s.taskLogDir(taskID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".log" {
			names = append(names, e.Name())
		}
	}
	keep := s.settings.RunLogRetention
	if len(names) <= keep {
		return
	}
	// Run ids embed a sortable timestamp, so name order is age order.
	sort.Strings(names)
	for _, name := range names[:len(names)-keep] {
		if err := os.Remove(filepath.Join(dir, name)); err != nil {
			log.Warn("prune run log failed", logx.String("file", name), logx.Err(err))
		}
	}
}
