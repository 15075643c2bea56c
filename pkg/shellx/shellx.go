// Package shellx runs shell commands with line-by-line output streaming and
// process-group aware cancellation.
//
// Commands are started in their own process group so that cancellation can
// signal the whole tree (shell plus children), not just the shell.
package shellx

import (
	"bufio"
	"context"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Stream identifies which pipe a line came from.
type Stream int

const (
	Stdout Stream = iota
	Stderr
)

func (s Stream) String() string {
	if s == Stderr {
		return "stderr"
	}
	return "stdout"
}

// LineFunc receives one output line (without the trailing newline).
// Calls are serialized across both streams; keep it fast and non-blocking.
type LineFunc func(stream Stream, line string)

// Options control a single Run.
type Options struct {
	// Dir is the working directory; empty means inherited.
	Dir string
	// Env entries are appended to the inherited environment.
	Env []string
	// OnLine, when non-nil, receives every output line as it is produced.
	OnLine LineFunc
	// KillGrace is how long to wait after the soft signal before the hard
	// kill. Zero means DefaultKillGrace.
	KillGrace time.Duration
}

// DefaultKillGrace is the soft-to-hard kill escalation window.
const DefaultKillGrace = 5 * time.Second

// Result describes a finished run.
type Result struct {
	ExitCode   int
	StartedAt  time.Time
	FinishedAt time.Time
	// Signaled is true when the process exited due to a signal
	// (typically because the context was cancelled).
	Signaled bool
}

func (r Result) Duration() time.Duration { return r.FinishedAt.Sub(r.StartedAt) }

// maxLineBytes bounds scanner buffers; longer lines are split.
const maxLineBytes = 256 * 1024

// Run executes command via the platform shell and streams its output.
//
// When ctx is cancelled the process group receives the soft signal
// (SIGTERM on unix), then the hard kill after the grace window. Run
// always waits for the process and both readers to finish before
// returning, so OnLine is never called after Run returns.
//
// The returned Result is valid even when err is non-nil.
func Run(ctx context.Context, command string, opts Options) (Result, error) {
	res := Result{ExitCode: -1}
	if command == "" {
		return res, errors.New("shellx: empty command")
	}
	grace := opts.KillGrace
	if grace <= 0 {
		grace = DefaultKillGrace
	}

	cmd := shellCommand(command)
	cmd.Dir = opts.Dir
	if len(opts.Env) > 0 {
		cmd.Env = append(cmd.Environ(), opts.Env...)
	}
	setProcGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return res, errors.Wrap(err, "shellx: stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return res, errors.Wrap(err, "shellx: stderr pipe")
	}

	res.StartedAt = time.Now()
	if err := cmd.Start(); err != nil {
		res.FinishedAt = time.Now()
		return res, errors.Wrap(err, "shellx: start")
	}

	onLine := opts.OnLine
	if onLine != nil {
		// Serialize calls so callers see one line at a time.
		var lineMu sync.Mutex
		inner := onLine
		onLine = func(stream Stream, line string) {
			lineMu.Lock()
			inner(stream, line)
			lineMu.Unlock()
		}
	}

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		scanLines(stdout, Stdout, onLine)
	}()
	go func() {
		defer readers.Done()
		scanLines(stderr, Stderr, onLine)
	}()

	// Killer: escalate soft -> hard once ctx is cancelled.
	killDone := make(chan struct{})
	waitDone := make(chan struct{})
	go func() {
		defer close(killDone)
		select {
		case <-waitDone:
			return
		case <-ctx.Done():
		}
		terminateGroup(cmd)
		select {
		case <-waitDone:
		case <-time.After(grace):
			killGroup(cmd)
		}
	}()

	readers.Wait()
	waitErr := cmd.Wait()
	close(waitDone)
	<-killDone

	res.FinishedAt = time.Now()
	res.ExitCode = exitCode(cmd, waitErr)
	res.Signaled = wasSignaled(cmd)

	if ctx.Err() != nil {
		return res, ctx.Err()
	}
	if waitErr != nil {
		var ee *exec.ExitError
		if errors.As(waitErr, &ee) {
			// Non-zero exit is reported through ExitCode, not as an error.
			return res, nil
		}
		return res, errors.Wrap(waitErr, "shellx: wait")
	}
	return res, nil
}

func scanLines(r io.Reader, stream Stream, fn LineFunc) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	for sc.Scan() {
		if fn != nil {
			fn(stream, sc.Text())
		}
	}
}

func exitCode(cmd *exec.Cmd, waitErr error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	if waitErr != nil {
		return -1
	}
	return 0
}
