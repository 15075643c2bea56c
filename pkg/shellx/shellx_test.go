//go:build !windows

package shellx

import (
	"context"
	"sync"
	"testing"
	"time"
)

type lineCollector struct {
	mu    sync.Mutex
	lines []string
}

func (c *lineCollector) add(stream Stream, line string) {
	c.mu.Lock()
	c.lines = append(c.lines, stream.String()+":"+line)
	c.mu.Unlock()
}

func (c *lineCollector) all() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.lines))
	copy(out, c.lines)
	return out
}

func TestRunStreamsLines(t *testing.T) {
	t.Parallel()

	var c lineCollector
	res, err := Run(context.Background(), `echo out1; echo err1 >&2; echo out2`, Options{OnLine: c.add})
	if err != nil {
		t.Fatal(err)
	}
	if res.ExitCode != 0 {
		t.Fatalf("exit = %d", res.ExitCode)
	}

	got := map[string]bool{}
	for _, l := range c.all() {
		got[l] = true
	}
	for _, want := range []string{"stdout:out1", "stdout:out2", "stderr:err1"} {
		if !got[want] {
			t.Errorf("missing line %q in %v", want, c.all())
		}
	}
}

func TestRunReportsExitCode(t *testing.T) {
	t.Parallel()

	res, err := Run(context.Background(), "exit 3", Options{})
	if err != nil {
		t.Fatalf("non-zero exit should not be an error: %v", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("exit = %d, want 3", res.ExitCode)
	}
}

func TestRunEmptyCommand(t *testing.T) {
	t.Parallel()

	if _, err := Run(context.Background(), "", Options{}); err == nil {
		t.Error("empty command should fail")
	}
}

func TestRunCancelKillsProcessGroup(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	res, err := Run(ctx, "sleep 30", Options{KillGrace: time.Second})
	took := time.Since(start)

	if err == nil {
		t.Fatal("cancelled run should return the context error")
	}
	if took > 5*time.Second {
		t.Fatalf("cancellation took %v", took)
	}
	if !res.Signaled {
		t.Error("process should have exited on a signal")
	}
	if res.FinishedAt.Before(res.StartedAt) {
		t.Error("timestamps should be ordered")
	}
}

func TestRunEnvAndDir(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	var c lineCollector
	_, err := Run(context.Background(), `echo "$MAESTRO_TEST_VAR in $(pwd)"`, Options{
		Dir:    dir,
		Env:    []string{"MAESTRO_TEST_VAR=hello"},
		OnLine: c.add,
	})
	if err != nil {
		t.Fatal(err)
	}
	lines := c.all()
	if len(lines) != 1 {
		t.Fatalf("lines = %v", lines)
	}
	if want := "stdout:hello in " + dir; lines[0] != want {
		t.Errorf("got %q, want %q", lines[0], want)
	}
}
