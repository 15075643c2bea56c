package logx

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"DEBUG", zerolog.DebugLevel},
		{"debug", zerolog.DebugLevel},
		{" warn ", zerolog.WarnLevel},
		{"WARNING", zerolog.WarnLevel},
		{"ERROR", zerolog.ErrorLevel},
		{"bogus", zerolog.InfoLevel},
		{"", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.in, zerolog.InfoLevel); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNopLoggerIsSafe(t *testing.T) {
	t.Parallel()

	log := Nop()
	log.Info("ignored", String("k", "v"), Err(nil))
	log.With(Int("n", 1)).Error("also ignored")

	var zero Logger
	zero.Warn("zero value must not panic")
	if !zero.IsZero() {
		t.Error("zero logger should report IsZero")
	}
}

func TestServiceWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")
	svc, log := New(Config{
		Level: "DEBUG",
		File:  FileConfig{Enabled: true, Path: path},
	})
	defer svc.Close()

	log.Info("file sink works",
		String("task", "demo"),
		Int("count", 3),
		Duration("took", 250*time.Millisecond))

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	out := string(b)
	if !strings.Contains(out, "file sink works") || !strings.Contains(out, `"task":"demo"`) {
		t.Errorf("log output = %s", out)
	}
}

func TestServiceApplyChangesLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")
	svc, log := New(Config{
		Level: "ERROR",
		File:  FileConfig{Enabled: true, Path: path},
	})
	defer svc.Close()

	log.Info("suppressed")
	svc.Apply(Config{Level: "INFO", File: FileConfig{Enabled: true, Path: path}})
	log.Info("visible")

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	out := string(b)
	if strings.Contains(out, "suppressed") {
		t.Error("ERROR level should suppress info logs")
	}
	if !strings.Contains(out, "visible") {
		t.Error("after Apply the logger should write info logs")
	}
}

func TestWithAccumulatesFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")
	svc, log := New(Config{
		Level: "DEBUG",
		File:  FileConfig{Enabled: true, Path: path},
	})
	defer svc.Close()

	log.With(String("comp", "sched")).With(String("task", "t1")).Info("tagged")

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	out := string(b)
	if !strings.Contains(out, `"comp":"sched"`) || !strings.Contains(out, `"task":"t1"`) {
		t.Errorf("output = %s", out)
	}
}
