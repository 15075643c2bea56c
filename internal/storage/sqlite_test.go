package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestRecordAndListRuns(t *testing.T) {
	t.Parallel()

	st := openTestStore(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour).Truncate(time.Millisecond)
	recs := []RunRecord{
		{RunID: "r1", TaskID: "a", Status: "completed", Success: true, ExitCode: 0,
			Origin: "scheduler", TriggerKey: "a:0", TriggerType: "scheduled",
			StartedAt: base, FinishedAt: base.Add(time.Minute), Duration: time.Minute},
		{RunID: "r2", TaskID: "a", Status: "failed", ExitCode: 2, Message: "exit code 2",
			Attempt:   1,
			StartedAt: base.Add(10 * time.Minute), FinishedAt: base.Add(11 * time.Minute)},
		{RunID: "r3", TaskID: "b", Status: "cancelled", CancelReason: "preempt",
			StartedAt: base.Add(20 * time.Minute), FinishedAt: base.Add(21 * time.Minute)},
	}
	for _, rec := range recs {
		if err := st.RecordRun(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}

	all, err := st.Runs(ctx, "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("runs = %d, want 3", len(all))
	}
	// Newest first.
	if all[0].RunID != "r3" {
		t.Errorf("first = %s, want r3", all[0].RunID)
	}
	if all[0].CancelReason != "preempt" {
		t.Errorf("cancel reason = %s", all[0].CancelReason)
	}

	aRuns, err := st.Runs(ctx, "a", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(aRuns) != 2 {
		t.Fatalf("task a runs = %d, want 2", len(aRuns))
	}
	if aRuns[1].RunID != "r1" || !aRuns[1].Success {
		t.Errorf("oldest run = %+v", aRuns[1])
	}
	if aRuns[1].Duration != time.Minute {
		t.Errorf("duration = %v, want 1m", aRuns[1].Duration)
	}

	limited, err := st.Runs(ctx, "", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 1 {
		t.Errorf("limited runs = %d, want 1", len(limited))
	}
}

func TestDeviceState(t *testing.T) {
	t.Parallel()

	st := openTestStore(t)
	ctx := context.Background()

	if _, ok, err := st.GetDeviceState(ctx, "resolution:emu-1"); err != nil || ok {
		t.Fatalf("missing key: ok=%v err=%v", ok, err)
	}

	if err := st.PutDeviceState(ctx, "resolution:emu-1", "1280x720"); err != nil {
		t.Fatal(err)
	}
	v, ok, err := st.GetDeviceState(ctx, "resolution:emu-1")
	if err != nil || !ok || v != "1280x720" {
		t.Fatalf("got %q ok=%v err=%v", v, ok, err)
	}

	// Upsert overwrites.
	if err := st.PutDeviceState(ctx, "resolution:emu-1", "1920x1080"); err != nil {
		t.Fatal(err)
	}
	v, _, _ = st.GetDeviceState(ctx, "resolution:emu-1")
	if v != "1920x1080" {
		t.Errorf("after upsert = %q", v)
	}
}

func TestDisabledDriver(t *testing.T) {
	t.Parallel()

	st, err := Open(Config{Driver: "none"})
	if err != nil {
		t.Fatal(err)
	}
	if err := st.RecordRun(context.Background(), RunRecord{RunID: "x", TaskID: "t"}); err != nil {
		t.Errorf("disabled RecordRun should be a no-op, got %v", err)
	}
	if _, err := st.Runs(context.Background(), "", 1); err != ErrDisabled {
		t.Errorf("Runs err = %v, want ErrDisabled", err)
	}
}

func TestUnknownDriver(t *testing.T) {
	t.Parallel()

	if _, err := Open(Config{Driver: "postgres"}); err == nil {
		t.Error("unknown driver should fail")
	}
}
