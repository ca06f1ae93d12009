package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

type fakeSweeper struct {
	cutoff time.Time
	maxAge time.Duration
}

func (f *fakeSweeper) SweepExpired(_ context.Context, cutoff time.Time) (int, error) {
	f.cutoff = cutoff
	return 2, nil
}

func (f *fakeSweeper) SweepTemp(maxAge time.Duration) (int, error) {
	f.maxAge = maxAge
	return 0, errors.New("disk on fire")
}

func TestAdd_Validation(t *testing.T) {
	t.Parallel()
	h := New(nil)
	noop := func(context.Context) error { return nil }

	tests := []struct {
		name string
		job  Job
		ok   bool
	}{
		{"descriptor", Job{Name: "a", Schedule: "@every 1h", Run: noop}, true},
		{"five fields", Job{Name: "b", Schedule: "*/5 * * * *", Run: noop}, true},
		{"seconds field rejected", Job{Name: "c", Schedule: "0 */5 * * * *", Run: noop}, false},
		{"garbage", Job{Name: "d", Schedule: "sometimes", Run: noop}, false},
		{"no func", Job{Name: "e", Schedule: "@hourly"}, false},
		{"duplicate", Job{Name: "a", Schedule: "@hourly", Run: noop}, false},
	}
	for _, tt := range tests {
		err := h.Add(tt.job)
		if (err == nil) != tt.ok {
			t.Errorf("%s: Add error = %v, want ok=%v", tt.name, err, tt.ok)
		}
	}
}

func TestRunNow_RecordsStatus(t *testing.T) {
	t.Parallel()
	h := New(nil)
	sw := &fakeSweeper{}
	if err := h.Add(AttachmentRetentionJob(sw, "@every 1h", 24*time.Hour, nil)); err != nil {
		t.Fatal(err)
	}
	if err := h.Add(TempSweepJob(sw, "@every 1h", 6*time.Hour, nil)); err != nil {
		t.Fatal(err)
	}

	if err := h.RunNow(JobAttachmentRetention); err != nil {
		t.Fatalf("retention: %v", err)
	}
	if d := time.Since(sw.cutoff); d < 24*time.Hour || d > 25*time.Hour {
		t.Errorf("cutoff %v ago, want about 24h", d)
	}
	if err := h.RunNow(JobTempSweep); err == nil {
		t.Error("expected temp sweep error")
	}
	if sw.maxAge != 6*time.Hour {
		t.Errorf("maxAge = %v", sw.maxAge)
	}

	status := h.Status()
	if len(status) != 2 || status[0].Name != JobAttachmentRetention {
		t.Fatalf("status = %+v", status)
	}
	if status[0].Runs != 1 || status[0].LastError != "" {
		t.Errorf("retention status = %+v", status[0])
	}
	if !strings.Contains(status[1].LastError, "disk on fire") {
		t.Errorf("temp status = %+v", status[1])
	}
	if err := h.RunNow("nope"); err == nil {
		t.Error("unknown job should fail")
	}
}

func TestRunNow_RecoversPanic(t *testing.T) {
	t.Parallel()
	h := New(nil)
	_ = h.Add(Job{Name: "boom", Schedule: "@hourly", Run: func(context.Context) error { panic("bad") }})

	err := h.RunNow("boom")
	if err == nil || !strings.Contains(err.Error(), "panic") {
		t.Fatalf("expected panic error, got %v", err)
	}
	if st := h.Status()[0]; st.Running {
		t.Error("job should not be left running")
	}
}

func TestStartStop_RunsScheduledJob(t *testing.T) {
	t.Parallel()
	h := New(nil)
	var runs atomic.Int32
	_ = h.Add(Job{Name: "tick", Schedule: "@every 1s", Run: func(context.Context) error {
		runs.Add(1)
		return nil
	}})

	h.Start(context.Background())
	deadline := time.Now().Add(3 * time.Second)
	for runs.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	h.Stop()
	if runs.Load() == 0 {
		t.Error("scheduled job never ran")
	}
}
