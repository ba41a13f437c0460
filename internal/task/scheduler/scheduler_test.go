package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"crowdbot/internal/task/engine"
	logx "crowdbot/pkg/logx"
)

func TestParseScheduleVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		raw      string
		kind     SpecKind
		source   string
		duration time.Duration
	}{
		{name: "cron", raw: "*/5 * * * *", kind: SpecCron, source: "cron"},
		{name: "descriptor", raw: "@hourly", kind: SpecCron, source: "cron"},
		{name: "prefixed cron", raw: "cron:0 0 * * *", kind: SpecCron, source: "cron"},
		{name: "duration", raw: "60s", kind: SpecInterval, source: "duration", duration: time.Minute},
		{name: "prefixed interval", raw: "every:45s", kind: SpecInterval, source: "duration", duration: 45 * time.Second},
		{name: "hhmm", raw: "01:30", kind: SpecInterval, source: "hhmm", duration: 90 * time.Minute},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseSchedule(tt.raw)
			if err != nil {
				t.Fatalf("ParseSchedule(%q) error: %v", tt.raw, err)
			}
			if got.Kind != tt.kind || got.Source != tt.source {
				t.Fatalf("got %+v, want kind=%v source=%s", got, tt.kind, tt.source)
			}
			if tt.kind == SpecInterval && got.Every != tt.duration {
				t.Fatalf("Every = %v, want %v", got.Every, tt.duration)
			}
		})
	}
}

func TestParseScheduleInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "not-a-schedule", "00:00", "-5m", "interval:"} {
		if _, err := ParseSchedule(raw); err == nil {
			t.Fatalf("ParseSchedule(%q): expected error", raw)
		}
	}
}

func TestDelayedScheduleGrid(t *testing.T) {
	t.Parallel()
	start := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	s := newDelayedSchedule(time.Minute, 10*time.Second, start)

	first := start.Add(10 * time.Second)
	if got := s.Next(start); !got.Equal(first) {
		t.Fatalf("first = %v, want %v", got, first)
	}
	if got := s.Next(first); !got.Equal(first.Add(time.Minute)) {
		t.Fatalf("second = %v", got)
	}
	late := first.Add(2*time.Minute + 5*time.Second)
	if got := s.Next(late); !got.Equal(first.Add(3 * time.Minute)) {
		t.Fatalf("after late wakeup = %v", got)
	}

	if got := newDelayedSchedule(time.Minute, 0, start).Next(start); !got.Equal(start.Add(time.Minute)) {
		t.Fatalf("zero delay should wait one interval, got %v", got)
	}
}

type recordingEngine struct {
	mu    sync.Mutex
	tasks []engine.Task
	err   error
}

func (r *recordingEngine) Enqueue(t engine.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = append(r.tasks, t)
	return r.err
}

func TestRegisterReplaceAndRunNow(t *testing.T) {
	t.Parallel()
	eng := &recordingEngine{}
	s := New(Config{Enabled: true, Timezone: "UTC"}, eng, logx.Nop())
	s.Start(context.Background())
	defer s.Stop(context.Background())

	job := func(context.Context) error { return nil }
	if err := s.AddIntervalOpt("dispatch", time.Hour, time.Hour, time.Minute, TaskOptions{Overlap: OverlapSkipIfRunning}, job); err != nil {
		t.Fatalf("AddIntervalOpt: %v", err)
	}
	if err := s.AddScheduleOpt("dispatch", "30m", 0, time.Minute, TaskOptions{Overlap: OverlapSkipIfRunning}, job); err != nil {
		t.Fatalf("AddScheduleOpt: %v", err)
	}
	snap := s.Snapshot()
	if len(snap.Schedules) != 1 || snap.Schedules[0].Spec != "@every 30m0s" {
		t.Fatalf("unexpected schedules: %+v", snap.Schedules)
	}
	if snap.Schedules[0].Next.IsZero() {
		t.Fatal("running scheduler should report next trigger")
	}

	if err := s.RunNow("dispatch"); err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	if len(eng.tasks) != 1 || eng.tasks[0].Name != "dispatch" || eng.tasks[0].Timeout != time.Minute {
		t.Fatalf("unexpected tasks: %+v", eng.tasks)
	}
	if err := s.RunNow("missing"); !errors.Is(err, ErrUnknownSchedule) {
		t.Fatalf("err = %v, want ErrUnknownSchedule", err)
	}
	if !s.Remove("dispatch") || s.Remove("dispatch") {
		t.Fatal("Remove should succeed once")
	}
}

func TestAddScheduleOptCronAndHHMM(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Timezone: "UTC"}, &recordingEngine{}, logx.Nop())
	s.Start(context.Background())
	defer s.Stop(context.Background())

	job := func(context.Context) error { return nil }
	if err := s.AddScheduleOpt("cron", "*/5 * * * *", time.Hour, 0, TaskOptions{}, job); err != nil {
		t.Fatalf("cron: %v", err)
	}
	if err := s.AddScheduleOpt("hhmm", "00:50", 0, 0, TaskOptions{}, job); err != nil {
		t.Fatalf("hhmm: %v", err)
	}
	if err := s.AddScheduleOpt("bad", "soon", 0, 0, TaskOptions{}, job); err == nil {
		t.Fatal("expected parse error")
	}

	specs := map[string]string{}
	for _, si := range s.Snapshot().Schedules {
		specs[si.Name] = si.Spec
	}
	if specs["cron"] != "*/5 * * * *" || specs["hhmm"] != "@every 50m0s" || len(specs) != 2 {
		t.Fatalf("unexpected schedules: %v", specs)
	}
}

func TestAddCronRejectsBadSpec(t *testing.T) {
	t.Parallel()
	s := New(Config{}, &recordingEngine{}, logx.Nop())
	if err := s.AddCronOpt("x", "61 * * * *", 0, TaskOptions{}, func(context.Context) error { return nil }); err == nil {
		t.Fatal("expected cron parse error")
	}
}

func TestValidateSchedule(t *testing.T) {
	t.Parallel()
	for _, ok := range []string{"5m", "00:50", "@hourly", "*/5 * * * *", "cron: 0 9 * * 1"} {
		if err := ValidateSchedule(ok); err != nil {
			t.Fatalf("%q: %v", ok, err)
		}
	}
	for _, bad := range []string{"", "every so often", "61 * * * *", "soon"} {
		if err := ValidateSchedule(bad); err == nil {
			t.Fatalf("%q: expected error", bad)
		}
	}
}
