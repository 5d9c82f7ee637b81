package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"sitepulse/internal/task/engine"
	logx "sitepulse/pkg/logx"
)

func newScheduler(t *testing.T, eng Enqueuer) *Service {
	t.Helper()
	s := New(Config{Enabled: true, Timezone: "UTC"}, eng, logx.Nop(), nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func newEngine(t *testing.T) *engine.Service {
	t.Helper()
	e := engine.New(engine.Config{Enabled: true, Workers: 2}, logx.Nop(), nil)
	e.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		e.Stop(ctx)
	})
	return e
}

func TestScheduleOnceFiresThroughEngine(t *testing.T) {
	t.Parallel()
	s := newScheduler(t, newEngine(t))
	got := make(chan Trigger, 1)
	s.SetFireFunc(func(_ context.Context, tr Trigger) error {
		got <- tr
		return nil
	})
	s.Start(context.Background())

	want := Trigger{ID: "t1", FireAt: time.Now().Add(20 * time.Millisecond), SiteID: "s1", Operation: "daily_summary"}
	if err := s.ScheduleOnce(context.Background(), want); err != nil {
		t.Fatalf("ScheduleOnce: %v", err)
	}
	if err := s.ScheduleOnce(context.Background(), want); !errors.Is(err, ErrTriggerExists) {
		t.Fatalf("duplicate err = %v, want ErrTriggerExists", err)
	}

	select {
	case tr := <-got:
		if tr.SiteID != "s1" || tr.Operation != "daily_summary" {
			t.Fatalf("fired %+v", tr)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("trigger did not fire")
	}
	if p := s.Pending(); len(p) != 0 {
		t.Fatalf("pending after fire = %v", p)
	}
	// A fired id can be scheduled again.
	want.FireAt = time.Now().Add(time.Hour)
	if err := s.ScheduleOnce(context.Background(), want); err != nil {
		t.Fatalf("reschedule after fire: %v", err)
	}
}

func TestCancelPreventsFire(t *testing.T) {
	t.Parallel()
	s := newScheduler(t, nil)
	fired := make(chan struct{}, 1)
	s.SetFireFunc(func(context.Context, Trigger) error {
		fired <- struct{}{}
		return nil
	})
	s.Start(context.Background())

	tr := Trigger{ID: "t2", FireAt: time.Now().Add(30 * time.Millisecond)}
	if err := s.ScheduleOnce(context.Background(), tr); err != nil {
		t.Fatalf("ScheduleOnce: %v", err)
	}
	if err := s.Cancel(context.Background(), "t2"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if err := s.Cancel(context.Background(), "t2"); !errors.Is(err, ErrTriggerNotFound) {
		t.Fatalf("second cancel err = %v", err)
	}
	select {
	case <-fired:
		t.Fatal("cancelled trigger fired")
	case <-time.After(150 * time.Millisecond):
	}
}

func TestPastDueTriggerFiresOnStart(t *testing.T) {
	t.Parallel()
	s := newScheduler(t, nil)
	fired := make(chan string, 2)
	s.SetFireFunc(func(_ context.Context, tr Trigger) error {
		fired <- tr.ID
		return nil
	})

	// Registered before Start: kept but not armed.
	if err := s.ScheduleOnce(context.Background(), Trigger{ID: "late", FireAt: time.Now().Add(-time.Minute)}); err != nil {
		t.Fatalf("ScheduleOnce: %v", err)
	}
	select {
	case <-fired:
		t.Fatal("fired before Start")
	case <-time.After(50 * time.Millisecond):
	}
	if p := s.Pending(); len(p) != 1 || p[0].ID != "late" {
		t.Fatalf("pending = %v", p)
	}

	s.Start(context.Background())
	select {
	case id := <-fired:
		if id != "late" {
			t.Fatalf("fired %q", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("past-due trigger did not fire on Start")
	}
}

type refusingEngine struct{ calls chan struct{} }

func (r refusingEngine) Enqueue(engine.Task) error {
	select {
	case r.calls <- struct{}{}:
	default:
	}
	return engine.ErrQueueFull
}

func TestEnqueueFailureRearmsTrigger(t *testing.T) {
	t.Parallel()
	eng := refusingEngine{calls: make(chan struct{}, 8)}
	s := newScheduler(t, eng)
	s.retryGap = 10 * time.Millisecond
	s.SetFireFunc(func(context.Context, Trigger) error { return nil })
	s.Start(context.Background())

	if err := s.ScheduleOnce(context.Background(), Trigger{ID: "t3", FireAt: time.Now()}); err != nil {
		t.Fatalf("ScheduleOnce: %v", err)
	}
	for i := 0; i < 2; i++ {
		select {
		case <-eng.calls:
		case <-time.After(2 * time.Second):
			t.Fatalf("attempt %d not made", i+1)
		}
	}
	// The trigger is put back between attempts.
	deadline := time.Now().Add(2 * time.Second)
	for s.Cancel(context.Background(), "t3") != nil {
		if time.Now().After(deadline) {
			t.Fatal("trigger not pending after refused enqueue")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestAddScheduleRecurring(t *testing.T) {
	t.Parallel()
	eng := newEngine(t)
	s := newScheduler(t, eng)
	s.Start(context.Background())

	ran := make(chan struct{}, 4)
	if err := s.AddSchedule("tick", "@every 1s", engine.LaneLow, time.Second, func(context.Context) error {
		ran <- struct{}{}
		return nil
	}); err != nil {
		t.Fatalf("AddSchedule: %v", err)
	}
	if err := s.AddSchedule("bad", "not a schedule", engine.LaneLow, 0, func(context.Context) error { return nil }); err == nil {
		t.Fatal("expected invalid schedule error")
	}
	snap := s.Snapshot()
	if len(snap.Entries) != 1 || snap.Entries[0].Name != "tick" || snap.Entries[0].Lane != engine.LaneLow {
		t.Fatalf("entries = %+v", snap.Entries)
	}
	if !s.Remove("tick") || s.Remove("tick") {
		t.Fatal("Remove should report true once")
	}
}

func TestParseSchedule(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in    string
		kind  SpecKind
		cron  string
		every time.Duration
		err   bool
	}{
		{in: "0 7 * * 1-5", kind: SpecCron, cron: "0 7 * * 1-5"},
		{in: "@hourly", kind: SpecCron, cron: "@hourly"},
		{in: "cron:*/5 * * * *", kind: SpecCron, cron: "*/5 * * * *"},
		{in: "15m", kind: SpecInterval, every: 15 * time.Minute},
		{in: "02:30", kind: SpecInterval, every: 2*time.Hour + 30*time.Minute},
		{in: "every: 1h", kind: SpecInterval, every: time.Hour},
		{in: "00:00", err: true},
		{in: "1:5", err: true},
		{in: "-5m", err: true},
		{in: "", err: true},
		{in: "soon", err: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			got, err := ParseSchedule(tt.in)
			if tt.err {
				if err == nil {
					t.Fatalf("expected error, got %+v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseSchedule: %v", err)
			}
			if got.Kind != tt.kind || got.Cron != tt.cron || got.Every != tt.every {
				t.Fatalf("got %+v", got)
			}
		})
	}
}
