package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	_ "time/tzdata"

	"sitepulse/internal/decision"
	"sitepulse/internal/hours"
	"sitepulse/internal/ledger"
	"sitepulse/internal/storage"
	"sitepulse/internal/task/scheduler"
	logx "sitepulse/pkg/logx"
)

type fakeSubstrate struct {
	mu      sync.Mutex
	pending map[string]scheduler.Trigger
	failFor map[string]error
	calls   int
}

func newFakeSubstrate() *fakeSubstrate {
	return &fakeSubstrate{pending: map[string]scheduler.Trigger{}, failFor: map[string]error{}}
}

func (f *fakeSubstrate) ScheduleOnce(_ context.Context, t scheduler.Trigger) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err := f.failFor[t.SiteID]; err != nil {
		return err
	}
	if _, ok := f.pending[t.ID]; ok {
		return scheduler.ErrTriggerExists
	}
	f.pending[t.ID] = t
	return nil
}

func (f *fakeSubstrate) Cancel(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.pending[id]; !ok {
		return scheduler.ErrTriggerNotFound
	}
	delete(f.pending, id)
	return nil
}

func (f *fakeSubstrate) ids() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.pending))
	for id := range f.pending {
		out = append(out, id)
	}
	return out
}

// 06:00 Monday in Mexico City.
var testNow = time.Date(2026, 10, 12, 12, 0, 0, 0, time.UTC)

func mexico(t *testing.T) *time.Location {
	t.Helper()
	loc, err := hours.LoadLocation("America/Mexico_City")
	if err != nil {
		t.Fatalf("LoadLocation: %v", err)
	}
	return loc
}

func later(site, at string, loc *time.Location) decision.Directive {
	return decision.Directive{SiteID: site, Action: decision.Later, At: hours.MustTimeOfDay(at), Location: loc}
}

func newTestDispatcher(t *testing.T, cfg Config) (*Dispatcher, *ledger.Ledger, *fakeSubstrate) {
	t.Helper()
	l := ledger.New(storage.NewMemory(), ledger.Options{}, logx.Nop(), nil, func() time.Time { return testNow })
	sub := newFakeSubstrate()
	return New(l, sub, cfg, logx.Nop(), nil), l, sub
}

func TestDispatchIsIdempotent(t *testing.T) {
	t.Parallel()
	d, l, sub := newTestDispatcher(t, Config{})
	dirs := []decision.Directive{later("a", "09:00", mexico(t))}

	first := d.Dispatch(context.Background(), "daily_summary", dirs, testNow)
	second := d.Dispatch(context.Background(), "daily_summary", dirs, testNow)

	if len(first) != 1 || first[0].Status != StatusScheduled || !first[0].Success {
		t.Fatalf("first = %+v", first)
	}
	if second[0].Status != StatusDuplicate || !second[0].Success {
		t.Fatalf("second = %+v", second)
	}
	wantID := "sitepulse:daily_summary:a:2026-10-12:0900"
	if first[0].TriggerID != wantID || second[0].TriggerID != wantID {
		t.Fatalf("trigger ids = %q, %q", first[0].TriggerID, second[0].TriggerID)
	}
	if first[0].Wait != 3*time.Hour || first[0].Tomorrow {
		t.Fatalf("wait = %s tomorrow = %v", first[0].Wait, first[0].Tomorrow)
	}
	if ids := sub.ids(); len(ids) != 1 {
		t.Fatalf("pending triggers = %v", ids)
	}
	recs, err := l.List(context.Background(), storage.Query{Status: ledger.StatusScheduled})
	if err != nil || len(recs) != 1 || recs[0].TriggerID != wantID {
		t.Fatalf("scheduled records = %+v, %v", recs, err)
	}
	if !recs[0].NextRunAt.Equal(time.Date(2026, 10, 12, 15, 0, 0, 0, time.UTC)) {
		t.Fatalf("next_run_at = %s", recs[0].NextRunAt)
	}
}

func TestDispatchIsolatesSiteFailures(t *testing.T) {
	t.Parallel()
	d, l, sub := newTestDispatcher(t, Config{})
	sub.failFor["b"] = errors.New("substrate unavailable")
	loc := mexico(t)
	dirs := []decision.Directive{
		later("a", "09:00", loc),
		later("b", "09:00", loc),
		{SiteID: "skip-me", Action: decision.Skip},
		later("c", "10:30", loc),
	}

	res := d.Dispatch(context.Background(), "outreach_campaign", dirs, testNow)
	if len(res) != 3 {
		t.Fatalf("results = %+v", res)
	}
	byID := map[string]Result{}
	for _, r := range res {
		byID[r.SiteID] = r
	}
	if !byID["a"].Success || !byID["c"].Success {
		t.Fatalf("healthy sites failed: %+v", res)
	}
	if b := byID["b"]; b.Success || b.Status != StatusFailed || !strings.Contains(b.Error, "substrate unavailable") {
		t.Fatalf("b = %+v", b)
	}
	// The SCHEDULED record for b is rolled back.
	if _, err := l.Get(context.Background(), storage.Key{SiteID: "b", Operation: "outreach_campaign"}); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("b record err = %v, want not found", err)
	}
}

func TestDispatchRollsToTomorrow(t *testing.T) {
	t.Parallel()
	d, _, _ := newTestDispatcher(t, Config{})
	// 19:00 local Monday; 09:00 has passed.
	now := time.Date(2026, 10, 13, 1, 0, 0, 0, time.UTC)
	r := d.DispatchOne(context.Background(), "daily_summary", later("a", "09:00", mexico(t)), now)
	if !r.Tomorrow || r.Wait != 14*time.Hour || r.TriggerID != "sitepulse:daily_summary:a:2026-10-13:0900" {
		t.Fatalf("result = %+v", r)
	}
}

func TestDispatchConflicts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	loc := mexico(t)

	t.Run("running record", func(t *testing.T) {
		t.Parallel()
		d, l, sub := newTestDispatcher(t, Config{})
		key := storage.Key{SiteID: "a", Operation: "daily_summary"}
		if _, err := l.Start(ctx, key, ""); err != nil {
			t.Fatalf("Start: %v", err)
		}
		r := d.DispatchOne(ctx, "daily_summary", later("a", "09:00", loc), testNow)
		if r.Success || sub.calls != 0 {
			t.Fatalf("result = %+v calls = %d", r, sub.calls)
		}
	})

	t.Run("different target without supersede", func(t *testing.T) {
		t.Parallel()
		d, _, _ := newTestDispatcher(t, Config{})
		_ = d.DispatchOne(ctx, "daily_summary", later("a", "09:00", loc), testNow)
		r := d.DispatchOne(ctx, "daily_summary", later("a", "10:00", loc), testNow)
		if r.Success || !strings.Contains(r.Error, "active record") {
			t.Fatalf("result = %+v", r)
		}
	})

	t.Run("supersede", func(t *testing.T) {
		t.Parallel()
		d, _, sub := newTestDispatcher(t, Config{Supersede: true})
		first := d.DispatchOne(ctx, "daily_summary", later("a", "09:00", loc), testNow)
		r := d.DispatchOne(ctx, "daily_summary", later("a", "10:00", loc), testNow)
		if r.Status != StatusSuperseded || !r.Success {
			t.Fatalf("result = %+v", r)
		}
		ids := sub.ids()
		if len(ids) != 1 || ids[0] != r.TriggerID || ids[0] == first.TriggerID {
			t.Fatalf("pending = %v", ids)
		}
	})
}

func TestCancelPendingAndRearm(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d, l, sub := newTestDispatcher(t, Config{})
	loc := mexico(t)
	_ = d.Dispatch(ctx, "daily_summary", []decision.Directive{later("a", "09:00", loc), later("b", "11:00", loc)}, testNow)

	ok, err := d.CancelPending(ctx, storage.Key{SiteID: "a", Operation: "daily_summary"})
	if err != nil || !ok {
		t.Fatalf("CancelPending = %v, %v", ok, err)
	}
	if ok, _ := d.CancelPending(ctx, storage.Key{SiteID: "a", Operation: "daily_summary"}); ok {
		t.Fatal("second cancel should be a no-op")
	}
	if ids := sub.ids(); len(ids) != 1 {
		t.Fatalf("pending = %v", ids)
	}

	// A fresh substrate stands in for a restarted process.
	fresh := newFakeSubstrate()
	restarted := New(l, fresh, Config{}, logx.Nop(), nil)
	n, err := restarted.Rearm(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Rearm = %d, %v", n, err)
	}
	if n, _ := restarted.Rearm(ctx); n != 0 {
		t.Fatalf("second Rearm = %d", n)
	}
	if ids := fresh.ids(); len(ids) != 1 || !strings.HasSuffix(ids[0], ":b:2026-10-12:1100") {
		t.Fatalf("re-armed = %v", ids)
	}
}

func TestRateLimitHonorsContext(t *testing.T) {
	t.Parallel()
	d, _, _ := newTestDispatcher(t, Config{RatePerSec: 0.001, Burst: 1})
	loc := mexico(t)
	_ = d.DispatchOne(context.Background(), "daily_summary", later("a", "09:00", loc), testNow)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	r := d.DispatchOne(ctx, "daily_summary", later("b", "09:00", loc), testNow)
	if r.Success || !strings.Contains(r.Error, "rate limit") {
		t.Fatalf("result = %+v", r)
	}
}
