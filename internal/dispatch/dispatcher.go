// Package dispatch turns deferred decisions into one-shot triggers backed by
// SCHEDULED ledger records.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"sitepulse/internal/decision"
	"sitepulse/internal/eventbus"
	"sitepulse/internal/hours"
	"sitepulse/internal/ledger"
	"sitepulse/internal/storage"
	"sitepulse/internal/task/scheduler"
	logx "sitepulse/pkg/logx"
)

// Substrate is the durable one-shot trigger service.
type Substrate interface {
	ScheduleOnce(ctx context.Context, t scheduler.Trigger) error
	Cancel(ctx context.Context, id string) error
}

type Config struct {
	// RatePerSec limits substrate calls; 0 disables limiting.
	RatePerSec float64
	Burst      int

	// Supersede replaces a pending trigger for the same key with a different target.
	Supersede bool
}

type Status string

const (
	StatusScheduled  Status = "scheduled"
	StatusDuplicate  Status = "duplicate"
	StatusSuperseded Status = "superseded"
	// StatusDue means the target had already passed; the caller runs the site now.
	StatusDue    Status = "due"
	StatusFailed Status = "failed"
)

// Result is the per-site dispatch outcome.
type Result struct {
	SiteID    string        `json:"site_id"`
	Operation string        `json:"operation"`
	TriggerID string        `json:"trigger_id,omitempty"`
	FireAt    time.Time     `json:"fire_at"`
	Wait      time.Duration `json:"wait"`
	Tomorrow  bool          `json:"tomorrow,omitempty"`
	Status    Status        `json:"status"`
	Success   bool          `json:"success"`
	Error     string        `json:"error,omitempty"`
}

type Dispatcher struct {
	ledger *ledger.Ledger
	sub    Substrate
	log    logx.Logger
	bus    eventbus.Publisher

	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
}

func New(l *ledger.Ledger, sub Substrate, cfg Config, log logx.Logger, bus eventbus.Publisher) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	d := &Dispatcher{ledger: l, sub: sub, log: log.Component("dispatch"), bus: bus}
	d.Apply(cfg)
	return d
}

// Apply swaps the configuration, rebuilding the rate limiter.
func (d *Dispatcher) Apply(cfg Config) {
	lim := rate.NewLimiter(rate.Inf, 1)
	if cfg.RatePerSec > 0 && !math.IsInf(cfg.RatePerSec, 1) {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	}
	d.mu.Lock()
	d.cfg, d.limiter = cfg, lim
	d.mu.Unlock()
}

func (d *Dispatcher) current() (Config, *rate.Limiter) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg, d.limiter
}

// Dispatch issues a trigger for every Later directive. A failure for one site
// never stops the others; every processed site gets a Result.
func (d *Dispatcher) Dispatch(ctx context.Context, operation string, directives []decision.Directive, now time.Time) []Result {
	out := make([]Result, 0, len(directives))
	for _, dir := range directives {
		if dir.Action != decision.Later {
			continue
		}
		out = append(out, d.DispatchOne(ctx, operation, dir, now))
	}
	return out
}

// DispatchOne schedules a single deferred directive.
func (d *Dispatcher) DispatchOne(ctx context.Context, operation string, dir decision.Directive, now time.Time) Result {
	res := d.dispatch(ctx, operation, dir, now)
	fields := []logx.Field{
		logx.String("site", res.SiteID),
		logx.String("op", res.Operation),
		logx.String("trigger", res.TriggerID),
		logx.String("status", string(res.Status)),
	}
	if res.Success {
		d.log.Debug("dispatch", append(fields, logx.Time("fire_at", res.FireAt), logx.Duration("wait", res.Wait))...)
	} else {
		d.log.Warn("dispatch failed", append(fields, logx.String("error", res.Error))...)
	}
	d.bus.Publish(eventbus.Event{Type: eventbus.TypeDispatchResult, Time: now, Data: res})
	return res
}

func (d *Dispatcher) dispatch(ctx context.Context, operation string, dir decision.Directive, now time.Time) Result {
	res := Result{SiteID: dir.SiteID, Operation: operation}
	fail := func(err error) Result {
		res.Status, res.Success, res.Error = StatusFailed, false, err.Error()
		return res
	}

	delay := hours.CalculateDelay(dir.At, dir.Location, now)
	res.FireAt, res.Wait, res.Tomorrow = delay.Target, delay.Wait, delay.Tomorrow
	if delay.Due {
		res.Status, res.Success = StatusDue, true
		return res
	}
	res.TriggerID = TriggerID(operation, dir.SiteID, delay.Target)
	key := storage.Key{SiteID: dir.SiteID, Operation: operation}

	cfg, lim := d.current()
	if err := lim.Wait(ctx); err != nil {
		return fail(fmt.Errorf("rate limit: %w", err))
	}

	sched, err := d.ledger.Schedule(ctx, ledger.ScheduleRequest{
		Key:       key,
		TriggerID: res.TriggerID,
		NextRunAt: delay.Target,
		Supersede: cfg.Supersede,
	})
	if err != nil {
		return fail(err)
	}
	if sched.Outcome == ledger.Superseded && sched.PreviousTrigger != "" {
		if err := d.sub.Cancel(ctx, sched.PreviousTrigger); err != nil && !errors.Is(err, scheduler.ErrTriggerNotFound) {
			d.log.Warn("cancel superseded trigger failed", logx.String("trigger", sched.PreviousTrigger), logx.Err(err))
		}
	}

	err = d.sub.ScheduleOnce(ctx, scheduler.Trigger{
		ID:        res.TriggerID,
		FireAt:    delay.Target,
		SiteID:    dir.SiteID,
		Operation: operation,
	})
	switch {
	case errors.Is(err, scheduler.ErrTriggerExists):
		res.Status, res.Success = StatusDuplicate, true
		return res
	case err != nil:
		if sched.Outcome != ledger.Duplicate {
			if _, cerr := d.ledger.Cancel(ctx, key, res.TriggerID); cerr != nil {
				d.log.Error("ledger rollback failed", logx.String("site", dir.SiteID), logx.String("op", operation), logx.Err(cerr))
			}
		}
		return fail(fmt.Errorf("schedule trigger: %w", err))
	}

	switch sched.Outcome {
	case ledger.Superseded:
		res.Status = StatusSuperseded
	default:
		// A Duplicate ledger record whose trigger was lost (e.g. a restart) is re-armed here.
		res.Status = StatusScheduled
	}
	res.Success = true
	return res
}

// CancelPending cancels the pending trigger for key and reverts its SCHEDULED
// record. It reports whether anything was pending.
func (d *Dispatcher) CancelPending(ctx context.Context, key storage.Key) (bool, error) {
	rec, err := d.ledger.Get(ctx, key)
	if errors.Is(err, ledger.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if rec.Status != ledger.StatusScheduled {
		return false, nil
	}
	// Cancel the trigger before reverting the record.
	if rec.TriggerID != "" {
		if err := d.sub.Cancel(ctx, rec.TriggerID); err != nil && !errors.Is(err, scheduler.ErrTriggerNotFound) {
			return false, fmt.Errorf("cancel trigger %s: %w", rec.TriggerID, err)
		}
	}
	ok, err := d.ledger.Cancel(ctx, key, rec.TriggerID)
	if err != nil {
		return false, err
	}
	if ok {
		d.log.Info("pending trigger cancelled", logx.String("site", key.SiteID), logx.String("op", key.Operation), logx.String("trigger", rec.TriggerID))
	}
	return ok, nil
}

// Rearm re-registers triggers for every SCHEDULED record. Triggers already
// pending are left alone; past-due ones fire as soon as the substrate runs.
func (d *Dispatcher) Rearm(ctx context.Context) (int, error) {
	recs, err := d.ledger.List(ctx, storage.Query{Status: ledger.StatusScheduled})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range recs {
		if r.TriggerID == "" || r.NextRunAt == nil {
			continue
		}
		err := d.sub.ScheduleOnce(ctx, scheduler.Trigger{
			ID:        r.TriggerID,
			FireAt:    *r.NextRunAt,
			SiteID:    r.SiteID,
			Operation: r.Operation,
		})
		switch {
		case err == nil:
			n++
		case errors.Is(err, scheduler.ErrTriggerExists):
		default:
			d.log.Warn("rearm failed", logx.String("site", r.SiteID), logx.String("op", r.Operation), logx.Err(err))
		}
	}
	if n > 0 {
		d.log.Info("triggers re-armed", logx.Int("count", n))
	}
	return n, nil
}
