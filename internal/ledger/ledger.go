// Package ledger is the per-(site, operation) execution state machine.
//
// At most one non-terminal (SCHEDULED or RUNNING) record exists per key; every
// transition goes through storage.Store.Mutate, so the invariant holds across
// process instances sharing the same store.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"sitepulse/internal/eventbus"
	"sitepulse/internal/storage"
	logx "sitepulse/pkg/logx"
)

var (
	// ErrActive reports that the key already holds a conflicting non-terminal record.
	ErrActive     = errors.New("ledger: active record exists")
	ErrNotFound   = errors.New("ledger: record not found")
	ErrNotRunning = errors.New("ledger: record is not running")
	ErrInvalidKey = errors.New("ledger: invalid key")
	// ErrStaleTrigger reports a trigger whose SCHEDULED record was consumed, cancelled or superseded.
	ErrStaleTrigger = errors.New("ledger: stale trigger")
)

// OrphanedPrefix tags error messages written by stuck-run remediation.
const OrphanedPrefix = "orphaned: "

type (
	Key    = storage.Key
	Record = storage.Record
	Status = storage.Status
)

const (
	StatusScheduled = storage.StatusScheduled
	StatusRunning   = storage.StatusRunning
	StatusCompleted = storage.StatusCompleted
	StatusFailed    = storage.StatusFailed
)

// Options are the ledger thresholds. Zero values take defaults.
type Options struct {
	StuckThreshold time.Duration
	MinInterval    time.Duration
	RetryDelay     time.Duration
	MaxRetries     int
}

const (
	DefaultStuckThreshold = 2 * time.Hour
	DefaultMinInterval    = 12 * time.Hour
	DefaultRetryDelay     = 15 * time.Minute
	DefaultMaxRetries     = 3
)

func (o Options) normalize() Options {
	if o.StuckThreshold <= 0 {
		o.StuckThreshold = DefaultStuckThreshold
	}
	if o.MinInterval <= 0 {
		o.MinInterval = DefaultMinInterval
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = DefaultRetryDelay
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	return o
}

// Transition is published on every state change.
type Transition struct {
	Key       Key    `json:"key"`
	From      Status `json:"from,omitempty"`
	To        Status `json:"to,omitempty"`
	TriggerID string `json:"trigger_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Ledger wraps a Store with lifecycle rules.
type Ledger struct {
	store storage.Store
	bus   eventbus.Publisher
	log   logx.Logger
	clock func() time.Time

	mu  sync.RWMutex
	opt Options
}

// New builds a ledger. A nil bus discards events; a nil clock uses time.Now.
func New(store storage.Store, opt Options, log logx.Logger, bus eventbus.Publisher, clock func() time.Time) *Ledger {
	if bus == nil {
		bus = eventbus.Nop()
	}
	if clock == nil {
		clock = time.Now
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Ledger{store: store, bus: bus, log: log.Component("ledger"), clock: clock, opt: opt.normalize()}
}

// Apply swaps thresholds at runtime.
func (l *Ledger) Apply(opt Options) {
	l.mu.Lock()
	l.opt = opt.normalize()
	l.mu.Unlock()
}

func (l *Ledger) Options() Options {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.opt
}

// Store exposes the backing store for health checks.
func (l *Ledger) Store() storage.Store { return l.store }

// now is truncated to milliseconds, the precision every driver persists.
func (l *Ledger) now() time.Time { return l.clock().UTC().Truncate(time.Millisecond) }

func (l *Ledger) Get(ctx context.Context, key Key) (Record, error) {
	r, err := l.store.Get(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return Record{}, ErrNotFound
	}
	return r, err
}

func (l *Ledger) List(ctx context.Context, q storage.Query) ([]Record, error) {
	return l.store.List(ctx, q)
}

// ScheduleOutcome classifies a Schedule call.
type ScheduleOutcome uint8

const (
	Created ScheduleOutcome = iota
	Rescheduled
	Duplicate
	Superseded
)

func (o ScheduleOutcome) String() string {
	switch o {
	case Rescheduled:
		return "rescheduled"
	case Duplicate:
		return "duplicate"
	case Superseded:
		return "superseded"
	default:
		return "created"
	}
}

// ScheduleRequest asks for a SCHEDULED record bound to a trigger.
type ScheduleRequest struct {
	Key       Key
	TriggerID string
	NextRunAt time.Time

	// Supersede replaces a SCHEDULED record bound to another trigger instead of failing with ErrActive.
	Supersede bool
}

type ScheduleResult struct {
	Record  Record
	Outcome ScheduleOutcome

	// PreviousTrigger is set for Superseded; the caller cancels it on the substrate.
	PreviousTrigger string
}

// Schedule writes a SCHEDULED record. The same trigger scheduled twice is a
// Duplicate no-op; a RUNNING record always yields ErrActive.
func (l *Ledger) Schedule(ctx context.Context, req ScheduleRequest) (ScheduleResult, error) {
	if !req.Key.Valid() || req.TriggerID == "" {
		return ScheduleResult{}, ErrInvalidKey
	}
	opt := l.Options()
	now := l.now()
	next := req.NextRunAt.UTC().Truncate(time.Millisecond)

	var res ScheduleResult
	var from Status
	rec, err := l.store.Mutate(ctx, req.Key, func(cur *Record) (Record, storage.Action, error) {
		res, from = ScheduleResult{}, ""
		if cur == nil {
			res.Outcome = Created
			return Record{
				Key:       req.Key,
				Status:    StatusScheduled,
				TriggerID: req.TriggerID,
				NextRunAt: &next,
				CreatedAt: now,
				UpdatedAt: now,
			}, storage.Put, nil
		}
		from = cur.Status
		r := *cur
		switch cur.Status {
		case StatusRunning:
			return Record{}, storage.Keep, fmt.Errorf("%w: %s is running", ErrActive, req.Key)
		case StatusScheduled:
			if cur.TriggerID == req.TriggerID {
				res.Outcome = Duplicate
				return Record{}, storage.Keep, nil
			}
			if !req.Supersede {
				return Record{}, storage.Keep, fmt.Errorf("%w: %s scheduled by %s", ErrActive, req.Key, cur.TriggerID)
			}
			res.Outcome = Superseded
			res.PreviousTrigger = cur.TriggerID
		default:
			res.Outcome = Rescheduled
			r.PrevStatus = cur.Status
			if cur.Status == StatusFailed && cur.RetryCount >= opt.MaxRetries {
				r.RetryCount = 0
			}
		}
		r.Status = StatusScheduled
		r.TriggerID = req.TriggerID
		r.NextRunAt = &next
		r.UpdatedAt = now
		return r, storage.Put, nil
	})
	if err != nil {
		return ScheduleResult{}, err
	}
	res.Record = rec
	if res.Outcome != Duplicate {
		l.publish(Transition{Key: req.Key, From: from, To: StatusScheduled, TriggerID: req.TriggerID, Reason: res.Outcome.String()})
	}
	return res, nil
}

// Start moves a key to RUNNING.
//
// With a trigger id it claims only the SCHEDULED record bound to that trigger and
// fails with ErrStaleTrigger otherwise. With an empty trigger id it starts an
// immediate run, allowed from an absent or terminal record, or from a SCHEDULED
// record that is already due.
func (l *Ledger) Start(ctx context.Context, key Key, triggerID string) (Record, error) {
	if !key.Valid() {
		return Record{}, ErrInvalidKey
	}
	now := l.now()
	maxRetries := l.Options().MaxRetries
	var from Status
	rec, err := l.store.Mutate(ctx, key, func(cur *Record) (Record, storage.Action, error) {
		if triggerID != "" {
			if cur == nil {
				return Record{}, storage.Keep, fmt.Errorf("%w: %s has no record for %s", ErrStaleTrigger, key, triggerID)
			}
			if cur.Status != StatusScheduled || cur.TriggerID != triggerID {
				return Record{}, storage.Keep, fmt.Errorf("%w: %s is %s (trigger %q), not scheduled by %s", ErrStaleTrigger, key, cur.Status, cur.TriggerID, triggerID)
			}
		}
		if cur == nil {
			return Record{
				Key:       key,
				Status:    StatusRunning,
				TriggerID: triggerID,
				LastRunAt: &now,
				CreatedAt: now,
				UpdatedAt: now,
			}, storage.Put, nil
		}
		from = cur.Status
		switch cur.Status {
		case StatusRunning:
			return Record{}, storage.Keep, fmt.Errorf("%w: %s is running", ErrActive, key)
		case StatusScheduled:
			if triggerID == "" && (cur.NextRunAt == nil || cur.NextRunAt.After(now)) {
				return Record{}, storage.Keep, fmt.Errorf("%w: %s scheduled by %s", ErrActive, key, cur.TriggerID)
			}
		}
		r := *cur
		if cur.Status == StatusFailed && cur.RetryCount >= maxRetries {
			r.RetryCount = 0
		}
		r.Status = StatusRunning
		r.PrevStatus = ""
		if triggerID != "" {
			r.TriggerID = triggerID
		}
		r.LastRunAt = &now
		r.NextRunAt = nil
		r.UpdatedAt = now
		return r, storage.Put, nil
	})
	if err != nil {
		return Record{}, err
	}
	l.publish(Transition{Key: key, From: from, To: StatusRunning, TriggerID: rec.TriggerID})
	return rec, nil
}

// Complete moves RUNNING to COMPLETED and resets the retry counter.
func (l *Ledger) Complete(ctx context.Context, key Key) (Record, error) {
	return l.finish(ctx, key, StatusCompleted, "", time.Time{})
}

// Fail moves RUNNING to FAILED and increments the retry counter.
func (l *Ledger) Fail(ctx context.Context, key Key, msg string) (Record, error) {
	if strings.TrimSpace(msg) == "" {
		msg = "operation failed"
	}
	return l.finish(ctx, key, StatusFailed, msg, time.Time{})
}

// ResetToFailed is the administrative RUNNING to FAILED transition for orphaned runs.
func (l *Ledger) ResetToFailed(ctx context.Context, key Key, reason string) (Record, error) {
	return l.finish(ctx, key, StatusFailed, orphaned(reason), time.Time{})
}

// resetIfStale resets only when the record was not touched since cutoff.
func (l *Ledger) resetIfStale(ctx context.Context, key Key, reason string, cutoff time.Time) (Record, error) {
	return l.finish(ctx, key, StatusFailed, orphaned(reason), cutoff)
}

func orphaned(reason string) string {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "no update within stuck threshold"
	}
	if strings.HasPrefix(reason, OrphanedPrefix) {
		return reason
	}
	return OrphanedPrefix + reason
}

func (l *Ledger) finish(ctx context.Context, key Key, to Status, msg string, staleCutoff time.Time) (Record, error) {
	now := l.now()
	rec, err := l.store.Mutate(ctx, key, func(cur *Record) (Record, storage.Action, error) {
		if cur == nil {
			return Record{}, storage.Keep, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		if cur.Status != StatusRunning {
			return Record{}, storage.Keep, fmt.Errorf("%w: %s is %s", ErrNotRunning, key, cur.Status)
		}
		if !staleCutoff.IsZero() && !cur.UpdatedAt.Before(staleCutoff) {
			return Record{}, storage.Keep, fmt.Errorf("%w: %s updated at %s", ErrNotRunning, key, cur.UpdatedAt.Format(time.RFC3339))
		}
		r := *cur
		r.Status = to
		r.UpdatedAt = now
		if to == StatusCompleted {
			r.RetryCount = 0
			r.ErrorMessage = ""
		} else {
			r.RetryCount++
			r.ErrorMessage = msg
		}
		return r, storage.Put, nil
	})
	if err != nil {
		return Record{}, err
	}
	l.publish(Transition{Key: key, From: StatusRunning, To: to, TriggerID: rec.TriggerID, Reason: msg})
	return rec, nil
}

// Cancel reverts a SCHEDULED record to the terminal state it replaced, or deletes
// it when it was newly created. An empty triggerID matches any trigger. It
// reports whether a record was reverted.
func (l *Ledger) Cancel(ctx context.Context, key Key, triggerID string) (bool, error) {
	now := l.now()
	var (
		cancelled bool
		prev      Status
		trig      string
	)
	_, err := l.store.Mutate(ctx, key, func(cur *Record) (Record, storage.Action, error) {
		cancelled, prev, trig = false, "", ""
		if cur == nil || cur.Status != StatusScheduled {
			return Record{}, storage.Keep, nil
		}
		if triggerID != "" && cur.TriggerID != triggerID {
			return Record{}, storage.Keep, nil
		}
		cancelled = true
		trig = cur.TriggerID
		prev = cur.PrevStatus
		if prev == "" {
			return Record{}, storage.Delete, nil
		}
		r := *cur
		r.Status = prev
		r.PrevStatus = ""
		r.TriggerID = ""
		r.NextRunAt = nil
		r.UpdatedAt = now
		return r, storage.Put, nil
	})
	if err != nil {
		return false, err
	}
	if cancelled {
		l.publish(Transition{Key: key, From: StatusScheduled, To: prev, TriggerID: trig, Reason: "cancelled"})
	}
	return cancelled, nil
}

// FindStuck returns RUNNING records not updated within threshold. A zero
// threshold uses the configured stuck threshold.
func (l *Ledger) FindStuck(ctx context.Context, threshold time.Duration) ([]Record, error) {
	if threshold <= 0 {
		threshold = l.Options().StuckThreshold
	}
	return l.store.List(ctx, storage.Query{Status: StatusRunning, UpdatedBefore: l.now().Add(-threshold)})
}

// Patch lists the fields Upsert writes. Nil fields are left untouched.
type Patch struct {
	Status       *Status
	TriggerID    *string
	LastRunAt    *time.Time
	NextRunAt    *time.Time
	ErrorMessage *string
	RetryCount   *int
}

// Upsert inserts or updates a record directly. Writes that would put a second
// run on a key already holding a non-terminal record fail with ErrActive.
func (l *Ledger) Upsert(ctx context.Context, key Key, p Patch) (Record, error) {
	if !key.Valid() {
		return Record{}, ErrInvalidKey
	}
	if p.Status != nil && !p.Status.Valid() {
		return Record{}, fmt.Errorf("ledger: invalid status %q", *p.Status)
	}
	now := l.now()
	var from Status
	rec, err := l.store.Mutate(ctx, key, func(cur *Record) (Record, storage.Action, error) {
		var r Record
		if cur == nil {
			r = Record{Key: key, Status: StatusCompleted, CreatedAt: now}
		} else {
			r = *cur
			from = cur.Status
			if p.Status != nil && !p.Status.Terminal() && !cur.Status.Terminal() {
				sameRun := *p.Status == cur.Status ||
					(cur.Status == StatusScheduled && *p.Status == StatusRunning)
				sameTrigger := p.TriggerID == nil || *p.TriggerID == cur.TriggerID
				if !sameRun || !sameTrigger {
					return Record{}, storage.Keep, fmt.Errorf("%w: %s is %s", ErrActive, key, cur.Status)
				}
			}
		}
		if p.Status != nil {
			r.Status = *p.Status
		}
		if p.TriggerID != nil {
			r.TriggerID = *p.TriggerID
		}
		if p.LastRunAt != nil {
			t := p.LastRunAt.UTC().Truncate(time.Millisecond)
			r.LastRunAt = &t
		}
		if p.NextRunAt != nil {
			t := p.NextRunAt.UTC().Truncate(time.Millisecond)
			r.NextRunAt = &t
		}
		if p.ErrorMessage != nil {
			r.ErrorMessage = *p.ErrorMessage
		}
		if p.RetryCount != nil {
			r.RetryCount = *p.RetryCount
		}
		r.UpdatedAt = now
		return r, storage.Put, nil
	})
	if err != nil {
		return Record{}, err
	}
	if from != rec.Status {
		l.publish(Transition{Key: key, From: from, To: rec.Status, TriggerID: rec.TriggerID, Reason: "upsert"})
	}
	return rec, nil
}

func (l *Ledger) publish(t Transition) {
	l.log.Debug("ledger transition",
		logx.String("site", t.Key.SiteID),
		logx.String("op", t.Key.Operation),
		logx.String("from", string(t.From)),
		logx.String("to", string(t.To)),
		logx.String("trigger", t.TriggerID),
	)
	l.bus.Publish(eventbus.Event{Type: eventbus.TypeLedgerTransition, Time: l.clock(), Data: t})
}
