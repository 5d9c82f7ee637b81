package ledger

import (
	"context"
	"errors"
	"time"

	"sitepulse/internal/storage"
)

// Eligibility answers whether a recurring operation needs a fresh run.
type Eligibility struct {
	Eligible bool      `json:"eligible"`
	Reason   string    `json:"reason"`
	After    time.Time `json:"after,omitempty"`
	Stuck    bool      `json:"stuck,omitempty"`
}

// Eligibility reads the record for key and classifies it.
func (l *Ledger) Eligibility(ctx context.Context, key Key) (Eligibility, error) {
	r, err := l.store.Get(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return Classify(nil, l.now(), l.Options()), nil
	}
	if err != nil {
		return Eligibility{}, err
	}
	return Classify(&r, l.now(), l.Options()), nil
}

// Classify applies the re-run rules to rec (nil when absent).
func Classify(rec *Record, now time.Time, opt Options) Eligibility {
	opt = opt.normalize()
	if rec == nil {
		return Eligibility{Eligible: true, Reason: "never run"}
	}
	switch rec.Status {
	case StatusCompleted:
		if rec.LastRunAt == nil {
			return Eligibility{Eligible: true, Reason: "completed without run time"}
		}
		after := rec.LastRunAt.Add(opt.MinInterval)
		if !now.Before(after) {
			return Eligibility{Eligible: true, Reason: "minimum interval elapsed", After: after}
		}
		return Eligibility{Reason: "completed recently", After: after}

	case StatusFailed:
		if rec.RetryCount >= opt.MaxRetries {
			return Eligibility{Eligible: true, Reason: "retries exhausted, needs full reschedule"}
		}
		after := rec.UpdatedAt.Add(opt.RetryDelay)
		if !now.Before(after) {
			return Eligibility{Eligible: true, Reason: "retry delay elapsed", After: after}
		}
		return Eligibility{Reason: "waiting for retry delay", After: after}

	case StatusRunning:
		if rec.UpdatedAt.Before(now.Add(-opt.StuckThreshold)) {
			return Eligibility{Eligible: true, Stuck: true, Reason: "running past stuck threshold"}
		}
		return Eligibility{Reason: "running"}

	case StatusScheduled:
		if rec.NextRunAt != nil && rec.NextRunAt.Before(now) && rec.LastRunAt == nil {
			return Eligibility{Eligible: true, Reason: "scheduled run never fired"}
		}
		e := Eligibility{Reason: "scheduled"}
		if rec.NextRunAt != nil {
			e.After = *rec.NextRunAt
		}
		return e
	}
	return Eligibility{Reason: "unknown status " + string(rec.Status)}
}
