package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sitepulse/internal/eventbus"
	logx "sitepulse/pkg/logx"
)

// RemediationReport summarizes one stuck-run sweep.
type RemediationReport struct {
	At      time.Time `json:"at"`
	Found   int       `json:"found"`
	Reset   []Key     `json:"reset,omitempty"`
	Skipped int       `json:"skipped"`
	Errors  []string  `json:"errors,omitempty"`
}

// Remediator periodically resets orphaned RUNNING records to FAILED.
type Remediator struct {
	ledger *Ledger
	log    logx.Logger
}

func NewRemediator(l *Ledger, log logx.Logger) *Remediator {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Remediator{ledger: l, log: log.Component("remediation")}
}

// Run sweeps once. Only a failure to list stuck records is returned; per-key
// failures land in the report.
func (r *Remediator) Run(ctx context.Context) (RemediationReport, error) {
	threshold := r.ledger.Options().StuckThreshold
	now := r.ledger.now()
	cutoff := now.Add(-threshold)
	rep := RemediationReport{At: now}

	stuck, err := r.ledger.FindStuck(ctx, threshold)
	if err != nil {
		return rep, fmt.Errorf("find stuck: %w", err)
	}
	rep.Found = len(stuck)

	for _, rec := range stuck {
		reason := fmt.Sprintf("running since %s with no update for over %s", rec.UpdatedAt.Format(time.RFC3339), threshold)
		_, err := r.ledger.resetIfStale(ctx, rec.Key, reason, cutoff)
		switch {
		case err == nil:
			rep.Reset = append(rep.Reset, rec.Key)
			r.log.Warn("reset orphaned run",
				logx.String("site", rec.SiteID),
				logx.String("op", rec.Operation),
				logx.String("trigger", rec.TriggerID),
				logx.Time("updated_at", rec.UpdatedAt),
			)
		case errors.Is(err, ErrNotRunning), errors.Is(err, ErrNotFound):
			// Finished or touched between the list and the reset.
			rep.Skipped++
		default:
			rep.Errors = append(rep.Errors, rec.Key.String()+": "+err.Error())
			r.log.Error("reset orphaned run failed", logx.String("site", rec.SiteID), logx.String("op", rec.Operation), logx.Err(err))
		}
	}

	if rep.Found > 0 {
		r.ledger.bus.Publish(eventbus.Event{Type: eventbus.TypeRemediation, Time: r.ledger.clock(), Data: rep})
	}
	return rep, nil
}
