// Package coordinator runs evaluation passes: snapshot sites, decide, then run
// now, dispatch for later, or cancel stale pending triggers.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"sitepulse/internal/decision"
	"sitepulse/internal/dispatch"
	"sitepulse/internal/eventbus"
	"sitepulse/internal/hours"
	"sitepulse/internal/ledger"
	"sitepulse/internal/operation"
	"sitepulse/internal/sites"
	"sitepulse/internal/storage"
	logx "sitepulse/pkg/logx"
)

// Summary counts per-site outcomes of a pass.
type Summary struct {
	Sites      int `json:"sites"`
	Executed   int `json:"executed"`
	Scheduled  int `json:"scheduled"`
	Duplicates int `json:"duplicates"`
	Skipped    int `json:"skipped"`
	Cancelled  int `json:"cancelled"`
	Failed     int `json:"failed"`
}

type PassResult struct {
	ID        string             `json:"id"`
	Operation string             `json:"operation"`
	At        time.Time          `json:"at"`
	Decision  decision.Decision  `json:"decision"`
	Executed  []operation.Result `json:"executed"`
	Dispatch  []dispatch.Result  `json:"dispatch"`
	Cancelled []string           `json:"cancelled"`
	Errors    []SiteError        `json:"errors,omitempty"`
	Summary   Summary            `json:"summary"`
}

type SiteError struct {
	SiteID string `json:"site_id"`
	Error  string `json:"error"`
}

type Coordinator struct {
	sites      sites.Source
	ledger     *ledger.Ledger
	store      storage.Store
	runner     *operation.Runner
	dispatcher *dispatch.Dispatcher
	log        logx.Logger
	bus        eventbus.Publisher
	clock      func() time.Time

	mu  sync.RWMutex
	opt decision.Options
}

func New(src sites.Source, l *ledger.Ledger, runner *operation.Runner, d *dispatch.Dispatcher, opt decision.Options, log logx.Logger, bus eventbus.Publisher, clock func() time.Time) *Coordinator {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	if clock == nil {
		clock = time.Now
	}
	return &Coordinator{
		sites:      src,
		ledger:     l,
		store:      l.Store(),
		runner:     runner,
		dispatcher: d,
		log:        log.Component("coordinator"),
		bus:        bus,
		clock:      clock,
		opt:        opt,
	}
}

// Apply swaps the decision options used by later passes.
func (c *Coordinator) Apply(opt decision.Options) {
	c.mu.Lock()
	c.opt = opt
	c.mu.Unlock()
}

// Pass runs one evaluation pass for operation. Store or site source failures
// abort the pass and are returned; per-site failures are collected in the result.
func (c *Coordinator) Pass(ctx context.Context, op string, eval hours.EvalOptions) (PassResult, error) {
	if op == "" {
		return PassResult{}, errors.New("operation required")
	}
	now := c.clock()
	res := PassResult{ID: uuid.NewString(), Operation: op, At: now}
	log := c.log.With(logx.String("op", op), logx.String("pass", res.ID))

	if err := c.store.Ping(ctx); err != nil {
		log.Error("pass aborted: ledger store unreachable", logx.Err(err))
		return res, fmt.Errorf("ledger store: %w", err)
	}
	snapshot, err := c.sites.Snapshot(ctx)
	if err != nil {
		log.Error("pass aborted: site source failed", logx.Err(err))
		return res, fmt.Errorf("site snapshot: %w", err)
	}

	c.mu.RLock()
	opt := c.opt
	c.mu.RUnlock()

	policies := hours.ResolveAll(snapshot, log)
	report := hours.Evaluate(now, policies, eval)
	out := decision.Decide(report, opt)
	res.Decision = out.Decision
	res.Summary.Sites = len(snapshot)

	var later []decision.Directive
	for _, dir := range out.Directives {
		switch dir.Action {
		case decision.Now:
			c.run(ctx, op, dir.SiteID, &res)
		case decision.Later:
			later = append(later, dir)
		default:
			res.Summary.Skipped++
			key := storage.Key{SiteID: dir.SiteID, Operation: op}
			ok, err := c.dispatcher.CancelPending(ctx, key)
			switch {
			case err != nil:
				res.Errors = append(res.Errors, SiteError{SiteID: dir.SiteID, Error: err.Error()})
				res.Summary.Failed++
			case ok:
				res.Cancelled = append(res.Cancelled, dir.SiteID)
				res.Summary.Cancelled++
			}
		}
	}

	res.Dispatch = c.dispatcher.Dispatch(ctx, op, later, now)
	for _, d := range res.Dispatch {
		switch d.Status {
		case dispatch.StatusDue:
			c.run(ctx, op, d.SiteID, &res)
		case dispatch.StatusScheduled, dispatch.StatusSuperseded:
			res.Summary.Scheduled++
		case dispatch.StatusDuplicate:
			res.Summary.Duplicates++
		default:
			res.Summary.Failed++
		}
	}

	log.Info("pass completed",
		logx.String("decision", res.Decision.Outcome.String()),
		logx.String("reason", res.Decision.Reason),
		logx.Int("sites", res.Summary.Sites),
		logx.Int("executed", res.Summary.Executed),
		logx.Int("scheduled", res.Summary.Scheduled),
		logx.Int("duplicates", res.Summary.Duplicates),
		logx.Int("skipped", res.Summary.Skipped),
		logx.Int("cancelled", res.Summary.Cancelled),
		logx.Int("failed", res.Summary.Failed),
	)
	c.bus.Publish(eventbus.Event{Type: eventbus.TypePassCompleted, Time: now, Data: res})
	return res, nil
}

// run starts op for siteID when the ledger says the key needs a fresh run.
// Ineligible keys are reported as skipped with the ledger's reason.
func (c *Coordinator) run(ctx context.Context, op, siteID string, res *PassResult) {
	req := operation.Request{SiteID: siteID, Operation: op}
	key := storage.Key{SiteID: siteID, Operation: op}
	elig, err := c.ledger.Eligibility(ctx, key)
	if err != nil {
		res.Errors = append(res.Errors, SiteError{SiteID: siteID, Error: err.Error()})
		res.Summary.Failed++
		return
	}
	if !elig.Eligible {
		res.Executed = append(res.Executed, operation.Skip(req, elig.Reason))
		res.Summary.Skipped++
		c.log.Debug("run not eligible", logx.String("site", siteID), logx.String("op", op), logx.String("reason", elig.Reason))
		return
	}
	if elig.Stuck {
		if _, err := c.ledger.ResetToFailed(ctx, key, elig.Reason); err != nil && !errors.Is(err, ledger.ErrNotRunning) {
			res.Errors = append(res.Errors, SiteError{SiteID: siteID, Error: err.Error()})
			res.Summary.Failed++
			return
		}
		c.log.Warn("stuck run reset before rerun", logx.String("site", siteID), logx.String("op", op))
	}

	r := c.runner.Run(ctx, req)
	res.Executed = append(res.Executed, r)
	switch r.Status {
	case operation.StatusQueued:
		res.Summary.Executed++
	case operation.StatusSkipped:
		res.Summary.Skipped++
	default:
		res.Summary.Failed++
	}
}
