package operation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"sitepulse/internal/ledger"
	"sitepulse/internal/priority"
	"sitepulse/internal/storage"
	"sitepulse/internal/task/engine"
	"sitepulse/internal/task/scheduler"
	logx "sitepulse/pkg/logx"
)

var ErrUnknownOperation = errors.New("unknown operation")

// Enqueuer accepts tasks for execution.
type Enqueuer interface {
	Enqueue(t engine.Task) error
}

type Status string

const (
	StatusQueued Status = "queued"
	// StatusSkipped means the key is held by another run or pending trigger, the
	// trigger is stale, or the key is not yet due for a fresh run.
	StatusSkipped Status = "skipped"
	StatusFailed  Status = "failed"
)

// Request is an operation run request. SiteID and Operation are required; the
// remaining fields feed the priority router.
type Request struct {
	SiteID    string        `json:"site_id"`
	Operation string        `json:"operation"`
	TriggerID string        `json:"trigger_id,omitempty"`
	Priority  string        `json:"priority,omitempty"`
	Expedite  bool          `json:"expedite,omitempty"`
	Lane      string        `json:"lane,omitempty"`
	Timeout   time.Duration `json:"timeout,omitempty"`
}

type Result struct {
	SiteID    string         `json:"site_id"`
	Operation string         `json:"operation"`
	TriggerID string         `json:"trigger_id,omitempty"`
	RunID     string         `json:"run_id,omitempty"`
	Status    Status         `json:"status"`
	Route     priority.Route `json:"route"`
	Reason    string         `json:"reason,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// Skip builds a skipped Result for a key that was not started.
func Skip(req Request, reason string) Result {
	return Result{SiteID: req.SiteID, Operation: req.Operation, TriggerID: req.TriggerID, Status: StatusSkipped, Reason: reason}
}

type Runner struct {
	ledger   *ledger.Ledger
	router   *priority.Router
	engine   Enqueuer
	registry *Registry
	log      logx.Logger

	// finishTimeout bounds the ledger write after a task completes.
	finishTimeout time.Duration
}

func NewRunner(l *ledger.Ledger, router *priority.Router, eng Enqueuer, reg *Registry, log logx.Logger) *Runner {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Runner{
		ledger:        l,
		router:        router,
		engine:        eng,
		registry:      reg,
		log:           log.Component("operation"),
		finishTimeout: 10 * time.Second,
	}
}

// Route resolves the lane and timeout for req without running anything.
func (r *Runner) Route(req Request) (priority.Route, error) {
	return r.router.Route(priority.Request{
		Operation: req.Operation,
		Priority:  req.Priority,
		Expedite:  req.Expedite,
		Lane:      req.Lane,
		Timeout:   req.Timeout,
	})
}

// Submit validates req and runs it. Validation errors (unknown operation or
// lane) are returned; run-time outcomes are reported in the Result.
func (r *Runner) Submit(ctx context.Context, req Request) (Result, error) {
	if req.SiteID == "" || req.Operation == "" {
		return Result{}, fmt.Errorf("site_id and operation required")
	}
	if _, ok := r.registry.Lookup(req.Operation); !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownOperation, req.Operation)
	}
	if _, err := r.Route(req); err != nil {
		return Result{}, err
	}
	return r.Run(ctx, req), nil
}

// Run claims the ledger key, then enqueues the handler on the routed lane. The
// ledger moves to COMPLETED or FAILED when the task finishes.
func (r *Runner) Run(ctx context.Context, req Request) Result {
	res := Result{SiteID: req.SiteID, Operation: req.Operation, TriggerID: req.TriggerID}
	fail := func(err error) Result {
		res.Status, res.Error = StatusFailed, err.Error()
		r.log.Warn("operation run failed", logx.String("site", req.SiteID), logx.String("op", req.Operation), logx.String("trigger", req.TriggerID), logx.Err(err))
		return res
	}

	h, ok := r.registry.Lookup(req.Operation)
	if !ok {
		return fail(fmt.Errorf("%w: %s", ErrUnknownOperation, req.Operation))
	}
	route, err := r.Route(req)
	if err != nil {
		return fail(err)
	}
	res.Route = route

	key := storage.Key{SiteID: req.SiteID, Operation: req.Operation}
	if _, err := r.ledger.Start(ctx, key, req.TriggerID); err != nil {
		switch {
		case errors.Is(err, ledger.ErrActive):
			res.Status, res.Reason = StatusSkipped, err.Error()
			r.log.Debug("operation already active", logx.String("site", req.SiteID), logx.String("op", req.Operation))
			return res
		case errors.Is(err, ledger.ErrStaleTrigger):
			res.Status, res.Reason = StatusSkipped, err.Error()
			r.log.Info("stale trigger dropped", logx.String("site", req.SiteID), logx.String("op", req.Operation), logx.String("trigger", req.TriggerID))
			return res
		}
		return fail(err)
	}

	inv := Invocation{SiteID: req.SiteID, Operation: req.Operation, TriggerID: req.TriggerID, RunID: uuid.NewString()}
	res.RunID = inv.RunID
	err = r.engine.Enqueue(engine.Task{
		Name:    req.Operation + ":" + req.SiteID,
		Lane:    route.Lane,
		Timeout: route.Timeout,
		Run:     func(ctx context.Context) error { return h(ctx, inv) },
		Done:    func(err error) { r.finish(key, inv, err) },
	})
	if err != nil {
		r.finish(key, inv, fmt.Errorf("enqueue: %w", err))
		return fail(err)
	}
	res.Status = StatusQueued
	return res
}

func (r *Runner) finish(key storage.Key, inv Invocation, runErr error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.finishTimeout)
	defer cancel()

	var err error
	if runErr == nil {
		_, err = r.ledger.Complete(ctx, key)
	} else {
		_, err = r.ledger.Fail(ctx, key, runErr.Error())
	}
	fields := []logx.Field{logx.String("site", key.SiteID), logx.String("op", key.Operation), logx.String("run", inv.RunID)}
	if err != nil {
		// Left RUNNING; remediation resets it once stuck.
		r.log.Error("ledger finish failed", append(fields, logx.Err(err))...)
		return
	}
	if runErr != nil {
		r.log.Warn("operation failed", append(fields, logx.Err(runErr))...)
		return
	}
	r.log.Debug("operation completed", fields...)
}

// Fire runs the operation named by a due one-shot trigger. Transient failures
// are returned so the trigger task is retried; a held key or stale trigger is not an error.
func (r *Runner) Fire(ctx context.Context, t scheduler.Trigger) error {
	res := r.Run(ctx, Request{SiteID: t.SiteID, Operation: t.Operation, TriggerID: t.ID})
	if res.Status != StatusFailed {
		return nil
	}
	err := errors.New(res.Error)
	if _, ok := r.registry.Lookup(t.Operation); !ok {
		return engine.NoRetry(err)
	}
	return err
}
