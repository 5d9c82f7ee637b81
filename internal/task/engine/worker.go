package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sync/atomic"
	"time"

	"sitepulse/internal/eventbus"
	logx "sitepulse/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, lanes map[Lane]chan queuedTask, ready <-chan struct{}, idx int) {
	// Per-worker RNG: avoids global lock contention when many tasks retry concurrently.
	seed := time.Now().UnixNano() ^ (int64(idx) << 32)
	rng := rand.New(rand.NewSource(seed))

	for {
		// A closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ready:
			qt, ok := next(lanes)
			if !ok {
				continue
			}
			atomic.AddInt32(&s.inFlight, 1)
			s.execOne(ctx, stopCh, qt, rng)
			atomic.AddInt32(&s.inFlight, -1)
		}
	}
}

// next pops the head of the highest-priority non-empty lane.
func next(lanes map[Lane]chan queuedTask) (queuedTask, bool) {
	for _, l := range Lanes {
		select {
		case qt := <-lanes[l]:
			return qt, true
		default:
		}
	}
	return queuedTask{}, false
}

func (s *Service) execOne(ctx context.Context, stopCh <-chan struct{}, qt queuedTask, rng *rand.Rand) {
	start := time.Now()
	queueDelay := time.Duration(0)
	if !qt.enqueuedAt.IsZero() {
		queueDelay = start.Sub(qt.enqueuedAt)
		if queueDelay < 0 {
			queueDelay = 0
		}
	}

	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	t := qt.task
	if cfg.MaxQueueDelay > 0 && queueDelay > cfg.MaxQueueDelay {
		s.onStaleDropped(start, t, queueDelay)
		s.appendHistory(HistoryItem{ID: t.ID, Name: t.Name, Lane: t.Lane, Started: start, QueueDelay: queueDelay, Error: "stale_queue_delay"}, cfg.HistorySize)
		finish(t, ErrStale)
		return
	}

	s.log.Debug("task.started", logx.String("task", t.Name), logx.String("lane", string(t.Lane)), logx.Duration("queue_delay", queueDelay))
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeTaskStarted, Time: start, Data: TaskEvent{ID: t.ID, Name: t.Name, Lane: t.Lane, Started: start, QueueDelay: queueDelay}})

	retries := qt.opt.RetryMax
	if retries < 0 {
		retries = 0
	}

	var err error
	attempts := 0
	maxAttempts := 1 + retries
attemptLoop:
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt

		runCtx := ctx
		var cancel func()
		if qt.timeout > 0 {
			runCtx, cancel = context.WithTimeout(ctx, qt.timeout)
		}
		// A panicking task becomes an error instead of killing the worker.
		func() {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("panic: %v", r)
					s.log.Error("task.panic", logx.String("task", t.Name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
				}
			}()
			err = t.Run(runCtx)
		}()
		if cancel != nil {
			cancel()
		}
		if err == nil {
			break
		}
		var nr noRetryError
		if errors.As(err, &nr) {
			err = nr.err
			break
		}
		if attempt >= maxAttempts {
			break
		}

		delay := backoffDelayWithHint(qt.opt, attempt, err, rng)
		if delay > 0 {
			s.log.Debug("task retry scheduled", logx.String("task", t.Name), logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Err(err))
			s.bus.Publish(eventbus.Event{Type: eventbus.TypeTaskRetry, Time: time.Now(), Data: TaskEvent{ID: t.ID, Name: t.Name, Lane: t.Lane, Started: start, Attempts: attempt, Error: err.Error()}})
			tmr := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				if !tmr.Stop() {
					<-tmr.C
				}
				err = ctx.Err()
				break attemptLoop
			case <-stopCh:
				if !tmr.Stop() {
					<-tmr.C
				}
				err = ErrStopped
				break attemptLoop
			case <-tmr.C:
			}
		}
	}

	dur := time.Since(start)
	item := HistoryItem{ID: t.ID, Name: t.Name, Lane: t.Lane, Started: start, Duration: dur, QueueDelay: queueDelay, Attempts: attempts}
	ev := TaskEvent{ID: t.ID, Name: t.Name, Lane: t.Lane, Started: start, QueueDelay: queueDelay, Duration: dur, Attempts: attempts}
	if err != nil {
		item.Error = err.Error()
		ev.Error = item.Error
		s.log.Warn("task.failed", logx.String("task", t.Name), logx.String("lane", string(t.Lane)), logx.Err(err), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur), logx.Int("attempts", attempts))
	} else if dur >= 750*time.Millisecond {
		s.log.Info("task.completed", logx.String("task", t.Name), logx.String("lane", string(t.Lane)), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur), logx.Int("attempts", attempts))
	} else {
		s.log.Debug("task.completed", logx.String("task", t.Name), logx.String("lane", string(t.Lane)), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur), logx.Int("attempts", attempts))
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeTaskFinished, Time: time.Now(), Data: ev})
	s.appendHistory(item, cfg.HistorySize)
	finish(t, err)
}

func backoffDelayWithHint(opt TaskOptions, retry int, err error, rng *rand.Rand) time.Duration {
	var ra RetryAfterError
	if err != nil && errors.As(err, &ra) {
		d := ra.RetryAfter()
		if d < 0 {
			d = 0
		}
		maxD := opt.RetryMaxDelay
		if maxD <= 0 {
			maxD = 15 * time.Second
		}
		if d > maxD {
			d = maxD
		}
		j := opt.RetryJitter
		if j <= 0 {
			j = 0.2
		}
		if j > 0 && d > 0 && rng != nil {
			r := (rng.Float64()*2 - 1) * j
			d = time.Duration(float64(d) * (1 + r))
			if d < 0 {
				d = 0
			}
		}
		if d > maxD {
			d = maxD
		}
		return d
	}
	return backoffDelay(opt, retry, rng)
}

func backoffDelay(opt TaskOptions, retry int, rng *rand.Rand) time.Duration {
	base := opt.RetryBase
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	maxD := opt.RetryMaxDelay
	if maxD <= 0 {
		maxD = 15 * time.Second
	}
	j := opt.RetryJitter
	if j <= 0 {
		j = 0.2
	}

	d := base
	for i := 1; i < retry; i++ {
		d *= 2
		if d > maxD {
			d = maxD
			break
		}
	}
	if j > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * j
		d = time.Duration(float64(d) * (1 + r))
		if d < 0 {
			d = 0
		}
	}
	if d > maxD {
		d = maxD
	}
	return d
}
