package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"sitepulse/internal/task/engine"
	logx "sitepulse/pkg/logx"
)

// ScheduleOnce registers a one-shot trigger. At most one trigger per id can be
// pending; a second call with a pending id returns ErrTriggerExists. Past-due
// triggers fire as soon as the scheduler is started.
func (s *Service) ScheduleOnce(ctx context.Context, t Trigger) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.ID = strings.TrimSpace(t.ID)
	if t.ID == "" {
		return errors.New("trigger id required")
	}
	if t.FireAt.IsZero() {
		return errors.New("trigger fire time required")
	}

	s.tmu.Lock()
	defer s.tmu.Unlock()
	if _, ok := s.once[t.ID]; ok {
		return fmt.Errorf("%w: %s", ErrTriggerExists, t.ID)
	}
	s.nextVer++
	d := &onceDef{trigger: t, ver: s.nextVer}
	s.once[t.ID] = d
	if s.started {
		s.armLocked(d, time.Until(t.FireAt))
	}
	s.log.Debug("trigger scheduled",
		logx.String("trigger", t.ID),
		logx.String("site", t.SiteID),
		logx.String("op", t.Operation),
		logx.Time("fire_at", t.FireAt),
	)
	return nil
}

// Cancel removes a pending trigger.
func (s *Service) Cancel(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.tmu.Lock()
	defer s.tmu.Unlock()
	d, ok := s.once[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTriggerNotFound, id)
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	delete(s.once, id)
	s.log.Debug("trigger cancelled", logx.String("trigger", id))
	return nil
}

// Pending lists triggers that have not fired yet, soonest first.
func (s *Service) Pending() []Trigger {
	s.tmu.Lock()
	out := make([]Trigger, 0, len(s.once))
	for _, d := range s.once {
		out = append(out, d.trigger)
	}
	s.tmu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].FireAt.Equal(out[j].FireAt) {
			return out[i].FireAt.Before(out[j].FireAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// armLocked starts the runtime timer. Call with s.tmu held.
func (s *Service) armLocked(d *onceDef, delay time.Duration) {
	if d.timer != nil {
		d.timer.Stop()
	}
	if delay < 0 {
		delay = 0
	}
	id, ver := d.trigger.ID, d.ver
	d.timer = time.AfterFunc(delay, func() { s.onDue(id, ver) })
}

func (s *Service) onDue(id string, ver uint64) {
	s.tmu.Lock()
	d, ok := s.once[id]
	// Cancelled, replaced, or stopped since the timer was armed.
	if !ok || d.ver != ver || !s.started {
		s.tmu.Unlock()
		return
	}
	delete(s.once, id)
	fire := s.fire
	s.tmu.Unlock()

	t := d.trigger
	if fire == nil {
		s.log.Warn("trigger fired with no handler", logx.String("trigger", id))
		return
	}
	if s.engine == nil {
		if err := fire(context.Background(), t); err != nil {
			s.log.Warn("trigger handler failed", logx.String("trigger", id), logx.Err(err))
		}
		return
	}

	err := s.engine.Enqueue(engine.Task{
		Name: "trigger:" + id,
		Lane: engine.LaneCritical,
		Run:  func(ctx context.Context) error { return fire(ctx, t) },
	})
	if err == nil {
		s.log.Debug("trigger fired", logx.String("trigger", id), logx.String("site", t.SiteID), logx.String("op", t.Operation))
		return
	}
	s.reportEnqueueError("trigger:"+id, err)

	// Delivery is at-least-once: put the trigger back unless it was re-registered meanwhile.
	s.tmu.Lock()
	defer s.tmu.Unlock()
	if _, taken := s.once[id]; taken {
		return
	}
	s.nextVer++
	nd := &onceDef{trigger: t, ver: s.nextVer}
	s.once[id] = nd
	if s.started {
		s.armLocked(nd, s.retryGap)
	}
}

const enqueueWarnThrottle = 5 * time.Second

func (s *Service) reportEnqueueError(name string, err error) {
	now := time.Now()
	s.enqMu.Lock()
	last := s.lastEnqWarn[name]
	if !last.IsZero() && now.Sub(last) < enqueueWarnThrottle {
		s.enqMu.Unlock()
		return
	}
	s.lastEnqWarn[name] = now
	s.enqMu.Unlock()

	s.log.Warn("schedule failed to enqueue task", logx.String("schedule", name), logx.Err(err))
}
