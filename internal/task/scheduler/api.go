package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"sitepulse/internal/task/engine"
	logx "sitepulse/pkg/logx"
)

// AddSchedule registers a recurring entry that enqueues job into lane.
// Registering the same name again replaces the previous entry.
//
// Supported schedule formats:
//   - Cron: "*/5 * * * *", "0 7 * * 1-5", "@hourly", "@every 15m"
//   - Interval duration: "15m", "2h30m"
//   - Interval HH:MM: "00:15" (15 minutes), "02:30" (2 hours 30 minutes)
func (s *Service) AddSchedule(name, schedule string, lane engine.Lane, timeout time.Duration, job func(ctx context.Context) error) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("name required")
	}
	if job == nil {
		return errors.New("job required")
	}
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return err
	}
	spec := ps.Cron
	if ps.Kind == SpecInterval {
		spec = "@every " + ps.Every.String()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(name)
	s.defs = append(s.defs, entryDef{name: name, spec: spec, lane: lane, timeout: timeout, job: job})
	if s.c == nil {
		// Registered when Start runs.
		return nil
	}
	d := &s.defs[len(s.defs)-1]
	if err := s.addCronLocked(d); err != nil {
		s.defs = s.defs[:len(s.defs)-1]
		return fmt.Errorf("register %s: %w", name, err)
	}
	fields := []logx.Field{logx.String("name", name), logx.String("spec", spec), logx.String("lane", string(lane))}
	if next := s.previewNextRunsLocked(spec, 3); next != "" {
		fields = append(fields, logx.String("next", next))
	}
	s.log.Debug("schedule registered", fields...)
	return nil
}

// Remove unregisters the recurring entry with the given name.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	removed := s.removeLocked(strings.TrimSpace(name))
	s.mu.Unlock()
	if removed {
		s.log.Debug("schedule removed", logx.String("name", name))
	}
	return removed
}

// Call with s.mu held.
func (s *Service) removeLocked(name string) bool {
	removed := false
	n := 0
	for _, d := range s.defs {
		if d.name == name {
			if s.c != nil && d.entryID != 0 {
				s.c.Remove(d.entryID)
			}
			removed = true
			continue
		}
		s.defs[n] = d
		n++
	}
	s.defs = s.defs[:n]
	return removed
}

func (s *Service) addCronLocked(d *entryDef) error {
	name, lane, timeout, run := d.name, d.lane, d.timeout, d.job
	job := cron.FuncJob(func() {
		if s.engine == nil {
			return
		}
		err := s.engine.Enqueue(engine.Task{Name: name, Lane: lane, Timeout: timeout, Run: run})
		if err != nil {
			s.reportEnqueueError(name, err)
		}
	})

	// Interval entries get a startup spread so they do not all fire together.
	if every, ok := strings.CutPrefix(d.spec, "@every "); ok {
		if dur, err := time.ParseDuration(every); err == nil && dur > 0 {
			sched, jitter := makeIntervalScheduleWithSpread(dur, time.Now().In(s.loc), name)
			d.startupSpread = jitter
			d.entryID = s.c.Schedule(sched, job)
			return nil
		}
	}

	d.startupSpread = 0
	eid, err := s.c.AddJob(d.spec, job)
	if err == nil {
		d.entryID = eid
	}
	return err
}

// previewNextRunsLocked lists upcoming run times for debug logs. Call with s.mu held.
func (s *Service) previewNextRunsLocked(spec string, n int) string {
	if !s.log.Enabled(logx.LevelDebug) || strings.HasPrefix(spec, "@every") {
		return ""
	}
	sched, err := s.parser.Parse(spec)
	if err != nil {
		return ""
	}
	t := time.Now().In(s.loc)
	parts := make([]string, 0, n)
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		parts = append(parts, t.Format("2006-01-02 15:04"))
	}
	return strings.Join(parts, ", ")
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	enabled := s.cfg.Enabled
	tz := s.cfg.Timezone
	c := s.c
	items := make([]EntryInfo, 0, len(s.defs))
	for _, d := range s.defs {
		it := EntryInfo{Name: d.name, Spec: d.spec, Lane: d.lane, Timeout: d.timeout}
		if c != nil && d.entryID != 0 {
			e := c.Entry(d.entryID)
			it.Next = e.Next
			it.Prev = e.Prev
		}
		items = append(items, it)
	}
	if tz == "" && s.loc != nil {
		tz = s.loc.String()
	}
	s.mu.Unlock()

	return Snapshot{Enabled: enabled, Timezone: tz, Entries: items, Pending: s.Pending()}
}
