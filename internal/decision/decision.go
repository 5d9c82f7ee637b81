// Package decision turns an operating-hours report into run-now, run-later or skip.
package decision

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"sitepulse/internal/hours"
)

// DefaultCatchUpAllowance bounds how late after close a pass may still run.
const DefaultCatchUpAllowance = 4 * time.Hour

// Outcome is the terminal state of a decision.
type Outcome uint8

const (
	Skip Outcome = iota
	Now
	Later
)

func (o Outcome) String() string {
	switch o {
	case Now:
		return "execute_now"
	case Later:
		return "schedule_later"
	default:
		return "skip"
	}
}

// Counts are the site metrics behind a decision.
type Counts struct {
	Total     int `json:"total"`
	WithHours int `json:"with_hours"`
	OpenToday int `json:"open_today"`
	OpenNow   int `json:"open_now"`
	Fallback  int `json:"fallback"`
}

// Decision is recomputed on every pass and never persisted.
type Decision struct {
	Outcome Outcome `json:"outcome"`

	ShouldExecute       bool `json:"should_execute"`
	ShouldExecuteNow    bool `json:"should_execute_now"`
	ShouldScheduleLater bool `json:"should_schedule_later"`

	// NextExecutionTime is the "HH:MM" wall clock of NextAt in the deciding site's zone.
	NextExecutionTime string    `json:"next_execution_time,omitempty"`
	NextAt            time.Time `json:"next_at,omitempty"`

	CatchUp bool   `json:"catch_up,omitempty"`
	Reason  string `json:"reason"`
	Counts  Counts `json:"counts"`
}

// Directive is the per-site action derived from the same report.
type Directive struct {
	SiteID  string
	Policy  hours.PolicyKind
	Action  Outcome
	CatchUp bool

	// At and Location are set for Later.
	At       hours.TimeOfDay
	Location *time.Location

	Reason string
}

// Options tunes Decide.
type Options struct {
	CatchUpAllowance time.Duration

	// FallbackWeekdays are the days a site without a calendar runs. Defaults to Mon-Fri.
	FallbackWeekdays []time.Weekday

	// Reference is the zone used for the aggregate fallback weekday. Defaults to UTC.
	Reference *time.Location
}

func (o Options) normalize() Options {
	if o.CatchUpAllowance <= 0 {
		o.CatchUpAllowance = DefaultCatchUpAllowance
	}
	if len(o.FallbackWeekdays) == 0 {
		o.FallbackWeekdays = []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday}
	}
	if o.Reference == nil {
		o.Reference = time.UTC
	}
	return o
}

// Result bundles the aggregate decision with per-site directives.
type Result struct {
	Decision   Decision
	Directives []Directive
}

// Decide applies the timing policy to rep.
func Decide(rep hours.Report, opt Options) Result {
	opt = opt.normalize()
	d := aggregate(rep, opt)
	d.Counts = Counts{
		Total:     len(rep.Sites),
		WithHours: rep.SitesWithHours,
		OpenToday: rep.OpenToday,
		OpenNow:   rep.OpenNow,
		Fallback:  rep.Fallback,
	}
	d.ShouldExecute = d.Outcome != Skip
	d.ShouldExecuteNow = d.Outcome == Now
	d.ShouldScheduleLater = d.Outcome == Later

	dirs := make([]Directive, 0, len(rep.Sites))
	running := 0
	for _, st := range rep.Sites {
		dir := directive(st, d, opt)
		if dir.Action != Skip {
			running++
		}
		dirs = append(dirs, dir)
	}
	// Fallback sites follow their own weekday even when the calendared sites skip.
	if d.Outcome == Skip && running > 0 {
		d.Reason += fmt.Sprintf("; fallback policy still runs %d site(s) without business hours", running)
	}
	return Result{Decision: d, Directives: dirs}
}

func aggregate(rep hours.Report, opt Options) Decision {
	if rep.SitesWithHours == 0 {
		wd := rep.At.In(opt.Reference).Weekday()
		if rep.Forced != nil {
			wd = *rep.Forced
		}
		if fallbackDay(wd, opt) {
			return Decision{Outcome: Now, Reason: fmt.Sprintf("no sites have business hours configured; fallback policy runs on %s", wd)}
		}
		return Decision{Outcome: Skip, Reason: fmt.Sprintf("no sites have business hours configured; fallback policy skips %s", wd)}
	}

	if rep.OpenToday == 0 {
		return Decision{Outcome: Skip, Reason: "no sites open today; closed: " + strings.Join(closedSites(rep), ", ")}
	}

	if rep.OpenNow > 0 {
		return Decision{Outcome: Now, Reason: fmt.Sprintf("%d site(s) currently within business hours", rep.OpenNow)}
	}

	if rep.NextOpen != nil {
		return Decision{
			Outcome:           Later,
			NextExecutionTime: rep.NextOpen.Clock.String(),
			NextAt:            rep.NextOpen.At,
			Reason: fmt.Sprintf("no sites open yet; scheduling for earliest open time %s (site %s)",
				rep.NextOpen.Clock, rep.NextOpen.SiteID),
		}
	}

	last := rep.LastClose
	if last == nil {
		return Decision{Outcome: Skip, Reason: "no open window remains today"}
	}
	since := rep.At.Sub(last.At)
	if since <= opt.CatchUpAllowance {
		return Decision{
			Outcome: Now,
			CatchUp: true,
			Reason: fmt.Sprintf("catch-up mode: %s since latest close %s (site %s), within %s allowance",
				roundDur(since), last.Clock, last.SiteID, opt.CatchUpAllowance),
		}
	}
	return Decision{
		Outcome: Skip,
		Reason: fmt.Sprintf("%s since latest close %s (site %s) exceeds %s catch-up allowance; skipping until next open day",
			roundDur(since), last.Clock, last.SiteID, opt.CatchUpAllowance),
	}
}

func directive(st hours.Status, agg Decision, opt Options) Directive {
	dir := Directive{SiteID: st.SiteID(), Policy: st.Policy.Kind}

	switch st.Phase {
	case hours.PhaseFallback:
		if !fallbackDay(st.Weekday, opt) {
			dir.Action = Skip
			dir.Reason = fmt.Sprintf("fallback policy skips %s", st.Weekday)
			return dir
		}
		if agg.Outcome == Later && !agg.NextAt.IsZero() {
			dir.Action = Later
			dir.At = hours.ClockOf(agg.NextAt)
			dir.Location = agg.NextAt.Location()
			dir.Reason = "fallback policy follows next scheduled pass at " + agg.NextExecutionTime
			return dir
		}
		dir.Action = Now
		dir.Reason = fmt.Sprintf("fallback policy runs on %s", st.Weekday)
	case hours.PhaseOpen:
		dir.Action = Now
		dir.Reason = "currently within business hours"
	case hours.PhaseBeforeOpen:
		dir.Action = Later
		dir.At = st.Window.Open
		dir.Location = st.Window.Location
		dir.Reason = "opens at " + st.Window.Open.String()
	case hours.PhaseAfterClose:
		if st.SinceClose <= opt.CatchUpAllowance {
			dir.Action = Now
			dir.CatchUp = true
			dir.Reason = fmt.Sprintf("catch-up mode: closed %s ago", roundDur(st.SinceClose))
			return dir
		}
		dir.Action = Skip
		dir.Reason = fmt.Sprintf("closed %s ago, beyond catch-up allowance", roundDur(st.SinceClose))
	default:
		dir.Action = Skip
		dir.Reason = "closed today"
	}
	return dir
}

func fallbackDay(wd time.Weekday, opt Options) bool {
	for _, d := range opt.FallbackWeekdays {
		if d == wd {
			return true
		}
	}
	return false
}

func closedSites(rep hours.Report) []string {
	out := make([]string, 0, len(rep.Sites))
	for _, st := range rep.Sites {
		if st.Phase == hours.PhaseClosedToday {
			out = append(out, st.SiteID())
		}
	}
	sort.Strings(out)
	return out
}

func roundDur(d time.Duration) time.Duration { return d.Round(time.Minute) }
