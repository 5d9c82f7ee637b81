package hours

import (
	"time"
)

// Phase is where a site's local now falls relative to today's window.
type Phase uint8

const (
	PhaseFallback Phase = iota
	PhaseClosedToday
	PhaseBeforeOpen
	PhaseOpen
	PhaseAfterClose
)

func (p Phase) String() string {
	switch p {
	case PhaseClosedToday:
		return "closed_today"
	case PhaseBeforeOpen:
		return "before_open"
	case PhaseOpen:
		return "open"
	case PhaseAfterClose:
		return "after_close"
	default:
		return "fallback"
	}
}

// Status is the evaluation of one site at one instant.
type Status struct {
	Policy   Policy
	Weekday  time.Weekday
	LocalNow time.Time
	Phase    Phase

	// Window is set for PhaseBeforeOpen, PhaseOpen and PhaseAfterClose.
	Window *Window
	OpenAt  time.Time
	CloseAt time.Time

	// SinceClose is only meaningful in PhaseAfterClose.
	SinceClose time.Duration
}

func (s Status) SiteID() string { return s.Policy.Site.ID }

// Mark is a wall-clock boundary attributed to one site.
type Mark struct {
	SiteID string
	Clock  TimeOfDay
	At     time.Time
}

// Report aggregates a pass over the site snapshot.
type Report struct {
	At    time.Time
	Sites []Status

	// Forced is the pinned weekday, nil when each site used its local weekday.
	Forced *time.Weekday

	SitesWithHours int
	OpenToday      int
	OpenNow        int
	Fallback       int

	// EarliestOpen and LatestClose span every site open today.
	EarliestOpen *Mark
	LatestClose  *Mark

	// NextOpen is the earliest window still ahead of now; LastClose the most recent
	// window that already ended.
	NextOpen  *Mark
	LastClose *Mark
}

// EvalOptions tunes Evaluate.
type EvalOptions struct {
	// Weekday forces the calendar day instead of each site's local weekday.
	Weekday *time.Weekday
}

// OnWeekday returns options that pin evaluation to wd.
func OnWeekday(wd time.Weekday) EvalOptions { return EvalOptions{Weekday: &wd} }

// Evaluate reports which sites are open today and which are open right now.
// Wall-clock comparisons happen in each window's own location.
func Evaluate(now time.Time, policies []Policy, opt EvalOptions) Report {
	rep := Report{At: now, Sites: make([]Status, 0, len(policies)), Forced: opt.Weekday}

	for _, p := range policies {
		st := evaluateOne(now, p, opt)
		rep.Sites = append(rep.Sites, st)

		if p.Kind != PolicyRules {
			rep.Fallback++
			continue
		}
		rep.SitesWithHours++
		if st.Phase == PhaseClosedToday {
			continue
		}
		rep.OpenToday++

		open := Mark{SiteID: st.SiteID(), Clock: st.Window.Open, At: st.OpenAt}
		closeMark := Mark{SiteID: st.SiteID(), Clock: st.Window.Close, At: st.CloseAt}
		if rep.EarliestOpen == nil || open.At.Before(rep.EarliestOpen.At) {
			m := open
			rep.EarliestOpen = &m
		}
		if rep.LatestClose == nil || closeMark.At.After(rep.LatestClose.At) {
			m := closeMark
			rep.LatestClose = &m
		}

		switch st.Phase {
		case PhaseOpen:
			rep.OpenNow++
		case PhaseBeforeOpen:
			if rep.NextOpen == nil || open.At.Before(rep.NextOpen.At) {
				m := open
				rep.NextOpen = &m
			}
		case PhaseAfterClose:
			if rep.LastClose == nil || closeMark.At.After(rep.LastClose.At) {
				m := closeMark
				rep.LastClose = &m
			}
		}
	}
	return rep
}

func evaluateOne(now time.Time, p Policy, opt EvalOptions) Status {
	local := now.In(p.Location)
	wd := local.Weekday()
	if opt.Weekday != nil {
		wd = *opt.Weekday
	}
	st := Status{Policy: p, Weekday: wd, LocalNow: local, Phase: PhaseFallback}
	if p.Kind != PolicyRules {
		return st
	}

	w, ok := p.Window(wd)
	if !ok || !w.Active() {
		st.Phase = PhaseClosedToday
		return st
	}

	wl := now.In(w.Location)
	st.LocalNow = wl
	st.Window = &w
	st.OpenAt = atClock(wl, w.Open)
	st.CloseAt = atClock(wl, w.Close)

	cur := ClockOf(wl)
	switch {
	case cur < w.Open:
		st.Phase = PhaseBeforeOpen
	case cur < w.Close:
		st.Phase = PhaseOpen
	default:
		st.Phase = PhaseAfterClose
		st.SinceClose = now.Sub(st.CloseAt)
		if st.SinceClose < 0 {
			st.SinceClose = 0
		}
	}
	return st
}

// atClock builds the instant at clock c on local's calendar date.
func atClock(local time.Time, c TimeOfDay) time.Time {
	y, m, d := local.Date()
	return time.Date(y, m, d, c.Hour(), c.Minute(), 0, 0, local.Location())
}
