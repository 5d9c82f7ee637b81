package hours

import (
	"fmt"
	"strings"
	"time"

	"sitepulse/pkg/logx"
)

// PolicyKind tags which time source governs a site.
type PolicyKind uint8

const (
	// PolicyFallback applies the static weekday policy with no time-of-day restriction.
	PolicyFallback PolicyKind = iota
	// PolicyRules applies the site's weekly calendar.
	PolicyRules
)

func (k PolicyKind) String() string {
	if k == PolicyRules {
		return "rules"
	}
	return "fallback"
}

// Window is the resolved operating window of one site on one weekday.
type Window struct {
	Weekday  time.Weekday
	Open     TimeOfDay
	Close    TimeOfDay
	Enabled  bool
	Location *time.Location
	Label    string
}

// Active reports whether the window opens at all.
func (w Window) Active() bool { return w.Enabled && w.Open != w.Close }

// Policy is a site resolved once per evaluation pass.
type Policy struct {
	Site     Site
	Kind     PolicyKind
	Location *time.Location

	// Err is set when the calendar was present but malformed. The site then runs
	// under PolicyFallback.
	Err error

	windows [7]*Window
}

// Window returns the configured window for wd, or false when that weekday has no rule.
func (p Policy) Window(wd time.Weekday) (Window, bool) {
	if p.Kind != PolicyRules || wd < time.Sunday || wd > time.Saturday {
		return Window{}, false
	}
	w := p.windows[wd]
	if w == nil {
		return Window{}, false
	}
	return *w, true
}

// Resolve turns a site's raw rules into a tagged policy.
func Resolve(site Site) Policy {
	p := Policy{Site: site, Kind: PolicyFallback, Location: time.UTC}

	siteTZ := strings.TrimSpace(site.Timezone)
	if siteTZ == "" {
		for _, r := range site.Rules {
			if tz := strings.TrimSpace(r.Timezone); tz != "" {
				siteTZ = tz
				break
			}
		}
	}
	loc, err := LoadLocation(siteTZ)
	if err != nil {
		p.Err = err
		return p
	}
	p.Location = loc

	if len(site.Rules) == 0 {
		return p
	}

	var windows [7]*Window
	for i, r := range site.Rules {
		if r.Weekday < time.Sunday || r.Weekday > time.Saturday {
			p.Err = fmt.Errorf("rule %d: weekday %d out of range", i, int(r.Weekday))
			return p
		}
		if windows[r.Weekday] != nil {
			p.Err = fmt.Errorf("rule %d: duplicate rule for %s", i, r.Weekday)
			return p
		}
		open, err := ParseTimeOfDay(r.Open)
		if err != nil {
			p.Err = fmt.Errorf("rule %d (%s) open: %w", i, r.Weekday, err)
			return p
		}
		closeAt, err := ParseTimeOfDay(r.Close)
		if err != nil {
			p.Err = fmt.Errorf("rule %d (%s) close: %w", i, r.Weekday, err)
			return p
		}
		if r.Enabled && closeAt < open {
			p.Err = fmt.Errorf("rule %d (%s): close %s before open %s", i, r.Weekday, closeAt, open)
			return p
		}
		wloc := loc
		if tz := strings.TrimSpace(r.Timezone); tz != "" && tz != siteTZ {
			wloc, err = LoadLocation(tz)
			if err != nil {
				p.Err = fmt.Errorf("rule %d (%s): %w", i, r.Weekday, err)
				return p
			}
		}
		windows[r.Weekday] = &Window{
			Weekday:  r.Weekday,
			Open:     open,
			Close:    closeAt,
			Enabled:  r.Enabled,
			Location: wloc,
			Label:    r.Label,
		}
	}

	p.Kind = PolicyRules
	p.windows = windows
	return p
}

// ResolveAll resolves every site and logs malformed calendars.
func ResolveAll(sites []Site, log logx.Logger) []Policy {
	out := make([]Policy, 0, len(sites))
	for _, s := range sites {
		p := Resolve(s)
		if p.Err != nil {
			log.Warn("operating hours malformed, using fallback policy",
				logx.String("site", s.ID),
				logx.Err(p.Err),
			)
		}
		out = append(out, p)
	}
	return out
}
