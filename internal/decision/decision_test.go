package decision

import (
	"strings"
	"testing"
	"time"
	_ "time/tzdata"

	"sitepulse/internal/hours"
)

func mexicoSite() hours.Site {
	rules := make([]hours.Rule, 0, 5)
	for wd := time.Monday; wd <= time.Friday; wd++ {
		rules = append(rules, hours.Rule{Weekday: wd, Open: "09:00", Close: "18:00", Enabled: true, Timezone: "America/Mexico_City"})
	}
	return hours.Site{ID: "mx", Timezone: "America/Mexico_City", Rules: rules}
}

func decideAt(t *testing.T, now time.Time, sites ...hours.Site) Result {
	t.Helper()
	policies := make([]hours.Policy, 0, len(sites))
	for _, s := range sites {
		p := hours.Resolve(s)
		if p.Err != nil {
			t.Fatalf("resolve %s: %v", s.ID, p.Err)
		}
		policies = append(policies, p)
	}
	return Decide(hours.Evaluate(now, policies, hours.EvalOptions{}), Options{})
}

func TestScenariosMexicoCityMonday(t *testing.T) {
	t.Parallel()
	loc, err := time.LoadLocation("America/Mexico_City")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	tests := []struct {
		name    string
		hour    int
		outcome Outcome
		next    string
		reason  string
	}{
		{name: "before open", hour: 7, outcome: Later, next: "09:00"},
		{name: "open", hour: 10, outcome: Now, reason: "currently within business hours"},
		{name: "catch up", hour: 21, outcome: Now, reason: "catch-up mode"},
		{name: "too late", hour: 23, outcome: Skip},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			now := time.Date(2026, 10, 12, tt.hour, 0, 0, 0, loc)
			res := decideAt(t, now, mexicoSite())
			d := res.Decision
			if d.Outcome != tt.outcome {
				t.Fatalf("Outcome = %s, want %s (reason %q)", d.Outcome, tt.outcome, d.Reason)
			}
			if d.NextExecutionTime != tt.next {
				t.Fatalf("NextExecutionTime = %q, want %q", d.NextExecutionTime, tt.next)
			}
			if tt.reason != "" && !strings.Contains(d.Reason, tt.reason) {
				t.Fatalf("Reason = %q, want it to mention %q", d.Reason, tt.reason)
			}
			if d.ShouldExecute != (tt.outcome != Skip) || d.ShouldExecuteNow != (tt.outcome == Now) || d.ShouldScheduleLater != (tt.outcome == Later) {
				t.Fatalf("flags inconsistent: %+v", d)
			}
			if len(res.Directives) != 1 || res.Directives[0].Action != tt.outcome {
				t.Fatalf("directives = %+v", res.Directives)
			}
		})
	}
}

func TestScenarioFallbackWithoutRules(t *testing.T) {
	t.Parallel()
	bare := hours.Site{ID: "bare", Timezone: "UTC"}

	saturday := time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)
	if d := decideAt(t, saturday, bare).Decision; d.Outcome != Skip {
		t.Fatalf("saturday Outcome = %s (%s)", d.Outcome, d.Reason)
	}

	wednesday := time.Date(2026, 10, 14, 3, 0, 0, 0, time.UTC)
	res := decideAt(t, wednesday, bare)
	if res.Decision.Outcome != Now || !res.Decision.ShouldExecute {
		t.Fatalf("wednesday Outcome = %s (%s)", res.Decision.Outcome, res.Decision.Reason)
	}
	if res.Directives[0].Action != Now || res.Directives[0].Policy != hours.PolicyFallback {
		t.Fatalf("directive = %+v", res.Directives[0])
	}
}

func TestNoSiteOpenTodayNamesClosedSites(t *testing.T) {
	t.Parallel()
	sunday := time.Date(2026, 10, 11, 12, 0, 0, 0, time.UTC)
	other := mexicoSite()
	other.ID = "alpha"
	d := decideAt(t, sunday, mexicoSite(), other).Decision
	if d.Outcome != Skip {
		t.Fatalf("Outcome = %s", d.Outcome)
	}
	if !strings.Contains(d.Reason, "alpha, mx") {
		t.Fatalf("Reason = %q, want closed site list", d.Reason)
	}
}

func TestSkipReasonMentionsRunningFallbackSites(t *testing.T) {
	t.Parallel()
	weekend := hours.Site{ID: "weekend", Timezone: "UTC", Rules: []hours.Rule{{Weekday: time.Saturday, Open: "10:00", Close: "14:00", Enabled: true}}}
	monday := time.Date(2026, 10, 12, 12, 0, 0, 0, time.UTC)

	res := decideAt(t, monday, weekend, hours.Site{ID: "bare", Timezone: "UTC"})
	if res.Decision.Outcome != Skip {
		t.Fatalf("Outcome = %s (%s)", res.Decision.Outcome, res.Decision.Reason)
	}
	if !strings.Contains(res.Decision.Reason, "fallback policy still runs 1 site(s)") {
		t.Fatalf("Reason = %q, want fallback sites mentioned", res.Decision.Reason)
	}
	for _, dir := range res.Directives {
		want := Skip
		if dir.SiteID == "bare" {
			want = Now
		}
		if dir.Action != want {
			t.Fatalf("%s: Action = %s, want %s", dir.SiteID, dir.Action, want)
		}
	}

	only := decideAt(t, monday, weekend).Decision
	if strings.Contains(only.Reason, "fallback") {
		t.Fatalf("Reason = %q, want no fallback note", only.Reason)
	}
}

func TestFallbackSitesFollowDeferredPass(t *testing.T) {
	t.Parallel()
	loc, _ := time.LoadLocation("America/Mexico_City")
	now := time.Date(2026, 10, 12, 7, 0, 0, 0, loc)
	res := decideAt(t, now, mexicoSite(), hours.Site{ID: "bare", Timezone: "America/Mexico_City"})
	if res.Decision.Outcome != Later {
		t.Fatalf("Outcome = %s", res.Decision.Outcome)
	}
	var seen int
	for _, dir := range res.Directives {
		if dir.Action != Later {
			t.Fatalf("%s: Action = %s, want later", dir.SiteID, dir.Action)
		}
		if dir.At.String() != "09:00" || dir.Location == nil {
			t.Fatalf("%s: At = %s loc=%v", dir.SiteID, dir.At, dir.Location)
		}
		seen++
	}
	if seen != 2 {
		t.Fatalf("directives = %d, want 2", seen)
	}
}

func TestCustomCatchUpAllowance(t *testing.T) {
	t.Parallel()
	loc, _ := time.LoadLocation("America/Mexico_City")
	now := time.Date(2026, 10, 12, 19, 30, 0, 0, loc)
	p := hours.Resolve(mexicoSite())
	rep := hours.Evaluate(now, []hours.Policy{p}, hours.EvalOptions{})
	if d := Decide(rep, Options{CatchUpAllowance: time.Hour}).Decision; d.Outcome != Skip {
		t.Fatalf("1h allowance Outcome = %s", d.Outcome)
	}
	if d := Decide(rep, Options{}).Decision; d.Outcome != Now || !d.CatchUp {
		t.Fatalf("default allowance Outcome = %s catchUp=%v", d.Outcome, d.CatchUp)
	}
}

func TestMixedSitesPerSiteDirectives(t *testing.T) {
	t.Parallel()
	// 16:00 UTC Monday: Mexico City is open, London (09:00-17:00) closed 1h ago,
	// and a UTC site opening at 18:00 is still ahead.
	london := hours.Site{ID: "ldn", Timezone: "Europe/London", Rules: []hours.Rule{
		{Weekday: time.Monday, Open: "09:00", Close: "15:00", Enabled: true},
	}}
	late := hours.Site{ID: "late", Timezone: "UTC", Rules: []hours.Rule{
		{Weekday: time.Monday, Open: "18:00", Close: "22:00", Enabled: true},
	}}
	now := time.Date(2026, 10, 12, 16, 0, 0, 0, time.UTC)
	res := decideAt(t, now, mexicoSite(), london, late)
	if res.Decision.Outcome != Now {
		t.Fatalf("Outcome = %s", res.Decision.Outcome)
	}
	want := map[string]Outcome{"mx": Now, "ldn": Now, "late": Later}
	for _, dir := range res.Directives {
		if dir.Action != want[dir.SiteID] {
			t.Fatalf("%s: Action = %s, want %s", dir.SiteID, dir.Action, want[dir.SiteID])
		}
	}
}
