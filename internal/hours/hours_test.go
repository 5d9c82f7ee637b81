package hours

import (
	"testing"
	"time"
	_ "time/tzdata"
)

func weekdayRules(open, closeAt, tz string) []Rule {
	rules := make([]Rule, 0, 5)
	for wd := time.Monday; wd <= time.Friday; wd++ {
		rules = append(rules, Rule{Weekday: wd, Open: open, Close: closeAt, Enabled: true, Timezone: tz})
	}
	return rules
}

func mexicoCity(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("America/Mexico_City")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	return loc
}

func TestParseTimeOfDay(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw  string
		want TimeOfDay
		ok   bool
	}{
		{raw: "09:00", want: 540, ok: true},
		{raw: "9:05", want: 545, ok: true},
		{raw: "23:59", want: 1439, ok: true},
		{raw: "00:00", want: 0, ok: true},
		{raw: "24:00"},
		{raw: "12:60"},
		{raw: "12:5"},
		{raw: "noon"},
		{raw: ""},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ParseTimeOfDay(tt.raw)
			if tt.ok && err != nil {
				t.Fatalf("ParseTimeOfDay(%q) error: %v", tt.raw, err)
			}
			if !tt.ok {
				if err == nil {
					t.Fatalf("ParseTimeOfDay(%q) expected error", tt.raw)
				}
				return
			}
			if got != tt.want {
				t.Fatalf("ParseTimeOfDay(%q) = %d, want %d", tt.raw, got, tt.want)
			}
		})
	}
	if s := MustTimeOfDay("7:03").String(); s != "07:03" {
		t.Fatalf("String() = %q, want 07:03", s)
	}
}

func TestLoadLocationForms(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		offset int
	}{
		{name: "UTC", offset: 0},
		{name: "UTC-6", offset: -6 * 3600},
		{name: "UTC+05:30", offset: 5*3600 + 30*60},
		{name: "-06:00", offset: -6 * 3600},
		{name: "+0530", offset: 5*3600 + 30*60},
	}
	ref := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, tt := range tests {
		loc, err := LoadLocation(tt.name)
		if err != nil {
			t.Fatalf("LoadLocation(%q) error: %v", tt.name, err)
		}
		if _, off := ref.In(loc).Zone(); off != tt.offset {
			t.Fatalf("LoadLocation(%q) offset = %d, want %d", tt.name, off, tt.offset)
		}
	}
	if _, err := LoadLocation("Mars/Olympus"); err == nil {
		t.Fatal("expected error for unknown zone")
	}
	if _, err := LoadLocation("UTC+99"); err == nil {
		t.Fatal("expected error for out of range offset")
	}
}

func TestResolveMalformedFallsBack(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		rules []Rule
	}{
		{name: "bad clock", rules: []Rule{{Weekday: time.Monday, Open: "9am", Close: "18:00", Enabled: true}}},
		{name: "close before open", rules: []Rule{{Weekday: time.Monday, Open: "18:00", Close: "09:00", Enabled: true}}},
		{name: "duplicate weekday", rules: []Rule{
			{Weekday: time.Monday, Open: "09:00", Close: "18:00", Enabled: true},
			{Weekday: time.Monday, Open: "10:00", Close: "12:00", Enabled: true},
		}},
		{name: "bad rule tz", rules: []Rule{{Weekday: time.Monday, Open: "09:00", Close: "18:00", Enabled: true, Timezone: "Nowhere/Land"}}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			p := Resolve(Site{ID: "s1", Timezone: "UTC", Rules: tt.rules})
			if p.Err == nil {
				t.Fatal("expected resolve error")
			}
			if p.Kind != PolicyFallback {
				t.Fatalf("Kind = %s, want fallback", p.Kind)
			}
		})
	}
}

func TestClosedWhenDisabledOrZeroWidth(t *testing.T) {
	t.Parallel()
	site := Site{ID: "s1", Timezone: "UTC", Rules: []Rule{
		{Weekday: time.Monday, Open: "09:00", Close: "09:00", Enabled: true},
		{Weekday: time.Tuesday, Open: "09:00", Close: "18:00", Enabled: false},
	}}
	p := Resolve(site)
	if p.Err != nil {
		t.Fatalf("resolve: %v", p.Err)
	}
	monday := time.Date(2026, 10, 12, 9, 0, 0, 0, time.UTC)
	for _, now := range []time.Time{monday, monday.AddDate(0, 0, 1)} {
		rep := Evaluate(now, []Policy{p}, EvalOptions{})
		if rep.Sites[0].Phase != PhaseClosedToday {
			t.Fatalf("%s: phase = %s, want closed_today", now.Weekday(), rep.Sites[0].Phase)
		}
		if rep.OpenToday != 0 || rep.SitesWithHours != 1 {
			t.Fatalf("%s: OpenToday=%d SitesWithHours=%d", now.Weekday(), rep.OpenToday, rep.SitesWithHours)
		}
	}
}

func TestEvaluatePhasesInSiteTimezone(t *testing.T) {
	t.Parallel()
	loc := mexicoCity(t)
	p := Resolve(Site{ID: "mx", Rules: weekdayRules("09:00", "18:00", "America/Mexico_City")})
	if p.Kind != PolicyRules {
		t.Fatalf("Kind = %s, err=%v", p.Kind, p.Err)
	}
	tests := []struct {
		hour  int
		phase Phase
		since time.Duration
	}{
		{hour: 7, phase: PhaseBeforeOpen},
		{hour: 9, phase: PhaseOpen},
		{hour: 17, phase: PhaseOpen},
		{hour: 18, phase: PhaseAfterClose},
		{hour: 21, phase: PhaseAfterClose, since: 3 * time.Hour},
	}
	for _, tt := range tests {
		// Feed a UTC instant; the evaluator must convert into the site zone.
		now := time.Date(2026, 10, 12, tt.hour, 0, 0, 0, loc).UTC()
		rep := Evaluate(now, []Policy{p}, EvalOptions{})
		st := rep.Sites[0]
		if st.Phase != tt.phase {
			t.Fatalf("%02d:00 phase = %s, want %s", tt.hour, st.Phase, tt.phase)
		}
		if tt.since > 0 && st.SinceClose != tt.since {
			t.Fatalf("%02d:00 SinceClose = %s, want %s", tt.hour, st.SinceClose, tt.since)
		}
	}
}

func TestEvaluateAggregates(t *testing.T) {
	t.Parallel()
	mx := Resolve(Site{ID: "mx", Timezone: "America/Mexico_City", Rules: weekdayRules("09:00", "18:00", "")})
	tokyo := Resolve(Site{ID: "tyo", Timezone: "Asia/Tokyo", Rules: weekdayRules("10:00", "19:00", "")})
	bare := Resolve(Site{ID: "bare", Timezone: "UTC"})

	// Monday 16:00 UTC: 10:00 in Mexico City, Tuesday 01:00 in Tokyo.
	now := time.Date(2026, 10, 12, 16, 0, 0, 0, time.UTC)
	rep := Evaluate(now, []Policy{mx, tokyo, bare}, EvalOptions{})
	if rep.SitesWithHours != 2 || rep.Fallback != 1 {
		t.Fatalf("SitesWithHours=%d Fallback=%d", rep.SitesWithHours, rep.Fallback)
	}
	if rep.OpenToday != 2 || rep.OpenNow != 1 {
		t.Fatalf("OpenToday=%d OpenNow=%d", rep.OpenToday, rep.OpenNow)
	}
	if rep.NextOpen == nil || rep.NextOpen.SiteID != "tyo" || rep.NextOpen.Clock.String() != "10:00" {
		t.Fatalf("NextOpen = %+v", rep.NextOpen)
	}
	if rep.EarliestOpen == nil || rep.LatestClose == nil {
		t.Fatal("expected earliest open and latest close")
	}
	if !rep.LatestClose.At.After(rep.EarliestOpen.At) {
		t.Fatalf("LatestClose %s should be after EarliestOpen %s", rep.LatestClose.At, rep.EarliestOpen.At)
	}
}

func TestEvaluateForcedWeekday(t *testing.T) {
	t.Parallel()
	p := Resolve(Site{ID: "s", Timezone: "UTC", Rules: weekdayRules("09:00", "18:00", "")})
	saturday := time.Date(2026, 10, 17, 10, 0, 0, 0, time.UTC)
	if got := Evaluate(saturday, []Policy{p}, EvalOptions{}).Sites[0].Phase; got != PhaseClosedToday {
		t.Fatalf("saturday phase = %s", got)
	}
	if got := Evaluate(saturday, []Policy{p}, OnWeekday(time.Monday)).Sites[0].Phase; got != PhaseOpen {
		t.Fatalf("forced monday phase = %s", got)
	}
}

func TestCalculateDelay(t *testing.T) {
	t.Parallel()
	loc := mexicoCity(t)
	tests := []struct {
		name     string
		now      time.Time
		at       string
		wait     time.Duration
		tomorrow bool
	}{
		{name: "later today", now: time.Date(2026, 10, 12, 7, 0, 0, 0, loc), at: "09:00", wait: 2 * time.Hour},
		{name: "already passed", now: time.Date(2026, 10, 12, 10, 0, 0, 0, loc), at: "09:00", wait: 23 * time.Hour, tomorrow: true},
		{name: "exactly now", now: time.Date(2026, 10, 12, 9, 0, 0, 0, loc), at: "09:00", wait: 24 * time.Hour, tomorrow: true},
		{name: "crosses midnight", now: time.Date(2026, 10, 12, 23, 30, 0, 0, loc), at: "00:15", wait: 45 * time.Minute, tomorrow: true},
		{name: "seconds past target", now: time.Date(2026, 10, 12, 9, 0, 30, 0, loc), at: "09:00", wait: 24*time.Hour - 30*time.Second, tomorrow: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			d := CalculateDelay(MustTimeOfDay(tt.at), loc, tt.now.UTC())
			if d.Wait != tt.wait {
				t.Fatalf("Wait = %s, want %s", d.Wait, tt.wait)
			}
			if d.Tomorrow != tt.tomorrow {
				t.Fatalf("Tomorrow = %v, want %v", d.Tomorrow, tt.tomorrow)
			}
			if d.Due {
				t.Fatal("unexpected Due")
			}
			if got := d.Target.In(loc).Format("15:04"); got != MustTimeOfDay(tt.at).String() {
				t.Fatalf("target local clock = %s", got)
			}
		})
	}
}

func TestCalculateDelayNeverNegative(t *testing.T) {
	t.Parallel()
	zones := []string{"UTC", "America/Mexico_City", "America/New_York", "Asia/Kolkata", "UTC-6", "+1245"}
	start := time.Date(2026, 3, 7, 0, 0, 0, 0, time.UTC)
	for _, tz := range zones {
		loc, err := LoadLocation(tz)
		if err != nil {
			t.Fatalf("LoadLocation(%q): %v", tz, err)
		}
		for step := 0; step < 96; step++ {
			now := start.Add(time.Duration(step) * 37 * time.Minute)
			for _, at := range []TimeOfDay{0, 90, 540, 1439} {
				d := CalculateDelay(at, loc, now)
				if d.Wait < 0 {
					t.Fatalf("%s %s at %s: negative wait %s", tz, now, at, d.Wait)
				}
				y, m, dd := now.In(loc).Date()
				today := time.Date(y, m, dd, at.Hour(), at.Minute(), 0, 0, loc)
				if want := !today.After(now.In(loc)); d.Tomorrow != want {
					t.Fatalf("%s %s at %s: Tomorrow=%v want %v", tz, now, at, d.Tomorrow, want)
				}
			}
		}
	}
}

func TestCalculateDelayAcrossDST(t *testing.T) {
	t.Parallel()
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	// Clocks spring forward on 2026-03-08, so Saturday 09:00 to Sunday 09:00 is 23h.
	now := time.Date(2026, 3, 7, 9, 0, 0, 0, ny)
	d := CalculateDelay(MustTimeOfDay("09:00"), ny, now)
	if d.Wait != 23*time.Hour {
		t.Fatalf("Wait = %s, want 23h across spring-forward", d.Wait)
	}
}

func TestCalculateDelayString(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 10, 12, 12, 0, 0, 0, time.UTC)
	d, err := CalculateDelayString("13:00", "UTC-6", now)
	if err != nil {
		t.Fatalf("CalculateDelayString: %v", err)
	}
	// 12:00 UTC is 06:00 at UTC-6.
	if d.Wait != 7*time.Hour || d.Tomorrow {
		t.Fatalf("got %+v", d)
	}
	if _, err := CalculateDelayString("25:00", "UTC", now); err == nil {
		t.Fatal("expected clock error")
	}
}

func TestParseWeekday(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want time.Weekday
		ok   bool
	}{
		{"0", time.Sunday, true},
		{"6", time.Saturday, true},
		{"Monday", time.Monday, true},
		{" tue ", time.Tuesday, true},
		{"SAT", time.Saturday, true},
		{"7", 0, false},
		{"-1", 0, false},
		{"mo", 0, false},
		{"", 0, false},
	}
	for _, tt := range tests {
		got, ok := ParseWeekday(tt.in)
		if ok != tt.ok || (ok && got != tt.want) {
			t.Fatalf("ParseWeekday(%q) = %v, %v; want %v, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}
