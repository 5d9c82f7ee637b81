package hours

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Site is an independently scheduled tenant with an optional weekly calendar.
type Site struct {
	ID   string
	Name string

	// Timezone is the default IANA zone (or fixed offset) for rules that don't name one.
	Timezone string

	// Rules holds at most one rule per weekday. An empty slice means the site has
	// no configured calendar and runs under the fallback policy.
	Rules []Rule
}

// Rule describes the operating window for one weekday.
type Rule struct {
	Weekday  time.Weekday
	Open     string // "HH:MM"
	Close    string // "HH:MM"
	Enabled  bool
	Timezone string
	Label    string
}

// TimeOfDay is a wall-clock time expressed as minutes after local midnight.
type TimeOfDay int

const minutesPerDay = 24 * 60

// ParseTimeOfDay parses a zero-padded or bare "HH:MM" string.
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	s = strings.TrimSpace(s)
	hh, mm, ok := strings.Cut(s, ":")
	if !ok {
		return 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	if len(mm) != 2 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	return TimeOfDay(h*60 + m), nil
}

// MustTimeOfDay is ParseTimeOfDay for literals.
func MustTimeOfDay(s string) TimeOfDay {
	t, err := ParseTimeOfDay(s)
	if err != nil {
		panic(err)
	}
	return t
}

func (t TimeOfDay) Hour() int   { return int(t) / 60 }
func (t TimeOfDay) Minute() int { return int(t) % 60 }

// String renders the zero-padded "HH:MM" form.
func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour(), t.Minute())
}

// ClockOf returns the wall-clock minute offset of t in its own location.
func ClockOf(t time.Time) TimeOfDay {
	return TimeOfDay(t.Hour()*60 + t.Minute())
}

// LoadLocation resolves an IANA zone name or a fixed offset.
//
// Accepted forms: "America/Mexico_City", "UTC", "UTC-6", "UTC+05:30", "-06:00", "+0530".
// Fixed offsets never observe daylight saving; prefer IANA names.
func LoadLocation(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return time.UTC, nil
	}
	up := strings.ToUpper(name)
	if up == "UTC" || up == "GMT" || up == "Z" {
		return time.UTC, nil
	}
	offset := up
	for _, p := range []string{"UTC", "GMT"} {
		offset = strings.TrimPrefix(offset, p)
	}
	if offset != up || strings.HasPrefix(up, "+") || strings.HasPrefix(up, "-") {
		secs, err := parseOffset(offset)
		if err != nil {
			return nil, fmt.Errorf("invalid timezone %q: %w", name, err)
		}
		return time.FixedZone(name, secs), nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", name, err)
	}
	return loc, nil
}

func parseOffset(s string) (int, error) {
	if s == "" {
		return 0, fmt.Errorf("empty offset")
	}
	sign := 1
	switch s[0] {
	case '+':
		s = s[1:]
	case '-':
		sign = -1
		s = s[1:]
	default:
		return 0, fmt.Errorf("offset must start with + or -")
	}
	hh, mm := s, "0"
	if h, m, ok := strings.Cut(s, ":"); ok {
		hh, mm = h, m
	} else if len(s) == 4 {
		hh, mm = s[:2], s[2:]
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h > 14 {
		return 0, fmt.Errorf("invalid offset hours %q", hh)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid offset minutes %q", mm)
	}
	return sign * (h*3600 + m*60), nil
}

// ParseWeekday accepts 0-6 (Sunday first), full English names or their
// three-letter forms, case-insensitively.
func ParseWeekday(s string) (time.Weekday, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if n, err := strconv.Atoi(s); err == nil {
		return time.Weekday(n), n >= 0 && n <= 6
	}
	for wd := time.Sunday; wd <= time.Saturday; wd++ {
		name := strings.ToLower(wd.String())
		if s == name || s == name[:3] {
			return wd, true
		}
	}
	return 0, false
}
