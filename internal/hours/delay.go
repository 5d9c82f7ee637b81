package hours

import "time"

// Delay is the outcome of converting a local wall-clock target into a wait.
type Delay struct {
	Target   time.Time
	Wait     time.Duration
	Tomorrow bool

	// Due is set when no positive wait could be computed; callers run immediately.
	Due bool
}

// CalculateDelay returns the next instant at clock `at` in loc, strictly after now.
//
// When today's target is at or before local now, the target moves one calendar day
// forward. Civil arithmetic runs in loc, so daylight-saving transitions are honored.
func CalculateDelay(at TimeOfDay, loc *time.Location, now time.Time) Delay {
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	y, m, d := local.Date()
	target := time.Date(y, m, d, at.Hour(), at.Minute(), 0, 0, loc)

	var out Delay
	if !target.After(local) {
		target = time.Date(y, m, d+1, at.Hour(), at.Minute(), 0, 0, loc)
		out.Tomorrow = true
	}
	out.Target = target
	out.Wait = target.Sub(now)
	if out.Wait <= 0 {
		out.Wait = 0
		out.Due = true
	}
	return out
}

// CalculateDelayString is CalculateDelay for raw "HH:MM" and timezone inputs.
func CalculateDelayString(hhmm, tz string, now time.Time) (Delay, error) {
	at, err := ParseTimeOfDay(hhmm)
	if err != nil {
		return Delay{}, err
	}
	loc, err := LoadLocation(tz)
	if err != nil {
		return Delay{}, err
	}
	return CalculateDelay(at, loc, now), nil
}
