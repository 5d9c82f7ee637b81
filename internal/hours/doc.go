// Package hours evaluates per-site weekly operating calendars.
//
// Sites are resolved once per pass into a Policy (rules or fallback). Evaluate
// compares each site's local wall clock against its window for the day, and
// CalculateDelay turns a local target clock into an absolute instant and wait.
package hours
