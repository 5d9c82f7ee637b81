// Package scheduler triggers work; it never executes it.
//
// Recurring entries (cron or interval) enqueue tasks into the lane engine.
// One-shot triggers are keyed by id: a pending id cannot be scheduled twice,
// and a due trigger is handed to the FireFunc through the critical lane.
package scheduler
