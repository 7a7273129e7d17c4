// Package scheduler fires named maintenance jobs on cron or interval
// schedules. A job never overlaps itself: a trigger that arrives while the
// previous run is still going is skipped.
package scheduler
