// Package scheduler runs periodic housekeeping jobs on cron or interval
// schedules (robfig/cron). A job never overlaps itself: a trigger that finds
// the previous run still going is skipped.
package scheduler
