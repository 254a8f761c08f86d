// Package scheduler triggers the periodic maintenance jobs (the due-schedule
// scan and the notification purge) on cron or interval specs and hands each
// firing to the task engine.
package scheduler
