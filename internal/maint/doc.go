// Package maint holds the maintenance domain: schedules, the event log model,
// notifications and their dispatch keys, the due-status classifier and the
// error taxonomy shared by the stores, the lifecycle manager and the sweep.
//
// Everything here is free of I/O.
package maint
