// Package notifier drives the delivery pipeline.
//
// On every trigger the service pulls opportunities that just became visible
// (plus open grants), evaluates every active subscriber against each one, and
// delivers to the eligible ones through a bounded worker pool that shares a
// token-bucket throttle. A delivery is recorded in the ledger only after the
// platform accepted it; the ledger's uniqueness constraint keeps overlapping
// ticks, manual triggers and replicas from notifying anyone twice.
//
// # Triggering
//
// Ticks are fired by robfig/cron. The schedule accepts cron expressions,
// Go durations and HH:MM intervals (see ParseSchedule). A trigger that fires
// while the previous tick is still running is skipped.
//
// # Failure handling
//
// Source errors abort the tick and are retried on the next one. Send failures
// are isolated per recipient. Unreachable recipients can be deactivated.
package notifier
