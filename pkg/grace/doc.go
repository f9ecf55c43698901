/*
Package grace defers device suspension after a failed payment.

A payment failure moves the subscription to past_due and schedules a
grace.check task at failure + grace days (the plan's own grace period, or
the configured default). Every firing re-reads the subscription under the
subscriber lock before acting:

	active              -> resolved, nothing is suspended
	suspended           -> no-op
	past_due, in window -> rescheduled for the remainder
	past_due, expired   -> subscription and all active devices suspended

The suspension notice is guarded by a marker in the state store so a
redelivered task never notifies twice. Sweep runs the same check for every
past-due subscription whose deadline passed, covering lost tasks.
*/
package grace
