// Package notification defines the job status notification model shared by
// every component of the fan-out service: the closed set of event kinds, the
// metadata envelope, the JSON wire codec, broker channel naming and the
// client control messages.
//
// Events are immutable once published. Components that need per-attempt state
// (retry counters, delivery status) keep it beside the event, never inside it.
package notification
