// Package delivery pushes serialized notifications to recipients and
// recovers from failures.
//
// A failed delivery becomes a NotificationError: it is classified, handed to
// the fallback registered for its type, and then either queued for retry
// with exponential backoff or moved to the bounded dead-letter store.
// Fallback and retry are independent; both happen for every failure.
package delivery
