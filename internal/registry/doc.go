// Package registry tracks live client connections and their job
// subscriptions, and fans notifications out to them.
//
// Every client gets a bounded outbox drained by one writer goroutine, so
// messages to a single connection keep their order while a slow connection
// never holds up the others. Job channels on the broker are reference
// counted per job: the first local subscriber subscribes, the last one to
// leave unsubscribes.
package registry
