// Package notifier tells operators what the broadcaster is doing.
//
// It listens on the event bus for broadcast lifecycle events (run started,
// stopped, paused, progress, schedules fired) and turns them into short
// chat messages for the configured operator chats.
//
// Delivery is asynchronous: a bounded queue feeds one sender goroutine that
// is throttled by a token bucket and retries failed sends with jittered
// exponential backoff. Identical messages within the dedup window are
// suppressed.
//
// # History
//
// For debugging and operator visibility, the service keeps a small in-memory
// history of recently delivered notifications.
package notifier
