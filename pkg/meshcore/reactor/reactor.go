package reactor

import "time"

// Handle identifies a registration with the reactor: a socket file
// descriptor for I/O readiness, or an opaque id for a timer-only
// registration.
type Handle int

// Events is a bitmask of readiness conditions, mirroring epoll's own.
type Events uint32

const (
	EventReadable Events = 1 << iota
	EventWritable
)

// Callback receives the events that fired for a Handle. A zero Events
// value signals a scheduled deadline firing rather than I/O readiness.
// The fetch slot and call-table tick register separate callbacks for
// their timers, so they do not need to inspect this value.
type Callback func(h Handle, ev Events)

// Reactor is the single-threaded event loop both cores are driven by. No
// core holds a lock over its own state because only the Reactor's own
// goroutine ever calls back into it.
type Reactor interface {
	// Watch registers h for ev readiness; cb fires on every matching
	// wakeup until Unwatch is called.
	Watch(h Handle, ev Events, cb Callback) error

	// Unwatch removes h's I/O registration. It does not affect any
	// scheduled deadline sharing the same Handle.
	Unwatch(h Handle) error

	// Schedule arms a one-shot timer for h at deadline; cb fires with
	// ev == 0 if the deadline elapses before Unschedule is called.
	Schedule(h Handle, deadline time.Time, cb Callback) error

	// Unschedule cancels a pending timer for h. It is a no-op if none
	// is pending.
	Unschedule(h Handle)

	// Run drives the loop until Stop is called.
	Run() error

	// Stop requests the loop to return from Run at its next wakeup.
	Stop()
}
