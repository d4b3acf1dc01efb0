package vomp

import "time"

// These values are not pinned by the wire contract (peers only care
// about the header layout and state table, not these bounds, save for
// MAX_QUEUED_FILES in the Rhizome core which is unrelated to VoMP). They
// are chosen to match the Serval project's own deployed defaults.
const (
	// MaxCalls bounds the call table (VOMP_MAX_CALLS).
	MaxCalls = 16

	// StuffBytes bounds how many bytes of rotor-buffered samples may be
	// appended to a single outbound frame (VOMP_STUFF_BYTES).
	StuffBytes = 800

	// FrameTypeOrdinary is the only defined VoMP frame type.
	FrameTypeOrdinary = 0x01
)

const (
	// StatusInterval is how often a live call's status is resent and
	// its timeouts re-checked (VOMP_CALL_STATUS_INTERVAL).
	StatusInterval = 2 * time.Second

	// DialTimeout bounds how long the remote side may stay below
	// RINGINGOUT before the call is destroyed (VOMP_CALL_DIAL_TIMEOUT).
	DialTimeout = 60 * time.Second

	// RingTimeout bounds how long the local side may stay below INCALL
	// before the call is destroyed (VOMP_CALL_RING_TIMEOUT).
	RingTimeout = 60 * time.Second

	// NetworkTimeout bounds how long a call may go without any activity
	// before it is destroyed (VOMP_CALL_NETWORK_TIMEOUT).
	NetworkTimeout = 15 * time.Second
)
