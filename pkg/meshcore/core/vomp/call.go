package vomp

import (
	"crypto/rand"
	"encoding/binary"
	"time"

	"github.com/gardners/meshcore/pkg/meshcore/reactor"
	"github.com/gardners/meshcore/pkg/meshcore/types"
)

// State is a call half's position in the six-state VoMP machine.
type State uint8

const (
	NoCall     State = 1
	CallPrep   State = 2
	RingingOut State = 3
	RingingIn  State = 4
	InCall     State = 5
	CallEnded  State = 6
)

// MaxRecentSamples is the rotor/dedup ring size (VOMP_MAX_RECENT_SAMPLES).
const MaxRecentSamples = 4

// seenRingSize is 4N, the end-time dedup ring.
const seenRingSize = 4 * MaxRecentSamples

// Half is one side (local or remote) of a call.
type Half struct {
	SID               types.SID
	DID               types.DID
	State             State
	Codec             types.Codec
	Session           types.Session
	Sequence          uint32
	MsSinceCallStart  uint64
}

// SampleBlock is one rotor slot of audio samples awaiting stuffing into
// an outbound frame.
type SampleBlock struct {
	Codec       types.Codec
	Len         int
	StartTimeMs uint32
	EndTimeMs   uint32
	Bytes       [1024]byte
}

// Call is the full state of one voice call.
type Call struct {
	Local  Half
	Remote Half

	InitiatedCall bool

	CreateTime   time.Time
	LastActivity time.Time

	AudioClock uint32

	// LastSentStatus is the packed (remote<<4|local) state last sent to
	// the peer, used to suppress redundant status frames.
	LastSentStatus byte

	RemoteCodecList [256]bool

	SampleRotor   int
	RecentSamples [MaxRecentSamples]SampleBlock
	SeenSamples   [seenRingSize]uint32
	SamplePos     int

	handle reactor.Handle
}

func packState(remote, local State) byte {
	return byte(remote)<<4 | byte(local)
}

// Table is the fixed-size VoMP Call Table: all live calls occupy the
// contiguous prefix [0, count).
type Table struct {
	calls    []*Call
	maxCalls int
}

// NewTable builds an empty table bounded at maxCalls (VOMP_MAX_CALLS).
func NewTable(maxCalls int) *Table {
	return &Table{maxCalls: maxCalls}
}

// Count reports the number of live calls.
func (t *Table) Count() int { return len(t.calls) }

// At returns the call at index i.
func (t *Table) At(i int) *Call { return t.calls[i] }

// sessionInUse reports whether session collides with any live call's
// local or remote session. The original rejected only against
// local.session, twice; both sides are checked here so a freshly
// generated session can never collide with a session already learned
// from a peer either.
func (t *Table) sessionInUse(session types.Session) bool {
	for _, c := range t.calls {
		if c.Local.Session == session || c.Remote.Session == session {
			return true
		}
	}
	return false
}

func randomSession() (types.Session, error) {
	var buf [3]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	var wide [4]byte
	copy(wide[1:], buf[:])
	v := binary.BigEndian.Uint32(wide[:])
	return types.Session(v), nil
}

// FindOrCreate implements §4.6: scan for a matching call by session/SID;
// on no match, allocate a new one only if the inbound frame is a
// legitimate call-opening frame (CALLPREP on either side).
//
// senderKnown/recvrKnown indicate whether the corresponding session
// field on the inbound frame was non-zero (i.e. the peer claims to know
// it), matching the source's "our-session-known"/"their-session-known"
// guards.
func (t *Table) FindOrCreate(remoteSID, localSID types.SID, senderSession, recvrSession types.Session, senderState, recvrState State, senderKnown, recvrKnown bool) (*Call, error) {
	for _, c := range t.calls {
		matched := false
		if senderKnown && c.Remote.Session == senderSession {
			matched = true
		}
		if recvrKnown && c.Local.Session == recvrSession {
			matched = true
		}
		if !matched {
			continue
		}
		if c.Remote.SID != remoteSID || c.Local.SID != localSID {
			continue
		}
		if c.Remote.Session == 0 {
			c.Remote.Session = senderSession
		}
		return c, nil
	}

	if senderState == CallEnded || recvrState == CallEnded {
		return nil, nil
	}
	if senderState != CallPrep && recvrState != CallPrep {
		return nil, nil
	}

	if len(t.calls) >= t.maxCalls {
		return nil, types.ErrCallTableFull
	}

	// If the peer already claims to know our session (recvrSession
	// nonzero, e.g. on a reconnect), reuse it rather than generating a
	// fresh one; otherwise mint one via the crypto RNG, rejecting zero
	// and any live collision.
	session := recvrSession
	if session == 0 {
		for {
			s, err := randomSession()
			if err != nil {
				return nil, err
			}
			if s == 0 || t.sessionInUse(s) {
				continue
			}
			session = s
			break
		}
	}

	now := time.Now()
	call := &Call{
		Local:        Half{SID: localSID, State: NoCall, Session: session},
		Remote:       Half{SID: remoteSID, State: NoCall, Session: senderSession},
		CreateTime:   now,
		LastActivity: now,
	}
	for i := range call.SeenSamples {
		call.SeenSamples[i] = 0xFFFFFFFF
	}

	t.calls = append(t.calls, call)
	return call, nil
}

// Destroy removes call from the table, compacting by swapping the tail
// into the vacated index (the caller is responsible for unscheduling and
// rescheduling the moved call's tick, since that requires the reactor).
func (t *Table) Destroy(call *Call) (moved *Call, ok bool) {
	for i, c := range t.calls {
		if c == call {
			last := len(t.calls) - 1
			t.calls[i] = t.calls[last]
			t.calls[last] = nil
			t.calls = t.calls[:last]
			if i < len(t.calls) {
				return t.calls[i], true
			}
			return nil, false
		}
	}
	return nil, false
}
