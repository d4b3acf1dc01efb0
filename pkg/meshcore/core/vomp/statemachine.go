package vomp

import (
	"context"
	"fmt"
	"time"

	"github.com/gardners/meshcore/pkg/meshcore/mdp"
	"github.com/gardners/meshcore/pkg/meshcore/monitor"
	"github.com/gardners/meshcore/pkg/meshcore/reactor"
	"github.com/gardners/meshcore/pkg/meshcore/types"
)

// Core is the VoMP call state machine: it owns the call table and is the
// single entry point inbound MDP frames, the periodic tick, and client
// commands flow through.
type Core struct {
	Table *Table

	reactor    reactor.Reactor
	dispatcher mdp.Dispatcher
	notifier   monitor.Notifier
	localSID   types.SID
	localPort  uint16
	localCodecs []types.Codec
	logger     types.Logger

	hasListener func() bool
}

// NewCore wires the call table to its collaborators.
func NewCore(localSID types.SID, localPort uint16, localCodecs []types.Codec, rx reactor.Reactor, dispatcher mdp.Dispatcher, notifier monitor.Notifier, hasListener func() bool, logger types.Logger) *Core {
	return &Core{
		Table:       NewTable(MaxCalls),
		reactor:     rx,
		dispatcher:  dispatcher,
		notifier:    notifier,
		localSID:    localSID,
		localPort:   localPort,
		localCodecs: localCodecs,
		logger:      logger,
		hasListener: hasListener,
	}
}

// HandleFrame is the MDP-ingress entry point: decode, reject malformed
// or unauthenticated frames, resolve the call, and run the state table.
func (c *Core) HandleFrame(ctx context.Context, frame mdp.Frame) error {
	if frame.NoCrypt || frame.NoSign {
		return fmt.Errorf("vomp: rejecting unauthenticated frame")
	}

	decoded, err := DecodeFrame(frame.Payload)
	if err != nil {
		if c.logger != nil {
			c.logger.Debugf("vomp: dropping malformed frame from %s: %v", frame.Src.SID, err)
		}
		return nil
	}

	// The wire header's "remote" fields are the sender's record of us, and
	// its "local" fields are the sender's own actual values — so the
	// sender's session/state/sequence (what find_or_create calls
	// sender_*) come from the header's local.* fields, and what the
	// sender believes about our own session/state (recvr_*) comes from
	// its remote.* fields.
	call, err := c.Table.FindOrCreate(
		frame.Src.SID, frame.Dst.SID,
		decoded.LocalSession, decoded.RemoteSession,
		decoded.LocalState, decoded.RemoteState,
		decoded.LocalSession != 0, decoded.RemoteSession != 0,
	)
	if err != nil {
		if c.logger != nil {
			c.logger.Warnf("vomp: find_or_create: %v", err)
		}
		return nil
	}
	if call == nil {
		return nil
	}
	if call.CreateTime.IsZero() {
		call.CreateTime = time.Now()
	}
	if !c.scheduledFor(call) {
		c.armTick(call)
	}

	senderState := decoded.LocalState // the sender's own actual state
	recvrState := call.Local.State

	if c.hasListener != nil && !c.hasListener() {
		recvrState = CallEnded
	} else if senderState == CallEnded {
		c.stopAudio(call)
		recvrState = CallEnded
	} else {
		recvrState = c.applyTransition(call, senderState, recvrState)
		if recvrState == 0 {
			// Combined state outside the table: drop the frame and leave
			// the call as it was.
			return nil
		}
	}

	call.Remote.Sequence = uint32(decoded.LocalSequence)
	c.advanceRemoteState(call, senderState)
	c.advanceLocalState(call, recvrState)
	call.LastActivity = time.Now()

	if decoded.HasAudio && call.Local.State == InCall && call.Remote.State == InCall {
		c.processAudio(call, decoded)
	}

	c.maybeSendStatus(ctx, call)

	if call.Local.State == CallEnded && call.Remote.State == CallEnded {
		c.destroy(call)
	}
	return nil
}

// applyTransition runs the §4.8 combined-state table and returns the new
// local ("recvr") state. senderState is the frame's reported remote
// state (the peer's own local state); recvrState is our current local
// state before this frame. It returns 0 for a combined state the table
// does not list, which tells HandleFrame to drop the frame.
func (c *Core) applyTransition(call *Call, senderState, recvrState State) State {
	switch {
	case recvrState == NoCall && senderState == CallPrep:
		return recvrState
	case recvrState == NoCall && senderState == RingingOut:
		return recvrState
	case recvrState == RingingIn && senderState == RingingOut:
		return recvrState
	case recvrState == CallPrep && (senderState == NoCall || senderState == CallPrep):
		if call.InitiatedCall {
			return RingingOut
		}
		return CallEnded
	case recvrState == RingingOut && (senderState == NoCall || senderState == CallPrep):
		return recvrState
	case recvrState == RingingOut && senderState == RingingIn:
		return recvrState
	case recvrState == RingingOut && senderState == RingingOut:
		call.CreateTime = time.Now()
		return InCall
	case recvrState == InCall && senderState == RingingOut:
		return recvrState
	case recvrState == RingingOut && senderState == InCall:
		call.CreateTime = time.Now()
		return InCall
	case recvrState == InCall && senderState == InCall:
		return InCall
	case recvrState == CallEnded:
		return recvrState
	default:
		if c.logger != nil {
			c.logger.Debugf("vomp: ignoring frame with illegal combined state (local=%d, remote=%d)", recvrState, senderState)
		}
		return 0
	}
}

// advanceLocalState only ever advances call.Local.State, and emits the
// monitor notification for the transition actually taken, per the
// "update only advances" rule in §4.8/§9.
func (c *Core) advanceLocalState(call *Call, newState State) {
	if newState <= call.Local.State {
		return
	}
	old := call.Local.State
	call.Local.State = newState
	if newState == CallEnded {
		c.notifier.Tell(fmt.Sprintf("HANGUP:%06x", call.Local.Session))
	}
	_ = old
}

// advanceRemoteState only ever advances call.Remote.State and emits the
// CALLFROM/RINGING/ANSWERED monitor notifications on the specific
// transitions §4.8 names.
func (c *Core) advanceRemoteState(call *Call, newState State) {
	if newState <= call.Remote.State {
		return
	}
	old := call.Remote.State
	call.Remote.State = newState

	switch {
	case newState == RingingOut:
		c.notifier.Tell(fmt.Sprintf("CALLFROM:%06x:%s:%s:%s:%s", call.Local.Session, call.Local.SID, call.Local.DID, call.Remote.SID, call.Remote.DID))
	case newState == RingingIn:
		c.notifier.Tell(fmt.Sprintf("RINGING:%06x", call.Local.Session))
	case old == RingingIn && newState == InCall:
		c.notifier.Tell(fmt.Sprintf("ANSWERED:%06x", call.Local.Session))
	}
}

func (c *Core) maybeSendStatus(ctx context.Context, call *Call) {
	packed := packState(call.Remote.State, call.Local.State)
	if packed == call.LastSentStatus {
		return
	}
	call.LastSentStatus = packed
	c.sendStatus(ctx, call)

	c.notifier.Tell(fmt.Sprintf("CALLSTATUS:%06x:%06x:%d:%d:0:%s:%s:%s:%s",
		call.Local.Session, call.Remote.Session, call.Local.State, call.Remote.State,
		call.Local.SID, call.Remote.SID, call.Local.DID, call.Remote.DID))
}

// sendStatus emits an outbound frame carrying the current combined state
// (plus codecs/DID/audio where applicable) to the remote peer.
func (c *Core) sendStatus(ctx context.Context, call *Call) {
	opts := EncodeOptions{
		IncludeCodecsAndDID: ShouldIncludeCodecsAndDID(call),
		LocalCodecs:         c.localCodecs,
		LocalDID:            call.Local.DID,
		RemoteDID:           call.Remote.DID,
		IncludeAudio:        ShouldIncludeAudio(call),
	}
	payload := EncodeFrame(call, opts)

	frame := mdp.Frame{
		Src: mdp.Endpoint{SID: c.localSID, Port: mdp.MDPPortVomp},
		Dst: mdp.Endpoint{SID: call.Remote.SID, Port: mdp.MDPPortVomp},
		Payload: payload,
	}
	if err := c.dispatcher.Dispatch(ctx, frame); err != nil && c.logger != nil {
		c.logger.Warnf("vomp: dispatch to %s failed: %v", call.Remote.SID, err)
	}
}

func (c *Core) scheduledFor(call *Call) bool {
	return call.handle != 0
}

func (c *Core) destroy(call *Call) {
	c.reactor.Unschedule(call.handle)
	moved, ok := c.Table.Destroy(call)
	if ok && moved != nil {
		c.reactor.Unschedule(moved.handle)
		c.armTick(moved)
	}
}
