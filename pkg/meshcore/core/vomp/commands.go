package vomp

import (
	"context"
	"fmt"
	"time"

	"github.com/gardners/meshcore/pkg/meshcore/types"
)

// Dial allocates a new call and begins dialing remoteSID, per §4.8's
// client command contract.
func (c *Core) Dial(ctx context.Context, localSID, remoteSID types.SID, localDID, remoteDID types.DID) (*Call, error) {
	call, err := c.Table.FindOrCreate(remoteSID, localSID, 0, 0, CallPrep, CallPrep, false, false)
	if err != nil {
		return nil, err
	}
	if call == nil {
		return nil, types.ErrCallTableFull
	}
	call.InitiatedCall = true
	call.Local.DID = localDID
	call.Remote.DID = remoteDID
	call.Local.State = CallPrep
	c.armTick(call)
	c.notifier.Tell(fmt.Sprintf("CALLTO:%06x:%s:%s:%s:%s", call.Local.Session, call.Local.SID, call.Local.DID, call.Remote.SID, call.Remote.DID))
	c.maybeSendStatus(ctx, call)
	return call, nil
}

func (c *Core) findBySession(session types.Session) *Call {
	for i := 0; i < c.Table.Count(); i++ {
		if call := c.Table.At(i); call.Local.Session == session {
			return call
		}
	}
	return nil
}

// Ring advances a call's local state to RINGINGIN, the callee
// acknowledging an inbound ring before the user picks up. Requires the
// call was not locally initiated, is still below RINGINGIN, and the
// remote side is RINGINGOUT.
func (c *Core) Ring(ctx context.Context, session types.Session) error {
	call := c.findBySession(session)
	if call == nil {
		return types.ErrNoSession
	}
	if call.InitiatedCall || call.Local.State >= RingingIn || call.Remote.State != RingingOut {
		return types.ErrIllegalCommand
	}
	call.Local.State = RingingIn
	c.maybeSendStatus(ctx, call)
	return nil
}

// Pickup answers a ringing call: requires local ≤ RINGINGIN and remote
// == RINGINGOUT; advances local to INCALL and resets CreateTime.
func (c *Core) Pickup(ctx context.Context, session types.Session) error {
	call := c.findBySession(session)
	if call == nil {
		return types.ErrNoSession
	}
	if call.Local.State > RingingIn || call.Remote.State != RingingOut {
		return types.ErrIllegalCommand
	}
	call.Local.State = InCall
	call.CreateTime = time.Now()
	c.maybeSendStatus(ctx, call)
	return nil
}

// Hangup ends a call unconditionally: stops audio if the call was
// INCALL, and advances local to CALLENDED.
func (c *Core) Hangup(ctx context.Context, session types.Session) error {
	call := c.findBySession(session)
	if call == nil {
		return types.ErrNoSession
	}
	if call.Local.State == InCall {
		c.stopAudio(call)
	}
	call.Local.State = CallEnded
	c.notifier.Tell(fmt.Sprintf("HANGUP:%06x", call.Local.Session))
	c.maybeSendStatus(ctx, call)
	if call.Remote.State == CallEnded {
		c.destroy(call)
	}
	return nil
}
