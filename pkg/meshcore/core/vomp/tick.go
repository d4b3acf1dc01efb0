package vomp

import (
	"context"
	"fmt"
	"time"

	"github.com/gardners/meshcore/pkg/meshcore/reactor"
)

// tickHandleBase keeps per-call tick handles disjoint from any socket fd
// a Rhizome fetch slot might register on the same reactor, since both
// cores can share one Loop.
const tickHandleBase = 1 << 24

func tickHandle(call *Call) reactor.Handle {
	return reactor.Handle(tickHandleBase + int(call.Local.Session))
}

// armTick schedules call's next periodic status/timeout check.
func (c *Core) armTick(call *Call) {
	call.handle = tickHandle(call)
	c.reactor.Schedule(call.handle, time.Now().Add(StatusInterval), func(h reactor.Handle, ev reactor.Events) {
		c.onTick(call)
	})
}

// onTick implements §4.10: three timeout checks in order, else resend
// status and rearm.
func (c *Core) onTick(call *Call) {
	now := time.Now()
	switch {
	case call.Remote.State < RingingOut && now.Sub(call.CreateTime) > DialTimeout:
		c.timeoutCall(call)
		return
	case call.Local.State < InCall && now.Sub(call.CreateTime) > RingTimeout:
		c.timeoutCall(call)
		return
	case now.Sub(call.LastActivity) > NetworkTimeout:
		c.timeoutCall(call)
		return
	}

	c.sendStatus(context.Background(), call)
	c.notifier.Tell(fmt.Sprintf("KEEPALIVE:%06x", call.Local.Session))
	c.armTick(call)
}

// timeoutCall ends a call that a tick found stale: it advances the local
// half to CALLENDED (emitting HANGUP, same as any other path into that
// state) before destroying the call, so a timed-out dial/ring/network
// gap is indistinguishable downstream from an explicit hangup.
func (c *Core) timeoutCall(call *Call) {
	c.advanceLocalState(call, CallEnded)
	c.destroy(call)
}
