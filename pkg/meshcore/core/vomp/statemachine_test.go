package vomp

import (
	"context"
	"testing"
	"time"

	"github.com/gardners/meshcore/internal/testutil"
	"github.com/gardners/meshcore/pkg/meshcore/mdp"
	"github.com/gardners/meshcore/pkg/meshcore/types"
)

// wireCall delivers one Core's next outbound frame straight into the
// other Core's HandleFrame, as if it had crossed the network instantly.
// The fake dispatchers never actually forward; the test plays postman.
type relayDispatcher struct {
	peer *Core
	ctx  context.Context
	src  mdp.Endpoint
}

func (d *relayDispatcher) Dispatch(ctx context.Context, frame mdp.Frame) error {
	return d.peer.HandleFrame(d.ctx, frame)
}

func (d *relayDispatcher) Frames() <-chan mdp.Frame { return nil }

func newLinkedCores(t *testing.T) (caller, callee *Core, callerNotify, calleeNotify *testutil.RecordingNotifier) {
	t.Helper()
	callerSID, calleeSID := sidFor(1), sidFor(2)
	callerNotify = testutil.NewRecordingNotifier()
	calleeNotify = testutil.NewRecordingNotifier()

	caller = NewCore(callerSID, mdp.MDPPortVomp, []types.Codec{types.CodecCodec2_1400}, testutil.NewFakeReactor(), nil, callerNotify, func() bool { return true }, nil)
	callee = NewCore(calleeSID, mdp.MDPPortVomp, []types.Codec{types.CodecCodec2_1400}, testutil.NewFakeReactor(), nil, calleeNotify, func() bool { return true }, nil)

	ctx := context.Background()
	// Each side's dispatcher relays straight into the other's HandleFrame,
	// so calling Dial/Ring/Pickup/Hangup drives the whole exchange
	// synchronously without a real transport.
	callerDispatch := &relayDispatcher{peer: callee, ctx: ctx}
	calleeDispatch := &relayDispatcher{peer: caller, ctx: ctx}
	setDispatcher(caller, callerDispatch)
	setDispatcher(callee, calleeDispatch)
	return caller, callee, callerNotify, calleeNotify
}

// setDispatcher pokes the unexported dispatcher field; this test lives in
// the same package so it can reach straight in rather than widen Core's
// exported surface just for tests.
func setDispatcher(c *Core, d mdp.Dispatcher) {
	c.dispatcher = d
}

func TestCallLifecycle_DialRingPickupHangup(t *testing.T) {
	caller, callee, callerNotify, calleeNotify := newLinkedCores(t)
	ctx := context.Background()

	call, err := caller.Dial(ctx, caller.localSID, callee.localSID, "100", "200")
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}

	calleeCall := callee.findBySession(call.Local.Session)
	if calleeCall == nil {
		// The callee learns of the call only from the relayed frame its
		// FindOrCreate allocated a fresh session for; look it up by SID
		// pair instead of the caller's own session id.
		for i := 0; i < callee.Table.Count(); i++ {
			if c := callee.Table.At(i); c.Remote.SID == caller.localSID {
				calleeCall = c
				break
			}
		}
	}
	if calleeCall == nil {
		t.Fatalf("callee never learned of the dialed call")
	}

	if err := callee.Ring(ctx, calleeCall.Local.Session); err != nil {
		t.Fatalf("ring failed: %v", err)
	}
	if err := callee.Pickup(ctx, calleeCall.Local.Session); err != nil {
		t.Fatalf("pickup failed: %v", err)
	}

	if calleeCall.Local.State != InCall {
		t.Fatalf("callee should be INCALL after pickup, got %d", calleeCall.Local.State)
	}
	if call.Remote.State != InCall {
		t.Fatalf("caller should observe callee as INCALL once answered, got %d", call.Remote.State)
	}

	if err := caller.Hangup(ctx, call.Local.Session); err != nil {
		t.Fatalf("hangup failed: %v", err)
	}
	if call.Local.State != CallEnded {
		t.Fatalf("caller local state should be CALLENDED after hangup")
	}

	foundHangup := false
	for _, line := range callerNotify.Lines {
		if len(line) >= 7 && line[:7] == "HANGUP:" {
			foundHangup = true
		}
	}
	if !foundHangup {
		t.Fatalf("expected a HANGUP monitor line on the caller side, got %v", callerNotify.Lines)
	}
	_ = calleeNotify
}

func TestRing_RejectsUnknownSession(t *testing.T) {
	caller, callee, _, _ := newLinkedCores(t)
	ctx := context.Background()

	call, err := caller.Dial(ctx, caller.localSID, callee.localSID, "100", "200")
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}

	// A core that took no part in the dialed exchange has no call with
	// that session: Ring against it must fail with ErrNoSession.
	freshCallee := NewCore(sidFor(9), mdp.MDPPortVomp, nil, testutil.NewFakeReactor(), nil, testutil.NewRecordingNotifier(), func() bool { return true }, nil)
	if err := freshCallee.Ring(ctx, call.Local.Session); err != types.ErrNoSession {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
}

func TestOnTick_DestroysCallAfterDialTimeout(t *testing.T) {
	reactor := testutil.NewFakeReactor()
	notifier := testutil.NewRecordingNotifier()
	core := NewCore(sidFor(1), mdp.MDPPortVomp, nil, reactor, nil, notifier, func() bool { return true }, nil)

	call, err := core.Table.FindOrCreate(sidFor(2), sidFor(1), 0, 0, CallPrep, CallPrep, false, false)
	if err != nil || call == nil {
		t.Fatalf("expected a new call, err=%v", err)
	}
	call.CreateTime = time.Now().Add(-(DialTimeout + time.Second))
	call.LastActivity = time.Now()

	core.onTick(call)

	if core.Table.Count() != 0 {
		t.Fatalf("expected the stale CALLPREP call to be destroyed, table still has %d", core.Table.Count())
	}

	foundHangup := false
	for _, line := range notifier.Lines {
		if len(line) >= 7 && line[:7] == "HANGUP:" {
			foundHangup = true
		}
	}
	if !foundHangup {
		t.Fatalf("expected a HANGUP monitor line on dial timeout, got %v", notifier.Lines)
	}
}

func TestProcessAudio_DedupesRepeatedEndTime(t *testing.T) {
	notifier := testutil.NewRecordingNotifier()
	core := NewCore(sidFor(1), mdp.MDPPortVomp, nil, testutil.NewFakeReactor(), nil, notifier, func() bool { return true }, nil)
	call := &Call{Local: Half{State: InCall}, Remote: Half{State: InCall}}
	for i := range call.SeenSamples {
		call.SeenSamples[i] = 0xFFFFFFFF
	}

	decoded := &DecodedFrame{
		Samples: []SampleGroup{{Codec: types.CodecCodec2_1400, EndTime: 1000, Bytes: []byte{1, 2, 3}}},
	}

	core.processAudio(call, decoded)
	core.processAudio(call, decoded)

	count := 0
	for _, line := range notifier.Lines {
		if line == "AUDIOPACKET" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected the repeated end-time sample to be suppressed, got %d deliveries", count)
	}
}
