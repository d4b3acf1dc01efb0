package mdp

import (
	"context"
	"net"

	"github.com/gardners/meshcore/pkg/meshcore/types"
)

// MDPPortVomp is the well-known MDP port VoMP frames are addressed to.
const MDPPortVomp = 2049

// Endpoint is an MDP (SID, port) pair.
type Endpoint struct {
	SID  types.SID
	Port uint16
}

// Frame is an authenticated datagram exchanged over MDP. NoCrypt/NoSign
// mirror the MDP_NOCRYPT/MDP_NOSIGN wire flags; the VoMP core rejects any
// frame carrying either.
type Frame struct {
	Src     Endpoint
	Dst     Endpoint
	Payload []byte
	NoCrypt bool
	NoSign  bool
}

// Dispatcher is the MDP transport surface the VoMP core consumes. The
// real MDP stack (SID resolution, authentication, multi-hop delivery) is
// an external collaborator; this interface is its entire footprint here.
type Dispatcher interface {
	// Dispatch sends frame fire-and-forget; delivery is not
	// acknowledged at this layer.
	Dispatch(ctx context.Context, frame Frame) error

	// Frames returns the channel inbound frames for this dispatcher's
	// own SID arrive on.
	Frames() <-chan Frame
}

// UDPDispatcher is a minimal default Dispatcher for development and
// tests: it maps an Endpoint's SID directly onto a UDP peer address,
// which is obviously not real MDP routing — MDP's SID resolution and
// authentication are explicitly out of scope collaborators, so this
// default only needs to exercise the Dispatcher contract, not replace
// MDP.
type UDPDispatcher struct {
	conn   *net.UDPConn
	local  Endpoint
	peers  map[types.SID]*net.UDPAddr
	frames chan Frame
}

// NewUDPDispatcher binds a UDP socket at addr for local and starts
// reading inbound datagrams into Frames().
func NewUDPDispatcher(local Endpoint, addr string, peers map[types.SID]*net.UDPAddr) (*UDPDispatcher, error) {
	udpAddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp4", udpAddr)
	if err != nil {
		return nil, err
	}
	d := &UDPDispatcher{
		conn:   conn,
		local:  local,
		peers:  peers,
		frames: make(chan Frame, 64),
	}
	go d.readLoop()
	return d, nil
}

func (d *UDPDispatcher) readLoop() {
	buf := make([]byte, 2048)
	for {
		n, _, err := d.conn.ReadFromUDP(buf)
		if err != nil {
			close(d.frames)
			return
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])
		d.frames <- Frame{Dst: d.local, Payload: payload}
	}
}

func (d *UDPDispatcher) Dispatch(ctx context.Context, frame Frame) error {
	addr, ok := d.peers[frame.Dst.SID]
	if !ok {
		return net.InvalidAddrError("unknown peer SID")
	}
	_, err := d.conn.WriteToUDP(frame.Payload, addr)
	return err
}

func (d *UDPDispatcher) Frames() <-chan Frame {
	return d.frames
}

// Close releases the underlying socket.
func (d *UDPDispatcher) Close() error {
	return d.conn.Close()
}
