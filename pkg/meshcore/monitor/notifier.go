package monitor

import (
	"fmt"
	"net"
	"sync"
)

// Notifier is the monitor-socket surface both cores emit status lines
// and audio packets to. The monitor socket's own command grammar for
// inbound client commands (DIAL/RING/PICKUP/HANGUP) is consumed the
// other direction, by the VoMP core's command handlers — Notifier only
// covers the emit side.
type Notifier interface {
	// Tell writes a single newline-terminated status line to every
	// connected client.
	Tell(line string)

	// TellAudio writes a binary-safe AUDIOPACKET frame:
	// *<N>:AUDIOPACKET:<session>:<codec>:<start>:<end>\n<N bytes>\n
	TellAudio(session uint32, codec byte, start, end uint32, payload []byte)
}

// Broadcaster is the default Notifier: it fans every line out to a set
// of connected net.Conn clients, dropping any client whose write fails.
// No write deadline is set, so a client whose write blocks holds up the
// broadcast rather than being dropped.
type Broadcaster struct {
	mu      sync.Mutex
	clients map[net.Conn]struct{}
}

// NewBroadcaster creates an empty Broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{clients: make(map[net.Conn]struct{})}
}

// Add registers a client connection to receive future notifications.
func (b *Broadcaster) Add(conn net.Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clients[conn] = struct{}{}
}

// Remove unregisters a client, e.g. after it disconnects.
func (b *Broadcaster) Remove(conn net.Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.clients, conn)
}

func (b *Broadcaster) broadcast(data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.clients {
		if _, err := c.Write(data); err != nil {
			delete(b.clients, c)
		}
	}
}

func (b *Broadcaster) Tell(line string) {
	if len(line) == 0 || line[len(line)-1] != '\n' {
		line += "\n"
	}
	b.broadcast([]byte(line))
}

func (b *Broadcaster) TellAudio(session uint32, codec byte, start, end uint32, payload []byte) {
	header := fmt.Sprintf("*%d:AUDIOPACKET:%x:%d:%d:%d\n", len(payload), session, codec, start, end)
	buf := make([]byte, 0, len(header)+len(payload)+1)
	buf = append(buf, header...)
	buf = append(buf, payload...)
	buf = append(buf, '\n')
	b.broadcast(buf)
}

// NoopNotifier discards everything; used when no monitor listener is
// registered. The VoMP state machine's "force CALLENDED if no listener"
// rule does not look at the notifier: it asks the separate
// Collaborators.HasMonitorListener callback.
type NoopNotifier struct{}

func (NoopNotifier) Tell(string)                                {}
func (NoopNotifier) TellAudio(uint32, byte, uint32, uint32, []byte) {}
