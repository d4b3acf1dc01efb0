package meshcore

import (
	"context"
	"sync"
	"time"

	"github.com/gardners/meshcore/pkg/meshcore/core/rhizome"
	"github.com/gardners/meshcore/pkg/meshcore/core/vomp"
	"github.com/gardners/meshcore/pkg/meshcore/mdp"
	"github.com/gardners/meshcore/pkg/meshcore/monitor"
	"github.com/gardners/meshcore/pkg/meshcore/reactor"
	"github.com/gardners/meshcore/pkg/meshcore/types"
)

// Config holds the node-wide settings both cores are built from. There
// is no external config-parsing library here: a program embedding this
// module builds a Config itself and passes it to New, the same way the
// CLI/config layers are named out-of-scope collaborators.
type Config struct {
	LocalSID  types.SID
	LocalCodecs []types.Codec

	ImportDir        string
	RhizomeHTTPPort  uint16
	RhizomeIdleTimeout time.Duration
	MaxCandidates    int
	MaxQueuedFiles   int

	Logger types.Logger
}

// DefaultConfig returns a Config with the fixed constants named in the
// external interface section filled in. The collaborators (Store,
// Verifier, Dispatcher, Notifier) are not part of Config; they are passed
// to New separately as Collaborators.
func DefaultConfig(localSID types.SID) *Config {
	return &Config{
		LocalSID:           localSID,
		LocalCodecs:        []types.Codec{types.CodecCodec2_1400, types.CodecPCM, types.Codec8ULaw, types.CodecDTMF},
		ImportDir:          ".",
		RhizomeHTTPPort:    4110,
		RhizomeIdleTimeout: 30 * time.Second,
		MaxCandidates:      32,
		MaxQueuedFiles:     4,
	}
}

// poweroff mirrors the teacher's shutdown-once pattern: a channel closed
// exactly once, guarded so concurrent Shutdown calls are harmless.
type poweroff struct {
	shutdown bool
	ch       chan struct{}
	mutex    *sync.Mutex
}

// Node wires Core A (Rhizome) and Core B (VoMP) to a single reactor loop
// and their shared collaborators (store, verifier, dispatcher, notifier,
// logger). It is the "single owner object" §9 calls for, avoiding true
// globals so multiple Nodes can run in-process for testing.
type Node struct {
	Rhizome *rhizome.Core
	VoMP    *vomp.Core

	reactor *reactor.Loop
	off     poweroff
	wg      *sync.WaitGroup
}

// Collaborators bundles the external-system adapters a Node needs: the
// SQL-backed store, signature verifier, MDP dispatcher, monitor
// notifier and the bundle_import hook. Each is specified in spec only by
// the interface it satisfies; concrete defaults live in
// pkg/meshcore/definition and pkg/meshcore/mdp.
type Collaborators struct {
	Store      rhizome.Store
	Verifier   rhizome.Verifier
	Importer   rhizome.Importer
	Dispatcher mdp.Dispatcher
	Notifier   monitor.Notifier

	// HasMonitorListener reports whether a monitor client is currently
	// connected; VoMP forces CALLENDED on inbound frames when false.
	HasMonitorListener func() bool
}

// New builds a Node from cfg and its collaborators, wiring both cores to
// a fresh epoll Loop.
func New(cfg *Config, collab Collaborators) (*Node, error) {
	loop, err := reactor.NewLoop()
	if err != nil {
		return nil, err
	}

	versions := rhizome.NewVersionCache()
	ignores := rhizome.NewIgnoreCache()
	candidates := rhizome.NewCandidateList(cfg.MaxCandidates, versions, ignores, collab.Verifier, collab.Store, cfg.Logger)
	slots := rhizome.NewPool(cfg.MaxQueuedFiles, cfg.ImportDir, cfg.RhizomeHTTPPort, cfg.RhizomeIdleTimeout, loop, versions, collab.Store, collab.Importer, cfg.Logger)
	rz := rhizome.NewCore(versions, ignores, candidates, slots, loop, cfg.Logger)

	vm := vomp.NewCore(cfg.LocalSID, mdp.MDPPortVomp, cfg.LocalCodecs, loop, collab.Dispatcher, collab.Notifier, collab.HasMonitorListener, cfg.Logger)

	return &Node{
		Rhizome: rz,
		VoMP:    vm,
		reactor: loop,
		off: poweroff{
			ch:    make(chan struct{}),
			mutex: &sync.Mutex{},
		},
		wg: &sync.WaitGroup{},
	}, nil
}

// Run starts the reactor loop and the Rhizome promotion timer, and the
// MDP ingress pump that feeds inbound frames to the VoMP core. It
// returns once Shutdown is called or the reactor loop exits on its own
// error.
func (n *Node) Run(dispatcher mdp.Dispatcher) error {
	if err := n.Rhizome.StartPromotionTimer(); err != nil {
		return err
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.pumpFrames(dispatcher)
	}()

	return n.reactor.Run()
}

func (n *Node) pumpFrames(dispatcher mdp.Dispatcher) {
	for {
		select {
		case frame, ok := <-dispatcher.Frames():
			if !ok {
				return
			}
			n.VoMP.HandleFrame(context.Background(), frame)
		case <-n.off.ch:
			return
		}
	}
}

// Shutdown stops the reactor loop and waits for the frame pump to exit.
func (n *Node) Shutdown() {
	n.off.mutex.Lock()
	defer n.off.mutex.Unlock()
	if n.off.shutdown {
		return
	}
	n.off.shutdown = true
	close(n.off.ch)
	n.reactor.Stop()
	n.wg.Wait()
	n.reactor.Close()
}
