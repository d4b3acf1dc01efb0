package rhizome

import (
	"context"
	"time"

	"github.com/gardners/meshcore/pkg/meshcore/reactor"
	"github.com/gardners/meshcore/pkg/meshcore/types"
)

const enqueueInterval = 3000 * time.Millisecond

// enqueueHandle is the fixed reactor handle the periodic promotion timer
// is scheduled under; it shares no fd with any socket.
const enqueueHandle reactor.Handle = -1

// Core is the Rhizome content synchronization engine: it owns the
// version cache, ignore cache, candidate list and fetch slot pool, and
// is the single entry point peer advertisements and periodic promotion
// flow through.
type Core struct {
	Versions   *VersionCache
	Ignores    *IgnoreCache
	Candidates *CandidateList
	Slots      *Pool

	reactor reactor.Reactor
	logger  types.Logger
	defaultTTL int
}

// NewCore wires the five Rhizome components together behind the reactor
// that will drive them.
func NewCore(versions *VersionCache, ignores *IgnoreCache, candidates *CandidateList, slots *Pool, rx reactor.Reactor, logger types.Logger) *Core {
	return &Core{
		Versions:   versions,
		Ignores:    ignores,
		Candidates: candidates,
		Slots:      slots,
		reactor:    rx,
		logger:     logger,
		defaultTTL: 1,
	}
}

// Advertise handles a peer's advertised manifest: ignore-cache check,
// then candidate-list admission.
func (c *Core) Advertise(ctx context.Context, m types.Manifest, peer Peer, size int64, priority int32) SuggestResult {
	if bid, ok := bundleIDBytes(m); ok && c.Ignores.IsIgnored(bid) {
		return Redundant
	}
	return c.Candidates.Suggest(ctx, m, peer, size, priority)
}

// StartPromotionTimer arms the periodic enqueue_suggestions task.
func (c *Core) StartPromotionTimer() error {
	return c.reactor.Schedule(enqueueHandle, time.Now().Add(enqueueInterval), c.onEnqueueTick)
}

func (c *Core) onEnqueueTick(reactor.Handle, reactor.Events) {
	c.EnqueueSuggestions(context.Background())
	c.reactor.Schedule(enqueueHandle, time.Now().Add(enqueueInterval), c.onEnqueueTick)
}

// EnqueueSuggestions promotes the highest-ranked candidates into free
// slots while both remain available, per §4.4.
func (c *Core) EnqueueSuggestions(ctx context.Context) {
	for c.Slots.Count() < c.Slots.maxSlots && c.Candidates.Len() > 0 {
		candidate := c.Candidates.At(0)
		result, err := c.Slots.QueueManifestImport(ctx, candidate.Manifest, candidate.Peer, c.defaultTTL)
		if err != nil && c.logger != nil {
			c.logger.Debugf("rhizome: promotion of %s failed: %v", candidate.Manifest.ID, err)
		}
		if result == ImportRejected {
			// Admission failed for a reason other than "slots full"
			// (the loop condition already covers that) — drop this
			// candidate rather than spin on it forever.
			c.Candidates.RemoveAt(0)
			continue
		}
		c.Candidates.RemoveAt(0)
	}
}
