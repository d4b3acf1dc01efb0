package rhizome

import (
	"context"
	"net"
	"time"

	"github.com/gardners/meshcore/pkg/meshcore/types"
)

// Peer is the IPv4 socket address a manifest was advertised from, and
// the address the fetch slot pool later connects to.
type Peer struct {
	IP   net.IP
	Port uint16
}

// Verifier checks a manifest's signature. Expensive, so the candidate
// list defers the call until a manifest would otherwise be admitted
// ("late verification").
type Verifier interface {
	Verify(m types.Manifest) error
}

// SuggestResult is the outcome of offering a manifest to the candidate
// list.
type SuggestResult int

const (
	Accepted SuggestResult = iota
	Redundant
	Rejected
)

// Candidate is a manifest proposed for fetch but not yet slotted into an
// active transfer.
type Candidate struct {
	Manifest types.Manifest
	Peer     Peer
	Size     int64
	Priority int32
}

func less(a, b Candidate) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.Size < b.Size
}

// CandidateList is a bounded priority queue of Candidates kept sorted
// ascending by (priority, size); no two entries ever share a manifest
// id, and suggest's own bound (maxCandidates) is enforced by construction
// rather than checked after the fact.
type CandidateList struct {
	entries      []Candidate
	maxCandidates int
	ignoreTTL    time.Duration

	versions *VersionCache
	ignores  *IgnoreCache
	verifier Verifier
	store    Store

	logger types.Logger
}

// NewCandidateList builds an empty list bounded at max entries.
func NewCandidateList(max int, versions *VersionCache, ignores *IgnoreCache, verifier Verifier, store Store, logger types.Logger) *CandidateList {
	return &CandidateList{
		maxCandidates: max,
		ignoreTTL:     60 * time.Second,
		versions:      versions,
		ignores:       ignores,
		verifier:      verifier,
		store:         store,
		logger:        logger,
	}
}

// Len reports how many candidates are currently queued.
func (l *CandidateList) Len() int { return len(l.entries) }

// At returns the candidate at position i (0 is the highest-urgency
// entry), for promotion by the orchestrator.
func (l *CandidateList) At(i int) Candidate { return l.entries[i] }

// RemoveAt drops the entry at i, compacting the list.
func (l *CandidateList) RemoveAt(i int) {
	l.entries = append(l.entries[:i], l.entries[i+1:]...)
}

func bundleIDBytes(m types.Manifest) ([32]byte, bool) {
	var out [32]byte
	b, err := m.PublicKey()
	if err != nil || len(b) != 32 {
		return out, false
	}
	copy(out[:], b)
	return out, true
}

// Suggest offers a manifest+peer pair for admission, implementing the
// §4.3 procedure: version cache check, dedup-by-id with late
// verification, bounded insertion sort.
func (l *CandidateList) Suggest(ctx context.Context, m types.Manifest, peer Peer, size int64, priority int32) SuggestResult {
	decision, err := l.versions.Lookup(ctx, l.store, m)
	if err != nil {
		return Rejected
	}
	if decision != AbsentOrOlder {
		return Redundant
	}

	for i, existing := range l.entries {
		if existing.Manifest.ID == m.ID {
			if existing.Manifest.Version >= m.Version {
				return Redundant
			}
			if err := l.lateVerify(m, peer); err != nil {
				return Rejected
			}
			updated := Candidate{Manifest: m, Peer: peer, Size: size, Priority: priority}
			l.entries[i] = updated
			l.resort(i)
			return Accepted
		}
	}

	candidate := Candidate{Manifest: m, Peer: peer, Size: size, Priority: priority}
	pos := l.insertionPoint(candidate)
	if pos >= l.maxCandidates {
		return Rejected
	}

	if err := l.lateVerify(m, peer); err != nil {
		return Rejected
	}

	if len(l.entries) >= l.maxCandidates {
		l.entries = l.entries[:len(l.entries)-1]
	}
	l.entries = append(l.entries, Candidate{})
	copy(l.entries[pos+1:], l.entries[pos:len(l.entries)-1])
	l.entries[pos] = candidate
	return Accepted
}

func (l *CandidateList) lateVerify(m types.Manifest, peer Peer) error {
	if err := l.verifier.Verify(m); err != nil {
		if bid, ok := bundleIDBytes(m); ok {
			l.ignores.MarkIgnored(bid, peer.IP, peer.Port, l.ignoreTTL)
		}
		if l.logger != nil {
			l.logger.Debugf("candidate %s failed late verification: %v", m.ID, err)
		}
		return err
	}
	return nil
}

// insertionPoint finds where c belongs by (priority, size), a clean
// stable insertion sort in place of the original's inconsistent swap
// logic.
func (l *CandidateList) insertionPoint(c Candidate) int {
	lo, hi := 0, len(l.entries)
	for lo < hi {
		mid := (lo + hi) / 2
		if less(c, l.entries[mid]) {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	return lo
}

// resort moves the entry at index i to its correctly sorted position
// after an in-place update, used when an existing candidate's manifest
// is replaced with a newer version.
func (l *CandidateList) resort(i int) {
	c := l.entries[i]
	l.entries = append(l.entries[:i], l.entries[i+1:]...)
	pos := l.insertionPoint(c)
	l.entries = append(l.entries, Candidate{})
	copy(l.entries[pos+1:], l.entries[pos:len(l.entries)-1])
	l.entries[pos] = c
}
