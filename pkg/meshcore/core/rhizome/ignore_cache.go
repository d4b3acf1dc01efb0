package rhizome

import (
	"math/rand/v2"
	"net"
	"time"
)

const (
	ignoreCacheBins = 64
	ignoreCacheWays = 8
)

type ignoreEntry struct {
	used    bool
	bid     [32]byte
	peer    [4]byte
	port    uint16
	timeout time.Time
}

// IgnoreCache is a time-bounded reject list of (bundle-id, peer) pairs
// that recently failed verification, consulted before a manifest is
// re-admitted to the candidate list.
type IgnoreCache struct {
	bins [ignoreCacheBins][ignoreCacheWays]ignoreEntry

	now func() time.Time
}

// NewIgnoreCache returns an empty cache using the real clock.
func NewIgnoreCache() *IgnoreCache {
	return &IgnoreCache{now: time.Now}
}

func ignoreBin(bidFirstByte byte) int {
	return int(bidFirstByte >> 2)
}

// IsIgnored reports whether bundleID has an unexpired ignore entry.
// Expired matches return false but are not eagerly cleaned; the slot
// stays until a later MarkIgnored in that bin overwrites it (for the same
// id, or by landing on that way at random).
func (c *IgnoreCache) IsIgnored(bundleID [32]byte) bool {
	bin := ignoreBin(bundleID[0])
	now := c.now()
	for _, e := range c.bins[bin] {
		if e.used && e.bid == bundleID && now.Before(e.timeout) {
			return true
		}
	}
	return false
}

// MarkIgnored records that bundleID from peer should be rejected for
// ttl. It reuses an existing entry for the same id if present, else a
// random way in the bin.
func (c *IgnoreCache) MarkIgnored(bundleID [32]byte, peer net.IP, port uint16, ttl time.Duration) {
	bin := ignoreBin(bundleID[0])
	way := -1
	for i, e := range c.bins[bin] {
		if e.used && e.bid == bundleID {
			way = i
			break
		}
	}
	if way == -1 {
		way = rand.IntN(ignoreCacheWays)
	}

	var peerBytes [4]byte
	if v4 := peer.To4(); v4 != nil {
		copy(peerBytes[:], v4)
	}

	c.bins[bin][way] = ignoreEntry{
		used:    true,
		bid:     bundleID,
		peer:    peerBytes,
		port:    port,
		timeout: c.now().Add(ttl),
	}
}
