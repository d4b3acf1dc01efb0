package rhizome

import (
	"context"
	"math/rand/v2"

	"github.com/gardners/meshcore/pkg/meshcore/types"
)

// Decision is the outcome of consulting the version cache/store for a
// manifest's offered version against what is already known.
type Decision int

const (
	// AbsentOrOlder means the offered manifest should proceed.
	AbsentOrOlder Decision = iota
	// HaveNewerOrSame means the offered manifest is redundant.
	HaveNewerOrSame
	// HaveStrictlyNewer means what is stored is ahead of the peer; the
	// caller MAY surface "peer is stale" upstream.
	HaveStrictlyNewer
)

const (
	versionCacheBins = 128
	versionCacheWays = 16
)

type versionSlot struct {
	used     bool
	idPrefix [24]byte
	version  uint64
}

// VersionCache is the set-associative in-memory accelerator of "do I
// already have this or newer?" in front of the authoritative store
// lookup. It is never persisted and is empty again after a restart.
type VersionCache struct {
	bins [versionCacheBins][versionCacheWays]versionSlot
}

// NewVersionCache returns an empty cache.
func NewVersionCache() *VersionCache {
	return &VersionCache{}
}

func versionBin(idBytes []byte) int {
	// Top two hex nybbles of the id shifted right by one bit: the first
	// byte of the decoded id, >> 1, giving 128 distinct bins.
	return int(idBytes[0] >> 1)
}

func prefixOf(idBytes []byte) [24]byte {
	var p [24]byte
	copy(p[:], idBytes)
	return p
}

// lookupCache scans the bin for idBytes' prefix and returns the cached
// version and whether it was found, without touching the store.
func (c *VersionCache) lookupCache(idBytes []byte) (uint64, bool) {
	bin := versionBin(idBytes)
	prefix := prefixOf(idBytes)
	for _, way := range c.bins[bin] {
		if way.used && way.idPrefix == prefix {
			return way.version, true
		}
	}
	return 0, false
}

// Store unconditionally writes the manifest's id prefix and version into
// a randomly-chosen way of its bin.
func (c *VersionCache) Store(m types.Manifest) {
	idBytes, err := m.PublicKey()
	if err != nil || len(idBytes) < 24 {
		return
	}
	bin := versionBin(idBytes)
	way := rand.IntN(versionCacheWays)
	c.bins[bin][way] = versionSlot{
		used:     true,
		idPrefix: prefixOf(idBytes),
		version:  m.Version,
	}
}

// Store is the storage-side counterpart of Lookup's fall-through: the
// interface the authoritative SQL store must satisfy.
type Store interface {
	// ExecInt64 runs a single-row-single-column query and reports the
	// value, how many rows matched (0 or 1 for the queries this core
	// issues), and any error. It mirrors exec_int64(&out, sql, args...).
	ExecInt64(ctx context.Context, query string, args ...interface{}) (value int64, rows int, err error)
}

// Lookup implements the documented two-tier design: consult the
// in-memory table first; on a hit, trust it. On a miss, fall through to
// the store (the authoritative decision) and insert the observed version
// into the cache.
func (c *VersionCache) Lookup(ctx context.Context, store Store, m types.Manifest) (Decision, error) {
	idBytes, err := m.PublicKey()
	if err != nil {
		return AbsentOrOlder, types.ErrManifestIDMalformed
	}

	if len(idBytes) >= 24 {
		if cached, ok := c.lookupCache(idBytes); ok {
			return compareVersions(cached, m.Version), nil
		}
	}

	stored, rows, err := store.ExecInt64(ctx, "SELECT version FROM manifests WHERE id=?", m.ID)
	if err != nil {
		return AbsentOrOlder, types.ErrStoreUnavailable
	}
	if rows == 0 {
		return AbsentOrOlder, nil
	}

	c.insertObserved(idBytes, uint64(stored))
	return compareVersions(uint64(stored), m.Version), nil
}

func (c *VersionCache) insertObserved(idBytes []byte, version uint64) {
	bin := versionBin(idBytes)
	way := rand.IntN(versionCacheWays)
	c.bins[bin][way] = versionSlot{
		used:     true,
		idPrefix: prefixOf(idBytes),
		version:  version,
	}
}

func compareVersions(stored, offered uint64) Decision {
	switch {
	case stored > offered:
		return HaveStrictlyNewer
	case stored == offered:
		return HaveNewerOrSame
	default:
		return AbsentOrOlder
	}
}
