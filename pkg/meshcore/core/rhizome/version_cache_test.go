package rhizome

import (
	"context"
	"strings"
	"testing"

	"github.com/gardners/meshcore/internal/testutil"
	"github.com/gardners/meshcore/pkg/meshcore/types"
)

func testManifest(id string, version uint64) types.Manifest {
	return types.Manifest{ID: id, Version: version, Filesize: 0, Filehash: id}
}

var sampleID = "AA" + strings.Repeat("0", 62)

func TestVersionCache_AbsentIsAbsentOrOlder(t *testing.T) {
	store := testutil.NewMemStore()
	cache := NewVersionCache()

	m := testManifest(sampleID, 5)
	decision, err := cache.Lookup(context.Background(), store, m)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision != AbsentOrOlder {
		t.Fatalf("expected AbsentOrOlder, got %v", decision)
	}
}

func TestVersionCache_StoreInsertThenLookupReflectsNewerVersion(t *testing.T) {
	store := testutil.NewMemStore()
	store.SetVersion(sampleID, 5)
	cache := NewVersionCache()

	// First lookup falls through to the store and should insert into
	// the in-memory table.
	decision, err := cache.Lookup(context.Background(), store, testManifest(sampleID, 5))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision != HaveNewerOrSame {
		t.Fatalf("expected HaveNewerOrSame, got %v", decision)
	}

	// Offering a strictly greater version should be AbsentOrOlder: the
	// offered manifest is newer than anything known.
	decision, err = cache.Lookup(context.Background(), store, testManifest(sampleID, 9))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision != AbsentOrOlder {
		t.Fatalf("expected AbsentOrOlder for a newer offer, got %v", decision)
	}
}

func TestVersionCache_StoredStrictlyNewerIsReported(t *testing.T) {
	store := testutil.NewMemStore()
	store.SetVersion(sampleID, 10)
	cache := NewVersionCache()

	decision, err := cache.Lookup(context.Background(), store, testManifest(sampleID, 3))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision != HaveStrictlyNewer {
		t.Fatalf("expected HaveStrictlyNewer, got %v", decision)
	}
}
