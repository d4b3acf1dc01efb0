package meshcore

import (
	"context"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/gardners/meshcore/internal/testutil"
	"github.com/gardners/meshcore/pkg/meshcore/definition"
	"github.com/gardners/meshcore/pkg/meshcore/types"
)

// noopImporter satisfies rhizome.Importer without touching a store; the
// promotion timer in this test never has a candidate to promote, so
// Import is never actually called, but the collaborator must still be
// supplied.
type noopImporter struct{}

func (noopImporter) Import(ctx context.Context, m types.Manifest, ttl int) error { return nil }

// TestNode_RunShutdown_LeavesNoGoroutines exercises a full Node
// lifecycle — both cores wired to a real epoll Loop, the promotion
// timer armed, the frame pump running — and checks that Shutdown leaves
// nothing behind, the same shutdown-then-verify shape the cluster tests
// used before this module had its own run loop to check.
func TestNode_RunShutdown_LeavesNoGoroutines(t *testing.T) {
	defer goleak.VerifyNone(t)

	var sid types.SID
	sid[0] = 0x42

	cfg := DefaultConfig(sid)
	cfg.Logger = definition.NewLogrusLogger(nil, nil)

	dispatcher := testutil.NewLoopbackDispatcher()
	node, err := New(cfg, Collaborators{
		Store:              testutil.NewMemStore(),
		Verifier:           testutil.AlwaysValidVerifier{},
		Importer:           noopImporter{},
		Dispatcher:         dispatcher,
		Notifier:           testutil.NewRecordingNotifier(),
		HasMonitorListener: func() bool { return true },
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	runErr := make(chan error, 1)
	go func() {
		runErr <- node.Run(dispatcher)
	}()

	// Give the reactor goroutine a moment to actually enter epoll_wait
	// before asking it to stop, so Shutdown exercises the real wake-pipe
	// path rather than racing Run's setup.
	time.Sleep(20 * time.Millisecond)

	node.Shutdown()
	// A second Shutdown must be a harmless no-op.
	node.Shutdown()

	select {
	case err := <-runErr:
		if err != nil {
			t.Fatalf("Run returned an error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not return after Shutdown")
	}
}
