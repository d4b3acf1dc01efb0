// Package testutil holds fakes shared across the meshcore test suites:
// an in-memory Store, a no-op Verifier, a synchronous fake Reactor, and
// a loopback MDP Dispatcher.
package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/gardners/meshcore/pkg/meshcore/mdp"
	"github.com/gardners/meshcore/pkg/meshcore/reactor"
	"github.com/gardners/meshcore/pkg/meshcore/types"
)

// MemStore is an in-memory rhizome.Store/vomp Store stand-in, enough to
// drive version-cache and fetch-admission tests without sqlite.
type MemStore struct {
	mu        sync.Mutex
	versions  map[string]int64
	validFiles map[string]bool
}

// NewMemStore returns an empty store.
func NewMemStore() *MemStore {
	return &MemStore{
		versions:   make(map[string]int64),
		validFiles: make(map[string]bool),
	}
}

// SetVersion seeds a manifest's stored version, as if a prior import had
// already happened.
func (s *MemStore) SetVersion(id string, version int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.versions[id] = version
}

// SetFileValid marks a filehash as already present and verified.
func (s *MemStore) SetFileValid(filehash string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.validFiles[filehash] = true
}

// ExecInt64 implements the two query shapes both cores issue:
// "SELECT version FROM manifests WHERE id=?" and
// "SELECT COUNT(*) FROM files WHERE id=? AND datavalid=1".
func (s *MemStore) ExecInt64(ctx context.Context, query string, args ...interface{}) (int64, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, _ := args[0].(string)
	switch {
	case containsAny(query, "manifests"):
		v, ok := s.versions[id]
		if !ok {
			return 0, 0, nil
		}
		return v, 1, nil
	case containsAny(query, "files"):
		if s.validFiles[id] {
			return 1, 1, nil
		}
		return 0, 1, nil
	}
	return 0, 0, nil
}

func containsAny(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}

// AlwaysValidVerifier accepts every manifest; used by tests that are not
// exercising late-verification rejection.
type AlwaysValidVerifier struct{}

func (AlwaysValidVerifier) Verify(types.Manifest) error { return nil }

// AlwaysInvalidVerifier rejects every manifest.
type AlwaysInvalidVerifier struct{}

func (AlwaysInvalidVerifier) Verify(types.Manifest) error { return errInvalid }

var errInvalid = &verifyErr{}

type verifyErr struct{}

func (*verifyErr) Error() string { return "testutil: signature rejected" }

// FakeReactor is a synchronous Reactor: Schedule/Watch register
// callbacks that a test fires explicitly via FireTimer/FireIO, instead
// of an actual epoll loop. This lets tests drive the exact sequence of
// events a scenario needs without real sockets or timers.
type FakeReactor struct {
	mu        sync.Mutex
	watchers  map[reactor.Handle]reactor.Callback
	timers    map[reactor.Handle]reactor.Callback
}

// NewFakeReactor returns an empty FakeReactor.
func NewFakeReactor() *FakeReactor {
	return &FakeReactor{
		watchers: make(map[reactor.Handle]reactor.Callback),
		timers:   make(map[reactor.Handle]reactor.Callback),
	}
}

func (f *FakeReactor) Watch(h reactor.Handle, ev reactor.Events, cb reactor.Callback) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.watchers[h] = cb
	return nil
}

func (f *FakeReactor) Unwatch(h reactor.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.watchers, h)
	return nil
}

func (f *FakeReactor) Schedule(h reactor.Handle, _ time.Time, cb reactor.Callback) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.timers[h] = cb
	return nil
}

func (f *FakeReactor) Unschedule(h reactor.Handle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.timers, h)
}

func (f *FakeReactor) Run() error { return nil }
func (f *FakeReactor) Stop()      {}

// FireTimer invokes h's scheduled callback as if its deadline elapsed.
func (f *FakeReactor) FireTimer(h reactor.Handle) {
	f.mu.Lock()
	cb := f.timers[h]
	f.mu.Unlock()
	if cb != nil {
		cb(h, 0)
	}
}

// FireIO invokes h's watch callback with the given readiness events.
func (f *FakeReactor) FireIO(h reactor.Handle, ev reactor.Events) {
	f.mu.Lock()
	cb := f.watchers[h]
	f.mu.Unlock()
	if cb != nil {
		cb(h, ev)
	}
}

// LoopbackDispatcher hands every dispatched frame straight to the same
// endpoint's Frames() channel, letting a test exercise a Core in a single
// process without real sockets.
type LoopbackDispatcher struct {
	in chan mdp.Frame
}

// NewLoopbackDispatcher returns a Dispatcher whose own Dispatch calls
// loop back into its own Frames() channel. The channel holds 16 frames;
// a Dispatch while it is full drops the frame rather than block.
func NewLoopbackDispatcher() *LoopbackDispatcher {
	return &LoopbackDispatcher{in: make(chan mdp.Frame, 16)}
}

func (d *LoopbackDispatcher) Dispatch(ctx context.Context, frame mdp.Frame) error {
	select {
	case d.in <- frame:
	default:
	}
	return nil
}

func (d *LoopbackDispatcher) Frames() <-chan mdp.Frame {
	return d.in
}

// Deliver injects a frame as if it had arrived over MDP.
func (d *LoopbackDispatcher) Deliver(frame mdp.Frame) {
	d.in <- frame
}

// RecordingNotifier collects every line/audio packet told to it, for
// assertions in tests.
type RecordingNotifier struct {
	mu    sync.Mutex
	Lines []string
}

func NewRecordingNotifier() *RecordingNotifier {
	return &RecordingNotifier{}
}

func (n *RecordingNotifier) Tell(line string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Lines = append(n.Lines, line)
}

func (n *RecordingNotifier) TellAudio(session uint32, codec byte, start, end uint32, payload []byte) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Lines = append(n.Lines, "AUDIOPACKET")
}
