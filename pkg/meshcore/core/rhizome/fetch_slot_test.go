package rhizome

import (
	"bufio"
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gardners/meshcore/internal/testutil"
	"github.com/gardners/meshcore/pkg/meshcore/reactor"
	"github.com/gardners/meshcore/pkg/meshcore/types"
)

// signalingImporter reports every manifest handed to Import over a
// channel, so a test can wait for the pipeline to reach that point
// instead of polling pool state from another goroutine.
type signalingImporter struct {
	imported chan types.Manifest
}

func newSignalingImporter() *signalingImporter {
	return &signalingImporter{imported: make(chan types.Manifest, 4)}
}

func (s *signalingImporter) Import(ctx context.Context, m types.Manifest, ttl int) error {
	s.imported <- m
	return nil
}

// signalingLogger reports every Debugf call (closeSlot's one logging
// call, fired after the slot is fully torn down) over a channel, giving
// a synchronization point for scenarios that never reach the importer.
type signalingLogger struct {
	closed chan string
}

func newSignalingLogger() *signalingLogger {
	return &signalingLogger{closed: make(chan string, 4)}
}

func (l *signalingLogger) Info(v ...interface{})                 {}
func (l *signalingLogger) Infof(format string, v ...interface{}) {}
func (l *signalingLogger) Warn(v ...interface{})                 {}
func (l *signalingLogger) Warnf(format string, v ...interface{}) {}
func (l *signalingLogger) Error(v ...interface{})                {}
func (l *signalingLogger) Errorf(format string, v ...interface{}) {}
func (l *signalingLogger) Debug(v ...interface{})                {}
func (l *signalingLogger) Debugf(format string, v ...interface{}) {
	l.closed <- format
}
func (l *signalingLogger) Fatal(v ...interface{})                 {}
func (l *signalingLogger) Fatalf(format string, v ...interface{}) {}
func (l *signalingLogger) ToggleDebug(value bool) bool            { return false }

// newFetchTestPool starts a real epoll loop and a listener standing in
// for the remote rhizome HTTP server, and returns a Pool pointed at it.
// The caller must call the returned stop func once done.
func newFetchTestPool(t *testing.T, idleTimeout time.Duration, importer Importer, logger types.Logger) (pool *Pool, dir string, listener net.Listener, stop func()) {
	t.Helper()

	loop, err := reactor.NewLoop()
	if err != nil {
		t.Fatalf("reactor.NewLoop: %v", err)
	}
	go loop.Run()

	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := uint16(ln.Addr().(*net.TCPAddr).Port)

	dir = t.TempDir()
	store := testutil.NewMemStore()
	versions := NewVersionCache()
	pool = NewPool(4, dir, port, idleTimeout, loop, versions, store, importer, logger)

	stop = func() {
		ln.Close()
		loop.Stop()
		loop.Close()
	}
	return pool, dir, ln, stop
}

// fetchTestHash builds a 64-hex-character filehash from a two-character
// prefix, so each scenario can use a distinct, valid filehash.
func fetchTestHash(prefix string) string {
	return prefix + strings.Repeat("0", 64-len(prefix)-1) + "1"
}

func fetchTestManifest(id string, filehash string) types.Manifest {
	return types.Manifest{ID: id, Version: 1, Filesize: 0, Filehash: filehash}
}

// readRequestHeaders drains conn until the blank line ending the
// HTTP/1.0 GET request, the same terminator findDoubleLF looks for.
func readRequestHeaders(conn net.Conn) {
	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadString('\n')
		if err != nil || line == "\r\n" || line == "\n" {
			return
		}
	}
}

// TestQueueManifestImport_ColdFetchRoundTripsContentLength covers spec.md
// §8 scenario 1: a peer advertises a manifest we don't have, the body is
// fetched over HTTP/1.0, and the declared Content-length is honored
// exactly.
func TestQueueManifestImport_ColdFetchRoundTripsContentLength(t *testing.T) {
	importer := newSignalingImporter()
	pool, dir, ln, stop := newFetchTestPool(t, 2*time.Second, importer, nil)
	defer stop()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		readRequestHeaders(conn)
		conn.Write([]byte("HTTP/1.0 200 OK\r\nContent-length: 5\r\n\r\nhello"))
	}()

	hash := fetchTestHash("AB")
	m := fetchTestManifest(idFor(1), hash)
	result, err := pool.QueueManifestImport(context.Background(), m, Peer{IP: net.ParseIP("127.0.0.1")}, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != ImportFetching {
		t.Fatalf("expected ImportFetching, got %v", result)
	}

	select {
	case got := <-importer.imported:
		if got.ID != m.ID {
			t.Fatalf("expected the fetched manifest to be imported, got %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("import was never reached")
	}

	body, err := os.ReadFile(filepath.Join(dir, "file."+hash))
	if err != nil {
		t.Fatalf("reading fetched file: %v", err)
	}
	if string(body) != "hello" {
		t.Fatalf("expected exactly the declared Content-length of bytes, got %q", body)
	}
}

// TestQueueManifestImport_404AbortsWithoutWritingOutput covers the HTTP
// 404 boundary behavior of spec.md §8: a non-200 status line aborts the
// fetch and leaves no partial output file behind.
func TestQueueManifestImport_404AbortsWithoutWritingOutput(t *testing.T) {
	logger := newSignalingLogger()
	pool, dir, ln, stop := newFetchTestPool(t, 2*time.Second, nil, logger)
	defer stop()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		readRequestHeaders(conn)
		conn.Write([]byte("HTTP/1.0 404 Not Found\r\n\r\n"))
	}()

	hash := fetchTestHash("CD")
	m := fetchTestManifest(idFor(2), hash)
	result, err := pool.QueueManifestImport(context.Background(), m, Peer{IP: net.ParseIP("127.0.0.1")}, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != ImportFetching {
		t.Fatalf("expected ImportFetching before the abort, got %v", result)
	}

	select {
	case <-logger.closed:
	case <-time.After(2 * time.Second):
		t.Fatalf("slot was never closed after the 404")
	}

	if _, err := os.Stat(filepath.Join(dir, "file."+hash)); !os.IsNotExist(err) {
		t.Fatalf("expected no output file to survive a 404 abort, stat err=%v", err)
	}
	if pool.Count() != 0 {
		t.Fatalf("expected the slot to be removed, count=%d", pool.Count())
	}
}

// TestQueueManifestImport_IdleTimeoutClosesSlot covers spec.md §8
// scenario 5: a peer that accepts the connection but never answers is
// closed once the idle deadline elapses, cleaning up its output file.
func TestQueueManifestImport_IdleTimeoutClosesSlot(t *testing.T) {
	logger := newSignalingLogger()
	pool, dir, ln, stop := newFetchTestPool(t, 30*time.Millisecond, nil, logger)
	defer stop()

	go func() {
		// Accept the connection and then simply never write a response,
		// simulating a stalled peer; the connection is left open for the
		// rest of the test, which only runs for a few idle-timeout spans.
		ln.Accept()
	}()

	hash := fetchTestHash("EF")
	m := fetchTestManifest(idFor(3), hash)
	result, err := pool.QueueManifestImport(context.Background(), m, Peer{IP: net.ParseIP("127.0.0.1")}, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != ImportFetching {
		t.Fatalf("expected ImportFetching, got %v", result)
	}

	select {
	case <-logger.closed:
	case <-time.After(2 * time.Second):
		t.Fatalf("slot was never closed by the idle timeout")
	}

	if _, err := os.Stat(filepath.Join(dir, "file."+hash)); !os.IsNotExist(err) {
		t.Fatalf("expected no output file to survive an idle timeout, stat err=%v", err)
	}
}
