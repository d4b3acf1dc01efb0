package rhizome

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gardners/meshcore/pkg/meshcore/reactor"
	"github.com/gardners/meshcore/pkg/meshcore/types"
	"golang.org/x/sys/unix"
)

// FetchState is a fetch slot's position in the §4.5.1 state machine.
type FetchState int

const (
	Connecting FetchState = iota
	SendingRequest
	RxHeaders
	RxFile
)

// ImportResult is the outcome of QueueManifestImport.
type ImportResult int

const (
	ImportRejected ImportResult = iota
	ImportFetching
	ImportImported
)

// Importer is the bundle_import collaborator: given a manifest whose
// payload is now known-present (freshly fetched or already in the
// store), it performs whatever final admission the embedding program
// wants (re-verification, database insert, rhizome direct import, ...).
type Importer interface {
	Import(ctx context.Context, m types.Manifest, ttl int) error
}

const requestBufSize = 1024

// Slot is one concurrent transfer record, driving one HTTP/1.0 GET
// through the reactor.
type Slot struct {
	manifest types.Manifest
	fileID   string
	peer     Peer

	fd    int
	state FetchState

	requestBuf [requestBufSize]byte
	requestLen int
	requestOfs int

	fileLen int64 // -1 until known
	fileOfs int64

	output *os.File

	idleDeadline time.Time
	ttl          int

	pool *Pool
}

// Pool is the fixed-size (MAX_QUEUED_FILES) Fetch Slot Pool.
type Pool struct {
	maxSlots    int
	slots       []*Slot
	importDir   string
	httpPort    uint16
	idleTimeout time.Duration

	reactor  reactor.Reactor
	versions *VersionCache
	store    Store
	importer Importer
	logger   types.Logger
}

// NewPool builds an empty pool bounded at maxSlots concurrent transfers.
func NewPool(maxSlots int, importDir string, httpPort uint16, idleTimeout time.Duration, rx reactor.Reactor, versions *VersionCache, store Store, importer Importer, logger types.Logger) *Pool {
	return &Pool{
		maxSlots:    maxSlots,
		importDir:   importDir,
		httpPort:    httpPort,
		idleTimeout: idleTimeout,
		reactor:     rx,
		versions:    versions,
		store:       store,
		importer:    importer,
		logger:      logger,
	}
}

// Count reports the number of active slots.
func (p *Pool) Count() int { return len(p.slots) }

// HasManifestOrHash reports whether any active slot already carries this
// manifest (by public key) or filehash, the §4.5 step 4 dedup check.
func (p *Pool) HasManifestOrHash(m types.Manifest) bool {
	for _, s := range p.slots {
		if s.manifest.ID == m.ID || s.manifest.Filehash == m.Filehash {
			return true
		}
	}
	return false
}

// QueueManifestImport runs the §4.5 pre-admission checks in order and,
// if the file must be fetched, opens a non-blocking socket and registers
// the slot with the reactor.
func (p *Pool) QueueManifestImport(ctx context.Context, m types.Manifest, peer Peer, ttl int) (ImportResult, error) {
	decision, err := p.versions.Lookup(ctx, p.store, m)
	if err != nil {
		return ImportRejected, types.ErrStoreUnavailable
	}
	if decision != AbsentOrOlder {
		return ImportRejected, nil
	}

	if len(p.slots) >= p.maxSlots {
		return ImportRejected, nil
	}

	if !m.ValidID() {
		return ImportRejected, types.ErrManifestIDMalformed
	}

	if p.HasManifestOrHash(m) {
		return ImportRejected, nil
	}

	if !m.ValidFilehash() {
		return ImportRejected, types.ErrFilehashMalformed
	}

	if m.Filesize > 0 {
		count, rows, err := p.store.ExecInt64(ctx, "SELECT COUNT(*) FROM files WHERE id=? AND datavalid=1", m.Filehash)
		if err != nil {
			return ImportRejected, types.ErrStoreUnavailable
		}
		if rows == 1 && count > 0 {
			if err := p.writeManifestAndImport(ctx, m, ttl); err != nil {
				return ImportRejected, err
			}
			return ImportImported, nil
		}
	}

	return p.startFetch(ctx, m, peer, ttl)
}

func (p *Pool) startFetch(ctx context.Context, m types.Manifest, peer Peer, ttl int) (ImportResult, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, unix.IPPROTO_TCP)
	if err != nil {
		return ImportRejected, err
	}

	var addr unix.SockaddrInet4
	addr.Port = int(p.httpPort)
	v4 := peer.IP.To4()
	if v4 == nil {
		unix.Close(fd)
		return ImportRejected, fmt.Errorf("rhizome: peer address is not IPv4")
	}
	copy(addr.Addr[:], v4)

	err = unix.Connect(fd, &addr)
	if err != nil && err != unix.EINPROGRESS {
		unix.Close(fd)
		return ImportRejected, err
	}

	outPath := filepath.Join(p.importDir, "file."+m.Filehash)
	out, err := os.Create(outPath)
	if err != nil {
		unix.Close(fd)
		return ImportRejected, err
	}

	slot := &Slot{
		manifest:     m,
		fileID:       m.Filehash,
		peer:         peer,
		fd:           fd,
		state:        Connecting,
		fileLen:      -1,
		output:       out,
		idleDeadline: time.Now().Add(p.idleTimeout),
		ttl:          ttl,
		pool:         p,
	}
	slot.requestLen = copy(slot.requestBuf[:], fmt.Sprintf("GET /rhizome/file/%s HTTP/1.0\r\n\r\n", types.UpperHex(m.Filehash)))

	p.slots = append(p.slots, slot)

	h := reactor.Handle(fd)
	if err := p.reactor.Watch(h, reactor.EventReadable|reactor.EventWritable, slot.onReady); err != nil {
		p.closeSlot(slot, err)
		return ImportRejected, err
	}
	if err := p.reactor.Schedule(h, slot.idleDeadline, slot.onTimeout); err != nil {
		p.closeSlot(slot, err)
		return ImportRejected, err
	}

	return ImportFetching, nil
}

func (p *Pool) writeManifestAndImport(ctx context.Context, m types.Manifest, ttl int) error {
	manifestPath := filepath.Join(p.importDir, "manifest."+m.ID)
	if err := os.WriteFile(manifestPath, m.Raw, 0o644); err != nil {
		return err
	}
	if p.importer != nil {
		if err := p.importer.Import(ctx, m, ttl-1); err != nil {
			return err
		}
	}
	// The version cache's accelerator is updated immediately rather than
	// waiting on the next advertisement's store fallthrough to observe it.
	p.versions.Store(m)
	return nil
}

func (p *Pool) removeSlot(s *Slot) {
	for i, cur := range p.slots {
		if cur == s {
			p.slots = append(p.slots[:i], p.slots[i+1:]...)
			return
		}
	}
}

func (p *Pool) closeSlot(s *Slot, cause error) {
	h := reactor.Handle(s.fd)
	p.reactor.Unwatch(h)
	p.reactor.Unschedule(h)
	unix.Close(s.fd)
	if s.output != nil {
		name := s.output.Name()
		s.output.Close()
		if cause != nil {
			os.Remove(name)
		}
	}
	p.removeSlot(s)
	if cause != nil && p.logger != nil {
		p.logger.Debugf("fetch %s closed: %v", s.fileID, cause)
	}
}

func (s *Slot) resetIdle() {
	s.idleDeadline = time.Now().Add(s.pool.idleTimeout)
	h := reactor.Handle(s.fd)
	s.pool.reactor.Schedule(h, s.idleDeadline, s.onTimeout)
}

func (s *Slot) onTimeout(reactor.Handle, reactor.Events) {
	s.pool.closeSlot(s, fmt.Errorf("rhizome: idle timeout"))
}

func (s *Slot) onReady(h reactor.Handle, ev reactor.Events) {
	switch s.state {
	case Connecting:
		s.handleConnecting(ev)
	case SendingRequest:
		s.handleSendingRequest(ev)
	case RxHeaders:
		s.handleRxHeaders(ev)
	case RxFile:
		s.handleRxFile(ev)
	}
}

func (s *Slot) handleConnecting(ev reactor.Events) {
	if ev&reactor.EventWritable == 0 {
		return
	}
	errno, err := unix.GetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil || errno != 0 {
		s.pool.closeSlot(s, fmt.Errorf("rhizome: connect failed: errno %d", errno))
		return
	}
	s.state = SendingRequest
	s.handleSendingRequest(ev)
}

func (s *Slot) handleSendingRequest(ev reactor.Events) {
	if ev&reactor.EventWritable == 0 {
		return
	}
	n, err := unix.Write(s.fd, s.requestBuf[s.requestOfs:s.requestLen])
	if err != nil {
		if err == unix.EAGAIN {
			return
		}
		s.pool.closeSlot(s, err)
		return
	}
	if n <= 0 {
		s.pool.closeSlot(s, fmt.Errorf("rhizome: short write"))
		return
	}
	s.requestOfs += n
	s.resetIdle()
	if s.requestOfs == s.requestLen {
		s.state = RxHeaders
		s.requestLen = 0
		s.requestOfs = 0
		s.pool.reactor.Watch(reactor.Handle(s.fd), reactor.EventReadable, s.onReady)
	}
}

func (s *Slot) handleRxHeaders(ev reactor.Events) {
	if ev&reactor.EventReadable == 0 {
		return
	}
	n, err := unix.Read(s.fd, s.requestBuf[s.requestLen:requestBufSize])
	if err != nil {
		if err == unix.EAGAIN {
			return
		}
		s.pool.closeSlot(s, err)
		return
	}
	if n == 0 {
		s.pool.closeSlot(s, fmt.Errorf("rhizome: connection closed before headers"))
		return
	}
	s.requestLen += n
	s.resetIdle()

	headerEnd, ok := findDoubleLF(s.requestBuf[:s.requestLen])
	if !ok {
		if s.requestLen >= requestBufSize {
			s.pool.closeSlot(s, fmt.Errorf("rhizome: headers too large"))
		}
		return
	}

	header := string(s.requestBuf[:headerEnd])
	fileLen, err := parseHeaders(header)
	if err != nil {
		s.pool.closeSlot(s, err)
		return
	}
	s.fileLen = fileLen

	leftover := s.requestBuf[headerEnd:s.requestLen]
	if len(leftover) > 0 {
		if _, err := s.output.Write(leftover); err != nil {
			s.pool.closeSlot(s, err)
			return
		}
		s.fileOfs += int64(len(leftover))
	}

	s.state = RxFile
	if s.fileOfs >= s.fileLen {
		s.finish()
		return
	}
}

// findDoubleLF scans for the first "\n\n" terminator, ignoring any '\r'
// or NUL bytes interleaved in the scan (but not removing them from the
// buffer).
func findDoubleLF(buf []byte) (int, bool) {
	var filtered []byte
	// positions maps an index in filtered back to the original buffer,
	// so the terminator offset returned is in the original buffer's
	// coordinates.
	positions := make([]int, 0, len(buf))
	for i, b := range buf {
		if b == '\r' || b == 0 {
			continue
		}
		filtered = append(filtered, b)
		positions = append(positions, i)
	}
	idx := bytes.Index(filtered, []byte("\n\n"))
	if idx < 0 {
		return 0, false
	}
	// The terminator ends right after the second '\n' in original
	// coordinates.
	secondLF := positions[idx+1]
	return secondLF + 1, true
}

func parseHeaders(header string) (int64, error) {
	lines := strings.Split(header, "\n")
	if len(lines) == 0 {
		return 0, fmt.Errorf("rhizome: empty header block")
	}
	status := strings.TrimRight(lines[0], "\r")
	if !strings.HasPrefix(status, "HTTP/1.0 200") {
		return 0, fmt.Errorf("rhizome: unexpected status line %q", status)
	}

	const marker = "Content-length: "
	for _, line := range lines[1:] {
		line = strings.TrimRight(line, "\r")
		if strings.HasPrefix(line, marker) {
			n, err := strconv.ParseInt(strings.TrimSpace(line[len(marker):]), 10, 64)
			if err != nil || n < 0 {
				return 0, fmt.Errorf("rhizome: invalid Content-length")
			}
			return n, nil
		}
	}
	return 0, fmt.Errorf("rhizome: missing Content-length header")
}

func (s *Slot) handleRxFile(ev reactor.Events) {
	if ev&reactor.EventReadable == 0 {
		return
	}
	remaining := s.fileLen - s.fileOfs
	if remaining <= 0 {
		s.finish()
		return
	}
	buf := make([]byte, minInt64(remaining, 65536))
	n, err := unix.Read(s.fd, buf)
	if err != nil {
		if err == unix.EAGAIN {
			return
		}
		s.pool.closeSlot(s, err)
		return
	}
	if n == 0 {
		s.pool.closeSlot(s, fmt.Errorf("rhizome: connection closed mid-file"))
		return
	}
	if _, err := s.output.Write(buf[:n]); err != nil {
		s.pool.closeSlot(s, err)
		return
	}
	s.fileOfs += int64(n)
	s.resetIdle()
	if s.fileOfs >= s.fileLen {
		s.finish()
	}
}

func (s *Slot) finish() {
	p := s.pool
	m := s.manifest
	ttl := s.ttl
	p.reactor.Unwatch(reactor.Handle(s.fd))
	p.reactor.Unschedule(reactor.Handle(s.fd))
	unix.Close(s.fd)
	s.output.Close()

	if err := p.writeManifestAndImport(context.Background(), m, ttl); err != nil && p.logger != nil {
		p.logger.Errorf("rhizome: import of %s failed: %v", m.ID, err)
	}
	p.removeSlot(s)
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
