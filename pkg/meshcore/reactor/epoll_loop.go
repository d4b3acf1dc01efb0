package reactor

import (
	"container/heap"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Loop is the default Reactor, a single-threaded epoll wait plus a
// min-heap of scheduled deadlines. Every exported method other than Run
// and Stop is safe to call only from the goroutine running Run, or
// before Run starts — matching the "no lock needed, one thread owns this
// state" model the cores are built for.
type Loop struct {
	epfd int

	watchers map[Handle]watcher
	timers   timerHeap
	timerIdx map[Handle]*timerEntry

	wake     [2]int // self-pipe to break epoll_wait on Stop/Schedule
	stopOnce sync.Once
	stopped  chan struct{}
}

type watcher struct {
	events Events
	cb     Callback
}

type timerEntry struct {
	handle   Handle
	deadline time.Time
	cb       Callback
	index    int
}

type timerHeap []*timerEntry

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *timerHeap) Push(x interface{}) {
	e := x.(*timerEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// NewLoop creates an epoll-backed Loop. Callers must call Close once the
// loop has returned from Run.
func NewLoop() (*Loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	l := &Loop{
		epfd:     epfd,
		watchers: make(map[Handle]watcher),
		timerIdx: make(map[Handle]*timerEntry),
		stopped:  make(chan struct{}),
	}
	if err := unix.Pipe2(l.wake[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		unix.Close(epfd)
		return nil, err
	}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, l.wake[0], &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(l.wake[0]),
	}); err != nil {
		unix.Close(epfd)
		unix.Close(l.wake[0])
		unix.Close(l.wake[1])
		return nil, err
	}
	return l, nil
}

// Close releases the epoll fd and self-pipe.
func (l *Loop) Close() error {
	unix.Close(l.wake[0])
	unix.Close(l.wake[1])
	return unix.Close(l.epfd)
}

func toEpollEvents(ev Events) uint32 {
	var e uint32
	if ev&EventReadable != 0 {
		e |= unix.EPOLLIN
	}
	if ev&EventWritable != 0 {
		e |= unix.EPOLLOUT
	}
	return e
}

func fromEpollEvents(e uint32) Events {
	var ev Events
	if e&unix.EPOLLIN != 0 {
		ev |= EventReadable
	}
	if e&unix.EPOLLOUT != 0 {
		ev |= EventWritable
	}
	return ev
}

func (l *Loop) Watch(h Handle, ev Events, cb Callback) error {
	op := unix.EPOLL_CTL_ADD
	if _, exists := l.watchers[h]; exists {
		op = unix.EPOLL_CTL_MOD
	}
	l.watchers[h] = watcher{events: ev, cb: cb}
	return unix.EpollCtl(l.epfd, op, int(h), &unix.EpollEvent{
		Events: toEpollEvents(ev),
		Fd:     int32(h),
	})
}

func (l *Loop) Unwatch(h Handle) error {
	if _, exists := l.watchers[h]; !exists {
		return nil
	}
	delete(l.watchers, h)
	return unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, int(h), nil)
}

func (l *Loop) Schedule(h Handle, deadline time.Time, cb Callback) error {
	l.Unschedule(h)
	e := &timerEntry{handle: h, deadline: deadline, cb: cb}
	heap.Push(&l.timers, e)
	l.timerIdx[h] = e
	l.nudge()
	return nil
}

func (l *Loop) Unschedule(h Handle) {
	e, ok := l.timerIdx[h]
	if !ok {
		return
	}
	heap.Remove(&l.timers, e.index)
	delete(l.timerIdx, h)
}

// nudge wakes a blocked epoll_wait so a newly-scheduled timer can be
// re-accounted for in the next wait timeout.
func (l *Loop) nudge() {
	var b [1]byte
	unix.Write(l.wake[1], b[:])
}

func (l *Loop) nextTimeout() int {
	if len(l.timers) == 0 {
		return -1
	}
	d := time.Until(l.timers[0].deadline)
	if d < 0 {
		return 0
	}
	ms := d.Milliseconds()
	if ms > int64(int(^uint(0)>>1)) {
		return int(^uint(0) >> 1)
	}
	return int(ms)
}

func (l *Loop) fireExpiredTimers() {
	now := time.Now()
	for len(l.timers) > 0 && !l.timers[0].deadline.After(now) {
		e := heap.Pop(&l.timers).(*timerEntry)
		delete(l.timerIdx, e.handle)
		e.cb(e.handle, 0)
	}
}

// Run drives epoll_wait in a loop, dispatching I/O readiness and timer
// firings until Stop is called.
func (l *Loop) Run() error {
	events := make([]unix.EpollEvent, 64)
	for {
		select {
		case <-l.stopped:
			return nil
		default:
		}

		timeout := l.nextTimeout()
		n, err := unix.EpollWait(l.epfd, events, timeout)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return err
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			if fd == l.wake[0] {
				var buf [64]byte
				unix.Read(l.wake[0], buf[:])
				continue
			}
			h := Handle(fd)
			w, ok := l.watchers[h]
			if !ok {
				continue
			}
			w.cb(h, fromEpollEvents(events[i].Events))
		}

		l.fireExpiredTimers()
	}
}

// Stop requests Run to return at its next wakeup.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() {
		close(l.stopped)
		l.nudge()
	})
}
