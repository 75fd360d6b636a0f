package transport

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/asyncio/eventfd"
	"golang.org/x/sys/unix"
)

// Memory services requests with blocking syscalls on a pool of goroutines. It runs anywhere and lets callers
// freeze it at known points with Pause and Hold.
type Memory struct {
	l       *logrus.Logger
	entries int
	wg      sync.WaitGroup

	mu sync.Mutex
	// cond wakes workers for new work and WaitHeld callers for held completions
	cond    *sync.Cond
	backlog []*Request
	queued  map[uint64]struct{}
	running int
	ready   []Completion
	held    []Completion
	paused  bool
	hold    bool
	closed  bool

	notify chan struct{}
	efd    *eventfd.EventFD
}

// NewMemory starts workers goroutines, 0 picks entries capped at 64
func NewMemory(l *logrus.Logger, entries, workers int, pollable bool) (*Memory, error) {
	if entries < 1 {
		return nil, fmt.Errorf("memory transport entries must be at least 1, got %d", entries)
	}
	if workers <= 0 {
		workers = min(entries, 64)
	}

	m := &Memory{
		l:       l,
		entries: entries,
		backlog: make([]*Request, 0, entries),
		queued:  make(map[uint64]struct{}, entries),
		notify:  make(chan struct{}, 1),
	}
	m.cond = sync.NewCond(&m.mu)

	if pollable {
		efd, err := eventfd.New()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrNotPollable, err)
		}
		m.efd = efd
	}

	m.wg.Add(workers)
	for range workers {
		go m.worker()
	}

	l.WithFields(logrus.Fields{"entries": entries, "workers": workers, "pollable": pollable}).
		Debug("Memory transport ready")
	return m, nil
}

func (m *Memory) worker() {
	defer m.wg.Done()

	m.mu.Lock()
	defer m.mu.Unlock()
	for {
		for !m.closed && (m.paused || len(m.backlog) == 0) {
			m.cond.Wait()
		}
		if m.closed {
			return
		}

		req := m.backlog[0]
		m.backlog[0] = nil
		m.backlog = m.backlog[1:]
		delete(m.queued, req.ID)
		m.running++
		m.mu.Unlock()

		res := execute(req)

		m.mu.Lock()
		m.running--
		c := Completion{ID: req.ID, Res: res}
		if m.hold {
			m.held = append(m.held, c)
			m.cond.Broadcast()
			continue
		}
		m.ready = append(m.ready, c)
		m.mu.Unlock()
		m.publish()
		m.mu.Lock()
	}
}

func (m *Memory) publish() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
	if m.efd != nil {
		if err := m.efd.Kick(); err != nil {
			m.l.WithError(err).Error("Failed to signal completion readiness")
		}
	}
}

func (m *Memory) Submit(req *Request) error {
	switch req.Opcode {
	case OpRead, OpWrite, OpReadv, OpWritev, OpFsync, OpFdatasync:
	default:
		return fmt.Errorf("unsupported opcode %d", req.Opcode)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if _, ok := m.queued[req.ID]; ok {
		return fmt.Errorf("request id %#x is already in flight", req.ID)
	}
	// Only requests that still have to run count, canceled ones are gone from the backlog
	if len(m.backlog)+m.running >= m.entries {
		return fmt.Errorf("memory transport is full (%d entries): %w", m.entries, unix.EAGAIN)
	}

	m.backlog = append(m.backlog, req)
	m.queued[req.ID] = struct{}{}
	m.cond.Broadcast()
	return nil
}

func (m *Memory) Reap(dst []Completion, minEvents int, timeout time.Duration) (int, error) {
	if len(dst) == 0 {
		return 0, nil
	}
	if minEvents > len(dst) {
		minEvents = len(dst)
	}

	if m.efd != nil {
		if _, err := m.efd.Drain(); err != nil {
			return 0, err
		}
	}

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	n := 0
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return n, ErrClosed
		}
		c := copy(dst[n:], m.ready)
		m.ready = append(m.ready[:0], m.ready[c:]...)
		more := len(m.ready) > 0
		m.mu.Unlock()
		n += c

		if more && m.efd != nil {
			// Leftovers must keep the descriptor readable
			if err := m.efd.Kick(); err != nil {
				return n, err
			}
		}

		if n >= minEvents || timeout == 0 {
			return n, nil
		}

		select {
		case <-m.notify:
		case <-timer:
			return n, nil
		}
	}
}

// Cancel stops req if no worker has started it yet
func (m *Memory) Cancel(req *Request) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.queued[req.ID]; !ok {
		return false, nil
	}
	delete(m.queued, req.ID)
	for i, r := range m.backlog {
		if r.ID == req.ID {
			m.backlog = append(m.backlog[:i], m.backlog[i+1:]...)
			break
		}
	}
	return true, nil
}

func (m *Memory) PollFD() (int, error) {
	if m.efd == nil {
		return -1, ErrNotPollable
	}
	return m.efd.FD(), nil
}

// Pause keeps workers from starting queued requests until Resume
func (m *Memory) Pause() {
	m.mu.Lock()
	m.paused = true
	m.mu.Unlock()
}

func (m *Memory) Resume() {
	m.mu.Lock()
	m.paused = false
	m.cond.Broadcast()
	m.mu.Unlock()
}

// Hold keeps finished requests invisible to Reap until Release
func (m *Memory) Hold() {
	m.mu.Lock()
	m.hold = true
	m.mu.Unlock()
}

func (m *Memory) Release() {
	m.mu.Lock()
	m.hold = false
	m.ready = append(m.ready, m.held...)
	released := len(m.held)
	m.held = nil
	m.mu.Unlock()

	if released > 0 {
		m.publish()
	}
}

// WaitHeld blocks until at least n finished requests are being held
func (m *Memory) WaitHeld(n int) {
	m.mu.Lock()
	for len(m.held) < n && !m.closed {
		m.cond.Wait()
	}
	m.mu.Unlock()
}

func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.backlog = nil
	clear(m.queued)
	m.cond.Broadcast()
	m.mu.Unlock()

	m.wg.Wait()

	if m.efd != nil {
		return m.efd.Close()
	}
	return nil
}

func execute(req *Request) int64 {
	var n int
	var err error

	switch req.Opcode {
	case OpRead:
		n, err = retry(func() (int, error) { return unix.Pread(req.FD, req.Buf, req.Offset) })
	case OpWrite:
		n, err = retry(func() (int, error) { return unix.Pwrite(req.FD, req.Buf, req.Offset) })
	case OpReadv, OpWritev:
		off := req.Offset
		for _, b := range req.Iovecs {
			var c int
			if req.Opcode == OpReadv {
				c, err = retry(func() (int, error) { return unix.Pread(req.FD, b, off) })
			} else {
				c, err = retry(func() (int, error) { return unix.Pwrite(req.FD, b, off) })
			}
			if err != nil {
				if n > 0 {
					err = nil
				}
				break
			}
			n += c
			off += int64(c)
			if c < len(b) {
				break
			}
		}
	case OpFsync, OpFdatasync:
		_, err = retry(func() (int, error) { return 0, unix.Fsync(req.FD) })
	}

	if err != nil {
		var errno unix.Errno
		if errors.As(err, &errno) {
			return -int64(errno)
		}
		return -int64(unix.EIO)
	}
	return int64(n)
}

func retry(f func() (int, error)) (int, error) {
	for {
		n, err := f()
		if errors.Is(err, unix.EINTR) {
			continue
		}
		return n, err
	}
}
