//go:build linux

package transport

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/asyncio/eventfd"
	"golang.org/x/sys/unix"
)

const (
	iocbCmdPread   = 0
	iocbCmdPwrite  = 1
	iocbCmdFsync   = 2
	iocbCmdFdsync  = 3
	iocbCmdPreadv  = 7
	iocbCmdPwritev = 8
	iocbFlagResfd  = 1 << 0
	iocbSize       = 64
	ioEventSize    = 32
)

// iocb mirrors struct iocb from linux/aio_abi.h on little endian machines
type iocb struct {
	Data      uint64
	Key       uint32
	RwFlags   int32
	Opcode    uint16
	Reqprio   int16
	Fildes    uint32
	Buf       uint64
	Nbytes    uint64
	Offset    int64
	Reserved2 uint64
	Flags     uint32
	Resfd     uint32
}

type ioEvent struct {
	Data uint64
	Obj  uint64
	Res  int64
	Res2 int64
}

func init() {
	if sz := unsafe.Sizeof(iocb{}); sz != iocbSize {
		panic(fmt.Sprintf("iocb size mismatch: expected %d, got %d", iocbSize, sz))
	}
	if sz := unsafe.Sizeof(ioEvent{}); sz != ioEventSize {
		panic(fmt.Sprintf("io_event size mismatch: expected %d, got %d", ioEventSize, sz))
	}
}

type aioPending struct {
	req *Request
	cb  *iocb
	iov []unix.Iovec
}

// AIO drives file I/O through the kernel's native asynchronous interface. It works best with descriptors opened
// with O_DIRECT, buffered descriptors are serviced synchronously inside io_submit.
type AIO struct {
	l      *logrus.Logger
	ctx    uintptr
	events []ioEvent

	mu      sync.Mutex
	pending map[uint64]*aioPending

	reapMu sync.Mutex
	efd    *eventfd.EventFD
	closed atomic.Bool
}

// NewAIO creates a kernel aio context able to hold entries requests in flight. With pollable set every request
// signals an eventfd on completion, which PollFD returns.
func NewAIO(l *logrus.Logger, entries int, pollable bool) (*AIO, error) {
	if entries < 1 {
		return nil, fmt.Errorf("aio entries must be at least 1, got %d", entries)
	}

	a := &AIO{
		l:       l,
		events:  make([]ioEvent, entries),
		pending: make(map[uint64]*aioPending, entries),
	}

	_, _, errno := unix.Syscall(unix.SYS_IO_SETUP, uintptr(entries), uintptr(unsafe.Pointer(&a.ctx)), 0)
	if errno != 0 {
		return nil, fmt.Errorf("io_setup: %w", errno)
	}

	if pollable {
		efd, err := eventfd.New()
		if err != nil {
			a.Close()
			return nil, err
		}
		a.efd = efd
	}

	l.WithFields(logrus.Fields{"entries": entries, "pollable": pollable}).Debug("Native aio ready")
	return a, nil
}

func (a *AIO) prep(p *aioPending) error {
	req := p.req
	cb := &iocb{
		Data:   req.ID,
		Fildes: uint32(req.FD),
		Offset: req.Offset,
	}

	switch req.Opcode {
	case OpRead, OpWrite:
		cb.Opcode = iocbCmdPread
		if req.Opcode == OpWrite {
			cb.Opcode = iocbCmdPwrite
		}
		cb.Buf = bufAddr(req.Buf)
		cb.Nbytes = uint64(len(req.Buf))
	case OpReadv, OpWritev:
		cb.Opcode = iocbCmdPreadv
		if req.Opcode == OpWritev {
			cb.Opcode = iocbCmdPwritev
		}
		p.iov = toIovecs(req.Iovecs)
		if len(p.iov) > 0 {
			cb.Buf = uint64(uintptr(unsafe.Pointer(&p.iov[0])))
		}
		cb.Nbytes = uint64(len(p.iov))
	case OpFsync:
		cb.Opcode = iocbCmdFsync
	case OpFdatasync:
		cb.Opcode = iocbCmdFdsync
	default:
		return fmt.Errorf("unsupported opcode %d", req.Opcode)
	}

	if a.efd != nil {
		cb.Flags |= iocbFlagResfd
		cb.Resfd = uint32(a.efd.FD())
	}

	p.cb = cb
	return nil
}

func (a *AIO) Submit(req *Request) error {
	if a.closed.Load() {
		return ErrClosed
	}

	p := &aioPending{req: req}
	if err := a.prep(p); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.pending[req.ID]; ok {
		return fmt.Errorf("request id %#x is already in flight", req.ID)
	}

	// Buffered descriptors may complete inside io_submit, the entry has to exist before the kernel sees it
	a.pending[req.ID] = p

	cbs := [1]*iocb{p.cb}
	for {
		n, _, errno := unix.Syscall(unix.SYS_IO_SUBMIT, a.ctx, 1, uintptr(unsafe.Pointer(&cbs[0])))
		if errno == unix.EINTR {
			continue
		}
		if errno != 0 || n != 1 {
			delete(a.pending, req.ID)
			if errno == 0 {
				errno = unix.EAGAIN
			}
			return fmt.Errorf("io_submit: %w", errno)
		}
		return nil
	}
}

func (a *AIO) Reap(dst []Completion, minEvents int, timeout time.Duration) (int, error) {
	if len(dst) == 0 {
		return 0, nil
	}

	a.reapMu.Lock()
	defer a.reapMu.Unlock()
	if a.closed.Load() {
		return 0, ErrClosed
	}

	if a.efd != nil {
		if _, err := a.efd.Drain(); err != nil {
			return 0, err
		}
	}

	events := a.events
	if len(dst) < len(events) {
		events = events[:len(dst)]
	}
	if minEvents > len(events) {
		minEvents = len(events)
	}

	var tsp *unix.Timespec
	if minEvents == 0 || timeout == 0 {
		tsp = &unix.Timespec{}
		minEvents = 0
	} else if timeout > 0 {
		ts := unix.NsecToTimespec(int64(timeout))
		tsp = &ts
	}

	r, _, errno := unix.Syscall6(
		unix.SYS_IO_GETEVENTS,
		a.ctx,
		uintptr(minEvents),
		uintptr(len(events)),
		uintptr(unsafe.Pointer(&events[0])),
		uintptr(unsafe.Pointer(tsp)),
		0,
	)
	if errno == unix.EINTR {
		return 0, nil
	}
	if errno != 0 {
		return 0, fmt.Errorf("io_getevents: %w", errno)
	}

	n := 0
	a.mu.Lock()
	for _, ev := range events[:int(r)] {
		if _, ok := a.pending[ev.Data]; !ok {
			a.l.WithField("id", ev.Data).Warn("aio completion for an unknown request")
			continue
		}
		delete(a.pending, ev.Data)
		dst[n] = Completion{ID: ev.Data, Res: ev.Res}
		n++
	}
	a.mu.Unlock()

	return n, nil
}

// Cancel asks the kernel to stop req. Most file requests cannot be stopped once submitted, their completions
// arrive through Reap as usual.
func (a *AIO) Cancel(req *Request) (bool, error) {
	a.mu.Lock()
	p, ok := a.pending[req.ID]
	a.mu.Unlock()
	if !ok {
		return false, nil
	}

	var ev ioEvent
	_, _, errno := unix.Syscall(unix.SYS_IO_CANCEL, a.ctx, uintptr(unsafe.Pointer(p.cb)), uintptr(unsafe.Pointer(&ev)))
	switch errno {
	case 0:
		a.mu.Lock()
		delete(a.pending, req.ID)
		a.mu.Unlock()
		return true, nil
	case unix.EINPROGRESS, unix.EINVAL, unix.EAGAIN:
		return false, nil
	}
	return false, fmt.Errorf("io_cancel: %w", errno)
}

func (a *AIO) PollFD() (int, error) {
	if a.efd == nil {
		return -1, ErrNotPollable
	}
	return a.efd.FD(), nil
}

func (a *AIO) Close() error {
	if a.closed.Swap(true) {
		return nil
	}

	a.reapMu.Lock()
	defer a.reapMu.Unlock()

	var errs []error
	if a.ctx != 0 {
		if _, _, errno := unix.Syscall(unix.SYS_IO_DESTROY, a.ctx, 0, 0); errno != 0 {
			errs = append(errs, fmt.Errorf("io_destroy: %w", errno))
		}
		a.ctx = 0
	}

	if a.efd != nil {
		if err := a.efd.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	a.mu.Lock()
	a.pending = nil
	a.mu.Unlock()

	return errors.Join(errs...)
}
