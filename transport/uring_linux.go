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
	ioringOpNop           = 0
	ioringOpReadv         = 1
	ioringOpWritev        = 2
	ioringOpFsync         = 3
	ioringOpAsyncCancel   = 14
	ioringOpRead          = 22
	ioringOpWrite         = 23
	ioringFsyncDatasync   = 1 << 0
	ioringEnterGetevents  = 1 << 0
	ioringSetupClamp      = 1 << 4
	ioringRegisterEventfd = 4
	ioringOffSqRing       = 0
	ioringOffCqRing       = 0x8000000
	ioringOffSqes         = 0x10000000
	ioUringSqeSize        = 64
	ioUringCqeSize        = 16

	// uringInternal marks user data that belongs to the transport itself, cancel requests and retracted slots
	uringInternal = 1 << 63
)

type ioSqringOffsets struct {
	Head        uint32
	Tail        uint32
	RingMask    uint32
	RingEntries uint32
	Flags       uint32
	Dropped     uint32
	Array       uint32
	Resv1       uint32
	Resv2       uint64
}

type ioCqringOffsets struct {
	Head        uint32
	Tail        uint32
	RingMask    uint32
	RingEntries uint32
	Overflow    uint32
	Cqes        uint32
	Resv        [2]uint32
}

type ioUringParams struct {
	SqEntries    uint32
	CqEntries    uint32
	Flags        uint32
	SqThreadCPU  uint32
	SqThreadIdle uint32
	Features     uint32
	WqFd         uint32
	Resv         [3]uint32
	SqOff        ioSqringOffsets
	CqOff        ioCqringOffsets
}

type ioUringSqe struct {
	Opcode      uint8
	Flags       uint8
	Ioprio      uint16
	Fd          int32
	Off         uint64
	Addr        uint64
	Len         uint32
	OpFlags     uint32
	UserData    uint64
	BufIndex    uint16
	Personality uint16
	SpliceFdIn  int32
	SpliceOffIn uint64
	Addr2       uint64
}

type ioUringCqe struct {
	UserData uint64
	Res      int32
	Flags    uint32
}

func init() {
	if sz := unsafe.Sizeof(ioUringSqe{}); sz != ioUringSqeSize {
		panic(fmt.Sprintf("io_uring SQE size mismatch: expected %d, got %d", ioUringSqeSize, sz))
	}
	if sz := unsafe.Sizeof(ioUringCqe{}); sz != ioUringCqeSize {
		panic(fmt.Sprintf("io_uring CQE size mismatch: expected %d, got %d", ioUringCqeSize, sz))
	}
}

// uringPending holds everything the kernel may dereference for one request until its CQE is consumed
type uringPending struct {
	req *Request
	iov []unix.Iovec
}

// Uring drives file I/O through an io_uring instance. Submissions enter the kernel immediately, completions are
// only collected when Reap is called.
type Uring struct {
	l  *logrus.Logger
	fd int

	sqRing  []byte
	cqRing  []byte
	sqesMap []byte
	sqes    []ioUringSqe
	cqCqes  []ioUringCqe

	sqHead        *uint32
	sqTail        *uint32
	sqRingMask    *uint32
	sqRingEntries *uint32
	sqArray       []uint32

	cqHead     *uint32
	cqTail     *uint32
	cqRingMask *uint32

	// sqMu guards the submission ring, cqMu the completion ring
	sqMu sync.Mutex
	cqMu sync.Mutex

	pmu     sync.Mutex
	pending map[uint64]*uringPending

	efd    *eventfd.EventFD
	closed atomic.Bool
}

func alignUint32(v, alignment uint32) uint32 {
	if alignment == 0 {
		return v
	}
	mod := v % alignment
	if mod == 0 {
		return v
	}
	return v + alignment - mod
}

// NewUring sets up a ring able to hold entries requests in flight. With pollable set an eventfd is registered
// with the ring and returned from PollFD.
func NewUring(l *logrus.Logger, entries int, pollable bool) (*Uring, error) {
	if entries < 1 {
		return nil, fmt.Errorf("io_uring entries must be at least 1, got %d", entries)
	}

	params := ioUringParams{Flags: ioringSetupClamp}
	fd, _, errno := unix.Syscall(unix.SYS_IO_URING_SETUP, uintptr(entries), uintptr(unsafe.Pointer(&params)), 0)
	if errno != 0 {
		return nil, fmt.Errorf("io_uring_setup: %w", errno)
	}

	u := &Uring{
		l:       l,
		fd:      int(fd),
		pending: make(map[uint64]*uringPending),
	}

	if int(params.SqEntries) < entries {
		u.Close()
		return nil, fmt.Errorf("io_uring clamped the ring to %d entries, need %d", params.SqEntries, entries)
	}

	if err := u.mapRings(&params); err != nil {
		u.Close()
		return nil, err
	}

	if pollable {
		efd, err := eventfd.New()
		if err != nil {
			u.Close()
			return nil, err
		}
		u.efd = efd

		rfd := int32(efd.FD())
		_, _, errno = unix.Syscall6(
			unix.SYS_IO_URING_REGISTER,
			uintptr(u.fd),
			ioringRegisterEventfd,
			uintptr(unsafe.Pointer(&rfd)),
			1,
			0, 0,
		)
		if errno != 0 {
			u.Close()
			return nil, fmt.Errorf("io_uring_register eventfd: %w", errno)
		}
	}

	l.WithFields(logrus.Fields{
		"sqEntries": params.SqEntries,
		"cqEntries": params.CqEntries,
		"features":  fmt.Sprintf("%#x", params.Features),
		"pollable":  pollable,
	}).Debug("io_uring ready")

	return u, nil
}

func (u *Uring) mapRings(params *ioUringParams) error {
	pageSize := uint32(unix.Getpagesize())

	sqRingSize := alignUint32(params.SqOff.Array+params.SqEntries*4, pageSize)
	cqRingSize := alignUint32(params.CqOff.Cqes+params.CqEntries*ioUringCqeSize, pageSize)
	sqesSize := alignUint32(params.SqEntries*ioUringSqeSize, pageSize)

	var err error
	u.sqRing, err = unix.Mmap(u.fd, ioringOffSqRing, int(sqRingSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		return fmt.Errorf("mmap sq ring: %w", err)
	}

	u.cqRing, err = unix.Mmap(u.fd, ioringOffCqRing, int(cqRingSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		return fmt.Errorf("mmap cq ring: %w", err)
	}

	u.sqesMap, err = unix.Mmap(u.fd, ioringOffSqes, int(sqesSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		return fmt.Errorf("mmap sqes: %w", err)
	}

	sqBase := unsafe.Pointer(&u.sqRing[0])
	u.sqHead = (*uint32)(unsafe.Add(sqBase, params.SqOff.Head))
	u.sqTail = (*uint32)(unsafe.Add(sqBase, params.SqOff.Tail))
	u.sqRingMask = (*uint32)(unsafe.Add(sqBase, params.SqOff.RingMask))
	u.sqRingEntries = (*uint32)(unsafe.Add(sqBase, params.SqOff.RingEntries))
	u.sqArray = unsafe.Slice((*uint32)(unsafe.Add(sqBase, params.SqOff.Array)), int(params.SqEntries))
	u.sqes = unsafe.Slice((*ioUringSqe)(unsafe.Pointer(&u.sqesMap[0])), int(params.SqEntries))

	cqBase := unsafe.Pointer(&u.cqRing[0])
	u.cqHead = (*uint32)(unsafe.Add(cqBase, params.CqOff.Head))
	u.cqTail = (*uint32)(unsafe.Add(cqBase, params.CqOff.Tail))
	u.cqRingMask = (*uint32)(unsafe.Add(cqBase, params.CqOff.RingMask))
	u.cqCqes = unsafe.Slice((*ioUringCqe)(unsafe.Add(cqBase, params.CqOff.Cqes)), int(params.CqEntries))

	return nil
}

// getSqeLocked claims and publishes the next submission slot and returns it with its ring position. The caller must
// fill it before entering the kernel.
func (u *Uring) getSqeLocked() (*ioUringSqe, uint32, error) {
	for attempt := 0; ; attempt++ {
		head := atomic.LoadUint32(u.sqHead)
		tail := atomic.LoadUint32(u.sqTail)
		entries := atomic.LoadUint32(u.sqRingEntries)

		if tail-head < entries {
			idx := tail & atomic.LoadUint32(u.sqRingMask)
			sqe := &u.sqes[idx]
			*sqe = ioUringSqe{}
			u.sqArray[idx] = idx
			atomic.StoreUint32(u.sqTail, tail+1)
			return sqe, tail, nil
		}

		if attempt > 0 {
			return nil, 0, fmt.Errorf("io_uring submission ring is full (%d entries)", entries)
		}

		// Only retracted slots can be left behind, push them through and try again
		u.l.WithFields(logrus.Fields{"head": head, "tail": tail, "entries": entries}).
			Warn("io_uring submission ring is full, flushing")
		if _, err := u.enter(tail-head, 0, 0); err != nil {
			return nil, 0, err
		}
	}
}

func (u *Uring) enter(submit, wait uint32, flags uintptr) (int, error) {
	for {
		n, _, errno := unix.Syscall6(unix.SYS_IO_URING_ENTER, uintptr(u.fd), uintptr(submit), uintptr(wait), flags, 0, 0)
		if errno == 0 {
			return int(n), nil
		}
		if errno == unix.EINTR {
			continue
		}
		return 0, errno
	}
}

// submitLocked enters the kernel with every unsubmitted sqe, retracted nops left by earlier failures included, and
// succeeds only once the kernel has consumed the sqe at pos. A refused sqe is turned into a nop so that it can never
// be picked up later with a stale request in it.
func (u *Uring) submitLocked(sqe *ioUringSqe, pos uint32) error {
	_, err := u.enter(atomic.LoadUint32(u.sqTail)-atomic.LoadUint32(u.sqHead), 0, 0)
	if err == nil && int32(atomic.LoadUint32(u.sqHead)-pos) <= 0 {
		err = unix.EAGAIN
	}
	if err != nil {
		*sqe = ioUringSqe{Opcode: ioringOpNop, UserData: uringInternal}
		return fmt.Errorf("io_uring_enter: %w", err)
	}
	return nil
}

func bufAddr(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	return uint64(uintptr(unsafe.Pointer(&b[0])))
}

func toIovecs(bufs [][]byte) []unix.Iovec {
	iov := make([]unix.Iovec, len(bufs))
	for i, b := range bufs {
		if len(b) > 0 {
			iov[i].Base = &b[0]
		}
		iov[i].SetLen(len(b))
	}
	return iov
}

func (u *Uring) prep(sqe *ioUringSqe, p *uringPending) error {
	req := p.req
	switch req.Opcode {
	case OpRead, OpWrite:
		sqe.Opcode = ioringOpRead
		if req.Opcode == OpWrite {
			sqe.Opcode = ioringOpWrite
		}
		sqe.Addr = bufAddr(req.Buf)
		sqe.Len = uint32(len(req.Buf))
	case OpReadv, OpWritev:
		sqe.Opcode = ioringOpReadv
		if req.Opcode == OpWritev {
			sqe.Opcode = ioringOpWritev
		}
		p.iov = toIovecs(req.Iovecs)
		if len(p.iov) > 0 {
			sqe.Addr = uint64(uintptr(unsafe.Pointer(&p.iov[0])))
		}
		sqe.Len = uint32(len(p.iov))
	case OpFsync:
		sqe.Opcode = ioringOpFsync
	case OpFdatasync:
		sqe.Opcode = ioringOpFsync
		sqe.OpFlags = ioringFsyncDatasync
	default:
		return fmt.Errorf("unsupported opcode %d", req.Opcode)
	}

	sqe.Fd = int32(req.FD)
	sqe.Off = uint64(req.Offset)
	sqe.UserData = req.ID
	return nil
}

func (u *Uring) Submit(req *Request) error {
	if req.ID&uringInternal != 0 {
		return fmt.Errorf("request id %#x collides with reserved bits", req.ID)
	}

	p := &uringPending{req: req}

	u.sqMu.Lock()
	defer u.sqMu.Unlock()
	if u.closed.Load() {
		return ErrClosed
	}

	var prepared ioUringSqe
	if err := u.prep(&prepared, p); err != nil {
		return err
	}

	sqe, pos, err := u.getSqeLocked()
	if err != nil {
		return err
	}
	*sqe = prepared

	// Registered before entering, a concurrent reaper may see the completion right away
	u.pmu.Lock()
	u.pending[req.ID] = p
	u.pmu.Unlock()

	if err := u.submitLocked(sqe, pos); err != nil {
		u.pmu.Lock()
		delete(u.pending, req.ID)
		u.pmu.Unlock()
		return err
	}

	return nil
}

func (u *Uring) popCqeLocked() (ioUringCqe, bool) {
	tail := atomic.LoadUint32(u.cqTail)
	head := atomic.LoadUint32(u.cqHead)
	if head == tail {
		return ioUringCqe{}, false
	}

	cqe := u.cqCqes[head&atomic.LoadUint32(u.cqRingMask)]
	atomic.StoreUint32(u.cqHead, head+1)
	return cqe, true
}

// harvestLocked moves completions from the ring into dst, swallowing the transport's own entries
func (u *Uring) harvestLocked(dst []Completion) int {
	n := 0
	flushed := false
	for n < len(dst) {
		cqe, ok := u.popCqeLocked()
		if !ok {
			if n > 0 || flushed {
				break
			}
			// Give the kernel a chance to run deferred completion work
			flushed = true
			if _, err := u.enter(0, 0, ioringEnterGetevents); err != nil {
				u.l.WithError(err).Debug("io_uring flush failed")
				break
			}
			continue
		}

		if cqe.UserData&uringInternal != 0 {
			if cqe.UserData != uringInternal && u.l.Level >= logrus.DebugLevel {
				u.l.WithFields(logrus.Fields{
					"id":  cqe.UserData &^ uringInternal,
					"res": cqe.Res,
				}).Debug("io_uring cancel request finished")
			}
			continue
		}

		u.pmu.Lock()
		p := u.pending[cqe.UserData]
		delete(u.pending, cqe.UserData)
		u.pmu.Unlock()

		if p == nil {
			u.l.WithField("id", cqe.UserData).Warn("io_uring completion for an unknown request")
			continue
		}

		dst[n] = Completion{ID: cqe.UserData, Res: int64(cqe.Res)}
		n++
	}
	return n
}

func (u *Uring) Reap(dst []Completion, minEvents int, timeout time.Duration) (int, error) {
	if len(dst) == 0 {
		return 0, nil
	}
	if minEvents > len(dst) {
		minEvents = len(dst)
	}

	u.cqMu.Lock()
	defer u.cqMu.Unlock()
	if u.closed.Load() {
		return 0, ErrClosed
	}

	// Drain the readiness counter first, anything completing after this point kicks it again
	if u.efd != nil {
		if _, err := u.efd.Drain(); err != nil {
			return 0, err
		}
	}

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	n := u.harvestLocked(dst)
	for n < minEvents && timeout != 0 {
		if timeout < 0 {
			if _, err := u.enter(0, 1, ioringEnterGetevents); err != nil {
				return n, fmt.Errorf("io_uring_enter: %w", err)
			}
		} else {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				break
			}

			ready, err := eventfd.WaitReadable(u.fd, remaining)
			if err != nil {
				return n, err
			}
			if !ready {
				break
			}
		}
		n += u.harvestLocked(dst[n:])
	}

	return n, nil
}

// Cancel queues an asynchronous cancel for req. The outcome always arrives as req's own completion, -ECANCELED if
// the kernel stopped it.
func (u *Uring) Cancel(req *Request) (bool, error) {
	u.pmu.Lock()
	_, ok := u.pending[req.ID]
	u.pmu.Unlock()
	if !ok {
		return false, nil
	}

	u.sqMu.Lock()
	defer u.sqMu.Unlock()
	if u.closed.Load() {
		return false, ErrClosed
	}

	sqe, pos, err := u.getSqeLocked()
	if err != nil {
		return false, err
	}

	sqe.Opcode = ioringOpAsyncCancel
	sqe.Fd = -1
	sqe.Addr = req.ID
	sqe.UserData = uringInternal | req.ID

	return false, u.submitLocked(sqe, pos)
}

func (u *Uring) PollFD() (int, error) {
	if u.efd == nil {
		return -1, ErrNotPollable
	}
	return u.efd.FD(), nil
}

func (u *Uring) Close() error {
	if u.closed.Swap(true) {
		return nil
	}

	u.sqMu.Lock()
	defer u.sqMu.Unlock()
	u.cqMu.Lock()
	defer u.cqMu.Unlock()

	var errs []error
	for _, m := range []*[]byte{&u.sqRing, &u.cqRing, &u.sqesMap} {
		if *m != nil {
			if err := unix.Munmap(*m); err != nil {
				errs = append(errs, err)
			}
			*m = nil
		}
	}

	if u.fd >= 0 {
		if err := unix.Close(u.fd); err != nil {
			errs = append(errs, err)
		}
		u.fd = -1
	}

	if u.efd != nil {
		if err := u.efd.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	u.pmu.Lock()
	u.pending = nil
	u.pmu.Unlock()

	return errors.Join(errs...)
}
