package asyncio

import (
	"fmt"
	"sync/atomic"

	"github.com/slackhq/asyncio/transport"
	"golang.org/x/sys/unix"
)

type State uint32

const (
	StateUninitialized State = iota
	StateInitialized
	StateWaiting
	StateCompleted
	StateCanceled
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitialized:
		return "initialized"
	case StateWaiting:
		return "waiting"
	case StateCompleted:
		return "completed"
	case StateCanceled:
		return "canceled"
	}
	return "unknown"
}

func (s State) terminal() bool {
	return s == StateCompleted || s == StateCanceled
}

type Kind = transport.Opcode

const (
	KindRead      = transport.OpRead
	KindWrite     = transport.OpWrite
	KindReadv     = transport.OpReadv
	KindWritev    = transport.OpWritev
	KindFsync     = transport.OpFsync
	KindFdatasync = transport.OpFdatasync
)

// Op is one asynchronous request. The caller owns it and its buffers, a Context only borrows it between Submit
// and the terminal transition. An Op must not be copied after first use.
type Op struct {
	state    atomic.Uint32
	req      transport.Request
	result   int64
	callback func(*Op)
	done     chan struct{}
	// queued is set while the op sits in a Queue backlog
	queued atomic.Bool
}

// PRead reads len(buf) bytes from fd at offset into buf
func (o *Op) PRead(fd int, buf []byte, offset int64) error {
	return o.prepare(KindRead, fd, buf, nil, offset)
}

// PWrite writes buf to fd at offset
func (o *Op) PWrite(fd int, buf []byte, offset int64) error {
	return o.prepare(KindWrite, fd, buf, nil, offset)
}

// PReadv scatters a read starting at offset across bufs
func (o *Op) PReadv(fd int, bufs [][]byte, offset int64) error {
	return o.prepare(KindReadv, fd, nil, bufs, offset)
}

// PWritev gathers bufs into one write starting at offset
func (o *Op) PWritev(fd int, bufs [][]byte, offset int64) error {
	return o.prepare(KindWritev, fd, nil, bufs, offset)
}

func (o *Op) Fsync(fd int) error {
	return o.prepare(KindFsync, fd, nil, nil, 0)
}

func (o *Op) Fdatasync(fd int) error {
	return o.prepare(KindFdatasync, fd, nil, nil, 0)
}

func (o *Op) prepare(kind Kind, fd int, buf []byte, bufs [][]byte, offset int64) error {
	if s := o.State(); s != StateUninitialized {
		return fmt.Errorf("%w: can not configure a %s op", ErrInvalidState, s)
	}
	if fd < 0 {
		return fmt.Errorf("%w: bad file descriptor %d", ErrInvalidArgument, fd)
	}
	if offset < 0 {
		return fmt.Errorf("%w: negative offset %d", ErrInvalidArgument, offset)
	}

	o.req = transport.Request{Opcode: kind, FD: fd, Buf: buf, Iovecs: bufs, Offset: offset}
	o.done = make(chan struct{})
	o.state.Store(uint32(StateInitialized))
	return nil
}

// SetNotificationCallback registers fn to run exactly once when the op completes or is canceled. It runs on the
// goroutine that observed the transition and must not block. The callback can only be changed before submission.
func (o *Op) SetNotificationCallback(fn func(*Op)) error {
	if s := o.State(); s != StateUninitialized && s != StateInitialized {
		return fmt.Errorf("%w: can not set a callback on a %s op", ErrInvalidState, s)
	}
	if o.queued.Load() {
		return fmt.Errorf("%w: can not set a callback on a queued op", ErrInvalidState)
	}
	o.callback = fn
	return nil
}

// Result is the byte count transferred or a negated errno. Canceled ops report -ECANCELED.
func (o *Op) Result() (int64, error) {
	if !o.State().terminal() {
		return 0, ErrNotReady
	}
	return o.result, nil
}

// Errno converts a negative result into a unix.Errno, nil on success
func (o *Op) Errno() error {
	res, err := o.Result()
	if err != nil {
		return err
	}
	if res < 0 {
		return unix.Errno(-res)
	}
	return nil
}

// Reset makes a finished op reusable
func (o *Op) Reset() error {
	if s := o.State(); !s.terminal() {
		return fmt.Errorf("%w: can not reset a %s op", ErrInvalidState, s)
	}
	o.req = transport.Request{}
	o.result = 0
	o.callback = nil
	o.done = nil
	o.state.Store(uint32(StateUninitialized))
	return nil
}

func (o *Op) State() State {
	return State(o.state.Load())
}

// Done is closed once the op is completed or canceled. It is nil before the op is configured.
func (o *Op) Done() <-chan struct{} {
	return o.done
}

func (o *Op) Kind() Kind {
	return o.req.Opcode
}

func (o *Op) FD() int {
	return o.req.FD
}

func (o *Op) Offset() int64 {
	return o.req.Offset
}

// Len is the number of bytes requested
func (o *Op) Len() int {
	return o.req.Len()
}

func (o *Op) String() string {
	s := o.State()
	if !s.terminal() {
		return fmt.Sprintf("{state=%s, kind=%s, fd=%d, offset=%d, len=%d}", s, o.req.Opcode, o.req.FD, o.req.Offset, o.Len())
	}
	return fmt.Sprintf("{state=%s, kind=%s, fd=%d, offset=%d, len=%d, result=%d}", s, o.req.Opcode, o.req.FD, o.req.Offset, o.Len(), o.result)
}

// finish moves the op into a terminal state, runs the callback and releases Done waiters
func (o *Op) finish(st State, res int64) {
	o.result = res
	o.state.Store(uint32(st))

	done := o.done
	if cb := o.callback; cb != nil {
		cb(o)
	}
	if done != nil {
		close(done)
	}
}
