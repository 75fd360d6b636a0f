// Package transport is the boundary between the engine and the operating system's asynchronous I/O facility.
//
// A Transport accepts one request at a time, reports completions in whatever order the kernel finishes them and
// can be asked to cancel a request it still holds. It does no bookkeeping beyond what it needs to keep request
// memory reachable while the kernel may touch it; capacity limits and exactly-once delivery belong to the caller.
package transport

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Opcode is the kind of work a Request asks for
type Opcode uint8

const (
	OpRead Opcode = iota + 1
	OpWrite
	OpReadv
	OpWritev
	OpFsync
	OpFdatasync
)

func (o Opcode) String() string {
	switch o {
	case OpRead:
		return "pread"
	case OpWrite:
		return "pwrite"
	case OpReadv:
		return "preadv"
	case OpWritev:
		return "pwritev"
	case OpFsync:
		return "fsync"
	case OpFdatasync:
		return "fdatasync"
	}
	return "unknown"
}

var (
	ErrNotPollable = errors.New("transport has no readiness descriptor")
	ErrUnsupported = errors.New("transport is not supported on this platform")
	ErrClosed      = errors.New("transport is closed")
	ErrUnknownKind = errors.New("unknown transport kind")
)

// Request is one unit of work handed to a Transport. The buffers are borrowed, the caller keeps them valid and
// untouched until the matching Completion is reaped or Cancel reports the request canceled.
type Request struct {
	// ID is echoed back in the Completion
	ID     uint64
	Opcode Opcode
	FD     int
	// Buf is used by OpRead and OpWrite
	Buf []byte
	// Iovecs is used by OpReadv and OpWritev
	Iovecs [][]byte
	Offset int64
}

// Len is the number of bytes the request asks to transfer
func (r *Request) Len() int {
	switch r.Opcode {
	case OpRead, OpWrite:
		return len(r.Buf)
	case OpReadv, OpWritev:
		n := 0
		for _, b := range r.Iovecs {
			n += len(b)
		}
		return n
	}
	return 0
}

// Completion is the kernel's verdict on a Request: a byte count, or a negated errno
type Completion struct {
	ID  uint64
	Res int64
}

type Transport interface {
	// Submit hands req to the kernel. An error means the request was not accepted and nothing will be reported
	// for it.
	Submit(req *Request) error

	// Reap fills dst with up to len(dst) completions. A minEvents of 0 never blocks. Otherwise Reap blocks until
	// minEvents completions are available or timeout passes, a negative timeout waits without bound. Fewer than
	// minEvents may be returned when the wait is interrupted.
	Reap(dst []Completion, minEvents int, timeout time.Duration) (int, error)

	// Cancel attempts to stop req. True means the request was stopped synchronously and no completion will ever be
	// reported for it. False means a completion is still coming, carrying -ECANCELED if the cancel took effect.
	Cancel(req *Request) (bool, error)

	// PollFD returns a descriptor that becomes readable when Reap with minEvents 0 would return something
	PollFD() (int, error)

	Close() error
}

// Config selects and sizes a Transport
type Config struct {
	// Kind is one of auto, aio, uring or memory
	Kind string
	// Entries is the number of requests that may be in flight at once
	Entries int
	// Pollable asks for a readiness descriptor
	Pollable bool
	// Workers sizes the memory transport's goroutine pool, 0 picks Entries capped at 64
	Workers int
}

// New builds the transport named by cfg.Kind. The auto kind prefers io_uring, then native AIO, then the memory
// transport.
func New(l *logrus.Logger, cfg Config) (Transport, error) {
	if cfg.Entries < 1 {
		return nil, fmt.Errorf("transport entries must be at least 1, got %d", cfg.Entries)
	}

	kind := strings.ToLower(cfg.Kind)
	switch kind {
	case "uring", "io_uring", "aio", "libaio", "memory":
		return newKind(l, kind, cfg)
	case "", "auto":
		for _, k := range []string{"uring", "aio"} {
			t, err := newKind(l, k, cfg)
			if err == nil {
				l.WithField("transport", k).Debug("Selected transport")
				return t, nil
			}
			l.WithError(err).WithField("transport", k).Debug("Transport unavailable")
		}
		l.WithField("transport", "memory").Debug("Selected transport")
		return newKind(l, "memory", cfg)
	}

	return nil, fmt.Errorf("%w: %s", ErrUnknownKind, cfg.Kind)
}

func newKind(l *logrus.Logger, kind string, cfg Config) (Transport, error) {
	switch kind {
	case "uring", "io_uring":
		u, err := NewUring(l, cfg.Entries, cfg.Pollable)
		if err != nil {
			return nil, err
		}
		return u, nil
	case "aio", "libaio":
		a, err := NewAIO(l, cfg.Entries, cfg.Pollable)
		if err != nil {
			return nil, err
		}
		return a, nil
	}

	m, err := NewMemory(l, cfg.Entries, cfg.Workers, cfg.Pollable)
	if err != nil {
		return nil, err
	}
	return m, nil
}
