//go:build linux

package eventfd

import (
	"encoding/binary"
	"errors"
	"time"

	"golang.org/x/sys/unix"
)

// EventFD is a non-blocking eventfd counter. Transports hand it to the kernel so completions bump the counter and
// make the descriptor readable.
type EventFD struct {
	fd int
}

func New() (*EventFD, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &EventFD{fd: fd}, nil
}

// Kick adds one to the counter, waking anything polling the descriptor. Safe for concurrent use.
func (e *EventFD) Kick() error {
	var b [8]byte
	binary.NativeEndian.PutUint64(b[:], 1)
	for {
		_, err := unix.Write(e.fd, b[:])
		if err == unix.EINTR {
			continue
		}
		return err
	}
}

// Drain resets the counter and returns the value it held. An empty counter is not an error.
func (e *EventFD) Drain() (uint64, error) {
	var b [8]byte
	for {
		_, err := unix.Read(e.fd, b[:])
		switch err {
		case nil:
			return binary.NativeEndian.Uint64(b[:]), nil
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			return 0, nil
		default:
			return 0, err
		}
	}
}

func (e *EventFD) FD() int {
	return e.fd
}

func (e *EventFD) Close() error {
	if e.fd < 0 {
		return nil
	}
	err := unix.Close(e.fd)
	e.fd = -1
	return err
}

// Epoll is the smallest possible event loop: register readiness descriptors and block until one fires
type Epoll struct {
	fd     int
	events []unix.EpollEvent
}

func NewEpoll(maxEvents int) (*Epoll, error) {
	if maxEvents < 1 {
		maxEvents = 1
	}
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &Epoll{
		fd:     fd,
		events: make([]unix.EpollEvent, maxEvents),
	}, nil
}

// AddEvent registers fd for read readiness
func (ep *Epoll) AddEvent(fd int) error {
	event := unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(fd),
	}
	return unix.EpollCtl(ep.fd, unix.EPOLL_CTL_ADD, fd, &event)
}

// RemoveEvent unregisters fd
func (ep *Epoll) RemoveEvent(fd int) error {
	return unix.EpollCtl(ep.fd, unix.EPOLL_CTL_DEL, fd, nil)
}

// Wait blocks until a registered descriptor is readable or timeout passes, a negative timeout blocks forever.
// The ready descriptors are returned, an interrupted wait returns none.
func (ep *Epoll) Wait(timeout time.Duration) ([]int, error) {
	n, err := unix.EpollWait(ep.fd, ep.events, toMillis(timeout))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil, nil
		}
		return nil, err
	}

	ready := make([]int, n)
	for i := 0; i < n; i++ {
		ready[i] = int(ep.events[i].Fd)
	}
	return ready, nil
}

func (ep *Epoll) Close() error {
	if ep.fd < 0 {
		return nil
	}
	err := unix.Close(ep.fd)
	ep.fd = -1
	return err
}

// WaitReadable polls a single descriptor until it is readable or timeout passes
func WaitReadable(fd int, timeout time.Duration) (bool, error) {
	pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	for {
		n, err := unix.Poll(pfd, toMillis(timeout))
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return false, err
		}
		return n > 0 && pfd[0].Revents&unix.POLLIN != 0, nil
	}
}

func toMillis(timeout time.Duration) int {
	if timeout < 0 {
		return -1
	}
	ms := timeout.Milliseconds()
	if ms == 0 && timeout > 0 {
		ms = 1
	}
	return int(ms)
}
