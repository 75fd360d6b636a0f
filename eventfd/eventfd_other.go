//go:build !linux

package eventfd

import (
	"errors"
	"time"
)

var ErrNotSupported = errors.New("eventfd is only supported on linux")

type EventFD struct{}

func New() (*EventFD, error) {
	return nil, ErrNotSupported
}

func (e *EventFD) Kick() error            { return ErrNotSupported }
func (e *EventFD) Drain() (uint64, error) { return 0, ErrNotSupported }
func (e *EventFD) FD() int                { return -1 }
func (e *EventFD) Close() error           { return nil }

type Epoll struct{}

func NewEpoll(int) (*Epoll, error) {
	return nil, ErrNotSupported
}

func (ep *Epoll) AddEvent(int) error                { return ErrNotSupported }
func (ep *Epoll) RemoveEvent(int) error             { return ErrNotSupported }
func (ep *Epoll) Wait(time.Duration) ([]int, error) { return nil, ErrNotSupported }
func (ep *Epoll) Close() error                      { return nil }
func WaitReadable(int, time.Duration) (bool, error) { return false, ErrNotSupported }
