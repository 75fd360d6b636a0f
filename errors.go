package asyncio

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrInvalidState     = errors.New("invalid state")
	ErrCapacityExceeded = errors.New("context is at capacity")
	ErrNotReady         = errors.New("op has not finished")
	ErrTransport        = errors.New("transport failure")
	ErrBusy             = errors.New("another wait is already reaping this context")
	ErrNotPollable      = errors.New("context is not pollable")
	ErrClosed           = errors.New("context is closed")
	ErrContextWrapped   = fmt.Errorf("%w: context is fed by a queue", ErrInvalidState)
)
