//go:build !linux

package transport

import (
	"time"

	"github.com/sirupsen/logrus"
)

type Uring struct{}

func NewUring(*logrus.Logger, int, bool) (*Uring, error) { return nil, ErrUnsupported }

func (*Uring) Submit(*Request) error                              { return ErrUnsupported }
func (*Uring) Reap([]Completion, int, time.Duration) (int, error) { return 0, ErrUnsupported }
func (*Uring) Cancel(*Request) (bool, error)                      { return false, ErrUnsupported }
func (*Uring) PollFD() (int, error)                               { return -1, ErrUnsupported }
func (*Uring) Close() error                                       { return nil }

type AIO struct{}

func NewAIO(*logrus.Logger, int, bool) (*AIO, error) { return nil, ErrUnsupported }

func (*AIO) Submit(*Request) error                              { return ErrUnsupported }
func (*AIO) Reap([]Completion, int, time.Duration) (int, error) { return 0, ErrUnsupported }
func (*AIO) Cancel(*Request) (bool, error)                      { return false, ErrUnsupported }
func (*AIO) PollFD() (int, error)                               { return -1, ErrUnsupported }
func (*AIO) Close() error                                       { return nil }
