package asyncio

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Queue accepts any number of ops and feeds them to a Context in FIFO order as slots free up. Once a Queue wraps a
// Context all submissions must go through the Queue.
type Queue struct {
	c *Context

	mu      sync.Mutex
	backlog []*Op
}

// NewQueue attaches a queue to c. Every Wait on c that reaps n ops submits up to n queued ops before returning.
func NewQueue(c *Context) (*Queue, error) {
	q := &Queue{c: c}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.wrapped {
		return nil, fmt.Errorf("%w: context already has a queue", ErrInvalidState)
	}
	c.wrapped = true
	c.hook = func(reaped int) { q.replenish(reaped) }

	return q, nil
}

// Submit hands op to the context when nothing is queued ahead of it and a slot is free, otherwise it is queued.
// Capacity never causes a failure, transport failures are returned and leave op initialized.
func (q *Queue) Submit(op *Op) error {
	if s := op.State(); s != StateInitialized {
		return fmt.Errorf("%w: can not queue a %s op", ErrInvalidState, s)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if op.queued.Load() {
		return fmt.Errorf("%w: op is already queued", ErrInvalidState)
	}

	// Slots freed without a reap, by Cancel or a failed submit, go to the oldest queued ops first
	if len(q.backlog) > 0 {
		q.replenishLocked(math.MaxInt)
	}

	if len(q.backlog) == 0 {
		err := q.c.submit(op, false)
		if err == nil || !errors.Is(err, ErrCapacityExceeded) {
			return err
		}
	}

	op.queued.Store(true)
	q.backlog = append(q.backlog, op)
	q.c.metrics.queued.Inc(1)
	return nil
}

// Queued is the number of ops waiting for a slot
func (q *Queue) Queued() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.backlog)
}

// Replenish submits as many queued ops as the context has room for. Wait does this on its own, Replenish is
// for slots freed by Cancel.
func (q *Queue) Replenish() int {
	return q.replenish(math.MaxInt)
}

func (q *Queue) replenish(n int) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.replenishLocked(n)
}

func (q *Queue) replenishLocked(n int) int {
	submitted := 0
	for submitted < n && len(q.backlog) > 0 {
		op := q.backlog[0]
		err := q.c.submit(op, false)
		switch {
		case err == nil:
			submitted++
		case errors.Is(err, ErrCapacityExceeded):
			return submitted
		case errors.Is(err, ErrInvalidState):
			// Reconfigured behind our back, it can never be submitted
			q.c.l.WithError(err).WithField("op", op).Warn("Dropping queued op")
		default:
			q.c.l.WithError(err).WithField("op", op).Error("Failed to submit queued op")
			return submitted
		}

		op.queued.Store(false)
		q.backlog[0] = nil
		q.backlog = q.backlog[1:]
		q.c.metrics.queued.Dec(1)
	}

	if len(q.backlog) == 0 {
		q.backlog = nil
	}

	if submitted > 0 && q.c.l.Level >= logrus.DebugLevel {
		q.c.l.WithFields(logrus.Fields{"submitted": submitted, "queued": len(q.backlog)}).Debug("Replenished context")
	}
	return submitted
}

// Wait reaps the wrapped context, see Context.Wait
func (q *Queue) Wait(ctx context.Context, minEvents int) ([]*Op, error) {
	return q.c.Wait(ctx, minEvents)
}

// Cancel cancels every queued op and then every op in flight on the context
func (q *Queue) Cancel() (canceled, completed []*Op, err error) {
	q.mu.Lock()
	backlog := q.backlog
	q.backlog = nil
	q.c.metrics.queued.Dec(int64(len(backlog)))
	q.mu.Unlock()

	for _, op := range backlog {
		op.queued.Store(false)
		op.finish(StateCanceled, -int64(unix.ECANCELED))
	}
	q.c.metrics.cancels.Inc(int64(len(backlog)))

	inflight, completed, err := q.c.Cancel()
	return append(backlog, inflight...), completed, err
}

// Context returns the wrapped context
func (q *Queue) Context() *Context {
	return q.c
}
