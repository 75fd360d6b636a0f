package asyncio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/asyncio/config"
	"github.com/slackhq/asyncio/transport"
	"golang.org/x/sys/unix"
)

type PollMode uint8

const (
	NotPollable PollMode = iota
	Pollable
)

func (m PollMode) String() string {
	if m == Pollable {
		return "pollable"
	}
	return "not pollable"
}

const (
	defaultWaitSlice = 100 * time.Millisecond
	genMask          = 1<<31 - 1
)

// slot is one in-flight entry. A request id is the slot index in the low 32 bits and the slot generation above
// it, so a completion for a previous tenant of the slot is never matched to the current one.
type slot struct {
	op         *Op
	gen        uint32
	canceling  bool
	submitting bool
}

func requestID(idx int, gen uint32) uint64 {
	return uint64(uint32(idx)) | uint64(gen)<<32
}

// Context owns a fixed number of in-flight slots and moves ops between the caller and a transport. Submit is safe
// from any number of goroutines, only one Wait may reap at a time.
type Context struct {
	l         *logrus.Logger
	t         transport.Transport
	mode      PollMode
	waitSlice time.Duration
	metrics   *contextMetrics

	mu        sync.Mutex
	slots     []slot
	free      []int
	pending   int
	canceling int
	total     uint64
	wrapped   bool
	closed    bool
	hook      func(reaped int)
	// ready holds completions pulled from the transport by Cancel that belong to a later Wait
	ready []transport.Completion
	// stash holds completions pulled by Wait for slots that a Cancel is settling
	stash   []transport.Completion
	stashed chan struct{}

	// reapMu serializes transport reaping, buf is only touched while holding it
	reapMu sync.Mutex
	buf    []transport.Completion
}

// NewContext wraps t with a pool of capacity slots. The transport must be able to hold capacity requests in
// flight and must offer a readiness descriptor when mode is Pollable.
func NewContext(l *logrus.Logger, t transport.Transport, capacity int, mode PollMode) (*Context, error) {
	return newContext(l, t, capacity, mode, metrics.DefaultRegistry)
}

func newContext(l *logrus.Logger, t transport.Transport, capacity int, mode PollMode, r metrics.Registry) (*Context, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("%w: capacity must be at least 1, got %d", ErrInvalidArgument, capacity)
	}
	if t == nil {
		return nil, fmt.Errorf("%w: transport is required", ErrInvalidArgument)
	}
	if mode == Pollable {
		if _, err := t.PollFD(); err != nil {
			return nil, fmt.Errorf("%w: pollable mode needs a readiness descriptor: %w", ErrInvalidArgument, err)
		}
	}

	c := &Context{
		l:         l,
		t:         t,
		mode:      mode,
		waitSlice: defaultWaitSlice,
		metrics:   newContextMetrics(r),
		slots:     make([]slot, capacity),
		free:      make([]int, capacity),
		stashed:   make(chan struct{}, 1),
		buf:       make([]transport.Completion, capacity),
	}

	// Lowest slot index is handed out first
	for i := range c.free {
		c.free[i] = capacity - 1 - i
	}

	return c, nil
}

// NewContextFromConfig builds the transport named by aio.transport and wraps it in a Context
func NewContextFromConfig(l *logrus.Logger, c *config.C) (*Context, error) {
	capacity := c.GetInt("aio.capacity", 128)
	entries := c.GetInt("aio.entries", capacity)
	if entries < capacity {
		return nil, fmt.Errorf("%w: aio.entries (%d) must be at least aio.capacity (%d)", ErrInvalidArgument, entries, capacity)
	}

	waitSlice := c.GetDuration("aio.wait_slice", defaultWaitSlice)
	if waitSlice <= 0 {
		return nil, fmt.Errorf("%w: aio.wait_slice must be positive, got %s", ErrInvalidArgument, waitSlice)
	}

	mode := NotPollable
	if c.GetBool("aio.pollable", false) {
		mode = Pollable
	}

	t, err := transport.New(l, transport.Config{
		Kind:     c.GetString("aio.transport", "auto"),
		Entries:  entries,
		Pollable: mode == Pollable,
		Workers:  c.GetInt("aio.workers", 0),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}

	ctx, err := NewContext(l, t, capacity, mode)
	if err != nil {
		t.Close()
		return nil, err
	}
	ctx.waitSlice = waitSlice

	l.WithFields(logrus.Fields{
		"transport": fmt.Sprintf("%T", t),
		"capacity":  capacity,
		"pollMode":  mode,
		"waitSlice": waitSlice,
	}).Info("Async I/O context ready")

	return ctx, nil
}

// Submit hands op to the transport. It fails with ErrCapacityExceeded when every slot is taken, callers that
// want to queue should use a Queue instead.
func (c *Context) Submit(op *Op) error {
	return c.submit(op, true)
}

// submit reserves a slot under the lock and enters the transport outside of it, a buffered io_submit may do the
// whole read before returning. The slot is marked submitting until the transport answered, Cancel leaves such
// slots alone and completions that beat the answer are parked in ready.
func (c *Context) submit(op *Op, direct bool) error {
	c.mu.Lock()
	if direct && c.wrapped {
		c.mu.Unlock()
		return ErrContextWrapped
	}
	idx, err := c.reserveLocked(op)
	c.mu.Unlock()
	if err != nil {
		return err
	}

	terr := c.t.Submit(&op.req)

	c.mu.Lock()
	s := &c.slots[idx]
	s.submitting = false
	if terr != nil {
		s.op = nil
		c.free = append(c.free, idx)
		c.pending--
		c.metrics.pending.Dec(1)
		c.metrics.errors.Inc(1)
		op.state.Store(uint32(StateInitialized))
		c.mu.Unlock()
		return fmt.Errorf("%w: %w", ErrTransport, terr)
	}
	c.total++
	c.metrics.submits.Inc(1)
	c.mu.Unlock()

	if c.l.Level >= logrus.TraceLevel {
		c.l.WithField("op", op).WithField("id", op.req.ID).Trace("Submitted op")
	}
	return nil
}

// reserveLocked claims a slot for op and counts it as pending
func (c *Context) reserveLocked(op *Op) (int, error) {
	if c.closed {
		return -1, ErrClosed
	}
	if s := op.State(); s != StateInitialized {
		return -1, fmt.Errorf("%w: can not submit a %s op", ErrInvalidState, s)
	}
	if c.pending == len(c.slots) {
		return -1, fmt.Errorf("%w: %d ops in flight", ErrCapacityExceeded, c.pending)
	}

	idx := c.free[len(c.free)-1]
	c.free = c.free[:len(c.free)-1]
	s := &c.slots[idx]
	s.gen = (s.gen + 1) & genMask
	s.op = op
	s.canceling = false
	s.submitting = true
	op.req.ID = requestID(idx, s.gen)
	op.state.Store(uint32(StateWaiting))
	c.pending++
	c.metrics.pending.Inc(1)
	return idx, nil
}

// releaseLocked frees a slot and returns the op that occupied it
func (c *Context) releaseLocked(idx int) *Op {
	s := &c.slots[idx]
	op := s.op
	if s.canceling {
		c.canceling--
	}
	s.op = nil
	s.canceling = false
	c.free = append(c.free, idx)
	c.pending--
	c.metrics.pending.Dec(1)
	return op
}

// lookupLocked finds the slot a completion belongs to, -1 if the id is stale or unknown
func (c *Context) lookupLocked(id uint64) int {
	idx := int(uint32(id))
	if idx >= len(c.slots) {
		return -1
	}
	s := &c.slots[idx]
	if s.op == nil || uint64(s.gen) != id>>32 {
		return -1
	}
	return idx
}

type settled struct {
	op  *Op
	st  State
	res int64
}

// finishAll runs terminal transitions outside of the lock so that callbacks can submit again
func (c *Context) finishAll(done []settled) []*Op {
	if len(done) == 0 {
		return nil
	}
	ops := make([]*Op, len(done))
	for i, d := range done {
		d.op.finish(d.st, d.res)
		ops[i] = d.op
	}
	return ops
}

// complete settles completions reaped on behalf of Wait. Completions for slots under cancellation are parked for
// the canceling call instead.
func (c *Context) complete(comps []transport.Completion) []*Op {
	if len(comps) == 0 {
		return nil
	}

	var done []settled
	stashed := false
	c.mu.Lock()
	for _, comp := range comps {
		idx := c.lookupLocked(comp.ID)
		if idx < 0 {
			c.l.WithField("id", comp.ID).Warn("Dropping completion for an unknown request")
			continue
		}
		if c.slots[idx].submitting {
			// Submit has not heard back from the transport yet, a later Wait picks it up
			c.ready = append(c.ready, comp)
			continue
		}
		if c.slots[idx].canceling {
			c.stash = append(c.stash, comp)
			stashed = true
			continue
		}

		done = append(done, settled{op: c.releaseLocked(idx), st: StateCompleted, res: comp.Res})
		if comp.Res < 0 {
			c.metrics.errors.Inc(1)
		}
	}
	c.metrics.completions.Inc(int64(len(done)))
	c.mu.Unlock()

	if stashed {
		select {
		case c.stashed <- struct{}{}:
		default:
		}
	}

	return c.finishAll(done)
}

// live is the number of in-flight ops nobody is canceling
func (c *Context) live() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending - c.canceling
}

func (c *Context) takeReady() []transport.Completion {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := c.ready
	c.ready = nil
	return r
}

// Wait reaps finished ops. A minEvents of 0 polls once without blocking. Otherwise Wait blocks until
// min(minEvents, Pending()) ops finished, ctx is done or a concurrent Cancel takes the remaining ops away. The
// returned ops are completed, their callbacks have run and their slots are free.
//
// Only one Wait may run at a time, a second concurrent call fails with ErrBusy.
func (c *Context) Wait(ctx context.Context, minEvents int) ([]*Op, error) {
	if minEvents < 0 {
		return nil, fmt.Errorf("%w: minEvents must not be negative, got %d", ErrInvalidArgument, minEvents)
	}
	if !c.reapMu.TryLock() {
		return nil, ErrBusy
	}
	defer c.reapMu.Unlock()

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	var out []*Op
	for first := true; ; first = false {
		out = append(out, c.complete(c.takeReady())...)

		need := 0
		if minEvents > 0 {
			need = min(minEvents-len(out), c.live())
			if need <= 0 {
				break
			}
		} else if !first {
			break
		}

		var timeout time.Duration
		if need > 0 {
			if err := ctx.Err(); err != nil {
				return c.deliver(out, err)
			}
			timeout = c.waitSlice
			if dl, ok := ctx.Deadline(); ok {
				left := time.Until(dl)
				if left <= 0 {
					return c.deliver(out, context.DeadlineExceeded)
				}
				timeout = min(timeout, left)
			}
		}

		n, err := c.t.Reap(c.buf, need, timeout)
		out = append(out, c.complete(c.buf[:n])...)
		if err != nil {
			return c.deliver(out, fmt.Errorf("%w: %w", ErrTransport, err))
		}
	}

	return c.deliver(out, nil)
}

// deliver runs the reap hook and decides which error the caller sees. A done ctx is only reported when nothing
// was reaped.
func (c *Context) deliver(out []*Op, err error) ([]*Op, error) {
	if len(out) == 0 {
		return nil, err
	}

	c.metrics.reapBatch.Update(int64(len(out)))
	if c.l.Level >= logrus.DebugLevel {
		c.l.WithField("reaped", len(out)).WithField("pending", c.Pending()).Debug("Reaped ops")
	}

	c.mu.Lock()
	hook := c.hook
	c.mu.Unlock()
	if hook != nil {
		hook(len(out))
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		err = nil
	}
	return out, err
}

// Cancel stops every op in flight at the time of the call. Ops the transport stopped come back canceled with
// -ECANCELED, ops that finished while the cancel was under way come back completed. Together the two slices hold
// exactly the ops that were in flight. Requests the transport can not stop synchronously are waited for, a
// concurrent Wait never returns any of them. Ops a concurrent Submit is still handing to the transport are left
// in flight.
func (c *Context) Cancel() (canceled, completed []*Op, err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, nil, ErrClosed
	}

	type entry struct {
		idx int
		op  *Op
	}
	var snap []entry
	for idx := range c.slots {
		s := &c.slots[idx]
		if s.op != nil && !s.canceling && !s.submitting {
			s.canceling = true
			c.canceling++
			snap = append(snap, entry{idx: idx, op: s.op})
		}
	}
	c.mu.Unlock()

	if len(snap) == 0 {
		return nil, nil, nil
	}

	var done []settled
	outstanding := map[uint64]int{}
	for _, e := range snap {
		idx, op := e.idx, e.op
		stopped, cerr := c.t.Cancel(&op.req)
		if cerr != nil {
			c.l.WithError(cerr).WithField("op", op).Warn("Transport failed to cancel op, waiting for it to finish")
		}
		if !stopped {
			outstanding[op.req.ID] = idx
			continue
		}

		c.mu.Lock()
		done = append(done, settled{op: c.releaseLocked(idx), st: StateCanceled, res: -int64(unix.ECANCELED)})
		c.mu.Unlock()
	}

	if len(outstanding) > 0 {
		more, derr := c.drain(outstanding)
		done = append(done, more...)
		if derr != nil {
			err = fmt.Errorf("%w: %w", ErrTransport, derr)
		}
	}

	for _, op := range c.finishAll(done) {
		if op.State() == StateCanceled {
			canceled = append(canceled, op)
		} else {
			completed = append(completed, op)
		}
	}

	c.metrics.cancels.Inc(int64(len(canceled)))
	c.metrics.completions.Inc(int64(len(completed)))
	c.l.WithFields(logrus.Fields{
		"canceled":  len(canceled),
		"completed": len(completed),
	}).Debug("Canceled in flight ops")

	return canceled, completed, err
}

// drain waits for the completions of outstanding, either pulling them from the transport itself or collecting
// them from a concurrent Wait.
func (c *Context) drain(outstanding map[uint64]int) ([]settled, error) {
	var done []settled

	settle := func(comp transport.Completion) {
		idx := outstanding[comp.ID]
		delete(outstanding, comp.ID)
		st := StateCompleted
		if comp.Res == -int64(unix.ECANCELED) {
			st = StateCanceled
		} else if comp.Res < 0 {
			c.metrics.errors.Inc(1)
		}
		done = append(done, settled{op: c.releaseLocked(idx), st: st, res: comp.Res})
	}

	for len(outstanding) > 0 {
		c.mu.Lock()
		keep := c.stash[:0]
		for _, comp := range c.stash {
			if _, ok := outstanding[comp.ID]; ok {
				settle(comp)
			} else {
				keep = append(keep, comp)
			}
		}
		c.stash = keep
		c.mu.Unlock()

		if len(outstanding) == 0 {
			break
		}

		if !c.reapMu.TryLock() {
			// A Wait is reaping, it will park our completions in the stash
			select {
			case <-c.stashed:
			case <-time.After(c.waitSlice):
			}
			continue
		}

		n, err := c.t.Reap(c.buf, 1, c.waitSlice)
		c.mu.Lock()
		for _, comp := range c.buf[:n] {
			if _, ok := outstanding[comp.ID]; ok {
				settle(comp)
				continue
			}

			idx := c.lookupLocked(comp.ID)
			switch {
			case idx < 0:
				c.l.WithField("id", comp.ID).Warn("Dropping completion for an unknown request")
			case c.slots[idx].canceling:
				// Belongs to another Cancel
				c.stash = append(c.stash, comp)
			default:
				c.ready = append(c.ready, comp)
			}
		}
		c.mu.Unlock()
		c.reapMu.Unlock()

		if err != nil {
			return done, err
		}
	}

	return done, nil
}

// Pending is the number of ops in flight
func (c *Context) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}

// TotalSubmits is the number of ops ever accepted by Submit
func (c *Context) TotalSubmits() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

func (c *Context) Capacity() int {
	return len(c.slots)
}

func (c *Context) PollMode() PollMode {
	return c.mode
}

// PollFD returns a descriptor that turns readable when Wait(ctx, 0) would return ops. The descriptor belongs to
// the transport, callers register it with their own event loop and must not close it.
func (c *Context) PollFD() (int, error) {
	if c.mode != Pollable {
		return -1, ErrNotPollable
	}
	return c.t.PollFD()
}

// Close releases the transport. Every op must have been reaped or canceled first.
func (c *Context) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	if c.pending > 0 {
		p := c.pending
		c.mu.Unlock()
		return fmt.Errorf("%w: %d ops still in flight", ErrInvalidState, p)
	}
	c.closed = true
	c.mu.Unlock()

	return c.t.Close()
}
