//go:build linux

package asyncio

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rcrowley/go-metrics"
	"github.com/slackhq/asyncio/eventfd"
	"github.com/slackhq/asyncio/test"
	"github.com/slackhq/asyncio/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

type readRange struct {
	start int64
	size  int
}

var readSuites = map[string][]readRange{
	"zero":     {{0, 0}},
	"single":   {{0, test.Align}},
	"multiple": {{test.Align, 2 * test.Align}, {test.Align, 2 * test.Align}, {test.Align, 4 * test.Align}},
	"many":     manyRanges(200),
}

const readFileSize = 1 << 20

func manyRanges(n int) []readRange {
	ranges := make([]readRange, n)
	for i := range ranges {
		blocks := int64(readFileSize / test.Align)
		start := (int64(i) * 7919) % blocks
		size := 1 + (i*31)%4
		if start+int64(size) > blocks {
			start = blocks - int64(size)
		}
		ranges[i] = readRange{start: start * test.Align, size: size * test.Align}
	}
	return ranges
}

func newKernelContext(t *testing.T, kind string, capacity int, mode PollMode) *Context {
	t.Helper()
	l := test.NewLogger()
	tr, err := transport.New(l, transport.Config{Kind: kind, Entries: capacity, Pollable: mode == Pollable})
	if err != nil {
		t.Skipf("%s transport is not available: %v", kind, err)
	}

	c, err := newContext(l, tr, capacity, mode, metrics.NewRegistry())
	require.NoError(t, err)
	c.waitSlice = 20 * time.Millisecond
	t.Cleanup(func() {
		c.Cancel()
		assert.NoError(t, c.Close())
	})
	return c
}

// reap collects at least n ops, through the readiness descriptor when the context is pollable
func reap(t *testing.T, c *Context, q *Queue, n int) []*Op {
	t.Helper()
	wait := c.Wait
	if q != nil {
		wait = q.Wait
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var ep *eventfd.Epoll
	if c.PollMode() == Pollable {
		fd, err := c.PollFD()
		require.NoError(t, err)
		ep, err = eventfd.NewEpoll(1)
		require.NoError(t, err)
		defer ep.Close()
		require.NoError(t, ep.AddEvent(fd))
	}

	var out []*Op
	for len(out) < n {
		require.NoError(t, ctx.Err(), "reaped %d of %d", len(out), n)
		if ep == nil {
			ops, err := wait(ctx, 1)
			require.NoError(t, err)
			out = append(out, ops...)
			continue
		}

		if _, err := ep.Wait(50 * time.Millisecond); err != nil {
			require.NoError(t, err)
		}
		ops, err := wait(ctx, 0)
		require.NoError(t, err)
		out = append(out, ops...)
	}
	require.GreaterOrEqual(t, len(out), n)
	return out
}

func checkRead(t *testing.T, op *Op, rr readRange) {
	t.Helper()
	res, err := op.Result()
	require.NoError(t, err)
	require.Equal(t, int64(rr.size), res, "op %s", op)
	require.Equal(t, int64(-1), test.CheckPattern(op.req.Buf, rr.start))
}

func newRead(t *testing.T, fd int, rr readRange) *Op {
	op := &Op{}
	require.NoError(t, op.PRead(fd, test.AlignedBuffer(rr.size), rr.start))
	return op
}

func forEachTransport(t *testing.T, fn func(t *testing.T, kind string, mode PollMode)) {
	for _, kind := range []string{"uring", "aio", "memory"} {
		for _, mode := range []PollMode{NotPollable, Pollable} {
			t.Run(fmt.Sprintf("%s/%s", kind, mode), func(t *testing.T) {
				fn(t, kind, mode)
			})
		}
	}
}

func TestReads(t *testing.T) {
	path := test.TempFile(t, readFileSize)

	forEachTransport(t, func(t *testing.T, kind string, mode PollMode) {
		fd := test.Open(t, path, unix.O_RDONLY)

		for name, ranges := range readSuites {
			t.Run(name+"/serial", func(t *testing.T) {
				c := newKernelContext(t, kind, 1, mode)
				for _, rr := range ranges {
					op := newRead(t, fd, rr)
					require.NoError(t, c.Submit(op))
					assert.Equal(t, 1, c.Pending())
					ops := reap(t, c, nil, 1)
					assert.Equal(t, op, ops[0])
					checkRead(t, op, rr)
				}
				assert.Equal(t, uint64(len(ranges)), c.TotalSubmits())
			})

			t.Run(name+"/parallel", func(t *testing.T) {
				c := newKernelContext(t, kind, len(ranges), mode)
				ops := map[*Op]readRange{}
				for _, rr := range ranges {
					op := newRead(t, fd, rr)
					require.NoError(t, c.Submit(op))
					ops[op] = rr
				}
				assert.Equal(t, len(ranges), c.Pending())

				for _, op := range reap(t, c, nil, len(ranges)) {
					checkRead(t, op, ops[op])
				}
				assert.Zero(t, c.Pending())
			})

			t.Run(name+"/multithreaded", func(t *testing.T) {
				c := newKernelContext(t, kind, len(ranges), mode)
				ops := make([]*Op, len(ranges))
				for i, rr := range ranges {
					ops[i] = newRead(t, fd, rr)
				}

				var g errgroup.Group
				for _, op := range ops {
					g.Go(func() error { return c.Submit(op) })
				}
				require.NoError(t, g.Wait())

				reaped := reap(t, c, nil, len(ranges))
				assert.ElementsMatch(t, ops, reaped)
				for i, op := range ops {
					checkRead(t, op, ranges[i])
				}
			})

			t.Run(name+"/queued", func(t *testing.T) {
				capacity := max(1, len(ranges)/4)
				c := newKernelContext(t, kind, capacity, mode)
				q, err := NewQueue(c)
				require.NoError(t, err)

				ops := map[*Op]readRange{}
				for _, rr := range ranges {
					op := newRead(t, fd, rr)
					require.NoError(t, q.Submit(op))
					ops[op] = rr
				}
				assert.Equal(t, len(ranges)-min(capacity, len(ranges)), q.Queued())

				for _, op := range reap(t, c, q, len(ranges)) {
					checkRead(t, op, ops[op])
				}
				assert.Zero(t, q.Queued())
				assert.Zero(t, c.Pending())
			})
		}
	})
}

func TestCancelKernel(t *testing.T) {
	path := test.TempFile(t, readFileSize)

	forEachTransport(t, func(t *testing.T, kind string, mode PollMode) {
		fd := test.Open(t, path, unix.O_RDONLY)
		c := newKernelContext(t, kind, 20, mode)

		completedByCallback := 0
		var ops []*Op
		schedule := func(n int) {
			for i := range n {
				op := newRead(t, fd, readRange{start: int64(i) * test.Align, size: 2 * test.Align})
				require.NoError(t, op.SetNotificationCallback(func(o *Op) {
					if o.State() == StateCompleted {
						completedByCallback++
					}
				}))
				require.NoError(t, c.Submit(op))
				ops = append(ops, op)
			}
		}

		schedule(10)
		reapedFirst := len(reap(t, c, nil, 1))
		assert.Equal(t, reapedFirst, completedByCallback)

		schedule(10)
		canceled, completed, err := c.Cancel()
		require.NoError(t, err)
		assert.Equal(t, 20-reapedFirst, len(canceled)+len(completed))
		assert.Zero(t, c.Pending())

		found := 0
		for _, op := range ops {
			switch op.State() {
			case StateCompleted:
				found++
			case StateCanceled:
				assert.ErrorIs(t, op.Errno(), unix.ECANCELED)
			default:
				t.Errorf("op %s was left behind", op)
			}
		}
		assert.Equal(t, completedByCallback, found)
	})
}

func TestContext_PollFD(t *testing.T) {
	c := newKernelContext(t, "memory", 2, Pollable)
	fd := test.Open(t, test.TempFile(t, 4096), unix.O_RDONLY)

	pfd, err := c.PollFD()
	require.NoError(t, err)

	ready, err := eventfd.WaitReadable(pfd, 0)
	require.NoError(t, err)
	assert.False(t, ready)

	require.NoError(t, c.Submit(readOp(t, fd, 100, 0)))
	ready, err = eventfd.WaitReadable(pfd, 5*time.Second)
	require.NoError(t, err)
	require.True(t, ready)

	ops, err := c.Wait(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, ops, 1)
}
