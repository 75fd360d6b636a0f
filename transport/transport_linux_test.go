//go:build linux

package transport

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/slackhq/asyncio/eventfd"
	"github.com/slackhq/asyncio/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestUring(t *testing.T) {
	exerciseTransport(t, func(t *testing.T, entries int, pollable bool) Transport {
		u, err := NewUring(test.NewLogger(), entries, pollable)
		if err != nil {
			t.Skipf("io_uring is not available: %v", err)
		}
		t.Cleanup(func() { u.Close() })
		return u
	})
}

func TestAIO(t *testing.T) {
	exerciseTransport(t, func(t *testing.T, entries int, pollable bool) Transport {
		a, err := NewAIO(test.NewLogger(), entries, pollable)
		if err != nil {
			t.Skipf("Native aio is not available: %v", err)
		}
		t.Cleanup(func() { a.Close() })
		return a
	})
}

func TestPollable(t *testing.T) {
	for _, kind := range []string{"uring", "aio", "memory"} {
		t.Run(kind, func(t *testing.T) {
			tr, err := newKind(test.NewLogger(), kind, Config{Entries: 2, Pollable: true})
			if err != nil {
				t.Skipf("%s is not available: %v", kind, err)
			}
			t.Cleanup(func() { tr.Close() })

			pfd, err := tr.PollFD()
			require.NoError(t, err)

			ready, err := eventfd.WaitReadable(pfd, 0)
			require.NoError(t, err)
			assert.False(t, ready)

			fd := test.Open(t, test.TempFile(t, 4096), unix.O_RDONLY)
			buf := make([]byte, 512)
			require.NoError(t, tr.Submit(&Request{ID: 5, Opcode: OpRead, FD: fd, Buf: buf}))

			ready, err = eventfd.WaitReadable(pfd, 5*time.Second)
			require.NoError(t, err)
			require.True(t, ready)

			dst := make([]Completion, 2)
			n := 0
			for deadline := time.Now().Add(5 * time.Second); n == 0 && time.Now().Before(deadline); {
				n, err = tr.Reap(dst, 0, 0)
				require.NoError(t, err)
			}
			require.Equal(t, 1, n)
			assert.Equal(t, Completion{ID: 5, Res: 512}, dst[0])

			ready, err = eventfd.WaitReadable(pfd, 0)
			require.NoError(t, err)
			assert.False(t, ready)
		})
	}
}

func TestAIO_Direct(t *testing.T) {
	a, err := NewAIO(test.NewLogger(), 4, false)
	if err != nil {
		t.Skipf("Native aio is not available: %v", err)
	}
	t.Cleanup(func() { a.Close() })

	fd := test.OpenDirect(t, test.TempFile(t, 64*1024))
	bufs := make([][]byte, 4)
	for i := range bufs {
		bufs[i] = test.AlignedBuffer(test.Align)
		require.NoError(t, a.Submit(&Request{ID: uint64(i), Opcode: OpRead, FD: fd, Buf: bufs[i], Offset: int64(i) * 2 * test.Align}))
	}

	for id, res := range reapN(t, a, 4) {
		assert.Equal(t, int64(test.Align), res)
		assert.Equal(t, int64(-1), test.CheckPattern(bufs[id], int64(id)*2*test.Align))
	}
}

func TestUring_ReservedID(t *testing.T) {
	u, err := NewUring(test.NewLogger(), 1, false)
	if err != nil {
		t.Skipf("io_uring is not available: %v", err)
	}
	t.Cleanup(func() { u.Close() })

	assert.Error(t, u.Submit(&Request{ID: uringInternal | 1, Opcode: OpFsync, FD: 0}))
}

func TestUring_SubmitAfterFailure(t *testing.T) {
	u, err := NewUring(test.NewLogger(), 4, false)
	if err != nil {
		t.Skipf("io_uring is not available: %v", err)
	}
	t.Cleanup(func() { u.Close() })

	fd := test.Open(t, test.TempFile(t, 4096), unix.O_RDONLY)

	// A request that can not be prepared never reaches the ring
	require.Error(t, u.Submit(&Request{ID: 1, Opcode: Opcode(99), FD: fd, Buf: make([]byte, 10)}))
	require.NoError(t, u.Submit(&Request{ID: 2, Opcode: OpRead, FD: fd, Buf: make([]byte, 10)}))
	assert.Equal(t, map[uint64]int64{2: 10}, reapN(t, u, 1))

	// A retracted slot left unsubmitted must not hold back the next request
	u.sqMu.Lock()
	sqe, _, err := u.getSqeLocked()
	require.NoError(t, err)
	*sqe = ioUringSqe{Opcode: ioringOpNop, UserData: uringInternal}
	u.sqMu.Unlock()

	require.NoError(t, u.Submit(&Request{ID: 3, Opcode: OpRead, FD: fd, Buf: make([]byte, 20)}))
	assert.Equal(t, map[uint64]int64{3: 20}, reapN(t, u, 1))
	assert.Equal(t, atomic.LoadUint32(u.sqTail), atomic.LoadUint32(u.sqHead))
}

func TestMemory_PollableManyWorkers(t *testing.T) {
	m, err := NewMemory(test.NewLogger(), 64, 8, true)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })

	fd := test.Open(t, test.TempFile(t, 64*1024), unix.O_RDONLY)
	for round := range 20 {
		for i := range 64 {
			id := uint64(round*64 + i)
			require.NoError(t, m.Submit(&Request{ID: id, Opcode: OpRead, FD: fd, Buf: make([]byte, 512), Offset: int64(i) * 512}))
		}
		for _, res := range reapN(t, m, 64) {
			require.Equal(t, int64(512), res)
		}
	}
}
