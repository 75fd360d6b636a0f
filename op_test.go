package asyncio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestOp_Lifecycle(t *testing.T) {
	var op Op
	assert.Equal(t, StateUninitialized, op.State())
	assert.Nil(t, op.Done())

	_, err := op.Result()
	assert.ErrorIs(t, err, ErrNotReady)
	assert.ErrorIs(t, op.Reset(), ErrInvalidState)

	buf := make([]byte, 512)
	require.NoError(t, op.PRead(3, buf, 4096))
	assert.Equal(t, StateInitialized, op.State())
	assert.Equal(t, KindRead, op.Kind())
	assert.Equal(t, 3, op.FD())
	assert.Equal(t, int64(4096), op.Offset())
	assert.Equal(t, 512, op.Len())
	assert.NotNil(t, op.Done())

	// Configuring twice is not allowed
	assert.ErrorIs(t, op.PWrite(3, buf, 0), ErrInvalidState)

	calls := 0
	require.NoError(t, op.SetNotificationCallback(func(o *Op) {
		calls++
		assert.Equal(t, StateCompleted, o.State())
		res, err := o.Result()
		assert.NoError(t, err)
		assert.Equal(t, int64(512), res)
	}))

	op.state.Store(uint32(StateWaiting))
	assert.ErrorIs(t, op.SetNotificationCallback(nil), ErrInvalidState)
	_, err = op.Result()
	assert.ErrorIs(t, err, ErrNotReady)

	done := op.Done()
	op.finish(StateCompleted, 512)
	assert.Equal(t, 1, calls)
	select {
	case <-done:
	default:
		t.Fatal("done channel was not closed")
	}

	res, err := op.Result()
	require.NoError(t, err)
	assert.Equal(t, int64(512), res)
	assert.NoError(t, op.Errno())

	require.NoError(t, op.Reset())
	assert.Equal(t, StateUninitialized, op.State())
	assert.Nil(t, op.Done())
	assert.Zero(t, op.Len())

	// The op is usable again and the old callback is gone
	require.NoError(t, op.Fsync(3))
	op.finish(StateCompleted, 0)
	assert.Equal(t, 1, calls)
}

func TestOp_Errno(t *testing.T) {
	var op Op
	require.NoError(t, op.PWrite(1, []byte("x"), 0))
	op.finish(StateCompleted, -int64(unix.EBADF))
	assert.ErrorIs(t, op.Errno(), unix.EBADF)

	var canceled Op
	require.NoError(t, canceled.PRead(1, nil, 0))
	canceled.finish(StateCanceled, -int64(unix.ECANCELED))
	assert.ErrorIs(t, canceled.Errno(), unix.ECANCELED)
	assert.Equal(t, StateCanceled, canceled.State())
}

func TestOp_BadArguments(t *testing.T) {
	var op Op
	assert.ErrorIs(t, op.PRead(-1, nil, 0), ErrInvalidArgument)
	assert.ErrorIs(t, op.PReadv(1, nil, -5), ErrInvalidArgument)
	assert.Equal(t, StateUninitialized, op.State())
}

func TestOp_Vectored(t *testing.T) {
	var op Op
	require.NoError(t, op.PWritev(4, [][]byte{make([]byte, 10), make([]byte, 22)}, 8))
	assert.Equal(t, KindWritev, op.Kind())
	assert.Equal(t, 32, op.Len())

	var sync Op
	require.NoError(t, sync.Fdatasync(4))
	assert.Equal(t, KindFdatasync, sync.Kind())
	assert.Zero(t, sync.Len())
}

func TestOp_String(t *testing.T) {
	var op Op
	require.NoError(t, op.PRead(7, make([]byte, 16), 32))
	assert.Equal(t, "{state=initialized, kind=pread, fd=7, offset=32, len=16}", op.String())

	op.finish(StateCompleted, 16)
	assert.Equal(t, "{state=completed, kind=pread, fd=7, offset=32, len=16, result=16}", op.String())
	assert.Equal(t, "unknown", State(42).String())
}
