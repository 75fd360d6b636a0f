package test

import (
	"testing"

	"golang.org/x/sys/unix"
)

// OpenDirect opens path read only with O_DIRECT, skipping the test when the filesystem refuses it (tmpfs does).
func OpenDirect(t testing.TB, path string) int {
	t.Helper()
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_DIRECT|unix.O_CLOEXEC, 0)
	if err != nil {
		t.Skipf("Tempfile can't be opened with O_DIRECT: %v", err)
	}
	t.Cleanup(func() { unix.Close(fd) })
	return fd
}
