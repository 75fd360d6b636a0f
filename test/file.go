package test

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Align is the block size O_DIRECT reads are aligned to
const Align = 4096

// PatternAt returns the byte TempFile stores at offset off. The content looks random but is reproducible.
func PatternAt(off int64) byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(off/8)*0x9e3779b97f4a7c15)
	return b[off%8]
}

// WritePattern fills path with size bytes of PatternAt data
func WritePattern(path string, size int64) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}

	chunk := make([]byte, 1<<20)
	for off := int64(0); off < size; {
		n := int64(len(chunk))
		if size-off < n {
			n = size - off
		}
		for i := int64(0); i < n; i++ {
			chunk[i] = PatternAt(off + i)
		}
		if _, err := f.Write(chunk[:n]); err != nil {
			f.Close()
			return err
		}
		off += n
	}

	return f.Close()
}

// TempFile creates a pattern file of size bytes that is removed when the test ends
func TempFile(t testing.TB, size int64) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "aio-data")
	if err := WritePattern(p, size); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	return p
}

// Open opens path with flags and closes it when the test ends
func Open(t testing.TB, path string, flags int) int {
	t.Helper()
	fd, err := unix.Open(path, flags|unix.O_CLOEXEC, 0o600)
	if err != nil {
		t.Fatalf("failed to open %s: %v", path, err)
	}
	t.Cleanup(func() { unix.Close(fd) })
	return fd
}

// AlignedBuffer returns a size byte slice whose first byte sits on an Align boundary
func AlignedBuffer(size int) []byte {
	if size == 0 {
		return []byte{}
	}
	raw := make([]byte, size+Align)
	off := 0
	if rem := int(uintptr(unsafe.Pointer(&raw[0])) & (Align - 1)); rem != 0 {
		off = Align - rem
	}
	return raw[off : off+size : off+size]
}

// CheckPattern reports the first offset where buf does not match the file content starting at off, or -1
func CheckPattern(buf []byte, off int64) int64 {
	for i := range buf {
		if buf[i] != PatternAt(off+int64(i)) {
			return off + int64(i)
		}
	}
	return -1
}
