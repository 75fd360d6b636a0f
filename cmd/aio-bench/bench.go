package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"time"
	"unsafe"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/asyncio"
	"github.com/slackhq/asyncio/config"
	"github.com/slackhq/asyncio/eventfd"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

const align = 4096

type benchConfig struct {
	file       string
	fileSize   int64
	blockSize  int
	requests   int
	submitters int
	depth      int
	direct     bool
	seed       uint64
}

func loadBenchConfig(c *config.C) (benchConfig, error) {
	bc := benchConfig{
		file:       c.GetString("bench.file", ""),
		fileSize:   c.GetSize("bench.file_size", 64<<20),
		blockSize:  c.GetInt("bench.block_size", align),
		requests:   c.GetInt("bench.requests", 10000),
		submitters: c.GetInt("bench.submitters", 4),
		depth:      c.GetInt("bench.depth", 0),
		direct:     c.GetBool("bench.direct", true),
		seed:       uint64(c.GetInt("bench.seed", 1)),
	}

	switch {
	case bc.file == "":
		return bc, errors.New("bench.file must be set")
	case bc.blockSize < 1:
		return bc, fmt.Errorf("bench.block_size must be positive, got %d", bc.blockSize)
	case bc.fileSize < int64(bc.blockSize):
		return bc, fmt.Errorf("bench.file_size (%d) must hold at least one block of %d bytes", bc.fileSize, bc.blockSize)
	case bc.requests < 0:
		return bc, fmt.Errorf("bench.requests must not be negative, got %d", bc.requests)
	case bc.submitters < 1:
		return bc, fmt.Errorf("bench.submitters must be at least 1, got %d", bc.submitters)
	case bc.direct && bc.blockSize%align != 0:
		return bc, fmt.Errorf("bench.block_size must be a multiple of %d with bench.direct", align)
	}

	return bc, nil
}

type summary struct {
	ops      int64
	bytes    int64
	errors   int64
	canceled int64
	duration time.Duration
}

func (s summary) log(l *logrus.Logger) {
	secs := s.duration.Seconds()
	if secs == 0 {
		secs = 1e-9
	}
	l.WithFields(logrus.Fields{
		"ops":      s.ops,
		"bytes":    s.bytes,
		"errors":   s.errors,
		"canceled": s.canceled,
		"duration": s.duration,
		"iops":     int64(float64(s.ops) / secs),
		"mibps":    fmt.Sprintf("%.1f", float64(s.bytes)/secs/(1<<20)),
	}).Info("Benchmark finished")
}

// prepareFile makes sure path holds at least size bytes of non sparse data
func prepareFile(l *logrus.Logger, path string, size int64, seed uint64) error {
	if st, err := os.Stat(path); err == nil && st.Size() >= size {
		l.WithField("file", path).Debug("Reusing existing bench file")
		return nil
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}

	rng := rand.New(rand.NewChaCha8(seedBytes(seed)))
	chunk := make([]byte, 1<<20)
	for off := int64(0); off < size; {
		n := min(int64(len(chunk)), size-off)
		for i := int64(0); i < n; i += 8 {
			v := rng.Uint64()
			for j := int64(0); j < 8 && i+j < n; j++ {
				chunk[i+j] = byte(v >> (8 * j))
			}
		}
		if _, err := f.Write(chunk[:n]); err != nil {
			f.Close()
			return err
		}
		off += n
	}

	l.WithFields(logrus.Fields{"file": path, "size": size}).Info("Created bench file")
	return f.Close()
}

func seedBytes(seed uint64) [32]byte {
	var b [32]byte
	for i := range 8 {
		b[i] = byte(seed >> (8 * i))
	}
	return b
}

func openFile(l *logrus.Logger, path string, direct bool) (int, error) {
	if direct {
		fd, err := unix.Open(path, unix.O_RDONLY|unix.O_CLOEXEC|directFlag, 0)
		if err == nil {
			return fd, nil
		}
		l.WithError(err).WithField("file", path).Warn("Direct I/O is not available, using the page cache")
	}
	return unix.Open(path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
}

func alignedBuffer(size int) []byte {
	raw := make([]byte, size+align)
	off := 0
	if rem := int(uintptr(unsafe.Pointer(&raw[0])) & (align - 1)); rem != 0 {
		off = align - rem
	}
	return raw[off : off+size : off+size]
}

// runBench spreads bc.requests random block reads over bc.submitters goroutines feeding one queue while a single
// reaper drains it. Ops and their buffers are recycled through a fixed pool.
func runBench(ctx context.Context, l *logrus.Logger, c *config.C, bc benchConfig) (summary, error) {
	var s summary
	if err := prepareFile(l, bc.file, bc.fileSize, bc.seed); err != nil {
		return s, fmt.Errorf("failed to prepare %s: %w", bc.file, err)
	}

	fd, err := openFile(l, bc.file, bc.direct)
	if err != nil {
		return s, fmt.Errorf("failed to open %s: %w", bc.file, err)
	}
	defer unix.Close(fd)

	actx, err := asyncio.NewContextFromConfig(l, c)
	if err != nil {
		return s, err
	}
	defer func() {
		if err := actx.Close(); err != nil {
			l.WithError(err).Error("Failed to close context")
		}
	}()

	q, err := asyncio.NewQueue(actx)
	if err != nil {
		return s, err
	}

	depth := bc.depth
	if depth <= 0 {
		depth = 2 * actx.Capacity()
	}
	free := make(chan *asyncio.Op, depth)
	bufs := make(map[*asyncio.Op][]byte, depth)
	for range depth {
		op := &asyncio.Op{}
		bufs[op] = alignedBuffer(bc.blockSize)
		free <- op
	}

	blocks := bc.fileSize / int64(bc.blockSize)
	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)

	for i := range bc.submitters {
		n := bc.requests / bc.submitters
		if i < bc.requests%bc.submitters {
			n++
		}

		g.Go(func() error {
			rng := rand.New(rand.NewPCG(bc.seed, uint64(i)))
			for range n {
				var op *asyncio.Op
				select {
				case op = <-free:
				case <-gctx.Done():
					return nil
				}

				off := rng.Int64N(blocks) * int64(bc.blockSize)
				if err := op.PRead(fd, bufs[op], off); err != nil {
					return err
				}
				if err := q.Submit(op); err != nil {
					return fmt.Errorf("failed to submit read at %d: %w", off, err)
				}
			}
			return nil
		})
	}

	g.Go(func() error {
		return reap(gctx, l, q, bc.requests, &s, func(op *asyncio.Op) error {
			if err := op.Reset(); err != nil {
				return err
			}
			free <- op
			return nil
		})
	})

	err = g.Wait()
	s.duration = time.Since(start)

	// Whatever is left after a failure or an interrupt is canceled so the context can close
	canceled, completed, cerr := q.Cancel()
	s.canceled += int64(len(canceled))
	s.ops += int64(len(completed))
	if err == nil {
		err = cerr
	}
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		l.Info("Benchmark interrupted")
		err = nil
	}

	return s, err
}

// reap drains q until want ops finished, through the readiness descriptor when the context is pollable
func reap(ctx context.Context, l *logrus.Logger, q *asyncio.Queue, want int, s *summary, recycle func(*asyncio.Op) error) error {
	actx := q.Context()

	var ep *eventfd.Epoll
	if actx.PollMode() == asyncio.Pollable {
		pfd, err := actx.PollFD()
		if err != nil {
			return err
		}
		ep, err = eventfd.NewEpoll(1)
		if err != nil {
			return err
		}
		defer ep.Close()
		if err := ep.AddEvent(pfd); err != nil {
			return err
		}
	}

	for done := 0; done < want; {
		if err := ctx.Err(); err != nil {
			return err
		}

		var ops []*asyncio.Op
		var err error
		if ep != nil {
			if _, err = ep.Wait(100 * time.Millisecond); err != nil {
				return err
			}
			ops, err = q.Wait(ctx, 0)
		} else {
			ops, err = q.Wait(ctx, 1)
		}
		if err != nil {
			return err
		}
		if len(ops) == 0 && ep == nil && q.Replenish() == 0 {
			// Nothing in flight yet, the submitters are still warming up
			time.Sleep(time.Millisecond)
		}

		for _, op := range ops {
			res, _ := op.Result()
			if res < 0 {
				s.errors++
				l.WithError(op.Errno()).WithField("op", op).Debug("Read failed")
			} else {
				s.bytes += res
			}
			s.ops++
			if err := recycle(op); err != nil {
				return err
			}
		}
		done += len(ops)
	}

	return nil
}
