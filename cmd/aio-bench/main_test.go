package main

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/asyncio/config"
	"github.com/slackhq/asyncio/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadConfig(t *testing.T, raw string) (*logrus.Logger, *config.C) {
	l := test.NewLogger()
	c := config.NewC(l)
	require.NoError(t, c.LoadString(raw))
	return l, c
}

func TestLoadBenchConfig(t *testing.T) {
	_, c := loadConfig(t, "bench:\n  file: /tmp/x\n  file_size: 1MiB\n  block_size: 8192\n")
	bc, err := loadBenchConfig(c)
	require.NoError(t, err)
	assert.Equal(t, benchConfig{
		file:       "/tmp/x",
		fileSize:   1 << 20,
		blockSize:  8192,
		requests:   10000,
		submitters: 4,
		direct:     true,
		seed:       1,
	}, bc)

	bad := map[string]string{
		"no file":        "bench:\n  requests: 1\n",
		"tiny file":      "bench:\n  file: /tmp/x\n  file_size: 100\n",
		"no submitters":  "bench:\n  file: /tmp/x\n  submitters: 0\n",
		"unaligned":      "bench:\n  file: /tmp/x\n  block_size: 1000\n",
		"negative count": "bench:\n  file: /tmp/x\n  requests: -1\n",
	}
	for name, raw := range bad {
		t.Run(name, func(t *testing.T) {
			_, c := loadConfig(t, raw)
			_, err := loadBenchConfig(c)
			assert.Error(t, err)
		})
	}
}

func TestMain_ConfigTest(t *testing.T) {
	l, c := loadConfig(t, "bench:\n  file: /nonexistent/file\n")
	require.NoError(t, Main(context.Background(), l, c, true))
	_, err := os.Stat("/nonexistent/file")
	assert.True(t, os.IsNotExist(err))

	l, c = loadConfig(t, "logging:\n  level: chatty\n")
	assert.ErrorContains(t, Main(context.Background(), l, c, true), "Failed to configure the logger")
}

func TestRunBench(t *testing.T) {
	for _, pollable := range []bool{false, true} {
		t.Run(map[bool]string{false: "blocking", true: "pollable"}[pollable], func(t *testing.T) {
			if pollable && runtime.GOOS != "linux" {
				t.Skip("The memory transport is only pollable on linux")
			}

			path := filepath.Join(t.TempDir(), "bench.dat")
			raw := "aio:\n  transport: memory\n  capacity: 8\n  wait_slice: 10ms\n" +
				"  pollable: " + map[bool]string{false: "false", true: "true"}[pollable] + "\n" +
				"bench:\n  file: " + path + "\n  file_size: 256KiB\n  block_size: 4096\n  requests: 300\n  submitters: 3\n  direct: false\n"
			l, c := loadConfig(t, raw)

			bc, err := loadBenchConfig(c)
			require.NoError(t, err)

			s, err := runBench(context.Background(), l, c, bc)
			require.NoError(t, err)
			assert.Equal(t, int64(300), s.ops)
			assert.Equal(t, int64(300*4096), s.bytes)
			assert.Zero(t, s.errors)
			assert.Zero(t, s.canceled)

			st, err := os.Stat(path)
			require.NoError(t, err)
			assert.Equal(t, int64(256*1024), st.Size())
		})
	}
}

func TestRunBench_Interrupted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bench.dat")
	l, c := loadConfig(t, "aio:\n  transport: memory\n  capacity: 4\n  wait_slice: 10ms\n"+
		"bench:\n  file: "+path+"\n  file_size: 64KiB\n  requests: 1000000\n  direct: false\n")
	bc, err := loadBenchConfig(c)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s, err := runBench(ctx, l, c, bc)
	require.NoError(t, err)
	assert.Less(t, s.ops+s.canceled, int64(1000000))
}
