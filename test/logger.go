package test

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// NewLogger returns a logger for tests. Output is discarded unless TEST_LOGS is set,
// TEST_LOGS=2 enables debug and TEST_LOGS=3 trace.
func NewLogger() *logrus.Logger {
	l := logrus.New()

	switch os.Getenv("TEST_LOGS") {
	case "":
		l.SetOutput(io.Discard)
	case "2":
		l.SetLevel(logrus.DebugLevel)
	case "3":
		l.SetLevel(logrus.TraceLevel)
	}

	return l
}

// LogCapture collects formatted log lines. Ops finish on transport worker goroutines so writes are locked.
type LogCapture struct {
	mu    sync.Mutex
	lines []string
}

func (lc *LogCapture) Write(p []byte) (int, error) {
	lc.mu.Lock()
	lc.lines = append(lc.lines, string(p))
	lc.mu.Unlock()
	return len(p), nil
}

// Lines returns a copy of every line written since the last Reset
func (lc *LogCapture) Lines() []string {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return append([]string(nil), lc.lines...)
}

// Contains reports how many captured lines contain s
func (lc *LogCapture) Contains(s string) int {
	n := 0
	for _, line := range lc.Lines() {
		if strings.Contains(line, s) {
			n++
		}
	}
	return n
}

func (lc *LogCapture) Reset() {
	lc.mu.Lock()
	lc.lines = lc.lines[:0]
	lc.mu.Unlock()
}

// NewCaptureLogger returns an info level logger writing plain text lines, without timestamps or colors, to the
// returned capture.
func NewCaptureLogger() (*logrus.Logger, *LogCapture) {
	lc := &LogCapture{}
	l := logrus.New()
	l.Formatter = &logrus.TextFormatter{
		DisableTimestamp: true,
		DisableColors:    true,
	}
	l.SetOutput(lc)
	return l, lc
}
