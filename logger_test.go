package asyncio

import (
	"os"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/asyncio/config"
	"github.com/slackhq/asyncio/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigLogger(t *testing.T) {
	l := test.NewLogger()
	c := config.NewC(l)

	require.NoError(t, c.LoadString("logging:\n  level: debug\n  format: json\n  disable_timestamp: true\n  output: stdout\n"))
	require.NoError(t, ConfigLogger(l, c))
	assert.Equal(t, logrus.DebugLevel, l.GetLevel())
	assert.Equal(t, &logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05Z07:00", DisableTimestamp: true}, l.Formatter)
	assert.Equal(t, os.Stdout, l.Out)
	assert.False(t, l.ReportCaller)

	require.NoError(t, c.LoadString("logging:\n  level: WARNING\n  timestamp_format: '15:04'\n  report_caller: true\n"))
	require.NoError(t, ConfigLogger(l, c))
	assert.Equal(t, logrus.WarnLevel, l.GetLevel())
	assert.Equal(t, &logrus.TextFormatter{TimestampFormat: "15:04", FullTimestamp: true}, l.Formatter)
	assert.Equal(t, os.Stderr, l.Out)
	assert.True(t, l.ReportCaller)
}

func TestConfigLogger_Invalid(t *testing.T) {
	l := test.NewLogger()
	l.SetLevel(logrus.ErrorLevel)
	c := config.NewC(l)

	require.NoError(t, c.LoadString("logging:\n  level: loud\n"))
	assert.ErrorContains(t, ConfigLogger(l, c), "possible levels")

	require.NoError(t, c.LoadString("logging:\n  output: syslog\n"))
	assert.EqualError(t, ConfigLogger(l, c), "unknown log output `syslog`. possible outputs: [stderr stdout]")

	// The level is valid but the format is not, nothing may be applied
	require.NoError(t, c.LoadString("logging:\n  level: trace\n  format: xml\n"))
	assert.EqualError(t, ConfigLogger(l, c), "unknown log format `xml`. possible formats: [text json]")
	assert.Equal(t, logrus.ErrorLevel, l.GetLevel())
}
