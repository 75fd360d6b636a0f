package asyncio

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/asyncio/config"
)

var logOutputs = map[string]io.Writer{
	"stderr": os.Stderr,
	"stdout": os.Stdout,
}

// ConfigLogger applies the logging section of c to l. Nothing is changed unless the whole section is valid, so a
// bad reload leaves the previous settings in place.
func ConfigLogger(l *logrus.Logger, c *config.C) error {
	level, err := logrus.ParseLevel(strings.ToLower(c.GetString("logging.level", "info")))
	if err != nil {
		return fmt.Errorf("%s; possible levels: %s", err, logrus.AllLevels)
	}

	output := strings.ToLower(c.GetString("logging.output", "stderr"))
	w, ok := logOutputs[output]
	if !ok {
		return fmt.Errorf("unknown log output `%s`. possible outputs: %s", output, []string{"stderr", "stdout"})
	}

	formatter, err := logFormatter(c)
	if err != nil {
		return err
	}

	l.SetLevel(level)
	l.SetOutput(w)
	l.SetFormatter(formatter)
	l.SetReportCaller(c.GetBool("logging.report_caller", false))
	return nil
}

func logFormatter(c *config.C) (logrus.Formatter, error) {
	disableTimestamp := c.GetBool("logging.disable_timestamp", false)
	timestampFormat := c.GetString("logging.timestamp_format", "")
	fullTimestamp := timestampFormat != ""
	if !fullTimestamp {
		timestampFormat = time.RFC3339
	}

	switch format := strings.ToLower(c.GetString("logging.format", "text")); format {
	case "text":
		return &logrus.TextFormatter{
			TimestampFormat:  timestampFormat,
			FullTimestamp:    fullTimestamp,
			DisableTimestamp: disableTimestamp,
		}, nil
	case "json":
		return &logrus.JSONFormatter{
			TimestampFormat:  timestampFormat,
			DisableTimestamp: disableTimestamp,
		}, nil
	default:
		return nil, fmt.Errorf("unknown log format `%s`. possible formats: %s", format, []string{"text", "json"})
	}
}
