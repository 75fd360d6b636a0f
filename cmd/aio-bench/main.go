package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/asyncio"
	"github.com/slackhq/asyncio/config"
	"github.com/slackhq/asyncio/util"
)

// A version string that can be set with
//
//	-ldflags "-X main.Build=SOMEVERSION"
//
// at compile-time.
var Build string

func init() {
	if Build == "" {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			return
		}

		Build = strings.TrimPrefix(info.Main.Version, "v")
	}
}

func main() {
	configPath := flag.String("config", "", "Path to either a file or directory to load configuration from")
	envPath := flag.String("env", "", "Path to a .env file whose variables can be referenced as ${NAME} in the config")
	configTest := flag.Bool("test", false, "Test the config and print the end result. Non zero exit indicates a faulty config")
	printVersion := flag.Bool("version", false, "Print version")
	printUsage := flag.Bool("help", false, "Print command line usage")

	flag.Parse()

	if *printVersion {
		fmt.Printf("Version: %s\n", Build)
		os.Exit(0)
	}

	if *printUsage {
		flag.Usage()
		os.Exit(0)
	}

	if *configPath == "" {
		fmt.Println("-config flag must be set")
		flag.Usage()
		os.Exit(1)
	}

	if *envPath != "" {
		if err := godotenv.Load(*envPath); err != nil {
			fmt.Printf("failed to load env file: %s\n", err)
			os.Exit(1)
		}
	}

	l := logrus.New()
	l.Out = os.Stdout

	c := config.NewC(l)
	err := c.Load(*configPath)
	if err != nil {
		fmt.Printf("failed to load config: %s", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := Main(ctx, l, c, *configTest); err != nil {
		util.LogWithContextIfNeeded("Benchmark failed", err, l)
		stop()
		os.Exit(1)
	}
}

// Main configures logging and stats from c and runs the benchmark it describes
func Main(ctx context.Context, l *logrus.Logger, c *config.C, configTest bool) error {
	if err := asyncio.ConfigLogger(l, c); err != nil {
		return util.NewContextualError("Failed to configure the logger", nil, err)
	}

	c.RegisterReloadCallback(func(c *config.C) {
		if !c.HasChanged("logging") {
			return
		}
		if err := asyncio.ConfigLogger(l, c); err != nil {
			l.WithError(err).Error("Failed to reconfigure the logger on reload")
		}
	})

	if err := asyncio.StartStats(ctx, l, c, metrics.DefaultRegistry, Build, configTest); err != nil {
		return util.NewContextualError("Failed to start stats emitter", nil, err)
	}

	bc, err := loadBenchConfig(c)
	if err != nil {
		return util.NewContextualError("Invalid bench config", nil, err)
	}

	if configTest {
		l.WithField("settings", c.Settings).Info("Config is valid")
		return nil
	}

	c.CatchHUP(ctx)

	s, err := runBench(ctx, l, c, bc)
	if err != nil {
		return err
	}

	s.log(l)
	return nil
}
