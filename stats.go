package asyncio

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"sync"
	"time"

	graphite "github.com/cyberdelia/go-metrics-graphite"
	mp "github.com/nbrownus/go-metrics-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/asyncio/config"
)

var runtimeStatsOnce sync.Once

type statsConfig struct {
	kind     string
	interval time.Duration

	// graphite
	addr   *net.TCPAddr
	prefix string

	// prometheus
	namespace string
	subsystem string
	listen    string
	path      string
}

func parseStatsConfig(c *config.C) (*statsConfig, error) {
	sc := &statsConfig{kind: c.GetString("stats.type", "none")}
	if sc.kind == "" || sc.kind == "none" {
		return nil, nil
	}

	sc.interval = c.GetDuration("stats.interval", 0)
	if sc.interval <= 0 {
		return nil, fmt.Errorf("stats.interval was an invalid duration: %s", c.GetString("stats.interval", ""))
	}

	switch sc.kind {
	case "graphite":
		host := c.GetString("stats.host", "")
		if host == "" {
			return nil, errors.New("stats.host can not be empty")
		}

		addr, err := net.ResolveTCPAddr(c.GetString("stats.protocol", "tcp"), host)
		if err != nil {
			return nil, fmt.Errorf("error while setting up graphite sink: %s", err)
		}
		sc.addr = addr
		sc.prefix = c.GetString("stats.prefix", "asyncio")

	case "prometheus":
		sc.namespace = c.GetString("stats.namespace", "")
		sc.subsystem = c.GetString("stats.subsystem", "")
		sc.listen = c.GetString("stats.listen", "")
		if sc.listen == "" {
			return nil, errors.New("stats.listen should not be empty")
		}
		sc.path = c.GetString("stats.path", "")
		if sc.path == "" {
			return nil, errors.New("stats.path should not be empty")
		}

	default:
		return nil, fmt.Errorf("stats.type was not understood: %s", sc.kind)
	}

	return sc, nil
}

// StartStats exports r as configured by the stats section of c until ctx is done. With configTest set the
// configuration is only validated.
func StartStats(ctx context.Context, l *logrus.Logger, c *config.C, r metrics.Registry, buildVersion string, configTest bool) error {
	_, err := startStats(ctx, l, c, r, buildVersion, configTest)
	return err
}

// startStats returns the bound prometheus listener address, nil for any other exporter
func startStats(ctx context.Context, l *logrus.Logger, c *config.C, r metrics.Registry, buildVersion string, configTest bool) (net.Addr, error) {
	sc, err := parseStatsConfig(c)
	if err != nil || sc == nil || configTest {
		return nil, err
	}

	var addr net.Addr
	switch sc.kind {
	case "graphite":
		startGraphiteStats(ctx, l, sc, r)
	case "prometheus":
		addr, err = startPrometheusStats(ctx, l, sc, r, buildVersion)
		if err != nil {
			return nil, err
		}
	}

	runtimeStatsOnce.Do(func() {
		metrics.RegisterDebugGCStats(metrics.DefaultRegistry)
		metrics.RegisterRuntimeMemStats(metrics.DefaultRegistry)

		go metrics.CaptureDebugGCStats(metrics.DefaultRegistry, sc.interval)
		go metrics.CaptureRuntimeMemStats(metrics.DefaultRegistry, sc.interval)
	})

	return addr, nil
}

// every runs f each interval until ctx is done
func every(ctx context.Context, interval time.Duration, f func()) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			f()
		}
	}
}

func startGraphiteStats(ctx context.Context, l *logrus.Logger, sc *statsConfig, r metrics.Registry) {
	gc := graphite.Config{
		Addr:          sc.addr,
		Registry:      r,
		FlushInterval: sc.interval,
		DurationUnit:  time.Nanosecond,
		Prefix:        sc.prefix,
		Percentiles:   []float64{0.5, 0.75, 0.95, 0.99},
	}

	l.WithFields(logrus.Fields{"interval": sc.interval, "prefix": sc.prefix, "addr": sc.addr}).Info("Starting graphite")
	go every(ctx, sc.interval, func() {
		if err := graphite.Once(gc); err != nil {
			l.WithError(err).Warn("Failed to flush stats to graphite")
		}
	})
}

func startPrometheusStats(ctx context.Context, l *logrus.Logger, sc *statsConfig, r metrics.Registry, buildVersion string) (net.Addr, error) {
	pr := prometheus.NewRegistry()
	provider := mp.NewPrometheusProvider(r, sc.namespace, sc.subsystem, pr, sc.interval)

	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: sc.namespace,
		Subsystem: sc.subsystem,
		Name:      "info",
		Help:      "Version information for the asyncio engine",
		ConstLabels: prometheus.Labels{
			"version":   buildVersion,
			"goversion": runtime.Version(),
		},
	})
	pr.MustRegister(g)
	g.Set(1)

	ln, err := net.Listen("tcp", sc.listen)
	if err != nil {
		return nil, fmt.Errorf("failed to listen for prometheus scrapes: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle(sc.path, promhttp.HandlerFor(pr, promhttp.HandlerOpts{ErrorLog: l}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	update := func() {
		if err := provider.UpdatePrometheusMetricsOnce(); err != nil {
			l.WithError(err).Warn("Failed to update prometheus metrics")
		}
	}
	update()
	go every(ctx, sc.interval, update)

	go func() {
		<-ctx.Done()
		srv.Close()
	}()

	go func() {
		l.WithFields(logrus.Fields{"listen": ln.Addr(), "path": sc.path}).Info("Prometheus stats listening")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.WithError(err).Error("Prometheus stats listener stopped")
		}
	}()

	return ln.Addr(), nil
}
