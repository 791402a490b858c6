package monitoring

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/btcsuite/btclog/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultListen is the default address of the metrics endpoint.
const DefaultListen = "127.0.0.1:8989"

// Config holds the settings of the Prometheus exporter.
type Config struct {
	// Listen is the address the /metrics endpoint is served on.
	Listen string

	// Version and Commit are reported through the towerd_version
	// metric.
	Version string
	Commit  string

	// Log is the logger of the exporter.
	Log btclog.Logger
}

// Exporter serves the tower metrics over HTTP.
type Exporter struct {
	started sync.Once
	stopped sync.Once

	cfg      Config
	log      btclog.Logger
	registry *prometheus.Registry

	listener net.Listener
	server   *http.Server
	wg       sync.WaitGroup
}

// NewExporter creates an exporter for state.
func NewExporter(cfg Config, state TowerState) (*Exporter, error) {
	log := cfg.Log
	if log == nil {
		log = btclog.Disabled
	}
	if cfg.Listen == "" {
		cfg.Listen = DefaultListen
	}

	version := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "towerd_version",
			Help: "Version of towerd running.",
		},
		[]string{"version", "commit"},
	)
	version.WithLabelValues(cfg.Version, cfg.Commit).Set(1)

	registry := prometheus.NewRegistry()
	err := registry.Register(NewTowerCollector(state))
	if err != nil {
		return nil, err
	}
	for _, c := range []prometheus.Collector{
		version,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(
			collectors.ProcessCollectorOpts{},
		),
	} {
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}

	return &Exporter{
		cfg:      cfg,
		log:      log,
		registry: registry,
	}, nil
}

// Start begins serving /metrics.
func (e *Exporter) Start() error {
	var err error
	e.started.Do(func() {
		err = e.start()
	})

	return err
}

func (e *Exporter) start() error {
	listener, err := net.Listen("tcp", e.cfg.Listen)
	if err != nil {
		return err
	}
	e.listener = listener

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(
		e.registry, promhttp.HandlerOpts{},
	))
	e.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	e.log.Infof("Prometheus exporter started on %v/metrics",
		listener.Addr())

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		err := e.server.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.log.Errorf("Prometheus exporter failed: %v", err)
		}
	}()

	return nil
}

// Addr returns the address the exporter listens on, once started.
func (e *Exporter) Addr() net.Addr {
	if e.listener == nil {
		return nil
	}

	return e.listener.Addr()
}

// Stop shuts the HTTP server down.
func (e *Exporter) Stop() {
	e.stopped.Do(func() {
		if e.server == nil {
			return
		}

		ctx, cancel := context.WithTimeout(
			context.Background(), 5*time.Second,
		)
		defer cancel()

		if err := e.server.Shutdown(ctx); err != nil {
			e.log.Warnf("Unable to stop Prometheus exporter: %v",
				err)
		}
		e.wg.Wait()
	})
}
