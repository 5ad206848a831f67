package orbitmgr

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	cfg "github.com/loykin/orbitmgr/internal/config"
	"github.com/loykin/orbitmgr/internal/history"
	"github.com/loykin/orbitmgr/internal/history/factory"
	"github.com/loykin/orbitmgr/internal/metrics"
	"github.com/loykin/orbitmgr/internal/process"
	iapi "github.com/loykin/orbitmgr/internal/server"
	"github.com/loykin/orbitmgr/internal/supervisor"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Spec = process.Spec

type Snapshot = supervisor.Snapshot

type Event = supervisor.Event

type State = supervisor.State

type Options = supervisor.Options

type Config = cfg.Config

type HistorySink = history.Sink

type HistoryEvent = history.Event

const (
	StateStopped  = supervisor.StateStopped
	StateStarting = supervisor.StateStarting
	StateRunning  = supervisor.StateRunning
	StateStopping = supervisor.StateStopping
)

var (
	ErrClosed   = supervisor.ErrClosed
	ErrStopping = supervisor.ErrStopping
)

// Supervisor is the public handle on one supervised backend.
type Supervisor = supervisor.Supervisor

// DefaultSpec returns the spec of the bundled backend server.
func DefaultSpec() Spec { return process.DefaultSpec() }

// New creates a supervisor. It does not start the backend.
func New(opts Options) *Supervisor { return supervisor.New(opts) }

// NewFromConfig builds a supervisor from a loaded configuration, including
// its history sinks and output files.
func NewFromConfig(c *Config, logger *slog.Logger) (*Supervisor, *history.Fanout, error) {
	spec, err := c.Backend.Spec()
	if err != nil {
		return nil, nil, err
	}
	hist, err := factory.NewFanout(c.History.DSNs, logger)
	if err != nil {
		return nil, nil, err
	}
	return supervisor.New(supervisor.Options{
		Spec:         spec,
		StopTimeout:  c.Backend.StopTimeout,
		RestartDelay: c.Backend.RestartDelay,
		BufferLines:  c.Backend.BufferLines,
		Output:       c.Log.ProcessWriters,
		History:      hist,
		Logger:       logger,
	}), hist, nil
}

func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

// NewHTTPHandler returns the control API for s mounted under basePath.
func NewHTTPHandler(basePath string, s *Supervisor) http.Handler {
	return iapi.NewRouter(iapi.Options{BasePath: basePath, Backend: s}).Handler()
}

// NewHTTPServer returns an http.Server for the control API. The caller
// starts it.
func NewHTTPServer(addr, basePath string, s *Supervisor) *http.Server {
	return iapi.NewServer(addr, iapi.NewRouter(iapi.Options{BasePath: basePath, Backend: s}))
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// ServeMetrics serves /metrics from the default registry on addr. It blocks
// like http.Server.ListenAndServe.
func ServeMetrics(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv.ListenAndServe()
}
