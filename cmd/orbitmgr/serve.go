package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/loykin/orbitmgr/internal/config"
	"github.com/loykin/orbitmgr/internal/env"
	"github.com/loykin/orbitmgr/internal/history"
	"github.com/loykin/orbitmgr/internal/history/factory"
	"github.com/loykin/orbitmgr/internal/logger"
	"github.com/loykin/orbitmgr/internal/metrics"
	"github.com/loykin/orbitmgr/internal/process"
	"github.com/loykin/orbitmgr/internal/server"
	"github.com/loykin/orbitmgr/internal/supervisor"
	itls "github.com/loykin/orbitmgr/internal/tls"
	"github.com/loykin/orbitmgr/pkg/client"
)

// createServeCommand creates the serve subcommand
func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	flags := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Supervise the backend and serve the control API",
		Long: `Start the supervisor. The backend is launched when --autostart or
backend.autostart is set, or later through "orbitmgr backend start".
SIGINT or SIGTERM stops the backend and exits.

Examples:
  orbitmgr serve
  orbitmgr serve orbitmgr.toml --autostart
  orbitmgr serve --daemonize --pidfile /run/orbitmgr.pid --logfile /var/log/orbitmgr.log`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := globalFlags.ConfigPath
			if len(args) > 0 {
				path = args[0]
			}
			if flags.Daemonize {
				return daemonize(flags.PidFile, flags.LogFile)
			}
			cfg, err := loadConfig(path)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("autostart") {
				cfg.Backend.AutoStart = flags.AutoStart
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			defer func() { _ = removePidFile(flags.PidFile) }()
			return runServe(ctx, cfg)
		},
	}
	cmd.Flags().BoolVar(&flags.AutoStart, "autostart", false, "start the backend immediately")
	cmd.Flags().BoolVar(&flags.Daemonize, "daemonize", false, "run in the background")
	cmd.Flags().StringVar(&flags.PidFile, "pidfile", "", "write the daemon PID to this file")
	cmd.Flags().StringVar(&flags.LogFile, "logfile", "", "redirect daemon output to this file")
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config) error {
	log, closer, err := logger.New(cfg.Log, nil)
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()

	d, err := newDaemon(cfg, log)
	if err != nil {
		return err
	}
	if err := d.listen(); err != nil {
		_ = d.shutdown()
		return err
	}
	return d.run(ctx)
}

// daemon wires the supervisor, API client, history, sampler and HTTP
// servers of one serve process.
type daemon struct {
	cfg     *config.Config
	logger  *slog.Logger
	sup     *supervisor.Supervisor
	api     *client.Client
	hist    *history.Fanout
	sampler *metrics.ResourceSampler
	router  *server.Router
	tls     *tls.Config

	controlLn net.Listener
	metricsLn net.Listener
	servers   []*http.Server
}

func newDaemon(cfg *config.Config, log *slog.Logger) (*daemon, error) {
	spec, err := cfg.Backend.Spec()
	if err != nil {
		return nil, fmt.Errorf("backend: %w", err)
	}
	tlsCfg, err := itls.ServerConfig(cfg.Server.TLS)
	if err != nil {
		return nil, fmt.Errorf("control API TLS: %w", err)
	}
	hist, err := factory.NewFanout(cfg.History.DSNs, log)
	if err != nil {
		return nil, err
	}

	if cfg.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			log.Warn("failed to register metrics", "error", err)
		}
	}

	sup := supervisor.New(supervisor.Options{
		Spec:         spec,
		Launcher:     process.NewExecLauncher(env.New()),
		StopTimeout:  cfg.Backend.StopTimeout,
		RestartDelay: cfg.Backend.RestartDelay,
		BufferLines:  cfg.Backend.BufferLines,
		Output:       cfg.Log.ProcessWriters,
		History:      hist,
		Logger:       log,
	})

	apiCfg := client.Config{
		BaseURL:  cfg.API.BaseURL,
		Timeout:  cfg.API.Timeout,
		Logger:   log,
		Insecure: cfg.API.Insecure,
	}
	if cfg.API.CACert != "" {
		apiCfg.TLS = &client.TLSClientConfig{CACert: cfg.API.CACert}
	}
	api := client.New(apiCfg)

	d := &daemon{cfg: cfg, logger: log, sup: sup, api: api, hist: hist, tls: tlsCfg}

	opts := server.Options{
		BasePath: cfg.Server.BasePath,
		Token:    cfg.Server.Token,
		Backend:  sup,
		Health:   api,
		History:  hist,
		Logger:   log,
	}
	switch {
	case !cfg.Metrics.Enabled, cfg.Metrics.Listen != "":
		opts.Metrics = http.NotFoundHandler()
	default:
		opts.Metrics = metrics.Handler()
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Sampler.Enabled {
		d.sampler = metrics.NewResourceSampler(spec.Name, cfg.Metrics.Sampler, log)
		if err := d.sampler.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
			log.Warn("failed to register sampler metrics", "error", err)
		}
		opts.Resources = d.sampler
	}
	d.router = server.NewRouter(opts)
	return d, nil
}

// listen binds the control and metrics listeners so bind errors surface
// before anything is started.
func (d *daemon) listen() error {
	ln, err := net.Listen("tcp", d.cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("control API listen %s: %w", d.cfg.Server.Listen, err)
	}
	d.controlLn = ln
	if d.cfg.Metrics.Enabled && d.cfg.Metrics.Listen != "" {
		mln, err := net.Listen("tcp", d.cfg.Metrics.Listen)
		if err != nil {
			_ = ln.Close()
			return fmt.Errorf("metrics listen %s: %w", d.cfg.Metrics.Listen, err)
		}
		d.metricsLn = mln
	}
	return nil
}

// controlAddr is the bound control API address.
func (d *daemon) controlAddr() string { return d.controlLn.Addr().String() }

// run serves until ctx is done, then stops the backend and all servers.
func (d *daemon) run(ctx context.Context) error {
	errCh := make(chan error, 2)
	serve := func(srv *http.Server, ln net.Listener) {
		d.servers = append(d.servers, srv)
		go func() {
			var err error
			if srv.TLSConfig != nil {
				err = srv.ServeTLS(ln, "", "")
			} else {
				err = srv.Serve(ln)
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	control := server.NewServer(d.cfg.Server.Listen, d.router)
	control.TLSConfig = d.tls
	serve(control, d.controlLn)
	d.logger.Info("control API listening", "addr", d.controlAddr(), "base_path", d.cfg.Server.BasePath, "tls", d.tls != nil)
	if d.metricsLn != nil {
		serve(&http.Server{Handler: metrics.Handler(), ReadHeaderTimeout: 10 * time.Second}, d.metricsLn)
		d.logger.Info("metrics listening", "addr", d.metricsLn.Addr().String())
	}

	if d.sampler != nil {
		d.sampler.Start(ctx, func() int {
			if s := d.sup.Snapshot(); s.Running {
				return s.PID
			}
			return 0
		})
	}

	if d.cfg.Backend.AutoStart {
		if err := d.sup.Start(ctx); err != nil {
			d.logger.Error("backend autostart failed", "error", err)
		}
	}

	var runErr error
	select {
	case <-ctx.Done():
		d.logger.Info("shutting down")
	case runErr = <-errCh:
		d.logger.Error("server failed", "error", runErr)
	}
	return errors.Join(runErr, d.shutdown())
}

// shutdown stops the backend first; closing the supervisor also ends open
// event streams, so the HTTP servers can drain afterwards.
func (d *daemon) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.Backend.StopTimeout+5*time.Second)
	defer cancel()

	var errs []error
	if d.sampler != nil {
		d.sampler.Stop()
	}
	errs = append(errs, d.sup.Close(ctx))

	for _, srv := range d.servers {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := srv.Shutdown(sctx); err != nil {
			errs = append(errs, srv.Close())
		}
		scancel()
	}
	if len(d.servers) == 0 {
		for _, ln := range []net.Listener{d.controlLn, d.metricsLn} {
			if ln != nil {
				_ = ln.Close()
			}
		}
	}
	errs = append(errs, d.hist.Close())
	return errors.Join(errs...)
}
