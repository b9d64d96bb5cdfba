package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/inferout/internal/api"
	"github.com/dreamware/inferout/internal/catalog"
	"github.com/dreamware/inferout/internal/config"
	"github.com/dreamware/inferout/internal/engine"
	"github.com/dreamware/inferout/internal/logging"
	"github.com/dreamware/inferout/internal/scheduler"
	"github.com/dreamware/inferout/internal/worker"
)

// shutdownTimeout bounds the graceful stop of each HTTP server.
const shutdownTimeout = 5 * time.Second

func newWorkerCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Join the cluster as a worker",
		Long: `worker joins an existing cluster. It advertises its engines through a
heartbeat, activates the model instances it is assigned, competes for the
scheduler lock and serves the management and serving APIs until it receives
SIGINT or SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runWorker(cmd.Context())
		},
	}

	flags := cmd.Flags()
	flags.String("management-host", "", "management API listen host")
	flags.Int("management-port", 0, "management API listen port")
	flags.String("serving-host", "", "serving API listen host")
	flags.Int("serving-port", 0, "serving API listen port")
	flags.String("serving-endpoint", "", "serving endpoint advertised to other workers")
	flags.Bool("scheduler", true, "run the scheduler loop")
	return cmd
}

func (a *app) runWorker(ctx context.Context) error {
	cfg := a.cfg
	rdb, c, err := a.connect()
	if err != nil {
		return err
	}
	defer rdb.Close()

	if err := c.Sync(ctx); err != nil {
		return fmt.Errorf("join cluster %q (run bootstrap first?): %w", cfg.Cluster.Name, err)
	}
	store := catalog.NewStore(c, catalog.WithLogger(logging.Component(a.logger, "catalog")))

	endpoint, err := servingEndpoint(cfg.Serving, os.Hostname)
	if err != nil {
		return err
	}

	w := worker.New(store, engine.DefaultRegistry(), worker.Config{
		HeartbeatInterval:   cfg.Worker.HeartbeatInterval,
		ServingEndpoint:     endpoint,
		StorageEngines:      cfg.Worker.StorageEngines,
		ServingEngines:      cfg.Worker.ServingEngines,
		EngineOptions:       cfg.Worker.EngineOptions,
		ExecutorConcurrency: cfg.Worker.ExecutorConcurrency,
	}, worker.WithLogger(logging.Component(a.logger, "worker")))
	if err := w.Start(ctx); err != nil {
		return err
	}

	routes := api.New(w, api.WithLogger(logging.Component(a.logger, "api")))
	servers := []*http.Server{
		{Addr: cfg.Management.Addr(), Handler: routes.ManagementRouter(), ReadHeaderTimeout: 5 * time.Second},
		{Addr: cfg.Serving.Addr(), Handler: routes.ServingRouter(), ReadHeaderTimeout: 5 * time.Second},
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.Run(gctx) })
	if cfg.Scheduler.Enabled {
		s := scheduler.New(store, schedulerConfig(cfg.Scheduler),
			scheduler.WithLogger(logging.Component(a.logger, "scheduler").With("worker_id", w.ID())))
		g.Go(func() error { return s.Run(gctx) })
	}
	for _, srv := range servers {
		g.Go(func() error { return serve(a.logger, srv) })
	}
	g.Go(func() error {
		<-gctx.Done()
		for _, srv := range servers {
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			if err := srv.Shutdown(sctx); err != nil {
				a.logger.Warn("http shutdown failed", "addr", srv.Addr, "error", err)
			}
			cancel()
		}
		return nil
	})

	err = g.Wait()
	a.logger.Info("worker exited", "worker_id", w.ID())
	return err
}

func serve(logger *slog.Logger, srv *http.Server) error {
	logger.Info("http listening", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen %s: %w", srv.Addr, err)
	}
	return nil
}

func schedulerConfig(c config.SchedulerConfig) scheduler.Config {
	return scheduler.Config{
		Interval:      c.Interval,
		WarnThreshold: c.WarnThreshold,
		LockRetry:     c.LockRetry,
		AssignDelay:   c.AssignDelay,
	}
}

// servingEndpoint returns the configured endpoint, or http://host:port of
// the serving listener with a wildcard host replaced by the machine's
// hostname.
func servingEndpoint(c config.ServingConfig, hostname func() (string, error)) (string, error) {
	if c.Endpoint != "" {
		return c.Endpoint, nil
	}
	host := c.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		h, err := hostname()
		if err != nil {
			return "", fmt.Errorf("derive serving endpoint: %w", err)
		}
		host = h
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(c.Port)), nil
}
