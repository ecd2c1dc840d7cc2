package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/coverscan/internal/config"
	"github.com/3leaps/coverscan/internal/server"
	"github.com/3leaps/coverscan/internal/server/handlers"
	"github.com/3leaps/coverscan/pkg/imagestore"
	"github.com/3leaps/coverscan/pkg/pipeline"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	Long: `Start the HTTP API: cover upload, job status, and book records.

With --with-worker the process also claims and processes jobs, which is the
simplest single-node deployment. Without it, run 'coverscan worker' separately
against the same queue.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("host", "", "Listen host (overrides config)")
	serveCmd.Flags().Int("port", 0, "Listen port (overrides config)")
	serveCmd.Flags().Bool("with-worker", false, "Run extraction workers in this process")
	serveCmd.Flags().Int("workers", 0, "Worker concurrency (overrides config)")
}

func serveOverrides(cmd *cobra.Command) map[string]any {
	srv := map[string]any{}
	if cmd.Flags().Changed("host") {
		host, _ := cmd.Flags().GetString("host")
		srv["host"] = host
	}
	if cmd.Flags().Changed("port") {
		port, _ := cmd.Flags().GetInt("port")
		srv["port"] = port
	}
	out := map[string]any{}
	if len(srv) > 0 {
		out["server"] = srv
	}
	if cmd.Flags().Changed("workers") {
		n, _ := cmd.Flags().GetInt("workers")
		out["workers"] = n
	}
	return out
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, serveOverrides(cmd))
	if err != nil {
		return err
	}
	logger, err := newProcessLogger(cfg)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid logging configuration", err)
	}
	defer func() { _ = logger.Sync() }()
	undo := zap.ReplaceGlobals(logger)
	defer undo()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	queue, err := openQueue(ctx, cfg)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Cannot open job queue", err)
	}
	defer func() { _ = queue.Close() }()

	books, err := openBooks(ctx, cfg)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Cannot open book store", err)
	}
	defer func() { _ = books.Close() }()

	images, err := openImages(ctx, cfg)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Cannot open image store", err)
	}
	defer func() { _ = images.Close() }()

	filter, err := newUploadFilter(cfg)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid upload patterns", err)
	}

	jobs, err := handlers.NewJobsHandler(handlers.JobsConfig{
		Gateway:  pipeline.NewGateway(queue, cfg.DefaultLanguage),
		Resolver: pipeline.NewResolver(queue),
		Images:   images,
		Filter:   filter,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	handlers.SetVersionInfo(versionInfo.Version, versionInfo.Commit, versionInfo.BuildDate)
	if cfg.Health.Enabled {
		handlers.InitHealthManager(versionInfo.Version)
		registerHealthCheckers(handlers.GetHealthManager(), cfg, queue.Ping, books.Ping, images)
	}

	srv := server.New(cfg.Server.Host, cfg.Server.Port,
		server.WithLogger(logger),
		server.WithRoutePrefix(cfg.Server.RoutePrefix),
		server.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.IdleTimeout),
		server.WithRequestTimeout(cfg.Server.RequestTimeout),
		server.WithPprof(cfg.Debug.Enabled && cfg.Debug.PprofEnabled),
		server.WithJobs(jobs),
		server.WithBooks(handlers.NewBooksHandler(books, images, logger)),
		server.WithUploads(images),
	)

	withWorker, _ := cmd.Flags().GetBool("with-worker")
	workerDone := make(chan error, 1)
	if withWorker {
		extractor, err := newExtractor(cfg, images, logger)
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Invalid extraction configuration", err)
		}
		w := pipeline.NewWorker(queue, extractor, workerConfig(cfg, 0, logger))
		go func() { workerDone <- w.Run(ctx) }()
	} else {
		close(workerDone)
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server listening",
			zap.String("addr", srv.Addr()),
			zap.String("route_prefix", cfg.Server.RoutePrefix),
			zap.String("queue", cfg.Queue.Backend),
			zap.Bool("worker", withWorker))
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		stop()
		<-workerDone
		if err != nil {
			return exitError(foundry.ExitExternalServiceUnavailable, "Server failed", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down", zap.Duration("timeout", cfg.Server.ShutdownTimeout))
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
	}
	if err := <-workerDone; err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("worker stopped with error", zap.Error(err))
	}
	logger.Info("server stopped")
	return nil
}

type pingFunc func(ctx context.Context) error

// registerHealthCheckers wires readiness checks for every backend.
func registerHealthCheckers(m *handlers.HealthManager, cfg *config.Config, queuePing, storePing pingFunc, images imagestore.Store) {
	if m == nil {
		return
	}
	m.RegisterChecker("signal", signalHealthChecker{})
	id := config.Identity()
	if id == nil {
		id = config.DefaultIdentity()
	}
	m.RegisterChecker("identity", identityHealthChecker{
		binaryName: id.BinaryName,
		envPrefix:  id.EnvPrefix,
		configName: id.ConfigName,
	})
	m.RegisterChecker("queue", pingHealthChecker{name: "queue " + cfg.Queue.Backend, ping: queuePing})
	m.RegisterChecker("store", pingHealthChecker{name: "book store", ping: storePing})
	if p, ok := images.(imagestore.Pinger); ok {
		m.RegisterChecker("images", pingHealthChecker{name: "image store " + cfg.Images.Backend, ping: p.Ping})
	}
}

// signalHealthChecker reports healthy while the process is handling signals.
type signalHealthChecker struct{}

func (signalHealthChecker) CheckHealth(ctx context.Context) error {
	return nil
}

// identityHealthChecker verifies the application identity is complete.
type identityHealthChecker struct {
	binaryName string
	envPrefix  string
	configName string
}

func (c identityHealthChecker) CheckHealth(ctx context.Context) error {
	switch {
	case c.binaryName == "":
		return errors.New("identity: missing binary name")
	case c.envPrefix == "":
		return errors.New("identity: missing env prefix")
	case c.configName == "":
		return errors.New("identity: missing config name")
	}
	return nil
}

// pingHealthChecker reports a backend as unhealthy when ping fails.
type pingHealthChecker struct {
	name string
	ping pingFunc
}

func (c pingHealthChecker) CheckHealth(ctx context.Context) error {
	if c.ping == nil {
		return fmt.Errorf("%s: not configured", c.name)
	}
	if err := c.ping(ctx); err != nil {
		return fmt.Errorf("%s: %w", c.name, err)
	}
	return nil
}
