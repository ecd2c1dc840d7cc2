package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/coverscan/pkg/pipeline"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Claim and process extraction jobs",
	Long: `Run extraction workers against the configured job queue.

Each claimed job is processed once. Success records the normalized fields,
any error records the job as failed. Jobs are never retried.

Examples:
  coverscan worker                 # concurrency from config
  coverscan worker --workers 8
  coverscan worker --provider openai`,
	RunE: runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
	workerCmd.Flags().Int("workers", 0, "Worker concurrency (overrides config)")
	workerCmd.Flags().String("provider", "", "Extraction provider: ocrservice or openai (overrides config)")
}

func workerOverrides(cmd *cobra.Command) map[string]any {
	out := map[string]any{}
	if cmd.Flags().Changed("workers") {
		n, _ := cmd.Flags().GetInt("workers")
		out["workers"] = n
	}
	if cmd.Flags().Changed("provider") {
		p, _ := cmd.Flags().GetString("provider")
		out["extraction"] = map[string]any{"provider": p}
	}
	return out
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, workerOverrides(cmd))
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

	images, err := openImages(ctx, cfg)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Cannot open image store", err)
	}
	defer func() { _ = images.Close() }()

	extractor, err := newExtractor(cfg, images, logger)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid extraction configuration", err)
	}

	w := pipeline.NewWorker(queue, extractor, workerConfig(cfg, 0, logger))
	logger.Info("worker starting",
		zap.String("queue", cfg.Queue.Backend),
		zap.String("provider", cfg.Extraction.Provider),
		zap.Int("concurrency", cfg.Workers))

	if err := w.Run(ctx); err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Worker failed", err)
	}
	return nil
}
