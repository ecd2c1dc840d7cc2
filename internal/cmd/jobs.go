package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/3leaps/coverscan/internal/observability"
	"github.com/3leaps/coverscan/pkg/imagestore"
	"github.com/3leaps/coverscan/pkg/jobqueue"
	"github.com/3leaps/coverscan/pkg/pipeline"
)

// waitPollInterval is how often --wait re-reads the job.
var waitPollInterval = 500 * time.Millisecond

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and manage extraction jobs",
	Long: `Inspect and manage extraction jobs in the configured queue.

Examples:
  coverscan jobs submit cover.jpg --wait
  coverscan jobs status 42
  coverscan jobs list --state failed --json
  coverscan jobs gc --max-age 7d --dry-run`,
}

var jobsSubmitCmd = &cobra.Command{
	Use:   "submit <image>",
	Short: "Store a local image and queue it for extraction",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsSubmit,
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <job_id>",
	Short: "Show the status envelope for a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStatus,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs, newest first",
	RunE:  runJobsList,
}

var jobsGCCmd = &cobra.Command{
	Use:   "gc",
	Short: "Delete finished jobs older than --max-age",
	RunE:  runJobsGC,
}

var jobsRunOnceCmd = &cobra.Command{
	Use:   "run-once",
	Short: "Claim and process a single job, then exit",
	RunE:  runJobsRunOnce,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsSubmitCmd)
	jobsCmd.AddCommand(jobsStatusCmd)
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsGCCmd)
	jobsCmd.AddCommand(jobsRunOnceCmd)

	jobsSubmitCmd.Flags().String("language", "", "OCR language hint (default from config)")
	jobsSubmitCmd.Flags().Bool("wait", false, "Wait for the job to finish and print its result")
	jobsSubmitCmd.Flags().Duration("wait-timeout", 5*time.Minute, "Give up waiting after this long")
	jobsSubmitCmd.Flags().Bool("json", false, "Output as JSON")

	jobsStatusCmd.Flags().Bool("json", false, "Output the raw job record as JSON")

	jobsListCmd.Flags().String("state", "", "Only list jobs in this state (queued, active, completed, failed)")
	jobsListCmd.Flags().Int("limit", jobqueue.DefaultListLimit, "Maximum jobs to list")
	jobsListCmd.Flags().Bool("json", false, "Output as JSON")
	jobsListCmd.Flags().Bool("yaml", false, "Output as YAML")

	jobsGCCmd.Flags().String("max-age", "", "Delete finished jobs older than this (e.g. 72h, 7d; default queue.retention)")
	jobsGCCmd.Flags().Bool("dry-run", false, "Show the cutoff without deleting")
	jobsGCCmd.Flags().Bool("json", false, "Output as JSON")

	jobsRunOnceCmd.Flags().Duration("timeout", 30*time.Second, "Give up if no job is claimed within this long")
}

type submitResult struct {
	JobID    string                   `json:"job_id"`
	ImageKey string                   `json:"image_key"`
	Status   *pipeline.StatusEnvelope `json:"status,omitempty"`
}

func runJobsSubmit(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	path := args[0]
	filter, err := newUploadFilter(cfg)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid upload patterns", err)
	}
	if !filter.Allow(path) {
		return exitError(foundry.ExitInvalidArgument, "Unsupported image type",
			fmt.Errorf("%s does not match %s", filepath.Base(path), strings.Join(filter.Patterns(), ", ")))
	}
	f, err := os.Open(path)
	if err != nil {
		return exitError(foundry.ExitFileNotFound, "Cannot open image", err)
	}
	defer func() { _ = f.Close() }()
	info, err := f.Stat()
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Cannot stat image", err)
	}
	if info.Size() > filter.MaxBytes() {
		return exitError(foundry.ExitInvalidArgument, "Image too large",
			fmt.Errorf("%d bytes exceeds limit of %d", info.Size(), filter.MaxBytes()))
	}

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

	key := imagestore.NewKey(path)
	if err := images.Put(ctx, key, f, info.Size(), imagestore.ContentTypeFor(key)); err != nil {
		return exitError(foundry.ExitFileWriteError, "Cannot store image", err)
	}

	language, _ := cmd.Flags().GetString("language")
	jobID, err := pipeline.NewGateway(queue, cfg.DefaultLanguage).Submit(ctx, key, language)
	if err != nil {
		_ = images.Delete(context.WithoutCancel(ctx), key)
		return exitError(foundry.ExitExternalServiceUnavailable, "Cannot queue job", err)
	}
	observability.CLILogger.Debug("job submitted", zap.String("job_id", jobID), zap.String("image_key", key))

	res := submitResult{JobID: jobID, ImageKey: key}
	if wait, _ := cmd.Flags().GetBool("wait"); wait {
		timeout, _ := cmd.Flags().GetDuration("wait-timeout")
		env, err := waitForJob(ctx, pipeline.NewResolver(queue), jobID, timeout)
		if err != nil {
			return exitError(foundry.ExitExternalServiceUnavailable, "Waiting for job failed", err)
		}
		res.Status = env
	}

	if jsonOutput, _ := cmd.Flags().GetBool("json"); jsonOutput {
		return writeJSONOut(os.Stdout, res)
	}
	_, _ = fmt.Fprintf(os.Stdout, "job_id=%s\nimage_key=%s\n", res.JobID, res.ImageKey)
	if res.Status != nil {
		printEnvelope(os.Stdout, res.Status)
	}
	return nil
}

// waitForJob polls until jobID leaves processing or timeout elapses.
func waitForJob(ctx context.Context, resolver *pipeline.Resolver, jobID string, timeout time.Duration) (*pipeline.StatusEnvelope, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	ticker := time.NewTicker(waitPollInterval)
	defer ticker.Stop()
	for {
		env, err := resolver.Status(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if env.Status != pipeline.StatusProcessing {
			return env, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("job %s still processing: %w", jobID, ctx.Err())
		case <-ticker.C:
		}
	}
}

func runJobsStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	queue, err := openQueue(ctx, cfg)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Cannot open job queue", err)
	}
	defer func() { _ = queue.Close() }()

	resolver := pipeline.NewResolver(queue)
	if jsonOutput, _ := cmd.Flags().GetBool("json"); jsonOutput {
		job, err := resolver.Job(ctx, args[0])
		if err != nil {
			return exitError(foundry.ExitFileNotFound, "Job not available", err)
		}
		return writeJSONOut(os.Stdout, job)
	}

	env, err := resolver.Status(ctx, args[0])
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Cannot read job", err)
	}
	printEnvelope(os.Stdout, env)
	if env.Status == pipeline.StatusNotFound {
		return exitError(foundry.ExitFileNotFound, "Job not found", fmt.Errorf("job %s", args[0]))
	}
	return nil
}

func printEnvelope(w io.Writer, env *pipeline.StatusEnvelope) {
	_, _ = fmt.Fprintf(w, "status=%s\n", env.Status)
	if env.Error != "" {
		_, _ = fmt.Fprintf(w, "error=%s\n", env.Error)
	}
	if r := env.Result; r != nil {
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintf(tw, "title\t%s\n", dash(r.Title))
		_, _ = fmt.Fprintf(tw, "author\t%s\n", dash(r.Author))
		_, _ = fmt.Fprintf(tw, "year\t%s\n", dash(r.Year))
		_, _ = fmt.Fprintf(tw, "publisher\t%s\n", dash(r.Publisher))
		_, _ = fmt.Fprintf(tw, "confidence\t%.2f\n", r.Confidence)
		_, _ = fmt.Fprintf(tw, "language\t%s\n", dash(r.Language))
		_ = tw.Flush()
	}
}

func runJobsList(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	stateFlag, _ := cmd.Flags().GetString("state")
	limit, _ := cmd.Flags().GetInt("limit")
	jsonOutput, _ := cmd.Flags().GetBool("json")
	yamlOutput, _ := cmd.Flags().GetBool("yaml")

	var state jobqueue.State
	if s := strings.TrimSpace(stateFlag); s != "" {
		state = jobqueue.ParseState(strings.ToLower(s))
		if state == jobqueue.StateUnknown {
			return exitError(foundry.ExitInvalidArgument, "Invalid --state", fmt.Errorf("unknown state %q", s))
		}
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	queue, err := openQueue(ctx, cfg)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Cannot open job queue", err)
	}
	defer func() { _ = queue.Close() }()

	lister, ok := queue.(jobqueue.Lister)
	if !ok {
		return exitError(foundry.ExitInvalidArgument, "Queue backend cannot list jobs",
			fmt.Errorf("backend %q", cfg.Queue.Backend))
	}
	jobs, err := lister.List(ctx, jobqueue.ListOptions{State: state, Limit: limit})
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Cannot list jobs", err)
	}

	switch {
	case jsonOutput:
		if jobs == nil {
			jobs = []jobqueue.Job{}
		}
		return writeJSONOut(os.Stdout, jobs)
	case yamlOutput:
		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		defer func() { _ = enc.Close() }()
		return enc.Encode(jobs)
	}

	if len(jobs) == 0 {
		_, _ = fmt.Fprintln(os.Stdout, "No jobs found")
		return nil
	}
	printJobTable(os.Stdout, jobs)
	return nil
}

func printJobTable(out io.Writer, jobs []jobqueue.Job) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "JOB ID\tSTATE\tLANG\tCREATED\tFINISHED\tFILE")
	for _, j := range jobs {
		created := j.CreatedAt.UTC().Format(time.RFC3339)
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			shortJobID(j.ID),
			j.State,
			dash(j.Payload.Language),
			created,
			formatOptionalTime(j.FinishedAt),
			dash(j.Payload.Filename),
		)
	}
}

type jobsGCResult struct {
	Deleted      int    `json:"deleted"`
	DryRun       bool   `json:"dry_run"`
	MaxAgeString string `json:"max_age"`
	Cutoff       string `json:"cutoff"`
}

func runJobsGC(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	// Without --max-age the configured queue retention applies.
	maxAgeStr := cfg.Queue.Retention.String()
	if cmd.Flags().Changed("max-age") {
		maxAgeStr, _ = cmd.Flags().GetString("max-age")
		maxAgeStr = strings.TrimSpace(maxAgeStr)
	}
	maxAge, err := parseDuration(maxAgeStr)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid --max-age", err)
	}
	if maxAge <= 0 {
		return exitError(foundry.ExitInvalidArgument, "Invalid --max-age", fmt.Errorf("--max-age must be > 0"))
	}
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	queue, err := openQueue(ctx, cfg)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Cannot open job queue", err)
	}
	defer func() { _ = queue.Close() }()

	pruner, ok := queue.(jobqueue.Pruner)
	if !ok {
		_, _ = fmt.Fprintf(os.Stdout, "%s backend expires finished jobs itself (retention %s)\n",
			cfg.Queue.Backend, cfg.Queue.Retention)
		return nil
	}

	cutoff := time.Now().UTC().Add(-maxAge)
	res := jobsGCResult{DryRun: dryRun, MaxAgeString: maxAgeStr, Cutoff: cutoff.Format(time.RFC3339)}
	if !dryRun {
		n, err := pruner.Prune(ctx, cutoff)
		if err != nil {
			return exitError(foundry.ExitFileWriteError, "Cannot prune jobs", err)
		}
		res.Deleted = n
	}

	if jsonOutput {
		return writeJSONOut(os.Stdout, res)
	}
	if dryRun {
		_, _ = fmt.Fprintf(os.Stdout, "cutoff=%s (dry run)\n", res.Cutoff)
		return nil
	}
	_, _ = fmt.Fprintf(os.Stdout, "deleted=%d\n", res.Deleted)
	return nil
}

func runJobsRunOnce(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
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
	extractor, err := newExtractor(cfg, images, observability.CLILogger)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid extraction configuration", err)
	}

	timeout, _ := cmd.Flags().GetDuration("timeout")
	claimCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		claimCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	w := pipeline.NewWorker(queue, extractor, workerConfig(cfg, 1, observability.CLILogger))
	job, err := w.RunOnce(claimCtx)
	if job == nil {
		if claimCtx.Err() != nil {
			_, _ = fmt.Fprintln(os.Stdout, "No queued jobs")
			return nil
		}
		return exitError(foundry.ExitExternalServiceUnavailable, "Cannot claim job", err)
	}
	printEnvelope(os.Stdout, pipeline.Envelope(job))
	if err != nil {
		return exitError(1, "Job failed", err)
	}
	return nil
}

func writeJSONOut(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// parseDuration accepts Go durations plus a whole-day "d" suffix.
func parseDuration(s string) (time.Duration, error) {
	if len(s) > 0 && s[len(s)-1] == 'd' {
		var days int
		if _, err := fmt.Sscanf(s, "%dd", &days); err != nil {
			return 0, fmt.Errorf("invalid duration: %s", s)
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}

func shortJobID(jobID string) string {
	jobID = strings.TrimSpace(jobID)
	if len(jobID) <= 12 {
		return jobID
	}
	return jobID[:12]
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func dash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
