package cmd

import (
	"context"
	"fmt"
	"runtime"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/coverscan/internal/config"
	errwrap "github.com/3leaps/coverscan/internal/errors"
	"github.com/3leaps/coverscan/internal/observability"
	"github.com/3leaps/coverscan/pkg/imagestore"
)

var (
	doctorProvider string
)

// doctorPingTimeout bounds each backend reachability check.
const doctorPingTimeout = 5 * time.Second

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks on the system and suggest fixes for common issues.

Examples:
  coverscan doctor                # Environment, config and backends
  coverscan doctor --provider s3  # Also check AWS credentials`,
	Run: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().StringVar(&doctorProvider, "provider", "", "Run provider-specific checks (s3)")
}

func runDoctor(cmd *cobra.Command, args []string) {
	identity := GetAppIdentity()
	bannerName := "doctor"
	if identity != nil && identity.BinaryName != "" {
		bannerName = identity.BinaryName + " doctor"
	}
	observability.CLILogger.Info("=== " + bannerName + " ===")
	observability.CLILogger.Info("")
	observability.CLILogger.Info("Running diagnostic checks...")
	observability.CLILogger.Info("")

	allChecks := true
	checkNum := 1
	totalChecks := 8
	if doctorProvider == "s3" {
		totalChecks = 10
	}

	// Check 1: Go version
	goVersion := runtime.Version()
	if goVersion >= "go1.23" {
		observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking Go version... ✅ %s", checkNum, totalChecks, goVersion),
			zap.String("go_version", goVersion))
	} else {
		observability.CLILogger.Warn(fmt.Sprintf("[%d/%d] Checking Go version... ⚠️  %s (recommended: go1.23+)", checkNum, totalChecks, goVersion),
			zap.String("go_version", goVersion))
		allChecks = false
	}
	checkNum++

	// Check 2: Crucible access
	version := crucible.GetVersion()
	if version.Crucible != "" {
		observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking Crucible access... ✅ v%s", checkNum, totalChecks, version.Crucible),
			zap.String("crucible_version", version.Crucible))
	} else {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking Crucible access... ❌ Cannot access Crucible", checkNum, totalChecks))
		ExitWithCode(observability.CLILogger, foundry.ExitExternalServiceUnavailable, "Cannot access Crucible",
			errwrap.NewExternalServiceError("Crucible service unavailable"))
		allChecks = false
	}
	checkNum++

	// Check 3: Gofulmen access
	if version.Gofulmen != "" {
		observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking Gofulmen access... ✅ v%s", checkNum, totalChecks, version.Gofulmen),
			zap.String("gofulmen_version", version.Gofulmen))
	} else {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking Gofulmen access... ❌ Cannot access Gofulmen", checkNum, totalChecks))
		allChecks = false
	}
	checkNum++

	// Check 4: Configuration
	cfg, err := config.Load(cmd.Context(), flagOverrides(cmd))
	if err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking configuration... ❌ Invalid configuration", checkNum, totalChecks),
			zap.Error(err))
		ExitWithCode(observability.CLILogger, foundry.ExitInvalidArgument, "Invalid configuration",
			errwrap.WrapInternal(cmd.Context(), err, "Invalid configuration"))
		return
	}
	observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking configuration... ✅ queue=%s images=%s provider=%s",
		checkNum, totalChecks, cfg.Queue.Backend, cfg.Images.Backend, cfg.Extraction.Provider),
		zap.String("config_file", config.ConfigFileUsed()))
	checkNum++

	// Check 5: Environment
	observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking environment... ✅ %s/%s", checkNum, totalChecks, runtime.GOOS, runtime.GOARCH),
		zap.String("os", runtime.GOOS),
		zap.String("arch", runtime.GOARCH))
	checkNum++

	// Checks 6-8: Backends
	allChecks = runBackendChecks(cmd.Context(), cfg, checkNum, totalChecks) && allChecks
	checkNum += 3

	if doctorProvider == "s3" {
		allChecks = runS3Checks(cmd.Context(), checkNum, totalChecks, allChecks)
	}

	observability.CLILogger.Info("")
	if allChecks {
		observability.CLILogger.Info(fmt.Sprintf("✅ All checks passed! Your %s installation is healthy.", bannerName))
	} else {
		observability.CLILogger.Warn("⚠️  Some checks failed. Review the output above for details.")
	}
	observability.CLILogger.Info("")
	observability.CLILogger.Info("=== End Diagnostics ===")
}

// doctorCheck reports one numbered check and returns whether it passed.
func doctorCheck(checkNum, totalChecks int, label string, detail string, err error) bool {
	if err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking %s... ❌ %s", checkNum, totalChecks, label, detail),
			zap.Error(err))
		return false
	}
	observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking %s... ✅ %s", checkNum, totalChecks, label, detail))
	return true
}

// runBackendChecks opens and pings the job queue, book store and image store.
func runBackendChecks(ctx context.Context, cfg *config.Config, checkNum, totalChecks int) bool {
	ok := true

	ping := func(p func(context.Context) error) error {
		pctx, cancel := context.WithTimeout(ctx, doctorPingTimeout)
		defer cancel()
		return p(pctx)
	}

	queue, err := openQueue(ctx, cfg)
	if err == nil {
		err = ping(queue.Ping)
		_ = queue.Close()
	}
	ok = doctorCheck(checkNum, totalChecks, "job queue", cfg.Queue.Backend, err) && ok
	checkNum++

	books, err := openBooks(ctx, cfg)
	if err == nil {
		err = ping(books.Ping)
		_ = books.Close()
	}
	ok = doctorCheck(checkNum, totalChecks, "book store", cfg.Store.Driver, err) && ok
	checkNum++

	images, err := openImages(ctx, cfg)
	if err == nil {
		if p, isPinger := images.(imagestore.Pinger); isPinger {
			err = ping(p.Ping)
		}
		_ = images.Close()
	}
	ok = doctorCheck(checkNum, totalChecks, "image store", cfg.Images.Backend, err) && ok

	return ok
}

// runS3Checks runs S3-specific diagnostic checks.
func runS3Checks(ctx context.Context, checkNum, totalChecks int, allChecks bool) bool {
	observability.CLILogger.Info("")
	observability.CLILogger.Info("S3 Provider Checks:")

	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking AWS credentials... ❌ Cannot load AWS config", checkNum, totalChecks),
			zap.Error(err))
		printAWSCredentialsHelp()
		return false
	}

	creds, err := cfg.Credentials.Retrieve(ctx)
	if err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking AWS credentials... ❌ Cannot retrieve credentials", checkNum, totalChecks),
			zap.Error(err))
		printAWSCredentialsHelp()
		return false
	}

	maskedKey := maskAccessKey(creds.AccessKeyID)
	observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking AWS credentials... ✅ Found credentials", checkNum, totalChecks),
		zap.String("access_key", maskedKey),
		zap.String("source", creds.Source))
	checkNum++

	source := creds.Source
	if source == "" {
		source = "unknown"
	}
	observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking credential source... ✅ %s", checkNum, totalChecks, source),
		zap.String("credential_source", source))

	return allChecks
}

// maskAccessKey masks all but the last 4 characters of an access key.
func maskAccessKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

// printAWSCredentialsHelp prints help for configuring AWS credentials.
func printAWSCredentialsHelp() {
	observability.CLILogger.Info("")
	observability.CLILogger.Info("To configure AWS credentials for the s3 image backend:")
	observability.CLILogger.Info("  1. Set images.s3.access_key_id and images.s3.secret_access_key, or")
	observability.CLILogger.Info("  2. Set AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY, or")
	observability.CLILogger.Info("  3. Set images.s3.profile to a profile from 'aws configure'")
	observability.CLILogger.Info("")
	observability.CLILogger.Info("For S3-compatible storage (MinIO, Wasabi, etc.), also set:")
	observability.CLILogger.Info("  - images.s3.endpoint and images.s3.force_path_style")
	observability.CLILogger.Info("")
}
