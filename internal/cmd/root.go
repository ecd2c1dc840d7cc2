// Package cmd implements the coverscan command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/3leaps/coverscan/internal/config"
	"github.com/3leaps/coverscan/internal/observability"
)

// VersionInfo is build metadata injected by main.
type VersionInfo struct {
	Version   string `json:"version" yaml:"version"`
	Commit    string `json:"commit" yaml:"commit"`
	BuildDate string `json:"build_date" yaml:"build_date"`
}

var (
	cfgFile     string
	verbose     bool
	appIdentity *config.AppIdentity
	versionInfo = VersionInfo{Version: "dev", Commit: "unknown", BuildDate: "unknown"}
)

var rootCmd = &cobra.Command{
	Use:   "coverscan",
	Short: "Extract book metadata from cover photos",
	Long: `coverscan turns photos of book covers into catalog records.

An upload is stored and queued as an extraction job. Workers claim jobs,
call the OCR service, and record the normalized fields. Clients poll the job,
review the fields, and save a book record.

Examples:
  coverscan serve --with-worker      # API and embedded workers
  coverscan worker                   # dedicated worker process
  coverscan jobs submit cover.jpg    # queue an image from disk
  coverscan books export -o out.xlsx`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if appIdentity == nil {
			appIdentity = config.DefaultIdentity()
		}
		config.SetIdentity(appIdentity)
		config.SetConfigFile(cfgFile)
		observability.InitCLILogger(appIdentity.BinaryName, verbose || viper.GetString("logging.level") == "debug")
	},
}

func init() {
	setDefaults()

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: ./coverscan.yaml, then user config dir)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().String("log-level", "", "Log level for long-running processes (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-profile", "", "Log profile: structured or console")
	_ = viper.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("logging.profile", rootCmd.PersistentFlags().Lookup("log-profile"))
}

// setDefaults registers configuration defaults on the global viper
// instance that backs the persistent flags.
func setDefaults() {
	config.SetDefaults(viper.GetViper())
}

// SetVersionInfo records build metadata.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

// GetAppIdentity returns the application identity, or nil before startup.
func GetAppIdentity() *config.AppIdentity {
	return appIdentity
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.ExecuteContext(context.Background())
}

// flagOverrides turns explicitly set persistent flags into config overrides.
func flagOverrides(cmd *cobra.Command) map[string]any {
	logging := map[string]any{}
	for flag, key := range map[string]string{"log-level": "level", "log-profile": "profile"} {
		if f := cmd.Flags().Lookup(flag); f != nil && f.Changed {
			logging[key] = f.Value.String()
		}
	}
	if len(logging) == 0 {
		return map[string]any{}
	}
	return map[string]any{"logging": logging}
}

// loadConfig loads configuration with flag overrides applied last.
func loadConfig(cmd *cobra.Command, extra ...map[string]any) (*config.Config, error) {
	overrides := append([]map[string]any{flagOverrides(cmd)}, extra...)
	cfg, err := config.Load(cmd.Context(), overrides...)
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	return cfg, nil
}

// ExitCodeError carries a process exit code.
type ExitCodeError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitCodeError) Error() string {
	return fmt.Sprintf("%s: %v (exit code %d)", e.Message, e.Err, e.Code)
}

func (e *ExitCodeError) Unwrap() error { return e.Err }

func exitError(code int, message string, err error) error {
	if err == nil {
		err = errors.New(message)
	}
	return &ExitCodeError{Code: code, Message: message, Err: err}
}

// ExitCode returns the exit code for an error returned by Execute.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ec *ExitCodeError
	if errors.As(err, &ec) {
		return ec.Code
	}
	return 1
}

var osExit = os.Exit

// ExitWithCode logs err and terminates the process with code.
func ExitWithCode(logger *zap.Logger, code int, message string, err error) {
	if logger != nil {
		logger.Error(message, zap.Error(err), zap.Int("exit_code", code))
	}
	osExit(code)
}
