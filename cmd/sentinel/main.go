package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cuemby/sentinel/pkg/config"
	"github.com/cuemby/sentinel/pkg/types"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// exitCode separates operator-fixable failures: 2 when the
// configuration cannot be loaded or validated, 3 when a persisted
// store is corrupt, 1 for everything else.
func exitCode(err error) int {
	if types.IsCorruptState(err) {
		return 3
	}
	var cfgErr *configError
	if errors.As(err, &cfgErr) {
		return 2
	}
	return 1
}

// configError marks configuration failures so main can exit 2.
type configError struct{ err error }

func (e *configError) Error() string { return e.err.Error() }
func (e *configError) Unwrap() error { return e.err }

var configPath string

var rootCmd = &cobra.Command{
	Use:   "sentinel",
	Short: "Sentinel - autonomous security operations controller",
	Long: `Sentinel watches host security tools, batches their findings, plans
remediations with a language model, and executes approved fixes with
backups and automatic rollback. It also monitors project health and
summarizes repository pushes.

One process, one YAML config, one HTTP port.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Sentinel version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c",
		"/etc/sentinel/config.yaml", "Path to the configuration file")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(replayCmd)
}

// loadConfig reads the configured file, tagging failures for exit
// code 2.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, &configError{err}
	}
	return cfg, nil
}
