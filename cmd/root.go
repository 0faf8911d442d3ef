package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/screening-cli/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "screening-cli",
	Short: "Screening pipeline controller for systematic literature reviews",
	Long: `Drives literature search, primary screening and secondary screening jobs per
review project, gates each stage on its predecessor, acquires full texts before
secondary screening, and keeps an append-only log of manual decision overrides.

Settings are read from ./config.yaml and may be overridden with SCREENING_
environment variables (for example SCREENING_STORE_DATABASE_URL or
SCREENING_LOCK_DRIVER=redis). Only serve and stage start drive jobs; the
other commands read state and never poll the runner.`,
	// Rejected stage commands and failed jobs are not usage errors.
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
