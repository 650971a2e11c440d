package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/reliefops/relief-engine/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "relief-engine",
	Short: "Disaster relief prioritization and allocation engine",
	Long:  "Scores rescue requests, suggests resource allocations, applies them transactionally, and runs a predictive batch cycle over regional demand data.",
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
