package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/reliefops/relief-engine/internal/priority"
)

var recalcCmd = &cobra.Command{
	Use:   "recalc",
	Short: "Recalculate criticality scores and refresh suggestions for all open requests",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()
		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		matcher, err := initMatcher()
		if err != nil {
			return err
		}

		stats, err := priority.NewRecalculator(st, matcher).Run(ctx)
		if err != nil {
			return err
		}

		zap.L().Info("recalculation complete",
			zap.Int("scored", stats.Scored),
			zap.Int("suggested", stats.Suggested),
			zap.Int("conflicts", stats.Conflicts),
			zap.Int("skipped", stats.Skipped),
		)
		return json.NewEncoder(os.Stdout).Encode(stats)
	},
}

func init() {
	rootCmd.AddCommand(recalcCmd)
}
