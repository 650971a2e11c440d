package main

import (
	"encoding/json"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/reliefops/relief-engine/internal/predict"
)

var predictLoop bool

var predictCmd = &cobra.Command{
	Use:   "predict",
	Short: "Run the predictive batch cycle once, or on an interval with --loop",
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
		regions, err := initRegions()
		if err != nil {
			return err
		}
		cycle := predict.NewCycle(st, matcher, regions)

		if predictLoop {
			if err := cfg.Validate("predict"); err != nil {
				return err
			}
			return cycle.RunLoop(ctx, time.Duration(cfg.Predict.IntervalSecs)*time.Second)
		}

		run, err := cycle.RunOnce(ctx)
		if err != nil {
			return err
		}
		return json.NewEncoder(os.Stdout).Encode(run)
	},
}

func init() {
	predictCmd.Flags().BoolVar(&predictLoop, "loop", false, "keep running on the configured interval")
	rootCmd.AddCommand(predictCmd)
}
