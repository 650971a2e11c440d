package main

import (
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/reliefops/relief-engine/internal/feed"
)

var feedLoop bool

var feedCmd = &cobra.Command{
	Use:   "feed",
	Short: "Refresh regional demand snapshots from the configured feed",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("feed"); err != nil {
			return err
		}
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()
		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		source, err := feed.NewSource(cfg.Feed.URL, time.Duration(cfg.Feed.TimeoutSecs)*time.Second)
		if err != nil {
			return err
		}
		loader := feed.NewLoader(source, st)

		if feedLoop {
			return loader.RefreshLoop(ctx, time.Duration(cfg.Feed.IntervalSecs)*time.Second)
		}

		n, err := loader.Refresh(ctx)
		if err != nil {
			return err
		}
		zap.L().Info("feed refreshed", zap.Int("rows", n))
		return nil
	},
}

func init() {
	feedCmd.Flags().BoolVar(&feedLoop, "loop", false, "keep refreshing on the configured interval")
	rootCmd.AddCommand(feedCmd)
}
