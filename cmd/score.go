package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/reliefops/relief-engine/internal/priority"
)

var scorePersist bool

var scoreCmd = &cobra.Command{
	Use:   "score <request-id>",
	Short: "Compute the criticality score for one request",
	Args:  cobra.ExactArgs(1),
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

		result, err := priority.NewRecalculator(st, matcher).ScoreRequest(ctx, args[0], scorePersist)
		if err != nil {
			return err
		}
		return json.NewEncoder(os.Stdout).Encode(result)
	},
}

func init() {
	scoreCmd.Flags().BoolVar(&scorePersist, "persist", false, "write the score back to the request")
	rootCmd.AddCommand(scoreCmd)
}
