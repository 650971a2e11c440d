package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/reliefops/relief-engine/internal/allocate"
)

var (
	applyActor int
	applyKey   string
	applyNote  string
)

var applyCmd = &cobra.Command{
	Use:   "apply <recommendation-id>",
	Short: "Apply a suggested allocation, debiting stock atomically",
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

		result, err := allocate.NewManager(st).Apply(ctx, allocate.ApplyInput{
			RecommendationID: args[0],
			ActorID:          applyActor,
			IdempotencyKey:   applyKey,
			Note:             applyNote,
		})
		if err != nil {
			return err
		}

		if result.Replayed {
			zap.L().Info("idempotency key replay, returning original allocation",
				zap.String("allocation_id", result.Allocation.ID))
		}
		return json.NewEncoder(os.Stdout).Encode(result)
	},
}

var dismissCmd = &cobra.Command{
	Use:   "dismiss <recommendation-id>",
	Short: "Dismiss a suggested allocation without applying it",
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

		return allocate.NewManager(st).Dismiss(ctx, args[0])
	},
}

func init() {
	applyCmd.Flags().IntVar(&applyActor, "actor", 0, "acting operator ID")
	applyCmd.Flags().StringVar(&applyKey, "idempotency-key", "", "idempotency key for safe retries")
	applyCmd.Flags().StringVar(&applyNote, "note", "", "dispatch note recorded in the allocation history")
	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(dismissCmd)
}
