package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/reliefops/relief-engine/internal/ingest"
)

var importCmd = &cobra.Command{
	Use:   "import <workbook.xlsx>",
	Short: "Import warehouse and resource inventory from an XLSX workbook",
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

		stats, err := ingest.NewImporter(st).ImportWorkbook(ctx, args[0])
		if err != nil {
			return err
		}
		return json.NewEncoder(os.Stdout).Encode(stats)
	},
}

func init() {
	rootCmd.AddCommand(importCmd)
}
