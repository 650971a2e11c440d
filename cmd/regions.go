package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/reliefops/relief-engine/internal/region"
)

var regionsCmd = &cobra.Command{
	Use:   "regions",
	Short: "Validate the configured region shapefile and list its regions",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Regions.ShapefilePath == "" {
			return eris.New("regions.shapefile_path is not configured")
		}

		regions, err := region.LoadShapefile(cfg.Regions.ShapefilePath, cfg.Regions.NameField)
		if err != nil {
			return err
		}

		fmt.Printf("%d regions loaded from %s\n", len(regions), cfg.Regions.ShapefilePath)
		for _, r := range regions {
			fmt.Println(" ", r.Name)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(regionsCmd)
}
