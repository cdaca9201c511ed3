package main

import (
	"encoding/json"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var discoverRegions []string

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Import restaurants for the target regions without sending anything",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if len(discoverRegions) > 0 {
			cfg.Outreach.Regions = discoverRegions
		}

		env, err := initApp(ctx, cfg, "discover")
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.Discovery.Run(ctx, cfg.Outreach.Regions)
		if err != nil {
			return err
		}
		zap.L().Info("discovery complete",
			zap.Int("regions", len(res.Regions)),
			zap.Int("failed", len(res.Failed)),
			zap.Int64("upserted", res.Upserted),
		)

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	},
}

func init() {
	discoverCmd.Flags().StringSliceVar(&discoverRegions, "regions", nil, "regions to search (default from config)")
	rootCmd.AddCommand(discoverCmd)
}
