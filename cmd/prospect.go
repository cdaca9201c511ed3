package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/sells-group/outreach-cli/internal/outreach"
)

var (
	prospectDryRun        bool
	prospectSkipDiscovery bool
	prospectMaxEmails     int
)

var prospectCmd = &cobra.Command{
	Use:   "prospect",
	Short: "Run one discovery and outreach pass and print the report",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if cmd.Flags().Changed("dry-run") {
			cfg.Outreach.DryRun = prospectDryRun
		}
		if prospectMaxEmails > 0 {
			cfg.Outreach.MaxEmailsPerRun = prospectMaxEmails
		}

		env, err := initApp(ctx, cfg, "prospect", func(c *outreach.Config) {
			c.SkipDiscovery = prospectSkipDiscovery
		})
		if err != nil {
			return err
		}
		defer env.Close()

		rep, runErr := env.Runner.Run(ctx)
		if rep != nil {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(rep); err != nil {
				return err
			}
		}
		return runErr
	},
}

func init() {
	prospectCmd.Flags().BoolVar(&prospectDryRun, "dry-run", false, "draft but do not send (default from config)")
	prospectCmd.Flags().BoolVar(&prospectSkipDiscovery, "skip-discovery", false, "only work through leads already in the store")
	prospectCmd.Flags().IntVar(&prospectMaxEmails, "max-emails", 0, "override the per-run send quota")
	rootCmd.AddCommand(prospectCmd)
}
