package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ddrecorder/ddrecorder/logging"
	"github.com/ddrecorder/ddrecorder/retention"
)

func NewCleanCmd(deps *Dependencies) *cobra.Command {
	var (
		days   int
		dryRun bool
	)

	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Delete data and log files older than the retention period",
		Long:  "Runs one retention sweep over the data directories and the log directory. Directories holding an upload failure marker are skipped. A summary is appended to clean.log in the log directory.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logs := deps.Config, deps.Logs
			policy := retention.LoadPolicy()
			if cmd.Flags().Changed("retention") {
				policy.KeepDays = days
			}
			if dryRun {
				policy.DryRun = true
			}
			if policy.KeepDays <= 0 {
				return fmt.Errorf("retention must be positive, got %d days", policy.KeepDays)
			}
			sweeper := retention.NewSweeper(cfg.DataPath, cfg.LogDir, policy, logs.Stage(logging.Clean))
			sweeper.Protect = []string{cfg.YTTokenFile, logs.Path()}

			sum, err := sweeper.Run(cmd.Context())
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TARGET\tFILES\tDIRS\tSKIPPED\tERRORS")
			for _, t := range sum.Targets {
				if t.Missing {
					fmt.Fprintf(tw, "%s\t-\t-\t-\t-\n", t.Name)
					continue
				}
				fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\n", t.Name, t.Files, t.Dirs, t.Skipped, t.Errors)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			if sum.DryRun {
				fmt.Fprintln(cmd.OutOrStdout(), "dry run: nothing was deleted")
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&days, "retention", retention.DefaultKeepDays, "Delete files older than this many days; overrides RETENTION_KEEP_DAYS")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Report what would be deleted without deleting")

	return cmd
}
