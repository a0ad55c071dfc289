package cli

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func NewSessionsCmd(deps *Dependencies) *cobra.Command {
	var (
		room  string
		limit int
	)

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List recent session outcomes (requires DB_DSN)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := deps.Config
			if cfg.DBDsn == "" {
				return errors.New("session history needs DB_DSN")
			}
			if limit <= 0 {
				return fmt.Errorf("--limit must be positive, got %d", limit)
			}
			ctx := cmd.Context()
			st, err := openStores(ctx, cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			rows, err := st.history.RecentSessions(ctx, room, limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ROOM\tSTARTED\tSTATE\tFRAGMENTS\tPARTS\tARTIFACT\tERROR")
			for _, o := range rows {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
					o.Room, o.Start.Format("2006-01-02 15:04:05"), o.State, o.Fragments, o.Parts, o.ArtifactID, o.Error)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVarP(&room, "room", "r", "", "Only this room")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of sessions")

	return cmd
}
