package cli

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/ddrecorder/ddrecorder/logging"
)

func NewSplitCmd(deps *Dependencies) *cobra.Command {
	var (
		interval time.Duration
		room     string
	)

	cmd := &cobra.Command{
		Use:   "split <merged-file|dir>",
		Short: "Cut a merged video into upload-sized parts",
		Long:  "Splits a merged video into parts of --interval length (default: the room's split_interval) under the session's splits directory. A zero interval produces a single part.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logs := deps.Config, deps.Logs
			merged, err := locateMerged(filepath.Clean(args[0]))
			if err != nil {
				return err
			}
			paths, err := sessionForSource(cfg.DataPath, merged, room, []string{merged})
			if err != nil {
				return err
			}
			if err := linkOrCopy(merged, paths.MergedFile()); err != nil {
				return fmt.Errorf("stage merged file: %w", err)
			}

			rc, _ := cfg.Room(paths.Room)
			every := time.Duration(rc.Uploader.SplitInterval) * time.Second
			if interval >= 0 {
				every = interval
			}
			logger := logs.Stage(logging.Split, slog.String("room", paths.Room), slog.String("slug", paths.Slug))
			parts, err := newProcessor(cfg, paths, pipelineOptions(cfg, rc), logger).Split(cmd.Context(), every)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, p := range parts {
				fmt.Fprintln(out, p)
			}
			fmt.Fprintf(out, "%d part(s) in %s\n", len(parts), paths.SplitsDir())
			return nil
		},
	}

	cmd.Flags().DurationVarP(&interval, "interval", "i", -1, "Part length, e.g. 1h (default: the room's split_interval)")
	cmd.Flags().StringVarP(&room, "room", "r", "", "Room id for the session (default: taken from the file name, else \""+ManualRoom+"\")")

	return cmd
}
