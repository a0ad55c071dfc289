package cli

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ddrecorder/ddrecorder/logging"
)

func NewProcessCmd(deps *Dependencies) *cobra.Command {
	var (
		subtitleFile string
		room         string
		noSubtitles  bool
	)

	cmd := &cobra.Command{
		Use:   "process <flv-file|dir>",
		Short: "Merge recorded fragments into one video with chat burned in",
		Long: `Processes an existing recording: a single .flv file or a directory of .flv fragments.
The fragments are placed into the session's records directory (the source is never
deleted), repaired, concatenated and, when a chat log is available, rendered with
the chat overlay. --subtitle accepts a .jsonl chat log or a ready-made .ass track.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logs := deps.Config, deps.Logs
			src := filepath.Clean(args[0])

			files, err := collectFLV(src)
			if err != nil {
				return err
			}
			paths, err := sessionForSource(cfg.DataPath, src, room, files)
			if err != nil {
				return err
			}
			if err := paths.Ensure(); err != nil {
				return err
			}
			for _, f := range files {
				if err := linkOrCopy(f, filepath.Join(paths.RecordsDir(), filepath.Base(f))); err != nil {
					return fmt.Errorf("stage %s: %w", f, err)
				}
			}

			rc, _ := cfg.Room(paths.Room)
			opts := pipelineOptions(cfg, rc)
			// manual sources are never consumed
			opts.KeepRawRecord = true
			opts.DisableSubtitles = noSubtitles
			switch ext := strings.ToLower(filepath.Ext(subtitleFile)); {
			case subtitleFile == "":
			case ext == ".jsonl":
				if err := linkOrCopy(subtitleFile, paths.ChatLog()); err != nil {
					return fmt.Errorf("stage chat log: %w", err)
				}
			case ext == ".ass":
				abs, err := filepath.Abs(subtitleFile)
				if err != nil {
					return err
				}
				opts.SubtitleFile = abs
			default:
				return fmt.Errorf("--subtitle must be a .jsonl chat log or an .ass file, got %s", subtitleFile)
			}

			logger := logs.Stage(logging.Merge, slog.String("room", paths.Room), slog.String("slug", paths.Slug))
			res, err := newProcessor(cfg, paths, opts, logger).Run(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "merged %d fragment(s) into %s\n", len(files), res.Merged)
			return nil
		},
	}

	cmd.Flags().StringVarP(&subtitleFile, "subtitle", "s", "", "Chat log (.jsonl) or subtitle track (.ass) to burn in")
	cmd.Flags().StringVarP(&room, "room", "r", "", "Room id for the session (default: taken from the source name, else \"manual\")")
	cmd.Flags().BoolVar(&noSubtitles, "no-subtitles", false, "Skip the chat overlay")

	return cmd
}
