package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/ddrecorder/ddrecorder/liveapi"
	"github.com/ddrecorder/ddrecorder/logging"
	"github.com/ddrecorder/ddrecorder/session"
	"github.com/ddrecorder/ddrecorder/upload"
)

func NewUploadCmd(deps *Dependencies) *cobra.Command {
	var room string

	cmd := &cobra.Command{
		Use:   "upload <splits-dir|file>",
		Short: "Upload a split session (or a single file) as one playlist",
		Long: `Uploads every part in a splits directory, or one file, using the room's uploader
settings for title, description, tags and privacy. A failed upload leaves a
failure marker in the directory; a successful one removes it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logs := deps.Config, deps.Logs
			ctx := cmd.Context()
			target := filepath.Clean(args[0])

			fi, err := os.Stat(target)
			if err != nil {
				return err
			}
			dir, files := target, []string(nil)
			if fi.IsDir() {
				if files, err = upload.ListParts(dir); err != nil {
					return err
				}
			} else {
				dir, files = filepath.Dir(target), []string{target}
			}
			if len(files) == 0 {
				return fmt.Errorf("%s: %w", dir, upload.ErrNoParts)
			}

			// a lone file is named after its part index, so the session comes from its directory
			paths, err := session.FromDir(cfg.DataPath, dir)
			if err != nil {
				if room == "" {
					return fmt.Errorf("cannot infer the room from %s; pass --room", dir)
				}
				paths = session.New(cfg.DataPath, room, fi.ModTime())
			} else if room != "" {
				paths = session.New(cfg.DataPath, room, paths.Start)
			}

			if err := cfg.ValidateUploadReady(); err != nil {
				return err
			}
			st, err := openStores(ctx, cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			rc, _ := cfg.Room(paths.Room)
			name := roomTitle(ctx, liveapi.NewClient(cfg.RequestHeaders), paths.Room)
			md := upload.MetadataFor(rc.Uploader, paths.Room, name, paths.Start)
			logger := logs.Stage(logging.Upload, slog.String("room", paths.Room), slog.String("slug", paths.Slug))

			id, err := upload.New(youtubeService(cfg, st.tokens), logger).Upload(ctx, paths.Room, files, md)
			if err != nil {
				if merr := session.Mark(dir, err.Error(), time.Now()); merr != nil {
					err = errors.Join(err, fmt.Errorf("write failure marker: %w", merr))
				}
				return fmt.Errorf("upload %s: %w", dir, err)
			}
			if err := session.ClearMarker(dir); err != nil {
				logger.Warn("clear failure marker", slog.Any("err", err))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "uploaded %d part(s) as %s (%q)\n", len(files), id, md.Title)
			return nil
		},
	}

	cmd.Flags().StringVarP(&room, "room", "r", "", "Room id whose uploader settings apply (default: taken from the directory name)")

	return cmd
}
