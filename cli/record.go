package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/ddrecorder/ddrecorder/capture"
	"github.com/ddrecorder/ddrecorder/chat"
	"github.com/ddrecorder/ddrecorder/liveapi"
	"github.com/ddrecorder/ddrecorder/logging"
	"github.com/ddrecorder/ddrecorder/runner"
	"github.com/ddrecorder/ddrecorder/session"
)

// ErrNotLive is returned by record when the room is offline.
var ErrNotLive = errors.New("room is not live")

func NewRecordCmd(deps *Dependencies) *cobra.Command {
	var (
		duration time.Duration
		noChat   bool
	)

	cmd := &cobra.Command{
		Use:   "record <room>",
		Short: "Record one broadcast of a live room without processing it",
		Long:  "Records the room's current broadcast (and its chat when enabled for the room) into a new session directory, then exits. Process it later with \"ddrecorder process\".",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logs := deps.Config, deps.Logs
			ctx := cmd.Context()
			id := args[0]
			rc, _ := cfg.Room(id)

			client := liveapi.NewClient(cfg.RequestHeaders)
			room := liveapi.NewRoom(id, client)
			info, err := room.Refresh(ctx)
			if err != nil {
				return fmt.Errorf("room %s: %w", id, err)
			}
			if !info.Live {
				return fmt.Errorf("room %s: %w", id, ErrNotLive)
			}

			paths := session.New(cfg.DataPath, id, time.Now())
			if err := paths.Ensure(); err != nil {
				return err
			}
			attrs := []any{slog.String("room", id), slog.String("slug", paths.Slug)}
			recLog := logs.Stage(logging.Record, attrs...)

			maxDuration := rc.Recorder.MaxDuration
			if duration > 0 {
				maxDuration = duration
			}

			var cr *chat.Recorder
			if rc.Recorder.EnableChat && !noChat && cfg.ChatRelayURL != "" {
				cr = newChat(cfg, client, &chat.KeySource{Fetch: client.GetSigningKey}, id, paths.ChatLog(), logs.Stage(logging.Chat, attrs...))
				if err := cr.Start(ctx); err != nil {
					recLog.Warn("chat capture failed to start", slog.Any("err", err))
					cr = nil
				}
			}

			recLog.Info("recording started", slog.String("title", info.Title), slog.String("dir", paths.RecordsDir()))
			res, err := capture.New(room, paths, cfg.CheckInterval, maxDuration, cfg.RequestHeaders, recLog).Record(ctx)
			if cr != nil && !cr.Stop(runner.ChatStopTimeout) {
				recLog.Warn("chat capture did not stop in time")
			}
			if err != nil {
				return fmt.Errorf("record: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "recorded %d fragment(s) into %s\n", len(res.Fragments), paths.RecordsDir())
			return nil
		},
	}

	cmd.Flags().DurationVarP(&duration, "duration", "d", 0, "Stop after this long (default: the room's max_duration, or until the broadcast ends)")
	cmd.Flags().BoolVar(&noChat, "no-chat", false, "Do not capture chat even when enabled for the room")

	return cmd
}
