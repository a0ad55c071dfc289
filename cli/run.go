package cli

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/ddrecorder/ddrecorder/chat"
	"github.com/ddrecorder/ddrecorder/liveapi"
	"github.com/ddrecorder/ddrecorder/logging"
	"github.com/ddrecorder/ddrecorder/oauth"
	"github.com/ddrecorder/ddrecorder/retention"
	"github.com/ddrecorder/ddrecorder/runner"
	"github.com/ddrecorder/ddrecorder/server"
	"github.com/ddrecorder/ddrecorder/telemetry"
	"github.com/ddrecorder/ddrecorder/upload"
	"github.com/ddrecorder/ddrecorder/youtubeapi"
)

// StopTimeout bounds how long run waits for room workers after a shutdown signal.
const StopTimeout = 30 * time.Second

const (
	tokenRefreshInterval = 5 * time.Minute
	tokenRefreshWindow   = 15 * time.Minute
)

func NewRunCmd(deps *Dependencies) *cobra.Command {
	var (
		noServer      bool
		retentionDays int
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Watch every configured room until interrupted",
		Long:  "Starts one worker per configured room. Each worker records a broadcast when the room goes live, processes it and uploads it when the room's uploader is enabled. A status table is printed periodically.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logs := deps.Config, deps.Logs
			if err := cfg.Validate(); err != nil {
				return err
			}
			ctx := cmd.Context()
			logger := logs.Logger()

			shutdownTracing, err := telemetry.InitTracing("ddrecorder", Version)
			if err != nil {
				logger.Warn("tracing disabled", slog.Any("err", err))
			} else {
				defer shutdownTracing()
			}

			st, err := openStores(ctx, cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			yt := youtubeService(cfg, st.tokens)
			var svc upload.Service
			var authz server.Authorizer
			if yt != nil {
				authz = yt
				if cfg.UploadsEnabled() {
					svc = yt
				}
				oauth.StartRefresher(ctx, st.tokens, youtubeapi.Provider, tokenRefreshInterval, tokenRefreshWindow, yt.RefreshToken)
			} else if cfg.UploadsEnabled() {
				logger.Warn("uploads enabled but YT_CLIENT_ID/YT_CLIENT_SECRET unset; sessions will be marked for retry")
			}
			if cfg.ChatRelayURL == "" {
				logger.Info("chat capture disabled: CHAT_RELAY_URL not set")
			}

			client := liveapi.NewClient(cfg.RequestHeaders)
			keys := &chat.KeySource{Fetch: client.GetSigningKey}
			sups := make([]*runner.Supervisor, 0, len(cfg.Rooms))
			for _, rc := range cfg.Rooms {
				room := liveapi.NewRoom(rc.RoomID, client)
				sups = append(sups, runner.NewSupervisor(rc, room, cfg.DataPath, cfg.CheckInterval, cfg.UploadRetryDelay,
					roomDeps(cfg, rc, client, keys, svc, st.History()), logs))
			}
			ctrl := runner.NewController(sups, cfg.PrintInterval, cmd.OutOrStdout(), logger)

			policy := retention.LoadPolicy()
			if retentionDays >= 0 {
				policy.KeepDays = retentionDays
			}
			sweeper := retention.NewSweeper(cfg.DataPath, cfg.LogDir, policy, logs.Stage(logging.Clean))
			sweeper.Protect = []string{cfg.YTTokenFile, logs.Path()}

			ctrl.Start(ctx)
			go sweeper.Start(ctx)

			srvDone := make(chan error, 1)
			if noServer {
				srvDone <- nil
			} else {
				srv, err := server.Listen(ctx, cfg.HTTPAddr, server.Options{
					Status:   ctrl,
					Sessions: st.Sessions(),
					OAuth:    authz,
					Sweeper:  sweeper,
					DB:       st.db,
				})
				if err != nil {
					ctrl.Stop(StopTimeout)
					return fmt.Errorf("status server: %w", err)
				}
				go func() { srvDone <- srv.Serve(ctx) }()
			}

			logger.Info("ddrecorder started", slog.Int("rooms", len(sups)), slog.String("version", Version))
			<-ctx.Done()
			logger.Info("shutting down")
			if !ctrl.Stop(StopTimeout) {
				logger.Warn("room workers did not stop in time", slog.Duration("timeout", StopTimeout))
			}
			return <-srvDone
		},
	}

	cmd.Flags().BoolVar(&noServer, "no-server", false, "Do not start the status HTTP server")
	cmd.Flags().IntVar(&retentionDays, "retention", -1, "Override RETENTION_KEEP_DAYS (0 disables the periodic sweep)")

	return cmd
}
