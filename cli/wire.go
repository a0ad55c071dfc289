package cli

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/ddrecorder/ddrecorder/capture"
	"github.com/ddrecorder/ddrecorder/chat"
	"github.com/ddrecorder/ddrecorder/config"
	"github.com/ddrecorder/ddrecorder/crypto"
	"github.com/ddrecorder/ddrecorder/db"
	"github.com/ddrecorder/ddrecorder/ffmpeg"
	"github.com/ddrecorder/ddrecorder/liveapi"
	"github.com/ddrecorder/ddrecorder/pipeline"
	"github.com/ddrecorder/ddrecorder/runner"
	"github.com/ddrecorder/ddrecorder/server"
	"github.com/ddrecorder/ddrecorder/session"
	"github.com/ddrecorder/ddrecorder/subtitle"
	"github.com/ddrecorder/ddrecorder/upload"
	"github.com/ddrecorder/ddrecorder/youtubeapi"
)

// stores bundles the optional database with the token and history stores on top of it.
// Without DB_DSN tokens live in a file and history is not kept.
type stores struct {
	db      *sql.DB
	tokens  youtubeapi.TokenStore
	history *db.SessionStore
}

func openStores(ctx context.Context, cfg *config.Config) (*stores, error) {
	sealer, err := crypto.FromEnv()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", crypto.KeyEnv, err)
	}
	if cfg.DBDsn == "" {
		return &stores{tokens: &youtubeapi.FileTokenStore{Path: cfg.YTTokenFile, Sealer: sealer}}, nil
	}
	database, err := db.Connect(ctx, cfg.DBDsn)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := db.Migrate(ctx, database); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return &stores{
		db:      database,
		tokens:  &db.TokenStore{DB: database, Sealer: sealer},
		history: &db.SessionStore{DB: database},
	}, nil
}

func (s *stores) Close() {
	if s.db != nil {
		_ = s.db.Close()
	}
}

// History returns nil (not a typed nil) without a database.
func (s *stores) History() runner.History {
	if s.history == nil {
		return nil
	}
	return s.history
}

func (s *stores) Sessions() server.SessionLister {
	if s.history == nil {
		return nil
	}
	return s.history
}

func pipelineOptions(cfg *config.Config, rc config.RoomConfig) pipeline.Options {
	return pipeline.Options{
		KeepIntermediate: rc.Recorder.KeepIntermediate,
		KeepRawRecord:    rc.Recorder.KeepRawRecord,
		SubtitleStyle:    subtitle.Style(cfg.Danmaku),
	}
}

func newProcessor(cfg *config.Config, p session.Paths, opts pipeline.Options, logger *slog.Logger) *pipeline.Processor {
	return pipeline.New(p, ffmpeg.New(cfg.FFmpegPath, cfg.FFprobePath, logger), opts, logger)
}

func newChat(cfg *config.Config, client *liveapi.Client, keys *chat.KeySource, room, path string, logger *slog.Logger) *chat.Recorder {
	cookie := client.Cookie()
	t := &chat.RelayTransport{URLTemplate: cfg.ChatRelayURL, Cookie: cookie, UID: liveapi.UIDFromCookie(cookie)}
	return chat.New(room, path, t, chat.WebsocketDialer{}, keys, cfg.ChatReconnectDelay, logger)
}

// roomDeps builds the per-session collaborators of one room. A nil svc leaves
// NewUploader unset so upload-enabled sessions fail into the marker path.
func roomDeps(cfg *config.Config, rc config.RoomConfig, client *liveapi.Client, keys *chat.KeySource, svc upload.Service, history runner.History) runner.Deps {
	deps := runner.Deps{
		NewCapturer: func(room runner.Room, p session.Paths, logger *slog.Logger) runner.Capturer {
			return capture.New(room, p, cfg.CheckInterval, rc.Recorder.MaxDuration, cfg.RequestHeaders, logger)
		},
		NewProcessor: func(p session.Paths, logger *slog.Logger) runner.Processor {
			return newProcessor(cfg, p, pipelineOptions(cfg, rc), logger)
		},
		History: history,
	}
	if svc != nil {
		deps.NewUploader = func(logger *slog.Logger) runner.Uploader { return upload.New(svc, logger) }
	}
	if cfg.ChatRelayURL != "" {
		deps.NewChat = func(p session.Paths, logger *slog.Logger) runner.ChatRecorder {
			return newChat(cfg, client, keys, rc.RoomID, p.ChatLog(), logger)
		}
	}
	return deps
}

// youtubeService returns nil when the OAuth client credentials are missing.
func youtubeService(cfg *config.Config, tokens youtubeapi.TokenStore) *youtubeapi.Service {
	if cfg.ValidateUploadReady() != nil {
		return nil
	}
	return youtubeapi.New(cfg, tokens)
}

// roomTitle is the live room's title, falling back to its id when the lookup fails.
func roomTitle(ctx context.Context, client *liveapi.Client, id string) string {
	info, err := liveapi.NewRoom(id, client).Refresh(ctx)
	if err != nil || strings.TrimSpace(info.Title) == "" {
		return id
	}
	return info.Title
}

// linkOrCopy places src at dst, hard-linking when both sit on one filesystem.
func linkOrCopy(src, dst string) error {
	if filepath.Clean(src) == filepath.Clean(dst) {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	if err := os.Link(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := out.ReadFrom(in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
