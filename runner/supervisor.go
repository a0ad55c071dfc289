// Package runner drives each configured room through
// detect → record → process → split → upload and reports their status.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/ddrecorder/ddrecorder/config"
	"github.com/ddrecorder/ddrecorder/liveapi"
	"github.com/ddrecorder/ddrecorder/logging"
	"github.com/ddrecorder/ddrecorder/session"
	"github.com/ddrecorder/ddrecorder/telemetry"
	"github.com/ddrecorder/ddrecorder/upload"
)

// ChatStopTimeout bounds the wait for a chat recorder to exit.
const ChatStopTimeout = 5 * time.Second

// Room is the room status collaborator.
type Room interface {
	Refresh(ctx context.Context) (liveapi.Info, error)
	StreamURL(ctx context.Context) (string, error)
	Info() liveapi.Info
}

type Capturer interface {
	Record(ctx context.Context) (*session.RecordingResult, error)
}

type ChatRecorder interface {
	Start(ctx context.Context) error
	Stop(timeout time.Duration) bool
}

type Processor interface {
	Run(ctx context.Context) (*session.ProcessResult, error)
	Split(ctx context.Context, interval time.Duration) ([]string, error)
}

type Uploader interface {
	Upload(ctx context.Context, room string, files []string, md upload.Metadata) (string, error)
}

// History receives every session outcome.
type History interface {
	RecordSession(ctx context.Context, o session.Outcome) error
}

// Deps builds the per-session collaborators. NewChat and History may be nil.
type Deps struct {
	NewCapturer  func(room Room, p session.Paths, logger *slog.Logger) Capturer
	NewChat      func(p session.Paths, logger *slog.Logger) ChatRecorder
	NewProcessor func(p session.Paths, logger *slog.Logger) Processor
	NewUploader  func(logger *slog.Logger) Uploader
	History      History
}

// Status is a point-in-time view of one supervisor.
type Status struct {
	Room      string    `json:"room"`
	Title     string    `json:"title,omitempty"`
	Live      bool      `json:"live"`
	State     State     `json:"state"`
	Since     time.Time `json:"since"`
	LastError string    `json:"last_error,omitempty"`
}

// Supervisor owns one room. It never returns on a stage failure; only ctx ends Run.
type Supervisor struct {
	ID               string
	Room             Room
	Cfg              config.RoomConfig
	DataPath         string
	CheckInterval    time.Duration
	UploadRetryDelay time.Duration
	Deps             Deps
	Logs             *logging.Factory

	now func() time.Time

	mu      sync.RWMutex
	state   State
	since   time.Time
	lastErr string
}

// NewSupervisor returns a supervisor in IDLE.
func NewSupervisor(cfg config.RoomConfig, room Room, dataPath string, checkInterval, uploadRetryDelay time.Duration, deps Deps, logs *logging.Factory) *Supervisor {
	s := &Supervisor{
		ID:               cfg.RoomID,
		Room:             room,
		Cfg:              cfg,
		DataPath:         dataPath,
		CheckInterval:    checkInterval,
		UploadRetryDelay: uploadRetryDelay,
		Deps:             deps,
		Logs:             logs,
		now:              time.Now,
	}
	s.state, s.since = Idle, s.now()
	telemetry.SetRoomState(s.ID, string(Idle))
	return s
}

// Status returns the current state snapshot.
func (s *Supervisor) Status() Status {
	s.mu.RLock()
	st := Status{Room: s.ID, State: s.state, Since: s.since, LastError: s.lastErr}
	s.mu.RUnlock()
	if s.Room != nil {
		info := s.Room.Info()
		st.Live, st.Title = info.Live, info.Title
	}
	return st
}

// State returns the current state.
func (s *Supervisor) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Supervisor) setState(st State, reason string) {
	s.mu.Lock()
	prev := s.state
	if prev != st {
		s.since = s.now()
	}
	s.state = st
	if st == Error {
		s.lastErr = reason
	}
	s.mu.Unlock()
	telemetry.SetRoomState(s.ID, string(st))
	if prev == st && st == Idle {
		return
	}
	attrs := []any{slog.String("room", s.ID), slog.String("from", string(prev)), slog.String("to", string(st))}
	if reason != "" {
		attrs = append(attrs, slog.String("reason", reason))
	}
	s.Logs.Logger().Info("room state changed", attrs...)
}

// Run loops detection cycles until ctx is done.
func (s *Supervisor) Run(ctx context.Context) {
	for ctx.Err() == nil {
		if s.safeCycle(ctx) {
			sleepCtx(ctx, s.CheckInterval)
		}
	}
}

// safeCycle converts a panic anywhere in the cycle into ERROR.
func (s *Supervisor) safeCycle(ctx context.Context) (wait bool) {
	defer func() {
		if r := recover(); r != nil {
			s.Logs.Logger().Error("room cycle panicked", slog.String("room", s.ID), slog.Any("panic", r), slog.String("stack", string(debug.Stack())))
			s.setState(Error, fmt.Sprintf("panic: %v", r))
			wait = true
		}
	}()
	return s.cycle(ctx)
}

// cycle runs one detect→…→upload pass and reports whether the caller should
// wait check_interval before the next one.
func (s *Supervisor) cycle(ctx context.Context) bool {
	detect := s.Logs.Stage(logging.Detect, slog.String("room", s.ID))
	info, err := s.Room.Refresh(ctx)
	if err != nil {
		if ctx.Err() == nil {
			detect.Error("room refresh failed", slog.Any("err", err))
		}
		return true
	}
	detect.Debug("room refreshed", slog.Bool("live", info.Live), slog.String("title", info.Title))
	if !info.Live {
		s.setState(Idle, "")
		return true
	}

	start := s.now()
	paths := session.New(s.DataPath, s.ID, start)
	ctx = telemetry.NewCorrelation(ctx)
	out := session.Outcome{Room: s.ID, Slug: paths.Slug, Start: paths.Start}
	attrs := []any{slog.String("room", s.ID), slog.String("slug", paths.Slug), slog.String("corr", telemetry.GetCorrelation(ctx))}
	finish := func(st State, reason string) {
		s.setState(st, reason)
		out.State, out.End = string(st), s.now()
		if st == Error {
			out.Error = reason
		}
		s.recordOutcome(ctx, out)
	}

	if err := paths.Ensure(); err != nil {
		finish(Error, "create session dirs: "+err.Error())
		return true
	}

	recLog := s.Logs.Stage(logging.Record, attrs...)
	var chat ChatRecorder
	if s.Cfg.Recorder.EnableChat && s.Deps.NewChat != nil {
		chat = s.Deps.NewChat(paths, s.Logs.Stage(logging.Chat, attrs...))
		if err := chat.Start(ctx); err != nil {
			recLog.Warn("chat capture failed to start", slog.Any("err", err))
			chat = nil
		}
	}

	s.setState(Recording, "")
	recLog.Info("recording started", slog.String("dir", paths.RecordsDir()))
	rec, err := s.Deps.NewCapturer(s.Room, paths, recLog).Record(ctx)
	if chat != nil && !chat.Stop(ChatStopTimeout) {
		recLog.Warn("chat capture did not stop in time")
	}
	if rec != nil {
		out.Fragments = len(rec.Fragments)
	}
	if err != nil {
		recLog.Error("recording failed", slog.Any("err", err))
		finish(Error, "record: "+err.Error())
		return true
	}
	if ctx.Err() != nil {
		recLog.Warn("stopped after recording; session left for manual processing", slog.String("dir", paths.RecordsDir()))
		finish(Error, "interrupted before processing")
		return false
	}

	mergeLog := s.Logs.Stage(logging.Merge, attrs...)
	s.setState(Processing, "")
	proc := s.Deps.NewProcessor(paths, mergeLog)
	res, err := proc.Run(ctx)
	if err != nil {
		mergeLog.Error("processing failed", slog.Any("err", err))
		finish(Error, "process: "+err.Error())
		return false
	}
	mergeLog.Info("processing finished", slog.String("merged", res.Merged))

	up := s.Cfg.Uploader
	if !up.Enabled {
		s.Logs.Stage(logging.Upload, attrs...).Info("upload disabled; artifact kept")
		finish(Idle, "")
		return false
	}

	splitLog := s.Logs.Stage(logging.Split, attrs...)
	parts, err := proc.Split(ctx, time.Duration(up.SplitInterval)*time.Second)
	if err == nil && len(parts) == 0 {
		err = errors.New("no parts")
	}
	if err != nil {
		splitLog.Error("split failed", slog.Any("err", err))
		finish(Error, "split: "+err.Error())
		return false
	}
	out.Parts = len(parts)

	upLog := s.Logs.Stage(logging.Upload, attrs...)
	s.setState(Uploading, "")
	md := upload.MetadataFor(up, s.ID, info.Title, start)
	id, err := s.uploadWithRetry(ctx, upLog, parts, md)
	splitsDir := res.SplitsDir
	if splitsDir == "" {
		splitsDir = paths.SplitsDir()
	}
	if err != nil {
		reason := err.Error()
		if ctx.Err() != nil {
			reason = "interrupted: " + reason
		}
		if merr := session.Mark(splitsDir, reason, s.now()); merr != nil {
			upLog.Error("write failure marker", slog.Any("err", merr))
		}
		upLog.Error("upload failed; session marked", slog.String("dir", splitsDir), slog.Any("err", err))
		finish(Error, "upload: "+reason)
		return false
	}
	if err := session.ClearMarker(splitsDir); err != nil {
		upLog.Warn("clear failure marker", slog.Any("err", err))
	}
	out.ArtifactID = id
	if !up.KeepAfterUpload {
		removeParts(upLog, splitsDir, parts)
	}
	upLog.Info("upload finished", slog.String("id", id), slog.Int("parts", len(parts)))
	finish(Idle, "")
	return false
}

// uploadWithRetry makes one attempt, waits UploadRetryDelay after a failure
// and makes exactly one more.
func (s *Supervisor) uploadWithRetry(ctx context.Context, logger *slog.Logger, parts []string, md upload.Metadata) (string, error) {
	if s.Deps.NewUploader == nil {
		return "", errors.New("no upload service configured")
	}
	u := s.Deps.NewUploader(logger)
	ctx, span := telemetry.StartSpan(ctx, "runner.upload", attribute.String("room", s.ID), attribute.Int("parts", len(parts)))
	id, err := u.Upload(ctx, s.ID, parts, md)
	if err == nil || ctx.Err() != nil {
		telemetry.EndSpan(span, err)
		return id, err
	}
	logger.Warn("upload failed; retrying later", slog.Any("err", err), slog.Duration("wait", s.UploadRetryDelay))
	if !sleepCtx(ctx, s.UploadRetryDelay) {
		telemetry.EndSpan(span, err)
		return "", err
	}
	id, err = u.Upload(ctx, s.ID, parts, md)
	telemetry.EndSpan(span, err)
	return id, err
}

func (s *Supervisor) recordOutcome(ctx context.Context, o session.Outcome) {
	if s.Deps.History == nil {
		return
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.Deps.History.RecordSession(wctx, o); err != nil {
		s.Logs.Logger().Warn("record session history", slog.String("room", s.ID), slog.Any("err", err))
	}
}

func removeParts(logger *slog.Logger, dir string, parts []string) {
	for _, p := range parts {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.Debug("remove part failed", slog.String("file", p), slog.Any("err", err))
		}
	}
	if err := os.Remove(dir); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Debug("remove splits dir failed", slog.String("dir", dir), slog.Any("err", err))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
