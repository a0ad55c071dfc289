package runner

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ddrecorder/ddrecorder/capture"
	"github.com/ddrecorder/ddrecorder/config"
	"github.com/ddrecorder/ddrecorder/liveapi"
	"github.com/ddrecorder/ddrecorder/logging"
	"github.com/ddrecorder/ddrecorder/session"
	"github.com/ddrecorder/ddrecorder/upload"
)

type fakeRoom struct {
	mu         sync.Mutex
	live       bool
	refreshErr error
	refreshes  int
}

func (r *fakeRoom) Refresh(ctx context.Context) (liveapi.Info, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refreshes++
	if r.refreshErr != nil {
		return liveapi.Info{}, r.refreshErr
	}
	return liveapi.Info{RoomID: "7", Title: "Evening stream", Live: r.live}, nil
}

func (r *fakeRoom) StreamURL(ctx context.Context) (string, error) { return "http://stream", nil }

func (r *fakeRoom) Info() liveapi.Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	return liveapi.Info{RoomID: "7", Live: r.live}
}

type fakeCapturer struct {
	paths session.Paths
	err   error
	panic bool
}

func (c *fakeCapturer) Record(ctx context.Context) (*session.RecordingResult, error) {
	if c.panic {
		panic("boom")
	}
	if c.err != nil {
		return nil, c.err
	}
	frag := filepath.Join(c.paths.RecordsDir(), "7_frag.flv")
	if err := os.WriteFile(frag, []byte("flv"), 0o644); err != nil {
		return nil, err
	}
	return &session.RecordingResult{Start: c.paths.Start, FragmentDir: c.paths.RecordsDir(), Fragments: []string{frag}}, nil
}

type fakeProcessor struct {
	paths    session.Paths
	runErr   error
	splits   int
	interval time.Duration
}

func (p *fakeProcessor) Run(ctx context.Context) (*session.ProcessResult, error) {
	if p.runErr != nil {
		return nil, p.runErr
	}
	return &session.ProcessResult{Merged: p.paths.MergedFile(), SplitsDir: p.paths.SplitsDir()}, nil
}

func (p *fakeProcessor) Split(ctx context.Context, interval time.Duration) ([]string, error) {
	p.splits++
	p.interval = interval
	if err := os.MkdirAll(p.paths.SplitsDir(), 0o755); err != nil {
		return nil, err
	}
	out := p.paths.SplitFile(0)
	return []string{out}, os.WriteFile(out, []byte("mp4"), 0o644)
}

type fakeUploader struct {
	mu    sync.Mutex
	errs  []error
	calls int
	md    upload.Metadata
}

func (u *fakeUploader) Upload(ctx context.Context, room string, files []string, md upload.Metadata) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.calls++
	u.md = md
	if len(u.errs) > 0 {
		err := u.errs[0]
		u.errs = u.errs[1:]
		if err != nil {
			return "", err
		}
	}
	return "artifact-9", nil
}

type fakeChat struct {
	startErr error
	started  bool
	stopped  bool
}

func (c *fakeChat) Start(ctx context.Context) error {
	c.started = true
	return c.startErr
}

func (c *fakeChat) Stop(timeout time.Duration) bool {
	c.stopped = true
	return true
}

type fakeHistory struct {
	mu       sync.Mutex
	outcomes []session.Outcome
}

func (h *fakeHistory) RecordSession(ctx context.Context, o session.Outcome) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.outcomes = append(h.outcomes, o)
	return nil
}

type harness struct {
	sup   *Supervisor
	room  *fakeRoom
	cap   *fakeCapturer
	proc  *fakeProcessor
	up    *fakeUploader
	chat  *fakeChat
	hist  *fakeHistory
	paths session.Paths
	data  string
}

func newHarness(t *testing.T, live bool, cfg config.RoomConfig) *harness {
	t.Helper()
	h := &harness{
		room: &fakeRoom{live: live},
		cap:  &fakeCapturer{},
		proc: &fakeProcessor{},
		up:   &fakeUploader{},
		chat: &fakeChat{},
		hist: &fakeHistory{},
		data: t.TempDir(),
	}
	cfg.RoomID = "7"
	deps := Deps{
		NewCapturer: func(room Room, p session.Paths, logger *slog.Logger) Capturer {
			h.cap.paths, h.paths = p, p
			return h.cap
		},
		NewChat: func(p session.Paths, logger *slog.Logger) ChatRecorder { return h.chat },
		NewProcessor: func(p session.Paths, logger *slog.Logger) Processor {
			h.proc.paths = p
			return h.proc
		},
		NewUploader: func(logger *slog.Logger) Uploader { return h.up },
		History:     h.hist,
	}
	h.sup = NewSupervisor(cfg, h.room, h.data, time.Millisecond, time.Millisecond, deps, logging.Discard())
	return h
}

func uploadingRoom() config.RoomConfig {
	return config.RoomConfig{
		Recorder: config.RecorderConfig{EnableChat: true},
		Uploader: config.UploadConfig{Enabled: true, SplitInterval: 3600, Title: "{room_name} {date}"},
	}
}

func TestNotLiveStaysIdleWithoutSessionDir(t *testing.T) {
	h := newHarness(t, false, uploadingRoom())
	for i := 0; i < 3; i++ {
		if wait := h.sup.cycle(context.Background()); !wait {
			t.Error("not-live cycle should wait check_interval")
		}
		if h.sup.State() != Idle {
			t.Fatalf("state = %s", h.sup.State())
		}
	}
	if _, err := os.Stat(filepath.Join(h.data, "data")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("session directory created for offline room: %v", err)
	}
	if len(h.hist.outcomes) != 0 {
		t.Errorf("history written for offline room")
	}
}

func TestIdlePollKeepsStateSince(t *testing.T) {
	h := newHarness(t, false, uploadingRoom())
	entered := h.sup.Status().Since
	later := entered.Add(time.Hour)
	h.sup.now = func() time.Time { return later }
	for i := 0; i < 3; i++ {
		h.sup.cycle(context.Background())
	}
	if got := h.sup.Status().Since; !got.Equal(entered) {
		t.Errorf("idle since moved to %v, want %v", got, entered)
	}
	h.sup.setState(Recording, "")
	if got := h.sup.Status().Since; !got.Equal(later) {
		t.Errorf("recording since = %v, want %v", got, later)
	}
}

func TestRefreshErrorWaitsAndStaysIdle(t *testing.T) {
	h := newHarness(t, true, uploadingRoom())
	h.room.refreshErr = errors.New("dns failure")
	if !h.sup.cycle(context.Background()) {
		t.Error("expected wait after refresh error")
	}
	if h.sup.State() != Idle {
		t.Errorf("state = %s", h.sup.State())
	}
}

func TestUploadFailsTwiceLeavesMarker(t *testing.T) {
	h := newHarness(t, true, uploadingRoom())
	h.up.errs = []error{errors.New("503 first"), errors.New("503 second")}

	h.sup.cycle(context.Background())

	if h.sup.State() != Error {
		t.Fatalf("state = %s, want ERROR", h.sup.State())
	}
	if h.up.calls != 2 {
		t.Errorf("upload calls = %d, want 2", h.up.calls)
	}
	dir := h.paths.SplitsDir()
	if !session.HasMarker(dir) {
		t.Fatal("failure marker missing")
	}
	if reason := session.MarkerReason(dir); !strings.Contains(reason, "503 second") {
		t.Errorf("marker reason = %q", reason)
	}
	if _, err := os.Stat(h.paths.SplitFile(0)); err != nil {
		t.Errorf("parts removed after failed upload: %v", err)
	}
	if st := h.sup.Status(); !strings.Contains(st.LastError, "upload") {
		t.Errorf("last error = %q", st.LastError)
	}
	if n := len(h.hist.outcomes); n != 1 || h.hist.outcomes[0].State != "ERROR" {
		t.Errorf("history = %+v", h.hist.outcomes)
	}
}

func TestUploadRetrySucceedsAndClearsMarker(t *testing.T) {
	cfg := uploadingRoom()
	cfg.Uploader.KeepAfterUpload = false
	h := newHarness(t, true, cfg)
	h.up.errs = []error{errors.New("timeout")}

	// a marker left by an earlier failure in the same splits dir must go
	h.sup.now = func() time.Time { return time.Date(2024, 5, 6, 20, 0, 0, 0, time.Local) }
	pre := session.New(h.data, "7", h.sup.now())
	if err := session.Mark(pre.SplitsDir(), "old failure", time.Now()); err != nil {
		t.Fatal(err)
	}

	h.sup.cycle(context.Background())

	if h.sup.State() != Idle {
		t.Fatalf("state = %s, want IDLE", h.sup.State())
	}
	if h.up.calls != 2 {
		t.Errorf("upload calls = %d", h.up.calls)
	}
	if session.HasMarker(pre.SplitsDir()) {
		t.Error("marker not cleared after successful upload")
	}
	if _, err := os.Stat(pre.SplitsDir()); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("splits dir kept despite keep_record_after_upload=false: %v", err)
	}
	if h.up.md.Title != "Evening stream 2024年05月06日" {
		t.Errorf("title = %q", h.up.md.Title)
	}
	if h.proc.interval != time.Hour {
		t.Errorf("split interval = %s", h.proc.interval)
	}
	if !h.chat.started || !h.chat.stopped {
		t.Error("chat capture not started/stopped")
	}
	if o := h.hist.outcomes; len(o) != 1 || o[0].ArtifactID != "artifact-9" || o[0].Parts != 1 || o[0].Fragments != 1 {
		t.Errorf("history = %+v", o)
	}
}

func TestNoFragmentsIsErrorAndKeepsSessionDir(t *testing.T) {
	h := newHarness(t, true, uploadingRoom())
	h.cap.err = capture.ErrNoFragments
	if !h.sup.cycle(context.Background()) {
		t.Error("expected wait after empty capture")
	}
	if h.sup.State() != Error {
		t.Fatalf("state = %s", h.sup.State())
	}
	if _, err := os.Stat(h.paths.RecordsDir()); err != nil {
		t.Errorf("session dir removed: %v", err)
	}
	if h.up.calls != 0 || h.proc.splits != 0 {
		t.Error("pipeline continued after empty capture")
	}
}

func TestProcessFailureIsError(t *testing.T) {
	h := newHarness(t, true, uploadingRoom())
	h.proc.runErr = errors.New("concat failed")
	h.sup.cycle(context.Background())
	if h.sup.State() != Error || h.up.calls != 0 {
		t.Errorf("state=%s uploads=%d", h.sup.State(), h.up.calls)
	}
}

func TestUploadDisabledReturnsToIdle(t *testing.T) {
	cfg := uploadingRoom()
	cfg.Uploader.Enabled = false
	h := newHarness(t, true, cfg)
	h.sup.cycle(context.Background())
	if h.sup.State() != Idle {
		t.Errorf("state = %s", h.sup.State())
	}
	if h.proc.splits != 0 || h.up.calls != 0 {
		t.Error("split/upload ran with upload disabled")
	}
}

func TestChatStartFailureDoesNotBlockRecording(t *testing.T) {
	h := newHarness(t, true, uploadingRoom())
	h.chat.startErr = errors.New("relay down")
	h.sup.cycle(context.Background())
	if h.sup.State() != Idle {
		t.Errorf("state = %s", h.sup.State())
	}
	if h.chat.stopped {
		t.Error("Stop called on a chat recorder that never started")
	}
}

func TestPanicBecomesError(t *testing.T) {
	h := newHarness(t, true, uploadingRoom())
	h.cap.panic = true
	if !h.sup.safeCycle(context.Background()) {
		t.Error("expected wait after panic")
	}
	if st := h.sup.Status(); st.State != Error || !strings.Contains(st.LastError, "boom") {
		t.Errorf("status = %+v", st)
	}
}

func TestControllerStartSnapshotStop(t *testing.T) {
	h1 := newHarness(t, false, uploadingRoom())
	h2 := newHarness(t, false, uploadingRoom())
	h2.sup.ID = "8"
	var out bytes.Buffer
	var mu sync.Mutex
	c := NewController([]*Supervisor{h1.sup, h2.sup}, 10*time.Millisecond, &lockedWriter{w: &out, mu: &mu}, nil)
	c.Start(context.Background())
	time.Sleep(50 * time.Millisecond)

	snap := c.Snapshot()
	if snap.ActiveWorkers != 2 || len(snap.Rooms) != 2 || snap.Rooms[1].Room != "8" {
		t.Errorf("snapshot = %+v", snap)
	}
	if !c.Stop(time.Second) {
		t.Fatal("workers did not stop")
	}
	if c.ActiveWorkers() != 0 {
		t.Errorf("active workers after stop = %d", c.ActiveWorkers())
	}
	mu.Lock()
	table := out.String()
	mu.Unlock()
	if !strings.Contains(table, "ROOM") || !strings.Contains(table, "IDLE") {
		t.Errorf("status table = %q", table)
	}
}

func TestRenderTable(t *testing.T) {
	since := time.Date(2024, 1, 1, 12, 0, 0, 0, time.Local)
	var b bytes.Buffer
	err := RenderTable(&b, Snapshot{Time: since, ActiveWorkers: 1, Rooms: []Status{{Room: "123", Live: true, State: Recording, Since: since}}})
	if err != nil {
		t.Fatal(err)
	}
	s := b.String()
	for _, want := range []string{"active workers: 1", "123", "yes", "RECORDING", "2024-01-01 12:00:00"} {
		if !strings.Contains(s, want) {
			t.Errorf("table missing %q:\n%s", want, s)
		}
	}
}

func TestStateValid(t *testing.T) {
	for _, s := range []State{Idle, Recording, Processing, Uploading, Error} {
		if !s.Valid() {
			t.Errorf("%s not valid", s)
		}
	}
	if State("PAUSED").Valid() {
		t.Error("unknown state reported valid")
	}
}

type lockedWriter struct {
	w  *bytes.Buffer
	mu *sync.Mutex
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
