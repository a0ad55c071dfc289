package cli

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ddrecorder/ddrecorder/config"
	"github.com/ddrecorder/ddrecorder/logging"
	"github.com/ddrecorder/ddrecorder/session"
	"github.com/ddrecorder/ddrecorder/youtubeapi"
)

func testDeps(t *testing.T) *Dependencies {
	t.Helper()
	for _, k := range []string{"RETENTION_KEEP_DAYS", "RETENTION_CHAT_KEEP_DAYS", "RETENTION_INTERVAL", "RETENTION_DRY_RUN", "ENCRYPTION_KEY"} {
		t.Setenv(k, "")
	}
	dir := t.TempDir()
	return &Dependencies{
		Config: &config.Config{
			DataPath:    dir,
			LogDir:      filepath.Join(dir, "log"),
			FFmpegPath:  "ffmpeg",
			FFprobePath: "ffprobe",
			YTTokenFile: filepath.Join(dir, "data", "cred", "youtube_token.json"),
			Danmaku:     config.DefaultDanmakuStyle(),
		},
		Logs: logging.Discard(),
	}
}

func execute(t *testing.T, deps *Dependencies, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd(deps)
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetErr(&buf)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return buf.String(), err
}

func writeFile(t *testing.T, path, body string, age time.Duration) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	if age > 0 {
		old := time.Now().Add(-age)
		if err := os.Chtimes(path, old, old); err != nil {
			t.Fatal(err)
		}
	}
}

func TestRootCommandTree(t *testing.T) {
	root := NewRootCmd(testDeps(t))
	want := []string{"run", "record", "process", "split", "upload", "clean", "auth", "sessions"}
	for _, name := range want {
		c, _, err := root.Find([]string{name})
		if err != nil || c.Name() != name {
			t.Errorf("subcommand %q missing (err=%v)", name, err)
		}
	}
	if root.Flags().Lookup("no-server") == nil {
		t.Error("root should accept run's flags")
	}
}

func TestArgumentValidation(t *testing.T) {
	tests := [][]string{
		{"record"},
		{"process"},
		{"split", "a", "b"},
		{"upload"},
		{"clean", "extra"},
		{"auth", "exchange"},
	}
	for _, args := range tests {
		if _, err := execute(t, testDeps(t), args...); err == nil {
			t.Errorf("%v: expected an argument error", args)
		}
	}
}

func TestRunRequiresRooms(t *testing.T) {
	_, err := execute(t, testDeps(t), "run")
	if err == nil || !strings.Contains(err.Error(), "no rooms configured") {
		t.Fatalf("err = %v", err)
	}
}

func TestCleanRemovesAgedFiles(t *testing.T) {
	deps := testDeps(t)
	data := filepath.Join(deps.Config.DataPath, "data")
	old := filepath.Join(data, "records", "7_2024-01-01_20-00-00", "7_x.flv")
	fresh := filepath.Join(data, "records", "7_2024-01-02_20-00-00", "7_y.flv")
	token := deps.Config.YTTokenFile
	writeFile(t, old, "old", 10*24*time.Hour)
	writeFile(t, fresh, "fresh", 0)
	writeFile(t, token, "{}", 100*24*time.Hour)

	out, err := execute(t, deps, "clean", "--retention", "3")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Error("aged fragment should be removed")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Error("fresh fragment should be kept")
	}
	if _, err := os.Stat(token); err != nil {
		t.Error("stored token must never be swept")
	}
	if !strings.Contains(out, "TARGET") || !strings.Contains(out, "records") {
		t.Errorf("summary table missing:\n%s", out)
	}
	if _, err := os.Stat(filepath.Join(deps.Config.LogDir, "clean.log")); err != nil {
		t.Errorf("clean.log not written: %v", err)
	}
}

func TestCleanDryRunKeepsFiles(t *testing.T) {
	deps := testDeps(t)
	old := filepath.Join(deps.Config.DataPath, "data", "outputs", "7_2024-01-01_20-00-00", "a.mp4")
	writeFile(t, old, "x", 10*24*time.Hour)

	out, err := execute(t, deps, "clean", "--retention", "1", "--dry-run")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(old); err != nil {
		t.Error("dry run removed a file")
	}
	if !strings.Contains(out, "dry run") {
		t.Errorf("output = %s", out)
	}
}

func TestCleanRejectsNonPositiveRetention(t *testing.T) {
	if _, err := execute(t, testDeps(t), "clean", "--retention", "0"); err == nil {
		t.Fatal("expected error")
	}
}

func TestSplitWithoutIntervalCopiesSinglePart(t *testing.T) {
	deps := testDeps(t)
	src := filepath.Join(t.TempDir(), "7_2024-01-01_20-00-00_merged.mp4")
	writeFile(t, src, "video", 0)

	out, err := execute(t, deps, "split", src, "--interval", "0")
	if err != nil {
		t.Fatal(err)
	}
	start := time.Date(2024, 1, 1, 20, 0, 0, 0, time.Local)
	p := session.New(deps.Config.DataPath, "7", start)
	b, err := os.ReadFile(p.SplitFile(0))
	if err != nil {
		t.Fatalf("part not written: %v\n%s", err, out)
	}
	if string(b) != "video" {
		t.Errorf("part = %q", b)
	}
	if _, err := os.Stat(p.MergedFile()); err != nil {
		t.Errorf("merged file not staged: %v", err)
	}
	if _, err := os.Stat(src); err != nil {
		t.Error("source must be kept")
	}
	if !strings.Contains(out, "1 part(s)") {
		t.Errorf("output = %s", out)
	}
}

func TestUploadNeedsRoomForUnnamedDir(t *testing.T) {
	deps := testDeps(t)
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "part.mp4"), "x", 0)
	_, err := execute(t, deps, "upload", dir)
	if err == nil || !strings.Contains(err.Error(), "--room") {
		t.Fatalf("err = %v", err)
	}
}

func TestUploadRequiresCredentials(t *testing.T) {
	deps := testDeps(t)
	dir := filepath.Join(t.TempDir(), "7_2024-01-01_20-00-00")
	writeFile(t, filepath.Join(dir, "7_2024-01-01_20-00-00_0000.mp4"), "x", 0)
	_, err := execute(t, deps, "upload", dir)
	if err == nil || !strings.Contains(err.Error(), "YT_CLIENT_ID") {
		t.Fatalf("err = %v", err)
	}
	if session.HasMarker(dir) {
		t.Error("configuration errors must not mark the session")
	}
}

func TestUploadEmptyDir(t *testing.T) {
	_, err := execute(t, testDeps(t), "upload", t.TempDir())
	if err == nil || !strings.Contains(err.Error(), "no uploadable parts") {
		t.Fatalf("err = %v", err)
	}
}

func TestAuthURL(t *testing.T) {
	deps := testDeps(t)
	deps.Config.YTClientID = "client-abc"
	deps.Config.YTClientSecret = "secret"
	deps.Config.YTRedirectURI = "http://localhost:8080/auth/youtube/callback"

	out, err := execute(t, deps, "auth", "url")
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"client_id=client-abc", "access_type=offline", "state="} {
		if !strings.Contains(out, want) {
			t.Errorf("url missing %q: %s", want, out)
		}
	}
}

func TestAuthURLRequiresClient(t *testing.T) {
	if _, err := execute(t, testDeps(t), "auth", "url"); err == nil {
		t.Fatal("expected error without client credentials")
	}
}

func TestSessionsRequiresDatabase(t *testing.T) {
	_, err := execute(t, testDeps(t), "sessions")
	if err == nil || !strings.Contains(err.Error(), "DB_DSN") {
		t.Fatalf("err = %v", err)
	}
}

func TestProcessRejectsUnknownSubtitle(t *testing.T) {
	deps := testDeps(t)
	src := filepath.Join(t.TempDir(), "7_2024-01-01_20-00-00")
	writeFile(t, filepath.Join(src, "a.flv"), "flv", 0)
	sub := filepath.Join(t.TempDir(), "chat.txt")
	writeFile(t, sub, "x", 0)
	_, err := execute(t, deps, "process", src, "--subtitle", sub)
	if err == nil || !strings.Contains(err.Error(), ".jsonl") {
		t.Fatalf("err = %v", err)
	}
}

func TestCollectFLV(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "b.flv"), "", 0)
	writeFile(t, filepath.Join(dir, "a.FLV"), "", 0)
	writeFile(t, filepath.Join(dir, "notes.txt"), "", 0)

	got, err := collectFLV(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || filepath.Base(got[0]) != "a.FLV" || filepath.Base(got[1]) != "b.flv" {
		t.Errorf("got %v", got)
	}
	if _, err := collectFLV(filepath.Join(dir, "notes.txt")); err == nil {
		t.Error("non-flv file accepted")
	}
	if _, err := collectFLV(t.TempDir()); err == nil {
		t.Error("empty dir accepted")
	}
}

func TestSessionForSource(t *testing.T) {
	data := t.TempDir()
	start := time.Date(2024, 3, 4, 5, 6, 7, 0, time.Local)

	p, err := sessionForSource(data, "/in/9_2024-03-04_05-06-07", "", nil)
	if err != nil || p.Room != "9" || !p.Start.Equal(start) {
		t.Errorf("slug source: %+v %v", p, err)
	}
	p, err = sessionForSource(data, "/in/9_2024-03-04_05-06-07_merged.mp4", "12", nil)
	if err != nil || p.Room != "12" || !p.Start.Equal(start) {
		t.Errorf("room override: %+v %v", p, err)
	}

	dir := t.TempDir()
	f1, f2 := filepath.Join(dir, "x.flv"), filepath.Join(dir, "y.flv")
	writeFile(t, f1, "", 2*time.Hour)
	writeFile(t, f2, "", time.Hour)
	p, err = sessionForSource(data, dir, "", []string{f1, f2})
	if err != nil {
		t.Fatal(err)
	}
	fi, _ := os.Stat(f1)
	if p.Room != ManualRoom || !p.Start.Equal(fi.ModTime().Truncate(time.Second)) {
		t.Errorf("manual source: room=%s start=%s", p.Room, p.Start)
	}
}

func TestLocateMerged(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "other.mp4"), "", 0)
	writeFile(t, filepath.Join(dir, "7_2024-01-01_20-00-00_merged.mp4"), "", 0)

	got, err := locateMerged(dir)
	if err != nil || filepath.Base(got) != "7_2024-01-01_20-00-00_merged.mp4" {
		t.Errorf("got %q %v", got, err)
	}

	writeFile(t, filepath.Join(dir, "8_2024-01-01_20-00-00_merged.mp4"), "", 0)
	if _, err := locateMerged(dir); err == nil {
		t.Error("ambiguous dir accepted")
	}

	lone := t.TempDir()
	writeFile(t, filepath.Join(lone, "b.mp4"), "", 0)
	writeFile(t, filepath.Join(lone, "a.mp4"), "", 0)
	if got, err := locateMerged(lone); err != nil || filepath.Base(got) != "a.mp4" {
		t.Errorf("fallback got %q %v", got, err)
	}
	if _, err := locateMerged(t.TempDir()); err == nil {
		t.Error("empty dir accepted")
	}
}

func TestLinkOrCopy(t *testing.T) {
	src := filepath.Join(t.TempDir(), "a.flv")
	writeFile(t, src, "payload", 0)
	dst := filepath.Join(t.TempDir(), "nested", "a.flv")
	if err := linkOrCopy(src, dst); err != nil {
		t.Fatal(err)
	}
	if b, _ := os.ReadFile(dst); string(b) != "payload" {
		t.Errorf("dst = %q", b)
	}
	if err := linkOrCopy(src, src); err != nil {
		t.Errorf("same path: %v", err)
	}
	if err := linkOrCopy(filepath.Join(t.TempDir(), "missing"), dst+"2"); err == nil {
		t.Error("missing source accepted")
	}
}

func TestStoresWithoutDatabase(t *testing.T) {
	deps := testDeps(t)
	st, err := openStores(context.Background(), deps.Config)
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	if st.History() != nil || st.Sessions() != nil {
		t.Error("history must be a nil interface without a database")
	}
	if st.tokens == nil {
		t.Fatal("file token store missing")
	}
	_, _, _, _, err = st.tokens.GetOAuthToken(context.Background(), "youtube")
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		t.Errorf("empty token file: %v", err)
	}
}

func TestRoomDepsWiring(t *testing.T) {
	deps := testDeps(t)
	rc, _ := deps.Config.Room("7")
	d := roomDeps(deps.Config, rc, nil, nil, nil, nil)
	if d.NewCapturer == nil || d.NewProcessor == nil {
		t.Fatal("capture and processing must always be wired")
	}
	if d.NewUploader != nil || d.NewChat != nil || d.History != nil {
		t.Error("optional collaborators should stay unset")
	}

	deps.Config.ChatRelayURL = "ws://relay/{room}"
	if d := roomDeps(deps.Config, rc, nil, nil, nil, nil); d.NewChat == nil {
		t.Error("chat should be wired when a relay is configured")
	}
}

func TestAuthSealEncryptsPlaintextToken(t *testing.T) {
	deps := testDeps(t)
	plain := &youtubeapi.FileTokenStore{Path: deps.Config.YTTokenFile}
	expiry := time.Now().Add(time.Hour).Truncate(time.Second)
	if err := plain.UpsertOAuthToken(context.Background(), youtubeapi.Provider, "access-plain", "refresh-plain", expiry, ""); err != nil {
		t.Fatal(err)
	}

	if _, err := execute(t, deps, "auth", "seal"); err == nil {
		t.Fatal("seal without ENCRYPTION_KEY should fail")
	}

	// 32 bytes of 'a'
	t.Setenv("ENCRYPTION_KEY", "YWFhYWFhYWFhYWFhYWFhYWFhYWFhYWFhYWFhYWFhYWE=")
	out, err := execute(t, deps, "auth", "seal")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "token sealed") {
		t.Errorf("output = %s", out)
	}
	b, err := os.ReadFile(deps.Config.YTTokenFile)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(b), "access-plain") || strings.Contains(string(b), "refresh-plain") {
		t.Errorf("token file still holds plaintext: %s", b)
	}

	st, err := openStores(context.Background(), deps.Config)
	if err != nil {
		t.Fatal(err)
	}
	access, refresh, _, _, err := st.tokens.GetOAuthToken(context.Background(), youtubeapi.Provider)
	if err != nil || access != "access-plain" || refresh != "refresh-plain" {
		t.Errorf("sealed token reads back as %q/%q (%v)", access, refresh, err)
	}

	// a second run re-seals without error
	if _, err := execute(t, deps, "auth", "seal"); err != nil {
		t.Errorf("second seal: %v", err)
	}
}

func TestAuthSealNoToken(t *testing.T) {
	deps := testDeps(t)
	t.Setenv("ENCRYPTION_KEY", "YWFhYWFhYWFhYWFhYWFhYWFhYWFhYWFhYWFhYWFhYWE=")
	out, err := execute(t, deps, "auth", "seal")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "nothing to seal") {
		t.Errorf("output = %s", out)
	}
}
