package retention

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ddrecorder/ddrecorder/session"
)

const day = 24 * time.Hour

func touch(t *testing.T, path string, mtime time.Time) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("data"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatal(err)
	}
}

func age(t *testing.T, path string, mtime time.Time) {
	t.Helper()
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatal(err)
	}
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func newTestSweeper(t *testing.T, p Policy) (*Sweeper, string, time.Time) {
	t.Helper()
	root := t.TempDir()
	now := time.Now()
	s := NewSweeper(root, filepath.Join(root, "log"), p, nil)
	s.now = func() time.Time { return now }
	return s, root, now
}

func TestLoadPolicy(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want Policy
	}{
		{
			name: "defaults",
			want: Policy{KeepDays: 7, ChatKeepDays: 30, Interval: 24 * time.Hour},
		},
		{
			name: "overrides",
			env:  map[string]string{"RETENTION_KEEP_DAYS": "3", "RETENTION_CHAT_KEEP_DAYS": "14", "RETENTION_INTERVAL": "6h", "RETENTION_DRY_RUN": "true"},
			want: Policy{KeepDays: 3, ChatKeepDays: 14, Interval: 6 * time.Hour, DryRun: true},
		},
		{
			name: "invalid_values_ignored",
			env:  map[string]string{"RETENTION_KEEP_DAYS": "soon", "RETENTION_CHAT_KEEP_DAYS": "-1", "RETENTION_INTERVAL": "0s", "RETENTION_DRY_RUN": "no"},
			want: Policy{KeepDays: 7, ChatKeepDays: 30, Interval: 24 * time.Hour},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, k := range []string{"RETENTION_KEEP_DAYS", "RETENTION_CHAT_KEEP_DAYS", "RETENTION_INTERVAL", "RETENTION_DRY_RUN"} {
				t.Setenv(k, tt.env[k])
			}
			if got := LoadPolicy(); got != tt.want {
				t.Errorf("LoadPolicy() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestRunRemovesOldFilesAndWritesSummary(t *testing.T) {
	s, root, now := newTestSweeper(t, Policy{KeepDays: 7, ChatKeepDays: 30})
	records := filepath.Join(root, "data", "records")
	oldFile := filepath.Join(records, "old.flv")
	newFile := filepath.Join(records, "new.flv")
	touch(t, oldFile, now.Add(-7*day-100*time.Second))
	touch(t, newFile, now.Add(-7*day+100*time.Second))

	sum, err := s.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if exists(oldFile) {
		t.Error("old file kept")
	}
	if !exists(newFile) {
		t.Error("new file removed")
	}
	b, err := os.ReadFile(filepath.Join(root, "log", SummaryFile))
	if err != nil {
		t.Fatalf("summary not written: %v", err)
	}
	log := string(b)
	if !strings.Contains(log, "Cleaned "+records+" (files removed: 1") {
		t.Errorf("summary = %q", log)
	}
	if !strings.Contains(log, "Skip "+filepath.Join(root, "data", "cred")) {
		t.Errorf("missing target not reported: %q", log)
	}
	if len(sum.Targets) != len(session.DataDirs)+1 {
		t.Errorf("targets = %d", len(sum.Targets))
	}
}

func TestRunSkipsMarkedSubtree(t *testing.T) {
	s, root, now := newTestSweeper(t, Policy{KeepDays: 7})
	marked := filepath.Join(root, "data", "splits", "123_2024-01-01_20-00-00")
	part := filepath.Join(marked, "part_0000.mp4")
	nested := filepath.Join(marked, "sub", "old.mp4")
	old := now.Add(-30 * day)
	touch(t, part, old)
	touch(t, nested, old)
	if err := session.Mark(marked, "quota exceeded", old); err != nil {
		t.Fatal(err)
	}
	age(t, session.MarkerPath(marked), old)
	age(t, filepath.Join(marked, "sub"), old)
	age(t, marked, old)

	sum, err := s.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range []string{part, nested, session.MarkerPath(marked)} {
		if !exists(p) {
			t.Errorf("%s removed from marked subtree", p)
		}
	}
	for _, r := range sum.Targets {
		if r.Name == "splits" && r.Skipped != 1 {
			t.Errorf("splits skipped = %d", r.Skipped)
		}
	}
}

func TestRunRemovesEmptiedDirectoryByPreSweepMtime(t *testing.T) {
	s, root, now := newTestSweeper(t, Policy{KeepDays: 7})
	oldDir := filepath.Join(root, "data", "records", "1_old")
	newDir := filepath.Join(root, "data", "records", "1_new")
	old := now.Add(-10 * day)
	touch(t, filepath.Join(oldDir, "a.flv"), old)
	age(t, oldDir, old)
	if err := os.MkdirAll(newDir, 0o755); err != nil {
		t.Fatal(err)
	}

	if _, err := s.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if exists(oldDir) {
		t.Error("emptied old directory kept")
	}
	if !exists(newDir) {
		t.Error("fresh empty directory removed")
	}
	if !exists(filepath.Join(root, "data", "records")) {
		t.Error("target root removed")
	}
}

func TestChatDirUsesLongerRetention(t *testing.T) {
	s, root, now := newTestSweeper(t, Policy{KeepDays: 7, ChatKeepDays: 30})
	chatLog := filepath.Join(root, "data", "danmu", "1_s", session.ChatLogName)
	merged := filepath.Join(root, "data", "merged", "1_s_merged.mp4")
	tenDays := now.Add(-10 * day)
	touch(t, chatLog, tenDays)
	touch(t, merged, tenDays)

	if _, err := s.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !exists(chatLog) {
		t.Error("chat log removed before its own threshold")
	}
	if exists(merged) {
		t.Error("merged artifact kept past threshold")
	}
}

func TestDryRunRemovesNothing(t *testing.T) {
	s, root, now := newTestSweeper(t, Policy{KeepDays: 7, DryRun: true})
	f := filepath.Join(root, "data", "outputs", "x", "burned.mp4")
	touch(t, f, now.Add(-20*day))

	sum, err := s.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !exists(f) {
		t.Error("dry-run removed a file")
	}
	var counted int
	for _, r := range sum.Targets {
		counted += r.Files
	}
	if counted != 1 {
		t.Errorf("dry-run counted %d files", counted)
	}
}

func TestProtectedFileKept(t *testing.T) {
	s, root, now := newTestSweeper(t, Policy{KeepDays: 7})
	token := filepath.Join(root, "data", "cred", "youtube_token.json")
	touch(t, token, now.Add(-60*day))
	s.Protect = []string{token}

	if _, err := s.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !exists(token) {
		t.Error("protected credential removed")
	}
}

func TestRunHonorsCancelledContext(t *testing.T) {
	s, _, _ := newTestSweeper(t, Policy{KeepDays: 7})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v", err)
	}
}

func TestStartStopsOnCancel(t *testing.T) {
	s, _, _ := newTestSweeper(t, Policy{KeepDays: 7, Interval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after cancel")
	}
}
