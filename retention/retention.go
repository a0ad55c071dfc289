// Package retention prunes aged recordings, chat logs and log files while
// leaving every subtree that carries an upload failure marker untouched.
package retention

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ddrecorder/ddrecorder/session"
	"github.com/ddrecorder/ddrecorder/telemetry"
)

const (
	// SummaryFile is appended to inside the log dir after every sweep.
	SummaryFile = "clean.log"

	DefaultKeepDays     = 7
	DefaultChatKeepDays = 30
)

// Policy controls what the sweep removes.
type Policy struct {
	// KeepDays: files older than this many days are removed (0 disables the sweep)
	KeepDays int
	// ChatKeepDays overrides KeepDays for the chat log dir
	ChatKeepDays int
	// Interval between sweeps started by Start
	Interval time.Duration
	// DryRun logs and counts but removes nothing
	DryRun bool
}

// LoadPolicy reads RETENTION_* from the environment. Invalid values keep the default.
func LoadPolicy() Policy {
	p := Policy{KeepDays: DefaultKeepDays, ChatKeepDays: DefaultChatKeepDays, Interval: 24 * time.Hour}
	if s := os.Getenv("RETENTION_KEEP_DAYS"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n >= 0 {
			p.KeepDays = n
		}
	}
	if s := os.Getenv("RETENTION_CHAT_KEEP_DAYS"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n >= 0 {
			p.ChatKeepDays = n
		}
	}
	if s := os.Getenv("RETENTION_INTERVAL"); s != "" {
		if d, err := time.ParseDuration(s); err == nil && d > 0 {
			p.Interval = d
		}
	}
	if v := strings.ToLower(os.Getenv("RETENTION_DRY_RUN")); v == "1" || v == "true" {
		p.DryRun = true
	}
	return p
}

// Target is one directory the sweep walks.
type Target struct {
	Name     string
	Path     string
	KeepDays int
}

// TargetResult is the outcome of sweeping one target.
type TargetResult struct {
	Target
	Missing bool
	Files   int
	Dirs    int
	Skipped int // marked subtrees left alone
	Errors  int
}

// Summary is the outcome of one sweep.
type Summary struct {
	Started  time.Time
	Finished time.Time
	DryRun   bool
	Targets  []TargetResult
}

// Sweeper removes aged files under <data_path>/data and the log dir.
type Sweeper struct {
	DataPath string
	LogDir   string
	Policy   Policy
	// Protect lists files never removed regardless of age, e.g. a stored credential.
	Protect []string
	Logger  *slog.Logger

	now func() time.Time
}

// NewSweeper returns a Sweeper for the given layout.
func NewSweeper(dataPath, logDir string, p Policy, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{DataPath: dataPath, LogDir: logDir, Policy: p, Logger: logger, now: time.Now}
}

// Targets lists every swept directory with its effective threshold.
func (s *Sweeper) Targets() []Target {
	root := filepath.Join(s.DataPath, "data")
	var out []Target
	for _, d := range session.DataDirs {
		keep := s.Policy.KeepDays
		if d == "danmu" && s.Policy.ChatKeepDays > 0 {
			keep = s.Policy.ChatKeepDays
		}
		out = append(out, Target{Name: d, Path: filepath.Join(root, d), KeepDays: keep})
	}
	if s.LogDir != "" {
		out = append(out, Target{Name: "log", Path: s.LogDir, KeepDays: s.Policy.KeepDays})
	}
	return out
}

// Start sweeps every Policy.Interval until ctx is done. The first sweep runs
// one interval after start.
func (s *Sweeper) Start(ctx context.Context) {
	if s.Policy.KeepDays <= 0 {
		s.Logger.Info("retention sweep disabled (no policy configured)")
		return
	}
	interval := s.Policy.Interval
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	s.Logger.Info("retention sweep starting",
		slog.Int("keep_days", s.Policy.KeepDays),
		slog.Int("chat_keep_days", s.Policy.ChatKeepDays),
		slog.Bool("dry_run", s.Policy.DryRun),
		slog.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.Logger.Info("retention sweep stopped")
			return
		case <-ticker.C:
			if _, err := s.Run(ctx); err != nil {
				s.Logger.Warn("retention sweep failed", slog.Any("err", err))
			}
		}
	}
}

// Run performs one sweep and appends its summary to the log dir.
func (s *Sweeper) Run(ctx context.Context) (Summary, error) {
	sum := Summary{Started: s.now(), DryRun: s.Policy.DryRun}
	for _, t := range s.Targets() {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		res := s.sweep(t)
		sum.Targets = append(sum.Targets, res)
		if res.Missing {
			s.Logger.Debug("retention target missing", slog.String("dir", t.Path))
			continue
		}
		if !s.Policy.DryRun {
			telemetry.Add(telemetry.RetentionRemovals, float64(res.Files+res.Dirs), t.Name)
		}
		s.Logger.Info("retention target swept",
			slog.String("dir", t.Path),
			slog.Int("files_removed", res.Files),
			slog.Int("dirs_removed", res.Dirs),
			slog.Int("marked_skipped", res.Skipped),
			slog.Int("errors", res.Errors))
	}
	sum.Finished = s.now()
	if err := s.appendSummary(sum); err != nil {
		return sum, err
	}
	return sum, nil
}

type dirEntry struct {
	path  string
	mtime time.Time
}

// sweep walks t top-down, recording directory mtimes before anything is
// removed so a directory emptied by this sweep is judged by its old age.
func (s *Sweeper) sweep(t Target) TargetResult {
	res := TargetResult{Target: t}
	if _, err := os.Stat(t.Path); errors.Is(err, os.ErrNotExist) {
		res.Missing = true
		return res
	}
	threshold := s.now().Add(-time.Duration(t.KeepDays) * 24 * time.Hour)
	protect := make(map[string]struct{}, len(s.Protect))
	for _, p := range s.Protect {
		protect[filepath.Clean(p)] = struct{}{}
	}

	var dirs []dirEntry
	var files []string
	err := filepath.WalkDir(t.Path, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			res.Errors++
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if session.HasMarker(path) {
				res.Skipped++
				s.Logger.Debug("skipping marked directory", slog.String("dir", path))
				return fs.SkipDir
			}
			if path == t.Path {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				res.Errors++
				return nil
			}
			dirs = append(dirs, dirEntry{path: path, mtime: info.ModTime()})
			return nil
		}
		if _, ok := protect[filepath.Clean(path)]; ok {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().Before(threshold) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		res.Errors++
	}

	for _, f := range files {
		if s.Policy.DryRun {
			s.Logger.Info("dry-run: would delete file", slog.String("path", f))
			res.Files++
			continue
		}
		if err := os.Remove(f); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				res.Errors++
				s.Logger.Warn("failed to delete file", slog.String("path", f), slog.Any("err", err))
			}
			continue
		}
		res.Files++
	}

	// deepest first so a parent can become empty
	for i := len(dirs) - 1; i >= 0; i-- {
		d := dirs[i]
		if !d.mtime.Before(threshold) || !isEmpty(d.path) {
			continue
		}
		if s.Policy.DryRun {
			s.Logger.Info("dry-run: would delete directory", slog.String("path", d.path))
			res.Dirs++
			continue
		}
		if err := os.Remove(d.path); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				res.Errors++
			}
			continue
		}
		res.Dirs++
	}
	return res
}

func isEmpty(dir string) bool {
	f, err := os.Open(dir)
	if err != nil {
		return false
	}
	defer f.Close()
	names, _ := f.Readdirnames(1)
	return len(names) == 0
}

func (s *Sweeper) appendSummary(sum Summary) error {
	dir := s.LogDir
	if dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, SummaryFile), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", SummaryFile, err)
	}
	defer f.Close()

	var b strings.Builder
	mode := ""
	if sum.DryRun {
		mode = " (dry-run)"
	}
	fmt.Fprintf(&b, "Start %s%s\n", sum.Started.Format("2006-01-02 15:04:05"), mode)
	for _, r := range sum.Targets {
		if r.Missing {
			fmt.Fprintf(&b, "Skip %s\n", r.Path)
			continue
		}
		fmt.Fprintf(&b, "Cleaned %s (files removed: %d, dirs removed: %d, marked skipped: %d)\n", r.Path, r.Files, r.Dirs, r.Skipped)
	}
	fmt.Fprintf(&b, "Done %s\n", sum.Finished.Format("2006-01-02 15:04:05"))
	if _, err := f.WriteString(b.String()); err != nil {
		return fmt.Errorf("write %s: %w", SummaryFile, err)
	}
	return nil
}
