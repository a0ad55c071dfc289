// Package session derives the on-disk layout of one room session and owns the
// failure-marker protocol shared between room supervisors and the retention sweep.
package session

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	// SlugLayout formats the session start inside a slug.
	SlugLayout = "2006-01-02_15-04-05"
	// MarkerName is the sentinel file written into a splits dir after a terminal upload failure.
	MarkerName = ".upload_failed"
	// ChatLogName is the chat log file inside a session's chat dir.
	ChatLogName = "danmu.jsonl"
)

// DataDirs are the subdirectories of <data_path>/data; the retention sweep walks every one.
var DataDirs = []string{"cred", "danmu", "merge_confs", "merged", "outputs", "records", "splits"}

// Paths is the deterministic directory layout of one room session.
type Paths struct {
	Root  string // <data_path>/data
	Room  string
	Start time.Time
	Slug  string
}

// New derives the session layout for room starting at start.
func New(dataPath, room string, start time.Time) Paths {
	start = start.Truncate(time.Second)
	return Paths{
		Root:  filepath.Join(dataPath, "data"),
		Room:  room,
		Start: start,
		Slug:  Slug(room, start),
	}
}

// Slug returns <room>_<YYYY-MM-DD_HH-MM-SS>.
func Slug(room string, start time.Time) string {
	return fmt.Sprintf("%s_%s", room, start.Format(SlugLayout))
}

// ParseSlug splits a slug back into its room id and start time (local zone).
func ParseSlug(slug string) (string, time.Time, error) {
	// room ids may contain '_' so the timestamp is taken from the tail
	if len(slug) < len(SlugLayout)+2 || slug[len(slug)-len(SlugLayout)-1] != '_' {
		return "", time.Time{}, fmt.Errorf("invalid slug %q", slug)
	}
	cut := len(slug) - len(SlugLayout)
	ts, err := time.ParseInLocation(SlugLayout, slug[cut:], time.Local)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("invalid slug %q: %w", slug, err)
	}
	return slug[:cut-1], ts, nil
}

// FromDir recovers the session layout from any per-session directory or file
// (records/<slug>, splits/<slug>, merged/<slug>_merged.mp4).
func FromDir(dataPath, p string) (Paths, error) {
	base := filepath.Base(p)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	base = strings.TrimSuffix(base, "_merged")
	room, start, err := ParseSlug(base)
	if err != nil {
		return Paths{}, err
	}
	return New(dataPath, room, start), nil
}

func (p Paths) RecordsDir() string   { return filepath.Join(p.Root, "records", p.Slug) }
func (p Paths) MergedDir() string    { return filepath.Join(p.Root, "merged") }
func (p Paths) MergedFile() string   { return filepath.Join(p.MergedDir(), p.Slug+"_merged.mp4") }
func (p Paths) SplitsDir() string    { return filepath.Join(p.Root, "splits", p.Slug) }
func (p Paths) ManifestDir() string  { return filepath.Join(p.Root, "merge_confs") }
func (p Paths) ManifestFile() string { return filepath.Join(p.ManifestDir(), p.Slug+"_merge_conf.txt") }
func (p Paths) ChatDir() string      { return filepath.Join(p.Root, "danmu", p.Slug) }
func (p Paths) ChatLog() string      { return filepath.Join(p.ChatDir(), ChatLogName) }
func (p Paths) SubtitleFile() string { return filepath.Join(p.ChatDir(), p.Slug+".ass") }
func (p Paths) OutputsDir() string   { return filepath.Join(p.Root, "outputs", p.Slug) }

// SplitFile returns the path of the idx-th part.
func (p Paths) SplitFile(idx int) string {
	return filepath.Join(p.SplitsDir(), fmt.Sprintf("%s_%04d.mp4", p.Slug, idx))
}

// FragmentPath returns a fresh fragment path named by its own capture timestamp.
// A collision within the same second gets a _N suffix.
func (p Paths) FragmentPath(at time.Time) string {
	base := fmt.Sprintf("%s_%s", p.Room, at.Format(SlugLayout))
	cand := filepath.Join(p.RecordsDir(), base+".flv")
	for n := 1; ; n++ {
		if _, err := os.Lstat(cand); err != nil {
			return cand
		}
		cand = filepath.Join(p.RecordsDir(), fmt.Sprintf("%s_%d.flv", base, n))
	}
}

// Ensure creates every directory of the session layout.
func (p Paths) Ensure() error {
	for _, d := range []string{p.RecordsDir(), p.MergedDir(), p.SplitsDir(), p.ManifestDir(), p.ChatDir(), p.OutputsDir()} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("create session dir %s: %w", d, err)
		}
	}
	return nil
}

// RecordingResult is the handoff from capture to the pipeline.
type RecordingResult struct {
	Start       time.Time
	FragmentDir string
	Fragments   []string
}

// ProcessResult is the handoff from the pipeline to the upload stage.
type ProcessResult struct {
	Merged    string
	SplitsDir string
}

// Outcome summarizes how one session ended.
type Outcome struct {
	Room       string
	Slug       string
	Start      time.Time
	End        time.Time
	State      string // final runner state
	Fragments  int
	Parts      int
	ArtifactID string
	Error      string
}

// MarkerPath returns the failure marker location inside dir.
func MarkerPath(dir string) string { return filepath.Join(dir, MarkerName) }

// HasMarker reports whether dir carries the failure marker.
func HasMarker(dir string) bool {
	_, err := os.Stat(MarkerPath(dir))
	return err == nil
}

// Mark (re)writes the failure marker with reason.
func Mark(dir, reason string, at time.Time) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create marker dir: %w", err)
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "unknown"
	}
	body := fmt.Sprintf("failed_at=%s reason=%s\n", at.Format("2006-01-02 15:04:05"), reason)
	if err := os.WriteFile(MarkerPath(dir), []byte(body), 0o644); err != nil {
		return fmt.Errorf("write failure marker: %w", err)
	}
	return nil
}

// ClearMarker removes the failure marker; a missing marker is not an error.
func ClearMarker(dir string) error {
	if err := os.Remove(MarkerPath(dir)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("clear failure marker: %w", err)
	}
	return nil
}

// MarkerReason returns the recorded reason, or "" when no marker exists.
func MarkerReason(dir string) string {
	b, err := os.ReadFile(MarkerPath(dir))
	if err != nil {
		return ""
	}
	s := strings.TrimSpace(string(b))
	if i := strings.Index(s, "reason="); i >= 0 {
		return s[i+len("reason="):]
	}
	return s
}
