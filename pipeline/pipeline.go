// Package pipeline turns a session's raw fragments into one merged artifact
// (optionally with the chat track burned in) and splits it into fixed-length parts.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/ddrecorder/ddrecorder/session"
	"github.com/ddrecorder/ddrecorder/subtitle"
	"github.com/ddrecorder/ddrecorder/telemetry"
)

const (
	// MinFragmentSize skips fragments too small to hold a usable keyframe.
	MinFragmentSize = 1 << 20
	// DefaultAttempts bounds Run.
	DefaultAttempts = 3
)

var (
	ErrProcessFailed = errors.New("pipeline: processing failed")
	ErrSplitFailed   = errors.New("pipeline: split produced no parts")
	errNoUsable      = errors.New("no usable fragments")
)

// HardwareEncoders are preferred for burn-in in this order when ffmpeg lists them.
var HardwareEncoders = []string{"h264_nvenc", "h264_qsv", "h264_videotoolbox", "h264_amf"}

// Transcoder abstracts the external transcoder (for tests/mocks).
type Transcoder interface {
	Run(ctx context.Context, args ...string) error
	ProbeDuration(ctx context.Context, path string) (float64, error)
	ProbeBitrate(ctx context.Context, path string) (int64, error)
	ListEncoders(ctx context.Context) ([]string, error)
}

// Options tune one Processor.
type Options struct {
	KeepIntermediate bool
	KeepRawRecord    bool
	Attempts         int
	// SubtitleStyle renders the chat log; a zero value uses subtitle.DefaultStyle.
	SubtitleStyle subtitle.Style
	// SubtitleFile burns a pre-rendered track instead of rendering the session chat log.
	SubtitleFile string
	// DisableSubtitles skips burn-in entirely.
	DisableSubtitles bool
}

// Processor runs the artifact pipeline for one session.
type Processor struct {
	Paths  session.Paths
	T      Transcoder
	Opts   Options
	Logger *slog.Logger
}

// New returns a Processor for paths.
func New(paths session.Paths, t Transcoder, opts Options, logger *slog.Logger) *Processor {
	if opts.Attempts <= 0 {
		opts.Attempts = DefaultAttempts
	}
	if opts.SubtitleStyle == (subtitle.Style{}) {
		opts.SubtitleStyle = subtitle.DefaultStyle()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{Paths: paths, T: t, Opts: opts, Logger: logger}
}

// Run repairs and concatenates fragments into the merged artifact, burning in
// the chat track when one renders. It makes up to Opts.Attempts attempts.
func (p *Processor) Run(ctx context.Context) (res *session.ProcessResult, err error) {
	ctx, span := telemetry.StartSpan(ctx, "pipeline.run", attribute.String("slug", p.Paths.Slug))
	start := time.Now()
	defer func() {
		telemetry.EndSpan(span, err)
		result := "success"
		if err != nil {
			result = "failed"
		}
		telemetry.Inc(telemetry.PipelineRuns, p.Paths.Room, result)
		if telemetry.PipelineDuration != nil {
			telemetry.PipelineDuration.Observe(time.Since(start).Seconds())
		}
	}()

	var lastErr error
	for attempt := 1; attempt <= p.Opts.Attempts; attempt++ {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrProcessFailed, ctx.Err())
		}
		res, lastErr = p.runOnce(ctx)
		if lastErr == nil {
			return res, nil
		}
		p.Logger.Warn("processing attempt failed", slog.Int("attempt", attempt), slog.Int("max", p.Opts.Attempts), slog.Any("err", lastErr))
	}
	return nil, fmt.Errorf("%w after %d attempts: %v", ErrProcessFailed, p.Opts.Attempts, lastErr)
}

func (p *Processor) runOnce(ctx context.Context) (*session.ProcessResult, error) {
	frags, err := p.fragments()
	if err != nil {
		return nil, err
	}
	tsFiles, err := p.transmux(ctx, frags)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(p.Paths.MergedDir(), 0o755); err != nil {
		return nil, fmt.Errorf("create merged dir: %w", err)
	}
	merged := p.Paths.MergedFile()
	if err := p.T.Run(ctx, "-y", "-f", "concat", "-safe", "0", "-i", p.Paths.ManifestFile(),
		"-c", "copy", "-fflags", "+igndts", "-avoid_negative_ts", "make_zero", merged); err != nil {
		p.removeAll(tsFiles)
		return nil, fmt.Errorf("concat: %w", err)
	}
	p.Logger.Info("fragments merged", slog.Int("parts", len(tsFiles)), slog.String("merged", merged))

	if !p.Opts.DisableSubtitles {
		p.burnSubtitles(ctx, merged)
	}
	if !p.Opts.KeepIntermediate {
		p.removeAll(tsFiles)
	}
	if !p.Opts.KeepRawRecord {
		p.removeAll(frags)
		_ = os.Remove(p.Paths.RecordsDir())
	}
	return &session.ProcessResult{Merged: merged, SplitsDir: p.Paths.SplitsDir()}, nil
}

// fragments lists raw fragments in capture order.
func (p *Processor) fragments() ([]string, error) {
	frags, err := filepath.Glob(filepath.Join(p.Paths.RecordsDir(), "*.flv"))
	if err != nil {
		return nil, err
	}
	if len(frags) == 0 {
		return nil, fmt.Errorf("%w in %s", errNoUsable, p.Paths.RecordsDir())
	}
	sort.Strings(frags)
	return frags, nil
}

// transmux repairs each usable fragment into MPEG-TS and writes the concat manifest.
func (p *Processor) transmux(ctx context.Context, frags []string) ([]string, error) {
	if err := os.MkdirAll(p.Paths.ManifestDir(), 0o755); err != nil {
		return nil, fmt.Errorf("create manifest dir: %w", err)
	}
	var ts []string
	var manifest strings.Builder
	for _, frag := range frags {
		st, err := os.Stat(frag)
		if err != nil || st.Size() < MinFragmentSize {
			p.Logger.Debug("skipping small fragment", slog.String("fragment", frag))
			continue
		}
		out := strings.TrimSuffix(frag, filepath.Ext(frag)) + ".ts"
		if err := p.T.Run(ctx, "-y", "-fflags", "+discardcorrupt", "-i", frag, "-c", "copy",
			"-bsf:v", "h264_mp4toannexb", "-acodec", "aac", "-f", "mpegts", out); err != nil {
			p.Logger.Warn("transmux failed", slog.String("fragment", frag), slog.Any("err", err))
			continue
		}
		abs, err := filepath.Abs(out)
		if err != nil {
			abs = out
		}
		ts = append(ts, out)
		fmt.Fprintf(&manifest, "file '%s'\n", strings.ReplaceAll(abs, "'", `'\''`))
	}
	if len(ts) == 0 {
		return nil, errNoUsable
	}
	if err := os.WriteFile(p.Paths.ManifestFile(), []byte(manifest.String()), 0o644); err != nil {
		p.removeAll(ts)
		return nil, fmt.Errorf("write manifest: %w", err)
	}
	return ts, nil
}

// burnSubtitles re-encodes merged with the chat track. Any failure keeps the
// pre-subtitle artifact.
func (p *Processor) burnSubtitles(ctx context.Context, merged string) {
	track := p.Opts.SubtitleFile
	if track == "" {
		n, err := subtitle.WriteFile(p.Paths.ChatLog(), p.Paths.SubtitleFile(), p.Paths.Start, p.Opts.SubtitleStyle)
		if err != nil {
			p.Logger.Warn("subtitle render failed", slog.Any("err", err))
			return
		}
		if n == 0 {
			return
		}
		track = p.Paths.SubtitleFile()
	} else if _, err := os.Stat(track); err != nil {
		p.Logger.Warn("subtitle file unavailable", slog.String("file", track), slog.Any("err", err))
		return
	}

	var target int64
	if br, err := p.T.ProbeBitrate(ctx, merged); err == nil {
		target = br
	} else {
		p.Logger.Warn("bitrate probe failed; encoding without target", slog.Any("err", err))
	}
	tmp := strings.TrimSuffix(merged, filepath.Ext(merged)) + ".sub.tmp.mp4"
	filter := "ass=" + escapeFilterPath(track)

	for _, enc := range p.encoderOrder(ctx) {
		args := append([]string{"-y", "-i", merged, "-vf", filter}, encoderArgs(enc, target)...)
		args = append(args, "-c:a", "copy", tmp)
		if err := p.T.Run(ctx, args...); err != nil {
			p.Logger.Warn("subtitle burn-in failed", slog.String("encoder", enc), slog.Any("err", err))
			_ = os.Remove(tmp)
			continue
		}
		if err := os.Rename(tmp, merged); err != nil {
			p.Logger.Warn("subtitle rename failed", slog.Any("err", err))
			_ = os.Remove(tmp)
			return
		}
		p.Logger.Info("subtitles burned in", slog.String("encoder", enc), slog.String("track", track))
		return
	}
}

// encoderOrder is the first listed hardware encoder (if any) followed by libx264.
func (p *Processor) encoderOrder(ctx context.Context) []string {
	names, err := p.T.ListEncoders(ctx)
	if err != nil {
		p.Logger.Debug("encoder listing failed", slog.Any("err", err))
		return []string{"libx264"}
	}
	have := make(map[string]bool, len(names))
	for _, n := range names {
		have[n] = true
	}
	for _, hw := range HardwareEncoders {
		if have[hw] {
			return []string{hw, "libx264"}
		}
	}
	return []string{"libx264"}
}

func encoderArgs(enc string, target int64) []string {
	args := []string{"-c:v", enc}
	if enc == "libx264" {
		args = append(args, "-preset", "veryfast")
	}
	if target <= 0 {
		if enc == "libx264" {
			args = append(args, "-crf", "23")
		}
		return args
	}
	maxrate := target * 12 / 10
	return append(args,
		"-b:v", strconv.FormatInt(target, 10),
		"-maxrate", strconv.FormatInt(maxrate, 10),
		"-bufsize", strconv.FormatInt(maxrate*2, 10))
}

func escapeFilterPath(p string) string {
	return "'" + strings.NewReplacer(`\`, `\\`, `'`, `\'`, `:`, `\:`).Replace(p) + "'"
}

func (p *Processor) removeAll(files []string) {
	for _, f := range files {
		if err := os.Remove(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			p.Logger.Debug("remove failed", slog.String("file", f), slog.Any("err", err))
		}
	}
}

// Split cuts the merged artifact into parts of interval length. A non-positive
// interval copies the artifact as a single part. Failed extractions are omitted.
func (p *Processor) Split(ctx context.Context, interval time.Duration) (parts []string, err error) {
	ctx, span := telemetry.StartSpan(ctx, "pipeline.split", attribute.String("slug", p.Paths.Slug))
	defer func() {
		telemetry.EndSpan(span, err)
		telemetry.Add(telemetry.SplitParts, float64(len(parts)), p.Paths.Room)
	}()

	merged := p.Paths.MergedFile()
	if err := os.MkdirAll(p.Paths.SplitsDir(), 0o755); err != nil {
		return nil, fmt.Errorf("create splits dir: %w", err)
	}
	if interval <= 0 {
		out := p.Paths.SplitFile(0)
		if err := copyFile(merged, out); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSplitFailed, err)
		}
		return []string{out}, nil
	}

	dur, err := p.T.ProbeDuration(ctx, merged)
	if err != nil {
		return nil, fmt.Errorf("%w: probe duration: %v", ErrSplitFailed, err)
	}
	secs := interval.Seconds()
	n := PartCount(dur, secs)
	for i := 0; i < n; i++ {
		out := p.Paths.SplitFile(i)
		start := float64(i) * secs
		if err := p.T.Run(ctx, "-y", "-ss", formatSeconds(start), "-t", formatSeconds(secs), "-accurate_seek",
			"-i", merged, "-c", "copy", "-avoid_negative_ts", "1", out); err != nil {
			p.Logger.Warn("split part failed", slog.Int("index", i), slog.Any("err", err))
			continue
		}
		parts = append(parts, out)
	}
	if len(parts) == 0 {
		return nil, ErrSplitFailed
	}
	p.Logger.Info("split complete", slog.Int("parts", len(parts)), slog.Int("expected", n))
	return parts, nil
}

// PartCount is ceil(duration/interval), at least 1.
func PartCount(duration, interval float64) int {
	if interval <= 0 || duration <= 0 {
		return 1
	}
	return int(math.Ceil(duration / interval))
}

func formatSeconds(s float64) string {
	return strconv.FormatFloat(s, 'f', -1, 64)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		_ = os.Remove(dst)
		return err
	}
	return out.Close()
}
