// Package ffmpeg wraps the ffmpeg and ffprobe binaries.
package ffmpeg

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
)

// Runner invokes ffmpeg/ffprobe by path.
type Runner struct {
	FFmpeg  string
	FFprobe string
	Logger  *slog.Logger
}

// New returns a Runner; empty paths fall back to the binaries on PATH.
func New(ffmpegPath, ffprobePath string, logger *slog.Logger) *Runner {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{FFmpeg: ffmpegPath, FFprobe: ffprobePath, Logger: logger}
}

// ExitError carries the tail of a failed invocation's combined output.
type ExitError struct {
	Tool   string
	Args   []string
	Output string
	Err    error
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s failed: %v: %s", e.Tool, e.Err, e.Output)
}

func (e *ExitError) Unwrap() error { return e.Err }

const outputTail = 2048

func tail(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > outputTail {
		s = s[len(s)-outputTail:]
	}
	return s
}

// Run executes ffmpeg with args.
func (r *Runner) Run(ctx context.Context, args ...string) error {
	full := append([]string{"-hide_banner", "-loglevel", "error"}, args...)
	r.Logger.Debug("ffmpeg", slog.Any("args", full))
	cmd := exec.CommandContext(ctx, r.FFmpeg, full...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return &ExitError{Tool: "ffmpeg", Args: full, Output: tail(out), Err: err}
	}
	return nil
}

type probeOutput struct {
	Format struct {
		Duration string `json:"duration"`
		BitRate  string `json:"bit_rate"`
	} `json:"format"`
	Streams []struct {
		CodecType string `json:"codec_type"`
		BitRate   string `json:"bit_rate"`
	} `json:"streams"`
}

func (r *Runner) probe(ctx context.Context, path string) (probeOutput, error) {
	args := []string{"-v", "error", "-show_entries", "format=duration,bit_rate:stream=codec_type,bit_rate", "-of", "json", path}
	cmd := exec.CommandContext(ctx, r.FFprobe, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return probeOutput{}, &ExitError{Tool: "ffprobe", Args: args, Output: tail(stderr.Bytes()), Err: err}
	}
	return parseProbe(out)
}

func parseProbe(b []byte) (probeOutput, error) {
	var p probeOutput
	if err := json.Unmarshal(b, &p); err != nil {
		return probeOutput{}, fmt.Errorf("parse ffprobe output: %w", err)
	}
	return p, nil
}

// ProbeDuration returns the container duration in seconds.
func (r *Runner) ProbeDuration(ctx context.Context, path string) (float64, error) {
	p, err := r.probe(ctx, path)
	if err != nil {
		return 0, err
	}
	d, err := strconv.ParseFloat(strings.TrimSpace(p.Format.Duration), 64)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("ffprobe: no duration for %s", path)
	}
	return d, nil
}

// ProbeBitrate returns the video stream bitrate in bits/s, falling back to the container bitrate.
func (r *Runner) ProbeBitrate(ctx context.Context, path string) (int64, error) {
	p, err := r.probe(ctx, path)
	if err != nil {
		return 0, err
	}
	return bitrateOf(p)
}

func bitrateOf(p probeOutput) (int64, error) {
	for _, s := range p.Streams {
		if s.CodecType != "video" {
			continue
		}
		if n, err := strconv.ParseInt(s.BitRate, 10, 64); err == nil && n > 0 {
			return n, nil
		}
	}
	if n, err := strconv.ParseInt(p.Format.BitRate, 10, 64); err == nil && n > 0 {
		return n, nil
	}
	return 0, fmt.Errorf("ffprobe: no bitrate")
}

// ListEncoders returns the encoder names ffmpeg was built with.
func (r *Runner) ListEncoders(ctx context.Context) ([]string, error) {
	cmd := exec.CommandContext(ctx, r.FFmpeg, "-hide_banner", "-encoders")
	out, err := cmd.Output()
	if err != nil {
		return nil, &ExitError{Tool: "ffmpeg", Args: []string{"-encoders"}, Err: err}
	}
	return parseEncoders(out), nil
}

// parseEncoders reads the table printed by -encoders; entries follow the " ------" separator.
func parseEncoders(b []byte) []string {
	var names []string
	started := false
	sc := bufio.NewScanner(bytes.NewReader(b))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !started {
			started = strings.HasPrefix(line, "------")
			continue
		}
		fields := strings.Fields(line)
		if len(fields) >= 2 {
			names = append(names, fields[1])
		}
	}
	return names
}
