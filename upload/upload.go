// Package upload drives one session's parts through an upload Service: login,
// per-part upload with bounded retry on transient errors, then a single submit
// carrying the rendered title and description.
package upload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ddrecorder/ddrecorder/config"
	"github.com/ddrecorder/ddrecorder/telemetry"
)

const (
	// MinPartSize is the smallest part worth uploading.
	MinPartSize int64 = 1 << 20
	// DefaultPartRetries is how many times a part is retried after its first failure.
	DefaultPartRetries = 10
	// DefaultPartBackoff is multiplied by the attempt number between retries.
	DefaultPartBackoff = 5 * time.Second
)

// ErrNoParts means nothing in the session was large enough to upload.
var ErrNoParts = errors.New("upload: no uploadable parts")

// Metadata describes the submitted artifact.
type Metadata struct {
	Title       string
	Description string
	Tags        []string
	Privacy     string
	Source      string
}

// Part is one uploaded file.
type Part struct {
	Path   string
	Title  string
	Handle string
}

// Service is the platform upload collaborator.
type Service interface {
	Login(ctx context.Context) error
	UploadPart(ctx context.Context, path string) (string, error)
	Submit(ctx context.Context, parts []Part, md Metadata) (string, error)
}

// Uploader uploads a set of parts through Service.
type Uploader struct {
	Service     Service
	Logger      *slog.Logger
	Retries     int
	Backoff     time.Duration
	MinPartSize int64

	sleep func(ctx context.Context, d time.Duration) bool
}

// New returns an Uploader with the default retry policy.
func New(svc Service, logger *slog.Logger) *Uploader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Uploader{Service: svc, Logger: logger, Retries: DefaultPartRetries, Backoff: DefaultPartBackoff, MinPartSize: MinPartSize}
}

// Upload logs in, uploads every part of at least MinPartSize in name order and
// submits them together. It returns the artifact id reported by the service.
func (u *Uploader) Upload(ctx context.Context, room string, files []string, md Metadata) (id string, err error) {
	ctx, span := telemetry.StartSpan(ctx, "upload.session")
	defer func() {
		telemetry.EndSpan(span, err)
		if err != nil {
			telemetry.Inc(telemetry.UploadsFailed, room)
		} else {
			telemetry.Inc(telemetry.UploadsSucceeded, room)
		}
	}()
	start := time.Now()
	defer func() {
		if telemetry.UploadDuration != nil {
			telemetry.UploadDuration.Observe(time.Since(start).Seconds())
		}
	}()

	if u.Service == nil {
		return "", errors.New("upload: no service configured")
	}
	if err := u.Service.Login(ctx); err != nil {
		return "", fmt.Errorf("upload login: %w", err)
	}

	sorted := append([]string(nil), files...)
	sort.Strings(sorted)
	var parts []Part
	for _, f := range sorted {
		st, err := os.Stat(f)
		if err != nil {
			return "", fmt.Errorf("stat part: %w", err)
		}
		if st.Size() < u.minSize() {
			u.Logger.Debug("skipping small part", slog.String("file", f), slog.Int64("bytes", st.Size()))
			continue
		}
		h, err := u.uploadPart(ctx, f)
		if err != nil {
			return "", err
		}
		parts = append(parts, Part{Path: f, Title: PartTitle(f), Handle: h})
	}
	if len(parts) == 0 {
		u.Logger.Warn("no uploadable parts")
		return "", ErrNoParts
	}

	id, err = u.Service.Submit(ctx, parts, md)
	if err != nil {
		return "", fmt.Errorf("upload submit: %w", err)
	}
	u.Logger.Info("upload submitted", slog.String("id", id), slog.Int("parts", len(parts)))
	return id, nil
}

func (u *Uploader) minSize() int64 {
	if u.MinPartSize > 0 {
		return u.MinPartSize
	}
	return MinPartSize
}

// uploadPart retries retryable errors, waiting Backoff×n before retry n.
func (u *Uploader) uploadPart(ctx context.Context, path string) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= u.Retries; attempt++ {
		h, err := u.Service.UploadPart(ctx, path)
		if err == nil {
			u.Logger.Info("part uploaded", slog.String("file", path), slog.String("handle", h))
			return h, nil
		}
		lastErr = err
		class := Classify(err)
		if class == ErrorClassFatal || ctx.Err() != nil {
			break
		}
		if attempt == u.Retries {
			break
		}
		wait := time.Duration(attempt+1) * u.Backoff
		u.Logger.Warn("part upload failed; retrying",
			slog.String("file", path), slog.Any("err", err), slog.String("class", class.String()),
			slog.Duration("wait", wait), slog.Int("attempt", attempt+1), slog.Int("max", u.Retries))
		if !u.wait(ctx, wait) {
			break
		}
	}
	return "", fmt.Errorf("upload part %s: %w", filepath.Base(path), lastErr)
}

func (u *Uploader) wait(ctx context.Context, d time.Duration) bool {
	if u.sleep != nil {
		return u.sleep(ctx, d)
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

// PartTitle is the last underscore-separated token of the file stem, i.e. the part number.
func PartTitle(path string) string {
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if i := strings.LastIndex(stem, "_"); i >= 0 {
		return stem[i+1:]
	}
	return stem
}

// ListParts returns the regular files under dir (not the failure marker), sorted.
func ListParts(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		out = append(out, filepath.Join(dir, e.Name()))
	}
	sort.Strings(out)
	return out, nil
}

// RoughTime names the part of day for hour.
func RoughTime(hour int) string {
	switch {
	case hour < 6:
		return "凌晨"
	case hour < 12:
		return "上午"
	case hour < 18:
		return "下午"
	default:
		return "晚上"
	}
}

// Tokens returns the template values for a session that started at start.
func Tokens(start time.Time, roomName string) map[string]string {
	return map[string]string{
		"date":       start.Format("2006年01月02日"),
		"year":       strconv.Itoa(start.Year()),
		"month":      strconv.Itoa(int(start.Month())),
		"day":        strconv.Itoa(start.Day()),
		"hour":       strconv.Itoa(start.Hour()),
		"minute":     strconv.Itoa(start.Minute()),
		"second":     strconv.Itoa(start.Second()),
		"rough_time": RoughTime(start.Hour()),
		"room_name":  roomName,
	}
}

// Render replaces {token} placeholders; unknown placeholders are left as-is.
func Render(tmpl string, tokens map[string]string) string {
	pairs := make([]string, 0, len(tokens)*2)
	for k, v := range tokens {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}

// MetadataFor renders a room's upload config for a session.
func MetadataFor(cfg config.UploadConfig, roomID, roomName string, start time.Time) Metadata {
	if roomName == "" {
		roomName = roomID
	}
	tok := Tokens(start, roomName)
	title := cfg.Title
	if title == "" {
		title = "{room_name} {date} {rough_time}"
	}
	return Metadata{
		Title:       Render(title, tok),
		Description: Render(cfg.Description, tok),
		Tags:        cfg.Tags,
		Privacy:     cfg.Privacy,
		Source:      "https://live.bilibili.com/" + roomID,
	}
}
