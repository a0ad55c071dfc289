// Package logging builds the process-wide slog handler and hands out per-stage loggers.
//
// Output goes to stdout and to a timestamped file in the log directory so the
// run history survives restarts.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Stage names used as the component attribute.
const (
	Detect = "detect"
	Record = "record"
	Chat   = "chat"
	Merge  = "merge"
	Split  = "split"
	Upload = "upload"
	Clean  = "clean"
)

// Options configure a Factory.
type Options struct {
	Level  string // debug|info|warn|error
	Format string // text|json
	Dir    string // empty disables the file sink
	Stdout io.Writer
}

// Factory owns the root logger and the log file.
type Factory struct {
	root *slog.Logger
	file *os.File
	path string
	once sync.Once
}

// ParseLevel maps a LOG_LEVEL value to a slog level; ok is false for unknown values.
func ParseLevel(s string) (slog.Level, bool) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, true
	case "warn":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	case "info", "":
		return slog.LevelInfo, true
	default:
		return slog.LevelInfo, false
	}
}

// New builds a Factory. The file sink is named DDRecorder_<YYYY-MM-DD_HH-MM-SS>.log.
func New(opts Options) (*Factory, error) {
	lvl, known := ParseLevel(opts.Level)
	out := opts.Stdout
	if out == nil {
		out = os.Stdout
	}
	f := &Factory{}
	if opts.Dir != "" {
		if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
		f.path = filepath.Join(opts.Dir, fmt.Sprintf("DDRecorder_%s.log", time.Now().Format("2006-01-02_15-04-05")))
		file, err := os.OpenFile(f.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		f.file = file
		out = io.MultiWriter(out, file)
	}
	var handler slog.Handler
	switch strings.ToLower(opts.Format) {
	case "json":
		handler = slog.NewJSONHandler(out, &slog.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(out, &slog.HandlerOptions{Level: lvl})
	}
	f.root = slog.New(handler)
	if !known {
		f.root.Warn("unknown LOG_LEVEL, using info", slog.String("value", opts.Level))
	}
	return f, nil
}

// Discard returns a Factory whose loggers drop everything. Used by tests.
func Discard() *Factory {
	return &Factory{root: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

// Logger returns the root logger.
func (f *Factory) Logger() *slog.Logger {
	if f == nil || f.root == nil {
		return slog.Default()
	}
	return f.root
}

// Stage returns a logger tagged with component=name plus attrs.
func (f *Factory) Stage(name string, attrs ...any) *slog.Logger {
	return f.Logger().With(append([]any{slog.String("component", name)}, attrs...)...)
}

// Path returns the log file path, or "" when logging to stdout only.
func (f *Factory) Path() string {
	if f == nil {
		return ""
	}
	return f.path
}

// Close flushes and closes the log file.
func (f *Factory) Close() error {
	if f == nil {
		return nil
	}
	var err error
	f.once.Do(func() {
		if f.file != nil {
			err = f.file.Close()
		}
	})
	return err
}
