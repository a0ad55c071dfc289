// Package capture copies a live stream into fragment files for one session.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/ddrecorder/ddrecorder/liveapi"
	"github.com/ddrecorder/ddrecorder/session"
	"github.com/ddrecorder/ddrecorder/telemetry"
)

// ErrNoFragments means the capture ended without producing any non-empty fragment.
var ErrNoFragments = errors.New("capture: no fragments produced")

// StorageError is a local create/write failure; it aborts the whole capture pass.
type StorageError struct {
	Path string
	Err  error
}

func (e *StorageError) Error() string { return fmt.Sprintf("capture: storage failure at %s: %v", e.Path, e.Err) }
func (e *StorageError) Unwrap() error { return e.Err }

// Room is what the capture loop needs from the room status collaborator.
type Room interface {
	Refresh(ctx context.Context) (liveapi.Info, error)
	StreamURL(ctx context.Context) (string, error)
	Info() liveapi.Info
}

const (
	copyBufSize    = 256 * 1024
	minRetryWait   = 5 * time.Second
	reopenWait     = 2 * time.Second
	connectTimeout = 10 * time.Second
)

// Recorder captures one session. MaxDuration <= 0 means uncapped.
type Recorder struct {
	Room          Room
	Paths         session.Paths
	CheckInterval time.Duration
	MaxDuration   time.Duration
	Headers       map[string]string
	HTTPClient    *http.Client
	Logger        *slog.Logger

	// swappable for tests
	createFile func(path string) (io.WriteCloser, error)
	sleep      func(ctx context.Context, d time.Duration) bool
}

// New returns a Recorder with a streaming HTTP client.
func New(room Room, paths session.Paths, checkInterval, maxDuration time.Duration, headers map[string]string, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		Room:          room,
		Paths:         paths,
		CheckInterval: checkInterval,
		MaxDuration:   maxDuration,
		Headers:       headers,
		HTTPClient:    streamClient(),
		Logger:        logger,
	}
}

// streamClient has no overall timeout; the copy loop enforces an idle timeout instead.
func streamClient() *http.Client {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.DialContext = (&net.Dialer{Timeout: connectTimeout, KeepAlive: 30 * time.Second}).DialContext
	tr.ResponseHeaderTimeout = connectTimeout
	return &http.Client{Transport: tr}
}

func (r *Recorder) retryWait() time.Duration {
	if r.CheckInterval > minRetryWait {
		return r.CheckInterval
	}
	return minRetryWait
}

func (r *Recorder) idleTimeout() time.Duration {
	if r.CheckInterval > 0 {
		return r.CheckInterval
	}
	return time.Minute
}

func (r *Recorder) pause(ctx context.Context, d time.Duration) bool {
	if r.sleep != nil {
		return r.sleep(ctx, d)
	}
	return sleepCtx(ctx, d)
}

func (r *Recorder) create(path string) (io.WriteCloser, error) {
	if r.createFile != nil {
		return r.createFile(path)
	}
	return os.Create(path)
}

// Record copies the stream while the room is live and ctx is not done.
// The caller must have confirmed the room is live.
func (r *Recorder) Record(ctx context.Context) (*session.RecordingResult, error) {
	if err := os.MkdirAll(r.Paths.RecordsDir(), 0o755); err != nil {
		return nil, &StorageError{Path: r.Paths.RecordsDir(), Err: err}
	}
	start := time.Now()
	capCtx := ctx
	if r.MaxDuration > 0 {
		var cancel context.CancelFunc
		capCtx, cancel = context.WithDeadline(ctx, start.Add(r.MaxDuration))
		defer cancel()
	}
	r.Logger.Info("capture started", slog.String("dir", r.Paths.RecordsDir()), slog.Duration("max_duration", r.MaxDuration))

	var fragments []string
	for r.Room.Info().Live && capCtx.Err() == nil {
		url, err := r.Room.StreamURL(capCtx)
		if err != nil {
			r.Logger.Warn("no stream url; retrying", slog.Any("err", err), slog.Duration("wait", r.retryWait()))
			if !r.pause(capCtx, r.retryWait()) {
				break
			}
			r.refresh(capCtx)
			continue
		}

		path := r.Paths.FragmentPath(time.Now())
		n, err := r.copyStream(capCtx, url, path)
		var se *StorageError
		if errors.As(err, &se) {
			telemetry.Inc(telemetry.StorageFailures, r.Paths.Room)
			r.Logger.Error("storage failure; discarding session fragments", slog.Any("err", err))
			r.discard(append(fragments, path))
			return nil, err
		}
		if n > 0 {
			fragments = append(fragments, path)
			telemetry.Inc(telemetry.FragmentsClosed, r.Paths.Room)
			r.Logger.Info("fragment closed", slog.String("file", path), slog.Int64("bytes", n))
		} else {
			_ = os.Remove(path)
		}
		if err != nil {
			r.Logger.Warn("stream interrupted", slog.Any("err", err))
			// nothing came through; do not hammer the CDN
			if n == 0 && !r.pause(capCtx, reopenWait) {
				break
			}
		}
		if capCtx.Err() != nil {
			break
		}
		r.refresh(capCtx)
	}

	if len(fragments) == 0 {
		r.Logger.Error("capture produced no fragments")
		return nil, ErrNoFragments
	}
	r.Logger.Info("capture finished", slog.Int("fragments", len(fragments)), slog.Duration("elapsed", time.Since(start).Round(time.Second)))
	return &session.RecordingResult{Start: r.Paths.Start, FragmentDir: r.Paths.RecordsDir(), Fragments: fragments}, nil
}

func (r *Recorder) refresh(ctx context.Context) {
	if _, err := r.Room.Refresh(ctx); err != nil && ctx.Err() == nil {
		r.Logger.Warn("room refresh failed", slog.Any("err", err))
	}
}

func (r *Recorder) discard(paths []string) {
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			r.Logger.Debug("remove fragment failed", slog.String("file", p), slog.Any("err", err))
		}
	}
}

// copyStream copies url into path and returns the bytes written. Transport
// errors are returned as-is; local failures as *StorageError. Cancellation of
// ctx ends the copy without error and keeps what was written.
func (r *Recorder) copyStream(ctx context.Context, url, path string) (int64, error) {
	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	for k, v := range liveapi.DefaultHeaders {
		req.Header.Set(k, v)
	}
	req.Header.Set("Referer", "https://live.bilibili.com/")
	for k, v := range r.Headers {
		req.Header.Set(k, v)
	}
	client := r.HTTPClient
	if client == nil {
		client = streamClient()
	}
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, nil
		}
		return 0, fmt.Errorf("open stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("open stream: http status %d", resp.StatusCode)
	}

	out, err := r.create(path)
	if err != nil {
		return 0, &StorageError{Path: path, Err: err}
	}
	body := newIdleReader(resp.Body, r.idleTimeout(), cancel)
	defer body.stop()

	var written int64
	buf := make([]byte, copyBufSize)
	for {
		nr, rerr := body.Read(buf)
		if nr > 0 {
			nw, werr := out.Write(buf[:nr])
			written += int64(nw)
			telemetry.Add(telemetry.CaptureBytes, float64(nw), r.Paths.Room)
			if werr == nil && nw != nr {
				werr = io.ErrShortWrite
			}
			if werr != nil {
				out.Close()
				return written, &StorageError{Path: path, Err: werr}
			}
		}
		if rerr != nil {
			if cerr := out.Close(); cerr != nil {
				return written, &StorageError{Path: path, Err: cerr}
			}
			switch {
			case errors.Is(rerr, io.EOF):
				return written, nil
			case ctx.Err() != nil:
				return written, nil
			case body.timedOut():
				return written, fmt.Errorf("stream idle for %s", r.idleTimeout())
			default:
				return written, fmt.Errorf("read stream: %w", rerr)
			}
		}
	}
}

// idleReader cancels the request when no bytes arrive for timeout.
type idleReader struct {
	r       io.Reader
	timeout time.Duration
	timer   *time.Timer

	mu      sync.Mutex
	expired bool
}

func newIdleReader(r io.Reader, timeout time.Duration, cancel context.CancelFunc) *idleReader {
	ir := &idleReader{r: r, timeout: timeout}
	ir.timer = time.AfterFunc(timeout, func() {
		ir.mu.Lock()
		ir.expired = true
		ir.mu.Unlock()
		cancel()
	})
	return ir
}

func (ir *idleReader) Read(p []byte) (int, error) {
	n, err := ir.r.Read(p)
	if n > 0 {
		ir.timer.Reset(ir.timeout)
	}
	return n, err
}

func (ir *idleReader) timedOut() bool {
	ir.mu.Lock()
	defer ir.mu.Unlock()
	return ir.expired
}

func (ir *idleReader) stop() { ir.timer.Stop() }

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
