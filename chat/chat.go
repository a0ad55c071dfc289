package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
	"unicode"

	"github.com/ddrecorder/ddrecorder/telemetry"
)

// DefaultReconnectDelay is the wait between a failed link and the next attempt.
const DefaultReconnectDelay = 5 * time.Second

// RecordType tags chat lines in the log.
const RecordType = "chat"

// Record is one line of the chat log.
type Record struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Time  int64  `json:"time"`
	UID   string `json:"uid"`
	UName string `json:"uname"`
}

// Recorder appends a room's chat to a session log until stopped.
type Recorder struct {
	Room           string
	Path           string
	Transport      Transport
	Dialer         Dialer
	Keys           *KeySource // optional
	ReconnectDelay time.Duration
	Logger         *slog.Logger

	now    func() time.Time
	file   *os.File
	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex
}

// New returns a Recorder writing to path.
func New(room, path string, t Transport, d Dialer, keys *KeySource, reconnect time.Duration, logger *slog.Logger) *Recorder {
	if reconnect <= 0 {
		reconnect = DefaultReconnectDelay
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{Room: room, Path: path, Transport: t, Dialer: d, Keys: keys, ReconnectDelay: reconnect, Logger: logger, now: time.Now}
}

// Start opens the log (append) and runs the receive loop in its own goroutine.
func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done != nil {
		return errors.New("chat: recorder already started")
	}
	if r.Transport == nil || r.Dialer == nil {
		return errors.New("chat: transport and dialer required")
	}
	if err := os.MkdirAll(filepath.Dir(r.Path), 0o755); err != nil {
		return fmt.Errorf("create chat dir: %w", err)
	}
	f, err := os.OpenFile(r.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open chat log: %w", err)
	}
	r.file = f
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	go func() {
		defer close(r.done)
		defer f.Close()
		r.run(runCtx)
	}()
	return nil
}

// Stop cancels the loop and waits up to timeout for it to exit.
func (r *Recorder) Stop(timeout time.Duration) bool {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.mu.Unlock()
	if done == nil {
		return true
	}
	cancel()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		r.Logger.Warn("chat recorder did not stop in time", slog.Duration("timeout", timeout))
		return false
	}
}

func (r *Recorder) run(ctx context.Context) {
	r.Logger.Info("chat capture started", slog.String("file", r.Path))
	for ctx.Err() == nil {
		err := r.session(ctx)
		if ctx.Err() != nil {
			break
		}
		telemetry.Inc(telemetry.ChatReconnects, r.Room)
		r.Logger.Warn("chat link lost; reconnecting", slog.Any("err", err), slog.Duration("wait", r.ReconnectDelay))
		select {
		case <-ctx.Done():
		case <-time.After(r.ReconnectDelay):
		}
	}
	r.Logger.Info("chat capture stopped")
}

// session runs one negotiate/dial/consume cycle.
func (r *Recorder) session(ctx context.Context) error {
	var key string
	if r.Keys != nil {
		k, err := r.Keys.Get(ctx)
		if err != nil {
			return fmt.Errorf("signing key: %w", err)
		}
		key = k
	}
	ep, err := r.Transport.Negotiate(ctx, r.Room, key)
	if err != nil {
		return fmt.Errorf("negotiate: %w", err)
	}
	conn, err := r.Dialer.Dial(ctx, ep)
	if err != nil {
		return err
	}
	defer conn.Close()
	for _, f := range ep.Handshake {
		if err := conn.WriteMessage(f); err != nil {
			return fmt.Errorf("handshake: %w", err)
		}
	}
	r.Logger.Info("chat connected", slog.String("url", ep.URL))
	return r.consume(ctx, conn, ep)
}

// consume pumps frames until ctx is done or the link fails. A reader goroutine
// feeds frames into a channel; closing conn unblocks it.
func (r *Recorder) consume(ctx context.Context, conn Conn, ep Endpoint) error {
	frames := make(chan []byte)
	errs := make(chan error, 1)
	quit := make(chan struct{})
	defer close(quit)
	go func() {
		for {
			b, err := conn.ReadMessage()
			if err != nil {
				errs <- err
				return
			}
			select {
			case frames <- b:
			case <-quit:
				return
			}
		}
	}()

	interval := ep.HeartbeatInterval
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	if len(ep.Heartbeat) > 0 {
		if err := conn.WriteMessage(ep.Heartbeat); err != nil {
			return fmt.Errorf("heartbeat: %w", err)
		}
	}
	hb := time.NewTicker(interval)
	defer hb.Stop()
	for {
		select {
		case <-ctx.Done():
			conn.Close()
			return nil
		case err := <-errs:
			return fmt.Errorf("receive: %w", err)
		case <-hb.C:
			if len(ep.Heartbeat) == 0 {
				continue
			}
			if err := conn.WriteMessage(ep.Heartbeat); err != nil {
				return fmt.Errorf("heartbeat: %w", err)
			}
		case b := <-frames:
			r.handle(b)
		}
	}
}

func (r *Recorder) handle(frame []byte) {
	msgs, err := r.Transport.Decode(frame)
	if err != nil {
		r.Logger.Debug("chat decode failed", slog.Any("err", err))
		return
	}
	now := r.now().UnixMilli()
	for _, m := range msgs {
		if m.Kind != "danmaku" && m.Kind != RecordType {
			continue
		}
		if EmojiOnly(m.Text) {
			continue
		}
		rec := Record{Type: RecordType, Text: m.Text, Time: now, UID: m.UID, UName: m.UName}
		if uid, uname := userFromRaw(m.Raw); uid != "" || uname != "" {
			if uid != "" {
				rec.UID = uid
			}
			if uname != "" {
				rec.UName = uname
			}
		}
		if err := r.write(rec); err != nil {
			r.Logger.Warn("chat write failed", slog.Any("err", err))
			continue
		}
		telemetry.Inc(telemetry.ChatRecords, r.Room)
	}
}

func (r *Recorder) write(rec Record) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(rec); err != nil {
		return err
	}
	_, err := r.file.Write(buf.Bytes())
	return err
}

// userFromRaw digs [uid, uname] out of info[2] of the raw payload. The payload
// may wrap the message in "body", itself possibly a JSON string.
func userFromRaw(raw string) (string, string) {
	if raw == "" {
		return "", ""
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return "", ""
	}
	body := any(payload)
	if b, ok := payload["body"]; ok {
		body = b
	}
	if s, ok := body.(string); ok {
		var inner any
		if err := json.Unmarshal([]byte(s), &inner); err != nil {
			return "", ""
		}
		body = inner
	}
	m, ok := body.(map[string]any)
	if !ok {
		return "", ""
	}
	info, ok := m["info"].([]any)
	if !ok || len(info) < 3 {
		return "", ""
	}
	user, ok := info[2].([]any)
	if !ok {
		return "", ""
	}
	var uid, uname string
	if len(user) > 0 {
		switch v := user[0].(type) {
		case float64:
			uid = strconv.FormatFloat(v, 'f', -1, 64)
		case string:
			uid = v
		}
	}
	if len(user) > 1 {
		uname, _ = user[1].(string)
	}
	return uid, uname
}

// EmojiOnly reports whether s holds at least one emoji and nothing else but
// whitespace, variation selectors and joiners.
func EmojiOnly(s string) bool {
	seen := false
	for _, r := range s {
		switch {
		case unicode.IsSpace(r), r == 0xFE0F, r == 0xFE0E, r == 0x200D:
		case r >= 0x1F300 && r <= 0x1FAFF, r >= 0x2700 && r <= 0x27BF:
			seen = true
		default:
			return false
		}
	}
	return seen
}
