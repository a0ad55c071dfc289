package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultHeartbeatInterval is used when an Endpoint does not set one.
const DefaultHeartbeatInterval = 30 * time.Second

// Endpoint is everything needed to open and keep one chat link.
type Endpoint struct {
	URL               string
	Header            http.Header
	Handshake         [][]byte
	Heartbeat         []byte
	HeartbeatInterval time.Duration
}

// Message is one decoded chat event.
type Message struct {
	Kind  string
	Text  string
	UID   string
	UName string
	Raw   string
}

// Transport negotiates endpoints and decodes frames for a chat protocol.
type Transport interface {
	Negotiate(ctx context.Context, room, key string) (Endpoint, error)
	Decode(frame []byte) ([]Message, error)
}

// Conn is a duplex message connection. Close may be called concurrently with ReadMessage.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer opens a Conn to an Endpoint.
type Dialer interface {
	Dial(ctx context.Context, ep Endpoint) (Conn, error)
}

// WebsocketDialer dials endpoints with gorilla/websocket.
type WebsocketDialer struct {
	HandshakeTimeout time.Duration
	// Binary sends frames as binary messages instead of text.
	Binary bool
}

func (d WebsocketDialer) Dial(ctx context.Context, ep Endpoint) (Conn, error) {
	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	wd := websocket.Dialer{Proxy: http.ProxyFromEnvironment, HandshakeTimeout: timeout}
	c, resp, err := wd.DialContext(ctx, ep.URL, ep.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("chat dial %s: %w (http %d)", ep.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("chat dial %s: %w", ep.URL, err)
	}
	mt := websocket.TextMessage
	if d.Binary {
		mt = websocket.BinaryMessage
	}
	return &wsConn{c: c, mt: mt}, nil
}

type wsConn struct {
	c  *websocket.Conn
	mt int
}

func (w *wsConn) ReadMessage() ([]byte, error) {
	_, b, err := w.c.ReadMessage()
	return b, err
}

func (w *wsConn) WriteMessage(data []byte) error {
	if err := w.c.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return err
	}
	return w.c.WriteMessage(w.mt, data)
}

func (w *wsConn) Close() error { return w.c.Close() }

// ErrNoRelay is returned by RelayTransport when no relay URL is configured.
var ErrNoRelay = errors.New("chat: relay url not configured")

// RelayTransport talks to a chat relay that speaks JSON frames.
// URLTemplate may contain {room}, e.g. ws://relay:7000/rooms/{room}.
type RelayTransport struct {
	URLTemplate       string
	Cookie            string
	UID               int64
	HeartbeatInterval time.Duration
}

type relayJoin struct {
	Action string `json:"action"`
	RoomID string `json:"room_id"`
	UID    int64  `json:"uid"`
	Key    string `json:"key,omitempty"`
	Cookie string `json:"cookie,omitempty"`
}

func (t *RelayTransport) Negotiate(ctx context.Context, room, key string) (Endpoint, error) {
	if t.URLTemplate == "" {
		return Endpoint{}, ErrNoRelay
	}
	if err := ctx.Err(); err != nil {
		return Endpoint{}, err
	}
	h := http.Header{}
	h.Set("Origin", "https://live.bilibili.com")
	h.Set("Referer", "https://live.bilibili.com/"+room)
	if t.Cookie != "" {
		h.Set("Cookie", t.Cookie)
	}
	join, err := json.Marshal(relayJoin{Action: "join", RoomID: room, UID: t.UID, Key: key, Cookie: t.Cookie})
	if err != nil {
		return Endpoint{}, err
	}
	interval := t.HeartbeatInterval
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	return Endpoint{
		URL:               strings.ReplaceAll(t.URLTemplate, "{room}", room),
		Header:            h,
		Handshake:         [][]byte{join},
		Heartbeat:         []byte(`{"action":"heartbeat"}`),
		HeartbeatInterval: interval,
	}, nil
}

type relayMessage struct {
	MsgType string          `json:"msg_type"`
	Content string          `json:"content"`
	UID     json.RawMessage `json:"uid"`
	Name    string          `json:"name"`
	RawData json.RawMessage `json:"raw_data"`
}

// Decode accepts a single JSON object or an array of them.
func (t *RelayTransport) Decode(frame []byte) ([]Message, error) {
	trimmed := strings.TrimSpace(string(frame))
	if trimmed == "" {
		return nil, nil
	}
	var items []relayMessage
	if strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal([]byte(trimmed), &items); err != nil {
			return nil, fmt.Errorf("decode relay frame: %w", err)
		}
	} else {
		var one relayMessage
		if err := json.Unmarshal([]byte(trimmed), &one); err != nil {
			return nil, fmt.Errorf("decode relay frame: %w", err)
		}
		items = []relayMessage{one}
	}
	out := make([]Message, 0, len(items))
	for _, it := range items {
		out = append(out, Message{
			Kind:  it.MsgType,
			Text:  it.Content,
			UID:   rawText(it.UID),
			UName: it.Name,
			Raw:   rawText(it.RawData),
		})
	}
	return out, nil
}

// rawText renders a JSON string without quotes and anything else verbatim.
func rawText(r json.RawMessage) string {
	if len(r) == 0 || string(r) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(r, &s); err == nil {
		return s
	}
	return string(r)
}
