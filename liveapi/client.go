// Package liveapi contains minimal helpers for the live platform's public HTTP APIs:
// room status, host name, stream URLs and the signing key used by chat negotiation.
package liveapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultLiveBase = "https://api.live.bilibili.com"
	DefaultMainBase = "https://api.bilibili.com"
)

// DefaultHeaders are sent with every request; configured request headers override them.
var DefaultHeaders = map[string]string{
	"Accept":          "application/json, text/javascript, */*; q=0.01",
	"Accept-Language": "zh-CN,zh;q=0.8,en-US;q=0.6,en;q=0.4,zh-TW;q=0.2",
	"User-Agent":      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/117.0 Safari/537.36",
}

// ErrNoStream is returned when the platform lists no stream URL for a room.
var ErrNoStream = errors.New("no stream url")

// Client talks to the platform HTTP APIs.
type Client struct {
	LiveBase   string
	MainBase   string
	Headers    map[string]string
	HTTPClient *http.Client
}

// NewClient returns a Client with the default endpoints and extra request headers.
func NewClient(headers map[string]string) *Client {
	return &Client{
		LiveBase:   DefaultLiveBase,
		MainBase:   DefaultMainBase,
		Headers:    headers,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) liveBase() string {
	if c.LiveBase != "" {
		return strings.TrimRight(c.LiveBase, "/")
	}
	return DefaultLiveBase
}

func (c *Client) mainBase() string {
	if c.MainBase != "" {
		return strings.TrimRight(c.MainBase, "/")
	}
	return DefaultMainBase
}

// Cookie returns the configured cookie header, if any.
func (c *Client) Cookie() string {
	for k, v := range c.Headers {
		if strings.EqualFold(k, "cookie") {
			return v
		}
	}
	return ""
}

func (c *Client) getJSON(ctx context.Context, url string, params map[string]string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	q := req.URL.Query()
	for k, v := range params {
		q.Set(k, v)
	}
	req.URL.RawQuery = q.Encode()
	for k, v := range DefaultHeaders {
		req.Header.Set(k, v)
	}
	for k, v := range c.Headers {
		req.Header.Set(k, v)
	}
	resp, err := c.http().Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode >= 300 {
		return &StatusError{Code: resp.StatusCode, URL: req.URL.Path}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// StatusError is a non-2xx API response.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string { return fmt.Sprintf("%s: http status %d", e.URL, e.Code) }

// RoomStatus is the raw room status returned by the platform.
type RoomStatus struct {
	RoomID string
	Title  string
	Live   bool
}

// GetRoomStatus fetches title and live flag. RoomID is the canonical id (short ids resolve to it).
func (c *Client) GetRoomStatus(ctx context.Context, roomID string) (RoomStatus, error) {
	if roomID == "" {
		return RoomStatus{}, fmt.Errorf("room id empty")
	}
	var body struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
		Data struct {
			RoomID     json.Number `json:"room_id"`
			Title      string      `json:"title"`
			LiveStatus int         `json:"live_status"`
		} `json:"data"`
	}
	if err := c.getJSON(ctx, c.liveBase()+"/room/v1/Room/get_info", map[string]string{"room_id": roomID}, &body); err != nil {
		return RoomStatus{}, fmt.Errorf("room info: %w", err)
	}
	if body.Msg != "ok" {
		return RoomStatus{}, fmt.Errorf("room info: api returned %q", body.Msg)
	}
	id := body.Data.RoomID.String()
	if id == "" || id == "0" {
		id = roomID
	}
	return RoomStatus{RoomID: id, Title: body.Data.Title, Live: body.Data.LiveStatus == 1}, nil
}

// GetHostName resolves the display name of the room's host.
func (c *Client) GetHostName(ctx context.Context, roomID string) (string, error) {
	var body struct {
		Data struct {
			Info struct {
				Uname string `json:"uname"`
			} `json:"info"`
		} `json:"data"`
	}
	if err := c.getJSON(ctx, c.liveBase()+"/live_user/v1/UserInfo/get_anchor_in_room", map[string]string{"roomid": roomID}, &body); err != nil {
		return "", fmt.Errorf("anchor info: %w", err)
	}
	return body.Data.Info.Uname, nil
}

// GetStreamURLs lists stream URLs at the best quality the room offers.
func (c *Client) GetStreamURLs(ctx context.Context, roomID string) ([]string, error) {
	params := map[string]string{"cid": roomID, "otype": "json", "quality": "0", "platform": "web"}
	type playURL struct {
		Data struct {
			AcceptQuality []json.Number `json:"accept_quality"`
			Durl          []struct {
				URL string `json:"url"`
			} `json:"durl"`
		} `json:"data"`
	}
	var probe playURL
	if err := c.getJSON(ctx, c.liveBase()+"/room/v1/Room/playUrl", params, &probe); err != nil {
		slog.Warn("stream quality lookup failed, using default", slog.String("room", roomID), slog.Any("err", err))
	} else if len(probe.Data.AcceptQuality) > 0 {
		params["quality"] = probe.Data.AcceptQuality[0].String()
	}
	var body playURL
	if err := c.getJSON(ctx, c.liveBase()+"/room/v1/Room/playUrl", params, &body); err != nil {
		return nil, fmt.Errorf("play url: %w", err)
	}
	out := make([]string, 0, len(body.Data.Durl))
	for _, d := range body.Data.Durl {
		if d.URL != "" {
			out = append(out, d.URL)
		}
	}
	return out, nil
}

// SigningKeyTTL is how long a fetched signing key is trusted.
const SigningKeyTTL = time.Hour

// GetSigningKey fetches the request-signing key (img key + sub key) used when negotiating chat.
func (c *Client) GetSigningKey(ctx context.Context) (string, time.Time, error) {
	var body struct {
		Data struct {
			WbiImg struct {
				ImgURL string `json:"img_url"`
				SubURL string `json:"sub_url"`
			} `json:"wbi_img"`
		} `json:"data"`
	}
	if err := c.getJSON(ctx, c.mainBase()+"/x/web-interface/nav", nil, &body); err != nil {
		return "", time.Time{}, fmt.Errorf("signing key: %w", err)
	}
	img := keyFromURL(body.Data.WbiImg.ImgURL)
	sub := keyFromURL(body.Data.WbiImg.SubURL)
	if img == "" || sub == "" {
		return "", time.Time{}, fmt.Errorf("signing key missing in response")
	}
	return img + sub, time.Now().Add(SigningKeyTTL), nil
}

// keyFromURL extracts the file stem of .../<key>.png.
func keyFromURL(u string) string {
	slash := strings.LastIndex(u, "/")
	if slash < 0 {
		return ""
	}
	stem := u[slash+1:]
	dot := strings.Index(stem, ".")
	if dot <= 0 {
		return ""
	}
	return stem[:dot]
}

// UIDFromCookie returns the DedeUserID value of a cookie header, or 0.
func UIDFromCookie(cookie string) int64 {
	for _, part := range strings.Split(cookie, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || strings.TrimSpace(k) != "DedeUserID" {
			continue
		}
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return 0
		}
		return n
	}
	return 0
}
