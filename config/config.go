// Package config loads environment variables and the rooms file and provides a typed Config
// used across the service. It applies sensible defaults so the binary can run locally with
// minimal setup; only the rooms file is required for the run command.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultRoomsFile is where the rooms file is looked up when ROOMS_FILE is unset.
const DefaultRoomsFile = "config/rooms.yaml"

type Config struct {
	// Storage
	DataPath string
	LogDir   string

	// Logging
	LogLevel  string
	LogFormat string

	// Scheduling
	CheckInterval      time.Duration
	PrintInterval      time.Duration
	UploadRetryDelay   time.Duration
	ChatReconnectDelay time.Duration

	// External tools
	FFmpegPath  string
	FFprobePath string

	// Status server
	HTTPAddr string

	// Database (optional)
	DBDsn string

	// YouTube OAuth
	YTClientID     string
	YTClientSecret string
	YTRedirectURI  string
	YTScopes       string
	YTTokenFile    string

	// Chat relay endpoint template, e.g. ws://relay:7000/rooms/{room}
	ChatRelayURL string

	// Rooms file contents
	RoomsFile      string
	RequestHeaders map[string]string
	Danmaku        DanmakuStyle
	Rooms          []RoomConfig
}

// DanmakuStyle controls how chat logs are rendered into a subtitle track.
type DanmakuStyle struct {
	PlayResX   int     `yaml:"play_res_x"`
	PlayResY   int     `yaml:"play_res_y"`
	Font       string  `yaml:"font"`
	FontSize   int     `yaml:"font_size"`
	Duration   float64 `yaml:"duration"`
	RowCount   int     `yaml:"row_count"`
	LineHeight int     `yaml:"line_height"`
	MarginTop  int     `yaml:"margin_top"`
	ScrollEnd  int     `yaml:"scroll_end"`
}

// DefaultDanmakuStyle returns the style used when the rooms file does not override it.
func DefaultDanmakuStyle() DanmakuStyle {
	return DanmakuStyle{
		PlayResX:   1920,
		PlayResY:   1080,
		Font:       "Microsoft YaHei",
		FontSize:   45,
		Duration:   6.0,
		RowCount:   12,
		LineHeight: 40,
		MarginTop:  60,
		ScrollEnd:  -200,
	}
}

// RoomConfig is the per-room section of the rooms file.
type RoomConfig struct {
	RoomID   string         `yaml:"room_id"`
	Recorder RecorderConfig `yaml:"recorder"`
	Uploader UploadConfig   `yaml:"uploader"`
}

type RecorderConfig struct {
	KeepRawRecord    bool          `yaml:"keep_raw_record"`
	KeepIntermediate bool          `yaml:"keep_intermediate"`
	EnableChat       bool          `yaml:"enable_chat"`
	MaxDuration      time.Duration `yaml:"max_duration"`
}

type UploadConfig struct {
	Enabled         bool     `yaml:"upload_record"`
	KeepAfterUpload bool     `yaml:"keep_record_after_upload"`
	SplitInterval   int      `yaml:"split_interval"` // seconds; <=0 uploads the merged file as one part
	Title           string   `yaml:"title"`
	Description     string   `yaml:"desc"`
	Tags            []string `yaml:"tags"`
	Privacy         string   `yaml:"privacy"`
}

// defaults mirror what an unconfigured room should do: keep everything, never upload.
func defaultRoom() RoomConfig {
	return RoomConfig{
		Recorder: RecorderConfig{KeepRawRecord: true},
		Uploader: UploadConfig{KeepAfterUpload: true, SplitInterval: 3600, Privacy: "private"},
	}
}

// UnmarshalYAML applies per-room defaults before decoding so omitted keys keep them.
func (r *RoomConfig) UnmarshalYAML(value *yaml.Node) error {
	type plain RoomConfig
	out := plain(defaultRoom())
	if err := value.Decode(&out); err != nil {
		return err
	}
	*r = RoomConfig(out)
	return nil
}

type roomsFile struct {
	RequestHeaders map[string]string `yaml:"request_header"`
	Danmaku        *DanmakuStyle     `yaml:"danmaku"`
	Rooms          []RoomConfig      `yaml:"rooms"`
}

// Load reads environment variables and the rooms file and applies defaults.
// A missing rooms file is not an error; Validate reports an empty room list where that matters.
func Load() (*Config, error) {
	// .env is a local dev convenience; production relies on real env
	_ = godotenv.Load()

	cfg := &Config{}

	cfg.DataPath = envOr("DATA_PATH", ".")
	cfg.LogDir = envOr("LOG_DIR", "log")
	cfg.LogLevel = os.Getenv("LOG_LEVEL")
	cfg.LogFormat = os.Getenv("LOG_FORMAT")

	var err error
	if cfg.CheckInterval, err = durationEnv("CHECK_INTERVAL", 60*time.Second); err != nil {
		return nil, err
	}
	if cfg.PrintInterval, err = durationEnv("PRINT_INTERVAL", 60*time.Second); err != nil {
		return nil, err
	}
	if cfg.UploadRetryDelay, err = durationEnv("UPLOAD_RETRY_DELAY", time.Hour); err != nil {
		return nil, err
	}
	if cfg.ChatReconnectDelay, err = durationEnv("CHAT_RECONNECT_DELAY", 5*time.Second); err != nil {
		return nil, err
	}

	cfg.FFmpegPath = envOr("FFMPEG_PATH", "ffmpeg")
	cfg.FFprobePath = envOr("FFPROBE_PATH", "ffprobe")
	cfg.HTTPAddr = envOr("HTTP_ADDR", ":8080")
	cfg.DBDsn = os.Getenv("DB_DSN")

	cfg.YTClientID = os.Getenv("YT_CLIENT_ID")
	cfg.YTClientSecret = os.Getenv("YT_CLIENT_SECRET")
	cfg.YTRedirectURI = os.Getenv("YT_REDIRECT_URI")
	cfg.YTScopes = envOr("YT_SCOPES", "https://www.googleapis.com/auth/youtube")
	cfg.YTTokenFile = envOr("YT_TOKEN_FILE", filepath.Join(cfg.DataPath, "data", "cred", "youtube_token.json"))

	cfg.ChatRelayURL = os.Getenv("CHAT_RELAY_URL")

	cfg.RoomsFile = envOr("ROOMS_FILE", DefaultRoomsFile)
	cfg.Danmaku = DefaultDanmakuStyle()
	if err := cfg.loadRooms(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadRooms() error {
	b, err := os.ReadFile(c.RoomsFile)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read rooms file: %w", err)
	}
	var rf roomsFile
	if err := yaml.Unmarshal(b, &rf); err != nil {
		return fmt.Errorf("parse rooms file %s: %w", c.RoomsFile, err)
	}
	c.RequestHeaders = rf.RequestHeaders
	if rf.Danmaku != nil {
		c.Danmaku = mergeStyle(c.Danmaku, *rf.Danmaku)
	}
	c.Rooms = rf.Rooms
	return nil
}

// mergeStyle overlays non-zero fields of o onto base.
func mergeStyle(base, o DanmakuStyle) DanmakuStyle {
	if o.PlayResX > 0 {
		base.PlayResX = o.PlayResX
	}
	if o.PlayResY > 0 {
		base.PlayResY = o.PlayResY
	}
	if o.Font != "" {
		base.Font = o.Font
	}
	if o.FontSize > 0 {
		base.FontSize = o.FontSize
	}
	if o.Duration > 0 {
		base.Duration = o.Duration
	}
	if o.RowCount > 0 {
		base.RowCount = o.RowCount
	}
	if o.LineHeight > 0 {
		base.LineHeight = o.LineHeight
	}
	if o.MarginTop > 0 {
		base.MarginTop = o.MarginTop
	}
	if o.ScrollEnd != 0 {
		base.ScrollEnd = o.ScrollEnd
	}
	return base
}

// Validate checks the room list for the run command.
func (c *Config) Validate() error {
	if len(c.Rooms) == 0 {
		return fmt.Errorf("no rooms configured in %s", c.RoomsFile)
	}
	seen := make(map[string]struct{}, len(c.Rooms))
	for i, r := range c.Rooms {
		id := strings.TrimSpace(r.RoomID)
		if id == "" {
			return fmt.Errorf("room #%d: room_id is empty", i)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("room %s configured twice", id)
		}
		seen[id] = struct{}{}
	}
	return nil
}

// Room returns the configuration for id, or a default configuration when the room is unknown.
func (c *Config) Room(id string) (RoomConfig, bool) {
	for _, r := range c.Rooms {
		if r.RoomID == id {
			return r, true
		}
	}
	r := defaultRoom()
	r.RoomID = id
	return r, false
}

// ValidateUploadReady checks required fields when uploads are enabled for any room.
func (c *Config) ValidateUploadReady() error {
	if c.YTClientID == "" || c.YTClientSecret == "" {
		return fmt.Errorf("missing youtube env: require YT_CLIENT_ID, YT_CLIENT_SECRET")
	}
	return nil
}

// UploadsEnabled reports whether any room wants its recordings uploaded.
func (c *Config) UploadsEnabled() bool {
	for _, r := range c.Rooms {
		if r.Uploader.Enabled {
			return true
		}
	}
	return false
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s (duration like 30s, 5m): %q", key, v)
	}
	return d, nil
}
