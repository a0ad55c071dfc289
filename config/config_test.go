package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeRooms(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "rooms.yaml")
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write rooms file: %v", err)
	}
	return p
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ROOMS_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	t.Setenv("CHECK_INTERVAL", "")
	t.Setenv("UPLOAD_RETRY_DELAY", "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.CheckInterval != time.Minute {
		t.Errorf("CheckInterval = %v, want 1m", cfg.CheckInterval)
	}
	if cfg.UploadRetryDelay != time.Hour {
		t.Errorf("UploadRetryDelay = %v, want 1h", cfg.UploadRetryDelay)
	}
	if cfg.ChatReconnectDelay != 5*time.Second {
		t.Errorf("ChatReconnectDelay = %v, want 5s", cfg.ChatReconnectDelay)
	}
	if cfg.Danmaku.RowCount != 12 || cfg.Danmaku.PlayResX != 1920 {
		t.Errorf("unexpected default style %+v", cfg.Danmaku)
	}
	if len(cfg.Rooms) != 0 {
		t.Errorf("expected no rooms, got %d", len(cfg.Rooms))
	}
	if err := cfg.Validate(); err == nil {
		t.Errorf("expected Validate to reject empty room list")
	}
}

func TestLoadInvalidDuration(t *testing.T) {
	t.Setenv("ROOMS_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	t.Setenv("CHECK_INTERVAL", "soon")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for invalid CHECK_INTERVAL")
	}
}

func TestLoadRoomsFile(t *testing.T) {
	p := writeRooms(t, `
request_header:
  Cookie: "SESSDATA=abc; DedeUserID=42"
danmaku:
  font: "Noto Sans"
  row_count: 8
rooms:
  - room_id: "1001"
    recorder:
      enable_chat: true
      max_duration: 2h
    uploader:
      upload_record: true
      split_interval: 1800
      title: "{room_name} {date}"
  - room_id: "1002"
`)
	t.Setenv("ROOMS_FILE", p)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error: %v", err)
	}
	if got := cfg.RequestHeaders["Cookie"]; got == "" {
		t.Errorf("request header not loaded")
	}
	if cfg.Danmaku.Font != "Noto Sans" || cfg.Danmaku.RowCount != 8 || cfg.Danmaku.FontSize != 45 {
		t.Errorf("style not merged: %+v", cfg.Danmaku)
	}
	r1, ok := cfg.Room("1001")
	if !ok {
		t.Fatal("room 1001 not found")
	}
	if !r1.Recorder.EnableChat || r1.Recorder.MaxDuration != 2*time.Hour {
		t.Errorf("recorder config = %+v", r1.Recorder)
	}
	if !r1.Recorder.KeepRawRecord {
		t.Errorf("keep_raw_record default lost")
	}
	if !r1.Uploader.Enabled || r1.Uploader.SplitInterval != 1800 || !r1.Uploader.KeepAfterUpload {
		t.Errorf("uploader config = %+v", r1.Uploader)
	}
	r2, _ := cfg.Room("1002")
	if r2.Uploader.Enabled || r2.Uploader.SplitInterval != 3600 || r2.Uploader.Privacy != "private" {
		t.Errorf("room defaults not applied: %+v", r2.Uploader)
	}
	if !cfg.UploadsEnabled() {
		t.Errorf("expected UploadsEnabled")
	}
}

func TestValidateRejectsDuplicates(t *testing.T) {
	cfg := &Config{Rooms: []RoomConfig{{RoomID: "1"}, {RoomID: "1"}}}
	if err := cfg.Validate(); err == nil {
		t.Error("expected duplicate room error")
	}
	cfg = &Config{Rooms: []RoomConfig{{RoomID: " "}}}
	if err := cfg.Validate(); err == nil {
		t.Error("expected empty room id error")
	}
}

func TestValidateUploadReady(t *testing.T) {
	t.Setenv("ROOMS_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	t.Setenv("YT_CLIENT_ID", "id")
	t.Setenv("YT_CLIENT_SECRET", "secret")
	cfg, _ := Load()
	if err := cfg.ValidateUploadReady(); err != nil {
		t.Errorf("expected valid upload config, got %v", err)
	}
	t.Setenv("YT_CLIENT_SECRET", "")
	cfg, _ = Load()
	if err := cfg.ValidateUploadReady(); err == nil {
		t.Errorf("expected error when missing youtube envs")
	}
}
