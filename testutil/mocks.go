package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// MockLiveServer mocks the live platform's room, anchor, play-url and nav endpoints.
type MockLiveServer struct {
	*httptest.Server

	mu       sync.Mutex
	Handlers map[string]http.HandlerFunc
	hits     map[string]int
}

// NewMockLiveServer creates a new mock live API server.
func NewMockLiveServer(t *testing.T) *MockLiveServer {
	t.Helper()
	m := &MockLiveServer{
		Handlers: make(map[string]http.HandlerFunc),
		hits:     make(map[string]int),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		m.hits[r.URL.Path]++
		handler, ok := m.Handlers[r.URL.Path]
		m.mu.Unlock()
		if ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// Handle registers h for path.
func (m *MockLiveServer) Handle(path string, h http.HandlerFunc) {
	m.mu.Lock()
	m.Handlers[path] = h
	m.mu.Unlock()
}

// Hits returns how many requests reached path.
func (m *MockLiveServer) Hits(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hits[path]
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // test mock response
}

// MockRoomInfo adds a handler for the room info endpoint.
func (m *MockLiveServer) MockRoomInfo(roomID int64, title string, live bool) {
	status := 0
	if live {
		status = 1
	}
	m.Handle("/room/v1/Room/get_info", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"code": 0,
			"msg":  "ok",
			"data": map[string]any{"room_id": roomID, "title": title, "live_status": status},
		})
	})
}

// MockAnchor adds a handler for the anchor-in-room endpoint.
func (m *MockLiveServer) MockAnchor(uname string) {
	m.Handle("/live_user/v1/UserInfo/get_anchor_in_room", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"data": map[string]any{"info": map[string]any{"uname": uname}}})
	})
}

// MockPlayURL adds a handler for the play-url endpoint listing urls.
func (m *MockLiveServer) MockPlayURL(quality []int, urls ...string) {
	m.Handle("/room/v1/Room/playUrl", func(w http.ResponseWriter, r *http.Request) {
		durl := make([]map[string]string, 0, len(urls))
		for _, u := range urls {
			durl = append(durl, map[string]string{"url": u})
		}
		writeJSON(w, map[string]any{"data": map[string]any{"accept_quality": quality, "durl": durl}})
	})
}

// MockNav adds a handler for the nav endpoint carrying signing-key image urls.
func (m *MockLiveServer) MockNav(imgKey, subKey string) {
	m.Handle("/x/web-interface/nav", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"data": map[string]any{"wbi_img": map[string]string{
			"img_url": "https://i0.hdslb.com/bfs/wbi/" + imgKey + ".png",
			"sub_url": "https://i0.hdslb.com/bfs/wbi/" + subKey + ".png",
		}}})
	})
}
