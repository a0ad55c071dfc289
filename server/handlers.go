package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/ddrecorder/ddrecorder/retention"
	"github.com/ddrecorder/ddrecorder/runner"
	"github.com/ddrecorder/ddrecorder/session"
)

const (
	maxOAuthStates     = 1000
	oauthStateTTL      = 10 * time.Minute
	defaultSessionList = 20
	maxSessionList     = 200
)

// StatusSource provides the controller snapshot.
type StatusSource interface {
	Snapshot() runner.Snapshot
}

// SessionLister reads session history.
type SessionLister interface {
	RecentSessions(ctx context.Context, room string, limit int) ([]session.Outcome, error)
}

// Authorizer runs the upload account's OAuth consent flow.
type Authorizer interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (*oauth2.Token, error)
}

// Sweeper triggers an out-of-band retention sweep.
type Sweeper interface {
	Run(ctx context.Context) (retention.Summary, error)
}

// Options are the handler dependencies. Every field may be nil; routes whose
// dependency is missing answer 404 or skip the corresponding readiness check.
type Options struct {
	Status   StatusSource
	Sessions SessionLister
	OAuth    Authorizer
	Sweeper  Sweeper
	DB       *sql.DB
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	opts Options

	stateMu    sync.Mutex
	stateStore map[string]time.Time
}

// NewHandlers creates a Handlers instance.
func NewHandlers(opts Options) *Handlers {
	return &Handlers{opts: opts, stateStore: make(map[string]time.Time)}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode JSON response", slog.Any("err", err))
	}
}

// HandleHealthz is the liveness probe.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz reports not_ready when the database is unreachable or no room worker is running.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	type check struct {
		name string
		fn   func() error
	}
	var checks []check
	if h.opts.DB != nil {
		checks = append(checks, check{"database", func() error { return h.opts.DB.PingContext(r.Context()) }})
	}
	if h.opts.Status != nil {
		checks = append(checks, check{"workers", func() error {
			snap := h.opts.Status.Snapshot()
			if len(snap.Rooms) > 0 && snap.ActiveWorkers == 0 {
				return errors.New("no active room workers")
			}
			return nil
		}})
	}
	for _, c := range checks {
		if err := c.fn(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":       "not_ready",
				"failed_check": c.name,
				"error":        err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// HandleStatus returns the controller snapshot.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if h.opts.Status == nil {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, h.opts.Status.Snapshot())
}

type sessionView struct {
	Room       string    `json:"room"`
	Slug       string    `json:"slug"`
	Start      time.Time `json:"started_at"`
	End        time.Time `json:"ended_at"`
	State      string    `json:"state"`
	Fragments  int       `json:"fragments"`
	Parts      int       `json:"parts"`
	ArtifactID string    `json:"artifact_id,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// HandleSessions lists recent session outcomes, optionally filtered by ?room=.
func (h *Handlers) HandleSessions(w http.ResponseWriter, r *http.Request) {
	if h.opts.Sessions == nil {
		http.Error(w, "session history not configured (set DB_DSN)", http.StatusNotFound)
		return
	}
	limit := defaultSessionList
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = min(n, maxSessionList)
	}
	rows, err := h.opts.Sessions.RecentSessions(r.Context(), r.URL.Query().Get("room"), limit)
	if err != nil {
		slog.Error("list sessions", slog.Any("err", err))
		http.Error(w, "failed to list sessions", http.StatusInternalServerError)
		return
	}
	out := make([]sessionView, 0, len(rows))
	for _, o := range rows {
		out = append(out, sessionView(o))
	}
	writeJSON(w, http.StatusOK, out)
}

// HandleAdminSweep runs one retention sweep and returns its summary.
func (h *Handlers) HandleAdminSweep(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.opts.Sweeper == nil {
		http.NotFound(w, r)
		return
	}
	sum, err := h.opts.Sweeper.Run(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (h *Handlers) addOAuthState(state string, expiry time.Time) bool {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	now := time.Now()
	for s, exp := range h.stateStore {
		if now.After(exp) {
			delete(h.stateStore, s)
		}
	}
	if len(h.stateStore) >= maxOAuthStates {
		return false
	}
	h.stateStore[state] = expiry
	return true
}

func (h *Handlers) consumeOAuthState(state string) bool {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	exp, ok := h.stateStore[state]
	delete(h.stateStore, state)
	return ok && time.Now().Before(exp)
}

// HandleOAuthStart redirects to the upload account's consent page.
func (h *Handlers) HandleOAuthStart(w http.ResponseWriter, r *http.Request) {
	if h.opts.OAuth == nil {
		http.Error(w, "youtube oauth not configured", http.StatusBadRequest)
		return
	}
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		http.Error(w, "state gen error", http.StatusInternalServerError)
		return
	}
	st := hex.EncodeToString(b)
	if !h.addOAuthState(st, time.Now().Add(oauthStateTTL)) {
		http.Error(w, "too many pending authorizations", http.StatusServiceUnavailable)
		return
	}
	http.Redirect(w, r, h.opts.OAuth.AuthCodeURL(st), http.StatusFound)
}

// HandleOAuthCallback exchanges the code and stores the token.
func (h *Handlers) HandleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	if h.opts.OAuth == nil {
		http.Error(w, "youtube oauth not configured", http.StatusBadRequest)
		return
	}
	code, st := r.URL.Query().Get("code"), r.URL.Query().Get("state")
	if code == "" || st == "" {
		http.Error(w, "missing code/state", http.StatusBadRequest)
		return
	}
	if !h.consumeOAuthState(st) {
		http.Error(w, "invalid state", http.StatusBadRequest)
		return
	}
	tok, err := h.opts.OAuth.Exchange(r.Context(), code)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":                "ok",
		"expiry":                tok.Expiry,
		"refresh_token_present": tok.RefreshToken != "",
	})
}
