package oauth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"golang.org/x/oauth2"
)

type memStore struct {
	mu        sync.Mutex
	access    string
	refresh   string
	expiry    time.Time
	raw       string
	upserts   int
	getErr    error
	upsertErr error
}

func (m *memStore) UpsertOAuthToken(ctx context.Context, provider, accessToken, refreshToken string, expiry time.Time, raw string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.upsertErr != nil {
		return m.upsertErr
	}
	m.access, m.refresh, m.expiry, m.raw = accessToken, refreshToken, expiry, raw
	m.upserts++
	return nil
}

func (m *memStore) GetOAuthToken(ctx context.Context, provider string) (string, string, time.Time, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.access, m.refresh, m.expiry, m.raw, m.getErr
}

func (m *memStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.upserts
}

func TestRefreshOnce(t *testing.T) {
	newExpiry := time.Now().Add(2 * time.Hour)
	ok := func(ctx context.Context, rt string) (*oauth2.Token, error) {
		return &oauth2.Token{AccessToken: "new-access", Expiry: newExpiry}, nil
	}
	failing := func(ctx context.Context, rt string) (*oauth2.Token, error) {
		return nil, errors.New("invalid_grant")
	}

	tests := []struct {
		name      string
		store     *memStore
		fn        RefreshFunc
		refreshed bool
		wantErr   bool
	}{
		{"outside window", &memStore{access: "a", refresh: "r", expiry: time.Now().Add(time.Hour)}, ok, false, false},
		{"within window", &memStore{access: "a", refresh: "r", expiry: time.Now().Add(5 * time.Minute)}, ok, true, false},
		{"already expired", &memStore{access: "a", refresh: "r", expiry: time.Now().Add(-time.Minute)}, ok, true, false},
		{"no token stored", &memStore{}, ok, false, false},
		{"no refresh token", &memStore{access: "a", expiry: time.Now()}, ok, false, false},
		{"refresh fails", &memStore{access: "a", refresh: "r", expiry: time.Now()}, failing, false, true},
		{"store read fails", &memStore{getErr: errors.New("disk")}, ok, false, true},
		{"store write fails", &memStore{access: "a", refresh: "r", expiry: time.Now(), upsertErr: errors.New("disk")}, ok, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := RefreshOnce(context.Background(), tt.store, "youtube", 15*time.Minute, tt.fn)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.refreshed {
				t.Errorf("refreshed = %v, want %v", got, tt.refreshed)
			}
		})
	}
}

func TestRefreshOnceKeepsRefreshToken(t *testing.T) {
	store := &memStore{access: "old", refresh: "keep-me", expiry: time.Now()}
	var seen string
	fn := func(ctx context.Context, rt string) (*oauth2.Token, error) {
		seen = rt
		return &oauth2.Token{AccessToken: "new", Expiry: time.Now().Add(time.Hour)}, nil
	}
	if _, err := RefreshOnce(context.Background(), store, "youtube", time.Minute, fn); err != nil {
		t.Fatal(err)
	}
	if seen != "keep-me" {
		t.Errorf("refresh called with %q", seen)
	}
	if store.access != "new" || store.refresh != "keep-me" || store.raw == "" {
		t.Errorf("stored access=%q refresh=%q raw=%q", store.access, store.refresh, store.raw)
	}
}

func TestStartRefresherRefreshesAndStops(t *testing.T) {
	store := &memStore{access: "a", refresh: "r", expiry: time.Now()}
	calls := make(chan struct{}, 10)
	fn := func(ctx context.Context, rt string) (*oauth2.Token, error) {
		select {
		case calls <- struct{}{}:
		default:
		}
		// stays inside the window so every tick refreshes
		return &oauth2.Token{AccessToken: "a2", Expiry: time.Now()}, nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	StartRefresher(ctx, store, "youtube", 10*time.Millisecond, time.Minute, fn)

	select {
	case <-calls:
	case <-time.After(2 * time.Second):
		t.Fatal("refresher never ran")
	}
	cancel()
	time.Sleep(50 * time.Millisecond)
	n := store.count()
	time.Sleep(50 * time.Millisecond)
	if store.count() != n {
		t.Error("refresher kept running after cancel")
	}
}

func TestStartRefresherDefaults(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// zero interval and window must not panic in the jitter computation
	StartRefresher(ctx, &memStore{}, "youtube", 0, 0, func(ctx context.Context, rt string) (*oauth2.Token, error) {
		t.Error("refresh called on cancelled context")
		return nil, nil
	})
	time.Sleep(20 * time.Millisecond)
}
