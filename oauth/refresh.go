// Package oauth keeps a stored OAuth token fresh in the background. It performs
// jittered checks and refreshes when expiry falls within a configured window, so
// the first upload after a long idle stretch does not pay for a token round trip.
package oauth

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand"
	"time"

	"golang.org/x/oauth2"
)

// Store is the token persistence the refresher reads and updates.
type Store interface {
	UpsertOAuthToken(ctx context.Context, provider, accessToken, refreshToken string, expiry time.Time, raw string) error
	GetOAuthToken(ctx context.Context, provider string) (accessToken, refreshToken string, expiry time.Time, raw string, err error)
}

// RefreshFunc performs the provider-specific refresh.
type RefreshFunc func(ctx context.Context, refreshToken string) (*oauth2.Token, error)

const (
	defaultInterval = 5 * time.Minute
	defaultWindow   = 15 * time.Minute
	refreshTimeout  = 15 * time.Second
)

// StartRefresher launches a goroutine that periodically checks the provider's
// token and refreshes it once its remaining lifetime is within window.
func StartRefresher(ctx context.Context, store Store, provider string, interval, window time.Duration, fn RefreshFunc) {
	if interval <= 0 {
		interval = defaultInterval
	}
	if window <= 0 {
		window = defaultWindow
	}
	// spread first checks across restarts
	//nolint:gosec // G404: scheduling jitter only
	initialJitter := time.Duration(rand.Int63n(int64(interval/2) + 1))
	go func() {
		if !sleep(ctx, initialJitter) {
			return
		}
		for {
			if _, err := RefreshOnce(ctx, store, provider, window, fn); err != nil {
				slog.Warn("token refresh failed", slog.String("provider", provider), slog.Any("err", err))
			}
			jitterRange := int64(interval / 5)
			//nolint:gosec // G404: scheduling jitter only
			next := interval + time.Duration(rand.Int63n(jitterRange*2+1)-jitterRange)
			if next < interval/2 {
				next = interval / 2
			}
			if !sleep(ctx, next) {
				return
			}
		}
	}()
}

// RefreshOnce refreshes the token when it expires within window. It reports
// whether a refresh happened. A missing token or refresh token is not an error.
func RefreshOnce(ctx context.Context, store Store, provider string, window time.Duration, fn RefreshFunc) (bool, error) {
	access, rt, exp, _, err := store.GetOAuthToken(ctx, provider)
	if err != nil {
		return false, err
	}
	if access == "" || rt == "" || time.Until(exp) > window {
		return false, nil
	}
	rctx, cancel := context.WithTimeout(ctx, refreshTimeout)
	tok, err := fn(rctx, rt)
	cancel()
	if err != nil {
		return false, err
	}
	if tok.RefreshToken == "" {
		tok.RefreshToken = rt
	}
	raw, _ := json.Marshal(tok)
	if err := store.UpsertOAuthToken(ctx, provider, tok.AccessToken, tok.RefreshToken, tok.Expiry, string(raw)); err != nil {
		return false, err
	}
	slog.Info("token refreshed", slog.String("provider", provider), slog.Time("expiry", tok.Expiry))
	return true, nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
