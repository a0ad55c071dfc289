package chat

import (
	"context"
	"errors"
	"sync"
	"time"
)

// KeySource fetches and caches the signing key used during negotiation.
type KeySource struct {
	Fetch func(ctx context.Context) (string, time.Time, error)

	mu        sync.RWMutex
	key       string
	expiresAt time.Time
}

const keyMargin = 60 * time.Second

// Get returns a valid (fresh or cached) key.
func (ks *KeySource) Get(ctx context.Context) (string, error) {
	ks.mu.RLock()
	if ks.key != "" && time.Until(ks.expiresAt) > keyMargin {
		k := ks.key
		ks.mu.RUnlock()
		return k, nil
	}
	ks.mu.RUnlock()
	return ks.refresh(ctx)
}

func (ks *KeySource) refresh(ctx context.Context) (string, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	if ks.key != "" && time.Until(ks.expiresAt) > keyMargin {
		return ks.key, nil
	}
	if ks.Fetch == nil {
		return "", errors.New("chat: no signing key fetcher")
	}
	k, exp, err := ks.Fetch(ctx)
	if err != nil {
		return "", err
	}
	ks.key, ks.expiresAt = k, exp
	return k, nil
}
