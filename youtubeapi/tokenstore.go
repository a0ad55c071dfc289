package youtubeapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ddrecorder/ddrecorder/crypto"
)

// FileTokenStore keeps tokens in a JSON file (mode 0600), keyed by provider.
// It is used when no database is configured. With a Sealer the token fields
// are encrypted at rest.
type FileTokenStore struct {
	Path   string
	Sealer *crypto.Sealer
	mu     sync.Mutex
}

type storedToken struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	Expiry       time.Time `json:"expiry"`
	Raw          string    `json:"raw,omitempty"`
	Sealed       bool      `json:"sealed,omitempty"`
}

func (s *FileTokenStore) load() (map[string]storedToken, error) {
	m := map[string]storedToken{}
	b, err := os.ReadFile(s.Path)
	if errors.Is(err, os.ErrNotExist) {
		return m, nil
	}
	if err != nil {
		return nil, err
	}
	if len(b) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("parse token file %s: %w", s.Path, err)
	}
	return m, nil
}

func (s *FileTokenStore) UpsertOAuthToken(ctx context.Context, provider, accessToken, refreshToken string, expiry time.Time, raw string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.load()
	if err != nil {
		return err
	}
	st := storedToken{Expiry: expiry, Sealed: s.Sealer.Enabled()}
	for _, f := range []struct {
		dst *string
		v   string
	}{{&st.AccessToken, accessToken}, {&st.RefreshToken, refreshToken}, {&st.Raw, raw}} {
		if *f.dst, err = s.Sealer.Seal(f.v); err != nil {
			return fmt.Errorf("seal token: %w", err)
		}
	}
	m[provider] = st
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.Path), 0o700); err != nil {
		return err
	}
	tmp := s.Path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.Path)
}

func (s *FileTokenStore) GetOAuthToken(ctx context.Context, provider string) (string, string, time.Time, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.load()
	if err != nil {
		return "", "", time.Time{}, "", err
	}
	t := m[provider]
	if !t.Sealed {
		return t.AccessToken, t.RefreshToken, t.Expiry, t.Raw, nil
	}
	if !s.Sealer.Enabled() {
		return "", "", time.Time{}, "", errors.New("token file is encrypted but ENCRYPTION_KEY is not set")
	}
	var out [3]string
	for i, v := range []string{t.AccessToken, t.RefreshToken, t.Raw} {
		if out[i], err = s.Sealer.Open(v); err != nil {
			return "", "", time.Time{}, "", fmt.Errorf("open token: %w", err)
		}
	}
	return out[0], out[1], t.Expiry, out[2], nil
}
