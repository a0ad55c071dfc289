// Package youtubeapi wraps Google OAuth2 client config and the YouTube Data API
// as an upload service: every session part becomes a video and a submit groups
// them into a playlist carrying the session's title, description and tags.
// Tokens are persisted via the TokenStore interface so they can be refreshed
// and reused across runs.
package youtubeapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	yt "google.golang.org/api/youtube/v3"

	"github.com/ddrecorder/ddrecorder/config"
	"github.com/ddrecorder/ddrecorder/upload"
)

// Provider keys the upload account token in a TokenStore.
const Provider = "youtube"

// maxTitleRunes is the API's limit on video and playlist titles.
const maxTitleRunes = 100

// ErrNoToken means no OAuth token has been stored yet.
var ErrNoToken = errors.New("no youtube token stored; run `ddrecorder auth url` first")

type TokenStore interface {
	UpsertOAuthToken(ctx context.Context, provider string, accessToken string, refreshToken string, expiry time.Time, raw string) error
	GetOAuthToken(ctx context.Context, provider string) (accessToken string, refreshToken string, expiry time.Time, raw string, err error)
}

type Service struct {
	db    TokenStore
	oauth *oauth2.Config

	// Endpoint overrides the API base path (tests).
	Endpoint string

	mu  sync.Mutex
	api *yt.Service
}

func New(cfg *config.Config, ts TokenStore) *Service {
	scopes := []string{"https://www.googleapis.com/auth/youtube"}
	if cfg.YTScopes != "" {
		// allow comma or space separated
		fields := strings.Fields(strings.ReplaceAll(cfg.YTScopes, ",", " "))
		if len(fields) > 0 {
			scopes = fields
		}
	}
	oauth := &oauth2.Config{
		ClientID:     cfg.YTClientID,
		ClientSecret: cfg.YTClientSecret,
		Endpoint:     google.Endpoint,
		RedirectURL:  cfg.YTRedirectURI,
		Scopes:       scopes,
	}
	return &Service{db: ts, oauth: oauth}
}

func (s *Service) AuthCodeURL(state string) string {
	return s.oauth.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// Exchange trades an authorization code for a token and stores it.
func (s *Service) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	tok, err := s.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, err
	}
	rawBytes, _ := json.Marshal(tok)
	if err := s.db.UpsertOAuthToken(ctx, Provider, tok.AccessToken, tok.RefreshToken, tok.Expiry, string(rawBytes)); err != nil {
		return tok, fmt.Errorf("store token: %w", err)
	}
	return tok, nil
}

// RefreshToken trades a refresh token for a new access token without touching the store.
func (s *Service) RefreshToken(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	return s.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
}

func (s *Service) refreshIfNeeded(ctx context.Context) (*oauth2.Token, error) {
	access, refresh, expiry, raw, err := s.db.GetOAuthToken(ctx, Provider)
	if err != nil {
		return nil, err
	}
	if access == "" {
		return nil, ErrNoToken
	}
	var tok oauth2.Token
	if raw != "" {
		_ = json.Unmarshal([]byte(raw), &tok)
	}
	if tok.AccessToken == "" {
		tok.AccessToken = access
	}
	tok.RefreshToken = refresh
	tok.Expiry = expiry
	if time.Until(tok.Expiry) > 2*time.Minute {
		return &tok, nil
	}
	newTok, err := s.oauth.TokenSource(ctx, &tok).Token()
	if err != nil {
		return &tok, err
	}
	rawBytes, _ := json.Marshal(newTok)
	_ = s.db.UpsertOAuthToken(ctx, Provider, newTok.AccessToken, newTok.RefreshToken, newTok.Expiry, string(rawBytes))
	return newTok, nil
}

// Login refreshes the stored token if needed and builds the API client.
func (s *Service) Login(ctx context.Context) error {
	tok, err := s.refreshIfNeeded(ctx)
	if err != nil {
		return err
	}
	// the token source outlives this call, so it must not carry ctx's cancellation
	client := s.oauth.Client(context.WithoutCancel(ctx), tok)
	api, err := yt.NewService(ctx, option.WithHTTPClient(client))
	if err != nil {
		return fmt.Errorf("youtube client: %w", err)
	}
	if s.Endpoint != "" {
		api.BasePath = s.Endpoint
	}
	s.mu.Lock()
	s.api = api
	s.mu.Unlock()
	return nil
}

func (s *Service) client() (*yt.Service, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.api == nil {
		return nil, errors.New("youtube: not logged in")
	}
	return s.api, nil
}

// UploadPart uploads path as a private video named after the file and returns the video id.
func (s *Service) UploadPart(ctx context.Context, path string) (string, error) {
	api, err := s.client()
	if err != nil {
		return "", err
	}
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open file: %w", err)
	}
	defer f.Close()
	video := &yt.Video{
		Snippet: &yt.VideoSnippet{Title: truncate(filepath.Base(path))},
		Status:  &yt.VideoStatus{PrivacyStatus: "private"},
	}
	res, err := api.Videos.Insert([]string{"snippet", "status"}, video).Media(f).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("youtube upload: %w", err)
	}
	if res.Id == "" {
		return "", errors.New("youtube upload: empty id")
	}
	return res.Id, nil
}

// Submit titles every uploaded video and collects them into a new playlist,
// returning the playlist id.
func (s *Service) Submit(ctx context.Context, parts []upload.Part, md upload.Metadata) (string, error) {
	api, err := s.client()
	if err != nil {
		return "", err
	}
	if len(parts) == 0 {
		return "", upload.ErrNoParts
	}
	privacy := md.Privacy
	if privacy == "" {
		privacy = "private"
	}
	desc := md.Description
	if md.Source != "" {
		desc = strings.TrimSpace(desc + "\n\n" + md.Source)
	}

	for _, p := range parts {
		title := md.Title
		if len(parts) > 1 {
			title = fmt.Sprintf("%s P%s", md.Title, p.Title)
		}
		v := &yt.Video{
			Id: p.Handle,
			Snippet: &yt.VideoSnippet{
				Title:       truncate(title),
				Description: desc,
				Tags:        md.Tags,
				CategoryId:  "22",
			},
			Status: &yt.VideoStatus{PrivacyStatus: privacy},
		}
		if _, err := api.Videos.Update([]string{"snippet", "status"}, v).Context(ctx).Do(); err != nil {
			return "", fmt.Errorf("youtube update %s: %w", p.Handle, err)
		}
	}

	pl, err := api.Playlists.Insert([]string{"snippet", "status"}, &yt.Playlist{
		Snippet: &yt.PlaylistSnippet{Title: truncate(md.Title), Description: desc, Tags: md.Tags},
		Status:  &yt.PlaylistStatus{PrivacyStatus: privacy},
	}).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("youtube playlist: %w", err)
	}
	for i, p := range parts {
		item := &yt.PlaylistItem{Snippet: &yt.PlaylistItemSnippet{
			PlaylistId: pl.Id,
			Position:   int64(i),
			ResourceId: &yt.ResourceId{Kind: "youtube#video", VideoId: p.Handle},
		}}
		if _, err := api.PlaylistItems.Insert([]string{"snippet"}, item).Context(ctx).Do(); err != nil {
			return "", fmt.Errorf("youtube playlist item %s: %w", p.Handle, err)
		}
	}
	return pl.Id, nil
}

func truncate(s string) string {
	r := []rune(s)
	if len(r) <= maxTitleRunes {
		return s
	}
	return string(r[:maxTitleRunes])
}
