package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// ErrNoUpstreamCredential signals that the bridge holds no usable upstream
// credential; authorization must fail closed in that case.
var ErrNoUpstreamCredential = errors.New("no upstream credential available")

// UpstreamCredential is the bridge's own secret for the home-automation
// backend, wrapped into sessions and never exposed to external clients.
type UpstreamCredential struct {
	AccessToken  string
	RefreshToken string
	UserID       string
	ExpiresAt    time.Time
}

// CredentialSource supplies the current upstream credential when a session is
// created.
type CredentialSource interface {
	Current(ctx context.Context) (*UpstreamCredential, error)
}

// NewCredentialSource picks a source from configuration: an OAuth refresh
// token when configured, otherwise a static long-lived token.
func NewCredentialSource(cfg Config) (CredentialSource, error) {
	if cfg.Upstream.OAuth.RefreshToken != "" {
		oc := &oauth2.Config{
			ClientID:     cfg.Upstream.OAuth.ClientID,
			ClientSecret: cfg.Upstream.OAuth.ClientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: cfg.Upstream.OAuth.TokenURL},
		}
		seed := &oauth2.Token{RefreshToken: cfg.Upstream.OAuth.RefreshToken}
		return &oauthSource{
			source: oc.TokenSource(context.Background(), seed),
			userID: cfg.Upstream.UserID,
		}, nil
	}
	if cfg.Upstream.Token != "" {
		return &staticSource{
			token:      cfg.Upstream.Token,
			userID:     cfg.Upstream.UserID,
			sessionTTL: cfg.Tokens.SessionTTL,
		}, nil
	}
	return nil, errors.New("upstream.token or upstream.oauth.refresh_token must be configured")
}

// staticSource serves a configured long-lived token. The token itself does
// not expire, so each session gets the configured session TTL.
type staticSource struct {
	token      string
	userID     string
	sessionTTL time.Duration
}

func (s *staticSource) Current(ctx context.Context) (*UpstreamCredential, error) {
	return &UpstreamCredential{
		AccessToken: s.token,
		UserID:      s.userID,
		ExpiresAt:   time.Now().Add(s.sessionTTL),
	}, nil
}

// oauthSource refreshes the upstream credential through the backend's token
// endpoint. oauth2.TokenSource caches the token and refreshes near expiry,
// so session creation reuses the live credential instead of hammering the
// provider.
type oauthSource struct {
	source oauth2.TokenSource
	userID string
}

func (o *oauthSource) Current(ctx context.Context) (*UpstreamCredential, error) {
	tok, err := o.source.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoUpstreamCredential, err)
	}
	return &UpstreamCredential{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		UserID:       o.userID,
		ExpiresAt:    tok.Expiry,
	}, nil
}

// UpstreamClient is a thin REST client for the home-automation backend. Tool
// handlers call it with the per-request credential the auth middleware
// resolved; the client itself holds no secrets.
type UpstreamClient struct {
	baseURL string
	http    *http.Client
}

// NewUpstreamClient builds a client for the configured backend.
func NewUpstreamClient(cfg Config) *UpstreamClient {
	return &UpstreamClient{
		baseURL: strings.TrimSuffix(cfg.Upstream.BaseURL, "/"),
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// Get performs an authenticated GET against an API path and decodes nothing;
// the raw body is returned for the tool layer to shape.
func (c *UpstreamClient) Get(ctx context.Context, cred Credential, path string) ([]byte, error) {
	return c.do(ctx, cred, http.MethodGet, path, nil)
}

// Post performs an authenticated POST with a JSON body.
func (c *UpstreamClient) Post(ctx context.Context, cred Credential, path string, body any) ([]byte, error) {
	var payload io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		payload = strings.NewReader(string(b))
	}
	return c.do(ctx, cred, http.MethodPost, path, payload)
}

func (c *UpstreamClient) do(ctx context.Context, cred Credential, method, path string, body io.Reader) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+cred.AccessToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call upstream: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read upstream response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("upstream returned %s for %s", resp.Status, path)
	}
	return data, nil
}
