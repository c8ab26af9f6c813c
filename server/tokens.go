package server

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrInvalidGrant is returned when a code or refresh token is unknown,
// expired, or already consumed.
var ErrInvalidGrant = errors.New("invalid_grant")

// TokenService mints and rotates the opaque tokens external clients hold.
// Tokens carry no embedded claims; every one is a random value resolvable
// only through the store, and none is ever minted with an expiry past its
// session's.
type TokenService struct {
	store      *Store
	sessions   *SessionManager
	accessTTL  time.Duration
	refreshTTL time.Duration
	logger     *slog.Logger
}

// NewTokenService constructs a TokenService.
func NewTokenService(cfg Config, store *Store, sessions *SessionManager, logger *slog.Logger) *TokenService {
	return &TokenService{
		store:      store,
		sessions:   sessions,
		accessTTL:  cfg.Tokens.AccessTTL,
		refreshTTL: cfg.Tokens.RefreshTTL,
		logger:     logger,
	}
}

// MintPair issues a fresh opaque access+refresh pair bound to the session.
// expires_in reflects the access token's real lifetime, which is the access
// TTL capped by the session's remaining time.
func (ts *TokenService) MintPair(ctx context.Context, sess *Session) (TokenResponse, error) {
	now := time.Now()
	accessExp := capExpiry(now.Add(ts.accessTTL), sess.ExpiresAt)
	refreshExp := capExpiry(now.Add(ts.refreshTTL), sess.ExpiresAt)

	access := &OpaqueToken{Value: NewToken(), SessionID: sess.ID, Kind: TokenKindAccess, ExpiresAt: accessExp}
	refresh := &OpaqueToken{Value: NewToken(), SessionID: sess.ID, Kind: TokenKindRefresh, ExpiresAt: refreshExp}

	if err := ts.store.SaveOpaqueToken(ctx, access); err != nil {
		return TokenResponse{}, err
	}
	if err := ts.store.SaveOpaqueToken(ctx, refresh); err != nil {
		return TokenResponse{}, err
	}

	return TokenResponse{
		AccessToken:  access.Value,
		TokenType:    "Bearer",
		ExpiresIn:    int64(time.Until(accessExp).Seconds()),
		RefreshToken: refresh.Value,
	}, nil
}

// Refresh rotates a refresh token: the presented token is atomically consumed
// and a new pair is minted for the same session. A stolen refresh token can
// therefore be used at most once before going stale.
func (ts *TokenService) Refresh(ctx context.Context, token string) (TokenResponse, error) {
	consumed, err := ts.store.ConsumeOpaqueToken(ctx, token, TokenKindRefresh)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return TokenResponse{}, ErrInvalidGrant
		}
		return TokenResponse{}, err
	}

	sess, err := ts.sessions.Resolve(ctx, consumed.SessionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return TokenResponse{}, ErrInvalidGrant
		}
		return TokenResponse{}, err
	}

	resp, err := ts.MintPair(ctx, sess)
	if err != nil {
		return TokenResponse{}, err
	}
	ts.logger.Debug("refresh token rotated", "session_expires_at", sess.ExpiresAt)
	return resp, nil
}

// Revoke is best-effort: a resolvable token is deleted, an unknown token is
// silently accepted. Revoking a token never touches its session, so other
// still-valid tokens on the same session keep working.
func (ts *TokenService) Revoke(ctx context.Context, token string) {
	if err := ts.store.DeleteOpaqueToken(ctx, token); err != nil {
		ts.logger.Warn("revoke failed", "error", err)
	}
}

func capExpiry(want, limit time.Time) time.Time {
	if want.After(limit) {
		return limit
	}
	return want
}

// verifyPKCE checks an S256 code verifier against the stored challenge.
func verifyPKCE(challenge, verifier string) error {
	if verifier == "" {
		return errors.New("code_verifier required")
	}
	sum := sha256.Sum256([]byte(verifier))
	expected := base64.RawURLEncoding.EncodeToString(sum[:])
	if subtle.ConstantTimeCompare([]byte(expected), []byte(challenge)) != 1 {
		return fmt.Errorf("pkce verification failed")
	}
	return nil
}
