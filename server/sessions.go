package server

import (
	"context"
	"log/slog"
	"time"
)

// SessionManager creates and resolves sessions wrapping the upstream
// credential. A session's expiry tracks the wrapped credential's own
// lifetime, so no opaque token minted against it can outlive the credential.
type SessionManager struct {
	store  *Store
	source CredentialSource
	ttl    time.Duration
	logger *slog.Logger
}

// NewSessionManager constructs a session manager honouring config.
func NewSessionManager(cfg Config, store *Store, source CredentialSource, logger *slog.Logger) *SessionManager {
	return &SessionManager{
		store:  store,
		source: source,
		ttl:    cfg.Tokens.SessionTTL,
		logger: logger,
	}
}

// Create establishes a session from the bridge's current upstream credential,
// bound to the given audience. Fails closed with ErrNoUpstreamCredential when
// the bridge holds no usable credential.
func (sm *SessionManager) Create(ctx context.Context, audience string) (*Session, error) {
	if sm.source == nil {
		return nil, ErrNoUpstreamCredential
	}
	cred, err := sm.source.Current(ctx)
	if err != nil {
		return nil, err
	}

	expiresAt := cred.ExpiresAt
	if expiresAt.IsZero() || expiresAt.After(time.Now().Add(sm.ttl)) {
		expiresAt = time.Now().Add(sm.ttl)
	}

	sess := &Session{
		ID:              NewToken(),
		UpstreamToken:   cred.AccessToken,
		UpstreamRefresh: cred.RefreshToken,
		UpstreamUserID:  cred.UserID,
		Audience:        audience,
		ExpiresAt:       expiresAt,
	}
	if err := sm.store.SaveSession(ctx, sess); err != nil {
		return nil, err
	}

	sm.logger.Debug("session created", "audience", audience, "expires_at", sess.ExpiresAt)
	return sess, nil
}

// Resolve fetches a live session. Expired sessions behave as missing; the GC
// sweep removes the rows later.
func (sm *SessionManager) Resolve(ctx context.Context, id string) (*Session, error) {
	sess, err := sm.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if time.Now().After(sess.ExpiresAt) {
		return nil, ErrNotFound
	}
	return sess, nil
}
