package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const storeTimeFormat = time.RFC3339Nano

// ErrNotFound is returned when a row does not exist or was already consumed.
var ErrNotFound = errors.New("not found")

const schema = `
CREATE TABLE IF NOT EXISTS clients (
	client_id     TEXT PRIMARY KEY,
	secret_hash   TEXT NOT NULL,
	client_name   TEXT NOT NULL,
	redirect_uris TEXT NOT NULL,
	issued_at     TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS auth_codes (
	code           TEXT PRIMARY KEY,
	client_id      TEXT NOT NULL,
	redirect_uri   TEXT NOT NULL,
	code_challenge TEXT NOT NULL,
	session_id     TEXT NOT NULL,
	resource       TEXT NOT NULL,
	expires_at     TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
	session_id       TEXT PRIMARY KEY,
	upstream_token   TEXT NOT NULL,
	upstream_refresh TEXT NOT NULL,
	upstream_user_id TEXT NOT NULL,
	audience         TEXT NOT NULL,
	expires_at       TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS tokens (
	token      TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	kind       TEXT NOT NULL,
	expires_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tokens_session ON tokens(session_id);
`

// Store provides SQLite-backed storage for clients, authorization codes,
// sessions, and opaque tokens. It is the only shared mutable state in the
// server; consume operations are single conditional DELETE statements so that
// two racing exchanges of the same code or refresh token resolve to exactly
// one winner.
type Store struct {
	db *sql.DB
}

// OpenStore opens (creating if needed) the SQLite database under dir.
func OpenStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	path := filepath.Join(dir, "bridge.db")
	// Pragmas are passed in the driver's _pragma form so each connection gets
	// WAL and a busy timeout; racing writers then wait instead of failing
	// with SQLITE_BUSY.
	dsn := filepath.Clean(path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// NewToken generates a cryptographically random, unguessable value used for
// codes, opaque tokens, and internal session ids.
func NewToken() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("crypto/rand unavailable: %v", err))
	}
	return hex.EncodeToString(buf)
}

// SaveClient persists a registered client.
func (s *Store) SaveClient(ctx context.Context, c *Client) error {
	uris, err := json.Marshal(c.RedirectURIs)
	if err != nil {
		return fmt.Errorf("encode redirect uris: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO clients (client_id, secret_hash, client_name, redirect_uris, issued_at)
		VALUES (?, ?, ?, ?, ?)`,
		c.ClientID, c.SecretHash, c.ClientName, string(uris), c.IssuedAt.UTC().Format(storeTimeFormat),
	)
	if err != nil {
		return fmt.Errorf("save client: %w", err)
	}
	return nil
}

// GetClient retrieves a client by id. Returns ErrNotFound when unknown.
func (s *Store) GetClient(ctx context.Context, clientID string) (*Client, error) {
	var c Client
	var uris, issuedAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT client_id, secret_hash, client_name, redirect_uris, issued_at
		FROM clients WHERE client_id = ?`, clientID,
	).Scan(&c.ClientID, &c.SecretHash, &c.ClientName, &uris, &issuedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get client: %w", err)
	}
	if err := json.Unmarshal([]byte(uris), &c.RedirectURIs); err != nil {
		return nil, fmt.Errorf("decode redirect uris: %w", err)
	}
	if c.IssuedAt, err = time.Parse(storeTimeFormat, issuedAt); err != nil {
		return nil, fmt.Errorf("parse issued_at: %w", err)
	}
	return &c, nil
}

// SaveAuthCode persists an authorization code.
func (s *Store) SaveAuthCode(ctx context.Context, ac *AuthorizationCode) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO auth_codes (code, client_id, redirect_uri, code_challenge, session_id, resource, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ac.Code, ac.ClientID, ac.RedirectURI, ac.CodeChallenge, ac.SessionID, ac.Resource,
		ac.ExpiresAt.UTC().Format(storeTimeFormat),
	)
	if err != nil {
		return fmt.Errorf("save auth code: %w", err)
	}
	return nil
}

// ConsumeAuthCode atomically removes and returns an authorization code. A
// second consume of the same code, concurrent or not, gets ErrNotFound; so
// does a consume after expiry.
func (s *Store) ConsumeAuthCode(ctx context.Context, code string) (*AuthorizationCode, error) {
	var ac AuthorizationCode
	var expiresAt string
	err := s.db.QueryRowContext(ctx,
		`DELETE FROM auth_codes WHERE code = ?
		RETURNING code, client_id, redirect_uri, code_challenge, session_id, resource, expires_at`,
		code,
	).Scan(&ac.Code, &ac.ClientID, &ac.RedirectURI, &ac.CodeChallenge, &ac.SessionID, &ac.Resource, &expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("consume auth code: %w", err)
	}
	if ac.ExpiresAt, err = time.Parse(storeTimeFormat, expiresAt); err != nil {
		return nil, fmt.Errorf("parse expires_at: %w", err)
	}
	if time.Now().After(ac.ExpiresAt) {
		return nil, ErrNotFound
	}
	return &ac, nil
}

// SaveSession persists a session wrapping an upstream credential.
func (s *Store) SaveSession(ctx context.Context, sess *Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (session_id, upstream_token, upstream_refresh, upstream_user_id, audience, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.UpstreamToken, sess.UpstreamRefresh, sess.UpstreamUserID, sess.Audience,
		sess.ExpiresAt.UTC().Format(storeTimeFormat),
	)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by id. Returns ErrNotFound when unknown.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	var sess Session
	var expiresAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, upstream_token, upstream_refresh, upstream_user_id, audience, expires_at
		FROM sessions WHERE session_id = ?`, id,
	).Scan(&sess.ID, &sess.UpstreamToken, &sess.UpstreamRefresh, &sess.UpstreamUserID, &sess.Audience, &expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	if sess.ExpiresAt, err = time.Parse(storeTimeFormat, expiresAt); err != nil {
		return nil, fmt.Errorf("parse expires_at: %w", err)
	}
	return &sess, nil
}

// DeleteSession removes a session and cascades to its opaque tokens.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM tokens WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("delete session tokens: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// SaveOpaqueToken persists an opaque token row.
func (s *Store) SaveOpaqueToken(ctx context.Context, t *OpaqueToken) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tokens (token, session_id, kind, expires_at) VALUES (?, ?, ?, ?)`,
		t.Value, t.SessionID, t.Kind, t.ExpiresAt.UTC().Format(storeTimeFormat),
	)
	if err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	return nil
}

// GetOpaqueToken resolves an opaque token value. Returns ErrNotFound for
// unknown and for expired tokens; expired rows are left for the GC sweep.
func (s *Store) GetOpaqueToken(ctx context.Context, value string) (*OpaqueToken, error) {
	var t OpaqueToken
	var expiresAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT token, session_id, kind, expires_at FROM tokens WHERE token = ?`, value,
	).Scan(&t.Value, &t.SessionID, &t.Kind, &expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get token: %w", err)
	}
	if t.ExpiresAt, err = time.Parse(storeTimeFormat, expiresAt); err != nil {
		return nil, fmt.Errorf("parse expires_at: %w", err)
	}
	if time.Now().After(t.ExpiresAt) {
		return nil, ErrNotFound
	}
	return &t, nil
}

// ConsumeOpaqueToken atomically removes and returns an opaque token of the
// given kind. Refresh rotation relies on this: the losing side of a
// concurrent double-spend gets ErrNotFound. The kind filter keeps a
// misdirected access token from being burned by the refresh path.
func (s *Store) ConsumeOpaqueToken(ctx context.Context, value, kind string) (*OpaqueToken, error) {
	var t OpaqueToken
	var expiresAt string
	err := s.db.QueryRowContext(ctx,
		`DELETE FROM tokens WHERE token = ? AND kind = ?
		RETURNING token, session_id, kind, expires_at`,
		value, kind,
	).Scan(&t.Value, &t.SessionID, &t.Kind, &expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("consume token: %w", err)
	}
	if t.ExpiresAt, err = time.Parse(storeTimeFormat, expiresAt); err != nil {
		return nil, fmt.Errorf("parse expires_at: %w", err)
	}
	if time.Now().After(t.ExpiresAt) {
		return nil, ErrNotFound
	}
	return &t, nil
}

// DeleteOpaqueToken removes a token row; deleting a missing row is a no-op.
func (s *Store) DeleteOpaqueToken(ctx context.Context, value string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM tokens WHERE token = ?`, value); err != nil {
		return fmt.Errorf("delete token: %w", err)
	}
	return nil
}

// CleanupExpired deletes every authorization code, session, and opaque token
// whose expiry has passed, plus tokens whose session row is gone. An expired
// session invalidates all of its tokens even when those tokens would still be
// within their own lifetime on paper.
func (s *Store) CleanupExpired(ctx context.Context, now time.Time) error {
	cutoff := now.UTC().Format(storeTimeFormat)
	for _, q := range []string{
		`DELETE FROM auth_codes WHERE expires_at <= ?`,
		`DELETE FROM tokens WHERE expires_at <= ?`,
		`DELETE FROM sessions WHERE expires_at <= ?`,
	} {
		if _, err := s.db.ExecContext(ctx, q, cutoff); err != nil {
			return fmt.Errorf("cleanup expired: %w", err)
		}
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM tokens WHERE session_id NOT IN (SELECT session_id FROM sessions)`,
	); err != nil {
		return fmt.Errorf("cleanup orphan tokens: %w", err)
	}
	return nil
}
