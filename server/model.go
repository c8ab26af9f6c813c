package server

import "time"

// Client records a dynamically registered OAuth client. Clients are immutable
// after registration and never expire; the bridge has no client lifecycle
// management beyond registration itself.
type Client struct {
	ClientID     string
	SecretHash   string
	ClientName   string
	RedirectURIs []string
	IssuedAt     time.Time
}

// ValidRedirect reports whether uri exactly matches one of the client's
// registered redirect URIs. Prefix and wildcard matching are never allowed.
func (c *Client) ValidRedirect(uri string) bool {
	for _, u := range c.RedirectURIs {
		if u == uri {
			return true
		}
	}
	return false
}

// AuthorizationCode is a short-lived, single-use code linking a client,
// redirect URI, optional PKCE challenge, and a session. Consuming a code is
// an atomic read-then-delete at the store layer.
type AuthorizationCode struct {
	Code          string
	ClientID      string
	RedirectURI   string
	CodeChallenge string
	SessionID     string
	Resource      string
	ExpiresAt     time.Time
}

// Session wraps the bridge's upstream credential behind an internal id. The
// session id and credential are never serialized into an external response;
// external clients only ever hold opaque tokens that resolve to a session.
type Session struct {
	ID              string
	UpstreamToken   string
	UpstreamRefresh string
	UpstreamUserID  string
	Audience        string
	ExpiresAt       time.Time
}

// Token kinds stored alongside opaque token values.
const (
	TokenKindAccess  = "access"
	TokenKindRefresh = "refresh"
)

// OpaqueToken is a client-facing bearer credential. It carries no embedded
// claims; resolving it requires a store lookup. Many tokens may reference one
// session, each with its own expiry.
type OpaqueToken struct {
	Value     string
	SessionID string
	Kind      string
	ExpiresAt time.Time
}

// TokenResponse matches OAuth token endpoint payloads.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// Credential is the validated upstream credential the resource middleware
// attaches to the request context for downstream tool handlers.
type Credential struct {
	AccessToken string
	UserID      string
	SessionID   string
}
