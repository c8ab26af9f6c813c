package server

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidClient is returned when a client is unknown or its secret does
// not match.
var ErrInvalidClient = errors.New("invalid_client")

// ClientRegistry manages dynamically registered OAuth clients. Registration
// is the only time a client secret exists in plaintext; only a bcrypt hash is
// persisted.
type ClientRegistry struct {
	store *Store
}

// NewClientRegistry builds the registry on top of the persistent store.
func NewClientRegistry(store *Store) *ClientRegistry {
	return &ClientRegistry{store: store}
}

// Register creates a client with server-generated credentials. The returned
// secret is shown to the caller exactly once and cannot be recovered later.
func (cr *ClientRegistry) Register(ctx context.Context, name string, redirectURIs []string) (*Client, string, error) {
	if len(redirectURIs) == 0 {
		return nil, "", errors.New("redirect_uris must not be empty")
	}
	for _, raw := range redirectURIs {
		u, err := url.Parse(raw)
		if err != nil || !u.IsAbs() || u.Host == "" {
			return nil, "", fmt.Errorf("redirect uri %q is not an absolute URI", raw)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return nil, "", fmt.Errorf("redirect uri %q must use http or https", raw)
		}
	}

	secret := NewToken()
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", fmt.Errorf("hash client secret: %w", err)
	}

	client := &Client{
		ClientID:     uuid.NewString(),
		SecretHash:   string(hash),
		ClientName:   name,
		RedirectURIs: redirectURIs,
		IssuedAt:     time.Now(),
	}
	if err := cr.store.SaveClient(ctx, client); err != nil {
		return nil, "", err
	}
	return client, secret, nil
}

// Lookup retrieves a client definition.
func (cr *ClientRegistry) Lookup(ctx context.Context, clientID string) (*Client, error) {
	return cr.store.GetClient(ctx, clientID)
}

// Authenticate validates client credentials against the stored hash.
func (cr *ClientRegistry) Authenticate(ctx context.Context, clientID, secret string) (*Client, error) {
	client, err := cr.store.GetClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrInvalidClient
		}
		return nil, err
	}
	if bcrypt.CompareHashAndPassword([]byte(client.SecretHash), []byte(secret)) != nil {
		return nil, ErrInvalidClient
	}
	return client, nil
}
