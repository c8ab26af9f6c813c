package server

import (
	"context"
	"errors"
	"testing"
)

func TestRegisterValidatesRedirectURIs(t *testing.T) {
	registry := NewClientRegistry(newTestStore(t))
	ctx := context.Background()

	tests := []struct {
		name string
		uris []string
		ok   bool
	}{
		{"https uri", []string{"https://agent.example/callback"}, true},
		{"http localhost", []string{"http://localhost:8080/cb"}, true},
		{"multiple", []string{"https://a.example/cb", "https://b.example/cb"}, true},
		{"empty list", nil, false},
		{"relative", []string{"/callback"}, false},
		{"no host", []string{"https://"}, false},
		{"custom scheme", []string{"myapp://callback"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := registry.Register(ctx, "agent", tt.uris)
			if tt.ok && err != nil {
				t.Fatalf("Register: %v", err)
			}
			if !tt.ok && err == nil {
				t.Fatal("Register accepted invalid redirect uris")
			}
		})
	}
}

func TestRegisterAndAuthenticate(t *testing.T) {
	registry := NewClientRegistry(newTestStore(t))
	ctx := context.Background()

	client, secret, err := registry.Register(ctx, "agent", []string{"https://agent.example/cb"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if client.ClientID == "" || secret == "" {
		t.Fatal("Register returned empty credentials")
	}
	if client.SecretHash == secret {
		t.Fatal("secret stored in plaintext")
	}

	got, err := registry.Authenticate(ctx, client.ClientID, secret)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if got.ClientID != client.ClientID {
		t.Errorf("authenticated client = %q, want %q", got.ClientID, client.ClientID)
	}

	if _, err := registry.Authenticate(ctx, client.ClientID, "wrong"); !errors.Is(err, ErrInvalidClient) {
		t.Errorf("wrong secret = %v, want ErrInvalidClient", err)
	}
	if _, err := registry.Authenticate(ctx, "unknown", secret); !errors.Is(err, ErrInvalidClient) {
		t.Errorf("unknown client = %v, want ErrInvalidClient", err)
	}
}

func TestValidRedirect(t *testing.T) {
	client := &Client{RedirectURIs: []string{"https://agent.example/cb"}}

	if !client.ValidRedirect("https://agent.example/cb") {
		t.Error("exact match rejected")
	}
	for _, uri := range []string{
		"https://agent.example/cb/",
		"https://agent.example/cb?x=1",
		"https://evil.example/cb",
		"",
	} {
		if client.ValidRedirect(uri) {
			t.Errorf("ValidRedirect(%q) = true, want false", uri)
		}
	}
}
