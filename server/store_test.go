package server

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenStore(t.TempDir())
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestNewTokenUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		tok := NewToken()
		if len(tok) != 64 {
			t.Fatalf("token length = %d, want 64", len(tok))
		}
		if seen[tok] {
			t.Fatalf("duplicate token generated: %s", tok)
		}
		seen[tok] = true
	}
}

func TestClientRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	client := &Client{
		ClientID:     "client-1",
		SecretHash:   "$2a$10$hash",
		ClientName:   "Test Agent",
		RedirectURIs: []string{"https://agent.example/callback", "http://localhost:8080/cb"},
		IssuedAt:     time.Now(),
	}
	if err := store.SaveClient(ctx, client); err != nil {
		t.Fatalf("SaveClient: %v", err)
	}

	got, err := store.GetClient(ctx, "client-1")
	if err != nil {
		t.Fatalf("GetClient: %v", err)
	}
	if got.ClientName != client.ClientName {
		t.Errorf("client_name = %q, want %q", got.ClientName, client.ClientName)
	}
	if len(got.RedirectURIs) != 2 || got.RedirectURIs[0] != client.RedirectURIs[0] {
		t.Errorf("redirect_uris = %v, want %v", got.RedirectURIs, client.RedirectURIs)
	}

	if _, err := store.GetClient(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetClient(unknown) = %v, want ErrNotFound", err)
	}
}

func TestConsumeAuthCodeOnce(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	ac := &AuthorizationCode{
		Code:          NewToken(),
		ClientID:      "client-1",
		RedirectURI:   "https://agent.example/callback",
		CodeChallenge: "challenge",
		SessionID:     "sess-1",
		Resource:      "https://bridge.example/mcp",
		ExpiresAt:     time.Now().Add(10 * time.Minute),
	}
	if err := store.SaveAuthCode(ctx, ac); err != nil {
		t.Fatalf("SaveAuthCode: %v", err)
	}

	got, err := store.ConsumeAuthCode(ctx, ac.Code)
	if err != nil {
		t.Fatalf("first consume: %v", err)
	}
	if got.SessionID != "sess-1" || got.Resource != ac.Resource {
		t.Errorf("consumed code = %+v, want session sess-1 and resource %s", got, ac.Resource)
	}

	if _, err := store.ConsumeAuthCode(ctx, ac.Code); !errors.Is(err, ErrNotFound) {
		t.Errorf("second consume = %v, want ErrNotFound", err)
	}
}

func TestConsumeAuthCodeExpired(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	ac := &AuthorizationCode{
		Code:      NewToken(),
		ClientID:  "client-1",
		SessionID: "sess-1",
		ExpiresAt: time.Now().Add(-time.Minute),
	}
	if err := store.SaveAuthCode(ctx, ac); err != nil {
		t.Fatalf("SaveAuthCode: %v", err)
	}
	if _, err := store.ConsumeAuthCode(ctx, ac.Code); !errors.Is(err, ErrNotFound) {
		t.Errorf("consume expired = %v, want ErrNotFound", err)
	}
}

func TestConsumeAuthCodeConcurrent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	code := NewToken()
	if err := store.SaveAuthCode(ctx, &AuthorizationCode{
		Code:      code,
		ClientID:  "client-1",
		SessionID: "sess-1",
		ExpiresAt: time.Now().Add(time.Minute),
	}); err != nil {
		t.Fatalf("SaveAuthCode: %v", err)
	}

	const racers = 10
	var wg sync.WaitGroup
	results := make(chan error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.ConsumeAuthCode(ctx, code)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	wins := 0
	for err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrNotFound):
		default:
			t.Errorf("unexpected consume error: %v", err)
		}
	}
	if wins != 1 {
		t.Errorf("concurrent consume winners = %d, want exactly 1", wins)
	}
}

func TestSessionRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sess := &Session{
		ID:              NewToken(),
		UpstreamToken:   "upstream-token",
		UpstreamRefresh: "upstream-refresh",
		UpstreamUserID:  "user-1",
		Audience:        "https://bridge.example/mcp",
		ExpiresAt:       time.Now().Add(time.Hour),
	}
	if err := store.SaveSession(ctx, sess); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}

	got, err := store.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.UpstreamToken != "upstream-token" || got.Audience != sess.Audience {
		t.Errorf("session = %+v, want original fields", got)
	}

	if err := store.DeleteSession(ctx, sess.ID); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if _, err := store.GetSession(ctx, sess.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetSession after delete = %v, want ErrNotFound", err)
	}
}

func TestDeleteSessionCascadesTokens(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sess := &Session{ID: "sess-1", Audience: "aud", ExpiresAt: time.Now().Add(time.Hour)}
	if err := store.SaveSession(ctx, sess); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
	tok := &OpaqueToken{Value: NewToken(), SessionID: "sess-1", Kind: TokenKindAccess, ExpiresAt: time.Now().Add(time.Hour)}
	if err := store.SaveOpaqueToken(ctx, tok); err != nil {
		t.Fatalf("SaveOpaqueToken: %v", err)
	}

	if err := store.DeleteSession(ctx, "sess-1"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if _, err := store.GetOpaqueToken(ctx, tok.Value); !errors.Is(err, ErrNotFound) {
		t.Errorf("token survived session delete: %v", err)
	}
}

func TestConsumeOpaqueTokenKind(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	access := &OpaqueToken{Value: NewToken(), SessionID: "sess-1", Kind: TokenKindAccess, ExpiresAt: time.Now().Add(time.Hour)}
	if err := store.SaveOpaqueToken(ctx, access); err != nil {
		t.Fatalf("SaveOpaqueToken: %v", err)
	}

	// An access token presented to the refresh path must not be burned.
	if _, err := store.ConsumeOpaqueToken(ctx, access.Value, TokenKindRefresh); !errors.Is(err, ErrNotFound) {
		t.Fatalf("consume with wrong kind = %v, want ErrNotFound", err)
	}
	if _, err := store.GetOpaqueToken(ctx, access.Value); err != nil {
		t.Fatalf("access token was deleted by mismatched consume: %v", err)
	}

	got, err := store.ConsumeOpaqueToken(ctx, access.Value, TokenKindAccess)
	if err != nil {
		t.Fatalf("consume with matching kind: %v", err)
	}
	if got.SessionID != "sess-1" {
		t.Errorf("session_id = %q, want sess-1", got.SessionID)
	}
	if _, err := store.GetOpaqueToken(ctx, access.Value); !errors.Is(err, ErrNotFound) {
		t.Errorf("token still present after consume: %v", err)
	}
}

func TestGetOpaqueTokenExpired(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	tok := &OpaqueToken{Value: NewToken(), SessionID: "sess-1", Kind: TokenKindAccess, ExpiresAt: time.Now().Add(-time.Second)}
	if err := store.SaveOpaqueToken(ctx, tok); err != nil {
		t.Fatalf("SaveOpaqueToken: %v", err)
	}
	if _, err := store.GetOpaqueToken(ctx, tok.Value); !errors.Is(err, ErrNotFound) {
		t.Errorf("expired token lookup = %v, want ErrNotFound", err)
	}
}

func TestCleanupExpired(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	live := &Session{ID: "live", Audience: "aud", ExpiresAt: now.Add(time.Hour)}
	dead := &Session{ID: "dead", Audience: "aud", ExpiresAt: now.Add(-time.Hour)}
	for _, s := range []*Session{live, dead} {
		if err := store.SaveSession(ctx, s); err != nil {
			t.Fatalf("SaveSession(%s): %v", s.ID, err)
		}
	}

	liveTok := &OpaqueToken{Value: NewToken(), SessionID: "live", Kind: TokenKindAccess, ExpiresAt: now.Add(time.Hour)}
	// Within its own lifetime, but its session is expired.
	orphanTok := &OpaqueToken{Value: NewToken(), SessionID: "dead", Kind: TokenKindAccess, ExpiresAt: now.Add(time.Hour)}
	staleTok := &OpaqueToken{Value: NewToken(), SessionID: "live", Kind: TokenKindRefresh, ExpiresAt: now.Add(-time.Minute)}
	for _, tok := range []*OpaqueToken{liveTok, orphanTok, staleTok} {
		if err := store.SaveOpaqueToken(ctx, tok); err != nil {
			t.Fatalf("SaveOpaqueToken: %v", err)
		}
	}

	if err := store.SaveAuthCode(ctx, &AuthorizationCode{Code: "stale-code", ClientID: "c", SessionID: "dead", ExpiresAt: now.Add(-time.Minute)}); err != nil {
		t.Fatalf("SaveAuthCode: %v", err)
	}

	if err := store.CleanupExpired(ctx, now); err != nil {
		t.Fatalf("CleanupExpired: %v", err)
	}

	if _, err := store.GetOpaqueToken(ctx, liveTok.Value); err != nil {
		t.Errorf("live token swept: %v", err)
	}
	for name, value := range map[string]string{
		"orphan token": orphanTok.Value,
		"stale token":  staleTok.Value,
	} {
		if _, err := store.GetOpaqueToken(ctx, value); !errors.Is(err, ErrNotFound) {
			t.Errorf("%s survived sweep: %v", name, err)
		}
	}
	if _, err := store.GetSession(ctx, "dead"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expired session survived sweep: %v", err)
	}
	if _, err := store.GetSession(ctx, "live"); err != nil {
		t.Errorf("live session swept: %v", err)
	}
	if _, err := store.ConsumeAuthCode(ctx, "stale-code"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expired code survived sweep: %v", err)
	}
}
