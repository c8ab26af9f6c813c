package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Version is reported to MCP clients during initialization.
const Version = "0.1.0"

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config   Config
	Logger   *slog.Logger
	Store    *Store
	Sessions *SessionManager
	Tokens   *TokenService
	Clients  *ClientRegistry
	Upstream *UpstreamClient

	mcp http.Handler
}

// NewApp wires together the application state from configuration. It fails
// when no upstream credential is configured: a bridge with nothing to wrap
// must not come up at all.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger) (*App, error) {
	store, err := OpenStore(cfg.Server.DataPath)
	if err != nil {
		return nil, err
	}

	source, err := NewCredentialSource(cfg)
	if err != nil {
		store.Close()
		return nil, err
	}

	sessions := NewSessionManager(cfg, store, source, logger)
	tokens := NewTokenService(cfg, store, sessions, logger)

	app := &App{
		Config:   cfg,
		Logger:   logger,
		Store:    store,
		Sessions: sessions,
		Tokens:   tokens,
		Clients:  NewClientRegistry(store),
		Upstream: NewUpstreamClient(cfg),
	}
	app.mcp = newMCPHandler(app)
	return app, nil
}

// Close releases the app's persistent resources.
func (a *App) Close() error {
	return a.Store.Close()
}

func (a *App) handleAuthServerMetadata(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, BuildAuthServerMetadata(a.Config))
}

func (a *App) handleProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, BuildProtectedResourceMetadata(a.Config))
}

type registrationRequest struct {
	ClientName   string   `json:"client_name"`
	RedirectURIs []string `json:"redirect_uris"`
}

type registrationResponse struct {
	ClientID         string   `json:"client_id"`
	ClientSecret     string   `json:"client_secret"`
	RedirectURIs     []string `json:"redirect_uris"`
	ClientIDIssuedAt int64    `json:"client_id_issued_at"`
}

func (a *App) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		oauthError(w, http.StatusBadRequest, "invalid_request", "malformed registration body")
		return
	}

	client, secret, err := a.Clients.Register(r.Context(), req.ClientName, req.RedirectURIs)
	if err != nil {
		a.Logger.Warn("client registration rejected", "error", err)
		oauthError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	a.Logger.Info("client registered", "client_id", client.ClientID, "client_name", client.ClientName)
	writeJSON(w, http.StatusOK, registrationResponse{
		ClientID:         client.ClientID,
		ClientSecret:     secret,
		RedirectURIs:     client.RedirectURIs,
		ClientIDIssuedAt: client.IssuedAt.Unix(),
	})
}

func (a *App) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	client, err := a.Clients.Lookup(r.Context(), q.Get("client_id"))
	if err != nil {
		oauthError(w, http.StatusBadRequest, "invalid_client", "unknown client")
		return
	}

	redirectURI := q.Get("redirect_uri")
	if redirectURI == "" || !client.ValidRedirect(redirectURI) {
		// Never redirect to an unregistered URI; the error stays on this
		// response.
		oauthError(w, http.StatusBadRequest, "invalid_redirect_uri", "redirect_uri is not registered for this client")
		return
	}

	if q.Get("response_type") != "code" {
		oauthError(w, http.StatusBadRequest, "unsupported_response_type", "only response_type=code is supported")
		return
	}

	resource := q.Get("resource")
	if resource == "" {
		oauthError(w, http.StatusBadRequest, "invalid_request", "resource parameter is required")
		return
	}
	if resource != a.Config.ResourceURI() {
		oauthError(w, http.StatusBadRequest, "invalid_target", "unknown resource")
		return
	}

	codeChallenge := q.Get("code_challenge")
	if codeChallenge != "" && q.Get("code_challenge_method") != "S256" {
		oauthError(w, http.StatusBadRequest, "invalid_request", "only code_challenge_method=S256 is supported")
		return
	}

	// Parse before creating any state so a rejection leaves nothing behind.
	redirect, err := url.Parse(redirectURI)
	if err != nil {
		oauthError(w, http.StatusBadRequest, "invalid_redirect_uri", "redirect_uri is not parseable")
		return
	}

	// No consent screen: the bridge itself holds the upstream credential and
	// approval is implicit. Without a credential this fails closed.
	session, err := a.Sessions.Create(r.Context(), resource)
	if err != nil {
		a.Logger.Error("session create failed", "error", err)
		if errors.Is(err, ErrNoUpstreamCredential) {
			oauthError(w, http.StatusServiceUnavailable, "temporarily_unavailable", "bridge holds no upstream credential")
			return
		}
		oauthError(w, http.StatusInternalServerError, "server_error", "failed to establish session")
		return
	}

	code := &AuthorizationCode{
		Code:          NewToken(),
		ClientID:      client.ClientID,
		RedirectURI:   redirectURI,
		CodeChallenge: codeChallenge,
		SessionID:     session.ID,
		Resource:      resource,
		ExpiresAt:     time.Now().Add(a.Config.Tokens.CodeTTL),
	}
	if err := a.Store.SaveAuthCode(r.Context(), code); err != nil {
		a.Logger.Error("save auth code", "error", err)
		oauthError(w, http.StatusInternalServerError, "server_error", "failed to issue code")
		return
	}

	values := redirect.Query()
	values.Set("code", code.Code)
	if state := q.Get("state"); state != "" {
		values.Set("state", state)
	}
	redirect.RawQuery = values.Encode()

	http.Redirect(w, r, redirect.String(), http.StatusFound)
}

func (a *App) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		oauthError(w, http.StatusBadRequest, "invalid_request", "invalid form")
		return
	}

	switch r.FormValue("grant_type") {
	case "authorization_code":
		a.handleTokenAuthorizationCode(w, r)
	case "refresh_token":
		a.handleTokenRefresh(w, r)
	default:
		oauthError(w, http.StatusBadRequest, "unsupported_grant_type", "unsupported grant_type")
	}
}

func (a *App) handleTokenAuthorizationCode(w http.ResponseWriter, r *http.Request) {
	// The code is consumed before anything else: even a request that later
	// fails client authentication burns it, so an intercepted code cannot be
	// retried.
	authCode, err := a.Store.ConsumeAuthCode(r.Context(), r.FormValue("code"))
	if err != nil {
		oauthError(w, http.StatusBadRequest, "invalid_grant", "code invalid, expired, or already used")
		return
	}

	client, err := a.authenticateClient(r)
	if err != nil {
		if _, _, ok := r.BasicAuth(); ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="token"`)
		}
		oauthError(w, http.StatusUnauthorized, "invalid_client", "client authentication failed")
		return
	}
	if authCode.ClientID != client.ClientID {
		oauthError(w, http.StatusBadRequest, "invalid_grant", "code was issued to a different client")
		return
	}

	if redirectURI := r.FormValue("redirect_uri"); redirectURI != "" && redirectURI != authCode.RedirectURI {
		oauthError(w, http.StatusBadRequest, "invalid_grant", "redirect_uri mismatch")
		return
	}

	if authCode.CodeChallenge != "" {
		if err := verifyPKCE(authCode.CodeChallenge, r.FormValue("code_verifier")); err != nil {
			oauthError(w, http.StatusBadRequest, "invalid_grant", err.Error())
			return
		}
	}

	if resource := r.FormValue("resource"); resource != "" && resource != authCode.Resource {
		oauthError(w, http.StatusBadRequest, "invalid_target", "resource does not match the authorization request")
		return
	}

	session, err := a.Sessions.Resolve(r.Context(), authCode.SessionID)
	if err != nil {
		oauthError(w, http.StatusBadRequest, "invalid_grant", "session expired")
		return
	}

	tokens, err := a.Tokens.MintPair(r.Context(), session)
	if err != nil {
		a.Logger.Error("mint token pair", "error", err)
		oauthError(w, http.StatusInternalServerError, "server_error", "failed to mint tokens")
		return
	}

	writeJSON(w, http.StatusOK, tokens)
}

func (a *App) handleTokenRefresh(w http.ResponseWriter, r *http.Request) {
	refreshToken := r.FormValue("refresh_token")
	if refreshToken == "" {
		oauthError(w, http.StatusBadRequest, "invalid_request", "missing refresh_token")
		return
	}

	tokens, err := a.Tokens.Refresh(r.Context(), refreshToken)
	if err != nil {
		if errors.Is(err, ErrInvalidGrant) {
			oauthError(w, http.StatusBadRequest, "invalid_grant", "refresh token invalid, expired, or already rotated")
			return
		}
		a.Logger.Error("refresh failed", "error", err)
		oauthError(w, http.StatusInternalServerError, "server_error", "failed to refresh tokens")
		return
	}

	writeJSON(w, http.StatusOK, tokens)
}

// handleRevoke never reports failure to the caller: revoking an unknown or
// already-revoked token is indistinguishable from success.
func (a *App) handleRevoke(w http.ResponseWriter, r *http.Request) {
	token := ""
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var body struct {
			Token string `json:"token"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		token = body.Token
	} else if err := r.ParseForm(); err == nil {
		token = r.FormValue("token")
	}

	if token != "" {
		a.Tokens.Revoke(r.Context(), token)
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (a *App) authenticateClient(r *http.Request) (*Client, error) {
	clientID, clientSecret, ok := r.BasicAuth()
	if !ok {
		clientID = r.FormValue("client_id")
		clientSecret = r.FormValue("client_secret")
	}
	return a.Clients.Authenticate(r.Context(), clientID, clientSecret)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func oauthError(w http.ResponseWriter, status int, code, desc string) {
	writeJSON(w, status, map[string]string{"error": code, "error_description": desc})
}
