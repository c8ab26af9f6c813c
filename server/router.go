package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes constructs the HTTP router: discovery, OAuth endpoints, and the
// protected MCP surface behind the resource auth middleware.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger))
	if !a.Config.Server.DevMode {
		r.Use(SecurityHeadersMiddleware())
	}

	r.Get("/.well-known/oauth-authorization-server", a.handleAuthServerMetadata)
	r.Get("/.well-known/oauth-protected-resource", a.handleProtectedResourceMetadata)
	r.Get("/.well-known/oauth-protected-resource"+a.Config.Server.ResourcePath, a.handleProtectedResourceMetadata)

	r.Post("/register", a.handleRegister)
	r.Get("/authorize", a.handleAuthorize)
	r.Post("/token", a.handleToken)
	r.Post("/revoke", a.handleRevoke)

	protected := a.RequireAuth(a.mcp)
	r.Handle(a.Config.Server.ResourcePath, protected)
	r.Handle(a.Config.Server.ResourcePath+"/*", protected)

	return r
}
