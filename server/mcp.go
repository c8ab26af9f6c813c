package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
)

// newMCPHandler builds the protected MCP surface: a streamable-HTTP MCP
// server exposing a small set of home-automation tools. Every request
// reaching it has already passed the resource auth middleware, so tool
// handlers can rely on a credential being present in the context.
func newMCPHandler(a *App) http.Handler {
	s := mcpserver.NewMCPServer(
		"hamcpd",
		Version,
		mcpserver.WithToolCapabilities(false),
		mcpserver.WithResourceCapabilities(false, false),
		mcpserver.WithPromptCapabilities(false),
	)

	getState := mcp.NewTool("get_entity_state",
		mcp.WithDescription("Get the current state of a home-automation entity"),
		mcp.WithString("entity_id",
			mcp.Required(),
			mcp.Description("Entity id, e.g. light.kitchen"),
		),
	)
	s.AddTool(getState, a.handleGetEntityState)

	callService := mcp.NewTool("call_service",
		mcp.WithDescription("Call a home-automation service on an entity"),
		mcp.WithString("domain",
			mcp.Required(),
			mcp.Description("Service domain, e.g. light"),
		),
		mcp.WithString("service",
			mcp.Required(),
			mcp.Description("Service name, e.g. turn_on"),
		),
		mcp.WithString("entity_id",
			mcp.Description("Target entity id"),
		),
	)
	s.AddTool(callService, a.handleCallService)

	getConfig := mcp.NewTool("get_config",
		mcp.WithDescription("Get the home-automation backend configuration summary"),
	)
	s.AddTool(getConfig, a.handleGetConfig)

	// The middleware stores the credential on the HTTP request context; copy
	// it onto the tool handler context.
	return mcpserver.NewStreamableHTTPServer(s,
		mcpserver.WithHTTPContextFunc(func(ctx context.Context, r *http.Request) context.Context {
			if cred, ok := CredentialFromContext(r.Context()); ok {
				ctx = context.WithValue(ctx, credentialKey{}, cred)
			}
			return ctx
		}),
	)
}

func (a *App) handleGetEntityState(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	cred, ok := CredentialFromContext(ctx)
	if !ok {
		return mcp.NewToolResultError("no upstream credential on request"), nil
	}

	entityID, err := request.RequireString("entity_id")
	if err != nil {
		return mcp.NewToolResultError("entity_id argument is required"), nil
	}

	body, err := a.Upstream.Get(ctx, cred, "/api/states/"+entityID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("fetch state: %v", err)), nil
	}
	return mcp.NewToolResultText(string(body)), nil
}

func (a *App) handleCallService(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	cred, ok := CredentialFromContext(ctx)
	if !ok {
		return mcp.NewToolResultError("no upstream credential on request"), nil
	}

	domain, err := request.RequireString("domain")
	if err != nil {
		return mcp.NewToolResultError("domain argument is required"), nil
	}
	service, err := request.RequireString("service")
	if err != nil {
		return mcp.NewToolResultError("service argument is required"), nil
	}

	var payload map[string]string
	if entityID := request.GetString("entity_id", ""); entityID != "" {
		payload = map[string]string{"entity_id": entityID}
	}

	body, err := a.Upstream.Post(ctx, cred, "/api/services/"+domain+"/"+service, payload)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("call service: %v", err)), nil
	}
	return mcp.NewToolResultText(string(body)), nil
}

func (a *App) handleGetConfig(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	cred, ok := CredentialFromContext(ctx)
	if !ok {
		return mcp.NewToolResultError("no upstream credential on request"), nil
	}

	body, err := a.Upstream.Get(ctx, cred, "/api/config")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("fetch config: %v", err)), nil
	}
	return mcp.NewToolResultText(string(body)), nil
}
