package server

// AuthorizationServerMetadata is the RFC 8414 discovery document served at
// /.well-known/oauth-authorization-server.
type AuthorizationServerMetadata struct {
	Issuer                        string   `json:"issuer"`
	AuthorizationEndpoint         string   `json:"authorization_endpoint"`
	TokenEndpoint                 string   `json:"token_endpoint"`
	RegistrationEndpoint          string   `json:"registration_endpoint"`
	RevocationEndpoint            string   `json:"revocation_endpoint"`
	ResponseTypesSupported        []string `json:"response_types_supported"`
	GrantTypesSupported           []string `json:"grant_types_supported"`
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported"`
	TokenEndpointAuthMethods      []string `json:"token_endpoint_auth_methods_supported"`
}

// ProtectedResourceMetadata is the RFC 9728 document served at
// /.well-known/oauth-protected-resource and its resource-path variant.
type ProtectedResourceMetadata struct {
	Resource             string   `json:"resource"`
	AuthorizationServers []string `json:"authorization_servers"`
	BearerMethods        []string `json:"bearer_methods_supported,omitempty"`
}

// BuildAuthServerMetadata constructs the authorization server metadata.
func BuildAuthServerMetadata(cfg Config) AuthorizationServerMetadata {
	issuer := cfg.Issuer()
	return AuthorizationServerMetadata{
		Issuer:                        issuer,
		AuthorizationEndpoint:         issuer + "/authorize",
		TokenEndpoint:                 issuer + "/token",
		RegistrationEndpoint:          issuer + "/register",
		RevocationEndpoint:            issuer + "/revoke",
		ResponseTypesSupported:        []string{"code"},
		GrantTypesSupported:           []string{"authorization_code", "refresh_token"},
		CodeChallengeMethodsSupported: []string{"S256"},
		TokenEndpointAuthMethods:      []string{"client_secret_basic", "client_secret_post"},
	}
}

// BuildProtectedResourceMetadata constructs the protected resource metadata.
func BuildProtectedResourceMetadata(cfg Config) ProtectedResourceMetadata {
	return ProtectedResourceMetadata{
		Resource:             cfg.ResourceURI(),
		AuthorizationServers: []string{cfg.Issuer()},
		BearerMethods:        []string{"header"},
	}
}

// ProtectedResourceMetadataURL is the absolute URL advertised in the
// WWW-Authenticate challenge on 401 responses.
func ProtectedResourceMetadataURL(cfg Config) string {
	return cfg.Issuer() + "/.well-known/oauth-protected-resource" + cfg.Server.ResourcePath
}
