package server

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if !cfg.Server.DevMode {
		t.Error("default dev_mode = false, want true")
	}
	if cfg.Tokens.AccessTTL != DefaultAccessTTL {
		t.Errorf("access_ttl = %v, want %v", cfg.Tokens.AccessTTL, DefaultAccessTTL)
	}
	if cfg.Tokens.RefreshTTL != DefaultRefreshTTL {
		t.Errorf("refresh_ttl = %v, want %v", cfg.Tokens.RefreshTTL, DefaultRefreshTTL)
	}
	if cfg.Server.ResourcePath != "/mcp" {
		t.Errorf("resource_path = %q, want /mcp", cfg.Server.ResourcePath)
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
server:
  public_url: https://bridge.example
  dev_mode: true
  data_path: /tmp/bridge
upstream:
  base_url: http://ha.local:8123
  token: long-lived-token
tokens:
  access_ttl: 30m
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Server.PublicURL != "https://bridge.example" {
		t.Errorf("public_url = %q", cfg.Server.PublicURL)
	}
	if cfg.Upstream.Token != "long-lived-token" {
		t.Errorf("upstream token = %q", cfg.Upstream.Token)
	}
	if cfg.Tokens.AccessTTL != 30*time.Minute {
		t.Errorf("access_ttl = %v, want 30m", cfg.Tokens.AccessTTL)
	}
	// Unset fields keep defaults.
	if cfg.Tokens.CodeTTL != DefaultCodeTTL {
		t.Errorf("code_ttl = %v, want default %v", cfg.Tokens.CodeTTL, DefaultCodeTTL)
	}
}

func TestLoadConfigRejectsUnknownFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
server:
  public_url: https://bridge.example
  listen_adddr: ":9999"
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("HAMCPD_SERVER_PUBLIC_URL", "https://env.example")
	t.Setenv("HAMCPD_UPSTREAM_TOKEN", "env-token")
	t.Setenv("HAMCPD_SERVER_TLS_DOMAINS", "a.example, b.example")

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Server.PublicURL != "https://env.example" {
		t.Errorf("public_url = %q, want env value", cfg.Server.PublicURL)
	}
	if cfg.Upstream.Token != "env-token" {
		t.Errorf("upstream token = %q, want env value", cfg.Upstream.Token)
	}
	if len(cfg.Server.TLS.Domains) != 2 || cfg.Server.TLS.Domains[1] != "b.example" {
		t.Errorf("tls domains = %v", cfg.Server.TLS.Domains)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid defaults",
			mutate: func(c *Config) {},
		},
		{
			name:    "missing public url",
			mutate:  func(c *Config) { c.Server.PublicURL = "" },
			wantErr: "public_url",
		},
		{
			name:    "bad public url scheme",
			mutate:  func(c *Config) { c.Server.PublicURL = "ftp://x" },
			wantErr: "public_url",
		},
		{
			name:    "prod without tls domains",
			mutate:  func(c *Config) { c.Server.DevMode = false },
			wantErr: "tls.domains",
		},
		{
			name:    "bad resource path",
			mutate:  func(c *Config) { c.Server.ResourcePath = "mcp" },
			wantErr: "resource_path",
		},
		{
			name:    "missing upstream base url",
			mutate:  func(c *Config) { c.Upstream.BaseURL = "" },
			wantErr: "base_url",
		},
		{
			name:    "refresh token without token url",
			mutate:  func(c *Config) { c.Upstream.OAuth.RefreshToken = "rt" },
			wantErr: "token_url",
		},
		{
			name:    "zero ttl",
			mutate:  func(c *Config) { c.Tokens.AccessTTL = 0 },
			wantErr: "access_ttl",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestResourceURI(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.PublicURL = "https://bridge.example/"
	cfg.Server.ResourcePath = "/mcp"

	if got := cfg.Issuer(); got != "https://bridge.example" {
		t.Errorf("Issuer() = %q, want trailing slash stripped", got)
	}
	if got := cfg.ResourceURI(); got != "https://bridge.example/mcp" {
		t.Errorf("ResourceURI() = %q", got)
	}
}
