package server

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Hardcoded lifetime defaults.
const (
	DefaultAccessTTL  = 1 * time.Hour
	DefaultRefreshTTL = 30 * 24 * time.Hour
	DefaultCodeTTL    = 10 * time.Minute
	DefaultSessionTTL = 24 * time.Hour
	DefaultGCInterval = 5 * time.Minute
)

// Config captures the full application configuration loaded from YAML and
// environment variables.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Tokens   TokenConfig    `yaml:"tokens"`
	GC       GCConfig       `yaml:"gc"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	PublicURL       string    `yaml:"public_url"`
	DevListenAddr   string    `yaml:"dev_listen_addr"`
	HTTPListenAddr  string    `yaml:"http_listen_addr"`
	HTTPSListenAddr string    `yaml:"https_listen_addr"`
	DevMode         bool      `yaml:"dev_mode"`
	DataPath        string    `yaml:"data_path"`
	ResourcePath    string    `yaml:"resource_path"`
	TLS             TLSConfig `yaml:"tls"`
}

// TLSConfig defines autocert behaviour.
type TLSConfig struct {
	Domains []string `yaml:"domains"`
	Email   string   `yaml:"email"`
}

// UpstreamConfig describes the home-automation backend and the bridge's own
// credential for it. Either a static long-lived token or an OAuth refresh
// token configuration must be provided.
type UpstreamConfig struct {
	BaseURL string             `yaml:"base_url"`
	Token   string             `yaml:"token"`
	UserID  string             `yaml:"user_id"`
	OAuth   UpstreamOAuthConfig `yaml:"oauth"`
}

// UpstreamOAuthConfig configures refresh of the upstream credential against
// the backend's own token endpoint.
type UpstreamOAuthConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	TokenURL     string `yaml:"token_url"`
	RefreshToken string `yaml:"refresh_token"`
}

// TokenConfig holds issuance lifetimes.
type TokenConfig struct {
	AccessTTL  time.Duration `yaml:"access_ttl"`
	RefreshTTL time.Duration `yaml:"refresh_ttl"`
	CodeTTL    time.Duration `yaml:"code_ttl"`
	SessionTTL time.Duration `yaml:"session_ttl"`
}

// GCConfig controls the expiry sweep.
type GCConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}

		decoder := yaml.NewDecoder(bytes.NewReader(b))
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w (check for typos or deprecated fields)", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:       "http://127.0.0.1:8095",
			DevListenAddr:   "127.0.0.1:8095",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			DataPath:        ".data",
			ResourcePath:    "/mcp",
		},
		Upstream: UpstreamConfig{
			BaseURL: "http://homeassistant.local:8123",
		},
		Tokens: TokenConfig{
			AccessTTL:  DefaultAccessTTL,
			RefreshTTL: DefaultRefreshTTL,
			CodeTTL:    DefaultCodeTTL,
			SessionTTL: DefaultSessionTTL,
		},
		GC: GCConfig{Interval: DefaultGCInterval},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"HAMCPD_SERVER_PUBLIC_URL":        func(v string) { cfg.Server.PublicURL = v },
		"HAMCPD_SERVER_DEV_LISTEN_ADDR":   func(v string) { cfg.Server.DevListenAddr = v },
		"HAMCPD_SERVER_HTTP_LISTEN_ADDR":  func(v string) { cfg.Server.HTTPListenAddr = v },
		"HAMCPD_SERVER_HTTPS_LISTEN_ADDR": func(v string) { cfg.Server.HTTPSListenAddr = v },
		"HAMCPD_SERVER_DEV_MODE":          func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"HAMCPD_SERVER_DATA_PATH":         func(v string) { cfg.Server.DataPath = v },
		"HAMCPD_SERVER_TLS_DOMAINS":       func(v string) { cfg.Server.TLS.Domains = splitAndTrim(v) },
		"HAMCPD_SERVER_TLS_EMAIL":         func(v string) { cfg.Server.TLS.Email = v },
		"HAMCPD_UPSTREAM_BASE_URL":        func(v string) { cfg.Upstream.BaseURL = v },
		"HAMCPD_UPSTREAM_TOKEN":           func(v string) { cfg.Upstream.Token = v },
		"HAMCPD_UPSTREAM_USER_ID":         func(v string) { cfg.Upstream.UserID = v },
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate performs sanity checks on the config.
func (c Config) Validate() error {
	if c.Server.PublicURL == "" {
		return errors.New("server.public_url is required")
	}
	if !strings.HasPrefix(c.Server.PublicURL, "http://") && !strings.HasPrefix(c.Server.PublicURL, "https://") {
		return fmt.Errorf("server.public_url must start with http:// or https://, got: %s", c.Server.PublicURL)
	}
	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		return errors.New("server.tls.domains must be provided in production")
	}
	if c.Server.ResourcePath == "" || !strings.HasPrefix(c.Server.ResourcePath, "/") {
		return fmt.Errorf("server.resource_path must start with /, got: %s", c.Server.ResourcePath)
	}
	if c.Upstream.BaseURL == "" {
		return errors.New("upstream.base_url is required")
	}
	if !strings.HasPrefix(c.Upstream.BaseURL, "http://") && !strings.HasPrefix(c.Upstream.BaseURL, "https://") {
		return fmt.Errorf("upstream.base_url must start with http:// or https://, got: %s", c.Upstream.BaseURL)
	}
	if c.Upstream.OAuth.RefreshToken != "" {
		if c.Upstream.OAuth.TokenURL == "" {
			return errors.New("upstream.oauth.token_url is required when a refresh token is configured")
		}
		if c.Upstream.OAuth.ClientID == "" {
			return errors.New("upstream.oauth.client_id is required when a refresh token is configured")
		}
	}
	for _, d := range []struct {
		name string
		val  time.Duration
	}{
		{"tokens.access_ttl", c.Tokens.AccessTTL},
		{"tokens.refresh_ttl", c.Tokens.RefreshTTL},
		{"tokens.code_ttl", c.Tokens.CodeTTL},
		{"tokens.session_ttl", c.Tokens.SessionTTL},
		{"gc.interval", c.GC.Interval},
	} {
		if d.val <= 0 {
			return fmt.Errorf("%s must be positive", d.name)
		}
	}
	return nil
}

// Issuer returns the canonical issuer URL with no trailing slash.
func (c Config) Issuer() string {
	return strings.TrimSuffix(c.Server.PublicURL, "/")
}

// ResourceURI returns the canonical URI of the single protected resource this
// server fronts. Every session is audience-bound to exactly this value.
func (c Config) ResourceURI() string {
	return c.Issuer() + c.Server.ResourcePath
}
