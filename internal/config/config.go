package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// General
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// Gateway connection
	GatewayURL      string        `envconfig:"GATEWAY_URL" default:"ws://localhost:18789/ws/gateway"`
	GatewayToken    string        `envconfig:"GATEWAY_TOKEN"` // bearer token; device auth is used when empty
	ClientID        string        `envconfig:"CLIENT_ID" default:"gateway-bridge"`
	ClientMode      string        `envconfig:"CLIENT_MODE" default:"backend"`
	Role            string        `envconfig:"GATEWAY_ROLE" default:"operator"`
	Scopes          string        `envconfig:"GATEWAY_SCOPES" default:"operator.admin"` // comma-separated
	RequestTimeout  time.Duration `envconfig:"REQUEST_TIMEOUT" default:"120s"`
	HandshakeTimeout time.Duration `envconfig:"HANDSHAKE_TIMEOUT" default:"15s"`
	PingInterval    time.Duration `envconfig:"PING_INTERVAL" default:"20s"`
	ReconnectMin    time.Duration `envconfig:"RECONNECT_MIN" default:"1s"`
	ReconnectMax    time.Duration `envconfig:"RECONNECT_MAX" default:"30s"`

	// Chat
	ChatTimeout time.Duration `envconfig:"CHAT_TIMEOUT" default:"10m"`

	// Relay (optional; bridge runs gateway-only when unset)
	RelayURL   string `envconfig:"RELAY_URL"`
	RelayToken string `envconfig:"RELAY_TOKEN"`

	// Device identity persistence
	SettingsPath string `envconfig:"SETTINGS_PATH" default:"bridge-settings.yaml"`

	// Skills
	SkillsCacheTTL time.Duration `envconfig:"SKILLS_CACHE_TTL" default:"30s"`

	// Management API
	MgmtListenAddr  string `envconfig:"MGMT_LISTEN_ADDR" default:":8090"`
	MgmtAuthMode    string `envconfig:"MGMT_AUTH_MODE" default:"api-key"` // "api-key", "jwt", "none"
	MgmtAPIKey      string `envconfig:"MGMT_API_KEY"`
	MgmtJWTSecret   string `envconfig:"MGMT_JWT_SECRET"`
	MgmtCORSOrigins string `envconfig:"MGMT_CORS_ORIGINS"`
	MgmtTLSCert     string `envconfig:"MGMT_TLS_CERT"`
	MgmtTLSKey      string `envconfig:"MGMT_TLS_KEY"`
}

// ScopeList returns the parsed gateway scopes.
func (c *Config) ScopeList() []string {
	parts := strings.Split(c.Scopes, ",")
	scopes := make([]string, 0, len(parts))
	for _, s := range parts {
		s = strings.TrimSpace(s)
		if s != "" {
			scopes = append(scopes, s)
		}
	}
	return scopes
}

// TokenAuth returns true when bearer token auth is configured; device
// identity auth is used otherwise.
func (c *Config) TokenAuth() bool {
	return c.GatewayToken != ""
}

// RelayEnabled returns true when a cloud relay endpoint is configured.
func (c *Config) RelayEnabled() bool {
	return c.RelayURL != ""
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return &cfg, nil
}

// LoadWithPrefix reads configuration with a prefix.
func LoadWithPrefix(prefix string) (*Config, error) {
	var cfg Config
	if err := envconfig.Process(prefix, &cfg); err != nil {
		return nil, fmt.Errorf("loading config with prefix %s: %w", prefix, err)
	}
	return &cfg, nil
}
