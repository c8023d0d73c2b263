// Package skills wraps the gateway's skills.* methods with a short-lived
// catalog cache.
package skills

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/gateway-bridge/internal/gateway"
	"github.com/p-blackswan/gateway-bridge/lru"
)

// Session is the slice of the gateway session the client needs.
type Session interface {
	Request(ctx context.Context, method string, params any) (json.RawMessage, error)
}

// Skill describes one remote skill.
type Skill struct {
	Name        string `json:"name"`
	Version     string `json:"version,omitempty"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`
}

type statusPayload struct {
	Skills []Skill `json:"skills"`
}

type skillParams struct {
	Name string `json:"name"`
}

const statusCacheKey = "skills.status"

// Config holds client configuration.
type Config struct {
	// CacheTTL bounds how long a skills.status result is served from cache.
	CacheTTL time.Duration
}

// Client is a thin request wrapper over the gateway session.
type Client struct {
	session Session
	cfg     Config
	logger  zerolog.Logger
	cache   *lru.Cache[string, []Skill]
}

// NewClient creates a skills client.
func NewClient(session Session, cfg Config, logger zerolog.Logger) *Client {
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = 30 * time.Second
	}
	return &Client{
		session: session,
		cfg:     cfg,
		logger:  logger.With().Str("component", "skills").Logger(),
		cache:   lru.New[string, []Skill](4),
	}
}

// Status returns the skill catalog, served from cache within the TTL.
func (c *Client) Status(ctx context.Context) ([]Skill, error) {
	if cached, ok := c.cache.Get(statusCacheKey); ok {
		return cached, nil
	}

	payload, err := c.session.Request(ctx, gateway.MethodSkillsStatus, nil)
	if err != nil {
		return nil, err
	}

	var status statusPayload
	if err := json.Unmarshal(payload, &status); err != nil {
		return nil, fmt.Errorf("parsing skills.status payload: %w", err)
	}

	c.cache.PutWithTTL(statusCacheKey, status.Skills, c.cfg.CacheTTL)
	return status.Skills, nil
}

// Install installs a skill and invalidates the catalog cache.
func (c *Client) Install(ctx context.Context, name string) error {
	if _, err := c.session.Request(ctx, gateway.MethodSkillsInstall, skillParams{Name: name}); err != nil {
		return err
	}
	c.cache.Delete(statusCacheKey)
	c.logger.Info().Str("skill", name).Msg("skill installed")
	return nil
}

// Uninstall removes a skill and invalidates the catalog cache.
func (c *Client) Uninstall(ctx context.Context, name string) error {
	if _, err := c.session.Request(ctx, gateway.MethodSkillsUninstall, skillParams{Name: name}); err != nil {
		return err
	}
	c.cache.Delete(statusCacheKey)
	c.logger.Info().Str("skill", name).Msg("skill uninstalled")
	return nil
}

// Toggle installs or uninstalls a skill by flag.
func (c *Client) Toggle(ctx context.Context, name string, enabled bool) error {
	if enabled {
		return c.Install(ctx, name)
	}
	return c.Uninstall(ctx, name)
}
