package mgmt

import (
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/gateway-bridge/internal/gateway"
	"github.com/p-blackswan/gateway-bridge/internal/health"
	"github.com/p-blackswan/gateway-bridge/internal/identity"
	"github.com/p-blackswan/gateway-bridge/internal/skills"
)

// GatewayStatus is the session surface the handlers read.
type GatewayStatus interface {
	State() gateway.State
	Connected() bool
}

// RelayStatus reports cloud relay connectivity.
type RelayStatus interface {
	ServerConnected() bool
}

// Handlers implements the management API endpoints.
type Handlers struct {
	gw       GatewayStatus
	relay    RelayStatus // nil when the relay is not configured
	ident    *identity.Identity
	skills   *skills.Client
	checker  *health.Checker
	env      string
	authMode string
	logger   zerolog.Logger
}

// NewHandlers creates the endpoint handlers. relay and ident may be nil.
func NewHandlers(
	gw GatewayStatus,
	relay RelayStatus,
	ident *identity.Identity,
	skillsClient *skills.Client,
	checker *health.Checker,
	env string,
	tokenAuth bool,
	logger zerolog.Logger,
) *Handlers {
	authMode := "device"
	if tokenAuth {
		authMode = "token"
	}
	return &Handlers{
		gw:       gw,
		relay:    relay,
		ident:    ident,
		skills:   skillsClient,
		checker:  checker,
		env:      env,
		authMode: authMode,
		logger:   logger.With().Str("component", "mgmt_handlers").Logger(),
	}
}

// Liveness handles GET /healthz.
func (h *Handlers) Liveness(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

// Readiness handles GET /readyz.
func (h *Handlers) Readiness(c *fiber.Ctx) error {
	results := h.checker.RunAll(c.Context())

	allOK := true
	for _, s := range results {
		if s == health.StatusDown {
			allOK = false
			break
		}
	}

	status := "ready"
	code := fiber.StatusOK
	if !allOK {
		status = "not_ready"
		code = fiber.StatusServiceUnavailable
	}
	return c.Status(code).JSON(fiber.Map{"status": status, "checks": results})
}

// Status handles GET /api/v1/status.
func (h *Handlers) Status(c *fiber.Ctx) error {
	resp := StatusResponse{
		GatewayConnected: h.gw.Connected(),
		GatewayState:     h.gw.State().String(),
		AuthMode:         h.authMode,
		Environment:      h.env,
	}
	if h.ident != nil {
		resp.DeviceID = h.ident.DeviceID
	}
	if h.relay != nil {
		connected := h.relay.ServerConnected()
		resp.RelayConnected = &connected
	}
	return c.JSON(resp)
}

// Identity handles GET /api/v1/identity.
func (h *Handlers) Identity(c *fiber.Ctx) error {
	if h.ident == nil {
		return problemResponse(c, fiber.StatusNotFound,
			"no_identity", "Not Found",
			"token auth is configured, no device identity in use")
	}
	return c.JSON(IdentityResponse{
		DeviceID:  h.ident.DeviceID,
		PublicKey: h.ident.PublicKeyBase64(),
		CreatedAt: h.ident.CreatedAt.UnixMilli(),
	})
}

// ListSkills handles GET /api/v1/skills.
func (h *Handlers) ListSkills(c *fiber.Ctx) error {
	catalog, err := h.skills.Status(c.Context())
	if err != nil {
		h.logger.Warn().Err(err).Msg("skills.status failed")
		return problemResponse(c, fiber.StatusBadGateway,
			"gateway_error", "Bad Gateway", err.Error())
	}
	return c.JSON(fiber.Map{"skills": catalog})
}

// InstallSkill handles POST /api/v1/skills/:name/install.
func (h *Handlers) InstallSkill(c *fiber.Ctx) error {
	name := c.Params("name")
	if name == "" {
		return problemResponse(c, fiber.StatusBadRequest,
			"missing_skill", "Bad Request", "skill name is required")
	}
	if err := h.skills.Install(c.Context(), name); err != nil {
		return problemResponse(c, fiber.StatusBadGateway,
			"gateway_error", "Bad Gateway", err.Error())
	}
	return c.JSON(SkillActionResponse{Skill: name, Action: "install", Status: "ok"})
}

// UninstallSkill handles POST /api/v1/skills/:name/uninstall.
func (h *Handlers) UninstallSkill(c *fiber.Ctx) error {
	name := c.Params("name")
	if name == "" {
		return problemResponse(c, fiber.StatusBadRequest,
			"missing_skill", "Bad Request", "skill name is required")
	}
	if err := h.skills.Uninstall(c.Context(), name); err != nil {
		return problemResponse(c, fiber.StatusBadGateway,
			"gateway_error", "Bad Gateway", err.Error())
	}
	return c.JSON(SkillActionResponse{Skill: name, Action: "uninstall", Status: "ok"})
}
