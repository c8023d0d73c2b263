// Package mgmt provides the management/status API for the gateway bridge.
package mgmt

// ProblemDetail is an RFC 7807 error response body.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

// StatusResponse is the body of GET /api/v1/status.
type StatusResponse struct {
	GatewayConnected bool   `json:"gateway_connected"`
	RelayConnected   *bool  `json:"relay_connected,omitempty"`
	GatewayState     string `json:"gateway_state"`
	DeviceID         string `json:"device_id,omitempty"`
	AuthMode         string `json:"auth_mode"` // "token" or "device"
	Environment      string `json:"environment"`
}

// IdentityResponse is the body of GET /api/v1/identity.
type IdentityResponse struct {
	DeviceID  string `json:"device_id"`
	PublicKey string `json:"public_key"`
	CreatedAt int64  `json:"created_at"` // unix ms
}

// SkillActionResponse acknowledges a skill install/uninstall.
type SkillActionResponse struct {
	Skill  string `json:"skill"`
	Action string `json:"action"`
	Status string `json:"status"`
}
