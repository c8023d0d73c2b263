package gateway

import "encoding/json"

// Frame types on the wire.
const (
	frameReq   = "req"
	frameRes   = "res"
	frameEvent = "event"
)

// Well-known methods.
const (
	MethodConnect         = "connect"
	MethodChatSend        = "chat.send"
	MethodChatAbort       = "chat.abort"
	MethodSkillsStatus    = "skills.status"
	MethodSkillsInstall   = "skills.install"
	MethodSkillsUninstall = "skills.uninstall"
)

// Well-known events.
const (
	EventChallenge = "connect.challenge"
	EventAgent     = "agent"
	EventChat      = "chat"
	EventPing      = "ping"
	EventPong      = "pong"
)

// Frame is a raw protocol frame.
type Frame struct {
	Type    string          `json:"type"`              // "req", "res", "event"
	ID      string          `json:"id,omitempty"`      // request/response ID
	Method  string          `json:"method,omitempty"`  // request method
	Params  json.RawMessage `json:"params,omitempty"`  // request params
	OK      *bool           `json:"ok,omitempty"`      // response ok
	Payload json.RawMessage `json:"payload,omitempty"` // response/event payload
	Event   string          `json:"event,omitempty"`   // event name
	Error   *FrameError     `json:"error,omitempty"`   // response error
}

// FrameError is the error body of a failed response frame.
type FrameError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// challengePayload is the connect.challenge event payload.
type challengePayload struct {
	Nonce string `json:"nonce"`
	TS    int64  `json:"ts"`
}

// connectParams is sent as the "connect" request.
type connectParams struct {
	MinProtocol int            `json:"minProtocol"`
	MaxProtocol int            `json:"maxProtocol"`
	Client      connectClient  `json:"client"`
	Auth        *connectAuth   `json:"auth,omitempty"`
	Device      *connectDevice `json:"device,omitempty"`
	Role        string         `json:"role"`
	Scopes      []string       `json:"scopes"`
	Caps        []string       `json:"caps"`
}

type connectClient struct {
	ID       string `json:"id"`
	Version  string `json:"version"`
	Platform string `json:"platform"`
	Mode     string `json:"mode"`
}

type connectAuth struct {
	Token string `json:"token,omitempty"`
}

// connectDevice is the signed device block used when no token is configured.
type connectDevice struct {
	ID        string `json:"id"`
	PublicKey string `json:"publicKey"` // base64 std, raw 32 bytes
	Signature string `json:"signature"` // base64 std, over the canonical payload
	SignedAt  int64  `json:"signedAt"`  // unix ms
	Nonce     string `json:"nonce,omitempty"`
}

// AgentEvent is the payload of "agent" events: one streamed fragment of
// assistant or tool output for a session.
type AgentEvent struct {
	Stream     string          `json:"stream"` // "assistant" or "tool"
	SessionKey string          `json:"sessionKey"`
	Data       json.RawMessage `json:"data"`
}

// AgentData is the data body of an assistant-stream agent event.
type AgentData struct {
	Text  string `json:"text"`
	Delta string `json:"delta"`
}

// ChatEvent is the payload of "chat" events: lifecycle state changes of a
// chat run.
type ChatEvent struct {
	SessionKey   string       `json:"sessionKey"`
	State        string       `json:"state"` // "delta", "final", "error", "aborted"
	Message      *ChatMessage `json:"message,omitempty"`
	ErrorMessage string       `json:"errorMessage,omitempty"`
	RunID        string       `json:"runId,omitempty"`
}

// ChatMessage is a structured chat message body.
type ChatMessage struct {
	Role    string        `json:"role"`
	Content []ChatContent `json:"content"`
}

// ChatContent is one part of a message content array.
type ChatContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Text joins the text-typed parts of the message content.
func (m *ChatMessage) Text() string {
	if m == nil {
		return ""
	}
	var out string
	for _, c := range m.Content {
		if c.Type == "text" {
			out += c.Text
		}
	}
	return out
}

// Chat run states carried by ChatEvent.
const (
	ChatStateDelta   = "delta"
	ChatStateFinal   = "final"
	ChatStateError   = "error"
	ChatStateAborted = "aborted"
)

// SessionKeyPrefix is prepended by the gateway to session keys on some
// event paths; matching strips it before comparing.
const SessionKeyPrefix = "agent:main:"

// MatchSessionKey reports whether an event key addresses the given local
// key, either exactly or after stripping the gateway prefix.
func MatchSessionKey(eventKey, localKey string) bool {
	if eventKey == localKey {
		return true
	}
	if len(eventKey) > len(SessionKeyPrefix) && eventKey[:len(SessionKeyPrefix)] == SessionKeyPrefix {
		return eventKey[len(SessionKeyPrefix):] == localKey
	}
	return false
}
