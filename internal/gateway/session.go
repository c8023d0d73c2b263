// Package gateway implements the client side of the gateway protocol:
// JSON req/res/event frames over a persistent WebSocket connection,
// with a challenge-response handshake, request correlation, event
// dispatch, keepalive and reconnection.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/gateway-bridge/internal/errors"
	"github.com/p-blackswan/gateway-bridge/internal/identity"
	"github.com/p-blackswan/gateway-bridge/internal/metrics"
	"github.com/p-blackswan/gateway-bridge/internal/retry"
)

// State is the session connection state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateHandshaking
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Config holds gateway session configuration.
type Config struct {
	// Name labels this session in logs and metrics ("gateway", "relay").
	Name string

	// URL is the WebSocket URL, e.g. "ws://localhost:18789/ws/gateway".
	URL string

	// Token is the bearer auth token. When set, token auth is used and the
	// device identity is not sent; the two are mutually exclusive per attempt.
	Token string

	// ClientID identifies this client to the gateway.
	ClientID string

	// ClientMode is the declared operating mode ("backend", "bridge", ...).
	ClientMode string

	// Role and Scopes requested from the gateway.
	Role   string
	Scopes []string

	// DefaultTimeout bounds each request awaiting its response.
	DefaultTimeout time.Duration

	// HandshakeTimeout bounds the challenge wait plus connect response.
	HandshakeTimeout time.Duration

	// ReconnectInterval is the initial reconnect backoff delay.
	ReconnectInterval time.Duration

	// MaxReconnectInterval caps the exponential backoff.
	MaxReconnectInterval time.Duration

	// PingInterval is the keepalive ping cadence while open.
	PingInterval time.Duration
}

// DefaultConfig returns sane defaults.
func DefaultConfig() Config {
	return Config{
		ClientID:             "gateway-bridge",
		ClientMode:           "backend",
		Role:                 "operator",
		Scopes:               []string{"operator.admin"},
		DefaultTimeout:       120 * time.Second,
		HandshakeTimeout:     15 * time.Second,
		ReconnectInterval:    1 * time.Second,
		MaxReconnectInterval: 30 * time.Second,
		PingInterval:         20 * time.Second,
	}
}

type subscription struct {
	id      int
	event   string
	handler func(json.RawMessage)
}

// Session owns one duplex connection to one gateway endpoint.
type Session struct {
	cfg     Config
	ident   *identity.Identity
	logger  zerolog.Logger
	metrics *metrics.Metrics

	mu         sync.Mutex
	state      State
	conn       *websocket.Conn
	pending    map[string]chan Frame
	subs       []*subscription
	statusSubs map[int]func(bool)
	nextSubID  int
	inflight   chan struct{} // closed when the current connect attempt finishes
	connectErr error
	connClosed chan struct{} // closed when the current connection's read loop exits
	stopped    bool

	writeMu sync.Mutex

	stopCh chan struct{}
}

// New creates a session. ident may be nil when a token is configured.
func New(cfg Config, ident *identity.Identity, logger zerolog.Logger) *Session {
	def := DefaultConfig()
	if cfg.Name == "" {
		cfg.Name = "gateway"
	}
	if cfg.ClientID == "" {
		cfg.ClientID = def.ClientID
	}
	if cfg.ClientMode == "" {
		cfg.ClientMode = def.ClientMode
	}
	if cfg.Role == "" {
		cfg.Role = def.Role
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = def.Scopes
	}
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = def.DefaultTimeout
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.ReconnectInterval == 0 {
		cfg.ReconnectInterval = def.ReconnectInterval
	}
	if cfg.MaxReconnectInterval == 0 {
		cfg.MaxReconnectInterval = def.MaxReconnectInterval
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = def.PingInterval
	}

	return &Session{
		cfg:        cfg,
		ident:      ident,
		logger:     logger.With().Str("component", "gateway").Str("peer", cfg.Name).Logger(),
		pending:    make(map[string]chan Frame),
		statusSubs: make(map[int]func(bool)),
		stopCh:     make(chan struct{}),
	}
}

// SetMetrics attaches a metrics collector. Must be called before Start.
func (s *Session) SetMetrics(m *metrics.Metrics) { s.metrics = m }

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connected reports whether the session is open.
func (s *Session) Connected() bool { return s.State() == StateOpen }

// Connect performs (or joins) one connection attempt and waits for its
// outcome. Concurrent callers share a single in-flight handshake.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return perrors.ErrStopped
	}
	if s.state == StateOpen {
		s.mu.Unlock()
		return nil
	}
	if s.inflight == nil {
		s.inflight = make(chan struct{})
		go s.attempt()
	}
	ch := s.inflight
	s.mu.Unlock()

	select {
	case <-ch:
		s.mu.Lock()
		err := s.connectErr
		s.mu.Unlock()
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run connects and keeps the session alive until ctx is cancelled or
// Stop is called, reconnecting on unexpected closes with exponential
// backoff. A non-retryable handshake failure (pairing rejection, auth)
// stops the loop: retrying cannot succeed without out-of-band action.
func (s *Session) Run(ctx context.Context) error {
	policy := retry.Policy{
		BaseDelay: s.cfg.ReconnectInterval,
		MaxDelay:  s.cfg.MaxReconnectInterval,
	}

	failures := 0
	for {
		err := s.Connect(ctx)
		switch {
		case err == nil:
			failures = 0
			s.mu.Lock()
			closed := s.connClosed
			s.mu.Unlock()
			select {
			case <-closed:
				// fall through to reconnect
			case <-ctx.Done():
				s.Stop()
				return ctx.Err()
			case <-s.stopCh:
				return nil
			}
		case errors.Is(err, perrors.ErrStopped), errors.Is(err, context.Canceled):
			return err
		case !perrors.IsRetryable(err):
			s.logger.Warn().Err(err).Msg("gateway handshake rejected, not retrying")
			return err
		}

		failures++
		delay := policy.Delay(failures - 1)
		if err != nil {
			s.logger.Debug().Err(err).Dur("delay", delay).Int("failures", failures).Msg("scheduling reconnect")
		} else {
			s.logger.Info().Dur("delay", delay).Msg("connection lost, reconnecting")
		}
		if s.metrics != nil {
			s.metrics.RecordReconnect()
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			s.Stop()
			return ctx.Err()
		case <-s.stopCh:
			return nil
		}
	}
}

// attempt dials and completes one handshake, publishing the outcome on
// the in-flight channel.
func (s *Session) attempt() {
	err := s.dialAndConnect()

	s.mu.Lock()
	s.connectErr = err
	close(s.inflight)
	s.inflight = nil
	s.mu.Unlock()

	if s.metrics != nil {
		result := "ok"
		if err != nil {
			result = "error"
		}
		s.metrics.RecordConnect(result)
	}
}

func (s *Session) dialAndConnect() error {
	s.setState(StateConnecting)
	s.logger.Info().Msg("connecting to gateway")

	start := time.Now()
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.Dial(s.cfg.URL, nil)
	if err != nil {
		s.setState(StateClosed)
		return fmt.Errorf("ws dial failed: %w: %w", perrors.ErrUnavailable, err)
	}

	s.setState(StateHandshaking)
	deadline := time.Now().Add(s.cfg.HandshakeTimeout)

	if err := s.handshake(conn, deadline); err != nil {
		conn.Close()
		s.setState(StateClosed)
		return err
	}

	connClosed := make(chan struct{})
	s.mu.Lock()
	s.conn = conn
	s.connClosed = connClosed
	s.state = StateOpen
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.ObserveHandshake(time.Since(start).Seconds())
	}

	go s.readLoop(conn, connClosed)
	go s.pingLoop(conn, connClosed)

	s.logger.Info().Msg("connected to gateway")
	s.notifyStatus(true)
	return nil
}

// handshake waits for connect.challenge (the gateway always speaks
// first), then sends the connect request and awaits its response.
func (s *Session) handshake(conn *websocket.Conn, deadline time.Time) error {
	challenge, err := s.readChallenge(conn, deadline)
	if err != nil {
		return err
	}

	params, err := s.buildConnectParams(challenge.Nonce)
	if err != nil {
		return err
	}
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshaling connect params: %w", err)
	}

	reqID := uuid.New().String()
	reqBytes, _ := json.Marshal(Frame{
		Type:   frameReq,
		ID:     reqID,
		Method: MethodConnect,
		Params: paramsJSON,
	})

	conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, reqBytes); err != nil {
		return fmt.Errorf("sending connect: %w", err)
	}
	conn.SetWriteDeadline(time.Time{})

	// The gateway may interleave events before the response.
	for {
		conn.SetReadDeadline(deadline)
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("reading connect response: %w: %w", perrors.ErrTimeout, err)
		}
		conn.SetReadDeadline(time.Time{})

		var resp Frame
		if err := json.Unmarshal(msg, &resp); err != nil {
			continue
		}
		if resp.Type != frameRes || resp.ID != reqID {
			continue
		}

		if resp.OK != nil && *resp.OK {
			return nil
		}
		if resp.Error != nil {
			gwErr := &perrors.GatewayError{
				Code:    resp.Error.Code,
				Message: resp.Error.Message,
				Details: resp.Error.Details,
			}
			if gwErr.Code == perrors.CodeNotPaired {
				return fmt.Errorf("connect rejected: %w", gwErr)
			}
			return fmt.Errorf("connect rejected: %w: %w", perrors.ErrAuthFailure, gwErr)
		}
		return fmt.Errorf("connect rejected: %w", perrors.ErrAuthFailure)
	}
}

func (s *Session) readChallenge(conn *websocket.Conn, deadline time.Time) (*challengePayload, error) {
	for {
		conn.SetReadDeadline(deadline)
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("reading challenge: %w: %w", perrors.ErrTimeout, err)
		}
		conn.SetReadDeadline(time.Time{})

		var frame Frame
		if err := json.Unmarshal(msg, &frame); err != nil {
			continue
		}
		if frame.Type != frameEvent || frame.Event != EventChallenge {
			continue
		}

		var challenge challengePayload
		if len(frame.Payload) > 0 {
			_ = json.Unmarshal(frame.Payload, &challenge)
		}
		s.logger.Debug().Bool("nonce", challenge.Nonce != "").Msg("received connect.challenge")
		return &challenge, nil
	}
}

// buildConnectParams selects token or device auth; the two are mutually
// exclusive per attempt, token winning when configured.
func (s *Session) buildConnectParams(nonce string) (*connectParams, error) {
	params := &connectParams{
		MinProtocol: 3,
		MaxProtocol: 3,
		Client: connectClient{
			ID:       s.cfg.ClientID,
			Version:  "gateway-bridge/1.0",
			Platform: runtime.GOOS,
			Mode:     s.cfg.ClientMode,
		},
		Role:   s.cfg.Role,
		Scopes: s.cfg.Scopes,
		Caps:   []string{},
	}

	if s.cfg.Token != "" {
		params.Auth = &connectAuth{Token: s.cfg.Token}
		return params, nil
	}

	if s.ident == nil {
		return nil, fmt.Errorf("no auth token and no device identity: %w", perrors.ErrInvalidInput)
	}

	signedAt := time.Now().UnixMilli()
	payload := identity.SignaturePayload(identity.SignatureParams{
		DeviceID:   s.ident.DeviceID,
		ClientID:   s.cfg.ClientID,
		ClientMode: s.cfg.ClientMode,
		Role:       s.cfg.Role,
		Scopes:     s.cfg.Scopes,
		SignedAtMs: signedAt,
		Nonce:      nonce,
	})

	params.Device = &connectDevice{
		ID:        s.ident.DeviceID,
		PublicKey: s.ident.PublicKeyBase64(),
		Signature: s.ident.Sign(payload),
		SignedAt:  signedAt,
		Nonce:     nonce,
	}
	return params, nil
}

// Request sends a request frame and waits for the correlated response.
// Valid only while open. The wait is bounded by ctx or, when ctx has no
// deadline, by the configured default timeout.
func (s *Session) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	s.mu.Lock()
	conn := s.conn
	open := s.state == StateOpen
	s.mu.Unlock()
	if !open || conn == nil {
		return nil, fmt.Errorf("%s: %w", method, perrors.ErrNotConnected)
	}

	var paramsJSON json.RawMessage
	if params != nil {
		var err error
		paramsJSON, err = json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshaling %s params: %w", method, err)
		}
	}

	reqID := uuid.New().String()
	respCh := make(chan Frame, 1)
	s.mu.Lock()
	s.pending[reqID] = respCh
	if s.metrics != nil {
		s.metrics.SetPendingRequests(float64(len(s.pending)))
	}
	s.mu.Unlock()

	cleanup := func() {
		s.mu.Lock()
		delete(s.pending, reqID)
		if s.metrics != nil {
			s.metrics.SetPendingRequests(float64(len(s.pending)))
		}
		s.mu.Unlock()
	}

	reqBytes, _ := json.Marshal(Frame{Type: frameReq, ID: reqID, Method: method, Params: paramsJSON})
	if err := s.write(conn, reqBytes); err != nil {
		cleanup()
		return nil, fmt.Errorf("sending %s: %w", method, err)
	}

	// The default deadline applies only when the caller's context has
	// none; otherwise the context owns the timeout.
	var timeoutCh <-chan time.Time
	if _, ok := ctx.Deadline(); !ok {
		timer := time.NewTimer(s.cfg.DefaultTimeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	start := time.Now()
	select {
	case resp := <-respCh:
		if s.metrics != nil {
			s.metrics.ObserveRequest(method, time.Since(start).Seconds())
		}
		if resp.Error != nil {
			return nil, fmt.Errorf("%s: %w", method, &perrors.GatewayError{
				Code:    resp.Error.Code,
				Message: resp.Error.Message,
				Details: resp.Error.Details,
			})
		}
		if resp.OK == nil || !*resp.OK {
			return nil, fmt.Errorf("%s: request failed", method)
		}
		return resp.Payload, nil

	case <-timeoutCh:
		cleanup()
		return nil, fmt.Errorf("%s: %w", method, perrors.ErrTimeout)

	case <-ctx.Done():
		cleanup()
		return nil, ctx.Err()
	}
}

// Notify sends a request frame without tracking its response.
// Used for fire-and-forget hints such as chat.abort.
func (s *Session) Notify(method string, params any) error {
	s.mu.Lock()
	conn := s.conn
	open := s.state == StateOpen
	s.mu.Unlock()
	if !open || conn == nil {
		return fmt.Errorf("%s: %w", method, perrors.ErrNotConnected)
	}

	var paramsJSON json.RawMessage
	if params != nil {
		var err error
		paramsJSON, err = json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshaling %s params: %w", method, err)
		}
	}

	reqBytes, _ := json.Marshal(Frame{Type: frameReq, ID: uuid.New().String(), Method: method, Params: paramsJSON})
	return s.write(conn, reqBytes)
}

// On registers a handler for a named event. Handlers run on the read
// loop goroutine in registration order. The returned function removes
// the handler.
func (s *Session) On(event string, handler func(json.RawMessage)) func() {
	s.mu.Lock()
	s.nextSubID++
	sub := &subscription{id: s.nextSubID, event: event, handler: handler}
	s.subs = append(s.subs, sub)
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, cur := range s.subs {
			if cur.id == sub.id {
				s.subs = append(s.subs[:i], s.subs[i+1:]...)
				return
			}
		}
	}
}

// OnStatus registers a connectivity callback invoked with true on open
// and false on close. The returned function removes the callback.
func (s *Session) OnStatus(handler func(connected bool)) func() {
	s.mu.Lock()
	s.nextSubID++
	id := s.nextSubID
	s.statusSubs[id] = handler
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.statusSubs, id)
	}
}

// Stop tears the session down: auto-reconnect is disabled and every
// outstanding request is rejected immediately.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	conn := s.conn
	s.mu.Unlock()

	close(s.stopCh)

	if conn != nil {
		_ = conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		conn.Close()
	}

	s.failPending()
	s.setState(StateClosed)
}

func (s *Session) write(conn *websocket.Conn, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.metrics != nil {
		s.metrics.RecordFrame("out", "req")
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

// readLoop reads frames until the connection drops, dispatching
// responses to pending requests and events to subscribers. Malformed
// frames are dropped, never fatal.
func (s *Session) readLoop(conn *websocket.Conn, connClosed chan struct{}) {
	defer func() {
		s.mu.Lock()
		if s.conn == conn {
			s.conn = nil
			s.state = StateClosed
		}
		s.mu.Unlock()

		s.failPending()
		s.notifyStatus(false)
		close(connClosed)
	}()

	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		_, msg, err := conn.ReadMessage()
		if err != nil {
			if !errors.Is(err, websocket.ErrCloseSent) {
				s.logger.Warn().Err(err).Msg("ws read error")
			}
			return
		}

		var frame Frame
		if err := json.Unmarshal(msg, &frame); err != nil {
			s.logger.Debug().Err(err).Msg("dropping malformed frame")
			continue
		}
		if s.metrics != nil {
			s.metrics.RecordFrame("in", frame.Type)
		}

		switch frame.Type {
		case frameRes:
			s.mu.Lock()
			ch, ok := s.pending[frame.ID]
			if ok {
				delete(s.pending, frame.ID)
				if s.metrics != nil {
					s.metrics.SetPendingRequests(float64(len(s.pending)))
				}
			}
			s.mu.Unlock()
			if ok {
				ch <- frame
			}

		case frameEvent:
			if frame.Event == EventPing {
				pong, _ := json.Marshal(Frame{Type: frameEvent, Event: EventPong})
				_ = s.write(conn, pong)
				continue
			}
			s.dispatch(frame.Event, frame.Payload)

		default:
			s.logger.Debug().Str("type", frame.Type).Msg("dropping unknown frame type")
		}
	}
}

func (s *Session) dispatch(event string, payload json.RawMessage) {
	s.mu.Lock()
	handlers := make([]func(json.RawMessage), 0, len(s.subs))
	for _, sub := range s.subs {
		if sub.event == event {
			handlers = append(handlers, sub.handler)
		}
	}
	s.mu.Unlock()

	for _, h := range handlers {
		h(payload)
	}
}

// pingLoop sends fire-and-forget WebSocket pings while the connection
// is up. Liveness is inferred from the close event, not from pongs.
func (s *Session) pingLoop(conn *websocket.Conn, connClosed chan struct{}) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			s.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-connClosed:
			return
		case <-s.stopCh:
			return
		}
	}
}

// failPending rejects every outstanding request with a synthetic
// disconnect response. Each entry is removed exactly once.
func (s *Session) failPending() {
	s.mu.Lock()
	pending := s.pending
	s.pending = make(map[string]chan Frame)
	if s.metrics != nil {
		s.metrics.SetPendingRequests(0)
	}
	s.mu.Unlock()

	for id, ch := range pending {
		ch <- Frame{
			Type:  frameRes,
			ID:    id,
			Error: &FrameError{Code: perrors.CodeDisconnected, Message: "connection lost"},
		}
	}
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Session) notifyStatus(connected bool) {
	s.mu.Lock()
	handlers := make([]func(bool), 0, len(s.statusSubs))
	for _, h := range s.statusSubs {
		handlers = append(handlers, h)
	}
	s.mu.Unlock()

	if s.metrics != nil {
		v := 0.0
		if connected {
			v = 1.0
		}
		s.metrics.SetConnected(s.cfg.Name, v)
	}

	for _, h := range handlers {
		h(connected)
	}
}
