package gateway

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "github.com/p-blackswan/gateway-bridge/internal/errors"
	"github.com/p-blackswan/gateway-bridge/internal/identity"
	"github.com/p-blackswan/gateway-bridge/pkg/settings"
)

// mockGateway simulates the gateway WS protocol.
type mockGateway struct {
	t           *testing.T
	server      *httptest.Server
	upgrader    websocket.Upgrader
	token       string
	nonce       string
	connectErr  *FrameError
	handleReq   func(conn *websocket.Conn, frame Frame) bool // true when handled
	onConnected func(conn *websocket.Conn, params connectParams)
	onEvent     func(frame Frame)

	mu        sync.Mutex
	conns     []*websocket.Conn
	connCount int
}

func newMockGateway(t *testing.T, token string) *mockGateway {
	mg := &mockGateway{
		t:     t,
		token: token,
		nonce: "test-nonce-123",
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/gateway", mg.handleWS)
	mg.server = httptest.NewServer(mux)

	return mg
}

func (mg *mockGateway) url() string {
	return "ws" + strings.TrimPrefix(mg.server.URL, "http") + "/ws/gateway"
}

func (mg *mockGateway) close() {
	mg.mu.Lock()
	for _, conn := range mg.conns {
		conn.Close()
	}
	mg.mu.Unlock()
	mg.server.Close()
}

func (mg *mockGateway) connections() int {
	mg.mu.Lock()
	defer mg.mu.Unlock()
	return mg.connCount
}

func (mg *mockGateway) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := mg.upgrader.Upgrade(w, r, nil)
	if err != nil {
		mg.t.Logf("upgrade error: %v", err)
		return
	}
	mg.mu.Lock()
	mg.conns = append(mg.conns, conn)
	mg.connCount++
	mg.mu.Unlock()

	defer conn.Close()

	// The gateway speaks first.
	cp, _ := json.Marshal(challengePayload{Nonce: mg.nonce, TS: time.Now().UnixMilli()})
	conn.WriteJSON(Frame{Type: "event", Event: "connect.challenge", Payload: cp})

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var frame Frame
		if err := json.Unmarshal(msg, &frame); err != nil {
			continue
		}
		if frame.Type == "event" {
			if mg.onEvent != nil {
				mg.onEvent(frame)
			}
			continue
		}
		if frame.Type != "req" {
			continue
		}

		if frame.Method == "connect" {
			mg.handleConnect(conn, frame)
			continue
		}
		if mg.handleReq != nil && mg.handleReq(conn, frame) {
			continue
		}

		// Default: echo the params back.
		ok := true
		conn.WriteJSON(Frame{Type: "res", ID: frame.ID, OK: &ok, Payload: frame.Params})
	}
}

func (mg *mockGateway) handleConnect(conn *websocket.Conn, req Frame) {
	var params connectParams
	json.Unmarshal(req.Params, &params)

	if mg.connectErr != nil {
		ok := false
		conn.WriteJSON(Frame{Type: "res", ID: req.ID, OK: &ok, Error: mg.connectErr})
		return
	}

	if mg.token != "" && (params.Auth == nil || params.Auth.Token != mg.token) {
		ok := false
		conn.WriteJSON(Frame{
			Type: "res",
			ID:   req.ID,
			OK:   &ok,
			Error: &FrameError{
				Code:    "UNAUTHORIZED",
				Message: "invalid token",
			},
		})
		return
	}

	ok := true
	payload, _ := json.Marshal(map[string]any{"type": "hello-ok", "protocol": 3})
	conn.WriteJSON(Frame{Type: "res", ID: req.ID, OK: &ok, Payload: payload})

	if mg.onConnected != nil {
		mg.onConnected(conn, params)
	}
}

func testConfig(url string) Config {
	cfg := DefaultConfig()
	cfg.URL = url
	cfg.ReconnectInterval = 50 * time.Millisecond
	cfg.MaxReconnectInterval = 200 * time.Millisecond
	cfg.PingInterval = 5 * time.Second
	return cfg
}

func TestSession_ConnectAndRequest(t *testing.T) {
	gw := newMockGateway(t, "test-token")
	defer gw.close()

	cfg := testConfig(gw.url())
	cfg.Token = "test-token"

	s := New(cfg, nil, zerolog.Nop())
	defer s.Stop()

	require.NoError(t, s.Connect(context.Background()))
	assert.True(t, s.Connected())
	assert.Equal(t, StateOpen, s.State())

	payload, err := s.Request(context.Background(), "test.echo", map[string]string{"hello": "world"})
	require.NoError(t, err)

	var echoed map[string]string
	require.NoError(t, json.Unmarshal(payload, &echoed))
	assert.Equal(t, "world", echoed["hello"])
}

func TestSession_InvalidToken(t *testing.T) {
	gw := newMockGateway(t, "correct-token")
	defer gw.close()

	cfg := testConfig(gw.url())
	cfg.Token = "wrong-token"

	s := New(cfg, nil, zerolog.Nop())
	defer s.Stop()

	err := s.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid token")
	assert.ErrorIs(t, err, perrors.ErrAuthFailure)
	assert.False(t, s.Connected())
}

func TestSession_NotPaired(t *testing.T) {
	gw := newMockGateway(t, "")
	gw.connectErr = &FrameError{Code: "NOT_PAIRED", Message: "device awaiting approval"}
	defer gw.close()

	s := New(testConfig(gw.url()), nil, zerolog.Nop())
	defer s.Stop()

	err := s.Connect(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, perrors.ErrNotPaired)
	assert.False(t, perrors.IsRetryable(err))
	assert.False(t, s.Connected())

	// One attempt, no handshake retries for this call.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, gw.connections())
}

func TestSession_DeviceAuth(t *testing.T) {
	gw := newMockGateway(t, "")
	defer gw.close()

	ident, err := identity.NewManager(settings.NewMemoryStore(), zerolog.Nop()).LoadOrCreate()
	require.NoError(t, err)

	var gotParams connectParams
	gw.onConnected = func(_ *websocket.Conn, params connectParams) {
		gotParams = params
	}

	cfg := testConfig(gw.url())
	s := New(cfg, ident, zerolog.Nop())
	defer s.Stop()

	require.NoError(t, s.Connect(context.Background()))

	require.NotNil(t, gotParams.Device)
	assert.Nil(t, gotParams.Auth)
	assert.Equal(t, ident.DeviceID, gotParams.Device.ID)
	assert.Equal(t, "test-nonce-123", gotParams.Device.Nonce)

	// Verify the signature the way the gateway would.
	pub, err := base64.StdEncoding.DecodeString(gotParams.Device.PublicKey)
	require.NoError(t, err)
	sig, err := base64.StdEncoding.DecodeString(gotParams.Device.Signature)
	require.NoError(t, err)

	payload := identity.SignaturePayload(identity.SignatureParams{
		DeviceID:   gotParams.Device.ID,
		ClientID:   cfg.ClientID,
		ClientMode: cfg.ClientMode,
		Role:       cfg.Role,
		Scopes:     cfg.Scopes,
		SignedAtMs: gotParams.Device.SignedAt,
		Nonce:      gotParams.Device.Nonce,
	})
	assert.True(t, ed25519.Verify(ed25519.PublicKey(pub), []byte(payload), sig))
}

func TestSession_NotConnected(t *testing.T) {
	cfg := testConfig("ws://localhost:1/nonexistent")
	s := New(cfg, nil, zerolog.Nop())

	_, err := s.Request(context.Background(), "test.echo", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, perrors.ErrNotConnected)
}

func TestSession_ConcurrentRequestsReversedResponses(t *testing.T) {
	const n = 5

	gw := newMockGateway(t, "")
	var reqMu sync.Mutex
	queued := make([]Frame, 0, n)
	gw.handleReq = func(conn *websocket.Conn, frame Frame) bool {
		if frame.Method != "test.slow" {
			return false
		}
		reqMu.Lock()
		queued = append(queued, frame)
		ready := len(queued) == n
		batch := append([]Frame(nil), queued...)
		reqMu.Unlock()

		// Once all requests are in, answer them newest-first.
		if ready {
			ok := true
			for i := len(batch) - 1; i >= 0; i-- {
				conn.WriteJSON(Frame{Type: "res", ID: batch[i].ID, OK: &ok, Payload: batch[i].Params})
			}
		}
		return true
	}
	defer gw.close()

	s := New(testConfig(gw.url()), nil, zerolog.Nop())
	defer s.Stop()
	require.NoError(t, s.Connect(context.Background()))

	var wg sync.WaitGroup
	results := make([]string, n)
	errs := make([]error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			want := string(rune('A' + idx))
			payload, err := s.Request(context.Background(), "test.slow", map[string]string{"tag": want})
			errs[idx] = err
			if err == nil {
				var got map[string]string
				json.Unmarshal(payload, &got)
				results[idx] = got["tag"]
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i], "request %d", i)
		assert.Equal(t, string(rune('A'+i)), results[i], "request %d got a mismatched payload", i)
	}
}

func TestSession_TimeoutIsolation(t *testing.T) {
	gw := newMockGateway(t, "")
	gw.handleReq = func(conn *websocket.Conn, frame Frame) bool {
		// Never answer test.never; echo everything else.
		return frame.Method == "test.never"
	}
	defer gw.close()

	s := New(testConfig(gw.url()), nil, zerolog.Nop())
	defer s.Stop()
	require.NoError(t, s.Connect(context.Background()))

	var wg sync.WaitGroup
	wg.Add(1)
	var timeoutErr error
	go func() {
		defer wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()
		_, timeoutErr = s.Request(ctx, "test.never", nil)
	}()

	// A concurrent request on the same session is unaffected.
	payload, err := s.Request(context.Background(), "test.echo", map[string]string{"k": "v"})
	require.NoError(t, err)
	assert.NotEmpty(t, payload)

	wg.Wait()
	require.Error(t, timeoutErr)
	assert.ErrorIs(t, timeoutErr, context.DeadlineExceeded)

	// The session itself is still healthy.
	_, err = s.Request(context.Background(), "test.echo", nil)
	assert.NoError(t, err)
}

func TestSession_EventDispatchOrderAndUnsubscribe(t *testing.T) {
	gw := newMockGateway(t, "")
	var emit func(conn *websocket.Conn)
	gw.handleReq = func(conn *websocket.Conn, frame Frame) bool {
		if frame.Method != "test.emit" {
			return false
		}
		ok := true
		conn.WriteJSON(Frame{Type: "res", ID: frame.ID, OK: &ok})
		emit(conn)
		return true
	}
	emit = func(conn *websocket.Conn) {
		payload, _ := json.Marshal(map[string]string{"v": "1"})
		conn.WriteJSON(Frame{Type: "event", Event: "custom", Payload: payload})
	}
	defer gw.close()

	s := New(testConfig(gw.url()), nil, zerolog.Nop())
	defer s.Stop()
	require.NoError(t, s.Connect(context.Background()))

	var mu sync.Mutex
	var order []string
	got := make(chan struct{}, 4)

	unsubA := s.On("custom", func(json.RawMessage) {
		mu.Lock()
		order = append(order, "a")
		mu.Unlock()
		got <- struct{}{}
	})
	defer unsubA()
	unsubB := s.On("custom", func(json.RawMessage) {
		mu.Lock()
		order = append(order, "b")
		mu.Unlock()
		got <- struct{}{}
	})

	_, err := s.Request(context.Background(), "test.emit", nil)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		select {
		case <-got:
		case <-time.After(2 * time.Second):
			t.Fatal("event not dispatched")
		}
	}

	mu.Lock()
	assert.Equal(t, []string{"a", "b"}, order, "handlers run in registration order")
	mu.Unlock()

	// After unsubscribe, only the first handler fires.
	unsubB()
	_, err = s.Request(context.Background(), "test.emit", nil)
	require.NoError(t, err)

	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("event not dispatched after unsubscribe")
	}

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, []string{"a", "b", "a"}, order)
	mu.Unlock()
}

func TestSession_PingEventGetsPong(t *testing.T) {
	gw := newMockGateway(t, "")
	pongCh := make(chan Frame, 1)
	gw.onEvent = func(frame Frame) {
		if frame.Event == "pong" {
			select {
			case pongCh <- frame:
			default:
			}
		}
	}
	gw.onConnected = func(conn *websocket.Conn, _ connectParams) {
		go conn.WriteJSON(Frame{Type: "event", Event: "ping"})
	}
	defer gw.close()

	s := New(testConfig(gw.url()), nil, zerolog.Nop())
	defer s.Stop()

	require.NoError(t, s.Connect(context.Background()))

	select {
	case pong := <-pongCh:
		assert.Equal(t, "pong", pong.Event)
	case <-time.After(2 * time.Second):
		t.Fatal("no pong received")
	}
}

func TestSession_StopRejectsPending(t *testing.T) {
	gw := newMockGateway(t, "")
	gw.handleReq = func(conn *websocket.Conn, frame Frame) bool {
		return true // swallow everything
	}
	defer gw.close()

	s := New(testConfig(gw.url()), nil, zerolog.Nop())
	require.NoError(t, s.Connect(context.Background()))

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Request(context.Background(), "test.never", nil)
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	s.Stop()

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.ErrorIs(t, err, perrors.ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("pending request not rejected on stop")
	}
}

func TestSession_RunReconnectsAndPreservesListeners(t *testing.T) {
	gw := newMockGateway(t, "")
	gw.onConnected = func(conn *websocket.Conn, _ connectParams) {
		gw.mu.Lock()
		count := gw.connCount
		gw.mu.Unlock()
		switch count {
		case 1:
			// Drop the first connection shortly after the handshake.
			go func() {
				time.Sleep(20 * time.Millisecond)
				conn.Close()
			}()
		case 2:
			// Deliver an event on the second connection; a listener
			// registered before the drop must still receive it.
			go func() {
				time.Sleep(50 * time.Millisecond)
				payload, _ := json.Marshal(map[string]string{"v": "survived"})
				conn.WriteJSON(Frame{Type: "event", Event: "custom", Payload: payload})
			}()
		}
	}
	defer gw.close()

	s := New(testConfig(gw.url()), nil, zerolog.Nop())
	defer s.Stop()

	got := make(chan string, 1)
	unsub := s.On("custom", func(payload json.RawMessage) {
		var m map[string]string
		json.Unmarshal(payload, &m)
		got <- m["v"]
	})
	defer unsub()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	select {
	case v := <-got:
		assert.Equal(t, "survived", v)
	case <-time.After(5 * time.Second):
		t.Fatal("listener did not survive reconnect")
	}
	assert.GreaterOrEqual(t, gw.connections(), 2)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 120*time.Second, cfg.DefaultTimeout)
	assert.Equal(t, 15*time.Second, cfg.HandshakeTimeout)
	assert.Equal(t, 1*time.Second, cfg.ReconnectInterval)
	assert.Equal(t, 30*time.Second, cfg.MaxReconnectInterval)
	assert.Equal(t, 20*time.Second, cfg.PingInterval)
	assert.Equal(t, "operator", cfg.Role)
	assert.Equal(t, []string{"operator.admin"}, cfg.Scopes)
}
