// Package relay forwards chat traffic between a cloud relay peer and a
// local gateway peer. The cloud side speaks the bridge.* frame protocol
// over the same session abstraction as the gateway side.
package relay

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/gateway-bridge/internal/chat"
	"github.com/p-blackswan/gateway-bridge/internal/gateway"
)

// Upstream bridge.* frame types.
const (
	FrameRegister    = "bridge.register"
	FrameRegistered  = "bridge.registered"
	FrameChatRequest = "bridge.chat.request"
	FrameChatChunk   = "bridge.chat.chunk"
	FrameChatDone    = "bridge.chat.done"
	FrameChatError   = "bridge.chat.error"
	FrameStatus      = "bridge.status"
	FrameSkillEvent  = "bridge.skill.event"
)

// Peer is the session surface the relay needs on each side.
type Peer interface {
	Request(ctx context.Context, method string, params any) (json.RawMessage, error)
	Notify(method string, params any) error
	On(event string, handler func(json.RawMessage)) func()
	OnStatus(handler func(connected bool)) func()
	Connected() bool
	Run(ctx context.Context) error
	Stop()
}

// ChatRequest is an inbound bridge.chat.request payload.
type ChatRequest struct {
	ConversationID string                `json:"conversationId"`
	Content        string                `json:"content"`
	SessionKey     string                `json:"sessionKey"`
	History        []chat.HistoryMessage `json:"history,omitempty"`
}

type registerParams struct {
	ClientID string `json:"clientId"`
	DeviceID string `json:"deviceId,omitempty"`
}

type chunkParams struct {
	ConversationID string `json:"conversationId"`
	Text           string `json:"text"`
}

type doneParams struct {
	ConversationID string `json:"conversationId"`
	FullText       string `json:"fullText"`
}

type errorParams struct {
	ConversationID string `json:"conversationId"`
	Message        string `json:"message"`
}

type statusParams struct {
	GatewayConnected bool `json:"gatewayConnected"`
}

type skillEventParams struct {
	ConversationID string          `json:"conversationId"`
	Data           json.RawMessage `json:"data"`
}

// Config holds relay configuration.
type Config struct {
	// ClientID announced in bridge.register.
	ClientID string
	// DeviceID announced in bridge.register, when device auth is in use.
	DeviceID string
}

// Relay composes the two peers. Each side reconnects independently; a
// gateway-side disconnect never tears down the server-side session.
type Relay struct {
	cfg      Config
	server   Peer
	gw       Peer
	streamer *chat.Streamer
	logger   zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	unsubs []func()
	wg     sync.WaitGroup
}

// New creates a relay between a server (cloud) peer and a gateway peer.
func New(cfg Config, server, gw Peer, streamer *chat.Streamer, logger zerolog.Logger) *Relay {
	if cfg.ClientID == "" {
		cfg.ClientID = "gateway-bridge"
	}
	return &Relay{
		cfg:      cfg,
		server:   server,
		gw:       gw,
		streamer: streamer,
		logger:   logger.With().Str("component", "relay").Logger(),
	}
}

// Start registers frame handlers and runs both peers until Stop.
func (r *Relay) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)

	r.mu.Lock()
	r.cancel = cancel
	r.unsubs = append(r.unsubs,
		r.server.On(FrameChatRequest, func(payload json.RawMessage) {
			r.handleChatRequest(ctx, payload)
		}),
		r.server.On(FrameRegistered, func(json.RawMessage) {
			r.logger.Info().Msg("registered with relay server")
		}),
		r.server.OnStatus(func(connected bool) {
			if connected {
				r.register()
				r.sendStatus()
			}
		}),
		r.gw.OnStatus(func(bool) {
			r.sendStatus()
		}),
	)
	r.mu.Unlock()

	r.wg.Add(2)
	go func() {
		defer r.wg.Done()
		if err := r.server.Run(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error().Err(err).Msg("server session ended")
		}
	}()
	go func() {
		defer r.wg.Done()
		if err := r.gw.Run(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error().Err(err).Msg("gateway session ended")
		}
	}()
}

// Stop tears down both peers and waits for in-flight forwarding to end.
func (r *Relay) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	unsubs := r.unsubs
	r.unsubs = nil
	r.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	if cancel != nil {
		cancel()
	}
	r.server.Stop()
	r.gw.Stop()
	r.wg.Wait()
}

// GatewayConnected reports local gateway connectivity.
func (r *Relay) GatewayConnected() bool { return r.gw.Connected() }

// ServerConnected reports cloud relay connectivity.
func (r *Relay) ServerConnected() bool { return r.server.Connected() }

func (r *Relay) register() {
	err := r.server.Notify(FrameRegister, registerParams{
		ClientID: r.cfg.ClientID,
		DeviceID: r.cfg.DeviceID,
	})
	if err != nil {
		r.logger.Warn().Err(err).Msg("bridge.register not delivered")
	}
}

// sendStatus reports current gateway connectivity upstream so the remote
// counterpart can display liveness without polling.
func (r *Relay) sendStatus() {
	if !r.server.Connected() {
		return
	}
	err := r.server.Notify(FrameStatus, statusParams{GatewayConnected: r.gw.Connected()})
	if err != nil {
		r.logger.Debug().Err(err).Msg("bridge.status not delivered")
	}
}

func (r *Relay) handleChatRequest(ctx context.Context, payload json.RawMessage) {
	var req ChatRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		r.logger.Warn().Err(err).Msg("dropping malformed chat request")
		return
	}

	log := r.logger.With().Str("conversationId", req.ConversationID).Logger()

	if !r.gw.Connected() {
		log.Warn().Msg("chat request while gateway down")
		r.sendError(req.ConversationID, "gateway not connected")
		return
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.forward(ctx, req, log)
	}()
}

// forward drives one chat run on the gateway side and translates every
// produced item into an outbound frame toward the server side.
func (r *Relay) forward(ctx context.Context, req ChatRequest, log zerolog.Logger) {
	// Tool invocations observed during the run travel upstream as their
	// own frame type, tagged with the originating conversation.
	unsubTool := r.gw.On(gateway.EventAgent, func(payload json.RawMessage) {
		var ev gateway.AgentEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			return
		}
		if ev.Stream != "tool" || !gateway.MatchSessionKey(ev.SessionKey, req.SessionKey) {
			return
		}
		_ = r.server.Notify(FrameSkillEvent, skillEventParams{
			ConversationID: req.ConversationID,
			Data:           ev.Data,
		})
	})
	defer unsubTool()

	items, err := r.streamer.Send(ctx, req.SessionKey, req.Content, req.History)
	if err != nil {
		r.sendError(req.ConversationID, err.Error())
		return
	}

	for item := range items {
		switch item.Kind {
		case chat.KindChunk:
			_ = r.server.Notify(FrameChatChunk, chunkParams{
				ConversationID: req.ConversationID,
				Text:           item.Text,
			})
		case chat.KindDone:
			log.Debug().Int("len", len(item.Text)).Msg("chat run finished")
			_ = r.server.Notify(FrameChatDone, doneParams{
				ConversationID: req.ConversationID,
				FullText:       item.Text,
			})
		case chat.KindError:
			log.Warn().Str("error", item.Message).Msg("chat run failed")
			r.sendError(req.ConversationID, item.Message)
		}
	}
}

func (r *Relay) sendError(conversationID, message string) {
	err := r.server.Notify(FrameChatError, errorParams{
		ConversationID: conversationID,
		Message:        message,
	})
	if err != nil {
		r.logger.Debug().Err(err).Msg("bridge.chat.error not delivered")
	}
}
