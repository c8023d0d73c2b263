// Package chat converts the gateway's event-based chat protocol into
// pull-based streams of ordered text chunks with terminal states.
package chat

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/gateway-bridge/internal/gateway"
	"github.com/p-blackswan/gateway-bridge/internal/metrics"
)

// Session is the slice of the gateway session the streamer needs.
type Session interface {
	Request(ctx context.Context, method string, params any) (json.RawMessage, error)
	Notify(method string, params any) error
	On(event string, handler func(json.RawMessage)) func()
}

// Kind tags a stream item.
type Kind int

const (
	KindChunk Kind = iota
	KindDone
	KindError
)

// Item is one element of a chat stream: an ordered text chunk, or a
// terminal done (carrying the accumulated full text) or error.
type Item struct {
	Kind    Kind
	Text    string // chunk text, or full text for done
	Message string // gateway error message for error items
}

// HistoryMessage is one prior turn forwarded with a send.
type HistoryMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type sendParams struct {
	SessionKey     string           `json:"sessionKey"`
	Message        string           `json:"message"`
	IdempotencyKey string           `json:"idempotencyKey"`
	TimeoutMs      int64            `json:"timeoutMs"`
	History        []HistoryMessage `json:"history,omitempty"`
}

type abortParams struct {
	SessionKey string `json:"sessionKey"`
}

// Config holds streamer configuration.
type Config struct {
	// Timeout bounds a whole chat run, passed to the gateway as timeoutMs.
	Timeout time.Duration
}

// Streamer issues chat runs over a session. One run exists per in-flight
// send on a given session key; a new send on the same key supersedes the
// previous run's event registration.
type Streamer struct {
	session Session
	cfg     Config
	logger  zerolog.Logger
	metrics *metrics.Metrics

	mu     sync.Mutex
	active map[string]*run
}

// NewStreamer creates a chat streamer on top of a session.
func NewStreamer(session Session, cfg Config, logger zerolog.Logger) *Streamer {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Minute
	}
	return &Streamer{
		session: session,
		cfg:     cfg,
		logger:  logger.With().Str("component", "chat").Logger(),
		active:  make(map[string]*run),
	}
}

// SetMetrics attaches a metrics collector.
func (s *Streamer) SetMetrics(m *metrics.Metrics) { s.metrics = m }

// ActiveKey reports whether an event session key addresses a live run,
// matching exactly or after stripping the gateway prefix. Used by the
// push path to leave interactive traffic alone.
func (s *Streamer) ActiveKey(eventKey string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.active {
		if gateway.MatchSessionKey(eventKey, key) {
			return true
		}
	}
	return false
}

// run is the state of one in-flight chat request.
type run struct {
	key  string
	full []byte

	mu       sync.Mutex
	queue    []Item
	terminal bool
	signal   chan struct{}

	unsubAgent func()
	unsubChat  func()
}

// push appends an item unless a terminal item has already been queued.
// The terminal item is always the last one observed for a run.
func (r *run) push(item Item) {
	r.mu.Lock()
	if r.terminal {
		r.mu.Unlock()
		return
	}
	if item.Kind != KindChunk {
		r.terminal = true
	} else {
		r.full = append(r.full, item.Text...)
	}
	r.queue = append(r.queue, item)
	r.mu.Unlock()

	select {
	case r.signal <- struct{}{}:
	default:
	}
}

func (r *run) fullText() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return string(r.full)
}

func (r *run) drain() []Item {
	r.mu.Lock()
	defer r.mu.Unlock()
	items := r.queue
	r.queue = nil
	return items
}

func (r *run) unsubscribe() {
	r.unsubAgent()
	r.unsubChat()
}

// Send issues chat.send for sessionKey and returns a finite channel of
// items: zero or more chunks in event arrival order, then exactly one
// done or error, after which the channel is closed. Cancelling ctx sends
// a best-effort chat.abort and synthesizes a done so the consumer
// terminates promptly.
func (s *Streamer) Send(ctx context.Context, sessionKey, text string, history []HistoryMessage) (<-chan Item, error) {
	r := &run{
		key:    sessionKey,
		signal: make(chan struct{}, 1),
	}

	s.mu.Lock()
	if prev, ok := s.active[sessionKey]; ok {
		// Supersede: the old run stops listening and terminates.
		prev.unsubscribe()
		prev.push(Item{Kind: KindDone, Text: prev.fullText()})
	}
	s.active[sessionKey] = r
	s.mu.Unlock()

	r.unsubAgent = s.session.On(gateway.EventAgent, func(payload json.RawMessage) {
		var ev gateway.AgentEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			return
		}
		if ev.Stream != "assistant" || !gateway.MatchSessionKey(ev.SessionKey, sessionKey) {
			return
		}
		var data gateway.AgentData
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			return
		}
		chunk := data.Delta
		if chunk == "" {
			chunk = data.Text
		}
		if chunk != "" {
			r.push(Item{Kind: KindChunk, Text: chunk})
		}
	})

	r.unsubChat = s.session.On(gateway.EventChat, func(payload json.RawMessage) {
		var ev gateway.ChatEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			return
		}
		if !gateway.MatchSessionKey(ev.SessionKey, sessionKey) {
			return
		}
		switch ev.State {
		case gateway.ChatStateFinal, gateway.ChatStateAborted:
			r.push(Item{Kind: KindDone, Text: r.fullText()})
		case gateway.ChatStateError:
			r.push(Item{Kind: KindError, Message: ev.ErrorMessage})
		}
	})

	params := sendParams{
		SessionKey:     sessionKey,
		Message:        text,
		IdempotencyKey: uuid.New().String(),
		TimeoutMs:      s.cfg.Timeout.Milliseconds(),
		History:        history,
	}

	go func() {
		if _, err := s.session.Request(ctx, gateway.MethodChatSend, params); err != nil {
			s.logger.Warn().Err(err).Str("sessionKey", sessionKey).Msg("chat.send failed")
			r.push(Item{Kind: KindError, Message: err.Error()})
		}
	}()

	// Capacity 1 so a synthesized terminal item never blocks the pump.
	out := make(chan Item, 1)
	go s.pump(ctx, r, out)
	return out, nil
}

// pump forwards queued items to the consumer until a terminal item is
// delivered or the caller cancels.
func (s *Streamer) pump(ctx context.Context, r *run, out chan<- Item) {
	defer close(out)

	finish := func(outcome string) {
		r.unsubscribe()
		s.mu.Lock()
		if s.active[r.key] == r {
			delete(s.active, r.key)
		}
		s.mu.Unlock()
		if s.metrics != nil {
			s.metrics.RecordChatRun(outcome)
		}
	}

	for {
		for _, item := range r.drain() {
			select {
			case out <- item:
			case <-ctx.Done():
				s.abort(r)
				finish("cancelled")
				return
			}
			switch item.Kind {
			case KindDone:
				finish("done")
				return
			case KindError:
				finish("error")
				return
			}
		}

		select {
		case <-r.signal:
		case <-ctx.Done():
			s.abort(r)
			finish("cancelled")
			select {
			case out <- Item{Kind: KindDone, Text: r.fullText()}:
			default:
			}
			return
		}
	}
}

// abort sends a fire-and-forget chat.abort hint; gateway-side work is
// not forcibly terminated.
func (s *Streamer) abort(r *run) {
	if err := s.session.Notify(gateway.MethodChatAbort, abortParams{SessionKey: r.key}); err != nil {
		s.logger.Debug().Err(err).Str("sessionKey", r.key).Msg("chat.abort not delivered")
	}
}
