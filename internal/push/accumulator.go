// Package push assembles chat traffic from background sessions
// (scheduled jobs, cron) into discrete push notifications.
package push

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/gateway-bridge/internal/gateway"
	"github.com/p-blackswan/gateway-bridge/internal/metrics"
)

// DefaultInteractiveMarker identifies user-initiated session keys; chat
// events whose raw key contains it are never treated as push traffic.
const DefaultInteractiveMarker = ":main:"

// Subscriber is the slice of the gateway session the accumulator needs.
type Subscriber interface {
	On(event string, handler func(json.RawMessage)) func()
}

// Handler receives the accumulated text of one finished background run.
type Handler func(runKey, text string)

// Config holds accumulator configuration.
type Config struct {
	// InteractiveMarker overrides the substring marking interactive keys.
	InteractiveMarker string
}

// Accumulator buffers cumulative delta snapshots per background run and
// emits the final text as a push message.
type Accumulator struct {
	session Subscriber
	cfg     Config
	logger  zerolog.Logger
	metrics *metrics.Metrics

	// claimed reports whether an event key belongs to a live interactive
	// chat run and must be left alone.
	claimed func(eventKey string) bool
	emit    Handler

	mu      sync.Mutex
	entries map[string]string // run key → last partial text
	unsub   func()
}

// New creates an accumulator. claimed may be nil when no interactive
// streamer shares the session.
func New(session Subscriber, cfg Config, claimed func(string) bool, emit Handler, logger zerolog.Logger) *Accumulator {
	if cfg.InteractiveMarker == "" {
		cfg.InteractiveMarker = DefaultInteractiveMarker
	}
	return &Accumulator{
		session: session,
		cfg:     cfg,
		logger:  logger.With().Str("component", "push").Logger(),
		claimed: claimed,
		emit:    emit,
		entries: make(map[string]string),
	}
}

// SetMetrics attaches a metrics collector. Must be called before Start.
func (a *Accumulator) SetMetrics(m *metrics.Metrics) { a.metrics = m }

// Start subscribes to chat events.
func (a *Accumulator) Start() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.unsub != nil {
		return
	}
	a.unsub = a.session.On(gateway.EventChat, a.handle)
}

// Stop unsubscribes and drops all buffered partials.
func (a *Accumulator) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.unsub != nil {
		a.unsub()
		a.unsub = nil
	}
	a.entries = make(map[string]string)
}

// Len returns the number of buffered runs.
func (a *Accumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.entries)
}

func (a *Accumulator) handle(payload json.RawMessage) {
	var ev gateway.ChatEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return
	}

	if strings.Contains(ev.SessionKey, a.cfg.InteractiveMarker) {
		return
	}
	if a.claimed != nil && a.claimed(ev.SessionKey) {
		return
	}

	runKey := ev.RunID
	if runKey == "" {
		runKey = ev.SessionKey
	}

	switch ev.State {
	case gateway.ChatStateDelta:
		// Deltas on this path are cumulative snapshots: replace, not append.
		text := ev.Message.Text()
		a.mu.Lock()
		a.entries[runKey] = text
		a.mu.Unlock()

	case gateway.ChatStateFinal:
		text := ev.Message.Text()
		a.mu.Lock()
		if text == "" {
			text = a.entries[runKey]
		}
		delete(a.entries, runKey)
		a.mu.Unlock()

		if text != "" {
			a.logger.Debug().Str("runKey", runKey).Int("len", len(text)).Msg("emitting push message")
			if a.metrics != nil {
				a.metrics.RecordPushMessage()
			}
			a.emit(runKey, text)
		}

	case gateway.ChatStateError, gateway.ChatStateAborted:
		a.mu.Lock()
		delete(a.entries, runKey)
		a.mu.Unlock()
	}
}
