// Package events carries kernel observability events: loop transitions, tool
// broadcasts and prompt outcomes. Events are shaped like OpenTelemetry span
// events so dashboards can ingest them without translation.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Well-known event types.
const (
	TypeLoopStarted = "loop.started"
	TypeLoopSleep   = "loop.sleep"
	TypeLoopError   = "loop.error"
	TypeBroadcast   = "agent.broadcast"
)

// Outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
	OutcomeTimeout = "timeout"
	OutcomeSkipped = "skipped"
)

// ErrorDetail describes a failure attached to an event.
type ErrorDetail struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// Event is one observability record pushed to websocket subscribers and the
// broadcast sink.
type Event struct {
	ID           string                 `json:"id"`
	AgentDID     string                 `json:"agent_did"`
	SessionID    string                 `json:"session_id,omitempty"`
	EventType    string                 `json:"event_type"`
	Outcome      string                 `json:"outcome"`
	Timestamp    time.Time              `json:"timestamp"`
	SpanID       string                 `json:"span_id"`
	ParentSpanID string                 `json:"parent_span_id,omitempty"`
	TraceID      string                 `json:"trace_id,omitempty"`
	Context      map[string]interface{} `json:"context,omitempty"`
	Error        *ErrorDetail           `json:"error,omitempty"`
}

// New builds an event with fresh id/span id and current timestamp.
func New(agentDID, eventType, outcome string, ctx map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		AgentDID:  agentDID,
		EventType: eventType,
		Outcome:   outcome,
		Timestamp: time.Now().UTC(),
		SpanID:    uuid.New().String()[:16],
		Context:   ctx,
	}
}

// Handler consumes one event. Handlers must not block; slow consumers should
// buffer internally (websocket sessions use a bounded send channel).
type Handler func(event *Event)

// Bus fans events out to subscribers.
type Bus interface {
	// Publish delivers an event to every subscriber. Events published from
	// one goroutine are observed in emission order.
	Publish(ctx context.Context, event *Event) error

	// Subscribe registers a handler for all events. Returns an unsubscribe
	// function.
	Subscribe(handler Handler) (unsubscribe func())

	// Close shuts the bus down.
	Close() error
}

// LocalBus is the in-process Bus. Delivery is synchronous so emission order
// is preserved per publisher.
type LocalBus struct {
	mu      sync.RWMutex
	subs    map[int]Handler
	nextID  int
	closed  bool
}

// NewLocalBus creates an empty in-process bus.
func NewLocalBus() *LocalBus {
	return &LocalBus{subs: make(map[int]Handler)}
}

func (b *LocalBus) Publish(ctx context.Context, event *Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil
	}
	for _, h := range b.subs {
		h(event)
	}
	return nil
}

func (b *LocalBus) Subscribe(handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs[id] = handler
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
	}
}

func (b *LocalBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = make(map[int]Handler)
	return nil
}
