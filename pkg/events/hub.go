// Package events fans trust-state changes out to websocket subscribers and,
// when configured, to a Kafka topic for downstream consumers.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/tradingstarllc/moltlaunch-verify/pkg/level"
)

// Event types published by the engine.
const (
	TypeTransition = "agent.transition"
	TypeRevoked    = "agent.revoked"
	TypeSignal     = "agent.signal"
	TypeAnchored   = "agent.anchored"
)

type Event struct {
	Type string          `json:"type"`
	At   string          `json:"at"`
	Data json.RawMessage `json:"data,omitempty"`
}

func NewEvent(eventType string, data interface{}) Event {
	var raw json.RawMessage
	if data != nil {
		b, _ := json.Marshal(data)
		raw = b
	}
	return Event{Type: eventType, At: time.Now().UTC().Format(time.RFC3339Nano), Data: raw}
}

// Transition builds the event emitted on every committed level change.
func Transition(agentID string, lvl level.Level, at time.Time) Event {
	return NewEvent(TypeTransition, map[string]interface{}{
		"agent_id": agentID,
		"level":    int(lvl),
		"label":    lvl.Label(),
		"at":       at.UTC().Format(time.RFC3339Nano),
	})
}

// Revoked builds the event emitted when an agent is revoked.
func Revoked(agentID string) Event {
	return NewEvent(TypeRevoked, map[string]interface{}{"agent_id": agentID})
}

// Anchored builds the event emitted when a ledger write lands.
func Anchored(agentID, signature string) Event {
	return NewEvent(TypeAnchored, map[string]interface{}{
		"agent_id":  agentID,
		"signature": signature,
	})
}

// Hub is an in-process fan-out with per-subscriber buffers. Slow
// subscribers lose events rather than stalling publishers.
type Hub struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: map[chan Event]struct{}{}}
}

func (h *Hub) Subscribe(buffer int) chan Event {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan Event, buffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) Unsubscribe(ch chan Event) {
	h.mu.Lock()
	_, exists := h.subs[ch]
	if exists {
		delete(h.subs, ch)
	}
	h.mu.Unlock()
	if exists {
		close(ch)
	}
}

func (h *Hub) Publish(evt Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}
