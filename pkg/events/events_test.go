package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/tradingstarllc/moltlaunch-verify/pkg/level"
)

func TestTransitionEvent(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 2, 14, 12, 0, 0, 0, time.UTC)
	evt := Transition("agent-alpha", level.Verified, at)
	if evt.Type != TypeTransition {
		t.Fatalf("expected type %q, got %q", TypeTransition, evt.Type)
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(evt.Data, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload["agent_id"] != "agent-alpha" {
		t.Fatalf("expected agent_id, got %v", payload["agent_id"])
	}
	if payload["level"].(float64) != 2 || payload["label"] != "verified" {
		t.Fatalf("unexpected level payload: %v", payload)
	}
}

func TestSubscribePublishAndUnsubscribeIdempotent(t *testing.T) {
	t.Parallel()

	h := NewHub()
	ch := h.Subscribe(1)
	h.Publish(Revoked("agent-alpha"))

	select {
	case evt := <-ch:
		if evt.Type != TypeRevoked {
			t.Fatalf("expected revoked event, got %q", evt.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for event")
	}

	h.Unsubscribe(ch)
	// Must not panic on repeated calls.
	h.Unsubscribe(ch)
}

func TestPublishDropsWhenBufferFull(t *testing.T) {
	t.Parallel()

	h := NewHub()
	ch := h.Subscribe(1)
	defer h.Unsubscribe(ch)

	h.Publish(NewEvent("first", nil))
	h.Publish(NewEvent("second", nil))

	select {
	case evt := <-ch:
		if evt.Type != "first" {
			t.Fatalf("expected first event to remain in buffer, got %q", evt.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for first event")
	}

	select {
	case evt := <-ch:
		t.Fatalf("did not expect second buffered event, got %q", evt.Type)
	default:
	}
}

func TestNewKafkaPublisherValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewKafkaPublisher(KafkaConfig{Topic: "trust-events"}); err == nil {
		t.Fatal("expected error when brokers are missing")
	}
	if _, err := NewKafkaPublisher(KafkaConfig{Brokers: []string{"127.0.0.1:9092"}}); err == nil {
		t.Fatal("expected error when topic is missing")
	}
	pub, err := NewKafkaPublisher(KafkaConfig{
		Brokers: []string{" ", "127.0.0.1:9092", "\t"},
		Topic:   "trust-events",
	})
	if err != nil {
		t.Fatalf("expected valid publisher config, got error: %v", err)
	}
	if err := pub.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
}

type capturingWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
	err  error
}

func (w *capturingWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.mu.Lock()
	w.msgs = append(w.msgs, msgs...)
	w.mu.Unlock()
	return nil
}

func (w *capturingWriter) Close() error { return nil }

func (w *capturingWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.msgs)
}

func TestKafkaPublishKeysByAgent(t *testing.T) {
	t.Parallel()

	w := &capturingWriter{}
	pub := &KafkaPublisher{writer: w}
	evt := Anchored("agent-alpha", "sig-1")
	if err := pub.Publish(context.Background(), evt); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("expected one message, got %d", len(w.msgs))
	}
	if string(w.msgs[0].Key) != "agent-alpha" {
		t.Fatalf("expected agent key, got %q", w.msgs[0].Key)
	}
	var decoded Event
	if err := json.Unmarshal(w.msgs[0].Value, &decoded); err != nil {
		t.Fatalf("decode message: %v", err)
	}
	if decoded.Type != TypeAnchored {
		t.Fatalf("expected anchored event, got %q", decoded.Type)
	}
}

func TestKafkaPublishGuards(t *testing.T) {
	t.Parallel()

	var nilPub *KafkaPublisher
	if err := nilPub.Close(); err != nil {
		t.Fatalf("expected nil close to be no-op, got: %v", err)
	}
	if err := nilPub.Publish(context.Background(), NewEvent("x", nil)); err == nil {
		t.Fatal("expected publish error for nil publisher")
	}

	broken := &KafkaPublisher{writer: &capturingWriter{err: errors.New("broker down")}}
	if err := broken.Publish(context.Background(), NewEvent("x", nil)); err == nil {
		t.Fatal("expected publish error to surface")
	}
}

func TestRelayStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	w := &capturingWriter{}
	pub := &KafkaPublisher{writer: w}
	h := NewHub()
	ch := h.Subscribe(4)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pub.Relay(ctx, ch)
		close(done)
	}()

	h.Publish(Revoked("agent-alpha"))
	deadline := time.After(2 * time.Second)
	for w.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("timeout waiting for relayed message")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not stop on cancel")
	}
}
