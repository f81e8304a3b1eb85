package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tradingstarllc/moltlaunch-verify/pkg/level"
	"github.com/tradingstarllc/moltlaunch-verify/pkg/models"
)

func newAgent(id string) models.Agent {
	now := time.Now().UTC()
	return models.Agent{
		ID:            id,
		Level:         level.Registered,
		Label:         level.Registered.Label(),
		OriginHash:    "origin-hash-1",
		RegisteredDay: "2026-03-01",
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func TestAgentCRUD(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	if _, err := m.GetAgent(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := m.CreateAgent(ctx, newAgent("agent-1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.CreateAgent(ctx, newAgent("agent-1")); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}

	a, err := m.GetAgent(ctx, "agent-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	a.Level = level.Confirmed
	a.Label = level.Confirmed.Label()
	if err := m.UpdateAgent(ctx, a); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _ := m.GetAgent(ctx, "agent-1")
	if got.Level != level.Confirmed {
		t.Fatalf("update not persisted: %+v", got)
	}

	if err := m.UpdateAgent(ctx, newAgent("ghost")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on update, got %v", err)
	}
}

func TestListAgentIDsSorted(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	for _, id := range []string{"charlie", "alpha", "bravo"} {
		if err := m.CreateAgent(ctx, newAgent(id)); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	ids, err := m.ListAgentIDs(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want := []string{"alpha", "bravo", "charlie"}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("ids = %v, want %v", ids, want)
		}
	}
}

func TestAgentsByEndpoint(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	a := newAgent("agent-a")
	a.EndpointURL = "https://shared.example"
	b := newAgent("agent-b")
	b.EndpointURL = "https://shared.example"
	c := newAgent("agent-c")
	c.EndpointURL = "https://other.example"
	d := newAgent("agent-d")
	for _, ag := range []models.Agent{a, b, c, d} {
		if err := m.CreateAgent(ctx, ag); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	sharers, err := m.AgentsByEndpoint(ctx, "https://shared.example")
	if err != nil {
		t.Fatalf("by endpoint: %v", err)
	}
	if len(sharers) != 2 || sharers[0].ID != "agent-a" || sharers[1].ID != "agent-b" {
		t.Fatalf("unexpected sharers: %+v", sharers)
	}
	// Agents with no declared endpoint never match each other.
	none, _ := m.AgentsByEndpoint(ctx, "")
	if len(none) != 0 {
		t.Fatalf("empty endpoint matched %d agents", len(none))
	}
}

func TestCountRegistrationsByOrigin(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	for i, id := range []string{"a", "b", "c"} {
		ag := newAgent(id)
		if i == 2 {
			ag.RegisteredDay = "2026-03-02"
		}
		if err := m.CreateAgent(ctx, ag); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	n, err := m.CountRegistrationsByOrigin(ctx, "origin-hash-1", "2026-03-01")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Fatalf("count = %d, want 2", n)
	}
	n, _ = m.CountRegistrationsByOrigin(ctx, "other-hash", "2026-03-01")
	if n != 0 {
		t.Fatalf("count for unknown origin = %d, want 0", n)
	}
}

func TestExtendedUpsert(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	if _, err := m.GetExtended(ctx, "agent-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	v := models.ExtendedVerification{AgentID: "agent-1", FingerprintHash: "fp-1", Uniqueness: 0.9}
	if err := m.UpsertExtended(ctx, v); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	v.HWProvider = "helium"
	if err := m.UpsertExtended(ctx, v); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	got, err := m.GetExtended(ctx, "agent-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.FingerprintHash != "fp-1" || got.HWProvider != "helium" {
		t.Fatalf("unexpected extended row: %+v", got)
	}

	ids, _ := m.ListExtendedIDs(ctx)
	if len(ids) != 1 || ids[0] != "agent-1" {
		t.Fatalf("unexpected extended ids: %v", ids)
	}
}

func TestSignalsAppendOnly(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		s := models.SybilSignal{SignalID: string(rune('a' + i)), AgentID: "agent-1", Type: "ip_cluster"}
		if err := m.AppendSignal(ctx, s); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := m.AppendSignal(ctx, models.SybilSignal{SignalID: "x", AgentID: "agent-2", Type: "endpoint_cluster"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	got, err := m.ListSignals(ctx, "agent-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 signals, got %d", len(got))
	}
	other, _ := m.ListSignals(ctx, "agent-2")
	if len(other) != 1 || other[0].Type != "endpoint_cluster" {
		t.Fatalf("unexpected signals for agent-2: %+v", other)
	}
}

func TestPendingAnchorLifecycle(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	base := time.Now().UTC()

	for i, id := range []string{"anchor-b", "anchor-a"} {
		p := models.PendingAnchor{AnchorID: id, AgentID: "agent-1", Memo: "memo", CreatedAt: base.Add(time.Duration(i) * time.Second)}
		if err := m.CreatePendingAnchor(ctx, p); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	if err := m.CreatePendingAnchor(ctx, models.PendingAnchor{AnchorID: "anchor-a"}); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}

	// Oldest first.
	all, err := m.ListPendingAnchors(ctx, -1)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 || all[0].AnchorID != "anchor-b" {
		t.Fatalf("unexpected order: %+v", all)
	}

	if _, err := m.IncrementAnchorRetries(ctx, "anchor-b"); err != nil {
		t.Fatalf("increment: %v", err)
	}
	n, err := m.IncrementAnchorRetries(ctx, "anchor-b")
	if err != nil || n != 2 {
		t.Fatalf("increment = %d, %v; want 2, nil", n, err)
	}
	if _, err := m.IncrementAnchorRetries(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	// maxRetries filters out entries at or above the ceiling.
	active, _ := m.ListPendingAnchors(ctx, 2)
	if len(active) != 1 || active[0].AnchorID != "anchor-a" {
		t.Fatalf("ceiling filter wrong: %+v", active)
	}

	if err := m.DeletePendingAnchor(ctx, "anchor-a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := m.DeletePendingAnchor(ctx, "anchor-a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on re-delete, got %v", err)
	}
}
