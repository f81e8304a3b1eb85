package store

import (
	"context"
	"sort"
	"sync"

	"github.com/tradingstarllc/moltlaunch-verify/pkg/models"
)

// Memory is the in-process Store. It backs tests and single-node runs where
// no database is reachable.
type Memory struct {
	mu       sync.RWMutex
	agents   map[string]models.Agent
	extended map[string]models.ExtendedVerification
	signals  []models.SybilSignal
	anchors  map[string]models.PendingAnchor
}

func NewMemory() *Memory {
	return &Memory{
		agents:   map[string]models.Agent{},
		extended: map[string]models.ExtendedVerification{},
		anchors:  map[string]models.PendingAnchor{},
	}
}

func (m *Memory) GetAgent(ctx context.Context, id string) (models.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[id]
	if !ok {
		return models.Agent{}, ErrNotFound
	}
	return a, nil
}

func (m *Memory) CreateAgent(ctx context.Context, a models.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agents[a.ID]; ok {
		return ErrDuplicate
	}
	m.agents[a.ID] = a
	return nil
}

func (m *Memory) UpdateAgent(ctx context.Context, a models.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agents[a.ID]; !ok {
		return ErrNotFound
	}
	m.agents[a.ID] = a
	return nil
}

func (m *Memory) ListAgentIDs(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.agents))
	for id := range m.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *Memory) AgentsByEndpoint(ctx context.Context, endpointURL string) ([]models.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Agent
	for _, a := range m.agents {
		if a.EndpointURL != "" && a.EndpointURL == endpointURL {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) CountRegistrationsByOrigin(ctx context.Context, originHash, day string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, a := range m.agents {
		if a.OriginHash == originHash && a.RegisteredDay == day {
			count++
		}
	}
	return count, nil
}

func (m *Memory) GetExtended(ctx context.Context, agentID string) (models.ExtendedVerification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.extended[agentID]
	if !ok {
		return models.ExtendedVerification{}, ErrNotFound
	}
	return v, nil
}

func (m *Memory) UpsertExtended(ctx context.Context, v models.ExtendedVerification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.extended[v.AgentID] = v
	return nil
}

func (m *Memory) ListExtendedIDs(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.extended))
	for id := range m.extended {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *Memory) AppendSignal(ctx context.Context, s models.SybilSignal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.signals = append(m.signals, s)
	return nil
}

func (m *Memory) ListSignals(ctx context.Context, agentID string) ([]models.SybilSignal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.SybilSignal
	for _, s := range m.signals {
		if s.AgentID == agentID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *Memory) CreatePendingAnchor(ctx context.Context, p models.PendingAnchor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.anchors[p.AnchorID]; ok {
		return ErrDuplicate
	}
	m.anchors[p.AnchorID] = p
	return nil
}

func (m *Memory) ListPendingAnchors(ctx context.Context, maxRetries int) ([]models.PendingAnchor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.PendingAnchor
	for _, p := range m.anchors {
		if maxRetries < 0 || p.Retries < maxRetries {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) DeletePendingAnchor(ctx context.Context, anchorID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.anchors[anchorID]; !ok {
		return ErrNotFound
	}
	delete(m.anchors, anchorID)
	return nil
}

func (m *Memory) IncrementAnchorRetries(ctx context.Context, anchorID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.anchors[anchorID]
	if !ok {
		return 0, ErrNotFound
	}
	p.Retries++
	m.anchors[anchorID] = p
	return p.Retries, nil
}
