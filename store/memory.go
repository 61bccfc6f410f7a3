package store

import (
	"context"
	"sync"

	"tradeflow/models"
)

// Memory is an in-process Store used in tests and dry runs. Records are
// deep-copied on the way in and out so callers never share state with
// the store.
type Memory struct {
	mu       sync.RWMutex
	twaps    map[string]*models.TWAPOrder
	brackets map[string]*models.BracketOrder
	triggers map[string]*models.TriggerOrder
	dcas     map[string]*models.DCAOrder
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		twaps:    make(map[string]*models.TWAPOrder),
		brackets: make(map[string]*models.BracketOrder),
		triggers: make(map[string]*models.TriggerOrder),
		dcas:     make(map[string]*models.DCAOrder),
	}
}

func (m *Memory) SaveTWAP(_ context.Context, o *models.TWAPOrder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *o
	m.twaps[o.ID] = &cp
	return nil
}

func (m *Memory) UpdateTWAPProgress(ctx context.Context, o *models.TWAPOrder) error {
	return m.SaveTWAP(ctx, o)
}

func (m *Memory) GetTWAP(_ context.Context, id string) (*models.TWAPOrder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.twaps[id]
	if !ok {
		return nil, nil
	}
	cp := *o
	return &cp, nil
}

func (m *Memory) ListActiveTWAP(_ context.Context, userID string) ([]*models.TWAPOrder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.TWAPOrder
	for _, o := range m.twaps {
		if isActive(o.Status) && (userID == "" || o.UserID == userID) {
			cp := *o
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *Memory) DeleteTWAP(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.twaps, id)
	return nil
}

func (m *Memory) SaveBracket(_ context.Context, o *models.BracketOrder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *o
	m.brackets[o.ID] = &cp
	return nil
}

func (m *Memory) UpdateBracketProgress(ctx context.Context, o *models.BracketOrder) error {
	return m.SaveBracket(ctx, o)
}

func (m *Memory) GetBracket(_ context.Context, id string) (*models.BracketOrder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.brackets[id]
	if !ok {
		return nil, nil
	}
	cp := *o
	return &cp, nil
}

func (m *Memory) ListActiveBrackets(_ context.Context, userID string) ([]*models.BracketOrder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.BracketOrder
	for _, o := range m.brackets {
		if isActive(o.Status) && (userID == "" || o.UserID == userID) {
			cp := *o
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *Memory) DeleteBracket(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.brackets, id)
	return nil
}

func (m *Memory) SaveTrigger(_ context.Context, o *models.TriggerOrder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *o
	m.triggers[o.ID] = &cp
	return nil
}

func (m *Memory) UpdateTriggerProgress(ctx context.Context, o *models.TriggerOrder) error {
	return m.SaveTrigger(ctx, o)
}

func (m *Memory) GetTrigger(_ context.Context, id string) (*models.TriggerOrder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.triggers[id]
	if !ok {
		return nil, nil
	}
	cp := *o
	return &cp, nil
}

func (m *Memory) ListActiveTriggers(_ context.Context, userID string) ([]*models.TriggerOrder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.TriggerOrder
	for _, o := range m.triggers {
		if isActive(o.Status) && (userID == "" || o.UserID == userID) {
			cp := *o
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *Memory) DeleteTrigger(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.triggers, id)
	return nil
}

func (m *Memory) SaveDCA(_ context.Context, o *models.DCAOrder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *o
	m.dcas[o.ID] = &cp
	return nil
}

func (m *Memory) UpdateDCAProgress(ctx context.Context, o *models.DCAOrder) error {
	return m.SaveDCA(ctx, o)
}

func (m *Memory) GetDCA(_ context.Context, id string) (*models.DCAOrder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.dcas[id]
	if !ok {
		return nil, nil
	}
	cp := *o
	return &cp, nil
}

func (m *Memory) ListActiveDCA(_ context.Context, userID string) ([]*models.DCAOrder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.DCAOrder
	for _, o := range m.dcas {
		if isActive(o.Status) && (userID == "" || o.UserID == userID) {
			cp := *o
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *Memory) DeleteDCA(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.dcas, id)
	return nil
}

var _ Store = (*Memory)(nil)
