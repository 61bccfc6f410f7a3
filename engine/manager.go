package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"tradeflow/config"
	"tradeflow/logger"
	"tradeflow/models"
	"tradeflow/store"
)

// Manager owns every live engine instance and is the entry point for
// creating, cancelling and recovering algorithmic orders.
type Manager struct {
	cfg    config.EngineConfig
	ex     Placer
	st     store.Store
	subs   Subscriber
	books  BookSource
	gate   Gate
	events EventFunc
	log    *logger.Entry

	mu       sync.Mutex
	twaps    map[string]*TWAP
	brackets map[string]*Bracket
	triggers map[string]*Trigger
	dcas     map[string]*DCA
}

func NewManager(cfg config.EngineConfig, ex Placer, st store.Store, subs Subscriber, books BookSource, gate Gate, events EventFunc) *Manager {
	return &Manager{
		cfg:      cfg,
		ex:       ex,
		st:       st,
		subs:     subs,
		books:    books,
		gate:     gate,
		events:   events,
		log:      logger.GetLogger().WithComponent("engine_manager"),
		twaps:    make(map[string]*TWAP),
		brackets: make(map[string]*Bracket),
		triggers: make(map[string]*Trigger),
		dcas:     make(map[string]*DCA),
	}
}

func ensureID(id *string) {
	if *id == "" {
		*id = uuid.NewString()
	}
}

// StartTWAP registers and starts a TWAP engine for the order.
func (m *Manager) StartTWAP(ctx context.Context, o *models.TWAPOrder) (*TWAP, error) {
	ensureID(&o.ID)
	eng := NewTWAP(o, m.ex, m.st, m.gate, m.events)
	if err := eng.Start(ctx); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.twaps[o.ID] = eng
	m.mu.Unlock()
	return eng, nil
}

// StartBracket registers and starts a bracket engine for the order.
func (m *Manager) StartBracket(ctx context.Context, o *models.BracketOrder) (*Bracket, error) {
	ensureID(&o.ID)
	eng := NewBracket(o, m.ex, m.st, m.cfg.BracketPollInterval, m.events)
	if err := eng.Start(ctx); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.brackets[o.ID] = eng
	m.mu.Unlock()
	return eng, nil
}

// StartTrigger registers and arms a trigger engine for the order.
func (m *Manager) StartTrigger(ctx context.Context, o *models.TriggerOrder) (*Trigger, error) {
	ensureID(&o.ID)
	eng := NewTrigger(o, m.ex, m.st, m.subs, m.books, m.events)
	if err := eng.Start(ctx); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.triggers[o.ID] = eng
	m.mu.Unlock()
	return eng, nil
}

// StartDCA registers and starts a DCA engine for the order.
func (m *Manager) StartDCA(ctx context.Context, o *models.DCAOrder) (*DCA, error) {
	ensureID(&o.ID)
	eng := NewDCA(o, m.ex, m.st, m.books, m.gate, m.events)
	if err := eng.Start(ctx); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.dcas[o.ID] = eng
	m.mu.Unlock()
	return eng, nil
}

// CancelOrder cancels whichever engine holds the id; unknown ids are
// an error, cancelling a terminal order is not.
func (m *Manager) CancelOrder(ctx context.Context, id string) error {
	m.mu.Lock()
	tw := m.twaps[id]
	br := m.brackets[id]
	tr := m.triggers[id]
	dc := m.dcas[id]
	m.mu.Unlock()

	switch {
	case tw != nil:
		return tw.Cancel(ctx)
	case br != nil:
		return br.Cancel(ctx)
	case tr != nil:
		return tr.Cancel(ctx)
	case dc != nil:
		return dc.Cancel(ctx)
	}
	return fmt.Errorf("no engine for order %s", id)
}

// PauseDCA pauses a running DCA order.
func (m *Manager) PauseDCA(ctx context.Context, id string) error {
	m.mu.Lock()
	eng := m.dcas[id]
	m.mu.Unlock()
	if eng == nil {
		return fmt.Errorf("no dca engine for order %s", id)
	}
	return eng.Pause(ctx)
}

// ResumeDCA resumes a paused DCA order.
func (m *Manager) ResumeDCA(ctx context.Context, id string) error {
	m.mu.Lock()
	eng := m.dcas[id]
	m.mu.Unlock()
	if eng == nil {
		return fmt.Errorf("no dca engine for order %s", id)
	}
	return eng.Resume(ctx)
}

// TWAP returns the live engine for id, if any.
func (m *Manager) TWAP(id string) (*TWAP, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	eng, ok := m.twaps[id]
	return eng, ok
}

// Bracket returns the live engine for id, if any.
func (m *Manager) Bracket(id string) (*Bracket, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	eng, ok := m.brackets[id]
	return eng, ok
}

// Trigger returns the live engine for id, if any.
func (m *Manager) Trigger(id string) (*Trigger, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	eng, ok := m.triggers[id]
	return eng, ok
}

// DCA returns the live engine for id, if any.
func (m *Manager) DCA(id string) (*DCA, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	eng, ok := m.dcas[id]
	return eng, ok
}

// Recover reloads every active order from the store and resumes it
// with its persisted progress, as if Start had just been called. This
// is the only path that seeds an engine with non-zero progress.
func (m *Manager) Recover(ctx context.Context) error {
	start := time.Now()
	var recovered int

	twaps, err := m.st.ListActiveTWAP(ctx, "")
	if err != nil {
		return fmt.Errorf("reload twap orders: %w", err)
	}
	for _, o := range twaps {
		if _, err := m.StartTWAP(ctx, o); err != nil {
			m.log.WithError(err).WithFields(logger.Fields{"order_id": o.ID}).Error("twap recovery failed")
			continue
		}
		recovered++
	}

	brackets, err := m.st.ListActiveBrackets(ctx, "")
	if err != nil {
		return fmt.Errorf("reload bracket orders: %w", err)
	}
	for _, o := range brackets {
		if _, err := m.StartBracket(ctx, o); err != nil {
			m.log.WithError(err).WithFields(logger.Fields{"order_id": o.ID}).Error("bracket recovery failed")
			continue
		}
		recovered++
	}

	triggers, err := m.st.ListActiveTriggers(ctx, "")
	if err != nil {
		return fmt.Errorf("reload trigger orders: %w", err)
	}
	for _, o := range triggers {
		if _, err := m.StartTrigger(ctx, o); err != nil {
			m.log.WithError(err).WithFields(logger.Fields{"order_id": o.ID}).Error("trigger recovery failed")
			continue
		}
		recovered++
	}

	dcas, err := m.st.ListActiveDCA(ctx, "")
	if err != nil {
		return fmt.Errorf("reload dca orders: %w", err)
	}
	for _, o := range dcas {
		if _, err := m.StartDCA(ctx, o); err != nil {
			m.log.WithError(err).WithFields(logger.Fields{"order_id": o.ID}).Error("dca recovery failed")
			continue
		}
		recovered++
	}

	m.log.WithFields(logger.Fields{
		"recovered": recovered, "elapsed": time.Since(start),
	}).Info("startup recovery finished")
	return nil
}

// CancelAll cancels every live engine; used during shutdown of
// strategies that must not outlive the process.
func (m *Manager) CancelAll(ctx context.Context) {
	m.mu.Lock()
	var ids []string
	for id := range m.twaps {
		ids = append(ids, id)
	}
	for id := range m.brackets {
		ids = append(ids, id)
	}
	for id := range m.triggers {
		ids = append(ids, id)
	}
	for id := range m.dcas {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.CancelOrder(ctx, id); err != nil {
			m.log.WithError(err).WithFields(logger.Fields{"order_id": id}).Warn("cancel during shutdown failed")
		}
	}
}
