package feed

import (
	"context"
	"fmt"

	"tradeflow/logger"
	"tradeflow/models"
)

// Manager aggregates the per-venue clients behind one lookup surface
// for the router and the order engines.
type Manager struct {
	clients map[models.Venue]Client
	log     *logger.Entry
}

// NewManager creates a manager over the given clients.
func NewManager(clients ...Client) *Manager {
	m := &Manager{
		clients: make(map[models.Venue]Client, len(clients)),
		log:     logger.GetLogger().WithComponent("feed_manager"),
	}
	for _, c := range clients {
		m.clients[c.Venue()] = c
	}
	return m
}

// Client returns the feed client for a venue.
func (m *Manager) Client(v models.Venue) (Client, bool) {
	c, ok := m.clients[v]
	return c, ok
}

// Venues lists the registered venues.
func (m *Manager) Venues() []models.Venue {
	out := make([]models.Venue, 0, len(m.clients))
	for v := range m.clients {
		out = append(out, v)
	}
	return out
}

// ConnectAll connects every client; a venue that fails to connect is
// reported but does not prevent the others from starting (it will
// reconnect on its own).
func (m *Manager) ConnectAll(ctx context.Context) error {
	var firstErr error
	for v, c := range m.clients {
		if err := c.Connect(ctx); err != nil {
			m.log.WithError(err).WithFields(logger.Fields{"venue": v}).Warn("venue connect failed")
			if firstErr == nil {
				firstErr = fmt.Errorf("connect %s: %w", v, err)
			}
		}
	}
	return firstErr
}

// DisconnectAll tears down every connection.
func (m *Manager) DisconnectAll() {
	for v, c := range m.clients {
		if err := c.Disconnect(); err != nil {
			m.log.WithError(err).WithFields(logger.Fields{"venue": v}).Warn("venue disconnect failed")
		}
	}
}

// GetOrderbook fetches a fresh orderbook from one venue.
func (m *Manager) GetOrderbook(ctx context.Context, v models.Venue, id string) (*models.Orderbook, error) {
	c, ok := m.clients[v]
	if !ok {
		return nil, fmt.Errorf("no feed client for venue %s", v)
	}
	return c.GetOrderbook(ctx, id)
}

// GetMarket fetches a market snapshot from one venue.
func (m *Manager) GetMarket(ctx context.Context, v models.Venue, id string) (*models.Market, error) {
	c, ok := m.clients[v]
	if !ok {
		return nil, fmt.Errorf("no feed client for venue %s", v)
	}
	return c.GetMarket(ctx, id)
}

// Subscribe registers a price-update callback on one venue.
func (m *Manager) Subscribe(v models.Venue, id string, fn UpdateFunc) (Unsubscribe, error) {
	c, ok := m.clients[v]
	if !ok {
		return nil, fmt.Errorf("no feed client for venue %s", v)
	}
	return c.Subscribe(id, fn)
}
