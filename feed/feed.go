// Package feed is the venue-agnostic market-data layer: one Client per
// venue owning a push connection, a subscription registry that emits
// normalized price updates only when the price actually changed, and a
// freshness tracker that falls back to polling when a subscription goes
// quiet without the connection closing.
package feed

import (
	"context"

	"tradeflow/models"
)

// UpdateFunc receives normalized price updates.
type UpdateFunc func(models.PriceUpdate)

// Unsubscribe releases one subscription. It must be called exactly
// once; calling it again is a no-op.
type Unsubscribe func()

// Client is the per-venue feed contract. Implementations own a single
// push connection and re-subscribe every registered id on reconnect.
type Client interface {
	Venue() models.Venue

	Connect(ctx context.Context) error
	Disconnect() error

	GetMarket(ctx context.Context, id string) (*models.Market, error)
	SearchMarkets(ctx context.Context, query string) ([]models.Market, error)
	GetOrderbook(ctx context.Context, id string) (*models.Orderbook, error)

	Subscribe(id string, fn UpdateFunc) (Unsubscribe, error)
}
