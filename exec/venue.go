// Package exec is the single gateway to venue order-placement APIs.
// Algorithmic order engines depend on the Service here plus feed reads
// and never talk to a venue directly.
package exec

import (
	"context"

	"tradeflow/models"
)

// VenueAdapter is the per-venue placement surface. PlaceOrder returns a
// Go error only for transport-level failures; venue rejections come
// back as OrderResult.Success=false with the venue's reason.
type VenueAdapter interface {
	Venue() models.Venue
	PlaceOrder(ctx context.Context, req models.OrderRequest) (models.OrderResult, error)
	CancelOrder(ctx context.Context, orderID string) error
	CancelAll(ctx context.Context) error
	OpenOrders(ctx context.Context) ([]models.OpenOrder, error)
	GetOrder(ctx context.Context, orderID string) (*models.OrderState, error)
}

// BookSource provides orderbook snapshots for slippage checks; the
// feed manager satisfies it.
type BookSource interface {
	GetOrderbook(ctx context.Context, v models.Venue, id string) (*models.Orderbook, error)
}
