// Package engine implements the four algorithmic order kinds: TWAP,
// bracket, trigger and DCA. Engines place orders only through the
// execution service and read prices only through the feed, so they
// carry no venue-specific logic. Slice and cycle execution is strictly
// sequential per order: the next timer is armed only after the current
// placement call has returned.
package engine

import (
	"context"
	"time"

	"tradeflow/breaker"
	"tradeflow/feed"
	"tradeflow/models"
)

// Placer is the slice of the execution service the engines consume.
type Placer interface {
	BuyLimit(ctx context.Context, req models.OrderRequest) (models.OrderResult, error)
	SellLimit(ctx context.Context, req models.OrderRequest) (models.OrderResult, error)
	ProtectedBuy(ctx context.Context, req models.OrderRequest) (models.OrderResult, error)
	ProtectedSell(ctx context.Context, req models.OrderRequest) (models.OrderResult, error)
	CancelOrder(ctx context.Context, v models.Venue, orderID string) error
	GetOrder(ctx context.Context, v models.Venue, orderID string) (*models.OrderState, error)
}

// Subscriber provides feed subscriptions; the feed manager satisfies it.
type Subscriber interface {
	Subscribe(v models.Venue, id string, fn feed.UpdateFunc) (feed.Unsubscribe, error)
}

// BookSource provides orderbook snapshots for price discovery and
// spread conditions.
type BookSource interface {
	GetOrderbook(ctx context.Context, v models.Venue, id string) (*models.Orderbook, error)
}

// Gate is the risk check consulted before each placement; the circuit
// breaker satisfies it. The check-then-act sequence is advisory, not
// transactional.
type Gate interface {
	CanTrade() bool
	RecordTrade(rec breaker.TradeRecord)
}

// EventKind classifies engine lifecycle events.
type EventKind string

const (
	EventSliceFilled  EventKind = "slice_filled"
	EventSliceFailed  EventKind = "slice_failed"
	EventSliceSkipped EventKind = "slice_skipped"
	EventLegFilled    EventKind = "leg_filled"
	EventTriggered    EventKind = "triggered"
	EventCompleted    EventKind = "completed"
	EventCancelled    EventKind = "cancelled"
	EventFailed       EventKind = "failed"
	EventPaused       EventKind = "paused"
	EventResumed      EventKind = "resumed"
)

// Event is a lifecycle notification delivered to the configured sink.
type Event struct {
	OrderID string
	Kind    EventKind
	Message string
	Time    time.Time
}

// EventFunc receives engine events; it must not block.
type EventFunc func(Event)

func emit(fn EventFunc, orderID string, kind EventKind, msg string) {
	if fn == nil {
		return
	}
	fn(Event{OrderID: orderID, Kind: kind, Message: msg, Time: time.Now()})
}

// place routes a request to the protected or plain entry point by
// style and side.
func place(ctx context.Context, ex Placer, req models.OrderRequest) (models.OrderResult, error) {
	if req.Style == models.StyleImmediate {
		if req.Side == models.SideBuy {
			return ex.ProtectedBuy(ctx, req)
		}
		return ex.ProtectedSell(ctx, req)
	}
	if req.Side == models.SideBuy {
		return ex.BuyLimit(ctx, req)
	}
	return ex.SellLimit(ctx, req)
}
