// Package store persists in-flight algorithmic orders so they can be
// reloaded after a process restart. One table (or map) per order kind;
// the status field alone decides membership in the active set.
package store

import (
	"context"

	"tradeflow/models"
)

// TWAPStore persists TWAP orders.
type TWAPStore interface {
	SaveTWAP(ctx context.Context, o *models.TWAPOrder) error
	// UpdateTWAPProgress writes only the mutable progress fields.
	UpdateTWAPProgress(ctx context.Context, o *models.TWAPOrder) error
	// GetTWAP returns nil without error when the id is unknown.
	GetTWAP(ctx context.Context, id string) (*models.TWAPOrder, error)
	// ListActiveTWAP returns non-terminal orders, optionally filtered by user.
	ListActiveTWAP(ctx context.Context, userID string) ([]*models.TWAPOrder, error)
	DeleteTWAP(ctx context.Context, id string) error
}

// BracketStore persists bracket orders.
type BracketStore interface {
	SaveBracket(ctx context.Context, o *models.BracketOrder) error
	UpdateBracketProgress(ctx context.Context, o *models.BracketOrder) error
	GetBracket(ctx context.Context, id string) (*models.BracketOrder, error)
	ListActiveBrackets(ctx context.Context, userID string) ([]*models.BracketOrder, error)
	DeleteBracket(ctx context.Context, id string) error
}

// TriggerStore persists trigger orders.
type TriggerStore interface {
	SaveTrigger(ctx context.Context, o *models.TriggerOrder) error
	UpdateTriggerProgress(ctx context.Context, o *models.TriggerOrder) error
	GetTrigger(ctx context.Context, id string) (*models.TriggerOrder, error)
	ListActiveTriggers(ctx context.Context, userID string) ([]*models.TriggerOrder, error)
	DeleteTrigger(ctx context.Context, id string) error
}

// DCAStore persists DCA orders.
type DCAStore interface {
	SaveDCA(ctx context.Context, o *models.DCAOrder) error
	UpdateDCAProgress(ctx context.Context, o *models.DCAOrder) error
	GetDCA(ctx context.Context, id string) (*models.DCAOrder, error)
	ListActiveDCA(ctx context.Context, userID string) ([]*models.DCAOrder, error)
	DeleteDCA(ctx context.Context, id string) error
}

// Store is the full persistence contract consumed by the order engines.
type Store interface {
	TWAPStore
	BracketStore
	TriggerStore
	DCAStore
}

func isActive(s models.OrderStatus) bool {
	return !s.Terminal()
}
