package models

import (
	"time"
)

// Side of an order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite returns the exit side for a position entered on s.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderStyle selects between resting limit orders and immediate
// (fill-or-kill style) execution.
type OrderStyle string

const (
	StyleResting   OrderStyle = "resting"
	StyleImmediate OrderStyle = "immediate"
)

// OrderRequest is an immutable value passed into the execution service.
// Price is meaningful only for limit-style calls.
type OrderRequest struct {
	Venue     Venue      `json:"venue"`
	MarketID  string     `json:"market_id"`
	OutcomeID string     `json:"outcome_id"`
	Side      Side       `json:"side"`
	Price     float64    `json:"price"`
	Size      float64    `json:"size"`
	Style     OrderStyle `json:"style"`
	NegRisk   bool       `json:"neg_risk,omitempty"`
}

// OrderResult is the venue's answer to a placement attempt. Expected
// rejections (bad price, insufficient funds) are carried as
// Success=false with a non-empty Error, never as Go errors.
type OrderResult struct {
	Success      bool    `json:"success"`
	OrderID      string  `json:"order_id,omitempty"`
	AvgFillPrice float64 `json:"avg_fill_price,omitempty"`
	Error        string  `json:"error,omitempty"`
}

// OpenOrder describes a resting order as reported by a venue.
type OpenOrder struct {
	OrderID   string  `json:"order_id"`
	MarketID  string  `json:"market_id"`
	OutcomeID string  `json:"outcome_id"`
	Side      Side    `json:"side"`
	Price     float64 `json:"price"`
	Size      float64 `json:"size"`
	FilledSz  float64 `json:"filled_size"`
}

// OrderState is the lifecycle state of a venue order queried by id.
type OrderState struct {
	OrderID      string  `json:"order_id"`
	Filled       bool    `json:"filled"`
	Cancelled    bool    `json:"cancelled"`
	FilledSize   float64 `json:"filled_size"`
	AvgFillPrice float64 `json:"avg_fill_price"`
}

// RouteQuote is a fee- and slippage-adjusted quote for one venue,
// computed on demand and never persisted.
type RouteQuote struct {
	Venue       Venue   `json:"venue"`
	QuotedPrice float64 `json:"quoted_price"`
	NetPrice    float64 `json:"net_price"`
	Fee         float64 `json:"fee"`
	Slippage    float64 `json:"slippage"`
}

// OrderStatus is the closed set of algorithmic order states. The status
// alone decides whether an order is "active" for persistence reload.
type OrderStatus string

const (
	StatusPending       OrderStatus = "pending"
	StatusExecuting     OrderStatus = "executing"
	StatusActive        OrderStatus = "active"
	StatusPaused        OrderStatus = "paused"
	StatusCompleted     OrderStatus = "completed"
	StatusCancelled     OrderStatus = "cancelled"
	StatusFailed        OrderStatus = "failed"
	StatusFilled        OrderStatus = "filled"
	StatusTakeProfitHit OrderStatus = "take_profit_hit"
	StatusStopLossHit   OrderStatus = "stop_loss_hit"
)

// Terminal reports whether s is an end state for any order kind.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusFailed, StatusFilled,
		StatusTakeProfitHit, StatusStopLossHit:
		return true
	}
	return false
}

// ActiveStatuses are the states reloaded on startup recovery.
var ActiveStatuses = []OrderStatus{StatusPending, StatusExecuting, StatusActive, StatusPaused}

// TWAPOrder slices a total size into timed child orders.
type TWAPOrder struct {
	ID        string        `json:"id"`
	UserID    string        `json:"user_id"`
	Venue     Venue         `json:"venue"`
	MarketID  string        `json:"market_id"`
	OutcomeID string        `json:"outcome_id"`
	Side      Side          `json:"side"`
	TotalSize float64       `json:"total_size"`
	SliceSize float64       `json:"slice_size"`
	Interval  time.Duration `json:"interval"`

	// Optional knobs.
	Jitter      time.Duration `json:"jitter,omitempty"`
	MaxDuration time.Duration `json:"max_duration,omitempty"`
	PriceLimit  float64       `json:"price_limit,omitempty"`
	StartDelay  time.Duration `json:"start_delay,omitempty"`
	Style       OrderStyle    `json:"style"`

	Status          OrderStatus `json:"status"`
	FilledSize      float64     `json:"filled_size"`
	TotalCost       float64     `json:"total_cost"`
	SlicesCompleted int         `json:"slices_completed"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// SliceCount returns the number of slices needed to reach TotalSize.
func (o *TWAPOrder) SliceCount() int {
	if o.SliceSize <= 0 {
		return 0
	}
	n := int(o.TotalSize / o.SliceSize)
	if o.TotalSize > float64(n)*o.SliceSize {
		n++
	}
	return n
}

// BracketOrder protects an existing position with a take-profit and a
// stop-loss leg; whichever fills first closes the position.
type BracketOrder struct {
	ID        string  `json:"id"`
	UserID    string  `json:"user_id"`
	Venue     Venue   `json:"venue"`
	MarketID  string  `json:"market_id"`
	OutcomeID string  `json:"outcome_id"`
	Side      Side    `json:"side"` // side the position was entered on
	Size      float64 `json:"size"`

	TakeProfit float64 `json:"take_profit"`
	StopLoss   float64 `json:"stop_loss"`
	// PartialTP in (0,1] sizes the take-profit leg as a fraction of Size.
	PartialTP float64 `json:"partial_tp,omitempty"`

	Status    OrderStatus `json:"status"`
	TPOrderID string      `json:"tp_order_id,omitempty"`
	SLOrderID string      `json:"sl_order_id,omitempty"`
	FilledLeg string      `json:"filled_leg,omitempty"` // "take_profit" or "stop_loss"
	FillPrice float64     `json:"fill_price,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// ConditionType enumerates trigger conditions.
type ConditionType string

const (
	CondPriceBelow  ConditionType = "price_below"
	CondPriceAbove  ConditionType = "price_above"
	CondPriceCross  ConditionType = "price_cross"
	CondSpreadBelow ConditionType = "spread_below"
)

// CrossDirection disambiguates price_cross conditions.
type CrossDirection string

const (
	CrossUp   CrossDirection = "up"
	CrossDown CrossDirection = "down"
)

// TriggerCondition fires once when satisfied by a price update.
type TriggerCondition struct {
	Type      ConditionType  `json:"type"`
	Level     float64        `json:"level"`
	Direction CrossDirection `json:"direction,omitempty"`
}

// TriggerOrder places a pre-built order the first time its condition is
// met by the live feed.
type TriggerOrder struct {
	ID        string           `json:"id"`
	UserID    string           `json:"user_id"`
	Venue     Venue            `json:"venue"`
	MarketID  string           `json:"market_id"`
	OutcomeID string           `json:"outcome_id"`
	Condition TriggerCondition `json:"condition"`
	Order     OrderRequest     `json:"order"`

	Status      OrderStatus `json:"status"`
	TriggeredAt *time.Time  `json:"triggered_at,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// DCAOrder invests a budget in fixed currency amounts per cycle.
type DCAOrder struct {
	ID        string        `json:"id"`
	UserID    string        `json:"user_id"`
	Venue     Venue         `json:"venue"`
	MarketID  string        `json:"market_id"`
	OutcomeID string        `json:"outcome_id"`
	Side      Side          `json:"side"`
	Budget    float64       `json:"budget"`
	PerCycle  float64       `json:"per_cycle"`
	Interval  time.Duration `json:"interval"`

	MaxPrice   float64       `json:"max_price,omitempty"`
	MaxCycles  int           `json:"max_cycles,omitempty"`
	StartDelay time.Duration `json:"start_delay,omitempty"`

	Status          OrderStatus `json:"status"`
	Invested        float64     `json:"invested"`
	SharesAcquired  float64     `json:"shares_acquired"`
	CostBasis       float64     `json:"cost_basis"`
	CyclesCompleted int         `json:"cycles_completed"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// CycleCap returns the effective maximum number of cycles: the
// configured cap when set, otherwise the count implied by the budget.
func (o *DCAOrder) CycleCap() int {
	derived := 0
	if o.PerCycle > 0 {
		derived = int(o.Budget / o.PerCycle)
		if o.Budget > float64(derived)*o.PerCycle {
			derived++
		}
	}
	if o.MaxCycles > 0 && (derived == 0 || o.MaxCycles < derived) {
		return o.MaxCycles
	}
	return derived
}
