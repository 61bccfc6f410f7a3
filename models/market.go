package models

import (
	"time"
)

// Venue identifies an external trading platform.
type Venue string

const (
	VenuePolymarket Venue = "polymarket"
	VenueKalshi     Venue = "kalshi"
)

// Outcome is a single tradable outcome within a market. Price is
// normalized to [0,1] regardless of the venue's native units.
type Outcome struct {
	ID      string  `json:"id"`
	Name    string  `json:"name"`
	Price   float64 `json:"price"`
	TokenID string  `json:"token_id,omitempty"`
}

// Market is an immutable snapshot of a venue market. It is re-fetched,
// never mutated in place.
type Market struct {
	Venue     Venue     `json:"venue"`
	ID        string    `json:"id"`
	Slug      string    `json:"slug,omitempty"`
	Question  string    `json:"question"`
	Outcomes  []Outcome `json:"outcomes"`
	Volume    float64   `json:"volume"`
	Liquidity float64   `json:"liquidity"`
	NegRisk   bool      `json:"neg_risk,omitempty"`
	Resolved  bool      `json:"resolved"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Outcome returns the outcome with the given id, if present.
func (m *Market) Outcome(id string) (Outcome, bool) {
	for _, o := range m.Outcomes {
		if o.ID == id || o.TokenID == id {
			return o, true
		}
	}
	return Outcome{}, false
}

// BookLevel is a single price level in an orderbook.
type BookLevel struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// Orderbook is a full snapshot for one market/outcome: bids sorted by
// price descending, asks ascending. Built fresh on every query.
type Orderbook struct {
	Venue      Venue       `json:"venue"`
	MarketID   string      `json:"market_id"`
	OutcomeID  string      `json:"outcome_id,omitempty"`
	Bids       []BookLevel `json:"bids"`
	Asks       []BookLevel `json:"asks"`
	CapturedAt time.Time   `json:"captured_at"`
}

// BestBid returns the highest bid price, or 0 when the book is empty.
func (ob *Orderbook) BestBid() float64 {
	if len(ob.Bids) == 0 {
		return 0
	}
	return ob.Bids[0].Price
}

// BestAsk returns the lowest ask price, or 1 when the book is empty.
func (ob *Orderbook) BestAsk() float64 {
	if len(ob.Asks) == 0 {
		return 1
	}
	return ob.Asks[0].Price
}

// Mid returns the midpoint between best bid and best ask.
func (ob *Orderbook) Mid() float64 {
	return (ob.BestBid() + ob.BestAsk()) / 2
}

// Spread returns the distance between best ask and best bid.
func (ob *Orderbook) Spread() float64 {
	return ob.BestAsk() - ob.BestBid()
}

// PriceUpdate is a normalized price change for one (venue, outcome) key.
// Updates are emitted only when the price actually changed versus the
// last cached value.
type PriceUpdate struct {
	Venue     Venue     `json:"venue"`
	MarketID  string    `json:"market_id"`
	OutcomeID string    `json:"outcome_id"`
	Price     float64   `json:"price"`
	PrevPrice float64   `json:"prev_price"`
	HasPrev   bool      `json:"has_prev"`
	Timestamp time.Time `json:"timestamp"`
}
