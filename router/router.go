// Package router compares venues for a prospective order and picks the
// one with the best net price after fees and estimated slippage. Pure
// read path: it never places orders.
package router

import (
	"context"
	"fmt"
	"sort"

	"tradeflow/logger"
	"tradeflow/models"
)

// BookSource provides orderbook snapshots; the feed manager satisfies it.
type BookSource interface {
	GetOrderbook(ctx context.Context, v models.Venue, id string) (*models.Orderbook, error)
}

// FeeFunc returns the taker fee for an outcome at a price, as a
// fraction of notional: a buy at avg costs avg*(1+rate) per share.
// Venues that quote an absolute per-share fee must convert it
// (rate = fee/price) before registering.
type FeeFunc func(ctx context.Context, outcomeID string, price float64) float64

// Route is the ranked comparison produced for one request.
type Route struct {
	Best           models.RouteQuote   `json:"best"`
	Candidates     []models.RouteQuote `json:"candidates"`
	Recommendation string              `json:"recommendation"`
}

// Router holds the fee model registered for each routable venue.
type Router struct {
	books  BookSource
	venues []models.Venue
	fees   map[models.Venue]FeeFunc
	log    *logger.Entry
}

func New(books BookSource) *Router {
	return &Router{
		books: books,
		fees:  make(map[models.Venue]FeeFunc),
		log:   logger.GetLogger().WithComponent("router"),
	}
}

// RegisterVenue adds a venue with its fee model. A nil fee model means
// the venue charges nothing.
func (r *Router) RegisterVenue(v models.Venue, fee FeeFunc) {
	r.venues = append(r.venues, v)
	r.fees[v] = fee
}

// FindBestRoute quotes every registered venue for the outcome and
// ranks them by net price: lowest wins a buy, highest wins a sell.
// Venues that cannot quote the outcome are skipped.
func (r *Router) FindBestRoute(ctx context.Context, outcomeID string, side models.Side, size float64) (*Route, error) {
	var quotes []models.RouteQuote
	for _, v := range r.venues {
		ob, err := r.books.GetOrderbook(ctx, v, outcomeID)
		if err != nil {
			r.log.WithError(err).WithFields(logger.Fields{"venue": v, "outcome": outcomeID}).Debug("venue skipped")
			continue
		}
		q, err := r.quote(ctx, v, ob, side, size)
		if err != nil {
			r.log.WithError(err).WithFields(logger.Fields{"venue": v}).Debug("venue unquotable")
			continue
		}
		quotes = append(quotes, q)
	}
	if len(quotes) == 0 {
		return nil, fmt.Errorf("no venue can quote %s", outcomeID)
	}

	sort.Slice(quotes, func(i, j int) bool {
		if side == models.SideBuy {
			return quotes[i].NetPrice < quotes[j].NetPrice
		}
		return quotes[i].NetPrice > quotes[j].NetPrice
	})

	best := quotes[0]
	return &Route{
		Best:           best,
		Candidates:     quotes,
		Recommendation: recommend(best, quotes, side),
	}, nil
}

// quote walks the book for the requested size and applies the venue's
// fee model to the expected average fill price.
func (r *Router) quote(ctx context.Context, v models.Venue, ob *models.Orderbook, side models.Side, size float64) (models.RouteQuote, error) {
	levels := ob.Asks
	touch := ob.BestAsk()
	if side == models.SideSell {
		levels = ob.Bids
		touch = ob.BestBid()
	}
	if len(levels) == 0 {
		return models.RouteQuote{}, fmt.Errorf("empty %s side", side.Opposite())
	}

	avg, filled := walkDepth(levels, size)
	if filled <= 0 {
		return models.RouteQuote{}, fmt.Errorf("no visible depth")
	}

	slippage := avg - touch
	if side == models.SideSell {
		slippage = touch - avg
	}

	feeRate := 0.0
	if fee := r.fees[v]; fee != nil {
		feeRate = fee(ctx, ob.OutcomeID, avg)
	}
	net := avg * (1 + feeRate)
	if side == models.SideSell {
		net = avg * (1 - feeRate)
	}

	return models.RouteQuote{
		Venue:       v,
		QuotedPrice: touch,
		NetPrice:    net,
		Fee:         feeRate,
		Slippage:    slippage,
	}, nil
}

// walkDepth consumes levels until size is filled, returning the
// size-weighted average price and the filled quantity. A book thinner
// than the request quotes whatever depth is visible.
func walkDepth(levels []models.BookLevel, size float64) (float64, float64) {
	var cost, filled float64
	for _, lv := range levels {
		take := size - filled
		if take <= 0 {
			break
		}
		if lv.Size < take {
			take = lv.Size
		}
		cost += take * lv.Price
		filled += take
	}
	if filled == 0 {
		return 0, 0
	}
	return cost / filled, filled
}

func recommend(best models.RouteQuote, all []models.RouteQuote, side models.Side) string {
	verb := "Buy"
	if side == models.SideSell {
		verb = "Sell"
	}
	if len(all) == 1 {
		return fmt.Sprintf("%s on %s at net %.4f (only venue quoting)", verb, best.Venue, best.NetPrice)
	}
	runner := all[1]
	edge := runner.NetPrice - best.NetPrice
	if side == models.SideSell {
		edge = best.NetPrice - runner.NetPrice
	}
	return fmt.Sprintf("%s on %s at net %.4f, %.4f better than %s", verb, best.Venue, best.NetPrice, edge, runner.Venue)
}
