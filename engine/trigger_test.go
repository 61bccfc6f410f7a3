package engine

import (
	"context"
	"testing"

	"tradeflow/models"
	"tradeflow/store"
)

func newTriggerOrder(cond models.TriggerCondition) *models.TriggerOrder {
	return &models.TriggerOrder{
		ID:        "trig-1",
		Venue:     models.VenuePolymarket,
		MarketID:  "cond1",
		OutcomeID: "tok1",
		Condition: cond,
		Order: models.OrderRequest{
			Venue:     models.VenuePolymarket,
			MarketID:  "cond1",
			OutcomeID: "tok1",
			Side:      models.SideBuy,
			Price:     0.40,
			Size:      10,
			Style:     models.StyleImmediate,
		},
	}
}

func TestTriggerPriceBelowFiresOnce(t *testing.T) {
	placer := newFakePlacer()
	subs := newFakeSubscriber()
	mem := store.NewMemory()
	eng := NewTrigger(newTriggerOrder(models.TriggerCondition{
		Type: models.CondPriceBelow, Level: 0.40,
	}), placer, mem, subs, nil, nil)

	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	prices := []float64{0.55, 0.45, 0.38, 0.30}
	var prev float64
	for i, p := range prices {
		subs.push("tok1", p, prev, i > 0)
		prev = p

		placed := placer.placements()
		switch {
		case p > 0.40 && len(placed) != 0:
			t.Fatalf("fired early at %.2f", p)
		case p == 0.38 && len(placed) != 1:
			t.Fatalf("placements at 0.38 = %d, want 1", len(placed))
		case p == 0.30 && len(placed) != 1:
			t.Fatalf("placements after 0.30 = %d, condition must not re-fire", len(placed))
		}
	}

	o := eng.Order()
	if o.Status != models.StatusFilled {
		t.Errorf("status = %s, want filled", o.Status)
	}
	if o.TriggeredAt == nil {
		t.Error("triggered time not recorded")
	}
	// Subscription must be released after firing.
	subs.mu.Lock()
	remaining := len(subs.fns)
	subs.mu.Unlock()
	if remaining != 0 {
		t.Error("subscription leaked after firing")
	}
}

func TestTriggerFilledEvenWhenPlacementRejected(t *testing.T) {
	placer := newFakePlacer()
	placer.reject = "market closed"
	subs := newFakeSubscriber()
	mem := store.NewMemory()
	eng := NewTrigger(newTriggerOrder(models.TriggerCondition{
		Type: models.CondPriceBelow, Level: 0.40,
	}), placer, mem, subs, nil, nil)

	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	subs.push("tok1", 0.35, 0, false)

	if st := eng.Order().Status; st != models.StatusFilled {
		t.Errorf("status = %s, want filled despite rejection", st)
	}
}

func TestTriggerPriceAbove(t *testing.T) {
	placer := newFakePlacer()
	subs := newFakeSubscriber()
	mem := store.NewMemory()
	eng := NewTrigger(newTriggerOrder(models.TriggerCondition{
		Type: models.CondPriceAbove, Level: 0.60,
	}), placer, mem, subs, nil, nil)

	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	subs.push("tok1", 0.58, 0, false)
	if len(placer.placements()) != 0 {
		t.Fatal("fired below level")
	}
	subs.push("tok1", 0.62, 0.58, true)
	if len(placer.placements()) != 1 {
		t.Fatal("did not fire above level")
	}
}

func TestTriggerCrossUpNeedsPrev(t *testing.T) {
	placer := newFakePlacer()
	subs := newFakeSubscriber()
	mem := store.NewMemory()
	eng := NewTrigger(newTriggerOrder(models.TriggerCondition{
		Type: models.CondPriceCross, Level: 0.50, Direction: models.CrossUp,
	}), placer, mem, subs, nil, nil)

	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// First update has no previous price, cannot establish a cross.
	subs.push("tok1", 0.55, 0, false)
	if len(placer.placements()) != 0 {
		t.Fatal("fired without a previous price")
	}
	// Already above the level: not a cross.
	subs.push("tok1", 0.58, 0.55, true)
	if len(placer.placements()) != 0 {
		t.Fatal("fired without crossing")
	}
	// Dip below, then cross up through the level.
	subs.push("tok1", 0.48, 0.58, true)
	subs.push("tok1", 0.52, 0.48, true)
	if len(placer.placements()) != 1 {
		t.Fatal("cross up did not fire")
	}
}

func TestTriggerSpreadBelow(t *testing.T) {
	placer := newFakePlacer()
	subs := newFakeSubscriber()
	mem := store.NewMemory()
	books := &staticBooks{book: &models.Orderbook{
		Bids: []models.BookLevel{{Price: 0.49, Size: 10}},
		Asks: []models.BookLevel{{Price: 0.51, Size: 10}},
	}}
	eng := NewTrigger(newTriggerOrder(models.TriggerCondition{
		Type: models.CondSpreadBelow, Level: 0.03,
	}), placer, mem, subs, books, nil)

	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	subs.push("tok1", 0.50, 0, false)
	if len(placer.placements()) != 1 {
		t.Fatal("spread 0.02 below 0.03 should fire")
	}
}

func TestTriggerCancelDoesNotPlace(t *testing.T) {
	placer := newFakePlacer()
	subs := newFakeSubscriber()
	mem := store.NewMemory()
	eng := NewTrigger(newTriggerOrder(models.TriggerCondition{
		Type: models.CondPriceBelow, Level: 0.40,
	}), placer, mem, subs, nil, nil)

	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := eng.Cancel(context.Background()); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if err := eng.Cancel(context.Background()); err != nil {
		t.Fatalf("second Cancel: %v", err)
	}

	// A satisfying update after cancel must be ignored.
	subs.push("tok1", 0.30, 0, false)
	if len(placer.placements()) != 0 {
		t.Error("cancelled trigger placed an order")
	}
	if st := eng.Order().Status; st != models.StatusCancelled {
		t.Errorf("status = %s", st)
	}
}
