package engine

import (
	"context"
	"math"
	"testing"
	"time"

	"tradeflow/config"
	"tradeflow/models"
	"tradeflow/store"
)

func newDCAOrder() *models.DCAOrder {
	return &models.DCAOrder{
		ID:        "dca-1",
		Venue:     models.VenuePolymarket,
		MarketID:  "cond1",
		OutcomeID: "tok1",
		Side:      models.SideBuy,
		Budget:    100,
		PerCycle:  30,
		Interval:  time.Millisecond,
	}
}

func booksAt(ask float64) *staticBooks {
	return &staticBooks{book: &models.Orderbook{
		Bids: []models.BookLevel{{Price: ask - 0.02, Size: 1000}},
		Asks: []models.BookLevel{{Price: ask, Size: 1000}},
	}}
}

func TestDCAInvestsFullBudget(t *testing.T) {
	placer := newFakePlacer()
	placer.fillPrice = 0.50
	mem := store.NewMemory()
	eng := NewDCA(newDCAOrder(), placer, mem, booksAt(0.50), nil, nil)

	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDone(t, eng.Done())

	o := eng.Order()
	if o.Status != models.StatusCompleted {
		t.Fatalf("status = %s", o.Status)
	}
	// 30+30+30 then the 10 remainder: 60+60+60+20 shares at 0.50.
	if math.Abs(o.Invested-100) > 1e-9 {
		t.Errorf("invested = %v, want 100", o.Invested)
	}
	if o.SharesAcquired != 200 {
		t.Errorf("shares = %v, want 200", o.SharesAcquired)
	}
	if o.CyclesCompleted != 4 {
		t.Errorf("cycles = %d, want 4", o.CyclesCompleted)
	}
	if math.Abs(o.CostBasis-0.50) > 1e-9 {
		t.Errorf("cost basis = %v", o.CostBasis)
	}
}

func TestDCAZeroShareCycleCompletesEarly(t *testing.T) {
	placer := newFakePlacer()
	mem := store.NewMemory()
	o := newDCAOrder()
	o.Budget = 0.5
	o.PerCycle = 0.5
	eng := NewDCA(o, placer, mem, booksAt(0.90), nil, nil)

	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDone(t, eng.Done())

	final := eng.Order()
	if final.Status != models.StatusCompleted {
		t.Fatalf("status = %s", final.Status)
	}
	if final.Invested != 0 || len(placer.placements()) != 0 {
		t.Error("no purchase should happen when a cycle rounds to zero shares")
	}
}

func TestDCAMaxPriceSkipsCycle(t *testing.T) {
	placer := newFakePlacer()
	mem := store.NewMemory()
	o := newDCAOrder()
	o.MaxPrice = 0.40
	o.MaxCycles = 2

	var skips int
	events := func(e Event) {
		if e.Kind == EventSliceSkipped {
			skips++
		}
	}
	eng := NewDCA(o, placer, mem, booksAt(0.50), nil, events)

	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDone(t, eng.Done())

	if len(placer.placements()) != 0 {
		t.Error("cycles above max price must not buy")
	}
	if skips != 2 {
		t.Errorf("skip events = %d, want 2", skips)
	}
	if st := eng.Order().Status; st != models.StatusCompleted {
		t.Errorf("status = %s", st)
	}
}

func TestDCAPauseResume(t *testing.T) {
	placer := newFakePlacer()
	placer.fillPrice = 0.50
	mem := store.NewMemory()
	o := newDCAOrder()
	o.StartDelay = time.Hour // keep the first cycle from firing
	eng := NewDCA(o, placer, mem, booksAt(0.50), nil, nil)

	ctx := context.Background()
	if err := eng.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := eng.Pause(ctx); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if st := eng.Order().Status; st != models.StatusPaused {
		t.Fatalf("status = %s, want paused", st)
	}
	if err := eng.Pause(ctx); err == nil {
		t.Fatal("pausing a paused order should error")
	}

	stored, err := mem.GetDCA(ctx, o.ID)
	if err != nil || stored == nil {
		t.Fatalf("GetDCA: %v", err)
	}
	if stored.Status != models.StatusPaused {
		t.Errorf("persisted status = %s", stored.Status)
	}

	if err := eng.Resume(ctx); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	waitDone(t, eng.Done())

	final := eng.Order()
	if final.Status != models.StatusCompleted {
		t.Fatalf("status = %s", final.Status)
	}
	if math.Abs(final.Invested-100) > 1e-9 {
		t.Errorf("invested = %v", final.Invested)
	}
}

func TestDCACancelIdempotent(t *testing.T) {
	placer := newFakePlacer()
	mem := store.NewMemory()
	o := newDCAOrder()
	o.StartDelay = time.Hour
	eng := NewDCA(o, placer, mem, booksAt(0.50), nil, nil)

	ctx := context.Background()
	if err := eng.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := eng.Cancel(ctx); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if err := eng.Cancel(ctx); err != nil {
		t.Fatalf("second Cancel: %v", err)
	}
	if len(placer.placements()) != 0 {
		t.Error("no cycle should fire after cancel")
	}
}

func TestManagerRecoverResumesActiveOrders(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()

	crashed := newTWAPOrder()
	crashed.ID = "twap-recover"
	crashed.Status = models.StatusExecuting
	crashed.SlicesCompleted = 2
	crashed.FilledSize = 40
	if err := mem.SaveTWAP(ctx, crashed); err != nil {
		t.Fatalf("SaveTWAP: %v", err)
	}

	done := newTWAPOrder()
	done.ID = "twap-done"
	done.Status = models.StatusCompleted
	if err := mem.SaveTWAP(ctx, done); err != nil {
		t.Fatalf("SaveTWAP: %v", err)
	}

	placer := newFakePlacer()
	placer.fillPrice = 0.50
	mgr := NewManager(config.EngineConfig{BracketPollInterval: time.Millisecond}, placer, mem, newFakeSubscriber(), booksAt(0.50), nil, nil)

	if err := mgr.Recover(ctx); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	eng, ok := mgr.TWAP("twap-recover")
	if !ok {
		t.Fatal("recovered engine not registered")
	}
	if _, ok := mgr.TWAP("twap-done"); ok {
		t.Error("terminal order must not be recovered")
	}
	waitDone(t, eng.Done())

	if got := len(placer.placements()); got != 3 {
		t.Errorf("placements = %d, want only the remaining 3 slices", got)
	}
}
