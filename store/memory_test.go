package store

import (
	"context"
	"testing"
	"time"

	"tradeflow/models"
)

func sampleTWAP(id string, status models.OrderStatus) *models.TWAPOrder {
	now := time.Now()
	return &models.TWAPOrder{
		ID:        id,
		UserID:    "u1",
		Venue:     models.VenuePolymarket,
		MarketID:  "mkt-1",
		OutcomeID: "out-yes",
		Side:      models.SideBuy,
		TotalSize: 100,
		SliceSize: 20,
		Interval:  time.Minute,
		Style:     models.StyleImmediate,
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestMemoryTWAPRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	o := sampleTWAP("twap-1", models.StatusExecuting)
	o.SlicesCompleted = 2
	o.FilledSize = 40
	o.TotalCost = 20.8

	if err := m.SaveTWAP(ctx, o); err != nil {
		t.Fatalf("SaveTWAP: %v", err)
	}

	got, err := m.GetTWAP(ctx, "twap-1")
	if err != nil {
		t.Fatalf("GetTWAP: %v", err)
	}
	if got == nil {
		t.Fatal("GetTWAP returned nil for saved order")
	}
	if got.SlicesCompleted != 2 || got.FilledSize != 40 {
		t.Errorf("progress lost: slices=%d filled=%v", got.SlicesCompleted, got.FilledSize)
	}

	// Mutating the returned copy must not touch the stored record.
	got.FilledSize = 999
	again, _ := m.GetTWAP(ctx, "twap-1")
	if again.FilledSize != 40 {
		t.Error("store handed out shared state")
	}
}

func TestMemoryGetUnknownIsNil(t *testing.T) {
	m := NewMemory()
	got, err := m.GetTWAP(context.Background(), "nope")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Fatal("unknown id must return nil, nil")
	}
}

func TestMemoryListActiveFiltersTerminal(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	m.SaveTWAP(ctx, sampleTWAP("a", models.StatusExecuting))
	m.SaveTWAP(ctx, sampleTWAP("b", models.StatusCompleted))
	m.SaveTWAP(ctx, sampleTWAP("c", models.StatusCancelled))
	m.SaveTWAP(ctx, sampleTWAP("d", models.StatusPending))

	active, err := m.ListActiveTWAP(ctx, "")
	if err != nil {
		t.Fatalf("ListActiveTWAP: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("got %d active orders, want 2", len(active))
	}
	for _, o := range active {
		if o.Status.Terminal() {
			t.Errorf("terminal order %s in active list", o.ID)
		}
	}
}

func TestMemoryListActiveByUser(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	a := sampleTWAP("a", models.StatusExecuting)
	b := sampleTWAP("b", models.StatusExecuting)
	b.UserID = "u2"
	m.SaveTWAP(ctx, a)
	m.SaveTWAP(ctx, b)

	got, _ := m.ListActiveTWAP(ctx, "u2")
	if len(got) != 1 || got[0].ID != "b" {
		t.Fatalf("user filter broken: %+v", got)
	}
}

func TestMemoryDelete(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	m.SaveTWAP(ctx, sampleTWAP("a", models.StatusExecuting))
	if err := m.DeleteTWAP(ctx, "a"); err != nil {
		t.Fatalf("DeleteTWAP: %v", err)
	}
	if got, _ := m.GetTWAP(ctx, "a"); got != nil {
		t.Fatal("order still present after delete")
	}
}

func TestMemoryBracketAndTriggerAndDCA(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	now := time.Now()

	br := &models.BracketOrder{
		ID: "br-1", Venue: models.VenueKalshi, MarketID: "K-1", OutcomeID: "yes",
		Side: models.SideBuy, Size: 10, TakeProfit: 0.8, StopLoss: 0.3,
		Status: models.StatusActive, CreatedAt: now, UpdatedAt: now,
	}
	if err := m.SaveBracket(ctx, br); err != nil {
		t.Fatalf("SaveBracket: %v", err)
	}
	br.Status = models.StatusTakeProfitHit
	br.FilledLeg = "take_profit"
	if err := m.UpdateBracketProgress(ctx, br); err != nil {
		t.Fatalf("UpdateBracketProgress: %v", err)
	}
	if got, _ := m.GetBracket(ctx, "br-1"); got.FilledLeg != "take_profit" {
		t.Errorf("bracket progress not persisted: %+v", got)
	}
	if active, _ := m.ListActiveBrackets(ctx, ""); len(active) != 0 {
		t.Error("terminal bracket listed as active")
	}

	tr := &models.TriggerOrder{
		ID: "tr-1", Venue: models.VenuePolymarket, MarketID: "m", OutcomeID: "o",
		Condition: models.TriggerCondition{Type: models.CondPriceBelow, Level: 0.4},
		Order:     models.OrderRequest{Side: models.SideBuy, Size: 5, Style: models.StyleImmediate},
		Status:    models.StatusPending, CreatedAt: now, UpdatedAt: now,
	}
	if err := m.SaveTrigger(ctx, tr); err != nil {
		t.Fatalf("SaveTrigger: %v", err)
	}
	if active, _ := m.ListActiveTriggers(ctx, ""); len(active) != 1 {
		t.Error("pending trigger missing from active list")
	}

	dca := &models.DCAOrder{
		ID: "dca-1", Venue: models.VenuePolymarket, MarketID: "m", OutcomeID: "o",
		Side: models.SideBuy, Budget: 100, PerCycle: 10, Interval: time.Hour,
		Status: models.StatusPaused, CreatedAt: now, UpdatedAt: now,
	}
	if err := m.SaveDCA(ctx, dca); err != nil {
		t.Fatalf("SaveDCA: %v", err)
	}
	if active, _ := m.ListActiveDCA(ctx, ""); len(active) != 1 {
		t.Error("paused dca missing from active list, paused orders are recoverable")
	}
}
