package engine

import (
	"context"
	"testing"
	"time"

	"tradeflow/models"
	"tradeflow/store"
)

func newTWAPOrder() *models.TWAPOrder {
	return &models.TWAPOrder{
		ID:        "twap-1",
		Venue:     models.VenuePolymarket,
		MarketID:  "cond1",
		OutcomeID: "tok1",
		Side:      models.SideBuy,
		TotalSize: 100,
		SliceSize: 20,
		Interval:  time.Millisecond,
	}
}

func TestTWAPCompletesAfterFiveSlices(t *testing.T) {
	placer := newFakePlacer()
	placer.fillPrice = 0.50
	mem := store.NewMemory()
	eng := NewTWAP(newTWAPOrder(), placer, mem, nil, nil)

	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDone(t, eng.Done())

	o := eng.Order()
	if o.Status != models.StatusCompleted {
		t.Fatalf("status = %s, want completed", o.Status)
	}
	if o.FilledSize != 100 {
		t.Errorf("filled = %v, want full total", o.FilledSize)
	}
	if o.SlicesCompleted != 5 {
		t.Errorf("slices = %d, want 5", o.SlicesCompleted)
	}
	if got := len(placer.placements()); got != 5 {
		t.Errorf("placements = %d, want 5", got)
	}
	if o.TotalCost != 50 {
		t.Errorf("cost = %v, want 50 at fill price 0.50", o.TotalCost)
	}
}

func TestTWAPAllSliceFailuresStillCompletes(t *testing.T) {
	placer := newFakePlacer()
	placer.reject = "insufficient balance"
	mem := store.NewMemory()

	var failures int
	events := func(e Event) {
		if e.Kind == EventSliceFailed {
			failures++
		}
	}
	eng := NewTWAP(newTWAPOrder(), placer, mem, nil, events)

	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDone(t, eng.Done())

	o := eng.Order()
	if o.Status != models.StatusCompleted {
		t.Fatalf("status = %s, want completed despite failures", o.Status)
	}
	if o.FilledSize != 0 {
		t.Errorf("filled = %v, want 0", o.FilledSize)
	}
	if o.SlicesCompleted != 0 {
		t.Errorf("slices completed = %d, want 0", o.SlicesCompleted)
	}
	if failures != 5 {
		t.Errorf("failure events = %d, want 5", failures)
	}
}

func TestTWAPRemainderSlice(t *testing.T) {
	placer := newFakePlacer()
	mem := store.NewMemory()
	o := newTWAPOrder()
	o.TotalSize = 50
	o.SliceSize = 20 // 20 + 20 + 10
	eng := NewTWAP(o, placer, mem, nil, nil)

	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDone(t, eng.Done())

	placed := placer.placements()
	if len(placed) != 3 {
		t.Fatalf("placements = %d, want 3", len(placed))
	}
	if placed[2].Size != 10 {
		t.Errorf("final slice size = %v, want remainder 10", placed[2].Size)
	}
}

func TestTWAPCancelStopsScheduling(t *testing.T) {
	placer := newFakePlacer()
	mem := store.NewMemory()
	o := newTWAPOrder()
	o.Interval = time.Hour
	o.StartDelay = time.Hour
	eng := NewTWAP(o, placer, mem, nil, nil)

	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := eng.Cancel(context.Background()); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if err := eng.Cancel(context.Background()); err != nil {
		t.Fatalf("second Cancel must be a no-op: %v", err)
	}

	if st := eng.Order().Status; st != models.StatusCancelled {
		t.Errorf("status = %s, want cancelled", st)
	}
	if len(placer.placements()) != 0 {
		t.Error("no slice should fire after cancel")
	}

	stored, err := mem.GetTWAP(context.Background(), o.ID)
	if err != nil || stored == nil {
		t.Fatalf("GetTWAP: %v", err)
	}
	if stored.Status != models.StatusCancelled {
		t.Errorf("persisted status = %s", stored.Status)
	}
}

func TestTWAPRecoveryResumesMidway(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()

	// Persist a crashed order that already filled two slices.
	crashed := newTWAPOrder()
	crashed.Status = models.StatusExecuting
	crashed.SlicesCompleted = 2
	crashed.FilledSize = 40
	crashed.TotalCost = 20
	if err := mem.SaveTWAP(ctx, crashed); err != nil {
		t.Fatalf("SaveTWAP: %v", err)
	}

	active, err := mem.ListActiveTWAP(ctx, "")
	if err != nil {
		t.Fatalf("ListActiveTWAP: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("active orders = %d, want 1", len(active))
	}

	placer := newFakePlacer()
	placer.fillPrice = 0.50
	eng := NewTWAP(active[0], placer, mem, nil, nil)
	if err := eng.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDone(t, eng.Done())

	o := eng.Order()
	if o.Status != models.StatusCompleted {
		t.Fatalf("status = %s", o.Status)
	}
	// Slices 3..5 only: recovery must not replay the first two.
	if got := len(placer.placements()); got != 3 {
		t.Errorf("placements after recovery = %d, want 3", got)
	}
	if o.FilledSize != 100 {
		t.Errorf("filled = %v, want 100", o.FilledSize)
	}
	if o.SlicesCompleted != 5 {
		t.Errorf("slices = %d, want 5", o.SlicesCompleted)
	}
}

func TestTWAPBlockedByBreaker(t *testing.T) {
	placer := newFakePlacer()
	mem := store.NewMemory()
	eng := NewTWAP(newTWAPOrder(), placer, mem, deniedGate{}, nil)

	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDone(t, eng.Done())

	if got := len(placer.placements()); got != 0 {
		t.Errorf("placements = %d, want 0 with tripped breaker", got)
	}
	if st := eng.Order().Status; st != models.StatusCompleted {
		t.Errorf("status = %s, want completed after exhausting attempts", st)
	}
}

// ctxBoundStore refuses writes on a dead context, the way a real
// database pool does.
type ctxBoundStore struct {
	*store.Memory
}

func (s *ctxBoundStore) UpdateTWAPProgress(ctx context.Context, o *models.TWAPOrder) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Memory.UpdateTWAPProgress(ctx, o)
}

func TestTWAPFinalProgressSurvivesShutdown(t *testing.T) {
	placer := newFakePlacer()
	placer.fillPrice = 0.50
	st := &ctxBoundStore{Memory: store.NewMemory()}

	order := newTWAPOrder()
	order.TotalSize = 20 // one slice fills the order

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// Shutdown lands while the slice is in flight.
	placer.onPlace = cancel

	eng := NewTWAP(order, placer, st, nil, nil)
	if err := eng.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDone(t, eng.Done())

	saved, err := st.GetTWAP(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("GetTWAP: %v", err)
	}
	if saved == nil {
		t.Fatal("order not persisted")
	}
	if saved.SlicesCompleted != 1 || saved.FilledSize != 20 {
		t.Errorf("persisted slices=%d filled=%.0f, want 1 and 20", saved.SlicesCompleted, saved.FilledSize)
	}
	if saved.Status != models.StatusCompleted {
		t.Errorf("persisted status = %s, want completed", saved.Status)
	}
}
