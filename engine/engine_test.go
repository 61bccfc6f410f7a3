package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"tradeflow/breaker"
	"tradeflow/feed"
	"tradeflow/models"
)

// fakePlacer records placements and serves scripted results.
type fakePlacer struct {
	mu          sync.Mutex
	placed      []models.OrderRequest
	placeErr    error
	reject      string // non-empty makes every placement a rejection
	rejectAfter int    // reject placements once this many succeeded
	nextID      int
	fillPrice   float64
	onPlace     func() // runs before every placement is recorded
	states      map[string]*models.OrderState
	cancelErrs  map[string]error
	cancelled   []string
}

func newFakePlacer() *fakePlacer {
	return &fakePlacer{
		states:     make(map[string]*models.OrderState),
		cancelErrs: make(map[string]error),
	}
}

func (f *fakePlacer) doPlace(req models.OrderRequest) (models.OrderResult, error) {
	if f.onPlace != nil {
		f.onPlace()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.placeErr != nil {
		return models.OrderResult{}, f.placeErr
	}
	f.placed = append(f.placed, req)
	if f.reject != "" {
		return models.OrderResult{Success: false, Error: f.reject}, nil
	}
	if f.rejectAfter > 0 && f.nextID >= f.rejectAfter {
		return models.OrderResult{Success: false, Error: "rejected"}, nil
	}
	f.nextID++
	id := fmt.Sprintf("ord-%d", f.nextID)
	price := f.fillPrice
	if price == 0 {
		price = req.Price
	}
	f.states[id] = &models.OrderState{OrderID: id}
	return models.OrderResult{Success: true, OrderID: id, AvgFillPrice: price}, nil
}

func (f *fakePlacer) BuyLimit(ctx context.Context, req models.OrderRequest) (models.OrderResult, error) {
	return f.doPlace(req)
}
func (f *fakePlacer) SellLimit(ctx context.Context, req models.OrderRequest) (models.OrderResult, error) {
	return f.doPlace(req)
}
func (f *fakePlacer) ProtectedBuy(ctx context.Context, req models.OrderRequest) (models.OrderResult, error) {
	return f.doPlace(req)
}
func (f *fakePlacer) ProtectedSell(ctx context.Context, req models.OrderRequest) (models.OrderResult, error) {
	return f.doPlace(req)
}

func (f *fakePlacer) CancelOrder(ctx context.Context, v models.Venue, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, orderID)
	if err, ok := f.cancelErrs[orderID]; ok {
		return err
	}
	return nil
}

func (f *fakePlacer) GetOrder(ctx context.Context, v models.Venue, orderID string) (*models.OrderState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.states[orderID]
	if !ok {
		return nil, fmt.Errorf("order %s not found", orderID)
	}
	cp := *st
	return &cp, nil
}

func (f *fakePlacer) placements() []models.OrderRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.OrderRequest, len(f.placed))
	copy(out, f.placed)
	return out
}

func (f *fakePlacer) markFilled(orderID string, price float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := f.states[orderID]; ok {
		st.Filled = true
		st.AvgFillPrice = price
	}
}

// fakeSubscriber hands price updates straight to the registered
// callback.
type fakeSubscriber struct {
	mu  sync.Mutex
	fns map[string]feed.UpdateFunc
}

func newFakeSubscriber() *fakeSubscriber {
	return &fakeSubscriber{fns: make(map[string]feed.UpdateFunc)}
}

func (f *fakeSubscriber) Subscribe(v models.Venue, id string, fn feed.UpdateFunc) (feed.Unsubscribe, error) {
	f.mu.Lock()
	f.fns[id] = fn
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		delete(f.fns, id)
		f.mu.Unlock()
	}, nil
}

func (f *fakeSubscriber) push(id string, price, prev float64, hasPrev bool) {
	f.mu.Lock()
	fn := f.fns[id]
	f.mu.Unlock()
	if fn != nil {
		fn(models.PriceUpdate{
			OutcomeID: id, MarketID: id, Price: price,
			PrevPrice: prev, HasPrev: hasPrev, Timestamp: time.Now(),
		})
	}
}

// deniedGate simulates a tripped circuit breaker.
type deniedGate struct{}

func (deniedGate) CanTrade() bool                  { return false }
func (deniedGate) RecordTrade(breaker.TradeRecord) {}

type staticBooks struct {
	book *models.Orderbook
	err  error
}

func (s *staticBooks) GetOrderbook(ctx context.Context, v models.Venue, id string) (*models.Orderbook, error) {
	return s.book, s.err
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not reach a terminal state in time")
	}
}
