package exec

import (
	"context"
	"errors"
	"testing"

	"tradeflow/config"
	"tradeflow/models"
)

type fakeVenue struct {
	venue   models.Venue
	placed  []models.OrderRequest
	result  models.OrderResult
	err     error
	cancels []string
}

func (f *fakeVenue) Venue() models.Venue { return f.venue }

func (f *fakeVenue) PlaceOrder(ctx context.Context, req models.OrderRequest) (models.OrderResult, error) {
	f.placed = append(f.placed, req)
	return f.result, f.err
}

func (f *fakeVenue) CancelOrder(ctx context.Context, orderID string) error {
	f.cancels = append(f.cancels, orderID)
	return nil
}

func (f *fakeVenue) CancelAll(ctx context.Context) error { return nil }

func (f *fakeVenue) OpenOrders(ctx context.Context) ([]models.OpenOrder, error) {
	return nil, nil
}

func (f *fakeVenue) GetOrder(ctx context.Context, orderID string) (*models.OrderState, error) {
	return &models.OrderState{OrderID: orderID}, nil
}

type fakeBooks struct {
	book *models.Orderbook
	err  error
}

func (f *fakeBooks) GetOrderbook(ctx context.Context, v models.Venue, id string) (*models.Orderbook, error) {
	return f.book, f.err
}

func newTestService(venue *fakeVenue, books BookSource) *Service {
	cfg := config.ExecConfig{MaxSlippage: 0.05}
	return NewService(cfg, books, venue)
}

func TestBuyLimitRoutesToAdapter(t *testing.T) {
	fv := &fakeVenue{venue: models.VenuePolymarket, result: models.OrderResult{Success: true, OrderID: "o1"}}
	s := newTestService(fv, nil)

	res, err := s.BuyLimit(context.Background(), models.OrderRequest{
		Venue: models.VenuePolymarket, OutcomeID: "tok1", Price: 0.50, Size: 10,
	})
	if err != nil {
		t.Fatalf("BuyLimit: %v", err)
	}
	if !res.Success || res.OrderID != "o1" {
		t.Errorf("result = %+v", res)
	}
	if len(fv.placed) != 1 || fv.placed[0].Side != models.SideBuy {
		t.Errorf("placed = %+v", fv.placed)
	}
}

func TestRejectionIsDataNotError(t *testing.T) {
	fv := &fakeVenue{
		venue:  models.VenueKalshi,
		result: models.OrderResult{Success: false, Error: "insufficient balance"},
	}
	s := newTestService(fv, nil)

	res, err := s.SellLimit(context.Background(), models.OrderRequest{
		Venue: models.VenueKalshi, OutcomeID: "T1", Price: 0.60, Size: 5,
	})
	if err != nil {
		t.Fatalf("rejection must not surface as error: %v", err)
	}
	if res.Success || res.Error == "" {
		t.Errorf("result = %+v, want failure with reason", res)
	}
}

func TestTransportFailureIsError(t *testing.T) {
	fv := &fakeVenue{venue: models.VenuePolymarket, err: errors.New("connection reset")}
	s := newTestService(fv, nil)

	_, err := s.BuyLimit(context.Background(), models.OrderRequest{Venue: models.VenuePolymarket})
	if err == nil {
		t.Fatal("expected transport error")
	}
}

func TestUnknownVenue(t *testing.T) {
	s := newTestService(&fakeVenue{venue: models.VenuePolymarket}, nil)
	_, err := s.BuyLimit(context.Background(), models.OrderRequest{Venue: models.VenueKalshi})
	if err == nil {
		t.Fatal("expected error for unconfigured venue")
	}
}

func TestProtectedBuyWidensWithinBound(t *testing.T) {
	fv := &fakeVenue{venue: models.VenuePolymarket, result: models.OrderResult{Success: true}}
	books := &fakeBooks{book: &models.Orderbook{
		Asks: []models.BookLevel{{Price: 0.51, Size: 100}},
		Bids: []models.BookLevel{{Price: 0.49, Size: 100}},
	}}
	s := newTestService(fv, books)

	res, err := s.ProtectedBuy(context.Background(), models.OrderRequest{
		Venue: models.VenuePolymarket, OutcomeID: "tok1", Price: 0.50, Size: 10,
	})
	if err != nil || !res.Success {
		t.Fatalf("ProtectedBuy: res=%+v err=%v", res, err)
	}
	if fv.placed[0].Price != 0.51 {
		t.Errorf("price = %v, want widened to ask 0.51", fv.placed[0].Price)
	}
}

func TestProtectedBuyRejectsBeyondBound(t *testing.T) {
	fv := &fakeVenue{venue: models.VenuePolymarket, result: models.OrderResult{Success: true}}
	books := &fakeBooks{book: &models.Orderbook{
		Asks: []models.BookLevel{{Price: 0.60, Size: 100}},
	}}
	s := newTestService(fv, books)

	res, err := s.ProtectedBuy(context.Background(), models.OrderRequest{
		Venue: models.VenuePolymarket, OutcomeID: "tok1", Price: 0.50, Size: 10,
	})
	if err != nil {
		t.Fatalf("ProtectedBuy: %v", err)
	}
	if res.Success || res.Error == "" {
		t.Errorf("result = %+v, want slippage rejection", res)
	}
	if len(fv.placed) != 0 {
		t.Error("order should not reach the venue past the bound")
	}
}

func TestProtectedSellNarrowsToBid(t *testing.T) {
	fv := &fakeVenue{venue: models.VenuePolymarket, result: models.OrderResult{Success: true}}
	books := &fakeBooks{book: &models.Orderbook{
		Bids: []models.BookLevel{{Price: 0.48, Size: 100}},
	}}
	s := newTestService(fv, books)

	res, err := s.ProtectedSell(context.Background(), models.OrderRequest{
		Venue: models.VenuePolymarket, OutcomeID: "tok1", Price: 0.50, Size: 10,
	})
	if err != nil || !res.Success {
		t.Fatalf("ProtectedSell: res=%+v err=%v", res, err)
	}
	if fv.placed[0].Price != 0.48 {
		t.Errorf("price = %v, want narrowed to bid 0.48", fv.placed[0].Price)
	}
}

func TestProtectedFallsBackWithoutBook(t *testing.T) {
	fv := &fakeVenue{venue: models.VenuePolymarket, result: models.OrderResult{Success: true}}
	books := &fakeBooks{err: errors.New("venue down")}
	s := newTestService(fv, books)

	res, err := s.ProtectedBuy(context.Background(), models.OrderRequest{
		Venue: models.VenuePolymarket, OutcomeID: "tok1", Price: 0.50, Size: 10,
	})
	if err != nil || !res.Success {
		t.Fatalf("res=%+v err=%v", res, err)
	}
	if fv.placed[0].Price != 0.50 {
		t.Errorf("price = %v, want requested price on book failure", fv.placed[0].Price)
	}
}

func TestSplitOutcome(t *testing.T) {
	if ticker, side := splitOutcome("FED-24MAR"); ticker != "FED-24MAR" || side != "yes" {
		t.Errorf("got %s/%s", ticker, side)
	}
	if ticker, side := splitOutcome("FED-24MAR:no"); ticker != "FED-24MAR" || side != "no" {
		t.Errorf("got %s/%s", ticker, side)
	}
}

func TestToCentsClamps(t *testing.T) {
	if got := toCents(0.455); got != 46 {
		t.Errorf("toCents(0.455) = %d", got)
	}
	if got := toCents(0.001); got != 1 {
		t.Errorf("low clamp = %d", got)
	}
	if got := toCents(0.999); got != 99 {
		t.Errorf("high clamp = %d", got)
	}
}
