package exec

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"tradeflow/config"
	"tradeflow/logger"
	"tradeflow/models"
)

// Service routes order requests to the right venue adapter, enforcing
// a shared rate limit and a bounded per-call timeout.
type Service struct {
	cfg     config.ExecConfig
	venues  map[models.Venue]VenueAdapter
	books   BookSource
	limiter *rate.Limiter
	log     *logger.Entry
}

func NewService(cfg config.ExecConfig, books BookSource, adapters ...VenueAdapter) *Service {
	rps := cfg.RateLimit.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}
	burst := cfg.RateLimit.BurstSize
	if burst <= 0 {
		burst = rps
	}
	venues := make(map[models.Venue]VenueAdapter, len(adapters))
	for _, a := range adapters {
		venues[a.Venue()] = a
	}
	return &Service{
		cfg:     cfg,
		venues:  venues,
		books:   books,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		log:     logger.GetLogger().WithComponent("exec"),
	}
}

func (s *Service) adapter(v models.Venue) (VenueAdapter, error) {
	a, ok := s.venues[v]
	if !ok {
		return nil, fmt.Errorf("no adapter configured for venue %s", v)
	}
	return a, nil
}

// bound wraps ctx with the configured call timeout so a stuck venue
// call cannot hold an engine's sequential-execution slot forever.
func (s *Service) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.Timeout > 0 {
		return context.WithTimeout(ctx, s.cfg.Timeout)
	}
	return context.WithCancel(ctx)
}

func (s *Service) place(ctx context.Context, req models.OrderRequest) (models.OrderResult, error) {
	a, err := s.adapter(req.Venue)
	if err != nil {
		return models.OrderResult{}, err
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return models.OrderResult{}, err
	}

	cctx, cancel := s.bound(ctx)
	defer cancel()

	res, err := a.PlaceOrder(cctx, req)
	if err != nil {
		s.log.WithError(err).WithFields(logger.Fields{
			"venue": req.Venue, "outcome": req.OutcomeID, "side": req.Side,
		}).Error("order placement transport failure")
		return models.OrderResult{}, err
	}
	entry := s.log.WithFields(logger.Fields{
		"venue": req.Venue, "outcome": req.OutcomeID, "side": req.Side,
		"price": req.Price, "size": req.Size, "order_id": res.OrderID,
	})
	if res.Success {
		entry.Info("order placed")
	} else {
		entry.WithFields(logger.Fields{"reason": res.Error}).Warn("order rejected")
	}
	return res, nil
}

// BuyLimit places a buy at exactly the requested price.
func (s *Service) BuyLimit(ctx context.Context, req models.OrderRequest) (models.OrderResult, error) {
	req.Side = models.SideBuy
	return s.place(ctx, req)
}

// SellLimit places a sell at exactly the requested price.
func (s *Service) SellLimit(ctx context.Context, req models.OrderRequest) (models.OrderResult, error) {
	req.Side = models.SideSell
	return s.place(ctx, req)
}

// ProtectedBuy widens the limit toward the quoted ask, up to the
// configured slippage bound, before placing. A quote beyond the bound
// is an expected rejection, not an error.
func (s *Service) ProtectedBuy(ctx context.Context, req models.OrderRequest) (models.OrderResult, error) {
	req.Side = models.SideBuy
	adjusted, reason := s.protectPrice(ctx, req)
	if reason != "" {
		return models.OrderResult{Success: false, Error: reason}, nil
	}
	req.Price = adjusted
	return s.place(ctx, req)
}

// ProtectedSell narrows the limit toward the quoted bid, up to the
// configured slippage bound, before placing.
func (s *Service) ProtectedSell(ctx context.Context, req models.OrderRequest) (models.OrderResult, error) {
	req.Side = models.SideSell
	adjusted, reason := s.protectPrice(ctx, req)
	if reason != "" {
		return models.OrderResult{Success: false, Error: reason}, nil
	}
	req.Price = adjusted
	return s.place(ctx, req)
}

// protectPrice returns the slippage-absorbing limit price, or a
// rejection reason when the touch is outside the bound. A missing book
// leaves the requested price untouched.
func (s *Service) protectPrice(ctx context.Context, req models.OrderRequest) (float64, string) {
	if s.books == nil {
		return req.Price, ""
	}
	ob, err := s.books.GetOrderbook(ctx, req.Venue, req.OutcomeID)
	if err != nil {
		s.log.WithError(err).WithFields(logger.Fields{
			"venue": req.Venue, "outcome": req.OutcomeID,
		}).Warn("book unavailable for protected order, using requested price")
		return req.Price, ""
	}

	maxSlip := s.cfg.MaxSlippage
	if req.Side == models.SideBuy {
		ask := ob.BestAsk()
		if ask <= req.Price {
			return req.Price, ""
		}
		bound := req.Price * (1 + maxSlip)
		if ask > bound {
			return 0, fmt.Sprintf("ask %.4f exceeds slippage bound %.4f", ask, bound)
		}
		return ask, ""
	}

	bid := ob.BestBid()
	if bid >= req.Price {
		return req.Price, ""
	}
	bound := req.Price * (1 - maxSlip)
	if bid < bound {
		return 0, fmt.Sprintf("bid %.4f below slippage bound %.4f", bid, bound)
	}
	return bid, ""
}

// CancelOrder cancels one venue order by id.
func (s *Service) CancelOrder(ctx context.Context, v models.Venue, orderID string) error {
	a, err := s.adapter(v)
	if err != nil {
		return err
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	cctx, cancel := s.bound(ctx)
	defer cancel()
	if err := a.CancelOrder(cctx, orderID); err != nil {
		return fmt.Errorf("cancel %s on %s: %w", orderID, v, err)
	}
	s.log.WithFields(logger.Fields{"venue": v, "order_id": orderID}).Info("order cancelled")
	return nil
}

// CancelAllOrders cancels every resting order on a venue.
func (s *Service) CancelAllOrders(ctx context.Context, v models.Venue) error {
	a, err := s.adapter(v)
	if err != nil {
		return err
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	cctx, cancel := s.bound(ctx)
	defer cancel()
	if err := a.CancelAll(cctx); err != nil {
		return fmt.Errorf("cancel all on %s: %w", v, err)
	}
	s.log.WithFields(logger.Fields{"venue": v}).Info("all orders cancelled")
	return nil
}

// GetOpenOrders lists resting orders on a venue.
func (s *Service) GetOpenOrders(ctx context.Context, v models.Venue) ([]models.OpenOrder, error) {
	a, err := s.adapter(v)
	if err != nil {
		return nil, err
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	cctx, cancel := s.bound(ctx)
	defer cancel()
	return a.OpenOrders(cctx)
}

// GetOrder queries the fill state of one venue order.
func (s *Service) GetOrder(ctx context.Context, v models.Venue, orderID string) (*models.OrderState, error) {
	a, err := s.adapter(v)
	if err != nil {
		return nil, err
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	cctx, cancel := s.bound(ctx)
	defer cancel()
	return a.GetOrder(cctx, orderID)
}
