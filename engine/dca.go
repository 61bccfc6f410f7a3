package engine

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"tradeflow/breaker"
	"tradeflow/logger"
	"tradeflow/models"
	"tradeflow/store"
)

// DCA invests a currency budget in fixed per-cycle amounts, sizing each
// purchase by the current price. A cycle that rounds to zero shares
// completes the order early.
type DCA struct {
	ex     Placer
	st     store.DCAStore
	books  BookSource
	gate   Gate
	events EventFunc
	log    *logger.Entry

	mu       sync.Mutex
	order    models.DCAOrder
	timer    *time.Timer
	attempts int
	started  bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func NewDCA(order *models.DCAOrder, ex Placer, st store.DCAStore, books BookSource, gate Gate, events EventFunc) *DCA {
	o := *order
	if o.Status == "" {
		o.Status = models.StatusPending
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now()
	}
	return &DCA{
		ex:       ex,
		st:       st,
		books:    books,
		gate:     gate,
		events:   events,
		log:      logger.GetLogger().WithComponent("dca").WithFields(logger.Fields{"order_id": o.ID}),
		order:    o,
		attempts: o.CyclesCompleted,
		done:     make(chan struct{}),
	}
}

func (d *DCA) Order() models.DCAOrder {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.order
}

func (d *DCA) Done() <-chan struct{} { return d.done }

// Start persists the order and schedules the first cycle.
func (d *DCA) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return fmt.Errorf("dca %s already started", d.order.ID)
	}
	if d.order.Status.Terminal() {
		d.mu.Unlock()
		return fmt.Errorf("dca %s is %s", d.order.ID, d.order.Status)
	}
	d.started = true
	d.ctx, d.cancel = context.WithCancel(ctx)
	// A reloaded paused order stays paused until Resume.
	paused := d.order.Status == models.StatusPaused
	if !paused {
		d.order.Status = models.StatusActive
	}
	d.order.UpdatedAt = time.Now()
	delay := d.order.StartDelay
	d.mu.Unlock()

	if err := d.st.SaveDCA(ctx, &d.order); err != nil {
		return fmt.Errorf("persist dca %s: %w", d.order.ID, err)
	}

	if !paused {
		d.schedule(delay)
	}
	d.log.WithFields(logger.Fields{
		"budget": d.order.Budget, "per_cycle": d.order.PerCycle, "interval": d.order.Interval,
	}).Info("dca started")
	return nil
}

func (d *DCA) schedule(delay time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.order.Status != models.StatusActive {
		return
	}
	if delay < 0 {
		delay = 0
	}
	d.timer = time.AfterFunc(delay, d.runCycle)
}

// currentPrice reads the touch for the configured side, falling back
// to the book midpoint.
func (d *DCA) currentPrice() (float64, error) {
	if d.books == nil {
		return 0, fmt.Errorf("no book source configured")
	}
	ob, err := d.books.GetOrderbook(d.ctx, d.order.Venue, d.order.OutcomeID)
	if err != nil {
		return 0, err
	}
	price := ob.BestAsk()
	if d.order.Side == models.SideSell {
		price = ob.BestBid()
	}
	if price <= 0 || price >= 1 {
		price = ob.Mid()
	}
	return price, nil
}

func (d *DCA) runCycle() {
	d.mu.Lock()
	if d.order.Status != models.StatusActive || d.ctx.Err() != nil {
		d.mu.Unlock()
		return
	}
	remaining := d.order.Budget - d.order.Invested
	amount := d.order.PerCycle
	if remaining < amount {
		amount = remaining
	}
	if amount <= 0 {
		d.finishLocked(models.StatusCompleted, "budget invested")
		d.mu.Unlock()
		d.persist()
		return
	}
	d.mu.Unlock()

	price, err := d.currentPrice()
	if err != nil {
		d.log.WithError(err).WithFields(logger.Fields{"attempt": d.attempts + 1}).Warn("cycle price lookup failed")
		emit(d.events, d.order.ID, EventSliceFailed, "price lookup: "+err.Error())
		d.afterCycle(false, 0, 0)
		return
	}
	if d.order.MaxPrice > 0 && price > d.order.MaxPrice {
		d.log.WithFields(logger.Fields{"price": price, "max": d.order.MaxPrice}).Info("cycle skipped above max price")
		emit(d.events, d.order.ID, EventSliceSkipped, fmt.Sprintf("price %.4f above cap %.4f", price, d.order.MaxPrice))
		d.afterCycle(false, 0, 0)
		return
	}

	shares := math.Floor(amount / price)
	if shares <= 0 {
		d.mu.Lock()
		d.finishLocked(models.StatusCompleted, "remaining budget below one share")
		d.mu.Unlock()
		d.persist()
		return
	}

	if d.gate != nil && !d.gate.CanTrade() {
		d.log.Warn("cycle blocked by circuit breaker")
		emit(d.events, d.order.ID, EventSliceFailed, "blocked by circuit breaker")
		d.afterCycle(false, 0, 0)
		return
	}

	res, err := place(d.ctx, d.ex, models.OrderRequest{
		Venue:     d.order.Venue,
		MarketID:  d.order.MarketID,
		OutcomeID: d.order.OutcomeID,
		Side:      d.order.Side,
		Price:     price,
		Size:      shares,
		Style:     models.StyleImmediate,
	})
	if err != nil {
		d.log.WithError(err).WithFields(logger.Fields{"attempt": d.attempts + 1}).Error("cycle transport failure")
		emit(d.events, d.order.ID, EventSliceFailed, err.Error())
		if d.gate != nil {
			d.gate.RecordTrade(breaker.TradeRecord{Success: false, Size: shares, Error: err.Error()})
		}
		d.afterCycle(false, 0, 0)
		return
	}
	if !res.Success {
		d.log.WithFields(logger.Fields{"reason": res.Error}).Warn("cycle rejected")
		emit(d.events, d.order.ID, EventSliceFailed, res.Error)
		if d.gate != nil {
			d.gate.RecordTrade(breaker.TradeRecord{Success: false, Size: shares, Error: res.Error})
		}
		d.afterCycle(false, 0, 0)
		return
	}

	fillPrice := res.AvgFillPrice
	if fillPrice == 0 {
		fillPrice = price
	}
	if d.gate != nil {
		d.gate.RecordTrade(breaker.TradeRecord{Success: true, Size: shares})
	}
	emit(d.events, d.order.ID, EventSliceFilled,
		fmt.Sprintf("cycle %d bought %.0f @ %.4f", d.attempts+1, shares, fillPrice))
	d.afterCycle(true, shares, fillPrice)
}

func (d *DCA) afterCycle(ok bool, shares, price float64) {
	d.mu.Lock()
	d.attempts++
	if ok {
		cost := shares * price
		d.order.Invested += cost
		d.order.SharesAcquired += shares
		if d.order.SharesAcquired > 0 {
			d.order.CostBasis = d.order.Invested / d.order.SharesAcquired
		}
		d.order.CyclesCompleted++
	}
	d.order.UpdatedAt = time.Now()

	finished := false
	cycleCap := d.order.CycleCap()
	switch {
	case d.order.Invested >= d.order.Budget-1e-9:
		d.finishLocked(models.StatusCompleted, "budget invested")
		finished = true
	case cycleCap > 0 && d.attempts >= cycleCap:
		d.finishLocked(models.StatusCompleted, "cycle cap reached")
		finished = true
	}
	interval := d.order.Interval
	d.mu.Unlock()

	d.persist()
	if !finished {
		d.schedule(interval)
	}
}

func (d *DCA) persist() {
	ctx := d.ctx
	if ctx == nil || ctx.Err() != nil {
		ctx = context.Background()
	}
	if err := d.st.UpdateDCAProgress(ctx, &d.order); err != nil {
		d.log.WithError(err).Error("persist dca progress failed")
	}
}

func (d *DCA) finishLocked(status models.OrderStatus, msg string) {
	if d.order.Status.Terminal() {
		return
	}
	d.order.Status = status
	d.order.UpdatedAt = time.Now()
	if d.timer != nil {
		d.timer.Stop()
	}
	close(d.done)

	kind := EventCompleted
	if status == models.StatusCancelled {
		kind = EventCancelled
	}
	emit(d.events, d.order.ID, kind, msg)
	d.log.WithFields(logger.Fields{
		"status": status, "invested": d.order.Invested, "shares": d.order.SharesAcquired,
	}).Info("dca finished")
}

// Pause stops the pending timer without touching accumulated progress.
func (d *DCA) Pause(ctx context.Context) error {
	d.mu.Lock()
	if d.order.Status != models.StatusActive {
		st := d.order.Status
		d.mu.Unlock()
		return fmt.Errorf("dca %s is %s, not active", d.order.ID, st)
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.order.Status = models.StatusPaused
	d.order.UpdatedAt = time.Now()
	d.mu.Unlock()

	emit(d.events, d.order.ID, EventPaused, "paused")
	d.log.Info("dca paused")
	return d.st.UpdateDCAProgress(ctx, &d.order)
}

// Resume reschedules the next cycle at now + interval.
func (d *DCA) Resume(ctx context.Context) error {
	d.mu.Lock()
	if d.order.Status != models.StatusPaused {
		st := d.order.Status
		d.mu.Unlock()
		return fmt.Errorf("dca %s is %s, not paused", d.order.ID, st)
	}
	d.order.Status = models.StatusActive
	d.order.UpdatedAt = time.Now()
	interval := d.order.Interval
	d.mu.Unlock()

	emit(d.events, d.order.ID, EventResumed, "resumed")
	d.log.Info("dca resumed")
	if err := d.st.UpdateDCAProgress(ctx, &d.order); err != nil {
		return err
	}
	d.schedule(interval)
	return nil
}

// Cancel stops the timer and transitions to cancelled. Idempotent.
func (d *DCA) Cancel(ctx context.Context) error {
	d.mu.Lock()
	if d.order.Status.Terminal() {
		d.mu.Unlock()
		return nil
	}
	d.finishLocked(models.StatusCancelled, "cancelled by caller")
	d.mu.Unlock()

	if d.cancel != nil {
		d.cancel()
	}
	return d.st.UpdateDCAProgress(ctx, &d.order)
}
