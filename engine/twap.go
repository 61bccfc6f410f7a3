package engine

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"tradeflow/breaker"
	"tradeflow/logger"
	"tradeflow/models"
	"tradeflow/store"
)

// TWAP executes a total size as evenly timed slices. A failed slice is
// reported and skipped, never aborts the order.
type TWAP struct {
	ex     Placer
	st     store.TWAPStore
	gate   Gate
	events EventFunc
	log    *logger.Entry

	mu       sync.Mutex
	order    models.TWAPOrder
	timer    *time.Timer
	attempts int
	started  bool
	deadline time.Time

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewTWAP wraps an order in an engine. A reloaded order keeps its
// persisted progress; attempts resume at slices-completed so recovery
// does not replay finished slices.
func NewTWAP(order *models.TWAPOrder, ex Placer, st store.TWAPStore, gate Gate, events EventFunc) *TWAP {
	o := *order
	if o.Status == "" {
		o.Status = models.StatusPending
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now()
	}
	return &TWAP{
		ex:       ex,
		st:       st,
		gate:     gate,
		events:   events,
		log:      logger.GetLogger().WithComponent("twap").WithFields(logger.Fields{"order_id": o.ID}),
		order:    o,
		attempts: o.SlicesCompleted,
		done:     make(chan struct{}),
	}
}

// Order returns a snapshot of the order state.
func (t *TWAP) Order() models.TWAPOrder {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.order
}

// Done closes when the order reaches a terminal state.
func (t *TWAP) Done() <-chan struct{} { return t.done }

// Start persists the order and schedules the first slice, honoring the
// configured start delay.
func (t *TWAP) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return fmt.Errorf("twap %s already started", t.order.ID)
	}
	if t.order.Status.Terminal() {
		t.mu.Unlock()
		return fmt.Errorf("twap %s is %s", t.order.ID, t.order.Status)
	}
	t.started = true
	t.ctx, t.cancel = context.WithCancel(ctx)
	t.order.Status = models.StatusExecuting
	t.order.UpdatedAt = time.Now()
	if t.order.MaxDuration > 0 {
		t.deadline = time.Now().Add(t.order.MaxDuration)
	}
	delay := t.order.StartDelay
	t.mu.Unlock()

	if err := t.st.SaveTWAP(ctx, &t.order); err != nil {
		return fmt.Errorf("persist twap %s: %w", t.order.ID, err)
	}

	t.schedule(delay)
	t.log.WithFields(logger.Fields{
		"total": t.order.TotalSize, "slice": t.order.SliceSize, "interval": t.order.Interval,
	}).Info("twap started")
	return nil
}

// schedule arms the slice timer; delay <= 0 fires on a fresh goroutine
// immediately.
func (t *TWAP) schedule(delay time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.order.Status.Terminal() {
		return
	}
	if delay < 0 {
		delay = 0
	}
	t.timer = time.AfterFunc(delay, t.runSlice)
}

func (t *TWAP) nextDelay() time.Duration {
	d := t.order.Interval
	if t.order.Jitter > 0 {
		d += time.Duration(rand.Int63n(int64(2*t.order.Jitter))) - t.order.Jitter
		if d < 0 {
			d = 0
		}
	}
	return d
}

func (t *TWAP) runSlice() {
	t.mu.Lock()
	if t.order.Status.Terminal() || t.ctx.Err() != nil {
		t.mu.Unlock()
		return
	}
	if !t.deadline.IsZero() && time.Now().After(t.deadline) {
		t.finishLocked(models.StatusCompleted, "max duration reached")
		t.mu.Unlock()
		return
	}

	remaining := t.order.TotalSize - t.order.FilledSize
	size := t.order.SliceSize
	if remaining < size {
		size = remaining
	}
	if size <= 0 {
		t.finishLocked(models.StatusCompleted, "size filled")
		t.mu.Unlock()
		return
	}
	req := models.OrderRequest{
		Venue:     t.order.Venue,
		MarketID:  t.order.MarketID,
		OutcomeID: t.order.OutcomeID,
		Side:      t.order.Side,
		Price:     t.order.PriceLimit,
		Size:      size,
		Style:     t.order.Style,
	}
	t.mu.Unlock()

	if t.gate != nil && !t.gate.CanTrade() {
		t.log.Warn("slice blocked by circuit breaker")
		emit(t.events, t.order.ID, EventSliceFailed, "blocked by circuit breaker")
		t.afterSlice(false, 0, 0)
		return
	}

	res, err := place(t.ctx, t.ex, req)
	if err != nil {
		t.log.WithError(err).WithFields(logger.Fields{"attempt": t.attempts + 1}).Error("slice transport failure")
		emit(t.events, t.order.ID, EventSliceFailed, err.Error())
		if t.gate != nil {
			t.gate.RecordTrade(breaker.TradeRecord{Success: false, Size: size, Error: err.Error()})
		}
		t.afterSlice(false, 0, 0)
		return
	}
	if !res.Success {
		t.log.WithFields(logger.Fields{"reason": res.Error, "attempt": t.attempts + 1}).Warn("slice rejected")
		emit(t.events, t.order.ID, EventSliceFailed, res.Error)
		if t.gate != nil {
			t.gate.RecordTrade(breaker.TradeRecord{Success: false, Size: size, Error: res.Error})
		}
		t.afterSlice(false, 0, 0)
		return
	}

	fillPrice := res.AvgFillPrice
	if fillPrice == 0 {
		fillPrice = req.Price
	}
	if t.gate != nil {
		t.gate.RecordTrade(breaker.TradeRecord{Success: true, Size: size})
	}
	emit(t.events, t.order.ID, EventSliceFilled,
		fmt.Sprintf("slice %d filled %.2f @ %.4f", t.attempts+1, size, fillPrice))
	t.afterSlice(true, size, fillPrice)
}

// afterSlice records the attempt, persists progress and either
// finishes the order or arms the next timer.
func (t *TWAP) afterSlice(ok bool, size, price float64) {
	t.mu.Lock()
	t.attempts++
	if ok {
		t.order.FilledSize += size
		t.order.TotalCost += size * price
		t.order.SlicesCompleted++
	}
	t.order.UpdatedAt = time.Now()

	finished := false
	switch {
	case t.order.FilledSize >= t.order.TotalSize-1e-9:
		t.finishLocked(models.StatusCompleted, "size filled")
		finished = true
	case t.attempts >= t.order.SliceCount():
		t.finishLocked(models.StatusCompleted, "all slices attempted")
		finished = true
	}
	delay := t.nextDelay()
	t.mu.Unlock()

	t.persist()
	if !finished {
		t.schedule(delay)
	}
}

// persist writes progress even when the engine context is already
// cancelled; losing the final write would replay a filled slice on the
// next recovery.
func (t *TWAP) persist() {
	ctx := t.ctx
	if ctx == nil || ctx.Err() != nil {
		ctx = context.Background()
	}
	if err := t.st.UpdateTWAPProgress(ctx, &t.order); err != nil {
		t.log.WithError(err).Error("persist twap progress failed")
	}
}

// finishLocked transitions to a terminal state; caller holds the lock.
func (t *TWAP) finishLocked(status models.OrderStatus, msg string) {
	if t.order.Status.Terminal() {
		return
	}
	t.order.Status = status
	t.order.UpdatedAt = time.Now()
	if t.timer != nil {
		t.timer.Stop()
	}
	close(t.done)

	kind := EventCompleted
	if status == models.StatusCancelled {
		kind = EventCancelled
	} else if status == models.StatusFailed {
		kind = EventFailed
	}
	emit(t.events, t.order.ID, kind, msg)
	t.log.WithFields(logger.Fields{
		"status": status, "filled": t.order.FilledSize, "slices": t.order.SlicesCompleted,
	}).Info("twap finished")
}

// Cancel stops the pending timer and transitions to cancelled; filled
// slices are not unwound. Idempotent.
func (t *TWAP) Cancel(ctx context.Context) error {
	t.mu.Lock()
	if t.order.Status.Terminal() {
		t.mu.Unlock()
		return nil
	}
	t.finishLocked(models.StatusCancelled, "cancelled by caller")
	t.mu.Unlock()

	if t.cancel != nil {
		t.cancel()
	}
	return t.st.UpdateTWAPProgress(ctx, &t.order)
}
