package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"tradeflow/logger"
	"tradeflow/models"
	"tradeflow/store"
)

// Bracket protects a filled position with a resting take-profit and
// stop-loss pair. Whichever leg fills first wins; the other leg is
// cancelled, tolerating the race where it filled in the same instant.
type Bracket struct {
	ex     Placer
	st     store.BracketStore
	events EventFunc
	log    *logger.Entry

	pollInterval time.Duration

	mu      sync.Mutex
	order   models.BracketOrder
	started bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan struct{}
}

func NewBracket(order *models.BracketOrder, ex Placer, st store.BracketStore, pollInterval time.Duration, events EventFunc) *Bracket {
	o := *order
	if o.Status == "" {
		o.Status = models.StatusPending
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now()
	}
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &Bracket{
		ex:           ex,
		st:           st,
		events:       events,
		log:          logger.GetLogger().WithComponent("bracket").WithFields(logger.Fields{"order_id": o.ID}),
		pollInterval: pollInterval,
		order:        o,
		done:         make(chan struct{}),
	}
}

func (b *Bracket) Order() models.BracketOrder {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.order
}

func (b *Bracket) Done() <-chan struct{} { return b.done }

// Start places both exit legs and begins polling their fill state. A
// reloaded order that already holds leg ids skips straight to polling.
func (b *Bracket) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return fmt.Errorf("bracket %s already started", b.order.ID)
	}
	if b.order.Status.Terminal() {
		b.mu.Unlock()
		return fmt.Errorf("bracket %s is %s", b.order.ID, b.order.Status)
	}
	b.started = true
	b.ctx, b.cancel = context.WithCancel(ctx)
	havelegs := b.order.TPOrderID != "" && b.order.SLOrderID != ""
	b.mu.Unlock()

	if !havelegs {
		if err := b.placeLegs(ctx); err != nil {
			return err
		}
	}

	b.mu.Lock()
	b.order.Status = models.StatusActive
	b.order.UpdatedAt = time.Now()
	b.mu.Unlock()
	if err := b.st.SaveBracket(ctx, &b.order); err != nil {
		return fmt.Errorf("persist bracket %s: %w", b.order.ID, err)
	}

	b.wg.Add(1)
	go b.pollLoop()

	b.log.WithFields(logger.Fields{
		"tp": b.order.TakeProfit, "sl": b.order.StopLoss, "size": b.order.Size,
	}).Info("bracket active")
	return nil
}

// placeLegs submits both resting exits; a failure on the second leg
// unwinds the first.
func (b *Bracket) placeLegs(ctx context.Context) error {
	exit := b.order.Side.Opposite()
	tpSize := b.order.Size
	if b.order.PartialTP > 0 && b.order.PartialTP <= 1 {
		tpSize = b.order.Size * b.order.PartialTP
	}

	tpRes, err := place(ctx, b.ex, models.OrderRequest{
		Venue:     b.order.Venue,
		MarketID:  b.order.MarketID,
		OutcomeID: b.order.OutcomeID,
		Side:      exit,
		Price:     b.order.TakeProfit,
		Size:      tpSize,
		Style:     models.StyleResting,
	})
	if err != nil {
		return b.failStart(ctx, fmt.Sprintf("take-profit placement: %v", err))
	}
	if !tpRes.Success {
		return b.failStart(ctx, "take-profit rejected: "+tpRes.Error)
	}

	slRes, err := place(ctx, b.ex, models.OrderRequest{
		Venue:     b.order.Venue,
		MarketID:  b.order.MarketID,
		OutcomeID: b.order.OutcomeID,
		Side:      exit,
		Price:     b.order.StopLoss,
		Size:      b.order.Size,
		Style:     models.StyleResting,
	})
	if err != nil || !slRes.Success {
		if cErr := b.ex.CancelOrder(ctx, b.order.Venue, tpRes.OrderID); cErr != nil {
			b.log.WithError(cErr).Warn("unwind of take-profit leg failed")
		}
		if err != nil {
			return b.failStart(ctx, fmt.Sprintf("stop-loss placement: %v", err))
		}
		return b.failStart(ctx, "stop-loss rejected: "+slRes.Error)
	}

	b.mu.Lock()
	b.order.TPOrderID = tpRes.OrderID
	b.order.SLOrderID = slRes.OrderID
	b.mu.Unlock()
	return nil
}

func (b *Bracket) failStart(ctx context.Context, reason string) error {
	b.mu.Lock()
	b.finishLocked(models.StatusFailed, reason)
	b.mu.Unlock()
	if err := b.st.SaveBracket(ctx, &b.order); err != nil {
		b.log.WithError(err).Error("persist failed bracket")
	}
	return fmt.Errorf("bracket %s: %s", b.order.ID, reason)
}

func (b *Bracket) pollLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			if b.checkLegs() {
				return
			}
		}
	}
}

// checkLegs polls both legs once; returns true when the bracket
// reached a terminal state.
func (b *Bracket) checkLegs() bool {
	tpState, err := b.ex.GetOrder(b.ctx, b.order.Venue, b.order.TPOrderID)
	if err != nil {
		b.log.WithError(err).WithFields(logger.Fields{"leg": "take_profit"}).Warn("leg poll failed")
	} else if tpState.Filled {
		b.settle("take_profit", models.StatusTakeProfitHit, tpState.AvgFillPrice, b.order.SLOrderID)
		return true
	}

	slState, err := b.ex.GetOrder(b.ctx, b.order.Venue, b.order.SLOrderID)
	if err != nil {
		b.log.WithError(err).WithFields(logger.Fields{"leg": "stop_loss"}).Warn("leg poll failed")
	} else if slState.Filled {
		b.settle("stop_loss", models.StatusStopLossHit, slState.AvgFillPrice, b.order.TPOrderID)
		return true
	}
	return false
}

// settle records the winning leg and cancels the loser. Cancellation
// is not atomic with the fill, so a cancel that fails because the leg
// filled in the same instant is the expected race outcome, not an
// error; any other cancel failure is a genuine warning.
func (b *Bracket) settle(leg string, status models.OrderStatus, fillPrice float64, loserID string) {
	if err := b.ex.CancelOrder(b.ctx, b.order.Venue, loserID); err != nil {
		if isRaceCancelError(err) {
			b.log.WithFields(logger.Fields{"loser": loserID}).Debug("losing leg filled before cancel")
		} else {
			b.log.WithError(err).WithFields(logger.Fields{"loser": loserID}).Warn("losing leg cancel failed")
		}
	}

	b.mu.Lock()
	b.order.FilledLeg = leg
	b.order.FillPrice = fillPrice
	b.finishLocked(status, fmt.Sprintf("%s filled @ %.4f", leg, fillPrice))
	b.mu.Unlock()

	if err := b.st.UpdateBracketProgress(context.Background(), &b.order); err != nil {
		b.log.WithError(err).Error("persist bracket outcome failed")
	}
}

// isRaceCancelError classifies a cancellation failure caused by the
// competing fill, as opposed to an unrelated venue rejection.
func isRaceCancelError(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, hint := range []string{"filled", "matched", "executed", "already closed", "not found", "does not exist"} {
		if strings.Contains(msg, hint) {
			return true
		}
	}
	return false
}

func (b *Bracket) finishLocked(status models.OrderStatus, msg string) {
	if b.order.Status.Terminal() {
		return
	}
	b.order.Status = status
	b.order.UpdatedAt = time.Now()
	close(b.done)

	kind := EventLegFilled
	switch status {
	case models.StatusCancelled:
		kind = EventCancelled
	case models.StatusFailed:
		kind = EventFailed
	}
	emit(b.events, b.order.ID, kind, msg)
	b.log.WithFields(logger.Fields{"status": status}).Info("bracket finished")
}

// Cancel withdraws both legs and transitions to cancelled. Idempotent.
func (b *Bracket) Cancel(ctx context.Context) error {
	b.mu.Lock()
	if b.order.Status.Terminal() {
		b.mu.Unlock()
		return nil
	}
	tpID, slID := b.order.TPOrderID, b.order.SLOrderID
	b.finishLocked(models.StatusCancelled, "cancelled by caller")
	b.mu.Unlock()

	if b.cancel != nil {
		b.cancel()
	}
	for _, id := range []string{tpID, slID} {
		if id == "" {
			continue
		}
		if err := b.ex.CancelOrder(ctx, b.order.Venue, id); err != nil && !isRaceCancelError(err) {
			b.log.WithError(err).WithFields(logger.Fields{"leg_order": id}).Warn("leg cancel failed")
		}
	}
	return b.st.UpdateBracketProgress(ctx, &b.order)
}
