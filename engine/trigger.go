package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tradeflow/feed"
	"tradeflow/logger"
	"tradeflow/models"
	"tradeflow/store"
)

// Trigger watches the feed and places a pre-built order the first time
// its condition is satisfied. The condition is one-shot: once fired,
// later satisfying updates are ignored, and the order transitions to
// filled even when the placement itself was rejected.
type Trigger struct {
	ex     Placer
	st     store.TriggerStore
	subs   Subscriber
	books  BookSource
	events EventFunc
	log    *logger.Entry

	mu      sync.Mutex
	order   models.TriggerOrder
	unsub   feed.Unsubscribe
	fired   bool
	started bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func NewTrigger(order *models.TriggerOrder, ex Placer, st store.TriggerStore, subs Subscriber, books BookSource, events EventFunc) *Trigger {
	o := *order
	if o.Status == "" {
		o.Status = models.StatusPending
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now()
	}
	return &Trigger{
		ex:     ex,
		st:     st,
		subs:   subs,
		books:  books,
		events: events,
		log:    logger.GetLogger().WithComponent("trigger").WithFields(logger.Fields{"order_id": o.ID}),
		order:  o,
		done:   make(chan struct{}),
	}
}

func (t *Trigger) Order() models.TriggerOrder {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.order
}

func (t *Trigger) Done() <-chan struct{} { return t.done }

// Start persists the order and subscribes to the configured outcome.
func (t *Trigger) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return fmt.Errorf("trigger %s already started", t.order.ID)
	}
	if t.order.Status.Terminal() {
		t.mu.Unlock()
		return fmt.Errorf("trigger %s is %s", t.order.ID, t.order.Status)
	}
	t.started = true
	t.ctx, t.cancel = context.WithCancel(ctx)
	t.order.Status = models.StatusPending
	t.order.UpdatedAt = time.Now()
	t.mu.Unlock()

	if err := t.st.SaveTrigger(ctx, &t.order); err != nil {
		return fmt.Errorf("persist trigger %s: %w", t.order.ID, err)
	}

	unsub, err := t.subs.Subscribe(t.order.Venue, t.order.OutcomeID, t.onUpdate)
	if err != nil {
		return fmt.Errorf("subscribe trigger %s: %w", t.order.ID, err)
	}
	t.mu.Lock()
	t.unsub = unsub
	t.mu.Unlock()

	t.log.WithFields(logger.Fields{
		"condition": t.order.Condition.Type, "level": t.order.Condition.Level,
	}).Info("trigger armed")
	return nil
}

func (t *Trigger) onUpdate(u models.PriceUpdate) {
	t.mu.Lock()
	if t.fired || t.order.Status.Terminal() {
		t.mu.Unlock()
		return
	}
	if !t.satisfied(u) {
		t.mu.Unlock()
		return
	}
	t.fired = true
	unsub := t.unsub
	t.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	t.fire(u)
}

// satisfied evaluates the condition against one update; caller holds
// the lock.
func (t *Trigger) satisfied(u models.PriceUpdate) bool {
	c := t.order.Condition
	switch c.Type {
	case models.CondPriceBelow:
		return u.Price < c.Level
	case models.CondPriceAbove:
		return u.Price > c.Level
	case models.CondPriceCross:
		if !u.HasPrev {
			return false
		}
		if c.Direction == models.CrossUp {
			return u.PrevPrice < c.Level && u.Price >= c.Level
		}
		return u.PrevPrice > c.Level && u.Price <= c.Level
	case models.CondSpreadBelow:
		if t.books == nil {
			return false
		}
		ob, err := t.books.GetOrderbook(t.ctx, t.order.Venue, t.order.OutcomeID)
		if err != nil {
			t.log.WithError(err).Debug("spread check failed")
			return false
		}
		return ob.Spread() < c.Level
	}
	return false
}

// fire places the configured order exactly once and transitions to
// filled regardless of the placement outcome.
func (t *Trigger) fire(u models.PriceUpdate) {
	now := time.Now()
	emit(t.events, t.order.ID, EventTriggered,
		fmt.Sprintf("%s %.4f satisfied at %.4f", t.order.Condition.Type, t.order.Condition.Level, u.Price))

	res, err := place(t.ctx, t.ex, t.order.Order)
	switch {
	case err != nil:
		t.log.WithError(err).Error("triggered placement transport failure")
	case !res.Success:
		t.log.WithFields(logger.Fields{"reason": res.Error}).Warn("triggered placement rejected")
	default:
		t.log.WithFields(logger.Fields{"order_id": res.OrderID}).Info("triggered order placed")
	}

	t.mu.Lock()
	t.order.TriggeredAt = &now
	t.finishLocked(models.StatusFilled, "condition fired")
	t.mu.Unlock()

	if err := t.st.UpdateTriggerProgress(context.Background(), &t.order); err != nil {
		t.log.WithError(err).Error("persist trigger outcome failed")
	}
}

func (t *Trigger) finishLocked(status models.OrderStatus, msg string) {
	if t.order.Status.Terminal() {
		return
	}
	t.order.Status = status
	t.order.UpdatedAt = time.Now()
	close(t.done)

	kind := EventCompleted
	if status == models.StatusCancelled {
		kind = EventCancelled
	}
	emit(t.events, t.order.ID, kind, msg)
}

// Cancel unsubscribes and transitions to cancelled without placing an
// order. Idempotent.
func (t *Trigger) Cancel(ctx context.Context) error {
	t.mu.Lock()
	if t.order.Status.Terminal() {
		t.mu.Unlock()
		return nil
	}
	unsub := t.unsub
	t.finishLocked(models.StatusCancelled, "cancelled by caller")
	t.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if t.cancel != nil {
		t.cancel()
	}
	return t.st.UpdateTriggerProgress(ctx, &t.order)
}
