// Package breaker implements the shared risk gate consulted before every
// order placement. A Breaker is injected into each order engine rather
// than held as a package singleton so tests can isolate instances.
package breaker

import (
	"fmt"
	"sync"
	"time"

	"tradeflow/config"
	"tradeflow/logger"
)

// TradeRecord reports the outcome of one completed trade attempt.
type TradeRecord struct {
	PnL     float64
	Success bool
	Size    float64
	Error   string
}

// State is a read-only snapshot of the breaker.
type State struct {
	Tripped           bool
	Reason            string
	SessionPnL        float64
	DailyTrades       int
	ConsecutiveLosses int
	ErrorRate         float64
}

// Breaker gates order placement behind configurable trip conditions.
// The CanTrade/place/RecordTrade sequence is advisory: concurrent
// placements may all pass the check before any outcome is recorded.
type Breaker struct {
	cfg config.BreakerConfig
	log *logger.Entry

	mu                sync.Mutex
	tripped           bool
	reason            string
	sessionPnL        float64
	dailyTrades       int
	day               time.Time
	consecutiveLosses int
	// Ring of recent outcomes (true = errored) for the rolling error rate.
	recent []bool
	next   int
	filled int

	now func() time.Time
}

// New creates an armed breaker with the given trip thresholds. A zero
// threshold disables the corresponding condition.
func New(cfg config.BreakerConfig) *Breaker {
	window := cfg.ErrorRateWindow
	if window <= 0 {
		window = 20
	}
	return &Breaker{
		cfg:    cfg,
		log:    logger.GetLogger().WithComponent("breaker"),
		recent: make([]bool, window),
		now:    time.Now,
	}
}

// CanTrade reports whether order placement is currently allowed.
func (b *Breaker) CanTrade() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.tripped
}

// State returns a snapshot of the current counters.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return State{
		Tripped:           b.tripped,
		Reason:            b.reason,
		SessionPnL:        b.sessionPnL,
		DailyTrades:       b.dailyTrades,
		ConsecutiveLosses: b.consecutiveLosses,
		ErrorRate:         b.errorRateLocked(),
	}
}

// RecordTrade updates the rolling counters with one trade outcome and
// evaluates every trip condition. The first condition met trips the
// breaker with a reason.
func (b *Breaker) RecordTrade(rec TradeRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()

	today := b.now().Truncate(24 * time.Hour)
	if !b.day.Equal(today) {
		b.day = today
		b.dailyTrades = 0
	}
	b.dailyTrades++
	b.sessionPnL += rec.PnL

	if rec.Success && rec.PnL >= 0 {
		b.consecutiveLosses = 0
	} else {
		b.consecutiveLosses++
	}

	b.recent[b.next] = !rec.Success
	b.next = (b.next + 1) % len(b.recent)
	if b.filled < len(b.recent) {
		b.filled++
	}

	if b.tripped {
		return
	}

	switch {
	case b.cfg.MaxConsecutiveLosses > 0 && b.consecutiveLosses >= b.cfg.MaxConsecutiveLosses:
		b.tripLocked(fmt.Sprintf("%d consecutive losses", b.consecutiveLosses))
	case b.cfg.MaxDailyTrades > 0 && b.dailyTrades >= b.cfg.MaxDailyTrades:
		b.tripLocked(fmt.Sprintf("daily trade cap of %d reached", b.cfg.MaxDailyTrades))
	case b.cfg.SessionPnLFloor < 0 && b.sessionPnL <= b.cfg.SessionPnLFloor:
		b.tripLocked(fmt.Sprintf("session PnL %.2f at or below floor %.2f", b.sessionPnL, b.cfg.SessionPnLFloor))
	case b.cfg.MaxErrorRate > 0 && b.filled == len(b.recent) && b.errorRateLocked() >= b.cfg.MaxErrorRate:
		b.tripLocked(fmt.Sprintf("error rate %.2f over last %d trades", b.errorRateLocked(), b.filled))
	}
}

// Trip manually trips the breaker.
func (b *Breaker) Trip(reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tripLocked(reason)
}

// Reset re-arms the breaker and clears the trip reason. Counters other
// than the loss streak survive a reset so a re-trip stays honest.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.tripped {
		return
	}
	b.tripped = false
	b.reason = ""
	b.consecutiveLosses = 0
	b.log.Info("breaker reset")
}

func (b *Breaker) tripLocked(reason string) {
	if b.tripped {
		return
	}
	b.tripped = true
	b.reason = reason
	b.log.WithFields(logger.Fields{"reason": reason}).Warn("breaker tripped")
}

func (b *Breaker) errorRateLocked() float64 {
	if b.filled == 0 {
		return 0
	}
	errs := 0
	for i := 0; i < b.filled; i++ {
		if b.recent[i] {
			errs++
		}
	}
	return float64(errs) / float64(b.filled)
}
