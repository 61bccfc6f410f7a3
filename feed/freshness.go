package feed

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tradeflow/config"
	"tradeflow/logger"
)

// PollFunc fetches fresh data for a stale subscription and feeds the
// result through the same publish path a push update would take.
type PollFunc func(ctx context.Context) error

type trackedKey struct {
	poll     PollFunc
	lastMsg  time.Time
	lastPoll time.Time
}

// Tracker watches per-subscription freshness independently of
// connection state: venues silently stop pushing for illiquid markets
// without closing the socket, so "connection open" says nothing about
// "this market still receives data".
type Tracker struct {
	cfg config.FeedConfig
	log *logger.Entry

	mu   sync.Mutex
	keys map[string]*trackedKey

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	now     func() time.Time
}

// NewTracker creates a freshness tracker with the configured staleness
// threshold and sweep cadence.
func NewTracker(cfg config.FeedConfig) *Tracker {
	return &Tracker{
		cfg:  cfg,
		log:  logger.GetLogger().WithComponent("freshness"),
		keys: make(map[string]*trackedKey),
		now:  time.Now,
	}
}

func trackKey(venue, id string) string {
	return venue + "|" + id
}

// Track starts watching a (venue, id) subscription. pollFn is invoked
// whenever the subscription has not seen a message within the
// staleness threshold.
func (t *Tracker) Track(venue, id string, pollFn PollFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.keys[trackKey(venue, id)] = &trackedKey{poll: pollFn, lastMsg: t.now()}
}

// Untrack stops watching a key. Unknown keys are a no-op.
func (t *Tracker) Untrack(venue, id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.keys, trackKey(venue, id))
}

// RecordMessage notes an inbound push message for a key. Called by the
// feed clients for every message regardless of whether the price
// changed.
func (t *Tracker) RecordMessage(venue, id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if k, ok := t.keys[trackKey(venue, id)]; ok {
		k.lastMsg = t.now()
	}
}

// Start launches the periodic sweep.
func (t *Tracker) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return fmt.Errorf("freshness tracker already running")
	}
	t.running = true
	t.ctx, t.cancel = context.WithCancel(ctx)
	t.mu.Unlock()

	t.wg.Add(1)
	go t.sweepLoop()

	t.log.WithFields(logger.Fields{
		"threshold": t.cfg.StalenessThreshold,
		"interval":  t.cfg.SweepInterval,
	}).Info("freshness tracker started")
	return nil
}

// Stop halts the sweep loop and waits for it to exit.
func (t *Tracker) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	t.mu.Unlock()

	t.cancel()
	t.wg.Wait()
	t.log.Info("freshness tracker stopped")
}

func (t *Tracker) sweepLoop() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			t.sweep()
		}
	}
}

// sweep polls every key whose push feed has gone stale. Poll results
// flow through the normal publish path; the last-message time is only
// refreshed by real push traffic, so a key keeps polling until the
// venue resumes pushing.
func (t *Tracker) sweep() {
	now := t.now()
	threshold := t.cfg.StalenessThreshold

	type duePoll struct {
		key  string
		poll PollFunc
	}
	var due []duePoll

	t.mu.Lock()
	for key, k := range t.keys {
		if now.Sub(k.lastMsg) > threshold && now.Sub(k.lastPoll) >= t.cfg.SweepInterval {
			k.lastPoll = now
			due = append(due, duePoll{key: key, poll: k.poll})
		}
	}
	t.mu.Unlock()

	for _, d := range due {
		ctx, cancel := context.WithTimeout(t.ctx, t.cfg.RequestTimeout)
		if err := d.poll(ctx); err != nil {
			t.log.WithError(err).WithFields(logger.Fields{"key": d.key}).Warn("stale subscription poll failed")
		} else {
			t.log.WithFields(logger.Fields{"key": d.key}).Debug("polled stale subscription")
		}
		cancel()
	}
}

// Stale returns the keys currently beyond the staleness threshold.
func (t *Tracker) Stale() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	var out []string
	for key, k := range t.keys {
		if now.Sub(k.lastMsg) > t.cfg.StalenessThreshold {
			out = append(out, key)
		}
	}
	return out
}
