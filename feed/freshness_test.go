package feed

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"tradeflow/config"
)

func testFeedConfig() config.FeedConfig {
	return config.FeedConfig{
		StalenessThreshold: 60 * time.Second,
		SweepInterval:      10 * time.Second,
		RequestTimeout:     time.Second,
		ReconnectBaseWait:  time.Second,
		ReconnectMaxWait:   time.Minute,
	}
}

func TestFreshKeyIsNotPolled(t *testing.T) {
	tr := NewTracker(testFeedConfig())
	now := time.Unix(1000, 0)
	tr.now = func() time.Time { return now }
	tr.ctx = context.Background()

	var polls int32
	tr.Track("kalshi", "MKT-A", func(context.Context) error {
		atomic.AddInt32(&polls, 1)
		return nil
	})

	now = now.Add(30 * time.Second)
	tr.sweep()
	if atomic.LoadInt32(&polls) != 0 {
		t.Fatal("fresh subscription was polled")
	}
}

func TestStaleKeyIsPolled(t *testing.T) {
	tr := NewTracker(testFeedConfig())
	now := time.Unix(1000, 0)
	tr.now = func() time.Time { return now }
	tr.ctx = context.Background()

	var polls int32
	tr.Track("kalshi", "MKT-A", func(context.Context) error {
		atomic.AddInt32(&polls, 1)
		return nil
	})

	now = now.Add(2 * time.Minute)
	tr.sweep()
	if atomic.LoadInt32(&polls) != 1 {
		t.Fatalf("polls = %d, want 1", polls)
	}

	// Still stale on the next sweep: polled again.
	now = now.Add(15 * time.Second)
	tr.sweep()
	if atomic.LoadInt32(&polls) != 2 {
		t.Fatalf("polls = %d, want 2: polling continues until push resumes", polls)
	}
}

func TestRecordMessageRestoresFreshness(t *testing.T) {
	tr := NewTracker(testFeedConfig())
	now := time.Unix(1000, 0)
	tr.now = func() time.Time { return now }
	tr.ctx = context.Background()

	var polls int32
	tr.Track("polymarket", "tok", func(context.Context) error {
		atomic.AddInt32(&polls, 1)
		return nil
	})

	now = now.Add(2 * time.Minute)
	if got := tr.Stale(); len(got) != 1 {
		t.Fatalf("Stale() = %v, want one key", got)
	}

	// A push message arrives, even without a price change.
	tr.RecordMessage("polymarket", "tok")
	tr.sweep()
	if atomic.LoadInt32(&polls) != 0 {
		t.Fatal("key polled after push traffic resumed")
	}
	if got := tr.Stale(); len(got) != 0 {
		t.Fatalf("Stale() = %v, want none", got)
	}
}

func TestUntrackStopsPolling(t *testing.T) {
	tr := NewTracker(testFeedConfig())
	now := time.Unix(1000, 0)
	tr.now = func() time.Time { return now }
	tr.ctx = context.Background()

	var polls int32
	tr.Track("kalshi", "MKT-A", func(context.Context) error {
		atomic.AddInt32(&polls, 1)
		return nil
	})
	tr.Untrack("kalshi", "MKT-A")

	now = now.Add(time.Hour)
	tr.sweep()
	if atomic.LoadInt32(&polls) != 0 {
		t.Fatal("untracked key was polled")
	}
}

func TestRecordMessageForUnknownKeyIsNoop(t *testing.T) {
	tr := NewTracker(testFeedConfig())
	tr.RecordMessage("kalshi", "never-tracked")
	if got := tr.Stale(); len(got) != 0 {
		t.Fatalf("unexpected tracked keys: %v", got)
	}
}

func TestStartStop(t *testing.T) {
	cfg := testFeedConfig()
	cfg.SweepInterval = 10 * time.Millisecond
	tr := NewTracker(cfg)
	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := tr.Start(context.Background()); err == nil {
		t.Fatal("second Start must fail while running")
	}
	time.Sleep(30 * time.Millisecond)
	tr.Stop()
	tr.Stop() // idempotent
}
