package feed

import (
	"testing"
	"time"

	"tradeflow/models"
)

func publishPrice(r *Registry, marketID, outcomeID string, price float64) {
	r.Publish(models.PriceUpdate{
		MarketID:  marketID,
		OutcomeID: outcomeID,
		Price:     price,
		Timestamp: time.Now(),
	})
}

func TestNoAdjacentDuplicateEmissions(t *testing.T) {
	r := NewRegistry(models.VenuePolymarket)

	var emitted []models.PriceUpdate
	unsub, first := r.Add("tok-1", func(u models.PriceUpdate) {
		emitted = append(emitted, u)
	})
	defer unsub()
	if !first {
		t.Fatal("first Add must report a new wire subscription")
	}

	for _, p := range []float64{0.55, 0.55, 0.45, 0.45, 0.45, 0.38, 0.45, 0.45} {
		publishPrice(r, "tok-1", "tok-1", p)
	}

	want := []float64{0.55, 0.45, 0.38, 0.45}
	if len(emitted) != len(want) {
		t.Fatalf("emitted %d updates, want %d", len(emitted), len(want))
	}
	for i, u := range emitted {
		if u.Price != want[i] {
			t.Errorf("update %d price = %v, want %v", i, u.Price, want[i])
		}
		if i > 0 && emitted[i-1].Price == u.Price {
			t.Errorf("adjacent duplicate emission at %d: %v", i, u.Price)
		}
	}
}

func TestPublishCarriesPrevPrice(t *testing.T) {
	r := NewRegistry(models.VenueKalshi)
	var got []models.PriceUpdate
	unsub, _ := r.Add("MKT", func(u models.PriceUpdate) { got = append(got, u) })
	defer unsub()

	publishPrice(r, "MKT", "MKT-yes", 0.60)
	publishPrice(r, "MKT", "MKT-yes", 0.62)

	if len(got) != 2 {
		t.Fatalf("emitted %d updates, want 2", len(got))
	}
	if got[0].HasPrev {
		t.Error("first emission must not claim a previous price")
	}
	if !got[1].HasPrev || got[1].PrevPrice != 0.60 {
		t.Errorf("second emission prev = (%v, %v), want (0.60, true)", got[1].PrevPrice, got[1].HasPrev)
	}
	if got[1].Venue != models.VenueKalshi {
		t.Errorf("venue not stamped: %s", got[1].Venue)
	}
}

func TestResetCacheAllowsRepeat(t *testing.T) {
	r := NewRegistry(models.VenuePolymarket)
	var count int
	unsub, _ := r.Add("tok", func(models.PriceUpdate) { count++ })
	defer unsub()

	publishPrice(r, "tok", "tok", 0.5)
	publishPrice(r, "tok", "tok", 0.5)
	if count != 1 {
		t.Fatalf("count = %d before reset, want 1", count)
	}

	r.ResetCache()
	publishPrice(r, "tok", "tok", 0.5)
	if count != 2 {
		t.Fatalf("count = %d after reset, want 2: reconnect must re-emit", count)
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	r := NewRegistry(models.VenuePolymarket)
	var a, b int
	unsubA, _ := r.Add("tok", func(models.PriceUpdate) { a++ })
	unsubB, _ := r.Add("tok", func(models.PriceUpdate) { b++ })

	publishPrice(r, "tok", "tok", 0.3)

	unsubA()
	unsubA() // second call must be a no-op
	publishPrice(r, "tok", "tok", 0.4)

	if a != 1 {
		t.Errorf("unsubscribed callback fired %d times, want 1", a)
	}
	if b != 2 {
		t.Errorf("remaining callback fired %d times, want 2", b)
	}

	unsubB()
	if r.Subscribers("tok") != 0 {
		t.Error("registry kept callbacks after all unsubscribed")
	}
}

func TestDedupIsPerOutcome(t *testing.T) {
	r := NewRegistry(models.VenuePolymarket)
	var count int
	unsub, _ := r.Add("tok", func(models.PriceUpdate) { count++ })
	defer unsub()

	publishPrice(r, "tok", "yes", 0.5)
	publishPrice(r, "tok", "no", 0.5) // different outcome, same price: must emit
	if count != 2 {
		t.Fatalf("count = %d, want 2: dedup key is the outcome, not the price", count)
	}
}
