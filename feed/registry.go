package feed

import (
	"sync"

	"tradeflow/logger"
	"tradeflow/models"
)

// Registry is the explicit subscription registry shared by the venue
// clients: market id → set of callbacks, plus the last-emitted price
// per (venue, outcome) used for change-only emission. The registry owns
// the callback list; callers only hold the returned Unsubscribe.
type Registry struct {
	venue models.Venue
	log   *logger.Entry

	mu     sync.RWMutex
	subs   map[string]map[int64]UpdateFunc
	nextID int64
	last   map[string]float64 // outcome id → last emitted price
}

// NewRegistry creates an empty registry for one venue.
func NewRegistry(venue models.Venue) *Registry {
	return &Registry{
		venue: venue,
		log:   logger.GetLogger().WithComponent("feed_registry").WithFields(logger.Fields{"venue": venue}),
		subs:  make(map[string]map[int64]UpdateFunc),
		last:  make(map[string]float64),
	}
}

// Add registers a callback for a market id and returns an idempotent
// unsubscribe handle plus whether this is the first subscription for
// the id (the caller then subscribes on the wire).
func (r *Registry) Add(marketID string, fn UpdateFunc) (Unsubscribe, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.subs[marketID]
	if !ok {
		set = make(map[int64]UpdateFunc)
		r.subs[marketID] = set
	}
	r.nextID++
	id := r.nextID
	set[id] = fn

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if cur, ok := r.subs[marketID]; ok {
				delete(cur, id)
				if len(cur) == 0 {
					delete(r.subs, marketID)
				}
			}
		})
	}
	return unsub, !ok
}

// Publish applies the change-only rule and fans the update out to every
// callback registered for the update's market. Updates whose price
// equals the cached value for the (venue, outcome) key are dropped.
func (r *Registry) Publish(u models.PriceUpdate) {
	r.mu.Lock()
	prev, seen := r.last[u.OutcomeID]
	if seen && prev == u.Price {
		r.mu.Unlock()
		return
	}
	r.last[u.OutcomeID] = u.Price
	u.Venue = r.venue
	u.PrevPrice = prev
	u.HasPrev = seen

	fns := make([]UpdateFunc, 0, len(r.subs[u.MarketID]))
	for _, fn := range r.subs[u.MarketID] {
		fns = append(fns, fn)
	}
	r.mu.Unlock()

	for _, fn := range fns {
		fn(u)
	}
}

// MarketIDs returns every market id with at least one subscriber, used
// for wire re-subscription after a reconnect.
func (r *Registry) MarketIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.subs))
	for id := range r.subs {
		ids = append(ids, id)
	}
	return ids
}

// ResetCache clears the dedup cache. Called on reconnect so the first
// post-reconnect update always emits even if the price is unchanged.
func (r *Registry) ResetCache() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.last = make(map[string]float64)
}

// Subscribers reports the number of callbacks held for a market id.
func (r *Registry) Subscribers(marketID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs[marketID])
}
