package kalshi

import (
	"math"
	"testing"

	"tradeflow/config"
	"tradeflow/models"
)

func testClient(t *testing.T) *Client {
	t.Helper()
	cfg := config.KalshiConfig{
		Enabled: true,
		APIURL:  "https://api.example.test/trade-api/v2",
	}
	return NewClient(cfg, config.FeedConfig{}, nil)
}

func TestHandleTickerFrame(t *testing.T) {
	c := testClient(t)
	var got []models.PriceUpdate
	c.Registry().Add("FED-24MAR", func(u models.PriceUpdate) {
		got = append(got, u)
	})

	c.handleFrame([]byte(`{"type":"ticker","sid":1,"msg":{"market_ticker":"FED-24MAR","price":45,"yes_bid":44,"yes_ask":46}}`))

	if len(got) != 1 {
		t.Fatalf("expected 1 update, got %d", len(got))
	}
	if got[0].Venue != models.VenueKalshi {
		t.Errorf("venue = %s", got[0].Venue)
	}
	if math.Abs(got[0].Price-0.45) > 1e-9 {
		t.Errorf("price = %v, want 0.45 from cents mid", got[0].Price)
	}
}

func TestTickerFallsBackToLastPrice(t *testing.T) {
	c := testClient(t)
	var got []models.PriceUpdate
	c.Registry().Add("T1", func(u models.PriceUpdate) { got = append(got, u) })

	c.handleFrame([]byte(`{"type":"ticker","msg":{"market_ticker":"T1","price":37}}`))

	if len(got) != 1 || math.Abs(got[0].Price-0.37) > 1e-9 {
		t.Fatalf("expected fallback to last price 0.37, got %+v", got)
	}
}

func TestHandleSnapshotFrame(t *testing.T) {
	c := testClient(t)
	var got []models.PriceUpdate
	c.Registry().Add("T1", func(u models.PriceUpdate) { got = append(got, u) })

	// yes bid 44c; no bid 54c exposes a yes ask at 46c.
	c.handleFrame([]byte(`{"type":"orderbook_snapshot","msg":{"market_ticker":"T1","yes":[[44,100],[42,50]],"no":[[54,80]]}}`))

	if len(got) != 1 {
		t.Fatalf("expected 1 update, got %d", len(got))
	}
	if math.Abs(got[0].Price-0.45) > 1e-9 {
		t.Errorf("mid = %v, want 0.45", got[0].Price)
	}
}

func TestNormalizeBook(t *testing.T) {
	ob := normalizeBook("T1", [][]int{{42, 50}, {44, 100}}, [][]int{{54, 80}, {60, 20}})

	if ob.BestBid() != 0.44 {
		t.Errorf("best bid = %v, want 0.44", ob.BestBid())
	}
	if math.Abs(ob.BestAsk()-0.40) > 1e-9 {
		t.Errorf("best ask = %v, want 0.40 from no bid 60c", ob.BestAsk())
	}
	if len(ob.Bids) != 2 || len(ob.Asks) != 2 {
		t.Fatalf("level counts: %d bids, %d asks", len(ob.Bids), len(ob.Asks))
	}
	if ob.Bids[0].Price < ob.Bids[1].Price {
		t.Error("bids not sorted descending")
	}
	if ob.Asks[0].Price > ob.Asks[1].Price {
		t.Error("asks not sorted ascending")
	}
}

func TestMalformedFramesIgnored(t *testing.T) {
	c := testClient(t)
	var got []models.PriceUpdate
	c.Registry().Add("T1", func(u models.PriceUpdate) { got = append(got, u) })

	c.handleFrame([]byte(`garbage`))
	c.handleFrame([]byte(`{"type":"ticker","msg":{"price":"not a number"}}`))
	c.handleFrame([]byte(`{"type":"subscribed","id":3,"msg":{"sid":7}}`))
	c.handleFrame([]byte(`{"type":"error","msg":{"code":"6","msg":"already subscribed"}}`))

	if len(got) != 0 {
		t.Fatalf("expected no updates, got %d", len(got))
	}
}

func TestRestMarketMapping(t *testing.T) {
	rm := restMarket{
		Ticker: "FED-24MAR",
		Title:  "Fed hikes in March?",
		YesBid: 44,
		YesAsk: 46,
		Volume: 1234,
	}
	m := rm.toMarket()

	if m.Venue != models.VenueKalshi || m.ID != "FED-24MAR" {
		t.Errorf("identity mismatch: %+v", m)
	}
	if len(m.Outcomes) != 2 {
		t.Fatalf("expected yes/no outcomes, got %d", len(m.Outcomes))
	}
	if math.Abs(m.Outcomes[0].Price-0.45) > 1e-9 {
		t.Errorf("yes price = %v", m.Outcomes[0].Price)
	}
	if math.Abs(m.Outcomes[1].Price-0.55) > 1e-9 {
		t.Errorf("no price = %v", m.Outcomes[1].Price)
	}
	if o, ok := m.Outcome(NoOutcomeID("FED-24MAR")); !ok || o.Name != "No" {
		t.Error("no-side outcome not addressable")
	}
}

func TestFeeRate(t *testing.T) {
	if got := FeeRate(0.5); math.Abs(got-0.0175) > 1e-9 {
		t.Errorf("fee at even odds = %v, want 0.0175", got)
	}
	if got := FeeRate(0.99); got > 0.001 {
		t.Errorf("fee near certainty = %v, want near zero", got)
	}
	if FeeRate(0.3) <= FeeRate(0.1) {
		t.Error("fee should grow toward even odds")
	}
}

func TestTakerFeeRateMatchesAbsoluteFee(t *testing.T) {
	for _, p := range []float64{0.1, 0.35, 0.5, 0.62, 0.99} {
		if got, want := p*TakerFeeRate(p), FeeRate(p); math.Abs(got-want) > 1e-12 {
			t.Errorf("p=%v: rate*p = %v, absolute fee = %v", p, got, want)
		}
	}
	if got := TakerFeeRate(0.5); math.Abs(got-0.035) > 1e-9 {
		t.Errorf("rate at even odds = %v, want 0.035", got)
	}
	if TakerFeeRate(0) != 0 {
		t.Error("zero price must not produce a fee rate")
	}
}
