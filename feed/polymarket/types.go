package polymarket

import (
	"bytes"
	"sort"
	"strconv"
	"time"

	"tradeflow/models"
)

const (
	eventBook           = "book"
	eventPriceChange    = "price_change"
	eventTickSizeChange = "tick_size_change"
	eventLastTradePrice = "last_trade_price"
)

type subscribeCommand struct {
	AssetIDs []string `json:"assets_ids"`
	Type     string   `json:"type"`
}

// eventEnvelope carries only the fields needed to route a frame.
type eventEnvelope struct {
	EventType string `json:"event_type"`
	AssetID   string `json:"asset_id"`
}

type wireLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

type bookEvent struct {
	EventType string      `json:"event_type"`
	AssetID   string      `json:"asset_id"`
	Market    string      `json:"market"`
	Bids      []wireLevel `json:"bids"`
	Asks      []wireLevel `json:"asks"`
}

type priceChangeEvent struct {
	EventType string `json:"event_type"`
	AssetID   string `json:"asset_id"`
	Market    string `json:"market"`
	Price     string `json:"price"`
	Side      string `json:"side"`
	Size      string `json:"size"`
}

type lastTradeEvent struct {
	EventType string `json:"event_type"`
	AssetID   string `json:"asset_id"`
	Market    string `json:"market"`
	Price     string `json:"price"`
}

type bookResponse struct {
	Market string      `json:"market"`
	Bids   []wireLevel `json:"bids"`
	Asks   []wireLevel `json:"asks"`
}

type feeRateResponse struct {
	FeeRateBps flexFloat `json:"fee_rate_bps"`
	BaseFee    flexFloat `json:"base_fee"`
}

// flexFloat tolerates strings and bare numbers; Gamma mixes both.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(data []byte) error {
	data = bytes.Trim(data, `"`)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return err
	}
	*f = flexFloat(v)
	return nil
}

type gammaToken struct {
	TokenID string    `json:"token_id"`
	Outcome string    `json:"outcome"`
	Price   flexFloat `json:"price"`
	Winner  bool      `json:"winner"`
}

type gammaMarket struct {
	ConditionID string       `json:"condition_id"`
	Question    string       `json:"question"`
	Slug        string       `json:"slug"`
	Volume      flexFloat    `json:"volume"`
	Liquidity   flexFloat    `json:"liquidity"`
	NegRisk     bool         `json:"neg_risk"`
	Tokens      []gammaToken `json:"tokens"`
}

func (gm gammaMarket) toMarket() models.Market {
	m := models.Market{
		Venue:     models.VenuePolymarket,
		ID:        gm.ConditionID,
		Question:  gm.Question,
		Slug:      gm.Slug,
		Volume:    float64(gm.Volume),
		Liquidity: float64(gm.Liquidity),
		NegRisk:   gm.NegRisk,
	}
	for _, t := range gm.Tokens {
		m.Outcomes = append(m.Outcomes, models.Outcome{
			ID:      t.TokenID,
			TokenID: t.TokenID,
			Name:    t.Outcome,
			Price:   float64(t.Price),
		})
	}
	return m
}

// toOrderbook converts a full book event into a sorted snapshot.
func (ev bookEvent) toOrderbook() *models.Orderbook {
	ob := &models.Orderbook{
		Venue:      models.VenuePolymarket,
		MarketID:   ev.Market,
		OutcomeID:  ev.AssetID,
		Bids:       parseLevels(ev.Bids),
		Asks:       parseLevels(ev.Asks),
		CapturedAt: time.Now(),
	}
	sort.Slice(ob.Bids, func(i, j int) bool { return ob.Bids[i].Price > ob.Bids[j].Price })
	sort.Slice(ob.Asks, func(i, j int) bool { return ob.Asks[i].Price < ob.Asks[j].Price })
	return ob
}

func parseLevels(in []wireLevel) []models.BookLevel {
	out := make([]models.BookLevel, 0, len(in))
	for _, lv := range in {
		price, err := strconv.ParseFloat(lv.Price, 64)
		if err != nil {
			continue
		}
		size, err := strconv.ParseFloat(lv.Size, 64)
		if err != nil {
			continue
		}
		out = append(out, models.BookLevel{Price: price, Size: size})
	}
	return out
}
