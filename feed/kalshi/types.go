package kalshi

import (
	"encoding/json"

	"tradeflow/models"
)

const (
	msgTicker            = "ticker"
	msgOrderbookSnapshot = "orderbook_snapshot"
	msgSubscribed        = "subscribed"
	msgError             = "error"
)

// command is the client-to-server frame; every subscribe carries a
// monotonically increasing id the server echoes back.
type command struct {
	ID     int64         `json:"id"`
	Cmd    string        `json:"cmd"`
	Params commandParams `json:"params"`
}

type commandParams struct {
	Channels      []string `json:"channels"`
	MarketTickers []string `json:"market_tickers"`
}

// envelope extracts just enough to route a frame.
type envelope struct {
	ID   int64           `json:"id"`
	Type string          `json:"type"`
	Msg  json.RawMessage `json:"msg"`
}

// tickerMsg prices are integer cents, 1-99.
type tickerMsg struct {
	MarketTicker string `json:"market_ticker"`
	Price        int    `json:"price"`
	YesBid       int    `json:"yes_bid"`
	YesAsk       int    `json:"yes_ask"`
	NoBid        int    `json:"no_bid"`
	Volume       int64  `json:"volume"`
	OpenInterest int64  `json:"open_interest"`
}

type errorMsg struct {
	Code    string `json:"code"`
	Message string `json:"msg"`
}

// snapshotMsg carries [price_cents, count] pairs per side.
type snapshotMsg struct {
	MarketTicker string  `json:"market_ticker"`
	Yes          [][]int `json:"yes"`
	No           [][]int `json:"no"`
}

type restMarket struct {
	Ticker       string `json:"ticker"`
	Title        string `json:"title"`
	Subtitle     string `json:"subtitle"`
	Category     string `json:"category"`
	Status       string `json:"status"`
	YesBid       int    `json:"yes_bid"`
	YesAsk       int    `json:"yes_ask"`
	NoBid        int    `json:"no_bid"`
	NoAsk        int    `json:"no_ask"`
	Volume       int64  `json:"volume"`
	Volume24h    int64  `json:"volume_24h"`
	OpenInterest int64  `json:"open_interest"`
	CloseTime    string `json:"close_time"`
}

type marketResponse struct {
	Market restMarket `json:"market"`
}

type marketsResponse struct {
	Markets []restMarket `json:"markets"`
}

type orderbookResponse struct {
	Orderbook struct {
		Yes [][]int `json:"yes"`
		No  [][]int `json:"no"`
	} `json:"orderbook"`
}

// NoOutcomeID derives the identifier used for the no side of a market.
func NoOutcomeID(ticker string) string { return ticker + ":no" }

func (rm restMarket) toMarket() models.Market {
	yesPrice := centsMid(rm.YesBid, rm.YesAsk)
	return models.Market{
		Venue:    models.VenueKalshi,
		ID:       rm.Ticker,
		Question: rm.Title,
		Slug:     rm.Ticker,
		Volume:   float64(rm.Volume),
		Outcomes: []models.Outcome{
			{ID: rm.Ticker, Name: "Yes", Price: yesPrice},
			{ID: NoOutcomeID(rm.Ticker), Name: "No", Price: 1 - yesPrice},
		},
	}
}

// centsMid returns the normalized midpoint of a cents quote, falling
// back to whichever side is present.
func centsMid(bid, ask int) float64 {
	switch {
	case bid > 0 && ask > 0:
		return float64(bid+ask) / 200
	case bid > 0:
		return float64(bid) / 100
	case ask > 0:
		return float64(ask) / 100
	default:
		return 0
	}
}
