// Package kalshi implements the feed client for the Kalshi exchange.
// The venue quotes prices in integer cents on a yes/no pair; everything
// leaving this package is normalized to the [0,1] yes-side convention.
package kalshi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"golang.org/x/time/rate"

	"tradeflow/config"
	"tradeflow/feed"
	"tradeflow/logger"
	"tradeflow/models"
)

type Client struct {
	cfg     config.KalshiConfig
	feedCfg config.FeedConfig
	http    *http.Client
	limiter *rate.Limiter
	reg     *feed.Registry
	tracker *feed.Tracker
	log     *logger.Entry

	cmdID int64

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	closing   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewClient(cfg config.KalshiConfig, feedCfg config.FeedConfig, tracker *feed.Tracker) *Client {
	rps := feedCfg.RateLimit.RequestsPerSecond
	if rps <= 0 {
		rps = 10
	}
	burst := feedCfg.RateLimit.BurstSize
	if burst <= 0 {
		burst = rps
	}
	return &Client{
		cfg:     cfg,
		feedCfg: feedCfg,
		http:    &http.Client{Timeout: feedCfg.RequestTimeout},
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		reg:     feed.NewRegistry(models.VenueKalshi),
		tracker: tracker,
		log:     logger.GetLogger().WithComponent("kalshi_feed"),
	}
}

func (c *Client) Venue() models.Venue { return models.VenueKalshi }

func (c *Client) Registry() *feed.Registry { return c.reg }

func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return fmt.Errorf("kalshi feed already connected")
	}
	c.closing = false
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()

	conn, err := c.dial()
	if err != nil {
		return fmt.Errorf("dial kalshi ws: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	c.resubscribe(conn)

	c.wg.Add(1)
	go c.readLoop(conn)

	c.log.WithFields(logger.Fields{"url": c.cfg.WSURL}).Info("kalshi feed connected")
	return nil
}

func (c *Client) Disconnect() error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	c.connected = false
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if c.cancel != nil {
		c.cancel()
	}
	if conn != nil {
		conn.Close()
	}
	c.wg.Wait()
	c.log.Info("kalshi feed disconnected")
	return nil
}

func (c *Client) dial() (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	hdr := http.Header{}
	if c.cfg.APIKey != "" {
		hdr.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	conn, _, err := dialer.DialContext(c.ctx, c.cfg.WSURL, hdr)
	return conn, err
}

func (c *Client) resubscribe(conn *websocket.Conn) {
	tickers := c.reg.MarketIDs()
	if len(tickers) == 0 {
		return
	}
	if err := c.writeSubscribe(conn, tickers); err != nil {
		c.log.WithError(err).Warn("resubscribe failed")
		return
	}
	c.log.WithFields(logger.Fields{"markets": len(tickers)}).Info("resubscribed after connect")
}

func (c *Client) writeSubscribe(conn *websocket.Conn, tickers []string) error {
	cmd := command{
		ID:  atomic.AddInt64(&c.cmdID, 1),
		Cmd: "subscribe",
		Params: commandParams{
			Channels:      []string{"ticker"},
			MarketTickers: tickers,
		},
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) readLoop(conn *websocket.Conn) {
	defer c.wg.Done()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			closing := c.closing
			c.mu.Unlock()
			if closing || c.ctx.Err() != nil {
				return
			}
			c.log.WithError(err).Warn("kalshi ws closed, reconnecting")
			c.reconnect()
			return
		}
		c.handleFrame(data)
	}
}

func (c *Client) reconnect() {
	bo := &backoff.Backoff{
		Min:    c.feedCfg.ReconnectBaseWait,
		Max:    c.feedCfg.ReconnectMaxWait,
		Factor: 2,
		Jitter: true,
	}

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-time.After(bo.Duration()):
		}

		conn, err := c.dial()
		if err != nil {
			c.log.WithError(err).WithFields(logger.Fields{"attempt": int(bo.Attempt())}).Warn("reconnect failed")
			continue
		}

		c.mu.Lock()
		c.conn = conn
		c.connected = true
		c.mu.Unlock()

		c.reg.ResetCache()
		c.resubscribe(conn)

		c.wg.Add(1)
		go c.readLoop(conn)

		c.log.Info("kalshi feed reconnected")
		return
	}
}

func (c *Client) handleFrame(data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.log.WithError(err).Debug("unparseable frame")
		return
	}

	switch env.Type {
	case msgTicker:
		var msg tickerMsg
		if err := json.Unmarshal(env.Msg, &msg); err != nil {
			c.log.WithError(err).Debug("bad ticker message")
			return
		}
		if msg.MarketTicker == "" {
			return
		}
		if c.tracker != nil {
			c.tracker.RecordMessage(string(models.VenueKalshi), msg.MarketTicker)
		}
		price := centsMid(msg.YesBid, msg.YesAsk)
		if price == 0 && msg.Price > 0 {
			price = float64(msg.Price) / 100
		}
		c.reg.Publish(models.PriceUpdate{
			MarketID:  msg.MarketTicker,
			OutcomeID: msg.MarketTicker,
			Price:     price,
			Timestamp: time.Now(),
		})

	case msgOrderbookSnapshot:
		var msg snapshotMsg
		if err := json.Unmarshal(env.Msg, &msg); err != nil {
			c.log.WithError(err).Debug("bad snapshot message")
			return
		}
		if c.tracker != nil {
			c.tracker.RecordMessage(string(models.VenueKalshi), msg.MarketTicker)
		}
		ob := normalizeBook(msg.MarketTicker, msg.Yes, msg.No)
		c.reg.Publish(models.PriceUpdate{
			MarketID:  msg.MarketTicker,
			OutcomeID: msg.MarketTicker,
			Price:     ob.Mid(),
			Timestamp: time.Now(),
		})

	case msgSubscribed:
		c.log.WithFields(logger.Fields{"id": env.ID}).Debug("subscription confirmed")

	case msgError:
		var msg errorMsg
		json.Unmarshal(env.Msg, &msg)
		c.log.WithFields(logger.Fields{"code": msg.Code, "message": msg.Message}).Warn("kalshi ws error")

	default:
		c.log.WithFields(logger.Fields{"type": env.Type}).Debug("unhandled message kind")
	}
}

// Subscribe registers a callback for a market ticker; prices delivered
// are the normalized yes-side price.
func (c *Client) Subscribe(ticker string, fn feed.UpdateFunc) (feed.Unsubscribe, error) {
	unsub, first := c.reg.Add(ticker, fn)

	if first {
		c.mu.Lock()
		conn := c.conn
		connected := c.connected
		c.mu.Unlock()
		if connected && conn != nil {
			if err := c.writeSubscribe(conn, []string{ticker}); err != nil {
				unsub()
				return nil, fmt.Errorf("subscribe %s: %w", ticker, err)
			}
		}
		if c.tracker != nil {
			c.tracker.Track(string(models.VenueKalshi), ticker, func(ctx context.Context) error {
				return c.pollPrice(ctx, ticker)
			})
		}
	}

	wrapped := func() {
		unsub()
		if c.tracker != nil && c.reg.Subscribers(ticker) == 0 {
			c.tracker.Untrack(string(models.VenueKalshi), ticker)
		}
	}
	return wrapped, nil
}

func (c *Client) pollPrice(ctx context.Context, ticker string) error {
	ob, err := c.GetOrderbook(ctx, ticker)
	if err != nil {
		return err
	}
	c.reg.Publish(models.PriceUpdate{
		MarketID:  ticker,
		OutcomeID: ticker,
		Price:     ob.Mid(),
		Timestamp: time.Now(),
	})
	return nil
}

func (c *Client) get(ctx context.Context, rawURL string, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: status %d", rawURL, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// GetOrderbook fetches the book for a ticker. The venue reports resting
// yes bids and no bids; a no bid at price p is exposed as a yes ask at
// 1-p so that callers see one conventional two-sided book.
func (c *Client) GetOrderbook(ctx context.Context, ticker string) (*models.Orderbook, error) {
	u := fmt.Sprintf("%s/markets/%s/orderbook", c.cfg.APIURL, url.PathEscape(ticker))
	var resp orderbookResponse
	if err := c.get(ctx, u, &resp); err != nil {
		return nil, fmt.Errorf("fetch book %s: %w", ticker, err)
	}
	return normalizeBook(ticker, resp.Orderbook.Yes, resp.Orderbook.No), nil
}

func normalizeBook(ticker string, yes, no [][]int) *models.Orderbook {
	ob := &models.Orderbook{
		Venue:      models.VenueKalshi,
		MarketID:   ticker,
		OutcomeID:  ticker,
		CapturedAt: time.Now(),
	}
	for _, lv := range yes {
		if len(lv) < 2 {
			continue
		}
		ob.Bids = append(ob.Bids, models.BookLevel{
			Price: float64(lv[0]) / 100,
			Size:  float64(lv[1]),
		})
	}
	for _, lv := range no {
		if len(lv) < 2 {
			continue
		}
		ob.Asks = append(ob.Asks, models.BookLevel{
			Price: 1 - float64(lv[0])/100,
			Size:  float64(lv[1]),
		})
	}
	sort.Slice(ob.Bids, func(i, j int) bool { return ob.Bids[i].Price > ob.Bids[j].Price })
	sort.Slice(ob.Asks, func(i, j int) bool { return ob.Asks[i].Price < ob.Asks[j].Price })
	return ob
}

// GetMarket fetches a single market by ticker.
func (c *Client) GetMarket(ctx context.Context, ticker string) (*models.Market, error) {
	u := fmt.Sprintf("%s/markets/%s", c.cfg.APIURL, url.PathEscape(ticker))
	var resp marketResponse
	if err := c.get(ctx, u, &resp); err != nil {
		return nil, fmt.Errorf("fetch market %s: %w", ticker, err)
	}
	if resp.Market.Ticker == "" {
		return nil, fmt.Errorf("market %s not found", ticker)
	}
	m := resp.Market.toMarket()
	return &m, nil
}

// SearchMarkets lists open markets and filters client side; the venue
// has no keyword parameter on its markets endpoint.
func (c *Client) SearchMarkets(ctx context.Context, query string) ([]models.Market, error) {
	u := fmt.Sprintf("%s/markets?status=open&limit=100", c.cfg.APIURL)
	var resp marketsResponse
	if err := c.get(ctx, u, &resp); err != nil {
		return nil, fmt.Errorf("search markets %q: %w", query, err)
	}

	q := strings.ToLower(query)
	var out []models.Market
	for _, rm := range resp.Markets {
		if q != "" &&
			!strings.Contains(strings.ToLower(rm.Title), q) &&
			!strings.Contains(strings.ToLower(rm.Ticker), q) &&
			!strings.Contains(strings.ToLower(rm.Category), q) {
			continue
		}
		out = append(out, rm.toMarket())
	}
	return out, nil
}

// FeeRate approximates the venue's trading fee for a contract priced
// at p: fees peak at even odds and vanish near the extremes. The
// result is an absolute per-contract fee, not a rate.
func FeeRate(price float64) float64 {
	return 0.07 * price * (1 - price)
}

// TakerFeeRate is FeeRate expressed as a fraction of notional, the
// form the smart router applies multiplicatively: FeeRate(p) == p *
// TakerFeeRate(p).
func TakerFeeRate(price float64) float64 {
	if price <= 0 {
		return 0
	}
	return 0.07 * (1 - price)
}

var _ feed.Client = (*Client)(nil)
