// Package polymarket implements the feed client for the Polymarket
// CLOB: a market-channel websocket for push updates plus the CLOB and
// Gamma REST APIs for books, markets and search. Prices are already
// expressed in [0,1] per outcome token.
package polymarket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"golang.org/x/time/rate"

	"tradeflow/config"
	"tradeflow/feed"
	"tradeflow/logger"
	"tradeflow/models"
)

// Client owns the single push connection to the CLOB market channel.
type Client struct {
	cfg     config.PolymarketConfig
	feedCfg config.FeedConfig
	http    *http.Client
	limiter *rate.Limiter
	reg     *feed.Registry
	tracker *feed.Tracker
	log     *logger.Entry

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	closing   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewClient builds a client. tracker may be nil when freshness-driven
// polling is not wanted (tests, one-shot lookups).
func NewClient(cfg config.PolymarketConfig, feedCfg config.FeedConfig, tracker *feed.Tracker) *Client {
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
		reg:     feed.NewRegistry(models.VenuePolymarket),
		tracker: tracker,
		log:     logger.GetLogger().WithComponent("polymarket_feed"),
	}
}

func (c *Client) Venue() models.Venue { return models.VenuePolymarket }

// Registry exposes the subscription registry; used by tests and by the
// recorder to tap the raw update stream.
func (c *Client) Registry() *feed.Registry { return c.reg }

// Connect opens the market-channel websocket and starts the read loop.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return fmt.Errorf("polymarket feed already connected")
	}
	c.closing = false
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()

	conn, err := c.dial()
	if err != nil {
		return fmt.Errorf("dial polymarket ws: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	c.resubscribe(conn)

	c.wg.Add(1)
	go c.readLoop(conn)

	c.log.WithFields(logger.Fields{"url": c.cfg.WSURL}).Info("polymarket feed connected")
	return nil
}

// Disconnect tears the connection down intentionally; no reconnect is
// scheduled.
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
	c.log.Info("polymarket feed disconnected")
	return nil
}

func (c *Client) dial() (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(c.ctx, c.cfg.WSURL, nil)
	return conn, err
}

// resubscribe sends the full asset list currently held in the registry;
// the market channel expects the complete set on (re)connect.
func (c *Client) resubscribe(conn *websocket.Conn) {
	ids := c.reg.MarketIDs()
	if len(ids) == 0 {
		return
	}
	if err := c.writeSubscribe(conn, ids); err != nil {
		c.log.WithError(err).Warn("resubscribe failed")
		return
	}
	c.log.WithFields(logger.Fields{"assets": len(ids)}).Info("resubscribed after connect")
}

func (c *Client) writeSubscribe(conn *websocket.Conn, assetIDs []string) error {
	msg := subscribeCommand{AssetIDs: assetIDs, Type: "market"}
	data, err := json.Marshal(msg)
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
			c.log.WithError(err).Warn("polymarket ws closed, reconnecting")
			c.reconnect()
			return
		}
		c.handleFrame(data)
	}
}

// reconnect redials with exponential backoff, resets the dedup cache
// and re-subscribes every asset in the registry.
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

		// First post-reconnect update must emit even at an unchanged price.
		c.reg.ResetCache()
		c.resubscribe(conn)

		c.wg.Add(1)
		go c.readLoop(conn)

		c.log.Info("polymarket feed reconnected")
		return
	}
}

// handleFrame demultiplexes one websocket frame. The market channel
// delivers either a single event object or an array of them.
func (c *Client) handleFrame(data []byte) {
	if len(data) == 0 {
		return
	}
	if data[0] == '[' {
		var events []json.RawMessage
		if err := json.Unmarshal(data, &events); err != nil {
			c.log.WithError(err).Debug("unparseable event batch")
			return
		}
		for _, ev := range events {
			c.handleEvent(ev)
		}
		return
	}
	c.handleEvent(data)
}

func (c *Client) handleEvent(data []byte) {
	var env eventEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.log.WithError(err).Debug("unparseable event")
		return
	}
	if env.AssetID != "" && c.tracker != nil {
		c.tracker.RecordMessage(string(models.VenuePolymarket), env.AssetID)
	}

	switch env.EventType {
	case eventBook:
		var ev bookEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			c.log.WithError(err).Debug("bad book event")
			return
		}
		ob := ev.toOrderbook()
		c.reg.Publish(models.PriceUpdate{
			MarketID:  ev.AssetID,
			OutcomeID: ev.AssetID,
			Price:     ob.Mid(),
			Timestamp: time.Now(),
		})

	case eventPriceChange:
		var ev priceChangeEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			c.log.WithError(err).Debug("bad price_change event")
			return
		}
		price, err := strconv.ParseFloat(ev.Price, 64)
		if err != nil {
			return
		}
		c.reg.Publish(models.PriceUpdate{
			MarketID:  ev.AssetID,
			OutcomeID: ev.AssetID,
			Price:     price,
			Timestamp: time.Now(),
		})

	case eventLastTradePrice:
		var ev lastTradeEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			c.log.WithError(err).Debug("bad last_trade_price event")
			return
		}
		price, err := strconv.ParseFloat(ev.Price, 64)
		if err != nil {
			return
		}
		c.reg.Publish(models.PriceUpdate{
			MarketID:  ev.AssetID,
			OutcomeID: ev.AssetID,
			Price:     price,
			Timestamp: time.Now(),
		})

	case eventTickSizeChange:
		// Informational; no price to publish.

	default:
		c.log.WithFields(logger.Fields{"event_type": env.EventType}).Debug("unhandled event kind")
	}
}

// Subscribe registers a callback for an outcome token and, on the
// first subscription for that token, subscribes it on the wire. The
// token is also tracked for freshness with an orderbook-poll fallback.
func (c *Client) Subscribe(tokenID string, fn feed.UpdateFunc) (feed.Unsubscribe, error) {
	unsub, first := c.reg.Add(tokenID, fn)

	if first {
		c.mu.Lock()
		conn := c.conn
		connected := c.connected
		c.mu.Unlock()
		if connected && conn != nil {
			// The market channel wants the full asset set.
			if err := c.writeSubscribe(conn, c.reg.MarketIDs()); err != nil {
				unsub()
				return nil, fmt.Errorf("subscribe %s: %w", tokenID, err)
			}
		}
		if c.tracker != nil {
			c.tracker.Track(string(models.VenuePolymarket), tokenID, func(ctx context.Context) error {
				return c.pollPrice(ctx, tokenID)
			})
		}
	}

	wrapped := func() {
		unsub()
		if c.tracker != nil && c.reg.Subscribers(tokenID) == 0 {
			c.tracker.Untrack(string(models.VenuePolymarket), tokenID)
		}
	}
	return wrapped, nil
}

// pollPrice fetches the book over REST and feeds the midpoint through
// the normal publish path, standing in for a silent push feed.
func (c *Client) pollPrice(ctx context.Context, tokenID string) error {
	ob, err := c.GetOrderbook(ctx, tokenID)
	if err != nil {
		return err
	}
	c.reg.Publish(models.PriceUpdate{
		MarketID:  tokenID,
		OutcomeID: tokenID,
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

// GetOrderbook fetches a fresh book snapshot for one outcome token.
func (c *Client) GetOrderbook(ctx context.Context, tokenID string) (*models.Orderbook, error) {
	u := fmt.Sprintf("%s/book?token_id=%s", c.cfg.ClobURL, url.QueryEscape(tokenID))
	var resp bookResponse
	if err := c.get(ctx, u, &resp); err != nil {
		return nil, fmt.Errorf("fetch book %s: %w", tokenID, err)
	}

	ob := &models.Orderbook{
		Venue:      models.VenuePolymarket,
		MarketID:   resp.Market,
		OutcomeID:  tokenID,
		Bids:       parseLevels(resp.Bids),
		Asks:       parseLevels(resp.Asks),
		CapturedAt: time.Now(),
	}
	sort.Slice(ob.Bids, func(i, j int) bool { return ob.Bids[i].Price > ob.Bids[j].Price })
	sort.Slice(ob.Asks, func(i, j int) bool { return ob.Asks[i].Price < ob.Asks[j].Price })
	return ob, nil
}

// GetMarket fetches a market snapshot by condition id via Gamma.
func (c *Client) GetMarket(ctx context.Context, conditionID string) (*models.Market, error) {
	u := fmt.Sprintf("%s/markets?condition_ids=%s", c.cfg.GammaURL, url.QueryEscape(conditionID))
	var resp []gammaMarket
	if err := c.get(ctx, u, &resp); err != nil {
		return nil, fmt.Errorf("fetch market %s: %w", conditionID, err)
	}
	if len(resp) == 0 {
		return nil, fmt.Errorf("market %s not found", conditionID)
	}
	m := resp[0].toMarket()
	return &m, nil
}

// SearchMarkets queries Gamma for active markets matching the keyword.
func (c *Client) SearchMarkets(ctx context.Context, query string) ([]models.Market, error) {
	u := fmt.Sprintf("%s/markets?_q=%s&active=true&closed=false&_limit=20",
		c.cfg.GammaURL, url.QueryEscape(query))
	var resp []gammaMarket
	if err := c.get(ctx, u, &resp); err != nil {
		return nil, fmt.Errorf("search markets %q: %w", query, err)
	}
	out := make([]models.Market, 0, len(resp))
	for _, gm := range resp {
		out = append(out, gm.toMarket())
	}
	return out, nil
}

// FeeRate returns the taker fee rate for a token: 0 on regular markets,
// up to ~1.5% on 15-minute crypto markets. Falls back to the configured
// default when the lookup fails.
func (c *Client) FeeRate(ctx context.Context, tokenID string) float64 {
	u := fmt.Sprintf("%s/fee-rate?token_id=%s", c.cfg.ClobURL, url.QueryEscape(tokenID))
	var resp feeRateResponse
	if err := c.get(ctx, u, &resp); err != nil {
		c.log.WithError(err).WithFields(logger.Fields{"token": tokenID}).Debug("fee rate lookup failed")
		return c.cfg.DefaultFeeRate
	}
	bps := float64(resp.FeeRateBps)
	if bps == 0 {
		bps = float64(resp.BaseFee)
	}
	if bps > 0 {
		return bps / 10000
	}
	return 0
}

var _ feed.Client = (*Client)(nil)
