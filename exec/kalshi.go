package exec

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"tradeflow/config"
	"tradeflow/logger"
	"tradeflow/models"
)

// KalshiAdapter places orders against the Kalshi trade API. Prices
// cross the boundary in [0,1] and are converted to integer cents here.
type KalshiAdapter struct {
	cfg  config.KalshiConfig
	http *http.Client
	log  *logger.Entry
}

func NewKalshiAdapter(cfg config.KalshiConfig) *KalshiAdapter {
	return &KalshiAdapter{
		cfg:  cfg,
		http: &http.Client{},
		log:  logger.GetLogger().WithComponent("kalshi_exec"),
	}
}

func (a *KalshiAdapter) Venue() models.Venue { return models.VenueKalshi }

// splitOutcome maps an outcome id back to (ticker, side): the no side
// is addressed as "<ticker>:no", anything else is the yes side.
func splitOutcome(outcomeID string) (string, string) {
	if ticker, ok := strings.CutSuffix(outcomeID, ":no"); ok {
		return ticker, "no"
	}
	return outcomeID, "yes"
}

func toCents(price float64) int {
	c := int(math.Round(price * 100))
	if c < 1 {
		c = 1
	}
	if c > 99 {
		c = 99
	}
	return c
}

func (a *KalshiAdapter) do(ctx context.Context, method, path string, body, out interface{}) (int, []byte, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return 0, nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, a.cfg.APIURL+path, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if a.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	if out != nil && len(data) > 0 && resp.StatusCode < 300 {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, data, fmt.Errorf("decode %s %s: %w", method, path, err)
		}
	}
	return resp.StatusCode, data, nil
}

// rejectionReason digs the venue's error message out of an error body.
func rejectionReason(data []byte, status int) string {
	var e struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(data, &e) == nil {
		if e.Error.Message != "" {
			return e.Error.Message
		}
		if e.Message != "" {
			return e.Message
		}
	}
	return fmt.Sprintf("order rejected with status %d", status)
}

type kalshiOrderRequest struct {
	Ticker        string `json:"ticker"`
	Action        string `json:"action"`
	Side          string `json:"side"`
	Count         int    `json:"count"`
	Type          string `json:"type"`
	YesPrice      int    `json:"yes_price,omitempty"`
	ClientOrderID string `json:"client_order_id"`
}

type kalshiOrder struct {
	OrderID       string `json:"order_id"`
	Ticker        string `json:"ticker"`
	Action        string `json:"action"`
	Side          string `json:"side"`
	Status        string `json:"status"`
	YesPrice      int    `json:"yes_price"`
	Count         int    `json:"count"`
	RemainingCount int   `json:"remaining_count"`
}

func (a *KalshiAdapter) PlaceOrder(ctx context.Context, req models.OrderRequest) (models.OrderResult, error) {
	ticker, side := splitOutcome(req.OutcomeID)

	orderType := "limit"
	if req.Style == models.StyleImmediate {
		orderType = "market"
	}
	body := kalshiOrderRequest{
		Ticker:        ticker,
		Action:        string(req.Side),
		Side:          side,
		Count:         int(math.Round(req.Size)),
		Type:          orderType,
		ClientOrderID: uuid.NewString(),
	}
	if orderType == "limit" {
		// The API prices both sides in yes cents.
		yes := req.Price
		if side == "no" {
			yes = 1 - req.Price
		}
		body.YesPrice = toCents(yes)
	}

	var resp struct {
		Order kalshiOrder `json:"order"`
	}
	status, data, err := a.do(ctx, http.MethodPost, "/portfolio/orders", body, &resp)
	if err != nil {
		return models.OrderResult{}, err
	}
	if status >= 500 {
		return models.OrderResult{}, fmt.Errorf("kalshi order: status %d", status)
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return models.OrderResult{Success: false, Error: rejectionReason(data, status)}, nil
	}

	res := models.OrderResult{Success: true, OrderID: resp.Order.OrderID}
	if resp.Order.Status == "executed" {
		res.AvgFillPrice = float64(resp.Order.YesPrice) / 100
		if side == "no" {
			res.AvgFillPrice = 1 - res.AvgFillPrice
		}
	}
	return res, nil
}

func (a *KalshiAdapter) CancelOrder(ctx context.Context, orderID string) error {
	status, data, err := a.do(ctx, http.MethodDelete, "/portfolio/orders/"+orderID, nil, nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK && status != http.StatusNoContent {
		return fmt.Errorf("cancel order %s: %s", orderID, rejectionReason(data, status))
	}
	return nil
}

// CancelAll has no single endpoint on this venue; resting orders are
// listed and cancelled one by one.
func (a *KalshiAdapter) CancelAll(ctx context.Context) error {
	orders, err := a.OpenOrders(ctx)
	if err != nil {
		return err
	}
	var firstErr error
	for _, o := range orders {
		if err := a.CancelOrder(ctx, o.OrderID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (a *KalshiAdapter) OpenOrders(ctx context.Context) ([]models.OpenOrder, error) {
	var resp struct {
		Orders []kalshiOrder `json:"orders"`
	}
	status, data, err := a.do(ctx, http.MethodGet, "/portfolio/orders?status=resting", nil, &resp)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("open orders: %s", rejectionReason(data, status))
	}

	out := make([]models.OpenOrder, 0, len(resp.Orders))
	for _, o := range resp.Orders {
		out = append(out, a.toOpenOrder(o))
	}
	return out, nil
}

func (a *KalshiAdapter) toOpenOrder(o kalshiOrder) models.OpenOrder {
	outcomeID := o.Ticker
	price := float64(o.YesPrice) / 100
	if o.Side == "no" {
		outcomeID = o.Ticker + ":no"
		price = 1 - price
	}
	side := models.SideBuy
	if o.Action == "sell" {
		side = models.SideSell
	}
	return models.OpenOrder{
		OrderID:   o.OrderID,
		MarketID:  o.Ticker,
		OutcomeID: outcomeID,
		Side:      side,
		Price:     price,
		Size:      float64(o.Count),
		FilledSz:  float64(o.Count - o.RemainingCount),
	}
}

func (a *KalshiAdapter) GetOrder(ctx context.Context, orderID string) (*models.OrderState, error) {
	var resp struct {
		Order kalshiOrder `json:"order"`
	}
	status, data, err := a.do(ctx, http.MethodGet, "/portfolio/orders/"+orderID, nil, &resp)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("get order %s: %s", orderID, rejectionReason(data, status))
	}

	o := resp.Order
	st := &models.OrderState{
		OrderID:    o.OrderID,
		FilledSize: float64(o.Count - o.RemainingCount),
	}
	switch o.Status {
	case "executed":
		st.Filled = true
		st.AvgFillPrice = float64(o.YesPrice) / 100
		if o.Side == "no" {
			st.AvgFillPrice = 1 - st.AvgFillPrice
		}
	case "canceled":
		st.Cancelled = true
	}
	return st, nil
}

var _ VenueAdapter = (*KalshiAdapter)(nil)
