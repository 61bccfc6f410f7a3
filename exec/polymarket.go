package exec

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"tradeflow/config"
	"tradeflow/logger"
	"tradeflow/models"
)

// PolymarketAdapter places orders against the CLOB REST API using L2
// (api key) authentication.
type PolymarketAdapter struct {
	cfg  config.PolymarketConfig
	http *http.Client
	log  *logger.Entry
	now  func() time.Time
}

func NewPolymarketAdapter(cfg config.PolymarketConfig) *PolymarketAdapter {
	return &PolymarketAdapter{
		cfg:  cfg,
		http: &http.Client{},
		log:  logger.GetLogger().WithComponent("polymarket_exec"),
		now:  time.Now,
	}
}

func (a *PolymarketAdapter) Venue() models.Venue { return models.VenuePolymarket }

// sign produces the HMAC header value over timestamp+method+path+body.
func (a *PolymarketAdapter) sign(timestamp, method, path string, body []byte) (string, error) {
	secret, err := base64.URLEncoding.DecodeString(a.cfg.APISecret)
	if err != nil {
		return "", fmt.Errorf("decode api secret: %w", err)
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte(method))
	mac.Write([]byte(path))
	mac.Write(body)
	return base64.URLEncoding.EncodeToString(mac.Sum(nil)), nil
}

func (a *PolymarketAdapter) do(ctx context.Context, method, path string, body, out interface{}) (int, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return 0, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, a.cfg.ClobURL+path, bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	ts := strconv.FormatInt(a.now().Unix(), 10)
	sig, err := a.sign(ts, method, path, payload)
	if err != nil {
		return 0, err
	}
	req.Header.Set("POLY_API_KEY", a.cfg.APIKey)
	req.Header.Set("POLY_SIGNATURE", sig)
	req.Header.Set("POLY_TIMESTAMP", ts)
	req.Header.Set("POLY_PASSPHRASE", a.cfg.Passphrase)

	resp, err := a.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, err
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode %s %s: %w", method, path, err)
		}
	}
	return resp.StatusCode, nil
}

type clobOrderRequest struct {
	TokenID     string  `json:"token_id"`
	Price       float64 `json:"price"`
	Size        float64 `json:"size"`
	Side        string  `json:"side"`
	OrderType   string  `json:"order_type"`
	ClientID    string  `json:"client_id"`
	NegRisk     bool    `json:"neg_risk,omitempty"`
	PostOnly    bool    `json:"post_only,omitempty"`
	Expiration  int64   `json:"expiration,omitempty"`
}

type clobOrderResponse struct {
	Success      bool    `json:"success"`
	OrderID      string  `json:"orderID"`
	Status       string  `json:"status"`
	ErrorMsg     string  `json:"errorMsg"`
	AvgPrice     string  `json:"avgPrice"`
	MakingAmount string  `json:"makingAmount"`
}

func (a *PolymarketAdapter) PlaceOrder(ctx context.Context, req models.OrderRequest) (models.OrderResult, error) {
	orderType := "GTC"
	if req.Style == models.StyleImmediate {
		orderType = "FOK"
	}
	body := clobOrderRequest{
		TokenID:   req.OutcomeID,
		Price:     req.Price,
		Size:      req.Size,
		Side:      map[models.Side]string{models.SideBuy: "BUY", models.SideSell: "SELL"}[req.Side],
		OrderType: orderType,
		ClientID:  uuid.NewString(),
		NegRisk:   req.NegRisk,
	}

	var resp clobOrderResponse
	status, err := a.do(ctx, http.MethodPost, "/order", body, &resp)
	if err != nil {
		return models.OrderResult{}, err
	}
	if status >= 500 {
		return models.OrderResult{}, fmt.Errorf("clob order: status %d", status)
	}
	if status != http.StatusOK || !resp.Success {
		reason := resp.ErrorMsg
		if reason == "" {
			reason = fmt.Sprintf("order rejected with status %d", status)
		}
		return models.OrderResult{Success: false, Error: reason}, nil
	}

	avg, _ := strconv.ParseFloat(resp.AvgPrice, 64)
	return models.OrderResult{Success: true, OrderID: resp.OrderID, AvgFillPrice: avg}, nil
}

func (a *PolymarketAdapter) CancelOrder(ctx context.Context, orderID string) error {
	var resp struct {
		Canceled    []string          `json:"canceled"`
		NotCanceled map[string]string `json:"not_canceled"`
	}
	status, err := a.do(ctx, http.MethodDelete, "/order", map[string]string{"orderID": orderID}, &resp)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("cancel order: status %d", status)
	}
	if reason, ok := resp.NotCanceled[orderID]; ok {
		return fmt.Errorf("cancel order %s: %s", orderID, reason)
	}
	return nil
}

func (a *PolymarketAdapter) CancelAll(ctx context.Context) error {
	status, err := a.do(ctx, http.MethodDelete, "/cancel-all", nil, nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("cancel all: status %d", status)
	}
	return nil
}

type clobOpenOrder struct {
	ID           string `json:"id"`
	Market       string `json:"market"`
	AssetID      string `json:"asset_id"`
	Side         string `json:"side"`
	Price        string `json:"price"`
	OriginalSize string `json:"original_size"`
	SizeMatched  string `json:"size_matched"`
	Status       string `json:"status"`
}

func (a *PolymarketAdapter) OpenOrders(ctx context.Context) ([]models.OpenOrder, error) {
	var resp []clobOpenOrder
	status, err := a.do(ctx, http.MethodGet, "/data/orders", nil, &resp)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("open orders: status %d", status)
	}

	out := make([]models.OpenOrder, 0, len(resp))
	for _, o := range resp {
		price, _ := strconv.ParseFloat(o.Price, 64)
		size, _ := strconv.ParseFloat(o.OriginalSize, 64)
		filled, _ := strconv.ParseFloat(o.SizeMatched, 64)
		side := models.SideBuy
		if o.Side == "SELL" {
			side = models.SideSell
		}
		out = append(out, models.OpenOrder{
			OrderID:   o.ID,
			MarketID:  o.Market,
			OutcomeID: o.AssetID,
			Side:      side,
			Price:     price,
			Size:      size,
			FilledSz:  filled,
		})
	}
	return out, nil
}

func (a *PolymarketAdapter) GetOrder(ctx context.Context, orderID string) (*models.OrderState, error) {
	var resp clobOpenOrder
	status, err := a.do(ctx, http.MethodGet, "/data/order/"+orderID, nil, &resp)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, fmt.Errorf("order %s not found", orderID)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("get order: status %d", status)
	}

	size, _ := strconv.ParseFloat(resp.OriginalSize, 64)
	filled, _ := strconv.ParseFloat(resp.SizeMatched, 64)
	price, _ := strconv.ParseFloat(resp.Price, 64)
	st := &models.OrderState{
		OrderID:    resp.ID,
		FilledSize: filled,
	}
	switch resp.Status {
	case "MATCHED":
		st.Filled = true
		st.AvgFillPrice = price
	case "CANCELED":
		st.Cancelled = true
	default:
		// LIVE or partially matched; a fully matched size also counts.
		if size > 0 && filled >= size-1e-9 {
			st.Filled = true
			st.AvgFillPrice = price
		}
	}
	return st, nil
}

var _ VenueAdapter = (*PolymarketAdapter)(nil)
