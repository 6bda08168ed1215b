// Package broker implements the brokerage HTTP gateway client and the
// contract symbol builders.
//
// The REST client (Client) talks to an OpenAlgo-compatible gateway:
//   - PlaceOrder:  POST /placeorder  — submit a LIMIT or MARKET order
//   - OrderStatus: POST /orderstatus — poll a single order by id
//   - ModifyOrder: POST /modifyorder — reprice a pending limit order
//   - CancelOrder: POST /cancelorder — cancel a pending order
//   - GetQuote:    POST /quotes      — bid/ask snapshot with bounded retries
//   - GetFunds:    POST /funds       — available margin
//   - GetPositions: POST /positionbook — net positions for reconciliation
//
// Every request carries the API key in the body, is retried on 5xx, and is
// bounded by the configured timeout.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"pmbot/internal/config"
	"pmbot/internal/domain"
)

// Client is the brokerage gateway REST client.
type Client struct {
	http         *resty.Client
	apiKey       string
	product      string
	quoteTimeout time.Duration
	quoteRetries int
	logger       *slog.Logger
}

var _ domain.Broker = (*Client)(nil)

// NewClient creates a gateway client from config.
func NewClient(cfg config.BrokerConfig, logger *slog.Logger) *Client {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	quoteTimeout := time.Duration(cfg.QuoteTimeout * float64(time.Second))
	if quoteTimeout <= 0 {
		quoteTimeout = 2 * time.Second
	}
	quoteRetries := cfg.QuoteRetries
	if quoteRetries <= 0 {
		quoteRetries = 3
	}

	return &Client{
		http:         httpClient,
		apiKey:       cfg.APIKey,
		product:      cfg.Product,
		quoteTimeout: quoteTimeout,
		quoteRetries: quoteRetries,
		logger:       logger.With(slog.String("component", "broker")),
	}
}

type gatewayResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	OrderID string `json:"orderid,omitempty"`
}

// PlaceOrder submits an order and returns the broker order id.
func (c *Client) PlaceOrder(ctx context.Context, req domain.OrderRequest) (string, error) {
	if req.Product == "" {
		req.Product = c.product
	}

	payload := struct {
		APIKey string `json:"apikey"`
		domain.OrderRequest
	}{APIKey: c.apiKey, OrderRequest: req}

	var result gatewayResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(payload).
		SetResult(&result).
		Post("/placeorder")
	if err != nil {
		return "", fmt.Errorf("broker: place order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK || result.Status != "success" {
		return "", fmt.Errorf("broker: place order rejected: status %d: %s", resp.StatusCode(), firstNonEmpty(result.Message, resp.String()))
	}

	c.logger.Info("order placed",
		slog.String("order_id", result.OrderID),
		slog.String("symbol", req.Symbol),
		slog.String("action", string(req.Action)),
		slog.String("type", string(req.Type)),
		slog.Int("quantity", req.Quantity),
		slog.Float64("price", req.Price),
	)
	return result.OrderID, nil
}

// OrderStatus polls a single order.
func (c *Client) OrderStatus(ctx context.Context, orderID string) (domain.OrderState, error) {
	payload := map[string]string{"apikey": c.apiKey, "orderid": orderID}

	var result struct {
		Status string            `json:"status"`
		Data   domain.OrderState `json:"data"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(payload).
		SetResult(&result).
		Post("/orderstatus")
	if err != nil {
		return domain.OrderState{}, fmt.Errorf("broker: order status %s: %w", orderID, err)
	}
	if resp.StatusCode() != http.StatusOK || result.Status != "success" {
		return domain.OrderState{}, fmt.Errorf("broker: order status %s: status %d: %s", orderID, resp.StatusCode(), resp.String())
	}
	if result.Data.OrderID == "" {
		result.Data.OrderID = orderID
	}
	return result.Data, nil
}

// ModifyOrder reprices a pending order.
func (c *Client) ModifyOrder(ctx context.Context, orderID string, price float64, orderType domain.OrderType) error {
	payload := map[string]any{
		"apikey":     c.apiKey,
		"orderid":    orderID,
		"price":      price,
		"order_type": string(orderType),
	}

	var result gatewayResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(payload).
		SetResult(&result).
		Post("/modifyorder")
	if err != nil {
		return fmt.Errorf("broker: modify order %s: %w", orderID, err)
	}
	if resp.StatusCode() != http.StatusOK || result.Status != "success" {
		return fmt.Errorf("broker: modify order %s rejected: %s", orderID, firstNonEmpty(result.Message, resp.String()))
	}
	return nil
}

// CancelOrder cancels a pending order.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	payload := map[string]string{"apikey": c.apiKey, "orderid": orderID}

	var result gatewayResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(payload).
		SetResult(&result).
		Post("/cancelorder")
	if err != nil {
		return fmt.Errorf("broker: cancel order %s: %w", orderID, err)
	}
	if resp.StatusCode() != http.StatusOK || result.Status != "success" {
		return fmt.Errorf("broker: cancel order %s rejected: %s", orderID, firstNonEmpty(result.Message, resp.String()))
	}
	c.logger.Info("order cancelled", slog.String("order_id", orderID))
	return nil
}

// GetQuote fetches a bid/ask snapshot. Each attempt is bounded by the quote
// timeout; attempts back off 0s, 0.5s, 1.0s. The caller decides what a total
// failure means (validation bypasses, execution aborts).
func (c *Client) GetQuote(ctx context.Context, exchange domain.Exchange, symbol string) (domain.Quote, error) {
	payload := map[string]string{
		"apikey":   c.apiKey,
		"exchange": string(exchange),
		"symbol":   symbol,
	}

	backoff := []time.Duration{0, 500 * time.Millisecond, time.Second}
	var lastErr error
	for attempt := 0; attempt < c.quoteRetries; attempt++ {
		if attempt > 0 {
			wait := backoff[len(backoff)-1]
			if attempt-1 < len(backoff) {
				wait = backoff[attempt-1]
			}
			select {
			case <-ctx.Done():
				return domain.Quote{}, ctx.Err()
			case <-time.After(wait):
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, c.quoteTimeout)
		q, err := c.fetchQuote(attemptCtx, payload)
		cancel()
		if err == nil {
			q.Symbol = symbol
			return q, nil
		}
		lastErr = err
		c.logger.Warn("quote attempt failed",
			slog.String("symbol", symbol),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()),
		)
	}
	return domain.Quote{}, fmt.Errorf("broker: quote %s after %d attempts: %w", symbol, c.quoteRetries, lastErr)
}

func (c *Client) fetchQuote(ctx context.Context, payload map[string]string) (domain.Quote, error) {
	var result struct {
		Status string `json:"status"`
		Data   struct {
			Bid float64 `json:"bid"`
			Ask float64 `json:"ask"`
			LTP float64 `json:"ltp"`
		} `json:"data"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(payload).
		SetResult(&result).
		Post("/quotes")
	if err != nil {
		return domain.Quote{}, err
	}
	if resp.StatusCode() != http.StatusOK || result.Status != "success" {
		return domain.Quote{}, fmt.Errorf("status %d: %s", resp.StatusCode(), resp.String())
	}

	q := domain.Quote{Bid: result.Data.Bid, Ask: result.Data.Ask}
	// Some gateways return only LTP outside market depth hours.
	if q.Bid == 0 && q.Ask == 0 && result.Data.LTP > 0 {
		q.Bid, q.Ask = result.Data.LTP, result.Data.LTP
	}
	if q.Bid == 0 && q.Ask == 0 {
		return domain.Quote{}, fmt.Errorf("empty quote")
	}
	return q, nil
}

// GetFunds returns the available margin snapshot.
func (c *Client) GetFunds(ctx context.Context) (domain.Funds, error) {
	payload := map[string]string{"apikey": c.apiKey}

	var result struct {
		Status string `json:"status"`
		Data   struct {
			AvailableCash string  `json:"availablecash"`
			Available     float64 `json:"available_margin"`
			Used          float64 `json:"used_margin"`
		} `json:"data"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(payload).
		SetResult(&result).
		Post("/funds")
	if err != nil {
		return domain.Funds{}, fmt.Errorf("broker: funds: %w", err)
	}
	if resp.StatusCode() != http.StatusOK || result.Status != "success" {
		return domain.Funds{}, fmt.Errorf("broker: funds: status %d: %s", resp.StatusCode(), resp.String())
	}
	return domain.Funds{
		AvailableMargin: result.Data.Available,
		UsedMargin:      result.Data.Used,
	}, nil
}

// GetPositions returns the broker positionbook for rollover reconciliation.
func (c *Client) GetPositions(ctx context.Context) ([]domain.BrokerPosition, error) {
	payload := map[string]string{"apikey": c.apiKey}

	var result struct {
		Status string `json:"status"`
		Data   []struct {
			Symbol   string `json:"symbol"`
			Quantity int    `json:"quantity"`
			Exchange string `json:"exchange"`
		} `json:"data"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(payload).
		SetResult(&result).
		Post("/positionbook")
	if err != nil {
		return nil, fmt.Errorf("broker: positionbook: %w", err)
	}
	if resp.StatusCode() != http.StatusOK || result.Status != "success" {
		return nil, fmt.Errorf("broker: positionbook: status %d: %s", resp.StatusCode(), resp.String())
	}

	out := make([]domain.BrokerPosition, 0, len(result.Data))
	for _, p := range result.Data {
		out = append(out, domain.BrokerPosition{
			Symbol:   p.Symbol,
			Quantity: p.Quantity,
			Exchange: domain.Exchange(p.Exchange),
		})
	}
	return out, nil
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
