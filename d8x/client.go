// Package d8x talks to a D8X-style perpetuals exchange: its REST API, the
// connected wallet and the on-chain order book.
package d8x

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/perpsync/perpsync/perpsync"
)

// ErrEmptyResponse is returned when a successful response carries no data.
var ErrEmptyResponse = errors.New("d8x: empty response")

// APIError is a non-2xx answer of the REST API.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Status     string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("d8x: %s %s: %s", e.Method, e.Path, e.Status)
}

// StatusText is the reason phrase of the response, e.g. "Bad Gateway".
func (e *APIError) StatusText() string {
	return http.StatusText(e.StatusCode)
}

// ExchangeInfo lists the pools of the exchange.
type ExchangeInfo struct {
	Pools             []perpsync.Pool `json:"pools"`
	OracleFactoryAddr string          `json:"oracleFactoryAddr"`
	ProxyAddr         string          `json:"proxyAddr"`
}

// Client is the REST client. No timeout and no retry are configured; a
// request ends when the server answers or ctx ends.
type Client struct {
	http   *resty.Client
	logger *slog.Logger
	now    func() time.Time
}

type ClientOption func(*Client)

// WithHTTPClient swaps the underlying *http.Client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			base := c.http.BaseURL
			c.http = resty.NewWithClient(hc).SetBaseURL(base)
		}
	}
}

func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger.WithGroup("d8x")
		}
	}
}

func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		http:   resty.New().SetBaseURL(strings.TrimRight(baseURL, "/")),
		logger: slog.Default().WithGroup("d8x"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.http.SetLogger(restyLogger{c.logger}).SetHeader("Accept", "application/json")
	return c
}

// ExchangeInfo loads all pools and their perpetuals.
func (c *Client) ExchangeInfo(ctx context.Context) (ExchangeInfo, error) {
	var info ExchangeInfo
	if err := c.get(ctx, "/exchange-info", nil, &info); err != nil {
		return ExchangeInfo{}, err
	}
	return info, nil
}

type openOrdersData struct {
	Orders   []perpsync.Order `json:"orders"`
	OrderIDs []string         `json:"orderIds"`
}

// OpenOrders returns the open orders of trader on symbol. Every call carries
// a fresh timestamp so intermediaries cannot serve a cached list.
func (c *Client) OpenOrders(ctx context.Context, symbol, trader string) ([]perpsync.Order, error) {
	params := map[string]string{
		"symbol":     symbol,
		"traderAddr": trader,
		"t":          strconv.FormatInt(c.now().UnixMilli(), 10),
	}
	var raw json.RawMessage
	if err := c.get(ctx, "/open-orders", params, &raw); err != nil {
		return nil, err
	}
	batches, err := decodeOneOrMany[openOrdersData](raw)
	if err != nil {
		return nil, fmt.Errorf("decode open orders: %w", err)
	}

	var orders []perpsync.Order
	for _, b := range batches {
		if len(b.Orders) != len(b.OrderIDs) {
			return nil, fmt.Errorf("decode open orders: %d orders but %d ids", len(b.Orders), len(b.OrderIDs))
		}
		for i, o := range b.Orders {
			o.ID = b.OrderIDs[i]
			if o.Symbol == "" {
				o.Symbol = symbol
			}
			orders = append(orders, o)
		}
	}
	return orders, nil
}

// CancelOrderPayload requests the unsigned cancellation of orderID.
func (c *Client) CancelOrderPayload(ctx context.Context, symbol, orderID string) (perpsync.CancelOrderPayload, error) {
	var payload perpsync.CancelOrderPayload
	params := map[string]string{"symbol": symbol, "orderId": orderID}
	if err := c.get(ctx, "/cancel-order", params, &payload); err != nil {
		return perpsync.CancelOrderPayload{}, err
	}
	return payload, nil
}

// PositionRisk returns the margin accounts of trader on symbol.
func (c *Client) PositionRisk(ctx context.Context, symbol, trader string) ([]perpsync.MarginAccount, error) {
	params := map[string]string{"symbol": symbol, "traderAddr": trader}
	var raw json.RawMessage
	if err := c.get(ctx, "/position-risk", params, &raw); err != nil {
		return nil, err
	}
	accounts, err := decodeOneOrMany[perpsync.MarginAccount](raw)
	if err != nil {
		return nil, fmt.Errorf("decode position risk: %w", err)
	}
	for i := range accounts {
		if accounts[i].TraderAddr == "" {
			accounts[i].TraderAddr = trader
		}
	}
	return accounts, nil
}

// TradingFee returns the fee, in tbps, trader pays in poolSymbol.
func (c *Client) TradingFee(ctx context.Context, poolSymbol, trader string) (decimal.Decimal, error) {
	var fee decimal.Decimal
	params := map[string]string{"poolSymbol": poolSymbol, "traderAddr": trader}
	if err := c.get(ctx, "/trading-fee", params, &fee); err != nil {
		return decimal.Zero, err
	}
	return fee, nil
}

type envelope struct {
	Data json.RawMessage `json:"data"`
}

func (c *Client) get(ctx context.Context, path string, params map[string]string, out any) error {
	req := c.http.R().SetContext(ctx)
	if len(params) > 0 {
		req.SetQueryParams(params)
	}

	resp, err := req.Get(path)
	if err != nil {
		return fmt.Errorf("d8x: GET %s: %w", path, err)
	}
	if !resp.IsSuccess() {
		apiErr := &APIError{
			Method:     http.MethodGet,
			Path:       path,
			StatusCode: resp.StatusCode(),
			Status:     resp.Status(),
			Body:       string(resp.Body()),
		}
		c.logger.Error("request failed",
			slog.String("path", path),
			slog.Int("status", apiErr.StatusCode),
			slog.String("body", apiErr.Body),
		)
		return apiErr
	}

	var env envelope
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		return fmt.Errorf("d8x: GET %s: decode envelope: %w", path, err)
	}
	data := bytes.TrimSpace(env.Data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return fmt.Errorf("%w: GET %s", ErrEmptyResponse, path)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("d8x: GET %s: decode data: %w", path, err)
	}
	return nil
}

// decodeOneOrMany accepts either a single object or an array of them.
func decodeOneOrMany[T any](raw json.RawMessage) ([]T, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '[' {
		var many []T
		if err := json.Unmarshal(raw, &many); err != nil {
			return nil, err
		}
		return many, nil
	}
	var one T
	if err := json.Unmarshal(raw, &one); err != nil {
		return nil, err
	}
	return []T{one}, nil
}

type restyLogger struct {
	logger *slog.Logger
}

func (l restyLogger) Errorf(format string, v ...any) {
	l.logger.Error(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (l restyLogger) Warnf(format string, v ...any) {
	l.logger.Warn(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (l restyLogger) Debugf(format string, v ...any) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, v...)))
}
