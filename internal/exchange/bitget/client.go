package bitget

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/captainplanet9000/cival-dashboard-sub008/internal/domain"
	"github.com/captainplanet9000/cival-dashboard-sub008/internal/infra"
)

// streamMaxAge is how old a websocket ticker may be before GetTicker
// falls back to REST.
const streamMaxAge = 10 * time.Second

// Options configure the venue client. Zero values select the production
// endpoints and USDT margining.
type Options struct {
	RestURL    string
	Symbols    map[string]string // engine symbol -> venue instId
	MarginCoin string
	MarginMode string // crossed | isolated
	Demo       bool   // route orders to the demo-trading environment
}

// Client talks to the Bitget V2 mix (futures) REST API. It implements
// domain.Exchange for the engine's live mode.
type Client struct {
	httpClient *http.Client
	baseURL    string
	signer     *Signer
	symbols    map[string]string
	reverse    map[string]string
	marginCoin string
	marginMode string
	demo       bool
	stream     *TickerStream
	log        *slog.Logger

	orderLimiter   *infra.RateLimiter
	accountLimiter *infra.RateLimiter
	marketLimiter  *infra.RateLimiter
}

// NewClient builds an unauthenticated client; Connect installs the keys.
func NewClient(opts Options, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	baseURL := opts.RestURL
	if baseURL == "" {
		baseURL = defaultRestURL
	}
	marginCoin := opts.MarginCoin
	if marginCoin == "" {
		marginCoin = "USDT"
	}
	marginMode := opts.MarginMode
	if marginMode == "" {
		marginMode = "crossed"
	}

	symbols := make(map[string]string, len(opts.Symbols))
	reverse := make(map[string]string, len(opts.Symbols))
	for engine, venue := range opts.Symbols {
		symbols[engine] = venue
		reverse[venue] = engine
	}

	return &Client{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		baseURL:    baseURL,
		symbols:    symbols,
		reverse:    reverse,
		marginCoin: marginCoin,
		marginMode: marginMode,
		demo:       opts.Demo,
		log:        log,

		// Conservative budgets to stay clear of venue bans.
		orderLimiter:   infra.NewRateLimiter(5, 10),
		accountLimiter: infra.NewRateLimiter(5, 10),
		marketLimiter:  infra.NewRateLimiter(10, 20),
	}
}

// AttachStream lets GetTicker serve prices from a websocket cache before
// falling back to REST.
func (c *Client) AttachStream(s *TickerStream) {
	c.stream = s
}

// Connect installs the credentials and verifies them with an account
// query.
func (c *Client) Connect(ctx context.Context, creds domain.Credentials) error {
	if creds.APIKey == "" && creds.APISecret == "" && creds.Passphrase == "" {
		// Public session: market data works, signed endpoints refuse.
		c.log.Info("bitget public session, market data only")
		return nil
	}
	if creds.APIKey == "" || creds.APISecret == "" || creds.Passphrase == "" {
		return fmt.Errorf("bitget credentials are incomplete")
	}
	c.signer = NewSigner(creds)

	if _, err := c.GetBalances(ctx); err != nil {
		return fmt.Errorf("credential check failed: %w", err)
	}
	c.log.Info("bitget session established",
		slog.Int("symbols", len(c.symbols)),
		slog.Bool("demo", c.demo))
	return nil
}

// Close wipes the signing material. The client must not be used after.
func (c *Client) Close() {
	if c.signer != nil {
		c.signer.Wipe()
		c.signer = nil
	}
}

// GetTicker returns the current price for an engine symbol.
func (c *Client) GetTicker(ctx context.Context, symbol string) (domain.Ticker, error) {
	if c.stream != nil {
		if t, ok := c.stream.Ticker(symbol); ok && time.Since(t.Ts) < streamMaxAge {
			return t, nil
		}
	}

	query := url.Values{}
	query.Set("productType", productType)
	query.Set("symbol", c.venueSymbol(symbol))
	data, err := c.request(ctx, http.MethodGet, "/api/v2/mix/market/ticker", query, nil, false, c.marketLimiter)
	if err != nil {
		return domain.Ticker{}, err
	}

	var entries []tickerEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return domain.Ticker{}, fmt.Errorf("failed to decode ticker: %w", err)
	}
	if len(entries) == 0 {
		return domain.Ticker{}, fmt.Errorf("no ticker data for %s", symbol)
	}
	e := entries[0]

	price, err := parseDec(e.LastPr, "last price")
	if err != nil {
		return domain.Ticker{}, err
	}
	bid, _ := decimal.NewFromString(e.BidPr)
	ask, _ := decimal.NewFromString(e.AskPr)

	t := domain.Ticker{Symbol: symbol, Price: price, Bid: bid, Ask: ask, Ts: time.Now().UTC()}
	if ms, err := strconv.ParseInt(e.Ts, 10, 64); err == nil {
		t.Ts = time.UnixMilli(ms).UTC()
	}
	return t, nil
}

// GetBalances returns the futures account balances.
func (c *Client) GetBalances(ctx context.Context) ([]domain.Balance, error) {
	query := url.Values{}
	query.Set("productType", productType)
	data, err := c.request(ctx, http.MethodGet, "/api/v2/mix/account/accounts", query, nil, true, c.accountLimiter)
	if err != nil {
		return nil, err
	}

	var entries []accountEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to decode accounts: %w", err)
	}

	balances := make([]domain.Balance, 0, len(entries))
	for _, e := range entries {
		free, err := parseDec(e.Available, "available balance")
		if err != nil {
			return nil, err
		}
		locked, _ := decimal.NewFromString(e.Locked)
		total := free.Add(locked)
		if eq, err := decimal.NewFromString(e.Equity); err == nil && eq.IsPositive() {
			total = eq
		}
		balances = append(balances, domain.Balance{
			Asset:  e.MarginCoin,
			Free:   free,
			Locked: locked,
			Total:  total,
		})
	}
	return balances, nil
}

// GetOpenOrders lists orders still working on the venue.
func (c *Client) GetOpenOrders(ctx context.Context) ([]domain.Order, error) {
	query := url.Values{}
	query.Set("productType", productType)
	data, err := c.request(ctx, http.MethodGet, "/api/v2/mix/order/orders-pending", query, nil, true, c.orderLimiter)
	if err != nil {
		return nil, err
	}

	var pending pendingOrdersData
	if err := json.Unmarshal(data, &pending); err != nil {
		return nil, fmt.Errorf("failed to decode pending orders: %w", err)
	}

	orders := make([]domain.Order, 0, len(pending.EntrustedList))
	for _, d := range pending.EntrustedList {
		o, err := c.toOrder(d, c.engineSymbol(d.Symbol))
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, nil
}

// GetOrder fetches the venue's record of one order.
func (c *Client) GetOrder(ctx context.Context, id, symbol string) (domain.Order, error) {
	query := url.Values{}
	query.Set("productType", productType)
	query.Set("symbol", c.venueSymbol(symbol))
	query.Set("orderId", id)
	data, err := c.request(ctx, http.MethodGet, "/api/v2/mix/order/detail", query, nil, true, c.orderLimiter)
	if err != nil {
		return domain.Order{}, err
	}

	var d orderDetail
	if err := json.Unmarshal(data, &d); err != nil {
		return domain.Order{}, fmt.Errorf("failed to decode order detail: %w", err)
	}
	return c.toOrder(d, symbol)
}

// PlaceOrder submits an order. Fill progress arrives later through
// GetOrder polling, so the returned order is open with nothing filled.
func (c *Client) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.Order, error) {
	body := placeOrderBody{
		Symbol:      c.venueSymbol(req.Symbol),
		ProductType: productType,
		MarginMode:  c.marginMode,
		MarginCoin:  c.marginCoin,
		Size:        req.Quantity.String(),
		Side:        string(req.Side),
		OrderType:   string(req.Type),
		ClientOid:   req.ClientOrderID,
		ReduceOnly:  "NO",
	}
	if req.ReduceOnly || req.ClosePosition {
		body.ReduceOnly = "YES"
	}
	if req.Type != domain.OrderTypeMarket {
		body.Price = req.LimitPrice().String()
		body.Force = "gtc"
		if req.TimeInForce != "" {
			body.Force = string(req.TimeInForce)
		}
	}

	data, err := c.request(ctx, http.MethodPost, "/api/v2/mix/order/place-order", nil, body, true, c.orderLimiter)
	if err != nil {
		return domain.Order{}, err
	}

	var ids orderIDData
	if err := json.Unmarshal(data, &ids); err != nil {
		return domain.Order{}, fmt.Errorf("failed to decode order ids: %w", err)
	}

	now := time.Now().UTC()
	return domain.Order{
		ID:            ids.OrderID,
		ClientOrderID: ids.ClientOid,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Status:        domain.OrderStatusOpen,
		Price:         req.LimitPrice(),
		Quantity:      req.Quantity,
		ReduceOnly:    req.ReduceOnly || req.ClosePosition,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// CancelOrder cancels a working order.
func (c *Client) CancelOrder(ctx context.Context, id, symbol string) error {
	body := cancelOrderBody{
		Symbol:      c.venueSymbol(symbol),
		ProductType: productType,
		OrderID:     id,
	}
	_, err := c.request(ctx, http.MethodPost, "/api/v2/mix/order/cancel-order", nil, body, true, c.orderLimiter)
	return err
}

// request performs one HTTP call: rate limit, sign when needed, check
// the envelope, return the raw data payload.
func (c *Client) request(ctx context.Context, method, path string, query url.Values, body any, signed bool, limiter *infra.RateLimiter) (json.RawMessage, error) {
	if err := limiter.Wait(ctx); err != nil {
		return nil, err
	}

	requestPath := path
	if len(query) > 0 {
		requestPath += "?" + query.Encode()
	}

	var bodyStr string
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		bodyStr = string(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bytes.NewBufferString(bodyStr))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if c.demo {
		// Demo-trading accounts share the production host and are
		// selected per request.
		req.Header.Set("paptrading", "1")
	}
	if signed {
		if c.signer == nil {
			return nil, fmt.Errorf("not connected: missing credentials")
		}
		for k, v := range c.signer.Headers(method, requestPath, bodyStr) {
			req.Header.Set(k, v)
		}
	} else {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("http %d from %s: %s", resp.StatusCode, path, truncate(raw, 256))
	}

	var envelope apiResponse
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if envelope.Code != codeOK {
		return nil, fmt.Errorf("bitget error %s: %s", envelope.Code, envelope.Msg)
	}
	return envelope.Data, nil
}

// toOrder converts a venue order record, attributing it to the given
// engine symbol.
func (c *Client) toOrder(d orderDetail, symbol string) (domain.Order, error) {
	qty, err := parseDec(d.Size, "order size")
	if err != nil {
		return domain.Order{}, err
	}
	price, _ := decimal.NewFromString(d.Price)
	filled, _ := decimal.NewFromString(d.BaseVolume)
	avg, _ := decimal.NewFromString(d.PriceAvg)

	o := domain.Order{
		ID:            d.OrderID,
		ClientOrderID: d.ClientOid,
		Symbol:        symbol,
		Side:          domain.Side(d.Side),
		Type:          domain.OrderType(d.OrderType),
		Status:        mapOrderStatus(d.State),
		Price:         price,
		AvgFillPrice:  avg,
		Quantity:      qty,
		FilledQty:     filled,
		ReduceOnly:    strings.EqualFold(d.ReduceOnly, "YES"),
	}
	if ms, err := strconv.ParseInt(d.CTime, 10, 64); err == nil {
		o.CreatedAt = time.UnixMilli(ms).UTC()
	}
	if ms, err := strconv.ParseInt(d.UTime, 10, 64); err == nil {
		o.UpdatedAt = time.UnixMilli(ms).UTC()
	}
	return o, nil
}

// venueSymbol maps an engine symbol to the venue instId, stripping the
// separator when no explicit mapping exists.
func (c *Client) venueSymbol(symbol string) string {
	if v, ok := c.symbols[symbol]; ok {
		return v
	}
	return strings.ReplaceAll(symbol, "/", "")
}

func (c *Client) engineSymbol(venue string) string {
	if s, ok := c.reverse[venue]; ok {
		return s
	}
	return venue
}

func parseDec(s, what string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("bad %s %q: %w", what, s, err)
	}
	return d, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

var _ domain.Exchange = (*Client)(nil)
