package bitget

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/captainplanet9000/cival-dashboard-sub008/internal/domain"
	"github.com/captainplanet9000/cival-dashboard-sub008/internal/infra"
)

// TickerStream keeps a live price cache fed by the venue's public
// websocket, so GetTicker does not burn REST quota on every risk check.
type TickerStream struct {
	url     string
	symbols map[string]string // engine symbol -> instId
	reverse map[string]string
	worker  *infra.WSWorker
	log     *slog.Logger

	mu      sync.RWMutex
	tickers map[string]domain.Ticker
}

// NewTickerStream subscribes to the ticker channel for every mapped
// symbol once started. An empty wsURL selects the production endpoint.
func NewTickerStream(wsURL string, symbols map[string]string, log *slog.Logger) *TickerStream {
	if log == nil {
		log = slog.Default()
	}
	if wsURL == "" {
		wsURL = defaultWSURL
	}

	reverse := make(map[string]string, len(symbols))
	for engine, venue := range symbols {
		reverse[venue] = engine
	}

	s := &TickerStream{
		url:     wsURL,
		symbols: symbols,
		reverse: reverse,
		log:     log,
		tickers: make(map[string]domain.Ticker),
	}
	s.worker = infra.NewWSWorker(s, log)
	return s
}

// Start launches the websocket session.
func (s *TickerStream) Start(ctx context.Context) {
	s.worker.Start(ctx)
}

// Stop tears the session down.
func (s *TickerStream) Stop() {
	s.worker.Stop()
}

// Ticker returns the cached price for an engine symbol.
func (s *TickerStream) Ticker(symbol string) (domain.Ticker, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tickers[symbol]
	return t, ok
}

func (s *TickerStream) Name() string { return "bitget-ticker" }
func (s *TickerStream) URL() string  { return s.url }

// OnConnect subscribes to every mapped symbol.
func (s *TickerStream) OnConnect(ctx context.Context, conn *websocket.Conn) error {
	args := make([]subscribeArg, 0, len(s.symbols))
	for _, instID := range s.symbols {
		args = append(args, subscribeArg{InstType: productType, Channel: "ticker", InstID: instID})
	}
	req := subscribeRequest{Op: "subscribe", Args: args}
	b, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return s.worker.Write(websocket.TextMessage, b)
}

// OnMessage updates the cache from ticker frames. Anything else,
// including the venue's "pong" text, is ignored.
func (s *TickerStream) OnMessage(ctx context.Context, msg []byte) {
	if string(msg) == "pong" {
		return
	}

	var frame wsTickerFrame
	if err := json.Unmarshal(msg, &frame); err != nil {
		return
	}
	if frame.Arg.Channel != "ticker" || len(frame.Data) == 0 {
		return
	}

	ts := time.Now().UTC()
	if frame.Ts > 0 {
		ts = time.UnixMilli(frame.Ts).UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range frame.Data {
		symbol, ok := s.reverse[d.InstID]
		if !ok {
			continue
		}
		price, err := decimal.NewFromString(d.LastPr)
		if err != nil {
			continue
		}
		bid, _ := decimal.NewFromString(d.BidPr)
		ask, _ := decimal.NewFromString(d.AskPr)
		s.tickers[symbol] = domain.Ticker{
			Symbol: symbol,
			Price:  price,
			Bid:    bid,
			Ask:    ask,
			Ts:     ts,
		}
	}
}

// OnPing keeps the session alive with the venue's text ping.
func (s *TickerStream) OnPing(ctx context.Context, conn *websocket.Conn) error {
	return s.worker.Write(websocket.TextMessage, []byte("ping"))
}

var _ infra.WSHandler = (*TickerStream)(nil)
