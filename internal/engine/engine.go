package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/captainplanet9000/cival-dashboard-sub008/internal/domain"
	"github.com/captainplanet9000/cival-dashboard-sub008/internal/event"
	"github.com/captainplanet9000/cival-dashboard-sub008/internal/ledger"
	"github.com/captainplanet9000/cival-dashboard-sub008/internal/risk"
	"github.com/captainplanet9000/cival-dashboard-sub008/internal/storage"
)

// Mode selects how submissions reach a venue.
type Mode string

const (
	ModePaper Mode = "paper"
	ModeLive  Mode = "live"
)

// State is the engine's run state. Shutdown and error are terminal; a
// new instance must be constructed after either.
type State int

const (
	StateIdle State = iota
	StateRunning
	StatePaused
	StateShutdown
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateShutdown:
		return "shutdown"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

var (
	ErrNotRunning         = errors.New("engine is not running")
	ErrNotPaused          = errors.New("engine is not paused")
	ErrAlreadyInitialized = errors.New("engine already initialized")
)

const (
	defaultPollInterval    = 10 * time.Second
	defaultShutdownTimeout = 10 * time.Second
	defaultQuoteAsset      = "USDT"
)

// Config fixes an engine instance's identity and wiring. The symbol
// allow-list and open-position cap are construction-time only; risk
// limits stay mutable through SetRiskParameters.
type Config struct {
	Mode  Mode
	Scope string // strategy identifier, keys persisted rows

	// Symbols the engine will trade. Empty allows any symbol.
	Symbols []string

	Credentials domain.Credentials

	// Paper accounting.
	QuoteAsset   string
	InitialFunds decimal.Decimal

	PollInterval    time.Duration // live order-status polling
	SubmitDelay     time.Duration // execution queue pacing
	ShutdownTimeout time.Duration // bound on best-effort cancels
}

// TradeExecutionResult is what a decision source gets back from Submit.
// RiskChecks carries the per-check verdicts whenever the gate ran.
type TradeExecutionResult struct {
	Success    bool            `json:"success"`
	Order      *domain.Order   `json:"order,omitempty"`
	Error      string          `json:"error,omitempty"`
	RiskChecks map[string]bool `json:"risk_checks,omitempty"`
}

// FillNotice is the payload of order_filled events.
type FillNotice struct {
	Order    domain.Order    `json:"order"`
	Fill     domain.Fill     `json:"fill"`
	Position domain.Position `json:"position"`
}

// PauseNotice is the payload of paused events.
type PauseNotice struct {
	Reason string `json:"reason"`
}

// BreakerNotice is the payload of circuit_breaker events.
type BreakerNotice struct {
	Breaches []domain.RiskBreach `json:"breaches"`
	Closed   []string            `json:"closed,omitempty"`
	Failed   []string            `json:"failed,omitempty"`
}

// Engine owns the run-state machine and routes order requests through
// the risk gate to the paper or live execution path. One mutex guards
// every public entry point; background pollers re-enter through the
// same lock, so fills, submissions and breach handling never interleave
// partially.
type Engine struct {
	mu          sync.Mutex
	cfg         Config
	state       State
	stateReason string

	exchange domain.Exchange
	queue    *ExecutionQueue
	gate     *risk.Gate
	book     *ledger.PositionBook
	store    storage.TradeStore
	bus      *event.Bus
	log      *slog.Logger
	rnd      *rand.Rand

	paper   *paperBook
	allowed map[string]struct{}
	active  map[string]*domain.Order

	bgCancel context.CancelFunc
}

// New wires an engine. store may be nil to disable persistence.
func New(cfg Config, exchange domain.Exchange, gate *risk.Gate, store storage.TradeStore, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	if cfg.QuoteAsset == "" {
		cfg.QuoteAsset = defaultQuoteAsset
	}

	e := &Engine{
		cfg:      cfg,
		state:    StateIdle,
		exchange: exchange,
		queue:    NewExecutionQueue(exchange, cfg.SubmitDelay, log),
		gate:     gate,
		book:     ledger.NewPositionBook(),
		store:    store,
		bus:      event.NewBus(),
		log:      log,
		rnd:      rand.New(rand.NewSource(time.Now().UnixNano())),
		allowed:  make(map[string]struct{}, len(cfg.Symbols)),
		active:   make(map[string]*domain.Order),
	}
	for _, s := range cfg.Symbols {
		e.allowed[s] = struct{}{}
	}
	if cfg.Mode == ModePaper {
		e.paper = newPaperBook(cfg.QuoteAsset, cfg.InitialFunds)
	}
	return e
}

// Events exposes the engine's event feed.
func (e *Engine) Events() *event.Bus {
	return e.bus
}

// Mode reports whether this instance trades paper or live.
func (e *Engine) Mode() Mode {
	return e.cfg.Mode
}

// Scope is the strategy identifier this instance persists under.
func (e *Engine) Scope() string {
	return e.cfg.Scope
}

// Status returns the run state and, when paused or errored, the reason.
func (e *Engine) Status() (State, string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state, e.stateReason
}

// Initialize connects to the venue, warm-starts the ledger from the
// persistence sink and starts the background tasks. Idle goes to
// running on success, error on failure.
func (e *Engine) Initialize(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateIdle {
		return ErrAlreadyInitialized
	}
	if err := e.initLocked(ctx); err != nil {
		e.state = StateError
		e.stateReason = err.Error()
		e.publish(event.TypeError, map[string]any{"stage": "initialize", "error": err.Error()})
		return err
	}

	bg, cancel := context.WithCancel(context.Background())
	e.bgCancel = cancel
	go e.gate.Run(bg)
	if e.cfg.Mode == ModeLive {
		go e.queue.Run(bg)
		go e.pollOrders(bg)
	}

	e.state = StateRunning
	e.log.Info("engine running",
		slog.String("mode", string(e.cfg.Mode)),
		slog.String("scope", e.cfg.Scope),
		slog.Int("symbols", len(e.allowed)))
	return nil
}

func (e *Engine) initLocked(ctx context.Context) error {
	if err := e.exchange.Connect(ctx, e.cfg.Credentials); err != nil {
		return fmt.Errorf("exchange connect: %w", err)
	}

	if e.store != nil {
		positions, err := e.store.ListPositions(ctx, e.cfg.Scope, e.cfg.Mode == ModePaper)
		if err != nil {
			// The sink is never load-bearing, a cold ledger is fine.
			e.log.Warn("could not load stored positions", slog.Any("error", err))
		} else if len(positions) > 0 {
			e.book.Load(positions)
			e.log.Info("ledger warm-started", slog.Int("positions", len(positions)))
		}
	}

	if e.cfg.Mode == ModeLive {
		open, err := e.exchange.GetOpenOrders(ctx)
		if err != nil {
			return fmt.Errorf("fetch open orders: %w", err)
		}
		for i := range open {
			o := open[i]
			e.active[o.ID] = &o
		}
		if len(open) > 0 {
			e.log.Info("tracking venue orders from before this start", slog.Int("orders", len(open)))
		}
	}
	return nil
}

// Submit validates and executes one order request. It is only
// meaningful while running; any other state rejects with no side
// effects. The whole operation is serialized, including the wait for
// the execution queue in live mode.
func (e *Engine) Submit(ctx context.Context, req domain.OrderRequest) TradeExecutionResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateRunning {
		return TradeExecutionResult{Error: fmt.Sprintf("engine is %s, not running", e.state)}
	}
	if !e.symbolAllowedLocked(req.Symbol) {
		return TradeExecutionResult{Error: fmt.Sprintf("symbol %s is not on the allow-list", req.Symbol)}
	}

	balances, err := e.balancesLocked(ctx)
	if err != nil {
		// Fail closed, an order we cannot size is an order we reject.
		return TradeExecutionResult{Error: fmt.Sprintf("cannot fetch balances: %v", err)}
	}

	check := e.gate.Validate(req, e.book.Snapshot(), balances)
	if !check.Passed {
		return TradeExecutionResult{
			Error:      strings.Join(check.Reasons, "; "),
			RiskChecks: check.Checks,
		}
	}

	order, err := e.executeLocked(ctx, req)
	if err != nil {
		e.publish(event.TypeError, map[string]any{"stage": "execution", "symbol": req.Symbol, "error": err.Error()})
		return TradeExecutionResult{Error: err.Error(), RiskChecks: check.Checks}
	}
	return TradeExecutionResult{Success: true, Order: &order, RiskChecks: check.Checks}
}

// executeLocked runs the post-gate execution path shared by ordinary
// submissions and breaker closes.
func (e *Engine) executeLocked(ctx context.Context, req domain.OrderRequest) (domain.Order, error) {
	var (
		order domain.Order
		err   error
	)
	if e.cfg.Mode == ModePaper {
		order, err = e.executePaperLocked(ctx, req)
	} else {
		order, err = e.queue.Submit(ctx, req)
	}
	if err != nil {
		return domain.Order{}, err
	}

	e.persistInsertLocked(ctx, order)
	e.publish(event.TypeOrderExecuted, order)
	e.log.Info("order executed",
		slog.String("order_id", order.ID),
		slog.String("symbol", order.Symbol),
		slog.String("side", string(order.Side)),
		slog.String("status", string(order.Status)))

	if order.FilledQty.IsPositive() {
		price := order.AvgFillPrice
		if !price.IsPositive() {
			price = order.Price
		}
		fill := domain.Fill{
			OrderID: order.ID,
			Symbol:  order.Symbol,
			Side:    order.Side,
			Price:   price,
			Qty:     order.FilledQty,
			Ts:      order.UpdatedAt,
		}
		if e.applyFillLocked(order, fill) {
			e.persistPositionsLocked(ctx)
			e.scanAndReactLocked(ctx)
		}
	}
	if order.IsOpen() {
		o := order
		e.active[order.ID] = &o
	}
	return order, nil
}

// applyFillLocked records one fill in the ledger and announces it.
// Scanning and persistence are the caller's responsibility so polls can
// batch them.
func (e *Engine) applyFillLocked(order domain.Order, fill domain.Fill) bool {
	pos, err := e.book.ApplyFill(fill)
	if err != nil {
		e.log.Error("fill rejected by ledger",
			slog.String("order_id", fill.OrderID),
			slog.Any("error", err))
		return false
	}
	e.publish(event.TypeOrderFilled, FillNotice{Order: order, Fill: fill, Position: pos})
	return true
}

// scanAndReactLocked runs the throttled breach scan and hands any
// findings to the circuit breaker.
func (e *Engine) scanAndReactLocked(ctx context.Context) {
	breaches := e.gate.ScanPositions(e.book.Snapshot())
	if len(breaches) == 0 {
		return
	}
	e.publish(event.TypeRiskBreach, breaches)
	e.reactToBreachesLocked(ctx, breaches)
}

// pollOrders drives live status reconciliation until ctx is canceled.
func (e *Engine) pollOrders(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.reconcile(ctx)
			e.refreshMarks(ctx)
		}
	}
}

// refreshMarks revalues held positions from fresh venue prices so
// drawdown scans see current marks even when no orders are in flight.
// Tickers are fetched outside the lock.
func (e *Engine) refreshMarks(ctx context.Context) {
	open := e.book.Open()
	if len(open) == 0 {
		return
	}

	marks := make(map[string]decimal.Decimal, len(open))
	for _, pos := range open {
		t, err := e.exchange.GetTicker(ctx, pos.Symbol)
		if err != nil {
			e.log.Warn("mark refresh failed",
				slog.String("symbol", pos.Symbol),
				slog.Any("error", err))
			continue
		}
		if t.Price.IsPositive() {
			marks[pos.Symbol] = t.Price
		}
	}
	if len(marks) == 0 {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for symbol, price := range marks {
		e.book.UpdateMark(symbol, price)
	}
	e.scanAndReactLocked(ctx)
}

// reconcile fetches the venue's view of every tracked order and applies
// whatever changed. Fetches run outside the lock; state only mutates
// inside it. Fill deduplication is by filled-quantity delta, so seeing
// the same venue state twice is harmless.
func (e *Engine) reconcile(ctx context.Context) {
	type ref struct{ id, symbol string }

	e.mu.Lock()
	refs := make([]ref, 0, len(e.active))
	for id, o := range e.active {
		refs = append(refs, ref{id: id, symbol: o.Symbol})
	}
	e.mu.Unlock()
	if len(refs) == 0 {
		return
	}

	fresh := make(map[string]domain.Order, len(refs))
	for _, r := range refs {
		o, err := e.exchange.GetOrder(ctx, r.id, r.symbol)
		if err != nil {
			// A bad poll never halts the engine; try again next tick.
			e.log.Warn("order status poll failed",
				slog.String("order_id", r.id),
				slog.Any("error", err))
			continue
		}
		fresh[r.id] = o
	}
	if len(fresh) == 0 {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	anyFills := false
	for id, latest := range fresh {
		prev, ok := e.active[id]
		if !ok {
			continue // untracked since the fetch, likely shutdown
		}

		filledMore := false
		if delta := latest.FilledQty.Sub(prev.FilledQty); delta.IsPositive() {
			price := latest.AvgFillPrice
			if !price.IsPositive() {
				price = latest.Price
			}
			fill := domain.Fill{
				OrderID: id,
				Symbol:  latest.Symbol,
				Side:    latest.Side,
				Price:   price,
				Qty:     delta,
				Ts:      time.Now().UTC(),
			}
			if e.applyFillLocked(latest, fill) {
				anyFills = true
			}
			filledMore = true
		}

		if filledMore || latest.Status != prev.Status {
			e.persistUpdateLocked(ctx, latest)
		}
		if latest.Status != prev.Status {
			e.publish(event.TypeOrderUpdated, latest)
			e.log.Info("order status changed",
				slog.String("order_id", id),
				slog.String("from", string(prev.Status)),
				slog.String("to", string(latest.Status)))
		}

		cp := latest
		e.active[id] = &cp
		if latest.Status.Terminal() {
			delete(e.active, id)
		}
	}

	if anyFills {
		e.persistPositionsLocked(ctx)
		e.scanAndReactLocked(ctx)
	}
}

// Pause stops accepting submissions. Open orders stay working on the
// venue.
func (e *Engine) Pause(reason string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pauseLocked(reason)
}

func (e *Engine) pauseLocked(reason string) error {
	if e.state != StateRunning {
		return ErrNotRunning
	}
	e.state = StatePaused
	e.stateReason = reason
	e.publish(event.TypePaused, PauseNotice{Reason: reason})
	e.log.Warn("engine paused", slog.String("reason", reason))
	return nil
}

// Resume re-enables submissions after a pause.
func (e *Engine) Resume() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StatePaused {
		return ErrNotPaused
	}
	e.state = StateRunning
	e.stateReason = ""
	e.publish(event.TypeResumed, nil)
	e.log.Info("engine resumed")
	return nil
}

// Shutdown cancels open orders best-effort within the configured
// timeout, syncs the ledger to the sink and stops every background
// task. The engine is terminal afterwards.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == StateShutdown {
		return nil
	}
	if e.bgCancel != nil {
		e.bgCancel()
	}

	if e.cfg.Mode == ModeLive && len(e.active) > 0 {
		cctx, cancel := context.WithTimeout(ctx, e.cfg.ShutdownTimeout)
		for id, o := range e.active {
			if err := e.exchange.CancelOrder(cctx, id, o.Symbol); err != nil {
				e.log.Warn("cancel on shutdown failed",
					slog.String("order_id", id),
					slog.Any("error", err))
			}
		}
		cancel()
	}

	e.persistPositionsLocked(ctx)
	e.state = StateShutdown
	e.stateReason = ""
	e.publish(event.TypeShutdown, nil)
	e.log.Info("engine shut down")
	e.bus.Close()
	return nil
}

// Positions returns a stable snapshot of the ledger.
func (e *Engine) Positions() []domain.Position {
	return e.book.Snapshot()
}

// Position returns one symbol's ledger entry.
func (e *Engine) Position(symbol string) (domain.Position, bool) {
	return e.book.Get(symbol)
}

// OpenOrders lists the orders the engine is still tracking.
func (e *Engine) OpenOrders() []domain.Order {
	e.mu.Lock()
	defer e.mu.Unlock()
	orders := make([]domain.Order, 0, len(e.active))
	for _, o := range e.active {
		orders = append(orders, *o)
	}
	sort.Slice(orders, func(i, j int) bool {
		if orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].ID < orders[j].ID
		}
		return orders[i].CreatedAt.Before(orders[j].CreatedAt)
	})
	return orders
}

// Balances reports the paper book or the venue's account balances.
func (e *Engine) Balances(ctx context.Context) ([]domain.Balance, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.balancesLocked(ctx)
}

// UpdateMarkPrice revalues one position from a fresh reference price.
func (e *Engine) UpdateMarkPrice(symbol string, price decimal.Decimal) (domain.Position, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.book.UpdateMark(symbol, price)
}

// SetLeverage updates a position's leverage and its liquidation
// estimate.
func (e *Engine) SetLeverage(symbol string, leverage decimal.Decimal) (domain.Position, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.book.SetLeverage(symbol, leverage)
}

// SetMarginMode switches a position between isolated and cross margin.
func (e *Engine) SetMarginMode(symbol string, mode domain.MarginMode) (domain.Position, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.book.SetMarginMode(symbol, mode)
}

// RiskParameters returns the gate's current limits.
func (e *Engine) RiskParameters() domain.RiskParameters {
	return e.gate.Parameters()
}

// SetRiskParameters merges a partial update into the gate's limits.
func (e *Engine) SetRiskParameters(u domain.RiskParametersUpdate) domain.RiskParameters {
	return e.gate.SetParameters(u)
}

func (e *Engine) symbolAllowedLocked(symbol string) bool {
	if len(e.allowed) == 0 {
		return true
	}
	_, ok := e.allowed[symbol]
	return ok
}

func (e *Engine) balancesLocked(ctx context.Context) ([]domain.Balance, error) {
	if e.cfg.Mode == ModePaper {
		return e.paper.balances(), nil
	}
	return e.exchange.GetBalances(ctx)
}

func (e *Engine) publish(t event.Type, data any) {
	e.bus.Publish(event.New(t, data))
}

func (e *Engine) persistInsertLocked(ctx context.Context, o domain.Order) {
	if e.store == nil {
		return
	}
	if err := e.store.InsertOrder(ctx, e.cfg.Scope, e.cfg.Mode == ModePaper, o); err != nil {
		e.log.Warn("order insert failed", slog.String("order_id", o.ID), slog.Any("error", err))
	}
}

func (e *Engine) persistUpdateLocked(ctx context.Context, o domain.Order) {
	if e.store == nil {
		return
	}
	if err := e.store.UpdateOrder(ctx, o); err != nil {
		e.log.Warn("order update failed", slog.String("order_id", o.ID), slog.Any("error", err))
	}
}

func (e *Engine) persistPositionsLocked(ctx context.Context) {
	if e.store == nil {
		return
	}
	if err := e.store.UpsertPositions(ctx, e.cfg.Scope, e.cfg.Mode == ModePaper, e.book.Snapshot()); err != nil {
		e.log.Warn("position sync failed", slog.Any("error", err))
	}
}
