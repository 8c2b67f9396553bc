package engine

import (
	"context"
	"log/slog"
	"strings"

	"github.com/captainplanet9000/cival-dashboard-sub008/internal/domain"
	"github.com/captainplanet9000/cival-dashboard-sub008/internal/event"
)

// reactToBreachesLocked is the circuit breaker. With emergency stop
// enabled, any critical breach pauses the engine; with the breaker also
// enabled, every breaching position is flattened with a reduce-only
// market order that skips the risk gate, because a forced de-risking
// action must not be blocked by the limits it is resolving.
func (e *Engine) reactToBreachesLocked(ctx context.Context, breaches []domain.RiskBreach) {
	var critical []domain.RiskBreach
	for _, b := range breaches {
		if b.Severity == domain.SeverityCritical {
			critical = append(critical, b)
		}
	}
	if len(critical) == 0 {
		return
	}

	params := e.gate.Parameters()
	if !params.EmergencyStop {
		e.log.Warn("critical breaches observed, emergency stop disabled",
			slog.Int("breaches", len(critical)))
		return
	}

	if err := e.pauseLocked(describeBreaches(critical)); err != nil {
		// Already paused from an earlier breach, keep going.
		e.log.Debug("pause skipped", slog.Any("error", err))
	}
	if !params.CircuitBreaker {
		return
	}

	notice := BreakerNotice{Breaches: critical}
	seen := make(map[string]struct{}, len(critical))
	for _, b := range critical {
		if b.Symbol == "" {
			continue
		}
		if _, dup := seen[b.Symbol]; dup {
			continue
		}
		seen[b.Symbol] = struct{}{}

		pos, ok := e.book.Get(b.Symbol)
		if !ok || pos.IsFlat() {
			continue
		}
		req := domain.OrderRequest{
			Symbol:        b.Symbol,
			Side:          closeSide(pos.Side),
			Type:          domain.OrderTypeMarket,
			Quantity:      pos.Quantity,
			ReduceOnly:    true,
			ClosePosition: true,
		}

		// One failed close never blocks the rest of the batch.
		if _, err := e.executeLocked(ctx, req); err != nil {
			e.log.Error("breach close failed",
				slog.String("symbol", b.Symbol),
				slog.Any("error", err))
			notice.Failed = append(notice.Failed, b.Symbol)
			continue
		}
		notice.Closed = append(notice.Closed, b.Symbol)
	}

	e.publish(event.TypeCircuitBreaker, notice)
	e.log.Warn("circuit breaker fired",
		slog.Int("closed", len(notice.Closed)),
		slog.Int("failed", len(notice.Failed)))
}

func closeSide(s domain.PositionSide) domain.Side {
	if s == domain.PositionShort {
		return domain.SideBuy
	}
	return domain.SideSell
}

func describeBreaches(breaches []domain.RiskBreach) string {
	msgs := make([]string, 0, len(breaches))
	for _, b := range breaches {
		msgs = append(msgs, b.Message)
	}
	return strings.Join(msgs, "; ")
}
