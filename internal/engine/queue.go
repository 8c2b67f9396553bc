// Package engine contains the order engine: run-state machine, paper
// and live execution paths, breach handling and the execution queue.
package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/captainplanet9000/cival-dashboard-sub008/internal/domain"
)

const (
	// defaultSubmitDelay spaces consecutive venue calls so bursts of
	// decisions never flood the exchange.
	defaultSubmitDelay = 500 * time.Millisecond

	queueCapacity = 64
)

type queueResult struct {
	order domain.Order
	err   error
}

type queueItem struct {
	req   domain.OrderRequest
	reply chan queueResult
}

// ExecutionQueue serializes live order submissions: exactly one venue
// call in flight, FIFO order, and a fixed pause after each call
// resolves. Failed submissions are surfaced to the original caller and
// never retried here.
type ExecutionQueue struct {
	exchange domain.Exchange
	delay    time.Duration
	items    chan queueItem
	log      *slog.Logger
}

// NewExecutionQueue creates a queue in front of the given venue.
// A non-positive delay selects the default.
func NewExecutionQueue(exchange domain.Exchange, delay time.Duration, log *slog.Logger) *ExecutionQueue {
	if delay <= 0 {
		delay = defaultSubmitDelay
	}
	if log == nil {
		log = slog.Default()
	}
	return &ExecutionQueue{
		exchange: exchange,
		delay:    delay,
		items:    make(chan queueItem, queueCapacity),
		log:      log,
	}
}

// Submit enqueues a request and blocks until the venue resolves it or
// ctx ends. Queue position is strictly arrival order.
func (q *ExecutionQueue) Submit(ctx context.Context, req domain.OrderRequest) (domain.Order, error) {
	item := queueItem{req: req, reply: make(chan queueResult, 1)}
	select {
	case q.items <- item:
	case <-ctx.Done():
		return domain.Order{}, ctx.Err()
	}
	select {
	case res := <-item.reply:
		return res.order, res.err
	case <-ctx.Done():
		return domain.Order{}, ctx.Err()
	}
}

// Run processes the queue until ctx is canceled. It MUST be run in a
// single goroutine; the one-in-flight guarantee depends on it.
func (q *ExecutionQueue) Run(ctx context.Context) {
	q.log.Info("execution queue started", slog.Duration("delay", q.delay))
	for {
		select {
		case <-ctx.Done():
			q.failPending(ctx.Err())
			return
		case item := <-q.items:
			order, err := q.exchange.PlaceOrder(ctx, item.req)
			if err != nil {
				q.log.Warn("venue rejected order",
					slog.String("symbol", item.req.Symbol),
					slog.Any("error", err))
			}
			item.reply <- queueResult{order: order, err: err}

			timer := time.NewTimer(q.delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				q.failPending(ctx.Err())
				return
			case <-timer.C:
			}
		}
	}
}

// failPending unblocks every queued caller after the worker stops.
func (q *ExecutionQueue) failPending(err error) {
	for {
		select {
		case item := <-q.items:
			item.reply <- queueResult{err: err}
		default:
			return
		}
	}
}
