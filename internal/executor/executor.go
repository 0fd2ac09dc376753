// Package executor drains the durable trade queue and settles each
// market order against the ledger.
package executor

import (
	"context"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/papertrade/engine/internal/ledger"
	"github.com/papertrade/engine/internal/metrics"
	"github.com/papertrade/engine/pkg/bus"
	"github.com/papertrade/engine/pkg/errs"
	"github.com/papertrade/engine/pkg/types"
)

// DurableName is the trade queue's consumer group. Every worker in every
// instance attaches under this name so each message settles once.
const DurableName = "trade-executor"

// Executor runs the settlement workers.
type Executor struct {
	bus     *bus.Client
	engine  *ledger.Engine
	workers int
	logger  *logrus.Entry

	subs []*nats.Subscription
}

// NewExecutor creates the executor.
func NewExecutor(busClient *bus.Client, engine *ledger.Engine, workers int) *Executor {
	if workers <= 0 {
		workers = 1
	}
	return &Executor{
		bus:     busClient,
		engine:  engine,
		workers: workers,
		logger:  logrus.WithField("component", "executor"),
	}
}

// Start attaches the workers. Each worker holds one in-flight message at
// a time; concurrency comes from the worker count.
func (e *Executor) Start(ctx context.Context) error {
	for i := 0; i < e.workers; i++ {
		sub, err := e.bus.ConsumeTrades(DurableName, func(msg *types.TradeMessage) error {
			return e.execute(ctx, msg)
		})
		if err != nil {
			e.Stop()
			return err
		}
		e.subs = append(e.subs, sub)
	}
	e.logger.Infof("Started %d settlement workers", e.workers)
	return nil
}

// Stop detaches the workers. In-flight messages finish their handler
// before the unsubscribe takes effect; unacked ones redeliver.
func (e *Executor) Stop() {
	for _, sub := range e.subs {
		if err := sub.Drain(); err != nil {
			e.logger.Errorf("Worker drain failed: %v", err)
		}
	}
	e.subs = nil
	e.logger.Info("Settlement workers stopped")
}

// execute settles one dequeued trade. A nil return acknowledges the
// message: business failures (insufficient funds, conflict skips) are
// final outcomes, not redelivery candidates. Only infrastructure errors
// propagate for redelivery.
func (e *Executor) execute(ctx context.Context, msg *types.TradeMessage) error {
	start := time.Now()
	result, err := e.engine.ExecuteTrade(ctx, msg.UserID, msg.OrderID, msg.TickerID, msg.Side, msg.Quantity, nil)
	metrics.SettlementSeconds.Observe(time.Since(start).Seconds())

	if err != nil {
		if errs.Is(err, errs.KindSystem) {
			return err
		}
		// Deterministic business rejection; already recorded on the order.
		e.logger.Warnf("Trade %s rejected: %v", msg.OrderID, err)
		metrics.TradesExecuted.WithLabelValues(msg.Side, types.OrderStatusFailed).Inc()
		return nil
	}

	metrics.TradesExecuted.WithLabelValues(msg.Side, result.Status).Inc()
	if result.Handoff {
		e.logger.Debugf("Order %s handed off to the order book", msg.OrderID)
		return nil
	}
	e.logger.Infof("Order %s settled %s at %s", msg.OrderID, result.Status, result.Price)
	return nil
}
