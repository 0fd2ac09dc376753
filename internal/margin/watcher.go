// Package margin watches price ticks and force-liquidates short holders
// whose net equity falls below the maintenance requirement.
package margin

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/papertrade/engine/internal/ledger"
	"github.com/papertrade/engine/internal/metrics"
	"github.com/papertrade/engine/pkg/types"
)

// Watcher re-evaluates short holders of a ticker on every tick.
type Watcher struct {
	store  *ledger.Store
	engine *ledger.Engine
	prices ledger.PriceSource
	ratio  decimal.Decimal
	logger *logrus.Entry

	ticks chan *types.PriceTick
}

// NewWatcher creates a margin watcher with the given maintenance ratio.
func NewWatcher(store *ledger.Store, engine *ledger.Engine, prices ledger.PriceSource, ratio decimal.Decimal) *Watcher {
	if !ratio.IsPositive() {
		ratio = decimal.NewFromFloat(0.05)
	}
	return &Watcher{
		store:  store,
		engine: engine,
		prices: prices,
		ratio:  ratio,
		logger: logrus.WithField("component", "margin-watcher"),
		ticks:  make(chan *types.PriceTick, 1024),
	}
}

// Enqueue accepts a tick. Dropped ticks are safe: shorts re-evaluate on
// the next tick of the same ticker.
func (w *Watcher) Enqueue(tick *types.PriceTick) {
	select {
	case w.ticks <- tick:
	default:
		w.logger.Warnf("Tick backlog full, dropping tick for %s", tick.TickerID)
	}
}

// Run processes ticks until the context ends.
func (w *Watcher) Run(ctx context.Context) {
	w.logger.Info("Margin watcher started")
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Margin watcher stopped")
			return
		case tick := <-w.ticks:
			w.OnTick(ctx, tick)
		}
	}
}

// OnTick checks every short holder of the ticked ticker.
func (w *Watcher) OnTick(ctx context.Context, tick *types.PriceTick) {
	holders, err := w.store.ShortHolders(ctx, tick.TickerID)
	if err != nil {
		w.logger.Errorf("Short-holder scan failed for %s: %v", tick.TickerID, err)
		return
	}
	for _, userID := range holders {
		w.evaluate(ctx, userID, tick.TickerID)
	}
}

// evaluate recomputes one user's equity and liability across their whole
// portfolio and liquidates below maintenance.
func (w *Watcher) evaluate(ctx context.Context, userID uuid.UUID, tickerID string) {
	wallet, err := w.store.GetWallet(ctx, userID)
	if err != nil {
		w.logger.Errorf("Wallet load failed for %s: %v", userID, err)
		return
	}
	rows, err := w.store.Portfolios(ctx, userID)
	if err != nil {
		w.logger.Errorf("Portfolio load failed for %s: %v", userID, err)
		return
	}

	equity, liability := Exposure(ctx, w.prices, wallet.Balance, rows)
	maintenance := liability.Mul(w.ratio)
	if equity.GreaterThanOrEqual(maintenance) {
		return
	}

	w.logger.Warnf("User %s equity %s below maintenance %s, liquidating",
		userID, equity, maintenance)
	if err := w.engine.LiquidateAll(ctx, userID, tickerID, equity, liability); err != nil {
		w.logger.Errorf("Liquidation failed for %s: %v", userID, err)
		return
	}
	metrics.Liquidations.Inc()
}

// Exposure marks a portfolio to market: equity is cash plus long value
// minus short liability, liability is the short value alone. Rows with
// no market price fall back to their entry price.
func Exposure(ctx context.Context, prices ledger.PriceSource, balance decimal.Decimal, rows []ledger.Portfolio) (equity, liability decimal.Decimal) {
	equity = balance
	liability = decimal.Zero

	for _, row := range rows {
		price, err := prices.GetPrice(ctx, row.TickerID)
		if err != nil {
			price = row.AveragePrice
		}
		value := row.Quantity.Mul(price)
		equity = equity.Add(value)
		if row.Quantity.Sign() < 0 {
			liability = liability.Add(value.Neg())
		}
	}
	return equity, liability
}
