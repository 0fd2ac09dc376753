package matcher

import (
	"context"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/papertrade/engine/internal/ledger"
	"github.com/papertrade/engine/internal/metrics"
	"github.com/papertrade/engine/pkg/types"
)

// Matcher reacts to price ticks: it scans cached conditional orders,
// re-validates each candidate against the ledger, fires executions and
// maintains trailing stops.
type Matcher struct {
	cache  *Cache
	store  *ledger.Store
	engine *ledger.Engine
	logger *logrus.Entry

	ticks chan *types.PriceTick
}

// NewMatcher creates a conditional matcher.
func NewMatcher(cache *Cache, store *ledger.Store, engine *ledger.Engine) *Matcher {
	return &Matcher{
		cache:  cache,
		store:  store,
		engine: engine,
		logger: logrus.WithField("component", "conditional-matcher"),
		ticks:  make(chan *types.PriceTick, 1024),
	}
}

// Enqueue accepts a tick for processing. Ticks are dropped when the
// matcher is saturated; the next tick re-evaluates the same book.
func (m *Matcher) Enqueue(tick *types.PriceTick) {
	select {
	case m.ticks <- tick:
	default:
		m.logger.Warnf("Tick backlog full, dropping tick for %s", tick.TickerID)
	}
}

// Run processes ticks sequentially until the context ends. Sequential
// processing keeps candidate handling in strict creation-time order
// within a tick.
func (m *Matcher) Run(ctx context.Context) {
	m.logger.Info("Conditional matcher started")
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Conditional matcher stopped")
			return
		case tick := <-m.ticks:
			m.OnTick(ctx, tick)
		}
	}
}

// OnTick evaluates one price observation.
func (m *Matcher) OnTick(ctx context.Context, tick *types.PriceTick) {
	if err := m.cache.EnsureHydrated(ctx, tick.TickerID); err != nil {
		m.logger.Errorf("Hydration failed for %s: %v", tick.TickerID, err)
	}

	entries, err := m.cache.Candidates(ctx, tick.TickerID, tick.Price)
	if err != nil {
		m.logger.Errorf("Candidate scan failed for %s: %v", tick.TickerID, err)
		return
	}

	for _, entry := range entries {
		m.processCandidate(ctx, entry, tick.Price)
	}

	m.maintainTrailing(ctx, tick.TickerID, tick.Price)
}

// processCandidate re-reads the order, re-verifies the trigger against
// fresh fields, then promotes or executes.
func (m *Matcher) processCandidate(ctx context.Context, entry Entry, cur decimal.Decimal) {
	order, err := m.store.GetOrder(ctx, entry.OrderID)
	if err != nil {
		m.logger.Debugf("Dropping cache entry %s: %v", entry.OrderID, err)
		m.removeFromCache(ctx, entry.TickerID, entry)
		return
	}
	if order.Status != types.OrderStatusPending {
		m.removeFromCache(ctx, entry.TickerID, entry)
		return
	}
	if !ConditionMet(order, cur) {
		// Cache drift; the index said yes but the row says no.
		return
	}

	if order.Type == types.OrderTypeStopLimit {
		promoted, err := m.store.PromoteStopLimit(ctx, order.ID)
		if err != nil {
			m.logger.Errorf("Stop-limit promotion failed for %s: %v", order.ID, err)
			return
		}
		if err := m.cache.Promote(ctx, promoted); err != nil {
			m.logger.Errorf("Cache promotion failed for %s: %v", order.ID, err)
		}
		metrics.TriggersFired.WithLabelValues(types.OrderTypeStopLimit).Inc()
		return
	}

	hint := cur
	result, err := m.engine.ExecuteTrade(ctx, order.UserID, order.ID, order.TickerID, order.Side, order.Quantity, &hint)
	if err != nil {
		// The order stays PENDING in ledger and cache; the next tick retries.
		m.logger.Errorf("Trigger execution failed for %s: %v", order.ID, err)
		return
	}

	switch result.Status {
	case types.OrderStatusFilled, types.OrderStatusFailed, types.OrderStatusCancelled:
		m.removeFromCache(ctx, entry.TickerID, entry)
	}
	if result.Status == types.OrderStatusFilled {
		metrics.TriggersFired.WithLabelValues(order.Type).Inc()
	}
}

// maintainTrailing ratchets every resting trailing stop toward the tick.
func (m *Matcher) maintainTrailing(ctx context.Context, tickerID string, cur decimal.Decimal) {
	ids, err := m.cache.TrailingIDs(ctx, tickerID)
	if err != nil {
		m.logger.Errorf("Trailing scan failed for %s: %v", tickerID, err)
		return
	}

	for _, id := range ids {
		order, err := m.store.GetOrder(ctx, id)
		if err != nil || order.Status != types.OrderStatusPending || order.Type != types.OrderTypeTrailingStop {
			continue
		}
		newStop, improved := TrailingAdjustment(order, cur)
		if !improved {
			continue
		}
		updated, err := m.store.UpdateTrailingStop(ctx, id, newStop, cur)
		if err != nil {
			m.logger.Errorf("Trailing update failed for %s: %v", id, err)
			continue
		}
		if err := m.cache.Rescore(ctx, updated); err != nil {
			m.logger.Errorf("Trailing rescore failed for %s: %v", id, err)
		}
	}
}

func (m *Matcher) removeFromCache(ctx context.Context, tickerID string, entry Entry) {
	if err := m.cache.Remove(ctx, tickerID, entry.OrderID); err != nil {
		m.logger.Errorf("Cache removal failed for %s: %v", entry.OrderID, err)
	}
}

// ConditionMet re-verifies an order's trigger predicate against a tick.
func ConditionMet(order *ledger.Order, cur decimal.Decimal) bool {
	if order.Type == types.OrderTypeLimit {
		if !order.TargetPrice.Valid {
			return false
		}
		target := order.TargetPrice.Decimal
		if order.Side == types.OrderSideBuy {
			return target.GreaterThanOrEqual(cur)
		}
		return target.LessThanOrEqual(cur)
	}

	if !types.IsStopFamily(order.Type) || !order.StopPrice.Valid {
		return false
	}
	stop := order.StopPrice.Decimal
	if order.Side == types.OrderSideBuy {
		return stop.LessThanOrEqual(cur)
	}
	return stop.GreaterThanOrEqual(cur)
}

// TrailingAdjustment computes the ratcheted stop for a trailing order.
// Sells trail below rising prices, buys above falling prices; the stop
// only ever tightens.
func TrailingAdjustment(order *ledger.Order, cur decimal.Decimal) (decimal.Decimal, bool) {
	if !order.TrailingGap.Valid || !order.StopPrice.Valid {
		return decimal.Zero, false
	}
	gap := order.TrailingGap.Decimal
	stop := order.StopPrice.Decimal

	if order.Side == types.OrderSideSell {
		newStop := cur.Sub(gap)
		if newStop.GreaterThan(stop) {
			return newStop, true
		}
		return decimal.Zero, false
	}

	newStop := cur.Add(gap)
	if newStop.LessThan(stop) {
		return newStop, true
	}
	return decimal.Zero, false
}
