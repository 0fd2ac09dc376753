// Package human runs the peer-to-peer order book for HUMAN tickers.
// Orders rest in the ledger as PENDING rows; roughly once a second the
// matcher rebuilds each book from the ledger and crosses the best pairs.
package human

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/papertrade/engine/internal/ledger"
	"github.com/papertrade/engine/internal/metrics"
	"github.com/papertrade/engine/pkg/errs"
	"github.com/papertrade/engine/pkg/types"
)

// PriceRecorder records the last traded price of a ticker. The Redis
// price store implements it; nil disables recording.
type PriceRecorder interface {
	SetPrice(ctx context.Context, tickerID string, price decimal.Decimal) error
}

// Matcher is the HUMAN-book matching loop.
type Matcher struct {
	store    *ledger.Store
	engine   *ledger.Engine
	prices   PriceRecorder
	interval time.Duration
	logger   *logrus.Entry
}

// NewMatcher creates the P2P matcher. prices may be nil.
func NewMatcher(store *ledger.Store, engine *ledger.Engine, prices PriceRecorder, interval time.Duration) *Matcher {
	if interval <= 0 {
		interval = time.Second
	}
	return &Matcher{
		store:    store,
		engine:   engine,
		prices:   prices,
		interval: interval,
		logger:   logrus.WithField("component", "p2p-matcher"),
	}
}

// Run cycles the match loop until the context ends.
func (m *Matcher) Run(ctx context.Context) {
	m.logger.Infof("P2P matcher started, interval %s", m.interval)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("P2P matcher stopped")
			return
		case <-ticker.C:
			m.MatchCycle(ctx)
		}
	}
}

// MatchCycle runs one pass over every active HUMAN ticker.
func (m *Matcher) MatchCycle(ctx context.Context) {
	tickers, err := m.store.HumanTickers(ctx)
	if err != nil {
		m.logger.Errorf("Ticker scan failed: %v", err)
		return
	}
	for _, t := range tickers {
		m.matchTicker(ctx, t.ID)
	}
}

// matchTicker rebuilds one ticker's book from the ledger and crosses it
// until the spread opens or the book can't price.
func (m *Matcher) matchTicker(ctx context.Context, tickerID string) {
	orders, err := m.store.PendingHumanOrders(ctx, tickerID)
	if err != nil {
		m.logger.Errorf("Book rebuild failed for %s: %v", tickerID, err)
		return
	}

	book := BuildBook(orders)
	for {
		buy, sell := book.Best()
		if buy == nil || sell == nil || !Crosses(buy, sell) {
			return
		}

		price, ok := MatchPrice(buy, sell)
		if !ok {
			// Two market orders can't discover a price; wait for a limit.
			m.logger.Debugf("Two market orders head %s, skipping cycle", tickerID)
			return
		}
		qty := decimal.Min(buy.UnfilledQuantity, sell.UnfilledQuantity)

		result, err := m.engine.ExecuteP2P(ctx, buy.ID, sell.ID, price, qty)
		if err != nil {
			if errs.Is(err, errs.KindConflict) || errs.Is(err, errs.KindNotFound) {
				// The ledger moved under this snapshot; rebuild next cycle.
				m.logger.Debugf("Book drift on %s: %v", tickerID, err)
			} else {
				m.logger.Errorf("P2P settlement failed on %s: %v", tickerID, err)
			}
			return
		}

		if result.BuyFailed {
			book.DropBuy(buy.ID)
			continue
		}

		metrics.P2PMatches.Inc()
		book.ApplyFill(buy.ID, sell.ID, qty, result.BuyFilled, result.SellFilled)
		m.recordFill(ctx, tickerID, price, qty)
	}
}

// recordFill folds a settled match into the candles and the last price.
func (m *Matcher) recordFill(ctx context.Context, tickerID string, price, qty decimal.Decimal) {
	now := time.Now().UTC()
	for _, iv := range []struct {
		name   string
		bucket time.Time
	}{
		{types.CandleInterval1m, now.Truncate(time.Minute)},
		{types.CandleInterval1d, now.Truncate(24 * time.Hour)},
	} {
		if err := m.store.UpsertCandle(ctx, tickerID, iv.name, iv.bucket, price, qty); err != nil {
			m.logger.Errorf("Candle upsert failed for %s/%s: %v", tickerID, iv.name, err)
		}
	}

	if m.prices != nil {
		if err := m.prices.SetPrice(ctx, tickerID, price); err != nil {
			m.logger.Errorf("Price record failed for %s: %v", tickerID, err)
		}
	}
}

// Book is one ticker's in-memory view for a match cycle: buys best-first
// (highest price, then oldest), sells best-first (lowest price, then
// oldest). Market orders sort ahead of every limit on both sides.
type Book struct {
	Buys  []*ledger.Order
	Sells []*ledger.Order
}

// BuildBook splits and sorts PENDING orders into book sides.
func BuildBook(orders []ledger.Order) *Book {
	book := &Book{}
	for i := range orders {
		o := &orders[i]
		if !o.UnfilledQuantity.IsPositive() {
			continue
		}
		if o.Side == types.OrderSideBuy {
			book.Buys = append(book.Buys, o)
		} else {
			book.Sells = append(book.Sells, o)
		}
	}

	sort.SliceStable(book.Buys, func(i, j int) bool {
		a, b := book.Buys[i], book.Buys[j]
		am, bm := isMarket(a), isMarket(b)
		if am != bm {
			return am
		}
		if !am && !a.TargetPrice.Decimal.Equal(b.TargetPrice.Decimal) {
			return a.TargetPrice.Decimal.GreaterThan(b.TargetPrice.Decimal)
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
	sort.SliceStable(book.Sells, func(i, j int) bool {
		a, b := book.Sells[i], book.Sells[j]
		am, bm := isMarket(a), isMarket(b)
		if am != bm {
			return am
		}
		if !am && !a.TargetPrice.Decimal.Equal(b.TargetPrice.Decimal) {
			return a.TargetPrice.Decimal.LessThan(b.TargetPrice.Decimal)
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
	return book
}

// Best returns the head of each side, nil when a side is empty.
func (b *Book) Best() (buy, sell *ledger.Order) {
	if len(b.Buys) > 0 {
		buy = b.Buys[0]
	}
	if len(b.Sells) > 0 {
		sell = b.Sells[0]
	}
	return buy, sell
}

// ApplyFill decrements both heads and pops the ones reported filled.
func (b *Book) ApplyFill(buyID, sellID uuid.UUID, qty decimal.Decimal, buyFilled, sellFilled bool) {
	if len(b.Buys) > 0 && b.Buys[0].ID == buyID {
		b.Buys[0].UnfilledQuantity = b.Buys[0].UnfilledQuantity.Sub(qty)
		if buyFilled || !b.Buys[0].UnfilledQuantity.IsPositive() {
			b.Buys = b.Buys[1:]
		}
	}
	if len(b.Sells) > 0 && b.Sells[0].ID == sellID {
		b.Sells[0].UnfilledQuantity = b.Sells[0].UnfilledQuantity.Sub(qty)
		if sellFilled || !b.Sells[0].UnfilledQuantity.IsPositive() {
			b.Sells = b.Sells[1:]
		}
	}
}

// DropBuy removes the head buy after a funds failure.
func (b *Book) DropBuy(buyID uuid.UUID) {
	if len(b.Buys) > 0 && b.Buys[0].ID == buyID {
		b.Buys = b.Buys[1:]
	}
}

// Crosses reports whether the best pair can trade. A market order
// crosses anything on the other side.
func Crosses(buy, sell *ledger.Order) bool {
	if isMarket(buy) || isMarket(sell) {
		return true
	}
	return buy.TargetPrice.Decimal.GreaterThanOrEqual(sell.TargetPrice.Decimal)
}

// MatchPrice picks the execution price: two limits trade at the older
// order's price (the maker sets it), a market order takes the limit's
// price, and two markets can't price at all.
func MatchPrice(buy, sell *ledger.Order) (decimal.Decimal, bool) {
	buyMarket, sellMarket := isMarket(buy), isMarket(sell)
	switch {
	case buyMarket && sellMarket:
		return decimal.Zero, false
	case buyMarket:
		return sell.TargetPrice.Decimal, true
	case sellMarket:
		return buy.TargetPrice.Decimal, true
	case buy.CreatedAt.Before(sell.CreatedAt):
		return buy.TargetPrice.Decimal, true
	default:
		return sell.TargetPrice.Decimal, true
	}
}

func isMarket(o *ledger.Order) bool {
	return o.Type == types.OrderTypeMarket || !o.TargetPrice.Valid
}
