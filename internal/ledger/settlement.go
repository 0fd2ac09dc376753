package ledger

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/papertrade/engine/pkg/bus"
	"github.com/papertrade/engine/pkg/errs"
	"github.com/papertrade/engine/pkg/types"
)

// PriceSource supplies market data to settlement. The Redis price store
// implements it; tests use stubs.
type PriceSource interface {
	GetPrice(ctx context.Context, tickerID string) (decimal.Decimal, error)
	GetOrderBook(ctx context.Context, tickerID string) (*types.OrderBookSnapshot, error)
	FeeRate(ctx context.Context) decimal.Decimal
}

// Engine executes trades against the ledger atomically.
type Engine struct {
	store     *Store
	prices    PriceSource
	dividends DividendService
	logger    *logrus.Entry
}

// NewEngine creates a settlement engine. dividends may be nil to disable
// withholding.
func NewEngine(store *Store, prices PriceSource, dividends DividendService) *Engine {
	if dividends == nil {
		dividends = NoDividends{}
	}
	return &Engine{
		store:     store,
		prices:    prices,
		dividends: dividends,
		logger:    logrus.WithField("component", "settlement"),
	}
}

// Store exposes the ledger store backing this engine.
func (e *Engine) Store() *Store { return e.store }

// TradeResult reports the outcome of one execution attempt.
type TradeResult struct {
	OrderID     uuid.UUID
	Status      types.OrderStatus
	Price       decimal.Decimal
	Fee         decimal.Decimal
	RealizedPnL decimal.NullDecimal
	Handoff     bool // HUMAN ticker; the P2P matcher settles it
	Message     string
}

// ExecuteTrade is the atomic settlement unit for one market (or
// triggered conditional) order. priceHint, when positive, pins the fill
// price; the conditional matcher passes the triggering tick.
//
// Lock order inside the transaction is wallet, then portfolio, then
// order row, matching every other writer.
func (e *Engine) ExecuteTrade(ctx context.Context, userID, orderID uuid.UUID, tickerID string, side types.OrderSide, qty decimal.Decimal, priceHint *decimal.Decimal) (*TradeResult, error) {
	if !qty.IsPositive() {
		return nil, errs.New(errs.KindValidation, "quantity must be positive")
	}

	ticker, err := e.store.GetTicker(ctx, tickerID)
	if err != nil {
		e.markFailed(ctx, userID, orderID, tickerID, side, qty, errs.UserMessage(err))
		return nil, err
	}

	if ticker.MarketType == types.MarketTypeHuman {
		return e.handoffToBook(ctx, userID, orderID, tickerID, side, qty)
	}

	execPrice, err := e.resolveExecutionPrice(ctx, tickerID, side, qty, priceHint)
	if err != nil {
		e.markFailed(ctx, userID, orderID, tickerID, side, qty, errs.UserMessage(err))
		return &TradeResult{OrderID: orderID, Status: types.OrderStatusFailed, Message: errs.UserMessage(err)}, nil
	}

	feeRate := e.prices.FeeRate(ctx)
	result := &TradeResult{OrderID: orderID}

	txErr := e.store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		wallet, err := e.store.lockWallet(tx, userID)
		if err != nil {
			return err
		}
		portfolio, err := e.store.lockPortfolio(tx, userID, tickerID)
		if err != nil {
			return err
		}
		order, err := e.store.lockOrder(tx, orderID)
		if err != nil {
			return err
		}
		if order == nil {
			// Market orders reach the executor before any ledger row exists.
			order = &Order{
				ID:               orderID,
				UserID:           userID,
				TickerID:         tickerID,
				Side:             side,
				Type:             types.OrderTypeMarket,
				Status:           types.OrderStatusAccepted,
				Quantity:         qty,
				UnfilledQuantity: qty,
				CreatedAt:        time.Now().UTC(),
			}
			if err := tx.Create(order).Error; err != nil {
				return errs.Wrap(err, "failed to create order row %s", orderID)
			}
		}
		switch order.Status {
		case types.OrderStatusPending, types.OrderStatusAccepted:
		default:
			return errs.New(errs.KindConflict, "order %s is %s, not executable", orderID, order.Status)
		}

		cur, avg := decimal.Zero, decimal.Zero
		if portfolio != nil {
			cur, avg = portfolio.Quantity, portfolio.AveragePrice
		}

		notional := execPrice.Mul(qty)
		fee := notional.Mul(feeRate).Round(8)

		var out settlementOutcome
		var reason string
		if side == types.OrderSideBuy {
			out = settleBuy(wallet.Balance, cur, avg, execPrice, qty, fee)
			reason = types.ReasonTradeBuy
		} else {
			out = settleSell(cur, avg, execPrice, qty, fee)
			reason = types.ReasonTradeSell
		}

		if out.insufficient {
			prev := order.Status
			order.Status = types.OrderStatusFailed
			order.Reason = "insufficient balance"
			if err := e.store.transitionOrder(tx, order, prev, order.Reason); err != nil {
				return err
			}
			result.Status = types.OrderStatusFailed
			result.Message = order.Reason
			return nil
		}

		walletDelta := out.walletDelta
		if side == types.OrderSideSell && out.pnl.Valid && out.pnl.Decimal.IsPositive() {
			withheld, err := e.withholdDividend(ctx, tx, userID, out.pnl.Decimal)
			if err != nil {
				return err
			}
			if withheld.IsPositive() {
				if withheld.GreaterThan(walletDelta) {
					withheld = walletDelta
				}
				walletDelta = walletDelta.Sub(withheld)
				e.logger.Debugf("Withheld dividend %s from user %s", withheld, userID)
			}
		}

		if err := e.store.applyWalletDelta(tx, wallet, walletDelta, reason); err != nil {
			return err
		}
		if err := e.store.writePortfolio(tx, userID, tickerID, portfolio, out.newQty, out.newAvg, reason); err != nil {
			return err
		}

		now := time.Now().UTC()
		prev := order.Status
		order.Status = types.OrderStatusFilled
		order.UnfilledQuantity = decimal.Zero
		order.Price = decimal.NullDecimal{Decimal: execPrice, Valid: true}
		order.Fee = decimal.NullDecimal{Decimal: fee, Valid: true}
		if out.pnl.Valid {
			order.RealizedPnL = decimal.NullDecimal{Decimal: out.pnl.Decimal.Round(8), Valid: true}
		}
		order.FilledAt = &now
		if err := e.store.transitionOrder(tx, order, prev, "trade executed"); err != nil {
			return err
		}

		if err := e.store.stageOutbox(tx, bus.TradeEventSubject(tickerID), &types.TradeEvent{
			Type:        types.EventTradeExecuted,
			UserID:      userID,
			OrderID:     orderID,
			TickerID:    tickerID,
			Side:        side,
			Quantity:    qty,
			Price:       execPrice,
			Fee:         fee,
			RealizedPnL: order.RealizedPnL,
			Status:      types.OrderStatusFilled,
			Timestamp:   now,
		}); err != nil {
			return err
		}

		result.Status = types.OrderStatusFilled
		result.Price = execPrice
		result.Fee = fee
		result.RealizedPnL = order.RealizedPnL
		return nil
	})

	if txErr != nil {
		if errs.Is(txErr, errs.KindConflict) {
			// A cancel or another fill won the order row; exit cleanly.
			return &TradeResult{OrderID: orderID, Status: types.OrderStatusCancelled, Message: errs.UserMessage(txErr)}, nil
		}
		e.markFailed(ctx, userID, orderID, tickerID, side, qty, errs.UserMessage(txErr))
		return nil, txErr
	}
	return result, nil
}

// handoffToBook upserts a PENDING row for a HUMAN ticker so the P2P
// matcher settles it instead.
func (e *Engine) handoffToBook(ctx context.Context, userID, orderID uuid.UUID, tickerID string, side types.OrderSide, qty decimal.Decimal) (*TradeResult, error) {
	err := e.store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		order, err := e.store.lockOrder(tx, orderID)
		if err != nil {
			return err
		}
		if order == nil {
			order = &Order{
				ID:               orderID,
				UserID:           userID,
				TickerID:         tickerID,
				Side:             side,
				Type:             types.OrderTypeMarket,
				Status:           types.OrderStatusAccepted,
				Quantity:         qty,
				UnfilledQuantity: qty,
				CreatedAt:        time.Now().UTC(),
			}
			if err := tx.Create(order).Error; err != nil {
				return errs.Wrap(err, "failed to create order row %s", orderID)
			}
		}
		if order.Status != types.OrderStatusAccepted && order.Status != types.OrderStatusPending {
			return errs.New(errs.KindConflict, "order %s is %s, not executable", orderID, order.Status)
		}
		prev := order.Status
		order.Status = types.OrderStatusPending
		return e.store.transitionOrder(tx, order, prev, "resting on P2P book")
	})
	if err != nil {
		if errs.Is(err, errs.KindConflict) {
			return &TradeResult{OrderID: orderID, Status: types.OrderStatusCancelled}, nil
		}
		return nil, err
	}
	return &TradeResult{OrderID: orderID, Status: types.OrderStatusPending, Handoff: true}, nil
}

// resolveExecutionPrice prefers the caller's hint, then VWAP over the
// book snapshot, then the current ticker price.
func (e *Engine) resolveExecutionPrice(ctx context.Context, tickerID string, side types.OrderSide, qty decimal.Decimal, hint *decimal.Decimal) (decimal.Decimal, error) {
	if hint != nil && hint.IsPositive() {
		return *hint, nil
	}

	book, err := e.prices.GetOrderBook(ctx, tickerID)
	if err != nil {
		e.logger.Errorf("Order book fetch failed for %s: %v", tickerID, err)
	}
	if book != nil {
		if vwap, ok := vwapAcross(book, side, qty); ok {
			return vwap, nil
		}
	}

	return e.prices.GetPrice(ctx, tickerID)
}

// vwapAcross consumes opposite-side depth for qty: buys take asks cheap
// to expensive, sells take bids expensive to cheap. Returns false when
// depth is insufficient.
func vwapAcross(book *types.OrderBookSnapshot, side types.OrderSide, qty decimal.Decimal) (decimal.Decimal, bool) {
	levels := make([]types.PriceLevel, 0)
	if side == types.OrderSideBuy {
		levels = append(levels, book.Asks...)
		sort.Slice(levels, func(i, j int) bool {
			return levels[i].Price.LessThan(levels[j].Price)
		})
	} else {
		levels = append(levels, book.Bids...)
		sort.Slice(levels, func(i, j int) bool {
			return levels[i].Price.GreaterThan(levels[j].Price)
		})
	}

	remaining := qty
	cost := decimal.Zero
	for _, lvl := range levels {
		if !remaining.IsPositive() {
			break
		}
		take := decimal.Min(lvl.Quantity, remaining)
		cost = cost.Add(lvl.Price.Mul(take))
		remaining = remaining.Sub(take)
	}
	if remaining.IsPositive() {
		return decimal.Zero, false
	}
	return cost.DivRound(qty, 8), true
}

// withholdDividend routes positive PnL through the dividend collaborator
// when the seller is an active HUMAN issuer with a positive rate.
func (e *Engine) withholdDividend(ctx context.Context, tx *gorm.DB, userID uuid.UUID, pnl decimal.Decimal) (decimal.Decimal, error) {
	var user User
	if err := tx.First(&user, "id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return decimal.Zero, nil
		}
		return decimal.Zero, errs.Wrap(err, "failed to load user %s", userID)
	}
	if !user.IsActive || !user.DividendRate.IsPositive() {
		return decimal.Zero, nil
	}

	var issued Ticker
	err := tx.First(&issued, "market_type = ? AND issuer_id = ? AND is_active = ?",
		types.MarketTypeHuman, userID, true).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, errs.Wrap(err, "failed to check issuer for %s", userID)
	}

	withheld, err := e.dividends.WithholdDividend(ctx, userID, pnl)
	if err != nil {
		return decimal.Zero, errs.Wrap(err, "dividend withholding failed for %s", userID)
	}
	if withheld.IsNegative() {
		withheld = decimal.Zero
	}
	return withheld.Round(8), nil
}

// markFailed records a FAILED order in its own transaction after a
// settlement rollback. Nothing else from the failed attempt survives.
func (e *Engine) markFailed(ctx context.Context, userID, orderID uuid.UUID, tickerID string, side types.OrderSide, qty decimal.Decimal, reason string) {
	err := e.store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		order, err := e.store.lockOrder(tx, orderID)
		if err != nil {
			return err
		}
		if order == nil {
			order = &Order{
				ID:               orderID,
				UserID:           userID,
				TickerID:         tickerID,
				Side:             side,
				Type:             types.OrderTypeMarket,
				Status:           types.OrderStatusAccepted,
				Quantity:         qty,
				UnfilledQuantity: qty,
				CreatedAt:        time.Now().UTC(),
			}
			if err := tx.Create(order).Error; err != nil {
				return errs.Wrap(err, "failed to create order row %s", orderID)
			}
		}
		switch order.Status {
		case types.OrderStatusFilled, types.OrderStatusCancelled, types.OrderStatusFailed:
			return nil
		}
		prev := order.Status
		order.Status = types.OrderStatusFailed
		order.Reason = reason
		return e.store.transitionOrder(tx, order, prev, reason)
	})
	if err != nil {
		e.logger.Errorf("Failed to mark order %s FAILED: %v", orderID, err)
	}
}

// settlementOutcome is the result of the pure position math for one side.
type settlementOutcome struct {
	walletDelta  decimal.Decimal
	newQty       decimal.Decimal
	newAvg       decimal.Decimal
	pnl          decimal.NullDecimal
	insufficient bool
}

// settleBuy applies the BUY settlement semantics: debit notional+fee,
// attribute closing-short PnL, then extend long / reduce short / switch.
func settleBuy(balance, cur, avg, p, q, fee decimal.Decimal) settlementOutcome {
	notional := p.Mul(q)
	required := notional.Add(fee)
	if balance.LessThan(required) {
		return settlementOutcome{insufficient: true}
	}

	out := settlementOutcome{walletDelta: required.Neg()}

	if cur.Sign() < 0 {
		closing := decimal.Min(cur.Neg(), q)
		allocatedFee := fee.Mul(closing).Div(q)
		pnl := avg.Sub(p).Mul(closing).Sub(allocatedFee)
		out.pnl = decimal.NullDecimal{Decimal: pnl, Valid: true}
	}

	switch {
	case cur.Sign() >= 0: // extend long; fee is folded into cost basis
		out.newQty = cur.Add(q)
		out.newAvg = cur.Mul(avg).Add(required).DivRound(out.newQty, 8)
	case cur.Add(q).Sign() <= 0: // reduce short, entry credit unchanged
		out.newQty = cur.Add(q)
		out.newAvg = avg
	default: // switch short -> long
		out.newQty = cur.Add(q)
		out.newAvg = p
	}
	return out
}

// settleSell applies the SELL settlement semantics: credit notional-fee,
// attribute closing-long PnL, then reduce long / switch / extend short.
// The wallet delta is pre-dividend.
func settleSell(cur, avg, p, q, fee decimal.Decimal) settlementOutcome {
	notional := p.Mul(q)
	netIncome := notional.Sub(fee)

	out := settlementOutcome{walletDelta: netIncome}

	if cur.Sign() > 0 {
		closing := decimal.Min(cur, q)
		allocatedFee := fee.Mul(closing).Div(q)
		pnl := p.Sub(avg).Mul(closing).Sub(allocatedFee)
		out.pnl = decimal.NullDecimal{Decimal: pnl, Valid: true}
	}

	switch {
	case cur.Sign() > 0 && cur.Sub(q).Sign() >= 0: // reduce long
		out.newQty = cur.Sub(q)
		out.newAvg = avg
	case cur.Sign() > 0: // switch long -> short
		out.newQty = cur.Sub(q)
		out.newAvg = p
	default: // extend short; entry credit averages in the net proceeds
		prevValue := cur.Abs().Mul(avg)
		newValue := prevValue.Add(netIncome)
		newAbs := cur.Sub(q).Abs()
		out.newQty = cur.Sub(q)
		out.newAvg = newValue.DivRound(newAbs, 8)
	}
	return out
}
