package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/papertrade/engine/pkg/bus"
	"github.com/papertrade/engine/pkg/errs"
	"github.com/papertrade/engine/pkg/types"
)

// P2PResult reports one peer-to-peer settlement.
type P2PResult struct {
	Price      decimal.Decimal
	Quantity   decimal.Decimal
	BuyFilled  bool
	SellFilled bool
	// BuyFailed marks a buyer funds shortfall; the buy order was FAILED
	// and the matcher should drop it from this cycle.
	BuyFailed bool
}

// ExecuteP2P settles a crossed pair of HUMAN-book orders atomically:
// both wallets, both portfolios and both order rows move in one
// transaction. Wallets lock in ascending user-id order, order rows in
// ascending order-id order.
func (e *Engine) ExecuteP2P(ctx context.Context, buyOrderID, sellOrderID uuid.UUID, price, qty decimal.Decimal) (*P2PResult, error) {
	if !price.IsPositive() || !qty.IsPositive() {
		return nil, errs.New(errs.KindValidation, "price and quantity must be positive")
	}

	feeRate := e.prices.FeeRate(ctx)
	result := &P2PResult{Price: price, Quantity: qty}

	txErr := e.store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Peek both orders to learn the lock order before taking locks.
		buyPeek, err := e.store.GetOrder(ctx, buyOrderID)
		if err != nil {
			return err
		}
		sellPeek, err := e.store.GetOrder(ctx, sellOrderID)
		if err != nil {
			return err
		}
		tickerID := buyPeek.TickerID

		buyerID, sellerID := buyPeek.UserID, sellPeek.UserID
		wallets := make(map[uuid.UUID]*Wallet, 2)
		for _, id := range ascending(buyerID, sellerID) {
			w, err := e.store.lockWallet(tx, id)
			if err != nil {
				return err
			}
			wallets[id] = w
		}

		portfolios := make(map[uuid.UUID]*Portfolio, 2)
		for _, id := range ascending(buyerID, sellerID) {
			p, err := e.store.lockPortfolio(tx, id, tickerID)
			if err != nil {
				return err
			}
			portfolios[id] = p
		}

		orders := make(map[uuid.UUID]*Order, 2)
		for _, id := range ascendingOrders(buyOrderID, sellOrderID) {
			o, err := e.store.lockOrder(tx, id)
			if err != nil {
				return err
			}
			if o == nil {
				return errs.New(errs.KindNotFound, "order %s disappeared", id)
			}
			orders[id] = o
		}
		buyOrder, sellOrder := orders[buyOrderID], orders[sellOrderID]

		if buyOrder.Status != types.OrderStatusPending || sellOrder.Status != types.OrderStatusPending {
			return errs.New(errs.KindConflict, "order pair no longer PENDING")
		}
		if buyOrder.UnfilledQuantity.LessThan(qty) || sellOrder.UnfilledQuantity.LessThan(qty) {
			return errs.New(errs.KindConflict, "unfilled quantity drifted below match size")
		}

		notional := price.Mul(qty)
		fee := notional.Mul(feeRate).Round(8)
		now := time.Now().UTC()

		// Buyer leg.
		buyerWallet := wallets[buyerID]
		curB, avgB := decimal.Zero, decimal.Zero
		if portfolios[buyerID] != nil {
			curB, avgB = portfolios[buyerID].Quantity, portfolios[buyerID].AveragePrice
		}
		buyOut := settleBuy(buyerWallet.Balance, curB, avgB, price, qty, fee)
		if buyOut.insufficient {
			prev := buyOrder.Status
			buyOrder.Status = types.OrderStatusFailed
			buyOrder.Reason = "insufficient balance"
			if err := e.store.transitionOrder(tx, buyOrder, prev, buyOrder.Reason); err != nil {
				return err
			}
			result.BuyFailed = true
			return nil
		}
		if err := e.store.applyWalletDelta(tx, buyerWallet, buyOut.walletDelta, types.ReasonTradeBuy); err != nil {
			return err
		}
		if err := e.store.writePortfolio(tx, buyerID, tickerID, portfolios[buyerID], buyOut.newQty, buyOut.newAvg, types.ReasonTradeBuy); err != nil {
			return err
		}
		// Self-crossing reuses the buyer-updated rows for the seller leg.
		if sellerID == buyerID {
			portfolios[sellerID] = &Portfolio{
				UserID:       buyerID,
				TickerID:     tickerID,
				Quantity:     buyOut.newQty,
				AveragePrice: buyOut.newAvg,
			}
			if buyOut.newQty.Abs().LessThanOrEqual(types.DustThreshold) {
				portfolios[sellerID] = nil
			}
		}

		// Seller leg.
		sellerWallet := wallets[sellerID]
		curS, avgS := decimal.Zero, decimal.Zero
		if portfolios[sellerID] != nil {
			curS, avgS = portfolios[sellerID].Quantity, portfolios[sellerID].AveragePrice
		}
		sellOut := settleSell(curS, avgS, price, qty, fee)

		sellerDelta := sellOut.walletDelta
		if sellOut.pnl.Valid && sellOut.pnl.Decimal.IsPositive() {
			withheld, err := e.withholdDividend(ctx, tx, sellerID, sellOut.pnl.Decimal)
			if err != nil {
				return err
			}
			if withheld.IsPositive() {
				if withheld.GreaterThan(sellerDelta) {
					withheld = sellerDelta
				}
				sellerDelta = sellerDelta.Sub(withheld)
			}
		}
		if err := e.store.applyWalletDelta(tx, sellerWallet, sellerDelta, types.ReasonTradeSell); err != nil {
			return err
		}
		if err := e.store.writePortfolio(tx, sellerID, tickerID, portfolios[sellerID], sellOut.newQty, sellOut.newAvg, types.ReasonTradeSell); err != nil {
			return err
		}

		// Order rows.
		if err := e.applyP2PFill(tx, buyOrder, price, fee, buyOut.pnl, qty, now); err != nil {
			return err
		}
		if err := e.applyP2PFill(tx, sellOrder, price, fee, sellOut.pnl, qty, now); err != nil {
			return err
		}
		result.BuyFilled = buyOrder.Status == types.OrderStatusFilled
		result.SellFilled = sellOrder.Status == types.OrderStatusFilled

		for _, pair := range []struct {
			order *Order
			pnl   decimal.NullDecimal
		}{{buyOrder, buyOut.pnl}, {sellOrder, sellOut.pnl}} {
			if err := e.store.stageOutbox(tx, bus.TradeEventSubject(tickerID), &types.TradeEvent{
				Type:        types.EventTradeExecuted,
				UserID:      pair.order.UserID,
				OrderID:     pair.order.ID,
				TickerID:    tickerID,
				Side:        pair.order.Side,
				Quantity:    qty,
				Price:       price,
				Fee:         fee,
				RealizedPnL: pair.order.RealizedPnL,
				Status:      pair.order.Status,
				Timestamp:   now,
			}); err != nil {
				return err
			}
		}
		return nil
	})

	if txErr != nil {
		if errs.Is(txErr, errs.KindConflict) {
			return nil, txErr
		}
		e.logger.Errorf("P2P settlement %s x %s failed: %v", buyOrderID, sellOrderID, txErr)
		return nil, txErr
	}
	return result, nil
}

// applyP2PFill decrements unfilled quantity and finalizes the order when
// it reaches zero. Partial fills keep PENDING without a history row.
func (e *Engine) applyP2PFill(tx *gorm.DB, order *Order, price, fee decimal.Decimal, pnl decimal.NullDecimal, qty decimal.Decimal, now time.Time) error {
	order.UnfilledQuantity = order.UnfilledQuantity.Sub(qty)
	order.Price = decimal.NullDecimal{Decimal: price, Valid: true}

	total := fee
	if order.Fee.Valid {
		total = order.Fee.Decimal.Add(fee)
	}
	order.Fee = decimal.NullDecimal{Decimal: total.Round(8), Valid: true}

	if pnl.Valid {
		sum := pnl.Decimal
		if order.RealizedPnL.Valid {
			sum = order.RealizedPnL.Decimal.Add(pnl.Decimal)
		}
		order.RealizedPnL = decimal.NullDecimal{Decimal: sum.Round(8), Valid: true}
	}

	if order.UnfilledQuantity.Abs().LessThanOrEqual(types.DustThreshold) {
		order.UnfilledQuantity = decimal.Zero
		prev := order.Status
		order.Status = types.OrderStatusFilled
		order.FilledAt = &now
		return e.store.transitionOrder(tx, order, prev, "p2p match filled")
	}

	order.UpdatedAt = now
	if err := tx.Save(order).Error; err != nil {
		return errs.Wrap(err, "failed to update order %s", order.ID)
	}
	return nil
}

// ascending returns user ids in lock order, deduplicated.
func ascending(a, b uuid.UUID) []uuid.UUID {
	if a == b {
		return []uuid.UUID{a}
	}
	if a.String() < b.String() {
		return []uuid.UUID{a, b}
	}
	return []uuid.UUID{b, a}
}

// ascendingOrders returns order ids in lock order, deduplicated.
func ascendingOrders(a, b uuid.UUID) []uuid.UUID {
	return ascending(a, b)
}
