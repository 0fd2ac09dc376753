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

// LiquidateAll force-closes a user's entire portfolio at market in one
// transaction: every row is marked to the current price (entry price
// when no market price exists), cash-settled, and deleted. A resulting
// negative balance is floored to zero. tickerID, equity and liability
// describe the triggering evaluation and travel on the emitted event.
func (e *Engine) LiquidateAll(ctx context.Context, userID uuid.UUID, tickerID string, equity, liability decimal.Decimal) error {
	return e.store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		wallet, err := e.store.lockWallet(tx, userID)
		if err != nil {
			return err
		}

		var rows []Portfolio
		if err := forUpdate(tx).
			Where("user_id = ?", userID).
			Order("ticker_id ASC").
			Find(&rows).Error; err != nil {
			return errs.Wrap(err, "failed to lock portfolios for %s", userID)
		}

		for i := range rows {
			row := rows[i]
			price, err := e.prices.GetPrice(ctx, row.TickerID)
			if err != nil {
				price = row.AveragePrice
			}

			// Long rows credit qty*price; short rows debit |qty|*price.
			delta := row.Quantity.Mul(price)
			if err := e.store.applyWalletDelta(tx, wallet, delta, types.ReasonLiquidationClose); err != nil {
				return err
			}
			if err := e.store.writePortfolio(tx, userID, row.TickerID, &row, decimal.Zero, decimal.Zero, "liquidation"); err != nil {
				return err
			}
		}

		if wallet.Balance.IsNegative() {
			if err := e.store.setWalletBalance(tx, wallet, decimal.Zero, types.ReasonLiquidationReset); err != nil {
				return err
			}
		}

		ev := &types.LiquidationEvent{
			UserID:    userID,
			TickerID:  tickerID,
			Equity:    equity,
			Liability: liability,
			Timestamp: time.Now().UTC(),
		}
		if err := e.store.stageOutbox(tx, bus.LiquidationSubject(userID.String()), ev); err != nil {
			return err
		}

		e.logger.Warnf("Liquidated user %s: equity %s below maintenance on %s", userID, equity, tickerID)
		return nil
	})
}
