package ledger

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DividendService routes an active HUMAN issuer's positive realized PnL
// to their holders. It runs as an external collaborator; settlement only
// needs the withheld amount back so the seller is credited net of it.
type DividendService interface {
	WithholdDividend(ctx context.Context, issuerID uuid.UUID, realizedPnL decimal.Decimal) (decimal.Decimal, error)
}

// NoDividends disables withholding.
type NoDividends struct{}

// WithholdDividend returns zero.
func (NoDividends) WithholdDividend(ctx context.Context, issuerID uuid.UUID, realizedPnL decimal.Decimal) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

// RateDividends withholds a flat fraction of positive PnL. It stands in
// for the full dividend pipeline in single-process deployments.
type RateDividends struct {
	Rate decimal.Decimal
}

// WithholdDividend returns realizedPnL * Rate for positive PnL.
func (r RateDividends) WithholdDividend(ctx context.Context, issuerID uuid.UUID, realizedPnL decimal.Decimal) (decimal.Decimal, error) {
	if !realizedPnL.IsPositive() || !r.Rate.IsPositive() {
		return decimal.Zero, nil
	}
	return realizedPnL.Mul(r.Rate).Round(8), nil
}

// UserRateDividends withholds each issuer's own configured rate.
type UserRateDividends struct {
	Store *Store
}

// WithholdDividend returns realizedPnL * the issuer's dividend rate.
func (u UserRateDividends) WithholdDividend(ctx context.Context, issuerID uuid.UUID, realizedPnL decimal.Decimal) (decimal.Decimal, error) {
	if !realizedPnL.IsPositive() {
		return decimal.Zero, nil
	}
	user, err := u.Store.GetUser(ctx, issuerID)
	if err != nil {
		return decimal.Zero, err
	}
	if !user.DividendRate.IsPositive() {
		return decimal.Zero, nil
	}
	return realizedPnL.Mul(user.DividendRate).Round(8), nil
}
