package margin

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/papertrade/engine/internal/ledger"
	"github.com/papertrade/engine/pkg/errs"
	"github.com/papertrade/engine/pkg/types"
)

type fixedPrices map[string]decimal.Decimal

func (f fixedPrices) GetPrice(ctx context.Context, tickerID string) (decimal.Decimal, error) {
	if p, ok := f[tickerID]; ok {
		return p, nil
	}
	return decimal.Zero, errs.New(errs.KindMarketData, "no price for %s", tickerID)
}

func (f fixedPrices) GetOrderBook(ctx context.Context, tickerID string) (*types.OrderBookSnapshot, error) {
	return nil, nil
}

func (f fixedPrices) FeeRate(ctx context.Context) decimal.Decimal {
	return decimal.Zero
}

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestExposureMarksLongsAndShorts(t *testing.T) {
	prices := fixedPrices{"AAPL": d("110"), "TSLA": d("200")}
	rows := []ledger.Portfolio{
		{TickerID: "AAPL", Quantity: d("5"), AveragePrice: d("100")},
		{TickerID: "TSLA", Quantity: d("-2"), AveragePrice: d("180")},
	}

	equity, liability := Exposure(context.Background(), prices, d("100"), rows)

	// 100 + 5*110 - 2*200
	assert.True(t, equity.Equal(d("250")), "got %s", equity)
	assert.True(t, liability.Equal(d("400")), "got %s", liability)
}

func TestExposureFallsBackToEntryPrice(t *testing.T) {
	rows := []ledger.Portfolio{
		{TickerID: "GONE", Quantity: d("-3"), AveragePrice: d("50")},
	}

	equity, liability := Exposure(context.Background(), fixedPrices{}, d("1000"), rows)
	assert.True(t, equity.Equal(d("850")))
	assert.True(t, liability.Equal(d("150")))
}

func TestExposureCashOnly(t *testing.T) {
	equity, liability := Exposure(context.Background(), fixedPrices{}, d("42"), nil)
	assert.True(t, equity.Equal(d("42")))
	assert.True(t, liability.IsZero())
}
