package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/papertrade/engine/pkg/errs"
	"github.com/papertrade/engine/pkg/types"
)

func seedHumanOrder(t *testing.T, store *Store, userID uuid.UUID, side types.OrderSide, qty, target decimal.Decimal, age time.Duration) uuid.UUID {
	t.Helper()
	order := &Order{
		ID:               uuid.New(),
		UserID:           userID,
		TickerID:         "HUMAN-1",
		Side:             side,
		Type:             types.OrderTypeLimit,
		Status:           types.OrderStatusPending,
		Quantity:         qty,
		UnfilledQuantity: qty,
		TargetPrice:      decimal.NullDecimal{Decimal: target, Valid: true},
		CreatedAt:        time.Now().UTC().Add(-age),
	}
	require.NoError(t, store.DB().Create(order).Error)
	return order.ID
}

func TestExecuteP2PConservesCash(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	engine := NewEngine(store, &stubPrices{}, nil) // zero fee

	buyerID := seedUser(t, store, d("10000"))
	sellerID := seedUser(t, store, d("0"))
	seedTicker(t, store, "HUMAN-1", types.MarketTypeHuman)
	require.NoError(t, store.DB().Create(&Portfolio{
		UserID: sellerID, TickerID: "HUMAN-1", Quantity: d("10"), AveragePrice: d("90"),
	}).Error)

	buyID := seedHumanOrder(t, store, buyerID, types.OrderSideBuy, d("10"), d("100"), time.Minute)
	sellID := seedHumanOrder(t, store, sellerID, types.OrderSideSell, d("10"), d("100"), 0)

	result, err := engine.ExecuteP2P(ctx, buyID, sellID, d("100"), d("10"))
	require.NoError(t, err)
	assert.True(t, result.BuyFilled)
	assert.True(t, result.SellFilled)

	buyerWallet, err := store.GetWallet(ctx, buyerID)
	require.NoError(t, err)
	sellerWallet, err := store.GetWallet(ctx, sellerID)
	require.NoError(t, err)

	// With zero fee, cash just moved between the two wallets.
	total := buyerWallet.Balance.Add(sellerWallet.Balance)
	assert.True(t, total.Equal(d("10000")), "got %s", total)
	assert.True(t, buyerWallet.Balance.Equal(d("9000")))
	assert.True(t, sellerWallet.Balance.Equal(d("1000")))

	// Shares moved the other way.
	buyerPos, err := store.GetPortfolio(ctx, buyerID, "HUMAN-1")
	require.NoError(t, err)
	require.NotNil(t, buyerPos)
	assert.True(t, buyerPos.Quantity.Equal(d("10")))

	sellerPos, err := store.GetPortfolio(ctx, sellerID, "HUMAN-1")
	require.NoError(t, err)
	assert.Nil(t, sellerPos, "seller is flat; dust rule removed the row")

	// Seller realized (100-90)*10.
	sellOrder, err := store.GetOrder(ctx, sellID)
	require.NoError(t, err)
	require.True(t, sellOrder.RealizedPnL.Valid)
	assert.True(t, sellOrder.RealizedPnL.Decimal.Equal(d("100")))
}

func TestExecuteP2PPartialFillKeepsOrdersPending(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	engine := NewEngine(store, &stubPrices{}, nil)

	buyerID := seedUser(t, store, d("10000"))
	sellerID := seedUser(t, store, d("0"))
	seedTicker(t, store, "HUMAN-1", types.MarketTypeHuman)
	require.NoError(t, store.DB().Create(&Portfolio{
		UserID: sellerID, TickerID: "HUMAN-1", Quantity: d("20"), AveragePrice: d("100"),
	}).Error)

	buyID := seedHumanOrder(t, store, buyerID, types.OrderSideBuy, d("4"), d("100"), time.Minute)
	sellID := seedHumanOrder(t, store, sellerID, types.OrderSideSell, d("10"), d("100"), 0)

	result, err := engine.ExecuteP2P(ctx, buyID, sellID, d("100"), d("4"))
	require.NoError(t, err)
	assert.True(t, result.BuyFilled)
	assert.False(t, result.SellFilled)

	sellOrder, err := store.GetOrder(ctx, sellID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusPending, sellOrder.Status)
	assert.True(t, sellOrder.UnfilledQuantity.Equal(d("6")))

	buyOrder, err := store.GetOrder(ctx, buyID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusFilled, buyOrder.Status)
	assert.True(t, buyOrder.UnfilledQuantity.IsZero())
}

func TestExecuteP2PBuyerShortfallFailsOnlyBuyOrder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	engine := NewEngine(store, &stubPrices{}, nil)

	buyerID := seedUser(t, store, d("50"))
	sellerID := seedUser(t, store, d("0"))
	seedTicker(t, store, "HUMAN-1", types.MarketTypeHuman)
	require.NoError(t, store.DB().Create(&Portfolio{
		UserID: sellerID, TickerID: "HUMAN-1", Quantity: d("10"), AveragePrice: d("100"),
	}).Error)

	buyID := seedHumanOrder(t, store, buyerID, types.OrderSideBuy, d("10"), d("100"), time.Minute)
	sellID := seedHumanOrder(t, store, sellerID, types.OrderSideSell, d("10"), d("100"), 0)

	result, err := engine.ExecuteP2P(ctx, buyID, sellID, d("100"), d("10"))
	require.NoError(t, err)
	assert.True(t, result.BuyFailed)

	buyOrder, err := store.GetOrder(ctx, buyID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusFailed, buyOrder.Status)

	// The sell order is untouched and still matchable.
	sellOrder, err := store.GetOrder(ctx, sellID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusPending, sellOrder.Status)
	assert.True(t, sellOrder.UnfilledQuantity.Equal(d("10")))

	sellerWallet, err := store.GetWallet(ctx, sellerID)
	require.NoError(t, err)
	assert.True(t, sellerWallet.Balance.IsZero())
}

func TestExecuteP2PRejectsDriftedQuantities(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	engine := NewEngine(store, &stubPrices{}, nil)

	buyerID := seedUser(t, store, d("10000"))
	sellerID := seedUser(t, store, d("0"))
	seedTicker(t, store, "HUMAN-1", types.MarketTypeHuman)

	buyID := seedHumanOrder(t, store, buyerID, types.OrderSideBuy, d("2"), d("100"), time.Minute)
	sellID := seedHumanOrder(t, store, sellerID, types.OrderSideSell, d("10"), d("100"), 0)

	_, err := engine.ExecuteP2P(ctx, buyID, sellID, d("100"), d("5"))
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindConflict))
}
