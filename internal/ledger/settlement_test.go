package ledger

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/papertrade/engine/pkg/errs"
	"github.com/papertrade/engine/pkg/types"
)

// stubPrices is a PriceSource with fixed answers.
type stubPrices struct {
	prices map[string]decimal.Decimal
	book   *types.OrderBookSnapshot
	fee    decimal.Decimal
}

func (s *stubPrices) GetPrice(ctx context.Context, tickerID string) (decimal.Decimal, error) {
	if p, ok := s.prices[tickerID]; ok {
		return p, nil
	}
	return decimal.Zero, errs.New(errs.KindMarketData, "no price for %s", tickerID)
}

func (s *stubPrices) GetOrderBook(ctx context.Context, tickerID string) (*types.OrderBookSnapshot, error) {
	return s.book, nil
}

func (s *stubPrices) FeeRate(ctx context.Context) decimal.Decimal {
	return s.fee
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	store := NewStore(db)
	require.NoError(t, store.AutoMigrate())
	return store
}

func seedUser(t *testing.T, store *Store, balance decimal.Decimal) uuid.UUID {
	t.Helper()
	user := &User{ID: uuid.New(), Username: "trader", IsActive: true}
	require.NoError(t, store.CreateUserWithWallet(context.Background(), user, balance))
	return user.ID
}

func seedTicker(t *testing.T, store *Store, id, marketType string) {
	t.Helper()
	require.NoError(t, store.SaveTicker(context.Background(), &Ticker{
		ID:         id,
		Symbol:     id,
		Name:       id,
		MarketType: marketType,
		Currency:   types.CurrencyKRW,
		IsActive:   true,
	}))
}

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestExecuteTradeBuyFoldsFeeIntoAverage(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	prices := &stubPrices{
		prices: map[string]decimal.Decimal{"AAPL": d("100")},
		fee:    d("0.001"),
	}
	engine := NewEngine(store, prices, nil)

	userID := seedUser(t, store, d("10000"))
	seedTicker(t, store, "AAPL", types.MarketTypeUS)

	result, err := engine.ExecuteTrade(ctx, userID, uuid.New(), "AAPL", types.OrderSideBuy, d("10"), nil)
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusFilled, result.Status)
	assert.True(t, result.Fee.Equal(d("1")))

	wallet, err := store.GetWallet(ctx, userID)
	require.NoError(t, err)
	assert.True(t, wallet.Balance.Equal(d("8999")), "got %s", wallet.Balance)

	portfolio, err := store.GetPortfolio(ctx, userID, "AAPL")
	require.NoError(t, err)
	require.NotNil(t, portfolio)
	assert.True(t, portfolio.Quantity.Equal(d("10")))
	assert.True(t, portfolio.AveragePrice.Equal(d("100.1")), "got %s", portfolio.AveragePrice)
	assert.False(t, result.RealizedPnL.Valid, "opening a long realizes nothing")
}

func TestExecuteTradeSellSwitchesLongToShort(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	prices := &stubPrices{
		prices: map[string]decimal.Decimal{"AAPL": d("100")},
	}
	engine := NewEngine(store, prices, nil)

	userID := seedUser(t, store, d("0"))
	seedTicker(t, store, "AAPL", types.MarketTypeUS)
	require.NoError(t, store.DB().Create(&Portfolio{
		UserID: userID, TickerID: "AAPL", Quantity: d("5"), AveragePrice: d("100"),
	}).Error)

	result, err := engine.ExecuteTrade(ctx, userID, uuid.New(), "AAPL", types.OrderSideSell, d("10"), nil)
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusFilled, result.Status)

	// Closing 5 at entry price: PnL exists and is exactly zero.
	require.True(t, result.RealizedPnL.Valid)
	assert.True(t, result.RealizedPnL.Decimal.IsZero())

	portfolio, err := store.GetPortfolio(ctx, userID, "AAPL")
	require.NoError(t, err)
	require.NotNil(t, portfolio)
	assert.True(t, portfolio.Quantity.Equal(d("-5")))
	assert.True(t, portfolio.AveragePrice.Equal(d("100")), "switch re-bases at the fill price")

	wallet, err := store.GetWallet(ctx, userID)
	require.NoError(t, err)
	assert.True(t, wallet.Balance.Equal(d("1000")))
}

func TestExecuteTradeBuyClosesShortWithPnL(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	prices := &stubPrices{
		prices: map[string]decimal.Decimal{"AAPL": d("90")},
	}
	engine := NewEngine(store, prices, nil)

	userID := seedUser(t, store, d("2000"))
	seedTicker(t, store, "AAPL", types.MarketTypeUS)
	require.NoError(t, store.DB().Create(&Portfolio{
		UserID: userID, TickerID: "AAPL", Quantity: d("-10"), AveragePrice: d("100"),
	}).Error)

	result, err := engine.ExecuteTrade(ctx, userID, uuid.New(), "AAPL", types.OrderSideBuy, d("10"), nil)
	require.NoError(t, err)
	require.True(t, result.RealizedPnL.Valid)
	assert.True(t, result.RealizedPnL.Decimal.Equal(d("100")), "got %s", result.RealizedPnL.Decimal)

	// Flat after the close: the dust rule removes the row.
	portfolio, err := store.GetPortfolio(ctx, userID, "AAPL")
	require.NoError(t, err)
	assert.Nil(t, portfolio)

	wallet, err := store.GetWallet(ctx, userID)
	require.NoError(t, err)
	assert.True(t, wallet.Balance.Equal(d("1100")))
}

func TestExecuteTradeSellExtendsShortAverage(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	prices := &stubPrices{
		prices: map[string]decimal.Decimal{"AAPL": d("110")},
	}
	engine := NewEngine(store, prices, nil)

	userID := seedUser(t, store, d("10000"))
	seedTicker(t, store, "AAPL", types.MarketTypeUS)
	require.NoError(t, store.DB().Create(&Portfolio{
		UserID: userID, TickerID: "AAPL", Quantity: d("-5"), AveragePrice: d("100"),
	}).Error)

	_, err := engine.ExecuteTrade(ctx, userID, uuid.New(), "AAPL", types.OrderSideSell, d("5"), nil)
	require.NoError(t, err)

	portfolio, err := store.GetPortfolio(ctx, userID, "AAPL")
	require.NoError(t, err)
	require.NotNil(t, portfolio)
	assert.True(t, portfolio.Quantity.Equal(d("-10")))
	// (5*100 + 550) / 10
	assert.True(t, portfolio.AveragePrice.Equal(d("105")), "got %s", portfolio.AveragePrice)
}

func TestExecuteTradeInsufficientBalanceFailsOrder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	prices := &stubPrices{
		prices: map[string]decimal.Decimal{"AAPL": d("100")},
		fee:    d("0.001"),
	}
	engine := NewEngine(store, prices, nil)

	userID := seedUser(t, store, d("500"))
	seedTicker(t, store, "AAPL", types.MarketTypeUS)

	orderID := uuid.New()
	result, err := engine.ExecuteTrade(ctx, userID, orderID, "AAPL", types.OrderSideBuy, d("10"), nil)
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusFailed, result.Status)

	// The FAILED row and its reason survive the rolled-back settlement.
	order, err := store.GetOrder(ctx, orderID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusFailed, order.Status)
	assert.Equal(t, "insufficient balance", order.Reason)

	wallet, err := store.GetWallet(ctx, userID)
	require.NoError(t, err)
	assert.True(t, wallet.Balance.Equal(d("500")), "wallet untouched")
}

func TestExecuteTradeMissingPriceFailsOrder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	engine := NewEngine(store, &stubPrices{}, nil)

	userID := seedUser(t, store, d("1000"))
	seedTicker(t, store, "AAPL", types.MarketTypeUS)

	orderID := uuid.New()
	result, err := engine.ExecuteTrade(ctx, userID, orderID, "AAPL", types.OrderSideBuy, d("1"), nil)
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusFailed, result.Status)

	order, err := store.GetOrder(ctx, orderID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusFailed, order.Status)
}

func TestExecuteTradeTerminalOrderIsSkippedCleanly(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	prices := &stubPrices{
		prices: map[string]decimal.Decimal{"AAPL": d("100")},
	}
	engine := NewEngine(store, prices, nil)

	userID := seedUser(t, store, d("10000"))
	seedTicker(t, store, "AAPL", types.MarketTypeUS)

	orderID := uuid.New()
	first, err := engine.ExecuteTrade(ctx, userID, orderID, "AAPL", types.OrderSideBuy, d("1"), nil)
	require.NoError(t, err)
	require.Equal(t, types.OrderStatusFilled, first.Status)

	// A redelivered message finds the FILLED row and settles nothing.
	second, err := engine.ExecuteTrade(ctx, userID, orderID, "AAPL", types.OrderSideBuy, d("1"), nil)
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusCancelled, second.Status)

	wallet, err := store.GetWallet(ctx, userID)
	require.NoError(t, err)
	assert.True(t, wallet.Balance.Equal(d("9900")), "only one debit applied")
}

func TestExecuteTradeHumanTickerHandsOff(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	engine := NewEngine(store, &stubPrices{}, nil)

	userID := seedUser(t, store, d("1000"))
	seedTicker(t, store, "HUMAN-1", types.MarketTypeHuman)

	orderID := uuid.New()
	result, err := engine.ExecuteTrade(ctx, userID, orderID, "HUMAN-1", types.OrderSideBuy, d("3"), nil)
	require.NoError(t, err)
	assert.True(t, result.Handoff)
	assert.Equal(t, types.OrderStatusPending, result.Status)

	order, err := store.GetOrder(ctx, orderID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusPending, order.Status)
	assert.True(t, order.UnfilledQuantity.Equal(d("3")))
}

func TestExecuteTradeUsesVWAPAcrossBook(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	prices := &stubPrices{
		prices: map[string]decimal.Decimal{"AAPL": d("100")},
		book: &types.OrderBookSnapshot{
			TickerID: "AAPL",
			Asks: []types.PriceLevel{
				{Price: d("101"), Quantity: d("5")},
				{Price: d("102"), Quantity: d("5")},
			},
		},
	}
	engine := NewEngine(store, prices, nil)

	userID := seedUser(t, store, d("10000"))
	seedTicker(t, store, "AAPL", types.MarketTypeUS)

	result, err := engine.ExecuteTrade(ctx, userID, uuid.New(), "AAPL", types.OrderSideBuy, d("10"), nil)
	require.NoError(t, err)
	// (101*5 + 102*5) / 10
	assert.True(t, result.Price.Equal(d("101.5")), "got %s", result.Price)
}

func TestExecuteTradeWritesAuditTrail(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	prices := &stubPrices{
		prices: map[string]decimal.Decimal{"AAPL": d("100")},
	}
	engine := NewEngine(store, prices, nil)

	userID := seedUser(t, store, d("10000"))
	seedTicker(t, store, "AAPL", types.MarketTypeUS)

	_, err := engine.ExecuteTrade(ctx, userID, uuid.New(), "AAPL", types.OrderSideBuy, d("2"), nil)
	require.NoError(t, err)

	var walletTxs int64
	require.NoError(t, store.DB().Model(&WalletTx{}).Where("user_id = ?", userID).Count(&walletTxs).Error)
	assert.EqualValues(t, 1, walletTxs, "one wallet write, one wallet_tx")

	var histories int64
	require.NoError(t, store.DB().Model(&PortfolioHistory{}).Where("user_id = ?", userID).Count(&histories).Error)
	assert.EqualValues(t, 1, histories, "one portfolio write, one history row")

	var outbox int64
	require.NoError(t, store.DB().Model(&OutboxEvent{}).Where("published = ?", false).Count(&outbox).Error)
	assert.Greater(t, outbox, int64(2), "audit events plus trade_executed staged")
}

func TestSettleBuyAndSellAreInverse(t *testing.T) {
	// Round trip with zero fee at one price ends flat with zero PnL.
	buy := settleBuy(d("1000"), decimal.Zero, decimal.Zero, d("50"), d("4"), decimal.Zero)
	require.False(t, buy.insufficient)
	sell := settleSell(buy.newQty, buy.newAvg, d("50"), d("4"), decimal.Zero)

	assert.True(t, sell.newQty.IsZero())
	require.True(t, sell.pnl.Valid)
	assert.True(t, sell.pnl.Decimal.IsZero())
	assert.True(t, buy.walletDelta.Add(sell.walletDelta).IsZero())
}
