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

func pendingOrder(userID uuid.UUID, orderType types.OrderType) *Order {
	o := &Order{
		ID:               uuid.New(),
		UserID:           userID,
		TickerID:         "AAPL",
		Side:             types.OrderSideSell,
		Type:             orderType,
		Status:           types.OrderStatusPending,
		Quantity:         d("5"),
		UnfilledQuantity: d("5"),
		CreatedAt:        time.Now().UTC(),
	}
	switch orderType {
	case types.OrderTypeLimit:
		o.TargetPrice = decimal.NullDecimal{Decimal: d("120"), Valid: true}
	case types.OrderTypeStopLimit:
		o.TargetPrice = decimal.NullDecimal{Decimal: d("95"), Valid: true}
		o.StopPrice = decimal.NullDecimal{Decimal: d("100"), Valid: true}
	case types.OrderTypeTrailingStop:
		o.TrailingGap = decimal.NullDecimal{Decimal: d("5"), Valid: true}
		o.StopPrice = decimal.NullDecimal{Decimal: d("95"), Valid: true}
		o.HighWaterMark = decimal.NullDecimal{Decimal: d("100"), Valid: true}
	}
	return o
}

func TestCreateConditionalOrderStagesEvents(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	userID := seedUser(t, store, d("1000"))

	order := pendingOrder(userID, types.OrderTypeLimit)
	require.NoError(t, store.CreateConditionalOrder(ctx, order))

	loaded, err := store.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusPending, loaded.Status)

	var history int64
	require.NoError(t, store.DB().Model(&OrderStatusHistory{}).
		Where("order_id = ?", order.ID).Count(&history).Error)
	assert.EqualValues(t, 1, history)

	var outbox int64
	require.NoError(t, store.DB().Model(&OutboxEvent{}).Count(&outbox).Error)
	assert.EqualValues(t, 2, outbox, "audit row plus order_created event")
}

func TestCancelOrder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	userID := seedUser(t, store, d("1000"))
	otherID := seedUser(t, store, d("1000"))

	order := pendingOrder(userID, types.OrderTypeLimit)
	require.NoError(t, store.CreateConditionalOrder(ctx, order))

	_, err := store.CancelOrder(ctx, otherID, order.ID)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindPermission))

	cancelled, err := store.CancelOrder(ctx, userID, order.ID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusCancelled, cancelled.Status)
	assert.NotNil(t, cancelled.CancelledAt)

	// A second cancel loses the status check.
	_, err = store.CancelOrder(ctx, userID, order.ID)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindConflict))
}

func TestPromoteStopLimitKeepsOrderPending(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	userID := seedUser(t, store, d("1000"))

	order := pendingOrder(userID, types.OrderTypeStopLimit)
	require.NoError(t, store.CreateConditionalOrder(ctx, order))

	promoted, err := store.PromoteStopLimit(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderTypeLimit, promoted.Type)
	assert.Equal(t, types.OrderStatusPending, promoted.Status, "limit leg waits for its own condition")
	assert.True(t, promoted.TargetPrice.Decimal.Equal(d("95")))

	// Promotion is one-shot.
	_, err = store.PromoteStopLimit(ctx, order.ID)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindConflict))
}

func TestUpdateTrailingStop(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	userID := seedUser(t, store, d("1000"))

	order := pendingOrder(userID, types.OrderTypeTrailingStop)
	require.NoError(t, store.CreateConditionalOrder(ctx, order))

	updated, err := store.UpdateTrailingStop(ctx, order.ID, d("105"), d("110"))
	require.NoError(t, err)
	assert.True(t, updated.StopPrice.Decimal.Equal(d("105")))
	assert.True(t, updated.HighWaterMark.Decimal.Equal(d("110")))

	// Ratcheting is not a status transition; no extra history rows.
	var history int64
	require.NoError(t, store.DB().Model(&OrderStatusHistory{}).
		Where("order_id = ?", order.ID).Count(&history).Error)
	assert.EqualValues(t, 1, history)
}
