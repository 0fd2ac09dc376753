package matcher

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/papertrade/engine/internal/ledger"
	"github.com/papertrade/engine/pkg/types"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func conditional(side types.OrderSide, orderType types.OrderType, target, stop string) *ledger.Order {
	o := &ledger.Order{
		Side:   side,
		Type:   orderType,
		Status: types.OrderStatusPending,
	}
	if target != "" {
		o.TargetPrice = decimal.NullDecimal{Decimal: d(target), Valid: true}
	}
	if stop != "" {
		o.StopPrice = decimal.NullDecimal{Decimal: d(stop), Valid: true}
	}
	return o
}

func TestConditionMet(t *testing.T) {
	tests := []struct {
		name  string
		order *ledger.Order
		cur   string
		want  bool
	}{
		{"limit buy at or below target", conditional(types.OrderSideBuy, types.OrderTypeLimit, "110", ""), "110", true},
		{"limit buy below target", conditional(types.OrderSideBuy, types.OrderTypeLimit, "110", ""), "90", true},
		{"limit buy above target", conditional(types.OrderSideBuy, types.OrderTypeLimit, "110", ""), "111", false},
		{"limit sell at or above target", conditional(types.OrderSideSell, types.OrderTypeLimit, "120", ""), "120", true},
		{"limit sell below target", conditional(types.OrderSideSell, types.OrderTypeLimit, "120", ""), "119", false},
		{"stop buy at or above stop", conditional(types.OrderSideBuy, types.OrderTypeStopLoss, "", "105"), "105", true},
		{"stop buy below stop", conditional(types.OrderSideBuy, types.OrderTypeStopLoss, "", "105"), "104", false},
		{"stop sell at or below stop", conditional(types.OrderSideSell, types.OrderTypeTakeProfit, "", "95"), "95", true},
		{"stop sell above stop", conditional(types.OrderSideSell, types.OrderTypeTakeProfit, "", "95"), "96", false},
		{"stop-limit triggers off stop", conditional(types.OrderSideSell, types.OrderTypeStopLimit, "94", "95"), "95", true},
		{"trailing sell at stop", conditional(types.OrderSideSell, types.OrderTypeTrailingStop, "", "95"), "95", true},
		{"missing trigger price", conditional(types.OrderSideBuy, types.OrderTypeLimit, "", ""), "100", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ConditionMet(tt.order, d(tt.cur)))
		})
	}
}

func TestTrailingAdjustmentSellRatchetsUpOnly(t *testing.T) {
	order := conditional(types.OrderSideSell, types.OrderTypeTrailingStop, "", "95")
	order.TrailingGap = decimal.NullDecimal{Decimal: d("5"), Valid: true}

	// Price rallies: the stop follows at the gap.
	newStop, improved := TrailingAdjustment(order, d("110"))
	assert.True(t, improved)
	assert.True(t, newStop.Equal(d("105")))

	// Price falls back: the stop holds.
	order.StopPrice = decimal.NullDecimal{Decimal: d("105"), Valid: true}
	_, improved = TrailingAdjustment(order, d("100"))
	assert.False(t, improved)
}

func TestTrailingAdjustmentBuyRatchetsDownOnly(t *testing.T) {
	order := conditional(types.OrderSideBuy, types.OrderTypeTrailingStop, "", "105")
	order.TrailingGap = decimal.NullDecimal{Decimal: d("5"), Valid: true}

	newStop, improved := TrailingAdjustment(order, d("90"))
	assert.True(t, improved)
	assert.True(t, newStop.Equal(d("95")))

	order.StopPrice = decimal.NullDecimal{Decimal: d("95"), Valid: true}
	_, improved = TrailingAdjustment(order, d("100"))
	assert.False(t, improved)
}

func TestScoreOfUsesTriggerPrice(t *testing.T) {
	limit := conditional(types.OrderSideBuy, types.OrderTypeLimit, "110", "")
	score, ok := scoreOf(limit)
	assert.True(t, ok)
	assert.Equal(t, 110.0, score)

	stop := conditional(types.OrderSideSell, types.OrderTypeStopLoss, "", "95")
	score, ok = scoreOf(stop)
	assert.True(t, ok)
	assert.Equal(t, 95.0, score)

	bare := conditional(types.OrderSideSell, types.OrderTypeStopLoss, "", "")
	_, ok = scoreOf(bare)
	assert.False(t, ok)
}

func TestGroupOf(t *testing.T) {
	assert.Equal(t, groupLimit, groupOf(types.OrderTypeLimit))
	assert.Equal(t, groupStop, groupOf(types.OrderTypeStopLoss))
	assert.Equal(t, groupStop, groupOf(types.OrderTypeStopLimit))
	assert.Equal(t, groupStop, groupOf(types.OrderTypeTrailingStop))
}
