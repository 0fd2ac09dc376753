package types

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Event type discriminators carried on the trade/human/liquidation channels.
const (
	EventTradeExecuted    = "trade_executed"
	EventOrderCreated     = "order_created"
	EventOrderCancelled   = "order_cancelled"
	EventLiquidation      = "liquidation"
	EventIPOListed        = "ipo_listed"
	EventDividendPaid     = "dividend_paid"
	EventBailoutProcessed = "bailout_processed"
)

// Audit event kinds drained through the outbox.
const (
	AuditWalletTx           = "wallet_tx"
	AuditPortfolioHistory   = "portfolio_history"
	AuditOrderStatusHistory = "order_status_history"
)

// TradeMessage is the durable queue payload for an accepted market order.
type TradeMessage struct {
	OrderID  uuid.UUID       `json:"order_id"`
	UserID   uuid.UUID       `json:"user_id"`
	TickerID string          `json:"ticker_id"`
	Side     OrderSide       `json:"side"`
	Quantity decimal.Decimal `json:"quantity"`
}

// TradeEvent reports an order lifecycle transition on the trade channel.
type TradeEvent struct {
	Type        string              `json:"type"`
	UserID      uuid.UUID           `json:"user_id"`
	OrderID     uuid.UUID           `json:"order_id"`
	TickerID    string              `json:"ticker_id"`
	Side        OrderSide           `json:"side"`
	Quantity    decimal.Decimal     `json:"quantity"`
	Price       decimal.Decimal     `json:"price,omitempty"`
	Fee         decimal.Decimal     `json:"fee,omitempty"`
	RealizedPnL decimal.NullDecimal `json:"realized_pnl,omitempty"`
	Status      OrderStatus         `json:"status"`
	Timestamp   time.Time           `json:"timestamp"`
}

// LiquidationEvent reports a forced close of a user's entire portfolio.
type LiquidationEvent struct {
	UserID    uuid.UUID       `json:"user_id"`
	TickerID  string          `json:"ticker_id"`
	Equity    decimal.Decimal `json:"equity"`
	Liability decimal.Decimal `json:"liability"`
	Timestamp time.Time       `json:"timestamp"`
}

// WalletTxEvent is the audit pre/post image of one wallet write.
type WalletTxEvent struct {
	UserID      uuid.UUID       `json:"user_id"`
	PrevBalance decimal.Decimal `json:"prev_balance"`
	NewBalance  decimal.Decimal `json:"new_balance"`
	Amount      decimal.Decimal `json:"amount"`
	Reason      string          `json:"reason"`
	Timestamp   time.Time       `json:"timestamp"`
}

// PortfolioHistoryEvent is the audit pre/post image of one portfolio write.
type PortfolioHistoryEvent struct {
	UserID       uuid.UUID       `json:"user_id"`
	TickerID     string          `json:"ticker_id"`
	Action       string          `json:"action"`
	PrevQuantity decimal.Decimal `json:"prev_quantity"`
	NewQuantity  decimal.Decimal `json:"new_quantity"`
	PrevAvgPrice decimal.Decimal `json:"prev_avg_price"`
	NewAvgPrice  decimal.Decimal `json:"new_avg_price"`
	Reason       string          `json:"reason"`
	Timestamp    time.Time       `json:"timestamp"`
}

// OrderStatusEvent is the audit record of one order status transition.
type OrderStatusEvent struct {
	OrderID    uuid.UUID   `json:"order_id"`
	PrevStatus OrderStatus `json:"prev_status"`
	NewStatus  OrderStatus `json:"new_status"`
	Reason     string      `json:"reason"`
	Timestamp  time.Time   `json:"timestamp"`
}
