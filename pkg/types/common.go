package types

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Order sides
const (
	OrderSideBuy  = "BUY"
	OrderSideSell = "SELL"
)

// Order types
const (
	OrderTypeMarket       = "MARKET"
	OrderTypeLimit        = "LIMIT"
	OrderTypeStopLoss     = "STOP_LOSS"
	OrderTypeTakeProfit   = "TAKE_PROFIT"
	OrderTypeStopLimit    = "STOP_LIMIT"
	OrderTypeTrailingStop = "TRAILING_STOP"
)

// Order status
const (
	OrderStatusPending   = "PENDING"
	OrderStatusAccepted  = "ACCEPTED"
	OrderStatusTriggered = "TRIGGERED"
	OrderStatusFilled    = "FILLED"
	OrderStatusCancelled = "CANCELLED"
	OrderStatusFailed    = "FAILED"
)

// Type aliases for readability
type OrderSide = string
type OrderType = string
type OrderStatus = string
type MarketType = string
type Currency = string

// Market types
const (
	MarketTypeKRX    MarketType = "KRX"
	MarketTypeUS     MarketType = "US"
	MarketTypeCrypto MarketType = "CRYPTO"
	MarketTypeHuman  MarketType = "HUMAN"
)

// Currencies
const (
	CurrencyKRW Currency = "KRW"
	CurrencyUSD Currency = "USD"
)

// Candle intervals maintained for HUMAN tickers
const (
	CandleInterval1m = "1m"
	CandleInterval1d = "1d"
)

// Wallet mutation reasons
const (
	ReasonTradeBuy         = "trade:buy"
	ReasonTradeSell        = "trade:sell"
	ReasonLiquidationClose = "liquidation:close"
	ReasonLiquidationReset = "liquidation:reset"
	ReasonDividendWithheld = "dividend:withheld"
)

// Portfolio history actions
const (
	PortfolioActionInsert = "insert"
	PortfolioActionUpdate = "update"
	PortfolioActionDelete = "delete"
)

// DustThreshold is the position magnitude below which a portfolio row is
// flushed to zero and removed.
var DustThreshold = decimal.New(1, -8)

// DefaultFeeRate applies when config:trading_fee_rate is absent.
var DefaultFeeRate = decimal.NewFromFloat(0.001)

// IsConditional reports whether an order type rests in the book waiting for
// a price condition rather than executing immediately.
func IsConditional(orderType OrderType) bool {
	switch orderType {
	case OrderTypeLimit, OrderTypeStopLoss, OrderTypeTakeProfit,
		OrderTypeStopLimit, OrderTypeTrailingStop:
		return true
	}
	return false
}

// IsStopFamily reports whether an order type triggers off stop_price.
func IsStopFamily(orderType OrderType) bool {
	switch orderType {
	case OrderTypeStopLoss, OrderTypeTakeProfit, OrderTypeStopLimit,
		OrderTypeTrailingStop:
		return true
	}
	return false
}

// OrderRequest is a submitted order before validation.
type OrderRequest struct {
	TickerID       string          `json:"ticker_id"`
	Side           OrderSide       `json:"side"`
	Type           OrderType       `json:"type"`
	Quantity       decimal.Decimal `json:"quantity"`
	TargetPrice    decimal.Decimal `json:"target_price,omitempty"`
	StopPrice      decimal.Decimal `json:"stop_price,omitempty"`
	TrailingGap    decimal.Decimal `json:"trailing_gap,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

// SubmitResult is returned to the caller after intake.
type SubmitResult struct {
	OrderID uuid.UUID   `json:"order_id"`
	Status  OrderStatus `json:"status"`
	Message string      `json:"message,omitempty"`
}

// PriceTick is a single price observation for a ticker.
type PriceTick struct {
	TickerID  string          `json:"ticker_id"`
	Price     decimal.Decimal `json:"price"`
	Timestamp time.Time       `json:"timestamp"`
}

// PriceLevel is one level of an order book snapshot.
type PriceLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"qty"`
}

// OrderBookSnapshot is the externally supplied book used for VWAP pricing.
type OrderBookSnapshot struct {
	TickerID string       `json:"ticker_id"`
	Asks     []PriceLevel `json:"asks"`
	Bids     []PriceLevel `json:"bids"`
}
