package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// User is a platform participant. HUMAN tickers reference their issuer.
type User struct {
	ID              uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	Username        string          `gorm:"size:64" json:"username"`
	IsActive        bool            `json:"is_active"`
	IsBankrupt      bool            `json:"is_bankrupt"`
	BankruptcyCount int             `json:"bankruptcy_count"`
	DividendRate    decimal.Decimal `gorm:"type:numeric(20,8)" json:"dividend_rate"`
	CreatedAt       time.Time       `json:"created_at"`
}

// Ticker is a tradable instrument.
type Ticker struct {
	ID         string     `gorm:"primaryKey;size:64" json:"id"`
	Symbol     string     `gorm:"size:32" json:"symbol"`
	Name       string     `gorm:"size:128" json:"name"`
	MarketType string     `gorm:"size:16;index" json:"market_type"`
	Currency   string     `gorm:"size:8" json:"currency"`
	IsActive   bool       `json:"is_active"`
	IssuerID   *uuid.UUID `gorm:"type:uuid;index" json:"issuer_id,omitempty"`
}

// Wallet holds one user's cash balance. Created once, never deleted.
type Wallet struct {
	UserID    uuid.UUID       `gorm:"type:uuid;primaryKey" json:"user_id"`
	Balance   decimal.Decimal `gorm:"type:numeric(20,8)" json:"balance"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Portfolio is one user's signed position in one ticker. Positive
// quantity is long with acquisition cost per unit; negative is short with
// entry credit per unit. Rows at or below the dust threshold are removed.
type Portfolio struct {
	UserID       uuid.UUID       `gorm:"type:uuid;primaryKey" json:"user_id"`
	TickerID     string          `gorm:"primaryKey;size:64" json:"ticker_id"`
	Quantity     decimal.Decimal `gorm:"type:numeric(20,8)" json:"quantity"`
	AveragePrice decimal.Decimal `gorm:"type:numeric(20,8)" json:"average_price"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Order is a submitted order. Identity fields never change after intake;
// stop_price and type move for trailing stops and stop-limit promotion.
type Order struct {
	ID               uuid.UUID           `gorm:"type:uuid;primaryKey" json:"id"`
	UserID           uuid.UUID           `gorm:"type:uuid;index" json:"user_id"`
	TickerID         string              `gorm:"size:64;index:idx_orders_ticker_status" json:"ticker_id"`
	Side             string              `gorm:"size:8" json:"side"`
	Type             string              `gorm:"size:16" json:"type"`
	Status           string              `gorm:"size:16;index:idx_orders_ticker_status" json:"status"`
	Quantity         decimal.Decimal     `gorm:"type:numeric(20,8)" json:"quantity"`
	UnfilledQuantity decimal.Decimal     `gorm:"type:numeric(20,8)" json:"unfilled_quantity"`
	TargetPrice      decimal.NullDecimal `gorm:"type:numeric(20,8)" json:"target_price,omitempty"`
	StopPrice        decimal.NullDecimal `gorm:"type:numeric(20,8)" json:"stop_price,omitempty"`
	TrailingGap      decimal.NullDecimal `gorm:"type:numeric(20,8)" json:"trailing_gap,omitempty"`
	HighWaterMark    decimal.NullDecimal `gorm:"type:numeric(20,8)" json:"high_water_mark,omitempty"`
	Price            decimal.NullDecimal `gorm:"type:numeric(20,8)" json:"price,omitempty"`
	Fee              decimal.NullDecimal `gorm:"type:numeric(20,8)" json:"fee,omitempty"`
	RealizedPnL      decimal.NullDecimal `gorm:"type:numeric(20,8);column:realized_pnl" json:"realized_pnl,omitempty"`
	Reason           string              `gorm:"size:256" json:"reason,omitempty"`
	CreatedAt        time.Time           `gorm:"index" json:"created_at"`
	UpdatedAt        time.Time           `json:"updated_at"`
	FilledAt         *time.Time          `json:"filled_at,omitempty"`
	CancelledAt      *time.Time          `json:"cancelled_at,omitempty"`
}

// WalletTx is the append-only pre/post image of one wallet write.
type WalletTx struct {
	ID          uint            `gorm:"primaryKey" json:"id"`
	UserID      uuid.UUID       `gorm:"type:uuid;index" json:"user_id"`
	PrevBalance decimal.Decimal `gorm:"type:numeric(20,8)" json:"prev_balance"`
	NewBalance  decimal.Decimal `gorm:"type:numeric(20,8)" json:"new_balance"`
	Amount      decimal.Decimal `gorm:"type:numeric(20,8)" json:"amount"`
	Reason      string          `gorm:"size:64" json:"reason"`
	CreatedAt   time.Time       `json:"created_at"`
}

// PortfolioHistory is the append-only record of one portfolio mutation.
type PortfolioHistory struct {
	ID           uint            `gorm:"primaryKey" json:"id"`
	UserID       uuid.UUID       `gorm:"type:uuid;index" json:"user_id"`
	TickerID     string          `gorm:"size:64" json:"ticker_id"`
	Action       string          `gorm:"size:16" json:"action"`
	PrevQuantity decimal.Decimal `gorm:"type:numeric(20,8)" json:"prev_quantity"`
	NewQuantity  decimal.Decimal `gorm:"type:numeric(20,8)" json:"new_quantity"`
	PrevAvgPrice decimal.Decimal `gorm:"type:numeric(20,8)" json:"prev_avg_price"`
	NewAvgPrice  decimal.Decimal `gorm:"type:numeric(20,8)" json:"new_avg_price"`
	Reason       string          `gorm:"size:64" json:"reason"`
	CreatedAt    time.Time       `json:"created_at"`
}

// OrderStatusHistory is the append-only record of one status transition.
type OrderStatusHistory struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	OrderID    uuid.UUID `gorm:"type:uuid;index" json:"order_id"`
	PrevStatus string    `gorm:"size:16" json:"prev_status"`
	NewStatus  string    `gorm:"size:16" json:"new_status"`
	Reason     string    `gorm:"size:256" json:"reason"`
	CreatedAt  time.Time `json:"created_at"`
}

// OutboxEvent is a pending bus publication written in the same
// transaction as the state change it describes.
type OutboxEvent struct {
	ID          uint       `gorm:"primaryKey" json:"id"`
	Subject     string     `gorm:"size:128" json:"subject"`
	Payload     []byte     `json:"payload"`
	Published   bool       `gorm:"index" json:"published"`
	CreatedAt   time.Time  `json:"created_at"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
}

// Candle is an OHLCV bucket maintained for HUMAN tickers.
type Candle struct {
	ID          uint            `gorm:"primaryKey" json:"id"`
	TickerID    string          `gorm:"size:64;uniqueIndex:idx_candle_bucket" json:"ticker_id"`
	Interval    string          `gorm:"size:8;uniqueIndex:idx_candle_bucket" json:"interval"`
	BucketStart time.Time       `gorm:"uniqueIndex:idx_candle_bucket" json:"bucket_start"`
	Open        decimal.Decimal `gorm:"type:numeric(20,8)" json:"open"`
	High        decimal.Decimal `gorm:"type:numeric(20,8)" json:"high"`
	Low         decimal.Decimal `gorm:"type:numeric(20,8)" json:"low"`
	Close       decimal.Decimal `gorm:"type:numeric(20,8)" json:"close"`
	Volume      decimal.Decimal `gorm:"type:numeric(20,8)" json:"volume"`
	UpdatedAt   time.Time       `json:"updated_at"`
}
