// Package pricestore reads and writes the hot market-data keys in Redis:
// current price, order-book snapshot and the trading fee rate. Writers
// publish a tick on the bus so matchers react without polling.
package pricestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/papertrade/engine/pkg/errs"
	"github.com/papertrade/engine/pkg/types"
)

// Redis key layout
const (
	priceKeyPrefix     = "price:"
	orderBookKeyPrefix = "orderbook:"
	feeRateKey         = "config:trading_fee_rate"
	lockKeyPrefix      = "lock:"
)

// TickPublisher fans a price change out to subscribers.
type TickPublisher interface {
	PublishPriceTick(tick *types.PriceTick) error
}

// Store is the Redis-backed price store.
type Store struct {
	rdb       *redis.Client
	publisher TickPublisher
	logger    *logrus.Entry
}

// NewStore creates a price store. publisher may be nil for read-only users.
func NewStore(rdb *redis.Client, publisher TickPublisher) *Store {
	return &Store{
		rdb:       rdb,
		publisher: publisher,
		logger:    logrus.WithField("component", "pricestore"),
	}
}

// GetPrice returns the current price for a ticker. A missing key yields a
// MARKET_PRICE_NOT_FOUND error.
func (s *Store) GetPrice(ctx context.Context, tickerID string) (decimal.Decimal, error) {
	raw, err := s.rdb.Get(ctx, priceKeyPrefix+tickerID).Result()
	if errors.Is(err, redis.Nil) {
		return decimal.Zero, errs.New(errs.KindMarketData, "no market price for %s", tickerID)
	}
	if err != nil {
		return decimal.Zero, errs.Wrap(err, "failed to read price for %s", tickerID)
	}

	var tick types.PriceTick
	if err := json.Unmarshal([]byte(raw), &tick); err != nil {
		return decimal.Zero, errs.Wrap(err, "failed to decode price for %s", tickerID)
	}
	return tick.Price, nil
}

// SetPrice stores the current price and publishes a tick.
func (s *Store) SetPrice(ctx context.Context, tickerID string, price decimal.Decimal) error {
	tick := &types.PriceTick{
		TickerID:  tickerID,
		Price:     price,
		Timestamp: time.Now().UTC(),
	}
	data, err := json.Marshal(tick)
	if err != nil {
		return fmt.Errorf("failed to marshal tick: %w", err)
	}

	if err := s.rdb.Set(ctx, priceKeyPrefix+tickerID, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to store price for %s: %w", tickerID, err)
	}

	if s.publisher != nil {
		if err := s.publisher.PublishPriceTick(tick); err != nil {
			// Matchers fall back to the stored key; a dropped tick delays
			// triggers until the next one.
			s.logger.Errorf("Tick publish failed for %s: %v", tickerID, err)
		}
	}
	return nil
}

// GetOrderBook returns the book snapshot for a ticker, or nil when absent.
func (s *Store) GetOrderBook(ctx context.Context, tickerID string) (*types.OrderBookSnapshot, error) {
	raw, err := s.rdb.Get(ctx, orderBookKeyPrefix+tickerID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read order book for %s: %w", tickerID, err)
	}

	var book types.OrderBookSnapshot
	if err := json.Unmarshal([]byte(raw), &book); err != nil {
		return nil, fmt.Errorf("failed to decode order book for %s: %w", tickerID, err)
	}
	return &book, nil
}

// FeeRate returns config:trading_fee_rate, defaulting to 0.001.
func (s *Store) FeeRate(ctx context.Context) decimal.Decimal {
	raw, err := s.rdb.Get(ctx, feeRateKey).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.logger.Errorf("Fee rate lookup failed, using default: %v", err)
		}
		return types.DefaultFeeRate
	}

	rate, err := decimal.NewFromString(raw)
	if err != nil || rate.IsNegative() {
		s.logger.Errorf("Malformed fee rate %q, using default", raw)
		return types.DefaultFeeRate
	}
	return rate
}

// AcquireLock takes a short-TTL distributed lock. It returns false when
// another holder already owns the key.
func (s *Store) AcquireLock(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, lockKeyPrefix+name, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", name, err)
	}
	return ok, nil
}

// ReleaseLock drops a held lock early; expiry also releases it.
func (s *Store) ReleaseLock(ctx context.Context, name string) {
	if err := s.rdb.Del(ctx, lockKeyPrefix+name).Err(); err != nil {
		s.logger.Errorf("Failed to release lock %s: %v", name, err)
	}
}
