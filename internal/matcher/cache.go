package matcher

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/papertrade/engine/internal/ledger"
	"github.com/papertrade/engine/pkg/types"
)

// Cache index groups. Limit orders score by target price, the stop
// family scores by stop price.
const (
	groupLimit = "limit"
	groupStop  = "stop"
)

// Locker is the short-TTL distributed lock used for lazy hydration.
type Locker interface {
	AcquireLock(ctx context.Context, name string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, name string)
}

// Cache mirrors PENDING conditional orders into Redis sorted sets so a
// tick scans candidates by score instead of sweeping the ledger. Scores
// are advisory float64; every trigger re-verifies against the ledger row.
type Cache struct {
	rdb     *redis.Client
	store   *ledger.Store
	locker  Locker
	lockTTL time.Duration
	logger  *logrus.Entry
}

// NewCache creates the order-book cache.
func NewCache(rdb *redis.Client, store *ledger.Store, locker Locker, lockTTL time.Duration) *Cache {
	if lockTTL <= 0 {
		lockTTL = 5 * time.Second
	}
	return &Cache{
		rdb:     rdb,
		store:   store,
		locker:  locker,
		lockTTL: lockTTL,
		logger:  logrus.WithField("component", "orderbook-cache"),
	}
}

// Entry is one indexed conditional order.
type Entry struct {
	OrderID   uuid.UUID
	TickerID  string
	Side      types.OrderSide
	Type      types.OrderType
	CreatedAt time.Time
}

func indexKey(tickerID, group, side string) string {
	return fmt.Sprintf("book:%s:%s:%s", tickerID, group, side)
}

func trailingKey(tickerID string) string {
	return fmt.Sprintf("book:%s:trailing", tickerID)
}

func attrKey(orderID uuid.UUID) string {
	return fmt.Sprintf("bookorder:%s", orderID)
}

func hydratedKey(tickerID string) string {
	return fmt.Sprintf("bookloaded:%s", tickerID)
}

// groupOf maps an order type to its index group.
func groupOf(orderType types.OrderType) string {
	if orderType == types.OrderTypeLimit {
		return groupLimit
	}
	return groupStop
}

// scoreOf returns the index score for an order: target price for limits,
// stop price for the stop family.
func scoreOf(order *ledger.Order) (float64, bool) {
	if order.Type == types.OrderTypeLimit {
		if !order.TargetPrice.Valid {
			return 0, false
		}
		return order.TargetPrice.Decimal.InexactFloat64(), true
	}
	if !order.StopPrice.Valid {
		return 0, false
	}
	return order.StopPrice.Decimal.InexactFloat64(), true
}

// Add indexes a PENDING conditional order.
func (c *Cache) Add(ctx context.Context, order *ledger.Order) error {
	score, ok := scoreOf(order)
	if !ok {
		return fmt.Errorf("order %s has no trigger price", order.ID)
	}

	pipe := c.rdb.TxPipeline()
	pipe.ZAdd(ctx, indexKey(order.TickerID, groupOf(order.Type), order.Side), redis.Z{
		Score:  score,
		Member: order.ID.String(),
	})
	pipe.HSet(ctx, attrKey(order.ID), map[string]interface{}{
		"ticker":     order.TickerID,
		"side":       order.Side,
		"type":       order.Type,
		"created_at": order.CreatedAt.UnixNano(),
	})
	if order.Type == types.OrderTypeTrailingStop {
		pipe.SAdd(ctx, trailingKey(order.TickerID), order.ID.String())
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to index order %s: %w", order.ID, err)
	}
	return nil
}

// Remove drops an order from every index it may occupy.
func (c *Cache) Remove(ctx context.Context, tickerID string, orderID uuid.UUID) error {
	member := orderID.String()
	pipe := c.rdb.TxPipeline()
	for _, group := range []string{groupLimit, groupStop} {
		for _, side := range []string{types.OrderSideBuy, types.OrderSideSell} {
			pipe.ZRem(ctx, indexKey(tickerID, group, side), member)
		}
	}
	pipe.SRem(ctx, trailingKey(tickerID), member)
	pipe.Del(ctx, attrKey(orderID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to remove order %s from cache: %w", orderID, err)
	}
	return nil
}

// Rescore moves an order to a new trigger score within its group.
func (c *Cache) Rescore(ctx context.Context, order *ledger.Order) error {
	score, ok := scoreOf(order)
	if !ok {
		return fmt.Errorf("order %s has no trigger price", order.ID)
	}
	err := c.rdb.ZAdd(ctx, indexKey(order.TickerID, groupOf(order.Type), order.Side), redis.Z{
		Score:  score,
		Member: order.ID.String(),
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to rescore order %s: %w", order.ID, err)
	}
	return nil
}

// Promote re-indexes a promoted stop-limit under the limit group at its
// target price.
func (c *Cache) Promote(ctx context.Context, order *ledger.Order) error {
	if !order.TargetPrice.Valid {
		return fmt.Errorf("order %s has no target price", order.ID)
	}
	member := order.ID.String()
	pipe := c.rdb.TxPipeline()
	pipe.ZRem(ctx, indexKey(order.TickerID, groupStop, order.Side), member)
	pipe.ZAdd(ctx, indexKey(order.TickerID, groupLimit, order.Side), redis.Z{
		Score:  order.TargetPrice.Decimal.InexactFloat64(),
		Member: member,
	})
	pipe.HSet(ctx, attrKey(order.ID), "type", types.OrderTypeLimit)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to promote order %s in cache: %w", order.ID, err)
	}
	return nil
}

// EnsureHydrated lazily loads a ticker's PENDING conditionals exactly
// once, guarded by a short-TTL distributed lock.
func (c *Cache) EnsureHydrated(ctx context.Context, tickerID string) error {
	loaded, err := c.rdb.Exists(ctx, hydratedKey(tickerID)).Result()
	if err != nil {
		return fmt.Errorf("failed to check hydration for %s: %w", tickerID, err)
	}
	if loaded > 0 {
		return nil
	}

	lockName := "hydrate:" + tickerID
	ok, err := c.locker.AcquireLock(ctx, lockName, c.lockTTL)
	if err != nil {
		return err
	}
	if !ok {
		// Another instance is hydrating; this tick works with what exists.
		return nil
	}
	defer c.locker.ReleaseLock(ctx, lockName)

	orders, err := c.store.PendingConditionals(ctx, tickerID)
	if err != nil {
		return err
	}
	for i := range orders {
		if err := c.Add(ctx, &orders[i]); err != nil {
			return err
		}
	}
	if err := c.rdb.Set(ctx, hydratedKey(tickerID), 1, 0).Err(); err != nil {
		return fmt.Errorf("failed to mark %s hydrated: %w", tickerID, err)
	}

	c.logger.Infof("Hydrated %d conditional orders for %s", len(orders), tickerID)
	return nil
}

// Candidates returns every indexed order whose trigger condition can be
// satisfied at cur, across all four groups, oldest first.
func (c *Cache) Candidates(ctx context.Context, tickerID string, cur decimal.Decimal) ([]Entry, error) {
	price := strconv.FormatFloat(cur.InexactFloat64(), 'f', -1, 64)

	ranges := []struct {
		group, side, min, max string
	}{
		{groupLimit, types.OrderSideBuy, price, "+inf"},  // target >= cur
		{groupLimit, types.OrderSideSell, "-inf", price}, // target <= cur
		{groupStop, types.OrderSideBuy, "-inf", price},   // stop <= cur
		{groupStop, types.OrderSideSell, price, "+inf"},  // stop >= cur
	}

	var entries []Entry
	for _, r := range ranges {
		members, err := c.rdb.ZRangeByScore(ctx, indexKey(tickerID, r.group, r.side), &redis.ZRangeBy{
			Min: r.min,
			Max: r.max,
		}).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s/%s candidates for %s: %w", r.group, r.side, tickerID, err)
		}
		for _, member := range members {
			entry, err := c.loadEntry(ctx, tickerID, member)
			if err != nil {
				c.logger.Debugf("Skipping stale cache member %s: %v", member, err)
				continue
			}
			entries = append(entries, entry)
		}
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
	return entries, nil
}

// TrailingIDs returns the trailing stops resting on a ticker.
func (c *Cache) TrailingIDs(ctx context.Context, tickerID string) ([]uuid.UUID, error) {
	members, err := c.rdb.SMembers(ctx, trailingKey(tickerID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list trailing stops for %s: %w", tickerID, err)
	}
	ids := make([]uuid.UUID, 0, len(members))
	for _, m := range members {
		id, err := uuid.Parse(m)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (c *Cache) loadEntry(ctx context.Context, tickerID, member string) (Entry, error) {
	id, err := uuid.Parse(member)
	if err != nil {
		return Entry{}, fmt.Errorf("malformed member %q", member)
	}
	attrs, err := c.rdb.HGetAll(ctx, attrKey(id)).Result()
	if err != nil {
		return Entry{}, err
	}
	if len(attrs) == 0 {
		return Entry{}, fmt.Errorf("no attributes for %s", member)
	}
	nanos, err := strconv.ParseInt(attrs["created_at"], 10, 64)
	if err != nil {
		return Entry{}, fmt.Errorf("malformed created_at for %s", member)
	}
	return Entry{
		OrderID:   id,
		TickerID:  tickerID,
		Side:      attrs["side"],
		Type:      attrs["type"],
		CreatedAt: time.Unix(0, nanos),
	}, nil
}
