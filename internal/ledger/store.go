package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/papertrade/engine/pkg/bus"
	"github.com/papertrade/engine/pkg/errs"
	"github.com/papertrade/engine/pkg/types"
)

// Store is the authoritative ledger: wallets, portfolios, orders, audit
// rows and the transactional outbox.
type Store struct {
	db     *gorm.DB
	logger *logrus.Entry
}

// NewStore wraps a gorm handle.
func NewStore(db *gorm.DB) *Store {
	return &Store{
		db:     db,
		logger: logrus.WithField("component", "ledger"),
	}
}

// AutoMigrate creates the ledger schema.
func (s *Store) AutoMigrate() error {
	return s.db.AutoMigrate(
		&User{}, &Ticker{}, &Wallet{}, &Portfolio{}, &Order{},
		&WalletTx{}, &PortfolioHistory{}, &OrderStatusHistory{},
		&OutboxEvent{}, &Candle{},
	)
}

// DB exposes the underlying handle for transaction scoping.
func (s *Store) DB() *gorm.DB { return s.db }

// forUpdate adds a row lock where the dialect supports it. SQLite (tests)
// serializes writers at the database level instead.
func forUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "sqlite" {
		return tx
	}
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}

// --- Plain reads (intake snapshots, watchers) ---

// GetUser returns a user by id.
func (s *Store) GetUser(ctx context.Context, id uuid.UUID) (*User, error) {
	var u User
	if err := s.db.WithContext(ctx).First(&u, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.New(errs.KindNotFound, "user %s not found", id)
		}
		return nil, errs.Wrap(err, "failed to load user %s", id)
	}
	return &u, nil
}

// GetTicker returns a ticker by id.
func (s *Store) GetTicker(ctx context.Context, id string) (*Ticker, error) {
	var t Ticker
	if err := s.db.WithContext(ctx).First(&t, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.New(errs.KindNotFound, "ticker %s not found", id)
		}
		return nil, errs.Wrap(err, "failed to load ticker %s", id)
	}
	return &t, nil
}

// GetWallet returns a user's wallet.
func (s *Store) GetWallet(ctx context.Context, userID uuid.UUID) (*Wallet, error) {
	var w Wallet
	if err := s.db.WithContext(ctx).First(&w, "user_id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.New(errs.KindNotFound, "wallet for user %s not found", userID)
		}
		return nil, errs.Wrap(err, "failed to load wallet for %s", userID)
	}
	return &w, nil
}

// GetPortfolio returns a position row, or nil when the user holds none.
func (s *Store) GetPortfolio(ctx context.Context, userID uuid.UUID, tickerID string) (*Portfolio, error) {
	var p Portfolio
	err := s.db.WithContext(ctx).
		First(&p, "user_id = ? AND ticker_id = ?", userID, tickerID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Wrap(err, "failed to load portfolio %s/%s", userID, tickerID)
	}
	return &p, nil
}

// GetOrder returns an order by id.
func (s *Store) GetOrder(ctx context.Context, id uuid.UUID) (*Order, error) {
	var o Order
	if err := s.db.WithContext(ctx).First(&o, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.New(errs.KindNotFound, "order %s not found", id)
		}
		return nil, errs.Wrap(err, "failed to load order %s", id)
	}
	return &o, nil
}

// PendingConditionals returns PENDING non-market orders for a ticker in
// creation order. The order-book cache hydrates from this.
func (s *Store) PendingConditionals(ctx context.Context, tickerID string) ([]Order, error) {
	var orders []Order
	err := s.db.WithContext(ctx).
		Where("ticker_id = ? AND status = ? AND type <> ?",
			tickerID, types.OrderStatusPending, types.OrderTypeMarket).
		Order("created_at ASC").
		Find(&orders).Error
	if err != nil {
		return nil, errs.Wrap(err, "failed to load pending conditionals for %s", tickerID)
	}
	return orders, nil
}

// PendingHumanOrders returns every PENDING order resting on a HUMAN ticker.
func (s *Store) PendingHumanOrders(ctx context.Context, tickerID string) ([]Order, error) {
	var orders []Order
	err := s.db.WithContext(ctx).
		Where("ticker_id = ? AND status = ?", tickerID, types.OrderStatusPending).
		Order("created_at ASC").
		Find(&orders).Error
	if err != nil {
		return nil, errs.Wrap(err, "failed to load pending orders for %s", tickerID)
	}
	return orders, nil
}

// HumanTickers returns active HUMAN-market tickers.
func (s *Store) HumanTickers(ctx context.Context) ([]Ticker, error) {
	var tickers []Ticker
	err := s.db.WithContext(ctx).
		Where("market_type = ? AND is_active = ?", types.MarketTypeHuman, true).
		Find(&tickers).Error
	if err != nil {
		return nil, errs.Wrap(err, "failed to load HUMAN tickers")
	}
	return tickers, nil
}

// ShortHolders returns users holding a negative quantity of the ticker.
func (s *Store) ShortHolders(ctx context.Context, tickerID string) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := s.db.WithContext(ctx).Model(&Portfolio{}).
		Where("ticker_id = ? AND quantity < 0", tickerID).
		Pluck("user_id", &ids).Error
	if err != nil {
		return nil, errs.Wrap(err, "failed to list short holders of %s", tickerID)
	}
	return ids, nil
}

// Portfolios returns every position row for a user.
func (s *Store) Portfolios(ctx context.Context, userID uuid.UUID) ([]Portfolio, error) {
	var rows []Portfolio
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("ticker_id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, errs.Wrap(err, "failed to load portfolios for %s", userID)
	}
	return rows, nil
}

// CreateUserWithWallet provisions a user and their wallet. Used by tests
// and operational seeding; the engine never deletes either.
func (s *Store) CreateUserWithWallet(ctx context.Context, user *User, balance decimal.Decimal) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(user).Error; err != nil {
			return fmt.Errorf("failed to create user: %w", err)
		}
		wallet := &Wallet{UserID: user.ID, Balance: balance, UpdatedAt: time.Now().UTC()}
		if err := tx.Create(wallet).Error; err != nil {
			return fmt.Errorf("failed to create wallet: %w", err)
		}
		return nil
	})
}

// SaveTicker upserts a ticker row.
func (s *Store) SaveTicker(ctx context.Context, t *Ticker) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(t).Error
	if err != nil {
		return errs.Wrap(err, "failed to save ticker %s", t.ID)
	}
	return nil
}

// --- Transactional helpers (must run inside a settlement transaction) ---

// lockWallet loads a wallet under FOR UPDATE.
func (s *Store) lockWallet(tx *gorm.DB, userID uuid.UUID) (*Wallet, error) {
	var w Wallet
	if err := forUpdate(tx).First(&w, "user_id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.New(errs.KindNotFound, "wallet for user %s not found", userID)
		}
		return nil, errs.Wrap(err, "failed to lock wallet for %s", userID)
	}
	return &w, nil
}

// lockPortfolio loads a position row under FOR UPDATE, nil when absent.
func (s *Store) lockPortfolio(tx *gorm.DB, userID uuid.UUID, tickerID string) (*Portfolio, error) {
	var p Portfolio
	err := forUpdate(tx).First(&p, "user_id = ? AND ticker_id = ?", userID, tickerID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Wrap(err, "failed to lock portfolio %s/%s", userID, tickerID)
	}
	return &p, nil
}

// lockOrder loads an order row under FOR UPDATE, nil when absent.
func (s *Store) lockOrder(tx *gorm.DB, orderID uuid.UUID) (*Order, error) {
	var o Order
	err := forUpdate(tx).First(&o, "id = ?", orderID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Wrap(err, "failed to lock order %s", orderID)
	}
	return &o, nil
}

// applyWalletDelta mutates a locked wallet and appends the wallet_tx
// audit row plus its outbox event.
func (s *Store) applyWalletDelta(tx *gorm.DB, w *Wallet, delta decimal.Decimal, reason string) error {
	prev := w.Balance
	w.Balance = prev.Add(delta).Round(8)
	w.UpdatedAt = time.Now().UTC()

	err := tx.Model(&Wallet{}).Where("user_id = ?", w.UserID).
		Updates(map[string]interface{}{"balance": w.Balance, "updated_at": w.UpdatedAt}).Error
	if err != nil {
		return errs.Wrap(err, "failed to update wallet for %s", w.UserID)
	}

	return s.appendWalletTx(tx, w.UserID, prev, w.Balance, delta, reason)
}

// setWalletBalance forces a locked wallet to an absolute balance. Only
// the liquidation floor uses this.
func (s *Store) setWalletBalance(tx *gorm.DB, w *Wallet, balance decimal.Decimal, reason string) error {
	prev := w.Balance
	w.Balance = balance.Round(8)
	w.UpdatedAt = time.Now().UTC()

	err := tx.Model(&Wallet{}).Where("user_id = ?", w.UserID).
		Updates(map[string]interface{}{"balance": w.Balance, "updated_at": w.UpdatedAt}).Error
	if err != nil {
		return errs.Wrap(err, "failed to reset wallet for %s", w.UserID)
	}

	return s.appendWalletTx(tx, w.UserID, prev, w.Balance, w.Balance.Sub(prev), reason)
}

func (s *Store) appendWalletTx(tx *gorm.DB, userID uuid.UUID, prev, next, amount decimal.Decimal, reason string) error {
	now := time.Now().UTC()
	row := &WalletTx{
		UserID:      userID,
		PrevBalance: prev,
		NewBalance:  next,
		Amount:      amount,
		Reason:      reason,
		CreatedAt:   now,
	}
	if err := tx.Create(row).Error; err != nil {
		return errs.Wrap(err, "failed to append wallet_tx for %s", userID)
	}

	return s.stageOutbox(tx, bus.AuditSubject(types.AuditWalletTx), &types.WalletTxEvent{
		UserID:      userID,
		PrevBalance: prev,
		NewBalance:  next,
		Amount:      amount,
		Reason:      reason,
		Timestamp:   now,
	})
}

// writePortfolio applies a position change to a locked row (prev may be
// nil) and appends the matching portfolio_history audit row. Quantities
// at or below the dust threshold delete the row.
func (s *Store) writePortfolio(tx *gorm.DB, userID uuid.UUID, tickerID string, prev *Portfolio, newQty, newAvg decimal.Decimal, reason string) error {
	newQty = newQty.Round(8)
	newAvg = newAvg.Round(8)
	now := time.Now().UTC()

	prevQty, prevAvg := decimal.Zero, decimal.Zero
	if prev != nil {
		prevQty, prevAvg = prev.Quantity, prev.AveragePrice
	}

	var action string
	switch {
	case newQty.Abs().LessThanOrEqual(types.DustThreshold):
		if prev == nil {
			// Nothing existed and nothing remains; no row, no history.
			return nil
		}
		action = types.PortfolioActionDelete
		err := tx.Where("user_id = ? AND ticker_id = ?", userID, tickerID).
			Delete(&Portfolio{}).Error
		if err != nil {
			return errs.Wrap(err, "failed to delete portfolio %s/%s", userID, tickerID)
		}
		newQty, newAvg = decimal.Zero, decimal.Zero
	case prev == nil:
		action = types.PortfolioActionInsert
		row := &Portfolio{
			UserID:       userID,
			TickerID:     tickerID,
			Quantity:     newQty,
			AveragePrice: newAvg,
			UpdatedAt:    now,
		}
		if err := tx.Create(row).Error; err != nil {
			return errs.Wrap(err, "failed to insert portfolio %s/%s", userID, tickerID)
		}
	default:
		action = types.PortfolioActionUpdate
		err := tx.Model(&Portfolio{}).
			Where("user_id = ? AND ticker_id = ?", userID, tickerID).
			Updates(map[string]interface{}{
				"quantity":      newQty,
				"average_price": newAvg,
				"updated_at":    now,
			}).Error
		if err != nil {
			return errs.Wrap(err, "failed to update portfolio %s/%s", userID, tickerID)
		}
	}

	history := &PortfolioHistory{
		UserID:       userID,
		TickerID:     tickerID,
		Action:       action,
		PrevQuantity: prevQty,
		NewQuantity:  newQty,
		PrevAvgPrice: prevAvg,
		NewAvgPrice:  newAvg,
		Reason:       reason,
		CreatedAt:    now,
	}
	if err := tx.Create(history).Error; err != nil {
		return errs.Wrap(err, "failed to append portfolio_history for %s/%s", userID, tickerID)
	}

	return s.stageOutbox(tx, bus.AuditSubject(types.AuditPortfolioHistory), &types.PortfolioHistoryEvent{
		UserID:       userID,
		TickerID:     tickerID,
		Action:       action,
		PrevQuantity: prevQty,
		NewQuantity:  newQty,
		PrevAvgPrice: prevAvg,
		NewAvgPrice:  newAvg,
		Reason:       reason,
		Timestamp:    now,
	})
}

// transitionOrder persists mutated order fields, records the status
// transition and stages its audit event. The caller mutates the order
// (status included) before calling; prevStatus is the pre-image.
func (s *Store) transitionOrder(tx *gorm.DB, order *Order, prevStatus, reason string) error {
	order.UpdatedAt = time.Now().UTC()
	if err := tx.Save(order).Error; err != nil {
		return errs.Wrap(err, "failed to update order %s", order.ID)
	}

	history := &OrderStatusHistory{
		OrderID:    order.ID,
		PrevStatus: prevStatus,
		NewStatus:  order.Status,
		Reason:     reason,
		CreatedAt:  order.UpdatedAt,
	}
	if err := tx.Create(history).Error; err != nil {
		return errs.Wrap(err, "failed to append order_status_history for %s", order.ID)
	}

	return s.stageOutbox(tx, bus.AuditSubject(types.AuditOrderStatusHistory), &types.OrderStatusEvent{
		OrderID:    order.ID,
		PrevStatus: prevStatus,
		NewStatus:  order.Status,
		Reason:     reason,
		Timestamp:  order.UpdatedAt,
	})
}

// stageOutbox writes a pending bus publication inside the transaction.
// A rollback discards it together with the state it describes.
func (s *Store) stageOutbox(tx *gorm.DB, subject string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return errs.Wrap(err, "failed to marshal outbox payload for %s", subject)
	}
	row := &OutboxEvent{
		Subject:   subject,
		Payload:   data,
		CreatedAt: time.Now().UTC(),
	}
	if err := tx.Create(row).Error; err != nil {
		return errs.Wrap(err, "failed to stage outbox event for %s", subject)
	}
	return nil
}

// UnpublishedOutbox returns the oldest undrained outbox rows.
func (s *Store) UnpublishedOutbox(ctx context.Context, limit int) ([]OutboxEvent, error) {
	var rows []OutboxEvent
	err := s.db.WithContext(ctx).
		Where("published = ?", false).
		Order("id ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, errs.Wrap(err, "failed to load outbox")
	}
	return rows, nil
}

// MarkOutboxPublished flags drained rows.
func (s *Store) MarkOutboxPublished(ctx context.Context, ids []uint) error {
	if len(ids) == 0 {
		return nil
	}
	now := time.Now().UTC()
	err := s.db.WithContext(ctx).Model(&OutboxEvent{}).
		Where("id IN ?", ids).
		Updates(map[string]interface{}{"published": true, "published_at": now}).Error
	if err != nil {
		return errs.Wrap(err, "failed to mark outbox rows published")
	}
	return nil
}

// UpsertCandle folds one fill into the (ticker, interval, bucket) candle.
func (s *Store) UpsertCandle(ctx context.Context, tickerID, interval string, bucket time.Time, price, qty decimal.Decimal) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var c Candle
		err := forUpdate(tx).
			First(&c, "ticker_id = ? AND interval = ? AND bucket_start = ?", tickerID, interval, bucket).Error
		now := time.Now().UTC()
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c = Candle{
				TickerID:    tickerID,
				Interval:    interval,
				BucketStart: bucket,
				Open:        price,
				High:        price,
				Low:         price,
				Close:       price,
				Volume:      qty,
				UpdatedAt:   now,
			}
			if err := tx.Create(&c).Error; err != nil {
				return errs.Wrap(err, "failed to insert candle %s/%s", tickerID, interval)
			}
			return nil
		}
		if err != nil {
			return errs.Wrap(err, "failed to load candle %s/%s", tickerID, interval)
		}

		if price.GreaterThan(c.High) {
			c.High = price
		}
		if price.LessThan(c.Low) {
			c.Low = price
		}
		c.Close = price
		c.Volume = c.Volume.Add(qty)
		c.UpdatedAt = now
		if err := tx.Save(&c).Error; err != nil {
			return errs.Wrap(err, "failed to update candle %s/%s", tickerID, interval)
		}
		return nil
	})
}
