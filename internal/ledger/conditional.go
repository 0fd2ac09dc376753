package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/papertrade/engine/pkg/bus"
	"github.com/papertrade/engine/pkg/errs"
	"github.com/papertrade/engine/pkg/types"
)

// CreateConditionalOrder persists a PENDING conditional order and stages
// its order_created event.
func (s *Store) CreateConditionalOrder(ctx context.Context, order *Order) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(order).Error; err != nil {
			return errs.Wrap(err, "failed to create order %s", order.ID)
		}

		history := &OrderStatusHistory{
			OrderID:    order.ID,
			PrevStatus: "",
			NewStatus:  order.Status,
			Reason:     "order accepted",
			CreatedAt:  time.Now().UTC(),
		}
		if err := tx.Create(history).Error; err != nil {
			return errs.Wrap(err, "failed to append order_status_history for %s", order.ID)
		}
		if err := s.stageOutbox(tx, bus.AuditSubject(types.AuditOrderStatusHistory), &types.OrderStatusEvent{
			OrderID:   order.ID,
			NewStatus: order.Status,
			Reason:    "order accepted",
			Timestamp: history.CreatedAt,
		}); err != nil {
			return err
		}

		return s.stageOutbox(tx, bus.TradeEventSubject(order.TickerID), &types.TradeEvent{
			Type:      types.EventOrderCreated,
			UserID:    order.UserID,
			OrderID:   order.ID,
			TickerID:  order.TickerID,
			Side:      order.Side,
			Quantity:  order.Quantity,
			Status:    order.Status,
			Timestamp: history.CreatedAt,
		})
	})
}

// CancelOrder transitions a PENDING order to CANCELLED for its owner and
// stages the order_cancelled event. A cancel racing a fill is decided by
// the order row lock; the loser sees ConflictState.
func (s *Store) CancelOrder(ctx context.Context, userID, orderID uuid.UUID) (*Order, error) {
	var cancelled *Order
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		order, err := s.lockOrder(tx, orderID)
		if err != nil {
			return err
		}
		if order == nil {
			return errs.New(errs.KindNotFound, "order %s not found", orderID)
		}
		if order.UserID != userID {
			return errs.New(errs.KindPermission, "order %s belongs to another user", orderID)
		}
		if order.Status != types.OrderStatusPending {
			return errs.New(errs.KindConflict, "order %s is %s, not cancellable", orderID, order.Status)
		}

		now := time.Now().UTC()
		prev := order.Status
		order.Status = types.OrderStatusCancelled
		order.CancelledAt = &now
		if err := s.transitionOrder(tx, order, prev, "cancelled by user"); err != nil {
			return err
		}

		if err := s.stageOutbox(tx, bus.TradeEventSubject(order.TickerID), &types.TradeEvent{
			Type:      types.EventOrderCancelled,
			UserID:    order.UserID,
			OrderID:   order.ID,
			TickerID:  order.TickerID,
			Side:      order.Side,
			Quantity:  order.Quantity,
			Status:    order.Status,
			Timestamp: now,
		}); err != nil {
			return err
		}

		cancelled = order
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cancelled, nil
}

// PromoteStopLimit converts a triggered STOP_LIMIT into a plain LIMIT
// resting at its target price. The order stays PENDING; the limit
// condition is evaluated on the next tick.
func (s *Store) PromoteStopLimit(ctx context.Context, orderID uuid.UUID) (*Order, error) {
	var promoted *Order
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		order, err := s.lockOrder(tx, orderID)
		if err != nil {
			return err
		}
		if order == nil {
			return errs.New(errs.KindNotFound, "order %s not found", orderID)
		}
		if order.Status != types.OrderStatusPending || order.Type != types.OrderTypeStopLimit {
			return errs.New(errs.KindConflict, "order %s is not a pending stop-limit", orderID)
		}

		order.Type = types.OrderTypeLimit
		if err := s.transitionOrder(tx, order, types.OrderStatusPending, "stop-limit promoted to limit"); err != nil {
			return err
		}
		promoted = order
		return nil
	})
	if err != nil {
		return nil, err
	}
	return promoted, nil
}

// UpdateTrailingStop moves a trailing stop's trigger and high-water mark
// after a favorable tick.
func (s *Store) UpdateTrailingStop(ctx context.Context, orderID uuid.UUID, newStop, highWater decimal.Decimal) (*Order, error) {
	var updated *Order
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		order, err := s.lockOrder(tx, orderID)
		if err != nil {
			return err
		}
		if order == nil {
			return errs.New(errs.KindNotFound, "order %s not found", orderID)
		}
		if order.Status != types.OrderStatusPending || order.Type != types.OrderTypeTrailingStop {
			return errs.New(errs.KindConflict, "order %s is not a pending trailing stop", orderID)
		}

		order.StopPrice = decimal.NullDecimal{Decimal: newStop.Round(8), Valid: true}
		order.HighWaterMark = decimal.NullDecimal{Decimal: highWater.Round(8), Valid: true}
		order.UpdatedAt = time.Now().UTC()
		if err := tx.Save(order).Error; err != nil {
			return errs.Wrap(err, "failed to update trailing stop %s", orderID)
		}
		updated = order
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}
