// Package intake validates submitted orders and routes them: conditional
// orders rest in the ledger and the order-book cache, market orders go to
// the durable trade queue.
package intake

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/papertrade/engine/internal/ledger"
	"github.com/papertrade/engine/internal/metrics"
	"github.com/papertrade/engine/pkg/errs"
	"github.com/papertrade/engine/pkg/types"
)

// QueuePublisher enqueues accepted market orders durably.
type QueuePublisher interface {
	PublishTrade(msg *types.TradeMessage, idempotencyKey string) error
}

// BookCache indexes resting conditional orders.
type BookCache interface {
	Add(ctx context.Context, order *ledger.Order) error
	Remove(ctx context.Context, tickerID string, orderID uuid.UUID) error
}

// Service is the order intake front.
type Service struct {
	store  *ledger.Store
	prices ledger.PriceSource
	queue  QueuePublisher
	cache  BookCache
	logger *logrus.Entry
}

// NewService creates the intake service.
func NewService(store *ledger.Store, prices ledger.PriceSource, queue QueuePublisher, cache BookCache) *Service {
	return &Service{
		store:  store,
		prices: prices,
		queue:  queue,
		cache:  cache,
		logger: logrus.WithField("component", "intake"),
	}
}

// SubmitOrder validates a request and dispatches it. Validation and
// funds errors return without any ledger write; a queue publish failure
// is a system error and nothing is persisted.
func (s *Service) SubmitOrder(ctx context.Context, userID uuid.UUID, req *types.OrderRequest) (*types.SubmitResult, error) {
	result, err := s.submit(ctx, userID, req)
	if err != nil {
		metrics.OrdersRejected.WithLabelValues(string(errs.KindOf(err))).Inc()
		return nil, err
	}
	metrics.OrdersSubmitted.WithLabelValues(req.Type).Inc()
	return result, nil
}

func (s *Service) submit(ctx context.Context, userID uuid.UUID, req *types.OrderRequest) (*types.SubmitResult, error) {
	if err := validateBounds(req); err != nil {
		return nil, err
	}

	ticker, err := s.store.GetTicker(ctx, req.TickerID)
	if err != nil {
		return nil, err
	}
	if !ticker.IsActive {
		return nil, errs.New(errs.KindValidation, "ticker %s is not tradable", ticker.ID)
	}

	portfolio, err := s.store.GetPortfolio(ctx, userID, req.TickerID)
	if err != nil {
		return nil, err
	}
	wallet, err := s.store.GetWallet(ctx, userID)
	if err != nil {
		return nil, err
	}
	feeRate := s.prices.FeeRate(ctx)

	var current decimal.Decimal
	if req.Type == types.OrderTypeMarket || req.Type == types.OrderTypeTrailingStop {
		current, err = s.prices.GetPrice(ctx, req.TickerID)
		if err != nil {
			return nil, err
		}
	}

	if err := s.checkFunds(req, portfolio, wallet, feeRate, current); err != nil {
		return nil, err
	}

	order := &ledger.Order{
		ID:               uuid.New(),
		UserID:           userID,
		TickerID:         req.TickerID,
		Side:             req.Side,
		Type:             req.Type,
		Quantity:         req.Quantity,
		UnfilledQuantity: req.Quantity,
		CreatedAt:        time.Now().UTC(),
	}

	switch req.Type {
	case types.OrderTypeLimit:
		order.TargetPrice = decimal.NullDecimal{Decimal: req.TargetPrice, Valid: true}
	case types.OrderTypeStopLimit:
		order.TargetPrice = decimal.NullDecimal{Decimal: req.TargetPrice, Valid: true}
		order.StopPrice = decimal.NullDecimal{Decimal: req.StopPrice, Valid: true}
	case types.OrderTypeStopLoss, types.OrderTypeTakeProfit:
		order.StopPrice = decimal.NullDecimal{Decimal: req.StopPrice, Valid: true}
	case types.OrderTypeTrailingStop:
		stop, high := initialTrailingStop(req.Side, current, req.TrailingGap)
		order.TrailingGap = decimal.NullDecimal{Decimal: req.TrailingGap, Valid: true}
		order.StopPrice = decimal.NullDecimal{Decimal: stop, Valid: true}
		order.HighWaterMark = decimal.NullDecimal{Decimal: high, Valid: true}
	}

	if req.Type == types.OrderTypeMarket {
		order.Status = types.OrderStatusAccepted
		msg := &types.TradeMessage{
			OrderID:  order.ID,
			UserID:   userID,
			TickerID: req.TickerID,
			Side:     req.Side,
			Quantity: req.Quantity,
		}
		if err := s.queue.PublishTrade(msg, req.IdempotencyKey); err != nil {
			return nil, errs.Wrap(err, "trade queue unavailable")
		}
		return &types.SubmitResult{OrderID: order.ID, Status: types.OrderStatusAccepted}, nil
	}

	order.Status = types.OrderStatusPending
	if err := s.store.CreateConditionalOrder(ctx, order); err != nil {
		return nil, err
	}
	if err := s.cache.Add(ctx, order); err != nil {
		// The cache self-heals on the next hydration; the ledger row is
		// authoritative.
		s.logger.Errorf("Cache indexing failed for %s: %v", order.ID, err)
	}
	return &types.SubmitResult{OrderID: order.ID, Status: types.OrderStatusPending}, nil
}

// CancelOrder cancels a PENDING order for its owner and drops it from
// the cache.
func (s *Service) CancelOrder(ctx context.Context, userID, orderID uuid.UUID) (*types.SubmitResult, error) {
	order, err := s.store.CancelOrder(ctx, userID, orderID)
	if err != nil {
		return nil, err
	}
	if types.IsConditional(order.Type) {
		if err := s.cache.Remove(ctx, order.TickerID, order.ID); err != nil {
			s.logger.Errorf("Cache removal failed for %s: %v", order.ID, err)
		}
	}
	return &types.SubmitResult{OrderID: order.ID, Status: types.OrderStatusCancelled}, nil
}

// validateBounds is the decode-and-bounds stage.
func validateBounds(req *types.OrderRequest) error {
	if req.Side != types.OrderSideBuy && req.Side != types.OrderSideSell {
		return errs.New(errs.KindValidation, "side must be BUY or SELL")
	}
	switch req.Type {
	case types.OrderTypeMarket, types.OrderTypeLimit, types.OrderTypeStopLoss,
		types.OrderTypeTakeProfit, types.OrderTypeStopLimit, types.OrderTypeTrailingStop:
	default:
		return errs.New(errs.KindValidation, "unknown order type %q", req.Type)
	}
	if !req.Quantity.IsPositive() {
		return errs.New(errs.KindValidation, "quantity must be positive")
	}
	if req.Type == types.OrderTypeLimit || req.Type == types.OrderTypeStopLimit {
		if !req.TargetPrice.IsPositive() {
			return errs.New(errs.KindValidation, "target price must be positive")
		}
	}
	switch req.Type {
	case types.OrderTypeStopLoss, types.OrderTypeTakeProfit, types.OrderTypeStopLimit:
		if !req.StopPrice.IsPositive() {
			return errs.New(errs.KindValidation, "stop price must be positive")
		}
	case types.OrderTypeTrailingStop:
		if !req.TrailingGap.IsPositive() {
			return errs.New(errs.KindValidation, "trailing gap must be positive")
		}
	}
	return nil
}

// checkFunds is the pre-trade funds/shares stage. Sellers closing a long
// need the shares; sellers opening a short need full margin at the
// reference price; buyers need cost plus fee.
func (s *Service) checkFunds(req *types.OrderRequest, portfolio *ledger.Portfolio, wallet *ledger.Wallet, feeRate, current decimal.Decimal) error {
	ref := referencePrice(req, current)

	if req.Side == types.OrderSideSell {
		available := decimal.Zero
		if portfolio != nil && portfolio.Quantity.IsPositive() {
			available = portfolio.Quantity
		}
		if available.IsPositive() {
			if available.LessThan(req.Quantity) {
				return errs.New(errs.KindFundsShortfall,
					"insufficient holdings: have %s, want %s", available, req.Quantity)
			}
			return nil
		}
		// Opening or extending a short: proceeds offset the fee, so
		// margin is checked without loading it.
		margin := ref.Mul(req.Quantity)
		if wallet.Balance.LessThan(margin) {
			return errs.New(errs.KindFundsShortfall,
				"insufficient margin: need %s, have %s", margin, wallet.Balance)
		}
		return nil
	}

	required := ref.Mul(req.Quantity).Mul(decimal.NewFromInt(1).Add(feeRate))
	if wallet.Balance.LessThan(required) {
		return errs.New(errs.KindFundsShortfall,
			"insufficient balance: need %s, have %s", required, wallet.Balance)
	}
	return nil
}

// referencePrice picks the price the funds check is measured against.
func referencePrice(req *types.OrderRequest, current decimal.Decimal) decimal.Decimal {
	switch req.Type {
	case types.OrderTypeLimit, types.OrderTypeStopLimit:
		if req.Type == types.OrderTypeLimit {
			return req.TargetPrice
		}
		return req.StopPrice
	case types.OrderTypeStopLoss, types.OrderTypeTakeProfit:
		return req.StopPrice
	default: // MARKET, TRAILING_STOP
		return current
	}
}

// initialTrailingStop seeds a trailing stop from the current price:
// sells trail below, buys trail above.
func initialTrailingStop(side types.OrderSide, current, gap decimal.Decimal) (stop, highWater decimal.Decimal) {
	if side == types.OrderSideSell {
		return current.Sub(gap), current
	}
	return current.Add(gap), current
}
