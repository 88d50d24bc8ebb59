package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/offsetx/exchange/internal/book"
	"github.com/offsetx/exchange/internal/ledger"
	"github.com/offsetx/exchange/internal/models"
	"github.com/offsetx/exchange/internal/pricing"
	"github.com/offsetx/exchange/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrInvalidOrder is returned for a bad side, quantity or price.
	ErrInvalidOrder = errors.New("invalid order")
	// ErrPriceOutOfBand is returned when the limit price falls outside the
	// admission band around the last traded price.
	ErrPriceOutOfBand = errors.New("price out of band")
	// ErrUnauthorized is returned when a cancel comes from a user who is
	// neither the owner nor an admin.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrOrderNotOpen is returned when cancelling an already terminal order.
	ErrOrderNotOpen = errors.New("order is not open")
	// ErrHalted is returned once a settlement consistency violation has
	// stopped the matching loop for good.
	ErrHalted = errors.New("matching halted after consistency violation")
)

// Orders are treated as fully filled when the remainder drops below this,
// absorbing float drift from repeated partial fills.
const quantityEpsilon = 1e-4

// Engine drives the order book to a crossed-free state after every
// insertion, settling each match against the ledger and persisting the
// resulting order and trade state. One mutex serializes insert-then-match,
// cancellation and recovery, so two concurrently placed crossing orders can
// never both consume the same resting liquidity.
type Engine struct {
	log     *zap.Logger
	book    *book.Book
	ledger  *ledger.Ledger
	store   store.Store
	pricing *pricing.Service

	mu     sync.Mutex
	halted bool
}

// New creates a matching engine over the given book, ledger and store.
func New(log *zap.Logger, b *book.Book, l *ledger.Ledger, st store.Store, pr *pricing.Service) *Engine {
	return &Engine{log: log, book: b, ledger: l, store: st, pricing: pr}
}

// LoadOrders rebuilds the in-memory book from persisted open orders and runs
// one matching pass. Called once on startup before accepting requests.
func (e *Engine) LoadOrders(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.book.Clear()
	orders, err := e.store.ListOpenOrders(ctx)
	if err != nil {
		return fmt.Errorf("failed to load open orders: %w", err)
	}
	for i := range orders {
		order := orders[i]
		e.book.Add(&order)
	}
	e.log.Info("loaded open orders into book", zap.Int("count", len(orders)))
	return e.matchOrders(ctx)
}

// PlaceOrder validates, reserves, persists and inserts a new order, then runs
// one matching pass synchronously. The returned order reflects any fills from
// that pass. A matching error after insertion is returned alongside the
// placed order.
func (e *Engine) PlaceOrder(ctx context.Context, userID string, side models.Side, quantity, price float64) (*models.Order, error) {
	if side != models.SideBuy && side != models.SideSell {
		return nil, fmt.Errorf("%w: side must be %q or %q", ErrInvalidOrder, models.SideBuy, models.SideSell)
	}
	if quantity <= 0 {
		return nil, fmt.Errorf("%w: quantity must be positive", ErrInvalidOrder)
	}
	if price <= 0 {
		return nil, fmt.Errorf("%w: price must be positive", ErrInvalidOrder)
	}

	min, max, err := e.pricing.Band(ctx)
	if err != nil {
		return nil, err
	}
	if price < min || price > max {
		return nil, fmt.Errorf("%w: price %.2f outside allowed range %.2f - %.2f", ErrPriceOutOfBand, price, min, max)
	}

	if side == models.SideBuy {
		err = e.ledger.ReserveFunds(ctx, userID, quantity*price)
	} else {
		err = e.ledger.ReserveCredits(ctx, userID, quantity)
	}
	if err != nil {
		return nil, err
	}

	order := &models.Order{
		ID:          uuid.NewString(),
		UserID:      userID,
		Side:        side,
		Price:       price,
		Quantity:    quantity,
		TotalAmount: quantity * price,
		Status:      models.OrderPending,
		CreatedAt:   time.Now(),
	}
	if err := e.store.CreateOrder(ctx, order); err != nil {
		// Roll back the reservation so funds are not stranded.
		var rollbackErr error
		if side == models.SideBuy {
			rollbackErr = e.ledger.ReleaseFunds(ctx, userID, quantity*price)
		} else {
			rollbackErr = e.ledger.ReleaseCredits(ctx, userID, quantity)
		}
		if rollbackErr != nil {
			e.log.Error("failed to roll back reservation",
				zap.String("user_id", userID),
				zap.String("side", string(side)),
				zap.Error(rollbackErr))
		}
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.book.Add(order)
	e.log.Info("order placed",
		zap.String("order_id", order.ID),
		zap.String("user_id", userID),
		zap.String("side", string(side)),
		zap.Float64("quantity", quantity),
		zap.Float64("price", price))
	matchErr := e.matchOrders(ctx)

	// Return a copy detached from the resting order, which later matching
	// passes may keep mutating.
	snapshot := *order
	return &snapshot, matchErr
}

// CancelOrder removes an open order from the book, releases its remaining
// reservation and marks it cancelled. Only the owner or an admin may cancel.
func (e *Engine) CancelOrder(ctx context.Context, orderID, requesterID string, isAdmin bool) (*models.Order, error) {
	order, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.UserID != requesterID && !isAdmin {
		return nil, fmt.Errorf("%w: order %s belongs to another user", ErrUnauthorized, orderID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// Prefer the live order: its remaining quantity may be ahead of the
	// persisted copy if a matching pass partially filled it.
	if live := e.book.Get(orderID); live != nil {
		order = live
	}
	if order.Status.Terminal() {
		return nil, fmt.Errorf("%w: order %s is %s", ErrOrderNotOpen, orderID, order.Status)
	}

	e.book.Remove(orderID)

	// Persist the cancellation before releasing: an order the store still
	// shows open must keep its backing reservation, or a restart would
	// re-insert it uncovered.
	prevStatus := order.Status
	now := time.Now()
	order.Status = models.OrderCancelled
	order.CompletedAt = &now
	if err := e.store.UpdateOrder(ctx, order); err != nil {
		order.Status = prevStatus
		order.CompletedAt = nil
		e.book.Add(order)
		return nil, err
	}

	if order.Side == models.SideBuy {
		err = e.ledger.ReleaseFunds(ctx, order.UserID, order.Quantity*order.Price)
	} else {
		err = e.ledger.ReleaseCredits(ctx, order.UserID, order.Quantity)
	}
	if err != nil {
		e.log.Error("failed to release cancelled order reservation",
			zap.String("order_id", orderID), zap.Error(err))
		return nil, err
	}

	e.log.Info("order cancelled", zap.String("order_id", orderID), zap.String("requester_id", requesterID))
	return order, nil
}

// TriggerMatching runs a matching pass. Idempotent: with no crossed orders it
// performs no trades and no order mutations, so it is safe to call
// speculatively.
func (e *Engine) TriggerMatching(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.matchOrders(ctx)
}

// matchOrders drains crossing orders to a fixpoint. Must be called with e.mu
// held. Each iteration takes the best bid and ask, resolves self-trades by
// cancelling the newer order, and otherwise executes at the maker (sell)
// price, settling through the ledger and refunding the buyer any spread.
func (e *Engine) matchOrders(ctx context.Context) error {
	if e.halted {
		return ErrHalted
	}

	for e.book.HasCrossedMatch() {
		buy, sell := e.book.BestBuy(), e.book.BestSell()
		if buy == nil || sell == nil {
			break
		}
		// Redundant with HasCrossedMatch, but cheap to re-check.
		if buy.Price < sell.Price {
			break
		}

		if buy.UserID == sell.UserID {
			if err := e.cancelSelfTrade(ctx, buy, sell); err != nil {
				return err
			}
			continue
		}

		quantity := math.Min(buy.Quantity, sell.Quantity)
		price := sell.Price // Execute at maker (sell) price

		trade := &models.Trade{
			ID:          uuid.NewString(),
			BuyOrderID:  buy.ID,
			SellOrderID: sell.ID,
			BuyerID:     buy.UserID,
			SellerID:    sell.UserID,
			Quantity:    quantity,
			Price:       price,
			TotalAmount: quantity * price,
			ExecutedAt:  time.Now(),
		}
		if err := e.store.CreateTrade(ctx, trade); err != nil {
			return fmt.Errorf("failed to record trade: %w", err)
		}

		if err := e.ledger.SettleTrade(ctx, buy.UserID, sell.UserID, quantity, price); err != nil {
			if errors.Is(err, ledger.ErrConsistency) {
				e.halted = true
				e.log.Error("settlement consistency violation, halting matching",
					zap.String("trade_id", trade.ID),
					zap.String("buyer_id", buy.UserID),
					zap.String("seller_id", sell.UserID),
					zap.Error(err))
			}
			return err
		}

		// The buyer reserved at their own limit; refund the spread.
		if buy.Price > price {
			refund := (buy.Price - price) * quantity
			if err := e.ledger.ReleaseFunds(ctx, buy.UserID, refund); err != nil {
				return err
			}
		}

		e.log.Info("trade executed",
			zap.String("trade_id", trade.ID),
			zap.String("buyer_id", buy.UserID),
			zap.String("seller_id", sell.UserID),
			zap.Float64("quantity", quantity),
			zap.Float64("price", price))

		if err := e.fill(ctx, buy, quantity); err != nil {
			return err
		}
		if err := e.fill(ctx, sell, quantity); err != nil {
			return err
		}
	}
	return nil
}

// cancelSelfTrade resolves a crossing pair from the same owner by cancelling
// the newer of the two orders and releasing its remaining reservation. No
// trade is created.
func (e *Engine) cancelSelfTrade(ctx context.Context, buy, sell *models.Order) error {
	victim := sell
	if buy.CreatedAt.After(sell.CreatedAt) {
		victim = buy
	}

	// Remove before mutating so book snapshot readers cannot race the write.
	e.book.Remove(victim.ID)
	now := time.Now()
	victim.Status = models.OrderCancelled
	victim.CompletedAt = &now

	var err error
	if victim.Side == models.SideBuy {
		err = e.ledger.ReleaseFunds(ctx, victim.UserID, victim.Quantity*victim.Price)
	} else {
		err = e.ledger.ReleaseCredits(ctx, victim.UserID, victim.Quantity)
	}
	if err != nil {
		return err
	}

	e.log.Info("self-trade detected, cancelled newer order",
		zap.String("order_id", victim.ID),
		zap.String("user_id", victim.UserID))
	return e.store.UpdateOrder(ctx, victim)
}

// fill reduces an order's remainder after a match. A remainder at or below
// the epsilon is forced to zero and the order leaves the book as executed;
// otherwise the order stays resting as partial. Resting orders are mutated
// only inside the book's critical section (Book.Fill) and executed orders are
// removed before mutation, so concurrent book snapshots never race a write.
func (e *Engine) fill(ctx context.Context, order *models.Order, quantity float64) error {
	if order.Quantity-quantity <= quantityEpsilon {
		e.book.Remove(order.ID)
		order.Quantity = 0
		order.Status = models.OrderExecuted
		now := time.Now()
		order.CompletedAt = &now
	} else {
		e.book.Fill(order.ID, quantity)
	}
	return e.store.UpdateOrder(ctx, order)
}

// BestBid returns the current best bid, anonymized, or nil.
func (e *Engine) BestBid() *models.Order {
	if order := e.book.BestBuy(); order != nil {
		public := order.Anonymized()
		return &public
	}
	return nil
}

// BestAsk returns the current best ask, anonymized, or nil.
func (e *Engine) BestAsk() *models.Order {
	if order := e.book.BestSell(); order != nil {
		public := order.Anonymized()
		return &public
	}
	return nil
}

// Halted reports whether a consistency violation has stopped matching.
func (e *Engine) Halted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.halted
}
