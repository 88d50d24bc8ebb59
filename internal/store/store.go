package store

import (
	"context"
	"errors"

	"github.com/offsetx/exchange/internal/models"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicateUsername is returned when registering a username that is taken.
var ErrDuplicateUsername = errors.New("username already taken")

// OrderStore persists orders. The in-memory order book is rebuilt from
// ListOpenOrders on startup, so order state written here is authoritative
// across restarts.
type OrderStore interface {
	CreateOrder(ctx context.Context, order *models.Order) error
	UpdateOrder(ctx context.Context, order *models.Order) error
	GetOrder(ctx context.Context, id string) (*models.Order, error)
	// ListOpenOrders returns all pending and partial orders, oldest first.
	ListOpenOrders(ctx context.Context) ([]models.Order, error)
	ListOrdersByUser(ctx context.Context, userID string) ([]models.Order, error)
	// SumQuantityBySideStatus totals the remaining quantity of orders with
	// the given side and status. Used by the pricing formula.
	SumQuantityBySideStatus(ctx context.Context, side models.Side, status models.OrderStatus) (float64, error)
}

// TradeStore persists the append-only trade history.
type TradeStore interface {
	CreateTrade(ctx context.Context, trade *models.Trade) error
	// LastTrade returns the most recently executed trade, or ErrNotFound.
	LastTrade(ctx context.Context) (*models.Trade, error)
	// ListTrades returns all trades, oldest first.
	ListTrades(ctx context.Context) ([]models.Trade, error)
	// ListTradesByUser returns trades where the user was buyer or seller,
	// most recent first.
	ListTradesByUser(ctx context.Context, userID string) ([]models.Trade, error)
}

// WalletStore persists wallet snapshots. The ledger writes a snapshot while
// holding the per-wallet lock, so the stored image is linearizable per user.
type WalletStore interface {
	SaveWallet(ctx context.Context, wallet *models.Wallet) error
	ListWallets(ctx context.Context) ([]models.Wallet, error)
}

// UserStore persists registered users.
type UserStore interface {
	CreateUser(ctx context.Context, user *models.User) error
	GetUser(ctx context.Context, id string) (*models.User, error)
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
}

// RetirementStore persists credit retirement records.
type RetirementStore interface {
	CreateRetirement(ctx context.Context, r *models.Retirement) error
	ListRetirementsByUser(ctx context.Context, userID string) ([]models.Retirement, error)
	ListRetirements(ctx context.Context) ([]models.Retirement, error)
}

// Store is the full persistence surface of the exchange.
type Store interface {
	OrderStore
	TradeStore
	WalletStore
	UserStore
	RetirementStore
}
