package store

import (
	"context"
	"sort"
	"sync"

	"github.com/offsetx/exchange/internal/models"
)

// Memory is an in-process Store. It backs tests and runs without Postgres;
// the Postgres implementation is the durable counterpart.
type Memory struct {
	mu          sync.RWMutex
	orders      map[string]models.Order
	orderSeq    []string // insertion order, for stable listings
	trades      []models.Trade
	wallets     map[string]models.Wallet
	users       map[string]models.User
	retirements []models.Retirement
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		orders:  make(map[string]models.Order),
		wallets: make(map[string]models.Wallet),
		users:   make(map[string]models.User),
	}
}

func (m *Memory) CreateOrder(ctx context.Context, order *models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[order.ID] = *order
	m.orderSeq = append(m.orderSeq, order.ID)
	return nil
}

func (m *Memory) UpdateOrder(ctx context.Context, order *models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[order.ID]; !ok {
		return ErrNotFound
	}
	m.orders[order.ID] = *order
	return nil
}

func (m *Memory) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	order, ok := m.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &order, nil
}

func (m *Memory) ListOpenOrders(ctx context.Context) ([]models.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var orders []models.Order
	for _, id := range m.orderSeq {
		order := m.orders[id]
		if order.Status == models.OrderPending || order.Status == models.OrderPartial {
			orders = append(orders, order)
		}
	}
	sort.SliceStable(orders, func(i, j int) bool {
		return orders[i].CreatedAt.Before(orders[j].CreatedAt)
	})
	return orders, nil
}

func (m *Memory) ListOrdersByUser(ctx context.Context, userID string) ([]models.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var orders []models.Order
	for _, id := range m.orderSeq {
		if order := m.orders[id]; order.UserID == userID {
			orders = append(orders, order)
		}
	}
	return orders, nil
}

func (m *Memory) SumQuantityBySideStatus(ctx context.Context, side models.Side, status models.OrderStatus) (float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var total float64
	for _, order := range m.orders {
		if order.Side == side && order.Status == status {
			total += order.Quantity
		}
	}
	return total, nil
}

func (m *Memory) CreateTrade(ctx context.Context, trade *models.Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trades = append(m.trades, *trade)
	return nil
}

func (m *Memory) LastTrade(ctx context.Context) (*models.Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.trades) == 0 {
		return nil, ErrNotFound
	}
	last := m.trades[0]
	for _, trade := range m.trades[1:] {
		if !trade.ExecutedAt.Before(last.ExecutedAt) {
			last = trade
		}
	}
	return &last, nil
}

func (m *Memory) ListTrades(ctx context.Context) ([]models.Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	trades := make([]models.Trade, len(m.trades))
	copy(trades, m.trades)
	sort.SliceStable(trades, func(i, j int) bool {
		return trades[i].ExecutedAt.Before(trades[j].ExecutedAt)
	})
	return trades, nil
}

func (m *Memory) ListTradesByUser(ctx context.Context, userID string) ([]models.Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var trades []models.Trade
	for _, trade := range m.trades {
		if trade.BuyerID == userID || trade.SellerID == userID {
			trades = append(trades, trade)
		}
	}
	sort.SliceStable(trades, func(i, j int) bool {
		return trades[j].ExecutedAt.Before(trades[i].ExecutedAt)
	})
	return trades, nil
}

func (m *Memory) SaveWallet(ctx context.Context, wallet *models.Wallet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot := *wallet
	snapshot.Transactions = append([]models.Transaction(nil), wallet.Transactions...)
	m.wallets[wallet.UserID] = snapshot
	return nil
}

func (m *Memory) ListWallets(ctx context.Context) ([]models.Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	wallets := make([]models.Wallet, 0, len(m.wallets))
	for _, wallet := range m.wallets {
		wallet.Transactions = append([]models.Transaction(nil), wallet.Transactions...)
		wallets = append(wallets, wallet)
	}
	return wallets, nil
}

func (m *Memory) CreateUser(ctx context.Context, user *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.users {
		if existing.Username == user.Username {
			return ErrDuplicateUsername
		}
	}
	m.users[user.ID] = *user
	return nil
}

func (m *Memory) GetUser(ctx context.Context, id string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	user, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &user, nil
}

func (m *Memory) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, user := range m.users {
		if user.Username == username {
			return &user, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) CreateRetirement(ctx context.Context, r *models.Retirement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retirements = append(m.retirements, *r)
	return nil
}

func (m *Memory) ListRetirementsByUser(ctx context.Context, userID string) ([]models.Retirement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var records []models.Retirement
	for _, r := range m.retirements {
		if r.UserID == userID {
			records = append(records, r)
		}
	}
	return records, nil
}

func (m *Memory) ListRetirements(ctx context.Context) ([]models.Retirement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	records := make([]models.Retirement, len(m.retirements))
	copy(records, m.retirements)
	return records, nil
}
