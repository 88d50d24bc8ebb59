package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/offsetx/exchange/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres implements Store on a PostgreSQL connection pool.
type Postgres struct {
	Pool *pgxpool.Pool
}

var _ Store = (*Postgres)(nil)

// NewPostgres initializes a new database connection pool.
func NewPostgres(ctx context.Context, connString string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	return &Postgres{Pool: pool}, nil
}

// Close closes the database connection pool.
func (p *Postgres) Close() {
	p.Pool.Close()
}

// EnsureSchema creates the exchange tables if they do not exist.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	_, err := p.Pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS users (
			id            TEXT PRIMARY KEY,
			username      TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			admin         BOOLEAN NOT NULL DEFAULT FALSE,
			created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE TABLE IF NOT EXISTS orders (
			id           TEXT PRIMARY KEY,
			user_id      TEXT NOT NULL,
			side         TEXT NOT NULL,
			price        DOUBLE PRECISION NOT NULL,
			quantity     DOUBLE PRECISION NOT NULL,
			total_amount DOUBLE PRECISION NOT NULL,
			status       TEXT NOT NULL,
			created_at   TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS idx_orders_status ON orders (status);
		CREATE INDEX IF NOT EXISTS idx_orders_user ON orders (user_id);
		CREATE TABLE IF NOT EXISTS trades (
			id            TEXT PRIMARY KEY,
			buy_order_id  TEXT NOT NULL,
			sell_order_id TEXT NOT NULL,
			buyer_id      TEXT NOT NULL,
			seller_id     TEXT NOT NULL,
			quantity      DOUBLE PRECISION NOT NULL,
			price         DOUBLE PRECISION NOT NULL,
			total_amount  DOUBLE PRECISION NOT NULL,
			executed_at   TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_trades_executed_at ON trades (executed_at);
		CREATE TABLE IF NOT EXISTS wallets (
			user_id        TEXT PRIMARY KEY,
			balance        DOUBLE PRECISION NOT NULL,
			credit_balance DOUBLE PRECISION NOT NULL,
			money_locked   DOUBLE PRECISION NOT NULL,
			credits_locked DOUBLE PRECISION NOT NULL,
			transactions   JSONB NOT NULL DEFAULT '[]'
		);
		CREATE TABLE IF NOT EXISTS retirements (
			id          TEXT PRIMARY KEY,
			user_id     TEXT NOT NULL,
			quantity    DOUBLE PRECISION NOT NULL,
			beneficiary TEXT NOT NULL,
			reason      TEXT NOT NULL,
			retired_at  TIMESTAMPTZ NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

func (p *Postgres) CreateOrder(ctx context.Context, order *models.Order) error {
	_, err := p.Pool.Exec(ctx,
		`INSERT INTO orders (id, user_id, side, price, quantity, total_amount, status, created_at, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		order.ID, order.UserID, order.Side, order.Price, order.Quantity,
		order.TotalAmount, order.Status, order.CreatedAt, order.CompletedAt)
	if err != nil {
		return fmt.Errorf("failed to create order: %w", err)
	}
	return nil
}

func (p *Postgres) UpdateOrder(ctx context.Context, order *models.Order) error {
	tag, err := p.Pool.Exec(ctx,
		`UPDATE orders SET quantity = $1, status = $2, completed_at = $3 WHERE id = $4`,
		order.Quantity, order.Status, order.CompletedAt, order.ID)
	if err != nil {
		return fmt.Errorf("failed to update order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	order := &models.Order{}
	err := p.Pool.QueryRow(ctx,
		`SELECT id, user_id, side, price, quantity, total_amount, status, created_at, completed_at
		 FROM orders WHERE id = $1`, id).Scan(
		&order.ID, &order.UserID, &order.Side, &order.Price, &order.Quantity,
		&order.TotalAmount, &order.Status, &order.CreatedAt, &order.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return order, nil
}

func (p *Postgres) ListOpenOrders(ctx context.Context) ([]models.Order, error) {
	rows, err := p.Pool.Query(ctx,
		`SELECT id, user_id, side, price, quantity, total_amount, status, created_at, completed_at
		 FROM orders WHERE status IN ('pending', 'partial') ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list open orders: %w", err)
	}
	defer rows.Close()
	return scanOrders(rows)
}

func (p *Postgres) ListOrdersByUser(ctx context.Context, userID string) ([]models.Order, error) {
	rows, err := p.Pool.Query(ctx,
		`SELECT id, user_id, side, price, quantity, total_amount, status, created_at, completed_at
		 FROM orders WHERE user_id = $1 ORDER BY created_at ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list user orders: %w", err)
	}
	defer rows.Close()
	return scanOrders(rows)
}

func scanOrders(rows pgx.Rows) ([]models.Order, error) {
	var orders []models.Order
	for rows.Next() {
		var order models.Order
		if err := rows.Scan(&order.ID, &order.UserID, &order.Side, &order.Price, &order.Quantity,
			&order.TotalAmount, &order.Status, &order.CreatedAt, &order.CompletedAt); err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return orders, nil
}

func (p *Postgres) SumQuantityBySideStatus(ctx context.Context, side models.Side, status models.OrderStatus) (float64, error) {
	var total float64
	err := p.Pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(quantity), 0) FROM orders WHERE side = $1 AND status = $2`,
		side, status).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum order quantity: %w", err)
	}
	return total, nil
}

func (p *Postgres) CreateTrade(ctx context.Context, trade *models.Trade) error {
	_, err := p.Pool.Exec(ctx,
		`INSERT INTO trades (id, buy_order_id, sell_order_id, buyer_id, seller_id, quantity, price, total_amount, executed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		trade.ID, trade.BuyOrderID, trade.SellOrderID, trade.BuyerID, trade.SellerID,
		trade.Quantity, trade.Price, trade.TotalAmount, trade.ExecutedAt)
	if err != nil {
		return fmt.Errorf("failed to create trade: %w", err)
	}
	return nil
}

func (p *Postgres) LastTrade(ctx context.Context) (*models.Trade, error) {
	trade := &models.Trade{}
	err := p.Pool.QueryRow(ctx,
		`SELECT id, buy_order_id, sell_order_id, buyer_id, seller_id, quantity, price, total_amount, executed_at
		 FROM trades ORDER BY executed_at DESC LIMIT 1`).Scan(
		&trade.ID, &trade.BuyOrderID, &trade.SellOrderID, &trade.BuyerID, &trade.SellerID,
		&trade.Quantity, &trade.Price, &trade.TotalAmount, &trade.ExecutedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get last trade: %w", err)
	}
	return trade, nil
}

func (p *Postgres) ListTrades(ctx context.Context) ([]models.Trade, error) {
	rows, err := p.Pool.Query(ctx,
		`SELECT id, buy_order_id, sell_order_id, buyer_id, seller_id, quantity, price, total_amount, executed_at
		 FROM trades ORDER BY executed_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list trades: %w", err)
	}
	defer rows.Close()
	return scanTrades(rows)
}

func (p *Postgres) ListTradesByUser(ctx context.Context, userID string) ([]models.Trade, error) {
	rows, err := p.Pool.Query(ctx,
		`SELECT id, buy_order_id, sell_order_id, buyer_id, seller_id, quantity, price, total_amount, executed_at
		 FROM trades WHERE buyer_id = $1 OR seller_id = $1 ORDER BY executed_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list user trades: %w", err)
	}
	defer rows.Close()
	return scanTrades(rows)
}

func scanTrades(rows pgx.Rows) ([]models.Trade, error) {
	var trades []models.Trade
	for rows.Next() {
		var trade models.Trade
		if err := rows.Scan(&trade.ID, &trade.BuyOrderID, &trade.SellOrderID, &trade.BuyerID, &trade.SellerID,
			&trade.Quantity, &trade.Price, &trade.TotalAmount, &trade.ExecutedAt); err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		trades = append(trades, trade)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return trades, nil
}

func (p *Postgres) SaveWallet(ctx context.Context, wallet *models.Wallet) error {
	transactions, err := json.Marshal(wallet.Transactions)
	if err != nil {
		return fmt.Errorf("failed to marshal transactions: %w", err)
	}
	_, err = p.Pool.Exec(ctx,
		`INSERT INTO wallets (user_id, balance, credit_balance, money_locked, credits_locked, transactions)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (user_id) DO UPDATE SET
			balance = EXCLUDED.balance,
			credit_balance = EXCLUDED.credit_balance,
			money_locked = EXCLUDED.money_locked,
			credits_locked = EXCLUDED.credits_locked,
			transactions = EXCLUDED.transactions`,
		wallet.UserID, wallet.Balance, wallet.CreditBalance,
		wallet.MoneyLocked, wallet.CreditsLocked, transactions)
	if err != nil {
		return fmt.Errorf("failed to save wallet: %w", err)
	}
	return nil
}

func (p *Postgres) ListWallets(ctx context.Context) ([]models.Wallet, error) {
	rows, err := p.Pool.Query(ctx,
		`SELECT user_id, balance, credit_balance, money_locked, credits_locked, transactions FROM wallets`)
	if err != nil {
		return nil, fmt.Errorf("failed to list wallets: %w", err)
	}
	defer rows.Close()

	var wallets []models.Wallet
	for rows.Next() {
		var wallet models.Wallet
		var transactions []byte
		if err := rows.Scan(&wallet.UserID, &wallet.Balance, &wallet.CreditBalance,
			&wallet.MoneyLocked, &wallet.CreditsLocked, &transactions); err != nil {
			return nil, fmt.Errorf("failed to scan wallet: %w", err)
		}
		if err := json.Unmarshal(transactions, &wallet.Transactions); err != nil {
			return nil, fmt.Errorf("failed to unmarshal transactions: %w", err)
		}
		wallets = append(wallets, wallet)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return wallets, nil
}

func (p *Postgres) CreateUser(ctx context.Context, user *models.User) error {
	_, err := p.Pool.Exec(ctx,
		`INSERT INTO users (id, username, password_hash, admin, created_at) VALUES ($1, $2, $3, $4, $5)`,
		user.ID, user.Username, user.PasswordHash, user.Admin, user.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateUsername
		}
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

func (p *Postgres) GetUser(ctx context.Context, id string) (*models.User, error) {
	user := &models.User{}
	err := p.Pool.QueryRow(ctx,
		`SELECT id, username, password_hash, admin, created_at FROM users WHERE id = $1`, id).Scan(
		&user.ID, &user.Username, &user.PasswordHash, &user.Admin, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

func (p *Postgres) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	user := &models.User{}
	err := p.Pool.QueryRow(ctx,
		`SELECT id, username, password_hash, admin, created_at FROM users WHERE username = $1`, username).Scan(
		&user.ID, &user.Username, &user.PasswordHash, &user.Admin, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

func (p *Postgres) CreateRetirement(ctx context.Context, r *models.Retirement) error {
	_, err := p.Pool.Exec(ctx,
		`INSERT INTO retirements (id, user_id, quantity, beneficiary, reason, retired_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		r.ID, r.UserID, r.Quantity, r.Beneficiary, r.Reason, r.RetiredAt)
	if err != nil {
		return fmt.Errorf("failed to create retirement: %w", err)
	}
	return nil
}

func (p *Postgres) ListRetirementsByUser(ctx context.Context, userID string) ([]models.Retirement, error) {
	rows, err := p.Pool.Query(ctx,
		`SELECT id, user_id, quantity, beneficiary, reason, retired_at
		 FROM retirements WHERE user_id = $1 ORDER BY retired_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list user retirements: %w", err)
	}
	defer rows.Close()
	return scanRetirements(rows)
}

func (p *Postgres) ListRetirements(ctx context.Context) ([]models.Retirement, error) {
	rows, err := p.Pool.Query(ctx,
		`SELECT id, user_id, quantity, beneficiary, reason, retired_at
		 FROM retirements ORDER BY retired_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list retirements: %w", err)
	}
	defer rows.Close()
	return scanRetirements(rows)
}

func scanRetirements(rows pgx.Rows) ([]models.Retirement, error) {
	var records []models.Retirement
	for rows.Next() {
		var r models.Retirement
		if err := rows.Scan(&r.ID, &r.UserID, &r.Quantity, &r.Beneficiary, &r.Reason, &r.RetiredAt); err != nil {
			return nil, fmt.Errorf("failed to scan retirement: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}
