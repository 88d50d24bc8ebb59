package models

import "time"

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// OrderStatus lifecycle: pending -> partial -> executed, or -> cancelled.
type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderPartial   OrderStatus = "partial"
	OrderExecuted  OrderStatus = "executed"
	OrderCancelled OrderStatus = "cancelled"
)

// Terminal reports whether the status is a final state.
func (s OrderStatus) Terminal() bool {
	return s == OrderExecuted || s == OrderCancelled
}

// User represents a registered user
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Admin        bool      `json:"admin"`
	CreatedAt    time.Time `json:"created_at"`
}

// Order represents a buy or sell order for carbon credits.
// Quantity is the remaining (unfilled) quantity; it only decreases.
type Order struct {
	ID          string      `json:"id"`
	UserID      string      `json:"user_id,omitempty"`
	Side        Side        `json:"side"`
	Price       float64     `json:"price"`        // Limit price in USD per credit
	Quantity    float64     `json:"quantity"`     // Remaining quantity in credits
	TotalAmount float64     `json:"total_amount"` // Original quantity x limit price
	Status      OrderStatus `json:"status"`
	CreatedAt   time.Time   `json:"created_at"` // Used for time priority
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
}

// Anonymized returns a copy safe to expose in the public order book.
func (o Order) Anonymized() Order {
	o.UserID = ""
	return o
}

// Trade represents an executed trade
type Trade struct {
	ID          string    `json:"id"`
	BuyOrderID  string    `json:"buy_order_id"`
	SellOrderID string    `json:"sell_order_id"`
	BuyerID     string    `json:"buyer_id"`
	SellerID    string    `json:"seller_id"`
	Quantity    float64   `json:"quantity"`
	Price       float64   `json:"price"` // Maker (sell) price at execution
	TotalAmount float64   `json:"total_amount"`
	ExecutedAt  time.Time `json:"executed_at"`
}

// TransactionType is the kind of entry recorded on a wallet.
type TransactionType string

const (
	TxDeposit    TransactionType = "deposit"
	TxWithdrawal TransactionType = "withdrawal"
	TxPurchase   TransactionType = "purchase"
	TxSale       TransactionType = "sale"
	TxRetirement TransactionType = "retirement"
)

// Transaction is one entry in a wallet's append-only log.
// Amount is the money delta (negative for spending), Credits the credit delta.
type Transaction struct {
	ID          string          `json:"id"`
	Type        TransactionType `json:"type"`
	Amount      float64         `json:"amount"`
	Credits     float64         `json:"credits"`
	Description string          `json:"description"`
	Timestamp   time.Time       `json:"timestamp"`
}

// Wallet holds a user's money and credit balances. Locked portions back
// open orders: MoneyLocked for buys, CreditsLocked for sells.
type Wallet struct {
	UserID        string        `json:"user_id"`
	Balance       float64       `json:"balance"`
	CreditBalance float64       `json:"credit_balance"`
	MoneyLocked   float64       `json:"money_locked"`
	CreditsLocked float64       `json:"credits_locked"`
	Transactions  []Transaction `json:"transactions"`
}

// Retirement is a permanent credit burn on behalf of a beneficiary.
type Retirement struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Quantity    float64   `json:"quantity"`
	Beneficiary string    `json:"beneficiary"`
	Reason      string    `json:"reason"`
	RetiredAt   time.Time `json:"retired_at"`
}
