package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/offsetx/exchange/internal/models"
	"github.com/offsetx/exchange/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrInsufficientBalance is returned when a reservation or debit would push
// an available balance negative.
var ErrInsufficientBalance = errors.New("insufficient balance")

// ErrConsistency is returned when a two-sided settlement cannot be applied in
// full. It is fatal to the triggering trade: the matching engine must stop
// rather than continue over a corrupted conservation invariant.
var ErrConsistency = errors.New("ledger consistency violation")

// Small slack for float drift when checking locked balances at settlement.
const balanceSlack = 1e-9

// Ledger is the source of truth for user balances. Every mutation on a single
// wallet is linearizable: it runs under that wallet's own lock, so operations
// on different users never contend. The persisted wallet image is written
// while the lock is held.
type Ledger struct {
	log   *zap.Logger
	store store.WalletStore

	mu      sync.RWMutex
	wallets map[string]*account
}

// account pairs a wallet with its lock.
type account struct {
	mu     sync.Mutex
	wallet models.Wallet
}

// New creates an empty ledger persisting wallet snapshots to st.
func New(log *zap.Logger, st store.WalletStore) *Ledger {
	return &Ledger{
		log:     log,
		store:   st,
		wallets: make(map[string]*account),
	}
}

// Load replaces the in-memory wallet set with the persisted one. Called once
// on startup before the exchange accepts requests.
func (l *Ledger) Load(ctx context.Context) error {
	wallets, err := l.store.ListWallets(ctx)
	if err != nil {
		return fmt.Errorf("failed to load wallets: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.wallets = make(map[string]*account, len(wallets))
	for _, wallet := range wallets {
		l.wallets[wallet.UserID] = &account{wallet: wallet}
	}
	l.log.Info("loaded wallets", zap.Int("count", len(wallets)))
	return nil
}

// acquire returns the account for userID, materializing a zero-balance wallet
// on first reference.
func (l *Ledger) acquire(userID string) *account {
	l.mu.RLock()
	a := l.wallets[userID]
	l.mu.RUnlock()
	if a != nil {
		return a
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if a = l.wallets[userID]; a == nil {
		a = &account{wallet: models.Wallet{UserID: userID}}
		l.wallets[userID] = a
	}
	return a
}

// CreateIfAbsent idempotently materializes a zero-balance wallet.
func (l *Ledger) CreateIfAbsent(ctx context.Context, userID string) error {
	a := l.acquire(userID)
	a.mu.Lock()
	defer a.mu.Unlock()
	return l.persist(ctx, a)
}

// Wallet returns a snapshot of the user's wallet.
func (l *Ledger) Wallet(ctx context.Context, userID string) (models.Wallet, error) {
	a := l.acquire(userID)
	a.mu.Lock()
	defer a.mu.Unlock()
	snapshot := a.wallet
	snapshot.Transactions = append([]models.Transaction(nil), a.wallet.Transactions...)
	return snapshot, nil
}

// ReserveFunds moves amount from the available money balance to the locked
// balance, failing with ErrInsufficientBalance if not covered.
func (l *Ledger) ReserveFunds(ctx context.Context, userID string, amount float64) error {
	a := l.acquire(userID)
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.wallet.Balance < amount {
		return fmt.Errorf("%w: cannot reserve %.2f, available %.2f", ErrInsufficientBalance, amount, a.wallet.Balance)
	}
	a.wallet.Balance -= amount
	a.wallet.MoneyLocked += amount
	return l.persist(ctx, a)
}

// ReserveCredits moves amount from the available credit balance to the locked
// balance, failing with ErrInsufficientBalance if not covered.
func (l *Ledger) ReserveCredits(ctx context.Context, userID string, amount float64) error {
	a := l.acquire(userID)
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.wallet.CreditBalance < amount {
		return fmt.Errorf("%w: cannot reserve %g credits, available %g", ErrInsufficientBalance, amount, a.wallet.CreditBalance)
	}
	a.wallet.CreditBalance -= amount
	a.wallet.CreditsLocked += amount
	return l.persist(ctx, a)
}

// ReleaseFunds moves amount from the locked money balance back to available.
// The locked balance is not checked against amount: an over-release drives it
// negative. Callers release at most what they reserved.
func (l *Ledger) ReleaseFunds(ctx context.Context, userID string, amount float64) error {
	a := l.acquire(userID)
	a.mu.Lock()
	defer a.mu.Unlock()
	a.wallet.MoneyLocked -= amount
	a.wallet.Balance += amount
	return l.persist(ctx, a)
}

// ReleaseCredits moves amount from the locked credit balance back to
// available. Like ReleaseFunds, the locked balance is not checked.
func (l *Ledger) ReleaseCredits(ctx context.Context, userID string, amount float64) error {
	a := l.acquire(userID)
	a.mu.Lock()
	defer a.mu.Unlock()
	a.wallet.CreditsLocked -= amount
	a.wallet.CreditBalance += amount
	return l.persist(ctx, a)
}

// SettleTrade applies both sides of a trade as one step: the buyer's locked
// money pays for credits, the seller's locked credits convert to money. Both
// wallets are locked for the duration (in userID order, to avoid deadlock),
// so a partial application is never observable. If either locked balance
// cannot cover its leg the settlement is rejected with ErrConsistency and
// neither wallet changes.
func (l *Ledger) SettleTrade(ctx context.Context, buyerID, sellerID string, quantity, price float64) error {
	if buyerID == sellerID {
		return fmt.Errorf("%w: buyer and seller are the same user %s", ErrConsistency, buyerID)
	}
	cost := quantity * price

	buyer := l.acquire(buyerID)
	seller := l.acquire(sellerID)
	first, second := buyer, seller
	if sellerID < buyerID {
		first, second = seller, buyer
	}
	first.mu.Lock()
	defer first.mu.Unlock()
	second.mu.Lock()
	defer second.mu.Unlock()

	if buyer.wallet.MoneyLocked+balanceSlack < cost {
		return fmt.Errorf("%w: buyer %s locked money %.2f below settlement cost %.2f",
			ErrConsistency, buyerID, buyer.wallet.MoneyLocked, cost)
	}
	if seller.wallet.CreditsLocked+balanceSlack < quantity {
		return fmt.Errorf("%w: seller %s locked credits %g below settlement quantity %g",
			ErrConsistency, sellerID, seller.wallet.CreditsLocked, quantity)
	}

	now := time.Now()
	buyer.wallet.MoneyLocked -= cost
	buyer.wallet.CreditBalance += quantity
	buyer.wallet.Transactions = append(buyer.wallet.Transactions, models.Transaction{
		ID:          uuid.NewString(),
		Type:        models.TxPurchase,
		Amount:      -cost,
		Credits:     quantity,
		Description: fmt.Sprintf("Bought %g credits @ $%.2f", quantity, price),
		Timestamp:   now,
	})

	seller.wallet.CreditsLocked -= quantity
	seller.wallet.Balance += cost
	seller.wallet.Transactions = append(seller.wallet.Transactions, models.Transaction{
		ID:          uuid.NewString(),
		Type:        models.TxSale,
		Amount:      cost,
		Credits:     -quantity,
		Description: fmt.Sprintf("Sold %g credits @ $%.2f", quantity, price),
		Timestamp:   now,
	})

	if err := l.persist(ctx, buyer); err != nil {
		return err
	}
	return l.persist(ctx, seller)
}

// UpdateBalance applies signed deltas to the available balances. Used for
// deposits, withdrawals and minting or burning credits. The money balance may
// not go negative; the credit balance may, modeling a carbon debt.
func (l *Ledger) UpdateBalance(ctx context.Context, userID string, moneyDelta, creditDelta float64) error {
	a := l.acquire(userID)
	a.mu.Lock()
	defer a.mu.Unlock()
	if moneyDelta < 0 && a.wallet.Balance < -moneyDelta {
		return fmt.Errorf("%w: cannot debit %.2f, available %.2f", ErrInsufficientBalance, -moneyDelta, a.wallet.Balance)
	}
	a.wallet.Balance += moneyDelta
	a.wallet.CreditBalance += creditDelta
	return l.persist(ctx, a)
}

// Deposit credits amount to the available money balance and records a
// deposit transaction.
func (l *Ledger) Deposit(ctx context.Context, userID string, amount float64) error {
	a := l.acquire(userID)
	a.mu.Lock()
	defer a.mu.Unlock()
	a.wallet.Balance += amount
	a.wallet.Transactions = append(a.wallet.Transactions, models.Transaction{
		ID:          uuid.NewString(),
		Type:        models.TxDeposit,
		Amount:      amount,
		Description: fmt.Sprintf("Deposited $%.2f", amount),
		Timestamp:   time.Now(),
	})
	return l.persist(ctx, a)
}

// Retire burns quantity credits from the available balance immediately, with
// no reservation phase, and records a retirement transaction.
func (l *Ledger) Retire(ctx context.Context, userID string, quantity float64) error {
	a := l.acquire(userID)
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.wallet.CreditBalance < quantity {
		return fmt.Errorf("%w: cannot retire %g credits, available %g", ErrInsufficientBalance, quantity, a.wallet.CreditBalance)
	}
	a.wallet.CreditBalance -= quantity
	a.wallet.Transactions = append(a.wallet.Transactions, models.Transaction{
		ID:          uuid.NewString(),
		Type:        models.TxRetirement,
		Credits:     -quantity,
		Description: fmt.Sprintf("Retired %g credits", quantity),
		Timestamp:   time.Now(),
	})
	return l.persist(ctx, a)
}

// persist writes the wallet snapshot through to storage. Must be called with
// the account lock held.
func (l *Ledger) persist(ctx context.Context, a *account) error {
	snapshot := a.wallet
	snapshot.Transactions = append([]models.Transaction(nil), a.wallet.Transactions...)
	if err := l.store.SaveWallet(ctx, &snapshot); err != nil {
		l.log.Error("failed to persist wallet", zap.String("user_id", a.wallet.UserID), zap.Error(err))
		return fmt.Errorf("failed to persist wallet: %w", err)
	}
	return nil
}
