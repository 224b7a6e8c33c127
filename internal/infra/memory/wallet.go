package memory

import (
	"context"
	"fmt"
	"sync"

	"battle-quiz-service/internal/domain"
	"github.com/shopspring/decimal"
)

// Wallet is an in-memory app.Wallet. A single mutex makes every debit a
// check-and-decrement that cannot interleave with another movement.
type Wallet struct {
	mu       sync.Mutex
	balances map[string]decimal.Decimal
	applied  map[string]struct{}
	ledger   map[string][]domain.LedgerEntry
}

func NewWallet() *Wallet {
	return &Wallet{
		balances: make(map[string]decimal.Decimal),
		applied:  make(map[string]struct{}),
		ledger:   make(map[string][]domain.LedgerEntry),
	}
}

// Deposit seeds a balance outside the ledger (tests and demo mode).
func (w *Wallet) Deposit(userID string, amount decimal.Decimal) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.balances[userID] = w.balances[userID].Add(amount)
}

func (w *Wallet) TryDebit(_ context.Context, entry domain.LedgerEntry) error {
	if err := validateEntry(entry); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, done := w.applied[entry.Reference]; done {
		return nil
	}
	balance := w.balances[entry.UserID]
	if balance.LessThan(entry.Amount) {
		return domain.ErrInsufficientFunds
	}
	w.balances[entry.UserID] = balance.Sub(entry.Amount)
	w.recordLocked(entry)
	return nil
}

func (w *Wallet) Credit(_ context.Context, entry domain.LedgerEntry) error {
	if err := validateEntry(entry); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, done := w.applied[entry.Reference]; done {
		return nil
	}
	w.balances[entry.UserID] = w.balances[entry.UserID].Add(entry.Amount)
	w.recordLocked(entry)
	return nil
}

func (w *Wallet) Balance(_ context.Context, userID string) (decimal.Decimal, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.balances[userID], nil
}

func (w *Wallet) Transactions(_ context.Context, userID string) ([]domain.LedgerEntry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]domain.LedgerEntry(nil), w.ledger[userID]...), nil
}

func (w *Wallet) recordLocked(entry domain.LedgerEntry) {
	if entry.Status == "" {
		entry.Status = domain.LedgerCompleted
	}
	w.applied[entry.Reference] = struct{}{}
	w.ledger[entry.UserID] = append(w.ledger[entry.UserID], entry)
}

func validateEntry(entry domain.LedgerEntry) error {
	if entry.UserID == "" || entry.Reference == "" {
		return fmt.Errorf("ledger entry needs user and reference")
	}
	if !entry.Amount.IsPositive() {
		return fmt.Errorf("ledger amount must be positive, got %s", entry.Amount)
	}
	return nil
}
