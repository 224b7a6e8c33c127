package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"battle-quiz-service/internal/domain"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// Wallet keeps balances as decimal strings. Each movement is one WATCH/MULTI
// transaction over the balance and its reference marker, so a debit never
// overdraws and a reference is applied at most once.
type Wallet struct {
	client   *redis.Client
	attempts int
}

func NewWallet(client *redis.Client, attempts int) *Wallet {
	if attempts <= 0 {
		attempts = defaultAttempts
	}
	return &Wallet{client: client, attempts: attempts}
}

// Deposit seeds a balance outside the ledger (tests and demo mode).
func (w *Wallet) Deposit(ctx context.Context, userID string, amount decimal.Decimal) error {
	return w.apply(ctx, domain.LedgerEntry{UserID: userID, Amount: amount}, false, false)
}

func (w *Wallet) TryDebit(ctx context.Context, entry domain.LedgerEntry) error {
	return w.apply(ctx, entry, true, true)
}

func (w *Wallet) Credit(ctx context.Context, entry domain.LedgerEntry) error {
	return w.apply(ctx, entry, false, true)
}

func (w *Wallet) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	return readBalance(ctx, w.client, userID)
}

func (w *Wallet) Transactions(ctx context.Context, userID string) ([]domain.LedgerEntry, error) {
	raw, err := w.client.LRange(ctx, ledgerKey(userID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]domain.LedgerEntry, 0, len(raw))
	for _, item := range raw {
		var entry domain.LedgerEntry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			return nil, fmt.Errorf("decode ledger entry: %w", err)
		}
		out = append(out, entry)
	}
	return out, nil
}

func (w *Wallet) apply(ctx context.Context, entry domain.LedgerEntry, debit, ledger bool) error {
	if !entry.Amount.IsPositive() {
		return fmt.Errorf("ledger amount must be positive, got %s", entry.Amount)
	}
	if ledger && entry.Reference == "" {
		return fmt.Errorf("ledger entry needs a reference")
	}
	if entry.Status == "" {
		entry.Status = domain.LedgerCompleted
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	keys := []string{balanceKey(entry.UserID)}
	if ledger {
		keys = append(keys, referenceKey(entry.Reference))
	}
	return watch(ctx, w.client, w.attempts, func(tx *redis.Tx) error {
		if ledger {
			n, err := tx.Exists(ctx, referenceKey(entry.Reference)).Result()
			if err != nil {
				return err
			}
			if n > 0 {
				return nil
			}
		}
		balance, err := readBalance(ctx, tx, entry.UserID)
		if err != nil {
			return err
		}
		if debit {
			if balance.LessThan(entry.Amount) {
				return domain.ErrInsufficientFunds
			}
			balance = balance.Sub(entry.Amount)
		} else {
			balance = balance.Add(entry.Amount)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, balanceKey(entry.UserID), balance.String(), 0)
			if ledger {
				pipe.Set(ctx, referenceKey(entry.Reference), entry.UserID, 0)
				pipe.RPush(ctx, ledgerKey(entry.UserID), data)
			}
			return nil
		})
		return err
	}, keys...)
}

func readBalance(ctx context.Context, g getter, userID string) (decimal.Decimal, error) {
	raw, err := g.Get(ctx, balanceKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	balance, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("corrupt balance for %s: %w", userID, err)
	}
	return balance, nil
}
