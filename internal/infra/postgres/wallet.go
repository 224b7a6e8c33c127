package postgres

import (
	"context"
	"fmt"
	"time"

	"battle-quiz-service/internal/domain"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/shopspring/decimal"
)

// Wallet is the durable app.Wallet. Each movement runs in one transaction: the
// reference row is claimed first, so a replayed movement inserts nothing and
// leaves the balance alone.
type Wallet struct {
	pool *pgxpool.Pool
}

func NewWallet(pool *pgxpool.Pool) *Wallet {
	return &Wallet{pool: pool}
}

// Deposit tops up a balance outside the ledger (tests and demo mode).
func (w *Wallet) Deposit(ctx context.Context, userID string, amount decimal.Decimal) error {
	_, err := w.pool.Exec(ctx, `
		INSERT INTO wallets (user_id, balance) VALUES ($1, $2::numeric)
		ON CONFLICT (user_id) DO UPDATE SET balance = wallets.balance + EXCLUDED.balance, updated_at = NOW()`,
		userID, amount.String())
	return err
}

func (w *Wallet) TryDebit(ctx context.Context, entry domain.LedgerEntry) error {
	return w.move(ctx, entry, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE wallets SET balance = balance - $2::numeric, updated_at = NOW()
			WHERE user_id = $1 AND balance >= $2::numeric`,
			entry.UserID, entry.Amount.String())
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return domain.ErrInsufficientFunds
		}
		return nil
	})
}

func (w *Wallet) Credit(ctx context.Context, entry domain.LedgerEntry) error {
	return w.move(ctx, entry, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO wallets (user_id, balance) VALUES ($1, $2::numeric)
			ON CONFLICT (user_id) DO UPDATE SET balance = wallets.balance + EXCLUDED.balance, updated_at = NOW()`,
			entry.UserID, entry.Amount.String())
		return err
	})
}

func (w *Wallet) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	var raw string
	err := w.pool.QueryRow(ctx, `SELECT COALESCE((SELECT balance::text FROM wallets WHERE user_id = $1), '0')`, userID).Scan(&raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("read balance: %w", err)
	}
	return decimal.NewFromString(raw)
}

func (w *Wallet) Transactions(ctx context.Context, userID string) ([]domain.LedgerEntry, error) {
	rows, err := w.pool.Query(ctx, `
		SELECT user_id, amount::text, kind, reference, status, created_at
		FROM wallet_transactions WHERE user_id = $1 ORDER BY created_at, reference`, userID)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var out []domain.LedgerEntry
	for rows.Next() {
		var (
			entry  domain.LedgerEntry
			amount string
			kind   string
		)
		if err := rows.Scan(&entry.UserID, &amount, &kind, &entry.Reference, &entry.Status, &entry.CreatedAt); err != nil {
			return nil, err
		}
		if entry.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, err
		}
		entry.Kind = domain.LedgerKind(kind)
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (w *Wallet) move(ctx context.Context, entry domain.LedgerEntry, apply func(pgx.Tx) error) error {
	if !entry.Amount.IsPositive() || entry.Reference == "" {
		return fmt.Errorf("invalid ledger entry %q amount %s", entry.Reference, entry.Amount)
	}
	if entry.Status == "" {
		entry.Status = domain.LedgerCompleted
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	return w.pool.BeginFunc(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO wallet_transactions (reference, user_id, amount, kind, status, created_at)
			VALUES ($1, $2, $3::numeric, $4, $5, $6)
			ON CONFLICT (reference) DO NOTHING`,
			entry.Reference, entry.UserID, entry.Amount.String(), string(entry.Kind), entry.Status, entry.CreatedAt.UTC())
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			// already applied
			return nil
		}
		return apply(tx)
	})
}
