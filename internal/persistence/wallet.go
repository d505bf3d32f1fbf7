package persistence

import (
	"CaseBattle/internal/battle"
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Wallet implements battle.Wallet on wallet.balances with a ledger row per
// movement. A reference already in the ledger makes the call a no-op.
type Wallet struct {
	db *sql.DB
}

func NewWallet(db *sql.DB) *Wallet {
	return &Wallet{db: db}
}

func (w *Wallet) Debit(ctx context.Context, userID uuid.UUID, amount decimal.Decimal, reference string) error {
	return inTx(ctx, w.db, func(tx *sql.Tx) error {
		applied, err := referenceApplied(ctx, tx, reference)
		if err != nil || applied {
			return err
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE wallet.balances SET balance = balance - $2, updated_at = NOW()
			WHERE user_id = $1 AND balance >= $2
		`, userID, amount)
		if err != nil {
			return fmt.Errorf("debit %s: %w", userID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: user %s needs %s", battle.ErrInsufficientFunds, userID, amount)
		}
		return recordEntry(ctx, tx, userID, amount.Neg(), reference)
	})
}

func (w *Wallet) Credit(ctx context.Context, userID uuid.UUID, amount decimal.Decimal, reference string) error {
	return inTx(ctx, w.db, func(tx *sql.Tx) error {
		applied, err := referenceApplied(ctx, tx, reference)
		if err != nil || applied {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO wallet.balances (user_id, balance) VALUES ($1, $2)
			ON CONFLICT (user_id) DO UPDATE SET balance = wallet.balances.balance + $2, updated_at = NOW()
		`, userID, amount)
		if err != nil {
			return fmt.Errorf("credit %s: %w", userID, err)
		}
		return recordEntry(ctx, tx, userID, amount, reference)
	})
}

// Balance returns zero for users without a row.
func (w *Wallet) Balance(ctx context.Context, userID uuid.UUID) (decimal.Decimal, error) {
	var bal decimal.Decimal
	err := w.db.QueryRowContext(ctx,
		`SELECT balance FROM wallet.balances WHERE user_id = $1`, userID).Scan(&bal)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, nil
	}
	return bal, err
}

func referenceApplied(ctx context.Context, tx *sql.Tx, reference string) (bool, error) {
	var exists int
	err := tx.QueryRowContext(ctx,
		`SELECT 1 FROM wallet.ledger WHERE reference = $1 LIMIT 1`, reference).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check reference %s: %w", reference, err)
	}
	return true, nil
}

func recordEntry(ctx context.Context, tx *sql.Tx, userID uuid.UUID, amount decimal.Decimal, reference string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO wallet.ledger (reference, user_id, amount) VALUES ($1, $2, $3)`,
		reference, userID, amount)
	if err != nil {
		return fmt.Errorf("record ledger entry %s: %w", reference, err)
	}
	return nil
}

var _ battle.Wallet = (*Wallet)(nil)
