package memstore

import (
	"CaseBattle/internal/battle"
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Entry is one applied balance movement.
type Entry struct {
	UserID    uuid.UUID
	Amount    decimal.Decimal // negative for debits
	Reference string
}

// Wallet implements battle.Wallet. A reference is applied at most once.
type Wallet struct {
	mu       sync.Mutex
	balances map[uuid.UUID]decimal.Decimal
	applied  map[string]bool
	entries  []Entry
	failing  map[string]error // "debit" / "credit"
}

func NewWallet() *Wallet {
	return &Wallet{
		balances: make(map[uuid.UUID]decimal.Decimal),
		applied:  make(map[string]bool),
		failing:  make(map[string]error),
	}
}

// Fund sets a starting balance.
func (w *Wallet) Fund(userID uuid.UUID, amount decimal.Decimal) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.balances[userID] = w.balances[userID].Add(amount)
}

// SetFault makes "debit" or "credit" fail with err until cleared with nil.
func (w *Wallet) SetFault(op string, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err == nil {
		delete(w.failing, op)
		return
	}
	w.failing[op] = err
}

func (w *Wallet) Debit(_ context.Context, userID uuid.UUID, amount decimal.Decimal, reference string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.failing["debit"]; err != nil {
		return err
	}
	if w.applied[reference] {
		return nil
	}
	if w.balances[userID].LessThan(amount) {
		return fmt.Errorf("%w: balance %s, need %s", battle.ErrInsufficientFunds, w.balances[userID], amount)
	}
	w.apply(userID, amount.Neg(), reference)
	return nil
}

func (w *Wallet) Credit(_ context.Context, userID uuid.UUID, amount decimal.Decimal, reference string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.failing["credit"]; err != nil {
		return err
	}
	if w.applied[reference] {
		return nil
	}
	w.apply(userID, amount, reference)
	return nil
}

func (w *Wallet) apply(userID uuid.UUID, delta decimal.Decimal, reference string) {
	w.balances[userID] = w.balances[userID].Add(delta)
	w.applied[reference] = true
	w.entries = append(w.entries, Entry{UserID: userID, Amount: delta, Reference: reference})
}

func (w *Wallet) Balance(userID uuid.UUID) decimal.Decimal {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.balances[userID]
}

// Entries returns every applied movement in order.
func (w *Wallet) Entries() []Entry {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Entry, len(w.entries))
	copy(out, w.entries)
	return out
}
