package persistence

import (
	"CaseBattle/internal/battle"
	"CaseBattle/internal/pricing"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/shopspring/decimal"
)

// Catalog serves case tables and item prices from the catalog schema.
type Catalog struct {
	db *sql.DB
}

func NewCatalog(db *sql.DB) *Catalog {
	return &Catalog{db: db}
}

func (c *Catalog) GetCase(ctx context.Context, caseID string) (*battle.Case, error) {
	var cs battle.Case
	err := c.db.QueryRowContext(ctx,
		`SELECT id, name, price FROM catalog.cases WHERE id = $1`, caseID).Scan(&cs.ID, &cs.Name, &cs.Price)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: case %s", battle.ErrNotFound, caseID)
	}
	if err != nil {
		return nil, fmt.Errorf("get case %s: %w", caseID, err)
	}

	rows, err := c.db.QueryContext(ctx, `
		SELECT item_id, name, probability, value FROM catalog.case_items
		WHERE case_id = $1 ORDER BY item_id
	`, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var it battle.CaseItem
		if err := rows.Scan(&it.ItemID, &it.Name, &it.Probability, &it.Value); err != nil {
			return nil, err
		}
		cs.Items = append(cs.Items, it)
	}
	return &cs, rows.Err()
}

func (c *Catalog) CurrentValue(ctx context.Context, itemID string) (decimal.Decimal, error) {
	var v decimal.Decimal
	err := c.db.QueryRowContext(ctx,
		`SELECT value FROM catalog.item_prices WHERE item_id = $1`, itemID).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, fmt.Errorf("%w: price for item %s", battle.ErrNotFound, itemID)
	}
	return v, err
}

func (c *Catalog) History(ctx context.Context, itemID string, since time.Time) ([]decimal.Decimal, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT value FROM catalog.price_history
		WHERE item_id = $1 AND observed_at >= $2
		ORDER BY observed_at
	`, itemID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []decimal.Decimal
	for rows.Next() {
		var v decimal.Decimal
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// UpsertCase replaces a case and its item table. Items without a market
// price get their catalog value as the current price.
func (c *Catalog) UpsertCase(ctx context.Context, cs battle.Case) error {
	return inTx(ctx, c.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO catalog.cases (id, name, price) VALUES ($1, $2, $3)
			ON CONFLICT (id) DO UPDATE SET name = $2, price = $3
		`, cs.ID, cs.Name, cs.Price)
		if err != nil {
			return fmt.Errorf("upsert case %s: %w", cs.ID, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM catalog.case_items WHERE case_id = $1`, cs.ID); err != nil {
			return err
		}
		for _, it := range cs.Items {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO catalog.case_items (case_id, item_id, name, probability, value)
				VALUES ($1, $2, $3, $4, $5)
			`, cs.ID, it.ItemID, it.Name, it.Probability, it.Value)
			if err != nil {
				return fmt.Errorf("insert item %s of case %s: %w", it.ItemID, cs.ID, err)
			}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO catalog.item_prices (item_id, value) VALUES ($1, $2)
				ON CONFLICT (item_id) DO NOTHING
			`, it.ItemID, it.Value)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// RecordPrice stores an observation in the history and makes it the
// current price.
func (c *Catalog) RecordPrice(ctx context.Context, itemID string, at time.Time, value decimal.Decimal) error {
	return inTx(ctx, c.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO catalog.price_history (item_id, observed_at, value) VALUES ($1, $2, $3)
			ON CONFLICT (item_id, observed_at) DO UPDATE SET value = $3
		`, itemID, at, value)
		if err != nil {
			return fmt.Errorf("record price for %s: %w", itemID, err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO catalog.item_prices (item_id, value, updated_at) VALUES ($1, $2, $3)
			ON CONFLICT (item_id) DO UPDATE SET value = $2, updated_at = $3
			WHERE catalog.item_prices.updated_at <= $3
		`, itemID, value, at)
		return err
	})
}

// SeedFile is the JSON catalog format shared with the in-memory catalog.
type SeedFile struct {
	Cases   []battle.Case `json:"cases"`
	History map[string][]struct {
		At    time.Time       `json:"at"`
		Value decimal.Decimal `json:"value"`
	} `json:"history"`
}

// Seed loads cases and price history from r. It returns how many cases
// and price points were written.
func (c *Catalog) Seed(ctx context.Context, r io.Reader) (cases, points int, err error) {
	var f SeedFile
	if err := json.NewDecoder(r).Decode(&f); err != nil {
		return 0, 0, fmt.Errorf("decode catalog: %w", err)
	}
	for _, cs := range f.Cases {
		if err := c.UpsertCase(ctx, cs); err != nil {
			return cases, points, err
		}
		cases++
	}
	for itemID, history := range f.History {
		for _, p := range history {
			if err := c.RecordPrice(ctx, itemID, p.At, p.Value); err != nil {
				return cases, points, err
			}
			points++
		}
	}
	return cases, points, nil
}

var (
	_ battle.Catalog = (*Catalog)(nil)
	_ pricing.Source = (*Catalog)(nil)
)
