package memstore

import (
	"CaseBattle/internal/battle"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Catalog implements battle.Catalog and pricing.Source over the same item
// set, so a dev server has consistent case tables and market data.
type Catalog struct {
	mu      sync.RWMutex
	cases   map[string]*battle.Case
	current map[string]decimal.Decimal
	history map[string][]PricePoint
}

type PricePoint struct {
	At    time.Time       `json:"at"`
	Value decimal.Decimal `json:"value"`
}

func NewCatalog() *Catalog {
	return &Catalog{
		cases:   make(map[string]*battle.Case),
		current: make(map[string]decimal.Decimal),
		history: make(map[string][]PricePoint),
	}
}

// AddCase registers a case and seeds each item's current market value with
// its catalog value unless a price is already set.
func (c *Catalog) AddCase(cs battle.Case) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := cs
	cp.Items = slices.Clone(cs.Items)
	c.cases[cs.ID] = &cp
	for _, it := range cs.Items {
		if _, ok := c.current[it.ItemID]; !ok {
			c.current[it.ItemID] = it.Value
		}
	}
}

func (c *Catalog) SetPrice(itemID string, value decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current[itemID] = value
}

func (c *Catalog) AddHistory(itemID string, points ...PricePoint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history[itemID] = append(c.history[itemID], points...)
}

func (c *Catalog) GetCase(_ context.Context, caseID string) (*battle.Case, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cs, ok := c.cases[caseID]
	if !ok {
		return nil, fmt.Errorf("%w: case %s", battle.ErrNotFound, caseID)
	}
	cp := *cs
	cp.Items = slices.Clone(cs.Items)
	return &cp, nil
}

func (c *Catalog) CurrentValue(_ context.Context, itemID string) (decimal.Decimal, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.current[itemID]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: price for item %s", battle.ErrNotFound, itemID)
	}
	return v, nil
}

func (c *Catalog) History(_ context.Context, itemID string, since time.Time) ([]decimal.Decimal, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []decimal.Decimal
	for _, p := range c.history[itemID] {
		if !p.At.Before(since) {
			out = append(out, p.Value)
		}
	}
	return out, nil
}

type catalogFile struct {
	Cases   []battle.Case           `json:"cases"`
	History map[string][]PricePoint `json:"history"`
}

// Load reads a JSON catalog of the form {"cases": [...], "history": {...}}.
func (c *Catalog) Load(r io.Reader) error {
	var f catalogFile
	if err := json.NewDecoder(r).Decode(&f); err != nil {
		return fmt.Errorf("decode catalog: %w", err)
	}
	for _, cs := range f.Cases {
		c.AddCase(cs)
	}
	for itemID, points := range f.History {
		c.AddHistory(itemID, points...)
	}
	return nil
}
