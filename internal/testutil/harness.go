package testutil

import (
	"CaseBattle/internal/battle"
	"CaseBattle/internal/event"
	"CaseBattle/internal/eventbus"
	"CaseBattle/internal/fairness"
	"CaseBattle/internal/memstore"
	"CaseBattle/internal/observability"
	"CaseBattle/internal/pricing"
	"CaseBattle/internal/settlement"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Harness wires a complete in-memory battle engine.
type Harness struct {
	Store        *memstore.Store
	Wallet       *memstore.Wallet
	Catalog      *memstore.Catalog
	Oracle       *pricing.Oracle
	Bus          *eventbus.Bus
	Resolver     *settlement.Resolver
	Orchestrator *battle.Orchestrator
	Registry     *prometheus.Registry
	Metrics      *observability.Metrics
	Events       *Recorder
}

type harnessOptions struct {
	engine  *fairness.Engine
	battle  battle.Config
	bus     eventbus.Config
	pricing pricing.Config
}

type HarnessOption func(*harnessOptions)

// WithEngine sets the fairness engine used for both rounds and tie-breaks.
func WithEngine(e *fairness.Engine) HarnessOption {
	return func(o *harnessOptions) { o.engine = e }
}

// WithBattleConfig edits the orchestrator config.
func WithBattleConfig(fn func(*battle.Config)) HarnessOption {
	return func(o *harnessOptions) { fn(&o.battle) }
}

// NewHarness builds the engine over memstore with zero pull pacing and a
// permissive event rate limit. Everything is shut down on test cleanup.
func NewHarness(t *testing.T, opts ...HarnessOption) *Harness {
	t.Helper()

	o := harnessOptions{
		engine:  fairness.NewEngine(),
		battle:  battle.DefaultConfig(),
		bus:     eventbus.DefaultConfig(),
		pricing: pricing.DefaultConfig(),
	}
	o.battle.PullDelay = 0
	o.battle.RoundTimeout = 5 * time.Second
	o.battle.SettleTimeout = 5 * time.Second
	o.bus.RateLimit = 10_000
	o.bus.InitialBackoff = time.Millisecond
	o.bus.MaxBackoff = 5 * time.Millisecond
	for _, opt := range opts {
		opt(&o)
	}

	logger := zerolog.Nop()
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)

	h := &Harness{
		Store:    memstore.NewStore(),
		Wallet:   memstore.NewWallet(),
		Catalog:  memstore.NewCatalog(),
		Registry: reg,
		Metrics:  metrics,
	}
	h.Oracle = pricing.NewOracle(h.Catalog, o.pricing, logger, metrics)
	h.Bus = eventbus.New(o.bus, logger, metrics)
	h.Events = NewRecorder()
	h.Bus.SubscribeAll(h.Events)

	h.Resolver = settlement.NewResolver(settlement.Deps{
		Store:   h.Store,
		Wallet:  h.Wallet,
		Valuer:  h.Oracle,
		Engine:  o.engine,
		Bus:     h.Bus,
		Logger:  logger,
		Metrics: metrics,
	})
	h.Orchestrator = battle.NewOrchestrator(battle.Deps{
		Store:   h.Store,
		Wallet:  h.Wallet,
		Catalog: h.Catalog,
		Engine:  o.engine,
		Settler: h.Resolver,
		Bus:     h.Bus,
		Logger:  logger,
		Metrics: metrics,
	}, o.battle)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h.Orchestrator.Shutdown(ctx)
		h.Bus.Close(ctx)
	})
	return h
}

// AddCase registers a case costing price.
func (h *Harness) AddCase(id string, price float64, items ...battle.CaseItem) {
	h.Catalog.AddCase(battle.Case{
		ID:    id,
		Name:  id,
		Price: decimal.NewFromFloat(price),
		Items: items,
	})
}

// Item builds a case item.
func Item(id string, probability, value float64) battle.CaseItem {
	return battle.CaseItem{
		ItemID:      id,
		Name:        id,
		Probability: probability,
		Value:       decimal.NewFromFloat(value),
	}
}

// FundedUsers creates n users holding balance each.
func (h *Harness) FundedUsers(n int, balance float64) []uuid.UUID {
	users := make([]uuid.UUID, n)
	for i := range users {
		users[i] = uuid.New()
		h.Wallet.Fund(users[i], decimal.NewFromFloat(balance))
	}
	return users
}

// RunBattle creates a battle, joins every user and waits for its
// supervisor to finish.
func (h *Harness) RunBattle(t *testing.T, mode battle.Mode, caseIDs []string, users []uuid.UUID) *battle.Battle {
	t.Helper()
	ctx := context.Background()

	b, err := h.Orchestrator.CreateBattle(ctx, battle.CreateRequest{
		CreatorID:       users[0],
		Mode:            mode,
		MaxParticipants: len(users),
		CaseIDs:         caseIDs,
	})
	if err != nil {
		t.Fatalf("CreateBattle: %v", err)
	}
	for i, u := range users {
		if _, err := h.Orchestrator.JoinBattle(ctx, battle.JoinRequest{
			BattleID:   b.ID,
			UserID:     u,
			Username:   u.String()[:8],
			ClientSeed: "client-" + string(rune('a'+i)),
		}); err != nil {
			t.Fatalf("JoinBattle(%d): %v", i, err)
		}
	}

	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := h.Orchestrator.Wait(waitCtx, b.ID); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	final, err := h.Store.GetBattle(ctx, b.ID)
	if err != nil {
		t.Fatalf("GetBattle: %v", err)
	}
	return final
}

// Recorder collects every delivered envelope.
type Recorder struct {
	mu     sync.Mutex
	events []event.Envelope
	notify chan struct{}
}

func NewRecorder() *Recorder {
	return &Recorder{notify: make(chan struct{}, 1)}
}

func (r *Recorder) Deliver(_ context.Context, env event.Envelope) error {
	r.mu.Lock()
	r.events = append(r.events, env)
	r.mu.Unlock()
	select {
	case r.notify <- struct{}{}:
	default:
	}
	return nil
}

// For returns the envelopes of one battle in delivery order.
func (r *Recorder) For(battleID uuid.UUID) []event.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []event.Envelope
	for _, env := range r.events {
		if env.BattleID == battleID {
			out = append(out, env)
		}
	}
	return out
}

// Types returns the event types of one battle in delivery order.
func (r *Recorder) Types(battleID uuid.UUID) []event.Type {
	var out []event.Type
	for _, env := range r.For(battleID) {
		out = append(out, env.Type)
	}
	return out
}

// WaitFor blocks until an envelope of typ for battleID has arrived.
func (r *Recorder) WaitFor(t *testing.T, battleID uuid.UUID, typ event.Type) event.Envelope {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		for _, env := range r.For(battleID) {
			if env.Type == typ {
				return env
			}
		}
		select {
		case <-r.notify:
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			t.Fatalf("no %s event for battle %s", typ, battleID)
		}
	}
}
