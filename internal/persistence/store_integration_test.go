package persistence_test

import (
	"CaseBattle/internal/battle"
	"CaseBattle/internal/fairness"
	"CaseBattle/internal/persistence"
	"CaseBattle/internal/testutil"
	"context"
	"database/sql"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func setup(t *testing.T) *sql.DB {
	t.Helper()
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	t.Cleanup(cleanup)

	m := persistence.NewMigrator(db, os.DirFS("../../migrations"), zerolog.Nop())
	if _, err := m.Up(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func newBattle(t *testing.T, s *persistence.Store, seats int, fee int64) *battle.Battle {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Microsecond)
	b := &battle.Battle{
		ID:              uuid.New(),
		Mode:            battle.ModeStandard,
		MaxParticipants: seats,
		EntryFee:        decimal.NewFromInt(fee),
		TotalPot:        decimal.Zero,
		RoundsCount:     1,
		Status:          battle.StatusWaiting,
		CreatorID:       uuid.New(),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.CreateBattle(context.Background(), b); err != nil {
		t.Fatalf("CreateBattle: %v", err)
	}
	if err := s.LinkCases(context.Background(), b.ID, []string{"case-a"}); err != nil {
		t.Fatalf("LinkCases: %v", err)
	}
	return b
}

func join(ctx context.Context, s *persistence.Store, battleID uuid.UUID) (*battle.JoinOutcome, error) {
	return s.InsertParticipantAndMaybeTransition(ctx, &battle.Participant{
		ID:         uuid.New(),
		BattleID:   battleID,
		UserID:     uuid.New(),
		ClientSeed: "seed",
		JoinedAt:   time.Now().UTC(),
	})
}

// =============================================================================
// Store
// =============================================================================

func TestIntegration_StoreLifecycle(t *testing.T) {
	db := setup(t)
	ctx := context.Background()
	s := persistence.NewStore(db)
	b := newBattle(t, s, 2, 10)

	first, err := join(ctx, s, b.ID)
	if err != nil || first.Locked {
		t.Fatalf("first join = %+v, %v", first, err)
	}
	second, err := join(ctx, s, b.ID)
	if err != nil || !second.Locked || second.Participant.Position != 2 {
		t.Fatalf("second join = %+v, %v", second, err)
	}
	if !second.Battle.TotalPot.Equal(decimal.NewFromInt(20)) {
		t.Fatalf("pot = %s, want 20", second.Battle.TotalPot)
	}

	if _, err := s.TransitionStatus(ctx, battle.Transition{
		BattleID: b.ID, From: []battle.Status{battle.StatusLocking}, To: battle.StatusInProgress,
	}); err != nil {
		t.Fatalf("start: %v", err)
	}

	engine := fairness.NewEngine()
	seed, hash, err := engine.Commit("")
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	round := &battle.Round{
		ID: uuid.New(), BattleID: b.ID, RoundIndex: 1, CaseID: "case-a", ServerSeedHash: hash,
		Items:     fairness.Canonical([]fairness.Item{{ID: "y", Probability: 50}, {ID: "x", Probability: 50}}),
		CreatedAt: time.Now().UTC(),
	}
	if err := s.CommitServerSeedHash(ctx, round); err != nil {
		t.Fatalf("CommitServerSeedHash: %v", err)
	}
	if err := s.CommitServerSeedHash(ctx, round); err == nil {
		t.Fatal("second commit of the same round succeeded")
	}

	parts, err := s.ListParticipants(ctx, b.ID)
	if err != nil || len(parts) != 2 {
		t.Fatalf("participants = %v, %v", parts, err)
	}
	for _, p := range parts {
		pull := &battle.Pull{
			ID: uuid.New(), RoundID: round.ID, BattleID: b.ID, RoundIndex: 1, ParticipantID: p.ID,
			ItemID: "x", ItemValue: decimal.NewFromInt(5), ClientSeed: p.ClientSeed, Nonce: 1,
			Context: battle.PullContext(b.ID, p.Position), Hash: "h", MappedRoll: 12.5, CreatedAt: time.Now().UTC(),
		}
		if err := s.RecordPull(ctx, pull); err != nil {
			t.Fatalf("RecordPull: %v", err)
		}
	}

	rounds, _ := s.ListRounds(ctx, b.ID)
	if len(rounds) != 1 || rounds[0].RevealedServerSeed != "" {
		t.Fatalf("seed visible before reveal: %+v", rounds)
	}
	if rounds[0].Items[0].ID != "x" {
		t.Errorf("item table not stored in canonical order: %+v", rounds[0].Items)
	}
	if err := s.RevealServerSeed(ctx, round.ID, seed); err != nil {
		t.Fatalf("RevealServerSeed: %v", err)
	}

	if _, err := s.TransitionStatus(ctx, battle.Transition{
		BattleID: b.ID, From: []battle.Status{battle.StatusInProgress}, To: battle.StatusSettling,
	}); err != nil {
		t.Fatalf("settling: %v", err)
	}

	res := &battle.SettlementResult{
		BattleID:     b.ID,
		Mode:         battle.ModeStandard,
		WinnerID:     parts[0].ID,
		WinnerUserID: parts[0].UserID,
		Winners:      []uuid.UUID{parts[0].ID, parts[1].ID},
		Totals:       map[uuid.UUID]decimal.Decimal{parts[0].ID: decimal.NewFromInt(5), parts[1].ID: decimal.NewFromInt(5)},
		TieBreak:     &battle.TieBreak{ServerSeedHash: "abc", Candidates: []string{parts[0].ID.String()}},
		Pot:          decimal.NewFromInt(20),
		SettledAt:    time.Now().UTC(),
	}
	if err := s.SettleAtomic(ctx, res); err != nil {
		t.Fatalf("SettleAtomic: %v", err)
	}
	if err := s.SettleAtomic(ctx, res); !errors.Is(err, battle.ErrAlreadySettled) {
		t.Fatalf("second settle: got %v, want ErrAlreadySettled", err)
	}
	if err := s.MarkPaidOut(ctx, b.ID); err != nil {
		t.Fatalf("MarkPaidOut: %v", err)
	}

	got, err := s.GetSettlement(ctx, b.ID)
	if err != nil {
		t.Fatalf("GetSettlement: %v", err)
	}
	if !got.PaidOut || got.TieBreak == nil || len(got.Winners) != 2 || !got.Totals[parts[1].ID].Equal(decimal.NewFromInt(5)) {
		t.Errorf("settlement round trip = %+v", got)
	}

	final, _ := s.GetBattle(ctx, b.ID)
	if final.Status != battle.StatusCompleted || final.WinnerID == nil || *final.WinnerID != parts[0].ID {
		t.Errorf("battle after settle = %+v", final)
	}
}

func TestIntegration_ConcurrentJoinsFillExactly(t *testing.T) {
	db := setup(t)
	ctx := context.Background()
	s := persistence.NewStore(db)
	b := newBattle(t, s, 3, 5)

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		joined int
		locked int
	)
	for range 12 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := join(ctx, s, b.ID)
			if err != nil {
				return
			}
			mu.Lock()
			joined++
			if out.Locked {
				locked++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	if joined != 3 || locked != 1 {
		t.Fatalf("joined=%d locked=%d, want 3 and 1", joined, locked)
	}
	got, _ := s.GetBattle(ctx, b.ID)
	if got.Status != battle.StatusLocking || !got.TotalPot.Equal(decimal.NewFromInt(15)) {
		t.Fatalf("battle = %+v", got)
	}
}

func TestIntegration_TransitionCAS(t *testing.T) {
	db := setup(t)
	ctx := context.Background()
	s := persistence.NewStore(db)
	b := newBattle(t, s, 2, 1)

	_, err := s.TransitionStatus(ctx, battle.Transition{
		BattleID: b.ID, From: []battle.Status{battle.StatusWaiting}, To: battle.StatusCompleted,
	})
	if !errors.Is(err, battle.ErrInvalidTransition) {
		t.Fatalf("illegal edge: got %v", err)
	}

	got, err := s.TransitionStatus(ctx, battle.Transition{
		BattleID: b.ID, From: battle.Cancellable, To: battle.StatusCancelled, Reason: "fill_timeout",
	})
	if err != nil || got.CancelReason != "fill_timeout" {
		t.Fatalf("cancel = %+v, %v", got, err)
	}

	stale, err := s.ListBattlesByStatus(ctx, battle.StatusCancelled, time.Now().Add(time.Minute))
	if err != nil || len(stale) != 1 {
		t.Fatalf("ListBattlesByStatus = %v, %v", stale, err)
	}

	if _, err := s.GetBattle(ctx, uuid.New()); !errors.Is(err, battle.ErrNotFound) {
		t.Errorf("missing battle: got %v", err)
	}
}

func TestIntegration_RoundWritesRequireInProgress(t *testing.T) {
	db := setup(t)
	ctx := context.Background()
	s := persistence.NewStore(db)
	b := newBattle(t, s, 2, 1)

	var seated []battle.Participant
	for range 2 {
		out, err := join(ctx, s, b.ID)
		if err != nil {
			t.Fatalf("join: %v", err)
		}
		seated = append(seated, out.Participant)
	}
	if _, err := s.TransitionStatus(ctx, battle.Transition{
		BattleID: b.ID, From: []battle.Status{battle.StatusLocking}, To: battle.StatusInProgress,
	}); err != nil {
		t.Fatalf("start: %v", err)
	}

	round := &battle.Round{
		ID: uuid.New(), BattleID: b.ID, RoundIndex: 1, CaseID: "case-a", ServerSeedHash: "h",
		Items: []fairness.Item{{ID: "x", Probability: 100}}, CreatedAt: time.Now().UTC(),
	}
	if err := s.CommitServerSeedHash(ctx, round); err != nil {
		t.Fatalf("CommitServerSeedHash: %v", err)
	}
	if _, err := s.TransitionStatus(ctx, battle.Transition{
		BattleID: b.ID, From: battle.Cancellable, To: battle.StatusCancelled, Reason: "stuck",
	}); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	pull := &battle.Pull{
		ID: uuid.New(), RoundID: round.ID, BattleID: b.ID, RoundIndex: 1, ParticipantID: seated[0].ID,
		ItemID: "x", ItemValue: decimal.NewFromInt(1), ClientSeed: seated[0].ClientSeed, Nonce: 1,
		Context: battle.PullContext(b.ID, seated[0].Position), Hash: "h", CreatedAt: time.Now().UTC(),
	}
	if err := s.RecordPull(ctx, pull); !errors.Is(err, battle.ErrInvalidTransition) {
		t.Fatalf("RecordPull on cancelled battle: got %v, want ErrInvalidTransition", err)
	}
	if err := s.RevealServerSeed(ctx, round.ID, "seed"); !errors.Is(err, battle.ErrInvalidTransition) {
		t.Fatalf("RevealServerSeed on cancelled battle: got %v, want ErrInvalidTransition", err)
	}
	if err := s.RevealServerSeed(ctx, uuid.New(), "seed"); !errors.Is(err, battle.ErrNotFound) {
		t.Fatalf("RevealServerSeed on unknown round: got %v, want ErrNotFound", err)
	}

	pulls, _ := s.ListPulls(ctx, b.ID)
	rounds, _ := s.ListRounds(ctx, b.ID)
	if len(pulls) != 0 || len(rounds) != 1 || rounds[0].RevealedServerSeed != "" {
		t.Errorf("cancelled battle was written to: %d pulls, rounds %+v", len(pulls), rounds)
	}
}

// =============================================================================
// Wallet & catalog
// =============================================================================

func TestIntegration_WalletIdempotent(t *testing.T) {
	db := setup(t)
	ctx := context.Background()
	w := persistence.NewWallet(db)
	user := uuid.New()

	if err := w.Credit(ctx, user, decimal.NewFromInt(50), "fund-1"); err != nil {
		t.Fatalf("Credit: %v", err)
	}
	for range 2 {
		if err := w.Debit(ctx, user, decimal.NewFromInt(20), "join-1"); err != nil {
			t.Fatalf("Debit: %v", err)
		}
	}
	if err := w.Debit(ctx, user, decimal.NewFromInt(31), "join-2"); !errors.Is(err, battle.ErrInsufficientFunds) {
		t.Fatalf("overdraw: got %v", err)
	}
	bal, err := w.Balance(ctx, user)
	if err != nil || !bal.Equal(decimal.NewFromInt(30)) {
		t.Fatalf("balance = %s, %v; want 30", bal, err)
	}
}

func TestIntegration_CatalogPrices(t *testing.T) {
	db := setup(t)
	ctx := context.Background()
	c := persistence.NewCatalog(db)

	err := c.UpsertCase(ctx, battle.Case{
		ID: "case-a", Name: "A", Price: decimal.NewFromInt(10),
		Items: []battle.CaseItem{
			{ItemID: "x", Name: "X", Probability: 50, Value: decimal.NewFromInt(5)},
			{ItemID: "y", Name: "Y", Probability: 50, Value: decimal.NewFromInt(15)},
		},
	})
	if err != nil {
		t.Fatalf("UpsertCase: %v", err)
	}

	cs, err := c.GetCase(ctx, "case-a")
	if err != nil || len(cs.Items) != 2 {
		t.Fatalf("GetCase = %+v, %v", cs, err)
	}
	if v, _ := c.CurrentValue(ctx, "y"); !v.Equal(decimal.NewFromInt(15)) {
		t.Errorf("seeded price = %s, want 15", v)
	}

	at := time.Now().UTC().Add(time.Minute).Truncate(time.Second)
	if err := c.RecordPrice(ctx, "y", at, decimal.NewFromInt(17)); err != nil {
		t.Fatalf("RecordPrice: %v", err)
	}
	if v, _ := c.CurrentValue(ctx, "y"); !v.Equal(decimal.NewFromInt(17)) {
		t.Errorf("current price = %s, want 17", v)
	}
	hist, err := c.History(ctx, "y", at.Add(-time.Hour))
	if err != nil || len(hist) != 1 {
		t.Errorf("history = %v, %v", hist, err)
	}

	if _, err := c.GetCase(ctx, "missing"); !errors.Is(err, battle.ErrNotFound) {
		t.Errorf("missing case: got %v", err)
	}
}
