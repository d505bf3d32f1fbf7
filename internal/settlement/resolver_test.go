package settlement_test

import (
	"CaseBattle/internal/battle"
	"CaseBattle/internal/event"
	"CaseBattle/internal/fairness"
	"CaseBattle/internal/memstore"
	"CaseBattle/internal/settlement"
	"CaseBattle/internal/testutil"
	"context"
	"errors"
	"io"
	"math/rand/v2"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
)

// seedBattle stores a battle that has finished one round in which
// participant i pulled items[i]. Item market prices must be set separately.
func seedBattle(t *testing.T, h *testutil.Harness, mode battle.Mode, reveal bool, items ...string) (*battle.Battle, []battle.Participant) {
	t.Helper()
	ctx := context.Background()
	fee := decimal.NewFromInt(10)

	b := &battle.Battle{
		ID:              uuid.New(),
		Mode:            mode,
		MaxParticipants: len(items),
		EntryFee:        fee,
		TotalPot:        decimal.Zero,
		RoundsCount:     1,
		Status:          battle.StatusWaiting,
		CreatorID:       uuid.New(),
	}
	if err := h.Store.CreateBattle(ctx, b); err != nil {
		t.Fatalf("CreateBattle: %v", err)
	}
	h.Store.LinkCases(ctx, b.ID, []string{"case-seeded"})

	participants := make([]battle.Participant, len(items))
	for i := range items {
		out, err := h.Store.InsertParticipantAndMaybeTransition(ctx, &battle.Participant{
			ID:         uuid.New(),
			BattleID:   b.ID,
			UserID:     uuid.New(),
			ClientSeed: "seed",
		})
		if err != nil {
			t.Fatalf("insert participant: %v", err)
		}
		participants[i] = out.Participant
	}
	if _, err := h.Store.TransitionStatus(ctx, battle.Transition{
		BattleID: b.ID, From: []battle.Status{battle.StatusLocking}, To: battle.StatusInProgress,
	}); err != nil {
		t.Fatalf("start: %v", err)
	}

	serverSeed, commit, _ := fairness.NewEngine().Commit("")
	round := &battle.Round{ID: uuid.New(), BattleID: b.ID, RoundIndex: 1, CaseID: "case-seeded", ServerSeedHash: commit}
	if err := h.Store.CommitServerSeedHash(ctx, round); err != nil {
		t.Fatalf("commit: %v", err)
	}
	for i, p := range participants {
		h.Store.RecordPull(ctx, &battle.Pull{
			ID:            uuid.New(),
			RoundID:       round.ID,
			BattleID:      b.ID,
			RoundIndex:    1,
			ParticipantID: p.ID,
			ItemID:        items[i],
		})
	}
	if reveal {
		h.Store.RevealServerSeed(ctx, round.ID, serverSeed)
	}

	got, _ := h.Store.GetBattle(ctx, b.ID)
	return got, participants
}

func setPrices(h *testutil.Harness, prices map[string]float64) {
	for id, v := range prices {
		h.Catalog.SetPrice(id, decimal.NewFromFloat(v))
	}
}

func pricePoint(v float64) memstore.PricePoint {
	return memstore.PricePoint{At: time.Now(), Value: decimal.NewFromFloat(v)}
}

// ============================================================================
// Winner selection
// ============================================================================

func TestSettle_HighestTotalWins(t *testing.T) {
	h := testutil.NewHarness(t)
	setPrices(h, map[string]float64{"item-a": 5, "item-b": 100})
	b, ps := seedBattle(t, h, battle.ModeStandard, true, "item-a", "item-b")

	res, err := h.Resolver.Settle(context.Background(), b.ID)
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if res.WinnerID != ps[1].ID || res.WinnerUserID != ps[1].UserID {
		t.Fatalf("winner = %s, want participant 2 (%s)", res.WinnerID, ps[1].ID)
	}
	if res.TieBreak != nil || len(res.Winners) != 1 {
		t.Errorf("unexpected tie data: %+v", res)
	}
	if !res.Totals[ps[0].ID].Equal(decimal.NewFromInt(5)) || !res.Totals[ps[1].ID].Equal(decimal.NewFromInt(100)) {
		t.Errorf("totals = %v", res.Totals)
	}

	final, _ := h.Store.GetBattle(context.Background(), b.ID)
	if final.Status != battle.StatusCompleted || *final.WinnerID != ps[1].ID {
		t.Errorf("battle = %+v", final)
	}
	if got := h.Wallet.Balance(ps[1].UserID); !got.Equal(decimal.NewFromInt(20)) {
		t.Errorf("winner balance = %s, want pot 20", got)
	}
	if !res.PaidOut {
		t.Error("result not marked paid out")
	}

	env := h.Events.WaitFor(t, b.ID, event.TypeBattleSettled)
	settled := env.Data.(event.BattleSettled)
	if *settled.WinnerID != ps[1].ID {
		t.Errorf("event winner = %s", settled.WinnerID)
	}
}

func TestSettle_CrazyModeLowestWins(t *testing.T) {
	h := testutil.NewHarness(t)
	setPrices(h, map[string]float64{"item-a": 5, "item-b": 100, "item-c": 50})
	b, ps := seedBattle(t, h, battle.ModeCrazy, true, "item-b", "item-a", "item-c")

	res, err := h.Resolver.Settle(context.Background(), b.ID)
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if res.WinnerID != ps[1].ID {
		t.Fatalf("winner = %s, want lowest total %s", res.WinnerID, ps[1].ID)
	}
}

func TestSettle_UsesClampedFairValues(t *testing.T) {
	h := testutil.NewHarness(t)
	setPrices(h, map[string]float64{"item-a": 120, "item-spiked": 1000})
	for _, v := range []float64{90, 95, 100, 105, 110} {
		h.Catalog.AddHistory("item-spiked", pricePoint(v))
	}
	b, ps := seedBattle(t, h, battle.ModeStandard, true, "item-a", "item-spiked")

	res, err := h.Resolver.Settle(context.Background(), b.ID)
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	// The spike clamps to 115, below item-a's 120.
	if res.WinnerID != ps[0].ID {
		t.Fatalf("winner = %s, want %s (spike must be clamped)", res.WinnerID, ps[0].ID)
	}
	if !res.Totals[ps[1].ID].Equal(decimal.NewFromInt(115)) {
		t.Errorf("clamped total = %s, want 115", res.Totals[ps[1].ID])
	}
}

func TestSettle_UnpricedItemCountsZero(t *testing.T) {
	h := testutil.NewHarness(t)
	setPrices(h, map[string]float64{"item-a": 1})
	b, ps := seedBattle(t, h, battle.ModeStandard, true, "item-a", "item-delisted")

	res, err := h.Resolver.Settle(context.Background(), b.ID)
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if res.WinnerID != ps[0].ID || !res.Totals[ps[1].ID].IsZero() {
		t.Fatalf("result = %+v", res)
	}
}

func TestWinners(t *testing.T) {
	a, b, c := uuid.New(), uuid.New(), uuid.New()
	totals := map[uuid.UUID]decimal.Decimal{
		a: decimal.NewFromInt(10),
		b: decimal.RequireFromString("10.00"),
		c: decimal.NewFromInt(3),
	}
	if got := settlement.Winners(totals, battle.ModeStandard); len(got) != 2 {
		t.Fatalf("standard winners = %v, want a and b tied", got)
	}
	if got := settlement.Winners(totals, battle.ModeCrazy); len(got) != 1 || got[0] != c {
		t.Fatalf("crazy winners = %v, want [c]", got)
	}
	if got := settlement.Winners(nil, battle.ModeStandard); len(got) != 0 {
		t.Fatalf("winners of nothing = %v", got)
	}
}

// ============================================================================
// Ties
// ============================================================================

func TestSettle_TieIsBrokenVerifiably(t *testing.T) {
	h := testutil.NewHarness(t)
	setPrices(h, map[string]float64{"item-a": 50, "item-b": 50})
	b, ps := seedBattle(t, h, battle.ModeStandard, true, "item-a", "item-b")

	res, err := h.Resolver.Settle(context.Background(), b.ID)
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if len(res.Winners) != 2 || res.TieBreak == nil {
		t.Fatalf("result = %+v, want two tied winners and a tie-break", res)
	}
	if res.WinnerID != ps[0].ID && res.WinnerID != ps[1].ID {
		t.Fatalf("winner %s is not one of the tied participants", res.WinnerID)
	}
	tb := res.TieBreak
	if tb.Degraded || tb.ClientSeed != b.ID.String() || tb.Nonce != settlement.TieBreakNonce {
		t.Errorf("tie-break = %+v", tb)
	}
	if tb.Candidates[tb.Index] != res.WinnerID.String() {
		t.Errorf("candidate[%d] = %s, winner %s", tb.Index, tb.Candidates[tb.Index], res.WinnerID)
	}
	if err := settlement.VerifyTieBreak(tb); err != nil {
		t.Fatalf("VerifyTieBreak: %v", err)
	}

	forged := *tb
	forged.Index = 1 - tb.Index
	if err := settlement.VerifyTieBreak(&forged); !errors.Is(err, fairness.ErrFairnessViolation) {
		t.Errorf("forged index: got %v, want ErrFairnessViolation", err)
	}
}

// TestBreakTie_Uniform draws 10,000 three-way tie-breaks and checks the
// winner counts with a chi-square test at p = 0.001.
func TestBreakTie_Uniform(t *testing.T) {
	const draws = 10_000
	entropy := rand.NewChaCha8([32]byte{'c', 'a', 's', 'e'})
	h := testutil.NewHarness(t, testutil.WithEngine(fairness.NewEngineWithEntropy(entropy)))

	tied := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	battleID := uuid.New()
	counts := map[uuid.UUID]int{}
	for range draws {
		_, winner := h.Resolver.BreakTie(battleID, tied)
		counts[winner]++
	}

	expected := float64(draws) / float64(len(tied))
	chi2 := 0.0
	for _, id := range tied {
		d := float64(counts[id]) - expected
		chi2 += d * d / expected
	}
	// Critical value for 2 degrees of freedom at p = 0.001.
	if chi2 > 13.816 {
		t.Fatalf("chi-square = %.2f over %v, distribution not uniform", chi2, counts)
	}
}

type brokenReader struct{}

func (brokenReader) Read([]byte) (int, error) { return 0, io.ErrUnexpectedEOF }

func TestBreakTie_DegradesWithoutEntropy(t *testing.T) {
	h := testutil.NewHarness(t, testutil.WithEngine(fairness.NewEngineWithEntropy(brokenReader{})))
	tied := []uuid.UUID{uuid.New(), uuid.New()}

	tb, winner := h.Resolver.BreakTie(uuid.New(), tied)
	if !tb.Degraded || tb.ServerSeed != "" {
		t.Fatalf("tie-break = %+v, want degraded without seed", tb)
	}
	if winner != tied[0] && winner != tied[1] {
		t.Fatalf("winner %s not among candidates", winner)
	}
	if err := settlement.VerifyTieBreak(tb); err == nil {
		t.Fatal("degraded tie-break must not verify")
	}
	if n := promtest.ToFloat64(h.Metrics.TieBreaks.WithLabelValues("true")); n != 1 {
		t.Errorf("degraded tie-breaks = %v, want 1", n)
	}
}

// ============================================================================
// Idempotency and races
// ============================================================================

func TestSettle_ConcurrentCallsCommitOnce(t *testing.T) {
	h := testutil.NewHarness(t)
	setPrices(h, map[string]float64{"item-a": 50, "item-b": 50})
	b, _ := seedBattle(t, h, battle.ModeStandard, true, "item-a", "item-b")

	const callers = 10
	results := make([]*battle.SettlementResult, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = h.Resolver.Settle(context.Background(), b.ID)
		}(i)
	}
	wg.Wait()

	fresh := 0
	for i, res := range results {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if res.WinnerID != results[0].WinnerID {
			t.Fatalf("caller %d saw winner %s, caller 0 saw %s", i, res.WinnerID, results[0].WinnerID)
		}
		if !res.WasSettledBefore {
			fresh++
		}
	}
	if fresh != 1 {
		t.Errorf("%d callers committed, want 1", fresh)
	}
	if n := promtest.ToFloat64(h.Metrics.SettlementsCommitted.WithLabelValues("standard")); n != 1 {
		t.Errorf("settlements committed = %v, want 1", n)
	}

	payouts := 0
	for _, e := range h.Wallet.Entries() {
		if strings.HasSuffix(e.Reference, ":payout") {
			payouts++
		}
	}
	if payouts != 1 {
		t.Errorf("%d payouts, want 1", payouts)
	}
}

func TestSettle_RetriesFailedPayout(t *testing.T) {
	h := testutil.NewHarness(t)
	setPrices(h, map[string]float64{"item-a": 1, "item-b": 2})
	b, ps := seedBattle(t, h, battle.ModeStandard, true, "item-a", "item-b")
	ctx := context.Background()

	h.Wallet.SetFault("credit", errors.New("wallet offline"))
	res, err := h.Resolver.Settle(ctx, b.ID)
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if res.PaidOut {
		t.Fatal("payout reported despite wallet failure")
	}

	h.Wallet.SetFault("credit", nil)
	again, err := h.Resolver.Settle(ctx, b.ID)
	if err != nil {
		t.Fatalf("second Settle: %v", err)
	}
	if !again.WasSettledBefore || !again.PaidOut {
		t.Fatalf("replay = %+v, want settled before and paid out", again)
	}
	if got := h.Wallet.Balance(ps[1].UserID); !got.Equal(decimal.NewFromInt(20)) {
		t.Errorf("winner balance = %s, want 20", got)
	}
}

func TestSettle_CancelledFirstWins(t *testing.T) {
	h := testutil.NewHarness(t)
	setPrices(h, map[string]float64{"item-a": 1, "item-b": 2})
	b, _ := seedBattle(t, h, battle.ModeStandard, true, "item-a", "item-b")
	ctx := context.Background()

	if _, err := h.Orchestrator.CancelBattle(ctx, battle.CancelRequest{BattleID: b.ID, Reason: "void"}); err != nil {
		t.Fatalf("CancelBattle: %v", err)
	}
	if _, err := h.Resolver.Settle(ctx, b.ID); !errors.Is(err, battle.ErrInvalidTransition) {
		t.Fatalf("got %v, want ErrInvalidTransition", err)
	}
	if _, err := h.Store.GetSettlement(ctx, b.ID); !errors.Is(err, battle.ErrNotFound) {
		t.Errorf("cancelled battle settled: %v", err)
	}
}

func TestSettle_RequiresRevealedRounds(t *testing.T) {
	h := testutil.NewHarness(t)
	setPrices(h, map[string]float64{"item-a": 1, "item-b": 2})
	b, _ := seedBattle(t, h, battle.ModeStandard, false, "item-a", "item-b")

	if _, err := h.Resolver.Settle(context.Background(), b.ID); !errors.Is(err, battle.ErrRoundNotRevealed) {
		t.Fatalf("got %v, want ErrRoundNotRevealed", err)
	}
	got, _ := h.Store.GetBattle(context.Background(), b.ID)
	if got.Status != battle.StatusInProgress {
		t.Errorf("status = %s, want in_progress untouched", got.Status)
	}
}
