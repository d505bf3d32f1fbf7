package settlement

import (
	"CaseBattle/internal/battle"
	"CaseBattle/internal/event"
	"CaseBattle/internal/fairness"
	"CaseBattle/internal/observability"
	"CaseBattle/internal/pricing"
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// TieBreakNonce is the nonce of every tie-break draw. It sits above any
// round index so tie-break digests never collide with pull digests.
const TieBreakNonce uint64 = 1 << 32

// Valuer prices pulled items at settlement time.
type Valuer interface {
	BatchFairValue(ctx context.Context, itemIDs []string) map[string]pricing.Result
}

// Resolver computes and commits battle outcomes. Settle is idempotent:
// concurrent or repeated calls for one battle commit exactly once and all
// return the same result.
type Resolver struct {
	store   battle.Store
	wallet  battle.Wallet
	valuer  Valuer
	engine  *fairness.Engine
	bus     battle.Broadcaster
	logger  zerolog.Logger
	metrics *observability.Metrics
	now     func() time.Time

	// Uniform fallback for degraded tie-breaks.
	intN func(n int) int

	locks *keyedMutex
}

type Deps struct {
	Store   battle.Store
	Wallet  battle.Wallet
	Valuer  Valuer
	Engine  *fairness.Engine
	Bus     battle.Broadcaster
	Logger  zerolog.Logger
	Metrics *observability.Metrics
}

func NewResolver(deps Deps) *Resolver {
	if deps.Engine == nil {
		deps.Engine = fairness.NewEngine()
	}
	return &Resolver{
		store:   deps.Store,
		wallet:  deps.Wallet,
		valuer:  deps.Valuer,
		engine:  deps.Engine,
		bus:     deps.Bus,
		logger:  deps.Logger,
		metrics: deps.Metrics,
		now:     time.Now,
		intN:    rand.IntN,
		locks:   newKeyedMutex(),
	}
}

// SetClock overrides the time source. Tests only.
func (r *Resolver) SetClock(now func() time.Time) {
	r.now = now
}

// Settle resolves the winner of a battle whose rounds are all revealed,
// commits the result and pays out the pot.
func (r *Resolver) Settle(ctx context.Context, battleID uuid.UUID) (*battle.SettlementResult, error) {
	unlock := r.locks.Lock(battleID)
	defer unlock()

	if prior, err := r.replay(ctx, battleID); err != nil || prior != nil {
		return prior, err
	}

	start := r.now()
	b, err := r.store.GetBattle(ctx, battleID)
	if err != nil {
		return nil, err
	}

	switch b.Status {
	case battle.StatusInProgress:
		if err := r.checkRounds(ctx, b); err != nil {
			r.countError("incomplete")
			return nil, err
		}
		if b, err = r.store.TransitionStatus(ctx, battle.Transition{
			BattleID: battleID,
			From:     []battle.Status{battle.StatusInProgress},
			To:       battle.StatusSettling,
		}); err != nil {
			r.countError("transition")
			return nil, err
		}
		r.countTransition(battle.StatusSettling)
	case battle.StatusSettling:
		if err := r.checkRounds(ctx, b); err != nil {
			r.countError("incomplete")
			return nil, err
		}
	default:
		r.countError("status")
		return nil, fmt.Errorf("%w: settle from %s", battle.ErrInvalidTransition, b.Status)
	}

	participants, err := r.store.ListParticipants(ctx, battleID)
	if err != nil {
		r.countError("load")
		return nil, err
	}
	pulls, err := r.store.ListPulls(ctx, battleID)
	if err != nil {
		r.countError("load")
		return nil, err
	}

	totals := r.totals(ctx, participants, pulls)
	winners := Winners(totals, b.Mode)
	if len(winners) == 0 {
		r.countError("no_participants")
		return nil, fmt.Errorf("battle %s has no participants", battleID)
	}

	res := &battle.SettlementResult{
		BattleID:  battleID,
		Mode:      b.Mode,
		WinnerID:  winners[0],
		Winners:   winners,
		Totals:    totals,
		Pot:       b.TotalPot,
		SettledAt: r.now().UTC(),
	}
	if len(winners) > 1 {
		tb, winner := r.BreakTie(battleID, winners)
		res.TieBreak = tb
		res.WinnerID = winner
	}
	for _, p := range participants {
		if p.ID == res.WinnerID {
			res.WinnerUserID = p.UserID
		}
	}

	if err := r.store.SettleAtomic(ctx, res); err != nil {
		if errors.Is(err, battle.ErrAlreadySettled) {
			prior, rerr := r.replay(ctx, battleID)
			if rerr != nil {
				return nil, rerr
			}
			if prior != nil {
				return prior, nil
			}
		}
		r.countError("commit")
		return nil, fmt.Errorf("commit settlement: %w", err)
	}

	if r.metrics != nil {
		r.metrics.SettlementsCommitted.WithLabelValues(string(b.Mode)).Inc()
		r.metrics.SettlementDuration.Observe(r.now().Sub(start).Seconds())
	}
	r.countTransition(battle.StatusCompleted)
	r.logger.Info().
		Str("battle_id", battleID.String()).
		Str("winner_id", res.WinnerID.String()).
		Int("tied", len(winners)).
		Str("pot", res.Pot.String()).
		Msg("battle settled")

	r.bus.Broadcast(battleID, event.TypeBattleSettled, settledEvent(res))
	r.payout(ctx, res)
	return res, nil
}

// replay returns a previously committed result, retrying its payout if that
// never completed. It returns nil, nil when the battle is unsettled.
func (r *Resolver) replay(ctx context.Context, battleID uuid.UUID) (*battle.SettlementResult, error) {
	prior, err := r.store.GetSettlement(ctx, battleID)
	if errors.Is(err, battle.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	prior.WasSettledBefore = true
	if r.metrics != nil {
		r.metrics.SettlementReplays.Inc()
	}
	if !prior.PaidOut {
		r.payout(ctx, prior)
	}
	return prior, nil
}

func (r *Resolver) checkRounds(ctx context.Context, b *battle.Battle) error {
	rounds, err := r.store.ListRounds(ctx, b.ID)
	if err != nil {
		return err
	}
	if len(rounds) != b.RoundsCount {
		return fmt.Errorf("battle %s has %d/%d rounds", b.ID, len(rounds), b.RoundsCount)
	}
	for _, rd := range rounds {
		if rd.RevealedServerSeed == "" {
			return fmt.Errorf("%w: round %d", battle.ErrRoundNotRevealed, rd.RoundIndex)
		}
	}
	return nil
}

// totals sums the fair value of each participant's pulls. Items that cannot
// be priced count as zero.
func (r *Resolver) totals(ctx context.Context, participants []battle.Participant, pulls []battle.Pull) map[uuid.UUID]decimal.Decimal {
	itemIDs := make([]string, 0, len(pulls))
	for _, p := range pulls {
		itemIDs = append(itemIDs, p.ItemID)
	}
	values := r.valuer.BatchFairValue(ctx, itemIDs)

	totals := make(map[uuid.UUID]decimal.Decimal, len(participants))
	for _, p := range participants {
		totals[p.ID] = decimal.Zero
	}
	for _, p := range pulls {
		if _, ok := totals[p.ParticipantID]; !ok {
			continue
		}
		totals[p.ParticipantID] = totals[p.ParticipantID].Add(values[p.ItemID].FairValue)
	}
	return totals
}

// Winners returns the participants with the best total, sorted by id.
// Standard mode picks the highest total, crazy mode the lowest.
func Winners(totals map[uuid.UUID]decimal.Decimal, mode battle.Mode) []uuid.UUID {
	var best decimal.Decimal
	var winners []uuid.UUID
	for id, total := range totals {
		switch {
		case winners == nil:
			best, winners = total, []uuid.UUID{id}
		case total.Equal(best):
			winners = append(winners, id)
		case better(total, best, mode):
			best, winners = total, []uuid.UUID{id}
		}
	}
	sort.Slice(winners, func(i, j int) bool {
		return winners[i].String() < winners[j].String()
	})
	return winners
}

func better(a, b decimal.Decimal, mode battle.Mode) bool {
	if mode == battle.ModeCrazy {
		return a.LessThan(b)
	}
	return a.GreaterThan(b)
}

// BreakTie picks one of the tied participants with a freshly committed seed
// and the battle id as client seed. If no seed can be generated it falls
// back to a uniform pseudo-random pick and marks the draw degraded.
func (r *Resolver) BreakTie(battleID uuid.UUID, tied []uuid.UUID) (*battle.TieBreak, uuid.UUID) {
	candidates := make([]string, len(tied))
	for i, id := range tied {
		candidates[i] = id.String()
	}
	sort.Strings(candidates)

	serverSeed, commitHash, err := r.engine.Commit("")
	if err == nil {
		draw, derr := fairness.TieBreak(serverSeed, battleID.String(), TieBreakNonce, candidates)
		if derr == nil {
			r.countTieBreak(false)
			return &battle.TieBreak{
				ServerSeed:     serverSeed,
				ServerSeedHash: commitHash,
				ClientSeed:     battleID.String(),
				Nonce:          TieBreakNonce,
				Hash:           draw.Hash,
				Candidates:     draw.Candidates,
				Index:          draw.Index,
			}, uuid.MustParse(draw.Winner)
		}
		err = derr
	}

	r.logger.Error().Err(err).Str("battle_id", battleID.String()).Msg("tie-break degraded to unverifiable draw")
	r.countTieBreak(true)
	idx := r.intN(len(candidates))
	return &battle.TieBreak{
		ClientSeed: battleID.String(),
		Nonce:      TieBreakNonce,
		Candidates: candidates,
		Index:      idx,
		Degraded:   true,
	}, uuid.MustParse(candidates[idx])
}

// VerifyTieBreak recomputes a recorded tie-break draw.
func VerifyTieBreak(tb *battle.TieBreak) error {
	if tb.Degraded {
		return fmt.Errorf("degraded tie-break cannot be verified")
	}
	if err := fairness.VerifyCommit(tb.ServerSeed, tb.ServerSeedHash); err != nil {
		return err
	}
	if tb.Index < 0 || tb.Index >= len(tb.Candidates) {
		return &fairness.ViolationError{Field: "item", Expected: "valid index", Actual: fmt.Sprint(tb.Index)}
	}
	return fairness.VerifyTieBreak(tb.ServerSeed, tb.ClientSeed, fairness.TieBreakDraw{
		Candidates: tb.Candidates,
		Index:      tb.Index,
		Winner:     tb.Candidates[tb.Index],
		Hash:       tb.Hash,
		Nonce:      tb.Nonce,
	})
}

// payout credits the pot to the winner. A failed credit leaves the result
// committed and unpaid; the next Settle call retries it.
func (r *Resolver) payout(ctx context.Context, res *battle.SettlementResult) {
	ctx = context.WithoutCancel(ctx)
	if err := r.wallet.Credit(ctx, res.WinnerUserID, res.Pot, battle.PayoutReference(res.BattleID)); err != nil {
		r.countPayout("failed")
		r.logger.Error().Err(err).
			Str("battle_id", res.BattleID.String()).
			Str("user_id", res.WinnerUserID.String()).
			Str("amount", res.Pot.String()).
			Msg("payout failed")
		return
	}
	if err := r.store.MarkPaidOut(ctx, res.BattleID); err != nil {
		r.countPayout("unmarked")
		r.logger.Error().Err(err).Str("battle_id", res.BattleID.String()).Msg("mark paid out failed")
		return
	}
	res.PaidOut = true
	r.countPayout("ok")
}

func settledEvent(res *battle.SettlementResult) event.BattleSettled {
	totals := make(map[string]decimal.Decimal, len(res.Totals))
	for id, v := range res.Totals {
		totals[id.String()] = v
	}
	winner := res.WinnerID
	ev := event.BattleSettled{
		WinnerID:  &winner,
		Winners:   res.Winners,
		Totals:    totals,
		SettledAt: res.SettledAt,
	}
	if tb := res.TieBreak; tb != nil {
		ev.TieBreak = &event.TieBreak{
			ServerSeed:     tb.ServerSeed,
			ServerSeedHash: tb.ServerSeedHash,
			ClientSeed:     tb.ClientSeed,
			Nonce:          tb.Nonce,
			Hash:           tb.Hash,
			Candidates:     tb.Candidates,
			Index:          tb.Index,
			Degraded:       tb.Degraded,
		}
	}
	return ev
}

func (r *Resolver) countError(stage string) {
	if r.metrics != nil {
		r.metrics.SettlementErrors.WithLabelValues(stage).Inc()
	}
}

func (r *Resolver) countTransition(to battle.Status) {
	if r.metrics != nil {
		r.metrics.BattleTransitions.WithLabelValues(string(to)).Inc()
	}
}

func (r *Resolver) countTieBreak(degraded bool) {
	if r.metrics != nil {
		r.metrics.TieBreaks.WithLabelValues(fmt.Sprint(degraded)).Inc()
	}
}

func (r *Resolver) countPayout(outcome string) {
	if r.metrics != nil {
		r.metrics.Payouts.WithLabelValues(outcome).Inc()
	}
}
