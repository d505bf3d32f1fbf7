package battle

import (
	"CaseBattle/internal/event"
	"CaseBattle/internal/fairness"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type supervisor struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// launch starts the supervisor for a battle unless one is already running.
func (o *Orchestrator) launch(battleID uuid.UUID) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		o.logger.Warn().Str("battle_id", battleID.String()).Msg("not starting battle: shutting down")
		return false
	}
	if _, running := o.supervisors[battleID]; running {
		return false
	}

	ctx, cancel := context.WithCancel(o.baseCtx)
	sv := &supervisor{cancel: cancel, done: make(chan struct{})}
	o.supervisors[battleID] = sv
	if o.metrics != nil {
		o.metrics.BattlesActive.Inc()
	}

	go func() {
		defer func() {
			cancel()
			o.mu.Lock()
			delete(o.supervisors, battleID)
			o.mu.Unlock()
			if o.metrics != nil {
				o.metrics.BattlesActive.Dec()
			}
			close(sv.done)
		}()

		if err := o.StartBattle(ctx, battleID); err != nil {
			o.logger.Error().Err(err).Str("battle_id", battleID.String()).Msg("battle aborted")
		}
	}()
	return true
}

// Running reports whether a supervisor is live for the battle.
func (o *Orchestrator) Running(battleID uuid.UUID) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.supervisors[battleID]
	return ok
}

// Wait blocks until the battle's supervisor exits or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context, battleID uuid.UUID) error {
	o.mu.Lock()
	sv, ok := o.supervisors[battleID]
	o.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-sv.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) stopSupervisor(battleID uuid.UUID) {
	o.mu.Lock()
	sv, ok := o.supervisors[battleID]
	o.mu.Unlock()
	if ok {
		sv.cancel()
	}
}

// Shutdown stops accepting new supervisors, cancels running ones and waits
// for them to exit. Battles interrupted this way are cancelled.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	running := make([]*supervisor, 0, len(o.supervisors))
	for _, sv := range o.supervisors {
		running = append(running, sv)
	}
	o.mu.Unlock()

	o.stop()
	for _, sv := range running {
		select {
		case <-sv.done:
		case <-ctx.Done():
			return fmt.Errorf("waiting for %d supervisors: %w", len(running), ctx.Err())
		}
	}
	return nil
}

// StartBattle runs a locked battle to completion: every round in case
// order, then settlement. Any failure cancels the battle.
func (o *Orchestrator) StartBattle(ctx context.Context, battleID uuid.UUID) error {
	b, err := o.store.GetBattle(ctx, battleID)
	if err != nil {
		return err
	}
	if b.Status != StatusLocking {
		return fmt.Errorf("%w: start from %s", ErrInvalidTransition, b.Status)
	}

	participants, err := o.store.ListParticipants(ctx, battleID)
	if err != nil {
		return o.fail(battleID, "load_failed", err)
	}
	caseIDs, err := o.store.ListBattleCases(ctx, battleID)
	if err != nil {
		return o.fail(battleID, "load_failed", err)
	}
	if len(participants) != b.MaxParticipants || len(caseIDs) != b.RoundsCount {
		return o.fail(battleID, "inconsistent_state",
			fmt.Errorf("%d/%d participants, %d/%d cases",
				len(participants), b.MaxParticipants, len(caseIDs), b.RoundsCount))
	}

	b, err = o.store.TransitionStatus(ctx, Transition{
		BattleID: battleID,
		From:     []Status{StatusLocking},
		To:       StatusInProgress,
	})
	if err != nil {
		return o.fail(battleID, "transition_failed", err)
	}
	o.countTransition(StatusInProgress)

	ids := make([]uuid.UUID, len(participants))
	for i, p := range participants {
		ids[i] = p.ID
	}
	o.bus.Broadcast(battleID, event.TypeBattleLocked, event.BattleLocked{
		ParticipantIDs: ids,
		LockedAt:       o.now().UTC(),
	})

	for i, caseID := range caseIDs {
		roundCtx, cancel := context.WithTimeout(ctx, o.cfg.RoundTimeout)
		err := o.executeRound(roundCtx, b, i+1, caseID, participants)
		cancel()
		if err != nil {
			return o.fail(battleID, "round_failed", fmt.Errorf("round %d: %w", i+1, err))
		}
	}

	settleCtx, cancel := context.WithTimeout(ctx, o.cfg.SettleTimeout)
	defer cancel()
	// The settler moves in_progress -> settling -> completed itself.
	if _, err := o.settler.Settle(settleCtx, battleID); err != nil {
		return o.fail(battleID, "settlement_failed", err)
	}
	o.bus.Forget(battleID)
	return nil
}

// executeRound commits a fresh server seed, pulls one item per participant
// in position order, then reveals the seed.
func (o *Orchestrator) executeRound(ctx context.Context, b *Battle, index int, caseID string, participants []Participant) error {
	started := o.now()

	c, err := o.catalog.GetCase(ctx, caseID)
	if err != nil {
		return fmt.Errorf("get case %s: %w", caseID, err)
	}
	items := c.Table()
	if sum, ok := fairness.CheckTable(items); !ok {
		if o.metrics != nil {
			o.metrics.TableMisweights.Inc()
		}
		o.logger.Warn().
			Str("battle_id", b.ID.String()).
			Str("case_id", caseID).
			Float64("probability_sum", sum).
			Msg("case probabilities do not sum to 100")
	}

	serverSeed, commitHash, err := o.engine.Commit("")
	if err != nil {
		return err
	}
	round := &Round{
		ID:             uuid.New(),
		BattleID:       b.ID,
		RoundIndex:     index,
		CaseID:         caseID,
		ServerSeedHash: commitHash,
		Items:          fairness.Canonical(items),
		CreatedAt:      started.UTC(),
	}
	if err := o.store.CommitServerSeedHash(ctx, round); err != nil {
		return fmt.Errorf("commit server seed: %w", err)
	}

	o.bus.Broadcast(b.ID, event.TypeRoundStart, event.RoundStart{
		RoundIndex:     index,
		CaseID:         caseID,
		ServerSeedHash: commitHash,
		StartedAt:      round.CreatedAt,
	})

	pulls := make([]event.RoundPull, 0, len(participants))
	subtotals := make(map[string]decimal.Decimal, len(participants))
	for i, p := range participants {
		if i > 0 {
			if err := o.pace(ctx); err != nil {
				return err
			}
		}

		pullCtx := PullContext(b.ID, p.Position)
		nonce := uint64(index)
		res, err := fairness.Roll(serverSeed, p.ClientSeed, nonce, pullCtx, round.Items)
		if err != nil {
			return err
		}
		item, ok := c.Item(res.ItemID)
		if !ok {
			return fmt.Errorf("rolled item %s missing from case %s", res.ItemID, caseID)
		}

		pull := &Pull{
			ID:            uuid.New(),
			RoundID:       round.ID,
			BattleID:      b.ID,
			RoundIndex:    index,
			ParticipantID: p.ID,
			ItemID:        item.ItemID,
			ItemValue:     item.Value,
			ClientSeed:    p.ClientSeed,
			Nonce:         nonce,
			Context:       pullCtx,
			Hash:          res.Hash,
			MappedRoll:    res.Roll,
			CreatedAt:     o.now().UTC(),
		}
		if err := o.store.RecordPull(ctx, pull); err != nil {
			return fmt.Errorf("record pull: %w", err)
		}
		if o.metrics != nil {
			o.metrics.PullsRecorded.Inc()
		}

		ev := event.RoundPull{
			RoundIndex:    index,
			ParticipantID: p.ID,
			Item:          event.Item{ID: item.ItemID, Name: item.Name, Value: item.Value},
			Hash:          res.Hash,
			Nonce:         nonce,
			ClientSeed:    p.ClientSeed,
			PulledAt:      pull.CreatedAt,
		}
		pulls = append(pulls, ev)
		subtotals[p.ID.String()] = item.Value
		o.bus.Broadcast(b.ID, event.TypeRoundPull, ev)
	}

	if err := o.store.RevealServerSeed(ctx, round.ID, serverSeed); err != nil {
		return fmt.Errorf("reveal server seed: %w", err)
	}

	o.bus.Broadcast(b.ID, event.TypeRoundResult, event.RoundResult{
		RoundIndex:  index,
		Pulls:       pulls,
		Subtotals:   subtotals,
		ServerSeed:  serverSeed,
		CompletedAt: o.now().UTC(),
	})

	if o.metrics != nil {
		o.metrics.RoundsExecuted.Inc()
		o.metrics.RoundDuration.Observe(o.now().Sub(started).Seconds())
	}
	o.logger.Debug().
		Str("battle_id", b.ID.String()).
		Int("round", index).
		Str("case_id", caseID).
		Msg("round complete")
	return nil
}

func (o *Orchestrator) pace(ctx context.Context) error {
	if o.cfg.PullDelay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(o.cfg.PullDelay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// fail cancels the battle after an in-flight error. It runs detached from
// the supervisor context, which is usually what just failed.
func (o *Orchestrator) fail(battleID uuid.UUID, reason string, cause error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := o.cancel(ctx, battleID, reason, Cancellable); err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			// Already cancelled or completed by someone else.
			o.logger.Debug().Err(err).Str("battle_id", battleID.String()).Msg("battle already terminal")
		} else {
			o.logger.Error().Err(err).Str("battle_id", battleID.String()).Msg("cancel after failure")
		}
	}
	return cause
}

// PullContext labels the digest of the participant at position within a
// battle. Together with the round index as nonce it makes every pull of a
// battle use a distinct HMAC message.
func PullContext(battleID uuid.UUID, position int) string {
	return fmt.Sprintf("%s:%d", battleID, position)
}
