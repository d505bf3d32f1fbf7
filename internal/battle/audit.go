package battle

import (
	"CaseBattle/internal/fairness"
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// PullAudit is the verification outcome of one pull.
type PullAudit struct {
	ParticipantID uuid.UUID `json:"participant_id"`
	ItemID        string    `json:"item_id"`
	Hash          string    `json:"hash"`
	Valid         bool      `json:"valid"`
	Error         string    `json:"error,omitempty"`
}

// RoundAudit is the verification outcome of a revealed round.
type RoundAudit struct {
	BattleID       uuid.UUID   `json:"battle_id"`
	RoundIndex     int         `json:"round_index"`
	ServerSeed     string      `json:"server_seed"`
	ServerSeedHash string      `json:"server_seed_hash"`
	CommitValid    bool        `json:"commit_valid"`
	Pulls          []PullAudit `json:"pulls"`
	Valid          bool        `json:"valid"`
}

// VerifyRound recomputes every pull of a revealed round from the stored
// seeds and frozen item table. The audit is always returned when the round
// exists; the error wraps fairness.ErrFairnessViolation on any mismatch.
func (o *Orchestrator) VerifyRound(ctx context.Context, battleID uuid.UUID, roundIndex int) (*RoundAudit, error) {
	rounds, err := o.store.ListRounds(ctx, battleID)
	if err != nil {
		return nil, err
	}
	var round *Round
	for i := range rounds {
		if rounds[i].RoundIndex == roundIndex {
			round = &rounds[i]
			break
		}
	}
	if round == nil {
		return nil, fmt.Errorf("%w: round %d of battle %s", ErrNotFound, roundIndex, battleID)
	}
	if round.RevealedServerSeed == "" {
		return nil, fmt.Errorf("%w: round %d", ErrRoundNotRevealed, roundIndex)
	}

	pulls, err := o.store.ListPulls(ctx, battleID)
	if err != nil {
		return nil, err
	}

	audit := &RoundAudit{
		BattleID:       battleID,
		RoundIndex:     roundIndex,
		ServerSeed:     round.RevealedServerSeed,
		ServerSeedHash: round.ServerSeedHash,
		CommitValid:    true,
		Valid:          true,
	}

	var firstViolation error
	note := func(err error) {
		var v *fairness.ViolationError
		if errors.As(err, &v) && o.metrics != nil {
			o.metrics.FairnessViolations.WithLabelValues(v.Field).Inc()
		}
		if firstViolation == nil {
			firstViolation = err
		}
		audit.Valid = false
	}

	if err := fairness.VerifyCommit(round.RevealedServerSeed, round.ServerSeedHash); err != nil {
		audit.CommitValid = false
		note(err)
	}

	for _, p := range pulls {
		if p.RoundIndex != roundIndex {
			continue
		}
		pa := PullAudit{ParticipantID: p.ParticipantID, ItemID: p.ItemID, Hash: p.Hash}
		ok, err := fairness.Verify(round.RevealedServerSeed, p.ClientSeed, p.Nonce, p.Context, p.Hash, p.ItemID, round.Items)
		pa.Valid = ok
		if err != nil {
			pa.Error = err.Error()
			note(err)
		}
		audit.Pulls = append(audit.Pulls, pa)
	}

	result := "valid"
	if !audit.Valid {
		result = "violation"
		o.logger.Error().
			Err(firstViolation).
			Str("battle_id", battleID.String()).
			Int("round", roundIndex).
			Msg("round failed verification")
	}
	if o.metrics != nil {
		o.metrics.Verifications.WithLabelValues(result).Inc()
	}
	return audit, firstViolation
}
