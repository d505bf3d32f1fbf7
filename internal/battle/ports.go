package battle

import (
	"CaseBattle/internal/event"
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound                = errors.New("not found")
	ErrInvalidMode             = errors.New("invalid battle mode")
	ErrInvalidParticipantCount = errors.New("invalid participant count")
	ErrInvalidCases            = errors.New("invalid case list")
	ErrUnknownCase             = errors.New("unknown case")
	ErrBattleFull              = errors.New("battle full")
	ErrBattleNotJoinable       = errors.New("battle not accepting participants")
	ErrAlreadyJoined           = errors.New("user already joined battle")
	ErrInvalidTransition       = errors.New("invalid status transition")
	ErrForbidden               = errors.New("not allowed")
	ErrInsufficientFunds       = errors.New("insufficient funds")
	ErrAlreadySettled          = errors.New("battle already settled")
	ErrRoundNotRevealed        = errors.New("round seed not revealed")
	ErrShuttingDown            = errors.New("orchestrator shutting down")
)

// Transition is a compare-and-set on battle status.
type Transition struct {
	BattleID uuid.UUID
	From     []Status
	To       Status
	Reason   string // recorded for cancellations
}

// JoinOutcome is the result of an atomic join.
type JoinOutcome struct {
	Battle      Battle
	Participant Participant

	// True when this join filled the battle and moved it to locking.
	Locked bool
}

// Store is the persistence contract the engine relies on. Every method is
// individually atomic; multi-step flows compensate on failure.
type Store interface {
	CreateBattle(ctx context.Context, b *Battle) error
	LinkCases(ctx context.Context, battleID uuid.UUID, caseIDs []string) error
	DeleteBattle(ctx context.Context, battleID uuid.UUID) error
	GetBattle(ctx context.Context, battleID uuid.UUID) (*Battle, error)
	ListBattleCases(ctx context.Context, battleID uuid.UUID) ([]string, error)

	// ListBattlesByStatus returns battles in status whose last status
	// change happened before the given time.
	ListBattlesByStatus(ctx context.Context, status Status, changedBefore time.Time) ([]Battle, error)

	// InsertParticipantAndMaybeTransition checks waiting/not-full/not-joined,
	// assigns position = current_participants+1, adds the entry fee to the
	// pot, and moves the battle to locking when it becomes full. All of it
	// happens as one atomic step.
	InsertParticipantAndMaybeTransition(ctx context.Context, p *Participant) (*JoinOutcome, error)
	ListParticipants(ctx context.Context, battleID uuid.UUID) ([]Participant, error)

	TransitionStatus(ctx context.Context, t Transition) (*Battle, error)

	// CommitServerSeedHash inserts the round with its commit and advances
	// current_round. Fails unless the battle is in_progress.
	CommitServerSeedHash(ctx context.Context, r *Round) error
	RevealServerSeed(ctx context.Context, roundID uuid.UUID, serverSeed string) error
	RecordPull(ctx context.Context, p *Pull) error
	ListRounds(ctx context.Context, battleID uuid.UUID) ([]Round, error)
	ListPulls(ctx context.Context, battleID uuid.UUID) ([]Pull, error)

	GetSettlement(ctx context.Context, battleID uuid.UUID) (*SettlementResult, error)

	// SettleAtomic writes the result, the winner and settling -> completed
	// together. ErrAlreadySettled if a result exists; ErrInvalidTransition
	// if the battle is not settling (e.g. cancelled first).
	SettleAtomic(ctx context.Context, res *SettlementResult) error
	MarkPaidOut(ctx context.Context, battleID uuid.UUID) error
}

// Wallet moves user balances. References make both calls idempotent.
type Wallet interface {
	Debit(ctx context.Context, userID uuid.UUID, amount decimal.Decimal, reference string) error
	Credit(ctx context.Context, userID uuid.UUID, amount decimal.Decimal, reference string) error
}

// Catalog is the read-only case table.
type Catalog interface {
	GetCase(ctx context.Context, caseID string) (*Case, error)
}

// Broadcaster publishes lifecycle events. Delivery is best-effort.
type Broadcaster interface {
	Broadcast(battleID uuid.UUID, typ event.Type, data any) bool
	Forget(battleID uuid.UUID)
}

// Settler resolves a finished battle.
type Settler interface {
	Settle(ctx context.Context, battleID uuid.UUID) (*SettlementResult, error)
}

// JoinReference is the wallet reference for an entry fee debit.
func JoinReference(battleID, participantID uuid.UUID) string {
	return "battle:" + battleID.String() + ":join:" + participantID.String()
}

// RefundReference is the wallet reference for a join refund.
func RefundReference(battleID, participantID uuid.UUID) string {
	return JoinReference(battleID, participantID) + ":refund"
}

// PayoutReference is the wallet reference for the winner's payout.
func PayoutReference(battleID uuid.UUID) string {
	return "battle:" + battleID.String() + ":payout"
}
