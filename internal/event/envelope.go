package event

import (
	"time"

	"github.com/google/uuid"
)

// Type discriminates battle lifecycle events.
type Type string

const (
	TypeParticipantJoined Type = "participant_joined"
	TypeBattleLocked      Type = "battle_locked"
	TypeRoundStart        Type = "round_start"
	TypeRoundPull         Type = "round_pull"
	TypeRoundResult       Type = "round_result"
	TypeBattleSettled     Type = "battle_settled"
	TypeBattleCancelled   Type = "battle_cancelled"
)

func (t Type) String() string {
	return string(t)
}

// Terminal reports whether the event ends a battle's lifecycle.
func (t Type) Terminal() bool {
	return t == TypeBattleSettled || t == TypeBattleCancelled
}

// Envelope wraps every broadcast payload.
type Envelope struct {
	BattleID uuid.UUID `json:"battle_id"`
	Type     Type      `json:"type"`

	// Non-decreasing per bus; assigned at broadcast time.
	Timestamp time.Time `json:"timestamp"`

	// Per-battle counter of accepted events. Gaps mean the rate limiter
	// dropped something and observers should refetch battle state.
	Sequence uint64 `json:"sequence"`

	Data any `json:"data"`
}
