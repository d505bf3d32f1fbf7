package event

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type ParticipantJoined struct {
	ParticipantID uuid.UUID `json:"participant_id"`
	UserID        uuid.UUID `json:"user_id"`
	Username      string    `json:"username"`
	Position      int       `json:"position"`
	JoinedAt      time.Time `json:"joined_at"`
}

type BattleLocked struct {
	ParticipantIDs []uuid.UUID `json:"participant_ids"`
	LockedAt       time.Time   `json:"locked_at"`
}

type RoundStart struct {
	RoundIndex     int       `json:"round_index"`
	CaseID         string    `json:"case_id"`
	ServerSeedHash string    `json:"server_seed_hash"`
	StartedAt      time.Time `json:"started_at"`
}

// Item is the pulled item as shown to observers.
type Item struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Value decimal.Decimal `json:"value"`
}

type RoundPull struct {
	RoundIndex    int       `json:"round_index"`
	ParticipantID uuid.UUID `json:"participant_id"`
	Item          Item      `json:"item"`
	Hash          string    `json:"hash"`
	Nonce         uint64    `json:"nonce"`
	ClientSeed    string    `json:"client_seed"`
	PulledAt      time.Time `json:"pulled_at"`
}

type RoundResult struct {
	RoundIndex int         `json:"round_index"`
	Pulls      []RoundPull `json:"pulls"`

	// Value each participant gained this round, keyed by participant id.
	Subtotals map[string]decimal.Decimal `json:"subtotals"`

	// Revealed only now that every pull of the round exists.
	ServerSeed  string    `json:"server_seed"`
	CompletedAt time.Time `json:"completed_at"`
}

// TieBreak carries everything needed to re-verify a tie-break draw.
type TieBreak struct {
	ServerSeed     string   `json:"server_seed"`
	ServerSeedHash string   `json:"server_seed_hash"`
	ClientSeed     string   `json:"client_seed"`
	Nonce          uint64   `json:"nonce"`
	Hash           string   `json:"hash"`
	Candidates     []string `json:"candidates"`
	Index          int      `json:"index"`
	Degraded       bool     `json:"degraded"`
}

type BattleSettled struct {
	WinnerID  *uuid.UUID                 `json:"winner_id,omitempty"`
	Winners   []uuid.UUID                `json:"winners,omitempty"`
	Totals    map[string]decimal.Decimal `json:"totals"`
	TieBreak  *TieBreak                  `json:"tie_break,omitempty"`
	SettledAt time.Time                  `json:"settled_at"`
}

type BattleCancelled struct {
	Reason      string    `json:"reason"`
	CancelledAt time.Time `json:"cancelled_at"`
}
