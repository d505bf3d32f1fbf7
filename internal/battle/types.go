package battle

import (
	"CaseBattle/internal/fairness"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Status is a battle lifecycle state.
type Status string

const (
	StatusWaiting    Status = "waiting"
	StatusLocking    Status = "locking"
	StatusInProgress Status = "in_progress"
	StatusSettling   Status = "settling"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

var transitions = map[Status][]Status{
	StatusWaiting:    {StatusLocking, StatusCancelled},
	StatusLocking:    {StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusSettling, StatusCancelled},
	StatusSettling:   {StatusCompleted, StatusCancelled},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Cancellable lists every status a battle may be cancelled from. Once
// settlement has committed the battle is completed and this no longer
// applies.
var Cancellable = []Status{StatusWaiting, StatusLocking, StatusInProgress, StatusSettling}

// Mode decides the winner rule.
type Mode string

const (
	ModeStandard Mode = "standard" // highest total wins
	ModeCrazy    Mode = "crazy"    // lowest total wins
)

func (m Mode) Valid() bool {
	return m == ModeStandard || m == ModeCrazy
}

type Battle struct {
	ID                  uuid.UUID       `json:"id"`
	Mode                Mode            `json:"mode"`
	MaxParticipants     int             `json:"max_participants"`
	CurrentParticipants int             `json:"current_participants"`
	EntryFee            decimal.Decimal `json:"entry_fee"`
	TotalPot            decimal.Decimal `json:"total_pot"`
	RoundsCount         int             `json:"rounds_count"`
	CurrentRound        int             `json:"current_round"`
	Status              Status          `json:"status"`
	WinnerID            *uuid.UUID      `json:"winner_id,omitempty"`
	CreatorID           uuid.UUID       `json:"creator_id"`
	CancelReason        string          `json:"cancel_reason,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`

	// Time of the last status change. Joins do not move it.
	UpdatedAt time.Time `json:"updated_at"`
}

func (b *Battle) Full() bool {
	return b.CurrentParticipants >= b.MaxParticipants
}

type Participant struct {
	ID         uuid.UUID `json:"id"`
	BattleID   uuid.UUID `json:"battle_id"`
	UserID     uuid.UUID `json:"user_id"`
	Username   string    `json:"username"`
	Position   int       `json:"position"`
	ClientSeed string    `json:"client_seed"`
	JoinedAt   time.Time `json:"joined_at"`
}

type Round struct {
	ID             uuid.UUID `json:"id"`
	BattleID       uuid.UUID `json:"battle_id"`
	RoundIndex     int       `json:"round_index"`
	CaseID         string    `json:"case_id"`
	ServerSeedHash string    `json:"server_seed_hash"`

	// Empty until every pull of the round exists.
	RevealedServerSeed string `json:"revealed_server_seed,omitempty"`

	// Item table the round was rolled against, frozen so later catalog
	// edits cannot break verification.
	Items []fairness.Item `json:"items"`

	CreatedAt time.Time `json:"created_at"`
}

type Pull struct {
	ID            uuid.UUID       `json:"id"`
	RoundID       uuid.UUID       `json:"round_id"`
	BattleID      uuid.UUID       `json:"battle_id"`
	RoundIndex    int             `json:"round_index"`
	ParticipantID uuid.UUID       `json:"participant_id"`
	ItemID        string          `json:"item_id"`
	ItemValue     decimal.Decimal `json:"item_value"`
	ClientSeed    string          `json:"client_seed"`
	Nonce         uint64          `json:"nonce"`
	Context       string          `json:"context"`
	Hash          string          `json:"hash"`
	MappedRoll    float64         `json:"mapped_roll"`
	CreatedAt     time.Time       `json:"created_at"`
}

// TieBreak records a tie-break draw with enough data to re-verify it.
type TieBreak struct {
	ServerSeed     string   `json:"server_seed"`
	ServerSeedHash string   `json:"server_seed_hash"`
	ClientSeed     string   `json:"client_seed"`
	Nonce          uint64   `json:"nonce"`
	Hash           string   `json:"hash"`
	Candidates     []string `json:"candidates"`
	Index          int      `json:"index"`

	// Set when no seed was available and a plain uniform draw was used.
	// Degraded draws are not provably fair.
	Degraded bool `json:"degraded"`
}

type SettlementResult struct {
	BattleID     uuid.UUID                     `json:"battle_id"`
	Mode         Mode                          `json:"mode"`
	WinnerID     uuid.UUID                     `json:"winner_id"`
	WinnerUserID uuid.UUID                     `json:"winner_user_id"`
	Winners      []uuid.UUID                   `json:"winners"`
	Totals       map[uuid.UUID]decimal.Decimal `json:"totals"`
	TieBreak     *TieBreak                     `json:"tie_break,omitempty"`
	Pot          decimal.Decimal               `json:"pot"`
	SettledAt    time.Time                     `json:"settled_at"`
	PaidOut      bool                          `json:"paid_out"`

	// Not persisted: true when Settle returned a previously committed result.
	WasSettledBefore bool `json:"was_settled_before"`
}

// Case is a catalog case with its item table.
type Case struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Price decimal.Decimal `json:"price"`
	Items []CaseItem      `json:"items"`
}

type CaseItem struct {
	ItemID      string          `json:"item_id"`
	Name        string          `json:"name"`
	Probability float64         `json:"probability"`
	Value       decimal.Decimal `json:"value"`
}

// Table converts the case into the fairness engine's item table.
func (c *Case) Table() []fairness.Item {
	items := make([]fairness.Item, len(c.Items))
	for i, it := range c.Items {
		items[i] = fairness.Item{ID: it.ItemID, Probability: it.Probability}
	}
	return items
}

// Item looks up an item of the case by id.
func (c *Case) Item(itemID string) (CaseItem, bool) {
	for _, it := range c.Items {
		if it.ItemID == itemID {
			return it, true
		}
	}
	return CaseItem{}, false
}

// State is the full, independently fetchable view of a battle.
type State struct {
	Battle       Battle            `json:"battle"`
	CaseIDs      []string          `json:"case_ids"`
	Participants []Participant     `json:"participants"`
	Rounds       []Round           `json:"rounds"`
	Pulls        []Pull            `json:"pulls"`
	Settlement   *SettlementResult `json:"settlement,omitempty"`
}
