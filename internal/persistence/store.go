// Package persistence implements the battle store, wallet and case catalog
// on Postgres, plus the SQL migration runner.
package persistence

import (
	"CaseBattle/internal/battle"
	"CaseBattle/internal/fairness"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

const uniqueViolation = "23505"

// Store implements battle.Store. Multi-row operations run in one
// transaction and lock the battle row first, so concurrent joins and
// transitions on the same battle serialize on it.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// SetClock overrides the time used for status change stamps.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

const battleColumns = `id, mode, max_participants, current_participants, entry_fee, total_pot,
	rounds_count, current_round, status, winner_id, creator_id, cancel_reason, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBattle(row rowScanner) (*battle.Battle, error) {
	var (
		b      battle.Battle
		winner uuid.NullUUID
	)
	err := row.Scan(&b.ID, &b.Mode, &b.MaxParticipants, &b.CurrentParticipants, &b.EntryFee, &b.TotalPot,
		&b.RoundsCount, &b.CurrentRound, &b.Status, &winner, &b.CreatorID, &b.CancelReason, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if winner.Valid {
		id := winner.UUID
		b.WinnerID = &id
	}
	return &b, nil
}

func (s *Store) CreateBattle(ctx context.Context, b *battle.Battle) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO battles.battles (`+battleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, b.ID, b.Mode, b.MaxParticipants, b.CurrentParticipants, b.EntryFee, b.TotalPot,
		b.RoundsCount, b.CurrentRound, b.Status, nullUUID(b.WinnerID), b.CreatorID, b.CancelReason,
		b.CreatedAt, b.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert battle %s: %w", b.ID, err)
	}
	return nil
}

func (s *Store) LinkCases(ctx context.Context, battleID uuid.UUID, caseIDs []string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := lockBattle(ctx, tx, battleID); err != nil {
			return err
		}
		for i, caseID := range caseIDs {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO battles.battle_cases (battle_id, position, case_id) VALUES ($1, $2, $3)
			`, battleID, i+1, caseID); err != nil {
				return fmt.Errorf("link case %s at %d: %w", caseID, i+1, err)
			}
		}
		return nil
	})
}

// DeleteBattle removes the battle and, by cascade, everything hanging off it.
func (s *Store) DeleteBattle(ctx context.Context, battleID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM battles.battles WHERE id = $1`, battleID)
	return err
}

func (s *Store) GetBattle(ctx context.Context, battleID uuid.UUID) (*battle.Battle, error) {
	b, err := scanBattle(s.db.QueryRowContext(ctx,
		`SELECT `+battleColumns+` FROM battles.battles WHERE id = $1`, battleID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(battleID)
	}
	if err != nil {
		return nil, fmt.Errorf("get battle %s: %w", battleID, err)
	}
	return b, nil
}

func (s *Store) ListBattleCases(ctx context.Context, battleID uuid.UUID) ([]string, error) {
	if _, err := s.GetBattle(ctx, battleID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT case_id FROM battles.battle_cases WHERE battle_id = $1 ORDER BY position`, battleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *Store) ListBattlesByStatus(ctx context.Context, status battle.Status, changedBefore time.Time) ([]battle.Battle, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+battleColumns+` FROM battles.battles
		WHERE status = $1 AND updated_at < $2
		ORDER BY created_at
	`, status, changedBefore)
	if err != nil {
		return nil, fmt.Errorf("list %s battles: %w", status, err)
	}
	defer rows.Close()

	var out []battle.Battle
	for rows.Next() {
		b, err := scanBattle(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

func (s *Store) InsertParticipantAndMaybeTransition(ctx context.Context, p *battle.Participant) (*battle.JoinOutcome, error) {
	var out *battle.JoinOutcome
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		b, err := lockBattle(ctx, tx, p.BattleID)
		if err != nil {
			return err
		}
		if b.Status != battle.StatusWaiting {
			return fmt.Errorf("%w: status %s", battle.ErrBattleNotJoinable, b.Status)
		}
		if b.Full() {
			return battle.ErrBattleFull
		}

		joined := *p
		joined.Position = b.CurrentParticipants + 1
		_, err = tx.ExecContext(ctx, `
			INSERT INTO battles.participants (id, battle_id, user_id, username, position, client_seed, joined_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, joined.ID, joined.BattleID, joined.UserID, joined.Username, joined.Position, joined.ClientSeed, joined.JoinedAt)
		if isUniqueViolation(err) {
			return battle.ErrAlreadyJoined
		}
		if err != nil {
			return fmt.Errorf("insert participant: %w", err)
		}

		b.CurrentParticipants++
		b.TotalPot = b.TotalPot.Add(b.EntryFee)
		locked := b.Full()
		if locked {
			b.Status = battle.StatusLocking
			b.UpdatedAt = s.now().UTC()
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE battles.battles
			SET current_participants = $2, total_pot = $3, status = $4, updated_at = $5
			WHERE id = $1
		`, b.ID, b.CurrentParticipants, b.TotalPot, b.Status, b.UpdatedAt)
		if err != nil {
			return fmt.Errorf("update battle after join: %w", err)
		}

		out = &battle.JoinOutcome{Battle: *b, Participant: joined, Locked: locked}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) ListParticipants(ctx context.Context, battleID uuid.UUID) ([]battle.Participant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, battle_id, user_id, username, position, client_seed, joined_at
		FROM battles.participants WHERE battle_id = $1 ORDER BY position
	`, battleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []battle.Participant
	for rows.Next() {
		var p battle.Participant
		if err := rows.Scan(&p.ID, &p.BattleID, &p.UserID, &p.Username, &p.Position, &p.ClientSeed, &p.JoinedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// TransitionStatus is a single conditional UPDATE. Edges the state machine
// forbids are filtered out of the from-set before the query runs.
func (s *Store) TransitionStatus(ctx context.Context, t battle.Transition) (*battle.Battle, error) {
	from := make([]string, 0, len(t.From))
	for _, st := range t.From {
		if battle.CanTransition(st, t.To) {
			from = append(from, string(st))
		}
	}

	reason := ""
	if t.To == battle.StatusCancelled {
		reason = t.Reason
	}

	b, err := scanBattle(s.db.QueryRowContext(ctx, `
		UPDATE battles.battles
		SET status = $2, updated_at = $3,
			cancel_reason = CASE WHEN $2 = 'cancelled' THEN $4 ELSE cancel_reason END
		WHERE id = $1 AND status = ANY($5)
		RETURNING `+battleColumns,
		t.BattleID, t.To, s.now().UTC(), reason, pq.Array(from)))
	if err == nil {
		return b, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("transition battle %s: %w", t.BattleID, err)
	}

	current, err := s.GetBattle(ctx, t.BattleID)
	if err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: %s -> %s", battle.ErrInvalidTransition, current.Status, t.To)
}

func (s *Store) CommitServerSeedHash(ctx context.Context, r *battle.Round) error {
	items, err := json.Marshal(r.Items)
	if err != nil {
		return fmt.Errorf("marshal round items: %w", err)
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := requireInProgress(ctx, tx, r.BattleID, "commit round"); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO battles.rounds (id, battle_id, round_index, case_id, server_seed_hash, items, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, r.ID, r.BattleID, r.RoundIndex, r.CaseID, r.ServerSeedHash, items, r.CreatedAt)
		if isUniqueViolation(err) {
			return fmt.Errorf("round %d of battle %s already committed", r.RoundIndex, r.BattleID)
		}
		if err != nil {
			return fmt.Errorf("insert round: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE battles.battles SET current_round = $2 WHERE id = $1`, r.BattleID, r.RoundIndex)
		return err
	})
}

func (s *Store) RevealServerSeed(ctx context.Context, roundID uuid.UUID, serverSeed string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var battleID uuid.UUID
		err := tx.QueryRowContext(ctx,
			`SELECT battle_id FROM battles.rounds WHERE id = $1`, roundID).Scan(&battleID)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: round %s", battle.ErrNotFound, roundID)
		}
		if err != nil {
			return fmt.Errorf("load round %s: %w", roundID, err)
		}
		if err := requireInProgress(ctx, tx, battleID, "reveal seed"); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE battles.rounds SET revealed_server_seed = $2 WHERE id = $1`, roundID, serverSeed); err != nil {
			return fmt.Errorf("reveal round %s: %w", roundID, err)
		}
		return nil
	})
}

func (s *Store) RecordPull(ctx context.Context, p *battle.Pull) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := requireInProgress(ctx, tx, p.BattleID, "record pull"); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO battles.pulls (id, round_id, battle_id, round_index, participant_id, item_id, item_value,
				client_seed, nonce, context, hash, mapped_roll, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		`, p.ID, p.RoundID, p.BattleID, p.RoundIndex, p.ParticipantID, p.ItemID, p.ItemValue,
			p.ClientSeed, int64(p.Nonce), p.Context, p.Hash, p.MappedRoll, p.CreatedAt)
		if isUniqueViolation(err) {
			return fmt.Errorf("pull for participant %s in round %d already recorded", p.ParticipantID, p.RoundIndex)
		}
		if err != nil {
			return fmt.Errorf("insert pull: %w", err)
		}
		return nil
	})
}

// ListRounds returns rounds in index order.
func (s *Store) ListRounds(ctx context.Context, battleID uuid.UUID) ([]battle.Round, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, battle_id, round_index, case_id, server_seed_hash,
			COALESCE(revealed_server_seed, ''), items, created_at
		FROM battles.rounds WHERE battle_id = $1 ORDER BY round_index
	`, battleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []battle.Round
	for rows.Next() {
		var (
			r     battle.Round
			items []byte
		)
		if err := rows.Scan(&r.ID, &r.BattleID, &r.RoundIndex, &r.CaseID, &r.ServerSeedHash,
			&r.RevealedServerSeed, &items, &r.CreatedAt); err != nil {
			return nil, err
		}
		var table []fairness.Item
		if err := json.Unmarshal(items, &table); err != nil {
			return nil, fmt.Errorf("decode items of round %s: %w", r.ID, err)
		}
		r.Items = table
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListPulls returns pulls in round order, then recording order.
func (s *Store) ListPulls(ctx context.Context, battleID uuid.UUID) ([]battle.Pull, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, round_id, battle_id, round_index, participant_id, item_id, item_value,
			client_seed, nonce, context, hash, mapped_roll, created_at
		FROM battles.pulls WHERE battle_id = $1 ORDER BY round_index, created_at
	`, battleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []battle.Pull
	for rows.Next() {
		var (
			p     battle.Pull
			nonce int64
		)
		if err := rows.Scan(&p.ID, &p.RoundID, &p.BattleID, &p.RoundIndex, &p.ParticipantID, &p.ItemID, &p.ItemValue,
			&p.ClientSeed, &nonce, &p.Context, &p.Hash, &p.MappedRoll, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.Nonce = uint64(nonce)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) GetSettlement(ctx context.Context, battleID uuid.UUID) (*battle.SettlementResult, error) {
	var (
		res                     battle.SettlementResult
		winners, totals, tieRaw []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT battle_id, mode, winner_id, winner_user_id, winners, totals, tie_break, pot, paid_out, settled_at
		FROM battles.settlements WHERE battle_id = $1
	`, battleID).Scan(&res.BattleID, &res.Mode, &res.WinnerID, &res.WinnerUserID, &winners, &totals, &tieRaw,
		&res.Pot, &res.PaidOut, &res.SettledAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: settlement for %s", battle.ErrNotFound, battleID)
	}
	if err != nil {
		return nil, fmt.Errorf("get settlement %s: %w", battleID, err)
	}

	if err := json.Unmarshal(winners, &res.Winners); err != nil {
		return nil, fmt.Errorf("decode winners: %w", err)
	}
	if err := json.Unmarshal(totals, &res.Totals); err != nil {
		return nil, fmt.Errorf("decode totals: %w", err)
	}
	if len(tieRaw) > 0 {
		var tb battle.TieBreak
		if err := json.Unmarshal(tieRaw, &tb); err != nil {
			return nil, fmt.Errorf("decode tie break: %w", err)
		}
		res.TieBreak = &tb
	}
	return &res, nil
}

func (s *Store) SettleAtomic(ctx context.Context, res *battle.SettlementResult) error {
	winners, err := json.Marshal(res.Winners)
	if err != nil {
		return err
	}
	totals, err := json.Marshal(res.Totals)
	if err != nil {
		return err
	}
	var tieBreak []byte
	if res.TieBreak != nil {
		if tieBreak, err = json.Marshal(res.TieBreak); err != nil {
			return err
		}
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		b, err := lockBattle(ctx, tx, res.BattleID)
		if err != nil {
			return err
		}

		var exists int
		err = tx.QueryRowContext(ctx,
			`SELECT 1 FROM battles.settlements WHERE battle_id = $1 LIMIT 1`, res.BattleID).Scan(&exists)
		if err == nil {
			return battle.ErrAlreadySettled
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		if b.Status != battle.StatusSettling {
			return fmt.Errorf("%w: settle while %s", battle.ErrInvalidTransition, b.Status)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO battles.settlements
				(battle_id, mode, winner_id, winner_user_id, winners, totals, tie_break, pot, paid_out, settled_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`, res.BattleID, res.Mode, res.WinnerID, res.WinnerUserID, winners, totals, tieBreak,
			res.Pot, res.PaidOut, res.SettledAt)
		if isUniqueViolation(err) {
			return battle.ErrAlreadySettled
		}
		if err != nil {
			return fmt.Errorf("insert settlement: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE battles.battles SET status = 'completed', winner_id = $2, updated_at = $3 WHERE id = $1
		`, res.BattleID, res.WinnerID, s.now().UTC())
		return err
	})
}

func (s *Store) MarkPaidOut(ctx context.Context, battleID uuid.UUID) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE battles.settlements SET paid_out = TRUE WHERE battle_id = $1`, battleID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: settlement for %s", battle.ErrNotFound, battleID)
	}
	return nil
}

func lockBattle(ctx context.Context, tx *sql.Tx, battleID uuid.UUID) (*battle.Battle, error) {
	b, err := scanBattle(tx.QueryRowContext(ctx,
		`SELECT `+battleColumns+` FROM battles.battles WHERE id = $1 FOR UPDATE`, battleID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(battleID)
	}
	if err != nil {
		return nil, fmt.Errorf("lock battle %s: %w", battleID, err)
	}
	return b, nil
}

// requireInProgress locks the battle row so a concurrent cancel either
// lands before the write (which then fails) or waits for it.
func requireInProgress(ctx context.Context, tx *sql.Tx, battleID uuid.UUID, op string) error {
	b, err := lockBattle(ctx, tx, battleID)
	if err != nil {
		return err
	}
	if b.Status != battle.StatusInProgress {
		return fmt.Errorf("%w: %s while %s", battle.ErrInvalidTransition, op, b.Status)
	}
	return nil
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return inTx(ctx, s.db, fn)
}

func inTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

func nullUUID(id *uuid.UUID) uuid.NullUUID {
	if id == nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: *id, Valid: true}
}

func notFound(battleID uuid.UUID) error {
	return fmt.Errorf("%w: battle %s", battle.ErrNotFound, battleID)
}

var _ battle.Store = (*Store)(nil)
