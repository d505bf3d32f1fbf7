// Package memstore keeps battles, balances, the case catalog and market
// prices in process memory. It backs tests and single-node dev runs.
package memstore

import (
	"CaseBattle/internal/battle"
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store implements battle.Store. One mutex guards everything, which makes
// each method trivially atomic.
type Store struct {
	mu           sync.Mutex
	now          func() time.Time
	battles      map[uuid.UUID]*battle.Battle
	cases        map[uuid.UUID][]string
	participants map[uuid.UUID][]battle.Participant
	rounds       map[uuid.UUID][]battle.Round
	pulls        map[uuid.UUID][]battle.Pull
	settlements  map[uuid.UUID]*battle.SettlementResult
	faults       map[string]error
}

func NewStore() *Store {
	return &Store{
		now:          time.Now,
		battles:      make(map[uuid.UUID]*battle.Battle),
		cases:        make(map[uuid.UUID][]string),
		participants: make(map[uuid.UUID][]battle.Participant),
		rounds:       make(map[uuid.UUID][]battle.Round),
		pulls:        make(map[uuid.UUID][]battle.Pull),
		settlements:  make(map[uuid.UUID]*battle.SettlementResult),
		faults:       make(map[string]error),
	}
}

// SetClock overrides the time used for status change stamps.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// SetFault makes the named method fail with err until cleared with nil.
func (s *Store) SetFault(method string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.faults, method)
		return
	}
	s.faults[method] = err
}

func (s *Store) CreateBattle(_ context.Context, b *battle.Battle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.faults["CreateBattle"]; err != nil {
		return err
	}
	if _, exists := s.battles[b.ID]; exists {
		return fmt.Errorf("battle %s already exists", b.ID)
	}
	cp := *b
	s.battles[b.ID] = &cp
	return nil
}

func (s *Store) LinkCases(_ context.Context, battleID uuid.UUID, caseIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.faults["LinkCases"]; err != nil {
		return err
	}
	if _, ok := s.battles[battleID]; !ok {
		return notFound(battleID)
	}
	s.cases[battleID] = slices.Clone(caseIDs)
	return nil
}

func (s *Store) DeleteBattle(_ context.Context, battleID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.battles, battleID)
	delete(s.cases, battleID)
	delete(s.participants, battleID)
	delete(s.rounds, battleID)
	delete(s.pulls, battleID)
	delete(s.settlements, battleID)
	return nil
}

func (s *Store) GetBattle(_ context.Context, battleID uuid.UUID) (*battle.Battle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.battles[battleID]
	if !ok {
		return nil, notFound(battleID)
	}
	cp := *b
	return &cp, nil
}

func (s *Store) ListBattleCases(_ context.Context, battleID uuid.UUID) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.battles[battleID]; !ok {
		return nil, notFound(battleID)
	}
	return slices.Clone(s.cases[battleID]), nil
}

func (s *Store) ListBattlesByStatus(_ context.Context, status battle.Status, changedBefore time.Time) ([]battle.Battle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []battle.Battle
	for _, b := range s.battles {
		if b.Status == status && b.UpdatedAt.Before(changedBefore) {
			out = append(out, *b)
		}
	}
	slices.SortFunc(out, func(a, b battle.Battle) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

func (s *Store) InsertParticipantAndMaybeTransition(_ context.Context, p *battle.Participant) (*battle.JoinOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.faults["InsertParticipantAndMaybeTransition"]; err != nil {
		return nil, err
	}

	b, ok := s.battles[p.BattleID]
	if !ok {
		return nil, notFound(p.BattleID)
	}
	if b.Status != battle.StatusWaiting {
		return nil, fmt.Errorf("%w: status %s", battle.ErrBattleNotJoinable, b.Status)
	}
	if b.Full() {
		return nil, battle.ErrBattleFull
	}
	for _, existing := range s.participants[b.ID] {
		if existing.UserID == p.UserID {
			return nil, battle.ErrAlreadyJoined
		}
	}

	joined := *p
	joined.Position = b.CurrentParticipants + 1
	s.participants[b.ID] = append(s.participants[b.ID], joined)
	b.CurrentParticipants++
	b.TotalPot = b.TotalPot.Add(b.EntryFee)

	locked := false
	if b.Full() {
		b.Status = battle.StatusLocking
		b.UpdatedAt = s.now().UTC()
		locked = true
	}
	return &battle.JoinOutcome{Battle: *b, Participant: joined, Locked: locked}, nil
}

func (s *Store) ListParticipants(_ context.Context, battleID uuid.UUID) ([]battle.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := slices.Clone(s.participants[battleID])
	slices.SortFunc(out, func(a, b battle.Participant) int { return a.Position - b.Position })
	return out, nil
}

func (s *Store) TransitionStatus(_ context.Context, t battle.Transition) (*battle.Battle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.faults["TransitionStatus"]; err != nil {
		return nil, err
	}

	b, ok := s.battles[t.BattleID]
	if !ok {
		return nil, notFound(t.BattleID)
	}
	if !slices.Contains(t.From, b.Status) || !battle.CanTransition(b.Status, t.To) {
		return nil, fmt.Errorf("%w: %s -> %s", battle.ErrInvalidTransition, b.Status, t.To)
	}
	b.Status = t.To
	b.UpdatedAt = s.now().UTC()
	if t.To == battle.StatusCancelled {
		b.CancelReason = t.Reason
	}
	cp := *b
	return &cp, nil
}

func (s *Store) CommitServerSeedHash(_ context.Context, r *battle.Round) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.faults["CommitServerSeedHash"]; err != nil {
		return err
	}

	if err := s.requireInProgress(r.BattleID, "commit round"); err != nil {
		return err
	}
	for _, existing := range s.rounds[r.BattleID] {
		if existing.RoundIndex == r.RoundIndex {
			return fmt.Errorf("round %d of battle %s already committed", r.RoundIndex, r.BattleID)
		}
	}
	cp := *r
	cp.RevealedServerSeed = ""
	cp.Items = slices.Clone(r.Items)
	s.rounds[r.BattleID] = append(s.rounds[r.BattleID], cp)
	s.battles[r.BattleID].CurrentRound = r.RoundIndex
	return nil
}

func (s *Store) RevealServerSeed(_ context.Context, roundID uuid.UUID, serverSeed string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.faults["RevealServerSeed"]; err != nil {
		return err
	}
	for battleID, rounds := range s.rounds {
		for i := range rounds {
			if rounds[i].ID != roundID {
				continue
			}
			if err := s.requireInProgress(battleID, "reveal seed"); err != nil {
				return err
			}
			s.rounds[battleID][i].RevealedServerSeed = serverSeed
			return nil
		}
	}
	return fmt.Errorf("%w: round %s", battle.ErrNotFound, roundID)
}

func (s *Store) RecordPull(_ context.Context, p *battle.Pull) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.faults["RecordPull"]; err != nil {
		return err
	}
	if err := s.requireInProgress(p.BattleID, "record pull"); err != nil {
		return err
	}
	for _, existing := range s.pulls[p.BattleID] {
		if existing.RoundID == p.RoundID && existing.ParticipantID == p.ParticipantID {
			return fmt.Errorf("pull for participant %s in round %d already recorded", p.ParticipantID, p.RoundIndex)
		}
	}
	s.pulls[p.BattleID] = append(s.pulls[p.BattleID], *p)
	return nil
}

// requireInProgress must be called with s.mu held.
func (s *Store) requireInProgress(battleID uuid.UUID, op string) error {
	b, ok := s.battles[battleID]
	if !ok {
		return notFound(battleID)
	}
	if b.Status != battle.StatusInProgress {
		return fmt.Errorf("%w: %s while %s", battle.ErrInvalidTransition, op, b.Status)
	}
	return nil
}

// ListRounds returns rounds in index order.
func (s *Store) ListRounds(_ context.Context, battleID uuid.UUID) ([]battle.Round, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := slices.Clone(s.rounds[battleID])
	slices.SortFunc(out, func(a, b battle.Round) int { return a.RoundIndex - b.RoundIndex })
	return out, nil
}

// ListPulls returns pulls in insertion order.
func (s *Store) ListPulls(_ context.Context, battleID uuid.UUID) ([]battle.Pull, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.pulls[battleID]), nil
}

func (s *Store) GetSettlement(_ context.Context, battleID uuid.UUID) (*battle.SettlementResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.settlements[battleID]
	if !ok {
		return nil, fmt.Errorf("%w: settlement for %s", battle.ErrNotFound, battleID)
	}
	return cloneSettlement(res), nil
}

func (s *Store) SettleAtomic(_ context.Context, res *battle.SettlementResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.faults["SettleAtomic"]; err != nil {
		return err
	}
	if _, exists := s.settlements[res.BattleID]; exists {
		return battle.ErrAlreadySettled
	}
	b, ok := s.battles[res.BattleID]
	if !ok {
		return notFound(res.BattleID)
	}
	if b.Status != battle.StatusSettling {
		return fmt.Errorf("%w: settle while %s", battle.ErrInvalidTransition, b.Status)
	}

	cp := cloneSettlement(res)
	cp.WasSettledBefore = false
	s.settlements[res.BattleID] = cp

	winner := res.WinnerID
	b.WinnerID = &winner
	b.Status = battle.StatusCompleted
	b.UpdatedAt = s.now().UTC()
	return nil
}

func (s *Store) MarkPaidOut(_ context.Context, battleID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.settlements[battleID]
	if !ok {
		return fmt.Errorf("%w: settlement for %s", battle.ErrNotFound, battleID)
	}
	res.PaidOut = true
	return nil
}

func cloneSettlement(res *battle.SettlementResult) *battle.SettlementResult {
	cp := *res
	cp.Winners = slices.Clone(res.Winners)
	cp.Totals = maps.Clone(res.Totals)
	if res.TieBreak != nil {
		tb := *res.TieBreak
		tb.Candidates = slices.Clone(res.TieBreak.Candidates)
		cp.TieBreak = &tb
	}
	return &cp
}

func notFound(battleID uuid.UUID) error {
	return fmt.Errorf("%w: battle %s", battle.ErrNotFound, battleID)
}

// EditPulls applies fn to every stored pull of a battle. Tests use it to
// tamper with recorded outcomes.
func (s *Store) EditPulls(battleID uuid.UUID, fn func(p *battle.Pull)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.pulls[battleID] {
		fn(&s.pulls[battleID][i])
	}
}
