package battle

import (
	"CaseBattle/internal/event"
	"CaseBattle/internal/fairness"
	"CaseBattle/internal/observability"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Config bounds battle shape and timing.
type Config struct {
	MinParticipants int
	MaxParticipants int
	MaxCases        int

	// Pause between consecutive pulls of a round.
	PullDelay time.Duration

	RoundTimeout  time.Duration
	SettleTimeout time.Duration

	// Waiting battles older than this are cancelled by the sweeper.
	FillTimeout time.Duration
	// In-flight battles without a live supervisor older than this are
	// cancelled (or re-settled) by the sweeper.
	StuckTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		MinParticipants: 2,
		MaxParticipants: 4,
		MaxCases:        50,
		PullDelay:       1500 * time.Millisecond,
		RoundTimeout:    30 * time.Second,
		SettleTimeout:   30 * time.Second,
		FillTimeout:     30 * time.Minute,
		StuckTimeout:    5 * time.Minute,
	}
}

// CreateRequest describes a new battle. The validate tags cover request
// shape; participant and case bounds come from Config and are checked by
// CreateBattle.
type CreateRequest struct {
	CreatorID       uuid.UUID `json:"creator_id" validate:"required"`
	Mode            Mode      `json:"mode" validate:"required,oneof=standard crazy"`
	MaxParticipants int       `json:"max_participants" validate:"min=2"`
	CaseIDs         []string  `json:"case_ids" validate:"required,min=1,dive,required,max=64"`
}

type JoinRequest struct {
	BattleID   uuid.UUID `json:"battle_id"`
	UserID     uuid.UUID `json:"user_id"`
	Username   string    `json:"username"`
	ClientSeed string    `json:"client_seed,omitempty"`
}

// CancelRequest cancels a battle. A nil RequestedBy is a system
// cancellation; otherwise only the creator may cancel, and only while the
// battle is still waiting.
type CancelRequest struct {
	BattleID    uuid.UUID `json:"battle_id"`
	RequestedBy uuid.UUID `json:"requested_by"`
	Reason      string    `json:"reason"`
}

// Orchestrator drives battles from creation to settlement. Each full battle
// gets one supervisor goroutine that runs its rounds sequentially; different
// battles run concurrently.
type Orchestrator struct {
	store   Store
	wallet  Wallet
	catalog Catalog
	engine  *fairness.Engine
	settler Settler
	bus     Broadcaster
	cfg     Config
	logger  zerolog.Logger
	metrics *observability.Metrics
	now     func() time.Time

	baseCtx context.Context
	stop    context.CancelFunc

	mu          sync.Mutex
	closed      bool
	supervisors map[uuid.UUID]*supervisor
}

type Deps struct {
	Store   Store
	Wallet  Wallet
	Catalog Catalog
	Engine  *fairness.Engine
	Settler Settler
	Bus     Broadcaster
	Logger  zerolog.Logger
	Metrics *observability.Metrics
}

func NewOrchestrator(deps Deps, cfg Config) *Orchestrator {
	if deps.Engine == nil {
		deps.Engine = fairness.NewEngine()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		store:       deps.Store,
		wallet:      deps.Wallet,
		catalog:     deps.Catalog,
		engine:      deps.Engine,
		settler:     deps.Settler,
		bus:         deps.Bus,
		cfg:         cfg,
		logger:      deps.Logger,
		metrics:     deps.Metrics,
		now:         time.Now,
		baseCtx:     ctx,
		stop:        cancel,
		supervisors: make(map[uuid.UUID]*supervisor),
	}
}

// SetClock overrides the time source. Tests only.
func (o *Orchestrator) SetClock(now func() time.Time) {
	o.now = now
}

// CreateBattle validates the request, prices the entry fee from the catalog
// and persists the battle with its case list. If linking cases fails the
// battle row is deleted again.
func (o *Orchestrator) CreateBattle(ctx context.Context, req CreateRequest) (*Battle, error) {
	if o.shuttingDown() {
		return nil, ErrShuttingDown
	}
	if !req.Mode.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMode, req.Mode)
	}
	if req.MaxParticipants < o.cfg.MinParticipants || req.MaxParticipants > o.cfg.MaxParticipants {
		return nil, fmt.Errorf("%w: %d not in [%d, %d]",
			ErrInvalidParticipantCount, req.MaxParticipants, o.cfg.MinParticipants, o.cfg.MaxParticipants)
	}
	if len(req.CaseIDs) == 0 || len(req.CaseIDs) > o.cfg.MaxCases {
		return nil, fmt.Errorf("%w: %d cases, want 1..%d", ErrInvalidCases, len(req.CaseIDs), o.cfg.MaxCases)
	}

	prices := make(map[string]decimal.Decimal, len(req.CaseIDs))
	entryFee := decimal.Zero
	for _, id := range req.CaseIDs {
		price, ok := prices[id]
		if !ok {
			c, err := o.catalog.GetCase(ctx, id)
			if err != nil {
				if errors.Is(err, ErrNotFound) {
					return nil, fmt.Errorf("%w: %s", ErrUnknownCase, id)
				}
				return nil, fmt.Errorf("get case %s: %w", id, err)
			}
			price = c.Price
			prices[id] = price
		}
		entryFee = entryFee.Add(price)
	}

	now := o.now().UTC()
	b := &Battle{
		ID:              uuid.New(),
		Mode:            req.Mode,
		MaxParticipants: req.MaxParticipants,
		EntryFee:        entryFee,
		TotalPot:        decimal.Zero,
		RoundsCount:     len(req.CaseIDs),
		Status:          StatusWaiting,
		CreatorID:       req.CreatorID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := o.store.CreateBattle(ctx, b); err != nil {
		return nil, fmt.Errorf("create battle: %w", err)
	}
	if err := o.store.LinkCases(ctx, b.ID, req.CaseIDs); err != nil {
		if o.metrics != nil {
			o.metrics.CompensatingDelete.Inc()
		}
		if delErr := o.store.DeleteBattle(context.WithoutCancel(ctx), b.ID); delErr != nil {
			o.logger.Error().Err(delErr).Str("battle_id", b.ID.String()).Msg("compensating delete failed")
		}
		return nil, fmt.Errorf("link cases: %w", err)
	}

	if o.metrics != nil {
		o.metrics.BattlesCreated.WithLabelValues(string(b.Mode)).Inc()
	}
	o.logger.Info().
		Str("battle_id", b.ID.String()).
		Str("mode", string(b.Mode)).
		Int("max_participants", b.MaxParticipants).
		Int("rounds", b.RoundsCount).
		Str("entry_fee", b.EntryFee.String()).
		Msg("battle created")

	return b, nil
}

// JoinBattle debits the entry fee and seats the user. The debit happens
// before the atomic insert; if the insert loses (full, already joined,
// no longer waiting) the debit is refunded. The join that fills the battle
// starts its supervisor; if shutdown began in between, the battle stays
// locking and the maintenance sweep starts it after restart.
func (o *Orchestrator) JoinBattle(ctx context.Context, req JoinRequest) (*Participant, error) {
	if o.shuttingDown() {
		o.rejectJoin("shutting_down")
		return nil, ErrShuttingDown
	}
	b, err := o.store.GetBattle(ctx, req.BattleID)
	if err != nil {
		return nil, err
	}
	if b.Status != StatusWaiting {
		o.rejectJoin("not_joinable")
		return nil, fmt.Errorf("%w: status %s", ErrBattleNotJoinable, b.Status)
	}
	if b.Full() {
		o.rejectJoin("full")
		return nil, ErrBattleFull
	}

	clientSeed := req.ClientSeed
	if clientSeed == "" {
		if clientSeed, err = o.engine.NewClientSeed(); err != nil {
			return nil, err
		}
	}

	p := &Participant{
		ID:         uuid.New(),
		BattleID:   b.ID,
		UserID:     req.UserID,
		Username:   req.Username,
		ClientSeed: clientSeed,
		JoinedAt:   o.now().UTC(),
	}

	if err := o.wallet.Debit(ctx, req.UserID, b.EntryFee, JoinReference(b.ID, p.ID)); err != nil {
		if errors.Is(err, ErrInsufficientFunds) {
			o.rejectJoin("insufficient_funds")
		} else {
			o.rejectJoin("debit_failed")
		}
		return nil, fmt.Errorf("debit entry fee: %w", err)
	}

	outcome, err := o.store.InsertParticipantAndMaybeTransition(ctx, p)
	if err != nil {
		o.refund(ctx, b, p)
		switch {
		case errors.Is(err, ErrBattleFull):
			o.rejectJoin("full")
		case errors.Is(err, ErrAlreadyJoined):
			o.rejectJoin("already_joined")
		case errors.Is(err, ErrBattleNotJoinable):
			o.rejectJoin("not_joinable")
		default:
			o.rejectJoin("store_error")
		}
		return nil, err
	}

	joined := outcome.Participant
	if o.metrics != nil {
		o.metrics.JoinsAccepted.Inc()
	}
	o.logger.Info().
		Str("battle_id", b.ID.String()).
		Str("participant_id", joined.ID.String()).
		Int("position", joined.Position).
		Bool("locked", outcome.Locked).
		Msg("participant joined")

	o.bus.Broadcast(b.ID, event.TypeParticipantJoined, event.ParticipantJoined{
		ParticipantID: joined.ID,
		UserID:        joined.UserID,
		Username:      joined.Username,
		Position:      joined.Position,
		JoinedAt:      joined.JoinedAt,
	})

	if outcome.Locked {
		o.countTransition(StatusLocking)
		o.launch(b.ID)
	}
	return &joined, nil
}

func (o *Orchestrator) refund(ctx context.Context, b *Battle, p *Participant) {
	err := o.wallet.Credit(context.WithoutCancel(ctx), p.UserID, b.EntryFee, RefundReference(b.ID, p.ID))
	outcome := "ok"
	if err != nil {
		outcome = "failed"
		o.logger.Error().Err(err).
			Str("battle_id", b.ID.String()).
			Str("user_id", p.UserID.String()).
			Str("amount", b.EntryFee.String()).
			Msg("join refund failed")
	}
	if o.metrics != nil {
		o.metrics.JoinRefunds.WithLabelValues(outcome).Inc()
	}
}

func (o *Orchestrator) shuttingDown() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

func (o *Orchestrator) rejectJoin(reason string) {
	if o.metrics != nil {
		o.metrics.JoinsRejected.WithLabelValues(reason).Inc()
	}
}

// CancelBattle moves a battle to cancelled if settlement has not committed
// yet, stopping its supervisor. Refunds are handled outside the engine.
func (o *Orchestrator) CancelBattle(ctx context.Context, req CancelRequest) (*Battle, error) {
	from := Cancellable
	if req.RequestedBy != uuid.Nil {
		b, err := o.store.GetBattle(ctx, req.BattleID)
		if err != nil {
			return nil, err
		}
		if b.CreatorID != req.RequestedBy {
			return nil, fmt.Errorf("%w: only the creator may cancel", ErrForbidden)
		}
		from = []Status{StatusWaiting}
	}
	reason := req.Reason
	if reason == "" {
		reason = "cancelled"
	}

	b, err := o.cancel(ctx, req.BattleID, reason, from)
	if err != nil {
		return nil, err
	}
	o.stopSupervisor(req.BattleID)
	return b, nil
}

func (o *Orchestrator) cancel(ctx context.Context, battleID uuid.UUID, reason string, from []Status) (*Battle, error) {
	b, err := o.store.TransitionStatus(ctx, Transition{
		BattleID: battleID,
		From:     from,
		To:       StatusCancelled,
		Reason:   reason,
	})
	if err != nil {
		return nil, err
	}

	o.countTransition(StatusCancelled)
	o.logger.Warn().
		Str("battle_id", battleID.String()).
		Str("reason", reason).
		Msg("battle cancelled")

	o.bus.Broadcast(battleID, event.TypeBattleCancelled, event.BattleCancelled{
		Reason:      reason,
		CancelledAt: o.now().UTC(),
	})
	o.bus.Forget(battleID)
	return b, nil
}

// GetState returns the battle with everything recorded so far. Server seeds
// of unrevealed rounds are never included.
func (o *Orchestrator) GetState(ctx context.Context, battleID uuid.UUID) (*State, error) {
	b, err := o.store.GetBattle(ctx, battleID)
	if err != nil {
		return nil, err
	}
	st := &State{Battle: *b}
	if st.CaseIDs, err = o.store.ListBattleCases(ctx, battleID); err != nil {
		return nil, err
	}
	if st.Participants, err = o.store.ListParticipants(ctx, battleID); err != nil {
		return nil, err
	}
	if st.Rounds, err = o.store.ListRounds(ctx, battleID); err != nil {
		return nil, err
	}
	if st.Pulls, err = o.store.ListPulls(ctx, battleID); err != nil {
		return nil, err
	}
	if b.Status == StatusCompleted {
		res, err := o.store.GetSettlement(ctx, battleID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		st.Settlement = res
	}
	return st, nil
}

func (o *Orchestrator) countTransition(to Status) {
	if o.metrics != nil {
		o.metrics.BattleTransitions.WithLabelValues(string(to)).Inc()
	}
}
