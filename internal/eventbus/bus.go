package eventbus

import (
	"CaseBattle/internal/event"
	"CaseBattle/internal/observability"
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Subscriber receives envelopes. A returned error is treated as transient
// and retried; wrap it with backoff.Permanent to stop retrying.
type Subscriber interface {
	Deliver(ctx context.Context, env event.Envelope) error
}

// SubscriberFunc adapts a function to Subscriber.
type SubscriberFunc func(ctx context.Context, env event.Envelope) error

func (f SubscriberFunc) Deliver(ctx context.Context, env event.Envelope) error {
	return f(ctx, env)
}

// Config tunes rate limiting, queueing and retry.
type Config struct {
	RateLimit      int           // max non-terminal events per battle per RateWindow
	RateWindow     time.Duration // sliding window length
	QueueSize      int           // per-subscriber buffer; full queues drop
	MaxAttempts    uint          // delivery attempts per event, including the first
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// How long a forgotten battle keeps rejecting late broadcasts.
	TombstoneTTL time.Duration
}

func DefaultConfig() Config {
	return Config{
		RateLimit:      20,
		RateWindow:     time.Second,
		QueueSize:      256,
		MaxAttempts:    4,
		InitialBackoff: 50 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		TombstoneTTL:   10 * time.Minute,
	}
}

// Bus is a best-effort, battle-scoped broadcaster. Broadcast never blocks on
// delivery: each subscriber drains its own queue on its own goroutine, so
// a slow or failing observer cannot stall a battle.
type Bus struct {
	cfg     Config
	logger  zerolog.Logger
	metrics *observability.Metrics
	now     func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	lastTS  time.Time
	nextID  uint64
	battles map[uuid.UUID]*battleState
	globals map[uint64]*subscription

	// Forgotten battles and when they were forgotten. A late event would
	// restart the sequence at 1 and collide with already published ids.
	tombstones map[uuid.UUID]time.Time
}

type battleState struct {
	window []time.Time
	seq    uint64
	subs   map[uint64]*subscription
}

type subscription struct {
	id       uint64
	battleID uuid.UUID
	global   bool
	types    map[event.Type]bool
	sub      Subscriber
	queue    chan event.Envelope
}

func (s *subscription) wants(t event.Type) bool {
	return len(s.types) == 0 || s.types[t]
}

// New creates a bus. Call Close to stop delivery goroutines.
func New(cfg Config, logger zerolog.Logger, metrics *observability.Metrics) *Bus {
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.TombstoneTTL <= 0 {
		cfg.TombstoneTTL = DefaultConfig().TombstoneTTL
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
		battles:    make(map[uuid.UUID]*battleState),
		globals:    make(map[uint64]*subscription),
		tombstones: make(map[uuid.UUID]time.Time),
	}
}

// SetClock overrides the time source. Tests only.
func (b *Bus) SetClock(now func() time.Time) {
	b.mu.Lock()
	b.now = now
	b.mu.Unlock()
}

// Subscribe registers sub for one battle's events, optionally filtered by
// type. The returned function unsubscribes; pending events still drain.
func (b *Bus) Subscribe(battleID uuid.UUID, sub Subscriber, types ...event.Type) func() {
	return b.add(battleID, false, sub, types)
}

// SubscribeAll registers sub for every battle (e.g. the NATS sink).
func (b *Bus) SubscribeAll(sub Subscriber, types ...event.Type) func() {
	return b.add(uuid.Nil, true, sub, types)
}

func (b *Bus) add(battleID uuid.UUID, global bool, sub Subscriber, types []event.Type) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}

	b.nextID++
	s := &subscription{
		id:       b.nextID,
		battleID: battleID,
		global:   global,
		sub:      sub,
		queue:    make(chan event.Envelope, b.cfg.QueueSize),
	}
	if len(types) > 0 {
		s.types = make(map[event.Type]bool, len(types))
		for _, t := range types {
			s.types[t] = true
		}
	}

	if global {
		b.globals[s.id] = s
	} else {
		b.battle(battleID).subs[s.id] = s
	}
	b.setSubscriberGauge()

	b.wg.Add(1)
	go b.drain(s)

	return func() { b.remove(s) }
}

func (b *Bus) remove(s *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if s.global {
		if _, ok := b.globals[s.id]; !ok {
			return
		}
		delete(b.globals, s.id)
	} else {
		st, ok := b.battles[s.battleID]
		if !ok {
			return
		}
		if _, ok := st.subs[s.id]; !ok {
			return
		}
		delete(st.subs, s.id)
	}
	close(s.queue)
	b.setSubscriberGauge()
}

// battle returns the state for id, creating it. Caller holds b.mu.
func (b *Bus) battle(id uuid.UUID) *battleState {
	st, ok := b.battles[id]
	if !ok {
		st = &battleState{subs: make(map[uint64]*subscription)}
		b.battles[id] = st
	}
	return st
}

// Broadcast enqueues an event for every interested subscriber. It returns
// false when the event was rate limited, the battle was forgotten or the
// bus is closed. Terminal events bypass the limiter.
func (b *Bus) Broadcast(battleID uuid.UUID, typ event.Type, data any) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return false
	}
	if _, gone := b.tombstones[battleID]; gone {
		if b.metrics != nil {
			b.metrics.EventsDropped.WithLabelValues("forgotten").Inc()
		}
		b.logger.Debug().
			Str("battle_id", battleID.String()).
			Str("type", typ.String()).
			Msg("event for forgotten battle dropped")
		return false
	}

	now := b.now()
	st := b.battle(battleID)

	if !typ.Terminal() && b.cfg.RateLimit > 0 {
		cutoff := now.Add(-b.cfg.RateWindow)
		keep := st.window[:0]
		for _, ts := range st.window {
			if ts.After(cutoff) {
				keep = append(keep, ts)
			}
		}
		st.window = keep
		if len(st.window) >= b.cfg.RateLimit {
			if b.metrics != nil {
				b.metrics.EventsDropped.WithLabelValues("rate_limited").Inc()
			}
			b.logger.Debug().
				Str("battle_id", battleID.String()).
				Str("type", typ.String()).
				Msg("event dropped by rate limiter")
			return false
		}
		st.window = append(st.window, now)
	}

	ts := now
	if ts.Before(b.lastTS) {
		ts = b.lastTS
	}
	b.lastTS = ts
	st.seq++

	env := event.Envelope{
		BattleID:  battleID,
		Type:      typ,
		Timestamp: ts,
		Sequence:  st.seq,
		Data:      data,
	}

	for _, s := range st.subs {
		b.enqueue(s, env)
	}
	for _, s := range b.globals {
		b.enqueue(s, env)
	}

	if b.metrics != nil {
		b.metrics.EventsBroadcast.WithLabelValues(typ.String()).Inc()
	}
	return true
}

// enqueue never blocks. Caller holds b.mu, which also guards queue closing.
func (b *Bus) enqueue(s *subscription, env event.Envelope) {
	if !s.wants(env.Type) {
		return
	}
	select {
	case s.queue <- env:
	default:
		if b.metrics != nil {
			b.metrics.EventsDropped.WithLabelValues("queue_full").Inc()
		}
		b.logger.Warn().
			Str("battle_id", env.BattleID.String()).
			Str("type", env.Type.String()).
			Uint64("subscriber", s.id).
			Msg("subscriber queue full, event dropped")
	}
}

// Forget releases a finished battle: its rate window is discarded and its
// subscriptions are closed after draining. Broadcasts for the battle are
// refused for TombstoneTTL afterwards.
func (b *Bus) Forget(battleID uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	for id, at := range b.tombstones {
		if now.Sub(at) > b.cfg.TombstoneTTL {
			delete(b.tombstones, id)
		}
	}
	if _, ok := b.tombstones[battleID]; !ok {
		b.tombstones[battleID] = now
	}

	st, ok := b.battles[battleID]
	if !ok {
		return
	}
	for id, s := range st.subs {
		delete(st.subs, id)
		close(s.queue)
	}
	delete(b.battles, battleID)
	b.setSubscriberGauge()
}

func (b *Bus) drain(s *subscription) {
	defer b.wg.Done()
	for env := range s.queue {
		b.deliver(s, env)
	}
}

func (b *Bus) deliver(s *subscription, env event.Envelope) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = b.cfg.InitialBackoff
	policy.MaxInterval = b.cfg.MaxBackoff
	policy.RandomizationFactor = 0.5

	attempt := 0
	_, err := backoff.Retry(b.ctx, func() (struct{}, error) {
		attempt++
		if attempt > 1 && b.metrics != nil {
			b.metrics.EventRetries.Inc()
		}
		return struct{}{}, s.sub.Deliver(b.ctx, env)
	}, backoff.WithBackOff(policy), backoff.WithMaxTries(b.cfg.MaxAttempts))

	if err != nil {
		if b.metrics != nil {
			b.metrics.EventDeliveries.WithLabelValues("failed").Inc()
		}
		b.logger.Warn().
			Err(err).
			Str("battle_id", env.BattleID.String()).
			Str("type", env.Type.String()).
			Uint64("sequence", env.Sequence).
			Int("attempts", attempt).
			Msg("event delivery exhausted retries")
		return
	}
	if b.metrics != nil {
		b.metrics.EventDeliveries.WithLabelValues("delivered").Inc()
	}
}

// Close stops accepting events, lets queued events drain for up to the
// context deadline, then aborts outstanding retries.
func (b *Bus) Close(ctx context.Context) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, st := range b.battles {
		for id, s := range st.subs {
			delete(st.subs, id)
			close(s.queue)
		}
	}
	for id, s := range b.globals {
		delete(b.globals, id)
		close(s.queue)
	}
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		b.cancel()
		<-done
	}
	b.cancel()
}

func (b *Bus) setSubscriberGauge() {
	if b.metrics == nil {
		return
	}
	n := len(b.globals)
	for _, st := range b.battles {
		n += len(st.subs)
	}
	b.metrics.SubscribersTotal.Set(float64(n))
}
