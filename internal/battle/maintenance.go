package battle

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// CachePruner drops expired cache entries.
type CachePruner interface {
	Prune() int
}

// SweepReport summarizes one maintenance pass.
type SweepReport struct {
	FillTimeouts int
	Restarted    int
	Stuck        int
	Resettled    int
	Pruned       int
}

// Maintenance periodically cancels battles that never filled, recovers
// battles whose supervisor is gone and prunes the price cache.
type Maintenance struct {
	o        *Orchestrator
	pruner   CachePruner
	interval time.Duration
	sched    gocron.Scheduler
}

func NewMaintenance(o *Orchestrator, pruner CachePruner, interval time.Duration) (*Maintenance, error) {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	m := &Maintenance{o: o, pruner: pruner, interval: interval, sched: sched}

	_, err = sched.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			defer cancel()
			m.Sweep(ctx)
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithName("battle-sweep"),
	)
	if err != nil {
		return nil, fmt.Errorf("schedule sweep: %w", err)
	}
	return m, nil
}

func (m *Maintenance) Start() {
	m.sched.Start()
	m.o.logger.Info().Dur("interval", m.interval).Msg("maintenance scheduler started")
}

func (m *Maintenance) Stop() error {
	return m.sched.Shutdown()
}

// Sweep runs one maintenance pass. Errors on individual battles are logged
// and do not stop the pass.
func (m *Maintenance) Sweep(ctx context.Context) SweepReport {
	o := m.o
	start := o.now()
	var rep SweepReport

	fillCutoff := start.Add(-o.cfg.FillTimeout)
	stuckCutoff := start.Add(-o.cfg.StuckTimeout)

	for _, b := range m.list(ctx, StatusWaiting, fillCutoff) {
		if _, err := o.cancel(ctx, b.ID, "fill_timeout", []Status{StatusWaiting}); err != nil {
			o.logger.Debug().Err(err).Str("battle_id", b.ID.String()).Msg("fill timeout cancel skipped")
			continue
		}
		rep.FillTimeouts++
		m.countCancel("fill_timeout")
	}

	for _, b := range m.list(ctx, StatusLocking, stuckCutoff) {
		if o.launch(b.ID) {
			rep.Restarted++
			o.logger.Info().Str("battle_id", b.ID.String()).Msg("restarted locked battle")
		}
	}

	for _, b := range m.list(ctx, StatusInProgress, stuckCutoff) {
		if o.Running(b.ID) {
			continue
		}
		if _, err := o.cancel(ctx, b.ID, "stuck", []Status{StatusInProgress}); err != nil {
			o.logger.Debug().Err(err).Str("battle_id", b.ID.String()).Msg("stuck cancel skipped")
			continue
		}
		rep.Stuck++
		m.countCancel("stuck")
	}

	for _, b := range m.list(ctx, StatusSettling, stuckCutoff) {
		if o.Running(b.ID) {
			continue
		}
		if _, err := o.settler.Settle(ctx, b.ID); err != nil {
			o.logger.Error().Err(err).Str("battle_id", b.ID.String()).Msg("re-settle failed")
			if _, cerr := o.cancel(ctx, b.ID, "settlement_failed", []Status{StatusSettling}); cerr == nil {
				m.countCancel("settlement_failed")
			}
			continue
		}
		rep.Resettled++
	}

	if m.pruner != nil {
		rep.Pruned = m.pruner.Prune()
	}

	if o.metrics != nil {
		o.metrics.SweepDuration.Observe(o.now().Sub(start).Seconds())
	}
	o.logger.Debug().
		Int("fill_timeouts", rep.FillTimeouts).
		Int("restarted", rep.Restarted).
		Int("stuck", rep.Stuck).
		Int("resettled", rep.Resettled).
		Int("pruned", rep.Pruned).
		Msg("sweep complete")
	return rep
}

func (m *Maintenance) list(ctx context.Context, status Status, before time.Time) []Battle {
	battles, err := m.o.store.ListBattlesByStatus(ctx, status, before)
	if err != nil {
		m.o.logger.Error().Err(err).Str("status", string(status)).Msg("sweep list failed")
		return nil
	}
	return battles
}

func (m *Maintenance) countCancel(reason string) {
	if m.o.metrics != nil {
		m.o.metrics.SweepCancelled.WithLabelValues(reason).Inc()
	}
}
