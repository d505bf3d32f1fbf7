package pricing

import (
	"CaseBattle/internal/observability"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// Source provides market data for items.
type Source interface {
	CurrentValue(ctx context.Context, itemID string) (decimal.Decimal, error)
	History(ctx context.Context, itemID string, since time.Time) ([]decimal.Decimal, error)
}

// Config controls outlier suppression and caching.
type Config struct {
	MinHistoryPoints  int
	MADThreshold      decimal.Decimal
	MaxDeviationRatio decimal.Decimal
	HistoryWindow     time.Duration
	CacheMaxAge       time.Duration
	BatchConcurrency  int
}

func DefaultConfig() Config {
	return Config{
		MinHistoryPoints:  5,
		MADThreshold:      decimal.NewFromInt(3),
		MaxDeviationRatio: decimal.NewFromFloat(0.5),
		HistoryWindow:     24 * time.Hour,
		CacheMaxAge:       5 * time.Minute,
		BatchConcurrency:  8,
	}
}

// Result is the fair value of one item.
type Result struct {
	ItemID     string          `json:"item_id"`
	FairValue  decimal.Decimal `json:"fair_value"`
	RawValue   decimal.Decimal `json:"raw_value"`
	WasClamped bool            `json:"was_clamped"`
}

type historyEntry struct {
	points    []decimal.Decimal
	fetchedAt time.Time
}

// Oracle computes clamped fair values. The history cache is shared across
// battles; entries are immutable and replaced wholesale, so readers never
// lock and may briefly see stale history.
type Oracle struct {
	src     Source
	cfg     Config
	logger  zerolog.Logger
	metrics *observability.Metrics
	now     func() time.Time

	cache   sync.Map // itemID -> *atomic.Pointer[historyEntry]
	entries atomic.Int64
}

func NewOracle(src Source, cfg Config, logger zerolog.Logger, metrics *observability.Metrics) *Oracle {
	if cfg.BatchConcurrency <= 0 {
		cfg.BatchConcurrency = 1
	}
	return &Oracle{
		src:     src,
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}
}

// SetClock overrides the time source. Tests only.
func (o *Oracle) SetClock(now func() time.Time) {
	o.now = now
}

// FairValue returns the raw market value clamped into the item's fair band.
// With too little history the raw value is returned unclamped.
func (o *Oracle) FairValue(ctx context.Context, itemID string) (Result, error) {
	raw, err := o.src.CurrentValue(ctx, itemID)
	if err != nil {
		o.countLookup("error")
		return Result{ItemID: itemID}, fmt.Errorf("current value %s: %w", itemID, err)
	}

	history, err := o.history(ctx, itemID)
	if err != nil {
		o.countLookup("error")
		return Result{ItemID: itemID}, fmt.Errorf("price history %s: %w", itemID, err)
	}

	res := Result{ItemID: itemID, FairValue: raw, RawValue: raw}
	if len(history) < o.cfg.MinHistoryPoints {
		o.countLookup("sparse")
		return res, nil
	}

	median := Median(history)
	band := FairBand(median, MAD(history, median), o.cfg.MADThreshold, o.cfg.MaxDeviationRatio)
	res.FairValue, res.WasClamped = band.Clamp(raw)

	if res.WasClamped {
		if o.metrics != nil {
			o.metrics.PriceClamped.Inc()
		}
		o.logger.Info().
			Str("item_id", itemID).
			Str("raw", raw.String()).
			Str("fair", res.FairValue.String()).
			Str("median", median.String()).
			Msg("price clamped")
	}
	o.countLookup("ok")
	return res, nil
}

// BatchFairValue computes fair values concurrently. An item that fails gets
// a zero result; the rest of the batch is unaffected.
func (o *Oracle) BatchFairValue(ctx context.Context, itemIDs []string) map[string]Result {
	results := make(map[string]Result, len(itemIDs))
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(o.cfg.BatchConcurrency)

	seen := make(map[string]bool, len(itemIDs))
	for _, id := range itemIDs {
		if seen[id] {
			continue
		}
		seen[id] = true

		g.Go(func() error {
			res, err := o.FairValue(ctx, id)
			if err != nil {
				o.logger.Warn().Err(err).Str("item_id", id).Msg("fair value failed, using zero")
				res = Result{ItemID: id, FairValue: decimal.Zero, RawValue: decimal.Zero}
			}
			mu.Lock()
			results[id] = res
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	return results
}

// Invalidate drops the cached history for an item.
func (o *Oracle) Invalidate(itemID string) {
	if _, loaded := o.cache.LoadAndDelete(itemID); loaded {
		o.entries.Add(-1)
		o.setCacheGauge()
	}
}

// Prune removes expired cache entries and returns how many were dropped.
func (o *Oracle) Prune() int {
	cutoff := o.now().Add(-o.cfg.CacheMaxAge)
	dropped := 0
	o.cache.Range(func(key, value any) bool {
		entry := value.(*atomic.Pointer[historyEntry]).Load()
		if entry == nil || entry.fetchedAt.Before(cutoff) {
			if _, loaded := o.cache.LoadAndDelete(key); loaded {
				o.entries.Add(-1)
				dropped++
			}
		}
		return true
	})
	o.setCacheGauge()
	return dropped
}

func (o *Oracle) history(ctx context.Context, itemID string) ([]decimal.Decimal, error) {
	now := o.now()

	slot := o.slot(itemID)
	if entry := slot.Load(); entry != nil && now.Sub(entry.fetchedAt) < o.cfg.CacheMaxAge {
		if o.metrics != nil {
			o.metrics.PriceCacheHits.Inc()
		}
		return entry.points, nil
	}
	if o.metrics != nil {
		o.metrics.PriceCacheMisses.Inc()
	}

	points, err := o.src.History(ctx, itemID, now.Add(-o.cfg.HistoryWindow))
	if err != nil {
		return nil, err
	}
	slot.Store(&historyEntry{points: points, fetchedAt: now})
	return points, nil
}

func (o *Oracle) slot(itemID string) *atomic.Pointer[historyEntry] {
	if v, ok := o.cache.Load(itemID); ok {
		return v.(*atomic.Pointer[historyEntry])
	}
	v, loaded := o.cache.LoadOrStore(itemID, new(atomic.Pointer[historyEntry]))
	if !loaded {
		o.entries.Add(1)
		o.setCacheGauge()
	}
	return v.(*atomic.Pointer[historyEntry])
}

func (o *Oracle) countLookup(result string) {
	if o.metrics != nil {
		o.metrics.PriceLookups.WithLabelValues(result).Inc()
	}
}

func (o *Oracle) setCacheGauge() {
	if o.metrics != nil {
		o.metrics.PriceCacheEntries.Set(float64(o.entries.Load()))
	}
}
