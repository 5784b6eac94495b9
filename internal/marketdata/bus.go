// Package marketdata merges up to three source tiers per symbol and
// exposes the freshest sample that passes sanity checks. Consumers get
// a single selected quote with explicit staleness and outlier flags;
// under fail-closed risk configuration those flags become hard denies
// downstream.
package marketdata

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/readytrader/gateway/internal/domain"
	"github.com/readytrader/gateway/internal/errs"
)

// tieWindow bounds what "comparable freshness" means: inside it, tier
// priority decides; outside it, the strictly fresher sample wins.
const tieWindow = 25 * time.Millisecond

// Sample is one observation pushed by a source tier.
type Sample struct {
	Symbol    string
	Price     decimal.Decimal
	Timestamp time.Time
	Tier      domain.SourceTier
	Source    string
}

// Bus holds per-symbol slots. Each slot keeps only the latest sample
// per tier (latest-value-wins), so memory is bounded regardless of
// uptime. Slots are independently locked; unrelated symbols never
// contend.
type Bus struct {
	maxAge       time.Duration
	maxDeviation decimal.Decimal
	now          func() time.Time

	mu    sync.RWMutex
	slots map[string]*slot
}

type slot struct {
	mu sync.Mutex
	// latest sample per tier; index by domain.SourceTier
	samples [3]*tierSample
	// last price that passed all sanity checks, reference for the
	// deviation bound
	lastAccepted decimal.Decimal
}

type tierSample struct {
	Sample
	outlier bool
	reason  string
}

// NewBus creates a bus. maxDeviation is the allowed fraction of change
// versus the prior accepted sample before a price is flagged outlier.
func NewBus(maxAge time.Duration, maxDeviation float64) *Bus {
	if maxAge <= 0 {
		maxAge = 10 * time.Second
	}
	return &Bus{
		maxAge:       maxAge,
		maxDeviation: decimal.NewFromFloat(maxDeviation),
		now:          time.Now,
		slots:        make(map[string]*slot),
	}
}

// WithNow injects a clock for tests.
func (b *Bus) WithNow(now func() time.Time) *Bus {
	b.now = now
	return b
}

func (b *Bus) slotFor(symbol string) *slot {
	b.mu.RLock()
	s, ok := b.slots[symbol]
	b.mu.RUnlock()
	if ok {
		return s
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok = b.slots[symbol]; ok {
		return s
	}
	s = &slot{}
	b.slots[symbol] = s
	return s
}

// Submit records a sample into its symbol/tier slot. Sanity checks run
// at ingest: non-positive prices are dropped, timestamps must be
// monotonic per tier, and prices deviating beyond the bound from the
// prior accepted sample are kept but flagged outlier.
func (b *Bus) Submit(s Sample) {
	if s.Symbol == "" || s.Tier < domain.TierStream || s.Tier > domain.TierFallback {
		return
	}
	sl := b.slotFor(s.Symbol)
	sl.mu.Lock()
	defer sl.mu.Unlock()

	if !s.Price.IsPositive() {
		return
	}
	if prev := sl.samples[s.Tier]; prev != nil && s.Timestamp.Before(prev.Timestamp) {
		// out-of-order sample from the same tier; keep the newer one
		return
	}

	ts := &tierSample{Sample: s}
	if sl.lastAccepted.IsPositive() && b.maxDeviation.IsPositive() {
		dev := s.Price.Sub(sl.lastAccepted).Abs().Div(sl.lastAccepted)
		if dev.GreaterThan(b.maxDeviation) {
			ts.outlier = true
			ts.reason = "deviation exceeds bound vs prior accepted sample"
		}
	}
	sl.samples[s.Tier] = ts
	if !ts.outlier {
		sl.lastAccepted = s.Price
	}
}

// Quote selects the per-symbol sample: the freshest one passing sanity
// checks; tier priority breaks ties only among samples of comparable
// freshness. A failed sanity check disqualifies a sample no matter how
// fresh it is.
func (b *Bus) Quote(symbol string) (domain.MarketQuote, error) {
	b.mu.RLock()
	sl, ok := b.slots[symbol]
	b.mu.RUnlock()
	if !ok {
		return domain.MarketQuote{}, errs.MarketData(errs.CodeMarketDataUnavailable,
			"no market data for symbol %s", symbol)
	}

	now := b.now()
	sl.mu.Lock()
	defer sl.mu.Unlock()

	var best *tierSample
	var bestAge time.Duration
	for tier := domain.TierStream; tier <= domain.TierFallback; tier++ {
		ts := sl.samples[tier]
		if ts == nil || ts.outlier {
			continue
		}
		age := now.Sub(ts.Timestamp)
		if best == nil {
			best, bestAge = ts, age
			continue
		}
		diff := bestAge - age
		if diff > tieWindow {
			// strictly fresher lower-priority sample wins
			best, bestAge = ts, age
		}
		// comparable freshness: earlier (higher-priority) tier stays
	}

	if best == nil {
		// all samples disqualified: surface the freshest one flagged,
		// never substitute a default
		var fallback *tierSample
		var fallbackAge time.Duration
		for tier := domain.TierStream; tier <= domain.TierFallback; tier++ {
			ts := sl.samples[tier]
			if ts == nil {
				continue
			}
			age := now.Sub(ts.Timestamp)
			if fallback == nil || age < fallbackAge {
				fallback, fallbackAge = ts, age
			}
		}
		if fallback == nil {
			return domain.MarketQuote{}, errs.MarketData(errs.CodeMarketDataUnavailable,
				"no market data for symbol %s", symbol)
		}
		return quoteOf(fallback, fallbackAge, b.maxAge), nil
	}

	return quoteOf(best, bestAge, b.maxAge), nil
}

func quoteOf(ts *tierSample, age time.Duration, maxAge time.Duration) domain.MarketQuote {
	return domain.MarketQuote{
		Symbol:    ts.Symbol,
		Price:     ts.Price,
		Timestamp: ts.Timestamp,
		Tier:      ts.Tier,
		Source:    ts.Source,
		Age:       age,
		Stale:     age > maxAge,
		Outlier:   ts.outlier,
	}
}

// TierStatus describes one tier's health for a symbol set.
type TierStatus struct {
	Tier       string        `json:"tier"`
	Status     string        `json:"status"` // ok | degraded | down
	OldestAge  time.Duration `json:"oldest_age"`
	SampleSeen bool          `json:"sample_seen"`
}

// Health summarizes tier liveness across all known symbols.
func (b *Bus) Health() []TierStatus {
	now := b.now()

	b.mu.RLock()
	slots := make([]*slot, 0, len(b.slots))
	for _, s := range b.slots {
		slots = append(slots, s)
	}
	b.mu.RUnlock()

	out := make([]TierStatus, 0, 3)
	for tier := domain.TierStream; tier <= domain.TierFallback; tier++ {
		st := TierStatus{Tier: tier.String(), Status: "down"}
		for _, sl := range slots {
			sl.mu.Lock()
			ts := sl.samples[tier]
			sl.mu.Unlock()
			if ts == nil {
				continue
			}
			st.SampleSeen = true
			age := now.Sub(ts.Timestamp)
			if age > st.OldestAge {
				st.OldestAge = age
			}
		}
		if st.SampleSeen {
			if st.OldestAge > b.maxAge {
				st.Status = "degraded"
			} else {
				st.Status = "ok"
			}
		}
		out = append(out, st)
	}
	return out
}
