package risk

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/readytrader/gateway/internal/domain"
)

// State is a portfolio risk snapshot. Mutated only by confirmed fills;
// daily figures reset at the UTC calendar boundary.
type State struct {
	PortfolioValue decimal.Decimal            `json:"portfolio_value"`
	PeakValue      decimal.Decimal            `json:"peak_value"`
	DailyPnL       decimal.Decimal            `json:"daily_pnl"`
	Exposure       map[string]decimal.Decimal `json:"exposure"` // asset -> notional
	DayKey         int64                      `json:"day_key"`  // YYYYMMDD (UTC)
}

// Drawdown returns the fraction lost from the peak, zero when at or
// above it.
func (s State) Drawdown() decimal.Decimal {
	if !s.PeakValue.IsPositive() {
		return decimal.Zero
	}
	dd := s.PeakValue.Sub(s.PortfolioValue).Div(s.PeakValue)
	if dd.IsNegative() {
		return decimal.Zero
	}
	return dd
}

// DailyLossFraction returns the day's loss as a fraction of portfolio
// value; zero when the day is flat or positive.
func (s State) DailyLossFraction() decimal.Decimal {
	if !s.PortfolioValue.IsPositive() || !s.DailyPnL.IsNegative() {
		return decimal.Zero
	}
	return s.DailyPnL.Neg().Div(s.PortfolioValue)
}

// StateStore serializes mutation per portfolio key. There is no global
// lock: unrelated portfolios never contend. Every key starts from the
// configured initial portfolio value, so the position rule has a
// baseline for callers the store has never seen.
type StateStore struct {
	now     func() time.Time
	initial decimal.Decimal

	mu     sync.Mutex // guards the map only, never held across a State mutation
	states map[string]*portfolioSlot
}

type portfolioSlot struct {
	mu    sync.Mutex
	state State
}

func NewStateStore(initialPortfolio decimal.Decimal) *StateStore {
	return &StateStore{
		now:     time.Now,
		initial: initialPortfolio,
		states:  make(map[string]*portfolioSlot),
	}
}

// WithNow injects a clock for tests.
func (st *StateStore) WithNow(now func() time.Time) *StateStore {
	st.now = now
	return st
}

func (st *StateStore) slotFor(key string) *portfolioSlot {
	st.mu.Lock()
	defer st.mu.Unlock()
	slot, ok := st.states[key]
	if !ok {
		slot = &portfolioSlot{state: State{Exposure: make(map[string]decimal.Decimal)}}
		if st.initial.IsPositive() {
			slot.state.PortfolioValue = st.initial
			slot.state.PeakValue = st.initial
			slot.state.DayKey = dayKey(st.now())
		}
		st.states[key] = slot
	}
	if slot.state.Exposure == nil {
		slot.state.Exposure = make(map[string]decimal.Decimal)
	}
	return slot
}

// Snapshot returns a copy of the portfolio state after rolling the day
// if the UTC boundary has passed.
func (st *StateStore) Snapshot(key string) State {
	slot := st.slotFor(key)
	slot.mu.Lock()
	defer slot.mu.Unlock()
	st.rollDayLocked(&slot.state)

	out := slot.state
	out.Exposure = make(map[string]decimal.Decimal, len(slot.state.Exposure))
	for k, v := range slot.state.Exposure {
		out.Exposure[k] = v
	}
	return out
}

// ApplyFill records a confirmed fill: exposure moves by the filled
// notional, realized PnL adjusts the daily figure and portfolio value.
func (st *StateStore) ApplyFill(key string, order *domain.Order, realizedPnL decimal.Decimal) {
	slot := st.slotFor(key)
	slot.mu.Lock()
	defer slot.mu.Unlock()
	st.rollDayLocked(&slot.state)

	notional := order.FilledAmount.Mul(order.AvgFillPrice)
	asset := order.Symbol
	switch order.Side {
	case domain.SideBuy:
		slot.state.Exposure[asset] = slot.state.Exposure[asset].Add(notional)
	case domain.SideSell:
		slot.state.Exposure[asset] = slot.state.Exposure[asset].Sub(notional)
	}

	slot.state.DailyPnL = slot.state.DailyPnL.Add(realizedPnL)
	slot.state.PortfolioValue = slot.state.PortfolioValue.Add(realizedPnL)
	if slot.state.PortfolioValue.GreaterThan(slot.state.PeakValue) {
		slot.state.PeakValue = slot.state.PortfolioValue
	}
}

func (st *StateStore) rollDayLocked(s *State) {
	key := dayKey(st.now())
	if s.DayKey == key {
		return
	}
	s.DayKey = key
	s.DailyPnL = decimal.Zero
}

func dayKey(t time.Time) int64 {
	t = t.UTC()
	return int64(t.Year()*10000 + int(t.Month())*100 + t.Day())
}
