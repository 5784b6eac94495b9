package risk

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/readytrader/gateway/internal/domain"
)

func TestStateStoreApplyFill(t *testing.T) {
	st := NewStateStore(decimal.NewFromInt(10_000))

	order := &domain.Order{
		Symbol:       "ETH-USD",
		Side:         domain.SideBuy,
		FilledAmount: decimal.NewFromInt(2),
		AvgFillPrice: decimal.NewFromInt(100),
		Status:       domain.OrderFilled,
	}
	st.ApplyFill("default", order, decimal.Zero)

	snap := st.Snapshot("default")
	exposure := snap.Exposure["ETH-USD"]
	if !exposure.Equal(decimal.NewFromInt(200)) {
		t.Fatalf("buy should add 200 exposure, got %s", exposure)
	}

	sell := *order
	sell.Side = domain.SideSell
	sell.FilledAmount = decimal.NewFromInt(1)
	st.ApplyFill("default", &sell, decimal.NewFromInt(50))

	snap = st.Snapshot("default")
	if !snap.Exposure["ETH-USD"].Equal(decimal.NewFromInt(100)) {
		t.Fatalf("sell should reduce exposure to 100, got %s", snap.Exposure["ETH-USD"])
	}
	if !snap.DailyPnL.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("realized pnl should be 50, got %s", snap.DailyPnL)
	}
	if !snap.PortfolioValue.Equal(decimal.NewFromInt(10_050)) {
		t.Fatalf("portfolio should be 10050, got %s", snap.PortfolioValue)
	}
	if !snap.PeakValue.Equal(decimal.NewFromInt(10_050)) {
		t.Fatalf("peak should track new high, got %s", snap.PeakValue)
	}
}

func TestStateStoreDayRoll(t *testing.T) {
	now := time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC)
	st := NewStateStore(decimal.NewFromInt(10_000)).WithNow(func() time.Time { return now })

	order := &domain.Order{
		Symbol:       "BTC-USD",
		Side:         domain.SideSell,
		FilledAmount: decimal.NewFromInt(1),
		AvgFillPrice: decimal.NewFromInt(100),
		Status:       domain.OrderFilled,
	}
	st.ApplyFill("default", order, decimal.NewFromInt(-300))

	if pnl := st.Snapshot("default").DailyPnL; !pnl.Equal(decimal.NewFromInt(-300)) {
		t.Fatalf("expected -300 daily pnl, got %s", pnl)
	}

	// crossing UTC midnight resets the daily counter, not the portfolio
	now = now.Add(2 * time.Hour)
	snap := st.Snapshot("default")
	if !snap.DailyPnL.IsZero() {
		t.Fatalf("daily pnl should reset at UTC midnight, got %s", snap.DailyPnL)
	}
	if !snap.PortfolioValue.Equal(decimal.NewFromInt(9_700)) {
		t.Fatalf("portfolio should carry over, got %s", snap.PortfolioValue)
	}
}

func TestStateStoreIsolatesPortfolios(t *testing.T) {
	st := NewStateStore(decimal.NewFromInt(10_000))

	order := &domain.Order{
		Symbol:       "ETH-USD",
		Side:         domain.SideBuy,
		FilledAmount: decimal.NewFromInt(1),
		AvgFillPrice: decimal.NewFromInt(100),
		Status:       domain.OrderFilled,
	}
	st.ApplyFill("agent-a", order, decimal.Zero)

	if exp := st.Snapshot("agent-b").Exposure["ETH-USD"]; !exp.IsZero() {
		t.Fatalf("agent-b should have no exposure, got %s", exp)
	}
}

func TestKillSwitchAutoHalt(t *testing.T) {
	k := NewKillSwitch(3)

	for i := 0; i < 2; i++ {
		k.OnError()
	}
	if k.Halted() {
		t.Fatal("should not halt below the error threshold")
	}
	k.OnError()
	if !k.Halted() {
		t.Fatal("third consecutive error should halt")
	}

	k.Resume()
	if k.Halted() {
		t.Fatal("resume should clear the halt")
	}

	// a success in between resets the streak
	k.OnError()
	k.OnError()
	k.OnSuccess()
	k.OnError()
	if k.Halted() {
		t.Fatal("success should reset the consecutive error count")
	}
}

func TestStateStoreSeedsEveryPortfolio(t *testing.T) {
	st := NewStateStore(decimal.NewFromInt(10_000))

	for _, key := range []string{"default", "agent-1", "agent-2"} {
		snap := st.Snapshot(key)
		if !snap.PortfolioValue.Equal(decimal.NewFromInt(10_000)) {
			t.Fatalf("%s: portfolio value = %s, want 10000", key, snap.PortfolioValue)
		}
		if !snap.PeakValue.Equal(decimal.NewFromInt(10_000)) {
			t.Fatalf("%s: peak value = %s, want 10000", key, snap.PeakValue)
		}
	}
}

func TestStateStoreWithoutInitialStaysUnvalued(t *testing.T) {
	st := NewStateStore(decimal.Zero)
	if v := st.Snapshot("agent-1").PortfolioValue; !v.IsZero() {
		t.Fatalf("unconfigured store should not invent a portfolio value, got %s", v)
	}
}
