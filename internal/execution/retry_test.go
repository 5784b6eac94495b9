package execution

import (
	"testing"
	"time"

	"github.com/readytrader/gateway/internal/domain"
	"github.com/readytrader/gateway/internal/errs"
)

func TestRetryPolicyDelayGrowth(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}

	if d := p.Delay(1); d != 0 {
		t.Fatalf("first attempt must not wait, got %s", d)
	}

	// jitter adds at most 25 percent on top of the base for the step
	bounds := []struct {
		attempt int
		min     time.Duration
	}{
		{2, 100 * time.Millisecond},
		{3, 200 * time.Millisecond},
		{4, 400 * time.Millisecond},
		{5, 800 * time.Millisecond},
	}
	for _, b := range bounds {
		d := p.Delay(b.attempt)
		max := b.min + b.min/4
		if d < b.min || d > max {
			t.Errorf("attempt %d: delay %s outside [%s, %s]", b.attempt, d, b.min, max)
		}
	}

	// far attempts are capped at MaxDelay plus jitter
	if d := p.Delay(20); d > time.Second+time.Second/4 {
		t.Fatalf("delay must cap at max, got %s", d)
	}
}

func TestRetryableClassification(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{errs.Execution(errs.CodeVenueRejected, "no"), false},
		{errs.Execution(errs.CodeNonceConflict, "no"), false},
		{errs.Policy(errs.CodeTokenNotAllowed, "no"), false},
		{errs.Risk(errs.CodeTradingHalted, "no"), false},
		{errs.Execution(errs.CodeBroadcastUnknown, "maybe"), true},
		{errs.MarketData(errs.CodeMarketDataUnavailable, "transient"), true},
		{errs.Internal("boom"), true},
	}
	for _, tc := range cases {
		if got := retryable(tc.err); got != tc.want {
			t.Errorf("retryable(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestNormalizeCEXStatus(t *testing.T) {
	cases := map[string]domain.OrderStatus{
		"NEW":              domain.OrderSubmitted,
		"accepted":         domain.OrderSubmitted,
		"partially_filled": domain.OrderPartiallyFilled,
		"PARTIAL":          domain.OrderPartiallyFilled,
		"filled":           domain.OrderFilled,
		"done":             domain.OrderFilled,
		"cancelled":        domain.OrderCanceled,
		"expired":          domain.OrderCanceled,
		"rejected":         domain.OrderRejected,
		"weird_vendor_ism": domain.OrderSubmitted,
	}
	for in, want := range cases {
		if got := normalizeCEXStatus(in); got != want {
			t.Errorf("normalize(%q) = %s, want %s", in, got, want)
		}
	}
}
