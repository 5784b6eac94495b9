package execution

import (
	"math/rand"
	"time"

	"github.com/readytrader/gateway/internal/errs"
)

// RetryPolicy bounds repeated placement attempts. Delays grow
// exponentially from BaseDelay and are capped at MaxDelay, with up to
// 25 percent jitter so synchronized retries do not stampede a venue.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Delay returns the wait before the given attempt. Attempt 1 has no
// delay.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	d := p.BaseDelay
	for i := 2; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(d)/4 + 1))
	return d + jitter
}

// retryable reports whether a placement error may be tried again.
// Venue rejections, nonce conflicts, and policy denials are final;
// transport and availability failures are not.
func retryable(err error) bool {
	switch errs.CodeOf(err) {
	case errs.CodeVenueRejected, errs.CodeNonceConflict,
		errs.CodeChainNotAllowed, errs.CodeTokenNotAllowed,
		errs.CodeVenueNotAllowed, errs.CodeAddressNotAllowed,
		errs.CodeAmountExceedsLimit, errs.CodeTradingHalted:
		return false
	}
	return true
}
