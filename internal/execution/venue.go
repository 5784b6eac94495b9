// Package execution routes approved trades to venues with bounded
// retries and at-most-once semantics. Every attempt for a trade
// carries the same idempotency key; retrying never mints a new one.
package execution

import (
	"context"

	"github.com/readytrader/gateway/internal/domain"
)

// Venue places orders on one execution destination. Place mutates the
// order in place with whatever the venue reported: external id, fill
// quantities, normalized status. A returned error means the attempt
// did not produce a usable order state.
type Venue interface {
	Name() string
	Family() domain.VenueFamily
	Place(ctx context.Context, req domain.TradeRequest, order *domain.Order) error

	// Reconcile looks the order up after an ambiguous failure, before
	// any retry. found true means the venue saw the original attempt
	// and order now reflects its state; found false means the attempt
	// never landed and a retry is safe.
	Reconcile(ctx context.Context, order *domain.Order) (found bool, err error)
}
