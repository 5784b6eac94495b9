package execution

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/readytrader/gateway/internal/domain"
	"github.com/readytrader/gateway/internal/errs"
	"github.com/readytrader/gateway/pkg/clock"
	"github.com/readytrader/gateway/pkg/logger"
)

// Router owns order placement. It resolves the venue explicitly,
// bounds retries, and reuses one idempotency key across every attempt
// for a trade. No lock is held while a venue call is in flight.
type Router struct {
	venues   map[string]Venue
	fallback map[domain.VenueFamily]Venue
	retry    RetryPolicy
	guard    *InflightGuard
	clk      clock.Clock
	log      *logrus.Entry
}

func NewRouter(retry RetryPolicy, clk clock.Clock) *Router {
	return &Router{
		venues:   make(map[string]Venue),
		fallback: make(map[domain.VenueFamily]Venue),
		retry:    retry,
		guard:    NewInflightGuard(),
		clk:      clk,
		log:      logger.Component("router"),
	}
}

// Register adds a venue. The first venue registered for a family also
// serves requests that name no venue.
func (r *Router) Register(v Venue) {
	r.venues[strings.ToLower(v.Name())] = v
	if _, ok := r.fallback[v.Family()]; !ok {
		r.fallback[v.Family()] = v
	}
}

func (r *Router) InFlight() int { return r.guard.Active() }

// Execute places the trade with at-most-once semantics. The returned
// order is always non-nil once placement starts, so callers can audit
// failures with the same record as successes.
func (r *Router) Execute(ctx context.Context, req domain.TradeRequest) (*domain.Order, error) {
	fp := req.Fingerprint()
	if !r.guard.Begin(fp) {
		return nil, errs.Execution(errs.CodeDuplicateInFlight,
			"trade %s is already executing", fp)
	}
	defer r.guard.End(fp)

	venue, err := r.resolve(req)
	if err != nil {
		return nil, err
	}

	now := r.clk.Now()
	order := &domain.Order{
		ID:              uuid.New().String(),
		Venue:           req.Venue,
		VenueName:       venue.Name(),
		Symbol:          req.Symbol,
		Side:            req.Side,
		RequestedAmount: req.Amount,
		IdempotencyKey:  fp,
		Status:          domain.OrderSubmitted,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	var lastErr error
	for attempt := 1; attempt <= r.retry.MaxAttempts; attempt++ {
		if delay := r.retry.Delay(attempt); delay > 0 {
			select {
			case <-ctx.Done():
				order.Status = domain.OrderFailed
				order.StatusDetail = "canceled before retry"
				return order, ctx.Err()
			case <-r.clk.After(delay):
			}
		}

		order.Attempts = attempt
		err := venue.Place(ctx, req, order)
		order.UpdatedAt = r.clk.Now()
		if err == nil {
			r.log.WithFields(logrus.Fields{
				"order": order.ID, "venue": venue.Name(),
				"status": order.Status, "attempt": attempt,
			}).Info("order placed")
			return order, nil
		}
		lastErr = err

		if errs.IsCode(err, errs.CodeBroadcastUnknown) {
			found, rerr := venue.Reconcile(ctx, order)
			if rerr != nil {
				// still ambiguous; retrying could execute twice
				order.Status = domain.OrderFailed
				order.StatusDetail = "broadcast unresolved"
				return order, errs.Execution(errs.CodeBroadcastUnknown,
					"order %s outcome unresolved on %s", order.ID, venue.Name()).WithCause(rerr)
			}
			if found {
				order.UpdatedAt = r.clk.Now()
				r.log.WithFields(logrus.Fields{
					"order": order.ID, "venue": venue.Name(), "status": order.Status,
				}).Info("order recovered by reconcile")
				return order, nil
			}
			// venue never saw it; fall through to retry
		}

		if !retryable(err) {
			if !order.Status.Terminal() {
				order.Status = domain.OrderRejected
			}
			order.StatusDetail = err.Error()
			return order, err
		}

		r.log.WithFields(logrus.Fields{
			"order": order.ID, "venue": venue.Name(),
			"attempt": attempt, "error": err,
		}).Warn("placement attempt failed")
	}

	order.Status = domain.OrderFailed
	order.StatusDetail = "retries exhausted"
	return order, errs.Execution(errs.CodeRetriesExhausted,
		"order %s failed after %d attempts", order.ID, r.retry.MaxAttempts).WithCause(lastErr)
}

func (r *Router) resolve(req domain.TradeRequest) (Venue, error) {
	if name := strings.ToLower(strings.TrimSpace(req.VenueName)); name != "" {
		if v, ok := r.venues[name]; ok {
			// the family on the request is authoritative; a name
			// belonging to another family never reroutes the trade
			if v.Family() != req.Venue {
				return nil, errs.Policy(errs.CodeVenueNotAllowed,
					"venue %s is %s, request wants %s", req.VenueName, v.Family(), req.Venue)
			}
			return v, nil
		}
		return nil, errs.Policy(errs.CodeVenueNotAllowed,
			"venue %s is not registered", req.VenueName)
	}
	if v, ok := r.fallback[req.Venue]; ok {
		return v, nil
	}
	return nil, errs.Policy(errs.CodeVenueNotAllowed,
		"no venue registered for family %s", req.Venue)
}
