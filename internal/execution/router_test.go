package execution

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/readytrader/gateway/internal/domain"
	"github.com/readytrader/gateway/internal/errs"
	"github.com/readytrader/gateway/pkg/clock"
)

// fakeVenue scripts one outcome per attempt.
type fakeVenue struct {
	mu         sync.Mutex
	name       string
	family     domain.VenueFamily
	outcomes   []error // nil means success
	keys       []string
	reconciled bool
	recFound   bool
	recErr     error
}

func (f *fakeVenue) Name() string               { return f.name }
func (f *fakeVenue) Family() domain.VenueFamily { return f.family }

func (f *fakeVenue) Place(_ context.Context, _ domain.TradeRequest, order *domain.Order) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, order.IdempotencyKey)
	i := len(f.keys) - 1
	if i >= len(f.outcomes) {
		order.Status = domain.OrderFilled
		order.FilledAmount = order.RequestedAmount
		return nil
	}
	if f.outcomes[i] == nil {
		order.Status = domain.OrderFilled
		order.FilledAmount = order.RequestedAmount
		return nil
	}
	return f.outcomes[i]
}

func (f *fakeVenue) Reconcile(_ context.Context, order *domain.Order) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconciled = true
	if f.recFound {
		order.Status = domain.OrderFilled
		order.FilledAmount = order.RequestedAmount
	}
	return f.recFound, f.recErr
}

func newTestRouter(v Venue) *Router {
	r := NewRouter(RetryPolicy{MaxAttempts: 3, BaseDelay: 0, MaxDelay: 0},
		clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)))
	r.Register(v)
	return r
}

func routeRequest() domain.TradeRequest {
	return domain.TradeRequest{
		CallerKey:      "agent-1",
		Venue:          domain.VenueCEX,
		VenueName:      "primary",
		Symbol:         "ETH-USD",
		Token:          "ETH",
		Side:           domain.SideBuy,
		Amount:         decimal.NewFromInt(1),
		IdempotencyKey: "trade-1",
	}
}

func TestRouterRetriesTransientFailures(t *testing.T) {
	v := &fakeVenue{name: "primary", family: domain.VenueCEX, outcomes: []error{
		errs.MarketData(errs.CodeMarketDataUnavailable, "transient"),
		errs.MarketData(errs.CodeMarketDataUnavailable, "transient"),
		nil,
	}}
	r := newTestRouter(v)

	order, err := r.Execute(context.Background(), routeRequest())
	if err != nil {
		t.Fatalf("should succeed on third attempt: %v", err)
	}
	if order.Status != domain.OrderFilled || order.Attempts != 3 {
		t.Fatalf("expected filled after 3 attempts, got %s after %d", order.Status, order.Attempts)
	}
}

func TestRouterReusesIdempotencyKeyAcrossAttempts(t *testing.T) {
	v := &fakeVenue{name: "primary", family: domain.VenueCEX, outcomes: []error{
		errs.Internal("transient"),
		errs.Internal("transient"),
		nil,
	}}
	r := newTestRouter(v)

	if _, err := r.Execute(context.Background(), routeRequest()); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(v.keys) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(v.keys))
	}
	for i := 1; i < len(v.keys); i++ {
		if v.keys[i] != v.keys[0] {
			t.Fatal("every attempt must carry the same idempotency key")
		}
	}
}

func TestRouterExhaustionIsTerminal(t *testing.T) {
	transient := errs.Internal("transient")
	v := &fakeVenue{name: "primary", family: domain.VenueCEX,
		outcomes: []error{transient, transient, transient}}
	r := newTestRouter(v)

	order, err := r.Execute(context.Background(), routeRequest())
	if !errs.IsCode(err, errs.CodeRetriesExhausted) {
		t.Fatalf("expected %s, got %v", errs.CodeRetriesExhausted, err)
	}
	if order == nil || order.Status != domain.OrderFailed {
		t.Fatalf("exhausted order must be failed, got %+v", order)
	}
}

func TestRouterVenueRejectionDoesNotRetry(t *testing.T) {
	v := &fakeVenue{name: "primary", family: domain.VenueCEX, outcomes: []error{
		errs.Execution(errs.CodeVenueRejected, "insufficient balance"),
	}}
	r := newTestRouter(v)

	order, err := r.Execute(context.Background(), routeRequest())
	if !errs.IsCode(err, errs.CodeVenueRejected) {
		t.Fatalf("expected %s, got %v", errs.CodeVenueRejected, err)
	}
	if len(v.keys) != 1 {
		t.Fatalf("rejection must not retry, got %d attempts", len(v.keys))
	}
	if order.Status != domain.OrderRejected {
		t.Fatalf("expected rejected, got %s", order.Status)
	}
}

func TestRouterAmbiguousOutcomeReconciled(t *testing.T) {
	v := &fakeVenue{name: "primary", family: domain.VenueCEX,
		outcomes: []error{errs.Execution(errs.CodeBroadcastUnknown, "timeout")},
		recFound: true,
	}
	r := newTestRouter(v)

	order, err := r.Execute(context.Background(), routeRequest())
	if err != nil {
		t.Fatalf("reconciled order should succeed: %v", err)
	}
	if !v.reconciled {
		t.Fatal("ambiguous outcome must be reconciled before any retry")
	}
	if order.Status != domain.OrderFilled || len(v.keys) != 1 {
		t.Fatalf("adopted order must not be re-placed, got %s after %d attempts",
			order.Status, len(v.keys))
	}
}

func TestRouterAmbiguousNotFoundRetries(t *testing.T) {
	v := &fakeVenue{name: "primary", family: domain.VenueCEX,
		outcomes: []error{errs.Execution(errs.CodeBroadcastUnknown, "timeout"), nil},
	}
	r := newTestRouter(v)

	order, err := r.Execute(context.Background(), routeRequest())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !v.reconciled || len(v.keys) != 2 {
		t.Fatalf("not-found reconcile should allow one retry, got %d attempts", len(v.keys))
	}
	if order.Status != domain.OrderFilled {
		t.Fatalf("expected filled, got %s", order.Status)
	}
}

func TestRouterUnresolvedAmbiguityAborts(t *testing.T) {
	v := &fakeVenue{name: "primary", family: domain.VenueCEX,
		outcomes: []error{errs.Execution(errs.CodeBroadcastUnknown, "timeout")},
		recErr:   errs.Internal("lookup down"),
	}
	r := newTestRouter(v)

	order, err := r.Execute(context.Background(), routeRequest())
	if !errs.IsCode(err, errs.CodeBroadcastUnknown) {
		t.Fatalf("expected %s, got %v", errs.CodeBroadcastUnknown, err)
	}
	if len(v.keys) != 1 {
		t.Fatal("unresolved ambiguity must never retry placement")
	}
	if order.Status != domain.OrderFailed {
		t.Fatalf("expected failed, got %s", order.Status)
	}
}

func TestRouterNonceConflictIsTerminal(t *testing.T) {
	v := &fakeVenue{name: "onchain", family: domain.VenueChain, outcomes: []error{
		errs.Execution(errs.CodeNonceConflict, "nonce too low"),
	}}
	r := newTestRouter(v)

	req := routeRequest()
	req.Venue = domain.VenueChain
	req.VenueName = "onchain"
	req.Destination = "0x1111111111111111111111111111111111111111"
	req.ChainID = 137

	_, err := r.Execute(context.Background(), req)
	if !errs.IsCode(err, errs.CodeNonceConflict) {
		t.Fatalf("expected %s, got %v", errs.CodeNonceConflict, err)
	}
	if len(v.keys) != 1 {
		t.Fatal("nonce conflicts must not blind-retry")
	}
}

func TestRouterDuplicateInFlight(t *testing.T) {
	block := make(chan struct{})
	v := &blockingVenue{name: "primary", release: block, entered: make(chan struct{})}
	r := newTestRouter(v)

	started := make(chan struct{})
	go func() {
		close(started)
		r.Execute(context.Background(), routeRequest())
	}()
	<-started
	<-v.entered

	_, err := r.Execute(context.Background(), routeRequest())
	if !errs.IsCode(err, errs.CodeDuplicateInFlight) {
		t.Fatalf("expected %s, got %v", errs.CodeDuplicateInFlight, err)
	}
	close(block)
}

func TestRouterUnknownVenue(t *testing.T) {
	r := newTestRouter(&fakeVenue{name: "primary", family: domain.VenueCEX})
	req := routeRequest()
	req.VenueName = "elsewhere"
	if _, err := r.Execute(context.Background(), req); !errs.IsCode(err, errs.CodeVenueNotAllowed) {
		t.Fatalf("expected %s, got %v", errs.CodeVenueNotAllowed, err)
	}
}

type blockingVenue struct {
	name    string
	release chan struct{}
	entered chan struct{}
	once    sync.Once
}

func (b *blockingVenue) Name() string               { return b.name }
func (b *blockingVenue) Family() domain.VenueFamily { return domain.VenueCEX }

func (b *blockingVenue) Place(_ context.Context, _ domain.TradeRequest, order *domain.Order) error {
	b.once.Do(func() {
		if b.entered != nil {
			close(b.entered)
		}
	})
	<-b.release
	order.Status = domain.OrderFilled
	return nil
}

func (b *blockingVenue) Reconcile(context.Context, *domain.Order) (bool, error) {
	return false, nil
}

func TestRouterRejectsFamilyMismatch(t *testing.T) {
	v := &fakeVenue{name: "primary", family: domain.VenueCEX}
	r := newTestRouter(v)

	req := routeRequest()
	req.Venue = domain.VenueChain
	req.Destination = "0x0000000000000000000000000000000000000001"

	order, err := r.Execute(context.Background(), req)
	if !errs.IsCode(err, errs.CodeVenueNotAllowed) {
		t.Fatalf("chain request naming a cex venue must be refused, got %v", err)
	}
	if order != nil {
		t.Fatalf("no order should be created, got %+v", order)
	}
	if len(v.keys) != 0 {
		t.Fatalf("venue must never see the trade, got %d placements", len(v.keys))
	}
}
