package execution

import (
	"context"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	pkgerrors "github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/readytrader/gateway/internal/domain"
	"github.com/readytrader/gateway/internal/errs"
)

// cexOrderRequest is the wire form of an order placement. The
// idempotency key rides as the client order id, so a replayed request
// is a no-op on the venue side.
type cexOrderRequest struct {
	ClientOrderID string `json:"client_order_id"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Quantity      string `json:"quantity"`
	Type          string `json:"type"`
}

type cexOrderResponse struct {
	OrderID       string `json:"order_id"`
	ClientOrderID string `json:"client_order_id"`
	Status        string `json:"status"`
	FilledQty     string `json:"filled_qty"`
	AvgPrice      string `json:"avg_price"`
	Reason        string `json:"reason,omitempty"`
}

// CEXVenue talks to a centralized exchange REST API. Outbound calls
// are paced with a token bucket so the gateway stays under the venue's
// request ceiling even during retry bursts.
type CEXVenue struct {
	name    string
	client  *resty.Client
	limiter *rate.Limiter
}

type CEXOptions struct {
	Name       string
	BaseURL    string
	APIKey     string
	RatePerSec float64
	Timeout    time.Duration
}

func NewCEXVenue(opts CEXOptions) *CEXVenue {
	if opts.RatePerSec <= 0 {
		opts.RatePerSec = 5
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	client := resty.New().
		SetBaseURL(opts.BaseURL).
		SetTimeout(opts.Timeout)
	if opts.APIKey != "" {
		client.SetHeader("X-API-Key", opts.APIKey)
	}
	return &CEXVenue{
		name:    opts.Name,
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(opts.RatePerSec), int(opts.RatePerSec)+1),
	}
}

func (v *CEXVenue) Name() string               { return v.name }
func (v *CEXVenue) Family() domain.VenueFamily { return domain.VenueCEX }

func (v *CEXVenue) Place(ctx context.Context, req domain.TradeRequest, order *domain.Order) error {
	if err := v.limiter.Wait(ctx); err != nil {
		return pkgerrors.Wrap(err, "rate limiter")
	}

	body := cexOrderRequest{
		ClientOrderID: order.IdempotencyKey,
		Symbol:        req.Symbol,
		Side:          string(req.Side),
		Quantity:      req.Amount.String(),
		Type:          "market",
	}
	var out cexOrderResponse
	resp, err := v.client.R().SetContext(ctx).SetBody(body).SetResult(&out).Post("/v1/orders")
	if err != nil {
		return pkgerrors.Wrapf(err, "place order on %s", v.name)
	}
	if resp.StatusCode() == 409 {
		// venue already has this client order id; adopt its state
		found, rerr := v.Reconcile(ctx, order)
		if rerr != nil {
			return rerr
		}
		if found {
			return nil
		}
		return errs.Execution(errs.CodeVenueRejected, "%s: duplicate without order", v.name)
	}
	if resp.IsError() {
		if resp.StatusCode() >= 500 {
			return errs.Execution(errs.CodeBroadcastUnknown,
				"%s returned %d, placement outcome unknown", v.name, resp.StatusCode())
		}
		return errs.Execution(errs.CodeVenueRejected,
			"%s rejected order: %d %s", v.name, resp.StatusCode(), out.Reason)
	}

	applyCEXState(order, out)
	return nil
}

func (v *CEXVenue) Reconcile(ctx context.Context, order *domain.Order) (bool, error) {
	if err := v.limiter.Wait(ctx); err != nil {
		return false, pkgerrors.Wrap(err, "rate limiter")
	}
	var out cexOrderResponse
	resp, err := v.client.R().SetContext(ctx).
		SetQueryParam("client_order_id", order.IdempotencyKey).
		SetResult(&out).
		Get("/v1/orders/lookup")
	if err != nil {
		return false, pkgerrors.Wrapf(err, "lookup order on %s", v.name)
	}
	if resp.StatusCode() == 404 {
		return false, nil
	}
	if resp.IsError() {
		return false, errs.Execution(errs.CodeBroadcastUnknown,
			"%s lookup returned %d", v.name, resp.StatusCode())
	}
	applyCEXState(order, out)
	return true, nil
}

func applyCEXState(order *domain.Order, out cexOrderResponse) {
	order.ExternalOrderID = out.OrderID
	order.Status = normalizeCEXStatus(out.Status)
	order.StatusDetail = out.Reason
	if qty, err := decimal.NewFromString(out.FilledQty); err == nil {
		order.FilledAmount = qty
	}
	if px, err := decimal.NewFromString(out.AvgPrice); err == nil {
		order.AvgFillPrice = px
	}
}

// normalizeCEXStatus folds the venue's status vocabulary into the
// gateway's. Anything unrecognized is treated as still working.
func normalizeCEXStatus(s string) domain.OrderStatus {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "new", "accepted", "open", "pending_new", "working":
		return domain.OrderSubmitted
	case "partially_filled", "partial", "partial_fill":
		return domain.OrderPartiallyFilled
	case "filled", "done", "closed", "executed":
		return domain.OrderFilled
	case "canceled", "cancelled", "expired":
		return domain.OrderCanceled
	case "rejected", "refused", "invalid":
		return domain.OrderRejected
	default:
		return domain.OrderSubmitted
	}
}
