package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus is the normalized five-state order lifecycle every venue
// vocabulary is folded into.
type OrderStatus string

const (
	OrderSubmitted       OrderStatus = "submitted"
	OrderPartiallyFilled OrderStatus = "partially_filled"
	OrderFilled          OrderStatus = "filled"
	OrderCanceled        OrderStatus = "canceled"
	OrderRejected        OrderStatus = "rejected"
	OrderFailed          OrderStatus = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderFilled, OrderCanceled, OrderRejected, OrderFailed:
		return true
	}
	return false
}

// Order is owned exclusively by the execution router for its lifetime.
// FilledAmount is monotonic non-decreasing until a terminal status.
type Order struct {
	ID              string          `json:"id"`
	Venue           VenueFamily     `json:"venue"`
	VenueName       string          `json:"venue_name"`
	Symbol          string          `json:"symbol"`
	Side            Side            `json:"side"`
	RequestedAmount decimal.Decimal `json:"requested_amount"`
	FilledAmount    decimal.Decimal `json:"filled_amount"`
	AvgFillPrice    decimal.Decimal `json:"avg_fill_price"`
	ExternalOrderID string          `json:"external_order_id,omitempty"`
	TxHash          string          `json:"tx_hash,omitempty"`
	IdempotencyKey  string          `json:"idempotency_key"`
	Status          OrderStatus     `json:"status"`
	StatusDetail    string          `json:"status_detail,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	Attempts        int             `json:"attempts"`
}
