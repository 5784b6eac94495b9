package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// VenueFamily selects the execution path. It is always explicit on the
// request, never inferred.
type VenueFamily string

const (
	VenueCEX   VenueFamily = "cex"
	VenueChain VenueFamily = "chain"
)

func ParseVenueFamily(s string) (VenueFamily, error) {
	switch VenueFamily(strings.ToLower(strings.TrimSpace(s))) {
	case VenueCEX:
		return VenueCEX, nil
	case VenueChain:
		return VenueChain, nil
	}
	return "", fmt.Errorf("unknown venue family %q", s)
}

// Side of a trade.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

func ParseSide(s string) (Side, error) {
	switch Side(strings.ToLower(strings.TrimSpace(s))) {
	case SideBuy:
		return SideBuy, nil
	case SideSell:
		return SideSell, nil
	}
	return "", fmt.Errorf("unknown side %q", s)
}

// ExecutionMode controls whether a request executes immediately or
// pauses for an explicit approval.
type ExecutionMode string

const (
	ModeAuto        ExecutionMode = "auto"
	ModeApproveEach ExecutionMode = "approve_each"
)

func ParseExecutionMode(s string) (ExecutionMode, error) {
	switch ExecutionMode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeAuto, "":
		return ModeAuto, nil
	case ModeApproveEach:
		return ModeApproveEach, nil
	}
	return "", fmt.Errorf("unknown execution mode %q", s)
}

// TradeRequest is the immutable admission payload. CallerKey identifies
// the submitting agent for rate limiting; Sentiment is the score the
// caller's intelligence layer attached, zero when absent.
type TradeRequest struct {
	CallerKey      string          `json:"caller_key"`
	Venue          VenueFamily     `json:"venue"`
	VenueName      string          `json:"venue_name"` // e.g. "binance", "ethereum"
	Symbol         string          `json:"symbol"`
	Token          string          `json:"token"`
	Side           Side            `json:"side"`
	Amount         decimal.Decimal `json:"amount"`
	Mode           ExecutionMode   `json:"mode"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Destination    string          `json:"destination,omitempty"` // chain path only
	ChainID        int64           `json:"chain_id,omitempty"`
	Sentiment      float64         `json:"sentiment,omitempty"`
	Rationale      string          `json:"rationale,omitempty"`
}

// Fingerprint derives the deduplication identity: the caller-supplied
// idempotency key when present, otherwise a digest of the canonical
// request fields. Two logically identical requests share a fingerprint.
func (r TradeRequest) Fingerprint() string {
	if k := strings.TrimSpace(r.IdempotencyKey); k != "" {
		return k
	}
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%s|%s|%s|%s|%d",
		r.CallerKey, r.Venue, r.VenueName, r.Symbol, r.Token, r.Side,
		r.Amount.String(), r.Destination, r.ChainID)
	return hex.EncodeToString(h.Sum(nil))[:32]
}

// Validate rejects structurally broken requests before any store or
// network is touched.
func (r TradeRequest) Validate() error {
	if r.Venue != VenueCEX && r.Venue != VenueChain {
		return fmt.Errorf("venue family must be cex or chain")
	}
	if strings.TrimSpace(r.Symbol) == "" && r.Venue == VenueCEX {
		return fmt.Errorf("symbol is required for cex requests")
	}
	if r.Side != SideBuy && r.Side != SideSell {
		return fmt.Errorf("side must be buy or sell")
	}
	if r.Amount.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("amount must be positive")
	}
	if r.Mode != ModeAuto && r.Mode != ModeApproveEach {
		return fmt.Errorf("mode must be auto or approve_each")
	}
	if r.Venue == VenueChain && strings.TrimSpace(r.Destination) == "" {
		return fmt.Errorf("destination address is required for chain requests")
	}
	return nil
}
