// Package policy evaluates trade requests against a static allowlist
// configuration. The engine holds an immutable snapshot built at load
// time, so evaluation never takes a lock and a running pipeline never
// observes a half-applied rule change.
package policy

import (
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/readytrader/gateway/internal/domain"
	"github.com/readytrader/gateway/internal/errs"
)

// Rules is the source form of a policy snapshot. Empty allowlists mean
// the corresponding check is not enforced, except tokens: an empty
// token allowlist denies everything.
type Rules struct {
	AllowChains    []string
	AllowTokens    []string
	AllowVenues    []string
	AllowAddresses []string
	MaxTradeAmount decimal.Decimal
	TokenLimits    map[string]decimal.Decimal
}

// Engine evaluates requests against a compiled snapshot of Rules.
type Engine struct {
	chains      map[string]struct{}
	tokens      map[string]struct{}
	venues      map[string]struct{}
	addresses   map[string]struct{}
	maxAmount   decimal.Decimal
	tokenLimits map[string]decimal.Decimal
}

func NewEngine(rules Rules) *Engine {
	e := &Engine{
		chains:      toSet(rules.AllowChains, strings.ToLower),
		tokens:      toSet(rules.AllowTokens, strings.ToUpper),
		venues:      toSet(rules.AllowVenues, strings.ToLower),
		addresses:   toSet(rules.AllowAddresses, strings.ToLower),
		maxAmount:   rules.MaxTradeAmount,
		tokenLimits: make(map[string]decimal.Decimal, len(rules.TokenLimits)),
	}
	for token, limit := range rules.TokenLimits {
		e.tokenLimits[strings.ToUpper(token)] = limit
	}
	return e
}

// Evaluate checks the request in a fixed order: chain, token, venue,
// destination address, amount. The first violation wins.
func (e *Engine) Evaluate(req domain.TradeRequest) error {
	if req.Venue == domain.VenueChain && len(e.chains) > 0 {
		if _, ok := e.chains[chainKey(req.ChainID)]; !ok {
			return errs.Policy(errs.CodeChainNotAllowed,
				"chain %d is not on the allowlist", req.ChainID)
		}
	}

	token := strings.ToUpper(req.Token)
	if len(e.tokens) == 0 {
		return errs.Policy(errs.CodeTokenNotAllowed,
			"token allowlist is empty, all tokens denied")
	}
	if _, ok := e.tokens[token]; !ok {
		return errs.Policy(errs.CodeTokenNotAllowed,
			"token %s is not on the allowlist", req.Token)
	}

	if len(e.venues) > 0 {
		if _, ok := e.venues[strings.ToLower(req.VenueName)]; !ok {
			return errs.Policy(errs.CodeVenueNotAllowed,
				"venue %s is not on the allowlist", req.VenueName)
		}
	}

	if req.Venue == domain.VenueChain && len(e.addresses) > 0 {
		if _, ok := e.addresses[strings.ToLower(req.Destination)]; !ok {
			return errs.Policy(errs.CodeAddressNotAllowed,
				"destination %s is not on the allowlist", req.Destination)
		}
	}

	// per-token ceiling narrows the global one, it never widens it
	limit := e.maxAmount
	if tl, ok := e.tokenLimits[token]; ok && (limit.IsZero() || tl.LessThan(limit)) {
		limit = tl
	}
	if limit.IsPositive() && req.Amount.GreaterThan(limit) {
		return errs.Policy(errs.CodeAmountExceedsLimit,
			"amount %s exceeds ceiling %s for %s", req.Amount, limit, req.Token).
			WithData("limit", limit.String())
	}

	return nil
}

func toSet(values []string, norm func(string) string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		set[norm(v)] = struct{}{}
	}
	return set
}

func chainKey(id int64) string {
	return strconv.FormatInt(id, 10)
}
