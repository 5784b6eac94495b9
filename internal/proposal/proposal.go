// Package proposal holds trades that wait for an explicit approval.
// A proposal is bound to the process boot session: tokens minted before
// a restart can never execute after it.
package proposal

import (
	"time"

	"github.com/readytrader/gateway/internal/domain"
)

type State string

const (
	StatePending  State = "PENDING"
	StateApproved State = "APPROVED"
	StateRejected State = "REJECTED"
	StateExpired  State = "EXPIRED"
	StateExecuted State = "EXECUTED"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateRejected || s == StateExpired || s == StateExecuted
}

// Proposal is a trade awaiting a decision. ConfirmToken is single use:
// the store clears it on a successful approve, so presenting it a
// second time fails with a token error.
type Proposal struct {
	ID           string              `json:"id"`
	SessionID    string              `json:"session_id"`
	Fingerprint  string              `json:"fingerprint"`
	ConfirmToken string              `json:"confirm_token,omitempty"`
	Request      domain.TradeRequest `json:"request"`
	State        State               `json:"state"`
	Reason       string              `json:"reason,omitempty"`
	Result       string              `json:"result,omitempty"`
	CreatedAt    time.Time           `json:"created_at"`
	ExpiresAt    time.Time           `json:"expires_at"`
	DecidedAt    time.Time           `json:"decided_at,omitempty"`
}

func (p *Proposal) expired(now time.Time) bool {
	return now.After(p.ExpiresAt)
}
