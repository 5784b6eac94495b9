package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// SourceTier is the freshness/priority bucket a market data source
// belongs to. Lower value wins a tie among comparably fresh samples.
type SourceTier int

const (
	TierStream   SourceTier = 0 // live websocket stream
	TierIngest   SourceTier = 1 // user-supplied ingest
	TierFallback SourceTier = 2 // polled REST fallback
)

func (t SourceTier) String() string {
	switch t {
	case TierStream:
		return "stream"
	case TierIngest:
		return "ingest"
	case TierFallback:
		return "fallback"
	}
	return "unknown"
}

// MarketQuote is the selected price signal the risk guardian consumes.
// Stale or Outlier set under fail-closed configuration mean the quote
// must not justify any capital-moving decision.
type MarketQuote struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Timestamp time.Time       `json:"timestamp"`
	Tier      SourceTier      `json:"tier"`
	Source    string          `json:"source"`
	Age       time.Duration   `json:"age"`
	Stale     bool            `json:"stale"`
	Outlier   bool            `json:"outlier"`
}

// Usable reports whether the quote may back an allow decision.
func (q MarketQuote) Usable() bool {
	return !q.Stale && !q.Outlier && q.Price.IsPositive()
}
