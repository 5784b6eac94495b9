package gateway

import (
	"context"
	"strings"
	"time"

	"github.com/readytrader/gateway/internal/marketdata"
	"github.com/readytrader/gateway/internal/signing"
)

const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusDown     = "down"
)

type ComponentHealth struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

type HealthReport struct {
	Status     string            `json:"status"`
	Halted     bool              `json:"halted"`
	SessionID  string            `json:"session_id"`
	Components []ComponentHealth `json:"components"`
}

// Health aggregates component states into one report. Overall status
// is the worst component status; a halted gateway is degraded even
// when every component is healthy, because it will not trade.
type Health struct {
	Bus              *marketdata.Bus
	Stream           *marketdata.Stream
	Signer           signing.Signer
	Pipeline         *Pipeline
	SessionID        string
	StreamMaxSilence time.Duration
}

func (h *Health) Report(ctx context.Context) HealthReport {
	report := HealthReport{
		Status:    StatusOK,
		SessionID: h.SessionID,
	}
	if h.Pipeline != nil {
		report.Halted = h.Pipeline.Halted()
	}

	// Tiers are redundant sources. The bus can serve quotes while any
	// one tier is fresh, so the rollup takes the best tier rather than
	// the worst.
	mdStatus := StatusDown
	if h.Bus != nil {
		for _, tier := range h.Bus.Health() {
			c := ComponentHealth{
				Name:   "marketdata/" + tier.Tier,
				Status: tier.Status,
			}
			if tier.SampleSeen {
				c.Detail = "oldest sample " + tier.OldestAge.Truncate(time.Millisecond).String()
			}
			report.Components = append(report.Components, c)
			if worse(mdStatus, tier.Status) {
				mdStatus = tier.Status
			}
		}
		if worse(mdStatus, report.Status) {
			report.Status = mdStatus
		}
	}

	if h.Stream != nil {
		c := ComponentHealth{Name: "stream", Status: StatusOK}
		switch {
		case !h.Stream.Running():
			c.Status = StatusDown
			c.Detail = "not running"
		case h.Stream.LastMessageAge() < 0:
			c.Status = StatusDegraded
			c.Detail = "no message yet"
		case h.StreamMaxSilence > 0 && h.Stream.LastMessageAge() > h.StreamMaxSilence:
			c.Status = StatusDegraded
			c.Detail = "silent for " + h.Stream.LastMessageAge().Truncate(time.Millisecond).String()
		}
		report.Components = append(report.Components, c)
	}

	if h.Signer != nil {
		c := ComponentHealth{Name: "signer", Status: StatusOK}
		probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := h.Signer.Ready(probeCtx); err != nil {
			c.Status = StatusDown
			c.Detail = err.Error()
		}
		cancel()
		report.Components = append(report.Components, c)
	}

	for _, c := range report.Components {
		if strings.HasPrefix(c.Name, "marketdata/") {
			continue
		}
		if worse(c.Status, report.Status) {
			report.Status = c.Status
		}
	}
	if report.Halted && report.Status == StatusOK {
		report.Status = StatusDegraded
	}
	return report
}

func worse(a, b string) bool {
	rank := map[string]int{StatusOK: 0, StatusDegraded: 1, StatusDown: 2}
	return rank[a] > rank[b]
}
