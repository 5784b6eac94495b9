package marketdata

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/readytrader/gateway/internal/domain"
	"github.com/readytrader/gateway/pkg/logger"
)

// tickerResponse is the REST fallback payload.
type tickerResponse struct {
	Symbol      string `json:"symbol"`
	Price       string `json:"price"`
	TimestampMS int64  `json:"ts_ms"`
}

// Poller is the REST fallback tier: lowest priority, polled on a fixed
// interval. It exists so the guardian still has a (clearly labeled)
// price when the stream and ingest tiers are quiet.
type Poller struct {
	baseURL  string
	symbols  []string
	interval time.Duration
	bus      *Bus
	http     *resty.Client
	log      *logrus.Entry

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewPoller(baseURL string, symbols []string, interval time.Duration, bus *Bus) *Poller {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Poller{
		baseURL:  baseURL,
		symbols:  symbols,
		interval: interval,
		bus:      bus,
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(10 * time.Second),
		log: logger.Component("marketdata.poller"),
	}
}

// Start is idempotent.
func (p *Poller) Start(ctx context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return true
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.running = true
	go p.run(runCtx, p.done)
	return true
}

func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	cancel := p.cancel
	done := p.done
	p.running = false
	p.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-time.After(stopBudget):
	}
}

func (p *Poller) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, sym := range p.symbols {
				p.pollSymbol(ctx, sym)
			}
		}
	}
}

func (p *Poller) pollSymbol(ctx context.Context, symbol string) {
	var out tickerResponse
	resp, err := p.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetResult(&out).
		Get("/ticker")
	if err != nil {
		p.log.Debugf("poll %s failed: %v", symbol, err)
		return
	}
	if resp.IsError() {
		p.log.Debugf("poll %s: status %d", symbol, resp.StatusCode())
		return
	}
	price, err := decimal.NewFromString(out.Price)
	if err != nil {
		p.log.Debugf("poll %s: bad price %q", symbol, out.Price)
		return
	}
	ts := time.Now()
	if out.TimestampMS > 0 {
		ts = time.UnixMilli(out.TimestampMS)
	}
	p.bus.Submit(Sample{
		Symbol:    symbol,
		Price:     price,
		Timestamp: ts,
		Tier:      domain.TierFallback,
		Source:    fmt.Sprintf("poll:%s", p.baseURL),
	})
}

// Ingest records a user-supplied sample on the middle priority tier.
// Exposed through the API surface for agents that carry their own feed.
func (b *Bus) Ingest(symbol string, price decimal.Decimal, ts time.Time, source string) {
	if ts.IsZero() {
		ts = time.Now()
	}
	if source == "" {
		source = "ingest"
	}
	b.Submit(Sample{
		Symbol:    symbol,
		Price:     price,
		Timestamp: ts,
		Tier:      domain.TierIngest,
		Source:    source,
	})
}
