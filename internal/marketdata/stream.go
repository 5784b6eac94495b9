package marketdata

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/readytrader/gateway/internal/domain"
	"github.com/readytrader/gateway/pkg/logger"
)

const (
	streamHandshakeTimeout = 10 * time.Second
	streamReadTimeout      = 30 * time.Second
	initialReconnectDelay  = 500 * time.Millisecond
	maxReconnectDelay      = 30 * time.Second
	stopBudget             = 3 * time.Second
)

// streamTick is the wire format pushed by the upstream price feed.
type streamTick struct {
	Symbol    string  `json:"symbol"`
	Price     string  `json:"price"`
	Timestamp int64   `json:"ts_ms"`
}

// Stream is the live websocket tier. It writes only into the bus's
// per-symbol slots; readers never touch the connection. Start is
// idempotent and Stop completes within a small budget by cancelling
// in-flight reads rather than waiting for a clean remote close.
type Stream struct {
	url     string
	symbols []string
	bus     *Bus
	log     *logrus.Entry

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	lastMsgUnixMs atomic.Int64
}

func NewStream(url string, symbols []string, bus *Bus) *Stream {
	return &Stream{
		url:     url,
		symbols: symbols,
		bus:     bus,
		log:     logger.Component("marketdata.stream"),
	}
}

// Start launches the read loop. A second Start while running is a
// no-op returning the current status.
func (s *Stream) Start(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return true
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true
	go s.run(runCtx, s.done)
	return true
}

// Stop cancels the read loop and waits up to the stop budget.
func (s *Stream) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	done := s.done
	s.running = false
	s.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-time.After(stopBudget):
		s.log.Warn("stream stop budget exceeded, abandoning reader")
	}
}

// Running reports the stream lifecycle state.
func (s *Stream) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// LastMessageAge reports time since the last tick, or a negative value
// when nothing has arrived yet.
func (s *Stream) LastMessageAge() time.Duration {
	ms := s.lastMsgUnixMs.Load()
	if ms == 0 {
		return -1
	}
	return time.Since(time.UnixMilli(ms))
}

func (s *Stream) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	delay := initialReconnectDelay
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := s.readOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			// exponential backoff with jitter, capped
			jitter := time.Duration(rand.Int63n(int64(delay) / 2))
			wait := delay + jitter
			s.log.Warnf("stream disconnected: %v, reconnecting in %v", err, wait)
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			delay *= 2
			if delay > maxReconnectDelay {
				delay = maxReconnectDelay
			}
			continue
		}
		delay = initialReconnectDelay
	}
}

func (s *Stream) readOnce(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: streamHandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	// cancel unblocks the blocking ReadMessage below
	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	defer stop()

	if len(s.symbols) > 0 {
		sub := map[string]interface{}{"op": "subscribe", "symbols": s.symbols}
		if err := conn.WriteJSON(sub); err != nil {
			return err
		}
	}

	s.log.Infof("stream connected to %s", s.url)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		s.handleMessage(msg)
	}
}

func (s *Stream) handleMessage(msg []byte) {
	var tick streamTick
	if err := json.Unmarshal(msg, &tick); err != nil {
		s.log.Debugf("dropping malformed tick: %v", err)
		return
	}
	price, err := decimal.NewFromString(tick.Price)
	if err != nil {
		s.log.Debugf("dropping tick with bad price %q: %v", tick.Price, err)
		return
	}
	s.lastMsgUnixMs.Store(time.Now().UnixMilli())
	s.bus.Submit(Sample{
		Symbol:    tick.Symbol,
		Price:     price,
		Timestamp: time.UnixMilli(tick.Timestamp),
		Tier:      domain.TierStream,
		Source:    "stream",
	})
}
