package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"

	"github.com/readytrader/gateway/internal/api"
	"github.com/readytrader/gateway/internal/audit"
	"github.com/readytrader/gateway/internal/errs"
	"github.com/readytrader/gateway/internal/execution"
	"github.com/readytrader/gateway/internal/gateway"
	"github.com/readytrader/gateway/internal/marketdata"
	"github.com/readytrader/gateway/internal/policy"
	"github.com/readytrader/gateway/internal/proposal"
	"github.com/readytrader/gateway/internal/risk"
	"github.com/readytrader/gateway/internal/signing"
	"github.com/readytrader/gateway/pkg/clock"
	"github.com/readytrader/gateway/pkg/config"
	"github.com/readytrader/gateway/pkg/logger"
	"github.com/readytrader/gateway/pkg/ratelimit"
	"github.com/readytrader/gateway/pkg/shutdown"
)

const maxConsecutiveErrors = 5

func main() {
	var (
		cfgPath   = flag.String("config", getenv("GATEWAY_CONFIG", "config.yaml"), "config yaml path")
		cexURL    = flag.String("cex-url", getenv("GATEWAY_CEX_URL", ""), "exchange REST base url")
		cexName   = flag.String("cex-name", getenv("GATEWAY_CEX_NAME", "primary"), "exchange venue name")
		cexKey    = flag.String("cex-key", getenv("GATEWAY_CEX_KEY", ""), "exchange api key")
		chainRPC  = flag.String("chain-rpc", getenv("GATEWAY_CHAIN_RPC", ""), "ethereum json-rpc url")
		chainName = flag.String("chain-name", getenv("GATEWAY_CHAIN_NAME", "onchain"), "chain venue name")
	)
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fatal(err)
	}
	if err := logger.Init(logger.Config{
		Level:      cfg.Log.Level,
		OutputFile: cfg.Log.File,
		MaxSize:    cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	}); err != nil {
		fatal(err)
	}
	log := logger.Component("main")

	clk := clock.NewSystem()
	sd := shutdown.NewManager()

	bus := marketdata.NewBus(cfg.MarketData.MaxAge, cfg.MarketData.MaxDeviation)

	var stream *marketdata.Stream
	streamCtx, cancelStream := context.WithCancel(context.Background())
	defer cancelStream()
	if cfg.MarketData.StreamURL != "" {
		stream = marketdata.NewStream(cfg.MarketData.StreamURL, cfg.MarketData.Symbols, bus)
		stream.Start(streamCtx)
		sd.OnShutdown(func(context.Context) { stream.Stop() })
	}
	if cfg.MarketData.FallbackURL != "" {
		poller := marketdata.NewPoller(cfg.MarketData.FallbackURL, cfg.MarketData.Symbols,
			cfg.MarketData.PollInterval, bus)
		poller.Start(streamCtx)
		sd.OnShutdown(func(context.Context) { poller.Stop() })
	}

	proposals, err := proposal.Open(cfg.Proposal.DBPath, cfg.Proposal.TTL, clk)
	if err != nil {
		fatal(err)
	}
	sd.OnShutdown(func(context.Context) { proposals.Close() })

	auditLog, err := audit.Open(cfg.Audit.DBPath, clk)
	if err != nil {
		fatal(err)
	}
	sd.OnShutdown(func(context.Context) { auditLog.Close() })

	router := execution.NewRouter(execution.RetryPolicy{
		MaxAttempts: cfg.Execution.MaxAttempts,
		BaseDelay:   cfg.Execution.BaseDelay,
		MaxDelay:    cfg.Execution.MaxDelay,
	}, clk)

	if *cexURL != "" {
		router.Register(execution.NewCEXVenue(execution.CEXOptions{
			Name:       *cexName,
			BaseURL:    *cexURL,
			APIKey:     *cexKey,
			RatePerSec: cfg.Execution.VenueRatePerSec,
			Timeout:    cfg.Execution.RequestTimeout,
		}))
	}

	var signer signing.Signer
	if *chainRPC != "" {
		signer, err = signing.FromConfig(cfg)
		if err != nil {
			fatal(err)
		}
		client, err := dialEthereum(*chainRPC)
		if err != nil {
			fatal(err)
		}
		router.Register(execution.NewChainVenue(*chainName, signer, client))
		log.WithField("address", signer.Address().Hex()).Info("chain venue ready")
	}

	var limiter ratelimit.Limiter = ratelimit.Disabled{}
	if cfg.RateLimit.Enabled {
		limiter = ratelimit.NewFixedWindow(cfg.RateLimit.PerKeyPerMin, time.Minute)
	}

	pipe := gateway.NewPipeline(gateway.Options{
		Limiter:   limiter,
		Kill:      risk.NewKillSwitch(maxConsecutiveErrors),
		Guardian:  risk.NewGuardian(riskLimits(cfg)),
		States:    risk.NewStateStore(decimal.NewFromFloat(cfg.Risk.InitialPortfolio)),
		Policy:    policy.NewEngine(policyRules(cfg)),
		Proposals: proposals,
		Router:    router,
		Bus:       bus,
		Audit:     auditLog,
	})

	health := &gateway.Health{
		Bus:              bus,
		Stream:           stream,
		Signer:           signer,
		Pipeline:         pipe,
		SessionID:        proposals.SessionID(),
		StreamMaxSilence: cfg.MarketData.MaxAge,
	}

	srv := api.NewServer(api.Options{
		Pipeline:  pipe,
		Health:    health,
		Limiter:   limiter,
		Ingest:    ingestFunc(bus, clk),
		AuthToken: cfg.API.AuthToken,
	})
	sd.OnShutdown(func(ctx context.Context) {
		if err := srv.Stop(ctx); err != nil {
			log.WithField("error", err).Warn("api shutdown")
		}
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(cfg.API.Listen) }()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sig:
		log.WithField("signal", s.String()).Info("shutting down")
	case err := <-errCh:
		if err != nil {
			log.WithField("error", err).Error("api server failed")
		}
	}

	cancelStream()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	sd.Shutdown(ctx)
}

func riskLimits(cfg *config.Config) risk.Limits {
	return risk.Limits{
		MaxPositionPct: decimal.NewFromFloat(cfg.Risk.MaxPositionPct),
		DailyLossPct:   decimal.NewFromFloat(cfg.Risk.DailyLossPct),
		MaxDrawdownPct: decimal.NewFromFloat(cfg.Risk.MaxDrawdownPct),
		MinSentiment:   decimal.NewFromFloat(cfg.Risk.MinSentiment),
		FailClosed:     cfg.Risk.FailClosed,
	}
}

func policyRules(cfg *config.Config) policy.Rules {
	limits := make(map[string]decimal.Decimal, len(cfg.Policy.TokenLimits))
	for token, v := range cfg.Policy.TokenLimits {
		limits[token] = decimal.NewFromFloat(v)
	}
	return policy.Rules{
		AllowChains:    cfg.Policy.AllowChains,
		AllowTokens:    cfg.Policy.AllowTokens,
		AllowVenues:    cfg.Policy.AllowVenues,
		AllowAddresses: cfg.Policy.AllowAddresses,
		MaxTradeAmount: decimal.NewFromFloat(cfg.Policy.MaxTradeAmount),
		TokenLimits:    limits,
	}
}

func ingestFunc(bus *marketdata.Bus, clk clock.Clock) api.IngestFunc {
	return func(symbol, price string, tsMillis int64, source string) error {
		p, err := decimal.NewFromString(price)
		if err != nil {
			return errs.Validation(errs.CodeInvalidAmount, "price %q is not a number", price)
		}
		ts := clk.Now()
		if tsMillis > 0 {
			ts = time.UnixMilli(tsMillis)
		}
		bus.Ingest(symbol, p, ts, source)
		return nil
	}
}

func dialEthereum(url string) (*ethclient.Client, error) {
	return ethclient.Dial(url)
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "error:", err)
	os.Exit(1)
}
