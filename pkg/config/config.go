package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the immutable runtime configuration. Policy and risk
// sections are snapshotted at load; changing them requires a restart.
type Config struct {
	Log struct {
		Level      string `yaml:"level"`
		File       string `yaml:"file"`
		MaxSizeMB  int    `yaml:"max_size_mb"`
		MaxBackups int    `yaml:"max_backups"`
		MaxAgeDays int    `yaml:"max_age_days"`
		Compress   bool   `yaml:"compress"`
	} `yaml:"log"`

	API struct {
		Listen    string `yaml:"listen"`
		AuthToken string `yaml:"auth_token"` // bearer token; empty disables auth
	} `yaml:"api"`

	RateLimit struct {
		Enabled      bool `yaml:"enabled"`
		PerKeyPerMin int  `yaml:"per_key_per_min"`
	} `yaml:"rate_limit"`

	Risk struct {
		MaxPositionPct   float64 `yaml:"max_position_pct"`  // notional / portfolio value
		DailyLossPct     float64 `yaml:"daily_loss_pct"`    // halts buys at or beyond
		MaxDrawdownPct   float64 `yaml:"max_drawdown_pct"`  // halts buys at or beyond
		MinSentiment     float64 `yaml:"min_sentiment"`     // buys blocked below
		FailClosed       bool    `yaml:"fail_closed"`       // stale/outlier quote denies
		InitialPortfolio float64 `yaml:"initial_portfolio"` // starting portfolio value
	} `yaml:"risk"`

	Policy struct {
		AllowChains    []string           `yaml:"allow_chains"`
		AllowTokens    []string           `yaml:"allow_tokens"`
		AllowVenues    []string           `yaml:"allow_venues"`
		AllowAddresses []string           `yaml:"allow_addresses"`
		MaxTradeAmount float64            `yaml:"max_trade_amount"`
		TokenLimits    map[string]float64 `yaml:"token_limits"`
	} `yaml:"policy"`

	Proposal struct {
		TTL    time.Duration `yaml:"ttl"`
		DBPath string        `yaml:"db_path"` // empty disables persistence
	} `yaml:"proposal"`

	Execution struct {
		MaxAttempts     int           `yaml:"max_attempts"`
		BaseDelay       time.Duration `yaml:"base_delay"`
		MaxDelay        time.Duration `yaml:"max_delay"`
		RequestTimeout  time.Duration `yaml:"request_timeout"`
		VenueRatePerSec float64       `yaml:"venue_rate_per_sec"` // outbound pacing toward the venue
	} `yaml:"execution"`

	Signer struct {
		Type            string             `yaml:"type"` // local | keystore | remote | cosign
		KeyHex          string             `yaml:"key_hex"`
		Mnemonic        string             `yaml:"mnemonic"`
		DerivationPath  string             `yaml:"derivation_path"`
		KeystorePath    string             `yaml:"keystore_path"`
		KeystorePass    string             `yaml:"keystore_pass"`
		RemoteURL       string             `yaml:"remote_url"`
		RemoteToken     string             `yaml:"remote_token"`
		SecretStorePath string             `yaml:"secret_store_path"` // badger dir for key at rest
		Policy          SignerPolicyConfig `yaml:"policy"`
	} `yaml:"signer"`

	MarketData struct {
		MaxAge       time.Duration `yaml:"max_age"`       // older samples are stale
		MaxDeviation float64       `yaml:"max_deviation"` // fraction vs prior accepted sample
		StreamURL    string        `yaml:"stream_url"`
		FallbackURL  string        `yaml:"fallback_url"`
		PollInterval time.Duration `yaml:"poll_interval"`
		Symbols      []string      `yaml:"symbols"`
	} `yaml:"market_data"`

	Audit struct {
		DBPath string `yaml:"db_path"` // empty keeps the chain in memory
	} `yaml:"audit"`
}

// SignerPolicyConfig is the signer-side ceiling set, enforced again
// just before signing regardless of what upstream checks approved.
type SignerPolicyConfig struct {
	AllowChainIDs       []int64  `yaml:"allow_chain_ids"`
	AllowDestinations   []string `yaml:"allow_destinations"`
	MaxValueWei         string   `yaml:"max_value_wei"`
	MaxGas              uint64   `yaml:"max_gas"`
	MaxPayloadBytes     int      `yaml:"max_payload_bytes"`
	AllowContractCreate bool     `yaml:"allow_contract_create"`
}

// Load reads an optional YAML file and applies .env plus environment
// overrides for operational knobs. The result is treated as immutable.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := defaults()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	cfg := &Config{}
	cfg.Log.Level = "info"
	cfg.Log.MaxSizeMB = 100
	cfg.Log.MaxBackups = 3
	cfg.Log.MaxAgeDays = 7
	cfg.Log.Compress = true

	cfg.API.Listen = "127.0.0.1:8080"

	cfg.RateLimit.Enabled = true
	cfg.RateLimit.PerKeyPerMin = 60

	cfg.Risk.MaxPositionPct = 0.05
	cfg.Risk.DailyLossPct = 0.05
	cfg.Risk.MaxDrawdownPct = 0.10
	cfg.Risk.MinSentiment = -0.5
	cfg.Risk.FailClosed = true

	cfg.Proposal.TTL = 2 * time.Minute

	cfg.Execution.MaxAttempts = 3
	cfg.Execution.BaseDelay = 500 * time.Millisecond
	cfg.Execution.MaxDelay = 10 * time.Second
	cfg.Execution.RequestTimeout = 15 * time.Second
	cfg.Execution.VenueRatePerSec = 5

	cfg.Signer.DerivationPath = "m/44'/60'/0'/0/0"
	cfg.Signer.Policy.MaxGas = 500_000
	cfg.Signer.Policy.MaxPayloadBytes = 64 * 1024

	cfg.MarketData.MaxAge = 10 * time.Second
	cfg.MarketData.MaxDeviation = 0.2
	cfg.MarketData.PollInterval = 5 * time.Second
	return cfg
}

func applyEnv(cfg *Config) {
	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.File = getEnv("LOG_FILE", cfg.Log.File)
	cfg.API.Listen = getEnv("API_LISTEN", cfg.API.Listen)
	cfg.API.AuthToken = getEnv("API_AUTH_TOKEN", cfg.API.AuthToken)
	cfg.RateLimit.PerKeyPerMin = parseIntEnv("RATE_LIMIT_PER_MIN", cfg.RateLimit.PerKeyPerMin)
	cfg.Proposal.DBPath = getEnv("PROPOSAL_DB_PATH", cfg.Proposal.DBPath)
	cfg.Audit.DBPath = getEnv("AUDIT_DB_PATH", cfg.Audit.DBPath)
	cfg.Signer.Type = getEnv("SIGNER_TYPE", cfg.Signer.Type)
	cfg.Signer.KeyHex = getEnv("SIGNER_KEY_HEX", cfg.Signer.KeyHex)
	cfg.Signer.Mnemonic = getEnv("SIGNER_MNEMONIC", cfg.Signer.Mnemonic)
	cfg.Signer.KeystorePass = getEnv("SIGNER_KEYSTORE_PASS", cfg.Signer.KeystorePass)
	cfg.Signer.RemoteToken = getEnv("SIGNER_REMOTE_TOKEN", cfg.Signer.RemoteToken)
	cfg.Signer.SecretStorePath = getEnv("SECRET_STORE_PATH", cfg.Signer.SecretStorePath)
	cfg.Risk.InitialPortfolio = parseFloatEnv("RISK_INITIAL_PORTFOLIO", cfg.Risk.InitialPortfolio)
	cfg.Risk.FailClosed = parseBoolEnv("RISK_FAIL_CLOSED", cfg.Risk.FailClosed)
}

// Validate rejects configurations that cannot run safely.
func (c *Config) Validate() error {
	if c.Risk.MaxPositionPct <= 0 || c.Risk.MaxPositionPct >= 1 {
		return fmt.Errorf("risk.max_position_pct must be in (0, 1)")
	}
	if c.Risk.DailyLossPct <= 0 || c.Risk.DailyLossPct >= 1 {
		return fmt.Errorf("risk.daily_loss_pct must be in (0, 1)")
	}
	if c.Risk.MaxDrawdownPct <= 0 || c.Risk.MaxDrawdownPct >= 1 {
		return fmt.Errorf("risk.max_drawdown_pct must be in (0, 1)")
	}
	if c.Proposal.TTL <= 0 {
		return fmt.Errorf("proposal.ttl must be positive")
	}
	if c.Execution.MaxAttempts <= 0 {
		return fmt.Errorf("execution.max_attempts must be positive")
	}
	if c.RateLimit.Enabled && c.RateLimit.PerKeyPerMin <= 0 {
		return fmt.Errorf("rate_limit.per_key_per_min must be positive when enabled")
	}
	switch strings.ToLower(c.Signer.Type) {
	case "", "local", "keystore", "remote", "cosign":
	default:
		return fmt.Errorf("signer.type %q is not one of local, keystore, remote, cosign", c.Signer.Type)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseIntEnv(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func parseFloatEnv(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func parseBoolEnv(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}
