// Package config loads engine configuration from a YAML file with
// environment variable overrides. A local .env file is loaded first so
// development secrets stay out of the YAML.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config is the full engine configuration.
type Config struct {
	Port        int
	DatabaseURL string
	RedisURL    string

	Chain ChainConfig
	Game  GameConfig
	Funds FundsConfig
}

// ChainConfig configures the Solana RPC client and escrow wallet.
type ChainConfig struct {
	RPCEndpoint string

	// EscrowAddress is the public escrow wallet deposits must land in.
	EscrowAddress string

	// EscrowSecretKey is the base58 64-byte signing key for withdrawals.
	// Supplied via ESCROW_SECRET_KEY, never the YAML file.
	EscrowSecretKey string
}

// GameConfig configures rounds and trade execution.
type GameConfig struct {
	RoundDurationSeconds int
	CountdownSeconds     int
	VirtualBase          decimal.Decimal
	FeeRate              decimal.Decimal
	MinTrade             decimal.Decimal
	MaxPerTrade          decimal.Decimal
	MaxPerRound          decimal.Decimal
	LeaderboardSize      int
}

// FundsConfig configures deposit confirmation and withdrawals.
type FundsConfig struct {
	MinWithdrawal    decimal.Decimal
	DepositTolerance decimal.Decimal
	PollAttempts     int
	PollDelaySeconds int
}

// RoundDuration returns the round length as a duration.
func (g GameConfig) RoundDuration() time.Duration {
	return time.Duration(g.RoundDurationSeconds) * time.Second
}

// PollDelay returns the wait between deposit confirmation polls.
func (f FundsConfig) PollDelay() time.Duration {
	return time.Duration(f.PollDelaySeconds) * time.Second
}

// fileConfig mirrors the YAML layout. Monetary values are strings so they
// round-trip through the decimal parser instead of float64.
type fileConfig struct {
	Port        *int   `yaml:"port"`
	DatabaseURL string `yaml:"database_url"`
	RedisURL    string `yaml:"redis_url"`

	Chain struct {
		RPCEndpoint   string `yaml:"rpc_endpoint"`
		EscrowAddress string `yaml:"escrow_address"`
	} `yaml:"chain"`

	Game struct {
		RoundDurationSeconds *int   `yaml:"round_duration_seconds"`
		CountdownSeconds     *int   `yaml:"countdown_seconds"`
		VirtualBase          string `yaml:"virtual_base"`
		FeeRate              string `yaml:"fee_rate"`
		MinTrade             string `yaml:"min_trade"`
		MaxPerTrade          string `yaml:"max_per_trade"`
		MaxPerRound          string `yaml:"max_per_round"`
		LeaderboardSize      *int   `yaml:"leaderboard_size"`
	} `yaml:"game"`

	Funds struct {
		MinWithdrawal    string `yaml:"min_withdrawal"`
		DepositTolerance string `yaml:"deposit_tolerance"`
		PollAttempts     *int   `yaml:"poll_attempts"`
		PollDelaySeconds *int   `yaml:"poll_delay_seconds"`
	} `yaml:"funds"`
}

func defaults() Config {
	return Config{
		Port: 8080,
		Chain: ChainConfig{
			RPCEndpoint: "https://api.mainnet-beta.solana.com",
		},
		Game: GameConfig{
			RoundDurationSeconds: 30,
			CountdownSeconds:     20,
			VirtualBase:          decimal.RequireFromString("0.5"),
			FeeRate:              decimal.RequireFromString("0.02"),
			MinTrade:             decimal.RequireFromString("0.01"),
			LeaderboardSize:      10,
		},
		Funds: FundsConfig{
			MinWithdrawal:    decimal.RequireFromString("0.01"),
			DepositTolerance: decimal.RequireFromString("0.000001"),
			PollAttempts:     5,
			PollDelaySeconds: 2,
		},
	}
}

// Load reads configuration from path (skipped if empty or missing), then
// applies environment overrides. Call once at startup.
func Load(path string) (*Config, error) {
	// Missing .env is fine; real environments set variables directly.
	_ = godotenv.Load()

	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err == nil {
			var fc fileConfig
			if err := yaml.Unmarshal(data, &fc); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
			if err := cfg.applyFile(&fc); err != nil {
				return nil, err
			}
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyFile(fc *fileConfig) error {
	setInt := func(dst *int, src *int) {
		if src != nil {
			*dst = *src
		}
	}
	setDec := func(dst *decimal.Decimal, src, key string) error {
		if src == "" {
			return nil
		}
		v, err := decimal.NewFromString(src)
		if err != nil {
			return fmt.Errorf("config: invalid %s %q: %w", key, src, err)
		}
		*dst = v
		return nil
	}

	setInt(&c.Port, fc.Port)
	if fc.DatabaseURL != "" {
		c.DatabaseURL = fc.DatabaseURL
	}
	if fc.RedisURL != "" {
		c.RedisURL = fc.RedisURL
	}
	if fc.Chain.RPCEndpoint != "" {
		c.Chain.RPCEndpoint = fc.Chain.RPCEndpoint
	}
	if fc.Chain.EscrowAddress != "" {
		c.Chain.EscrowAddress = fc.Chain.EscrowAddress
	}

	setInt(&c.Game.RoundDurationSeconds, fc.Game.RoundDurationSeconds)
	setInt(&c.Game.CountdownSeconds, fc.Game.CountdownSeconds)
	setInt(&c.Game.LeaderboardSize, fc.Game.LeaderboardSize)
	setInt(&c.Funds.PollAttempts, fc.Funds.PollAttempts)
	setInt(&c.Funds.PollDelaySeconds, fc.Funds.PollDelaySeconds)

	for _, f := range []struct {
		dst *decimal.Decimal
		src string
		key string
	}{
		{&c.Game.VirtualBase, fc.Game.VirtualBase, "virtual_base"},
		{&c.Game.FeeRate, fc.Game.FeeRate, "fee_rate"},
		{&c.Game.MinTrade, fc.Game.MinTrade, "min_trade"},
		{&c.Game.MaxPerTrade, fc.Game.MaxPerTrade, "max_per_trade"},
		{&c.Game.MaxPerRound, fc.Game.MaxPerRound, "max_per_round"},
		{&c.Funds.MinWithdrawal, fc.Funds.MinWithdrawal, "min_withdrawal"},
		{&c.Funds.DepositTolerance, fc.Funds.DepositTolerance, "deposit_tolerance"},
	} {
		if err := setDec(f.dst, f.src, f.key); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Port = p
		}
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.RedisURL = v
	}
	if v := os.Getenv("SOLANA_RPC_ENDPOINT"); v != "" {
		c.Chain.RPCEndpoint = v
	}
	if v := os.Getenv("ESCROW_ADDRESS"); v != "" {
		c.Chain.EscrowAddress = v
	}
	if v := os.Getenv("ESCROW_SECRET_KEY"); v != "" {
		c.Chain.EscrowSecretKey = v
	}
}

func (c *Config) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", c.Port)
	}
	if !c.Game.VirtualBase.IsPositive() {
		return fmt.Errorf("config: virtual_base must be positive")
	}
	if c.Game.FeeRate.IsNegative() || c.Game.FeeRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("config: fee_rate must be in [0, 1)")
	}
	if c.Game.RoundDurationSeconds <= 0 {
		return fmt.Errorf("config: round_duration_seconds must be positive")
	}
	if c.Game.CountdownSeconds <= 0 {
		return fmt.Errorf("config: countdown_seconds must be positive")
	}
	return nil
}
