// Package config loads the pool configuration from environment variables,
// optionally layered over a TOML file named by CONFIG_FILE.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/pelletier/go-toml"
	"github.com/robfig/cron/v3"

	"github.com/bardlex/stratumpool/internal/job"
)

// Config holds the stratumd configuration
type Config struct {
	// Service identification
	ServiceName string
	Version     string

	// Listeners
	StratumListen string
	MetricsListen string

	// Chain and payouts
	NetworkName string
	Network     *chaincfg.Params
	PoolTag     string
	Payouts     []job.Payout
	// PayoutSplit is Payouts with resolved output scripts, set by Validate.
	PayoutSplit job.PayoutSplit

	// Bitcoin Core connection
	BitcoinRPCHost     string
	BitcoinRPCPort     int
	BitcoinRPCUser     string
	BitcoinRPCPassword string
	BitcoinZMQEndpoint string

	// Jobs
	TemplateRefreshInterval time.Duration
	TipPollInterval         time.Duration
	JobGraceWindow          time.Duration
	JobHistory              int

	// Difficulty
	DefaultDifficulty       float64
	MinDifficulty           float64
	MaxDifficulty           float64
	VardiffTargetInterval   time.Duration
	VardiffRetargetInterval time.Duration

	// Sessions
	HandshakeGrace  time.Duration
	IdleTimeout     time.Duration
	WriteTimeout    time.Duration
	SweepSchedule   string
	MaxConnections  int
	ShutdownTimeout time.Duration

	// Persistence; an empty address disables the backend
	PostgresDSN      string
	RedisAddr        string
	RedisPassword    string
	RedisDB          int
	InfluxURL        string
	InfluxToken      string
	InfluxOrg        string
	InfluxBucket     string
	PersistQueueSize int
	KafkaBrokers     []string

	// Notifications
	DiscordToken     string
	DiscordChannelID string

	// Logging
	LogLevel  string
	LogFormat string
}

// networks maps NETWORK values to chain parameters.
var networks = map[string]*chaincfg.Params{
	"mainnet":  &chaincfg.MainNetParams,
	"testnet3": &chaincfg.TestNet3Params,
	"regtest":  &chaincfg.RegressionNetParams,
	"signet":   &chaincfg.SigNetParams,
}

// defaultRPCPorts follows bitcoind's per-network defaults.
var defaultRPCPorts = map[string]int{
	"mainnet":  8332,
	"testnet3": 18332,
	"regtest":  18443,
	"signet":   38332,
}

// Load reads CONFIG_FILE (if set) and the environment, env winning, and
// validates the result.
func Load() (*Config, error) {
	src := &source{getenv: os.Getenv}
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		tree, err := toml.LoadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
		if err := src.loadTree(tree); err != nil {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
	}

	cfg, err := src.build()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func (s *source) build() (*Config, error) {
	network := strings.ToLower(s.str("NETWORK", "mainnet"))

	cfg := &Config{
		ServiceName: s.str("SERVICE_NAME", "stratumd"),
		Version:     s.str("VERSION", "dev"),

		StratumListen: s.str("STRATUM_LISTEN", ":3333"),
		MetricsListen: s.str("METRICS_LISTEN", ":9100"),

		NetworkName: network,
		Network:     networks[network],
		PoolTag:     s.str("POOL_TAG", "/stratumpool/"),

		BitcoinRPCHost:     s.str("BITCOIN_RPC_HOST", "127.0.0.1"),
		BitcoinRPCPort:     s.int("BITCOIN_RPC_PORT", defaultRPCPorts[network]),
		BitcoinRPCUser:     s.str("BITCOIN_RPC_USER", ""),
		BitcoinRPCPassword: s.str("BITCOIN_RPC_PASSWORD", ""),
		BitcoinZMQEndpoint: s.str("BITCOIN_ZMQ_ENDPOINT", ""),

		TemplateRefreshInterval: s.duration("TEMPLATE_REFRESH_INTERVAL", 60*time.Second),
		TipPollInterval:         s.duration("TIP_POLL_INTERVAL", 5*time.Second),
		JobGraceWindow:          s.duration("JOB_GRACE_WINDOW", 0),
		JobHistory:              s.int("JOB_HISTORY", job.DefaultCapacity),

		DefaultDifficulty:       s.float("DEFAULT_DIFFICULTY", 1),
		MinDifficulty:           s.float("MIN_DIFFICULTY", 1e-5),
		MaxDifficulty:           s.float("MAX_DIFFICULTY", 1<<40),
		VardiffTargetInterval:   s.duration("VARDIFF_TARGET_INTERVAL", 10*time.Second),
		VardiffRetargetInterval: s.duration("VARDIFF_RETARGET_INTERVAL", 60*time.Second),

		HandshakeGrace:  s.duration("HANDSHAKE_GRACE", 0),
		IdleTimeout:     s.duration("IDLE_TIMEOUT", 5*time.Minute),
		WriteTimeout:    s.duration("WRITE_TIMEOUT", 10*time.Second),
		SweepSchedule:   s.str("SWEEP_SCHEDULE", "@every 1m"),
		MaxConnections:  s.int("MAX_CONNECTIONS", 0),
		ShutdownTimeout: s.duration("SHUTDOWN_TIMEOUT", 30*time.Second),

		PostgresDSN:      s.str("POSTGRES_DSN", ""),
		RedisAddr:        s.str("REDIS_ADDR", ""),
		RedisPassword:    s.str("REDIS_PASSWORD", ""),
		RedisDB:          s.int("REDIS_DB", 0),
		InfluxURL:        s.str("INFLUX_URL", ""),
		InfluxToken:      s.str("INFLUX_TOKEN", ""),
		InfluxOrg:        s.str("INFLUX_ORG", "stratumpool"),
		InfluxBucket:     s.str("INFLUX_BUCKET", "mining"),
		PersistQueueSize: s.int("PERSIST_QUEUE_SIZE", 4096),
		KafkaBrokers:     s.list("KAFKA_BROKERS"),

		DiscordToken:     s.str("DISCORD_TOKEN", ""),
		DiscordChannelID: s.str("DISCORD_CHANNEL_ID", ""),

		LogLevel:  s.str("LOG_LEVEL", "info"),
		LogFormat: s.str("LOG_FORMAT", "json"),
	}

	payouts, err := s.payouts()
	if err != nil {
		s.errs = append(s.errs, err)
	}
	cfg.Payouts = payouts

	if len(s.errs) > 0 {
		return nil, errors.Join(s.errs...)
	}
	return cfg, nil
}

// Validate checks ranges and resolves the payout split against the
// configured network. An address this pool cannot pay is a configuration
// error, never a silently burned output.
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("SERVICE_NAME cannot be empty")
	}
	if c.StratumListen == "" {
		return fmt.Errorf("STRATUM_LISTEN cannot be empty")
	}
	if c.Network == nil {
		known := make([]string, 0, len(networks))
		for name := range networks {
			known = append(known, name)
		}
		sort.Strings(known)
		return fmt.Errorf("NETWORK %q is not one of %s", c.NetworkName, strings.Join(known, ", "))
	}

	split, err := job.ResolvePayouts(c.Payouts, c.Network)
	if err != nil {
		return fmt.Errorf("PAYOUTS: %w", err)
	}
	c.PayoutSplit = split

	if c.MinDifficulty <= 0 {
		return fmt.Errorf("MIN_DIFFICULTY must be positive")
	}
	if c.MaxDifficulty < c.MinDifficulty {
		return fmt.Errorf("MAX_DIFFICULTY must not be below MIN_DIFFICULTY")
	}
	if c.DefaultDifficulty < c.MinDifficulty || c.DefaultDifficulty > c.MaxDifficulty {
		return fmt.Errorf("DEFAULT_DIFFICULTY must be within [MIN_DIFFICULTY, MAX_DIFFICULTY]")
	}
	if c.TemplateRefreshInterval <= 0 {
		return fmt.Errorf("TEMPLATE_REFRESH_INTERVAL must be positive")
	}
	if c.VardiffTargetInterval <= 0 {
		return fmt.Errorf("VARDIFF_TARGET_INTERVAL must be positive")
	}
	if c.IdleTimeout <= 0 {
		return fmt.Errorf("IDLE_TIMEOUT must be positive")
	}
	if c.MaxConnections < 0 {
		return fmt.Errorf("MAX_CONNECTIONS cannot be negative")
	}
	if _, err := cron.ParseStandard(c.SweepSchedule); err != nil {
		return fmt.Errorf("SWEEP_SCHEDULE %q: %w", c.SweepSchedule, err)
	}
	if len(c.PoolTag) > 64 {
		return fmt.Errorf("POOL_TAG is longer than 64 bytes")
	}
	if (c.DiscordToken == "") != (c.DiscordChannelID == "") {
		return fmt.Errorf("DISCORD_TOKEN and DISCORD_CHANNEL_ID must be set together")
	}
	return nil
}

// ParsePayouts parses "address:percent,address:percent".
func ParsePayouts(value string) ([]job.Payout, error) {
	var out []job.Payout
	for _, entry := range strings.Split(value, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		i := strings.LastIndex(entry, ":")
		if i <= 0 || i == len(entry)-1 {
			return nil, fmt.Errorf("payout %q: expected address:percent", entry)
		}
		pct, err := strconv.ParseFloat(entry[i+1:], 64)
		if err != nil || math.IsNaN(pct) || math.IsInf(pct, 0) {
			return nil, fmt.Errorf("payout %q: invalid percent", entry)
		}
		out = append(out, job.Payout{Address: entry[:i], Percent: pct})
	}
	return out, nil
}
