package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"

	"github.com/bardlex/stratumpool/internal/job"
)

const (
	regtestAddress = "bcrt1qw508d6qejxtdg4y5r3zarvary0c5xw7kygt080"
	mainnetAddress = "bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4"
	genesisAddress = "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("NETWORK", "regtest")
	t.Setenv("PAYOUTS", regtestAddress+":100")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Network != &chaincfg.RegressionNetParams {
		t.Errorf("Network = %v", cfg.Network.Name)
	}
	checks := []struct {
		name      string
		got, want any
	}{
		{"StratumListen", cfg.StratumListen, ":3333"},
		{"BitcoinRPCPort", cfg.BitcoinRPCPort, 18443},
		{"TemplateRefreshInterval", cfg.TemplateRefreshInterval, 60 * time.Second},
		{"JobGraceWindow", cfg.JobGraceWindow, time.Duration(0)},
		{"VardiffTargetInterval", cfg.VardiffTargetInterval, 10 * time.Second},
		{"VardiffRetargetInterval", cfg.VardiffRetargetInterval, 60 * time.Second},
		{"HandshakeGrace", cfg.HandshakeGrace, time.Duration(0)},
		{"IdleTimeout", cfg.IdleTimeout, 5 * time.Minute},
		{"SweepSchedule", cfg.SweepSchedule, "@every 1m"},
		{"JobHistory", cfg.JobHistory, job.DefaultCapacity},
		{"DefaultDifficulty", cfg.DefaultDifficulty, 1.0},
		{"PostgresDSN", cfg.PostgresDSN, ""},
		{"KafkaBrokers", len(cfg.KafkaBrokers), 0},
	}
	for _, c := range checks {
		if !reflect.DeepEqual(c.got, c.want) {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}

	if len(cfg.PayoutSplit) != 1 || len(cfg.PayoutSplit[0].Script) != 22 {
		t.Errorf("PayoutSplit = %+v, want one P2WPKH script", cfg.PayoutSplit)
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{
			name:    "no payouts",
			env:     map[string]string{"NETWORK": "regtest"},
			wantErr: "payout split is empty",
		},
		{
			name:    "address for another network",
			env:     map[string]string{"NETWORK": "regtest", "PAYOUTS": mainnetAddress + ":100"},
			wantErr: "PAYOUTS",
		},
		{
			name:    "percentages above 100",
			env:     map[string]string{"NETWORK": "mainnet", "PAYOUTS": mainnetAddress + ":60," + genesisAddress + ":50"},
			wantErr: "above 100",
		},
		{
			name:    "unknown network",
			env:     map[string]string{"NETWORK": "litecoin", "PAYOUTS": mainnetAddress + ":100"},
			wantErr: "NETWORK",
		},
		{
			name:    "bad duration",
			env:     map[string]string{"NETWORK": "regtest", "PAYOUTS": regtestAddress + ":100", "IDLE_TIMEOUT": "five minutes"},
			wantErr: "IDLE_TIMEOUT",
		},
		{
			name:    "bad integer",
			env:     map[string]string{"NETWORK": "regtest", "PAYOUTS": regtestAddress + ":100", "MAX_CONNECTIONS": "many"},
			wantErr: "MAX_CONNECTIONS",
		},
		{
			name:    "malformed payout",
			env:     map[string]string{"NETWORK": "regtest", "PAYOUTS": regtestAddress},
			wantErr: "address:percent",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("PAYOUTS", "")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			if err == nil {
				t.Fatal("Load() succeeded, want error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Load() error = %v, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_TOMLFileWithEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stratumd.toml")
	file := `
network = "regtest"
stratum_listen = ":4444"
kafka_brokers = ["kafka-1:9092", "kafka-2:9092"]
min_difficulty = 0.001

[bitcoin]
rpc_host = "node.internal"
rpc_port = 18444

[[payouts]]
address = "` + regtestAddress + `"
percent = 98.5
`
	if err := os.WriteFile(path, []byte(file), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("PAYOUTS", "")
	t.Setenv("STRATUM_LISTEN", ":5555")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.StratumListen != ":5555" {
		t.Errorf("StratumListen = %q, env should win over file", cfg.StratumListen)
	}
	if cfg.BitcoinRPCHost != "node.internal" || cfg.BitcoinRPCPort != 18444 {
		t.Errorf("bitcoin = %s:%d", cfg.BitcoinRPCHost, cfg.BitcoinRPCPort)
	}
	if !reflect.DeepEqual(cfg.KafkaBrokers, []string{"kafka-1:9092", "kafka-2:9092"}) {
		t.Errorf("KafkaBrokers = %v", cfg.KafkaBrokers)
	}
	if cfg.MinDifficulty != 0.001 {
		t.Errorf("MinDifficulty = %v", cfg.MinDifficulty)
	}
	if len(cfg.Payouts) != 1 || cfg.Payouts[0].Percent != 98.5 {
		t.Errorf("Payouts = %+v", cfg.Payouts)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "absent.toml"))
	if _, err := Load(); err == nil {
		t.Fatal("Load() with a missing CONFIG_FILE should fail")
	}
}

func TestParsePayouts(t *testing.T) {
	tests := []struct {
		in      string
		want    []job.Payout
		wantErr bool
	}{
		{
			in:   genesisAddress + ":1.5, " + mainnetAddress + ":98.5",
			want: []job.Payout{{Address: genesisAddress, Percent: 1.5}, {Address: mainnetAddress, Percent: 98.5}},
		},
		{in: mainnetAddress + ":100,", want: []job.Payout{{Address: mainnetAddress, Percent: 100}}},
		{in: mainnetAddress + ":", wantErr: true},
		{in: ":100", wantErr: true},
		{in: mainnetAddress + ":NaN", wantErr: true},
		{in: mainnetAddress + ":abc", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParsePayouts(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParsePayouts(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && !reflect.DeepEqual(got, tt.want) {
			t.Errorf("ParsePayouts(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}

func validConfig() *Config {
	return &Config{
		ServiceName:             "stratumd",
		StratumListen:           ":3333",
		NetworkName:             "mainnet",
		Network:                 &chaincfg.MainNetParams,
		Payouts:                 []job.Payout{{Address: genesisAddress, Percent: 100}},
		DefaultDifficulty:       1,
		MinDifficulty:           1e-5,
		MaxDifficulty:           1 << 40,
		TemplateRefreshInterval: time.Minute,
		VardiffTargetInterval:   10 * time.Second,
		IdleTimeout:             5 * time.Minute,
		SweepSchedule:           "@every 1m",
	}
}

func TestValidate(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("Validate() on a valid config = %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty service name", func(c *Config) { c.ServiceName = "" }},
		{"empty listen", func(c *Config) { c.StratumListen = "" }},
		{"zero min difficulty", func(c *Config) { c.MinDifficulty = 0 }},
		{"min above max", func(c *Config) { c.MinDifficulty, c.MaxDifficulty = 10, 1 }},
		{"default outside bounds", func(c *Config) { c.DefaultDifficulty = 1 << 41 }},
		{"zero refresh", func(c *Config) { c.TemplateRefreshInterval = 0 }},
		{"zero vardiff target", func(c *Config) { c.VardiffTargetInterval = 0 }},
		{"zero idle timeout", func(c *Config) { c.IdleTimeout = 0 }},
		{"negative connection limit", func(c *Config) { c.MaxConnections = -1 }},
		{"bad sweep schedule", func(c *Config) { c.SweepSchedule = "every minute" }},
		{"long pool tag", func(c *Config) { c.PoolTag = strings.Repeat("x", 65) }},
		{"discord token without channel", func(c *Config) { c.DiscordToken = "secret" }},
		{"zero percent payout", func(c *Config) { c.Payouts[0].Percent = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() succeeded, want error")
			}
		})
	}
}
