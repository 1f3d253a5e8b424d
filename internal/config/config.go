// Package config loads service configuration from YAML with environment
// overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML can carry values like "15s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root service configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Ledger   LedgerConfig   `yaml:"ledger"`
	Scanner  ScannerConfig  `yaml:"scanner"`
	Verifier VerifierConfig `yaml:"verifier"`
	Sweep    SweepConfig    `yaml:"sweep"`
	Memo     MemoConfig     `yaml:"memo"`
	Auth     AuthConfig     `yaml:"auth"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type DatabaseConfig struct {
	Driver          string `yaml:"driver"`
	DSN             string `yaml:"dsn"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime"` // seconds
}

type LedgerConfig struct {
	NodeAPIURL  string   `yaml:"node_api_url"`
	IndexAPIURL string   `yaml:"index_api_url"`
	APIKey      string   `yaml:"api_key"`
	Timeout     Duration `yaml:"timeout"`
	RateLimit   float64  `yaml:"rate_limit"`
	RateBurst   int      `yaml:"rate_burst"`
}

type ScannerConfig struct {
	Interval Duration `yaml:"interval"`
}

type VerifierConfig struct {
	Attempts        int      `yaml:"attempts"`
	InitialDelay    Duration `yaml:"initial_delay"`
	Delay           Duration `yaml:"delay"`
	FreshnessWindow Duration `yaml:"freshness_window"`
	HistoryLimit    int      `yaml:"history_limit"`
}

type SweepConfig struct {
	OperatingAddress string   `yaml:"operating_address"`
	FeeReserve       int64    `yaml:"fee_reserve"`   // nanotons
	MinTransfer      int64    `yaml:"min_transfer"`  // nanotons
	DustThreshold    int64    `yaml:"dust_threshold"`
	TransferTTL      Duration `yaml:"transfer_ttl"`
	ConfirmAttempts  int      `yaml:"confirm_attempts"`
	ConfirmDelay     Duration `yaml:"confirm_delay"`
	SettleInterval   Duration `yaml:"settle_interval"`
}

type MemoConfig struct {
	Tags []string `yaml:"tags"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8080},
		Ledger: LedgerConfig{
			NodeAPIURL:  "https://toncenter.com/api/v2/jsonRPC",
			IndexAPIURL: "https://toncenter.com/api/index/",
			Timeout:     Duration(30 * time.Second),
			RateLimit:   9,
			RateBurst:   3,
		},
		Scanner: ScannerConfig{Interval: Duration(time.Second)},
		Verifier: VerifierConfig{
			Attempts:        10,
			InitialDelay:    Duration(15 * time.Second),
			Delay:           Duration(5 * time.Second),
			FreshnessWindow: Duration(30 * time.Minute),
			HistoryLimit:    20,
		},
		Sweep: SweepConfig{
			FeeReserve:      10_000_000,
			MinTransfer:     50_000_000,
			DustThreshold:   10_000_000,
			TransferTTL:     Duration(2 * time.Minute),
			ConfirmAttempts: 20,
			ConfirmDelay:    Duration(6 * time.Second),
			SettleInterval:  Duration(30 * time.Second),
		},
		Memo:    MemoConfig{Tags: []string{"buy"}},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads configuration from CONFIG_PATH (or config/custody.yaml when
// unset), then applies environment overrides. A missing file is not an
// error; defaults apply.
func Load() (*Config, error) {
	cfg := Default()

	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "config/custody.yaml"
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// fall through to env overrides
	default:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	applyEnv(cfg)

	if cfg.Sweep.OperatingAddress == "" {
		return nil, fmt.Errorf("sweep.operating_address is required")
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("DATABASE_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("TONCENTER_API_KEY"); v != "" {
		cfg.Ledger.APIKey = v
	}
	if v := os.Getenv("TON_NODE_API_URL"); v != "" {
		cfg.Ledger.NodeAPIURL = v
	}
	if v := os.Getenv("TON_INDEX_API_URL"); v != "" {
		cfg.Ledger.IndexAPIURL = v
	}
	if v := os.Getenv("OPERATING_ADDRESS"); v != "" {
		cfg.Sweep.OperatingAddress = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}
