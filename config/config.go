package config

import (
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"crosslend/native/lending"
	"crosslend/native/ratelimit"
	"crosslend/observability/logging"
)

// Config is the full service configuration. Every field has a usable default;
// a missing config file yields a development setup with an in-process sqlite
// audit log and no trusted message sources.
type Config struct {
	Service    ServiceConfig    `toml:"service"`
	Server     ServerConfig     `toml:"server"`
	Storage    StorageConfig    `toml:"storage"`
	Audit      AuditConfig      `toml:"audit"`
	Log        LogConfig        `toml:"log"`
	Oracle     OracleConfig     `toml:"oracle"`
	Risk       RiskConfig       `toml:"risk"`
	Reconciler ReconcilerConfig `toml:"reconciler"`
	RateLimit  RateLimitConfig  `toml:"ratelimit"`
	Gateway    GatewayConfig    `toml:"gateway"`
}

type ServiceConfig struct {
	Name        string `toml:"name"`
	Environment string `toml:"environment"`
}

type ServerConfig struct {
	ListenAddress string `toml:"listen_address"`
}

type StorageConfig struct {
	DataDir string `toml:"data_dir"`
}

type AuditConfig struct {
	Driver string `toml:"driver"`
	DSN    string `toml:"dsn"`
}

type LogConfig struct {
	Path       string `toml:"path"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
}

type OracleConfig struct {
	// StalenessSeconds bounds quote age; a quote at least this old is stale.
	StalenessSeconds uint64 `toml:"staleness_seconds"`
}

type RiskConfig struct {
	// CriticalHealthFactor is a wad decimal string, e.g. "950000000000000000".
	CriticalHealthFactor string `toml:"critical_health_factor"`
	CloseFactorBps       uint64 `toml:"close_factor_bps"`
	EvaluationTTLSeconds uint64 `toml:"evaluation_ttl_seconds"`
	SelectionTTLSeconds  uint64 `toml:"selection_ttl_seconds"`
}

type ReconcilerConfig struct {
	Sources            []string `toml:"sources"`
	HoldTimeoutSeconds uint64   `toml:"hold_timeout_seconds"`
	SweepSeconds       uint64   `toml:"sweep_seconds"`
}

type RateLimitRule struct {
	Op            string  `toml:"op"`
	Algorithm     string  `toml:"algorithm"`
	Limit         int     `toml:"limit"`
	WindowSeconds uint64  `toml:"window_seconds"`
	Rate          float64 `toml:"rate"`
	Burst         int     `toml:"burst"`
}

type RateLimitConfig struct {
	Rules        []RateLimitRule `toml:"rules"`
	EmergencyOps []string        `toml:"emergency_ops"`
}

type GatewayConfig struct {
	// AdminSecret signs and verifies the JWT bearer tokens required for
	// registry and emergency administration.
	AdminSecret string `toml:"admin_secret"`
}

// Default returns the development configuration.
func Default() *Config {
	return &Config{
		Service: ServiceConfig{Name: "crosslend", Environment: "dev"},
		Server:  ServerConfig{ListenAddress: ":8645"},
		Storage: StorageConfig{DataDir: "./data"},
		Audit:   AuditConfig{Driver: "sqlite", DSN: "file:crosslend_audit.db"},
		Oracle:  OracleConfig{StalenessSeconds: 3600},
		RateLimit: RateLimitConfig{
			Rules: []RateLimitRule{
				{Op: lending.OpBorrow, Algorithm: string(ratelimit.AlgorithmSlidingWindow), Limit: 10, WindowSeconds: 60},
				{Op: lending.OpLiquidate, Algorithm: string(ratelimit.AlgorithmTokenBucket), Rate: 1, Burst: 5},
			},
			EmergencyOps: []string{lending.OpBorrow, lending.OpWithdraw},
		},
	}
}

// Load reads the TOML file at path on top of the defaults. An empty path
// returns the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}
	cfg.Normalise()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Normalise fills gaps left by a partial file.
func (c *Config) Normalise() {
	if strings.TrimSpace(c.Service.Name) == "" {
		c.Service.Name = "crosslend"
	}
	if strings.TrimSpace(c.Server.ListenAddress) == "" {
		c.Server.ListenAddress = ":8645"
	}
	if strings.TrimSpace(c.Storage.DataDir) == "" {
		c.Storage.DataDir = "./data"
	}
	if strings.TrimSpace(c.Audit.Driver) == "" {
		c.Audit.Driver = "sqlite"
	}
	if c.Oracle.StalenessSeconds == 0 {
		c.Oracle.StalenessSeconds = 3600
	}
	if c.Reconciler.HoldTimeoutSeconds == 0 {
		c.Reconciler.HoldTimeoutSeconds = 300
	}
	if c.Reconciler.SweepSeconds == 0 {
		c.Reconciler.SweepSeconds = 60
	}
	sources := make([]string, 0, len(c.Reconciler.Sources))
	for _, source := range c.Reconciler.Sources {
		if source = strings.ToLower(strings.TrimSpace(source)); source != "" {
			sources = append(sources, source)
		}
	}
	c.Reconciler.Sources = sources
}

// Validate rejects configurations that would misbehave silently.
func (c *Config) Validate() error {
	if c.Risk.CriticalHealthFactor != "" {
		if _, ok := new(big.Int).SetString(c.Risk.CriticalHealthFactor, 10); !ok {
			return fmt.Errorf("config: risk.critical_health_factor %q is not a base-10 integer", c.Risk.CriticalHealthFactor)
		}
	}
	if c.Risk.CloseFactorBps > 10_000 {
		return fmt.Errorf("config: risk.close_factor_bps %d exceeds 10000", c.Risk.CloseFactorBps)
	}
	for _, rule := range c.RateLimit.Rules {
		if strings.TrimSpace(rule.Op) == "" {
			return fmt.Errorf("config: ratelimit rule missing op")
		}
		switch ratelimit.Algorithm(rule.Algorithm) {
		case "", ratelimit.AlgorithmFixedWindow, ratelimit.AlgorithmSlidingWindow, ratelimit.AlgorithmTokenBucket:
		default:
			return fmt.Errorf("config: ratelimit rule %s: unknown algorithm %q", rule.Op, rule.Algorithm)
		}
	}
	return nil
}

// RiskParameters converts the risk section into the engine's config.
func (c *Config) RiskParameters() lending.RiskConfig {
	cfg := lending.RiskConfig{
		CloseFactorBps: c.Risk.CloseFactorBps,
		EvaluationTTL:  time.Duration(c.Risk.EvaluationTTLSeconds) * time.Second,
		SelectionTTL:   time.Duration(c.Risk.SelectionTTLSeconds) * time.Second,
	}
	if c.Risk.CriticalHealthFactor != "" {
		if v, ok := new(big.Int).SetString(c.Risk.CriticalHealthFactor, 10); ok {
			cfg.CriticalHealthFactor = v
		}
	}
	return cfg.Normalise()
}

// LimiterRules converts the ratelimit section into limiter rules keyed by op.
func (c *Config) LimiterRules() map[string]ratelimit.Rule {
	rules := make(map[string]ratelimit.Rule, len(c.RateLimit.Rules))
	for _, rule := range c.RateLimit.Rules {
		rules[strings.TrimSpace(rule.Op)] = ratelimit.Rule{
			Algorithm: ratelimit.Algorithm(rule.Algorithm),
			Limit:     rule.Limit,
			Window:    time.Duration(rule.WindowSeconds) * time.Second,
			Rate:      rule.Rate,
			Burst:     rule.Burst,
		}
	}
	return rules
}

// LogRotation converts the log section into the logging setup's rotation
// settings, nil when file logging is disabled.
func (c *Config) LogRotation() *logging.Rotation {
	if strings.TrimSpace(c.Log.Path) == "" {
		return nil
	}
	return &logging.Rotation{
		Path:       c.Log.Path,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
	}
}

// StalenessBound converts the oracle section into a duration.
func (c *Config) StalenessBound() time.Duration {
	return time.Duration(c.Oracle.StalenessSeconds) * time.Second
}

// HoldTimeout converts the reconciler section into a duration.
func (c *Config) HoldTimeout() time.Duration {
	return time.Duration(c.Reconciler.HoldTimeoutSeconds) * time.Second
}

// SweepInterval converts the reconciler sweep cadence into a duration.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Reconciler.SweepSeconds) * time.Second
}
