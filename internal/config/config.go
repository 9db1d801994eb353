// Package config handles loading and strict validation of the engine's
// account/strategy configuration (spec §6).
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration document: a small set of
// process-wide settings plus one entry per account.
type Config struct {
	System   SystemConfig    `yaml:"system"`
	Accounts []AccountConfig `yaml:"accounts"`
}

// SystemConfig holds process-wide ambient settings not named by spec.md's
// accounts[] schema but required to run a real process.
type SystemConfig struct {
	LogLevel       string `yaml:"log_level"`
	DataDir        string `yaml:"data_dir"`
	MetricsPort    int    `yaml:"metrics_port"`
	TakerFeePercent float64 `yaml:"taker_fee_percent"`
}

// AccountConfig is one `accounts[]` entry of spec §6.
type AccountConfig struct {
	ID             uint16             `yaml:"id"`
	Name           string             `yaml:"name"`
	APIKeyEnv      string             `yaml:"api_key_env"`
	APISecretEnv   string             `yaml:"api_secret_env"`
	DemoTrading    bool               `yaml:"demo_trading"`
	DryRun         bool               `yaml:"dry_run"`
	RiskManagement RiskManagementConfig `yaml:"risk_management"`
	Strategies     []StrategyConfig   `yaml:"strategies"`
}

type RiskManagementConfig struct {
	MMRateThresholdPercent float64 `yaml:"mm_rate_threshold"`
}

// StrategyConfig is one `strategies[]` entry: one GridStrategy per symbol.
type StrategyConfig struct {
	Symbol                 string  `yaml:"symbol"`
	Category               string  `yaml:"category"`
	Leverage               int64   `yaml:"leverage"`
	InitialPositionSizeUSD float64 `yaml:"initial_position_size_usd"`
	GridStepPercent        float64 `yaml:"grid_step_percent"`
	AveragingMultiplier    float64 `yaml:"averaging_multiplier"`
	TakeProfitPercent      float64 `yaml:"take_profit_percent"`
	MaxGridLevelsPerSide   int     `yaml:"max_grid_levels_per_side"`
	LimitOrderOffsetPercent float64 `yaml:"limit_order_offset_percent"`
	LimitOrderMaxRetries    int     `yaml:"limit_order_max_retries"`
}

// ValidationError names the offending field, per spec §6's "failure is
// fatal with a precise field diagnostic".
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig reads a YAML file, expands ${ENV_VAR} references, and
// validates the result.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.Expand(string(data), os.Getenv)

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate performs the strict field-level checks of spec §6.
func (c *Config) Validate() error {
	var errs []string

	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if c.System.LogLevel == "" {
		c.System.LogLevel = "INFO"
	}
	if !contains(validLevels, strings.ToUpper(c.System.LogLevel)) {
		errs = append(errs, ValidationError{
			Field: "system.log_level", Value: c.System.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}.Error())
	}
	if c.System.DataDir == "" {
		c.System.DataDir = "data"
	}

	if len(c.Accounts) == 0 {
		errs = append(errs, ValidationError{Field: "accounts", Message: "at least one account must be configured"}.Error())
	}

	seenIDs := make(map[uint16]bool)
	for i, acct := range c.Accounts {
		if err := acct.validate(i, seenIDs); err != nil {
			errs = append(errs, err.Error())
		}
		seenIDs[acct.ID] = true
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errs, "\n"))
	}
	return nil
}

func (a AccountConfig) validate(index int, seenIDs map[uint16]bool) error {
	prefix := fmt.Sprintf("accounts[%d]", index)

	if a.ID == 0 || a.ID > 999 {
		return ValidationError{Field: prefix + ".id", Value: a.ID, Message: "must be in range 1..999"}
	}
	if seenIDs[a.ID] {
		return ValidationError{Field: prefix + ".id", Value: a.ID, Message: "duplicate account id"}
	}
	if a.APIKeyEnv == "" {
		return ValidationError{Field: prefix + ".api_key_env", Message: "required"}
	}
	if a.APISecretEnv == "" {
		return ValidationError{Field: prefix + ".api_secret_env", Message: "required"}
	}
	if a.RiskManagement.MMRateThresholdPercent == 0 {
		a.RiskManagement.MMRateThresholdPercent = 90
	}
	if a.RiskManagement.MMRateThresholdPercent < 0 || a.RiskManagement.MMRateThresholdPercent > 100 {
		return ValidationError{Field: prefix + ".risk_management.mm_rate_threshold", Value: a.RiskManagement.MMRateThresholdPercent, Message: "must be in range 0..100"}
	}
	if len(a.Strategies) == 0 {
		return ValidationError{Field: prefix + ".strategies", Message: "at least one strategy must be configured"}
	}
	for j, s := range a.Strategies {
		if err := s.validate(fmt.Sprintf("%s.strategies[%d]", prefix, j)); err != nil {
			return err
		}
	}
	return nil
}

func (s StrategyConfig) validate(prefix string) error {
	if s.Symbol == "" {
		return ValidationError{Field: prefix + ".symbol", Message: "required"}
	}
	if s.Category == "" {
		s.Category = "linear"
	}
	if s.Category != "linear" {
		return ValidationError{Field: prefix + ".category", Value: s.Category, Message: "only 'linear' is supported"}
	}
	if s.Leverage < 1 || s.Leverage > 200 {
		return ValidationError{Field: prefix + ".leverage", Value: s.Leverage, Message: "must be in range 1..200"}
	}
	if s.InitialPositionSizeUSD < 0.1 || s.InitialPositionSizeUSD > 100000 {
		return ValidationError{Field: prefix + ".initial_position_size_usd", Value: s.InitialPositionSizeUSD, Message: "must be in range 0.1..100000"}
	}
	if s.GridStepPercent < 0.01 || s.GridStepPercent > 100 {
		return ValidationError{Field: prefix + ".grid_step_percent", Value: s.GridStepPercent, Message: "must be in range 0.01..100"}
	}
	if s.AveragingMultiplier <= 1.0 || s.AveragingMultiplier > 10.0 {
		return ValidationError{Field: prefix + ".averaging_multiplier", Value: s.AveragingMultiplier, Message: "must be in range (1.0, 10.0]"}
	}
	if s.TakeProfitPercent < 0.01 || s.TakeProfitPercent > 100 {
		return ValidationError{Field: prefix + ".take_profit_percent", Value: s.TakeProfitPercent, Message: "must be in range 0.01..100"}
	}
	if s.MaxGridLevelsPerSide < 1 || s.MaxGridLevelsPerSide > 50 {
		return ValidationError{Field: prefix + ".max_grid_levels_per_side", Value: s.MaxGridLevelsPerSide, Message: "must be in range 1..50"}
	}
	if s.LimitOrderOffsetPercent == 0 {
		s.LimitOrderOffsetPercent = 0.03
	}
	if s.LimitOrderOffsetPercent < 0 || s.LimitOrderOffsetPercent > 5 {
		return ValidationError{Field: prefix + ".limit_order_offset_percent", Value: s.LimitOrderOffsetPercent, Message: "must be in range 0..5"}
	}
	if s.LimitOrderMaxRetries == 0 {
		s.LimitOrderMaxRetries = 3
	}
	if s.LimitOrderMaxRetries < 1 || s.LimitOrderMaxRetries > 20 {
		return ValidationError{Field: prefix + ".limit_order_max_retries", Value: s.LimitOrderMaxRetries, Message: "must be in range 1..20"}
	}
	return nil
}

// String renders the configuration with API credentials env-var names only
// (the secrets themselves never appear in a Config value — they're read
// from the environment at exchange-adaptor construction time, not stored).
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// DefaultConfig returns a default configuration for tests.
func DefaultConfig() *Config {
	return &Config{
		System: SystemConfig{
			LogLevel:        "INFO",
			DataDir:         "data",
			MetricsPort:     9090,
			TakerFeePercent: 0.055,
		},
		Accounts: []AccountConfig{
			{
				ID:           1,
				Name:         "test-account",
				APIKeyEnv:    "BYBIT_API_KEY",
				APISecretEnv: "BYBIT_API_SECRET",
				DemoTrading:  true,
				RiskManagement: RiskManagementConfig{
					MMRateThresholdPercent: 90,
				},
				Strategies: []StrategyConfig{
					{
						Symbol:                 "DOGEUSDT",
						Category:               "linear",
						Leverage:               75,
						InitialPositionSizeUSD: 1,
						GridStepPercent:        1,
						AveragingMultiplier:    2,
						TakeProfitPercent:      1,
						MaxGridLevelsPerSide:   20,
						LimitOrderOffsetPercent: 0.03,
						LimitOrderMaxRetries:    3,
					},
				},
			},
		},
	}
}
