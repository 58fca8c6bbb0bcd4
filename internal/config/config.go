package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

const (
	TransportLocal = "local"
	TransportTCP   = "tcp"

	DefaultStoreAddr         = ":9400"
	DefaultWaitLimit         = 60 * time.Second
	DefaultRendezvousTimeout = 30 * time.Second
)

// Duration decodes TOML strings such as "30s" or "1m30s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// StoreConfig drives a standalone rendezvous store process.
type StoreConfig struct {
	ID          string   `toml:"id"`
	Addr        string   `toml:"addr"`
	CorsOrigins []string `toml:"cors_origins"`
	WaitLimit   Duration `toml:"wait_limit"`
	AuthToken   string   `toml:"auth_token"`
}

// RunnerConfig drives one scenario run, local or foreign.
type RunnerConfig struct {
	WorldSize         int      `toml:"world_size"`
	Transport         string   `toml:"transport"`
	StoreAddr         string   `toml:"store_addr"`
	StoreToken        string   `toml:"store_token"`
	Group             string   `toml:"group"`
	ListenHost        string   `toml:"listen_host"`
	RendezvousTimeout Duration `toml:"rendezvous_timeout"`
	Scenarios         []string `toml:"scenarios"`
	SequenceCheck     bool     `toml:"sequence_check"`
}

func LoadStoreConfig(path string) (StoreConfig, error) {
	var cfg StoreConfig
	if err := loadToml(path, &cfg); err != nil {
		return StoreConfig{}, err
	}
	cfg = applyStoreDefaults(cfg)
	if err := ValidateStoreConfig(cfg); err != nil {
		return StoreConfig{}, err
	}
	return cfg, nil
}

func LoadRunnerConfig(path string) (RunnerConfig, error) {
	var cfg RunnerConfig
	if err := loadToml(path, &cfg); err != nil {
		return RunnerConfig{}, err
	}
	cfg = applyRunnerDefaults(cfg)
	if err := ValidateRunnerConfig(cfg); err != nil {
		return RunnerConfig{}, err
	}
	return cfg, nil
}

func DefaultStoreConfig() StoreConfig {
	return applyStoreDefaults(StoreConfig{})
}

func DefaultRunnerConfig() RunnerConfig {
	return applyRunnerDefaults(RunnerConfig{})
}

func applyStoreDefaults(cfg StoreConfig) StoreConfig {
	if cfg.ID == "" {
		cfg.ID = "storectl"
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultStoreAddr
	}
	if cfg.WaitLimit.Duration <= 0 {
		cfg.WaitLimit.Duration = DefaultWaitLimit
	}
	return cfg
}

func applyRunnerDefaults(cfg RunnerConfig) RunnerConfig {
	if cfg.WorldSize == 0 {
		cfg.WorldSize = 2
	}
	if cfg.Transport == "" {
		cfg.Transport = TransportLocal
	}
	if cfg.Group == "" {
		cfg.Group = "default"
	}
	if cfg.ListenHost == "" {
		cfg.ListenHost = "127.0.0.1"
	}
	if cfg.RendezvousTimeout.Duration <= 0 {
		cfg.RendezvousTimeout.Duration = DefaultRendezvousTimeout
	}
	return cfg
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func ValidateStoreConfig(cfg StoreConfig) error {
	if strings.TrimSpace(cfg.ID) == "" {
		return fmt.Errorf("store config missing id")
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		return fmt.Errorf("store config missing addr")
	}
	if cfg.WaitLimit.Duration <= 0 {
		return fmt.Errorf("store config wait_limit must be positive")
	}
	return nil
}

func ValidateRunnerConfig(cfg RunnerConfig) error {
	if cfg.WorldSize < 1 {
		return fmt.Errorf("runner config world_size must be >= 1, got %d", cfg.WorldSize)
	}
	switch cfg.Transport {
	case TransportLocal:
	case TransportTCP:
		if strings.TrimSpace(cfg.ListenHost) == "" {
			return fmt.Errorf("runner config listen_host required for tcp transport")
		}
	default:
		return fmt.Errorf("runner config unknown transport %q", cfg.Transport)
	}
	if strings.TrimSpace(cfg.Group) == "" {
		return fmt.Errorf("runner config missing group")
	}
	if cfg.RendezvousTimeout.Duration <= 0 {
		return fmt.Errorf("runner config rendezvous_timeout must be positive")
	}
	return nil
}
