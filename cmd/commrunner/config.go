package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/gcomm/internal/config"
)

type fileConfig struct {
	WorldSize         int      `toml:"world_size"`
	Transport         string   `toml:"transport"`
	StoreAddr         string   `toml:"store_addr"`
	StoreToken        string   `toml:"store_token"`
	Group             string   `toml:"group"`
	ListenHost        string   `toml:"listen_host"`
	RendezvousTimeout string   `toml:"rendezvous_timeout"`
	BarrierDelay      string   `toml:"barrier_delay"`
	Scenarios         []string `toml:"scenarios"`
	SequenceCheck     bool     `toml:"sequence_check"`
}

type runnerSettings struct {
	config.RunnerConfig
	BarrierDelay time.Duration
}

// loadRunnerSettings layers the keys present in path over the defaults.
func loadRunnerSettings(path string) (runnerSettings, error) {
	cfg := runnerSettings{RunnerConfig: config.DefaultRunnerConfig()}

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return runnerSettings{}, fmt.Errorf("load runner config: %w", err)
	}

	if meta.IsDefined("world_size") {
		cfg.WorldSize = raw.WorldSize
	}
	if meta.IsDefined("transport") {
		cfg.Transport = strings.ToLower(strings.TrimSpace(raw.Transport))
	}
	if meta.IsDefined("store_addr") {
		cfg.StoreAddr = strings.TrimSpace(raw.StoreAddr)
	}
	if meta.IsDefined("store_token") {
		cfg.StoreToken = strings.TrimSpace(raw.StoreToken)
	}
	if meta.IsDefined("group") {
		cfg.Group = strings.TrimSpace(raw.Group)
	}
	if meta.IsDefined("listen_host") {
		cfg.ListenHost = strings.TrimSpace(raw.ListenHost)
	}
	if meta.IsDefined("rendezvous_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.RendezvousTimeout))
		if err != nil {
			return runnerSettings{}, fmt.Errorf("parse rendezvous_timeout: %w", err)
		}
		cfg.RendezvousTimeout.Duration = d
	}
	if meta.IsDefined("barrier_delay") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.BarrierDelay))
		if err != nil {
			return runnerSettings{}, fmt.Errorf("parse barrier_delay: %w", err)
		}
		cfg.BarrierDelay = d
	}
	if meta.IsDefined("scenarios") {
		cfg.Scenarios = normalizeScenarios(raw.Scenarios)
	}
	if meta.IsDefined("sequence_check") {
		cfg.SequenceCheck = raw.SequenceCheck
	}

	if err := config.ValidateRunnerConfig(cfg.RunnerConfig); err != nil {
		return runnerSettings{}, err
	}
	return cfg, nil
}

func normalizeScenarios(in []string) []string {
	out := make([]string, 0, len(in))
	for _, id := range in {
		v := strings.TrimSpace(id)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
