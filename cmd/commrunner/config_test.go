package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/gcomm/internal/config"
	"github.com/danmuck/gcomm/internal/scenarios"
	"github.com/danmuck/gcomm/internal/testutil/testlog"
	"github.com/gomlx/gopjrt/dtypes"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadRunnerSettingsDefaultsAndOverrides(t *testing.T) {
	testlog.Start(t)
	path := writeConfig(t, `
world_size = 4
transport = "TCP"
rendezvous_timeout = "5s"
barrier_delay = "250ms"
scenarios = ["broadcast", " ", "barrier"]
sequence_check = true
`)
	cfg, err := loadRunnerSettings(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.WorldSize != 4 || cfg.Transport != config.TransportTCP {
		t.Fatalf("unexpected world/transport: %d %q", cfg.WorldSize, cfg.Transport)
	}
	if cfg.Group != "default" || cfg.ListenHost != "127.0.0.1" {
		t.Fatalf("defaults lost: group=%q host=%q", cfg.Group, cfg.ListenHost)
	}
	if cfg.RendezvousTimeout.Duration != 5*time.Second || cfg.BarrierDelay != 250*time.Millisecond {
		t.Fatalf("unexpected durations: %v %v", cfg.RendezvousTimeout.Duration, cfg.BarrierDelay)
	}
	if len(cfg.Scenarios) != 2 || cfg.Scenarios[1] != "barrier" {
		t.Fatalf("unexpected scenarios: %+v", cfg.Scenarios)
	}
	if !cfg.SequenceCheck {
		t.Fatalf("expected sequence check enabled")
	}
}

func TestLoadRunnerSettingsRejectsBadValues(t *testing.T) {
	testlog.Start(t)
	if _, err := loadRunnerSettings(writeConfig(t, `rendezvous_timeout = "soon"`)); err == nil {
		t.Fatalf("expected duration parse error")
	}
	if _, err := loadRunnerSettings(writeConfig(t, `transport = "carrier-pigeon"`)); err == nil {
		t.Fatalf("expected unknown transport error")
	}
	if _, err := loadRunnerSettings(writeConfig(t, `world_size = 0`)); err == nil {
		t.Fatalf("expected world size error")
	}
}

func TestSelectScenariosAndDTypes(t *testing.T) {
	testlog.Start(t)
	reg := scenarios.Builtin()
	ids, err := selectScenarios(reg, nil, "all")
	if err != nil || len(ids) != len(reg.IDs()) {
		t.Fatalf("all scenarios: %v %v", ids, err)
	}
	ids, err = selectScenarios(reg, []string{"init"}, "all")
	if err != nil || len(ids) != 1 || ids[0] != "init" {
		t.Fatalf("configured scenarios: %v %v", ids, err)
	}
	if _, err := selectScenarios(reg, nil, "teleport"); err == nil {
		t.Fatalf("expected unknown scenario error")
	}

	types, err := selectDTypes("all")
	if err != nil || len(types) != len(scenarios.AllDTypes) {
		t.Fatalf("all dtypes: %v %v", types, err)
	}
	types, err = selectDTypes("d")
	if err != nil || types[0] != dtypes.Float64 {
		t.Fatalf("dtype d: %v %v", types, err)
	}
}

func TestRunLocalScenario(t *testing.T) {
	testlog.Start(t)
	t.Setenv(envConfigPath, writeConfig(t, `
world_size = 3
group = "cli"
barrier_delay = "30ms"
`))
	if err := run(t.Context(), []string{"all_reduce", "local", "f"}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := run(t.Context(), []string{"barrier", "local"}); err != nil {
		t.Fatalf("run barrier: %v", err)
	}
	if err := run(t.Context(), []string{"broadcast"}); err == nil {
		t.Fatalf("expected usage error")
	}
}
