package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/danmuck/gcomm/internal/comm"
	"github.com/danmuck/gcomm/internal/config"
	"github.com/danmuck/gcomm/internal/launcher"
	"github.com/danmuck/gcomm/internal/observability"
	"github.com/danmuck/gcomm/internal/rendezvous"
	"github.com/danmuck/gcomm/internal/scenarios"
	"github.com/danmuck/gcomm/internal/transport"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/rs/zerolog/log"
)

const (
	envConfigPath = "GCOMM_RUNNER_CONFIG"
	envStoreToken = "GCOMM_STORE_TOKEN"
	modeLocal     = "local"
	modeForeign   = "foreign"
	all           = "all"
)

const usage = "usage: commrunner <scenario|all> <local|foreign> [dtype|all]"

func main() {
	observability.InitLogger("commrunner")
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "commrunner: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	if len(args) < 2 || len(args) > 3 {
		return errors.New(usage)
	}
	mode := strings.ToLower(strings.TrimSpace(args[1]))
	if mode != modeLocal && mode != modeForeign {
		return fmt.Errorf("unknown mode %q\n%s", args[1], usage)
	}

	settings, err := loadSettings()
	if err != nil {
		return err
	}
	reg := scenarios.Builtin()
	ids, err := selectScenarios(reg, settings.Scenarios, args[0])
	if err != nil {
		return err
	}
	dtypeArg := ""
	if len(args) == 3 {
		dtypeArg = args[2]
	}
	types, err := selectDTypes(dtypeArg)
	if err != nil {
		return err
	}

	var assignment launcher.Assignment
	if mode == modeForeign {
		assignment, err = launcher.FromEnv()
		if err != nil {
			return err
		}
		settings.WorldSize = assignment.WorldSize
		if assignment.StoreAddr != "" {
			settings.StoreAddr = assignment.StoreAddr
		}
		// Separate processes can only meet over TCP.
		settings.Transport = config.TransportTCP
	}

	runner, err := buildRunner(reg, settings, mode)
	if err != nil {
		return err
	}

	failed := 0
	for _, id := range ids {
		for _, dtype := range types {
			var res scenarios.Result
			var err error
			if mode == modeForeign {
				res, err = runner.RunForeign(ctx, id, dtype, assignment)
			} else {
				res, err = runner.RunLocal(ctx, id, dtype)
			}
			switch {
			case err != nil:
				failed++
				log.Error().Err(err).Str("scenario", id).Str("dtype", dtype.String()).Msg("scenario failed")
			case res.Skipped:
				fmt.Printf("SKIP %-16s %-9s %s\n", id, dtype, res.Reason)
			default:
				fmt.Printf("PASS %-16s %-9s %s\n", id, dtype, res.Elapsed)
			}
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d scenario run(s) failed", failed)
	}
	return nil
}

func loadSettings() (runnerSettings, error) {
	path := "cmd/commrunner/config.toml"
	if v := os.Getenv(envConfigPath); v != "" {
		path = v
	}
	settings, err := loadRunnerSettings(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		log.Warn().Str("path", path).Msg("runner config not found, using defaults")
		settings = runnerSettings{RunnerConfig: config.DefaultRunnerConfig()}
	case err != nil:
		return runnerSettings{}, err
	default:
		log.Info().Str("path", path).Int("world_size", settings.WorldSize).Str("transport", settings.Transport).Msg("loaded runner config")
	}
	if v := os.Getenv(envStoreToken); v != "" {
		settings.StoreToken = v
	}
	return settings, nil
}

func buildRunner(reg *scenarios.Registry, settings runnerSettings, mode string) (*scenarios.Runner, error) {
	opts := []comm.Option{comm.WithTimeout(settings.RendezvousTimeout.Duration)}
	if settings.SequenceCheck {
		opts = append(opts, comm.WithSequenceCheck())
	}

	var store rendezvous.Store
	switch {
	case settings.StoreAddr != "":
		store = rendezvous.NewHTTPStore(settings.StoreAddr, settings.RendezvousTimeout.Duration).
			WithAuthToken(settings.StoreToken)
	case mode == modeForeign:
		return nil, fmt.Errorf("foreign mode needs a store address (%s or store_addr)", launcher.EnvStoreAddr)
	case settings.Transport == config.TransportTCP:
		store = rendezvous.NewMemoryStore(settings.RendezvousTimeout.Duration)
	}
	if settings.Transport == config.TransportTCP {
		opts = append(opts, comm.WithConnector(transport.NewTCP(store, settings.ListenHost)))
	}

	runner := scenarios.NewRunner(reg, settings.WorldSize, opts...)
	runner.Group = settings.Group
	runner.Store = store
	if settings.BarrierDelay > 0 {
		runner.BarrierDelay = settings.BarrierDelay
	}
	return runner, nil
}

func selectScenarios(reg *scenarios.Registry, configured []string, arg string) ([]string, error) {
	arg = strings.TrimSpace(arg)
	if arg != all {
		if _, ok := reg.Resolve(arg); !ok {
			return nil, fmt.Errorf("%w: %q (known: %s)", scenarios.ErrUnknownScenario, arg, strings.Join(reg.IDs(), ", "))
		}
		return []string{arg}, nil
	}
	if len(configured) == 0 {
		return reg.IDs(), nil
	}
	for _, id := range configured {
		if _, ok := reg.Resolve(id); !ok {
			return nil, fmt.Errorf("%w: %q in config", scenarios.ErrUnknownScenario, id)
		}
	}
	return configured, nil
}

func selectDTypes(arg string) ([]dtypes.DType, error) {
	if strings.TrimSpace(arg) == all {
		return scenarios.AllDTypes, nil
	}
	d, err := scenarios.ParseDType(arg)
	if err != nil {
		return nil, err
	}
	return []dtypes.DType{d}, nil
}
