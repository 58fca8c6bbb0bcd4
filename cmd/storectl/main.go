package main

import (
	"errors"
	"io/fs"
	"os"

	"github.com/danmuck/gcomm/internal/config"
	"github.com/danmuck/gcomm/internal/observability"
	"github.com/danmuck/gcomm/internal/rendezvous"
	"github.com/rs/zerolog/log"
)

const envConfigPath = "GCOMM_STORE_CONFIG"

func main() {
	observability.InitLogger("storectl")
	configPath := "cmd/storectl/config.toml"
	if v := os.Getenv(envConfigPath); v != "" {
		configPath = v
	}
	cfg, err := config.LoadStoreConfig(configPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		cfg = config.DefaultStoreConfig()
		log.Warn().Str("path", configPath).Msg("store config not found, using defaults")
	case err != nil:
		log.Fatal().Err(err).Msg("failed to load store config")
	default:
		log.Info().Str("path", configPath).Msg("loaded store config")
	}

	server := rendezvous.NewServer(cfg.ID, cfg.Addr, cfg.CorsOrigins, cfg.WaitLimit.Duration)
	if cfg.AuthToken != "" {
		server.RequireToken(cfg.AuthToken)
		log.Info().Msg("store requires a bearer token")
	}
	log.Info().Str("id", cfg.ID).Str("addr", cfg.Addr).Dur("wait_limit", cfg.WaitLimit.Duration).Msg("store started")
	if err := server.Serve(); err != nil {
		log.Fatal().Err(err).Msg("store stopped")
	}
}
