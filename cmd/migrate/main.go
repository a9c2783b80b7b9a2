// The migrate binary applies the embedded SQL migrations and exits.
package main

import (
	"flag"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/ilyasni/telegram-assistant/internal/config"
	"github.com/ilyasni/telegram-assistant/internal/observability"
	"github.com/ilyasni/telegram-assistant/internal/store"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("config_load_failed")
	}
	observability.InitLogger(cfg.LogPath, cfg.LogLevel)

	if err := store.Migrate(cfg.Postgres.DSN); err != nil {
		log.Fatal().Err(err).Msg("migrate_failed")
	}
	log.Info().Msg("migrations_applied")
}
