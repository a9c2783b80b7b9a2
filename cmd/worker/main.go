// The worker binary runs the full event-driven processing core: stream
// consumers, the album assembler, maintenance tasks and the operational
// HTTP endpoints, all under one task supervisor.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/ilyasni/telegram-assistant/internal/config"
	"github.com/ilyasni/telegram-assistant/internal/observability"
	"github.com/ilyasni/telegram-assistant/internal/store"
	"github.com/ilyasni/telegram-assistant/internal/worker"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to YAML config")
	migrateFlag := flag.Bool("migrate", true, "apply embedded migrations on start")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("config_load_failed")
	}
	observability.InitLogger(cfg.LogPath, cfg.LogLevel)

	if *migrateFlag {
		if err := store.Migrate(cfg.Postgres.DSN); err != nil {
			log.Fatal().Err(err).Msg("migrate_failed")
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	w, err := worker.New(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("worker_init_failed")
	}
	if err := w.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatal().Err(err).Msg("worker_run_failed")
	}
}
