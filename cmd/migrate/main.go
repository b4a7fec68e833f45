package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"token-sale-settlement/config"
	pgStorage "token-sale-settlement/internal/adapter/storage/postgres"
	"token-sale-settlement/migrations"
	"token-sale-settlement/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	command := pgStorage.MigrateUp
	if flag.NArg() > 0 {
		command = flag.Arg(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Log.Level, cfg.Log.Pretty)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if err := pgStorage.Migrate(ctx, cfg.Database, migrations.FS, command, log); err != nil {
		log.Fatal().Err(err).Msg("Migration failed")
	}
}
