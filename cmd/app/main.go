package main

import (
	"context"
	"log"
	"os"

	"github.com/joho/godotenv"

	"billing-ledger/internal/adapters/cli"
	"billing-ledger/internal/config"
	"billing-ledger/internal/db"
	"billing-ledger/internal/logger"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if err := logger.Setup(logger.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		Output: cfg.LogOutput,
	}); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		l := logger.Get()
		l.Fatal().Err(err).Msg("unable to connect to database")
	}
	defer pool.Close()

	root := cli.New(pool, cfg)
	if err := root.ExecuteContext(ctx); err != nil {
		l := logger.Get()
		l.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}
