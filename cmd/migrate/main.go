package main

import (
	"CaseBattle/internal/config"
	"CaseBattle/internal/observability"
	"CaseBattle/internal/persistence"
	"context"
	"database/sql"
	"fmt"
	"os"

	_ "github.com/lib/pq"
)

func usage() {
	fmt.Println("Usage: migrate <up|down|status|seed FILE>")
	fmt.Println("  up        - apply all pending migrations")
	fmt.Println("  down      - roll back the last migration")
	fmt.Println("  status    - list pending migrations")
	fmt.Println("  seed FILE - load cases and price history from a JSON catalog")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  BATTLE_POSTGRES_URL    - Postgres connection string")
	fmt.Println("  BATTLE_MIGRATIONS_DIR  - path to migrations directory (default: migrations)")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	logger := observability.NewLogger("migrate")

	cfg, err := config.Load(".env")
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}

	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()

	ctx := context.Background()
	migrator := persistence.NewMigrator(db, os.DirFS(cfg.MigrationsDir), logger)

	switch os.Args[1] {
	case "up":
		n, err := migrator.Up(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("migrate up")
		}
		logger.Info().Int("applied", n).Msg("all migrations applied")

	case "down":
		rolled, err := migrator.Down(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("migrate down")
		}
		if rolled {
			logger.Info().Msg("last migration rolled back")
		}

	case "status":
		pending, err := migrator.Pending(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("migration status")
		}
		if len(pending) == 0 {
			fmt.Println("up to date")
		}
		for _, f := range pending {
			fmt.Println("pending:", f)
		}

	case "seed":
		if len(os.Args) < 3 {
			usage()
			os.Exit(1)
		}
		f, err := os.Open(os.Args[2])
		if err != nil {
			logger.Fatal().Err(err).Msg("open catalog file")
		}
		defer f.Close()

		cases, points, err := persistence.NewCatalog(db).Seed(ctx, f)
		if err != nil {
			logger.Fatal().Err(err).Msg("seed catalog")
		}
		logger.Info().Int("cases", cases).Int("price_points", points).Msg("catalog seeded")

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(1)
	}
}
