package main

import (
	"Percolator/internal/config"
	"Percolator/internal/observability"
	"Percolator/internal/persistence"
	"Percolator/migrations"
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"os"

	_ "github.com/lib/pq"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: migrate <up|down|status>")
		fmt.Println("  up     - apply all pending migrations")
		fmt.Println("  down   - roll back the last migration")
		fmt.Println("  status - list migrations and whether they are applied")
		fmt.Println()
		fmt.Println("Environment:")
		fmt.Println("  PERCOLATOR_POSTGRES_DSN    - Postgres connection string")
		fmt.Println("  PERCOLATOR_MIGRATIONS_DIR  - migrations directory (default: embedded)")
		os.Exit(1)
	}

	logger := observability.NewLogger("migrate")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("config")
	}

	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()

	var files fs.FS = migrations.FS
	if cfg.MigrationsDir != "" {
		files = os.DirFS(cfg.MigrationsDir)
	}

	ctx := context.Background()
	migrator := persistence.NewMigrator(db, files)

	switch os.Args[1] {
	case "up":
		if err := migrator.Up(ctx); err != nil {
			logger.Fatal().Err(err).Msg("migrate up")
		}
		logger.Info().Msg("all migrations applied")

	case "down":
		if err := migrator.Down(ctx); err != nil {
			logger.Fatal().Err(err).Msg("migrate down")
		}
		logger.Info().Msg("last migration rolled back")

	case "status":
		statuses, err := migrator.Status(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("migrate status")
		}
		for _, st := range statuses {
			ev := logger.Info().Str("version", st.Version).Str("file", st.Filename).Bool("applied", st.Applied)
			if st.AppliedAt != nil {
				ev = ev.Time("applied_at", *st.AppliedAt)
			}
			ev.Msg("migration")
		}

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s (use 'up', 'down' or 'status')\n", os.Args[1])
		os.Exit(1)
	}
}
