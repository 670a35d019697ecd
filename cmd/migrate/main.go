package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dvloznov/mdraft/internal/config"
	"github.com/dvloznov/mdraft/internal/logger"
	"github.com/dvloznov/mdraft/internal/store"
)

var (
	databaseURL = flag.String("database-url", "", "Postgres connection URL (defaults to DATABASE_URL)")
	statusOnly  = flag.Bool("status", false, "List migrations and whether each has been applied")
)

func main() {
	flag.Parse()

	cfg := config.Load()
	log := logger.New(logger.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})

	url := *databaseURL
	if url == "" {
		url = cfg.DatabaseURL
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	db, err := store.Open(ctx, url)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	if *statusOnly {
		states, err := store.MigrationStatus(ctx, db)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to read migration status")
		}
		if err := printStatus(os.Stdout, states); err != nil {
			log.Fatal().Err(err).Msg("Failed to print migration status")
		}
		return
	}

	applied, err := store.ApplyMigrations(ctx, db)
	if err != nil {
		log.Fatal().Err(err).Int("applied", applied).Msg("Migration failed")
	}
	if applied == 0 {
		log.Info().Msg("No new migrations to apply. Database is up to date.")
		return
	}
	log.Info().Int("applied", applied).Msg("Migrations applied")
}

func printStatus(w io.Writer, states []store.MigrationState) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "VERSION\tSTATUS\tAPPLIED AT")
	for _, s := range states {
		status, at := "pending", "-"
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				at = s.AppliedAt.UTC().Format(time.RFC3339)
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", s.Version, status, at)
	}
	return tw.Flush()
}
