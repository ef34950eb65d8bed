// shardctl is the administrative entry point for the shard set: it
// migrates the canonical order table and creates, drops or verifies the
// physical shard tables. It is run by deployment tooling, never on the
// request path.
//
// Usage:
//
//	shardctl up      migrate the canonical table, then create missing shards
//	shardctl down    drop every shard table (canonical table untouched)
//	shardctl verify  report shards whose table is missing
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Aeglx/MallEcoAPI-sub007/internal/config"
	"github.com/Aeglx/MallEcoAPI-sub007/internal/db"
	"github.com/Aeglx/MallEcoAPI-sub007/internal/shard"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	log.Logger = log.With().Str("service", "shardctl").Logger()

	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: shardctl <up|down|verify>")
		flag.PrintDefaults()
	}
	flag.Parse()

	command := flag.Arg(0)
	if command == "" {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.New()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}

	ctx := context.Background()

	if err := run(ctx, cfg, command); err != nil {
		log.Fatal().Err(err).Str("command", command).Msg("shardctl failed")
	}
}

func run(ctx context.Context, cfg *config.Config, command string) error {
	if command == "up" {
		// The canonical table must exist and be current before it can
		// be cloned to shards.
		if err := db.ApplyMigrations(cfg.Postgres); err != nil {
			return err
		}
	}

	database, err := db.New(ctx, cfg.Postgres)
	if err != nil {
		return err
	}
	defer database.Close()

	catalog, err := shard.NewCatalog(ctx, database.Pool, cfg.Shard.CanonicalTable, cfg.Shard.Count)
	if err != nil {
		return err
	}
	replicator := shard.NewReplicator(database.Pool, catalog)

	switch command {
	case "up":
		if err := replicator.Up(ctx); err != nil {
			return err
		}
		log.Info().Int("shard_count", cfg.Shard.Count).Msg("Shard tables are up to date")
	case "down":
		if err := replicator.Down(ctx); err != nil {
			return err
		}
		log.Info().Int("shard_count", cfg.Shard.Count).Msg("Shard tables dropped")
	case "verify":
		missing, err := replicator.Verify(ctx)
		if err != nil {
			return err
		}
		if len(missing) > 0 {
			return fmt.Errorf("%d of %d shard tables missing: %v", len(missing), cfg.Shard.Count, missing)
		}
		log.Info().Int("shard_count", cfg.Shard.Count).Msg("All shard tables present")
	default:
		return fmt.Errorf("unknown command %q", command)
	}
	return nil
}
