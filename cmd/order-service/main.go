package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Aeglx/MallEcoAPI-sub007/internal/config"
	"github.com/Aeglx/MallEcoAPI-sub007/internal/db"
	"github.com/Aeglx/MallEcoAPI-sub007/internal/order"
	"github.com/Aeglx/MallEcoAPI-sub007/internal/shard"
	"github.com/Aeglx/MallEcoAPI-sub007/internal/txn"
)

func main() {
	zerolog.SetGlobalLevel(zerolog.DebugLevel)

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	log.Logger = log.With().Str("service", "order-service").Logger()

	log.Info().Msg("Order service starting...")

	cfg, err := config.New()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}

	ctx := context.Background()

	database, err := db.New(ctx, cfg.Postgres)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer database.Close()

	// The catalog snapshot is the process-lifetime source of truth for
	// the shard layout; schema changes require re-running shardctl and
	// restarting this process.
	catalog, err := shard.NewCatalog(ctx, database.Pool, cfg.Shard.CanonicalTable, cfg.Shard.Count)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load shard catalog")
	}

	resolver, err := shard.NewResolver(cfg.Shard.Count)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build shard resolver")
	}

	repo, err := order.NewRepository(database.Pool, resolver, catalog, cfg.Shard.Timeout)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build order repository")
	}
	coordinator := txn.NewCoordinator()

	// Order-facing collaborators (cart, payment, live, wallet services)
	// consume repo and coordinator through their interfaces; their HTTP
	// surface lives outside this core.
	_ = repo
	_ = coordinator

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	srv := &http.Server{
		Addr:         ":" + cfg.App.Port,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info().Str("port", cfg.App.Port).Msg("Starting HTTP server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Info().Msg("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatal().Err(err).Msg("Shutdown failed")
	}
	log.Info().Msg("Server stopped")
}
