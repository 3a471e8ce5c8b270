package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/scoresync/go/internal/dbconfig"
	"github.com/mcdev12/scoresync/go/internal/doc"
	"github.com/mcdev12/scoresync/go/internal/gateway"
	"github.com/mcdev12/scoresync/go/internal/registry"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	level, err := zerolog.ParseLevel(getEnv("LOG_LEVEL", "info"))
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	port := getEnv("GATEWAY_PORT", "8081")
	registryBackend := getEnv("REGISTRY_BACKEND", "memory")
	archiveBackend := getEnv("ARCHIVE_BACKEND", "memory")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, closeStore := setupRegistryStore(ctx, registryBackend)
	defer closeStore()
	reg := registry.NewApp(store, clockwork.NewRealClock())

	archive, closeArchive := setupArchive(archiveBackend)
	defer closeArchive()

	log.Info().
		Str("registry", registryBackend).
		Str("archive", archiveBackend).
		Str("port", port).
		Msg("starting relay gateway")

	gatewayService := gateway.NewService(gateway.DefaultConfig(), store, reg, archive)

	server := &http.Server{
		Addr:        fmt.Sprintf(":%s", port),
		Handler:     gatewayService.Handler(),
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	serviceDone := make(chan struct{})
	go func() {
		defer close(serviceDone)
		if err := gatewayService.Start(ctx); err != nil {
			log.Error().Err(err).Msg("gateway service failed")
		}
	}()

	go func() {
		log.Info().Str("addr", server.Addr).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan

	log.Info().Str("signal", sig.String()).Msg("received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	cancel()
	select {
	case <-serviceDone:
	case <-shutdownCtx.Done():
	}

	log.Info().Msg("relay gateway shutdown complete")
}

func setupRegistryStore(ctx context.Context, backend string) (registry.Store, func()) {
	switch backend {
	case "nats":
		natsURL := getEnv("NATS_URL", nats.DefaultURL)
		nc, err := nats.Connect(natsURL,
			nats.Name("scoresync-gateway"),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
		)
		if err != nil {
			log.Fatal().Err(err).Str("nats_url", natsURL).Msg("failed to connect to NATS")
		}
		js, err := jetstream.New(nc)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create JetStream context")
		}
		store, err := registry.NewKVStore(ctx, js, registry.DefaultKVConfig())
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create registry bucket")
		}
		return store, nc.Close

	case "redis":
		rdb := redis.NewClient(&redis.Options{Addr: getEnv("REDIS_ADDR", "localhost:6379")})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatal().Err(err).Msg("failed to ping redis")
		}
		return registry.NewRedisStore(rdb), func() { rdb.Close() }

	case "memory":
		return registry.NewDocStore(doc.NewLWWDoc()), func() {}
	}
	log.Fatal().Str("backend", backend).Msg("unknown registry backend")
	return nil, nil
}

func setupArchive(backend string) (gateway.Archive, func()) {
	switch backend {
	case "postgres":
		dbCfg := dbconfig.NewConfigFromEnv()
		db, err := sql.Open("postgres", dbCfg.DSN())
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to database")
		}
		if err := db.Ping(); err != nil {
			log.Fatal().Err(err).Msg("failed to ping database")
		}
		archive, err := gateway.NewPostgresArchive(db)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create archive")
		}
		log.Info().Str("database", dbCfg.Database).Msg("archiving rooms to postgres")
		return archive, func() {
			archive.Close()
			db.Close()
		}

	case "memory":
		return gateway.NewMemoryArchive(), func() {}

	case "none":
		return nil, func() {}
	}
	log.Fatal().Str("backend", backend).Msg("unknown archive backend")
	return nil, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
