package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/manpreetbhatti/tandem/internal/api"
	"github.com/manpreetbhatti/tandem/internal/autosave"
	"github.com/manpreetbhatti/tandem/internal/config"
	"github.com/manpreetbhatti/tandem/internal/db"
	"github.com/manpreetbhatti/tandem/internal/room"
	"github.com/manpreetbhatti/tandem/internal/ws"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize database")
	}
	defer database.Close()

	registry := ws.NewRegistry(cfg.WriteWait)
	dispatcher := ws.NewDispatcher(registry)
	rooms := room.NewService(database, registry)

	session := ws.NewSessionHandler(registry, dispatcher, rooms, ws.SessionConfig{
		WriteWait:      cfg.WriteWait,
		PongWait:       cfg.PongWait,
		MaxMessageSize: cfg.MaxMessageSize,
		PerSecond:      cfg.MessagesPerSec,
		Burst:          cfg.MessageBurst,
	})

	saver := autosave.New(registry, database, cfg.AutosaveInterval)
	saver.Start()
	defer saver.Stop()

	apiHandler := api.New(registry, database, rooms)
	router := apiHandler.Router(session.ServeWS)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: corsMiddleware(router),
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("tandem server started")
		log.Info().Msg("endpoints: /ws/{roomId}/{username}, /health, /api/stats, /api/rooms, /api/rooms/save, /api/rooms/{id}, /api/rooms/{id}/limit, /autocomplete")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	log.Info().Msg("server exited gracefully")
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
