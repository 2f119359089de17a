package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Wyydra/duet/internal/adapter/driven/persistence/sqlite"
	handler "github.com/Wyydra/duet/internal/adapter/driving/http"
	"github.com/Wyydra/duet/internal/config"
	"github.com/Wyydra/duet/internal/core/service"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

func main() {
	cfg, err := config.LoadRelay()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	cfg.Log.Apply(os.Stdout)
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid config")
	}

	db, err := sqlite.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}
	defer db.Close()

	rooms := service.NewRoomDirectory(sqlite.NewRoomRepository(db))
	relay := service.NewRelayService()
	go relay.Run()

	h := handler.NewHandler(relay, rooms, handler.Options{
		ICEServers:     cfg.ICE.Servers(),
		AllowedOrigins: cfg.AllowedOrigins,
		MessageRate:    rate.Limit(cfg.MessageRate),
		MessageBurst:   cfg.MessageBurst,
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           h.NewRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("Starting relay")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Failed to start relay")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	<-quit
	log.Info().Msg("Shutting down relay...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Relay forced to shutdown")
	}

	relay.Stop()
	log.Info().Msg("Relay exited")
}
