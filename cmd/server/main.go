package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/Wyydra/trickle/internal/adapter/driven/gateway/ws"
	"github.com/Wyydra/trickle/internal/adapter/driven/persistence/memory"
	"github.com/Wyydra/trickle/internal/adapter/driven/persistence/sqlite"
	handler "github.com/Wyydra/trickle/internal/adapter/driving/http"
	"github.com/Wyydra/trickle/internal/config"
	"github.com/Wyydra/trickle/internal/core/port"
	"github.com/rs/zerolog/log"
)

type closableStore interface {
	port.SignalingStore
	Close() error
}

func openStore(cfg *config.Config) (closableStore, error) {
	if cfg.Store.Backend == config.StoreSQLite {
		s, err := sqlite.Open(cfg.Store.Path)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return memory.NewCallStore(), nil
}

func main() {
	configFilePath := flag.String("configFilePath", "config.yaml", "Set the file path to the config file.")
	flag.Parse()

	cfg, err := config.Load(*configFilePath)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	logFile, err := config.ConfigureLogger(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to configure logger")
	}
	if logFile != nil {
		defer logFile.Close()
	}

	store, err := openStore(cfg)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.Store.Backend).Msg("Failed to open store")
	}
	defer store.Close()

	hub := ws.NewHub()
	h := handler.NewHandler(store, hub)

	go hub.Run()

	srv := &http.Server{
		Addr:    cfg.ListenAddress,
		Handler: h.NewRouter(),
	}

	go func() {
		log.Info().Str("addr", cfg.ListenAddress).Str("backend", cfg.Store.Backend).Msg("Starting signaling server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	<-quit
	log.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	// Websocket connections are hijacked, so Shutdown does not wait for them;
	// the hub closes them.
	hub.Stop()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exited")
}
