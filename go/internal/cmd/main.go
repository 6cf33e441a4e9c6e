package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("no .env file loaded")
	}

	config, err := loadConfig(getEnv("CONFIG_PATH", "config.yaml"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setupLogging(config)

	clock := clockwork.NewRealClock()
	services := setupServices(config, clock)
	server := setupServer(config, services)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go services.ConnectionManager.Start(ctx)
	go runSweepLoop(ctx, config, services, clock)

	go func() {
		log.Info().Str("addr", server.Addr).Msg("server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Info().Msg("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
}

func setupLogging(config *Config) {
	level, err := zerolog.ParseLevel(config.Log.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if config.Log.Pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}

// runSweepLoop reclaims empty and expired rooms on a fixed interval. The
// poll API additionally sweeps probabilistically per request; either trigger
// alone satisfies the "eventually swept" contract.
func runSweepLoop(ctx context.Context, config *Config, services *Services, clock clockwork.Clock) {
	ticker := clock.NewTicker(config.sweepInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if deleted := services.Registry.Sweep(); deleted > 0 {
				log.Info().Int("deleted", deleted).Msg("sweep reclaimed rooms")
			}
		}
	}
}
