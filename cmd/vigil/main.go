package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"vigil/internal/config"
	"vigil/internal/logger"
	"vigil/internal/processor"
)

func main() {
	// .env is optional; real deployments set the environment directly
	_ = godotenv.Load()

	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Init("info")
		logger.Logger.Fatal().Err(err).Msg("failed to load config")
	}

	logger.Init(cfg.Logging.Level)
	log := logger.WithComponent("main")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := processor.New(cfg)

	// run processor in background
	go func() {
		if err := p.Run(ctx); err != nil {
			log.Error().Err(err).Msg("processor exited")
			cancel()
		}
	}()

	// wait for termination signals
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigs:
		log.Info().Msg("shutting down")
		cancel()
	case <-ctx.Done():
	}

	// give graceful shutdown some time
	time.Sleep(500 * time.Millisecond)
	log.Info().Msg("exited")
}
