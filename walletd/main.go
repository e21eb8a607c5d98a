// Package main implements walletd, a headless Tezos/EVM wallet daemon. All
// key material lives encrypted in a local sqlite store; UI surfaces and dApp
// relays reach the daemon over intercom ports and NATS subjects, and every
// privileged action passes through an explicit confirmation window.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Version is set at build time
var Version = "dev"

func main() {
	configPath := flag.String("config", "/etc/walletd/walletd.yaml", "Path to configuration file")
	devMode := flag.Bool("dev-mode", false, "Run in development mode (TCP intercom instead of vsock)")
	storagePath := flag.String("storage", "", "Path to the wallet database (overrides config)")
	natsURL := flag.String("nats-url", "", "NATS server URL for the dApp relay (overrides config)")
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	log.Info().
		Str("version", Version).
		Str("config", *configPath).
		Bool("dev_mode", *devMode).
		Msg("walletd starting")

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	if *storagePath != "" {
		cfg.Storage.Path = *storagePath
	}
	if *natsURL != "" {
		cfg.NATS.URL = *natsURL
	}
	if *devMode {
		cfg.DevMode = true
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	app, err := NewApp(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize daemon")
	}

	if err := app.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("Daemon error")
	}

	log.Info().Msg("walletd shutdown complete")
}
