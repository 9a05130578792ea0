package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"descaleverify/internal/cli"
	"descaleverify/internal/config"
	_ "descaleverify/internal/framesource/gstream"
	_ "descaleverify/internal/framesource/stills"
	"descaleverify/internal/logging"
	"descaleverify/internal/storage"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return 1
	}

	log, err := logging.Setup(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up logging: %v\n", err)
		return 1
	}

	// Analyses still run without a store; history and show report it missing.
	store, err := storage.New(cfg.Paths.DatabasePath)
	if err != nil {
		log.Warn("run store unavailable", "path", cfg.Paths.DatabasePath, "error", err)
		store = nil
	} else {
		defer store.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd := cli.NewRootCmd(cfg, log, store)
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log.Error("command failed", "error", err)
		return 1
	}
	return 0
}
