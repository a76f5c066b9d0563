package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/Netflix/go-env"
	"github.com/joho/godotenv"

	"github.com/ephone/linkchat/internal/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Optional .env for local development; the environment wins.
	_ = godotenv.Load()

	var cfg server.Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	srv := server.New(cfg, log)
	if err := srv.Start(); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	log.Info("relay listening", "addr", cfg.Addr, "maxUsers", cfg.MaxUsers)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Info("shutting down")
	srv.Stop()
	return nil
}
