package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"roomsync/internal/account"
	"roomsync/internal/backend"
	_ "roomsync/internal/backend/local"
	_ "roomsync/internal/backend/remote"
	"roomsync/internal/config"
)

func run(ctx context.Context, args []string, in io.Reader, out io.Writer) error {
	flags := flag.NewFlagSet("roomsync", flag.ContinueOnError)
	flags.SetOutput(out)
	kind := flags.String("backend", "", "Backend to use: local or remote (overrides ROOMSYNC_BACKEND)")
	configFile := flags.String("config", "", "YAML config file (overrides ROOMSYNC_CONFIG)")
	if err := flags.Parse(args); err != nil {
		return err
	}

	if *configFile != "" {
		if err := os.Setenv("ROOMSYNC_CONFIG", *configFile); err != nil {
			return err
		}
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if *kind != "" {
		cfg.Backend = *kind
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()})))

	b, err := backend.Open(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open %s backend: %w", cfg.Backend, err)
	}
	defer func() { _ = b.Close() }()

	a := &app{
		cfg:     cfg,
		backend: b,
		account: account.New(b),
		t:       newTerminal(in, out),
	}
	return a.run(ctx)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Application error: %v", err)
	}
}
