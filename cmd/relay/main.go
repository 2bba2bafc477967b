package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/lei/ci-relay/pkg/agent"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("fatal error: %v", err)
	}
}

func run() error {
	// Load .env file (ignore error if file doesn't exist - env vars might be set externally)
	_ = godotenv.Load()

	a, err := agent.NewFromEnv()
	if err != nil {
		return err
	}

	// Setup signal handling for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Start the relay (blocks until shutdown)
	return a.Start(ctx)
}
