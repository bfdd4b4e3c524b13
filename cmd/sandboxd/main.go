package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/jgtolentino/pulser-sandboxd/internal/infrastructure/config"
	"github.com/jgtolentino/pulser-sandboxd/internal/server"
)

func main() {
	// Parse flags (override environment configuration)
	port := flag.String("port", "", "Gateway port (overrides SERVER_PORT)")
	primary := flag.String("primary", "", "Primary backend URL (overrides BACKEND_PRIMARY_URL)")
	fallback := flag.String("fallback", "", "Fallback backend URL (overrides BACKEND_FALLBACK_URL)")
	snapshot := flag.String("snapshot", "", "Lease snapshot path (overrides SNAPSHOT_PATH)")
	dev := flag.Bool("dev", false, "Development mode (colored logs, debug level)")
	flag.Parse()

	cfg := config.LoadOrDefault()
	if *port != "" {
		cfg.Server.Port = *port
	}
	if *primary != "" {
		cfg.Backends.PrimaryURL = *primary
	}
	if *fallback != "" {
		cfg.Backends.FallbackURL = *fallback
	}
	if *snapshot != "" {
		cfg.Snapshot.Path = *snapshot
	}
	if *dev {
		cfg.Logging.Development = true
		cfg.Logging.Level = "debug"
	}

	// Create server
	srv, err := server.New(cfg)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	// Handle graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// Start server in goroutine
	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Run(ctx)
	}()

	// Wait for shutdown signal or error
	select {
	case <-sigChan:
		log.Println("Shutting down gracefully...")
		cancel()
		if err := <-errChan; err != nil {
			log.Printf("Error during shutdown: %v", err)
		}
	case err := <-errChan:
		if err != nil {
			srv.Close()
			log.Fatalf("Server error: %v", err)
		}
	}

	if err := srv.Close(); err != nil {
		log.Printf("Error during shutdown: %v", err)
	}
}
