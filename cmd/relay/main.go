package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/omochice/ackchat/internal/logger"
	"github.com/omochice/ackchat/internal/relay"
)

func main() {
	// Parse command-line flags
	port := flag.String("port", ":8080", "Address to listen on for WebSocket and history API (e.g., :8080)")
	heartbeat := flag.Bool("heartbeat", true, "Answer client heartbeats")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	zl, err := logger.New(*logLevel)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zl.Sync()

	opts := relay.DefaultOptions()
	opts.ReplyHeartbeat = *heartbeat
	srv := relay.New(opts, zl)

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	if err := srv.Start(*port); err != nil {
		zl.Fatal("relay error", zap.Error(err))
	}

	sig := <-sigChan
	zl.Info("shutting down", zap.Stringer("signal", sig))
	srv.Stop()
	zl.Info("relay stopped")
}
