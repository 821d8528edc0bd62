// Package main runs an in-memory Redis for local development, so the server's
// redis messenger, storage and heartbeat backends work without a real Redis.
//
// Usage:
//
//	go run ./cmd/redis_server -addr 127.0.0.1:6379
package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/alicebob/miniredis/v2"

	"github.com/guido-cesarano/asyncq/pkg/logger"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:6379", "Address to listen on")
	flag.Parse()

	log := logger.Log.With().Str("component", "redis_server").Logger()

	s := miniredis.NewMiniRedis()
	if err := s.StartAddr(*addr); err != nil {
		log.Fatal().Err(err).Str("addr", *addr).Msg("Failed to start miniredis")
	}
	defer s.Close()

	log.Info().Str("addr", s.Addr()).Msg("MiniRedis server started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("Shutting down MiniRedis")
}
