package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/anchorsync/anchorsync/internal/config"
	"github.com/anchorsync/anchorsync/internal/core/observability/log"
	"github.com/anchorsync/anchorsync/internal/relay"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.LoadFile(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error loading config:", err)
		os.Exit(1)
	}

	logger := log.New(parseLevel(cfg.Log.Level))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-stopCh
		cancel()
	}()

	srv := relay.NewServer(cfg.Relay, logger)
	if err := srv.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error running relay:", err)
		os.Exit(1)
	}
}

func parseLevel(level string) log.Level {
	switch level {
	case "debug":
		return log.LevelDebug
	case "warn":
		return log.LevelWarn
	case "error":
		return log.LevelError
	default:
		return log.LevelInfo
	}
}
