// Package main provides exchanged, the standalone network-exposed message
// exchange broker: an Exchange (internal/broker) fronted by a TCP transport
// (broker.Server) so out-of-process clients (internal/client.Remote) can
// Send/Recv/Status/Stop against it.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/unveil-social/von-x/internal/broker"
	"github.com/unveil-social/von-x/internal/config"
	"github.com/unveil-social/von-x/internal/envelope"
	"github.com/unveil-social/von-x/internal/logging"
)

// main determines the config source using the same priority hierarchy the
// teacher's orchestrator uses for gox.yaml: command-line path, then a
// conventional default path, then hardcoded defaults.
func main() {
	var cfg *config.Config
	var configSource string

	switch {
	case len(os.Args) >= 2:
		loaded, err := config.Load(os.Args[1])
		if err != nil {
			log.Fatalf("failed to load config from %s: %v", os.Args[1], err)
		}
		cfg = loaded
		configSource = fmt.Sprintf("config file: %s", os.Args[1])
	default:
		if _, err := os.Stat("config/exchanged.yaml"); err == nil {
			loaded, err := config.Load("config/exchanged.yaml")
			if err != nil {
				log.Printf("warning: config/exchanged.yaml exists but failed to load: %v", err)
				log.Printf("using hardcoded defaults instead")
				cfg = config.Default()
				configSource = "hardcoded defaults (config/exchanged.yaml failed to parse)"
			} else {
				cfg = loaded
				configSource = "config/exchanged.yaml"
			}
		} else {
			cfg = config.Default()
			configSource = "hardcoded defaults"
		}
	}

	log.Printf("starting exchanged using %s", configSource)

	logger, closeLog, err := logging.Session("logs", cfg.Debug, true)
	if err != nil {
		log.Fatalf("failed to start logging session: %v", err)
	}
	defer closeLog()

	logger.Info("exchanged starting", "app", cfg.AppName, "broker_address", cfg.Broker.Address, "max_queue_size", cfg.Broker.MaxQueueSize)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	x := broker.New(
		broker.WithMaxQueueSize(cfg.Broker.MaxQueueSize),
		broker.WithLogger(logger),
	)
	if err := x.Start(ctx); err != nil {
		log.Fatalf("failed to start exchange: %v", err)
	}

	codec, err := envelope.NewCodec(cfg.Broker.CompressAboveBytes)
	if err != nil {
		log.Fatalf("failed to build wire codec: %v", err)
	}

	srv := broker.NewServer(x, codec)
	serveErrCh := make(chan error, 1)
	go func() {
		serveErrCh <- srv.Serve(ctx, cfg.Broker.Address)
	}()

	logger.Info("exchanged listening", "address", cfg.Broker.Address)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig.String())
	case err := <-serveErrCh:
		if err != nil {
			logger.Error(err, "transport listener exited unexpectedly")
		}
	case <-ctx.Done():
	}

	cancel()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := x.Stop(stopCtx); err != nil {
		logger.Error(err, "error stopping exchange")
	}

	logger.Info("exchanged stopped")
}
