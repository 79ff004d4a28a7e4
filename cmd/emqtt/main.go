// Package main is the entry point of the SMTP to MQTT bridge.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/roadrunner-plugins/emqtt"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

const shutdownTimeout = 15 * time.Second

func main() {
	configPath := pflag.StringP("config", "c", "", "path to a configuration file (optional, environment wins)")
	pflag.Parse()

	cfg, err := emqtt.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := emqtt.NewLogger(cfg.Debug, cfg.LogDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up logging: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	p := &emqtt.Plugin{}
	err = p.Init(log.Named("emqtt"), cfg)
	if err != nil {
		log.Fatal("failed to initialize", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	errCh := p.Serve()

	exitCode := 0
	select {
	case <-ctx.Done():
		log.Info("received signal, shutting down")
	case err := <-errCh:
		log.Error("server error", zap.Error(err))
		exitCode = 1
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := p.Stop(stopCtx); err != nil {
		log.Error("shutdown incomplete", zap.Error(err))
		exitCode = 1
	}

	if exitCode != 0 {
		_ = log.Sync()
		os.Exit(exitCode)
	}
}
