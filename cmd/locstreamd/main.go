package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"locstream/internal/app"
	"locstream/internal/config"
	"locstream/internal/logging"
)

func main() {
	cfgPath := flag.String("config", "", "path to config file (yaml or toml); empty uses defaults and LOCSTREAM_* env")
	flag.Parse()

	if err := run(*cfgPath); err != nil {
		fmt.Fprintf(os.Stderr, "locstreamd: %v\n", err)
		os.Exit(1)
	}
}

func run(cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log, sync, err := logging.New(logging.Options{Level: cfg.Log.Level, Development: cfg.Log.Development})
	if err != nil {
		return err
	}
	defer func() { _ = sync() }()
	log = log.WithValues("node", cfg.Server.NodeID)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Error(err, "startup failed")
		return err
	}
	runErr := a.Run(ctx)
	if runErr != nil {
		log.Error(runErr, "stopped with error")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout+5*time.Second)
	defer cancel()
	if err := a.Shutdown(shutdownCtx); err != nil {
		log.Error(err, "shutdown")
		if runErr == nil {
			runErr = err
		}
	}
	log.Info("locstreamd exited")
	return runErr
}
