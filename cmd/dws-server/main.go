// Package main runs the DWS control plane: node registry, stateful
// provisioner, worker deployer and discovery resolver behind one HTTP API.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/R3E-Network/dws/internal/app/runtime"
	"github.com/R3E-Network/dws/internal/config"
	"github.com/R3E-Network/dws/internal/logging"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "Path to YAML config (overrides DWS_CONFIG)")
	envFile := flag.String("env-file", ".env", "Optional dotenv file")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	if err := run(*configPath, *envFile); err != nil {
		fmt.Fprintf(os.Stderr, "dws-server: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, envFile string) error {
	cfg, err := config.Load(configPath, envFile)
	if err != nil {
		return err
	}
	log := logging.New("dws-server", cfg.Logging.Level, cfg.Logging.Format)
	log.WithField("version", version).Info("starting control plane")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := runtime.New(ctx, cfg, log)
	if err != nil {
		return err
	}

	runErr := application.Run(ctx)
	if runErr != nil {
		log.WithError(runErr).Error("server stopped")
	}

	log.Info("shutting down")
	if err := application.Shutdown(context.Background()); err != nil {
		log.WithError(err).Warn("shutdown error")
	}
	log.Info("control plane stopped")
	return runErr
}
