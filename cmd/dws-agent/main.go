// Package main runs the DWS node agent. The agent describes its host from
// live system facts, registers it and heartbeats with usage metrics.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"

	"github.com/R3E-Network/dws/internal/httputil"
	"github.com/R3E-Network/dws/internal/logging"
)

func main() {
	envFile := flag.String("env-file", ".env", "Optional dotenv file")
	flag.Parse()

	if _, err := os.Stat(*envFile); err == nil {
		if err := godotenv.Load(*envFile); err != nil {
			fmt.Fprintf(os.Stderr, "dws-agent: load %s: %v\n", *envFile, err)
			os.Exit(1)
		}
	}

	var cfg AgentConfig
	if err := envdecode.Decode(&cfg); err != nil {
		fmt.Fprintf(os.Stderr, "dws-agent: %v\n", err)
		os.Exit(1)
	}

	log := logging.NewDefault("dws-agent")
	client := httputil.NewClient(httputil.ClientConfig{BaseURL: cfg.Server, Token: cfg.Token})
	agent := NewAgent(cfg, client, systemProbe{diskPath: cfg.DiskPath}, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := agent.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Error("agent stopped")
		os.Exit(1)
	}
}
