// Package main implements dwsctl, the operator CLI for the DWS control plane.
//
// Usage:
//
//	dwsctl [flags] <command> [args]
//
// Commands talk to the HTTP API except migrate and token, which read the
// server configuration directly.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/R3E-Network/dws/internal/cli"
	"github.com/R3E-Network/dws/internal/httputil"
)

var version = "dev"

const usage = `Usage: dwsctl [flags] <command> [args]

Commands:
  nodes list [capability] | get <id> | rm <id> | down <id> <reason> | unreachable <id> <cause>
  stateful deploy <name> <capability> <replicas> <port> [consensus] [volume-gb]
  stateful list | get <id> | scale <id> <replicas> | rm <id>
  workers deploy <type> <name> [concurrency] [region]
  workers list [type] | get <id> | scale <id> <concurrency> | rm <id> | catalogue
  dns query <name> [A|SRV|TXT|LEADER] | resolve <name> [strategy] | records | watch
  wait-leader <name>
  sweep
  audit [limit]
  migrate up | down <steps> | version
  token <subject> <role> [ttl]
  completion bash|zsh|fish
  version

Flags:
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("dwsctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	server := fs.String("server", envOr("DWS_SERVER", "http://127.0.0.1:8080"), "Control plane URL")
	token := fs.String("token", os.Getenv("DWS_TOKEN"), "Bearer token")
	query := fs.String("q", "", "gjson path applied to the JSON response")
	configPath := fs.String("config", "", "Server config for migrate and token")
	envFile := fs.String("env-file", ".env", "Optional dotenv file for migrate and token")
	timeout := fs.Duration("timeout", 60*time.Second, "Overall timeout for wait-leader and requests")
	fs.Usage = func() {
		fmt.Fprint(stderr, usage)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return 2
	}

	c := &ctl{
		client:     httputil.NewClient(httputil.ClientConfig{BaseURL: *server, Token: *token, Timeout: *timeout}),
		server:     *server,
		token:      *token,
		query:      *query,
		configPath: *configPath,
		envFile:    *envFile,
		timeout:    *timeout,
		out:        stdout,
		printer:    cli.NewPrinter(stderr),
	}
	if err := c.dispatch(ctx, fs.Arg(0), fs.Args()[1:]); err != nil {
		c.printer.Error(err.Error())
		if _, ok := err.(usageError); ok {
			return 2
		}
		return 1
	}
	return 0
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
