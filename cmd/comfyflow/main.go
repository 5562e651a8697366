// Package main is the entry point for the comfyflow command.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pitabwire/comfyflow/internal/cli"
	"github.com/pitabwire/comfyflow/internal/observability"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	observability.Version = version
	observability.Commit = commit

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	return cli.Execute(ctx, version, os.Args[1:], os.Stdout, os.Stderr)
}
