package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/chainguard-dev/labstack/internal/cli"
	"github.com/chainguard-dev/labstack/internal/o11y"
)

// set with -ldflags "-X main.version=..." at release.
var version string = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	shutdown, err := o11y.SetupTracing(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up tracing: %v\n", err)
		os.Exit(1)
	}

	err = cli.Execute(ctx, version)
	if serr := shutdown(context.WithoutCancel(ctx)); serr != nil {
		fmt.Fprintf(os.Stderr, "failed to flush traces: %v\n", serr)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}
