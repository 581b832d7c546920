package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/kernel/flowkit/cmd"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := cmd.Execute(ctx, version); err != nil {
		stop()
		os.Exit(1)
	}
}
