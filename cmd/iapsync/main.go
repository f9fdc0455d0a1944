// Command iapsync is the support CLI for the purchase reconciliation engine.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/roach88/iapsync/internal/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	// Commands report their own errors; cobra prints the rest.
	err := cli.NewRootCommand().ExecuteContext(ctx)
	stop()
	os.Exit(cli.GetExitCode(err))
}
