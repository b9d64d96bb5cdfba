// Command inferout runs an inferout cluster member.
//
// Usage:
//
//	inferout bootstrap --cluster-name prod --redis-url redis://localhost:6379/0
//	inferout worker    --cluster-name prod --redis-url redis://localhost:6379/0
//
// bootstrap writes the cluster identity once; worker joins the cluster,
// runs the scheduler loop and serves the management and serving APIs.
// Every flag can also be set in the config file or through INFEROUT_*
// environment variables.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
