package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/bitsurgeon/firmlens/cmd"
	"github.com/bitsurgeon/firmlens/internal/observability"
)

func main() {
	defer handlePanic()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := cmd.NewRootCommand()
	if err := root.ExecuteContext(ctx); err != nil {
		observability.Sync()
		if errors.Is(err, context.Canceled) {
			// Graceful shutdown via signal.
			os.Exit(130)
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
	observability.Sync()
}

// handlePanic flushes logs and prints the stack before exiting, so a crash
// in a plugin or backend never dies silently.
func handlePanic() {
	if r := recover(); r != nil {
		observability.Sync()
		fmt.Fprintf(os.Stderr, "panic: %v\n\n%s\n", r, debug.Stack())
		os.Exit(2)
	}
}
