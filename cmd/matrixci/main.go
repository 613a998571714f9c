package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	// Setup context with manual signal handling
	ctx, cancel := context.WithCancel(context.Background())

	// Listen for interrupt signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		slog.Info("interrupt received, shutting down gracefully...", "signal", sig)
		cancel()
	}()

	err := newRootCmd().ExecuteContext(ctx)
	signal.Stop(sigChan)
	cancel()

	if err != nil {
		if !errors.Is(err, errExit) {
			slog.Error("matrixci failed", "error", err)
		}
		os.Exit(1)
	}
}
