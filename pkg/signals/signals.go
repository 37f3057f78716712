package signals

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// WithShutdown returns a context that is cancelled on the first SIGINT or
// SIGTERM, or when stop is called. A second signal exits the process.
func WithShutdown(parent context.Context) (ctx context.Context, stop context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	var once sync.Once
	stop = func() { TriggerShutdown(&once, cancel) }

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigCh)
		select {
		case sig := <-sigCh:
			slog.Info("Received signal, cancelling in-flight requests", "signal", sig)
			stop()
		case <-ctx.Done():
			return
		}
		select {
		case sig := <-sigCh:
			slog.Warn("Received second signal, exiting", "signal", sig)
			os.Exit(130)
		case <-parent.Done():
		}
	}()
	return ctx, stop
}

// TriggerShutdown cancels once, however many times it is called.
func TriggerShutdown(shutdownOnce *sync.Once, cancel context.CancelFunc) {
	shutdownOnce.Do(func() {
		slog.Debug("Triggering shutdown")
		if cancel != nil {
			cancel()
		}
	})
}
