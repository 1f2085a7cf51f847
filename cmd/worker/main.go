package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ghosthands/core/internal/app"
)

func main() {
	a, err := app.New()
	if err != nil {
		fmt.Printf("failed to initialize worker: %v\n", err)
		os.Exit(1)
	}
	defer a.Close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := a.Start(ctx)

	<-sigCh
	a.Log.Info("shutdown signal received, draining...")
	a.Runtime.Drain()
	cancel()

	// A second signal, if it arrives before the runtime's loops have
	// stopped, escalates: force-release whatever this worker still has
	// claimed and exit immediately. Otherwise main returns as soon as
	// the runtime stops, without waiting for in-flight jobs.
	select {
	case <-sigCh:
		a.Log.Warn("second shutdown signal received, force-releasing claimed jobs")
		releaseCtx, releaseCancel := context.WithTimeout(context.Background(), 10*time.Second)
		if _, err := a.Runtime.ForceRelease(releaseCtx); err != nil {
			a.Log.Warn("force release failed", "error", err)
		}
		releaseCancel()
		os.Exit(1)
	case err := <-errCh:
		if err != nil {
			a.Log.Warn("worker runtime stopped with error", "error", err)
			os.Exit(1)
		}
	}
}
