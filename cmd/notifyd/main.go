package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/PhoenixWild29/secureai-deepfake-detection-sub000/internal/app"
)

func main() {
	var (
		cfgPath     string
		stopTimeout time.Duration
	)
	flag.StringVar(&cfgPath, "config", "./config.json", "path to config json or yaml")
	flag.DurationVar(&stopTimeout, "stop-timeout", 30*time.Second, "max time to wait for a clean shutdown")
	flag.Parse()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	a, err := app.NewApp(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}

	if err := a.Start(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		stop(a, app.StopFatalError, stopTimeout)
		os.Exit(1)
	}

	var reason app.StopReason
	select {
	case sig := <-sigs:
		reason = app.ParseStopSignal(sig.String())
	case <-a.Done():
		reason = app.StopFatalError
	}
	if err := stop(a, reason, stopTimeout); err != nil || reason == app.StopFatalError {
		if err == nil {
			err = a.Err()
		}
		fmt.Fprintln(os.Stderr, "exit:", err)
		os.Exit(1)
	}
}

func stop(a *app.App, reason app.StopReason, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return a.Stop(ctx, reason)
}
