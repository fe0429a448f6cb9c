package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	ephemeral "github.com/putto11262002/ephemeral/app"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGHUP)
	defer stop()

	config, err := ephemeral.LoadConfig()
	if err != nil {
		failed(1, "failed to load config: %v\n", err)
	}

	app, err := ephemeral.New(ctx, config, nil)
	if err != nil {
		failed(1, "failed to start: %v\n", err)
	}

	if err := app.Run(ctx); err != nil {
		failed(1, "app exit with error: %v\n", err)
	}
}

func failed(code int, s string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, s, args...)
	os.Exit(code)
}
