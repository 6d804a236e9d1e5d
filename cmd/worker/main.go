package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fathomhq/fathom-backend/internal/app"
	"github.com/fathomhq/fathom-backend/internal/platform/logger"
)

func main() {
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	core, err := app.NewCore(log)
	if err != nil {
		log.Fatal("core init failed", "error", err)
	}
	defer core.Close()

	if err := app.RunWorker(ctx, core); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal("worker stopped", "error", err)
	}
	log.Info("worker shut down")
}
