package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
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

	server, err := app.NewAPIServer(ctx, core)
	if err != nil {
		log.Fatal("api init failed", "error", err)
	}

	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}
	log.Info("api listening", "port", port)
	if err := server.Run(":" + port); err != nil {
		log.Fatal("api stopped", "error", err)
	}
}
