package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"ppekiosk/internal/app"
	"ppekiosk/internal/config"
	"ppekiosk/internal/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	kioskLogger, err := logger.NewLogger(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer kioskLogger.Close()

	application, err := app.NewApp(cfg, kioskLogger)
	if err != nil {
		kioskLogger.Error("Failed to start kiosk: %v", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx); err != nil {
		kioskLogger.Error("Kiosk stopped with error: %v", err)
		os.Exit(1)
	}
}
