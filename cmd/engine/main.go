package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cf-ai-groupchat-go/internal/app"
	"github.com/cf-ai-groupchat-go/internal/config"
	"github.com/cf-ai-groupchat-go/pkg/logger"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "configs/config.yaml", "Path to configuration file")
	envFile := flag.String("env", ".env", "Path to .env file")
	flag.Parse()

	// Load .env file if exists
	if err := godotenv.Load(*envFile); err != nil {
		fmt.Printf("Warning: .env file not found: %v\n", err)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(&cfg.Logging)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	log.Info("Starting group chat engine...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine, err := app.New(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize engine")
	}

	if err := engine.Start(); err != nil {
		log.WithError(err).Fatal("Failed to start engine")
	}

	log.WithFields(logrus.Fields{
		"bots":      len(engine.Roster.All()),
		"online":    len(engine.Roster.Online()),
		"model":     engine.Router.DefaultModel(),
		"scheduler": cfg.Engine.Scheduler.Enabled,
	}).Info("Engine ready")

	// Setup graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Info("Shutdown signal received")

	shutdownCtx, stop := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer stop()
	if err := engine.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Unclean shutdown")
	}
}
