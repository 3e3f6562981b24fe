package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"example.com/llmabridge/v2/internal/apps/echo"
	"example.com/llmabridge/v2/internal/apps/static"
	"example.com/llmabridge/v2/internal/bridge"
	"example.com/llmabridge/v2/internal/config"
	"example.com/llmabridge/v2/internal/logger"
	"example.com/llmabridge/v2/internal/server"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "path to the configuration file (TOML or JSON)")
	flag.Parse()

	if configPath == "" {
		fmt.Fprintln(os.Stderr, "error: a configuration file must be given via -config")
		flag.Usage()
		os.Exit(1)
	}
	configPath, err := filepath.Abs(configPath)
	if err != nil {
		log.Fatalf("resolving config path: %v", err)
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("loading configuration: %v", err)
	}

	appLogger, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer appLogger.CloseLogFiles()

	registry := server.NewRegistry()
	mustRegister(registry, "echo", func(cfg *config.Config, log *logger.Logger) (bridge.App, error) {
		return echo.New(cfg.Apps.Echo, log), nil
	})
	mustRegister(registry, "static", func(cfg *config.Config, log *logger.Logger) (bridge.App, error) {
		return static.New(cfg.Apps.Static, log)
	})

	srv, err := server.New(cfg, appLogger, registry)
	if err != nil {
		appLogger.Error("server initialization failed", logger.LogFields{"error": err.Error()})
		os.Exit(1)
	}
	if err := srv.Listen(); err != nil {
		appLogger.Error("listen failed", logger.LogFields{"error": err.Error()})
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	watcher, err := config.NewWatcher(configPath,
		func(next *config.Config) { srv.ApplyLogging(next) },
		func(err error) {
			appLogger.Error("configuration reload failed, keeping the running configuration", logger.LogFields{
				"error": err.Error(),
			})
		})
	if err != nil {
		appLogger.Warn("configuration watching disabled", logger.LogFields{"error": err.Error()})
	} else {
		go watcher.Run(ctx)
	}

	if err := srv.Serve(ctx); err != nil {
		appLogger.Error("server exited with error", logger.LogFields{"error": err.Error()})
		os.Exit(1)
	}
	appLogger.Info("shutdown complete", nil)
}

func mustRegister(r *server.Registry, name string, factory server.AppFactory) {
	if err := r.Register(name, factory); err != nil {
		log.Fatalf("registering application %q: %v", name, err)
	}
}
