package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/veilgate/veilgate/internal/async"
	"github.com/veilgate/veilgate/internal/config"
	"github.com/veilgate/veilgate/internal/logger"
	"github.com/veilgate/veilgate/internal/proxy"
	"github.com/veilgate/veilgate/internal/rules"
)

var (
	version = "1.0.0"
	commit  = "dev"
	date    = "unknown"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Path to configuration file")
		showVersion = flag.Bool("version", false, "Show version information")
		healthCheck = flag.Bool("health-check", false, "Perform health check and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("veilgate %s (commit: %s, built: %s)\n", version, commit, date)
		os.Exit(0)
	}

	if *healthCheck {
		performHealthCheck()
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	loggerConfig := logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	}
	if cfg.Logging.File.Enabled {
		loggerConfig.File = &logger.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		}
	}

	log, err := logger.New(loggerConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting veilgate",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("build_date", date),
		zap.Int("port", cfg.Server.Port),
		zap.Bool("development_mode", cfg.Development.Enabled),
	)
	if missing := cfg.MissingRequiredKeys(); len(missing) > 0 {
		log.Warn("starting with incomplete configuration; requests will fail until resolved",
			zap.Strings("missing", missing),
		)
	}

	server, err := proxy.New(cfg, version, log)
	if err != nil {
		log.Fatal("Failed to create proxy server", zap.Error(err))
	}

	if err := config.Watch(func(*config.Config) {
		log.Info("Configuration changed, reloading rules")
		server.Orchestrator().ReloadRules()
	}); err != nil {
		log.Warn("Configuration watch unavailable", zap.Error(err))
	}

	if cfg.Rules.Path != "" {
		ruleWatcher, err := rules.Watch(cfg.Rules.Path, func() {
			log.Info("Rule file changed, reloading rules", zap.String("path", cfg.Rules.Path))
			server.Orchestrator().ReloadRules()
		})
		if err != nil {
			log.Warn("Rule file watch unavailable", zap.Error(err))
		} else {
			defer ruleWatcher.Close()
		}
	}

	// async workers replay dispatched requests through the same pipeline
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	if cfg.Async.Enabled {
		for i := 0; i < cfg.Async.Workers; i++ {
			worker, err := async.NewWorker(cfg.Async.RedisURL, cfg.Async.Queue, server.Orchestrator().HandleAsync, log)
			if err != nil {
				log.Fatal("Failed to create async worker", zap.Error(err))
			}
			go func() {
				if err := worker.Run(workerCtx); err != nil && workerCtx.Err() == nil {
					log.Error("Async worker exited", zap.Error(err))
				}
			}()
		}
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening", zap.Int("port", cfg.Server.Port))
		serverErrors <- server.Start()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		log.Error("Server error", zap.Error(err))
	case sig := <-shutdown:
		log.Info("Shutdown signal received", zap.String("signal", sig.String()))

		stopWorkers()

		// Give outstanding requests 30 seconds to complete
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Stop(ctx); err != nil {
			log.Error("Failed to shutdown server gracefully", zap.Error(err))
			os.Exit(1)
		}

		log.Info("Server shutdown complete")
	}
}

// performHealthCheck performs a health check against the running server
func performHealthCheck() {
	client := &http.Client{
		Timeout: 5 * time.Second,
	}

	resp, err := client.Get("http://localhost:8080/healthz")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Health check failed: HTTP %d\n", resp.StatusCode)
		os.Exit(1)
	}

	fmt.Println("Health check passed")
	os.Exit(0)
}
