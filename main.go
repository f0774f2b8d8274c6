package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nareth/helmsman/internal/adapter/backend"
	"github.com/nareth/helmsman/internal/adapter/breaker"
	"github.com/nareth/helmsman/internal/adapter/persistence"
	"github.com/nareth/helmsman/internal/config"
	"github.com/nareth/helmsman/internal/core/ports"
	"github.com/nareth/helmsman/internal/logger"
	"github.com/nareth/helmsman/internal/orchestrator"
	"github.com/nareth/helmsman/internal/version"
)

const shutdownDrainTimeout = 30 * time.Second

func main() {
	var (
		configPath  = flag.String("config", "", "path to the configuration file")
		showVersion = flag.Bool("version", false, "print version information and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Banner(true))
		os.Exit(0)
	}
	fmt.Println(version.Banner(false))

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", version.Name, err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	base, styled, cleanup, err := logger.NewStyled(&logger.Config{
		Level:      cfg.Logging.Level,
		LogDir:     cfg.Logging.Dir,
		MaxSize:    cfg.Logging.MaxSize,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAge:     cfg.Logging.MaxAge,
		FileOutput: cfg.Logging.FileOutput,
	})
	if err != nil {
		return fmt.Errorf("initialise logger: %w", err)
	}
	defer cleanup()
	slog.SetDefault(base)

	styled.Info("Initialising", "version", version.Version, "pid", os.Getpid())

	classifier := breaker.NewClassifier(cfg.CircuitBreaker.ErrorPatterns)
	client, err := backend.NewClient(cfg.Streaming, classifier, styled)
	if err != nil {
		return fmt.Errorf("initialise backend client: %w", err)
	}

	var store ports.Store
	if cfg.Features.EnablePersistence {
		fileStore, err := persistence.NewFileStore(cfg.Persistence, styled)
		if err != nil {
			return fmt.Errorf("initialise persistence: %w", err)
		}
		store = fileStore
	}

	orch, err := orchestrator.New(cfg, client, store, styled)
	if err != nil {
		return fmt.Errorf("initialise orchestrator: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		styled.Info("Shutdown signal received", "signal", sig.String())
		cancel()
	}()

	if configPath != "" {
		// Structural settings need a restart; the watch surfaces edits so
		// operators see them land (or fail validation) immediately.
		stopWatch, err := config.Watch(ctx, configPath, func(next *config.Config) {
			styled.Info("Configuration file changed; restart to apply", "path", configPath)
		})
		if err != nil {
			styled.Warn("Config watch unavailable", "error", err)
		} else {
			defer stopWatch()
		}
	}

	if err := orch.Start(ctx); err != nil {
		return fmt.Errorf("start orchestrator: %w", err)
	}

	<-ctx.Done()

	orch.Stop(shutdownDrainTimeout)
	styled.Info("Helmsman has shutdown")
	return nil
}
