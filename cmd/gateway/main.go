// Package main is the entry point for the API gateway.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gatewd/gatewd/internal/auth/strategies"
	"github.com/gatewd/gatewd/internal/config"
	"github.com/gatewd/gatewd/internal/gateway"
	"github.com/gatewd/gatewd/internal/observability"
	"github.com/gatewd/gatewd/internal/pipeline"
	"github.com/gatewd/gatewd/internal/plugin"
	"github.com/gatewd/gatewd/internal/ratelimit"
	"github.com/gatewd/gatewd/internal/store"
)

// Version information (set at build time).
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// cliFlags holds command line flags.
type cliFlags struct {
	configPath  string
	logLevel    string
	logFormat   string
	watch       bool
	showVersion bool
}

func main() {
	flags := parseFlags()

	if flags.showVersion {
		printVersion()
		return
	}

	logger := initLogger(flags)
	defer func() { _ = logger.Sync() }()

	cfg, err := config.LoadConfig(flags.configPath)
	if err != nil {
		logger.Error("failed to load configuration",
			observability.String("path", flags.configPath),
			observability.Error(err),
		)
		os.Exit(1)
	}

	run(cfg, flags, logger)
}

// parseFlags parses command line flags.
func parseFlags() cliFlags {
	configPath := flag.String("config", getEnvOrDefault("GATEWAY_CONFIG_PATH", "configs/gateway.yaml"),
		"Path to configuration file")
	logLevel := flag.String("log-level", getEnvOrDefault("GATEWAY_LOG_LEVEL", "info"),
		"Log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", getEnvOrDefault("GATEWAY_LOG_FORMAT", "json"),
		"Log format (json, console)")
	watch := flag.Bool("watch", true, "Reload configuration on file change")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	return cliFlags{
		configPath:  *configPath,
		logLevel:    *logLevel,
		logFormat:   *logFormat,
		watch:       *watch,
		showVersion: *showVersion,
	}
}

// printVersion prints version information.
func printVersion() {
	fmt.Printf("gatewd version %s\n", version)
	fmt.Printf("  Build time: %s\n", buildTime)
	fmt.Printf("  Git commit: %s\n", gitCommit)
}

// initLogger builds the logger from flags. Invalid settings print an
// error and exit the process.
func initLogger(flags cliFlags) observability.Logger {
	logger, err := observability.NewLogger(observability.LogConfig{
		Level:  flags.logLevel,
		Format: flags.logFormat,
		Output: "stdout",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log configuration: %v\n", err)
		os.Exit(1)
	}
	return logger
}

// newStore builds the breaker state store from configuration.
func newStore(cfg *config.GatewayConfig, logger observability.Logger) store.Store {
	if cfg.Store == nil || cfg.Store.Type != "redis" {
		return store.NewMemoryStore()
	}

	redisCfg := store.DefaultRedisConfig()
	if cfg.Store.Address != "" {
		redisCfg.Address = cfg.Store.Address
	}
	redisCfg.Password = cfg.Store.Password
	redisCfg.DB = cfg.Store.DB
	if cfg.Store.Prefix != "" {
		redisCfg.Prefix = cfg.Store.Prefix
	}

	st, err := store.NewRedisStore(redisCfg)
	if err != nil {
		logger.Error("redis store unavailable, falling back to memory store",
			observability.String("address", redisCfg.Address),
			observability.Error(err),
		)
		return store.NewMemoryStore()
	}
	return st
}

// run wires the gateway and blocks until a termination signal.
func run(cfg *config.GatewayConfig, flags cliFlags, logger observability.Logger) {
	registry := plugin.NewRegistry()
	strategies.Register(registry)
	ratelimit.Register(registry)

	st := newStore(cfg, logger)
	defer func() { _ = st.Close() }()

	assembler := pipeline.NewAssembler(registry, st, pipeline.WithAssemblerLogger(logger))

	gw, err := gateway.New(st, assembler, gateway.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create gateway", observability.Error(err))
		os.Exit(1)
	}

	if err := gw.Configure(cfg); err != nil {
		logger.Error("failed to configure gateway", observability.Error(err))
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := gw.Start(ctx, cfg.Listen); err != nil {
		logger.Error("failed to start gateway", observability.Error(err))
		os.Exit(1)
	}

	if flags.watch {
		watcher, err := config.NewWatcher(flags.configPath, func(updated *config.GatewayConfig) {
			if err := gw.Configure(updated); err != nil {
				logger.Error("failed to apply reloaded configuration", observability.Error(err))
			}
		}, config.WithWatcherLogger(logger))
		if err != nil {
			logger.Error("failed to create config watcher", observability.Error(err))
		} else if err := watcher.Start(ctx); err != nil {
			logger.Error("failed to start config watcher", observability.Error(err))
		} else {
			defer func() { _ = watcher.Stop() }()
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	logger.Info("received signal, shutting down",
		observability.String("signal", sig.String()),
	)

	if err := gw.Stop(context.Background()); err != nil {
		logger.Error("failed to stop gateway", observability.Error(err))
	}
}

// getEnvOrDefault returns the environment value or a default.
func getEnvOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
