// Command proofgate runs the proof dispatch proxy.
//
// Usage:
//
//	proofgate init [--force]
//	proofgate start-proxy [address]
//
// init writes a default proofgate.yaml to the working directory.
// start-proxy starts the gateway, binding the given address or the
// configured listen_addr when omitted.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"

	"github.com/proofgate/proofgate"
	"github.com/proofgate/proofgate/dispatch"
	"github.com/proofgate/proofgate/server"
	"github.com/proofgate/proofgate/store"
	"github.com/proofgate/proofgate/store/memory"
	redisstore "github.com/proofgate/proofgate/store/redis"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	flags := pflag.NewFlagSet("proofgate", pflag.ContinueOnError)
	configPath := flags.String("config", proofgate.ConfigFileName, "path to the configuration file")
	logLevel := flags.String("log-level", "info", "log level: debug, info, warn, error")
	logJSON := flags.Bool("log-json", false, "emit logs as JSON")
	force := flags.Bool("force", false, "overwrite an existing config file (init)")
	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: proofgate [flags] <init|start-proxy> [address]\n\nFlags:\n%s", flags.FlagUsages())
	}

	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}

	logger := newLogger(*logLevel, *logJSON)
	slog.SetDefault(logger)

	rest := flags.Args()
	if len(rest) == 0 {
		flags.Usage()
		return 2
	}

	switch rest[0] {
	case "init":
		return runInit(*configPath, *force, logger)
	case "start-proxy":
		addr := ""
		if len(rest) > 1 {
			addr = rest[1]
		}
		return runStartProxy(*configPath, addr, logger)
	default:
		fmt.Fprintf(os.Stderr, "proofgate: unknown command %q\n", rest[0])
		flags.Usage()
		return 2
	}
}

func runInit(path string, force bool, logger *slog.Logger) int {
	if err := proofgate.WriteDefaultConfig(path, force); err != nil {
		logger.Error("init failed", slog.String("error", err.Error()))
		return 1
	}
	logger.Info("config written", slog.String("path", path))
	return 0
}

func runStartProxy(configPath, addr string, logger *slog.Logger) int {
	cfg, err := proofgate.LoadConfig(configPath)
	if err != nil {
		logger.Error("configuration invalid", slog.String("error", err.Error()))
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("store unavailable", slog.String("error", err.Error()))
		return 1
	}
	defer closeStore()

	d, err := dispatch.New(cfg, st, logger)
	if err != nil {
		logger.Error("dispatcher init failed", slog.String("error", err.Error()))
		return 1
	}
	if err := d.Start(ctx); err != nil {
		logger.Error("dispatcher start failed", slog.String("error", err.Error()))
		return 1
	}

	srv := server.New(cfg, d, st, addr, logger)
	runErr := srv.Run(ctx)

	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := d.Stop(stopCtx); err != nil {
		logger.Warn("dispatcher drain incomplete", slog.String("error", err.Error()))
	}

	if runErr != nil {
		logger.Error("gateway exited", slog.String("error", runErr.Error()))
		return 1
	}
	logger.Info("shutdown complete")
	return 0
}

// openStore builds the configured store backend. The returned func
// closes backend resources owned by this process.
func openStore(ctx context.Context, cfg proofgate.Config, logger *slog.Logger) (store.Store, func(), error) {
	switch cfg.Store {
	case "redis":
		client := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
		s := redisstore.New(client, redisstore.WithLogger(logger))
		if err := s.Ping(ctx); err != nil {
			client.Close() //nolint:errcheck
			return nil, nil, fmt.Errorf("redis at %s: %w", cfg.RedisAddr, err)
		}
		return s, func() { client.Close() }, nil //nolint:errcheck
	default:
		s := memory.New()
		return s, func() {}, nil
	}
}

func newLogger(level string, json bool) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if json {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}
