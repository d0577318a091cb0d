package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/meetflow/rtc/internal/config"
	"github.com/meetflow/rtc/internal/httpapi"
	"github.com/meetflow/rtc/internal/httpserver"
	"github.com/meetflow/rtc/internal/metrics"
	"github.com/meetflow/rtc/internal/room"
	"github.com/meetflow/rtc/internal/signaling"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting meetflow-rtc",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"auth_mode", cfg.AuthMode,
		"room_store", cfg.RoomStore,
		"signaling_ws_idle_timeout", cfg.SignalingWSIdleTimeout,
		"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
		"send_queue_length", cfg.SendQueueLength,
		"turn_rest_enabled", cfg.TurnREST.Enabled(),
	)

	logStartupSecurityWarnings(logger, cfg)

	registry, err := newRegistry(cfg)
	if err != nil {
		logger.Error("failed to configure room store", "err", err)
		os.Exit(2)
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	commit, built := resolveBuildInfo(buildCommit, buildTime)

	srv, err := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: built})
	if err != nil {
		logger.Error("failed to configure http server", "err", err)
		os.Exit(2)
	}

	m := metrics.New()

	relay, err := signaling.NewServer(cfg, logger, registry, m)
	if err != nil {
		logger.Error("failed to configure signaling relay", "err", err)
		os.Exit(2)
	}
	srv.Mux().Handle("GET /ws", relay)

	api, err := httpapi.NewHandler(cfg, logger, registry, m)
	if err != nil {
		logger.Error("failed to configure room api", "err", err)
		os.Exit(2)
	}
	srv.Mux().Handle("/api/video/", http.StripPrefix("/api/video", api.Router()))

	// Expose internal counters in Prometheus' text format.
	srv.Mux().Handle("GET /metrics", metrics.PrometheusHandler(m))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

func newRegistry(cfg config.Config) (room.Registry, error) {
	switch cfg.RoomStore {
	case config.RoomStoreMemory:
		return room.NewMemoryRegistry(), nil
	case config.RoomStoreRedis:
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			return nil, fmt.Errorf("redis ping %s: %w", cfg.RedisAddr, err)
		}
		return room.NewRedisRegistry(rdb, cfg.RedisKeyPrefix), nil
	default:
		// Should be validated by config.Load.
		return nil, fmt.Errorf("unknown room store %q", cfg.RoomStore)
	}
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the Go
	// build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
