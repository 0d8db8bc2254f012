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

	"github.com/driftline/driftline/internal/config"
	"github.com/driftline/driftline/internal/connection"
	"github.com/driftline/driftline/internal/httpserver"
	"github.com/driftline/driftline/internal/kvstore"
	"github.com/driftline/driftline/internal/matchmaking"
	"github.com/driftline/driftline/internal/metrics"
	"github.com/driftline/driftline/internal/relay"
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

	commit, built := resolveBuildInfo(buildCommit, buildTime)
	logger.Info("starting driftline-server",
		"listen_addr", cfg.ListenAddr,
		"store_backend", string(cfg.StoreBackend),
		"auth_enabled", cfg.AuthToken != "",
		"signal_ttl", cfg.SignalTTL,
		"message_ttl", cfg.MessageTTL,
		"waiting_ttl", cfg.WaitingTTL,
		"commit", commit,
		"build_time", built,
	)

	store, err := newStore(cfg)
	if err != nil {
		logger.Error("failed to configure store", "err", err)
		os.Exit(2)
	}

	clock := kvstore.SystemClock{}
	counters := metrics.New()
	connections := &connection.Manager{Store: store, Clock: clock, TTL: cfg.IdentityTTL}
	svc := httpserver.Services{
		Matchmaking: &matchmaking.Service{
			Store:       store,
			Clock:       clock,
			Connections: connections,
			Metrics:     counters,
			Log:         logger,
			WaitingTTL:  cfg.WaitingTTL,
			IdentityTTL: cfg.IdentityTTL,
		},
		Signals:     relay.NewSignalRelay(store, clock, cfg.SignalTTL, logger),
		Messages:    relay.NewTextRelay(store, clock, cfg.MessageTTL, logger),
		Connections: connections,
		Metrics:     counters,
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	srv := httpserver.New(cfg, logger, svc)

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

func newStore(cfg config.Config) (kvstore.Store, error) {
	switch cfg.StoreBackend {
	case config.StoreMemory:
		return kvstore.NewMemoryStore(kvstore.SystemClock{}), nil
	case config.StoreDynamoDB:
		client, err := kvstore.NewDynamoClient(context.Background())
		if err != nil {
			return nil, fmt.Errorf("dynamodb client: %w", err)
		}
		return kvstore.NewDynamoStore(client, cfg.DynamoTable, kvstore.SystemClock{}), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
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
