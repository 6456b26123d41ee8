// Command meshserver is the process entrypoint: load config, wire
// every collaborator package together, run the Acceptor, and shut down
// cleanly on SIGINT/SIGTERM. It replaces the teacher's main.go (which
// builds one Hub, registers two http.HandleFunc routes, and blocks on
// http.ListenAndServe) with the equivalent sequence for a raw TCP
// listener and its larger dependency set.
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

	"github.com/prometheus/client_golang/prometheus"

	"github.com/KevinMartinetti/network-mesh-messenger/internal/acceptor"
	"github.com/KevinMartinetti/network-mesh-messenger/internal/config"
	"github.com/KevinMartinetti/network-mesh-messenger/internal/connection"
	"github.com/KevinMartinetti/network-mesh-messenger/internal/dispatch"
	"github.com/KevinMartinetti/network-mesh-messenger/internal/logging"
	"github.com/KevinMartinetti/network-mesh-messenger/internal/meshcrypto"
	"github.com/KevinMartinetti/network-mesh-messenger/internal/metrics"
	"github.com/KevinMartinetti/network-mesh-messenger/internal/ratelimit"
	"github.com/KevinMartinetti/network-mesh-messenger/internal/store"
	"github.com/KevinMartinetti/network-mesh-messenger/internal/wire"
)

func main() {
	configPath := flag.String("config", "meshserver.toml", "path to the server's TOML configuration file")
	flag.Parse()

	cfg, err := config.LoadFile(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "meshserver: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(os.Stderr, logging.Format(cfg.LogFormat), slog.LevelInfo)
	slog.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("meshserver exiting", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	serverKey, err := meshcrypto.LoadOrGenerateServerKey(cfg.KeyPath)
	if err != nil {
		return fmt.Errorf("load server key: %w", err)
	}
	crypto := meshcrypto.NewFromKey(serverKey)

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	// metrics.Serve exposes the default registry, so the sink registers there.
	sink := metrics.NewPrometheus(prometheus.DefaultRegisterer)
	go func() {
		if err := metrics.Serve(cfg.MetricsAddr); err != nil {
			log.Error("metrics server stopped", "error", err)
		}
	}()

	ipLimiter := ratelimit.New(cfg.RateLimitPerMin, time.Minute)
	userLimiter := ratelimit.New(cfg.RateLimitPerMin, time.Minute)
	go sweepLoop(ipLimiter, userLimiter)

	dispatcher := dispatch.New(crypto, sink, log)

	connCfg := connection.DefaultConfig()
	connCfg.WriterIdle = cfg.HeartbeatInterval
	connCfg.ReaderIdle = 2 * cfg.HeartbeatInterval
	connCfg.MaxMessageSize = cfg.BufferSize
	connCfg.IdleCheckInterval = cfg.HeartbeatInterval / 6

	acc := acceptor.New(acceptor.Config{
		Host:              cfg.Host,
		Port:              cfg.Port,
		MaxConnections:    cfg.MaxConnections,
		ConnectionTimeout: cfg.ConnectionTimeout,
		Connection:        connCfg,
	}, acceptor.Deps{
		Crypto:      crypto,
		Dispatcher:  dispatcher,
		Users:       db,
		Messages:    db,
		Metrics:     sink,
		IPLimiter:   ipLimiter,
		UserLimiter: userLimiter,
		Logger:      log,
	})

	dispatcher.OnSlowConsumer(func(connID string) {
		log.Warn("dispatcher reported slow consumer", "connId", connID)
		acc.CloseConnection(connID, wire.ErrSlowConsumer)
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("meshserver starting", "host", cfg.Host, "port", cfg.Port)
	return acc.Run(ctx, cfg.ShutdownDrain)
}

// sweepLoop periodically evicts stale rate-limit buckets so a server
// that runs for weeks doesn't accumulate one bucket per IP/user ever
// seen (spec.md §4.5).
func sweepLoop(limiters ...*ratelimit.Limiter) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		for _, l := range limiters {
			l.Sweep()
		}
	}
}
