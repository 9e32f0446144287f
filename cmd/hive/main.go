// Hyperhive — a multi-strategy trading orchestrator for Hyperliquid
// perpetuals. One process hosts N independently configured strategies
// against a single venue connection.
//
// Architecture:
//
//	main.go              — entry point: flags, config, signal handling, exit codes
//	hive/hive.go         — orchestrator: wires connector → hub → scheduler → gateway, owns strategy lifecycle
//	hive/lifecycle.go    — start/close protocol: cancel open orders, flatten, finalize
//	scheduler/           — the tick loop: serves each strategy a fresh book on its refresh interval
//	gateway/             — the sole outbound order path: per-strategy lanes, fair dispatch, rate budget
//	marketdata/          — shared subscription hub: one upstream stream per (symbol, channel)
//	strategy/            — the hosted variants: pure market making, directional, v2 makers
//	exchange/            — venue wire protocol: signed REST actions, market + user websockets
//	registry/            — system of record: configs, status automaton, counters, activity trail
//	api/                 — HTTP control plane, dashboard stream, manager heartbeats
//
// Exit codes: 0 clean shutdown, 1 configuration error, 2 unrecoverable
// runtime error.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"hyperhive/internal/api"
	"hyperhive/internal/config"
	"hyperhive/internal/hive"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := pflag.NewFlagSet("hive", pflag.ContinueOnError)
	config.RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	cfg, err := config.Load(fs)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		return 1
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		return 1
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(sigCtx)
	defer cancel()

	hv, err := hive.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to build hive", "error", err)
		return 2
	}
	srv := api.NewServer(cfg, hv, logger)

	if !cfg.Trading {
		logger.Warn("DRY-RUN MODE — orders are acked locally, nothing reaches the venue")
	}
	logger.Info("hive starting",
		"network", cfg.Network,
		"port", cfg.Port,
		"trading", cfg.Trading,
	)

	errc := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		errc <- hv.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		errc <- srv.Run(ctx)
	}()

	if cfg.Manager.DashboardURL != "" {
		rep := api.NewReporter(cfg, hv, logger)
		go func() {
			if err := rep.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("heartbeat reporter stopped", "error", err)
			}
		}()
	}
	if cfg.Monitor {
		go monitorLoop(ctx, hv, logger)
	}

	code := 0
	for i := 0; i < 2; i++ {
		if err := <-errc; err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("fatal runtime error", "error", err)
			code = 2
			cancel()
		}
	}
	wg.Wait()
	logger.Info("shutdown complete")
	return code
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// monitorLoop logs a periodic one-line status summary for operators running
// without a dashboard.
func monitorLoop(ctx context.Context, hv *hive.Hive, logger *slog.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := hv.SchedStats()
			logger.Info("status",
				"uptime", hv.Uptime().Round(time.Second),
				"active_strategies", hv.ActiveHosts(),
				"ticks", st.Ticks,
				"served", st.Served,
				"stale_skips", st.StaleSkips,
			)
		}
	}
}
