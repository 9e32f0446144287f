package api

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/go-resty/resty/v2"

	"hyperhive/internal/config"
	"hyperhive/internal/registry"
	"hyperhive/pkg/types"
)

// Reporter heartbeats this hive to the manager dashboard so the fleet view
// can show it alive. A hive the manager has not heard from within its
// offline window reads offline; there is no explicit goodbye.
type Reporter struct {
	cfg      *config.Config
	ctl      Control
	reg      *registry.Registry
	client   *resty.Client
	interval time.Duration
	logger   *slog.Logger

	// actions-per-minute is a delta over the previous beat.
	lastActions uint64
	lastBeatAt  time.Time

	// cpu fraction is process time spent over wall time since the last beat.
	lastCPU time.Duration
}

// NewReporter builds the heartbeat loop. The dashboard URL comes from
// configuration; Run is a no-op error when it is empty.
func NewReporter(cfg *config.Config, ctl Control, logger *slog.Logger) *Reporter {
	interval := cfg.Manager.HeartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.Manager.DashboardURL, "/")).
		SetTimeout(10 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(time.Second)
	return &Reporter{
		cfg:      cfg,
		ctl:      ctl,
		reg:      ctl.Registry(),
		client:   client,
		interval: interval,
		logger:   logger.With("component", "heartbeat"),
	}
}

// Run posts a heartbeat immediately and then on every interval until ctx is
// cancelled. Delivery failures are logged and retried on the next beat; the
// manager tolerates gaps up to its offline window.
func (r *Reporter) Run(ctx context.Context) error {
	if r.cfg.Manager.DashboardURL == "" {
		return fmt.Errorf("manager.dashboard_url is not configured")
	}
	r.lastBeatAt = time.Now()
	r.lastCPU = processCPU()

	r.beat(ctx)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.beat(ctx)
		}
	}
}

func (r *Reporter) beat(ctx context.Context) {
	hb := r.build()
	resp, err := r.client.R().
		SetContext(ctx).
		SetBody(hb).
		Post("/api/v1/bots")
	if err != nil {
		r.logger.Warn("heartbeat delivery failed", "error", err)
		return
	}
	if resp.IsError() {
		r.logger.Warn("heartbeat rejected",
			"status", resp.StatusCode(), "body", resp.String())
	}
}

// build assembles the report from the registry and runtime stats.
func (r *Reporter) build() types.BotHeartbeat {
	now := time.Now()
	snaps := r.reg.List(registry.Filter{})

	var names []string
	var total uint64
	for _, s := range snaps {
		total += s.Counters.TotalActions
		if s.Status == types.StatusActive {
			names = append(names, s.Config.Name)
		}
	}

	elapsed := now.Sub(r.lastBeatAt)
	var perMinute float64
	if elapsed > 0 && total >= r.lastActions {
		perMinute = float64(total-r.lastActions) / elapsed.Minutes()
	}

	cpu := processCPU()
	var cpuFrac float64
	if elapsed > 0 && cpu > r.lastCPU {
		cpuFrac = float64(cpu-r.lastCPU) / float64(elapsed)
	}

	r.lastActions = total
	r.lastBeatAt = now
	r.lastCPU = cpu

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	var lastActivity string
	if acts := r.reg.RecentActivities(1); len(acts) > 0 {
		lastActivity = acts[0].Timestamp.UTC().Format(time.RFC3339)
	}

	return types.BotHeartbeat{
		ID:               r.cfg.HiveID,
		Name:             r.cfg.BotName,
		Status:           "online",
		Strategies:       names,
		Uptime:           r.ctl.Uptime().Seconds(),
		TotalStrategies:  len(snaps),
		TotalActions:     total,
		ActionsPerMinute: perMinute,
		MemoryUsage:      float64(mem.Alloc) / (1 << 20),
		CPUUsage:         cpuFrac,
		APIPort:          r.cfg.Port,
		UserMainAddress:  r.cfg.Wallet.MainAddress,
		LastActivity:     lastActivity,
	}
}

// processCPU reads user+system time consumed by this process.
func processCPU() time.Duration {
	var ru syscall.Rusage
	if err := syscall.Getrusage(syscall.RUSAGE_SELF, &ru); err != nil {
		return 0
	}
	return time.Duration(ru.Utime.Nano() + ru.Stime.Nano())
}
