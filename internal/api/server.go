// Package api is the hive's control plane: a REST surface for strategy
// lifecycle and portfolio queries, the manager-facing bot heartbeat
// endpoints, Prometheus exposition, and a WebSocket dashboard feed.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"hyperhive/internal/config"
	"hyperhive/internal/hive"
	"hyperhive/internal/registry"
	"hyperhive/internal/scheduler"
)

const (
	defaultBasePath     = "/api/v1"
	snapshotInterval    = 2 * time.Second
	recentActivityLimit = 20
	shutdownGrace       = 10 * time.Second
)

// Control is the orchestrator surface the control plane drives. *hive.Hive
// implements it; tests substitute fakes.
type Control interface {
	Registry() *registry.Registry
	StartStrategy(ctx context.Context, id string) (registry.Snapshot, error)
	BeginClose(id string, opts hive.CloseOptions) (registry.Snapshot, error)
	RemoveStrategy(ctx context.Context, id string) error
	Portfolio() hive.Portfolio
	Supports(symbol string) error
	Uptime() time.Duration
	SchedStats() scheduler.Stats
	QueueDepths() map[string]int
	ActiveHosts() int
	Trading() bool
}

// Server runs the HTTP control plane and the dashboard stream.
type Server struct {
	cfg    *config.Config
	ctl    Control
	reg    *registry.Registry
	bots   *registry.BotRegistry
	hub    *streamHub
	srv    *http.Server
	logger *slog.Logger
}

// NewServer wires the router. Health, metrics, and the stream are open; the
// rest sits behind admin-token or wallet-signature auth.
func NewServer(cfg *config.Config, ctl Control, logger *slog.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		ctl:    ctl,
		reg:    ctl.Registry(),
		logger: logger.With("component", "api"),
	}
	s.hub = newStreamHub(cfg.API.AllowedOrigins, s.buildSnapshot, s.logger)
	s.bots = registry.NewBotRegistry(cfg.Manager.OfflineAfter, s.reg.SaveBotRun)

	hs := &handlers{
		ctl:     ctl,
		reg:     s.reg,
		bots:    s.bots,
		network: cfg.Network,
		logger:  s.logger,
	}
	auth := newAuthenticator(cfg.API)

	base := cfg.API.BasePath
	if base == "" {
		base = defaultBasePath
	}

	r := mux.NewRouter()

	open := r.PathPrefix(base).Subrouter()
	open.HandleFunc("/health", hs.handleHealth).Methods(http.MethodGet)
	open.Handle("/metrics", newCollectors(ctl).handler()).Methods(http.MethodGet)
	open.HandleFunc("/stream", s.hub.handleStream).Methods(http.MethodGet)

	sec := r.PathPrefix(base).Subrouter()
	sec.Use(auth.middleware)
	sec.HandleFunc("/strategies", hs.handleRegister).Methods(http.MethodPost)
	sec.HandleFunc("/strategies", hs.handleList).Methods(http.MethodGet)
	sec.HandleFunc("/strategies/close", hs.handleCloseByName).Methods(http.MethodPost)
	sec.HandleFunc("/strategies/{id}", hs.handleGet).Methods(http.MethodGet)
	sec.HandleFunc("/strategies/{id}", hs.handleDelete).Methods(http.MethodDelete)
	sec.HandleFunc("/strategies/{id}/stop", hs.handleStop).Methods(http.MethodPost)
	sec.HandleFunc("/portfolio", hs.handlePortfolio).Methods(http.MethodGet)
	sec.HandleFunc("/bots", hs.handleBotUpsert).Methods(http.MethodPost)
	sec.HandleFunc("/bots", hs.handleBotList).Methods(http.MethodGet)
	sec.HandleFunc("/bots/{id}", hs.handleBotDelete).Methods(http.MethodDelete)

	s.srv = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Run serves until ctx is cancelled, then drains in-flight requests for up
// to the shutdown grace.
func (s *Server) Run(ctx context.Context) error {
	if runs, err := s.reg.LoadBotRuns(ctx); err != nil {
		s.logger.Warn("seed bot registry", "error", err)
	} else {
		s.bots.Seed(runs)
	}

	go s.hub.run(ctx)
	go s.broadcastLoop(ctx)

	errc := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
			return
		}
		errc <- nil
	}()
	s.logger.Info("control plane listening", "addr", s.srv.Addr)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := s.srv.Shutdown(shCtx); err != nil {
		return fmt.Errorf("shutdown control plane: %w", err)
	}
	return <-errc
}

// broadcastLoop pushes a periodic aggregate snapshot plus incremental
// activity frames to the dashboard stream.
func (s *Server) broadcastLoop(ctx context.Context) {
	ticker := time.NewTicker(snapshotInterval)
	defer ticker.Stop()

	// Prime the high-water mark so boot history is not replayed.
	var lastActivity string
	if acts := s.reg.RecentActivities(1); len(acts) > 0 {
		lastActivity = acts[0].ID
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := s.buildSnapshot()
			s.hub.broadcastEvent(streamEvent{Type: "snapshot", Timestamp: snap.Timestamp, Data: snap})
			lastActivity = s.emitFreshActivities(lastActivity)
		}
	}
}

// emitFreshActivities pushes activities recorded since the previous pass,
// oldest first, and returns the new high-water mark.
func (s *Server) emitFreshActivities(lastID string) string {
	acts := s.reg.RecentActivities(64) // newest first
	if len(acts) == 0 {
		return lastID
	}
	fresh := acts
	for i, a := range acts {
		if a.ID == lastID {
			fresh = acts[:i]
			break
		}
	}
	for i := len(fresh) - 1; i >= 0; i-- {
		a := fresh[i]
		s.hub.broadcastEvent(streamEvent{
			Type:       "activity",
			Timestamp:  a.Timestamp,
			StrategyID: a.StrategyID,
			Data:       a,
		})
	}
	return acts[0].ID
}

func (s *Server) buildSnapshot() hiveSnapshot {
	st := s.ctl.SchedStats()
	return hiveSnapshot{
		Timestamp:        time.Now(),
		UptimeSeconds:    s.ctl.Uptime().Seconds(),
		Trading:          s.ctl.Trading(),
		ActiveStrategies: s.ctl.ActiveHosts(),
		Scheduler: schedView{
			Ticks:          st.Ticks,
			Served:         st.Served,
			StaleSkips:     st.StaleSkips,
			PenaltySkips:   st.PenaltySkips,
			BudgetOverruns: st.BudgetOverruns,
		},
		QueueDepths:    s.ctl.QueueDepths(),
		Portfolio:      s.ctl.Portfolio(),
		RecentActivity: s.reg.RecentActivities(recentActivityLimit),
	}
}
