// Package scheduler drives strategy quoting on a shared clock. One ticker
// serves every hosted strategy: each tick the scheduler walks runners in
// registration order and invokes the ones that are due, skipping any whose
// market view is stale. Strategies that blow the per-tick soft budget are
// benched for a few ticks so one heavy callback cannot starve its siblings.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"hyperhive/internal/config"
	"hyperhive/pkg/types"
)

// Runner is one schedulable strategy host.
type Runner interface {
	ID() string
	Symbol() string
	// RefreshInterval is how long after a served tick the runner stays
	// ineligible. Zero means eligible every tick.
	RefreshInterval() time.Duration
	// OnTick quotes against the given fresh book snapshot. It must return
	// promptly; the scheduler measures it against the soft budget.
	OnTick(now time.Time, book types.BookSnapshot)
}

// BookSource supplies the latest cached book per symbol.
type BookSource interface {
	Latest(symbol string) (types.BookSnapshot, bool)
}

// Stats counts scheduling decisions since start. Telemetry scrapes it.
type Stats struct {
	Ticks          uint64
	Served         uint64
	StaleSkips     uint64
	PenaltySkips   uint64
	BudgetOverruns uint64
}

// slot is the scheduler's per-runner pacing state.
type slot struct {
	runner       Runner
	nextEligible time.Time
	benched      int // remaining penalty ticks
}

// Scheduler owns the tick loop. Construct with NewScheduler, start Run once.
type Scheduler struct {
	books  BookSource
	cfg    config.SchedConfig
	logger *slog.Logger

	mu    sync.Mutex
	slots map[string]*slot
	order []string
	stats Stats

	// ticks overrides the wall-clock ticker when non-nil. Test seam.
	ticks <-chan time.Time
}

func NewScheduler(books BookSource, cfg config.SchedConfig, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.SoftBudget <= 0 {
		cfg.SoftBudget = 20 * time.Millisecond
	}
	if cfg.BudgetPenalty < 0 {
		cfg.BudgetPenalty = 0
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 5 * time.Second
	}
	return &Scheduler{
		books:  books,
		cfg:    cfg,
		logger: logger.With("component", "scheduler"),
		slots:  make(map[string]*slot),
	}
}

// Add registers a runner. It becomes eligible on the next tick.
func (s *Scheduler) Add(r Runner) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.slots[r.ID()]; dup {
		return fmt.Errorf("runner %s already scheduled", r.ID())
	}
	s.slots[r.ID()] = &slot{runner: r}
	s.order = append(s.order, r.ID())
	return nil
}

// Remove unschedules a runner. Safe to call for unknown ids.
func (s *Scheduler) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.slots[id]; !ok {
		return
	}
	delete(s.slots, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// Stats returns a copy of the counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Run ticks until ctx is cancelled. Runners execute sequentially on the
// scheduler goroutine, so OnTick implementations need no extra locking for
// state they only touch from ticks.
func (s *Scheduler) Run(ctx context.Context) error {
	ticks := s.ticks
	if ticks == nil {
		ticker := time.NewTicker(s.cfg.TickInterval)
		defer ticker.Stop()
		ticks = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now, ok := <-ticks:
			if !ok {
				return nil
			}
			s.tick(ctx, now)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	s.mu.Lock()
	s.stats.Ticks++
	ids := make([]string, len(s.order))
	copy(ids, s.order)
	s.mu.Unlock()

	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		s.mu.Lock()
		sl, ok := s.slots[id]
		if !ok {
			s.mu.Unlock()
			continue
		}
		if sl.benched > 0 {
			sl.benched--
			s.stats.PenaltySkips++
			s.mu.Unlock()
			continue
		}
		if now.Before(sl.nextEligible) {
			s.mu.Unlock()
			continue
		}
		runner := sl.runner
		s.mu.Unlock()

		book, ok := s.books.Latest(runner.Symbol())
		if !ok || !book.Fresh(now, s.cfg.StaleAfter) {
			s.mu.Lock()
			s.stats.StaleSkips++
			s.mu.Unlock()
			s.logger.Debug("skipping tick on stale book",
				"strategy", runner.ID(), "symbol", runner.Symbol())
			continue
		}

		start := time.Now()
		runner.OnTick(now, book)
		elapsed := time.Since(start)

		s.mu.Lock()
		s.stats.Served++
		if sl, ok := s.slots[id]; ok {
			sl.nextEligible = now.Add(runner.RefreshInterval())
			if elapsed > s.cfg.SoftBudget {
				sl.benched = s.cfg.BudgetPenalty
				s.stats.BudgetOverruns++
				s.mu.Unlock()
				s.logger.Warn("tick exceeded soft budget",
					"strategy", runner.ID(), "elapsed", elapsed,
					"budget", s.cfg.SoftBudget, "benched_ticks", s.cfg.BudgetPenalty)
				continue
			}
		}
		s.mu.Unlock()
	}
}
