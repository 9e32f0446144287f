// Package registry is the hive's system of record for hosted strategies: who
// is registered, what lifecycle state they are in, their action counters,
// and a bounded trail of recent activity. All mutation goes through the
// registry so the lifecycle automaton is enforced in exactly one place.
//
// Persistence is write-behind: mutations update memory synchronously and
// enqueue store writes on a single writer goroutine. Metadata (configs,
// statuses, counters) is never dropped; activity appends are best-effort.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"hyperhive/pkg/types"
)

const (
	// strategyActivityCap bounds each strategy's in-memory activity trail.
	strategyActivityCap = 30
	// globalActivityCap bounds the hive-wide trail served by the API.
	globalActivityCap = 512
)

// ValidationError carries the field findings that blocked a registration.
type ValidationError struct {
	Findings []types.FieldError
}

func (e *ValidationError) Error() string {
	fields := make([]string, 0, len(e.Findings))
	for _, f := range e.Findings {
		if f.Severity == "error" {
			fields = append(fields, f.Field)
		}
	}
	return fmt.Sprintf("invalid strategy config: %s", strings.Join(fields, ", "))
}

// Runtime is the mutable trading state of one strategy, mirrored into
// snapshots for the API. Position is signed base size.
type Runtime struct {
	Position      decimal.Decimal `json:"position"`
	EntryPrice    decimal.Decimal `json:"entry_price"`
	RealizedPnl   decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnl decimal.Decimal `json:"unrealized_pnl"`
	VolumeQuote   decimal.Decimal `json:"volume_quote"`
	FeesPaid      decimal.Decimal `json:"fees_paid"`
	LiveOrders    int             `json:"live_orders"`
	LastTickAt    time.Time       `json:"last_tick_at,omitempty"`
	LastFillAt    time.Time       `json:"last_fill_at,omitempty"`
}

// Snapshot is a point-in-time copy of one strategy's registry state.
type Snapshot struct {
	Config     types.StrategyConfig `json:"config"`
	Status     types.StrategyStatus `json:"status"`
	ErrorState string               `json:"error_state,omitempty"`
	Counters   types.Counters       `json:"counters"`
	Runtime    Runtime              `json:"runtime"`
	UpdatedAt  time.Time            `json:"updated_at"`
}

// entry is the registry's internal record. Its mutex serializes runtime and
// status mutation per strategy; the registry map lock is not held while an
// entry is being updated.
type entry struct {
	mu         sync.Mutex
	cfg        types.StrategyConfig
	status     types.StrategyStatus
	errorState string
	counters   types.Counters
	runtime    Runtime
	updatedAt  time.Time
	activities *ring
}

func (e *entry) snapshotLocked() Snapshot {
	return Snapshot{
		Config:     e.cfg,
		Status:     e.status,
		ErrorState: e.errorState,
		Counters:   e.counters,
		Runtime:    e.runtime,
		UpdatedAt:  e.updatedAt,
	}
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Owner  string
	Status types.StrategyStatus
	Type   types.StrategyType
}

// Registry owns the strategy table. Safe for concurrent use.
type Registry struct {
	logger *slog.Logger
	queue  *writeQueue
	now    func() time.Time

	mu      sync.RWMutex
	entries map[string]*entry
	order   []string // registration order; scheduler iterates in this order

	globalMu sync.Mutex
	global   *ring
}

// New builds a registry backed by store. The store may be nil for tests; all
// persistence then becomes a no-op.
func New(store Store, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:  logger.With("component", "registry"),
		queue:   newWriteQueue(store, logger),
		now:     time.Now,
		entries: make(map[string]*entry),
		global:  newRing(globalActivityCap),
	}
}

// Run drives the write-behind persistence loop until ctx is cancelled, then
// drains pending metadata writes.
func (r *Registry) Run(ctx context.Context) error {
	return r.queue.run(ctx)
}

// Restore loads persisted strategies into memory. Strategies that were
// mid-flight when the previous process died come back as pending; the hive
// decides whether to start them. Terminal records are kept as-is so their
// history stays queryable.
func (r *Registry) Restore(ctx context.Context) ([]Snapshot, error) {
	if r.queue.store == nil {
		return nil, nil
	}
	recs, err := r.queue.store.LoadStrategies(ctx)
	if err != nil {
		return nil, fmt.Errorf("load strategies: %w", err)
	}
	sort.Slice(recs, func(i, j int) bool {
		return recs[i].Config.CreatedAt.Before(recs[j].Config.CreatedAt)
	})

	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Snapshot, 0, len(recs))
	for _, rec := range recs {
		if rec.Config.ID == "" {
			continue
		}
		if _, dup := r.entries[rec.Config.ID]; dup {
			continue
		}
		status := rec.Status
		if !status.Terminal() {
			status = types.StatusPending
		}
		e := &entry{
			cfg:        rec.Config,
			status:     status,
			errorState: rec.ErrorState,
			counters:   rec.Counters,
			updatedAt:  rec.UpdatedAt,
			activities: newRing(strategyActivityCap),
		}
		r.entries[rec.Config.ID] = e
		r.order = append(r.order, rec.Config.ID)
		out = append(out, e.snapshotLocked())
	}
	r.logger.Info("restored strategies", "count", len(out))
	return out, nil
}

// Register validates cfg and inserts it as a pending strategy. On success it
// returns the stored snapshot plus any non-blocking warnings. Validation
// errors surface as *ValidationError and leave no partial state behind.
func (r *Registry) Register(ctx context.Context, cfg types.StrategyConfig) (Snapshot, []types.FieldError, error) {
	findings := cfg.Validate()
	if types.HasErrors(findings) {
		return Snapshot{}, nil, types.NewFault(types.KindConfigInvalid, &ValidationError{Findings: findings})
	}
	warnings := findings

	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = r.now()
	}

	r.mu.Lock()
	if _, exists := r.entries[cfg.ID]; exists {
		r.mu.Unlock()
		return Snapshot{}, nil, fmt.Errorf("id %s: %w", cfg.ID, types.ErrDuplicateName)
	}
	for _, id := range r.order {
		other := r.entries[id]
		if other.cfg.Owner == cfg.Owner && other.cfg.Name == cfg.Name {
			r.mu.Unlock()
			return Snapshot{}, nil, fmt.Errorf("name %q: %w", cfg.Name, types.ErrDuplicateName)
		}
	}
	e := &entry{
		cfg:        cfg,
		status:     types.StatusPending,
		updatedAt:  r.now(),
		activities: newRing(strategyActivityCap),
	}
	r.entries[cfg.ID] = e
	r.order = append(r.order, cfg.ID)
	r.mu.Unlock()

	snap := e.snapshotLocked()
	r.queue.saveStrategy(persist(snap))
	r.logger.Info("strategy registered",
		"strategy", cfg.ID, "name", cfg.Name, "type", cfg.Type, "pair", cfg.TradingPair)
	return snap, warnings, nil
}

// Get returns the snapshot for id.
func (r *Registry) Get(id string) (Snapshot, error) {
	e, err := r.lookup(id)
	if err != nil {
		return Snapshot{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked(), nil
}

// FindByName resolves a strategy by its display name, scoped to owner when
// owner is non-empty.
func (r *Registry) FindByName(owner, name string) (Snapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, id := range r.order {
		e := r.entries[id]
		if e.cfg.Name != name {
			continue
		}
		if owner != "" && e.cfg.Owner != owner {
			continue
		}
		e.mu.Lock()
		snap := e.snapshotLocked()
		e.mu.Unlock()
		return snap, nil
	}
	return Snapshot{}, fmt.Errorf("name %q: %w", name, types.ErrStrategyNotFound)
}

// List returns snapshots matching f in registration order.
func (r *Registry) List(f Filter) []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Snapshot, 0, len(r.order))
	for _, id := range r.order {
		e := r.entries[id]
		e.mu.Lock()
		snap := e.snapshotLocked()
		e.mu.Unlock()
		if f.Owner != "" && snap.Config.Owner != f.Owner {
			continue
		}
		if f.Status != "" && snap.Status != f.Status {
			continue
		}
		if f.Type != "" && snap.Config.Type != f.Type {
			continue
		}
		out = append(out, snap)
	}
	return out
}

// MarkStatus applies a lifecycle transition and records it as an activity.
// reason lands in ErrorState for transitions into error, and in the activity
// detail otherwise.
func (r *Registry) MarkStatus(id string, next types.StrategyStatus, reason string) (Snapshot, error) {
	e, err := r.lookup(id)
	if err != nil {
		return Snapshot{}, err
	}

	e.mu.Lock()
	prev := e.status
	if !prev.CanTransition(next) {
		e.mu.Unlock()
		return Snapshot{}, fmt.Errorf("%s -> %s: %w", prev, next, types.ErrInvalidTransition)
	}
	e.status = next
	if next == types.StatusError {
		e.errorState = reason
	}
	e.updatedAt = r.now()
	snap := e.snapshotLocked()
	e.mu.Unlock()

	detail := fmt.Sprintf("%s -> %s", prev, next)
	if reason != "" {
		detail += ": " + reason
	}
	r.AppendActivity(types.Activity{
		StrategyID:  id,
		Kind:        types.ActivityStatusChange,
		Success:     next != types.StatusError,
		TradingPair: snap.Config.TradingPair,
		Detail:      detail,
	})
	r.queue.saveStrategy(persist(snap))
	r.logger.Info("strategy status", "strategy", id, "from", prev, "to", next, "reason", reason)
	return snap, nil
}

// SetErrorState records or clears a non-fatal error condition without moving
// the lifecycle. Risk gates use it while a strategy stays active with creates
// suspended; the close path uses it for flatten_failed.
func (r *Registry) SetErrorState(id, msg string) (Snapshot, error) {
	e, err := r.lookup(id)
	if err != nil {
		return Snapshot{}, err
	}
	e.mu.Lock()
	changed := e.errorState != msg
	e.errorState = msg
	e.updatedAt = r.now()
	snap := e.snapshotLocked()
	e.mu.Unlock()

	if changed {
		r.queue.saveStrategy(persist(snap))
	}
	return snap, nil
}

// UpdateRuntime mutates the strategy's runtime state under its entry lock.
func (r *Registry) UpdateRuntime(id string, fn func(*Runtime)) (Snapshot, error) {
	e, err := r.lookup(id)
	if err != nil {
		return Snapshot{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(&e.runtime)
	e.updatedAt = r.now()
	return e.snapshotLocked(), nil
}

// UpdateCounters mutates the strategy's action counters under its entry lock.
// Counters are persisted on the next metadata write for the strategy.
func (r *Registry) UpdateCounters(id string, fn func(*types.Counters)) (Snapshot, error) {
	e, err := r.lookup(id)
	if err != nil {
		return Snapshot{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(&e.counters)
	e.updatedAt = r.now()
	return e.snapshotLocked(), nil
}

// Flush persists the strategy's current state immediately rather than
// waiting for the next lifecycle transition. The close path uses it to pin
// final counters.
func (r *Registry) Flush(id string) error {
	snap, err := r.Get(id)
	if err != nil {
		return err
	}
	r.queue.saveStrategy(persist(snap))
	return nil
}

// Remove deletes a terminal strategy. Non-terminal strategies must be closed
// first.
func (r *Registry) Remove(ctx context.Context, id string) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("id %s: %w", id, types.ErrStrategyNotFound)
	}
	e.mu.Lock()
	status := e.status
	e.mu.Unlock()
	if !status.Terminal() {
		r.mu.Unlock()
		return fmt.Errorf("id %s status %s: %w", id, status, types.ErrNotStopped)
	}
	delete(r.entries, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	r.queue.deleteStrategy(id)
	r.logger.Info("strategy removed", "strategy", id)
	return nil
}

// AppendActivity records an activity in the strategy's ring (when attributed)
// and the global ring, then enqueues a best-effort store append. Missing IDs
// and timestamps are filled in.
func (r *Registry) AppendActivity(a types.Activity) types.Activity {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = r.now()
	}

	if a.StrategyID != "" {
		if e, err := r.lookup(a.StrategyID); err == nil {
			e.mu.Lock()
			e.activities.push(a)
			e.mu.Unlock()
		}
	}
	r.globalMu.Lock()
	r.global.push(a)
	r.globalMu.Unlock()

	r.queue.appendActivity(a)
	return a
}

// Activities returns a strategy's most recent activities, newest first.
func (r *Registry) Activities(id string, limit int) ([]types.Activity, error) {
	e, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.activities.newest(limit), nil
}

// RecentActivities returns the hive-wide trail, newest first.
func (r *Registry) RecentActivities(limit int) []types.Activity {
	r.globalMu.Lock()
	defer r.globalMu.Unlock()
	return r.global.newest(limit)
}

// SaveBotRun enqueues a bot heartbeat record for persistence.
func (r *Registry) SaveBotRun(run BotRun) {
	r.queue.saveBotRun(run)
}

// LoadBotRuns reads persisted heartbeat records for seeding a BotRegistry at
// boot. Stores without heartbeat history return an empty map.
func (r *Registry) LoadBotRuns(ctx context.Context) (map[string]BotRun, error) {
	loader, ok := r.queue.store.(interface {
		LoadBotRuns(ctx context.Context) (map[string]BotRun, error)
	})
	if !ok {
		return map[string]BotRun{}, nil
	}
	return loader.LoadBotRuns(ctx)
}

func (r *Registry) lookup(id string) (*entry, error) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("id %s: %w", id, types.ErrStrategyNotFound)
	}
	return e, nil
}

func persist(s Snapshot) PersistedStrategy {
	return PersistedStrategy{
		Config:     s.Config,
		Status:     s.Status,
		ErrorState: s.ErrorState,
		Counters:   s.Counters,
		UpdatedAt:  s.UpdatedAt,
	}
}
