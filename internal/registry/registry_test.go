package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"hyperhive/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func pmmConfig(name string) types.StrategyConfig {
	return types.StrategyConfig{
		Name:             name,
		Type:             types.StrategyPureMarketMaking,
		ConnectorType:    "hyperliquid_perpetual",
		TradingPair:      "ETH-USD",
		TotalAmountQuote: decimal.NewFromInt(1000),
		Leverage:         5,
		PositionMode:     types.PositionOneway,
		Enabled:          true,
		PMM: &types.PMMParams{
			BidSpread:   decimal.NewFromFloat(0.002),
			AskSpread:   decimal.NewFromFloat(0.002),
			OrderAmount: decimal.NewFromFloat(0.1),
			OrderLevels: 2,
		},
	}
}

// memStore records calls for write-behind assertions.
type memStore struct {
	mu         sync.Mutex
	strategies map[string]PersistedStrategy
	activities []types.Activity
	botRuns    map[string]BotRun
	deletes    []string
}

func newMemStore() *memStore {
	return &memStore{
		strategies: make(map[string]PersistedStrategy),
		botRuns:    make(map[string]BotRun),
	}
}

func (m *memStore) SaveStrategy(_ context.Context, rec PersistedStrategy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.strategies[rec.Config.ID] = rec
	return nil
}

func (m *memStore) DeleteStrategy(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.strategies, id)
	m.deletes = append(m.deletes, id)
	return nil
}

func (m *memStore) LoadStrategies(context.Context) ([]PersistedStrategy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PersistedStrategy, 0, len(m.strategies))
	for _, rec := range m.strategies {
		out = append(out, rec)
	}
	return out, nil
}

func (m *memStore) AppendActivity(_ context.Context, a types.Activity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activities = append(m.activities, a)
	return nil
}

func (m *memStore) SaveBotRun(_ context.Context, run BotRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.botRuns[run.Heartbeat.ID] = run
	return nil
}

func (m *memStore) Close() error { return nil }

func (m *memStore) strategyCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.strategies)
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestRegisterAndGet(t *testing.T) {
	t.Parallel()

	r := New(nil, testLogger())
	snap, warnings, err := r.Register(context.Background(), pmmConfig("mm-eth"))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if len(warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", warnings)
	}
	if snap.Config.ID == "" {
		t.Fatal("no id assigned")
	}
	if snap.Status != types.StatusPending {
		t.Fatalf("status = %s, want pending", snap.Status)
	}

	got, err := r.Get(snap.Config.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Config.Name != "mm-eth" {
		t.Fatalf("name = %q", got.Config.Name)
	}
}

func TestRegisterInvalidLeavesNoState(t *testing.T) {
	t.Parallel()

	r := New(nil, testLogger())
	cfg := pmmConfig("broken")
	cfg.TradingPair = "ETHUSD" // wrong format
	cfg.Leverage = 100

	_, _, err := r.Register(context.Background(), cfg)
	if err == nil {
		t.Fatal("invalid config accepted")
	}
	if types.KindOf(err) != types.KindConfigInvalid {
		t.Fatalf("kind = %s, want config_invalid", types.KindOf(err))
	}
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatal("error does not carry findings")
	}
	if len(verr.Findings) < 2 {
		t.Fatalf("findings = %v, want both fields flagged", verr.Findings)
	}
	if n := len(r.List(Filter{})); n != 0 {
		t.Fatalf("registry has %d entries after failed register", n)
	}
}

func TestRegisterDuplicateName(t *testing.T) {
	t.Parallel()

	r := New(nil, testLogger())
	ctx := context.Background()
	if _, _, err := r.Register(ctx, pmmConfig("dup")); err != nil {
		t.Fatalf("first register: %v", err)
	}
	_, _, err := r.Register(ctx, pmmConfig("dup"))
	if !errors.Is(err, types.ErrDuplicateName) {
		t.Fatalf("err = %v, want ErrDuplicateName", err)
	}

	// Same name under a different owner is fine.
	other := pmmConfig("dup")
	other.Owner = "0xabc"
	if _, _, err := r.Register(ctx, other); err != nil {
		t.Fatalf("owner-scoped register: %v", err)
	}
}

func TestStatusTransitions(t *testing.T) {
	t.Parallel()

	r := New(nil, testLogger())
	snap, _, err := r.Register(context.Background(), pmmConfig("dfa"))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	id := snap.Config.ID

	if _, err := r.MarkStatus(id, types.StatusStopped, ""); !errors.Is(err, types.ErrInvalidTransition) {
		t.Fatalf("pending->stopped err = %v, want ErrInvalidTransition", err)
	}
	if _, err := r.MarkStatus(id, types.StatusActive, ""); err != nil {
		t.Fatalf("pending->active: %v", err)
	}
	if _, err := r.MarkStatus(id, types.StatusStopped, ""); !errors.Is(err, types.ErrInvalidTransition) {
		t.Fatalf("active->stopped must pass through closing")
	}
	if _, err := r.MarkStatus(id, types.StatusClosing, "user close"); err != nil {
		t.Fatalf("active->closing: %v", err)
	}
	got, err := r.MarkStatus(id, types.StatusStopped, "")
	if err != nil {
		t.Fatalf("closing->stopped: %v", err)
	}
	if got.Status != types.StatusStopped {
		t.Fatalf("status = %s", got.Status)
	}
	if _, err := r.MarkStatus(id, types.StatusActive, ""); !errors.Is(err, types.ErrInvalidTransition) {
		t.Fatal("terminal status accepted a transition")
	}

	acts, err := r.Activities(id, 0)
	if err != nil {
		t.Fatalf("activities: %v", err)
	}
	if len(acts) != 3 {
		t.Fatalf("recorded %d status changes, want 3", len(acts))
	}
	if acts[0].Kind != types.ActivityStatusChange {
		t.Fatalf("kind = %s", acts[0].Kind)
	}
}

func TestErrorTransitionSetsErrorState(t *testing.T) {
	t.Parallel()

	r := New(nil, testLogger())
	snap, _, _ := r.Register(context.Background(), pmmConfig("boom"))
	id := snap.Config.ID
	if _, err := r.MarkStatus(id, types.StatusActive, ""); err != nil {
		t.Fatal(err)
	}

	got, err := r.MarkStatus(id, types.StatusError, "flatten_failed")
	if err != nil {
		t.Fatalf("active->error: %v", err)
	}
	if got.ErrorState != "flatten_failed" {
		t.Fatalf("error_state = %q", got.ErrorState)
	}
}

func TestRemoveRequiresTerminal(t *testing.T) {
	t.Parallel()

	r := New(nil, testLogger())
	ctx := context.Background()
	snap, _, _ := r.Register(ctx, pmmConfig("rm"))
	id := snap.Config.ID
	r.MarkStatus(id, types.StatusActive, "")

	if err := r.Remove(ctx, id); !errors.Is(err, types.ErrNotStopped) {
		t.Fatalf("remove active err = %v, want ErrNotStopped", err)
	}

	r.MarkStatus(id, types.StatusClosing, "")
	r.MarkStatus(id, types.StatusStopped, "")
	if err := r.Remove(ctx, id); err != nil {
		t.Fatalf("remove stopped: %v", err)
	}
	if _, err := r.Get(id); !errors.Is(err, types.ErrStrategyNotFound) {
		t.Fatal("strategy still present after remove")
	}
	if err := r.Remove(ctx, id); !errors.Is(err, types.ErrStrategyNotFound) {
		t.Fatal("second remove should report not found")
	}
}

func TestListFiltersAndOrder(t *testing.T) {
	t.Parallel()

	r := New(nil, testLogger())
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		cfg := pmmConfig(fmt.Sprintf("s-%d", i))
		if i == 1 {
			cfg.Owner = "0xabc"
		}
		if _, _, err := r.Register(ctx, cfg); err != nil {
			t.Fatal(err)
		}
	}

	all := r.List(Filter{})
	if len(all) != 3 {
		t.Fatalf("len = %d", len(all))
	}
	for i, snap := range all {
		if want := fmt.Sprintf("s-%d", i); snap.Config.Name != want {
			t.Fatalf("order broken: [%d] = %s", i, snap.Config.Name)
		}
	}

	owned := r.List(Filter{Owner: "0xabc"})
	if len(owned) != 1 || owned[0].Config.Name != "s-1" {
		t.Fatalf("owner filter = %+v", owned)
	}

	id := all[0].Config.ID
	r.MarkStatus(id, types.StatusActive, "")
	active := r.List(Filter{Status: types.StatusActive})
	if len(active) != 1 || active[0].Config.ID != id {
		t.Fatalf("status filter = %+v", active)
	}
}

func TestActivityRingCaps(t *testing.T) {
	t.Parallel()

	r := New(nil, testLogger())
	snap, _, _ := r.Register(context.Background(), pmmConfig("ring"))
	id := snap.Config.ID

	for i := 0; i < strategyActivityCap+10; i++ {
		r.AppendActivity(types.Activity{
			StrategyID: id,
			Kind:       types.ActivityOrderPlaced,
			Detail:     fmt.Sprintf("n=%d", i),
		})
	}

	acts, _ := r.Activities(id, 0)
	if len(acts) != strategyActivityCap {
		t.Fatalf("ring holds %d, want %d", len(acts), strategyActivityCap)
	}
	if acts[0].Detail != fmt.Sprintf("n=%d", strategyActivityCap+9) {
		t.Fatalf("newest first broken: %s", acts[0].Detail)
	}
	// Oldest retained entry is n=10; everything before was overwritten.
	if last := acts[len(acts)-1].Detail; last != "n=10" {
		t.Fatalf("oldest = %s, want n=10", last)
	}

	if got := r.RecentActivities(5); len(got) != 5 {
		t.Fatalf("limited read = %d", len(got))
	}
}

func TestUpdateRuntimeAndCounters(t *testing.T) {
	t.Parallel()

	r := New(nil, testLogger())
	snap, _, _ := r.Register(context.Background(), pmmConfig("rt"))
	id := snap.Config.ID

	got, err := r.UpdateRuntime(id, func(rt *Runtime) {
		rt.Position = decimal.NewFromFloat(0.5)
		rt.LiveOrders = 4
	})
	if err != nil {
		t.Fatal(err)
	}
	if !got.Runtime.Position.Equal(decimal.NewFromFloat(0.5)) || got.Runtime.LiveOrders != 4 {
		t.Fatalf("runtime = %+v", got.Runtime)
	}

	got, err = r.UpdateCounters(id, func(c *types.Counters) {
		c.TotalActions += 3
		c.SuccessfulOrders += 2
		c.FailedOrders++
	})
	if err != nil {
		t.Fatal(err)
	}
	if got.Counters.TotalActions != 3 || got.Counters.SuccessfulOrders != 2 || got.Counters.FailedOrders != 1 {
		t.Fatalf("counters = %+v", got.Counters)
	}
}

func TestWriteBehindPersistsAndRestores(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	r := New(store, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { defer close(done); r.Run(ctx) }()

	snap, _, err := r.Register(ctx, pmmConfig("persist"))
	if err != nil {
		t.Fatal(err)
	}
	id := snap.Config.ID
	r.MarkStatus(id, types.StatusActive, "")
	r.AppendActivity(types.Activity{StrategyID: id, Kind: types.ActivityFill})

	eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		rec, ok := store.strategies[id]
		return ok && rec.Status == types.StatusActive && len(store.activities) >= 2
	}, "writes never reached the store")

	cancel()
	<-done

	// A fresh registry restores the persisted record; the active strategy
	// comes back pending for the hive to restart.
	r2 := New(store, testLogger())
	restored, err := r2.Restore(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(restored) != 1 {
		t.Fatalf("restored %d records", len(restored))
	}
	if restored[0].Status != types.StatusPending {
		t.Fatalf("restored status = %s, want pending", restored[0].Status)
	}
	if restored[0].Config.Name != "persist" {
		t.Fatalf("restored name = %q", restored[0].Config.Name)
	}
}

func TestWriteQueueShedsOldestActivities(t *testing.T) {
	t.Parallel()

	q := newWriteQueue(newMemStore(), testLogger())
	for i := 0; i < activityQueueCap+7; i++ {
		q.appendActivity(types.Activity{ID: fmt.Sprintf("a-%d", i)})
	}

	_, acts := q.pending()
	if acts != activityQueueCap {
		t.Fatalf("queued = %d, want cap %d", acts, activityQueueCap)
	}
	if q.droppedCount() != 7 {
		t.Fatalf("dropped = %d, want 7", q.droppedCount())
	}

	q.mu.Lock()
	first := q.acts[0].ID
	q.mu.Unlock()
	if first != "a-7" {
		t.Fatalf("oldest queued = %s, want a-7 (first seven shed)", first)
	}
}

func TestFlushPinsCounters(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	r := New(store, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	snap, _, _ := r.Register(ctx, pmmConfig("flush"))
	id := snap.Config.ID
	r.UpdateCounters(id, func(c *types.Counters) { c.TotalActions = 42 })
	if err := r.Flush(id); err != nil {
		t.Fatal(err)
	}

	eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return store.strategies[id].Counters.TotalActions == 42
	}, "flushed counters never stored")
}
