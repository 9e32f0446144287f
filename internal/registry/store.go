package registry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"hyperhive/internal/config"
	"hyperhive/pkg/types"
)

// PersistedStrategy is the durable form of one strategy's registry state.
type PersistedStrategy struct {
	Config     types.StrategyConfig `json:"config"`
	Status     types.StrategyStatus `json:"status"`
	ErrorState string               `json:"error_state,omitempty"`
	Counters   types.Counters       `json:"counters"`
	UpdatedAt  time.Time            `json:"updated_at"`
}

// BotRun is the durable form of a bot heartbeat.
type BotRun struct {
	Heartbeat types.BotHeartbeat `json:"heartbeat"`
	LastSeen  time.Time          `json:"last_seen"`
}

// Store is the persistence boundary. Implementations are called from the
// registry's single writer goroutine plus Restore at boot, never
// concurrently with themselves.
type Store interface {
	SaveStrategy(ctx context.Context, rec PersistedStrategy) error
	DeleteStrategy(ctx context.Context, id string) error
	LoadStrategies(ctx context.Context) ([]PersistedStrategy, error)
	AppendActivity(ctx context.Context, a types.Activity) error
	SaveBotRun(ctx context.Context, run BotRun) error
	Close() error
}

// OpenStore picks the configured backend: Postgres when a database URL is
// set, the JSON file store when a data directory is, otherwise nil (state
// lives in memory only and is lost on exit).
func OpenStore(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (Store, error) {
	switch {
	case cfg.DatabaseURL != "":
		return OpenPGStore(ctx, cfg.DatabaseURL, logger)
	case cfg.DataDir != "":
		return OpenFileStore(cfg.DataDir)
	default:
		return nil, nil
	}
}

// writeTimeout bounds each individual store call so one slow write cannot
// stall the queue forever.
const writeTimeout = 5 * time.Second

// activityQueueCap bounds buffered activity appends. Metadata writes are
// unbounded: there are at most a handful per strategy lifecycle.
const activityQueueCap = 256

// metaOp is one non-droppable store write.
type metaOp func(ctx context.Context, s Store) error

// writeQueue decouples registry mutation from store latency. Metadata ops
// are applied in order and never dropped; activity appends shed oldest-first
// once the buffer is full.
type writeQueue struct {
	store  Store
	logger *slog.Logger

	mu      sync.Mutex
	meta    []metaOp
	acts    []types.Activity
	dropped uint64
	wake    chan struct{}
}

func newWriteQueue(store Store, logger *slog.Logger) *writeQueue {
	if logger == nil {
		logger = slog.Default()
	}
	return &writeQueue{
		store:  store,
		logger: logger.With("component", "registry-store"),
		wake:   make(chan struct{}, 1),
	}
}

func (q *writeQueue) saveStrategy(rec PersistedStrategy) {
	q.pushMeta(func(ctx context.Context, s Store) error {
		return s.SaveStrategy(ctx, rec)
	})
}

func (q *writeQueue) deleteStrategy(id string) {
	q.pushMeta(func(ctx context.Context, s Store) error {
		return s.DeleteStrategy(ctx, id)
	})
}

func (q *writeQueue) saveBotRun(run BotRun) {
	q.pushMeta(func(ctx context.Context, s Store) error {
		return s.SaveBotRun(ctx, run)
	})
}

func (q *writeQueue) pushMeta(op metaOp) {
	if q.store == nil {
		return
	}
	q.mu.Lock()
	q.meta = append(q.meta, op)
	q.mu.Unlock()
	q.signal()
}

func (q *writeQueue) appendActivity(a types.Activity) {
	if q.store == nil {
		return
	}
	q.mu.Lock()
	if len(q.acts) >= activityQueueCap {
		q.acts = q.acts[1:]
		q.dropped++
	}
	q.acts = append(q.acts, a)
	q.mu.Unlock()
	q.signal()
}

func (q *writeQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// run drains the queue until ctx is cancelled, then flushes remaining
// metadata with a final grace window and closes the store.
func (q *writeQueue) run(ctx context.Context) error {
	if q.store == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	for {
		q.drain(ctx)
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			q.drain(flushCtx)
			cancel()
			if err := q.store.Close(); err != nil {
				q.logger.Warn("store close failed", "error", err)
			}
			if n := q.droppedCount(); n > 0 {
				q.logger.Warn("activity writes shed under backpressure", "dropped", n)
			}
			return ctx.Err()
		case <-q.wake:
		}
	}
}

func (q *writeQueue) drain(ctx context.Context) {
	for {
		q.mu.Lock()
		var op metaOp
		var act *types.Activity
		switch {
		case len(q.meta) > 0:
			op = q.meta[0]
			q.meta = q.meta[1:]
		case len(q.acts) > 0:
			a := q.acts[0]
			q.acts = q.acts[1:]
			act = &a
		}
		q.mu.Unlock()

		switch {
		case op != nil:
			q.apply(ctx, op)
		case act != nil:
			q.apply(ctx, func(ctx context.Context, s Store) error {
				return s.AppendActivity(ctx, *act)
			})
		default:
			return
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (q *writeQueue) apply(ctx context.Context, op metaOp) {
	opCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := op(opCtx, q.store); err != nil {
		q.logger.Warn("store write failed", "error", err)
	}
}

func (q *writeQueue) droppedCount() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// pending reports queued-but-unwritten ops. Test hook.
func (q *writeQueue) pending() (meta, acts int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.meta), len(q.acts)
}
