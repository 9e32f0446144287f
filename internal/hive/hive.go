// Package hive is the orchestrator. It wires the subsystems together and
// owns every strategy's lifecycle:
//
//  1. The exchange connector speaks the venue's REST and WS protocols.
//  2. The market data hub shares upstream subscriptions across strategies.
//  3. The scheduler ticks each hosted strategy against a fresh book.
//  4. The gateway funnels all outbound intents and reports outcomes back.
//  5. User-stream events and fills route to the owning host by client id.
//  6. The close protocol cancels, flattens, and retires a strategy.
//
// Lifecycle: New/Build → Run → [serves until ctx cancelled] → close fan-out.
package hive

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"

	"hyperhive/internal/config"
	"hyperhive/internal/exchange"
	"hyperhive/internal/gateway"
	"hyperhive/internal/marketdata"
	"hyperhive/internal/registry"
	"hyperhive/internal/scheduler"
	"hyperhive/internal/strategy"
	"hyperhive/pkg/types"
)

// accountPollInterval paces the balance refresh feeding the risk gates.
const accountPollInterval = 30 * time.Second

// warmupBars is how much candle history a new strategy primes its
// indicators with before live bars take over.
const warmupBars = 200

// Venue is the slice of the exchange connector the hive drives directly.
// The gateway holds its own, narrower view; *exchange.Client satisfies both.
type Venue interface {
	gateway.Venue
	Trading() bool
	Instrument(symbol string) (types.Instrument, error)
	Candles(ctx context.Context, symbol, interval string, bars int) ([]types.Candle, error)
	Balances(ctx context.Context) (types.Balances, error)
	Reconcile(ctx context.Context, local []types.OrderRecord, since time.Time) (*exchange.ReconcileReport, error)
}

// UserStream delivers the account's private events. *exchange.Feed
// satisfies it.
type UserStream interface {
	OrderEvents() <-chan types.OrderEvent
	Fills() <-chan types.Fill
	Fundings() <-chan types.FundingPayment
	Resyncs() <-chan struct{}
}

// Deps carries the wired subsystems. Build assembles the production set;
// tests substitute fakes for the venue and user stream.
type Deps struct {
	Venue    Venue
	Hub      *marketdata.Hub
	Gateway  *gateway.Gateway
	Sched    *scheduler.Scheduler
	Registry *registry.Registry
	User     UserStream
	Logger   *slog.Logger

	// Runners are extra components Run must drive, typically the two
	// websocket feeds. Nil entries are skipped.
	Runners []func(context.Context) error
}

// hostSlot is one running strategy: its host plus the hub subscription that
// keeps its market data flowing.
type hostSlot struct {
	host *strategy.Host
	sub  *marketdata.Subscription
}

// Hive orchestrates all hosted strategies against one venue.
type Hive struct {
	cfg    *config.Config
	logger *slog.Logger

	venue   Venue
	hub     *marketdata.Hub
	gw      *gateway.Gateway
	sched   *scheduler.Scheduler
	reg     *registry.Registry
	user    UserStream
	runners []func(context.Context) error

	acct *accountCache

	mu       sync.RWMutex
	hosts    map[string]*hostSlot // strategy id → running slot
	routes   map[string]string    // client-id prefix → strategy id
	closing  map[string]bool      // close-in-flight guard
	lastSync time.Time            // reconciliation watermark
	baseCtx  context.Context      // lifetime of Run; Background before Run

	started time.Time
}

// New assembles a hive from already-constructed parts.
func New(cfg *config.Config, deps Deps) *Hive {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Hive{
		cfg:     cfg,
		logger:  logger.With("component", "hive"),
		venue:   deps.Venue,
		hub:     deps.Hub,
		gw:      deps.Gateway,
		sched:   deps.Sched,
		reg:     deps.Registry,
		user:    deps.User,
		runners: deps.Runners,
		acct:    &accountCache{},
		hosts:   make(map[string]*hostSlot),
		routes:  make(map[string]string),
		closing: make(map[string]bool),
		baseCtx: context.Background(),
	}
}

// Build wires the production hive: signer, REST client, both websocket
// feeds, hub, gateway, scheduler, and the registry over the configured
// store. It loads instrument metadata before returning so symbol validation
// works from the first request.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Hive, error) {
	signer, err := exchange.NewSigner(cfg.Wallet.PrivateKey, cfg.Wallet.MainAddress, cfg.Network)
	if err != nil {
		return nil, fmt.Errorf("wallet: %w", err)
	}
	client := exchange.NewClient(*cfg, signer, logger)
	if err := client.LoadMeta(ctx); err != nil {
		return nil, fmt.Errorf("load venue meta: %w", err)
	}

	mktFeed := exchange.NewMarketFeed(cfg.Venue.WSURL, client, logger)
	usrFeed := exchange.NewUserFeed(cfg.Venue.WSURL, client.UserAddress(), client, logger)

	store, err := registry.OpenStore(ctx, cfg.Store, logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	reg := registry.New(store, logger)

	hub := marketdata.NewHub(mktFeed, client, client, cfg.Hub, logger)
	gw := gateway.NewGateway(client, cfg.Gateway, cfg.Venue.OrderAckTimeout, logger)
	sched := scheduler.NewScheduler(hub, cfg.Sched, logger)

	return New(cfg, Deps{
		Venue:    client,
		Hub:      hub,
		Gateway:  gw,
		Sched:    sched,
		Registry: reg,
		User:     usrFeed,
		Logger:   logger,
		Runners:  []func(context.Context) error{mktFeed.Run, usrFeed.Run},
	}), nil
}

// Registry exposes the strategy system of record to the control plane.
func (h *Hive) Registry() *registry.Registry { return h.reg }

// Uptime reports how long Run has been serving.
func (h *Hive) Uptime() time.Duration {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.started.IsZero() {
		return 0
	}
	return time.Since(h.started)
}

// SchedStats exposes scheduler counters for telemetry.
func (h *Hive) SchedStats() scheduler.Stats { return h.sched.Stats() }

// QueueDepths exposes per-strategy gateway backlog for telemetry.
func (h *Hive) QueueDepths() map[string]int { return h.gw.QueueDepths() }

// ActiveHosts reports how many strategies are currently hosted.
func (h *Hive) ActiveHosts() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.hosts)
}

// Trading reports whether orders reach the venue or are acked locally.
func (h *Hive) Trading() bool { return h.venue.Trading() }

// Supports reports whether the venue lists symbol in its instrument
// metadata. Registration rejects pairs the venue cannot trade.
func (h *Hive) Supports(symbol string) error {
	_, err := h.venue.Instrument(symbol)
	return err
}

// Run serves until ctx is cancelled or a subsystem fails fatally. On the
// way out it runs the close protocol for every active strategy under the
// close deadline, then stops the subsystems and drains.
func (h *Hive) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h.mu.Lock()
	h.started = time.Now()
	h.lastSync = h.started
	h.baseCtx = runCtx
	h.mu.Unlock()

	fatal := make(chan error, 1)
	var wg sync.WaitGroup
	start := func(name string, fn func(context.Context) error) {
		if fn == nil {
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(runCtx); err != nil && runCtx.Err() == nil {
				h.logger.Error("subsystem failed", "subsystem", name, "error", err)
				select {
				case fatal <- fmt.Errorf("%s: %w", name, err):
				default:
				}
			}
		}()
	}

	start("registry", h.reg.Run)
	start("hub", h.hub.Run)
	start("gateway", h.gw.Run)
	start("scheduler", h.sched.Run)
	for i, r := range h.runners {
		start(fmt.Sprintf("feed-%d", i), r)
	}

	start("outcomes", h.outcomeLoop)
	start("user-events", h.userLoop)
	start("resync", h.resyncLoop)
	start("account", h.accountLoop)

	h.restore(runCtx)

	h.logger.Info("hive running",
		"trading", h.venue.Trading(), "network", h.cfg.Network)

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-fatal:
	}

	h.closeAll()
	cancel()
	wg.Wait()
	h.logger.Info("hive stopped")
	return runErr
}

// restore brings persisted strategies back: non-terminal records load as
// pending, and the ones marked enabled are re-armed through the normal
// start path.
func (h *Hive) restore(ctx context.Context) {
	snaps, err := h.reg.Restore(ctx)
	if err != nil {
		h.logger.Error("restore strategies", "error", err)
		return
	}
	for _, snap := range snaps {
		if snap.Status != types.StatusPending || !snap.Config.Enabled {
			continue
		}
		if _, err := h.StartStrategy(ctx, snap.Config.ID); err != nil {
			h.logger.Warn("restored strategy did not start",
				"strategy", snap.Config.ID, "name", snap.Config.Name, "error", err)
		}
	}
}

// closeAll runs the close protocol for every active strategy concurrently.
// Positions are left open for the next run; orders are cancelled. A final
// venue-side cancel sweep per traded symbol backstops anything in flight.
func (h *Hive) closeAll() {
	active := h.reg.List(registry.Filter{Status: types.StatusActive})
	if len(active) > 0 {
		h.logger.Info("closing active strategies", "count", len(active))
		deadline := h.cfg.Sched.CloseDeadline
		if deadline <= 0 {
			deadline = 30 * time.Second
		}
		ctx, cancel := context.WithTimeout(context.Background(), deadline)
		defer cancel()

		p := pool.New().WithMaxGoroutines(8)
		for _, snap := range active {
			id := snap.Config.ID
			p.Go(func() {
				if _, err := h.Close(ctx, id, CloseOptions{CancelOrders: true}); err != nil {
					h.logger.Error("close on shutdown", "strategy", id, "error", err)
				}
			})
		}
		p.Wait()
	}

	if !h.venue.Trading() {
		return
	}
	symbols := make(map[string]bool)
	for _, snap := range active {
		symbols[snap.Config.TradingPair] = true
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for sym := range symbols {
		if err := h.venue.CancelAll(ctx, sym); err != nil {
			h.logger.Warn("shutdown cancel sweep", "symbol", sym, "error", err)
		}
	}
}

// slot returns the running slot for id, or nil.
func (h *Hive) slot(id string) *hostSlot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.hosts[id]
}

// routePrefix mirrors the ledger's client order id scheme: ids are
// "<prefix>-<seq>" where the prefix is the first eight characters of the
// strategy id.
func routePrefix(strategyID string) string {
	if len(strategyID) > 8 {
		return strategyID[:8]
	}
	return strategyID
}

// ownerOf resolves a client order id to its strategy. The prefix may itself
// contain dashes, so the sequence split is at the last one.
func (h *Hive) ownerOf(clientOrderID string) (*hostSlot, bool) {
	i := strings.LastIndex(clientOrderID, "-")
	if i <= 0 {
		return nil, false
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	id, ok := h.routes[clientOrderID[:i]]
	if !ok {
		return nil, false
	}
	slot, ok := h.hosts[id]
	return slot, ok
}
