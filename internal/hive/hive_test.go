package hive

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"hyperhive/internal/config"
	"hyperhive/internal/exchange"
	"hyperhive/internal/gateway"
	"hyperhive/internal/marketdata"
	"hyperhive/internal/registry"
	"hyperhive/internal/scheduler"
	"hyperhive/internal/strategy"
	"hyperhive/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// ————————————————————————————————————————————————————————————————————————
// Fakes
// ————————————————————————————————————————————————————————————————————————

// fakeUser implements UserStream with writable channels.
type fakeUser struct {
	orders  chan types.OrderEvent
	fills   chan types.Fill
	funds   chan types.FundingPayment
	resyncs chan struct{}
}

func newFakeUser() *fakeUser {
	return &fakeUser{
		orders:  make(chan types.OrderEvent, 32),
		fills:   make(chan types.Fill, 32),
		funds:   make(chan types.FundingPayment, 4),
		resyncs: make(chan struct{}, 2),
	}
}

func (u *fakeUser) OrderEvents() <-chan types.OrderEvent  { return u.orders }
func (u *fakeUser) Fills() <-chan types.Fill              { return u.fills }
func (u *fakeUser) Fundings() <-chan types.FundingPayment { return u.funds }
func (u *fakeUser) Resyncs() <-chan struct{}              { return u.resyncs }

// fakeUpstream feeds the real hub.
type fakeUpstream struct {
	books   chan types.BookSnapshot
	trades  chan types.Trade
	candles chan types.Candle
	resyncs chan struct{}
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{
		books:   make(chan types.BookSnapshot, 16),
		trades:  make(chan types.Trade, 16),
		candles: make(chan types.Candle, 16),
		resyncs: make(chan struct{}, 1),
	}
}

func (u *fakeUpstream) Subscribe(exchange.Sub) error     { return nil }
func (u *fakeUpstream) Unsubscribe(exchange.Sub) error   { return nil }
func (u *fakeUpstream) Books() <-chan types.BookSnapshot { return u.books }
func (u *fakeUpstream) Trades() <-chan types.Trade       { return u.trades }
func (u *fakeUpstream) Candles() <-chan types.Candle     { return u.candles }
func (u *fakeUpstream) Resyncs() <-chan struct{}         { return u.resyncs }

type cancelCall struct {
	symbol string
	oid    string
	cloid  string
}

// fakeVenue answers venue calls and, in trading mode, plays the user stream
// back the way the live venue would: marketable orders fill immediately,
// cancels confirm.
type fakeVenue struct {
	user    *fakeUser
	trading bool

	mu         sync.Mutex
	oidSeq     int
	placed     []exchange.OrderRequest
	cancels    []cancelCall
	sweeps     []string
	report     exchange.ReconcileReport
	reconciles int
	recLocal   []types.OrderRecord
}

func (v *fakeVenue) Trading() bool { return v.trading }

func (v *fakeVenue) Instrument(symbol string) (types.Instrument, error) {
	if symbol != "ETH-USD" {
		return types.Instrument{}, fmt.Errorf("%w: %s", types.ErrUnknownSymbol, symbol)
	}
	return types.Instrument{
		Symbol: "ETH-USD", Coin: "ETH", AssetID: 1,
		TickDecimals: 2, LotDecimals: 4,
		MinSize: d("0.0001"), MaxLeverage: 50,
	}, nil
}

func (v *fakeVenue) Candles(context.Context, string, string, int) ([]types.Candle, error) {
	return nil, nil
}

func (v *fakeVenue) Balances(context.Context) (types.Balances, error) {
	return types.Balances{
		AccountValue: d("10000"), TotalMarginUsed: d("100"), Withdrawable: d("9000"),
	}, nil
}

func (v *fakeVenue) PlaceOrder(_ context.Context, req exchange.OrderRequest) (exchange.OrderAck, error) {
	v.mu.Lock()
	v.oidSeq++
	oid := fmt.Sprintf("oid-%d", v.oidSeq)
	v.placed = append(v.placed, req)
	trading := v.trading
	v.mu.Unlock()

	marketable := req.Type == types.OrderTypeMarket || req.TIF == types.TIFIoc
	if trading && marketable {
		v.user.fills <- types.Fill{
			ClientOrderID:   req.ClientOrderID,
			ExchangeOrderID: oid,
			Symbol:          req.Symbol,
			Side:            req.Side,
			Price:           req.Price,
			Size:            req.Size,
			Crossed:         true,
			Time:            time.Now(),
		}
	}
	return exchange.OrderAck{
		ClientOrderID:   req.ClientOrderID,
		ExchangeOrderID: oid,
		Status:          exchange.AckResting,
	}, nil
}

func (v *fakeVenue) CancelOrder(_ context.Context, symbol, oid, cloid string) error {
	v.mu.Lock()
	v.cancels = append(v.cancels, cancelCall{symbol: symbol, oid: oid, cloid: cloid})
	trading := v.trading
	v.mu.Unlock()
	if trading && cloid != "" {
		v.user.orders <- types.OrderEvent{
			ClientOrderID:   cloid,
			ExchangeOrderID: oid,
			Symbol:          symbol,
			State:           types.OrderCancelled,
			Time:            time.Now(),
		}
	}
	return nil
}

func (v *fakeVenue) CancelAll(_ context.Context, symbol string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.sweeps = append(v.sweeps, symbol)
	return nil
}

func (v *fakeVenue) Reconcile(_ context.Context, local []types.OrderRecord, _ time.Time) (*exchange.ReconcileReport, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.reconciles++
	v.recLocal = append([]types.OrderRecord(nil), local...)
	report := v.report
	return &report, nil
}

func (v *fakeVenue) placedOrders() []exchange.OrderRequest {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]exchange.OrderRequest(nil), v.placed...)
}

func (v *fakeVenue) cancelCalls() []cancelCall {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]cancelCall(nil), v.cancels...)
}

func (v *fakeVenue) sweptSymbols() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]string(nil), v.sweeps...)
}

func (v *fakeVenue) setReport(r exchange.ReconcileReport) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.report = r
}

func (v *fakeVenue) reconcileCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.reconciles
}

func (v *fakeVenue) localSeen() []types.OrderRecord {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]types.OrderRecord(nil), v.recLocal...)
}

// ————————————————————————————————————————————————————————————————————————
// Harness
// ————————————————————————————————————————————————————————————————————————

type harness struct {
	hive  *Hive
	venue *fakeVenue
	user  *fakeUser
	up    *fakeUpstream
	reg   *registry.Registry

	cancel   context.CancelFunc
	done     chan error
	stopOnce sync.Once
	runErr   error
}

func testHiveConfig(trading bool) *config.Config {
	return &config.Config{
		Trading: trading,
		Network: types.NetworkTestnet,
		Venue: config.VenueConfig{
			HTTPTimeout:     time.Second,
			OrderAckTimeout: time.Second,
		},
		Sched: config.SchedConfig{
			TickInterval:  10 * time.Millisecond,
			SoftBudget:    50 * time.Millisecond,
			BudgetPenalty: 2,
			StaleAfter:    time.Minute,
			CloseDeadline: 3 * time.Second,
		},
		Gateway: config.GatewayConfig{
			GlobalOrdersPerSecond:   500,
			StrategyOrdersPerSecond: 500,
			MaxInflightOrders:       8,
			QueueCap:                64,
			RetryDelay:              10 * time.Millisecond,
			Workers:                 2,
		},
		Hub: config.HubConfig{
			LingerWindow:  20 * time.Millisecond,
			BookDepth:     20,
			CandleHistory: 300,
		},
		Risk: config.RiskConfig{MaxPositionNotional: 1e9},
	}
}

func buildHarness(t *testing.T, trading bool) *harness {
	t.Helper()
	return buildHarnessWith(t, trading, registry.New(nil, testLogger()))
}

// buildHarnessWith wires a hive over fakes without starting it, so tests can
// pre-load the registry the way a restart would find it.
func buildHarnessWith(t *testing.T, trading bool, reg *registry.Registry) *harness {
	t.Helper()
	logger := testLogger()
	user := newFakeUser()
	venue := &fakeVenue{user: user, trading: trading}
	up := newFakeUpstream()
	cfg := testHiveConfig(trading)
	hub := marketdata.NewHub(up, venue, venue, cfg.Hub, logger)
	gw := gateway.NewGateway(venue, cfg.Gateway, cfg.Venue.OrderAckTimeout, logger)
	sched := scheduler.NewScheduler(hub, cfg.Sched, logger)

	h := New(cfg, Deps{
		Venue:    venue,
		Hub:      hub,
		Gateway:  gw,
		Sched:    sched,
		Registry: reg,
		User:     user,
		Logger:   logger,
	})
	return &harness{hive: h, venue: venue, user: user, up: up, reg: reg}
}

func (hn *harness) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	hn.cancel = cancel
	hn.done = make(chan error, 1)
	go func() { hn.done <- hn.hive.Run(ctx) }()
	t.Cleanup(hn.stop)
	eventually(t, func() bool { return hn.hive.Uptime() > 0 }, "hive did not start")
}

func newHarness(t *testing.T, trading bool) *harness {
	t.Helper()
	hn := buildHarness(t, trading)
	hn.start(t)
	return hn
}

// stop cancels Run and waits for it once; safe to call again.
func (hn *harness) stop() {
	hn.stopOnce.Do(func() {
		hn.cancel()
		select {
		case hn.runErr = <-hn.done:
		case <-time.After(5 * time.Second):
			hn.runErr = fmt.Errorf("run did not stop")
		}
	})
}

func pmmTestConfig(name string) types.StrategyConfig {
	return types.StrategyConfig{
		Name:             name,
		Type:             types.StrategyPureMarketMaking,
		ConnectorType:    "hyperliquid_perpetual",
		TradingPair:      "ETH-USD",
		TotalAmountQuote: d("1000"),
		Leverage:         5,
		PositionMode:     types.PositionOneway,
		Enabled:          true,
		PMM: &types.PMMParams{
			BidSpread:        d("0.002"),
			AskSpread:        d("0.002"),
			OrderAmount:      d("0.5"),
			OrderLevels:      1,
			OrderRefreshTime: 30,
		},
	}
}

func (hn *harness) startPMM(t *testing.T, name string) string {
	t.Helper()
	snap, _, err := hn.reg.Register(context.Background(), pmmTestConfig(name))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := hn.hive.StartStrategy(context.Background(), snap.Config.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	return snap.Config.ID
}

func (hn *harness) host(t *testing.T, id string) *strategy.Host {
	t.Helper()
	slot := hn.hive.slot(id)
	if slot == nil {
		t.Fatalf("no running slot for %s", id)
	}
	return slot.host
}

// seedOrder plants a resting order in the strategy's ledger, as if placed
// before the test began.
func seedOrder(host *strategy.Host, price, size string) string {
	in := types.Intent{
		Kind:          types.IntentCreate,
		StrategyID:    host.ID(),
		Symbol:        "ETH-USD",
		ClientOrderID: host.NextClientID(),
		Side:          types.BUY,
		Price:         d(price),
		Size:          d(size),
		OrderType:     types.OrderTypeLimit,
		TIF:           types.TIFGtc,
	}
	host.TrackOrder(in)
	return in.ClientOrderID
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

// ————————————————————————————————————————————————————————————————————————
// Tests
// ————————————————————————————————————————————————————————————————————————

func TestCloseCancelsFlattensAndStops(t *testing.T) {
	hn := newHarness(t, true)
	id := hn.startPMM(t, "close-me")
	host := hn.host(t, id)

	for i := 0; i < 3; i++ {
		seedOrder(host, fmt.Sprintf("9%d.00", 7+i), "0.5")
	}
	host.OnFill(types.Fill{
		ClientOrderID: "seed-entry",
		Symbol:        "ETH-USD",
		Side:          types.BUY,
		Price:         d("100"),
		Size:          d("0.5"),
		Time:          time.Now(),
	})
	if got := host.LiveOrderCount(); got != 3 {
		t.Fatalf("seeded live orders = %d, want 3", got)
	}

	snap, err := hn.hive.Close(context.Background(), id, CloseOptions{
		ClosePositions: true,
		CancelOrders:   true,
	})
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if snap.Status != types.StatusStopped {
		t.Fatalf("status = %s, want stopped", snap.Status)
	}
	if got := host.LiveOrderCount(); got != 0 {
		t.Fatalf("live orders after close = %d", got)
	}
	if !host.Position().Size.IsZero() {
		t.Fatalf("position after close = %s", host.Position().Size)
	}
	if hn.hive.slot(id) != nil {
		t.Fatal("slot survived close")
	}

	if got := len(hn.venue.cancelCalls()); got != 3 {
		t.Fatalf("venue cancels = %d, want 3", got)
	}
	var flattener *exchange.OrderRequest
	for _, req := range hn.venue.placedOrders() {
		if req.ReduceOnly {
			r := req
			flattener = &r
			break
		}
	}
	if flattener == nil {
		t.Fatal("no reduce-only order reached the venue")
	}
	if flattener.Side != types.SELL || !flattener.Size.Equal(d("0.5")) {
		t.Fatalf("flatten order %s %s, want SELL 0.5", flattener.Side, flattener.Size)
	}
	if flattener.Type != types.OrderTypeMarket || flattener.TIF != types.TIFIoc {
		t.Fatalf("flatten order type %s/%s, want market/IOC", flattener.Type, flattener.TIF)
	}

	acts, err := hn.reg.Activities(id, 0)
	if err != nil {
		t.Fatal(err)
	}
	var sawClose bool
	for _, a := range acts {
		if a.Kind == types.ActivityClose && a.Success {
			sawClose = true
		}
	}
	if !sawClose {
		t.Fatal("no close activity recorded")
	}

	// Repeat close is idempotent: final state, no new venue traffic.
	placedBefore := len(hn.venue.placedOrders())
	again, err := hn.hive.Close(context.Background(), id, CloseOptions{ClosePositions: true, CancelOrders: true})
	if err != nil {
		t.Fatalf("repeat close: %v", err)
	}
	if again.Status != types.StatusStopped {
		t.Fatalf("repeat close status = %s", again.Status)
	}
	if got := len(hn.venue.placedOrders()); got != placedBefore {
		t.Fatalf("repeat close placed %d new orders", got-placedBefore)
	}
}

func TestCloseRequiresActive(t *testing.T) {
	hn := newHarness(t, true)
	snap, _, err := hn.reg.Register(context.Background(), pmmTestConfig("never-started"))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := hn.hive.Close(context.Background(), snap.Config.ID, CloseOptions{}); err == nil {
		t.Fatal("closing a pending strategy should fail the transition check")
	}
}

func TestResyncReplaysMissedFill(t *testing.T) {
	hn := newHarness(t, true)
	id := hn.startPMM(t, "resync-me")
	host := hn.host(t, id)

	cloid := seedOrder(host, "99.00", "0.5")
	now := time.Now()
	hn.venue.setReport(exchange.ReconcileReport{
		Fills: []types.Fill{{
			ClientOrderID: cloid,
			Symbol:        "ETH-USD",
			Side:          types.BUY,
			Price:         d("99.00"),
			Size:          d("0.5"),
			Synthetic:     true,
			Time:          now,
		}},
		Events: []types.OrderEvent{{
			ClientOrderID: cloid,
			Symbol:        "ETH-USD",
			Side:          types.BUY,
			State:         types.OrderFilled,
			Filled:        d("0.5"),
			Synthetic:     true,
			Time:          now,
		}},
		Positions: []types.Position{{
			Symbol: "ETH-USD", Size: d("0.5"), EntryPrice: d("99.00"),
		}},
	})

	hn.user.resyncs <- struct{}{}

	eventually(t, func() bool {
		return host.Position().Size.Equal(d("0.5")) && host.LiveOrderCount() == 0
	}, "reconciled fill not applied")

	if got := hn.venue.reconcileCount(); got != 1 {
		t.Fatalf("reconcile calls = %d, want 1", got)
	}
	local := hn.venue.localSeen()
	if len(local) != 1 || local[0].ClientOrderID != cloid {
		t.Fatalf("reconcile saw %d local orders, want the seeded one", len(local))
	}

	snap, err := hn.reg.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	if !snap.Runtime.Position.Equal(d("0.5")) {
		t.Fatalf("runtime position = %s, want 0.5", snap.Runtime.Position)
	}
	acts, err := hn.reg.Activities(id, 0)
	if err != nil {
		t.Fatal(err)
	}
	var sawReconciledFill bool
	for _, a := range acts {
		if a.Kind == types.ActivityFill && a.Detail == "reconciled" {
			sawReconciledFill = true
		}
	}
	if !sawReconciledFill {
		t.Fatal("no reconciled fill activity")
	}
	// Nothing was re-placed: the venue never saw an order from this hive.
	if got := len(hn.venue.placedOrders()); got != 0 {
		t.Fatalf("venue saw %d orders, want 0", got)
	}
}

func TestResyncCancelsUnclaimedVenueOrder(t *testing.T) {
	hn := newHarness(t, true)
	hn.venue.setReport(exchange.ReconcileReport{
		Events: []types.OrderEvent{{
			ClientOrderID:   "adopted-555",
			ExchangeOrderID: "555",
			Symbol:          "ETH-USD",
			State:           types.OrderOpen,
			Reason:          "adopted",
			Time:            time.Now(),
		}},
	})

	hn.user.resyncs <- struct{}{}

	eventually(t, func() bool {
		for _, c := range hn.venue.cancelCalls() {
			if c.oid == "555" && c.symbol == "ETH-USD" {
				return true
			}
		}
		return false
	}, "unclaimed order was not cancelled")
}

func TestDryRunSynthesizesMarketableFills(t *testing.T) {
	hn := newHarness(t, false)
	id := hn.startPMM(t, "dry-run")
	host := hn.host(t, id)

	in := types.Intent{
		Kind:          types.IntentCreate,
		StrategyID:    id,
		Symbol:        "ETH-USD",
		ClientOrderID: host.NextClientID(),
		Side:          types.BUY,
		Price:         d("100.00"),
		Size:          d("0.25"),
		OrderType:     types.OrderTypeMarket,
		TIF:           types.TIFIoc,
	}
	host.TrackOrder(in)
	if err := hn.hive.gw.Submit(in); err != nil {
		t.Fatalf("submit: %v", err)
	}

	eventually(t, func() bool {
		return host.Position().Size.Equal(d("0.25")) && host.LiveOrderCount() == 0
	}, "dry-run market order did not fill")

	// A resting limit stays live until cancelled; the cancel confirms
	// synthetically too.
	rest := types.Intent{
		Kind:          types.IntentCreate,
		StrategyID:    id,
		Symbol:        "ETH-USD",
		ClientOrderID: host.NextClientID(),
		Side:          types.BUY,
		Price:         d("95.00"),
		Size:          d("0.25"),
		OrderType:     types.OrderTypeLimit,
		TIF:           types.TIFGtc,
	}
	host.TrackOrder(rest)
	if err := hn.hive.gw.Submit(rest); err != nil {
		t.Fatalf("submit: %v", err)
	}
	eventually(t, func() bool { return host.LiveOrderCount() == 1 }, "resting order lost")
	if !host.Position().Size.Equal(d("0.25")) {
		t.Fatalf("resting limit moved the position to %s", host.Position().Size)
	}

	if err := hn.hive.gw.Submit(types.Intent{
		Kind:           types.IntentCancel,
		StrategyID:     id,
		Symbol:         "ETH-USD",
		CancelClientID: rest.ClientOrderID,
	}); err != nil {
		t.Fatalf("submit cancel: %v", err)
	}
	eventually(t, func() bool { return host.LiveOrderCount() == 0 }, "synthetic cancel not applied")
}

func TestDryRunCloseFlattensPosition(t *testing.T) {
	hn := newHarness(t, false)
	id := hn.startPMM(t, "dry-close")
	host := hn.host(t, id)

	host.OnFill(types.Fill{
		ClientOrderID: "seed-entry",
		Symbol:        "ETH-USD",
		Side:          types.BUY,
		Price:         d("100"),
		Size:          d("0.5"),
		Time:          time.Now(),
	})

	snap, err := hn.hive.Close(context.Background(), id, CloseOptions{
		ClosePositions: true,
		CancelOrders:   true,
	})
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if snap.Status != types.StatusStopped {
		t.Fatalf("status = %s, want stopped", snap.Status)
	}
	if !host.Position().Size.IsZero() {
		t.Fatalf("position after dry-run close = %s", host.Position().Size)
	}
	// The venue never reports fills in dry-run mode, so the flatten order
	// must settle synthetically: one reduce-only order, no retries.
	var reduceOnly int
	for _, req := range hn.venue.placedOrders() {
		if req.ReduceOnly {
			reduceOnly++
		}
	}
	if reduceOnly != 1 {
		t.Fatalf("reduce-only orders = %d, want 1", reduceOnly)
	}
}

func TestShutdownClosesActiveStrategies(t *testing.T) {
	hn := newHarness(t, true)
	id := hn.startPMM(t, "shutdown-me")

	hn.stop()
	if hn.runErr != nil {
		t.Fatalf("run returned %v", hn.runErr)
	}

	snap, err := hn.reg.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	if snap.Status != types.StatusStopped {
		t.Fatalf("status after shutdown = %s, want stopped", snap.Status)
	}
	var swept bool
	for _, sym := range hn.venue.sweptSymbols() {
		if sym == "ETH-USD" {
			swept = true
		}
	}
	if !swept {
		t.Fatal("no venue-side cancel sweep on shutdown")
	}
}

func TestRestoreReArmsEnabledStrategies(t *testing.T) {
	dir := t.TempDir()

	// First life: register an enabled strategy, then shut the registry down
	// so the write queue flushes to disk.
	store, err := registry.OpenFileStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	prev := registry.New(store, testLogger())
	qctx, qcancel := context.WithCancel(context.Background())
	qdone := make(chan error, 1)
	go func() { qdone <- prev.Run(qctx) }()
	snap, _, err := prev.Register(context.Background(), pmmTestConfig("auto-arm"))
	if err != nil {
		t.Fatal(err)
	}
	qcancel()
	<-qdone

	// Second life: a fresh registry over the same directory finds the
	// record and the hive re-arms it through the normal start path.
	reopened, err := registry.OpenFileStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	hn := buildHarnessWith(t, true, registry.New(reopened, testLogger()))
	hn.start(t)

	eventually(t, func() bool {
		s, err := hn.reg.Get(snap.Config.ID)
		return err == nil && s.Status == types.StatusActive && hn.hive.slot(snap.Config.ID) != nil
	}, "enabled strategy was not re-armed on restart")
}

func TestPortfolioAggregatesAcrossStrategies(t *testing.T) {
	hn := newHarness(t, true)
	id := hn.startPMM(t, "folio")
	host := hn.host(t, id)

	host.OnFill(types.Fill{
		ClientOrderID: "seed",
		Symbol:        "ETH-USD",
		Side:          types.BUY,
		Price:         d("100"),
		Size:          d("2"),
		Time:          time.Now(),
	})

	// Push a live book so unrealized PnL marks at the mid.
	hn.up.books <- types.BookSnapshot{
		Symbol:    "ETH-USD",
		Bids:      []types.BookLevel{{Price: d("109.99"), Size: d("5")}},
		Asks:      []types.BookLevel{{Price: d("110.01"), Size: d("5")}},
		Sequence:  1,
		UpdatedAt: time.Now(),
	}
	eventually(t, func() bool {
		_, ok := hn.hive.hub.Latest("ETH-USD")
		return ok
	}, "book never reached the hub")

	p := hn.hive.Portfolio()
	if len(p.Positions) != 1 {
		t.Fatalf("portfolio rows = %d, want 1", len(p.Positions))
	}
	row := p.Positions[0]
	if !row.Position.Equal(d("2")) || !row.EntryPrice.Equal(d("100")) {
		t.Fatalf("row position %s @ %s, want 2 @ 100", row.Position, row.EntryPrice)
	}
	// (110 - 100) * 2 = 20 marked at the mid.
	if !row.UnrealizedPnl.Equal(d("20")) {
		t.Fatalf("unrealized = %s, want 20", row.UnrealizedPnl)
	}
	if !p.TotalUnrealizedPnl.Equal(d("20")) {
		t.Fatalf("total unrealized = %s, want 20", p.TotalUnrealizedPnl)
	}
	if !p.Balances.AccountValue.Equal(d("10000")) {
		t.Fatalf("balances not populated: %s", p.Balances.AccountValue)
	}
}
