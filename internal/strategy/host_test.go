package strategy

import (
	"context"
	"sync"
	"testing"
	"time"

	"hyperhive/internal/config"
	"hyperhive/internal/registry"
	"hyperhive/pkg/types"
)

// recordingSink captures submitted intents in order.
type recordingSink struct {
	mu      sync.Mutex
	intents []types.Intent
	err     error
}

func (s *recordingSink) Submit(in types.Intent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.intents = append(s.intents, in)
	return s.err
}

func (s *recordingSink) all() []types.Intent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Intent, len(s.intents))
	copy(out, s.intents)
	return out
}

func (s *recordingSink) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.intents = nil
}

// stubStrategy returns a canned intent set per tick and records callbacks.
type stubStrategy struct {
	mu     sync.Mutex
	out    []types.Intent
	ticks  int
	events []types.OrderEvent
	fills  []types.Fill
	panics bool
}

func (s *stubStrategy) OnTick(time.Time, types.BookSnapshot) []types.Intent {
	if s.panics {
		panic("tick exploded")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ticks++
	return s.out
}

func (s *stubStrategy) OnOrderEvent(ev types.OrderEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *stubStrategy) OnFill(f types.Fill) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fills = append(s.fills, f)
}

func (s *stubStrategy) Close() {}

func (s *stubStrategy) eventStates() []types.OrderState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.OrderState, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.State
	}
	return out
}

type acctStub struct{ bal types.Balances }

func (a acctStub) Balances() types.Balances { return a.bal }

// stubHost registers cfg and wires a host around the given stub variant.
func stubHost(t *testing.T, cfg types.StrategyConfig, risk config.RiskConfig, strat Strategy, sink IntentSink, acct AccountSource) (*Host, *registry.Registry) {
	t.Helper()
	reg := registry.New(nil, testLogger())
	snap, _, err := reg.Register(context.Background(), cfg)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	h := &Host{
		cfg:      snap.Config,
		inst:     testInst(),
		reg:      reg,
		gw:       sink,
		acct:     acct,
		risk:     risk,
		orders:   newLedger(snap.Config.ID),
		pos:      NewPosition(snap.Config.TradingPair),
		strat:    strat,
		logger:   testLogger(),
		gateOpen: true,
	}
	return h, reg
}

func activityKinds(t *testing.T, reg *registry.Registry, id string) map[types.ActivityKind]int {
	t.Helper()
	acts, err := reg.Activities(id, 0)
	if err != nil {
		t.Fatalf("activities: %v", err)
	}
	kinds := make(map[types.ActivityKind]int)
	for _, a := range acts {
		kinds[a.Kind]++
	}
	return kinds
}

func createIntent(cloid, price, size string) types.Intent {
	return types.Intent{
		Kind:          types.IntentCreate,
		StrategyID:    "pmm-test-0001",
		Symbol:        "ETH-USD",
		ClientOrderID: cloid,
		Side:          types.BUY,
		Price:         d(price),
		Size:          d(size),
		OrderType:     types.OrderTypeLimit,
		TIF:           types.TIFGtc,
	}
}

func TestHostRunsPMMEndToEnd(t *testing.T) {
	t.Parallel()
	reg := registry.New(nil, testLogger())
	snap, _, err := reg.Register(context.Background(), pmmCfg())
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	sink := &recordingSink{}
	h, err := NewHost(snap.Config, testInst(), Deps{
		Registry: reg,
		Gateway:  sink,
		Account:  acctStub{},
		Logger:   testLogger(),
	})
	if err != nil {
		t.Fatalf("new host: %v", err)
	}

	if h.ID() != snap.Config.ID || h.Symbol() != "ETH-USD" {
		t.Fatalf("identity: id=%q symbol=%q", h.ID(), h.Symbol())
	}
	if h.RefreshInterval() != 30*time.Second {
		t.Fatalf("refresh = %v, want the configured 30s", h.RefreshInterval())
	}

	t0 := time.Now()
	h.OnTick(t0, book("99.99", "100.01"))

	got := sink.all()
	if len(got) != 2 {
		t.Fatalf("want both ladder quotes submitted, got %v", got)
	}
	after, err := reg.Get(snap.Config.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if after.Counters.TotalActions != 2 {
		t.Fatalf("actions = %d, want one per submitted intent", after.Counters.TotalActions)
	}
	if after.Runtime.LiveOrders != 2 {
		t.Fatalf("live orders = %d, want 2", after.Runtime.LiveOrders)
	}
	if !after.Runtime.LastTickAt.Equal(t0) {
		t.Fatalf("last tick = %v, want %v", after.Runtime.LastTickAt, t0)
	}
}

func TestHostVariantRefreshIntervals(t *testing.T) {
	t.Parallel()
	reg := registry.New(nil, testLogger())
	sink := &recordingSink{}

	for _, tc := range []struct {
		cfg  types.StrategyConfig
		want time.Duration
	}{
		{pmmCfg(), 30 * time.Second},
		{dirCfg(), 0},
		{mmv2Cfg(), 0},
	} {
		snap, _, err := reg.Register(context.Background(), tc.cfg)
		if err != nil {
			t.Fatalf("register %s: %v", tc.cfg.Type, err)
		}
		h, err := NewHost(snap.Config, testInst(), Deps{Registry: reg, Gateway: sink, Logger: testLogger()})
		if err != nil {
			t.Fatalf("new host %s: %v", tc.cfg.Type, err)
		}
		if h.RefreshInterval() != tc.want {
			t.Fatalf("%s refresh = %v, want %v", tc.cfg.Type, h.RefreshInterval(), tc.want)
		}
	}
}

func TestHostOutcomeAccounting(t *testing.T) {
	t.Parallel()
	stub := &stubStrategy{out: []types.Intent{
		createIntent("h-1", "99.80", "0.001"),
		createIntent("h-2", "99.70", "0.001"),
		createIntent("h-3", "99.60", "0.001"),
	}}
	sink := &recordingSink{}
	h, reg := stubHost(t, pmmCfg(), config.RiskConfig{}, stub, sink, acctStub{})
	id := h.ID()

	h.OnTick(time.Now(), book("99.99", "100.01"))
	if n := len(sink.all()); n != 3 {
		t.Fatalf("submitted = %d, want 3", n)
	}

	h.OnOutcome(types.IntentOutcome{Intent: stub.out[0], Status: types.IntentAccepted, ExchangeOrderID: "ex1"})
	h.OnOutcome(types.IntentOutcome{Intent: stub.out[1], Status: types.IntentRejected, Err: errInvalidPrice})
	h.OnOutcome(types.IntentOutcome{Intent: stub.out[2], Status: types.IntentShed})

	snap, err := reg.Get(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	c := snap.Counters
	if c.TotalActions != 3 || c.SuccessfulOrders != 1 || c.FailedOrders != 1 {
		t.Fatalf("counters = %+v, want 3 actions, 1 ok, 1 failed (shed counts neither)", c)
	}
	if c.SuccessfulOrders+c.FailedOrders > c.TotalActions {
		t.Fatalf("counter invariant broken: %+v", c)
	}
	if snap.Runtime.LiveOrders != 1 {
		t.Fatalf("live = %d, only the accepted order should remain", snap.Runtime.LiveOrders)
	}

	kinds := activityKinds(t, reg, id)
	for _, k := range []types.ActivityKind{types.ActivityOrderPlaced, types.ActivityOrderRejected, types.ActivityOrderShed} {
		if kinds[k] != 1 {
			t.Fatalf("activity %s recorded %d times, want 1 (all: %v)", k, kinds[k], kinds)
		}
	}

	// The variant hears about the dead orders so it can release their ids.
	states := stub.eventStates()
	if len(states) != 2 || states[0] != types.OrderRejected || states[1] != types.OrderCancelled {
		t.Fatalf("forwarded events = %v, want reject then shed-as-cancel", states)
	}
}

var errInvalidPrice = types.Faultf(types.KindVenueRejected, "px must be divisible by tick size")

func TestHostCancelledEventRecordsActivity(t *testing.T) {
	t.Parallel()
	stub := &stubStrategy{out: []types.Intent{createIntent("h-1", "99.80", "0.001")}}
	sink := &recordingSink{}
	h, reg := stubHost(t, pmmCfg(), config.RiskConfig{}, stub, sink, acctStub{})

	h.OnTick(time.Now(), book("99.99", "100.01"))
	h.OnOutcome(types.IntentOutcome{Intent: stub.out[0], Status: types.IntentAccepted, ExchangeOrderID: "ex1"})

	h.OnOrderEvent(types.OrderEvent{
		ClientOrderID: "h-1",
		Symbol:        "ETH-USD",
		Side:          types.BUY,
		State:         types.OrderCancelled,
		Time:          time.Now(),
	})

	kinds := activityKinds(t, reg, h.ID())
	if kinds[types.ActivityOrderCancelled] != 1 {
		t.Fatalf("want one order_cancelled activity, got %v", kinds)
	}
	if h.LiveOrderCount() != 0 {
		t.Fatalf("cancelled order must leave the ledger, live=%d", h.LiveOrderCount())
	}
}

func TestHostRiskGateSuspendsCreates(t *testing.T) {
	t.Parallel()
	stub := &stubStrategy{out: []types.Intent{
		createIntent("h-1", "99.80", "0.001"),
		{Kind: types.IntentCancel, Symbol: "ETH-USD", CancelClientID: "old-1"},
	}}
	sink := &recordingSink{}
	risk := config.RiskConfig{MaxPositionNotional: 500}
	h, reg := stubHost(t, pmmCfg(), risk, stub, sink, acctStub{})

	// 10 ETH at mid 100 = 1000 notional, over the 500 cap.
	h.pos.ApplyFill(fill(types.BUY, "100", "10"))

	h.OnTick(time.Now(), book("99.99", "100.01"))

	got := sink.all()
	if len(got) != 1 || got[0].Kind != types.IntentCancel {
		t.Fatalf("only the cancel may pass the gate, got %v", got)
	}
	snap, _ := reg.Get(h.ID())
	if snap.ErrorState == "" {
		t.Fatal("gate failure must surface as error state")
	}
	if snap.Counters.TotalActions != 1 {
		t.Fatalf("actions = %d, stripped creates are not actions", snap.Counters.TotalActions)
	}
	// The variant gets a synthetic reject for the stripped create.
	if states := stub.eventStates(); len(states) != 1 || states[0] != types.OrderRejected {
		t.Fatalf("forwarded = %v, want one synthetic reject", states)
	}

	// Position back under the cap: creates resume, error state clears.
	h.pos.Restore(d("1"), d("100"))
	sink.reset()
	h.OnTick(time.Now(), book("99.99", "100.01"))
	if len(sink.all()) != 2 {
		t.Fatalf("recovered gate must pass everything, got %v", sink.all())
	}
	snap, _ = reg.Get(h.ID())
	if snap.ErrorState != "" {
		t.Fatalf("error state must clear on recovery, got %q", snap.ErrorState)
	}
}

func TestHostMarginFloorGate(t *testing.T) {
	t.Parallel()
	stub := &stubStrategy{out: []types.Intent{createIntent("h-1", "99.80", "0.001")}}
	sink := &recordingSink{}
	risk := config.RiskConfig{MarginFloor: 0.10}
	acct := acctStub{bal: types.Balances{
		AccountValue:    d("1000"),
		TotalMarginUsed: d("950"),
	}}
	h, reg := stubHost(t, pmmCfg(), risk, stub, sink, acct)

	// Margin gate only bites while exposure exists.
	h.pos.ApplyFill(fill(types.BUY, "100", "0.01"))

	h.OnTick(time.Now(), book("99.99", "100.01"))
	if len(sink.all()) != 0 {
		t.Fatalf("5%% margin fraction is under the 10%% floor, got %v", sink.all())
	}
	if snap, _ := reg.Get(h.ID()); snap.ErrorState == "" {
		t.Fatal("margin breach must surface as error state")
	}
}

func TestHostFillDrivesPositionAndActivities(t *testing.T) {
	t.Parallel()
	stub := &stubStrategy{out: []types.Intent{createIntent("h-1", "100.00", "1")}}
	sink := &recordingSink{}
	h, reg := stubHost(t, pmmCfg(), config.RiskConfig{}, stub, sink, acctStub{})
	id := h.ID()

	h.OnTick(time.Now(), book("99.99", "100.01"))
	h.OnOutcome(types.IntentOutcome{Intent: stub.out[0], Status: types.IntentAccepted, ExchangeOrderID: "ex1"})

	h.OnFill(types.Fill{ClientOrderID: "h-1", Symbol: "ETH-USD", Side: types.BUY, Price: d("100"), Size: d("1"), Time: time.Now()})

	snap, _ := reg.Get(id)
	if !snap.Runtime.Position.Equal(d("1")) || !snap.Runtime.EntryPrice.Equal(d("100")) {
		t.Fatalf("runtime = %+v, want long 1 @ 100", snap.Runtime)
	}
	kinds := activityKinds(t, reg, id)
	if kinds[types.ActivityFill] != 1 || kinds[types.ActivityPositionOpened] != 1 {
		t.Fatalf("want fill + position_opened, got %v", kinds)
	}
	if len(stub.fills) != 1 {
		t.Fatalf("fill must reach the variant, got %d", len(stub.fills))
	}

	// Close it out: realized pnl lands in runtime, position_closed fires.
	h.OnFill(types.Fill{ClientOrderID: "h-9", Symbol: "ETH-USD", Side: types.SELL, Price: d("110"), Size: d("1"), Time: time.Now()})
	snap, _ = reg.Get(id)
	if !snap.Runtime.Position.IsZero() || !snap.Runtime.RealizedPnl.Equal(d("10")) {
		t.Fatalf("runtime after close = %+v", snap.Runtime)
	}
	kinds = activityKinds(t, reg, id)
	if kinds[types.ActivityPositionClosed] != 1 {
		t.Fatalf("want position_closed, got %v", kinds)
	}
}

func TestHostPanicIsIsolatedFault(t *testing.T) {
	t.Parallel()
	stub := &stubStrategy{panics: true}
	sink := &recordingSink{}
	h, reg := stubHost(t, pmmCfg(), config.RiskConfig{}, stub, sink, acctStub{})

	h.OnTick(time.Now(), book("99.99", "100.01"))

	snap, _ := reg.Get(h.ID())
	if snap.Status != types.StatusError {
		t.Fatalf("status = %s, want error after a strategy fault", snap.Status)
	}
	if kinds := activityKinds(t, reg, h.ID()); kinds[types.ActivityError] != 1 {
		t.Fatalf("want an error activity, got %v", kinds)
	}

	// The host is dead: further ticks are no-ops, not repeat faults.
	h.OnTick(time.Now(), book("99.99", "100.01"))
	if kinds := activityKinds(t, reg, h.ID()); kinds[types.ActivityError] != 1 {
		t.Fatal("a faulted host must not keep ticking")
	}
}

func TestHostTracksFlattenOrders(t *testing.T) {
	t.Parallel()
	stub := &stubStrategy{}
	sink := &recordingSink{}
	h, _ := stubHost(t, pmmCfg(), config.RiskConfig{}, stub, sink, acctStub{})

	cloid := h.NextClientID()
	in := types.Intent{
		Kind:          types.IntentCreate,
		Symbol:        "ETH-USD",
		ClientOrderID: cloid,
		Side:          types.SELL,
		Price:         d("100"),
		Size:          d("0.5"),
		OrderType:     types.OrderTypeMarket,
		TIF:           types.TIFIoc,
		ReduceOnly:    true,
	}
	h.TrackOrder(in)
	if h.LiveOrderCount() != 1 {
		t.Fatalf("tracked order must be live, got %d", h.LiveOrderCount())
	}

	h.OnFill(types.Fill{ClientOrderID: cloid, Symbol: "ETH-USD", Side: types.SELL, Price: d("100"), Size: d("0.5"), Time: time.Now()})
	if h.LiveOrderCount() != 0 {
		t.Fatalf("filled flatten must clear, got %d", h.LiveOrderCount())
	}
	if !h.Position().Size.Equal(d("-0.5")) {
		t.Fatalf("position = %v", h.Position().Size)
	}
}
