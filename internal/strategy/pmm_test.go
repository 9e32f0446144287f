package strategy

import (
	"testing"
	"time"

	"hyperhive/pkg/types"
)

func pmmCfg() types.StrategyConfig {
	return types.StrategyConfig{
		ID:               "pmm-test-0001",
		Name:             "eth-pmm",
		Type:             types.StrategyPureMarketMaking,
		ConnectorType:    "hyperliquid_perpetual",
		TradingPair:      "ETH-USD",
		TotalAmountQuote: d("1000"),
		Leverage:         5,
		PositionMode:     types.PositionOneway,
		PMM: &types.PMMParams{
			BidSpread:        d("0.002"),
			AskSpread:        d("0.002"),
			OrderAmount:      d("0.001"),
			OrderLevels:      1,
			OrderRefreshTime: 30,
		},
	}
}

func TestPMMQuotesAroundMid(t *testing.T) {
	t.Parallel()
	e := newTestEnv(pmmCfg())
	s := newPMM(e)

	intents := s.OnTick(time.Now(), book("99.99", "100.01"))

	creates, cancels := splitIntents(intents)
	if len(creates) != 2 || len(cancels) != 0 {
		t.Fatalf("first tick: %d creates %d cancels, want 2 and 0", len(creates), len(cancels))
	}
	buy := mustCreate(t, intents, types.BUY, "99.80")
	sell := mustCreate(t, intents, types.SELL, "100.20")
	if !buy.Size.Equal(d("0.001")) || !sell.Size.Equal(d("0.001")) {
		t.Fatalf("sizes = %v / %v, want 0.001", buy.Size, sell.Size)
	}
	if buy.OrderType != types.OrderTypeLimit || buy.TIF != types.TIFGtc {
		t.Fatalf("quotes must rest as GTC limits, got %v %v", buy.OrderType, buy.TIF)
	}
}

func TestPMMRefreshFollowsMid(t *testing.T) {
	t.Parallel()
	e := newTestEnv(pmmCfg())
	s := newPMM(e)
	t0 := time.Now()

	first := s.OnTick(t0, book("99.99", "100.01"))
	track(e, first)
	ack(e, first, t0.Add(10*time.Millisecond))

	// Mid moved to 100.10: both quotes are torn down and re-placed.
	second := s.OnTick(t0.Add(time.Second), book("100.09", "100.11"))

	creates, cancels := splitIntents(second)
	if len(cancels) != 2 {
		t.Fatalf("want both stale quotes cancelled, got %d", len(cancels))
	}
	if len(creates) != 2 {
		t.Fatalf("want 2 fresh quotes, got %d", len(creates))
	}
	mustCreate(t, second, types.BUY, "99.90")
	mustCreate(t, second, types.SELL, "100.30")
}

func TestPMMNeverCancelsSameTickAcks(t *testing.T) {
	t.Parallel()
	e := newTestEnv(pmmCfg())
	s := newPMM(e)
	t0 := time.Now()
	t1 := t0.Add(time.Second)

	first := s.OnTick(t0, book("99.99", "100.01"))
	track(e, first)
	ack(e, first, t1) // ack lands exactly at the next tick's start

	second := s.OnTick(t1, book("100.09", "100.11"))
	if _, cancels := splitIntents(second); len(cancels) != 0 {
		t.Fatalf("orders acked at tick start must survive that tick, got cancels %v", cancels)
	}
}

func TestPMMStableMidIsQuiet(t *testing.T) {
	t.Parallel()
	e := newTestEnv(pmmCfg())
	s := newPMM(e)
	t0 := time.Now()

	first := s.OnTick(t0, book("99.99", "100.01"))
	track(e, first)
	ack(e, first, t0.Add(10*time.Millisecond))

	second := s.OnTick(t0.Add(time.Second), book("99.99", "100.01"))
	if len(second) != 0 {
		t.Fatalf("unchanged mid must be a no-op, got %v", second)
	}
}

func TestPMMPingPong(t *testing.T) {
	t.Parallel()
	cfg := pmmCfg()
	cfg.PMM.PingPongEnabled = true
	e := newTestEnv(cfg)
	s := newPMM(e)
	t0 := time.Now()

	first := s.OnTick(t0, book("99.99", "100.01"))
	track(e, first)
	ack(e, first, t0.Add(10*time.Millisecond))
	buy := mustCreate(t, first, types.BUY, "99.80")

	// The bid fills: the buy side goes quiet until a sell fills back.
	ev := types.OrderEvent{
		ClientOrderID: buy.ClientOrderID,
		Side:          types.BUY,
		State:         types.OrderFilled,
		Filled:        buy.Size,
		Time:          t0.Add(time.Second),
	}
	e.orders.applyEvent(ev)
	s.OnOrderEvent(ev)

	second := s.OnTick(t0.Add(2*time.Second), book("99.99", "100.01"))
	for _, in := range second {
		if in.Kind == types.IntentCreate && in.Side == types.BUY {
			t.Fatalf("buy level must stay suppressed after a buy fill, got %v", in)
		}
	}

	// The ask fills: balance restored, both levels quote again.
	sell := mustCreate(t, first, types.SELL, "100.20")
	ev = types.OrderEvent{
		ClientOrderID: sell.ClientOrderID,
		Side:          types.SELL,
		State:         types.OrderFilled,
		Filled:        sell.Size,
		Time:          t0.Add(3 * time.Second),
	}
	e.orders.applyEvent(ev)
	s.OnOrderEvent(ev)

	third := s.OnTick(t0.Add(4*time.Second), book("99.99", "100.01"))
	creates, _ := splitIntents(third)
	if len(creates) != 2 {
		t.Fatalf("both sides must re-quote after the round trip, got %v", third)
	}
	mustCreate(t, third, types.BUY, "99.80")
}

func TestPMMHangingOrders(t *testing.T) {
	t.Parallel()
	cfg := pmmCfg()
	cfg.PMM.HangingOrdersEnabled = true
	e := newTestEnv(cfg)
	s := newPMM(e)
	t0 := time.Now()

	first := s.OnTick(t0, book("99.99", "100.01"))
	track(e, first)
	ack(e, first, t0.Add(10*time.Millisecond))
	buy := mustCreate(t, first, types.BUY, "99.80")

	// Partial fill on the bid makes it a hanging order.
	e.orders.applyFill(types.Fill{ClientOrderID: buy.ClientOrderID, Side: types.BUY, Price: d("99.80"), Size: d("0.0004")})

	second := s.OnTick(t0.Add(time.Second), book("100.09", "100.11"))
	for _, in := range second {
		if in.Kind == types.IntentCancel && in.CancelClientID == buy.ClientOrderID {
			t.Fatal("partially filled order must hang, not be refreshed away")
		}
	}
	creates, cancels := splitIntents(second)
	if len(cancels) != 1 {
		t.Fatalf("only the untouched ask should be cancelled, got %d cancels", len(cancels))
	}
	if len(creates) != 2 {
		t.Fatalf("fresh ladder still goes out alongside the hanging order, got %d creates", len(creates))
	}
}

func TestPMMMinimumSpreadPrunesInnerLevels(t *testing.T) {
	t.Parallel()
	cfg := pmmCfg()
	cfg.PMM.OrderLevels = 3
	cfg.PMM.MinimumSpread = d("0.005")
	e := newTestEnv(cfg)
	s := newPMM(e)

	intents := s.OnTick(time.Now(), book("99.99", "100.01"))

	// Levels at 0.2% and 0.4% sit inside the minimum; only the 0.6% pair
	// survives.
	creates, _ := splitIntents(intents)
	if len(creates) != 2 {
		t.Fatalf("want only the outermost level pair, got %v", intents)
	}
	mustCreate(t, intents, types.BUY, "99.40")
	mustCreate(t, intents, types.SELL, "100.60")
}

func TestPMMPriceCeilingAndFloor(t *testing.T) {
	t.Parallel()

	cfg := pmmCfg()
	cfg.PMM.PriceCeiling = d("99")
	s := newPMM(newTestEnv(cfg))
	intents := s.OnTick(time.Now(), book("99.99", "100.01"))
	for _, in := range intents {
		if in.Side == types.BUY {
			t.Fatalf("no buys above the price ceiling, got %v", in)
		}
	}
	mustCreate(t, intents, types.SELL, "100.20")

	cfg = pmmCfg()
	cfg.PMM.PriceFloor = d("101")
	s = newPMM(newTestEnv(cfg))
	intents = s.OnTick(time.Now(), book("99.99", "100.01"))
	for _, in := range intents {
		if in.Side == types.SELL {
			t.Fatalf("no sells below the price floor, got %v", in)
		}
	}
	mustCreate(t, intents, types.BUY, "99.80")
}

func TestPMMOrderOptimization(t *testing.T) {
	t.Parallel()
	cfg := pmmCfg()
	cfg.PMM.OrderOptimizationEnabled = true
	e := newTestEnv(cfg)
	s := newPMM(e)

	// Thin book: best competing bid 99.50, best competing ask 100.50. The
	// top level relaxes to one tick inside them instead of quoting the
	// configured spread.
	intents := s.OnTick(time.Now(), book("99.50", "100.50"))

	mustCreate(t, intents, types.BUY, "99.51")
	mustCreate(t, intents, types.SELL, "100.49")
}

func TestPMMOptimizationSkipsOwnLiquidity(t *testing.T) {
	t.Parallel()
	cfg := pmmCfg()
	cfg.PMM.OrderOptimizationEnabled = true
	e := newTestEnv(cfg)
	s := newPMM(e)
	t0 := time.Now()

	// Our own order is the entire 99.50 level; the real competition rests
	// at 99.40.
	e.orders.add(types.OrderRecord{
		ClientOrderID: "pmm-test-9", Side: types.BUY,
		Price: d("99.50"), Size: d("50"),
	})
	e.orders.markOpen("pmm-test-9", "ex9", t0.Add(-time.Second))

	snap := types.BookSnapshot{
		Symbol: "ETH-USD",
		Bids: []types.BookLevel{
			{Price: d("99.50"), Size: d("50")},
			{Price: d("99.40"), Size: d("30")},
		},
		Asks:      []types.BookLevel{{Price: d("100.50"), Size: d("50")}},
		UpdatedAt: t0,
	}
	intents := s.OnTick(t0, snap)

	mustCreate(t, intents, types.BUY, "99.41")
}

func TestPMMInventorySkewShiftsReference(t *testing.T) {
	t.Parallel()
	cfg := pmmCfg()
	cfg.PMM.InventorySkewEnabled = true
	e := newTestEnv(cfg)
	s := newPMM(e)

	// Target base holding is 50% of 1000 quote = 5 ETH at mid 100. Holding
	// exactly that saturates the skew: the ladder shifts down by half the
	// summed spreads so asks work the inventory off.
	e.pos.ApplyFill(fill(types.BUY, "100", "5"))

	intents := s.OnTick(time.Now(), book("99.99", "100.01"))
	mustCreate(t, intents, types.BUY, "99.60")
	mustCreate(t, intents, types.SELL, "100.00")
}

func TestPMMTransactionCostsWidenQuotes(t *testing.T) {
	t.Parallel()
	cfg := pmmCfg()
	cfg.PMM.AddTransactionCosts = true
	e := newTestEnv(cfg)
	s := newPMM(e)

	intents := s.OnTick(time.Now(), book("99.99", "100.01"))
	mustCreate(t, intents, types.BUY, "99.79")
	mustCreate(t, intents, types.SELL, "100.22")
}

func TestPMMEmptyBookIsQuiet(t *testing.T) {
	t.Parallel()
	s := newPMM(newTestEnv(pmmCfg()))

	snap := types.BookSnapshot{Symbol: "ETH-USD", UpdatedAt: time.Now()}
	if intents := s.OnTick(time.Now(), snap); len(intents) != 0 {
		t.Fatalf("no mid, no quotes: got %v", intents)
	}
}
