package strategy

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"hyperhive/pkg/types"
)

// pmm is the pure market-making ladder: order_levels quotes per side around a
// reference price, re-diffed against live orders whenever the scheduler says
// the refresh interval elapsed. Level i quotes at spread*(i+1).
type pmm struct {
	*env
	p types.PMMParams

	mu   sync.Mutex
	bias int // ping-pong: +n suppresses n buy levels after net buy fills
}

func newPMM(e *env) *pmm {
	return &pmm{env: e, p: *e.cfg.PMM}
}

func (s *pmm) OnTick(now time.Time, book types.BookSnapshot) []types.Intent {
	mid, ok := book.Mid()
	if !ok {
		return nil
	}
	ref := s.reference(mid)

	target := s.ladder(ref, mid, book)

	live := s.orders.view(now)
	if s.p.HangingOrdersEnabled {
		// Partially filled orders hang: they keep working their remainder
		// across refresh cycles instead of being torn down.
		for i := range live {
			if live[i].Filled.IsPositive() {
				live[i].cancelable = false
			}
		}
	}

	lotTol := decimal.New(1, -int32(s.inst.LotDecimals))
	creates, cancels := diff(live, target, s.inst.Tick(), lotTol)

	intents := make([]types.Intent, 0, len(creates)+len(cancels))
	for _, o := range cancels {
		intents = append(intents, s.cancel(o))
	}
	for _, q := range creates {
		intents = append(intents, s.create(q))
	}
	return intents
}

// ladder builds the desired quote set for this tick.
func (s *pmm) ladder(ref, mid decimal.Decimal, book types.BookSnapshot) []quote {
	one := decimal.NewFromInt(1)
	size := s.inst.RoundSize(s.p.OrderAmount)
	if size.LessThan(s.inst.MinSize) {
		return nil
	}

	allowBuys := s.p.PriceCeiling.IsZero() || ref.LessThan(s.p.PriceCeiling)
	allowSells := s.p.PriceFloor.IsZero() || ref.GreaterThan(s.p.PriceFloor)

	skipBuys, skipSells := s.pingPongSkips()

	fee := decimal.NewFromFloat(makerFeeRate)
	target := make([]quote, 0, 2*s.p.OrderLevels)

	for i := 0; i < s.p.OrderLevels; i++ {
		mult := decimal.NewFromInt(int64(i + 1))

		if allowBuys && i >= skipBuys {
			px := ref.Mul(one.Sub(s.p.BidSpread.Mul(mult)))
			if s.p.AddTransactionCosts {
				px = px.Mul(one.Sub(fee))
			}
			if i == 0 && s.p.OrderOptimizationEnabled {
				px = optimizeBid(px, book, s.orders.live(), s.inst.Tick())
			}
			px = alignPrice(s.inst, px)
			if px.IsPositive() && s.wideEnough(mid, px) {
				target = append(target, quote{side: types.BUY, price: px, size: size})
			}
		}

		if allowSells && i >= skipSells {
			px := ref.Mul(one.Add(s.p.AskSpread.Mul(mult)))
			if s.p.AddTransactionCosts {
				px = px.Mul(one.Add(fee))
			}
			if i == 0 && s.p.OrderOptimizationEnabled {
				px = optimizeAsk(px, book, s.orders.live(), s.inst.Tick())
			}
			px = alignPrice(s.inst, px)
			if px.IsPositive() && s.wideEnough(mid, px) {
				target = append(target, quote{side: types.SELL, price: px, size: size})
			}
		}
	}

	// A rounded-in top of ladder must not self-cross.
	target = dropCrossed(target)
	return target
}

// reference applies inventory skew: a long position shifts the ladder down
// so bids back off and asks work the inventory, and symmetrically for shorts.
// The shift saturates at half the summed spreads when the position reaches
// the target base holding.
func (s *pmm) reference(mid decimal.Decimal) decimal.Decimal {
	if !s.p.InventorySkewEnabled {
		return mid
	}
	pct := s.p.InventoryTargetBasePct
	if pct.IsZero() {
		pct = decimal.NewFromInt(50)
	}
	hundred := decimal.NewFromInt(100)
	targetBase := s.cfg.TotalAmountQuote.Mul(pct).Div(hundred).Div(mid)
	if !targetBase.IsPositive() {
		return mid
	}

	one := decimal.NewFromInt(1)
	ratio := s.pos.Size().Div(targetBase)
	if ratio.GreaterThan(one) {
		ratio = one
	} else if ratio.LessThan(one.Neg()) {
		ratio = one.Neg()
	}
	maxShift := s.p.BidSpread.Add(s.p.AskSpread).Div(decimal.NewFromInt(2))
	return mid.Mul(one.Sub(ratio.Mul(maxShift)))
}

// wideEnough prunes quotes closer to mid than minimum_spread.
func (s *pmm) wideEnough(mid, px decimal.Decimal) bool {
	if s.p.MinimumSpread.IsZero() || mid.IsZero() {
		return true
	}
	dist := mid.Sub(px).Abs().Div(mid)
	return dist.GreaterThanOrEqual(s.p.MinimumSpread)
}

func (s *pmm) pingPongSkips() (buys, sells int) {
	if !s.p.PingPongEnabled {
		return 0, 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bias > 0 {
		return s.bias, 0
	}
	return 0, -s.bias
}

// OnOrderEvent drives ping-pong: a fully filled buy suppresses one buy level
// until a sell fills, and vice versa.
func (s *pmm) OnOrderEvent(ev types.OrderEvent) {
	if !s.p.PingPongEnabled || ev.State != types.OrderFilled {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev.Side == types.BUY {
		s.bias++
	} else {
		s.bias--
	}
	if s.bias > s.p.OrderLevels {
		s.bias = s.p.OrderLevels
	} else if s.bias < -s.p.OrderLevels {
		s.bias = -s.p.OrderLevels
	}
}

func (s *pmm) OnFill(types.Fill) {}

func (s *pmm) Close() {}

// optimizeBid relaxes the top bid to one tick above the best competing bid
// when that still tops the book at a better price for us.
func optimizeBid(px decimal.Decimal, book types.BookSnapshot, own []types.OrderRecord, tick decimal.Decimal) decimal.Decimal {
	best, ok := topExcludingOwn(book.Bids, own, types.BUY)
	if !ok {
		return px
	}
	relaxed := best.Add(tick)
	if relaxed.LessThan(px) {
		return relaxed
	}
	return px
}

// optimizeAsk mirrors optimizeBid for the ask side.
func optimizeAsk(px decimal.Decimal, book types.BookSnapshot, own []types.OrderRecord, tick decimal.Decimal) decimal.Decimal {
	best, ok := topExcludingOwn(book.Asks, own, types.SELL)
	if !ok {
		return px
	}
	relaxed := best.Sub(tick)
	if relaxed.GreaterThan(px) {
		return relaxed
	}
	return px
}

// topExcludingOwn finds the best competing price on one side: book levels
// fully explained by our own resting orders are skipped.
func topExcludingOwn(levels []types.BookLevel, own []types.OrderRecord, side types.Side) (decimal.Decimal, bool) {
	for _, lvl := range levels {
		rest := lvl.Size
		for _, o := range own {
			if o.Side == side && o.Price.Equal(lvl.Price) {
				rest = rest.Sub(o.Remaining())
			}
		}
		if rest.IsPositive() {
			return lvl.Price, true
		}
	}
	return decimal.Zero, false
}

// dropCrossed removes sells at or below the best remaining buy so the ladder
// never self-crosses after rounding.
func dropCrossed(target []quote) []quote {
	bestBid := decimal.Zero
	for _, q := range target {
		if q.side == types.BUY && q.price.GreaterThan(bestBid) {
			bestBid = q.price
		}
	}
	if bestBid.IsZero() {
		return target
	}
	out := target[:0]
	for _, q := range target {
		if q.side == types.SELL && q.price.LessThanOrEqual(bestBid) {
			continue
		}
		out = append(out, q)
	}
	return out
}
