package strategy

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"hyperhive/internal/strategy/indicator"
	"hyperhive/pkg/types"
)

// Volatility scaling bounds for the v2 controllers: configured spreads are
// multiplied by NATR (percent) clamped into this band, so quotes widen in
// fast markets and never collapse onto mid in dead ones.
const (
	volMultiplierFloor = 0.5
	volMultiplierCap   = 3.0

	// dman_maker_v2 shifts the ladder reference along the fast/slow EMA
	// trend, capped at this fraction of mid.
	maxTrendShift = 0.002

	trendFastPeriod = 12
	trendSlowPeriod = 26
	natrPeriod      = 14
)

// makerV2 implements the v2 market-making controllers pmm_dynamic and
// dman_maker_v2. Each configured level is an independent slot: its order
// rests until filled or until executor_refresh_time recycles it, and a
// filled slot waits out cooldown_time before re-arming.
type makerV2 struct {
	*env
	p       types.MakerV2Params
	candles <-chan types.Candle

	natr    *indicator.NATR
	emaFast *indicator.EMA
	emaSlow *indicator.EMA

	mu      sync.Mutex
	slots   map[string]*levelSlot
	byCloid map[string]string // live cloid -> slot tag
}

// levelSlot is one side+level's bookkeeping.
type levelSlot struct {
	cloid         string
	placedAt      time.Time
	cooldownUntil time.Time
}

func newMakerV2(e *env, candles <-chan types.Candle, history []types.Candle) *makerV2 {
	s := &makerV2{
		env:     e,
		p:       *e.cfg.MakerV2,
		candles: candles,
		natr:    indicator.NewNATR(natrPeriod),
		slots:   make(map[string]*levelSlot),
		byCloid: make(map[string]string),
	}
	indicator.Prime(s.natr, history)
	if s.p.ControllerName == types.ControllerDManMakerV2 {
		s.emaFast = indicator.NewEMA(trendFastPeriod)
		s.emaSlow = indicator.NewEMA(trendSlowPeriod)
		indicator.Prime(s.emaFast, history)
		indicator.Prime(s.emaSlow, history)
	}
	for i := range s.p.BuySpreads {
		s.slots[slotTag(types.BUY, i)] = &levelSlot{}
	}
	for i := range s.p.SellSpreads {
		s.slots[slotTag(types.SELL, i)] = &levelSlot{}
	}
	return s
}

func slotTag(side types.Side, level int) string {
	if side == types.BUY {
		return fmt.Sprintf("B%d", level)
	}
	return fmt.Sprintf("S%d", level)
}

func (s *makerV2) OnTick(now time.Time, book types.BookSnapshot) []types.Intent {
	s.drainCandles()

	mid, ok := book.Mid()
	if !ok {
		return nil
	}
	ref := s.reference(mid)
	mult := s.spreadMultiplier()

	s.mu.Lock()
	defer s.mu.Unlock()

	var intents []types.Intent
	intents = append(intents, s.tendSideLocked(now, types.BUY, ref, mult, s.p.BuySpreads, s.p.BuyAmountsPct)...)
	intents = append(intents, s.tendSideLocked(now, types.SELL, ref, mult, s.p.SellSpreads, s.p.SellAmountsPct)...)
	return intents
}

// tendSideLocked runs the slot lifecycle for one side: recycle expired
// orders, place missing ones.
func (s *makerV2) tendSideLocked(now time.Time, side types.Side, ref decimal.Decimal, mult float64, spreads, amountsPct []float64) []types.Intent {
	one := decimal.NewFromInt(1)
	hundred := decimal.NewFromInt(100)
	refresh := types.RefreshInterval(s.p.ExecutorRefreshTime)

	var intents []types.Intent
	for i, spread := range spreads {
		slot := s.slots[slotTag(side, i)]

		if slot.cloid != "" {
			rec, live := s.orders.get(slot.cloid)
			switch {
			case !live:
				// Terminal event already cleared the ledger; the slot event
				// handler will catch up, nothing to do this tick.
			case refresh > 0 && now.Sub(slot.placedAt) >= refresh && rec.Filled.IsZero():
				// Unfilled past the refresh window: recycle.
				intents = append(intents, s.cancel(rec))
			}
			continue
		}

		if now.Before(slot.cooldownUntil) {
			continue
		}

		eff := decimal.NewFromFloat(spread * mult)
		px := ref.Mul(one.Sub(eff))
		if side == types.SELL {
			px = ref.Mul(one.Add(eff))
		}
		px = alignPrice(s.inst, px)
		if !px.IsPositive() {
			continue
		}
		notional := s.cfg.TotalAmountQuote.Mul(decimal.NewFromFloat(amountsPct[i])).Div(hundred)
		size := s.inst.RoundSize(notional.Div(px))
		if size.LessThan(s.inst.MinSize) {
			continue
		}

		in := s.create(quote{side: side, price: px, size: size})
		slot.cloid = in.ClientOrderID
		slot.placedAt = now
		s.byCloid[in.ClientOrderID] = slotTag(side, i)
		intents = append(intents, in)
	}
	return intents
}

// spreadMultiplier converts current NATR into the spread scale factor.
func (s *makerV2) spreadMultiplier() float64 {
	if !s.natr.Ready() {
		return 1
	}
	mult := s.natr.Value()
	if mult < volMultiplierFloor {
		return volMultiplierFloor
	}
	if mult > volMultiplierCap {
		return volMultiplierCap
	}
	return mult
}

// reference shifts mid along the EMA trend for dman_maker_v2; pmm_dynamic
// quotes symmetrically around mid.
func (s *makerV2) reference(mid decimal.Decimal) decimal.Decimal {
	if s.emaFast == nil || !s.emaFast.Ready() || !s.emaSlow.Ready() || s.emaSlow.Value() == 0 {
		return mid
	}
	shift := s.emaFast.Value()/s.emaSlow.Value() - 1
	if shift > maxTrendShift {
		shift = maxTrendShift
	} else if shift < -maxTrendShift {
		shift = -maxTrendShift
	}
	one := decimal.NewFromInt(1)
	return mid.Mul(one.Add(decimal.NewFromFloat(shift)))
}

func (s *makerV2) drainCandles() {
	if s.candles == nil {
		return
	}
	for {
		select {
		case bar, ok := <-s.candles:
			if !ok {
				s.candles = nil
				return
			}
			if !bar.Closed {
				continue
			}
			s.natr.Update(bar)
			if s.emaFast != nil {
				s.emaFast.Update(bar)
				s.emaSlow.Update(bar)
			}
		default:
			return
		}
	}
}

// OnOrderEvent re-arms slots when their orders die: fills start the cooldown
// window, cancels and rejects free the slot for the next tick.
func (s *makerV2) OnOrderEvent(ev types.OrderEvent) {
	if !ev.State.Terminal() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tag, ok := s.byCloid[ev.ClientOrderID]
	if !ok {
		return
	}
	delete(s.byCloid, ev.ClientOrderID)
	slot := s.slots[tag]
	if slot == nil || slot.cloid != ev.ClientOrderID {
		return
	}
	slot.cloid = ""
	if ev.State == types.OrderFilled && s.p.CooldownTime > 0 {
		at := ev.Time
		if at.IsZero() {
			at = time.Now()
		}
		slot.cooldownUntil = at.Add(types.RefreshInterval(s.p.CooldownTime))
	}
}

func (s *makerV2) OnFill(types.Fill) {}

func (s *makerV2) Close() {}
