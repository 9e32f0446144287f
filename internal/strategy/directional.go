package strategy

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"hyperhive/internal/strategy/indicator"
	"hyperhive/pkg/types"
)

// directional runs the signal-driven controllers: bollinger, macd_bb,
// supertrend and dman_v3. Candles feed the indicator chain; a nonzero signal
// on a closed bar opens a position executor that manages its own stop-loss,
// take-profit, trailing stop and time limit until flat.
type directional struct {
	*env
	p       types.DirectionalParams
	candles <-chan types.Candle

	boll *indicator.Bollinger
	macd *indicator.MACD
	st   *indicator.Supertrend

	mu            sync.Mutex
	executors     []*executor
	byCloid       map[string]*executor
	cooldownUntil time.Time
	pending       float64 // signal from the latest closed bar, consumed per tick
	nextExec      int
}

type execState int

const (
	execEntering execState = iota
	execActive
	execExiting
	execDone
)

// executor is one managed position: the entry orders that build it, the
// exit levels that protect it, and the base size it currently holds.
type executor struct {
	id       int
	side     types.Side
	state    execState
	openedAt time.Time

	size  decimal.Decimal // base held, always positive; side carries direction
	cost  decimal.Decimal
	entry decimal.Decimal

	entryCloids map[string]struct{} // unresolved entry orders (market + DCA)
	tpCloid     string
	exitCloid   string
	tpDirty     bool // entry fills moved the average; re-place the TP order

	sl, tp     decimal.Decimal // absolute trigger prices, set from avg entry
	trailArmed bool
	trailPeak  decimal.Decimal
}

func newDirectional(e *env, candles <-chan types.Candle, history []types.Candle) *directional {
	p := *e.cfg.Directional
	if p.BBShortThreshold == 0 {
		p.BBShortThreshold = 1
	}
	if p.MACDFast == 0 {
		p.MACDFast = 12
	}
	if p.MACDSlow == 0 {
		p.MACDSlow = 26
	}
	if p.MACDSignal == 0 {
		p.MACDSignal = 9
	}
	if p.SupertrendLength == 0 {
		p.SupertrendLength = 10
	}
	if p.SupertrendMultiplier == 0 {
		p.SupertrendMultiplier = 3
	}
	if p.MaxExecutorsPerSide < 1 {
		p.MaxExecutorsPerSide = 1
	}

	s := &directional{
		env:     e,
		p:       p,
		candles: candles,
		byCloid: make(map[string]*executor),
	}
	switch p.ControllerName {
	case types.ControllerMACDBB:
		s.boll = indicator.NewBollinger(p.BBLength, p.BBStd)
		s.macd = indicator.NewMACD(p.MACDFast, p.MACDSlow, p.MACDSignal)
		indicator.Prime(s.boll, history)
		indicator.Prime(s.macd, history)
	case types.ControllerSupertrend:
		s.st = indicator.NewSupertrend(p.SupertrendLength, p.SupertrendMultiplier)
		indicator.Prime(s.st, history)
	default: // bollinger, dman_v3
		s.boll = indicator.NewBollinger(p.BBLength, p.BBStd)
		indicator.Prime(s.boll, history)
	}
	return s
}

func (s *directional) OnTick(now time.Time, book types.BookSnapshot) []types.Intent {
	s.drainCandles()

	price, ok := book.Mid()
	if !ok {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var intents []types.Intent
	intents = append(intents, s.manageLocked(now, price)...)

	signal := s.pending
	s.pending = 0
	if signal != 0 {
		intents = append(intents, s.tryOpenLocked(now, price, signal)...)
	}

	s.sweepLocked()
	return intents
}

// drainCandles folds any bars that arrived since the last tick into the
// indicator chain. Only closed bars advance the signal.
func (s *directional) drainCandles() {
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
			if bar.Closed {
				s.onBar(bar)
			}
		default:
			return
		}
	}
}

// onBar updates indicators and derives the entry signal in [-1, +1].
func (s *directional) onBar(bar types.Candle) {
	var signal float64
	switch s.p.ControllerName {
	case types.ControllerMACDBB:
		s.boll.Update(bar)
		s.macd.Update(bar)
		if !s.boll.Ready() || !s.macd.Ready() {
			return
		}
		pb, hist := s.boll.PercentB(), s.macd.Histogram()
		switch {
		case hist > 0 && pb <= s.p.BBLongThreshold:
			signal = 1
		case hist < 0 && pb >= s.p.BBShortThreshold:
			signal = -1
		}
	case types.ControllerSupertrend:
		s.st.Update(bar)
		if !s.st.Ready() {
			return
		}
		switch {
		case s.st.BullishFlip():
			signal = 1
		case s.st.BearishFlip():
			signal = -1
		}
	default: // bollinger, dman_v3: mean reversion on %B
		s.boll.Update(bar)
		if !s.boll.Ready() {
			return
		}
		pb := s.boll.PercentB()
		switch {
		case pb <= s.p.BBLongThreshold:
			signal = 1
		case pb >= s.p.BBShortThreshold:
			signal = -1
		}
	}

	s.mu.Lock()
	s.pending = signal
	s.mu.Unlock()
}

// tryOpenLocked opens a new executor for the signal side unless the side is
// at capacity or the strategy is cooling down after a close.
func (s *directional) tryOpenLocked(now time.Time, price decimal.Decimal, signal float64) []types.Intent {
	side := types.BUY
	if signal < 0 {
		side = types.SELL
	}
	if now.Before(s.cooldownUntil) {
		return nil
	}
	active := 0
	for _, x := range s.executors {
		if x.state != execDone && x.side == side {
			active++
		}
	}
	if active >= s.p.MaxExecutorsPerSide {
		return nil
	}

	lev := decimal.NewFromInt(int64(s.cfg.Leverage))
	if !lev.IsPositive() {
		lev = decimal.NewFromInt(1)
	}
	notional := s.cfg.TotalAmountQuote.Mul(lev).Div(decimal.NewFromInt(int64(s.p.MaxExecutorsPerSide)))

	x := &executor{
		id:          s.nextExec,
		side:        side,
		state:       execEntering,
		openedAt:    now,
		entryCloids: make(map[string]struct{}),
	}
	s.nextExec++

	intents := s.entryIntents(x, price, notional)
	if len(intents) == 0 {
		return nil
	}
	s.executors = append(s.executors, x)
	s.logger.Info("executor opened",
		"executor", x.id, "side", side, "signal", signal,
		"price", price, "notional", notional)
	return intents
}

// entryIntents builds the entry order set: a single aggressive order for the
// plain controllers, or the DCA ladder for dman_v3. Zero-spread levels go
// out aggressively; the rest rest as limits below (above) the reference.
func (s *directional) entryIntents(x *executor, price, notional decimal.Decimal) []types.Intent {
	one := decimal.NewFromInt(1)
	hundred := decimal.NewFromInt(100)

	spreads := []float64{0}
	amounts := []float64{100}
	if s.p.ControllerName == types.ControllerDManV3 && len(s.p.DCASpreads) > 0 {
		spreads = s.p.DCASpreads
		amounts = s.p.DCAAmountsPct
	}

	var intents []types.Intent
	for i, spread := range spreads {
		levelNotional := notional.Mul(decimal.NewFromFloat(amounts[i])).Div(hundred)

		frac := decimal.NewFromFloat(spread)
		px := price
		if x.side == types.BUY {
			px = price.Mul(one.Sub(frac))
		} else {
			px = price.Mul(one.Add(frac))
		}
		px = alignPrice(s.inst, px)
		if !px.IsPositive() {
			continue
		}
		size := s.inst.RoundSize(levelNotional.Div(px))
		if size.LessThan(s.inst.MinSize) {
			continue
		}

		var in types.Intent
		if spread == 0 {
			in = s.marketOrder(x.side, size, price, false)
		} else {
			in = s.create(quote{side: x.side, price: px, size: size})
		}
		x.entryCloids[in.ClientOrderID] = struct{}{}
		s.byCloid[in.ClientOrderID] = x
		intents = append(intents, in)
	}
	return intents
}

// manageLocked walks live executors: re-places stale take-profit orders,
// checks exit conditions, and keeps pushing the exit order until flat.
func (s *directional) manageLocked(now time.Time, price decimal.Decimal) []types.Intent {
	var intents []types.Intent
	for _, x := range s.executors {
		switch x.state {
		case execEntering, execActive:
			if x.size.IsPositive() && x.state == execEntering {
				x.state = execActive
			}
			if x.state != execActive {
				// Resting entries that never fill give up at the time limit.
				if s.p.TimeLimit > 0 && now.Sub(x.openedAt) >= types.RefreshInterval(s.p.TimeLimit) {
					for cloid := range x.entryCloids {
						if rec, ok := s.orders.get(cloid); ok {
							intents = append(intents, s.cancel(rec))
						}
					}
					x.state = execDone
				}
				continue
			}
			if s.p.TakeProfitOrderType == types.OrderTypeLimit {
				intents = append(intents, s.reconcileTPLocked(x)...)
			}
			if reason := x.exitReason(now, price, s.p); reason != "" {
				s.logger.Info("executor exiting",
					"executor", x.id, "reason", reason, "price", price, "entry", x.entry)
				intents = append(intents, s.beginExitLocked(x, price)...)
			}
		case execExiting:
			if x.size.IsPositive() && x.exitCloid == "" {
				// The previous exit attempt missed; send another.
				in := s.marketOrder(x.side.Opposite(), x.size, price, true)
				x.exitCloid = in.ClientOrderID
				s.byCloid[in.ClientOrderID] = x
				intents = append(intents, in)
			}
		}
	}
	return intents
}

// reconcileTPLocked keeps a reduce-only take-profit limit resting for the
// executor's full size at entry*(1±take_profit).
func (s *directional) reconcileTPLocked(x *executor) []types.Intent {
	if !x.size.IsPositive() || x.tp.IsZero() {
		return nil
	}
	var intents []types.Intent
	if x.tpDirty && x.tpCloid != "" {
		if rec, ok := s.orders.get(x.tpCloid); ok {
			intents = append(intents, s.cancel(rec))
		}
		x.tpCloid = ""
	}
	if x.tpCloid == "" {
		px := alignPrice(s.inst, x.tp)
		size := s.inst.RoundSize(x.size)
		if px.IsPositive() && size.GreaterThanOrEqual(s.inst.MinSize) {
			in := s.create(quote{side: x.side.Opposite(), price: px, size: size, reduceOnly: true})
			x.tpCloid = in.ClientOrderID
			s.byCloid[in.ClientOrderID] = x
			intents = append(intents, in)
		}
		x.tpDirty = false
	}
	return intents
}

// beginExitLocked tears down an executor: pull resting entry levels and the
// take-profit order, then flatten the held size aggressively.
func (s *directional) beginExitLocked(x *executor, price decimal.Decimal) []types.Intent {
	x.state = execExiting
	var intents []types.Intent
	for cloid := range x.entryCloids {
		if rec, ok := s.orders.get(cloid); ok {
			intents = append(intents, s.cancel(rec))
		}
	}
	if x.tpCloid != "" {
		if rec, ok := s.orders.get(x.tpCloid); ok {
			intents = append(intents, s.cancel(rec))
		}
		x.tpCloid = ""
	}
	if x.size.IsPositive() {
		in := s.marketOrder(x.side.Opposite(), x.size, price, true)
		x.exitCloid = in.ClientOrderID
		s.byCloid[in.ClientOrderID] = x
		intents = append(intents, in)
	}
	return intents
}

// exitReason decides whether the executor should close now.
func (x *executor) exitReason(now time.Time, price decimal.Decimal, p types.DirectionalParams) string {
	long := x.side == types.BUY

	if !x.sl.IsZero() {
		if (long && price.LessThanOrEqual(x.sl)) || (!long && price.GreaterThanOrEqual(x.sl)) {
			return "stop_loss"
		}
	}
	if p.TakeProfitOrderType == types.OrderTypeMarket && !x.tp.IsZero() {
		if (long && price.GreaterThanOrEqual(x.tp)) || (!long && price.LessThanOrEqual(x.tp)) {
			return "take_profit"
		}
	}
	if ts := p.TrailingStop; ts != nil && !x.entry.IsZero() {
		one := decimal.NewFromInt(1)
		if !x.trailArmed {
			act := x.entry.Mul(one.Add(ts.ActivationPrice))
			if !long {
				act = x.entry.Mul(one.Sub(ts.ActivationPrice))
			}
			if (long && price.GreaterThanOrEqual(act)) || (!long && price.LessThanOrEqual(act)) {
				x.trailArmed = true
				x.trailPeak = price
			}
		} else {
			if long {
				if price.GreaterThan(x.trailPeak) {
					x.trailPeak = price
				}
				if price.LessThanOrEqual(x.trailPeak.Mul(one.Sub(ts.TrailingDelta))) {
					return "trailing_stop"
				}
			} else {
				if price.LessThan(x.trailPeak) {
					x.trailPeak = price
				}
				if price.GreaterThanOrEqual(x.trailPeak.Mul(one.Add(ts.TrailingDelta))) {
					return "trailing_stop"
				}
			}
		}
	}
	if p.TimeLimit > 0 && now.Sub(x.openedAt) >= types.RefreshInterval(p.TimeLimit) {
		return "time_limit"
	}
	return ""
}

// sweepLocked drops finished executors and releases their cloid routes.
func (s *directional) sweepLocked() {
	alive := s.executors[:0]
	for _, x := range s.executors {
		if x.state == execDone {
			for cloid, owner := range s.byCloid {
				if owner == x {
					delete(s.byCloid, cloid)
				}
			}
			continue
		}
		alive = append(alive, x)
	}
	s.executors = alive
}

// OnFill routes an execution to its executor. Fills on the executor's side
// are entries: they grow the held size and move the protective levels. Fills
// against it are take-profit or exit executions: they shrink it and, at
// flat, start the cooldown window.
func (s *directional) OnFill(f types.Fill) {
	s.mu.Lock()
	defer s.mu.Unlock()
	x, ok := s.byCloid[f.ClientOrderID]
	if !ok {
		return
	}

	if f.Side == x.side {
		oldSize := x.size
		x.size = x.size.Add(f.Size)
		x.cost = x.cost.Add(f.Price.Mul(f.Size))
		if x.size.IsPositive() {
			x.entry = x.cost.Div(x.size)
		}
		s.setLevelsLocked(x)
		if oldSize.IsPositive() {
			x.tpDirty = true
		}
		return
	}

	x.size = x.size.Sub(f.Size)
	if x.size.Sign() <= 0 {
		x.size = decimal.Zero
		s.finishLocked(x, f.Time)
	}
}

// setLevelsLocked derives absolute stop and target prices from the entry VWAP.
func (s *directional) setLevelsLocked(x *executor) {
	one := decimal.NewFromInt(1)
	if x.entry.IsZero() {
		return
	}
	if s.p.StopLoss.IsPositive() {
		if x.side == types.BUY {
			x.sl = x.entry.Mul(one.Sub(s.p.StopLoss))
		} else {
			x.sl = x.entry.Mul(one.Add(s.p.StopLoss))
		}
	}
	if s.p.TakeProfit.IsPositive() {
		if x.side == types.BUY {
			x.tp = x.entry.Mul(one.Add(s.p.TakeProfit))
		} else {
			x.tp = x.entry.Mul(one.Sub(s.p.TakeProfit))
		}
	}
}

// finishLocked retires a flat executor and arms the re-entry cooldown.
func (s *directional) finishLocked(x *executor, at time.Time) {
	if x.state == execDone {
		return
	}
	x.state = execDone
	if at.IsZero() {
		at = time.Now()
	}
	if s.p.CooldownTime > 0 {
		s.cooldownUntil = at.Add(types.RefreshInterval(s.p.CooldownTime))
	}
	s.logger.Info("executor closed", "executor", x.id, "side", x.side,
		"entry", x.entry, "cooldown_until", s.cooldownUntil)
}

// OnOrderEvent releases executor bookkeeping when orders die without fills.
func (s *directional) OnOrderEvent(ev types.OrderEvent) {
	if !ev.State.Terminal() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	x, ok := s.byCloid[ev.ClientOrderID]
	if !ok {
		return
	}

	switch ev.State {
	case types.OrderRejected, types.OrderCancelled:
		if _, isEntry := x.entryCloids[ev.ClientOrderID]; isEntry {
			delete(x.entryCloids, ev.ClientOrderID)
			// Nothing held and nothing still working: the executor never
			// opened, so it retires without a cooldown.
			if x.state == execEntering && !x.size.IsPositive() && len(x.entryCloids) == 0 {
				x.state = execDone
			}
		}
		if ev.ClientOrderID == x.tpCloid {
			x.tpCloid = ""
		}
		if ev.ClientOrderID == x.exitCloid {
			x.exitCloid = ""
		}
		// No fill can follow a reject or cancel, so the route can go now.
		// Filled cloids stay routed until the executor is swept: the fill
		// for a just-filled order may still be in flight.
		delete(s.byCloid, ev.ClientOrderID)
	case types.OrderFilled:
		if ev.ClientOrderID == x.exitCloid {
			x.exitCloid = ""
		}
		delete(x.entryCloids, ev.ClientOrderID)
	}
}

func (s *directional) Close() {}
