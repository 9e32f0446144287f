package strategy

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"hyperhive/internal/config"
	"hyperhive/internal/registry"
	"hyperhive/pkg/types"
)

// IntentSink is where a host pushes its intents; the order gateway in
// production, a recorder in tests.
type IntentSink interface {
	Submit(intent types.Intent) error
}

// AccountSource exposes the latest known account margin state for the risk
// gates.
type AccountSource interface {
	Balances() types.Balances
}

// Deps wires a host into the hive.
type Deps struct {
	Registry *registry.Registry
	Gateway  IntentSink
	Account  AccountSource
	Risk     config.RiskConfig
	Candles  <-chan types.Candle // nil when the variant does not consume bars
	History  []types.Candle
	Logger   *slog.Logger
}

// Host runs one strategy: it owns the variant, the live-order ledger and the
// position tracker, applies the risk gates to creates, and mirrors every
// outcome into registry counters and activities. The scheduler drives it as
// a Runner; the hive routes outcomes, order events and fills back in.
type Host struct {
	cfg  types.StrategyConfig
	inst types.Instrument
	reg  *registry.Registry
	gw   IntentSink
	acct AccountSource
	risk config.RiskConfig

	orders *ledger
	pos    *Position
	strat  Strategy
	logger *slog.Logger

	refresh time.Duration

	mu       sync.Mutex
	gateOpen bool // creates currently suspended by a failed gate when false
	closed   bool
}

// NewHost builds the variant for cfg.Type and wraps it. The config must have
// passed validation at registration.
func NewHost(cfg types.StrategyConfig, inst types.Instrument, deps Deps) (*Host, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "strategy", "strategy", cfg.ID, "name", cfg.Name)

	h := &Host{
		cfg:      cfg,
		inst:     inst,
		reg:      deps.Registry,
		gw:       deps.Gateway,
		acct:     deps.Account,
		risk:     deps.Risk,
		orders:   newLedger(cfg.ID),
		pos:      NewPosition(cfg.TradingPair),
		logger:   logger,
		gateOpen: true,
	}

	e := &env{cfg: cfg, inst: inst, orders: h.orders, pos: h.pos, logger: logger}
	switch cfg.Type {
	case types.StrategyPureMarketMaking:
		h.strat = newPMM(e)
		h.refresh = types.RefreshInterval(cfg.PMM.OrderRefreshTime)
	case types.StrategyDirectionalTrading:
		h.strat = newDirectional(e, deps.Candles, deps.History)
	case types.StrategyMarketMakingV2:
		h.strat = newMakerV2(e, deps.Candles, deps.History)
	default:
		return nil, fmt.Errorf("strategy type %q cannot be hosted", cfg.Type)
	}
	return h, nil
}

// ID implements scheduler.Runner.
func (h *Host) ID() string { return h.cfg.ID }

// Symbol implements scheduler.Runner.
func (h *Host) Symbol() string { return h.cfg.TradingPair }

// RefreshInterval implements scheduler.Runner. Zero means every tick; the
// directional and v2 variants pace themselves internally.
func (h *Host) RefreshInterval() time.Duration { return h.refresh }

// Config returns the hosted strategy's descriptor.
func (h *Host) Config() types.StrategyConfig { return h.cfg }

// OnTick runs one strategy pass. A panic in the variant is a strategy fault:
// it moves this strategy to error without touching its siblings.
func (h *Host) OnTick(now time.Time, book types.BookSnapshot) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("strategy panicked", "panic", r)
			h.reg.AppendActivity(types.Activity{
				StrategyID:  h.cfg.ID,
				Kind:        types.ActivityError,
				TradingPair: h.cfg.TradingPair,
				Detail:      fmt.Sprintf("strategy fault: %v", r),
			})
			if _, err := h.reg.MarkStatus(h.cfg.ID, types.StatusError, fmt.Sprintf("strategy fault: %v", r)); err != nil {
				h.logger.Error("mark error status", "error", err)
			}
			h.mu.Lock()
			h.closed = true
			h.mu.Unlock()
		}
	}()

	intents := h.strat.OnTick(now, book)

	if len(intents) > 0 {
		if reason := h.gateReason(book); reason != "" {
			intents = h.suspendCreates(intents, reason)
		} else {
			h.clearGate()
		}
	}

	for _, in := range intents {
		h.submit(in)
	}

	if _, err := h.reg.UpdateRuntime(h.cfg.ID, func(rt *registry.Runtime) {
		rt.LastTickAt = now
		rt.LiveOrders = h.orders.count()
		if mid, ok := book.Mid(); ok {
			rt.UnrealizedPnl = h.pos.UnrealizedAt(mid)
		}
	}); err != nil {
		h.logger.Warn("update runtime", "error", err)
	}
}

// gateReason evaluates the pre-create risk gates, returning a non-empty
// reason when creates must be suspended.
func (h *Host) gateReason(book types.BookSnapshot) string {
	mark, ok := book.Mid()
	if !ok {
		mark = h.pos.EntryPrice()
	}
	if mark.IsZero() {
		return ""
	}

	notional := h.pos.NotionalAt(mark)
	if h.risk.MaxPositionNotional > 0 &&
		notional.GreaterThan(decimal.NewFromFloat(h.risk.MaxPositionNotional)) {
		return fmt.Sprintf("position notional %s exceeds limit %.2f", notional.StringFixed(2), h.risk.MaxPositionNotional)
	}

	cap := h.cfg.TotalAmountQuote.Mul(decimal.NewFromInt(int64(h.cfg.Leverage)))
	if cap.IsPositive() && notional.GreaterThan(cap) {
		return fmt.Sprintf("position notional %s exceeds leveraged allocation %s", notional.StringFixed(2), cap.StringFixed(2))
	}

	if h.risk.MarginFloor > 0 && h.acct != nil {
		bal := h.acct.Balances()
		if bal.AccountValue.IsPositive() {
			frac := bal.MarginFraction()
			if frac.LessThan(decimal.NewFromFloat(h.risk.MarginFloor)) {
				return fmt.Sprintf("margin fraction %s below floor %.2f", frac.StringFixed(4), h.risk.MarginFloor)
			}
		}
	}
	return ""
}

// suspendCreates strips create intents while a gate is failing. Cancels
// still flow. Each stripped create is bounced back to the variant as a
// rejected event so executors and slots release the client id; the first
// suspension surfaces the reason as error state.
func (h *Host) suspendCreates(intents []types.Intent, reason string) []types.Intent {
	kept := intents[:0]
	dropped := 0
	for _, in := range intents {
		if in.Kind == types.IntentCreate {
			h.strat.OnOrderEvent(types.OrderEvent{
				ClientOrderID: in.ClientOrderID,
				Symbol:        in.Symbol,
				Side:          in.Side,
				State:         types.OrderRejected,
				Price:         in.Price,
				Size:          in.Size,
				Reason:        "risk gate: " + reason,
				Synthetic:     true,
				Time:          time.Now(),
			})
			dropped++
			continue
		}
		kept = append(kept, in)
	}
	if dropped == 0 {
		return kept
	}

	h.mu.Lock()
	first := h.gateOpen
	h.gateOpen = false
	h.mu.Unlock()

	if first {
		h.logger.Warn("risk gate failed, suspending creates", "reason", reason, "dropped", dropped)
		if _, err := h.reg.SetErrorState(h.cfg.ID, reason); err != nil {
			h.logger.Warn("set error state", "error", err)
		}
		h.reg.AppendActivity(types.Activity{
			StrategyID:  h.cfg.ID,
			Kind:        types.ActivityError,
			TradingPair: h.cfg.TradingPair,
			Detail:      "risk gate: " + reason,
		})
	}
	return kept
}

// clearGate lifts a previous suspension once the gates pass again.
func (h *Host) clearGate() {
	h.mu.Lock()
	wasSuspended := !h.gateOpen
	h.gateOpen = true
	h.mu.Unlock()

	if wasSuspended {
		h.logger.Info("risk gate recovered, creates resume")
		if _, err := h.reg.SetErrorState(h.cfg.ID, ""); err != nil {
			h.logger.Warn("clear error state", "error", err)
		}
	}
}

// submit registers a create in the ledger and hands the intent to the
// gateway. Every submission counts as an action.
func (h *Host) submit(in types.Intent) {
	if in.Kind == types.IntentCreate {
		h.orders.add(types.OrderRecord{
			ClientOrderID: in.ClientOrderID,
			StrategyID:    h.cfg.ID,
			Symbol:        in.Symbol,
			Side:          in.Side,
			Price:         in.Price,
			Size:          in.Size,
			ReduceOnly:    in.ReduceOnly,
		})
	}
	if _, err := h.reg.UpdateCounters(h.cfg.ID, func(c *types.Counters) {
		c.TotalActions++
	}); err != nil {
		h.logger.Warn("update counters", "error", err)
	}

	if err := h.gw.Submit(in); err != nil {
		h.logger.Warn("submit refused", "kind", in.Kind, "cloid", in.ClientOrderID, "error", err)
		if in.Kind == types.IntentCreate {
			h.orders.remove(in.ClientOrderID)
		}
	}
}

// OnOutcome folds a gateway completion back into host state.
func (h *Host) OnOutcome(out types.IntentOutcome) {
	in := out.Intent
	switch out.Status {
	case types.IntentAccepted:
		if in.Kind != types.IntentCreate {
			return
		}
		h.orders.markOpen(in.ClientOrderID, out.ExchangeOrderID, time.Now())
		if _, err := h.reg.UpdateCounters(h.cfg.ID, func(c *types.Counters) {
			c.SuccessfulOrders++
		}); err != nil {
			h.logger.Warn("update counters", "error", err)
		}
		h.reg.AppendActivity(types.Activity{
			StrategyID:  h.cfg.ID,
			Kind:        types.ActivityOrderPlaced,
			Success:     true,
			OrderID:     in.ClientOrderID,
			Price:       in.Price,
			Size:        in.Size,
			TradingPair: in.Symbol,
		})
		h.syncLiveOrders()

	case types.IntentRejected:
		if in.Kind == types.IntentCreate {
			h.orders.remove(in.ClientOrderID)
			if _, err := h.reg.UpdateCounters(h.cfg.ID, func(c *types.Counters) {
				c.FailedOrders++
			}); err != nil {
				h.logger.Warn("update counters", "error", err)
			}
			// Tell the variant so executors and slots can release the cloid.
			h.strat.OnOrderEvent(types.OrderEvent{
				ClientOrderID: in.ClientOrderID,
				Symbol:        in.Symbol,
				Side:          in.Side,
				State:         types.OrderRejected,
				Price:         in.Price,
				Size:          in.Size,
				Reason:        errText(out.Err),
				Time:          time.Now(),
			})
		}
		h.reg.AppendActivity(types.Activity{
			StrategyID:  h.cfg.ID,
			Kind:        types.ActivityOrderRejected,
			OrderID:     firstNonEmpty(in.ClientOrderID, in.CancelClientID),
			Price:       in.Price,
			Size:        in.Size,
			TradingPair: in.Symbol,
			Detail:      errText(out.Err),
		})
		h.syncLiveOrders()

	case types.IntentShed:
		if in.Kind == types.IntentCreate {
			h.orders.remove(in.ClientOrderID)
			h.strat.OnOrderEvent(types.OrderEvent{
				ClientOrderID: in.ClientOrderID,
				Symbol:        in.Symbol,
				Side:          in.Side,
				State:         types.OrderCancelled,
				Reason:        "shed: " + errText(out.Err),
				Time:          time.Now(),
			})
		}
		h.reg.AppendActivity(types.Activity{
			StrategyID:  h.cfg.ID,
			Kind:        types.ActivityOrderShed,
			OrderID:     in.ClientOrderID,
			TradingPair: in.Symbol,
			Detail:      errText(out.Err),
		})
		h.syncLiveOrders()
	}
}

// OnOrderEvent folds a venue order lifecycle event into the ledger and
// forwards it to the variant.
func (h *Host) OnOrderEvent(ev types.OrderEvent) {
	rec, terminal := h.orders.applyEvent(ev)
	if terminal && ev.State == types.OrderCancelled {
		h.reg.AppendActivity(types.Activity{
			StrategyID:  h.cfg.ID,
			Kind:        types.ActivityOrderCancelled,
			Success:     true,
			OrderID:     rec.ClientOrderID,
			Price:       rec.Price,
			Size:        rec.Remaining(),
			TradingPair: rec.Symbol,
		})
	}
	h.strat.OnOrderEvent(ev)
	h.syncLiveOrders()
}

// OnFill applies an execution to the ledger and position, records it, and
// forwards it to the variant.
func (h *Host) OnFill(f types.Fill) {
	wasFlat := h.pos.Size().IsZero()
	h.orders.applyFill(f)
	h.pos.ApplyFill(f)
	view := h.pos.View()

	if _, err := h.reg.UpdateRuntime(h.cfg.ID, func(rt *registry.Runtime) {
		rt.Position = view.Size
		rt.EntryPrice = view.EntryPrice
		rt.RealizedPnl = view.RealizedPnl
		rt.VolumeQuote = view.VolumeQuote
		rt.FeesPaid = view.FeesPaid
		rt.LastFillAt = view.LastFillAt
		rt.LiveOrders = h.orders.count()
	}); err != nil {
		h.logger.Warn("update runtime", "error", err)
	}

	detail := ""
	if f.Synthetic {
		detail = "reconciled"
	}
	h.reg.AppendActivity(types.Activity{
		StrategyID:  h.cfg.ID,
		Kind:        types.ActivityFill,
		Success:     true,
		OrderID:     f.ClientOrderID,
		Price:       f.Price,
		Size:        f.Size,
		TradingPair: f.Symbol,
		Detail:      detail,
	})

	if wasFlat && !view.Size.IsZero() {
		h.reg.AppendActivity(types.Activity{
			StrategyID:  h.cfg.ID,
			Kind:        types.ActivityPositionOpened,
			Success:     true,
			Price:       f.Price,
			Size:        view.Size,
			TradingPair: f.Symbol,
		})
	} else if !wasFlat && view.Size.IsZero() {
		h.reg.AppendActivity(types.Activity{
			StrategyID:  h.cfg.ID,
			Kind:        types.ActivityPositionClosed,
			Success:     true,
			Price:       f.Price,
			TradingPair: f.Symbol,
			Detail:      "realized " + view.RealizedPnl.StringFixed(4),
		})
	}

	h.strat.OnFill(f)
}

// LiveOrders returns copies of the host's outstanding orders.
func (h *Host) LiveOrders() []types.OrderRecord { return h.orders.live() }

// LiveOrderCount returns how many orders are still working.
func (h *Host) LiveOrderCount() int { return h.orders.count() }

// Position returns the tracked position.
func (h *Host) Position() PositionView { return h.pos.View() }

// RestorePosition overwrites the position from the venue's view after
// reconciliation.
func (h *Host) RestorePosition(size, entry decimal.Decimal) {
	h.pos.Restore(size, entry)
	view := h.pos.View()
	if _, err := h.reg.UpdateRuntime(h.cfg.ID, func(rt *registry.Runtime) {
		rt.Position = view.Size
		rt.EntryPrice = view.EntryPrice
	}); err != nil {
		h.logger.Warn("update runtime", "error", err)
	}
}

// NextClientID issues a fresh client order id from the host's sequence; the
// close protocol uses it for the flatten order so its id lines up with the
// strategy's own orders.
func (h *Host) NextClientID() string { return h.orders.nextClientID() }

// TrackOrder registers an externally built create (the flatten order) so
// events and fills for it flow through the ledger like any other.
func (h *Host) TrackOrder(in types.Intent) {
	if in.Kind != types.IntentCreate {
		return
	}
	h.orders.add(types.OrderRecord{
		ClientOrderID: in.ClientOrderID,
		StrategyID:    h.cfg.ID,
		Symbol:        in.Symbol,
		Side:          in.Side,
		Price:         in.Price,
		Size:          in.Size,
		ReduceOnly:    in.ReduceOnly,
	})
}

// Close shuts down the variant. Further ticks become no-ops.
func (h *Host) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.mu.Unlock()
	h.strat.Close()
}

func (h *Host) syncLiveOrders() {
	if _, err := h.reg.UpdateRuntime(h.cfg.ID, func(rt *registry.Runtime) {
		rt.LiveOrders = h.orders.count()
	}); err != nil {
		h.logger.Warn("update runtime", "error", err)
	}
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
