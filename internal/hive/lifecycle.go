package hive

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/shopspring/decimal"

	"hyperhive/internal/exchange"
	"hyperhive/internal/marketdata"
	"hyperhive/internal/registry"
	"hyperhive/internal/strategy"
	"hyperhive/pkg/types"
)

// flattenAttempts bounds the reduce-only close orders per protocol run.
const flattenAttempts = 3

// drainPoll is how often the close protocol re-checks ledger and position
// state while waiting on the venue.
const drainPoll = 50 * time.Millisecond

// StartStrategy arms a pending strategy: resolves its instrument, opens the
// market data it needs, builds the host, marks it active, and schedules it.
func (h *Hive) StartStrategy(ctx context.Context, id string) (registry.Snapshot, error) {
	snap, err := h.reg.Get(id)
	if err != nil {
		return registry.Snapshot{}, err
	}
	h.mu.RLock()
	_, running := h.hosts[id]
	h.mu.RUnlock()
	if running {
		return snap, fmt.Errorf("strategy %s already running", id)
	}

	cfg := snap.Config
	inst, err := h.venue.Instrument(cfg.TradingPair)
	if err != nil {
		return snap, err
	}

	streams := []marketdata.StreamKey{marketdata.BookStream()}
	interval := candleInterval(cfg)
	if interval != "" {
		streams = append(streams, marketdata.CandleStream(interval))
	}
	sub, err := h.hub.Subscribe(id, cfg.TradingPair, streams...)
	if err != nil {
		return snap, fmt.Errorf("subscribe market data: %w", err)
	}

	var history []types.Candle
	var candles <-chan types.Candle
	if interval != "" {
		candles = sub.Candles()
		warmTimeout := h.cfg.Venue.HTTPTimeout
		if warmTimeout <= 0 {
			warmTimeout = 10 * time.Second
		}
		warmCtx, cancel := context.WithTimeout(ctx, warmTimeout)
		history, err = h.venue.Candles(warmCtx, cfg.TradingPair, interval, warmupBars)
		cancel()
		if err != nil {
			// Not fatal: indicators warm up from live bars instead.
			h.logger.Warn("candle warmup failed", "strategy", id, "error", err)
			history = nil
		}
	}

	host, err := strategy.NewHost(cfg, inst, strategy.Deps{
		Registry: h.reg,
		Gateway:  h.gw,
		Account:  h.acct,
		Risk:     h.cfg.Risk,
		Candles:  candles,
		History:  history,
		Logger:   h.logger,
	})
	if err != nil {
		sub.Close()
		return snap, err
	}

	snap, err = h.reg.MarkStatus(id, types.StatusActive, "")
	if err != nil {
		sub.Close()
		host.Close()
		return snap, err
	}

	h.mu.Lock()
	h.hosts[id] = &hostSlot{host: host, sub: sub}
	h.routes[routePrefix(id)] = id
	h.mu.Unlock()

	if err := h.sched.Add(host); err != nil {
		h.logger.Error("schedule strategy", "strategy", id, "error", err)
	}

	h.logger.Info("strategy started",
		"strategy", id, "name", cfg.Name, "type", cfg.Type,
		"pair", cfg.TradingPair, "refresh", host.RefreshInterval())
	return snap, nil
}

// candleInterval returns the bar interval a variant consumes, or "" when it
// trades from the book alone.
func candleInterval(cfg types.StrategyConfig) string {
	switch {
	case cfg.Directional != nil:
		return cfg.Directional.Interval
	case cfg.MakerV2 != nil:
		return cfg.MakerV2.Interval
	default:
		return ""
	}
}

// CloseOptions selects what the close protocol tears down.
type CloseOptions struct {
	ClosePositions bool
	CancelOrders   bool
}

// BeginClose validates a close request and runs the protocol in the
// background, returning immediately. The caller sees the final state through
// the registry.
func (h *Hive) BeginClose(id string, opts CloseOptions) (registry.Snapshot, error) {
	snap, err := h.reg.Get(id)
	if err != nil {
		return registry.Snapshot{}, err
	}
	if snap.Status.Terminal() {
		return snap, nil
	}
	if !snap.Status.CanTransition(types.StatusClosing) {
		return snap, fmt.Errorf("%w: cannot close %s strategy", types.ErrInvalidTransition, snap.Status)
	}
	h.mu.RLock()
	inFlight := h.closing[id]
	base := h.baseCtx
	h.mu.RUnlock()
	if inFlight {
		return snap, types.ErrCloseInFlight
	}
	if base == nil {
		base = context.Background()
	}

	go func() {
		deadline := h.cfg.Sched.CloseDeadline
		if deadline <= 0 {
			deadline = 30 * time.Second
		}
		ctx, cancel := context.WithTimeout(base, deadline+5*time.Second)
		defer cancel()
		if _, err := h.Close(ctx, id, opts); err != nil {
			h.logger.Error("close failed", "strategy", id, "error", err)
		}
	}()
	return snap, nil
}

// Close runs the close protocol synchronously:
//
//  1. mark closing; the gateway refuses further creates (cancels still flow)
//  2. cancel open orders and wait for the ledger to drain
//  3. flatten the position with reduce-only orders, bounded retries
//  4. snapshot final state, append the close activity
//  5. mark stopped and tear the slot down
//
// A repeat close of a stopped strategy returns its final state; only one
// close runs per strategy at a time.
func (h *Hive) Close(ctx context.Context, id string, opts CloseOptions) (registry.Snapshot, error) {
	snap, err := h.reg.Get(id)
	if err != nil {
		return registry.Snapshot{}, err
	}
	if snap.Status.Terminal() {
		h.teardown(id)
		return snap, nil
	}

	h.mu.Lock()
	if h.closing[id] {
		h.mu.Unlock()
		return snap, types.ErrCloseInFlight
	}
	h.closing[id] = true
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.closing, id)
		h.mu.Unlock()
	}()

	snap, err = h.reg.MarkStatus(id, types.StatusClosing, "")
	if err != nil {
		return snap, err
	}
	h.sched.Remove(id)
	h.gw.BlockCreates(id)

	deadline := h.cfg.Sched.CloseDeadline
	if deadline <= 0 {
		deadline = 30 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	slot := h.slot(id)
	flattened := true
	if slot != nil {
		if opts.CancelOrders {
			h.cancelOpenOrders(cctx, id, slot.host)
		}
		if opts.ClosePositions && !slot.host.Position().Size.IsZero() {
			if err := h.flatten(cctx, id, slot.host); err != nil {
				flattened = false
				h.logger.Error("flatten exhausted", "strategy", id, "error", err)
				if _, serr := h.reg.SetErrorState(id, "flatten_failed"); serr != nil {
					h.logger.Warn("set error state", "error", serr)
				}
			}
		}
	}

	final, err := h.reg.Get(id)
	if err != nil {
		final = snap
	}
	detail := fmt.Sprintf("realized pnl %s, %d actions",
		final.Runtime.RealizedPnl.StringFixed(4), final.Counters.TotalActions)
	if !flattened {
		detail += ", flatten failed"
	}
	h.reg.AppendActivity(types.Activity{
		StrategyID:  id,
		Kind:        types.ActivityClose,
		Success:     flattened,
		TradingPair: final.Config.TradingPair,
		Detail:      detail,
	})

	snap, err = h.reg.MarkStatus(id, types.StatusStopped, "")
	if err != nil {
		return snap, err
	}
	h.teardown(id)
	if err := h.reg.Flush(id); err != nil {
		h.logger.Warn("flush on close", "strategy", id, "error", err)
	}
	h.logger.Info("strategy closed", "strategy", id, "detail", detail)
	return snap, nil
}

// cancelOpenOrders submits a cancel for every live order and waits for the
// ledger to drain or the deadline. Cancels go through the gateway so they
// inherit attribution and pacing; the venue may already have filled some,
// in which case the event stream clears them instead.
func (h *Hive) cancelOpenOrders(ctx context.Context, id string, host *strategy.Host) {
	live := host.LiveOrders()
	for _, rec := range live {
		err := h.gw.Submit(types.Intent{
			Kind:             types.IntentCancel,
			StrategyID:       id,
			Symbol:           rec.Symbol,
			CancelClientID:   rec.ClientOrderID,
			CancelExchangeID: rec.ExchangeOrderID,
		})
		if err != nil {
			h.logger.Warn("submit close cancel", "strategy", id,
				"cloid", rec.ClientOrderID, "error", err)
		}
	}
	if len(live) == 0 {
		return
	}
	if !h.waitFor(ctx, func() bool { return host.LiveOrderCount() == 0 }) {
		h.logger.Warn("close deadline hit with orders still live",
			"strategy", id, "live", host.LiveOrderCount())
	}
}

// flatten sends reduce-only IOC orders until the position is flat, retrying
// up to flattenAttempts with exponential backoff. It bypasses the gateway:
// the lane is already blocked for creates and the venue client carries its
// own rate budgets. The order still lands in the strategy ledger so fills
// route back normally.
func (h *Hive) flatten(ctx context.Context, id string, host *strategy.Host) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 5 * time.Second

	var lastErr error
	for attempt := 1; attempt <= flattenAttempts; attempt++ {
		pos := host.Position()
		if pos.Size.IsZero() {
			return nil
		}
		side := types.SELL
		if pos.Size.IsNegative() {
			side = types.BUY
		}
		size := pos.Size.Abs()
		ref := h.flattenRef(host.Symbol(), pos.EntryPrice)

		in := types.Intent{
			Kind:          types.IntentCreate,
			StrategyID:    id,
			Symbol:        host.Symbol(),
			ClientOrderID: host.NextClientID(),
			Side:          side,
			Price:         ref,
			Size:          size,
			OrderType:     types.OrderTypeMarket,
			TIF:           types.TIFIoc,
			ReduceOnly:    true,
		}
		host.TrackOrder(in)

		ack, err := h.venue.PlaceOrder(ctx, exchange.OrderRequest{
			Symbol:        in.Symbol,
			Side:          in.Side,
			Type:          in.OrderType,
			TIF:           in.TIF,
			Price:         in.Price,
			Size:          in.Size,
			ReduceOnly:    true,
			ClientOrderID: in.ClientOrderID,
		})
		if err != nil {
			lastErr = err
			// Release the tracked order; it never reached the venue.
			host.OnOrderEvent(types.OrderEvent{
				ClientOrderID: in.ClientOrderID,
				Symbol:        in.Symbol,
				Side:          in.Side,
				State:         types.OrderRejected,
				Reason:        "flatten: " + err.Error(),
				Synthetic:     true,
				Time:          time.Now(),
			})
			h.logger.Warn("flatten order refused",
				"strategy", id, "attempt", attempt, "error", err)
			if !sleepCtx(ctx, bo.NextBackOff()) {
				return ctx.Err()
			}
			continue
		}

		if !h.venue.Trading() {
			// Dry run: the venue never reports fills, so settle it here.
			h.applyDryFill(h.slot(id), in, ack.ExchangeOrderID)
			continue
		}

		// Live: the user stream delivers the fill. IOC means it either
		// executed or expired; poll the position until it reflects that,
		// bounded so a dead fill stream cannot eat the whole deadline.
		attemptCtx, done := context.WithTimeout(ctx, 5*time.Second)
		flat := h.waitFor(attemptCtx, func() bool { return host.Position().Size.IsZero() })
		done()
		if flat {
			return nil
		}
		lastErr = fmt.Errorf("position still %s after attempt %d", host.Position().Size, attempt)
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("position not flat after %d attempts", flattenAttempts)
	}
	return types.NewFault(types.KindCloseFailed, lastErr)
}

// flattenRef picks the market order's price anchor: the live mid when the
// book is up, the entry price as a last resort.
func (h *Hive) flattenRef(symbol string, entry decimal.Decimal) decimal.Decimal {
	if book, ok := h.hub.Latest(symbol); ok {
		if mid, ok := book.Mid(); ok {
			return mid
		}
	}
	return entry
}

// waitFor polls cond until it holds or ctx expires.
func (h *Hive) waitFor(ctx context.Context, cond func() bool) bool {
	ticker := time.NewTicker(drainPoll)
	defer ticker.Stop()
	for {
		if cond() {
			return true
		}
		select {
		case <-ctx.Done():
			return cond()
		case <-ticker.C:
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = time.Second
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// teardown releases a strategy's runtime resources. Safe to repeat.
func (h *Hive) teardown(id string) {
	h.mu.Lock()
	slot := h.hosts[id]
	delete(h.hosts, id)
	if slot != nil {
		delete(h.routes, routePrefix(id))
	}
	h.mu.Unlock()

	if slot == nil {
		return
	}
	h.sched.Remove(id)
	slot.host.Close()
	slot.sub.Close()
	h.gw.RemoveLane(id)
}

// RemoveStrategy deletes a terminal strategy from the registry and drops any
// lingering runtime state (an errored strategy keeps its slot for event
// routing until removed).
func (h *Hive) RemoveStrategy(ctx context.Context, id string) error {
	if err := h.reg.Remove(ctx, id); err != nil {
		return err
	}
	h.teardown(id)
	return nil
}

// StrategyPosition is one row of the portfolio view.
type StrategyPosition struct {
	StrategyID    string               `json:"strategy_id"`
	Name          string               `json:"name"`
	Owner         string               `json:"owner,omitempty"`
	TradingPair   string               `json:"trading_pair"`
	Status        types.StrategyStatus `json:"status"`
	Position      decimal.Decimal      `json:"position"`
	EntryPrice    decimal.Decimal      `json:"entry_price"`
	Exposure      decimal.Decimal      `json:"exposure"`
	UnrealizedPnl decimal.Decimal      `json:"unrealized_pnl"`
	RealizedPnl   decimal.Decimal      `json:"realized_pnl"`
	VolumeQuote   decimal.Decimal      `json:"volume_quote"`
	FeesPaid      decimal.Decimal      `json:"fees_paid"`
}

// Portfolio aggregates every strategy's position and PnL with the account
// balance snapshot.
type Portfolio struct {
	Balances           types.Balances     `json:"balances"`
	TotalExposure      decimal.Decimal    `json:"total_exposure"`
	TotalRealizedPnl   decimal.Decimal    `json:"total_realized_pnl"`
	TotalUnrealizedPnl decimal.Decimal    `json:"total_unrealized_pnl"`
	TotalVolumeQuote   decimal.Decimal    `json:"total_volume_quote"`
	Positions          []StrategyPosition `json:"positions"`
}

// Portfolio builds the aggregate view for the control plane. Unrealized PnL
// is re-marked at the live mid when the book is available.
func (h *Hive) Portfolio() Portfolio {
	snaps := h.reg.List(registry.Filter{})
	out := Portfolio{
		Balances:  h.acct.Balances(),
		Positions: make([]StrategyPosition, 0, len(snaps)),
	}
	for _, s := range snaps {
		rt := s.Runtime
		unreal := rt.UnrealizedPnl
		exposure := decimal.Zero
		if !rt.Position.IsZero() {
			if book, ok := h.hub.Latest(s.Config.TradingPair); ok {
				if mid, ok := book.Mid(); ok {
					unreal = mid.Sub(rt.EntryPrice).Mul(rt.Position)
					exposure = rt.Position.Abs().Mul(mid)
				}
			}
			if exposure.IsZero() {
				exposure = rt.Position.Abs().Mul(rt.EntryPrice)
			}
		}
		out.Positions = append(out.Positions, StrategyPosition{
			StrategyID:    s.Config.ID,
			Name:          s.Config.Name,
			Owner:         s.Config.Owner,
			TradingPair:   s.Config.TradingPair,
			Status:        s.Status,
			Position:      rt.Position,
			EntryPrice:    rt.EntryPrice,
			Exposure:      exposure,
			UnrealizedPnl: unreal,
			RealizedPnl:   rt.RealizedPnl,
			VolumeQuote:   rt.VolumeQuote,
			FeesPaid:      rt.FeesPaid,
		})
		out.TotalExposure = out.TotalExposure.Add(exposure)
		out.TotalRealizedPnl = out.TotalRealizedPnl.Add(rt.RealizedPnl)
		out.TotalUnrealizedPnl = out.TotalUnrealizedPnl.Add(unreal)
		out.TotalVolumeQuote = out.TotalVolumeQuote.Add(rt.VolumeQuote)
	}
	return out
}
