package hive

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"hyperhive/pkg/types"
)

// reconcilerID attributes safety cancels for venue orders no strategy claims.
const reconcilerID = "hive-reconciler"

// accountCache holds the latest account snapshot for the risk gates. Hosts
// read it on every tick, the account loop refreshes it.
type accountCache struct {
	mu  sync.RWMutex
	bal types.Balances
}

func (a *accountCache) Balances() types.Balances {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.bal
}

func (a *accountCache) set(bal types.Balances) {
	a.mu.Lock()
	a.bal = bal
	a.mu.Unlock()
}

// ————————————————————————————————————————————————————————————————————————
// Event loops
// ————————————————————————————————————————————————————————————————————————

// outcomeLoop mirrors gateway outcomes into the owning host. In dry runs it
// also plays the venue's part, synthesizing the fills and cancel
// confirmations a live user stream would deliver.
func (h *Hive) outcomeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case out, ok := <-h.gw.Outcomes():
			if !ok {
				return nil
			}
			slot := h.slot(out.Intent.StrategyID)
			if slot == nil {
				h.logger.Debug("outcome for unknown strategy",
					"strategy", out.Intent.StrategyID, "kind", out.Intent.Kind)
				continue
			}
			slot.host.OnOutcome(out)
			if !h.venue.Trading() {
				h.synthesizeDryRun(slot, out)
			}
		}
	}
}

// userLoop routes the venue's private stream: order lifecycle events, fills,
// and funding payments.
func (h *Hive) userLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-h.user.OrderEvents():
			if !ok {
				return nil
			}
			h.routeOrderEvent(ev)
		case f, ok := <-h.user.Fills():
			if !ok {
				return nil
			}
			h.routeFill(f)
		case fp, ok := <-h.user.Fundings():
			if !ok {
				return nil
			}
			h.logger.Info("funding payment",
				"symbol", fp.Symbol, "amount", fp.Amount, "rate", fp.Rate)
		}
	}
}

// resyncLoop reconciles local state against the venue whenever either
// websocket reconnects. Both feeds can resync in the same outage; the
// reconcile is idempotent so running it twice is harmless.
func (h *Hive) resyncLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-h.hub.Resyncs():
			if !ok {
				return nil
			}
			h.reconcile(ctx)
		case _, ok := <-h.user.Resyncs():
			if !ok {
				return nil
			}
			h.reconcile(ctx)
		}
	}
}

// accountLoop keeps the balance cache fresh for the margin gates.
func (h *Hive) accountLoop(ctx context.Context) error {
	fetch := func() {
		bal, err := h.venue.Balances(ctx)
		if err != nil {
			h.logger.Warn("fetch balances", "error", err)
			return
		}
		h.acct.set(bal)
	}
	fetch()
	ticker := time.NewTicker(accountPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			fetch()
		}
	}
}

// ————————————————————————————————————————————————————————————————————————
// Routing
// ————————————————————————————————————————————————————————————————————————

func (h *Hive) routeFill(f types.Fill) {
	slot, ok := h.ownerOf(f.ClientOrderID)
	if !ok {
		h.logger.Debug("fill for unknown order",
			"cloid", f.ClientOrderID, "symbol", f.Symbol, "size", f.Size)
		return
	}
	slot.host.OnFill(f)
}

func (h *Hive) routeOrderEvent(ev types.OrderEvent) {
	slot, ok := h.ownerOf(ev.ClientOrderID)
	if ok {
		slot.host.OnOrderEvent(ev)
		return
	}
	if ev.Reason == "adopted" && ev.ExchangeOrderID != "" {
		// A resting venue order no strategy claims. Cancel it rather than
		// leave unattributed exposure working.
		h.logger.Warn("cancelling unclaimed venue order",
			"symbol", ev.Symbol, "oid", ev.ExchangeOrderID)
		if err := h.gw.Submit(types.Intent{
			Kind:             types.IntentCancel,
			StrategyID:       reconcilerID,
			Symbol:           ev.Symbol,
			CancelExchangeID: ev.ExchangeOrderID,
		}); err != nil {
			h.logger.Warn("submit safety cancel", "error", err)
		}
		return
	}
	h.logger.Debug("order event for unknown order",
		"cloid", ev.ClientOrderID, "state", ev.State)
}

// ————————————————————————————————————————————————————————————————————————
// Dry-run synthesis
// ————————————————————————————————————————————————————————————————————————

// synthesizeDryRun stands in for the venue when trading is off: accepted
// marketable orders fill at their own price, accepted cancels confirm. The
// host has already processed the outcome, so the ledger holds the order.
func (h *Hive) synthesizeDryRun(slot *hostSlot, out types.IntentOutcome) {
	if out.Status != types.IntentAccepted {
		return
	}
	in := out.Intent
	switch in.Kind {
	case types.IntentCreate:
		if in.OrderType == types.OrderTypeMarket || in.TIF == types.TIFIoc {
			h.applyDryFill(slot, in, out.ExchangeOrderID)
		}
	case types.IntentCancel:
		slot.host.OnOrderEvent(types.OrderEvent{
			ClientOrderID:   in.CancelClientID,
			ExchangeOrderID: in.CancelExchangeID,
			Symbol:          in.Symbol,
			State:           types.OrderCancelled,
			Synthetic:       true,
			Time:            time.Now(),
		})
	case types.IntentCancelAll:
		for _, rec := range slot.host.LiveOrders() {
			slot.host.OnOrderEvent(types.OrderEvent{
				ClientOrderID:   rec.ClientOrderID,
				ExchangeOrderID: rec.ExchangeOrderID,
				Symbol:          rec.Symbol,
				Side:            rec.Side,
				State:           types.OrderCancelled,
				Synthetic:       true,
				Time:            time.Now(),
			})
		}
	}
}

// applyDryFill settles a simulated execution: the fill moves the position,
// the filled event lets the variant react the way it would live.
func (h *Hive) applyDryFill(slot *hostSlot, in types.Intent, exchangeID string) {
	now := time.Now()
	slot.host.OnFill(types.Fill{
		ClientOrderID:   in.ClientOrderID,
		ExchangeOrderID: exchangeID,
		Symbol:          in.Symbol,
		Side:            in.Side,
		Price:           in.Price,
		Size:            in.Size,
		Crossed:         true,
		Time:            now,
	})
	slot.host.OnOrderEvent(types.OrderEvent{
		ClientOrderID:   in.ClientOrderID,
		ExchangeOrderID: exchangeID,
		Symbol:          in.Symbol,
		Side:            in.Side,
		State:           types.OrderFilled,
		Price:           in.Price,
		Size:            in.Size,
		Filled:          in.Size,
		Synthetic:       true,
		Time:            now,
	})
}

// ————————————————————————————————————————————————————————————————————————
// Reconciliation
// ————————————————————————————————————————————————————————————————————————

// reconcile replays what the venue did while we were blind: it hands every
// live order to the venue client, applies the fills and terminal events the
// diff produces, then restores positions from the venue's view. A position
// is only overwritten when exactly one strategy trades the symbol; shared
// symbols cannot be attributed and are left for the operator.
func (h *Hive) reconcile(ctx context.Context) {
	h.mu.RLock()
	since := h.lastSync
	local := make([]types.OrderRecord, 0, 16)
	for _, slot := range h.hosts {
		local = append(local, slot.host.LiveOrders()...)
	}
	h.mu.RUnlock()

	report, err := h.venue.Reconcile(ctx, local, since)
	if err != nil {
		h.logger.Error("reconcile", "error", err)
		return
	}
	for _, f := range report.Fills {
		h.routeFill(f)
	}
	for _, ev := range report.Events {
		h.routeOrderEvent(ev)
	}
	h.restorePositions(report.Positions)

	h.mu.Lock()
	h.lastSync = time.Now()
	h.mu.Unlock()

	if len(report.Fills) > 0 || len(report.Events) > 0 {
		h.logger.Info("reconciled venue state",
			"fills", len(report.Fills), "events", len(report.Events),
			"positions", len(report.Positions))
	}
}

func (h *Hive) restorePositions(positions []types.Position) {
	bySymbol := make(map[string][]*hostSlot)
	h.mu.RLock()
	for _, slot := range h.hosts {
		sym := slot.host.Symbol()
		bySymbol[sym] = append(bySymbol[sym], slot)
	}
	h.mu.RUnlock()

	venueBySymbol := make(map[string]types.Position, len(positions))
	for _, p := range positions {
		venueBySymbol[p.Symbol] = p
	}

	for sym, slots := range bySymbol {
		if len(slots) > 1 {
			if _, ok := venueBySymbol[sym]; ok {
				h.logger.Warn("cannot attribute venue position, symbol shared",
					"symbol", sym, "strategies", len(slots))
			}
			continue
		}
		host := slots[0].host
		venue, ok := venueBySymbol[sym]
		switch {
		case !ok && !host.Position().Size.IsZero():
			h.logger.Warn("venue reports flat, restoring to zero",
				"symbol", sym, "local", host.Position().Size)
			host.RestorePosition(decimal.Zero, decimal.Zero)
		case ok && !venue.Size.Equal(host.Position().Size):
			h.logger.Warn("position drift, adopting venue view",
				"symbol", sym, "local", host.Position().Size, "venue", venue.Size)
			host.RestorePosition(venue.Size, venue.EntryPrice)
		}
	}
}
