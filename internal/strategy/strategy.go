// Package strategy implements the trading logic variants hosted by the hive:
// a pure market-making ladder, signal-driven directional controllers, and the
// volatility-scaled v2 makers.
//
// Every variant sits behind the same closed interface: the scheduler drives
// OnTick with a fresh book snapshot, the event router feeds back order events
// and fills, and the variant answers ticks with order intents. Shared
// mechanics — client order ids, the live-order ledger, target-set diffing,
// price alignment — live here; the variants only decide what the target
// order set should be.
package strategy

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"hyperhive/pkg/types"
)

// Strategy is the closed interface every hosted variant implements.
// OnTick must be non-blocking: all I/O happens through the returned intents.
type Strategy interface {
	OnTick(now time.Time, book types.BookSnapshot) []types.Intent
	OnOrderEvent(ev types.OrderEvent)
	OnFill(f types.Fill)
	Close()
}

// makerFeeRate approximates the venue's maker fee for quote widening when
// add_transaction_costs is enabled.
const makerFeeRate = 0.00015

// env bundles what every variant needs: its config, the instrument grid, the
// shared live-order ledger and position tracker, and a component logger.
type env struct {
	cfg    types.StrategyConfig
	inst   types.Instrument
	orders *ledger
	pos    *Position
	logger *slog.Logger
}

// create builds a limit-create intent with a fresh client order id.
func (e *env) create(q quote) types.Intent {
	return types.Intent{
		Kind:          types.IntentCreate,
		StrategyID:    e.cfg.ID,
		Symbol:        e.cfg.TradingPair,
		ClientOrderID: e.orders.nextClientID(),
		Side:          q.side,
		Price:         q.price,
		Size:          q.size,
		OrderType:     types.OrderTypeLimit,
		TIF:           types.TIFGtc,
		ReduceOnly:    q.reduceOnly,
		PostOnly:      q.postOnly,
	}
}

// marketOrder builds an aggressive IOC intent. ref anchors the venue-side
// slippage padding, so it must be a current book price.
func (e *env) marketOrder(side types.Side, size, ref decimal.Decimal, reduceOnly bool) types.Intent {
	return types.Intent{
		Kind:          types.IntentCreate,
		StrategyID:    e.cfg.ID,
		Symbol:        e.cfg.TradingPair,
		ClientOrderID: e.orders.nextClientID(),
		Side:          side,
		Price:         ref,
		Size:          size,
		OrderType:     types.OrderTypeMarket,
		TIF:           types.TIFIoc,
		ReduceOnly:    reduceOnly,
	}
}

// cancel builds a cancel intent for one of our live orders.
func (e *env) cancel(o types.OrderRecord) types.Intent {
	return types.Intent{
		Kind:             types.IntentCancel,
		StrategyID:       e.cfg.ID,
		Symbol:           o.Symbol,
		CancelClientID:   o.ClientOrderID,
		CancelExchangeID: o.ExchangeOrderID,
	}
}

// alignPrice rounds a quote price to the nearest tick. Passive quotes round
// to nearest rather than directionally so a symmetric ladder stays symmetric.
func alignPrice(inst types.Instrument, px decimal.Decimal) decimal.Decimal {
	return px.Round(int32(inst.TickDecimals))
}

// ————————————————————————————————————————————————————————————————————————
// Live-order ledger
// ————————————————————————————————————————————————————————————————————————

// liveOrder is one ledger entry as seen by a variant during a tick.
// cancelable is false for orders still awaiting their venue ack and for
// orders acked within the current tick, so a fresh quote is never torn down
// by the pass that just placed it.
type liveOrder struct {
	types.OrderRecord
	cancelable bool
}

// ledger tracks one strategy's outstanding orders and issues its client
// order ids. IDs are "<id8>-<seq>" with seq monotonic for the life of the
// strategy, so at most one create can ever carry a given id.
type ledger struct {
	mu     sync.Mutex
	prefix string
	seq    uint64
	orders map[string]*types.OrderRecord
	ackAt  map[string]time.Time
}

func newLedger(strategyID string) *ledger {
	prefix := strategyID
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	return &ledger{
		prefix: prefix,
		orders: make(map[string]*types.OrderRecord),
		ackAt:  make(map[string]time.Time),
	}
}

func (l *ledger) nextClientID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	return fmt.Sprintf("%s-%d", l.prefix, l.seq)
}

// add registers a just-submitted create as pending.
func (l *ledger) add(rec types.OrderRecord) {
	rec.State = types.OrderPendingNew
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.orders[rec.ClientOrderID] = &rec
}

// markOpen records the venue ack for a pending create. Events may have
// already advanced the record past open; the state never moves backwards.
func (l *ledger) markOpen(cloid, exchangeID string, at time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.orders[cloid]
	if !ok {
		return
	}
	if exchangeID != "" {
		rec.ExchangeOrderID = exchangeID
	}
	if rec.State.CanTransition(types.OrderOpen) {
		rec.State = types.OrderOpen
	}
	l.ackAt[cloid] = at
}

// applyEvent folds a venue order event into the ledger. It returns the
// updated record and whether the event made it terminal (the entry is then
// removed).
func (l *ledger) applyEvent(ev types.OrderEvent) (types.OrderRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.orders[ev.ClientOrderID]
	if !ok {
		return types.OrderRecord{}, false
	}
	if ev.ExchangeOrderID != "" {
		rec.ExchangeOrderID = ev.ExchangeOrderID
	}
	if ev.Filled.GreaterThan(rec.Filled) {
		rec.Filled = ev.Filled
	}
	if rec.State.CanTransition(ev.State) {
		rec.State = ev.State
	}
	out := *rec
	if rec.State.Terminal() {
		delete(l.orders, ev.ClientOrderID)
		delete(l.ackAt, ev.ClientOrderID)
		return out, true
	}
	return out, false
}

// applyFill advances the filled quantity for a fill against one of our
// orders. A fill that exhausts the order removes it.
func (l *ledger) applyFill(f types.Fill) (types.OrderRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.orders[f.ClientOrderID]
	if !ok {
		return types.OrderRecord{}, false
	}
	rec.Filled = rec.Filled.Add(f.Size)
	switch {
	case rec.Filled.GreaterThanOrEqual(rec.Size):
		rec.State = types.OrderFilled
	case rec.State.CanTransition(types.OrderPartiallyFilled):
		rec.State = types.OrderPartiallyFilled
	}
	out := *rec
	if rec.State.Terminal() {
		delete(l.orders, f.ClientOrderID)
		delete(l.ackAt, f.ClientOrderID)
		return out, true
	}
	return out, false
}

// remove drops an order outright (rejected or shed before reaching the book).
func (l *ledger) remove(cloid string) (types.OrderRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.orders[cloid]
	if !ok {
		return types.OrderRecord{}, false
	}
	delete(l.orders, cloid)
	delete(l.ackAt, cloid)
	return *rec, true
}

// get returns a copy of one live order.
func (l *ledger) get(cloid string) (types.OrderRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.orders[cloid]
	if !ok {
		return types.OrderRecord{}, false
	}
	return *rec, true
}

// live returns copies of all outstanding orders.
func (l *ledger) live() []types.OrderRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]types.OrderRecord, 0, len(l.orders))
	for _, rec := range l.orders {
		out = append(out, *rec)
	}
	return out
}

func (l *ledger) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.orders)
}

// view returns the tick-scoped picture: every live order, cancelable only
// when its ack landed before this tick began.
func (l *ledger) view(tickStart time.Time) []liveOrder {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]liveOrder, 0, len(l.orders))
	for cloid, rec := range l.orders {
		ack, acked := l.ackAt[cloid]
		out = append(out, liveOrder{
			OrderRecord: *rec,
			cancelable:  acked && ack.Before(tickStart),
		})
	}
	return out
}

// ————————————————————————————————————————————————————————————————————————
// Target-set diffing
// ————————————————————————————————————————————————————————————————————————

// quote is one desired resting order.
type quote struct {
	side       types.Side
	price      decimal.Decimal
	size       decimal.Decimal
	reduceOnly bool
	postOnly   bool
}

// diff matches live orders against the target set. A live order survives
// when a target on the same side sits within tickTol of its price and within
// lotTol of its remaining size; each target absorbs at most one live order.
// Unmatched targets come back as creates, unmatched cancelable live orders
// as cancels.
func diff(live []liveOrder, target []quote, tickTol, lotTol decimal.Decimal) (creates []quote, cancels []types.OrderRecord) {
	used := make([]bool, len(live))

	for _, q := range target {
		matched := false
		for i, o := range live {
			if used[i] || o.Side != q.side {
				continue
			}
			if o.Price.Sub(q.price).Abs().GreaterThan(tickTol) {
				continue
			}
			if o.Remaining().Sub(q.size).Abs().GreaterThan(lotTol) {
				continue
			}
			used[i] = true
			matched = true
			break
		}
		if !matched {
			creates = append(creates, q)
		}
	}

	for i, o := range live {
		if !used[i] && o.cancelable {
			cancels = append(cancels, o.OrderRecord)
		}
	}
	return creates, cancels
}
