// Package gateway is the single funnel between strategies and the venue.
// Every outbound order action crosses it as a types.Intent and completes as
// a types.IntentOutcome, so rate limits, fairness, and shedding policy live
// in exactly one place.
//
// Scheduling: each strategy owns a FIFO lane with a privileged cancel track.
// A dispatcher round-robins across lanes, paced by a global limiter and a
// per-strategy limiter; cancels dispatch before creates and never shed.
// Transient venue failures earn one front-of-lane re-queue after a short
// delay, then fail over to a rejected outcome.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"
	"golang.org/x/time/rate"

	"hyperhive/internal/config"
	"hyperhive/internal/exchange"
	"hyperhive/pkg/types"
)

// Venue is the slice of the exchange client the gateway drives.
type Venue interface {
	PlaceOrder(ctx context.Context, req exchange.OrderRequest) (exchange.OrderAck, error)
	CancelOrder(ctx context.Context, symbol, exchangeOrderID, clientOrderID string) error
	CancelAll(ctx context.Context, symbol string) error
}

// queued is one intent waiting in a lane.
type queued struct {
	intent  types.Intent
	attempt int
}

// lane is one strategy's pending work. Cancels are privileged: dispatched
// first and never shed.
type lane struct {
	cancels []queued
	creates []queued
	blocked bool // closing: creates are refused and drained
}

func (l *lane) empty() bool { return len(l.cancels) == 0 && len(l.creates) == 0 }

// Gateway owns intent admission. Construct with NewGateway, start Run once.
type Gateway struct {
	venue   Venue
	cfg     config.GatewayConfig
	logger  *slog.Logger
	timeout time.Duration // per venue call

	global *rate.Limiter

	mu       sync.Mutex
	lanes    map[string]*lane
	strategy map[string]*rate.Limiter
	order    []string // lane round-robin order
	rrIdx    int
	inflight int
	pending  map[string]struct{} // cloids awaiting venue ack
	closed   bool

	wake     chan struct{}
	outcomes chan types.IntentOutcome
}

// NewGateway wires the funnel. callTimeout bounds each venue request; zero
// means 10s.
func NewGateway(venue Venue, cfg config.GatewayConfig, callTimeout time.Duration, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.GlobalOrdersPerSecond <= 0 {
		cfg.GlobalOrdersPerSecond = 20
	}
	if cfg.StrategyOrdersPerSecond <= 0 {
		cfg.StrategyOrdersPerSecond = 10
	}
	if cfg.MaxInflightOrders <= 0 {
		cfg.MaxInflightOrders = 40
	}
	if cfg.QueueCap <= 0 {
		cfg.QueueCap = 64
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if callTimeout <= 0 {
		callTimeout = 10 * time.Second
	}
	return &Gateway{
		venue:    venue,
		cfg:      cfg,
		logger:   logger.With("component", "gateway"),
		timeout:  callTimeout,
		global:   rate.NewLimiter(rate.Limit(cfg.GlobalOrdersPerSecond), 1),
		lanes:    make(map[string]*lane),
		strategy: make(map[string]*rate.Limiter),
		pending:  make(map[string]struct{}),
		wake:     make(chan struct{}, 1),
		outcomes: make(chan types.IntentOutcome, 256),
	}
}

// Outcomes is the completion stream. The orchestrator must drain it.
func (g *Gateway) Outcomes() <-chan types.IntentOutcome { return g.outcomes }

// Submit enqueues an intent. The call never blocks on the venue: overflow is
// resolved by shedding the oldest queued create of the same strategy, and
// the result of every admitted intent arrives on Outcomes.
func (g *Gateway) Submit(intent types.Intent) error {
	if intent.StrategyID == "" {
		return fmt.Errorf("intent without strategy id")
	}

	var shedded *queued
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return types.ErrGatewayClosed
	}
	ln := g.laneLocked(intent.StrategyID)
	switch intent.Kind {
	case types.IntentCancel, types.IntentCancelAll:
		ln.cancels = append(ln.cancels, queued{intent: intent})
	case types.IntentCreate:
		if ln.blocked {
			g.mu.Unlock()
			g.emit(types.IntentOutcome{
				Intent: intent,
				Status: types.IntentShed,
				Err:    errors.New("strategy closing"),
			})
			return nil
		}
		if len(ln.creates) >= g.cfg.QueueCap {
			old := ln.creates[0]
			ln.creates = ln.creates[1:]
			shedded = &old
		}
		ln.creates = append(ln.creates, queued{intent: intent})
	default:
		g.mu.Unlock()
		return fmt.Errorf("unknown intent kind %q", intent.Kind)
	}
	g.mu.Unlock()

	if shedded != nil {
		g.logger.Warn("queue overflow, shedding oldest create",
			"strategy", intent.StrategyID, "cloid", shedded.intent.ClientOrderID)
		g.emit(types.IntentOutcome{
			Intent: shedded.intent,
			Status: types.IntentShed,
			Err:    types.ErrQueueFull,
		})
	}
	g.signal()
	return nil
}

// BlockCreates refuses new creates for a strategy and sheds the ones already
// queued. Cancels keep flowing. The close protocol calls this first.
func (g *Gateway) BlockCreates(strategyID string) {
	g.mu.Lock()
	ln := g.laneLocked(strategyID)
	ln.blocked = true
	drained := ln.creates
	ln.creates = nil
	g.mu.Unlock()

	for _, q := range drained {
		g.emit(types.IntentOutcome{
			Intent: q.intent,
			Status: types.IntentShed,
			Err:    errors.New("strategy closing"),
		})
	}
}

// RemoveLane forgets a stopped strategy's lane and limiter. Queued work is
// shed.
func (g *Gateway) RemoveLane(strategyID string) {
	g.mu.Lock()
	ln := g.lanes[strategyID]
	delete(g.lanes, strategyID)
	delete(g.strategy, strategyID)
	for i, id := range g.order {
		if id == strategyID {
			g.order = append(g.order[:i], g.order[i+1:]...)
			if g.rrIdx > i {
				g.rrIdx--
			}
			break
		}
	}
	g.mu.Unlock()

	if ln == nil {
		return
	}
	for _, q := range append(ln.cancels, ln.creates...) {
		g.emit(types.IntentOutcome{
			Intent: q.intent,
			Status: types.IntentShed,
			Err:    errors.New("strategy removed"),
		})
	}
}

// QueueDepths reports queued intents per strategy. Telemetry reads it.
func (g *Gateway) QueueDepths() map[string]int {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]int, len(g.lanes))
	for id, ln := range g.lanes {
		out[id] = len(ln.cancels) + len(ln.creates)
	}
	return out
}

// Run dispatches until ctx is cancelled. Venue calls execute on a bounded
// worker pool; Run returns once in-flight work has drained.
func (g *Gateway) Run(ctx context.Context) error {
	workers := pool.New().WithMaxGoroutines(g.cfg.Workers)
	defer workers.Wait()
	defer g.shutdown()

	for {
		q, laneID, ok, retryIn := g.next()
		if !ok {
			if retryIn <= 0 {
				retryIn = 50 * time.Millisecond
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-g.wake:
			case <-time.After(retryIn):
			}
			continue
		}

		if err := g.global.Wait(ctx); err != nil {
			// Shutting down: the intent never reached the venue.
			g.mu.Lock()
			g.inflight--
			g.mu.Unlock()
			g.requeueFront(laneID, q)
			return err
		}

		item := q
		workers.Go(func() { g.dispatch(ctx, item) })
	}
}

// next pops the highest-priority dispatchable intent: scan lanes round-robin
// for a cancel first, then for a create that clears its strategy limiter and
// the inflight cap. Returns the shortest wait when work exists but nothing
// is dispatchable yet.
func (g *Gateway) next() (queued, string, bool, time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.order) == 0 {
		return queued{}, "", false, 0
	}
	if g.inflight >= g.cfg.MaxInflightOrders {
		return queued{}, "", false, 0 // completion will wake us
	}

	var minWait time.Duration

	// Cancels jump every queue. Serialization: a cancel for a cloid still
	// awaiting its create ack stays queued until the ack lands.
	for i := 0; i < len(g.order); i++ {
		id := g.order[(g.rrIdx+i)%len(g.order)]
		ln := g.lanes[id]
		for j, q := range ln.cancels {
			if q.intent.Kind == types.IntentCancel {
				if _, waiting := g.pending[q.intent.CancelClientID]; waiting && q.intent.CancelClientID != "" {
					continue
				}
			}
			ln.cancels = append(ln.cancels[:j], ln.cancels[j+1:]...)
			g.rrIdx = (g.rrIdx + i + 1) % len(g.order)
			g.markDispatchLocked(q)
			return q, id, true, 0
		}
	}

	for i := 0; i < len(g.order); i++ {
		id := g.order[(g.rrIdx+i)%len(g.order)]
		ln := g.lanes[id]
		if len(ln.creates) == 0 {
			continue
		}
		lim := g.strategy[id]
		res := lim.Reserve()
		if delay := res.Delay(); delay > 0 {
			res.Cancel()
			if minWait == 0 || delay < minWait {
				minWait = delay
			}
			continue
		}
		q := ln.creates[0]
		ln.creates = ln.creates[1:]
		g.rrIdx = (g.rrIdx + i + 1) % len(g.order)
		g.markDispatchLocked(q)
		return q, id, true, 0
	}
	return queued{}, "", false, minWait
}

func (g *Gateway) markDispatchLocked(q queued) {
	g.inflight++
	if q.intent.Kind == types.IntentCreate && q.intent.ClientOrderID != "" {
		g.pending[q.intent.ClientOrderID] = struct{}{}
	}
}

// dispatch performs the venue call and emits the outcome. A first transient
// failure re-queues the intent at the front of its lane after RetryDelay; a
// second failure is final.
func (g *Gateway) dispatch(ctx context.Context, q queued) {
	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	ack, err := g.call(callCtx, q.intent)
	cancel()

	if err != nil && types.Retriable(err) && q.attempt == 0 && ctx.Err() == nil {
		g.logger.Warn("transient venue failure, re-queueing once",
			"strategy", q.intent.StrategyID, "kind", q.intent.Kind,
			"cloid", q.intent.ClientOrderID, "error", err)
		// The cloid stays pending across the retry window so a queued cancel
		// for it cannot overtake the re-dispatch.
		g.mu.Lock()
		g.inflight--
		g.mu.Unlock()
		g.signal()
		retry := queued{intent: q.intent, attempt: q.attempt + 1}
		time.AfterFunc(g.cfg.RetryDelay, func() {
			g.requeueFront(q.intent.StrategyID, retry)
		})
		return
	}

	out := types.IntentOutcome{
		Intent:          q.intent,
		ExchangeOrderID: ack.ExchangeOrderID,
		Filled:          ack.Filled,
		AvgPrice:        ack.AvgPrice,
	}
	if err != nil {
		out.Status = types.IntentRejected
		out.Err = err
	} else {
		out.Status = types.IntentAccepted
	}
	g.finishDispatch(q.intent)
	g.emit(out)
}

func (g *Gateway) call(ctx context.Context, intent types.Intent) (exchange.OrderAck, error) {
	switch intent.Kind {
	case types.IntentCreate:
		tif := intent.TIF
		if intent.PostOnly && tif == "" {
			tif = types.TIFAlo
		}
		return g.venue.PlaceOrder(ctx, exchange.OrderRequest{
			Symbol:        intent.Symbol,
			Side:          intent.Side,
			Type:          intent.OrderType,
			TIF:           tif,
			Price:         intent.Price,
			Size:          intent.Size,
			ReduceOnly:    intent.ReduceOnly,
			ClientOrderID: intent.ClientOrderID,
		})
	case types.IntentCancel:
		return exchange.OrderAck{}, g.venue.CancelOrder(ctx, intent.Symbol, intent.CancelExchangeID, intent.CancelClientID)
	case types.IntentCancelAll:
		return exchange.OrderAck{}, g.venue.CancelAll(ctx, intent.Symbol)
	default:
		return exchange.OrderAck{}, fmt.Errorf("unknown intent kind %q", intent.Kind)
	}
}

func (g *Gateway) finishDispatch(intent types.Intent) {
	g.mu.Lock()
	g.inflight--
	if intent.Kind == types.IntentCreate && intent.ClientOrderID != "" {
		delete(g.pending, intent.ClientOrderID)
	}
	g.mu.Unlock()
	g.signal()
}

// requeueFront puts a retried intent at the head of its lane so the retry
// happens before newer work, still paced by the limiters.
func (g *Gateway) requeueFront(strategyID string, q queued) {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		g.emit(types.IntentOutcome{Intent: q.intent, Status: types.IntentShed, Err: types.ErrGatewayClosed})
		return
	}
	ln := g.laneLocked(strategyID)
	switch q.intent.Kind {
	case types.IntentCancel, types.IntentCancelAll:
		ln.cancels = append([]queued{q}, ln.cancels...)
	default:
		if ln.blocked {
			g.mu.Unlock()
			g.emit(types.IntentOutcome{Intent: q.intent, Status: types.IntentShed, Err: errors.New("strategy closing")})
			return
		}
		ln.creates = append([]queued{q}, ln.creates...)
	}
	g.mu.Unlock()
	g.signal()
}

func (g *Gateway) shutdown() {
	g.mu.Lock()
	g.closed = true
	var drained []queued
	for _, ln := range g.lanes {
		drained = append(drained, ln.cancels...)
		drained = append(drained, ln.creates...)
		ln.cancels, ln.creates = nil, nil
	}
	g.mu.Unlock()

	for _, q := range drained {
		g.emit(types.IntentOutcome{Intent: q.intent, Status: types.IntentShed, Err: types.ErrGatewayClosed})
	}
}

func (g *Gateway) laneLocked(strategyID string) *lane {
	ln, ok := g.lanes[strategyID]
	if !ok {
		ln = &lane{}
		g.lanes[strategyID] = ln
		g.order = append(g.order, strategyID)
		g.strategy[strategyID] = rate.NewLimiter(rate.Limit(g.cfg.StrategyOrdersPerSecond), 1)
	}
	return ln
}

// emit delivers a completion. Outcomes are never dropped while the gateway
// is live: losing one would leak pending state in the host. During shutdown
// the consumer may already be gone, so delivery turns best-effort.
func (g *Gateway) emit(out types.IntentOutcome) {
	g.mu.Lock()
	closed := g.closed
	g.mu.Unlock()
	if closed {
		select {
		case g.outcomes <- out:
		default:
		}
		return
	}
	g.outcomes <- out
}

func (g *Gateway) signal() {
	select {
	case g.wake <- struct{}{}:
	default:
	}
}
