package marketdata

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"hyperhive/internal/config"
	"hyperhive/internal/exchange"
	"hyperhive/pkg/types"
)

// Stream channel names, matching the venue's subscription types.
const (
	StreamBook    = "l2Book"
	StreamTrades  = "trades"
	StreamCandles = "candle"
)

const (
	subBookBuffer   = 16
	subTradeBuffer  = 64
	subCandleBuffer = 16
	seedTimeout     = 10 * time.Second
)

// StreamKey names one stream of a symbol's market data.
type StreamKey struct {
	Channel  string
	Interval string // candle streams only
}

// BookStream subscribes to l2 book snapshots.
func BookStream() StreamKey { return StreamKey{Channel: StreamBook} }

// TradeStream subscribes to the public trade tape.
func TradeStream() StreamKey { return StreamKey{Channel: StreamTrades} }

// CandleStream subscribes to OHLCV bars at the given interval.
func CandleStream(interval string) StreamKey {
	return StreamKey{Channel: StreamCandles, Interval: interval}
}

// Upstream is the socket side the hub rides on. *exchange.Feed satisfies it.
type Upstream interface {
	Subscribe(exchange.Sub) error
	Unsubscribe(exchange.Sub) error
	Books() <-chan types.BookSnapshot
	Trades() <-chan types.Trade
	Candles() <-chan types.Candle
	Resyncs() <-chan struct{}
}

// InstrumentSource resolves normalized symbols to venue instruments.
// *exchange.Client satisfies it.
type InstrumentSource interface {
	Instrument(symbol string) (types.Instrument, error)
}

// CandleSource serves REST candle history used to seed a series before live
// bars arrive. *exchange.Client satisfies it; nil disables seeding.
type CandleSource interface {
	Candles(ctx context.Context, symbol, interval string, bars int) ([]types.Candle, error)
}

type upKey struct {
	channel  string
	symbol   string
	interval string
}

// refEntry tracks one upstream subscription and how many local subscribers
// hold it. A linger timer delays the upstream close after the count hits
// zero so churning strategies don't thrash the venue.
type refEntry struct {
	sub    exchange.Sub
	count  int
	linger *time.Timer
}

// Subscription is one strategy's view of the streams it asked for. Channels
// are buffered; a consumer that stops reading loses updates, never blocks
// the hub.
type Subscription struct {
	id         string
	strategyID string
	symbol     string
	wants      map[upKey]bool

	books   chan types.BookSnapshot
	trades  chan types.Trade
	candles chan types.Candle
	resyncs chan struct{}

	hub    *Hub
	closed bool
}

// Books streams book snapshots for the subscribed symbol.
func (s *Subscription) Books() <-chan types.BookSnapshot { return s.books }

// Trades streams trade prints for the subscribed symbol.
func (s *Subscription) Trades() <-chan types.Trade { return s.trades }

// Candles streams bars for the subscribed intervals.
func (s *Subscription) Candles() <-chan types.Candle { return s.candles }

// Resyncs signals that the upstream reconnected and venue state should be
// re-checked.
func (s *Subscription) Resyncs() <-chan struct{} { return s.resyncs }

// StrategyID returns the owner recorded at Subscribe time.
func (s *Subscription) StrategyID() string { return s.strategyID }

// Close releases the subscription. Equivalent to hub.Unsubscribe(s).
func (s *Subscription) Close() { s.hub.Unsubscribe(s) }

// Hub multiplexes upstream market streams to local subscriptions.
type Hub struct {
	upstream Upstream
	meta     InstrumentSource
	history  CandleSource

	lingerWindow time.Duration
	seedBars     int

	mu   sync.RWMutex
	refs map[upKey]*refEntry
	subs map[string]*Subscription

	books   *bookCache
	candles *candleStore

	resyncCh chan struct{}
	logger   *slog.Logger
}

// NewHub wires the hub to an upstream feed. history may be nil to disable
// candle seeding (dry runs without REST access).
func NewHub(upstream Upstream, meta InstrumentSource, history CandleSource, cfg config.HubConfig, logger *slog.Logger) *Hub {
	return &Hub{
		upstream:     upstream,
		meta:         meta,
		history:      history,
		lingerWindow: cfg.LingerWindow,
		seedBars:     cfg.CandleHistory,
		refs:         make(map[upKey]*refEntry),
		subs:         make(map[string]*Subscription),
		books:        newBookCache(cfg.BookDepth),
		candles:      newCandleStore(cfg.CandleHistory),
		resyncCh:     make(chan struct{}, 1),
		logger:       logger.With("component", "marketdata"),
	}
}

// Subscribe opens (or joins) the upstream streams for symbol and returns a
// subscription delivering them. The first subscriber of a (symbol, channel)
// opens the venue subscription; later ones share it.
func (h *Hub) Subscribe(strategyID, symbol string, streams ...StreamKey) (*Subscription, error) {
	if len(streams) == 0 {
		return nil, types.Faultf(types.KindConfigInvalid, "subscribe %s: no streams requested", symbol)
	}
	inst, err := h.meta.Instrument(symbol)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", symbol, err)
	}

	sub := &Subscription{
		id:         uuid.NewString(),
		strategyID: strategyID,
		symbol:     symbol,
		wants:      make(map[upKey]bool, len(streams)),
		books:      make(chan types.BookSnapshot, subBookBuffer),
		trades:     make(chan types.Trade, subTradeBuffer),
		candles:    make(chan types.Candle, subCandleBuffer),
		resyncs:    make(chan struct{}, 1),
		hub:        h,
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for _, st := range streams {
		key, upSub, err := h.resolveStream(inst, st)
		if err != nil {
			h.releaseLocked(sub) // undo refs taken so far
			return nil, fmt.Errorf("subscribe %s: %w", symbol, err)
		}
		if sub.wants[key] {
			continue
		}
		sub.wants[key] = true

		entry, ok := h.refs[key]
		if !ok {
			entry = &refEntry{sub: upSub}
			h.refs[key] = entry
		}
		if entry.linger != nil {
			// Re-subscribed inside the linger window; the upstream never
			// closed, so only the pending teardown is cancelled.
			entry.linger.Stop()
			entry.linger = nil
		}
		entry.count++
		if !ok {
			if err := h.upstream.Subscribe(upSub); err != nil {
				delete(h.refs, key)
				delete(sub.wants, key)
				h.releaseLocked(sub)
				return nil, fmt.Errorf("subscribe %s %s: %w", symbol, st.Channel, err)
			}
			h.logger.Info("upstream subscription opened",
				"symbol", symbol, "channel", st.Channel, "interval", st.Interval)
			if st.Channel == StreamCandles && h.history != nil {
				go h.seedSeries(symbol, st.Interval)
			}
		}
	}

	h.subs[sub.id] = sub
	return sub, nil
}

// Unsubscribe releases the subscription's refs. Upstreams whose count hits
// zero are closed after the linger window unless re-subscribed first.
func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if sub.closed {
		return
	}
	sub.closed = true
	delete(h.subs, sub.id)
	h.releaseLocked(sub)
}

func (h *Hub) releaseLocked(sub *Subscription) {
	for key := range sub.wants {
		entry, ok := h.refs[key]
		if !ok {
			continue
		}
		entry.count--
		if entry.count > 0 {
			continue
		}
		entry.linger = time.AfterFunc(h.lingerWindow, func() {
			h.teardown(key, entry)
		})
	}
}

func (h *Hub) teardown(key upKey, entry *refEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()

	// A re-subscribe while the timer was queued wins.
	if entry.count > 0 || h.refs[key] != entry {
		return
	}
	delete(h.refs, key)
	if err := h.upstream.Unsubscribe(entry.sub); err != nil {
		h.logger.Warn("upstream unsubscribe failed", "symbol", key.symbol, "channel", key.channel, "error", err)
		return
	}
	h.logger.Info("upstream subscription closed",
		"symbol", key.symbol, "channel", key.channel, "interval", key.interval)
}

func (h *Hub) resolveStream(inst types.Instrument, st StreamKey) (upKey, exchange.Sub, error) {
	switch st.Channel {
	case StreamBook, StreamTrades:
		key := upKey{channel: st.Channel, symbol: inst.Symbol}
		return key, exchange.Sub{Type: st.Channel, Coin: inst.Coin}, nil
	case StreamCandles:
		if _, err := exchange.ParseInterval(st.Interval); err != nil {
			return upKey{}, exchange.Sub{}, err
		}
		key := upKey{channel: st.Channel, symbol: inst.Symbol, interval: st.Interval}
		return key, exchange.Sub{Type: st.Channel, Coin: inst.Coin, Interval: st.Interval}, nil
	default:
		return upKey{}, exchange.Sub{}, types.Faultf(types.KindConfigInvalid, "unknown stream channel %q", st.Channel)
	}
}

// seedSeries backfills a candle series from REST so indicators have history
// before the first live bar lands.
func (h *Hub) seedSeries(symbol, interval string) {
	ctx, cancel := context.WithTimeout(context.Background(), seedTimeout)
	defer cancel()

	bars, err := h.history.Candles(ctx, symbol, interval, h.seedBars)
	if err != nil {
		h.logger.Warn("candle seed failed", "symbol", symbol, "interval", interval, "error", err)
		return
	}
	h.candles.seed(symbol, interval, bars)
	h.logger.Info("candle series seeded", "symbol", symbol, "interval", interval, "bars", len(bars))
}

// Latest returns a copy of the freshest book snapshot for symbol. The second
// return is false until the first update lands. Staleness is the caller's
// call via snapshot.Fresh.
func (h *Hub) Latest(symbol string) (types.BookSnapshot, bool) {
	return h.books.latest(symbol)
}

// Candles returns a copy of the cached series for (symbol, interval),
// oldest first.
func (h *Hub) Candles(symbol, interval string) []types.Candle {
	return h.candles.get(symbol, interval)
}

// Resyncs signals upstream reconnects to the orchestrator, which responds by
// reconciling open orders against the venue.
func (h *Hub) Resyncs() <-chan struct{} { return h.resyncCh }

// Run consumes the upstream channels until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	for {
		// Resync signals outrank data: a post-reconnect update must not be
		// consumed while the resync that precedes it is still queued.
		select {
		case <-h.upstream.Resyncs():
			h.onResync()
			continue
		default:
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-h.upstream.Resyncs():
			h.onResync()
		case b := <-h.upstream.Books():
			h.onBook(b)
		case t := <-h.upstream.Trades():
			h.onTrade(t)
		case c := <-h.upstream.Candles():
			h.onCandle(c)
		}
	}
}

func (h *Hub) onBook(b types.BookSnapshot) {
	h.books.put(b)

	key := upKey{channel: StreamBook, symbol: b.Symbol}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		if !sub.wants[key] {
			continue
		}
		select {
		case sub.books <- b:
		default:
			h.logger.Debug("subscriber book buffer full", "strategy", sub.strategyID, "symbol", b.Symbol)
		}
	}
}

func (h *Hub) onTrade(t types.Trade) {
	h.books.trade(t)

	key := upKey{channel: StreamTrades, symbol: t.Symbol}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		if !sub.wants[key] {
			continue
		}
		select {
		case sub.trades <- t:
		default:
			h.logger.Debug("subscriber trade buffer full", "strategy", sub.strategyID, "symbol", t.Symbol)
		}
	}
}

func (h *Hub) onCandle(c types.Candle) {
	h.candles.put(c)

	key := upKey{channel: StreamCandles, symbol: c.Symbol, interval: c.Interval}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		if !sub.wants[key] {
			continue
		}
		select {
		case sub.candles <- c:
		default:
			h.logger.Debug("subscriber candle buffer full", "strategy", sub.strategyID, "symbol", c.Symbol)
		}
	}
}

func (h *Hub) onResync() {
	h.logger.Info("upstream reconnected, signalling resync")

	select {
	case h.resyncCh <- struct{}{}:
	default:
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		select {
		case sub.resyncs <- struct{}{}:
		default:
		}
	}
}

// SubscriptionCount reports active local subscriptions, for /health.
func (h *Hub) SubscriptionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// ActiveStreams lists open upstream subscriptions as "symbol/channel" (with
// "/interval" for candles), for diagnostics.
func (h *Hub) ActiveStreams() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]string, 0, len(h.refs))
	for key := range h.refs {
		parts := []string{key.symbol, key.channel}
		if key.interval != "" {
			parts = append(parts, key.interval)
		}
		out = append(out, strings.Join(parts, "/"))
	}
	return out
}
