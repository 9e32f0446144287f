// ws.go implements the WebSocket feeds for real-time venue data.
//
// Two independent feeds run concurrently:
//
//   - Market feed (public): l2Book snapshots, trade prints, and candle
//     updates per subscribed coin.
//
//   - User feed (account-scoped): orderUpdates, userFills, and userFundings
//     for the configured main address.
//
// Both feeds auto-reconnect with exponential backoff (500ms → 30s, ±20%
// jitter), replay every tracked subscription on reconnection, and then emit
// a resync signal so consumers know to treat open-order assumptions as
// stale. A read deadline (90s) detects silent server failures within ~2
// missed pings.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"hyperhive/pkg/types"
)

const (
	pingInterval     = 50 * time.Second // how often we send the protocol ping
	readTimeout      = 90 * time.Second // ~2 missed pings triggers reconnect
	reconnectBase    = 500 * time.Millisecond
	maxReconnectWait = 30 * time.Second
	writeTimeout     = 10 * time.Second
	marketBufferSize = 256 // buffer for book/trade/candle events
	userBufferSize   = 64  // buffer for order/fill/funding events
)

var errNotConnected = errors.New("websocket not connected")

// SymbolResolver maps venue coins back to normalized symbols. *Client
// implements it from the cached instrument metadata.
type SymbolResolver interface {
	SymbolFor(coin string) (string, bool)
}

// Sub describes one upstream subscription.
type Sub struct {
	Type     string // "l2Book" | "trades" | "candle" | "orderUpdates" | "userFills" | "userFundings"
	Coin     string
	Interval string // candle only
	User     string // user channels only
}

func (s Sub) key() string {
	return s.Type + "|" + s.Coin + "|" + s.Interval + "|" + s.User
}

func (s Sub) payload() map[string]any {
	p := map[string]any{"type": s.Type}
	if s.Coin != "" {
		p["coin"] = s.Coin
	}
	if s.Interval != "" {
		p["interval"] = s.Interval
	}
	if s.User != "" {
		p["user"] = s.User
	}
	return p
}

// Feed manages one WebSocket connection. It handles connection lifecycle,
// subscription tracking, message normalization and routing, and automatic
// reconnection.
type Feed struct {
	url      string
	resolver SymbolResolver

	conn   *websocket.Conn
	connMu sync.Mutex // protects conn reads/writes

	// Tracked subscriptions, replayed on every (re)connect.
	subsMu sync.RWMutex
	subs   map[string]Sub

	bookCh    chan types.BookSnapshot
	tradeCh   chan types.Trade
	candleCh  chan types.Candle
	orderCh   chan types.OrderEvent
	fillCh    chan types.Fill
	fundingCh chan types.FundingPayment
	resyncCh  chan struct{}

	logger *slog.Logger
}

// NewMarketFeed creates a feed for the public market channels.
func NewMarketFeed(wsURL string, resolver SymbolResolver, logger *slog.Logger) *Feed {
	return newFeed(wsURL, resolver, logger.With("component", "ws_market"))
}

// NewUserFeed creates a feed pre-subscribed to the account channels for
// userAddr.
func NewUserFeed(wsURL, userAddr string, resolver SymbolResolver, logger *slog.Logger) *Feed {
	f := newFeed(wsURL, resolver, logger.With("component", "ws_user"))
	for _, t := range []string{"orderUpdates", "userFills", "userFundings"} {
		s := Sub{Type: t, User: userAddr}
		f.subs[s.key()] = s
	}
	return f
}

func newFeed(wsURL string, resolver SymbolResolver, logger *slog.Logger) *Feed {
	return &Feed{
		url:       wsURL,
		resolver:  resolver,
		subs:      make(map[string]Sub),
		bookCh:    make(chan types.BookSnapshot, marketBufferSize),
		tradeCh:   make(chan types.Trade, marketBufferSize),
		candleCh:  make(chan types.Candle, marketBufferSize),
		orderCh:   make(chan types.OrderEvent, userBufferSize),
		fillCh:    make(chan types.Fill, userBufferSize),
		fundingCh: make(chan types.FundingPayment, userBufferSize),
		resyncCh:  make(chan struct{}, 1),
		logger:    logger,
	}
}

// Books returns a read-only channel of normalized book snapshots.
func (f *Feed) Books() <-chan types.BookSnapshot { return f.bookCh }

// Trades returns a read-only channel of public trade prints.
func (f *Feed) Trades() <-chan types.Trade { return f.tradeCh }

// Candles returns a read-only channel of candle updates.
func (f *Feed) Candles() <-chan types.Candle { return f.candleCh }

// OrderEvents returns a read-only channel of order lifecycle events.
func (f *Feed) OrderEvents() <-chan types.OrderEvent { return f.orderCh }

// Fills returns a read-only channel of our executions.
func (f *Feed) Fills() <-chan types.Fill { return f.fillCh }

// Fundings returns a read-only channel of funding payments.
func (f *Feed) Fundings() <-chan types.FundingPayment { return f.fundingCh }

// Resyncs signals after every reconnect, once subscriptions are replayed and
// before further updates are dispatched.
func (f *Feed) Resyncs() <-chan struct{} { return f.resyncCh }

// Run connects and maintains the WebSocket connection with auto-reconnect.
// Blocks until ctx is cancelled.
func (f *Feed) Run(ctx context.Context) error {
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.InitialInterval = reconnectBase
	backoffCfg.MaxInterval = maxReconnectWait
	backoffCfg.RandomizationFactor = 0.2

	sessions := 0
	for {
		err := f.connectAndRead(ctx, backoffCfg, sessions > 0)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		sessions++

		sleep := backoffCfg.NextBackOff()
		if sleep == backoff.Stop {
			sleep = maxReconnectWait
		}
		f.logger.Warn("websocket disconnected, reconnecting",
			"error", err,
			"backoff", sleep,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
}

// Subscribe registers the subscription and pushes it upstream. Before the
// feed connects the registration alone is enough: every tracked subscription
// is replayed on connect.
func (f *Feed) Subscribe(s Sub) error {
	f.subsMu.Lock()
	f.subs[s.key()] = s
	f.subsMu.Unlock()

	err := f.writeJSON(wsRequest{Method: "subscribe", Subscription: s.payload()})
	if err != nil && !errors.Is(err, errNotConnected) {
		return err
	}
	return nil
}

// Unsubscribe stops tracking the subscription and tells the venue.
func (f *Feed) Unsubscribe(s Sub) error {
	f.subsMu.Lock()
	delete(f.subs, s.key())
	f.subsMu.Unlock()

	err := f.writeJSON(wsRequest{Method: "unsubscribe", Subscription: s.payload()})
	if err != nil && !errors.Is(err, errNotConnected) {
		return err
	}
	return nil
}

// Close gracefully closes the connection.
func (f *Feed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

func (f *Feed) connectAndRead(ctx context.Context, backoffCfg *backoff.ExponentialBackOff, resync bool) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	if err := f.replaySubscriptions(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	backoffCfg.Reset()
	f.logger.Info("websocket connected", "subscriptions", f.subCount())

	if resync {
		select {
		case f.resyncCh <- struct{}{}:
		default:
		}
	}

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx)

	// ReadMessage doesn't take a context; closing the conn is how a
	// cancelled ctx unblocks the read loop.
	go func() {
		<-pingCtx.Done()
		if ctx.Err() != nil {
			conn.Close()
		}
	}()

	// Read loop with deadline so we reconnect if the server goes silent.
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		f.dispatchMessage(msg)
	}
}

func (f *Feed) replaySubscriptions() error {
	f.subsMu.RLock()
	subs := make([]Sub, 0, len(f.subs))
	for _, s := range f.subs {
		subs = append(subs, s)
	}
	f.subsMu.RUnlock()

	for _, s := range subs {
		if err := f.writeJSON(wsRequest{Method: "subscribe", Subscription: s.payload()}); err != nil {
			return err
		}
	}
	return nil
}

func (f *Feed) subCount() int {
	f.subsMu.RLock()
	defer f.subsMu.RUnlock()
	return len(f.subs)
}

func (f *Feed) dispatchMessage(data []byte) {
	var env wsEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		f.logger.Debug("ignoring non-json ws message", "data", string(data))
		return
	}

	switch env.Channel {
	case "l2Book":
		var book l2BookData
		if err := json.Unmarshal(env.Data, &book); err != nil {
			f.logger.Error("unmarshal l2Book", "error", err)
			return
		}
		symbol, ok := f.resolver.SymbolFor(book.Coin)
		if !ok {
			return
		}
		select {
		case f.bookCh <- normalizeBook(book, symbol):
		default:
			f.logger.Warn("book channel full, dropping update", "symbol", symbol)
		}

	case "trades":
		var trades []wsTrade
		if err := json.Unmarshal(env.Data, &trades); err != nil {
			f.logger.Error("unmarshal trades", "error", err)
			return
		}
		for _, t := range trades {
			symbol, ok := f.resolver.SymbolFor(t.Coin)
			if !ok {
				continue
			}
			select {
			case f.tradeCh <- normalizeTrade(t, symbol):
			default:
				f.logger.Warn("trade channel full, dropping print", "symbol", symbol)
			}
		}

	case "candle":
		var bar wireCandle
		if err := json.Unmarshal(env.Data, &bar); err != nil {
			f.logger.Error("unmarshal candle", "error", err)
			return
		}
		symbol, ok := f.resolver.SymbolFor(bar.S)
		if !ok {
			return
		}
		select {
		case f.candleCh <- normalizeCandle(bar, symbol, time.Now()):
		default:
			f.logger.Warn("candle channel full, dropping bar", "symbol", symbol)
		}

	case "orderUpdates":
		var updates []wsOrderUpdate
		if err := json.Unmarshal(env.Data, &updates); err != nil {
			f.logger.Error("unmarshal orderUpdates", "error", err)
			return
		}
		for _, u := range updates {
			symbol, ok := f.resolver.SymbolFor(u.Order.Coin)
			if !ok {
				continue
			}
			select {
			case f.orderCh <- normalizeOrderUpdate(u, symbol):
			default:
				f.logger.Warn("order channel full, dropping event", "oid", u.Order.Oid)
			}
		}

	case "userFills":
		var payload wsUserFills
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			f.logger.Error("unmarshal userFills", "error", err)
			return
		}
		// The post-subscribe snapshot replays historical fills; reconnect
		// gaps are covered by REST reconciliation instead.
		if payload.IsSnapshot {
			return
		}
		for _, w := range payload.Fills {
			symbol, ok := f.resolver.SymbolFor(w.Coin)
			if !ok {
				continue
			}
			select {
			case f.fillCh <- normalizeFill(w, symbol):
			default:
				f.logger.Warn("fill channel full, dropping fill", "oid", w.Oid)
			}
		}

	case "userFundings":
		var fundings []wsUserFunding
		if err := json.Unmarshal(env.Data, &fundings); err != nil {
			f.logger.Error("unmarshal userFundings", "error", err)
			return
		}
		for _, funding := range fundings {
			symbol, ok := f.resolver.SymbolFor(funding.Coin)
			if !ok {
				continue
			}
			select {
			case f.fundingCh <- types.FundingPayment{
				Symbol: symbol,
				Amount: dec(funding.Usdc),
				Rate:   dec(funding.FundingRate),
				Time:   time.UnixMilli(funding.Time),
			}:
			default:
				f.logger.Warn("funding channel full, dropping payment", "symbol", symbol)
			}
		}

	case "subscriptionResponse", "pong":
		// Acks for our own control frames.

	default:
		f.logger.Debug("unknown ws channel", "channel", env.Channel)
	}
}

func (f *Feed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.writeJSON(wsRequest{Method: "ping"}); err != nil {
				f.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (f *Feed) writeJSON(v any) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return errNotConnected
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteJSON(v)
}
