// Package marketdata multiplexes venue market streams to strategies.
//
// The Hub owns one upstream subscription per (symbol, channel) regardless of
// how many strategies consume it, caches the latest book per symbol and a
// bounded candle series per (symbol, interval), and fans updates out to
// refcounted subscriptions. Strategies read point-in-time state with Latest
// and Candles; push consumers read the subscription channels.
package marketdata

import (
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"hyperhive/pkg/types"
)

// bookCache stores the most recent book snapshot per symbol plus the last
// trade print, which l2Book frames don't carry.
type bookCache struct {
	mu        sync.RWMutex
	books     map[string]types.BookSnapshot
	lastTrade map[string]decimal.Decimal
	depth     int // levels kept per side, 0 = unlimited
}

func newBookCache(depth int) *bookCache {
	return &bookCache{
		books:     make(map[string]types.BookSnapshot),
		lastTrade: make(map[string]decimal.Decimal),
		depth:     depth,
	}
}

func (c *bookCache) put(b types.BookSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.depth > 0 {
		if len(b.Bids) > c.depth {
			b.Bids = b.Bids[:c.depth]
		}
		if len(b.Asks) > c.depth {
			b.Asks = b.Asks[:c.depth]
		}
	}
	c.books[b.Symbol] = b
}

func (c *bookCache) trade(t types.Trade) {
	c.mu.Lock()
	c.lastTrade[t.Symbol] = t.Price
	c.mu.Unlock()
}

// latest returns a copy of the cached snapshot so callers can hold it across
// ticks without racing the next update.
func (c *bookCache) latest(symbol string) (types.BookSnapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	b, ok := c.books[symbol]
	if !ok {
		return types.BookSnapshot{}, false
	}

	out := b
	out.Bids = make([]types.BookLevel, len(b.Bids))
	copy(out.Bids, b.Bids)
	out.Asks = make([]types.BookLevel, len(b.Asks))
	copy(out.Asks, b.Asks)
	if last, ok := c.lastTrade[symbol]; ok {
		out.LastTrade = last
	}
	return out, true
}

// candleStore keeps one bounded series per (symbol, interval). Live bars
// replace the forming bar in place; seeded history only fills in bars older
// than anything already live.
type candleStore struct {
	mu     sync.RWMutex
	series map[seriesKey][]types.Candle
	limit  int
}

type seriesKey struct {
	symbol   string
	interval string
}

func newCandleStore(limit int) *candleStore {
	return &candleStore{series: make(map[seriesKey][]types.Candle), limit: limit}
}

func (s *candleStore) put(c types.Candle) {
	key := seriesKey{c.Symbol, c.Interval}

	s.mu.Lock()
	defer s.mu.Unlock()

	bars := s.series[key]
	if n := len(bars); n > 0 && bars[n-1].Start.Equal(c.Start) {
		bars[n-1] = c // forming bar update
	} else {
		bars = append(bars, c)
	}
	if len(bars) > s.limit {
		bars = bars[len(bars)-s.limit:]
	}
	s.series[key] = bars
}

// seed merges REST history under any bars that already arrived live.
func (s *candleStore) seed(symbol, interval string, history []types.Candle) {
	if len(history) == 0 {
		return
	}
	sort.Slice(history, func(i, j int) bool { return history[i].Start.Before(history[j].Start) })

	key := seriesKey{symbol, interval}

	s.mu.Lock()
	defer s.mu.Unlock()

	live := s.series[key]
	if len(live) > 0 {
		cut := sort.Search(len(history), func(i int) bool {
			return !history[i].Start.Before(live[0].Start)
		})
		history = history[:cut]
	}
	merged := append(history, live...)
	if len(merged) > s.limit {
		merged = merged[len(merged)-s.limit:]
	}
	s.series[key] = merged
}

func (s *candleStore) get(symbol, interval string) []types.Candle {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bars := s.series[seriesKey{symbol, interval}]
	if len(bars) == 0 {
		return nil
	}
	out := make([]types.Candle, len(bars))
	copy(out, bars)
	return out
}
