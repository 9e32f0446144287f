// ratelimit.go implements token-bucket rate limiting for the venue API.
//
// The venue budgets requests per endpoint family. This file provides a
// smooth token-bucket implementation that refills continuously (rather than
// in window-sized bursts) to stay under hard limits, organized on two
// levels: one global bucket per family plus lazily created per-symbol
// buckets, so one busy market cannot starve the rest.
//
// Three families are maintained:
//   - Order:  placing orders via /exchange
//   - Cancel: cancels via /exchange (more headroom; cancels are privileged)
//   - Info:   /info reads (meta, state, candles)
//
// HTTP 429 drains the family's buckets and freezes them for a cooldown that
// doubles with consecutive strikes.
package exchange

import (
	"context"
	"sync"
	"time"
)

const (
	baseCooldown = time.Second
	maxCooldown  = 30 * time.Second
	maxStrikes   = 5 // cooldown doubling stops at base << maxStrikes
)

// TokenBucket is a token-bucket rate limiter with continuous refill.
// Callers block in WaitN until enough tokens are available or the context is
// cancelled.
type TokenBucket struct {
	mu          sync.Mutex
	tokens      float64   // current available tokens (fractional allowed)
	capacity    float64   // maximum burst size
	rate        float64   // tokens refilled per second
	lastTime    time.Time // last time tokens were calculated
	frozenUntil time.Time // no tokens are served before this instant
}

// NewTokenBucket creates a rate limiter with the given capacity and refill
// rate.
func NewTokenBucket(capacity, ratePerSecond float64) *TokenBucket {
	return &TokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

// Wait blocks until one token is available or ctx is cancelled.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	return tb.WaitN(ctx, 1)
}

// WaitN blocks until n tokens are available or ctx is cancelled. Requests
// heavier than the bucket's capacity are served at capacity.
func (tb *TokenBucket) WaitN(ctx context.Context, n float64) error {
	if n > tb.capacity {
		n = tb.capacity
	}
	for {
		tb.mu.Lock()
		now := time.Now()

		if now.Before(tb.frozenUntil) {
			wait := tb.frozenUntil.Sub(now)
			tb.mu.Unlock()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			continue
		}

		elapsed := now.Sub(tb.lastTime).Seconds()
		tb.tokens += elapsed * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastTime = now

		if tb.tokens >= n {
			tb.tokens -= n
			tb.mu.Unlock()
			return nil
		}

		// Wait for the deficit to refill.
		wait := time.Duration((n - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
			// retry
		}
	}
}

// Drain empties the bucket and freezes it for the cooldown.
func (tb *TokenBucket) Drain(cooldown time.Duration) {
	tb.mu.Lock()
	tb.tokens = 0
	tb.lastTime = time.Now()
	tb.frozenUntil = time.Now().Add(cooldown)
	tb.mu.Unlock()
}

// Budget is one endpoint family's two-level budget: a global bucket all
// requests pass through, plus per-symbol buckets so activity on one market
// cannot exhaust the family for everyone else.
type Budget struct {
	global *TokenBucket

	symMu       sync.Mutex
	perSymbol   map[string]*TokenBucket
	symCapacity float64
	symRate     float64

	strikeMu sync.Mutex
	strikes  int
}

// NewBudget creates a family budget. symCapacity 0 disables the per-symbol
// level.
func NewBudget(capacity, rate, symCapacity, symRate float64) *Budget {
	return &Budget{
		global:      NewTokenBucket(capacity, rate),
		perSymbol:   make(map[string]*TokenBucket),
		symCapacity: symCapacity,
		symRate:     symRate,
	}
}

// Acquire takes weight tokens from the global bucket and, when a symbol is
// given, from that symbol's bucket. Blocks until granted or ctx is
// cancelled.
func (b *Budget) Acquire(ctx context.Context, symbol string, weight float64) error {
	if err := b.global.WaitN(ctx, weight); err != nil {
		return err
	}
	if symbol == "" || b.symCapacity <= 0 {
		return nil
	}
	return b.symbolBucket(symbol).WaitN(ctx, weight)
}

func (b *Budget) symbolBucket(symbol string) *TokenBucket {
	b.symMu.Lock()
	defer b.symMu.Unlock()
	tb, ok := b.perSymbol[symbol]
	if !ok {
		tb = NewTokenBucket(b.symCapacity, b.symRate)
		b.perSymbol[symbol] = tb
	}
	return tb
}

// Penalize reacts to venue back-pressure (HTTP 429): drains the family's
// buckets and freezes them for a cooldown that doubles with each consecutive
// strike. Returns the applied cooldown.
func (b *Budget) Penalize(symbol string) time.Duration {
	b.strikeMu.Lock()
	shift := b.strikes
	if shift > maxStrikes {
		shift = maxStrikes
	}
	b.strikes++
	b.strikeMu.Unlock()

	cooldown := baseCooldown << shift
	if cooldown > maxCooldown {
		cooldown = maxCooldown
	}

	b.global.Drain(cooldown)
	if symbol != "" && b.symCapacity > 0 {
		b.symbolBucket(symbol).Drain(cooldown)
	}
	return cooldown
}

// Settle clears the strike counter after a successful request.
func (b *Budget) Settle() {
	b.strikeMu.Lock()
	b.strikes = 0
	b.strikeMu.Unlock()
}

// Limits groups the per-family budgets. Every venue call must Acquire from
// the matching family before the HTTP request goes out.
type Limits struct {
	Order  *Budget
	Cancel *Budget
	Info   *Budget
}

// NewLimits creates budgets tuned to the venue's published weights.
// Capacities are burst allowances, rates the sustained refill.
func NewLimits() *Limits {
	return &Limits{
		Order:  NewBudget(100, 10, 20, 5),
		Cancel: NewBudget(120, 20, 30, 8),
		Info:   NewBudget(60, 10, 20, 4),
	}
}

// cancelWeight discounts batch cancels: the venue charges a batch of n
// cancels about half of n single actions.
func cancelWeight(n int) float64 {
	w := float64(n) / 2
	if w < 1 {
		w = 1
	}
	return w
}
