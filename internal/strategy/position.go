package strategy

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"hyperhive/pkg/types"
)

// PositionView is a copy of the tracked position for snapshots and the API.
type PositionView struct {
	Symbol      string          `json:"symbol"`
	Size        decimal.Decimal `json:"size"` // signed: positive long
	EntryPrice  decimal.Decimal `json:"entry_price"`
	RealizedPnl decimal.Decimal `json:"realized_pnl"`
	FeesPaid    decimal.Decimal `json:"fees_paid"`
	VolumeQuote decimal.Decimal `json:"volume_quote"`
	LastFillAt  time.Time       `json:"last_fill_at,omitempty"`
}

// Position tracks one strategy's signed exposure in a single symbol.
// Fills move the size; reducing fills realize PnL against the volume-weighted
// entry price. Thread-safe: fills arrive from the event router while ticks
// read concurrently.
type Position struct {
	mu     sync.RWMutex
	symbol string

	size   decimal.Decimal // signed base quantity
	entry  decimal.Decimal // VWAP of the open side, zero when flat
	real   decimal.Decimal
	fees   decimal.Decimal
	volume decimal.Decimal // cumulative quote turnover
	lastAt time.Time
}

// NewPosition starts a flat position for symbol.
func NewPosition(symbol string) *Position {
	return &Position{symbol: symbol}
}

// ApplyFill folds one execution into the position. A fill on the open side
// moves the entry VWAP; a fill against it realizes PnL for the overlapping
// quantity and, past flat, flips the position with the fill price as the new
// entry.
func (p *Position) ApplyFill(f types.Fill) {
	delta := f.Size
	if f.Side == types.SELL {
		delta = delta.Neg()
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case p.size.IsZero() || p.size.Sign() == delta.Sign():
		// Opening or adding: blend the entry VWAP.
		oldAbs := p.size.Abs()
		addAbs := delta.Abs()
		total := oldAbs.Add(addAbs)
		if total.IsPositive() {
			cost := p.entry.Mul(oldAbs).Add(f.Price.Mul(addAbs))
			p.entry = cost.Div(total)
		}
		p.size = p.size.Add(delta)
	default:
		// Reducing: realize PnL over the overlap, long gains when price rose.
		closing := decimal.Min(p.size.Abs(), delta.Abs())
		diff := f.Price.Sub(p.entry)
		if p.size.IsNegative() {
			diff = diff.Neg()
		}
		p.real = p.real.Add(diff.Mul(closing))
		p.size = p.size.Add(delta)
		if p.size.IsZero() {
			p.entry = decimal.Zero
		} else if p.size.Sign() == delta.Sign() {
			// Flipped through flat: the remainder opened at the fill price.
			p.entry = f.Price
		}
	}

	p.fees = p.fees.Add(f.Fee)
	p.volume = p.volume.Add(f.Price.Mul(f.Size))
	if f.Time.IsZero() {
		p.lastAt = time.Now()
	} else {
		p.lastAt = f.Time
	}
}

// Size returns the signed base quantity.
func (p *Position) Size() decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.size
}

// EntryPrice returns the VWAP of the open side, zero when flat.
func (p *Position) EntryPrice() decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.entry
}

// Realized returns cumulative realized PnL, before fees.
func (p *Position) Realized() decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.real
}

// UnrealizedAt marks the open position against the given price.
func (p *Position) UnrealizedAt(mark decimal.Decimal) decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.size.IsZero() || mark.IsZero() {
		return decimal.Zero
	}
	return mark.Sub(p.entry).Mul(p.size)
}

// NotionalAt returns the absolute quote value of the position at mark.
func (p *Position) NotionalAt(mark decimal.Decimal) decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.size.Abs().Mul(mark)
}

// Restore overwrites the tracked state from the venue's authoritative view,
// used at startup and after reconnect reconciliation. Realized PnL and fees
// are local bookkeeping and survive the overwrite.
func (p *Position) Restore(size, entry decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.size = size
	p.entry = entry
	if size.IsZero() {
		p.entry = decimal.Zero
	}
}

// View returns a copy of the current state.
func (p *Position) View() PositionView {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return PositionView{
		Symbol:      p.symbol,
		Size:        p.size,
		EntryPrice:  p.entry,
		RealizedPnl: p.real,
		FeesPaid:    p.fees,
		VolumeQuote: p.volume,
		LastFillAt:  p.lastAt,
	}
}
