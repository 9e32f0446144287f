package indicator

import "hyperhive/pkg/types"

// Supertrend tracks ATR bands around the bar midpoint (high+low)/2 and flips
// between uptrend and downtrend when the close crosses the active band. Final
// bands carry over: an upper band only ratchets down while price stays below
// it, a lower band only ratchets up while price stays above it.
type Supertrend struct {
	atr        *ATR
	multiplier float64

	finalUpper float64
	finalLower float64
	prevClose  float64
	uptrend    bool
	prevUp     bool
	flipped    bool
	bars       int
}

func NewSupertrend(period int, multiplier float64) *Supertrend {
	if period <= 0 {
		period = 10
	}
	if multiplier <= 0 {
		multiplier = 3
	}
	return &Supertrend{atr: NewATR(period), multiplier: multiplier}
}

func (s *Supertrend) Update(bar types.Candle) {
	s.atr.Update(bar)
	s.bars++
	if !s.atr.Ready() {
		s.prevClose = bar.Close
		return
	}

	mid := (bar.High + bar.Low) / 2
	band := s.multiplier * s.atr.Value()
	basicUpper := mid + band
	basicLower := mid - band

	if s.finalUpper == 0 && s.finalLower == 0 {
		s.finalUpper = basicUpper
		s.finalLower = basicLower
		s.uptrend = bar.Close > basicUpper
		s.prevUp = s.uptrend
		s.prevClose = bar.Close
		return
	}

	if basicUpper < s.finalUpper || s.prevClose > s.finalUpper {
		s.finalUpper = basicUpper
	}
	if basicLower > s.finalLower || s.prevClose < s.finalLower {
		s.finalLower = basicLower
	}

	s.prevUp = s.uptrend
	if s.uptrend {
		if bar.Close <= s.finalLower {
			s.uptrend = false
			s.finalUpper = basicUpper
		}
	} else {
		if bar.Close >= s.finalUpper {
			s.uptrend = true
			s.finalLower = basicLower
		}
	}
	s.flipped = s.uptrend != s.prevUp
	s.prevClose = bar.Close
}

func (s *Supertrend) Ready() bool { return s.atr.Ready() && s.bars > s.atr.period }

func (s *Supertrend) Uptrend() bool { return s.uptrend }

// Value returns the active stop line: the lower band in an uptrend, the
// upper band in a downtrend.
func (s *Supertrend) Value() float64 {
	if s.uptrend {
		return s.finalLower
	}
	return s.finalUpper
}

// BullishFlip reports whether the latest bar turned the trend up.
func (s *Supertrend) BullishFlip() bool { return s.flipped && s.uptrend }

// BearishFlip reports whether the latest bar turned the trend down.
func (s *Supertrend) BearishFlip() bool { return s.flipped && !s.uptrend }
