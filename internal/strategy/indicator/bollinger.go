package indicator

import (
	"math"

	"hyperhive/pkg/types"
)

// Bollinger computes SMA bands at ±mult standard deviations (population) over
// a rolling close window, plus the derived %B and bandwidth readings.
type Bollinger struct {
	period int
	mult   float64

	closes []float64
	mid    float64
	upper  float64
	lower  float64
	pctB   float64
	width  float64
}

func NewBollinger(period int, mult float64) *Bollinger {
	return &Bollinger{period: period, mult: mult, closes: make([]float64, 0, period)}
}

func (b *Bollinger) Update(bar types.Candle) {
	b.closes = append(b.closes, bar.Close)
	if len(b.closes) > b.period {
		b.closes = b.closes[1:]
	}
	if len(b.closes) == b.period {
		b.compute()
	}
}

func (b *Bollinger) compute() {
	sum := 0.0
	for _, c := range b.closes {
		sum += c
	}
	b.mid = sum / float64(b.period)

	variance := 0.0
	for _, c := range b.closes {
		d := c - b.mid
		variance += d * d
	}
	sd := math.Sqrt(variance / float64(b.period))

	b.upper = b.mid + b.mult*sd
	b.lower = b.mid - b.mult*sd

	if b.mid != 0 {
		b.width = (b.upper - b.lower) / b.mid
	}

	// %B: 0 at the lower band, 1 at the upper, clamping left to callers.
	last := b.closes[len(b.closes)-1]
	if span := b.upper - b.lower; span != 0 {
		b.pctB = (last - b.lower) / span
	} else {
		b.pctB = 0.5 // flat window, price is its own band
	}
}

func (b *Bollinger) Ready() bool { return len(b.closes) == b.period }

func (b *Bollinger) Mid() float64   { return b.mid }
func (b *Bollinger) Upper() float64 { return b.upper }
func (b *Bollinger) Lower() float64 { return b.lower }

// PercentB is the last close's position inside the bands.
func (b *Bollinger) PercentB() float64 { return b.pctB }

// Bandwidth is (upper−lower)/mid, a unitless volatility reading.
func (b *Bollinger) Bandwidth() float64 { return b.width }
