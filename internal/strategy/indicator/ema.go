package indicator

import "hyperhive/pkg/types"

// EMA is an exponential moving average with smoothing α = 2/(period+1).
// The first bar seeds the average directly.
type EMA struct {
	period int
	alpha  float64
	value  float64
	seen   int
}

func NewEMA(period int) *EMA {
	return &EMA{period: period, alpha: 2.0 / float64(period+1)}
}

func (e *EMA) Update(bar types.Candle) { e.Push(bar.Close) }

// Push advances the average with a raw value. MACD feeds its signal line
// through here.
func (e *EMA) Push(v float64) {
	if e.seen == 0 {
		e.value = v
	} else {
		e.value = e.alpha*v + (1-e.alpha)*e.value
	}
	e.seen++
}

func (e *EMA) Value() float64 { return e.value }

func (e *EMA) Ready() bool { return e.seen >= e.period }
