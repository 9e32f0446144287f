package indicator

import "hyperhive/pkg/types"

// ATR is Wilder's average true range: the first window seeds with a plain
// average, then atr = (atr*(n-1) + tr) / n.
type ATR struct {
	period    int
	value     float64
	prevClose float64
	seen      int
	warmup    float64
}

func NewATR(period int) *ATR {
	if period <= 0 {
		period = 14
	}
	return &ATR{period: period}
}

func (a *ATR) Update(bar types.Candle) {
	tr := bar.High - bar.Low
	if a.seen > 0 {
		if d := abs(bar.High - a.prevClose); d > tr {
			tr = d
		}
		if d := abs(bar.Low - a.prevClose); d > tr {
			tr = d
		}
	}
	a.prevClose = bar.Close
	a.seen++

	switch {
	case a.seen < a.period:
		a.warmup += tr
	case a.seen == a.period:
		a.warmup += tr
		a.value = a.warmup / float64(a.period)
	default:
		a.value = (a.value*float64(a.period-1) + tr) / float64(a.period)
	}
}

func (a *ATR) Ready() bool { return a.seen >= a.period }

func (a *ATR) Value() float64 { return a.value }

// NATR is ATR normalized by the last close, in percent. The dynamic maker
// controllers scale their spreads by this reading.
type NATR struct {
	atr   *ATR
	close float64
}

func NewNATR(period int) *NATR {
	return &NATR{atr: NewATR(period)}
}

func (n *NATR) Update(bar types.Candle) {
	n.atr.Update(bar)
	n.close = bar.Close
}

func (n *NATR) Ready() bool { return n.atr.Ready() }

// Value returns 100 * atr / close, or zero before the first bar.
func (n *NATR) Value() float64 {
	if n.close == 0 {
		return 0
	}
	return 100 * n.atr.Value() / n.close
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
