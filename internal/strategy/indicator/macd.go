package indicator

import "hyperhive/pkg/types"

// MACD is the classic fast/slow EMA spread with a signal EMA over the spread.
// Defaults to 12/26/9 when periods are zero.
type MACD struct {
	fast    *EMA
	slow    *EMA
	signal  *EMA
	slowN   int
	signalN int

	line float64
	hist float64
	seen int
}

func NewMACD(fast, slow, signal int) *MACD {
	if fast <= 0 {
		fast = 12
	}
	if slow <= 0 {
		slow = 26
	}
	if signal <= 0 {
		signal = 9
	}
	return &MACD{
		fast:    NewEMA(fast),
		slow:    NewEMA(slow),
		signal:  NewEMA(signal),
		slowN:   slow,
		signalN: signal,
	}
}

func (m *MACD) Update(bar types.Candle) {
	m.seen++
	m.fast.Push(bar.Close)
	m.slow.Push(bar.Close)
	m.line = m.fast.Value() - m.slow.Value()

	// The signal line only starts once the slow EMA has a full window behind
	// it, matching how the line itself is meaningless before that.
	if m.seen > m.slowN {
		m.signal.Push(m.line)
		m.hist = m.line - m.signal.Value()
	}
}

func (m *MACD) Ready() bool { return m.seen > m.slowN+m.signalN }

func (m *MACD) Line() float64      { return m.line }
func (m *MACD) Signal() float64    { return m.signal.Value() }
func (m *MACD) Histogram() float64 { return m.hist }
