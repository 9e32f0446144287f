package indicator

import (
	"math"
	"testing"

	"hyperhive/pkg/types"
)

func bar(h, l, c float64) types.Candle {
	return types.Candle{Open: c, High: h, Low: l, Close: c, Closed: true}
}

func closeBar(c float64) types.Candle { return bar(c, c, c) }

func within(t *testing.T, got, want, tol float64, name string) {
	t.Helper()
	if math.Abs(got-want) > tol {
		t.Fatalf("%s = %v, want %v (±%v)", name, got, want, tol)
	}
}

func TestBollingerBands(t *testing.T) {
	t.Parallel()

	bb := NewBollinger(5, 2)
	for _, c := range []float64{100, 102, 104, 103, 105} {
		bb.Update(closeBar(c))
	}
	if !bb.Ready() {
		t.Fatal("ready after a full window")
	}

	within(t, bb.Mid(), 102.8, 1e-9, "mid")
	sd := math.Sqrt(2.96) // population variance of the window
	within(t, bb.Upper(), 102.8+2*sd, 1e-9, "upper")
	within(t, bb.Lower(), 102.8-2*sd, 1e-9, "lower")
	within(t, bb.PercentB(), 0.8197, 1e-4, "pctB")
	within(t, bb.Bandwidth(), 4*sd/102.8, 1e-9, "bandwidth")
}

func TestBollingerRollsWindow(t *testing.T) {
	t.Parallel()

	bb := NewBollinger(3, 2)
	for _, c := range []float64{1, 2, 3, 100, 100, 100} {
		bb.Update(closeBar(c))
	}
	// Window is the last three bars, all flat.
	within(t, bb.Mid(), 100, 1e-9, "mid")
	within(t, bb.PercentB(), 0.5, 1e-9, "flat pctB")
	within(t, bb.Bandwidth(), 0, 1e-9, "flat bandwidth")
}

func TestEMASeedAndSmooth(t *testing.T) {
	t.Parallel()

	e := NewEMA(3) // alpha = 0.5
	want := []float64{1, 1.5, 2.25, 3.125, 4.0625}
	for i, v := range []float64{1, 2, 3, 4, 5} {
		e.Push(v)
		within(t, e.Value(), want[i], 1e-9, "ema")
		if ready := e.Ready(); ready != (i >= 2) {
			t.Fatalf("after %d bars ready=%v", i+1, ready)
		}
	}
}

func TestMACDReadyGating(t *testing.T) {
	t.Parallel()

	m := NewMACD(2, 4, 2)
	price := 100.0
	for i := 0; i < 6; i++ {
		if m.Ready() {
			t.Fatalf("ready after %d bars", i)
		}
		m.Update(closeBar(price))
		price += 1
	}
	m.Update(closeBar(price))
	if !m.Ready() {
		t.Fatal("not ready after slow+signal bars")
	}
	// Steady uptrend: fast EMA sits above slow.
	if m.Line() <= 0 {
		t.Fatalf("line = %v, want > 0 in an uptrend", m.Line())
	}
	if m.Signal() == 0 {
		t.Fatal("signal never advanced")
	}
}

func TestMACDDefaults(t *testing.T) {
	t.Parallel()

	m := NewMACD(0, 0, 0)
	for i := 0; i < 26+9; i++ {
		m.Update(closeBar(100))
	}
	if m.Ready() {
		t.Fatal("ready one bar early")
	}
	m.Update(closeBar(100))
	if !m.Ready() {
		t.Fatal("12/26/9 defaults not applied")
	}
}

func TestATRWilderSmoothing(t *testing.T) {
	t.Parallel()

	a := NewATR(3)
	a.Update(bar(10, 8, 9))
	a.Update(bar(11, 9, 10))
	if a.Ready() {
		t.Fatal("ready before the seed window")
	}
	a.Update(bar(12, 10, 11))
	if !a.Ready() {
		t.Fatal("not ready after seed window")
	}
	within(t, a.Value(), 2.0, 1e-9, "seed atr")

	// Gap bar: TR = max(3, |14-11|, |11-11|) = 3, atr = (2*2+3)/3.
	a.Update(bar(14, 11, 13))
	within(t, a.Value(), 7.0/3.0, 1e-9, "smoothed atr")
}

func TestATRUsesGapsInTrueRange(t *testing.T) {
	t.Parallel()

	a := NewATR(2)
	a.Update(bar(10, 9, 10))
	// Open gap far above the prior close: TR should be high-prevClose, not high-low.
	a.Update(bar(20, 19, 20))
	within(t, a.Value(), (1.0+10.0)/2.0, 1e-9, "gap atr")
}

func TestNATRNormalizesByClose(t *testing.T) {
	t.Parallel()

	n := NewNATR(3)
	for _, b := range []types.Candle{bar(10, 8, 9), bar(11, 9, 10), bar(12, 10, 11), bar(14, 11, 13)} {
		n.Update(b)
	}
	if !n.Ready() {
		t.Fatal("not ready")
	}
	within(t, n.Value(), 100*(7.0/3.0)/13.0, 1e-9, "natr")
}

func TestSupertrendFlips(t *testing.T) {
	t.Parallel()

	st := NewSupertrend(2, 1)
	st.Update(bar(10, 8, 9))
	st.Update(bar(10, 8, 9))
	if st.Ready() {
		t.Fatal("ready before bands settle")
	}
	st.Update(bar(10, 8, 9))
	if !st.Ready() {
		t.Fatal("not ready after warmup")
	}
	if st.Uptrend() {
		t.Fatal("flat tape under the band should read as downtrend")
	}
	within(t, st.Value(), 11, 1e-9, "downtrend stop")

	// Close breaks above the upper band: trend flips up, stop becomes the
	// fresh lower band.
	st.Update(bar(13, 11, 12.5))
	if !st.BullishFlip() {
		t.Fatal("breakout bar did not flip bullish")
	}
	if !st.Uptrend() {
		t.Fatal("not in uptrend after breakout")
	}
	within(t, st.Value(), 9, 1e-9, "uptrend stop")

	// Next bar holds the trend; the flip edge must clear.
	st.Update(bar(13, 11, 12))
	if st.BullishFlip() || st.BearishFlip() {
		t.Fatal("flip edge held for more than one bar")
	}
	if !st.Uptrend() {
		t.Fatal("trend lost without a band break")
	}
	within(t, st.Value(), 9.5, 1e-9, "ratcheted stop")
}

func TestPrimeSkipsFormingBars(t *testing.T) {
	t.Parallel()

	e := NewEMA(2)
	forming := closeBar(50)
	forming.Closed = false
	Prime(e, []types.Candle{closeBar(10), closeBar(20), forming})
	within(t, e.Value(), 2.0/3.0*20+1.0/3.0*10, 1e-9, "primed ema")
}
