package strategy

import (
	"testing"
	"time"

	"hyperhive/pkg/types"
)

func fill(side types.Side, price, size string) types.Fill {
	return types.Fill{
		Symbol: "ETH-USD",
		Side:   side,
		Price:  d(price),
		Size:   d(size),
		Time:   time.Now(),
	}
}

func TestPositionBlendsEntry(t *testing.T) {
	t.Parallel()
	p := NewPosition("ETH-USD")

	p.ApplyFill(fill(types.BUY, "100", "1"))
	p.ApplyFill(fill(types.BUY, "110", "1"))

	if !p.Size().Equal(d("2")) {
		t.Fatalf("size = %v, want 2", p.Size())
	}
	if !p.EntryPrice().Equal(d("105")) {
		t.Fatalf("entry = %v, want 105 (VWAP)", p.EntryPrice())
	}
}

func TestPositionRealizesOnReduce(t *testing.T) {
	t.Parallel()
	p := NewPosition("ETH-USD")

	p.ApplyFill(fill(types.BUY, "100", "2"))
	p.ApplyFill(fill(types.SELL, "120", "1"))

	if !p.Size().Equal(d("1")) {
		t.Fatalf("size = %v, want 1", p.Size())
	}
	if !p.Realized().Equal(d("20")) {
		t.Fatalf("realized = %v, want 20", p.Realized())
	}
	if !p.EntryPrice().Equal(d("100")) {
		t.Fatalf("entry must hold at 100 through a reduce, got %v", p.EntryPrice())
	}

	p.ApplyFill(fill(types.SELL, "90", "1"))
	if !p.Size().IsZero() || !p.EntryPrice().IsZero() {
		t.Fatalf("flat position must clear entry: size=%v entry=%v", p.Size(), p.EntryPrice())
	}
	if !p.Realized().Equal(d("10")) {
		t.Fatalf("realized = %v, want 10 after losing close", p.Realized())
	}
}

func TestPositionFlipsThroughFlat(t *testing.T) {
	t.Parallel()
	p := NewPosition("ETH-USD")

	p.ApplyFill(fill(types.BUY, "100", "1"))
	p.ApplyFill(fill(types.SELL, "90", "2"))

	if !p.Size().Equal(d("-1")) {
		t.Fatalf("size = %v, want -1 after flip", p.Size())
	}
	if !p.EntryPrice().Equal(d("90")) {
		t.Fatalf("flipped entry = %v, want the fill price 90", p.EntryPrice())
	}
	if !p.Realized().Equal(d("-10")) {
		t.Fatalf("realized = %v, want -10 for the closed leg", p.Realized())
	}
}

func TestPositionShortSide(t *testing.T) {
	t.Parallel()
	p := NewPosition("ETH-USD")

	p.ApplyFill(fill(types.SELL, "100", "1"))
	if !p.Size().Equal(d("-1")) || !p.EntryPrice().Equal(d("100")) {
		t.Fatalf("short open: size=%v entry=%v", p.Size(), p.EntryPrice())
	}

	// Shorts profit when price falls.
	if got := p.UnrealizedAt(d("90")); !got.Equal(d("10")) {
		t.Fatalf("unrealized at 90 = %v, want 10", got)
	}

	p.ApplyFill(fill(types.BUY, "90", "1"))
	if !p.Realized().Equal(d("10")) {
		t.Fatalf("realized = %v, want 10", p.Realized())
	}
}

func TestPositionNotionalAndView(t *testing.T) {
	t.Parallel()
	p := NewPosition("ETH-USD")

	f := fill(types.SELL, "100", "2")
	f.Fee = d("0.03")
	p.ApplyFill(f)

	if got := p.NotionalAt(d("110")); !got.Equal(d("220")) {
		t.Fatalf("notional = %v, want 220 (absolute)", got)
	}

	v := p.View()
	if v.Symbol != "ETH-USD" || !v.FeesPaid.Equal(d("0.03")) || !v.VolumeQuote.Equal(d("200")) {
		t.Fatalf("view = %+v", v)
	}
	if v.LastFillAt.IsZero() {
		t.Fatal("view must carry the fill time")
	}
}

func TestPositionRestore(t *testing.T) {
	t.Parallel()
	p := NewPosition("ETH-USD")
	p.ApplyFill(fill(types.BUY, "100", "1"))
	p.ApplyFill(fill(types.SELL, "120", "1"))

	p.Restore(d("0.5"), d("101"))
	if !p.Size().Equal(d("0.5")) || !p.EntryPrice().Equal(d("101")) {
		t.Fatalf("restore: size=%v entry=%v", p.Size(), p.EntryPrice())
	}
	if !p.Realized().Equal(d("20")) {
		t.Fatal("restore must not touch realized pnl")
	}

	p.Restore(d("0"), d("101"))
	if !p.EntryPrice().IsZero() {
		t.Fatal("flat restore must clear the entry")
	}
}
