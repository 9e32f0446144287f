// Package indicator implements the candle-driven technical indicators the
// directional and dynamic market-making strategies trade on. All math runs
// on float64 bar series; money stays decimal in the layers above.
//
// Indicators are incremental: feed bars oldest-first and read the current
// value. Only closed bars advance state; callers are expected to skip the
// forming bar.
package indicator

import "hyperhive/pkg/types"

// Indicator consumes closed OHLCV bars.
type Indicator interface {
	Update(bar types.Candle)
	Ready() bool
}

// Prime replays a candle series into an indicator, skipping forming bars.
// Used at strategy start so signals don't wait for live bars.
func Prime(ind Indicator, bars []types.Candle) {
	for _, b := range bars {
		if b.Closed {
			ind.Update(b)
		}
	}
}
