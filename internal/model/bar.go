package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Bar is a reduced-fidelity summary of the raw records of one symbol in one
// time bucket. Bars outlive the raw records they were built from.
type Bar struct {
	Symbol     string        `json:"symbol"`
	Start      time.Time     `json:"start"`
	Interval   time.Duration `json:"interval"`
	Open       float64       `json:"open"`
	High       float64       `json:"high"`
	Low        float64       `json:"low"`
	Close      float64       `json:"close"`
	Volume     float64       `json:"volume"`
	VWAP       *float64      `json:"vwap,omitempty"`
	TradeCount int64         `json:"tradeCount"`
	Ticks      int64         `json:"ticks"`
}

// End returns the exclusive end of the bar bucket.
func (b Bar) End() time.Time {
	return b.Start.Add(b.Interval)
}

// Merge folds later, a summary of records that come after the ones in b for
// the same bucket, into b.
func (b Bar) Merge(later Bar) Bar {
	if b.Ticks == 0 {
		return later
	}
	if later.Ticks == 0 {
		return b
	}

	merged := b
	if later.High > merged.High {
		merged.High = later.High
	}
	if later.Low < merged.Low {
		merged.Low = later.Low
	}
	merged.Close = later.Close
	merged.Volume = decimal.NewFromFloat(b.Volume).Add(decimal.NewFromFloat(later.Volume)).InexactFloat64()
	merged.TradeCount = b.TradeCount + later.TradeCount
	merged.Ticks = b.Ticks + later.Ticks
	merged.VWAP = mergeVWAP(b, later)
	return merged
}

func mergeVWAP(a, b Bar) *float64 {
	switch {
	case a.VWAP == nil:
		return b.VWAP
	case b.VWAP == nil:
		return a.VWAP
	}

	wa, wb := decimal.NewFromFloat(a.Volume), decimal.NewFromFloat(b.Volume)
	if !wa.Add(wb).IsPositive() {
		// no volume to weight by, weight by tick count instead
		wa, wb = decimal.NewFromInt(a.Ticks), decimal.NewFromInt(b.Ticks)
	}
	sum := decimal.NewFromFloat(*a.VWAP).Mul(wa).Add(decimal.NewFromFloat(*b.VWAP).Mul(wb))
	v := sum.Div(wa.Add(wb)).InexactFloat64()
	return &v
}
