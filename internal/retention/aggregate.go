package retention

import (
	"time"

	"github.com/shopspring/decimal"

	"mdstore/internal/model"
)

// DefaultAggregateInterval is the bar size when none is given.
const DefaultAggregateInterval = time.Minute

// Aggregate rolls records of one symbol, given in (timestamp, sequence)
// order, into bars of the given interval. Records with neither a price nor
// both quote sides carry no price and are skipped.
func Aggregate(records []model.Record, interval time.Duration) []model.Bar {
	if interval <= 0 {
		interval = DefaultAggregateInterval
	}

	var (
		bars []model.Bar
		acc  *bucket
	)
	for _, rec := range records {
		price, ok := tradePrice(rec)
		if !ok {
			continue
		}
		start := rec.Timestamp.Truncate(interval)
		if acc == nil || acc.symbol != rec.Symbol || !acc.start.Equal(start) {
			if acc != nil {
				bars = append(bars, acc.bar())
			}
			acc = newBucket(rec, start, interval, price)
		}
		acc.add(rec, price)
	}
	if acc != nil {
		bars = append(bars, acc.bar())
	}
	return bars
}

// tradePrice is the record price, or the quote midpoint without one.
func tradePrice(rec model.Record) (float64, bool) {
	if rec.Price != nil {
		return *rec.Price, true
	}
	return rec.Midpoint()
}

// size is the quantity a record contributes to bar volume.
func size(rec model.Record) decimal.Decimal {
	switch {
	case rec.Volume != nil:
		return decimal.NewFromFloat(*rec.Volume)
	case rec.LastSize != nil:
		return decimal.NewFromFloat(*rec.LastSize)
	default:
		return decimal.Zero
	}
}

type bucket struct {
	symbol   string
	start    time.Time
	interval time.Duration

	open, high, low, close decimal.Decimal

	volume   decimal.Decimal
	notional decimal.Decimal
	vwapSum  decimal.Decimal
	vwapN    int64
	trades   int64
	ticks    int64
}

func newBucket(rec model.Record, start time.Time, interval time.Duration, price float64) *bucket {
	open := decimal.NewFromFloat(price)
	if rec.Open != nil {
		open = decimal.NewFromFloat(*rec.Open)
	}
	return &bucket{
		symbol:   rec.Symbol,
		start:    start,
		interval: interval,
		open:     open,
		high:     open,
		low:      open,
	}
}

func (b *bucket) add(rec model.Record, price float64) {
	p := decimal.NewFromFloat(price)
	hi, lo := p, p
	if rec.High != nil {
		hi = decimal.Max(hi, decimal.NewFromFloat(*rec.High))
	}
	if rec.Low != nil {
		lo = decimal.Min(lo, decimal.NewFromFloat(*rec.Low))
	}
	b.high = decimal.Max(b.high, hi)
	b.low = decimal.Min(b.low, lo)
	b.close = p

	qty := size(rec)
	b.volume = b.volume.Add(qty)
	b.notional = b.notional.Add(p.Mul(qty))
	if rec.VWAP != nil {
		b.vwapSum = b.vwapSum.Add(decimal.NewFromFloat(*rec.VWAP))
		b.vwapN++
	}
	if rec.TradeCount != nil {
		b.trades += *rec.TradeCount
	}
	b.ticks++
}

func (b *bucket) bar() model.Bar {
	bar := model.Bar{
		Symbol:     b.symbol,
		Start:      b.start,
		Interval:   b.interval,
		Open:       b.open.InexactFloat64(),
		High:       b.high.InexactFloat64(),
		Low:        b.low.InexactFloat64(),
		Close:      b.close.InexactFloat64(),
		Volume:     b.volume.InexactFloat64(),
		TradeCount: b.trades,
		Ticks:      b.ticks,
	}
	switch {
	case b.volume.IsPositive():
		v := b.notional.Div(b.volume).InexactFloat64()
		bar.VWAP = &v
	case b.vwapN > 0:
		v := b.vwapSum.Div(decimal.NewFromInt(b.vwapN)).InexactFloat64()
		bar.VWAP = &v
	}
	return bar
}
