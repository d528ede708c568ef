package storage

import (
	"math"
	"time"

	"mdstore/internal/model"
)

type tickRow struct {
	ID        int64  `gorm:"primaryKey;autoIncrement"`
	Symbol    string `gorm:"size:64;not null;index:idx_market_ticks_symbol_ts,priority:1;uniqueIndex:idx_market_ticks_symbol_seq,priority:1"`
	Timestamp int64  `gorm:"column:ts;not null;index:idx_market_ticks_symbol_ts,priority:2;index:idx_market_ticks_ts"`
	Sequence  int64  `gorm:"not null;index:idx_market_ticks_symbol_ts,priority:3;uniqueIndex:idx_market_ticks_symbol_seq,priority:2"`

	Price *float64
	Open  *float64
	High  *float64
	Low   *float64

	Bid      *float64
	BidSize  *float64
	Ask      *float64
	AskSize  *float64
	LastSize *float64

	Volume     *float64
	TradeCount *int64
	VWAP       *float64 `gorm:"column:vwap"`

	Source    string `gorm:"size:64"`
	CreatedAt int64  `gorm:"autoCreateTime:nano"`
}

func (tickRow) TableName() string {
	return "market_ticks"
}

type symbolRow struct {
	Symbol          string `gorm:"primaryKey;size:64"`
	LastSequence    int64  `gorm:"not null"`
	LatestTimestamp int64  `gorm:"column:latest_ts;not null"`
	UpdatedAt       int64  `gorm:"autoUpdateTime:nano"`
}

func (symbolRow) TableName() string {
	return "market_symbols"
}

type barRow struct {
	Symbol        string   `gorm:"primaryKey;size:64"`
	IntervalNanos int64    `gorm:"primaryKey;autoIncrement:false"`
	Start         int64    `gorm:"column:start_ts;primaryKey;autoIncrement:false;index:idx_market_bars_start"`
	Open          float64  `gorm:"not null"`
	High          float64  `gorm:"not null"`
	Low           float64  `gorm:"not null"`
	Close         float64  `gorm:"not null"`
	Volume        float64  `gorm:"not null"`
	VWAP          *float64 `gorm:"column:vwap"`
	TradeCount    int64    `gorm:"not null"`
	Ticks         int64    `gorm:"not null"`
}

func (barRow) TableName() string {
	return "market_bars"
}

func newTickRow(rec model.Record) tickRow {
	return tickRow{
		Symbol:     rec.Symbol,
		Timestamp:  unixNano(rec.Timestamp),
		Sequence:   int64(rec.Sequence),
		Price:      rec.Price,
		Open:       rec.Open,
		High:       rec.High,
		Low:        rec.Low,
		Bid:        rec.Bid,
		BidSize:    rec.BidSize,
		Ask:        rec.Ask,
		AskSize:    rec.AskSize,
		LastSize:   rec.LastSize,
		Volume:     rec.Volume,
		TradeCount: rec.TradeCount,
		VWAP:       rec.VWAP,
		Source:     rec.Source,
	}
}

func (r tickRow) record() model.Record {
	return model.Record{
		Symbol:     r.Symbol,
		Timestamp:  fromUnixNano(r.Timestamp),
		Sequence:   uint64(r.Sequence),
		Price:      r.Price,
		Open:       r.Open,
		High:       r.High,
		Low:        r.Low,
		Bid:        r.Bid,
		BidSize:    r.BidSize,
		Ask:        r.Ask,
		AskSize:    r.AskSize,
		LastSize:   r.LastSize,
		Volume:     r.Volume,
		TradeCount: r.TradeCount,
		VWAP:       r.VWAP,
		Source:     r.Source,
	}
}

func newBarRow(bar model.Bar) barRow {
	return barRow{
		Symbol:        bar.Symbol,
		IntervalNanos: int64(bar.Interval),
		Start:         unixNano(bar.Start),
		Open:          bar.Open,
		High:          bar.High,
		Low:           bar.Low,
		Close:         bar.Close,
		Volume:        bar.Volume,
		VWAP:          bar.VWAP,
		TradeCount:    bar.TradeCount,
		Ticks:         bar.Ticks,
	}
}

func (r barRow) bar() model.Bar {
	return model.Bar{
		Symbol:     r.Symbol,
		Start:      fromUnixNano(r.Start),
		Interval:   time.Duration(r.IntervalNanos),
		Open:       r.Open,
		High:       r.High,
		Low:        r.Low,
		Close:      r.Close,
		Volume:     r.Volume,
		VWAP:       r.VWAP,
		TradeCount: r.TradeCount,
		Ticks:      r.Ticks,
	}
}

func records(rows []tickRow) []model.Record {
	out := make([]model.Record, len(rows))
	for i := range rows {
		out[i] = rows[i].record()
	}
	return out
}

// unixNano maps the zero time to the lowest storable instant so an unset
// range start means "from the beginning".
func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return math.MinInt64
	}
	return t.UnixNano()
}

func fromUnixNano(ns int64) time.Time {
	return time.Unix(0, ns).UTC()
}
