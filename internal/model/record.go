package model

import (
	"time"
)

// Record is one observation for one symbol at one instant.
//
// Numeric fields are optional; nil means the feed did not supply the value.
// A committed record is immutable, corrections are new records.
type Record struct {
	Symbol    string    `json:"symbol" msgpack:"symbol"`
	Timestamp time.Time `json:"timestamp" msgpack:"timestamp"`
	Sequence  uint64    `json:"sequence" msgpack:"sequence"`

	Price *float64 `json:"price,omitempty" msgpack:"price,omitempty"`
	Open  *float64 `json:"open,omitempty" msgpack:"open,omitempty"`
	High  *float64 `json:"high,omitempty" msgpack:"high,omitempty"`
	Low   *float64 `json:"low,omitempty" msgpack:"low,omitempty"`

	Bid      *float64 `json:"bid,omitempty" msgpack:"bid,omitempty"`
	BidSize  *float64 `json:"bidSize,omitempty" msgpack:"bid_size,omitempty"`
	Ask      *float64 `json:"ask,omitempty" msgpack:"ask,omitempty"`
	AskSize  *float64 `json:"askSize,omitempty" msgpack:"ask_size,omitempty"`
	LastSize *float64 `json:"lastSize,omitempty" msgpack:"last_size,omitempty"`

	Volume     *float64 `json:"volume,omitempty" msgpack:"volume,omitempty"`
	TradeCount *int64   `json:"tradeCount,omitempty" msgpack:"trade_count,omitempty"`
	VWAP       *float64 `json:"vwap,omitempty" msgpack:"vwap,omitempty"`

	Source string `json:"source,omitempty" msgpack:"source,omitempty"`
}

// Float returns a pointer to v for optional record fields.
func Float(v float64) *float64 {
	return &v
}

// Int returns a pointer to v for optional record fields.
func Int(v int64) *int64 {
	return &v
}

// Compare orders records by (Timestamp, Sequence).
func Compare(a, b Record) int {
	switch {
	case a.Timestamp.Before(b.Timestamp):
		return -1
	case a.Timestamp.After(b.Timestamp):
		return 1
	case a.Sequence < b.Sequence:
		return -1
	case a.Sequence > b.Sequence:
		return 1
	default:
		return 0
	}
}

// Less reports whether r sorts before other.
func (r Record) Less(other Record) bool {
	return Compare(r, other) < 0
}

// IsZero reports whether r carries no symbol and no timestamp.
func (r Record) IsZero() bool {
	return r.Symbol == "" && r.Timestamp.IsZero()
}

// Spread returns ask - bid when both sides are set.
func (r Record) Spread() (float64, bool) {
	if r.Bid == nil || r.Ask == nil {
		return 0, false
	}
	return *r.Ask - *r.Bid, true
}

// Midpoint returns (bid + ask) / 2 when both sides are set.
func (r Record) Midpoint() (float64, bool) {
	if r.Bid == nil || r.Ask == nil {
		return 0, false
	}
	return (*r.Bid + *r.Ask) / 2, true
}

// Clone returns a copy that shares no optional field with r.
func (r Record) Clone() Record {
	c := r
	c.Price = cloneFloat(r.Price)
	c.Open = cloneFloat(r.Open)
	c.High = cloneFloat(r.High)
	c.Low = cloneFloat(r.Low)
	c.Bid = cloneFloat(r.Bid)
	c.BidSize = cloneFloat(r.BidSize)
	c.Ask = cloneFloat(r.Ask)
	c.AskSize = cloneFloat(r.AskSize)
	c.LastSize = cloneFloat(r.LastSize)
	c.Volume = cloneFloat(r.Volume)
	c.VWAP = cloneFloat(r.VWAP)
	if r.TradeCount != nil {
		c.TradeCount = Int(*r.TradeCount)
	}
	return c
}

func cloneFloat(p *float64) *float64 {
	if p == nil {
		return nil
	}
	return Float(*p)
}
