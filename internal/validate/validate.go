package validate

import (
	"math"
	"strings"
	"time"

	"mdstore/internal/model"
	"mdstore/internal/model/enum"
	"mdstore/pkg/exception"
)

// DefaultMaxPastSkew bounds how far behind the newest committed record of a
// symbol a new record may be timestamped.
const DefaultMaxPastSkew = 24 * time.Hour

// Timestamps are stored as int64 unix nanoseconds, so only instants inside
// that range round-trip through the log unchanged.
var (
	minTimestamp = time.Unix(0, math.MinInt64+1).UTC()
	maxTimestamp = time.Unix(0, math.MaxInt64).UTC()
)

// Options controls record validation.
type Options struct {
	MaxPastSkew time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxPastSkew <= 0 {
		o.MaxPastSkew = DefaultMaxPastSkew
	}
	return o
}

// Error describes a structurally invalid record.
type Error struct {
	Reason enum.RejectReason
	Field  string
	Detail string
}

func (e *Error) Error() string {
	msg := exception.ErrValidation.Error() + ": " + e.Reason.String()
	if e.Field != "" {
		msg += " (" + e.Field + ")"
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// Is makes every validation error match exception.ErrValidation.
func (e *Error) Is(target error) bool {
	return target == exception.ErrValidation
}

// Validate checks candidate against the latest committed timestamp of its
// symbol and returns the normalized record. It has no side effects.
//
// latest is the zero time when nothing was committed for the symbol yet.
func Validate(candidate model.Record, latest time.Time, opts Options) (model.Record, error) {
	opts = opts.withDefaults()

	symbol := strings.TrimSpace(candidate.Symbol)
	if symbol == "" {
		return model.Record{}, &Error{Reason: enum.RejectMissingSymbol, Field: "symbol"}
	}
	if candidate.Timestamp.IsZero() {
		return model.Record{}, &Error{Reason: enum.RejectMissingTimestamp, Field: "timestamp"}
	}
	if candidate.Timestamp.Before(minTimestamp) || candidate.Timestamp.After(maxTimestamp) {
		return model.Record{}, &Error{
			Reason: enum.RejectMissingTimestamp,
			Field:  "timestamp",
			Detail: "outside " + minTimestamp.Format(time.RFC3339) + " to " + maxTimestamp.Format(time.RFC3339),
		}
	}
	if !latest.IsZero() && candidate.Timestamp.Before(latest.Add(-opts.MaxPastSkew)) {
		return model.Record{}, &Error{
			Reason: enum.RejectMissingTimestamp,
			Field:  "timestamp",
			Detail: "older than " + opts.MaxPastSkew.String() + " before " + latest.UTC().Format(time.RFC3339Nano),
		}
	}

	for _, f := range []struct {
		name     string
		value    *float64
		unsigned bool
	}{
		{"price", candidate.Price, false},
		{"open", candidate.Open, false},
		{"high", candidate.High, false},
		{"low", candidate.Low, false},
		{"bid", candidate.Bid, false},
		{"ask", candidate.Ask, false},
		{"vwap", candidate.VWAP, false},
		{"bidSize", candidate.BidSize, true},
		{"askSize", candidate.AskSize, true},
		{"lastSize", candidate.LastSize, true},
		{"volume", candidate.Volume, true},
	} {
		if err := checkFloat(f.name, f.value, f.unsigned); err != nil {
			return model.Record{}, err
		}
	}
	if candidate.TradeCount != nil && *candidate.TradeCount < 0 {
		return model.Record{}, &Error{Reason: enum.RejectMalformed, Field: "tradeCount", Detail: "negative"}
	}

	rec := candidate.Clone()
	rec.Symbol = symbol
	rec.Timestamp = candidate.Timestamp.UTC()
	rec.Sequence = 0
	return rec, nil
}

func checkFloat(name string, v *float64, unsigned bool) error {
	if v == nil {
		return nil
	}
	if math.IsNaN(*v) || math.IsInf(*v, 0) {
		return &Error{Reason: enum.RejectMalformed, Field: name, Detail: "not finite"}
	}
	if unsigned && *v < 0 {
		return &Error{Reason: enum.RejectMalformed, Field: name, Detail: "negative"}
	}
	return nil
}
