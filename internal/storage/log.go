package storage

import (
	"context"
	"time"

	"mdstore/internal/model"
)

// Log is the durable, queryable record store.
//
// Appends for one symbol are issued by a single writer at a time; the
// implementation must never expose a partially written record to readers.
type Log interface {
	// Append persists a committed record and advances the symbol head.
	Append(ctx context.Context, rec model.Record) error
	// RangeQuery returns records of symbol with start <= timestamp <= end,
	// ascending by (timestamp, sequence). A zero start or end leaves that side
	// open and limit <= 0 means no limit.
	RangeQuery(ctx context.Context, symbol string, start, end time.Time, limit int) ([]model.Record, error)
	// DeleteBefore removes records timestamped strictly before cutoff. An empty
	// symbol applies to every symbol. Retention uses Compact, which also
	// archives and aggregates; DeleteBefore is the plain purge without either.
	DeleteBefore(ctx context.Context, symbol string, cutoff time.Time) (int64, error)
	// Latest returns the greatest (timestamp, sequence) record of symbol.
	Latest(ctx context.Context, symbol string) (model.Record, bool, error)
	// Newest returns up to n records of symbol, newest first by (timestamp,
	// sequence). n <= 0 returns every record.
	Newest(ctx context.Context, symbol string, n int) ([]model.Record, error)
	// Tail returns up to n records of symbol timestamped at or after since,
	// in commit order.
	Tail(ctx context.Context, symbol string, since time.Time, n int) ([]model.Record, error)
	// Head returns the last assigned sequence and newest timestamp of symbol.
	Head(ctx context.Context, symbol string) (Head, bool, error)
	// Span returns the oldest and newest timestamps held for symbol.
	Span(ctx context.Context, symbol string) (Span, bool, error)
	// Symbols lists every symbol that was ever committed.
	Symbols(ctx context.Context) ([]string, error)
	// Count returns the number of raw records held for symbol, or for every
	// symbol when symbol is empty.
	Count(ctx context.Context, symbol string) (int64, error)

	// Compact hands expiring records of symbol to fn in bounded batches, merges
	// the returned bars and deletes the records, one transaction per batch.
	Compact(ctx context.Context, symbol string, cutoff time.Time, fn CompactFunc) (CompactResult, error)
	// Bars returns bars of symbol with start <= bar start <= end.
	Bars(ctx context.Context, symbol string, start, end time.Time) ([]model.Bar, error)
	// DeleteBarsBefore removes bars starting strictly before cutoff.
	DeleteBarsBefore(ctx context.Context, cutoff time.Time) (int64, error)

	Stats(ctx context.Context) (Stats, error)
	// Size returns the on-disk size in bytes, zero when unknown.
	Size(ctx context.Context) (int64, error)
	// Vacuum reclaims free pages where the backend supports it.
	Vacuum(ctx context.Context) error
	Close() error
}

// CompactFunc receives a batch of expiring records in (timestamp, sequence)
// order and returns the bars that summarize them. Returning an error keeps
// the batch.
type CompactFunc func(expired []model.Record) ([]model.Bar, error)

// Head is the durable commit position of one symbol.
type Head struct {
	Symbol          string
	LastSequence    uint64
	LatestTimestamp time.Time
}

// Span is the time range covered by the raw records of one symbol.
type Span struct {
	Oldest  time.Time
	Newest  time.Time
	Records int64
}

// CompactResult reports the work of one Compact call.
type CompactResult struct {
	Deleted int64
	Bars    int
	Batches int
}

// Stats is a point-in-time view of the log contents.
type Stats struct {
	Records   int64
	Symbols   int64
	Bars      int64
	SizeBytes int64
}
