package storage

import (
	"context"
	"math"
	"slices"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"mdstore/internal/errors"
	"mdstore/internal/model"
	"mdstore/pkg/conn"
	"mdstore/pkg/exception"
)

const (
	defaultCompactBatch = 5000
	deleteChunk         = 500
)

var _ Log = (*DB)(nil)

// DB is the gorm backed Log. Ticks, symbol heads and bars live in three
// tables: market_ticks, market_symbols and market_bars.
type DB struct {
	client *conn.Client
	db     *gorm.DB
	batch  int
}

// Open connects to location (a SQLite path or a postgres URL) and migrates
// the schema.
func Open(location string) (*DB, error) {
	client, err := conn.Open(location, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "open storage %s", location)
	}
	d, err := New(client)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return d, nil
}

// New wraps an opened client and migrates the schema.
func New(client *conn.Client) (*DB, error) {
	if client == nil || client.DB() == nil {
		return nil, exception.ErrNilLog
	}
	if err := client.DB().AutoMigrate(&tickRow{}, &symbolRow{}, &barRow{}); err != nil {
		return nil, errors.Wrap(err, "migrate storage schema")
	}
	return &DB{
		client: client,
		db:     client.DB(),
		batch:  defaultCompactBatch,
	}, nil
}

// WithBatchSize sets how many records one Compact transaction handles.
func (d *DB) WithBatchSize(n int) *DB {
	if n > 0 {
		d.batch = n
	}
	return d
}

// Dialect returns the backend in use.
func (d *DB) Dialect() conn.Dialect {
	return d.client.Dialect()
}

// Location returns the redacted storage location.
func (d *DB) Location() string {
	return d.client.Location()
}

func (d *DB) Append(ctx context.Context, rec model.Record) error {
	if rec.Symbol == "" {
		return exception.ErrEmptySymbol
	}
	row := newTickRow(rec)
	head := symbolRow{
		Symbol:          rec.Symbol,
		LastSequence:    int64(rec.Sequence),
		LatestTimestamp: row.Timestamp,
	}
	return d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		return tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "symbol"}},
			DoUpdates: clause.Assignments(map[string]any{
				"last_sequence": gorm.Expr("excluded.last_sequence"),
				"latest_ts":     gorm.Expr("CASE WHEN excluded.latest_ts > market_symbols.latest_ts THEN excluded.latest_ts ELSE market_symbols.latest_ts END"),
				"updated_at":    gorm.Expr("excluded.updated_at"),
			}),
		}).Create(&head).Error
	})
}

func (d *DB) RangeQuery(ctx context.Context, symbol string, start, end time.Time, limit int) ([]model.Record, error) {
	if symbol == "" {
		return nil, exception.ErrEmptySymbol
	}
	lo, hi := unixNano(start), int64(math.MaxInt64)
	if !end.IsZero() {
		hi = end.UnixNano()
	}
	if hi < lo {
		return []model.Record{}, nil
	}

	q := d.db.WithContext(ctx).
		Where("symbol = ? AND ts >= ? AND ts <= ?", symbol, lo, hi).
		Order("ts ASC").
		Order("sequence ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []tickRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	return records(rows), nil
}

func (d *DB) DeleteBefore(ctx context.Context, symbol string, cutoff time.Time) (int64, error) {
	q := d.db.WithContext(ctx).Where("ts < ?", unixNano(cutoff))
	if symbol != "" {
		q = q.Where("symbol = ?", symbol)
	}
	res := q.Delete(&tickRow{})
	return res.RowsAffected, res.Error
}

func (d *DB) Latest(ctx context.Context, symbol string) (model.Record, bool, error) {
	var rows []tickRow
	err := d.db.WithContext(ctx).
		Where("symbol = ?", symbol).
		Order("ts DESC").
		Order("sequence DESC").
		Limit(1).
		Find(&rows).Error
	if err != nil || len(rows) == 0 {
		return model.Record{}, false, err
	}
	return rows[0].record(), true, nil
}

func (d *DB) Newest(ctx context.Context, symbol string, n int) ([]model.Record, error) {
	if symbol == "" {
		return nil, exception.ErrEmptySymbol
	}
	q := d.db.WithContext(ctx).
		Where("symbol = ?", symbol).
		Order("ts DESC").
		Order("sequence DESC")
	if n > 0 {
		q = q.Limit(n)
	}
	var rows []tickRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	return records(rows), nil
}

func (d *DB) Tail(ctx context.Context, symbol string, since time.Time, n int) ([]model.Record, error) {
	if n <= 0 {
		return []model.Record{}, nil
	}
	var rows []tickRow
	err := d.db.WithContext(ctx).
		Where("symbol = ? AND ts >= ?", symbol, unixNano(since)).
		Order("sequence DESC").
		Limit(n).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	slices.Reverse(rows)
	return records(rows), nil
}

func (d *DB) Head(ctx context.Context, symbol string) (Head, bool, error) {
	var rows []symbolRow
	if err := d.db.WithContext(ctx).Where("symbol = ?", symbol).Limit(1).Find(&rows).Error; err != nil {
		return Head{}, false, err
	}
	if len(rows) == 0 {
		return Head{Symbol: symbol}, false, nil
	}
	return Head{
		Symbol:          rows[0].Symbol,
		LastSequence:    uint64(rows[0].LastSequence),
		LatestTimestamp: fromUnixNano(rows[0].LatestTimestamp),
	}, true, nil
}

func (d *DB) Span(ctx context.Context, symbol string) (Span, bool, error) {
	var out struct {
		Oldest  *int64
		Newest  *int64
		Records int64
	}
	err := d.db.WithContext(ctx).
		Model(&tickRow{}).
		Select("MIN(ts) AS oldest, MAX(ts) AS newest, COUNT(*) AS records").
		Where("symbol = ?", symbol).
		Scan(&out).Error
	if err != nil || out.Records == 0 || out.Oldest == nil || out.Newest == nil {
		return Span{}, false, err
	}
	return Span{
		Oldest:  fromUnixNano(*out.Oldest),
		Newest:  fromUnixNano(*out.Newest),
		Records: out.Records,
	}, true, nil
}

func (d *DB) Symbols(ctx context.Context) ([]string, error) {
	var symbols []string
	if err := d.db.WithContext(ctx).Model(&symbolRow{}).Order("symbol ASC").Pluck("symbol", &symbols).Error; err != nil {
		return nil, err
	}
	return symbols, nil
}

func (d *DB) Count(ctx context.Context, symbol string) (int64, error) {
	var n int64
	q := d.db.WithContext(ctx).Model(&tickRow{})
	if symbol != "" {
		q = q.Where("symbol = ?", symbol)
	}
	if err := q.Count(&n).Error; err != nil {
		return 0, err
	}
	return n, nil
}

func (d *DB) Compact(ctx context.Context, symbol string, cutoff time.Time, fn CompactFunc) (CompactResult, error) {
	var result CompactResult
	if symbol == "" {
		return result, exception.ErrEmptySymbol
	}

	for {
		var (
			fetched int
			deleted int64
			bars    int
		)
		err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var rows []tickRow
			err := tx.Where("symbol = ? AND ts < ?", symbol, unixNano(cutoff)).
				Order("ts ASC").
				Order("sequence ASC").
				Limit(d.batch).
				Find(&rows).Error
			if err != nil {
				return err
			}
			fetched = len(rows)
			if fetched == 0 {
				return nil
			}

			if fn != nil {
				summary, err := fn(records(rows))
				if err != nil {
					return err
				}
				for _, bar := range summary {
					if err := mergeBar(tx, bar); err != nil {
						return errors.Wrapf(err, "merge bar %s@%s", bar.Symbol, bar.Start.Format(time.RFC3339))
					}
				}
				bars = len(summary)
			}

			ids := make([]int64, len(rows))
			for i := range rows {
				ids[i] = rows[i].ID
			}
			for lo := 0; lo < len(ids); lo += deleteChunk {
				hi := min(lo+deleteChunk, len(ids))
				res := tx.Where("id IN ?", ids[lo:hi]).Delete(&tickRow{})
				if res.Error != nil {
					return res.Error
				}
				deleted += res.RowsAffected
			}
			return nil
		})
		if err != nil {
			return result, err
		}
		if fetched == 0 {
			return result, nil
		}

		result.Batches++
		result.Deleted += deleted
		result.Bars += bars
		if fetched < d.batch {
			return result, nil
		}
	}
}

// mergeBar folds bar into the stored bar of the same bucket, if any.
func mergeBar(tx *gorm.DB, bar model.Bar) error {
	var existing []barRow
	err := tx.Where("symbol = ? AND interval_nanos = ? AND start_ts = ?", bar.Symbol, int64(bar.Interval), unixNano(bar.Start)).
		Limit(1).
		Find(&existing).Error
	if err != nil {
		return err
	}
	if len(existing) != 0 {
		bar = existing[0].bar().Merge(bar)
	}
	row := newBarRow(bar)
	return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
}

func (d *DB) Bars(ctx context.Context, symbol string, start, end time.Time) ([]model.Bar, error) {
	if symbol == "" {
		return nil, exception.ErrEmptySymbol
	}
	lo, hi := unixNano(start), int64(math.MaxInt64)
	if !end.IsZero() {
		hi = end.UnixNano()
	}
	var rows []barRow
	err := d.db.WithContext(ctx).
		Where("symbol = ? AND start_ts >= ? AND start_ts <= ?", symbol, lo, hi).
		Order("start_ts ASC").
		Order("interval_nanos ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]model.Bar, len(rows))
	for i := range rows {
		out[i] = rows[i].bar()
	}
	return out, nil
}

func (d *DB) DeleteBarsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := d.db.WithContext(ctx).Where("start_ts < ?", unixNano(cutoff)).Delete(&barRow{})
	return res.RowsAffected, res.Error
}

func (d *DB) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	db := d.db.WithContext(ctx)
	if err := db.Model(&tickRow{}).Count(&stats.Records).Error; err != nil {
		return Stats{}, err
	}
	if err := db.Model(&symbolRow{}).Count(&stats.Symbols).Error; err != nil {
		return Stats{}, err
	}
	if err := db.Model(&barRow{}).Count(&stats.Bars).Error; err != nil {
		return Stats{}, err
	}
	size, err := d.Size(ctx)
	if err != nil {
		return Stats{}, err
	}
	stats.SizeBytes = size
	return stats, nil
}

func (d *DB) Size(ctx context.Context) (int64, error) {
	db := d.db.WithContext(ctx)
	switch d.client.Dialect() {
	case conn.DialectSQLite:
		var pageCount, pageSize int64
		if err := db.Raw("PRAGMA page_count").Scan(&pageCount).Error; err != nil {
			return 0, err
		}
		if err := db.Raw("PRAGMA page_size").Scan(&pageSize).Error; err != nil {
			return 0, err
		}
		return pageCount * pageSize, nil
	case conn.DialectPostgres:
		var size int64
		if err := db.Raw("SELECT pg_database_size(current_database())").Scan(&size).Error; err != nil {
			return 0, err
		}
		return size, nil
	default:
		return 0, errors.Wrapf(exception.ErrUnsupportedDialect, "size of %q", d.client.Dialect())
	}
}

func (d *DB) Vacuum(ctx context.Context) error {
	if d.client.Dialect() != conn.DialectSQLite {
		return nil
	}
	return d.db.WithContext(ctx).Exec("VACUUM").Error
}

func (d *DB) Close() error {
	return d.client.Close()
}
