package retention

import (
	"context"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/yanun0323/logs"

	"mdstore/internal/errors"
	"mdstore/internal/model"
	"mdstore/internal/obs"
	"mdstore/internal/storage"
)

const (
	DefaultWindow       = 30 * 24 * time.Hour
	DefaultInterval     = time.Hour
	DefaultBarRetention = 30 * 24 * time.Hour
)

// Log is the part of the durable log retention works on.
type Log interface {
	Symbols(ctx context.Context) ([]string, error)
	Compact(ctx context.Context, symbol string, cutoff time.Time, fn storage.CompactFunc) (storage.CompactResult, error)
	DeleteBarsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	Size(ctx context.Context) (int64, error)
	Vacuum(ctx context.Context) error
}

// Archive durably keeps raw records before retention deletes them.
type Archive interface {
	Append(ctx context.Context, rec model.Record) error
	Sync(ctx context.Context) error
}

// Options configures a Manager. Window and Interval are fixed for its
// lifetime.
type Options struct {
	Window            time.Duration
	Interval          time.Duration
	Aggregate         bool
	AggregateInterval time.Duration
	BarRetention      time.Duration
	Vacuum            bool
	Archive           Archive
	Metrics           *obs.Metrics
	Now               func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Window <= 0 {
		o.Window = DefaultWindow
	}
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.AggregateInterval <= 0 {
		o.AggregateInterval = DefaultAggregateInterval
	}
	if o.BarRetention <= 0 {
		o.BarRetention = DefaultBarRetention
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// SymbolFailure is a symbol whose retention step failed in a pass.
type SymbolFailure struct {
	Symbol string
	Err    error
}

// Report summarizes one retention pass.
type Report struct {
	Cutoff      time.Time
	Symbols     int
	Deleted     int64
	Bars        int
	Archived    int64
	BarsDeleted int64
	Failures    []SymbolFailure
	SizeBefore  int64
	SizeAfter   int64
	Duration    time.Duration
}

// Manager deletes raw records older than the retention window, summarizing
// them into bars and archiving them first when configured.
type Manager struct {
	log  Log
	opts Options
}

// New creates a retention manager over log.
func New(log Log, opts Options) *Manager {
	return &Manager{log: log, opts: opts.withDefaults()}
}

// Window returns the raw record retention window.
func (m *Manager) Window() time.Duration {
	return m.opts.Window
}

// Run executes a pass every Interval until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()

	logs.Infof("retention started, window %s, interval %s", m.opts.Window, m.opts.Interval)
	for {
		select {
		case <-ctx.Done():
			logs.Info("retention stopped")
			return nil
		case <-ticker.C:
			m.RunOnce(ctx, m.opts.Now())
		}
	}
}

// RunOnce runs a single pass as of now. A failing symbol is logged and
// skipped; the pass continues with the next one.
func (m *Manager) RunOnce(ctx context.Context, now time.Time) Report {
	started := time.Now()
	report := Report{Cutoff: now.Add(-m.opts.Window)}
	report.SizeBefore = m.size(ctx)

	symbols, err := m.log.Symbols(ctx)
	if err != nil {
		logs.Errorf("retention list symbols, err: %+v", err)
		report.Failures = append(report.Failures, SymbolFailure{Err: err})
		return m.finish(ctx, report, started)
	}
	report.Symbols = len(symbols)

	for _, symbol := range symbols {
		if ctx.Err() != nil {
			break
		}
		var archived int64
		res, err := m.log.Compact(ctx, symbol, report.Cutoff, m.compactFunc(ctx, &archived))
		report.Deleted += res.Deleted
		report.Bars += res.Bars
		report.Archived += archived
		if err != nil {
			err = errors.Wrapf(err, "compact %s before %s", symbol, report.Cutoff.Format(time.RFC3339))
			logs.Errorf("retention, err: %+v", err)
			report.Failures = append(report.Failures, SymbolFailure{Symbol: symbol, Err: err})
			continue
		}
		if res.Deleted > 0 {
			logs.Debugf("retention removed %s records of %s in %d batches", humanize.Comma(res.Deleted), symbol, res.Batches)
		}
	}

	barCutoff := report.Cutoff.Add(-m.opts.BarRetention)
	n, err := m.log.DeleteBarsBefore(ctx, barCutoff)
	if err != nil {
		logs.Errorf("retention delete bars before %s, err: %+v", barCutoff.Format(time.RFC3339), err)
		report.Failures = append(report.Failures, SymbolFailure{Err: err})
	}
	report.BarsDeleted = n

	if m.opts.Vacuum && report.Deleted > 0 {
		if err := m.log.Vacuum(ctx); err != nil {
			logs.Warnf("retention vacuum, err: %+v", err)
		}
	}
	return m.finish(ctx, report, started)
}

func (m *Manager) compactFunc(ctx context.Context, archived *int64) storage.CompactFunc {
	return func(expired []model.Record) ([]model.Bar, error) {
		if m.opts.Archive != nil {
			for _, rec := range expired {
				if err := m.opts.Archive.Append(ctx, rec); err != nil {
					return nil, errors.Wrapf(err, "archive %s seq %d", rec.Symbol, rec.Sequence)
				}
			}
			if err := m.opts.Archive.Sync(ctx); err != nil {
				return nil, errors.Wrap(err, "sync archive")
			}
			*archived += int64(len(expired))
		}
		if !m.opts.Aggregate {
			return nil, nil
		}
		return Aggregate(expired, m.opts.AggregateInterval), nil
	}
}

func (m *Manager) finish(ctx context.Context, report Report, started time.Time) Report {
	report.SizeAfter = m.size(ctx)
	report.Duration = time.Since(started)
	m.opts.Metrics.ObserveCleanup(report.Duration, report.Deleted, int64(report.Bars), report.Archived, report.BarsDeleted, len(report.Failures))

	logs.Infof("retention pass done in %s: removed %s records, wrote %d bars, archived %s, dropped %d bars, %d failures, size %s -> %s",
		report.Duration.Round(time.Millisecond),
		humanize.Comma(report.Deleted),
		report.Bars,
		humanize.Comma(report.Archived),
		report.BarsDeleted,
		len(report.Failures),
		humanize.IBytes(uint64(max(report.SizeBefore, 0))),
		humanize.IBytes(uint64(max(report.SizeAfter, 0))),
	)
	return report
}

func (m *Manager) size(ctx context.Context) int64 {
	size, err := m.log.Size(ctx)
	if err != nil {
		logs.Warnf("retention read storage size, err: %+v", err)
		return 0
	}
	return size
}
