package store

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/yanun0323/logs"
	"golang.org/x/sync/errgroup"

	"mdstore/internal/bus"
	"mdstore/internal/cache"
	"mdstore/internal/errors"
	"mdstore/internal/model"
	"mdstore/internal/model/enum"
	"mdstore/internal/obs"
	"mdstore/internal/recorder"
	"mdstore/internal/retention"
	"mdstore/internal/sequencer"
	"mdstore/internal/storage"
	"mdstore/internal/validate"
	"mdstore/pkg/exception"
)

// Commit is the result of an accepted submission.
type Commit = sequencer.Commit

// Handle identifies a subscription.
type Handle = bus.Handle

// Stats is a point-in-time view of the store.
type Stats struct {
	Log           storage.Stats      `json:"log"`
	CachedRecords int                `json:"cachedRecords"`
	CachedSymbols int                `json:"cachedSymbols"`
	Subscribers   int                `json:"subscribers"`
	Metrics       obs.Snapshot       `json:"metrics"`
	Health        obs.HealthSnapshot `json:"health"`
}

// Store is the single owner of market data state in the process. Writes go
// through Submit; latest and recent reads are served from memory and range
// reads from the durable log.
type Store struct {
	cfg       Config
	log       storage.Log
	cache     *cache.Cache
	bus       *bus.Bus
	seq       *sequencer.Sequencer
	retention *retention.Manager
	archive   *recorder.Writer
	metrics   *obs.Metrics
	health    *obs.Health

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// Open opens the durable log at cfg.StorageLocation and builds a store on it.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log, err := storage.Open(cfg.StorageLocation)
	if err != nil {
		return nil, errors.Mark(err, exception.ErrStorageFault)
	}
	logs.Infof("storage opened, location %s, dialect %s", log.Location(), log.Dialect())

	s, err := newStore(ctx, cfg, log)
	if err != nil {
		_ = log.Close()
		return nil, err
	}
	return s, nil
}

// New builds a store on an already opened durable log. The store owns log
// and closes it on Close.
func New(cfg Config, log storage.Log) (*Store, error) {
	if log == nil {
		return nil, exception.ErrNilLog
	}
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return newStore(context.Background(), cfg, log)
}

func newStore(ctx context.Context, cfg Config, log storage.Log) (*Store, error) {
	metrics := obs.NewMetrics()
	health := obs.NewHealth()
	s := &Store{
		cfg:     cfg,
		log:     log,
		cache:   cache.New(cfg.CacheSizePerSymbol),
		bus:     bus.New(cfg.SubscriberQueueSize, metrics).WithCloseWait(cfg.SubscriberCloseWait),
		metrics: metrics,
		health:  health,
	}
	s.seq = sequencer.New(log, s.cache, s.bus, sequencer.Options{
		Validate: validate.Options{MaxPastSkew: cfg.MaxPastSkew},
		Metrics:  metrics,
		Health:   health,
	})

	var archive retention.Archive
	if cfg.ArchiveDir != "" {
		w, err := recorder.NewWriter(recorder.DefaultConfig(cfg.ArchiveDir))
		if err != nil {
			return nil, errors.Wrapf(err, "open archive %s", cfg.ArchiveDir)
		}
		if err := w.Start(context.Background()); err != nil {
			return nil, errors.Wrap(err, "start archive")
		}
		s.archive, archive = w, w
	}
	s.retention = retention.New(log, retention.Options{
		Window:            cfg.RetentionWindow,
		Interval:          cfg.CleanupInterval,
		Aggregate:         cfg.Aggregate,
		AggregateInterval: cfg.AggregateInterval,
		BarRetention:      cfg.BarRetention,
		Vacuum:            cfg.Vacuum,
		Archive:           archive,
		Metrics:           metrics,
	})

	if cfg.WarmCache {
		if err := s.warm(ctx); err != nil {
			logs.Warnf("warm cache, err: %+v", err)
		}
	}

	metrics.Gauge("cached_records", "Records held in the memory cache.", func() float64 { return float64(s.cache.Size()) })
	metrics.Gauge("subscribers", "Active subscriptions.", func() float64 { return float64(s.bus.Len()) })
	metrics.Gauge("healthy", "1 while the durable log accepts writes.", func() float64 {
		if s.health.Snapshot().Status == enum.HealthOK {
			return 1
		}
		return 0
	})
	return s, nil
}

// warm seeds the cache with the most recent records of every symbol.
func (s *Store) warm(ctx context.Context) error {
	symbols, err := s.log.Symbols(ctx)
	if err != nil {
		return err
	}
	since := time.Now().Add(-s.cfg.WarmCacheLookback)
	for _, symbol := range symbols {
		recs, err := s.log.Tail(ctx, symbol, since, s.cfg.CacheSizePerSymbol)
		if err != nil {
			return errors.Wrapf(err, "tail %s", symbol)
		}
		s.cache.Seed(recs)
	}
	logs.Infof("cache warmed with %s records of %d symbols", humanize.Comma(int64(s.cache.Size())), len(symbols))
	return nil
}

// Submit validates, sequences and durably commits rec, then makes it visible
// to readers and subscribers.
func (s *Store) Submit(ctx context.Context, rec model.Record) (Commit, error) {
	if s.closed.Load() {
		return Commit{}, exception.ErrStoreClosed
	}
	return s.seq.Submit(ctx, rec)
}

// GetLatest returns the greatest (timestamp, sequence) record of symbol.
func (s *Store) GetLatest(symbol string) (model.Record, bool) {
	if rec, ok := s.cache.Latest(symbol); ok {
		return rec, true
	}
	if s.closed.Load() {
		return model.Record{}, false
	}
	rec, ok, err := s.log.Latest(context.Background(), symbol)
	if err != nil {
		logs.Warnf("latest %s from log, err: %+v", symbol, err)
		return model.Record{}, false
	}
	return rec, ok
}

// GetRecent returns up to count of the most recent cached records of symbol,
// newest first.
func (s *Store) GetRecent(symbol string, count int) []model.Record {
	return s.cache.Recent(symbol, count)
}

// History returns up to limit of the newest records of symbol, newest first.
// The cache answers when it holds enough records; otherwise the log fills in
// what the cache no longer holds. limit <= 0 returns the full history.
func (s *Store) History(ctx context.Context, symbol string, limit int) ([]model.Record, error) {
	if s.closed.Load() {
		return nil, exception.ErrStoreClosed
	}
	if symbol == "" {
		return nil, exception.ErrEmptySymbol
	}
	if limit > 0 {
		if cached := s.cache.Recent(symbol, limit); len(cached) == limit {
			return cached, nil
		}
	}
	cached := s.cache.Recent(symbol, s.cache.Capacity())
	recs, err := s.log.Newest(ctx, symbol, limit)
	if err != nil {
		return nil, readError(ctx, err, "history %s", symbol)
	}
	return mergeNewest(cached, recs, limit), nil
}

// mergeNewest merges two newest-first slices of one symbol, dropping
// duplicate sequences.
func mergeNewest(a, b []model.Record, limit int) []model.Record {
	out := make([]model.Record, 0, len(a)+len(b))
	seen := make(map[uint64]struct{}, len(a)+len(b))
	for _, rec := range slices.Concat(a, b) {
		if _, ok := seen[rec.Sequence]; ok {
			continue
		}
		seen[rec.Sequence] = struct{}{}
		out = append(out, rec)
	}
	slices.SortFunc(out, func(x, y model.Record) int {
		return model.Compare(y, x)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// LatestAll returns the latest record of every symbol the store holds,
// keyed by symbol.
func (s *Store) LatestAll(ctx context.Context) (map[string]model.Record, error) {
	if s.closed.Load() {
		return nil, exception.ErrStoreClosed
	}
	latest := make(map[string]model.Record)
	for _, symbol := range s.cache.Symbols() {
		if rec, ok := s.cache.Latest(symbol); ok {
			latest[symbol] = rec
		}
	}
	symbols, err := s.log.Symbols(ctx)
	if err != nil {
		return latest, readError(ctx, err, "list symbols")
	}
	for _, symbol := range symbols {
		if _, ok := latest[symbol]; ok {
			continue
		}
		rec, ok, err := s.log.Latest(ctx, symbol)
		if err != nil {
			return latest, readError(ctx, err, "latest %s", symbol)
		}
		if ok {
			latest[symbol] = rec
		}
	}
	return latest, nil
}

// RangeQuery returns the durable records of symbol with start <= timestamp
// <= end, oldest first. A zero bound is open and limit <= 0 returns every match.
func (s *Store) RangeQuery(ctx context.Context, symbol string, start, end time.Time, limit int) ([]model.Record, error) {
	if s.closed.Load() {
		return nil, exception.ErrStoreClosed
	}
	if !start.IsZero() && !end.IsZero() && end.Before(start) {
		return []model.Record{}, nil
	}
	recs, err := s.log.RangeQuery(ctx, symbol, start, end, limit)
	if err != nil {
		return nil, readError(ctx, err, "range %s", symbol)
	}
	return recs, nil
}

// Subscribe registers cb for commits of the given symbols, or of every
// symbol when none are given.
func (s *Store) Subscribe(cb bus.Callback, symbols ...string) (Handle, error) {
	if s.closed.Load() {
		return Handle{}, exception.ErrStoreClosed
	}
	return s.bus.Subscribe(cb, symbols...)
}

// Unsubscribe removes a subscription.
func (s *Store) Unsubscribe(handle Handle) error {
	return s.bus.Unsubscribe(handle)
}

// Subscription returns the delivery counters of a subscription.
func (s *Store) Subscription(handle Handle) (bus.SubscriptionStats, error) {
	return s.bus.Stats(handle)
}

// Bars returns the bars retention produced for symbol.
func (s *Store) Bars(ctx context.Context, symbol string, start, end time.Time) ([]model.Bar, error) {
	if s.closed.Load() {
		return nil, exception.ErrStoreClosed
	}
	bars, err := s.log.Bars(ctx, symbol, start, end)
	if err != nil {
		return nil, readError(ctx, err, "bars %s", symbol)
	}
	return bars, nil
}

// Symbols lists every symbol ever committed.
func (s *Store) Symbols(ctx context.Context) ([]string, error) {
	if s.closed.Load() {
		return nil, exception.ErrStoreClosed
	}
	symbols, err := s.log.Symbols(ctx)
	if err != nil {
		return nil, readError(ctx, err, "symbols")
	}
	return symbols, nil
}

// Span returns the time range of the durable records of symbol.
func (s *Store) Span(ctx context.Context, symbol string) (storage.Span, bool, error) {
	if s.closed.Load() {
		return storage.Span{}, false, exception.ErrStoreClosed
	}
	span, ok, err := s.log.Span(ctx, symbol)
	if err != nil {
		return storage.Span{}, false, readError(ctx, err, "span %s", symbol)
	}
	return span, ok, nil
}

// Stats returns store wide counters.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	if s.closed.Load() {
		return Stats{}, exception.ErrStoreClosed
	}
	logStats, err := s.log.Stats(ctx)
	if err != nil {
		return Stats{}, readError(ctx, err, "stats")
	}
	return Stats{
		Log:           logStats,
		CachedRecords: s.cache.Size(),
		CachedSymbols: len(s.cache.Symbols()),
		Subscribers:   s.bus.Len(),
		Metrics:       s.metrics.Snapshot(),
		Health:        s.health.Snapshot(),
	}, nil
}

// Health reports whether the durable log is accepting writes and when the
// last commit happened.
func (s *Store) Health() obs.HealthSnapshot {
	return s.health.Snapshot()
}

// Metrics returns the store metrics, a prometheus.Collector.
func (s *Store) Metrics() *obs.Metrics {
	return s.metrics
}

// Cleanup runs a retention pass now.
func (s *Store) Cleanup(ctx context.Context) (retention.Report, error) {
	if s.closed.Load() {
		return retention.Report{}, exception.ErrStoreClosed
	}
	return s.retention.RunOnce(ctx, time.Now()), nil
}

// Run runs periodic retention until ctx is done.
func (s *Store) Run(ctx context.Context) error {
	if s.closed.Load() {
		return exception.ErrStoreClosed
	}
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return s.retention.Run(ctx)
	})
	return eg.Wait()
}

// Close stops deliveries and releases the durable log. Submissions after
// Close fail with exception.ErrStoreClosed. Subscriber callbacks still
// running after SubscriberCloseWait are abandoned.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.bus.Close()
		var errs []error
		if s.archive != nil {
			if err := s.archive.Close(); err != nil {
				errs = append(errs, errors.Wrap(err, "close archive"))
			}
		}
		if err := s.log.Close(); err != nil {
			errs = append(errs, errors.Wrap(err, "close storage"))
		}
		s.closeErr = errors.Join(errs...)
		logs.Info("store closed")
	})
	return s.closeErr
}

func readError(ctx context.Context, err error, format string, args ...any) error {
	err = errors.Wrapf(err, format, args...)
	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return errors.Mark(err, exception.ErrTimeout)
	}
	return errors.Mark(err, exception.ErrStorageFault)
}
