package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"mdstore/internal/model"
	"mdstore/internal/model/enum"
	"mdstore/internal/recorder"
	"mdstore/internal/storage"
	"mdstore/pkg/exception"
)

const symbol = "NQU25-CME"

func testConfig(t *testing.T) Config {
	t.Helper()
	return DefaultConfig(filepath.Join(t.TempDir(), "market.db"))
}

func openStore(t *testing.T, cfg Config) *Store {
	t.Helper()
	s, err := Open(t.Context(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func quote(ts time.Time, price float64) model.Record {
	return model.Record{
		Symbol:    symbol,
		Timestamp: ts,
		Price:     model.Float(price),
		Bid:       model.Float(price - 0.25),
		Ask:       model.Float(price + 0.25),
	}
}

// faultyLog fails appends while fail is set.
type faultyLog struct {
	*storage.DB
	fail atomic.Bool
}

func (f *faultyLog) Append(ctx context.Context, rec model.Record) error {
	if f.fail.Load() {
		return errors.New("disk I/O error")
	}
	return f.DB.Append(ctx, rec)
}

func TestExampleScenario(t *testing.T) {
	cfg := testConfig(t)
	cfg.RetentionWindow = 24 * time.Hour
	s := openStore(t, cfg)
	ctx := t.Context()

	t0 := time.Now().UTC().Add(-time.Hour).Truncate(time.Millisecond)
	first := model.Record{
		Symbol:    symbol,
		Timestamp: t0,
		Price:     model.Float(5012.25),
		Bid:       model.Float(5012.00),
		Ask:       model.Float(5012.50),
	}
	c, err := s.Submit(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), c.Sequence)

	latest, ok := s.GetLatest(symbol)
	require.True(t, ok)
	assert.Equal(t, 5012.25, *latest.Price)
	assert.Equal(t, 5012.00, *latest.Bid)
	assert.Equal(t, 5012.50, *latest.Ask)
	assert.True(t, latest.Timestamp.Equal(t0))

	for i := 1; i <= 1200; i++ {
		_, err := s.Submit(ctx, quote(t0.Add(time.Duration(i)*time.Millisecond), 5012.25+float64(i)/4))
		require.NoError(t, err)
	}

	recent := s.GetRecent(symbol, 1000)
	require.Len(t, recent, 1000)
	assert.Equal(t, uint64(1201), recent[0].Sequence)
	assert.Equal(t, uint64(202), recent[999].Sequence)

	all, err := s.RangeQuery(ctx, symbol, t0, time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, all, 1201)
	for i := range all {
		assert.Equal(t, uint64(i+1), all[i].Sequence)
	}

	head, err := s.RangeQuery(ctx, symbol, t0, time.Time{}, 10)
	require.NoError(t, err)
	require.Len(t, head, 10)
	assert.Equal(t, uint64(10), head[9].Sequence)

	got := make(chan model.Record, 4)
	h, err := s.Subscribe(func(rec model.Record) { got <- rec }, symbol)
	require.NoError(t, err)
	c, err = s.Submit(ctx, quote(t0.Add(2*time.Second), 5100))
	require.NoError(t, err)
	select {
	case rec := <-got:
		assert.Equal(t, c.Sequence, rec.Sequence)
		assert.Equal(t, 5100.0, *rec.Price)
	case <-time.After(time.Second):
		t.Fatal("subscriber not notified")
	}
	select {
	case rec := <-got:
		t.Fatalf("unexpected second notification %d", rec.Sequence)
	case <-time.After(50 * time.Millisecond):
	}
	require.NoError(t, s.Unsubscribe(h))

	other := "ESU25-CME"
	now := time.Now().UTC()
	_, err = s.Submit(ctx, model.Record{Symbol: other, Timestamp: now.Add(-48 * time.Hour), Price: model.Float(1)})
	require.NoError(t, err)
	_, err = s.Submit(ctx, model.Record{Symbol: other, Timestamp: now, Price: model.Float(2)})
	require.NoError(t, err)

	report, err := s.Cleanup(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Failures)
	assert.EqualValues(t, 1, report.Deleted)

	left, err := s.RangeQuery(ctx, other, time.Time{}, time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.True(t, left[0].Timestamp.Equal(now))

	bars, err := s.Bars(ctx, other, time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Len(t, bars, 1)
}

func TestConcurrentProducersCommitInOrder(t *testing.T) {
	s := openStore(t, testConfig(t))
	base := time.Now().UTC().Add(-time.Minute)

	const producers, perProducer = 6, 40
	var eg errgroup.Group
	for p := range producers {
		eg.Go(func() error {
			for i := range perProducer {
				ts := base.Add(time.Duration(p*perProducer+i) * time.Microsecond)
				if _, err := s.Submit(t.Context(), quote(ts, 100)); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, eg.Wait())

	all, err := s.RangeQuery(t.Context(), symbol, time.Time{}, time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, all, producers*perProducer)

	seen := make(map[uint64]bool, len(all))
	for i, rec := range all {
		seen[rec.Sequence] = true
		if i > 0 {
			assert.Negative(t, model.Compare(all[i-1], rec))
		}
	}
	for seq := uint64(1); seq <= producers*perProducer; seq++ {
		assert.True(t, seen[seq], "sequence %d missing", seq)
	}

	recent := s.GetRecent(symbol, 10)
	for i := 1; i < len(recent); i++ {
		assert.Positive(t, model.Compare(recent[i-1], recent[i]))
	}
}

func TestStorageFaultLeavesNoTrace(t *testing.T) {
	cfg := testConfig(t).withDefaults()
	db, err := storage.Open(cfg.StorageLocation)
	require.NoError(t, err)
	log := &faultyLog{DB: db}
	s, err := New(cfg, log)
	require.NoError(t, err)
	defer s.Close()

	ts := time.Now().UTC()
	_, err = s.Submit(t.Context(), quote(ts, 100))
	require.NoError(t, err)

	log.fail.Store(true)
	_, err = s.Submit(t.Context(), quote(ts.Add(time.Second), 101))
	require.ErrorIs(t, err, exception.ErrStorageFault)

	latest, ok := s.GetLatest(symbol)
	require.True(t, ok)
	assert.Equal(t, 100.0, *latest.Price)
	all, err := s.RangeQuery(t.Context(), symbol, time.Time{}, time.Time{}, 0)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	health := s.Health()
	assert.Equal(t, enum.HealthDegraded, health.Status)
	assert.Contains(t, health.LastError, "disk I/O error")

	log.fail.Store(false)
	c, err := s.Submit(t.Context(), quote(ts.Add(2*time.Second), 102))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), c.Sequence)
	assert.Equal(t, enum.HealthOK, s.Health().Status)
}

func TestSubscriberIsolation(t *testing.T) {
	cfg := testConfig(t)
	cfg.SubscriberQueueSize = 8
	s := openStore(t, cfg)

	block := make(chan struct{})
	defer close(block)
	_, err := s.Subscribe(func(model.Record) { <-block })
	require.NoError(t, err)
	_, err = s.Subscribe(func(model.Record) { panic("consumer bug") })
	require.NoError(t, err)

	var mu sync.Mutex
	var seqs []uint64
	_, err = s.Subscribe(func(rec model.Record) {
		mu.Lock()
		seqs = append(seqs, rec.Sequence)
		mu.Unlock()
	})
	require.NoError(t, err)

	ts := time.Now().UTC()
	for i := range 50 {
		started := time.Now()
		_, err := s.Submit(t.Context(), quote(ts.Add(time.Duration(i)*time.Millisecond), 100))
		require.NoError(t, err)
		assert.Less(t, time.Since(started), time.Second)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seqs) == 50
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	for i, seq := range seqs {
		assert.Equal(t, uint64(i+1), seq)
	}
	mu.Unlock()

	stats, err := s.Stats(t.Context())
	require.NoError(t, err)
	assert.Positive(t, stats.Metrics.SubscriberDrops)
	assert.Positive(t, stats.Metrics.DeliveryFailures)
	assert.Equal(t, 3, stats.Subscribers)
}

func TestTimeoutHasNoEffect(t *testing.T) {
	s := openStore(t, testConfig(t))

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	_, err := s.Submit(ctx, quote(time.Now().UTC(), 100))
	require.ErrorIs(t, err, exception.ErrTimeout)

	_, ok := s.GetLatest(symbol)
	assert.False(t, ok)
	all, err := s.RangeQuery(t.Context(), symbol, time.Time{}, time.Time{}, 0)
	require.NoError(t, err)
	assert.Empty(t, all)

	_, err = s.RangeQuery(ctx, symbol, time.Time{}, time.Time{}, 0)
	assert.ErrorIs(t, err, exception.ErrTimeout)
}

func TestSequenceAndCacheSurviveReopen(t *testing.T) {
	cfg := testConfig(t)
	ts := time.Now().UTC().Add(-time.Minute)

	s, err := Open(t.Context(), cfg)
	require.NoError(t, err)
	for i := range 5 {
		_, err := s.Submit(t.Context(), quote(ts.Add(time.Duration(i)*time.Second), 100+float64(i)))
		require.NoError(t, err)
	}
	require.NoError(t, s.Close())

	_, err = s.Submit(t.Context(), quote(ts, 1))
	assert.ErrorIs(t, err, exception.ErrStoreClosed)

	s = openStore(t, cfg)
	latest, ok := s.GetLatest(symbol)
	require.True(t, ok)
	assert.Equal(t, uint64(5), latest.Sequence)
	assert.Len(t, s.GetRecent(symbol, 10), 5)

	c, err := s.Submit(t.Context(), quote(ts.Add(10*time.Second), 110))
	require.NoError(t, err)
	assert.Equal(t, uint64(6), c.Sequence)

	symbols, err := s.Symbols(t.Context())
	require.NoError(t, err)
	assert.Equal(t, []string{symbol}, symbols)

	span, ok, err := s.Span(t.Context(), symbol)
	require.NoError(t, err)
	require.True(t, ok)
	assert.EqualValues(t, 6, span.Records)
}

func TestColdCacheFallsBackToLog(t *testing.T) {
	cfg := testConfig(t)
	s, err := Open(t.Context(), cfg)
	require.NoError(t, err)
	_, err = s.Submit(t.Context(), quote(time.Now().UTC(), 100))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	cfg.WarmCache = false
	s = openStore(t, cfg)
	assert.Empty(t, s.GetRecent(symbol, 10))
	latest, ok := s.GetLatest(symbol)
	require.True(t, ok)
	assert.Equal(t, uint64(1), latest.Sequence)
}

func TestHistoryFillsFromLog(t *testing.T) {
	cfg := testConfig(t)
	cfg.CacheSizePerSymbol = 3
	s, err := Open(t.Context(), cfg)
	require.NoError(t, err)

	ts := time.Now().UTC().Add(-time.Minute)
	for i := range 5 {
		_, err := s.Submit(t.Context(), quote(ts.Add(time.Duration(i)*time.Second), 100+float64(i)))
		require.NoError(t, err)
	}

	seqs := func(recs []model.Record) []uint64 {
		out := make([]uint64, 0, len(recs))
		for _, rec := range recs {
			out = append(out, rec.Sequence)
		}
		return out
	}

	got, err := s.History(t.Context(), symbol, 3)
	require.NoError(t, err)
	assert.Equal(t, []uint64{5, 4, 3}, seqs(got))

	got, err = s.History(t.Context(), symbol, 10)
	require.NoError(t, err)
	assert.Equal(t, []uint64{5, 4, 3, 2, 1}, seqs(got), "records evicted from the cache come from the log")

	got, err = s.History(t.Context(), symbol, 0)
	require.NoError(t, err)
	assert.Len(t, got, 5)
	require.NoError(t, s.Close())

	cfg.WarmCache = false
	s = openStore(t, cfg)
	assert.Empty(t, s.GetRecent(symbol, 2))
	got, err = s.History(t.Context(), symbol, 2)
	require.NoError(t, err)
	assert.Equal(t, []uint64{5, 4}, seqs(got))

	got, err = s.History(t.Context(), "CLZ25", 2)
	require.NoError(t, err)
	assert.Empty(t, got)
	_, err = s.History(t.Context(), "", 2)
	assert.ErrorIs(t, err, exception.ErrEmptySymbol)
}

func TestLatestAllCoversCachedAndStoredSymbols(t *testing.T) {
	cfg := testConfig(t)
	s, err := Open(t.Context(), cfg)
	require.NoError(t, err)
	ts := time.Now().UTC()
	_, err = s.Submit(t.Context(), quote(ts, 100))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	cfg.WarmCache = false
	s = openStore(t, cfg)
	es := quote(ts, 6400)
	es.Symbol = "ESU25"
	_, err = s.Submit(t.Context(), es)
	require.NoError(t, err)

	latest, err := s.LatestAll(t.Context())
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, 100.0, *latest[symbol].Price)
	assert.Equal(t, 6400.0, *latest["ESU25"].Price)
}

func TestFarFutureTimestampIsRejected(t *testing.T) {
	s := openStore(t, testConfig(t))

	_, err := s.Submit(t.Context(), quote(time.Date(2300, 1, 1, 0, 0, 0, 0, time.UTC), 100))
	assert.ErrorIs(t, err, exception.ErrValidation)

	_, ok := s.GetLatest(symbol)
	assert.False(t, ok)
	all, err := s.RangeQuery(t.Context(), symbol, time.Time{}, time.Time{}, 0)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestCloseAbandonsStuckSubscriber(t *testing.T) {
	cfg := testConfig(t)
	cfg.SubscriberCloseWait = 50 * time.Millisecond
	s, err := Open(t.Context(), cfg)
	require.NoError(t, err)

	release := make(chan struct{})
	entered := make(chan struct{})
	var once sync.Once
	_, err = s.Subscribe(func(model.Record) {
		once.Do(func() { close(entered) })
		<-release
	})
	require.NoError(t, err)
	t.Cleanup(func() { close(release) })

	_, err = s.Submit(t.Context(), quote(time.Now().UTC(), 100))
	require.NoError(t, err)
	<-entered

	closed := make(chan error, 1)
	go func() { closed <- s.Close() }()
	select {
	case err := <-closed:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("close blocked on a stuck subscriber callback")
	}
}

func TestCleanupArchivesExpiredRecords(t *testing.T) {
	cfg := testConfig(t)
	cfg.RetentionWindow = time.Hour
	cfg.ArchiveDir = filepath.Join(t.TempDir(), "archive")
	s := openStore(t, cfg)

	now := time.Now().UTC()
	_, err := s.Submit(t.Context(), quote(now.Add(-2*time.Hour), 100))
	require.NoError(t, err)
	_, err = s.Submit(t.Context(), quote(now, 101))
	require.NoError(t, err)

	report, err := s.Cleanup(t.Context())
	require.NoError(t, err)
	assert.EqualValues(t, 1, report.Archived)
	require.NoError(t, s.Close())

	p, err := recorder.NewPlayback(recorder.PlaybackConfig{Dir: cfg.ArchiveDir})
	require.NoError(t, err)
	var archived []model.Record
	require.NoError(t, p.Run(t.Context(), func(rec model.Record) error {
		archived = append(archived, rec)
		return nil
	}))
	require.Len(t, archived, 1)
	assert.Equal(t, 100.0, *archived[0].Price)
}

func TestRejections(t *testing.T) {
	s := openStore(t, testConfig(t))

	_, err := s.Submit(t.Context(), model.Record{Timestamp: time.Now()})
	assert.ErrorIs(t, err, exception.ErrValidation)
	_, err = s.Submit(t.Context(), model.Record{Symbol: symbol})
	assert.ErrorIs(t, err, exception.ErrValidation)

	_, err = s.Subscribe(nil)
	assert.ErrorIs(t, err, exception.ErrNilCallback)

	empty, err := s.RangeQuery(t.Context(), symbol, time.Now(), time.Now().Add(-time.Hour), 0)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestConfigValidation(t *testing.T) {
	assert.ErrorIs(t, Config{}.Validate(), exception.ErrInvalidConfig)

	cfg := DefaultConfig("market.db")
	require.NoError(t, cfg.Validate())
	assert.True(t, cfg.Aggregate)
	assert.True(t, cfg.WarmCache)

	cfg.CacheSizePerSymbol = -1
	assert.ErrorIs(t, cfg.Validate(), exception.ErrInvalidConfig)

	cfg = DefaultConfig("market.db")
	cfg.AggregateInterval = 48 * time.Hour
	cfg.RetentionWindow = 24 * time.Hour
	assert.ErrorIs(t, cfg.Validate(), exception.ErrInvalidConfig)

	filled := Config{StorageLocation: "market.db"}.withDefaults()
	assert.Equal(t, 1000, filled.CacheSizePerSymbol)
	assert.Equal(t, 30*24*time.Hour, filled.RetentionWindow)
	assert.Equal(t, time.Hour, filled.CleanupInterval)

	_, err := New(cfg, nil)
	assert.ErrorIs(t, err, exception.ErrNilLog)
}
