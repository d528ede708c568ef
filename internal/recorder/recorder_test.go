package recorder

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mdstore/internal/model"
)

var base = time.Date(2025, 8, 1, 13, 30, 0, 123456789, time.UTC)

func sample(symbol string, seq uint64) model.Record {
	return model.Record{
		Symbol:     symbol,
		Timestamp:  base.Add(time.Duration(seq) * time.Second),
		Sequence:   seq,
		Price:      model.Float(23000.25 + float64(seq)),
		Bid:        model.Float(23000),
		Ask:        model.Float(23000.5),
		Volume:     model.Float(3),
		TradeCount: model.Int(7),
		Source:     "feed",
	}
}

type fakeClock struct {
	slept []time.Duration
}

func (c *fakeClock) Sleep(_ context.Context, d time.Duration) error {
	c.slept = append(c.slept, d)
	return nil
}

func TestArchiveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(Config{Dir: dir, SegmentMaxBytes: 256})
	require.NoError(t, err)
	require.NoError(t, w.Start(t.Context()))

	var want []model.Record
	for i := uint64(1); i <= 10; i++ {
		symbol := "NQU25"
		if i%2 == 0 {
			symbol = "ESU25"
		}
		rec := sample(symbol, i)
		want = append(want, rec)
		require.NoError(t, w.Append(t.Context(), rec))
	}
	require.NoError(t, w.Sync(t.Context()))
	require.NoError(t, w.Close())
	assert.EqualValues(t, 10, w.Written())
	assert.ErrorIs(t, w.TryAppend(sample("NQU25", 11)), ErrClosed)

	p, err := NewPlayback(PlaybackConfig{Dir: dir})
	require.NoError(t, err)
	segments, err := p.Segments()
	require.NoError(t, err)
	assert.Greater(t, len(segments), 1, "small segments rotate")

	var got []model.Record
	require.NoError(t, p.Run(t.Context(), func(rec model.Record) error {
		got = append(got, rec)
		return nil
	}))
	require.Len(t, got, len(want))
	for i := range want {
		assert.Equal(t, want[i].Symbol, got[i].Symbol)
		assert.Equal(t, want[i].Sequence, got[i].Sequence)
		assert.True(t, want[i].Timestamp.Equal(got[i].Timestamp))
		assert.Equal(t, *want[i].Price, *got[i].Price)
		assert.Equal(t, *want[i].TradeCount, *got[i].TradeCount)
		assert.Nil(t, got[i].AskSize)
		assert.Equal(t, "feed", got[i].Source)
	}
}

func TestPlaybackFiltersAndPaces(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(DefaultConfig(dir))
	require.NoError(t, err)
	require.NoError(t, w.Start(t.Context()))
	for i := uint64(1); i <= 6; i++ {
		symbol := "NQU25"
		if i%2 == 0 {
			symbol = "ESU25"
		}
		require.NoError(t, w.TryAppend(sample(symbol, i)))
	}
	require.NoError(t, w.Close())

	clock := &fakeClock{}
	p, err := NewPlayback(PlaybackConfig{Dir: dir, Symbol: "ESU25", End: base.Add(4 * time.Second), Speed: 2})
	require.NoError(t, err)
	p.WithClock(clock)

	var seqs []uint64
	require.NoError(t, p.Run(t.Context(), func(rec model.Record) error {
		seqs = append(seqs, rec.Sequence)
		return nil
	}))
	assert.Equal(t, []uint64{2, 4}, seqs)
	assert.Equal(t, []time.Duration{time.Second}, clock.slept)
}

func TestReaderDetectsCorruption(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(DefaultConfig(dir))
	require.NoError(t, err)
	require.NoError(t, w.Start(t.Context()))
	require.NoError(t, w.Append(t.Context(), sample("NQU25", 1)))
	require.NoError(t, w.Close())

	p, err := NewPlayback(PlaybackConfig{Dir: dir})
	require.NoError(t, err)
	segments, err := p.Segments()
	require.NoError(t, err)
	require.Len(t, segments, 1)

	data, err := os.ReadFile(segments[0])
	require.NoError(t, err)
	data[recordHeaderSize] ^= 0xff

	_, err = NewReader(bytes.NewReader(data), ReaderOptions{}).Next()
	assert.ErrorIs(t, err, ErrChecksumMismatch)

	data[0] = 'X'
	_, err = NewReader(bytes.NewReader(data), ReaderOptions{}).Next()
	assert.ErrorIs(t, err, ErrInvalidMagic)
}

func TestWriterRequiresStart(t *testing.T) {
	w, err := NewWriter(DefaultConfig(filepath.Join(t.TempDir(), "archive")))
	require.NoError(t, err)
	assert.ErrorIs(t, w.TryAppend(sample("NQU25", 1)), ErrNotStarted)

	_, err = NewWriter(Config{})
	assert.Error(t, err)
}
