package ops

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mdstore/pkg/exception"
)

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mdstore.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"storage": {"location": "/var/lib/mdstore/market.db", "vacuum": true},
		"cache": {"sizePerSymbol": 500, "warm": false},
		"bus": {"closeWait": "2s"},
		"retention": {"window": "7d", "cleanupInterval": "15m", "archiveDir": "/var/lib/mdstore/archive"},
		"aggregate": {"enabled": false, "interval": "5m"}
	}`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/mdstore/market.db", cfg.StorageLocation)
	assert.True(t, cfg.Vacuum)
	assert.Equal(t, 500, cfg.CacheSizePerSymbol)
	assert.False(t, cfg.WarmCache)
	assert.Equal(t, 7*24*time.Hour, cfg.RetentionWindow)
	assert.Equal(t, 15*time.Minute, cfg.CleanupInterval)
	assert.Equal(t, "/var/lib/mdstore/archive", cfg.ArchiveDir)
	assert.False(t, cfg.Aggregate)
	assert.Equal(t, 5*time.Minute, cfg.AggregateInterval)
	assert.Equal(t, 2*time.Second, cfg.SubscriberCloseWait)

	// untouched fields keep their defaults
	assert.Equal(t, 24*time.Hour, cfg.MaxPastSkew)
	assert.Equal(t, 1000, cfg.SubscriberQueueSize)
	assert.Equal(t, 30*24*time.Hour, cfg.BarRetention)
}

func TestParseRejectsBadInput(t *testing.T) {
	_, err := Parse([]byte(`{"storage": {"location": "market.db"}, "retention": {"window": "soon"}}`))
	assert.Error(t, err)

	_, err = Parse([]byte(`{"storage": {}}`))
	assert.ErrorIs(t, err, exception.ErrInvalidConfig)

	_, err = Parse([]byte(`{`))
	assert.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestParseDuration(t *testing.T) {
	d, err := ParseDuration("30d")
	require.NoError(t, err)
	assert.Equal(t, 720*time.Hour, d)

	d, err = ParseDuration(" 90s ")
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, d)

	_, err = ParseDuration("xd")
	assert.Error(t, err)
}
