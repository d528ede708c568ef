package ops

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/yanun0323/errors"

	"mdstore/internal/store"
)

// FileConfig mirrors the JSON config layout. Durations are strings such as
// "90s", "12h" or "30d"; omitted fields keep their defaults.
type FileConfig struct {
	Storage    StorageConfig    `json:"storage"`
	Cache      CacheConfig      `json:"cache"`
	Validation ValidationConfig `json:"validation"`
	Bus        BusConfig        `json:"bus"`
	Retention  RetentionConfig  `json:"retention"`
	Aggregate  AggregateConfig  `json:"aggregate"`
}

// StorageConfig locates the durable log.
type StorageConfig struct {
	Location string `json:"location"`
	Vacuum   *bool  `json:"vacuum"`
}

// CacheConfig sizes the memory cache.
type CacheConfig struct {
	SizePerSymbol int    `json:"sizePerSymbol"`
	Warm          *bool  `json:"warm"`
	WarmLookback  string `json:"warmLookback"`
}

// ValidationConfig bounds accepted records.
type ValidationConfig struct {
	MaxPastSkew string `json:"maxPastSkew"`
}

// BusConfig sizes subscriber queues.
type BusConfig struct {
	QueueSize int    `json:"queueSize"`
	CloseWait string `json:"closeWait"`
}

// RetentionConfig controls raw record expiry.
type RetentionConfig struct {
	Window          string `json:"window"`
	CleanupInterval string `json:"cleanupInterval"`
	ArchiveDir      string `json:"archiveDir"`
}

// AggregateConfig controls bar production during retention.
type AggregateConfig struct {
	Enabled      *bool  `json:"enabled"`
	Interval     string `json:"interval"`
	BarRetention string `json:"barRetention"`
}

// Load reads a JSON config file into a store configuration.
func Load(path string) (store.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return store.Config{}, errors.Wrap(err, "read config")
	}
	return Parse(data)
}

// Parse decodes a JSON config document into a store configuration.
func Parse(data []byte) (store.Config, error) {
	var file FileConfig
	if err := sonic.ConfigStd.Unmarshal(data, &file); err != nil {
		return store.Config{}, errors.Wrap(err, "decode config")
	}
	return Resolve(file)
}

// Resolve applies file over the store defaults.
func Resolve(file FileConfig) (store.Config, error) {
	cfg := store.DefaultConfig(strings.TrimSpace(file.Storage.Location))
	if file.Storage.Vacuum != nil {
		cfg.Vacuum = *file.Storage.Vacuum
	}
	if file.Cache.SizePerSymbol != 0 {
		cfg.CacheSizePerSymbol = file.Cache.SizePerSymbol
	}
	if file.Cache.Warm != nil {
		cfg.WarmCache = *file.Cache.Warm
	}
	if file.Bus.QueueSize != 0 {
		cfg.SubscriberQueueSize = file.Bus.QueueSize
	}
	if file.Aggregate.Enabled != nil {
		cfg.Aggregate = *file.Aggregate.Enabled
	}
	cfg.ArchiveDir = strings.TrimSpace(file.Retention.ArchiveDir)

	for _, d := range []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{"cache.warmLookback", file.Cache.WarmLookback, &cfg.WarmCacheLookback},
		{"validation.maxPastSkew", file.Validation.MaxPastSkew, &cfg.MaxPastSkew},
		{"bus.closeWait", file.Bus.CloseWait, &cfg.SubscriberCloseWait},
		{"retention.window", file.Retention.Window, &cfg.RetentionWindow},
		{"retention.cleanupInterval", file.Retention.CleanupInterval, &cfg.CleanupInterval},
		{"aggregate.interval", file.Aggregate.Interval, &cfg.AggregateInterval},
		{"aggregate.barRetention", file.Aggregate.BarRetention, &cfg.BarRetention},
	} {
		if d.value == "" {
			continue
		}
		v, err := ParseDuration(d.value)
		if err != nil {
			return store.Config{}, errors.Wrap(err, "parse duration").With("field", d.name)
		}
		*d.dst = v
	}

	if err := cfg.Validate(); err != nil {
		return store.Config{}, err
	}
	return cfg, nil
}

// ParseDuration accepts time.ParseDuration input plus a whole number of
// days with a "d" suffix.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}
