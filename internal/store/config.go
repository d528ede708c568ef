package store

import (
	"fmt"
	"time"

	"mdstore/internal/bus"
	"mdstore/internal/cache"
	"mdstore/internal/errors"
	"mdstore/internal/retention"
	"mdstore/internal/validate"
	"mdstore/pkg/exception"
)

const defaultWarmCacheLookback = 24 * time.Hour

// Config controls a Store. Build it from DefaultConfig so boolean options
// start from their defaults.
type Config struct {
	// StorageLocation is a SQLite file path or a postgres:// URL.
	StorageLocation     string
	CacheSizePerSymbol  int
	RetentionWindow     time.Duration
	CleanupInterval     time.Duration
	MaxPastSkew         time.Duration
	SubscriberQueueSize int
	// SubscriberCloseWait bounds how long Close waits for running
	// subscriber callbacks.
	SubscriberCloseWait time.Duration

	// Aggregate rolls expiring records into bars of AggregateInterval, kept
	// for BarRetention past the raw window.
	Aggregate         bool
	AggregateInterval time.Duration
	BarRetention      time.Duration

	// ArchiveDir, when set, receives expiring raw records as segment files
	// before they are deleted.
	ArchiveDir string
	// Vacuum reclaims disk space after a retention pass that deleted rows.
	Vacuum bool

	// WarmCache seeds the memory cache from the log tail on open.
	WarmCache         bool
	WarmCacheLookback time.Duration
}

// DefaultConfig returns the baseline configuration for location.
func DefaultConfig(location string) Config {
	return Config{
		StorageLocation:     location,
		CacheSizePerSymbol:  cache.DefaultWindow,
		RetentionWindow:     retention.DefaultWindow,
		CleanupInterval:     retention.DefaultInterval,
		MaxPastSkew:         validate.DefaultMaxPastSkew,
		SubscriberQueueSize: bus.DefaultQueueSize,
		SubscriberCloseWait: bus.DefaultCloseWait,
		Aggregate:           true,
		AggregateInterval:   retention.DefaultAggregateInterval,
		BarRetention:        retention.DefaultBarRetention,
		WarmCache:           true,
		WarmCacheLookback:   defaultWarmCacheLookback,
	}
}

func (c Config) withDefaults() Config {
	if c.CacheSizePerSymbol == 0 {
		c.CacheSizePerSymbol = cache.DefaultWindow
	}
	if c.RetentionWindow == 0 {
		c.RetentionWindow = retention.DefaultWindow
	}
	if c.CleanupInterval == 0 {
		c.CleanupInterval = retention.DefaultInterval
	}
	if c.MaxPastSkew == 0 {
		c.MaxPastSkew = validate.DefaultMaxPastSkew
	}
	if c.SubscriberQueueSize == 0 {
		c.SubscriberQueueSize = bus.DefaultQueueSize
	}
	if c.SubscriberCloseWait == 0 {
		c.SubscriberCloseWait = bus.DefaultCloseWait
	}
	if c.AggregateInterval == 0 {
		c.AggregateInterval = retention.DefaultAggregateInterval
	}
	if c.BarRetention == 0 {
		c.BarRetention = retention.DefaultBarRetention
	}
	if c.WarmCacheLookback == 0 {
		c.WarmCacheLookback = defaultWarmCacheLookback
	}
	return c
}

// Validate checks if the configuration is usable.
func (c Config) Validate() error {
	switch {
	case c.StorageLocation == "":
		return invalid("StorageLocation is empty")
	case c.CacheSizePerSymbol < 0:
		return invalid("CacheSizePerSymbol must be > 0")
	case c.RetentionWindow < 0:
		return invalid("RetentionWindow must be > 0")
	case c.CleanupInterval < 0:
		return invalid("CleanupInterval must be > 0")
	case c.MaxPastSkew < 0:
		return invalid("MaxPastSkew must be > 0")
	case c.SubscriberQueueSize < 0:
		return invalid("SubscriberQueueSize must be > 0")
	case c.SubscriberCloseWait < 0:
		return invalid("SubscriberCloseWait must be > 0")
	case c.AggregateInterval < 0:
		return invalid("AggregateInterval must be > 0")
	case c.BarRetention < 0:
		return invalid("BarRetention must be > 0")
	case c.WarmCacheLookback < 0:
		return invalid("WarmCacheLookback must be > 0")
	}
	if c.AggregateInterval > 0 && c.RetentionWindow > 0 && c.AggregateInterval > c.RetentionWindow {
		return invalid(fmt.Sprintf("AggregateInterval %s exceeds RetentionWindow %s", c.AggregateInterval, c.RetentionWindow))
	}
	return nil
}

func invalid(msg string) error {
	return errors.Mark(errors.New(msg), exception.ErrInvalidConfig)
}
