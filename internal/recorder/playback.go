package recorder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"mdstore/internal/model"
)

// PlaybackConfig controls archive playback behavior.
type PlaybackConfig struct {
	Dir             string
	FilePrefix      string
	Symbol          string
	Start           time.Time
	End             time.Time
	Speed           float64
	DisableChecksum bool
	MaxPayloadSize  int
}

// Clock allows deterministic playback control.
type Clock interface {
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Playback replays archived records in segment order.
type Playback struct {
	cfg   PlaybackConfig
	clock Clock
}

// NewPlayback validates the config and creates a playback engine.
func NewPlayback(cfg PlaybackConfig) (*Playback, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Playback{cfg: cfg, clock: realClock{}}, nil
}

// WithClock swaps the clock implementation.
func (p *Playback) WithClock(clock Clock) *Playback {
	if clock != nil {
		p.clock = clock
	}
	return p
}

// Run calls handler for every archived record passing the symbol and time
// filters. With Speed > 0 gaps between record timestamps are replayed
// scaled by 1/Speed.
func (p *Playback) Run(ctx context.Context, handler func(model.Record) error) error {
	if handler == nil {
		return errors.New("archive: playback handler is nil")
	}
	files, err := p.collectFiles()
	if err != nil {
		return err
	}

	var prev time.Time
	for _, path := range files {
		if err := p.playFile(ctx, path, handler, &prev); err != nil {
			return err
		}
	}
	return nil
}

// Segments lists the segment files playback would read, in order.
func (p *Playback) Segments() ([]string, error) {
	return p.collectFiles()
}

func (c PlaybackConfig) withDefaults() PlaybackConfig {
	if c.FilePrefix == "" {
		c.FilePrefix = defaultFilePrefix
	}
	return c
}

// Validate checks if the config is usable.
func (c PlaybackConfig) Validate() error {
	if c.Dir == "" {
		return fmt.Errorf("invalid playback config: Dir is empty")
	}
	if c.Speed < 0 {
		return fmt.Errorf("invalid playback config: Speed must be >= 0")
	}
	if c.MaxPayloadSize < 0 {
		return fmt.Errorf("invalid playback config: MaxPayloadSize must be >= 0")
	}
	return nil
}

func (c PlaybackConfig) match(rec model.Record) bool {
	if c.Symbol != "" && rec.Symbol != c.Symbol {
		return false
	}
	if !c.Start.IsZero() && rec.Timestamp.Before(c.Start) {
		return false
	}
	if !c.End.IsZero() && rec.Timestamp.After(c.End) {
		return false
	}
	return true
}

func (p *Playback) collectFiles() ([]string, error) {
	entries, err := os.ReadDir(p.cfg.Dir)
	if err != nil {
		return nil, err
	}
	prefix := p.cfg.FilePrefix + "-"
	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, segmentExt) {
			continue
		}
		files = append(files, filepath.Join(p.cfg.Dir, name))
	}
	sort.Strings(files)
	return files, nil
}

func (p *Playback) playFile(ctx context.Context, path string, handler func(model.Record) error, prev *time.Time) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	reader := NewReader(file, ReaderOptions{
		DisableChecksum: p.cfg.DisableChecksum,
		MaxPayloadSize:  p.cfg.MaxPayloadSize,
	})

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		rec, err := reader.Next()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("read %s: %w", path, err)
		}
		if !p.cfg.match(rec) {
			continue
		}

		if err := p.pace(ctx, rec.Timestamp, prev); err != nil {
			return err
		}
		if err := handler(rec); err != nil {
			return err
		}
	}
}

func (p *Playback) pace(ctx context.Context, current time.Time, prev *time.Time) error {
	if p.cfg.Speed <= 0 || current.IsZero() {
		return nil
	}
	if !prev.IsZero() {
		if delta := current.Sub(*prev); delta > 0 {
			if err := p.clock.Sleep(ctx, time.Duration(float64(delta)/p.cfg.Speed)); err != nil {
				return err
			}
		}
	}
	*prev = current
	return nil
}
