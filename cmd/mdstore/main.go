package main

import (
	"context"
	"os"
	"strings"

	"github.com/jessevdk/go-flags"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"mdstore/internal/ops"
	"mdstore/internal/store"
)

const longDescription = `mdstore keeps one feed of market data ticks durable, cached and
fanned out to in-process subscribers. Configuration comes from a JSON file
and may be overridden by flags or MDSTORE_* environment variables.`

type globalOptions struct {
	Config  string `long:"config" short:"c" env:"MDSTORE_CONFIG" description:"JSON config file"`
	Storage string `long:"storage" env:"MDSTORE_STORAGE" description:"SQLite file path or postgres:// URL, overrides the config file"`
	Archive string `long:"archive" env:"MDSTORE_ARCHIVE" description:"Archive directory for expired records, overrides the config file"`
}

var global globalOptions

func main() {
	parser := flags.NewParser(&global, flags.Default)
	parser.LongDescription = longDescription

	mustAddCommand(parser, "serve", "Run the store daemon", "Open the store, run retention and serve /metrics, /healthz and /stats.", &serveCmd{})
	mustAddCommand(parser, "cleanup", "Run one retention pass", "Open the store, run a single retention pass and print its report.", &cleanupCmd{})
	mustAddCommand(parser, "stats", "Print store statistics", "Open the store and print record, symbol and bar counts.", &statsCmd{})
	mustAddCommand(parser, "replay", "Print archived records", "Read archive segments and print their records as JSON lines, optionally paced at the recorded rate.", &replayCmd{})

	if _, err := parser.Parse(); err != nil {
		if flags.WroteHelp(err) {
			return
		}
		os.Exit(1)
	}
}

func mustAddCommand(parser *flags.Parser, name, short, long string, data any) {
	if _, err := parser.AddCommand(name, short, long, data); err != nil {
		logs.Errorf("add command %s, err: %+v", name, err)
		os.Exit(1)
	}
}

// loadConfig resolves the store configuration from the config file and
// global overrides.
func loadConfig() (store.Config, error) {
	cfg := store.DefaultConfig("")
	if path := strings.TrimSpace(global.Config); path != "" {
		loaded, err := ops.Load(path)
		if err != nil {
			return store.Config{}, errors.Wrap(err, "load config").With("path", path)
		}
		cfg = loaded
	}
	if global.Storage != "" {
		cfg.StorageLocation = strings.TrimSpace(global.Storage)
	}
	if global.Archive != "" {
		cfg.ArchiveDir = strings.TrimSpace(global.Archive)
	}
	if err := cfg.Validate(); err != nil {
		return store.Config{}, err
	}
	return cfg, nil
}

func openStore(ctx context.Context) (*store.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	s, err := store.Open(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "open store")
	}
	return s, nil
}
