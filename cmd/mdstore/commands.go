package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/bytedance/sonic"
	"github.com/dustin/go-humanize"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"mdstore/internal/model"
	"mdstore/internal/recorder"
)

type cleanupCmd struct{}

func (cmd *cleanupCmd) Execute([]string) error {
	ctx := context.Background()
	s, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	report, err := s.Cleanup(ctx)
	if err != nil {
		return errors.Wrap(err, "cleanup")
	}
	fmt.Printf("cutoff %s: removed %s records, wrote %d bars, archived %s, dropped %d bars, %d failures in %s\n",
		report.Cutoff.Format(time.RFC3339),
		humanize.Comma(report.Deleted),
		report.Bars,
		humanize.Comma(report.Archived),
		report.BarsDeleted,
		len(report.Failures),
		report.Duration.Round(time.Millisecond),
	)
	for _, f := range report.Failures {
		fmt.Printf("  %s: %v\n", f.Symbol, f.Err)
	}
	return nil
}

type statsCmd struct {
	JSON bool `long:"json" description:"Print the full statistics as JSON"`
}

func (cmd *statsCmd) Execute([]string) error {
	ctx := context.Background()
	s, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	stats, err := s.Stats(ctx)
	if err != nil {
		return errors.Wrap(err, "stats")
	}
	if cmd.JSON {
		body, err := sonic.ConfigStd.MarshalIndent(stats, "", "  ")
		if err != nil {
			return errors.Wrap(err, "encode stats")
		}
		_, err = os.Stdout.Write(append(body, '\n'))
		return err
	}

	fmt.Printf("records %s, symbols %d, bars %s, size %s\n",
		humanize.Comma(stats.Log.Records),
		stats.Log.Symbols,
		humanize.Comma(stats.Log.Bars),
		humanize.IBytes(uint64(max(stats.Log.SizeBytes, 0))),
	)
	symbols, err := s.Symbols(ctx)
	if err != nil {
		return errors.Wrap(err, "symbols")
	}
	for _, symbol := range symbols {
		span, ok, err := s.Span(ctx, symbol)
		if err != nil {
			return errors.Wrap(err, "span").With("symbol", symbol)
		}
		if !ok {
			fmt.Printf("  %-16s no raw records\n", symbol)
			continue
		}
		fmt.Printf("  %-16s %10s records  %s .. %s\n", symbol, humanize.Comma(span.Records),
			span.Oldest.Format(time.RFC3339), span.Newest.Format(time.RFC3339))
	}
	return nil
}

type replayCmd struct {
	Dir    string  `long:"dir" required:"true" description:"Archive directory to read segments from"`
	Symbol string  `long:"symbol" description:"Only print this symbol"`
	Speed  float64 `long:"speed" default:"0" description:"Replay speed relative to record timestamps, 0 prints as fast as possible"`
}

func (cmd *replayCmd) Execute([]string) error {
	printed, err := cmd.run(context.Background(), os.Stdout)
	if err != nil {
		return err
	}
	logs.Infof("replay done, printed %s records", humanize.Comma(printed))
	return nil
}

// run writes archived records to out as JSON lines in archive order.
func (cmd *replayCmd) run(ctx context.Context, out io.Writer) (int64, error) {
	playback, err := recorder.NewPlayback(recorder.PlaybackConfig{
		Dir:    cmd.Dir,
		Symbol: cmd.Symbol,
		Speed:  cmd.Speed,
	})
	if err != nil {
		return 0, errors.Wrap(err, "open archive").With("dir", cmd.Dir)
	}

	var printed int64
	err = playback.Run(ctx, func(rec model.Record) error {
		line, err := sonic.ConfigStd.Marshal(rec)
		if err != nil {
			return err
		}
		if _, err := out.Write(append(line, '\n')); err != nil {
			return err
		}
		printed++
		return nil
	})
	if err != nil {
		return printed, errors.Wrap(err, "replay")
	}
	return printed, nil
}
