package sequencer

import (
	"context"
	"sync"
	"time"

	"github.com/yanun0323/logs"

	"mdstore/internal/errors"
	"mdstore/internal/model"
	"mdstore/internal/model/enum"
	"mdstore/internal/obs"
	"mdstore/internal/storage"
	"mdstore/internal/validate"
	"mdstore/pkg/exception"
)

// Log is the part of the durable log the sequencer writes through.
type Log interface {
	Append(ctx context.Context, rec model.Record) error
	Head(ctx context.Context, symbol string) (storage.Head, bool, error)
}

// Cache receives every commit in commit order.
type Cache interface {
	OnCommit(rec model.Record)
}

// Publisher fans commits out to subscribers without blocking.
type Publisher interface {
	Publish(rec model.Record)
}

// Commit is the result of an accepted submission.
type Commit struct {
	Sequence uint64
	Record   model.Record
}

// Options configures a Sequencer.
type Options struct {
	Validate validate.Options
	Metrics  *obs.Metrics
	Health   *obs.Health
	Now      func() time.Time
}

// Sequencer serializes commits per symbol. Each symbol has a lane that admits
// one commit at a time; different symbols commit in parallel.
type Sequencer struct {
	log       Log
	cache     Cache
	publisher Publisher
	opts      Options

	mu    sync.Mutex
	lanes map[string]*lane
}

type lane struct {
	sem    chan struct{}
	loaded bool
	last   uint64
	latest time.Time
}

// New creates a sequencer writing to log, then cache, then publisher.
func New(log Log, cache Cache, publisher Publisher, opts Options) *Sequencer {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Sequencer{
		log:       log,
		cache:     cache,
		publisher: publisher,
		opts:      opts,
		lanes:     make(map[string]*lane),
	}
}

// Submit validates candidate, assigns the next sequence of its symbol and
// commits it durably before it becomes visible in the cache or to
// subscribers. A rejected submission has no effect and consumes no sequence.
func (s *Sequencer) Submit(ctx context.Context, candidate model.Record) (Commit, error) {
	start := s.opts.Now()

	// structural checks need no lane
	rec, err := validate.Validate(candidate, time.Time{}, s.opts.Validate)
	if err != nil {
		return Commit{}, s.reject(err)
	}

	l := s.lane(rec.Symbol)
	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return Commit{}, s.timeout(ctx.Err())
	}
	defer func() { <-l.sem }()

	if err := ctx.Err(); err != nil {
		return Commit{}, s.timeout(err)
	}

	if !l.loaded {
		head, _, err := s.log.Head(ctx, rec.Symbol)
		if err != nil {
			if ctx.Err() != nil {
				return Commit{}, s.timeout(err)
			}
			return Commit{}, s.fault(errors.Wrapf(err, "load head of %s", rec.Symbol))
		}
		l.last, l.latest, l.loaded = head.LastSequence, head.LatestTimestamp, true
	}

	if _, err := validate.Validate(rec, l.latest, s.opts.Validate); err != nil {
		return Commit{}, s.reject(err)
	}

	rec.Sequence = l.last + 1
	if err := s.log.Append(ctx, rec); err != nil {
		if ctx.Err() != nil {
			return Commit{}, s.timeout(err)
		}
		return Commit{}, s.fault(errors.Wrapf(err, "append %s seq %d", rec.Symbol, rec.Sequence))
	}

	l.last = rec.Sequence
	if rec.Timestamp.After(l.latest) {
		l.latest = rec.Timestamp
	}
	s.opts.Health.Commit(s.opts.Now())

	if s.cache != nil {
		s.cache.OnCommit(rec)
	}
	if s.publisher != nil {
		s.publisher.Publish(rec)
	}
	s.opts.Metrics.ObserveCommit(s.opts.Now().Sub(start))

	return Commit{Sequence: rec.Sequence, Record: rec.Clone()}, nil
}

// LastSequence returns the last sequence committed through this sequencer
// for symbol, and whether the symbol lane was loaded.
func (s *Sequencer) LastSequence(symbol string) (uint64, bool) {
	s.mu.Lock()
	l, ok := s.lanes[symbol]
	s.mu.Unlock()
	if !ok {
		return 0, false
	}
	l.sem <- struct{}{}
	defer func() { <-l.sem }()
	return l.last, l.loaded
}

func (s *Sequencer) lane(symbol string) *lane {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.lanes[symbol]
	if !ok {
		l = &lane{sem: make(chan struct{}, 1)}
		s.lanes[symbol] = l
	}
	return l
}

func (s *Sequencer) reject(err error) error {
	var verr *validate.Error
	if errors.As(err, &verr) {
		s.opts.Metrics.IncReject(verr.Reason)
	}
	return err
}

func (s *Sequencer) timeout(cause error) error {
	s.opts.Metrics.IncReject(enum.RejectTimeout)
	return errors.Mark(cause, exception.ErrTimeout)
}

func (s *Sequencer) fault(err error) error {
	s.opts.Metrics.IncReject(enum.RejectPersistenceFailure)
	s.opts.Health.Fault(err, s.opts.Now())
	logs.Errorf("durable log rejected commit, err: %+v", err)
	return errors.Mark(err, exception.ErrStorageFault)
}
