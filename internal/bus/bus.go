package bus

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/yanun0323/logs"

	"mdstore/internal/model"
	"mdstore/internal/obs"
	"mdstore/pkg/exception"
)

// DefaultQueueSize is the per-subscriber queue capacity when none is given.
const DefaultQueueSize = 1000

// DefaultCloseWait bounds how long Close waits for running callbacks.
const DefaultCloseWait = 5 * time.Second

// Handle identifies a subscription.
type Handle = uuid.UUID

// Callback receives committed records. It runs on the subscription's own
// goroutine and may block without affecting the writer or other subscribers.
type Callback func(rec model.Record)

// SubscriptionStats reports the delivery counters of one subscription.
type SubscriptionStats struct {
	Symbols   []string `json:"symbols,omitempty"`
	Delivered uint64   `json:"delivered"`
	Dropped   uint64   `json:"dropped"`
	Failed    uint64   `json:"failed"`
	Pending   int      `json:"pending"`
}

// Bus fans committed records out to subscribers. Each subscriber has its own
// bounded queue and delivery goroutine.
type Bus struct {
	mu        sync.RWMutex
	subs      map[Handle]*subscriber
	queueSize int
	metrics   *obs.Metrics
	closed    bool
	closeWait time.Duration
	wg        sync.WaitGroup
	running   atomic.Int64
}

// New creates a bus whose subscribers queue up to queueSize notifications.
func New(queueSize int, metrics *obs.Metrics) *Bus {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Bus{
		subs:      make(map[Handle]*subscriber),
		queueSize: queueSize,
		metrics:   metrics,
		closeWait: DefaultCloseWait,
	}
}

// WithCloseWait sets how long Close waits for running callbacks.
func (b *Bus) WithCloseWait(d time.Duration) *Bus {
	if d > 0 {
		b.closeWait = d
	}
	return b
}

// Subscribe registers cb for the given symbols, or for every symbol when none
// are given.
func (b *Bus) Subscribe(cb Callback, symbols ...string) (Handle, error) {
	if cb == nil {
		return uuid.Nil, exception.ErrNilCallback
	}

	s := &subscriber{
		handle:  uuid.New(),
		cb:      cb,
		queue:   NewQueue(b.queueSize),
		metrics: b.metrics,
	}
	if len(symbols) != 0 {
		s.symbols = make(map[string]struct{}, len(symbols))
		for _, symbol := range symbols {
			s.symbols[symbol] = struct{}{}
		}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return uuid.Nil, exception.ErrBusClosed
	}
	b.subs[s.handle] = s
	b.wg.Add(1)
	b.running.Add(1)
	b.mu.Unlock()

	go func() {
		defer b.wg.Done()
		defer b.running.Add(-1)
		s.queue.Run(s.deliver)
	}()
	return s.handle, nil
}

// Unsubscribe removes a subscription and discards its pending notifications.
// A callback already running finishes normally.
func (b *Bus) Unsubscribe(handle Handle) error {
	b.mu.Lock()
	s, ok := b.subs[handle]
	if ok {
		delete(b.subs, handle)
	}
	b.mu.Unlock()
	if !ok {
		return exception.ErrUnknownSubscription
	}
	s.queue.Close()
	return nil
}

// Publish queues rec for every interested subscriber. It never blocks on a
// subscriber.
func (b *Bus) Publish(rec model.Record) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !s.wants(rec.Symbol) {
			continue
		}
		dropped, ok := s.queue.Push(rec.Clone())
		if dropped {
			s.dropped.Add(1)
			b.metrics.IncSubscriberDrop()
		}
		if !ok {
			logs.Debugf("publish to closed subscription %s, err: %+v", s.handle, exception.ErrBusClosed)
		}
	}
}

// Stats returns the counters of one subscription.
func (b *Bus) Stats(handle Handle) (SubscriptionStats, error) {
	b.mu.RLock()
	s, ok := b.subs[handle]
	b.mu.RUnlock()
	if !ok {
		return SubscriptionStats{}, exception.ErrUnknownSubscription
	}
	return s.stats(), nil
}

// Len returns the number of active subscriptions.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close removes every subscription and discards pending notifications. It
// waits up to the close wait for running callbacks to return and reports
// whether they all did. A callback still running afterwards is abandoned and
// its subscription receives nothing more.
func (b *Bus) Close() bool {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return b.running.Load() == 0
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[Handle]*subscriber)
	b.mu.Unlock()

	for _, s := range subs {
		s.queue.Close()
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	timer := time.NewTimer(b.closeWait)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		logs.Warnf("bus closed with %d subscriber callbacks still running after %s", b.running.Load(), b.closeWait)
		return false
	}
}

type subscriber struct {
	handle  Handle
	cb      Callback
	symbols map[string]struct{}
	queue   *Queue
	metrics *obs.Metrics

	delivered atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Uint64
}

func (s *subscriber) wants(symbol string) bool {
	if s.symbols == nil {
		return true
	}
	_, ok := s.symbols[symbol]
	return ok
}

func (s *subscriber) deliver(rec model.Record) {
	defer func() {
		if r := recover(); r != nil {
			s.failed.Add(1)
			s.metrics.IncDeliveryFailure()
			logs.Warnf("subscriber %s panicked on %s seq %d, err: %v", s.handle, rec.Symbol, rec.Sequence, r)
		}
	}()
	s.cb(rec)
	s.delivered.Add(1)
	s.metrics.IncDelivery()
}

func (s *subscriber) stats() SubscriptionStats {
	var symbols []string
	for symbol := range s.symbols {
		symbols = append(symbols, symbol)
	}
	slices.Sort(symbols)
	return SubscriptionStats{
		Symbols:   symbols,
		Delivered: s.delivered.Load(),
		Dropped:   s.dropped.Load(),
		Failed:    s.failed.Load(),
		Pending:   s.queue.Len(),
	}
}
