package bus

import (
	"sync"

	"mdstore/internal/model"
)

// Queue is a bounded ring of pending notifications. Push never blocks; when
// the ring is full the oldest pending record is dropped.
type Queue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	buf      []model.Record
	head     int
	tail     int
	size     int
	closed   bool
}

// NewQueue allocates a queue with the given capacity.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	q := &Queue{buf: make([]model.Record, capacity)}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

// Push enqueues rec. It reports whether an older record was dropped to make
// room and whether rec was accepted at all.
func (q *Queue) Push(rec model.Record) (dropped, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false, false
	}
	if q.size == len(q.buf) {
		q.buf[q.head] = model.Record{}
		q.head = (q.head + 1) % len(q.buf)
		q.size--
		dropped = true
	}
	q.buf[q.tail] = rec
	q.tail = (q.tail + 1) % len(q.buf)
	q.size++
	q.notEmpty.Signal()
	return dropped, true
}

// Pop dequeues the next record, blocking until one is available or the
// queue is closed.
func (q *Queue) Pop() (model.Record, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if q.closed {
			return model.Record{}, false
		}
		if q.size > 0 {
			rec := q.buf[q.head]
			q.buf[q.head] = model.Record{}
			q.head = (q.head + 1) % len(q.buf)
			q.size--
			return rec, true
		}
		q.notEmpty.Wait()
	}
}

// Close stops the queue and discards pending records.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	clear(q.buf)
	q.size = 0
	q.head = 0
	q.tail = 0
	q.notEmpty.Broadcast()
}

// Len returns the number of pending records.
func (q *Queue) Len() int {
	q.mu.Lock()
	size := q.size
	q.mu.Unlock()
	return size
}

// Run hands records to handler until the queue is closed.
func (q *Queue) Run(handler func(model.Record)) {
	for {
		rec, ok := q.Pop()
		if !ok {
			return
		}
		handler(rec)
	}
}
