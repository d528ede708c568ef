package cache

import (
	"slices"
	"sync"

	"mdstore/internal/model"
)

// DefaultWindow is the number of records kept per symbol when none is given.
const DefaultWindow = 1000

// Cache keeps the most recent committed records of every symbol in memory.
//
// Only the sequencer writes to the cache, through OnCommit. Reads return
// copies, so callers may keep or modify what they get.
type Cache struct {
	mu      sync.RWMutex
	size    int
	windows map[string]*window
}

// New creates a cache holding up to size records per symbol.
func New(size int) *Cache {
	if size <= 0 {
		size = DefaultWindow
	}
	return &Cache{
		size:    size,
		windows: make(map[string]*window),
	}
}

// Capacity returns the per-symbol window size.
func (c *Cache) Capacity() int {
	if c == nil {
		return 0
	}
	return c.size
}

// OnCommit adds a committed record to its symbol window, evicting the oldest
// committed record when the window is full.
func (c *Cache) OnCommit(rec model.Record) {
	if c == nil || rec.Symbol == "" {
		return
	}
	c.window(rec.Symbol, true).push(rec.Clone())
}

// Seed loads records in commit order, typically the log tail at startup.
func (c *Cache) Seed(records []model.Record) {
	for _, rec := range records {
		c.OnCommit(rec)
	}
}

// Latest returns the greatest (timestamp, sequence) record ever committed
// to symbol through this cache.
func (c *Cache) Latest(symbol string) (model.Record, bool) {
	w := c.window(symbol, false)
	if w == nil {
		return model.Record{}, false
	}
	return w.latestRecord()
}

// Recent returns up to count records of the window, newest first by
// (timestamp, sequence).
func (c *Cache) Recent(symbol string, count int) []model.Record {
	w := c.window(symbol, false)
	if w == nil || count <= 0 {
		return []model.Record{}
	}
	out := w.snapshot()
	slices.SortFunc(out, func(a, b model.Record) int {
		return model.Compare(b, a)
	})
	if count < len(out) {
		out = out[:count]
	}
	return out
}

// Len returns the number of records cached for symbol.
func (c *Cache) Len(symbol string) int {
	w := c.window(symbol, false)
	if w == nil {
		return 0
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.len
}

// Size returns the number of records cached across all symbols.
func (c *Cache) Size() int {
	if c == nil {
		return 0
	}
	c.mu.RLock()
	windows := make([]*window, 0, len(c.windows))
	for _, w := range c.windows {
		windows = append(windows, w)
	}
	c.mu.RUnlock()

	total := 0
	for _, w := range windows {
		w.mu.RLock()
		total += w.len
		w.mu.RUnlock()
	}
	return total
}

// Symbols returns the cached symbols in lexical order.
func (c *Cache) Symbols() []string {
	if c == nil {
		return nil
	}
	c.mu.RLock()
	symbols := make([]string, 0, len(c.windows))
	for symbol := range c.windows {
		symbols = append(symbols, symbol)
	}
	c.mu.RUnlock()
	slices.Sort(symbols)
	return symbols
}

func (c *Cache) window(symbol string, create bool) *window {
	if c == nil {
		return nil
	}
	c.mu.RLock()
	w := c.windows[symbol]
	c.mu.RUnlock()
	if w != nil || !create {
		return w
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if w = c.windows[symbol]; w == nil {
		w = newWindow(c.size)
		c.windows[symbol] = w
	}
	return w
}

// window is a fixed size ring of records in commit order.
type window struct {
	mu     sync.RWMutex
	buf    []model.Record
	head   int
	tail   int
	len    int
	latest model.Record
	seen   bool
}

func newWindow(capacity int) *window {
	return &window{buf: make([]model.Record, capacity)}
}

func (w *window) push(rec model.Record) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.len == len(w.buf) {
		w.buf[w.head] = model.Record{}
		w.head = (w.head + 1) % len(w.buf)
		w.len--
	}
	w.buf[w.tail] = rec
	w.tail = (w.tail + 1) % len(w.buf)
	w.len++

	if !w.seen || model.Compare(rec, w.latest) > 0 {
		w.latest = rec
		w.seen = true
	}
}

func (w *window) latestRecord() (model.Record, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if !w.seen {
		return model.Record{}, false
	}
	return w.latest.Clone(), true
}

// snapshot copies the window oldest first.
func (w *window) snapshot() []model.Record {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]model.Record, w.len)
	for i := 0; i < w.len; i++ {
		out[i] = w.buf[(w.head+i)%len(w.buf)].Clone()
	}
	return out
}
