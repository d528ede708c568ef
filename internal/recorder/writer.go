package recorder

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"mdstore/internal/model"
)

var (
	ErrQueueFull      = errors.New("archive: queue full")
	ErrClosed         = errors.New("archive: writer closed")
	ErrNotStarted     = errors.New("archive: writer not started")
	ErrAlreadyStarted = errors.New("archive: writer already started")
)

const maxPayloadLen = uint64(^uint32(0))

// Writer appends records to archive segments from a buffered queue.
type Writer struct {
	cfg Config
	ch  chan recordRequest
	wg  sync.WaitGroup
	err atomic.Value

	// mu orders sends on ch against Close.
	mu sync.RWMutex

	started uint32
	closed  uint32
	written atomic.Uint64
}

// NewWriter creates an archive writer and ensures the target directory exists.
func NewWriter(cfg Config) (*Writer, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, err
	}
	w := &Writer{
		cfg: cfg,
		ch:  make(chan recordRequest, cfg.QueueSize),
	}
	return w, nil
}

// Dir returns the segment directory.
func (w *Writer) Dir() string {
	return w.cfg.Dir
}

// Start runs the writer loop in a new goroutine.
func (w *Writer) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapUint32(&w.started, 0, 1) {
		return ErrAlreadyStarted
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(ctx)
	}()
	return nil
}

// Close stops the writer and flushes any buffered data.
func (w *Writer) Close() error {
	w.mu.Lock()
	if atomic.CompareAndSwapUint32(&w.closed, 0, 1) {
		close(w.ch)
	}
	w.mu.Unlock()
	w.wg.Wait()
	return w.Err()
}

// Err returns the first error observed by the writer, if any.
func (w *Writer) Err() error {
	if v := w.err.Load(); v != nil {
		return v.(error)
	}
	return nil
}

// Written returns the number of records written to segments.
func (w *Writer) Written() uint64 {
	return w.written.Load()
}

// Append enqueues rec, waiting for queue space until ctx is done.
func (w *Writer) Append(ctx context.Context, rec model.Record) error {
	req, err := w.prepare(rec)
	if err != nil {
		return err
	}
	return w.send(ctx, req)
}

// TryAppend enqueues rec without blocking.
func (w *Writer) TryAppend(rec model.Record) error {
	req, err := w.prepare(rec)
	if err != nil {
		return err
	}

	w.mu.RLock()
	defer w.mu.RUnlock()
	if atomic.LoadUint32(&w.closed) != 0 {
		return ErrClosed
	}
	select {
	case w.ch <- req:
		return nil
	default:
		return ErrQueueFull
	}
}

// Sync waits until everything appended before it is flushed and fsynced.
func (w *Writer) Sync(ctx context.Context) error {
	if err := w.ready(); err != nil {
		return err
	}
	done := make(chan error, 1)
	if err := w.send(ctx, recordRequest{sync: done}); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Writer) ready() error {
	if atomic.LoadUint32(&w.closed) != 0 {
		return ErrClosed
	}
	if atomic.LoadUint32(&w.started) == 0 {
		return ErrNotStarted
	}
	return w.Err()
}

func (w *Writer) prepare(rec model.Record) (recordRequest, error) {
	if err := w.ready(); err != nil {
		return recordRequest{}, err
	}
	payload, err := encodePayload(rec)
	if err != nil {
		return recordRequest{}, fmt.Errorf("encode %s seq %d: %w", rec.Symbol, rec.Sequence, err)
	}
	if uint64(len(payload)) > maxPayloadLen {
		return recordRequest{}, ErrPayloadTooLarge
	}
	return recordRequest{
		header: entryHeader{
			Flags:      flagSnappy,
			PayloadLen: uint32(len(payload)),
			Sequence:   rec.Sequence,
			Timestamp:  unixNano(rec.Timestamp),
		},
		payload: payload,
	}, nil
}

func (w *Writer) send(ctx context.Context, req recordRequest) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if atomic.LoadUint32(&w.closed) != 0 {
		return ErrClosed
	}
	select {
	case w.ch <- req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Writer) run(ctx context.Context) {
	var (
		seg         *segmentWriter
		segID       uint64
		headerBuf   = make([]byte, recordHeaderSize)
		checksumBuf [4]byte
		flushC      <-chan time.Time
		syncC       <-chan time.Time
		flushTicker *time.Ticker
		syncTicker  *time.Ticker
	)

	if w.cfg.FlushInterval > 0 {
		flushTicker = time.NewTicker(w.cfg.FlushInterval)
		flushC = flushTicker.C
	}
	if w.cfg.SyncInterval > 0 {
		syncTicker = time.NewTicker(w.cfg.SyncInterval)
		syncC = syncTicker.C
	}

	defer func() {
		if flushTicker != nil {
			flushTicker.Stop()
		}
		if syncTicker != nil {
			syncTicker.Stop()
		}
		if err := w.closeSegment(seg); err != nil && w.Err() == nil {
			w.setErr(err)
		}
		w.failPending()
	}()

	for {
		select {
		case <-ctx.Done():
			w.drainNonBlocking(&seg, &segID, headerBuf, &checksumBuf)
			return
		case req, ok := <-w.ch:
			if !ok {
				return
			}
			if err := w.handle(&seg, &segID, headerBuf, &checksumBuf, req); err != nil {
				w.setErr(err)
				return
			}
		case <-flushC:
			if err := w.flushSegment(seg); err != nil {
				w.setErr(err)
				return
			}
		case <-syncC:
			if err := w.syncSegment(seg); err != nil {
				w.setErr(err)
				return
			}
		}
	}
}

func (w *Writer) handle(seg **segmentWriter, segID *uint64, headerBuf []byte, checksumBuf *[4]byte, req recordRequest) error {
	if req.sync != nil {
		err := w.syncSegment(*seg)
		req.sync <- err
		return err
	}
	if err := w.writeRecord(seg, segID, headerBuf, checksumBuf, req); err != nil {
		return err
	}
	w.written.Add(1)
	return nil
}

func (w *Writer) drainNonBlocking(seg **segmentWriter, segID *uint64, headerBuf []byte, checksumBuf *[4]byte) {
	for {
		select {
		case req, ok := <-w.ch:
			if !ok {
				return
			}
			if err := w.handle(seg, segID, headerBuf, checksumBuf, req); err != nil {
				w.setErr(err)
				return
			}
		default:
			return
		}
	}
}

// failPending answers sync barriers left in the queue after the loop exits.
func (w *Writer) failPending() {
	err := w.Err()
	if err == nil {
		err = ErrClosed
	}
	for {
		select {
		case req, ok := <-w.ch:
			if !ok {
				return
			}
			if req.sync != nil {
				req.sync <- err
			}
		default:
			return
		}
	}
}

func (w *Writer) writeRecord(seg **segmentWriter, segID *uint64, headerBuf []byte, checksumBuf *[4]byte, req recordRequest) error {
	now := time.Now().UTC()
	recordSize := int64(recordHeaderSize + len(req.payload) + recordChecksumSize)
	if w.shouldRotate(*seg, now, recordSize) {
		if err := w.closeSegment(*seg); err != nil {
			return err
		}
		opened, err := w.openSegment(segID, now)
		if err != nil {
			return err
		}
		*seg = opened
	}

	req.header.ArchivedAt = now.UnixNano()
	encodeHeader(headerBuf, req.header)
	sum := checksum(headerBuf, req.payload)
	binary.LittleEndian.PutUint32(checksumBuf[:], sum)

	if _, err := (*seg).buf.Write(headerBuf); err != nil {
		return err
	}
	if len(req.payload) > 0 {
		if _, err := (*seg).buf.Write(req.payload); err != nil {
			return err
		}
	}
	if _, err := (*seg).buf.Write(checksumBuf[:]); err != nil {
		return err
	}

	(*seg).size += recordSize
	return nil
}

func (w *Writer) shouldRotate(seg *segmentWriter, now time.Time, nextSize int64) bool {
	if seg == nil {
		return true
	}
	if w.cfg.SegmentMaxBytes > 0 && seg.size+nextSize > w.cfg.SegmentMaxBytes {
		return true
	}
	if w.cfg.SegmentMaxDuration > 0 && now.Sub(seg.openedAt) >= w.cfg.SegmentMaxDuration {
		return true
	}
	return false
}

func (w *Writer) flushSegment(seg *segmentWriter) error {
	if seg == nil {
		return nil
	}
	return seg.buf.Flush()
}

func (w *Writer) syncSegment(seg *segmentWriter) error {
	if seg == nil {
		return nil
	}
	if err := seg.buf.Flush(); err != nil {
		return err
	}
	return seg.file.Sync()
}

func (w *Writer) closeSegment(seg *segmentWriter) error {
	if seg == nil {
		return nil
	}
	if err := seg.buf.Flush(); err != nil {
		_ = seg.file.Close()
		return err
	}
	if err := seg.file.Sync(); err != nil {
		_ = seg.file.Close()
		return err
	}
	return seg.file.Close()
}

func (w *Writer) openSegment(segID *uint64, now time.Time) (*segmentWriter, error) {
	ts := now.Format("20060102-150405")
	for {
		*segID = *segID + 1
		name := fmt.Sprintf("%s-%s-%06d%s", w.cfg.FilePrefix, ts, *segID, segmentExt)
		path := filepath.Join(w.cfg.Dir, name)
		file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
		if err != nil {
			if errors.Is(err, os.ErrExist) {
				continue
			}
			return nil, err
		}
		return &segmentWriter{
			file:     file,
			buf:      bufio.NewWriterSize(file, w.cfg.BufferSize),
			openedAt: now,
		}, nil
	}
}

func (w *Writer) setErr(err error) {
	if err == nil {
		return
	}
	if w.err.Load() != nil {
		return
	}
	w.err.Store(err)
}

type recordRequest struct {
	header  entryHeader
	payload []byte
	sync    chan error
}

type segmentWriter struct {
	file     *os.File
	buf      *bufio.Writer
	size     int64
	openedAt time.Time
}
