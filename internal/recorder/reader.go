package recorder

import (
	"bufio"
	"encoding/binary"
	"io"

	"mdstore/internal/model"
)

// ReaderOptions controls record decoding.
type ReaderOptions struct {
	DisableChecksum bool
	MaxPayloadSize  int
}

// Reader decodes archive entries sequentially.
type Reader struct {
	r         *bufio.Reader
	opts      ReaderOptions
	headerBuf []byte
	payload   []byte
}

// NewReader wraps an io.Reader with archive decoding.
func NewReader(r io.Reader, opts ReaderOptions) *Reader {
	return &Reader{
		r:         bufio.NewReader(r),
		opts:      opts,
		headerBuf: make([]byte, recordHeaderSize),
	}
}

// Next returns the next archived record, or io.EOF at a clean end of input.
func (r *Reader) Next() (model.Record, error) {
	n, err := io.ReadFull(r.r, r.headerBuf)
	if err != nil {
		if err == io.EOF && n == 0 {
			return model.Record{}, io.EOF
		}
		return model.Record{}, err
	}

	header, err := decodeRecordHeader(r.headerBuf)
	if err != nil {
		return model.Record{}, err
	}
	if r.opts.MaxPayloadSize > 0 && header.PayloadLen > uint32(r.opts.MaxPayloadSize) {
		return model.Record{}, ErrPayloadTooLarge
	}

	if cap(r.payload) < int(header.PayloadLen) {
		r.payload = make([]byte, header.PayloadLen)
	}
	r.payload = r.payload[:header.PayloadLen]
	if _, err := io.ReadFull(r.r, r.payload); err != nil {
		return model.Record{}, err
	}

	var checksumBuf [recordChecksumSize]byte
	if _, err := io.ReadFull(r.r, checksumBuf[:]); err != nil {
		return model.Record{}, err
	}

	if !r.opts.DisableChecksum {
		expected := binary.LittleEndian.Uint32(checksumBuf[:])
		if checksum(r.headerBuf, r.payload) != expected {
			return model.Record{}, ErrChecksumMismatch
		}
	}

	rec, err := decodePayload(header.Flags, r.payload)
	if err != nil {
		return model.Record{}, err
	}
	rec.Sequence = header.Sequence
	return rec, nil
}
