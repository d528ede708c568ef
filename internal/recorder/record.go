package recorder

import (
	"bytes"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"time"

	"github.com/golang/snappy"
	"github.com/vmihailenco/msgpack/v5"

	"mdstore/internal/model"
)

// Segment entry layout, little endian:
//
//	[0:4]   magic "MDA1"
//	[4:6]   version
//	[6:8]   header size
//	[8:10]  flags
//	[10:12] reserved
//	[12:16] payload length
//	[16:24] record sequence
//	[24:32] record timestamp, unix nanos
//	[32:40] archived at, unix nanos
//	[40:56] reserved
//
// followed by the payload and a crc32c of header and payload.
const (
	recordVersion      uint16 = 1
	recordHeaderSize          = 56
	recordChecksumSize        = 4

	flagSnappy uint16 = 1 << 0
)

var (
	recordMagic = [4]byte{'M', 'D', 'A', '1'}
	crcTable    = crc32.MakeTable(crc32.Castagnoli)
)

var (
	ErrInvalidMagic            = errors.New("archive: invalid magic")
	ErrUnsupportedRecordVer    = errors.New("archive: unsupported record version")
	ErrInvalidRecordHeaderSize = errors.New("archive: invalid header size")
	ErrChecksumMismatch        = errors.New("archive: checksum mismatch")
	ErrPayloadTooLarge         = errors.New("archive: payload too large")
)

// entryHeader is the fixed part of a segment entry.
type entryHeader struct {
	Flags      uint16
	PayloadLen uint32
	Sequence   uint64
	Timestamp  int64
	ArchivedAt int64
}

func encodeHeader(dst []byte, header entryHeader) {
	_ = dst[recordHeaderSize-1]
	clear(dst)
	copy(dst[0:4], recordMagic[:])
	binary.LittleEndian.PutUint16(dst[4:6], recordVersion)
	binary.LittleEndian.PutUint16(dst[6:8], uint16(recordHeaderSize))
	binary.LittleEndian.PutUint16(dst[8:10], header.Flags)
	binary.LittleEndian.PutUint32(dst[12:16], header.PayloadLen)
	binary.LittleEndian.PutUint64(dst[16:24], header.Sequence)
	binary.LittleEndian.PutUint64(dst[24:32], uint64(header.Timestamp))
	binary.LittleEndian.PutUint64(dst[32:40], uint64(header.ArchivedAt))
}

func checksum(header []byte, payload []byte) uint32 {
	crc := crc32.Update(0, crcTable, header)
	return crc32.Update(crc, crcTable, payload)
}

func decodeRecordHeader(src []byte) (entryHeader, error) {
	if len(src) < recordHeaderSize {
		return entryHeader{}, ErrInvalidRecordHeaderSize
	}
	if !bytes.Equal(src[0:4], recordMagic[:]) {
		return entryHeader{}, ErrInvalidMagic
	}
	if ver := binary.LittleEndian.Uint16(src[4:6]); ver != recordVersion {
		return entryHeader{}, ErrUnsupportedRecordVer
	}
	if headerSize := binary.LittleEndian.Uint16(src[6:8]); headerSize != recordHeaderSize {
		return entryHeader{}, ErrInvalidRecordHeaderSize
	}
	return entryHeader{
		Flags:      binary.LittleEndian.Uint16(src[8:10]),
		PayloadLen: binary.LittleEndian.Uint32(src[12:16]),
		Sequence:   binary.LittleEndian.Uint64(src[16:24]),
		Timestamp:  int64(binary.LittleEndian.Uint64(src[24:32])),
		ArchivedAt: int64(binary.LittleEndian.Uint64(src[32:40])),
	}, nil
}

// encodePayload returns the snappy compressed msgpack form of rec.
func encodePayload(rec model.Record) ([]byte, error) {
	raw, err := msgpack.Marshal(&rec)
	if err != nil {
		return nil, err
	}
	return snappy.Encode(nil, raw), nil
}

func decodePayload(flags uint16, payload []byte) (model.Record, error) {
	raw := payload
	if flags&flagSnappy != 0 {
		var err error
		if raw, err = snappy.Decode(nil, payload); err != nil {
			return model.Record{}, err
		}
	}
	var rec model.Record
	if err := msgpack.Unmarshal(raw, &rec); err != nil {
		return model.Record{}, err
	}
	rec.Timestamp = rec.Timestamp.UTC()
	return rec, nil
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}
