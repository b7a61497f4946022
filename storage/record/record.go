// Package record frames opaque payloads before they are appended to a log and
// reads them back.
//
// Every record starts with a 9 byte header:
//
//	[ flags (1) ][ length (4) ][ crc32c (4) ][ payload (length) ]
//
// flags:
//
//	[ 4 bits unallocated ] [ 1 bit snappy ] [ 2 bits unallocated ] [ 1 bit present ]
//
// A zero flags byte marks page padding: the rest of the page is empty.
package record

import (
	"encoding/binary"
	"hash/crc32"

	"seglog/storage"
	"seglog/storage/aol"

	"github.com/golang/snappy"
	"github.com/pkg/errors"
)

const (
	HeaderSize = 9

	presentMask = 1 << 0
	snappyMask  = 1 << 3

	maxRecordSize = 1 << 30
)

var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

var ErrCorrupt = errors.New("corrupted record")

// Appender is implemented by *wal.WAL.
type Appender interface {
	Append(rec []byte) (uint64, int, error)
}

type Encoder struct {
	compression aol.CompressionFormat
	pool        *storage.BytesPool
}

func NewEncoder(compression aol.CompressionFormat) *Encoder {
	return &Encoder{
		compression: compression,
		pool:        storage.NewBytesPool(1 << 10),
	}
}

func (e *Encoder) encode(dst []byte, rec []byte) []byte {
	flags := byte(presentMask)
	payload := rec

	if e.compression == aol.CompressionSnappy {
		payload = snappy.Encode(nil, rec)
		flags |= snappyMask
	}

	var hdr [HeaderSize]byte
	hdr[0] = flags
	binary.BigEndian.PutUint32(hdr[1:], uint32(len(payload)))
	binary.BigEndian.PutUint32(hdr[5:], crc32.Checksum(payload, castagnoliTable))

	dst = append(dst, hdr[:]...)
	return append(dst, payload...)
}

// Encode returns rec framed with a record header.
func (e *Encoder) Encode(rec []byte) []byte {
	return e.encode(nil, rec)
}

// Append frames rec and appends it to a, returning the offset of the frame.
func (e *Encoder) Append(a Appender, rec []byte) (uint64, error) {
	if len(rec) == 0 {
		return 0, aol.ErrEmpty
	}

	buf := e.pool.GetBytes()
	defer e.pool.PutBytes(buf)

	*buf = e.encode(*buf, rec)

	off, _, err := a.Append(*buf)
	return off, err
}

// Decode parses the framed record at the start of b. It returns the payload
// and the size of the frame.
func Decode(b []byte) ([]byte, int, error) {
	if len(b) < HeaderSize {
		return nil, 0, errors.Wrap(ErrCorrupt, "short header")
	}
	if b[0]&presentMask == 0 {
		return nil, 0, errors.Wrap(ErrCorrupt, "no record present")
	}

	length := binary.BigEndian.Uint32(b[1:])
	if len(b)-HeaderSize < int(length) {
		return nil, 0, errors.Wrapf(ErrCorrupt, "record of %d bytes is torn", length)
	}

	rec, err := decodePayload(b[0], binary.BigEndian.Uint32(b[5:]), b[HeaderSize:HeaderSize+int(length)])
	if err != nil {
		return nil, 0, err
	}

	return rec, HeaderSize + int(length), nil
}

func decodePayload(flags byte, crc uint32, payload []byte) ([]byte, error) {
	if c := crc32.Checksum(payload, castagnoliTable); c != crc {
		return nil, errors.Wrapf(ErrCorrupt, "invalid checksum: expected %d, got %d", crc, c)
	}

	if flags&snappyMask == 0 {
		return payload, nil
	}

	rec, err := snappy.Decode(nil, payload)
	if err != nil {
		return nil, errors.Wrap(ErrCorrupt, err.Error())
	}
	return rec, nil
}
