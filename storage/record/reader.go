package record

import (
	"encoding/binary"
	"io"

	"seglog/storage/aol"

	"github.com/pkg/errors"
	"github.com/prometheus/prometheus/tsdb/wlog"
)

// Log is the read side of *wal.WAL the Reader needs.
type Log interface {
	ReadAt(b []byte, off uint64) (int, error)
	ActiveSegmentRef() aol.SegmentRef
	MaxSegmentSize() uint64
	Dir() string
}

// Reader walks the records of a log in offset order.
type Reader struct {
	log     Log
	off     uint64
	recOff  uint64
	rec     []byte
	err     error
	hdr     [HeaderSize]byte
	padding [aol.PageSize]byte
}

// NewReader returns a reader starting at off, which must be the offset of a
// record or of page padding.
func NewReader(l Log, off uint64) *Reader {
	return &Reader{log: l, off: off}
}

// Next advances to the next record. It returns false at the end of the log or
// on error; once the log grows, Next may be called again unless Err is set.
func (r *Reader) Next() bool {
	if r.err != nil {
		return false
	}

	err := r.next()
	if errors.Is(err, io.EOF) {
		return false
	}

	r.err = err
	return err == nil
}

// endOfSegment reports whether err means there is no more data at off in its
// segment.
func endOfSegment(err error) bool {
	return errors.Is(err, aol.ErrIncompleteRead) || errors.Is(err, aol.ErrOutOfRange)
}

func (r *Reader) next() error {
	maxSize := r.log.MaxSegmentSize()

	for {
		segment := r.off / maxSize
		local := r.off % maxSize

		if _, err := r.log.ReadAt(r.hdr[:1], r.off); err != nil {
			if !endOfSegment(err) {
				return err
			}
			if segment < r.log.ActiveSegmentRef().Index {
				r.off = (segment + 1) * maxSize
				continue
			}
			return io.EOF
		}

		if r.hdr[0] == 0 {
			if err := r.skipPadding(segment, local); err != nil {
				return err
			}
			continue
		}

		if _, err := r.log.ReadAt(r.hdr[1:], r.off+1); err != nil {
			if endOfSegment(err) {
				return errors.Wrap(ErrCorrupt, "last record is torn")
			}
			return err
		}

		var (
			flags  = r.hdr[0]
			length = binary.BigEndian.Uint32(r.hdr[1:])
			crc    = binary.BigEndian.Uint32(r.hdr[5:])
		)

		if flags&presentMask == 0 {
			return errors.Wrapf(ErrCorrupt, "unexpected flags %#x", flags)
		}
		if length > maxRecordSize {
			return errors.Wrapf(ErrCorrupt, "invalid record size %d", length)
		}

		payload := make([]byte, length)
		if length > 0 {
			if _, err := r.log.ReadAt(payload, r.off+HeaderSize); err != nil {
				if endOfSegment(err) {
					return errors.Wrap(ErrCorrupt, "last record is torn")
				}
				return err
			}
		}

		rec, err := decodePayload(flags, crc, payload)
		if err != nil {
			return err
		}

		r.rec = rec
		r.recOff = r.off
		r.off += HeaderSize + uint64(length)

		return nil
	}
}

// skipPadding moves past the zeroed tail of a page that was flushed before it
// was full.
func (r *Reader) skipPadding(segment, local uint64) error {
	boundary := (local/aol.PageSize + 1) * aol.PageSize
	k := boundary - local - 1

	if k > 0 {
		buf := r.padding[:k]
		if _, err := r.log.ReadAt(buf, r.off+1); err != nil {
			if endOfSegment(err) {
				return errors.Wrap(ErrCorrupt, "page padding is torn")
			}
			return err
		}

		for _, c := range buf {
			if c != 0 {
				return errors.Wrap(ErrCorrupt, "unexpected non-zero byte in padded page")
			}
		}
	}

	r.off = segment*r.log.MaxSegmentSize() + boundary
	return nil
}

// Record returns the current record. It is only valid until the next call to
// Next.
func (r *Reader) Record() []byte {
	return r.rec
}

// Offset returns the log offset of the current record's frame.
func (r *Reader) Offset() uint64 {
	return r.recOff
}

func (r *Reader) Err() error {
	if r.err == nil {
		return nil
	}

	if !errors.Is(r.err, ErrCorrupt) {
		return r.err
	}

	maxSize := r.log.MaxSegmentSize()

	return &wlog.CorruptionErr{
		Dir:     r.log.Dir(),
		Segment: int(r.off / maxSize),
		Offset:  int64(r.off % maxSize),
		Err:     r.err,
	}
}
