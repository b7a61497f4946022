package aol

import (
	"encoding/binary"
	"io"
	"math"
	"sort"

	"github.com/pkg/errors"
)

// Metadata is an ordered set of key/value pairs whose values are either
// unsigned integers or raw bytes.
//
// Encoded layout, entries sorted by key:
//
//	count    u32
//	entry:   keyLen u16 | key | kind u8 | value
//	value:   kind 1 -> u64, kind 2 -> len u32 | bytes
type Metadata struct {
	entries map[string]metaValue
}

type metaKind uint8

const (
	kindUint  metaKind = 1
	kindBytes metaKind = 2
)

type metaValue struct {
	kind metaKind
	u    uint64
	b    []byte
}

var (
	errMetaKeyNotFound = errors.New("metadata key not found")
	errMetaWrongKind   = errors.New("metadata value has a different kind")
	errMetaTruncated   = errors.New("metadata truncated")
)

func NewMetadata() *Metadata {
	return &Metadata{entries: map[string]metaValue{}}
}

func (m *Metadata) PutUint(key string, v uint64) {
	m.entries[key] = metaValue{kind: kindUint, u: v}
}

func (m *Metadata) PutBytes(key string, v []byte) {
	b := make([]byte, len(v))
	copy(b, v)
	m.entries[key] = metaValue{kind: kindBytes, b: b}
}

func (m *Metadata) GetUint(key string) (uint64, error) {
	v, ok := m.entries[key]
	if !ok {
		return 0, errors.Wrap(errMetaKeyNotFound, key)
	}
	if v.kind != kindUint {
		return 0, errors.Wrap(errMetaWrongKind, key)
	}
	return v.u, nil
}

func (m *Metadata) GetBytes(key string) ([]byte, error) {
	v, ok := m.entries[key]
	if !ok {
		return nil, errors.Wrap(errMetaKeyNotFound, key)
	}
	if v.kind != kindBytes {
		return nil, errors.Wrap(errMetaWrongKind, key)
	}
	return v.b, nil
}

func (m *Metadata) Has(key string) bool {
	_, ok := m.entries[key]
	return ok
}

func (m *Metadata) Len() int {
	return len(m.entries)
}

func (m *Metadata) Keys() []string {
	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Merge copies every entry of other into m, overwriting existing keys.
func (m *Metadata) Merge(other *Metadata) {
	if other == nil {
		return
	}
	for k, v := range other.entries {
		m.entries[k] = v
	}
}

func (m *Metadata) encodedSize() int {
	size := 4
	for k, v := range m.entries {
		size += 2 + len(k) + 1
		if v.kind == kindUint {
			size += 8
		} else {
			size += 4 + len(v.b)
		}
	}
	return size
}

// Validate reports whether m fits in a segment header: every key must fit a
// u16 length and the encoding must stay within the header size limit.
func (m *Metadata) Validate() error {
	for k := range m.entries {
		if len(k) > math.MaxUint16 {
			return errors.Wrapf(ErrHeaderTooLarge, "metadata key of %d bytes", len(k))
		}
	}
	if size := m.encodedSize(); size > maxHeaderSize {
		return errors.Wrapf(ErrHeaderTooLarge, "metadata of %d bytes, limit %d", size, maxHeaderSize)
	}
	return nil
}

// Encode serializes m. Keys longer than math.MaxUint16 do not survive the
// round trip, call Validate first.
func (m *Metadata) Encode() []byte {
	keys := m.Keys()
	size := m.encodedSize()

	buf := make([]byte, size)
	binary.BigEndian.PutUint32(buf, uint32(len(keys)))
	pos := 4

	for _, k := range keys {
		v := m.entries[k]

		binary.BigEndian.PutUint16(buf[pos:], uint16(len(k)))
		pos += 2
		pos += copy(buf[pos:], k)
		buf[pos] = byte(v.kind)
		pos++

		switch v.kind {
		case kindUint:
			binary.BigEndian.PutUint64(buf[pos:], v.u)
			pos += 8
		case kindBytes:
			binary.BigEndian.PutUint32(buf[pos:], uint32(len(v.b)))
			pos += 4
			pos += copy(buf[pos:], v.b)
		}
	}

	return buf
}

func DecodeMetadata(b []byte) (*Metadata, error) {
	if len(b) < 4 {
		return nil, errMetaTruncated
	}

	m := NewMetadata()
	count := binary.BigEndian.Uint32(b)
	pos := 4

	for i := uint32(0); i < count; i++ {
		if len(b)-pos < 2 {
			return nil, errMetaTruncated
		}
		keyLen := int(binary.BigEndian.Uint16(b[pos:]))
		pos += 2

		if len(b)-pos < keyLen+1 {
			return nil, errMetaTruncated
		}
		key := string(b[pos : pos+keyLen])
		pos += keyLen
		kind := metaKind(b[pos])
		pos++

		switch kind {
		case kindUint:
			if len(b)-pos < 8 {
				return nil, errMetaTruncated
			}
			m.PutUint(key, binary.BigEndian.Uint64(b[pos:]))
			pos += 8
		case kindBytes:
			if len(b)-pos < 4 {
				return nil, errMetaTruncated
			}
			n := int(binary.BigEndian.Uint32(b[pos:]))
			pos += 4
			if len(b)-pos < n {
				return nil, errMetaTruncated
			}
			m.PutBytes(key, b[pos:pos+n])
			pos += n
		default:
			return nil, errors.Errorf("unknown metadata kind %d for key %q", kind, key)
		}
	}

	if pos != len(b) {
		return nil, errors.Errorf("%d trailing bytes after metadata", len(b)-pos)
	}

	return m, nil
}

// File header keys. They take precedence over caller metadata.
const (
	metaKeyMagic             = "magic"
	metaKeyVersion           = "version"
	metaKeySegmentID         = "segment_id"
	metaKeyCompressionFormat = "compression_format"
	metaKeyCompressionLevel  = "compression_level"

	headerMagic   = 0x616f6c5345474d54 // "aolSEGMT"
	headerVersion = 1

	headerLenSize = 4
	maxHeaderSize = 1 << 20
)

func newFileHeader(id uint64, opts *Options) *Metadata {
	m := NewMetadata()
	m.Merge(opts.Metadata)

	m.PutUint(metaKeyMagic, headerMagic)
	m.PutUint(metaKeyVersion, headerVersion)
	m.PutUint(metaKeySegmentID, id)
	m.PutUint(metaKeyCompressionFormat, uint64(opts.CompressionFormat))
	m.PutUint(metaKeyCompressionLevel, uint64(opts.CompressionLevel))

	return m
}

// encodeHeader prefixes the header metadata with its length. It refuses
// headers that readHeader would reject.
func encodeHeader(m *Metadata) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}

	body := m.Encode()
	buf := make([]byte, headerLenSize+len(body))
	binary.BigEndian.PutUint32(buf, uint32(len(body)))
	copy(buf[headerLenSize:], body)
	return buf, nil
}

// readHeader reads a length-prefixed header from the start of r and returns
// the decoded metadata along with the total number of header bytes. Anything
// that cannot be parsed is reported as ErrCorruptHeader.
func readHeader(r io.ReaderAt, id uint64) (*Metadata, int64, error) {
	var lenBuf [headerLenSize]byte

	if _, err := r.ReadAt(lenBuf[:], 0); err != nil {
		if err == io.EOF {
			return nil, 0, errors.Wrap(ErrCorruptHeader, "short header length")
		}
		return nil, 0, errors.Wrap(err, "read header length")
	}

	n := binary.BigEndian.Uint32(lenBuf[:])
	if n < 4 || n > maxHeaderSize {
		return nil, 0, errors.Wrapf(ErrCorruptHeader, "invalid header length %d", n)
	}

	body := make([]byte, n)
	if _, err := r.ReadAt(body, headerLenSize); err != nil {
		if err == io.EOF {
			return nil, 0, errors.Wrap(ErrCorruptHeader, "short header body")
		}
		return nil, 0, errors.Wrap(err, "read header body")
	}

	m, err := DecodeMetadata(body)
	if err != nil {
		return nil, 0, errors.Wrap(ErrCorruptHeader, err.Error())
	}

	if magic, err := m.GetUint(metaKeyMagic); err != nil || magic != headerMagic {
		return nil, 0, errors.Wrap(ErrCorruptHeader, "bad magic")
	}
	if v, err := m.GetUint(metaKeyVersion); err != nil || v != headerVersion {
		return nil, 0, errors.Wrapf(ErrCorruptHeader, "unsupported version %d", v)
	}
	if got, err := m.GetUint(metaKeySegmentID); err != nil || got != id {
		return nil, 0, errors.Wrapf(ErrCorruptHeader, "header segment id %d does not match %d", got, id)
	}

	return m, int64(headerLenSize + n), nil
}

// HeaderCompression returns the compression tags persisted in a segment header.
func HeaderCompression(m *Metadata) (CompressionFormat, CompressionLevel, error) {
	f, err := m.GetUint(metaKeyCompressionFormat)
	if err != nil {
		return 0, 0, err
	}
	l, err := m.GetUint(metaKeyCompressionLevel)
	if err != nil {
		return 0, 0, err
	}
	return CompressionFormat(f), CompressionLevel(l), nil
}
