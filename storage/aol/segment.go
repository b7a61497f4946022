package aol

import (
	"io"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"seglog/storage"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/prometheus/tsdb/wlog"
)

type segmentFile interface {
	wlog.SegmentFile
	io.ReaderAt
	io.Seeker
}

// Segment is a single append-only file written through one in-memory page.
//
// The file starts with a length-prefixed header written once at creation:
//
//	+---------------+---------------------------------------------+
//	| length (u32)  | metadata: magic, version, segment_id,       |
//	|               | compression_format, compression_level, ...  |
//	+---------------+---------------------------------------------+
//	| records ...                                                 |
//	+-------------------------------------------------------------+
//
// Offsets handed out by a segment are relative to the end of the header.
// A Segment is not safe for concurrent use; readers may only run concurrently
// with each other.
type Segment struct {
	file    segmentFile
	dir     string
	i       uint64
	name    string
	logger  log.Logger
	metrics *SegmentMetrics
	header  *Metadata

	page         page
	pagesFlushed int
	headerSize   int64
	fileOffset   uint64 // bytes written after the header

	closed   bool
	readOnly bool
}

// Open opens the segment with the given id in dir, creating it and writing
// its header if the file does not exist yet.
func Open(logger log.Logger, dir string, i uint64, opts Options) (*Segment, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}

	name := SegmentName(dir, i, opts.Extension)

	_, err := os.Stat(name)
	exists := err == nil
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	var header *Metadata
	if !exists {
		header = newFileHeader(i, &opts)
		if err := header.Validate(); err != nil {
			return nil, errors.Wrapf(err, "segment %d", i)
		}
	}

	mode := opts.FileMode
	if mode == 0 {
		mode = DefaultFileMode
	}

	f, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE, mode)
	if err != nil {
		return nil, err
	}

	s := &Segment{
		file:    f,
		dir:     dir,
		i:       i,
		name:    name,
		logger:  logger,
		metrics: opts.Metrics,
	}

	if exists {
		err = s.loadHeader()
	} else {
		err = s.writeHeader(header)
	}
	if err == nil {
		err = s.seekEnd()
	}
	if err != nil {
		f.Close()
		return nil, err
	}

	runtime.SetFinalizer(s, (*Segment).finalize)

	level.Debug(logger).Log("msg", "opened segment", "segment", i, "created", !exists, "headerSize", s.headerSize, "offset", s.fileOffset)

	return s, nil
}

// OpenReadOnly opens an existing segment for reading. Appends to it fail with
// ErrReadOnly.
func OpenReadOnly(logger log.Logger, dir string, i uint64, extension string) (*Segment, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}

	name := SegmentName(dir, i, extension)

	f, err := os.Open(name)
	if err != nil {
		return nil, errors.Wrapf(err, "open segment %d", i)
	}

	s := &Segment{
		file:     f,
		dir:      dir,
		i:        i,
		name:     name,
		logger:   logger,
		readOnly: true,
	}

	if err := s.loadHeader(); err != nil {
		f.Close()
		return nil, err
	}
	if err := s.seekEnd(); err != nil {
		f.Close()
		return nil, err
	}

	return s, nil
}

func (s *Segment) loadHeader() error {
	header, size, err := readHeader(s.file, s.i)
	if err != nil {
		if errors.Is(err, ErrCorruptHeader) {
			return &wlog.CorruptionErr{
				Dir:     s.dir,
				Segment: int(s.i),
				Offset:  0,
				Err:     err,
			}
		}
		return err
	}

	s.header = header
	s.headerSize = size
	return nil
}

func (s *Segment) writeHeader(header *Metadata) error {
	buf, err := encodeHeader(header)
	if err != nil {
		return err
	}

	if _, err := s.file.Write(buf); err != nil {
		return errors.Wrap(err, "write segment header")
	}
	if err := s.fsync(); err != nil {
		return errors.Wrap(err, "sync segment header")
	}

	s.header = header
	s.headerSize = int64(len(buf))
	return nil
}

func (s *Segment) seekEnd() error {
	end, err := s.file.Seek(0, io.SeekEnd)
	if err != nil {
		return err
	}
	s.fileOffset = uint64(end - s.headerSize)
	return nil
}

func (s *Segment) ID() uint64 {
	return s.i
}

func (s *Segment) Name() string {
	return s.name
}

func (s *Segment) Ref() SegmentRef {
	return SegmentRef{
		Name:      s.name,
		Index:     s.i,
		Extension: storage.FileExtension(filepath.Base(s.name)),
	}
}

func (s *Segment) Header() *Metadata {
	return s.header
}

func (s *Segment) HeaderSize() int64 {
	return s.headerSize
}

func (s *Segment) PagesFlushed() int {
	return s.pagesFlushed
}

// Offset returns the number of logical bytes the segment holds, including
// bytes still buffered in the page.
func (s *Segment) Offset() uint64 {
	return s.fileOffset + uint64(s.page.unflushed())
}

// flushPage writes the unflushed part of the page. When clear is set, or the
// page is full, the page is written up to its full size and reset.
func (s *Segment) flushPage(clear bool) error {
	p := &s.page

	clear = clear || p.full()

	// No more data will fit into the page or an implicit clear.
	if clear {
		p.alloc = PageSize
	}

	n, err := s.file.Write(p.data())
	p.flushed += n
	s.fileOffset += uint64(n)

	if err != nil {
		s.metrics.pageFlushed(false)
		return err
	}

	if clear {
		p.reset()
		s.pagesFlushed++
	}
	s.metrics.pageFlushed(clear)

	return nil
}

// Append writes rec through the page and returns the offset it starts at
// along with the number of bytes written.
func (s *Segment) Append(rec []byte) (uint64, int, error) {
	if s.closed {
		return 0, 0, ErrClosed
	}
	if s.readOnly {
		return 0, 0, ErrReadOnly
	}
	if len(rec) == 0 {
		return 0, 0, ErrEmpty
	}

	off := s.Offset()

	if s.page.full() {
		if err := s.flushPage(true); err != nil {
			return off, 0, err
		}
	}

	n := 0
	for len(rec) > 0 {
		p := &s.page

		l := storage.Min(p.remaining(), len(rec))
		copy(p.buf[p.alloc:], rec[:l])
		p.alloc += l

		if p.full() {
			if err := s.flushPage(true); err != nil {
				return off, n, err
			}
		}

		rec = rec[l:]
		n += l
	}

	// Push the tail to the file without giving up the rest of the page.
	if s.page.unflushed() > 0 {
		if err := s.flushPage(false); err != nil {
			return off, n, err
		}
	}

	return off, n, nil
}

// ReadAt fills b with the bytes starting at off. Bytes that are already in the
// file are read from it; the rest must come from the page, otherwise the read
// fails with ErrIncompleteRead.
func (s *Segment) ReadAt(b []byte, off uint64) (int, error) {
	if s.closed {
		return 0, ErrClosed
	}
	if off > s.Offset() {
		return 0, errors.Wrapf(ErrOutOfRange, "segment %d: offset %d, size %d", s.i, off, s.Offset())
	}

	var (
		n    int
		boff int
	)

	if off < s.fileOffset {
		want := len(b)
		if avail := s.fileOffset - off; uint64(want) > avail {
			want = int(avail)
		}

		var err error
		n, err = s.file.ReadAt(b[:want], s.headerSize+int64(off))
		if err != nil && !(err == io.EOF && n == want) {
			if err == io.EOF {
				return n, errors.Wrapf(ErrIncompleteRead, "segment %d: file shorter than expected", s.i)
			}
			return n, err
		}
	} else {
		boff = int(off - s.fileOffset)
	}

	pending := len(b) - n
	if pending == 0 {
		return n, nil
	}

	available := s.page.unflushed() - boff
	chunk := storage.Min(pending, available)

	if chunk > 0 {
		start := s.page.flushed + boff
		copy(b[n:n+chunk], s.page.buf[start:start+chunk])
		n += chunk
	}

	if chunk < pending {
		return n, errors.Wrapf(ErrIncompleteRead, "segment %d: wanted %d bytes at %d, got %d", s.i, len(b), off, n)
	}

	return n, nil
}

// Flush pads the page to its full size and writes it out. It is a no-op when
// the page holds no bytes.
func (s *Segment) Flush() error {
	if s.closed {
		return ErrClosed
	}
	if s.readOnly {
		return ErrReadOnly
	}
	if s.page.alloc == 0 {
		return nil
	}
	return s.flushPage(true)
}

// Sync fsyncs the segment file. Bytes still buffered in the page are not
// written.
func (s *Segment) Sync() error {
	if s.closed {
		return ErrClosed
	}
	return s.fsync()
}

func (s *Segment) fsync() error {
	start := time.Now()
	err := s.file.Sync()
	s.metrics.observeFsync(start)
	return err
}

// Close marks the segment closed, fsyncs it and releases the file.
func (s *Segment) Close() error {
	if s.closed {
		return ErrClosed
	}
	s.closed = true
	runtime.SetFinalizer(s, nil)

	var err error
	if !s.readOnly {
		err = s.fsync()
	}
	if cerr := s.file.Close(); err == nil {
		err = cerr
	}

	level.Debug(s.logger).Log("msg", "closed segment", "segment", s.i, "offset", s.fileOffset, "pagesFlushed", s.pagesFlushed)

	return err
}

// finalize is a last-resort fsync for a segment that was never closed. Its
// outcome cannot be observed by callers; use Sync or Close.
func (s *Segment) finalize() {
	if s.closed {
		return
	}
	if err := s.fsync(); err != nil {
		level.Warn(s.logger).Log("msg", "sync of unclosed segment failed", "segment", s.i, "err", err)
		return
	}
	level.Debug(s.logger).Log("msg", "synced unclosed segment", "segment", s.i)
}
