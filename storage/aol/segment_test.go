package aol

import (
	"bytes"
	"fmt"
	"os"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/go-faker/faker/v4"
	"github.com/go-kit/log"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/prometheus/prometheus/tsdb/wlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestSegment(t *testing.T, dir string, i uint64, opts Options) *Segment {
	t.Helper()

	s, err := Open(log.NewNopLogger(), dir, i, opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		if !s.closed {
			s.Close()
		}
	})
	return s
}

func TestSegmentAppend(t *testing.T) {
	dir := t.TempDir()
	s := openTestSegment(t, dir, 0, DefaultOptions())

	assert.Equal(t, uint64(0), s.Offset())

	_, _, err := s.Append(nil)
	assert.True(t, errors.Is(err, ErrEmpty))

	off, n, err := s.Append([]byte{0})
	require.NoError(t, err)
	assert.Equal(t, uint64(0), off)
	assert.Equal(t, 1, n)

	off, n, err = s.Append([]byte{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), off)
	assert.Equal(t, 3, n)

	off, n, err = s.Append([]byte{4, 5, 6, 7, 8, 9, 10})
	require.NoError(t, err)
	assert.Equal(t, uint64(4), off)
	assert.Equal(t, 7, n)

	assert.Equal(t, uint64(11), s.Offset())
	require.NoError(t, s.Sync())

	bs := make([]byte, 4)
	n, err = s.ReadAt(bs, 0)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, []byte{0, 1, 2, 3}, bs)

	n, err = s.ReadAt(bs, 7)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, []byte{7, 8, 9, 10}, bs)

	_, err = s.ReadAt(bs, 1000)
	assert.True(t, errors.Is(err, ErrOutOfRange))
}

func TestSegmentIncompleteRead(t *testing.T) {
	s := openTestSegment(t, t.TempDir(), 0, DefaultOptions())

	_, _, err := s.Append([]byte{1, 2, 3, 4, 5})
	require.NoError(t, err)

	bs := make([]byte, 4)
	n, err := s.ReadAt(bs, 3)
	assert.True(t, errors.Is(err, ErrIncompleteRead))
	assert.Equal(t, 2, n)
	assert.Equal(t, []byte{4, 5}, bs[:2])

	// Reading exactly at the end is not out of range, but yields nothing.
	_, err = s.ReadAt(bs, 5)
	assert.True(t, errors.Is(err, ErrIncompleteRead))
}

func TestSegmentFullPageFlush(t *testing.T) {
	s := openTestSegment(t, t.TempDir(), 0, DefaultOptions())

	first := bytes.Repeat([]byte{0xa}, PageSize-1)
	_, _, err := s.Append(first)
	require.NoError(t, err)
	assert.Equal(t, 0, s.PagesFlushed())
	assert.Equal(t, uint64(PageSize-1), s.Offset())

	off, n, err := s.Append([]byte{0xb, 0xc})
	require.NoError(t, err)
	assert.Equal(t, uint64(PageSize-1), off)
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, s.PagesFlushed(), "crossing a page boundary flushes exactly one page")
	assert.Equal(t, uint64(PageSize+1), s.Offset())

	got := make([]byte, PageSize+1)
	_, err = s.ReadAt(got, 0)
	require.NoError(t, err)
	assert.Equal(t, append(first, 0xb, 0xc), got)
}

func TestSegmentRecordSpanningPages(t *testing.T) {
	s := openTestSegment(t, t.TempDir(), 0, DefaultOptions())

	rec := make([]byte, 3*PageSize+10)
	for i := range rec {
		rec[i] = byte(i % 251)
	}

	off, n, err := s.Append(rec)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), off)
	assert.Equal(t, len(rec), n)
	assert.Equal(t, 3, s.PagesFlushed())
	assert.Equal(t, uint64(len(rec)), s.Offset())

	got := make([]byte, len(rec))
	_, err = s.ReadAt(got, 0)
	require.NoError(t, err)
	assert.Equal(t, rec, got)
}

func TestSegmentFlushPadsPage(t *testing.T) {
	s := openTestSegment(t, t.TempDir(), 0, DefaultOptions())

	_, _, err := s.Append([]byte{1, 2, 3})
	require.NoError(t, err)
	require.NoError(t, s.Flush())

	assert.Equal(t, uint64(PageSize), s.Offset())
	assert.Equal(t, 1, s.PagesFlushed())

	// Flushing an empty page is a no-op.
	require.NoError(t, s.Flush())
	assert.Equal(t, uint64(PageSize), s.Offset())
	assert.Equal(t, 1, s.PagesFlushed())

	off, _, err := s.Append([]byte{4})
	require.NoError(t, err)
	assert.Equal(t, uint64(PageSize), off)

	bs := make([]byte, 1)
	_, err = s.ReadAt(bs, PageSize)
	require.NoError(t, err)
	assert.Equal(t, []byte{4}, bs)

	pad := make([]byte, 4)
	_, err = s.ReadAt(pad, 3)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 0}, pad)
}

func TestSegmentReadsUnflushedPageTail(t *testing.T) {
	s := openTestSegment(t, t.TempDir(), 0, DefaultOptions())

	_, _, err := s.Append([]byte{1, 2, 3, 4})
	require.NoError(t, err)

	// Buffer bytes in the page without writing them to the file.
	p := &s.page
	p.alloc += copy(p.buf[p.alloc:], []byte{5, 6, 7})
	assert.Equal(t, uint64(7), s.Offset())

	bs := make([]byte, 5)
	n, err := s.ReadAt(bs, 2)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, []byte{3, 4, 5, 6, 7}, bs)

	bs = make([]byte, 2)
	_, err = s.ReadAt(bs, 5)
	require.NoError(t, err)
	assert.Equal(t, []byte{6, 7}, bs)

	_, err = s.ReadAt(make([]byte, 3), 5)
	assert.True(t, errors.Is(err, ErrIncompleteRead))
}

func TestSegmentReopen(t *testing.T) {
	dir := t.TempDir()

	meta := NewMetadata()
	meta.PutUint("max_file_size", 1<<20)
	meta.PutBytes("owner", []byte("test"))

	opts := Options{
		FileMode:          0o600,
		CompressionFormat: CompressionSnappy,
		CompressionLevel:  CompressionDefault,
		Metadata:          meta,
		Extension:         "aol",
	}

	s, err := Open(log.NewNopLogger(), dir, 5, opts)
	require.NoError(t, err)

	rec := []byte(faker.Sentence())
	_, _, err = s.Append(rec)
	require.NoError(t, err)

	headerSize := s.HeaderSize()
	offset := s.Offset()
	require.NoError(t, s.Close())

	info, err := os.Stat(SegmentName(dir, 5, "aol"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	assert.Equal(t, headerSize+int64(len(rec)), info.Size())

	// Options are ignored for an existing file except the extension.
	s = openTestSegment(t, dir, 5, Options{Extension: "aol"})

	assert.Equal(t, headerSize, s.HeaderSize())
	assert.Equal(t, offset, s.Offset())

	f, l, err := HeaderCompression(s.Header())
	require.NoError(t, err)
	assert.Equal(t, CompressionSnappy, f)
	assert.Equal(t, CompressionDefault, l)

	v, err := s.Header().GetUint("max_file_size")
	require.NoError(t, err)
	assert.Equal(t, uint64(1<<20), v)

	got := make([]byte, len(rec))
	_, err = s.ReadAt(got, 0)
	require.NoError(t, err)
	assert.Equal(t, rec, got)

	off, _, err := s.Append([]byte("more"))
	require.NoError(t, err)
	assert.Equal(t, offset, off)
}

func TestSegmentCorruptHeader(t *testing.T) {
	dir := t.TempDir()

	require.NoError(t, os.WriteFile(SegmentName(dir, 0, ""), []byte{0, 0, 0, 9, 1, 2}, 0o644))

	_, err := Open(log.NewNopLogger(), dir, 0, DefaultOptions())
	require.Error(t, err)

	var cerr *wlog.CorruptionErr
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, 0, cerr.Segment)
	assert.Equal(t, dir, cerr.Dir)
	assert.True(t, errors.Is(cerr.Err, ErrCorruptHeader))
}

func TestSegmentRejectsOversizedHeader(t *testing.T) {
	dir := t.TempDir()

	blob := NewMetadata()
	blob.PutBytes("blob", make([]byte, 2<<20))

	longKey := NewMetadata()
	longKey.PutUint(strings.Repeat("k", 70000), 1)

	for name, m := range map[string]*Metadata{"blob": blob, "long key": longKey} {
		t.Run(name, func(t *testing.T) {
			opts := DefaultOptions()
			opts.Metadata = m

			_, err := Open(log.NewNopLogger(), dir, 0, opts)
			assert.True(t, errors.Is(err, ErrHeaderTooLarge))

			// Nothing is left behind that a later reopen would trip over.
			_, err = os.Stat(SegmentName(dir, 0, ""))
			assert.True(t, os.IsNotExist(err))
		})
	}

	opts := DefaultOptions()
	opts.Metadata = NewMetadata()
	opts.Metadata.PutBytes("blob", make([]byte, 1<<19))

	s, err := Open(log.NewNopLogger(), dir, 0, opts)
	require.NoError(t, err)
	_, _, err = s.Append([]byte("abc"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = OpenReadOnly(log.NewNopLogger(), dir, 0, "")
	require.NoError(t, err)
	defer s.Close()

	b := make([]byte, 3)
	_, err = s.ReadAt(b, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), b)
}

func TestSegmentHeaderIDMismatch(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(log.NewNopLogger(), dir, 1, DefaultOptions())
	require.NoError(t, err)
	require.NoError(t, s.Close())

	data, err := os.ReadFile(SegmentName(dir, 1, ""))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(SegmentName(dir, 2, ""), data, 0o644))

	_, err = OpenReadOnly(log.NewNopLogger(), dir, 2, "")
	var cerr *wlog.CorruptionErr
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, 2, cerr.Segment)
}

func TestSegmentClosed(t *testing.T) {
	s := openTestSegment(t, t.TempDir(), 0, DefaultOptions())

	_, _, err := s.Append([]byte{1})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, _, err = s.Append([]byte{2})
	assert.True(t, errors.Is(err, ErrClosed))

	_, err = s.ReadAt(make([]byte, 1), 0)
	assert.True(t, errors.Is(err, ErrClosed))

	assert.True(t, errors.Is(s.Sync(), ErrClosed))
	assert.True(t, errors.Is(s.Flush(), ErrClosed))
	assert.True(t, errors.Is(s.Close(), ErrClosed))
}

func TestSegmentReadOnly(t *testing.T) {
	dir := t.TempDir()

	_, err := OpenReadOnly(log.NewNopLogger(), dir, 3, "")
	assert.True(t, errors.Is(err, os.ErrNotExist))

	s := openTestSegment(t, dir, 3, DefaultOptions())
	_, _, err = s.Append([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, s.Sync())

	r, err := OpenReadOnly(log.NewNopLogger(), dir, 3, "")
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, s.HeaderSize(), r.HeaderSize())
	assert.Equal(t, uint64(5), r.Offset())

	got := make([]byte, 5)
	_, err = r.ReadAt(got, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)

	_, _, err = r.Append([]byte("x"))
	assert.True(t, errors.Is(err, ErrReadOnly))
	assert.True(t, errors.Is(r.Flush(), ErrReadOnly))
}

func TestSegmentRoundTripRandomRecords(t *testing.T) {
	s := openTestSegment(t, t.TempDir(), 0, DefaultOptions())

	type written struct {
		off uint64
		rec []byte
	}
	var all []written

	for i := 0; i < 200; i++ {
		rec := []byte(faker.Paragraph())
		before := s.Offset()

		off, n, err := s.Append(rec)
		require.NoError(t, err)
		assert.Equal(t, before, off)
		assert.Equal(t, len(rec), n)
		assert.Equal(t, before+uint64(len(rec)), s.Offset())

		all = append(all, written{off: off, rec: rec})
	}

	require.NoError(t, s.Sync())

	for _, w := range all {
		got := make([]byte, len(w.rec))
		_, err := s.ReadAt(got, w.off)
		require.NoError(t, err)
		assert.Equal(t, w.rec, got)
	}
}

func TestSegmentMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewSegmentMetrics(reg)

	opts := DefaultOptions()
	opts.Metrics = m
	s := openTestSegment(t, t.TempDir(), 0, opts)

	_, _, err := s.Append(bytes.Repeat([]byte{1}, PageSize+1))
	require.NoError(t, err)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.pageCompletions))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.pageFlushes))

	// Registering again on the same registry reuses the collectors.
	again := NewSegmentMetrics(reg)
	assert.Equal(t, float64(1), testutil.ToFloat64(again.pageCompletions))
}

// msgLogger forwards every "msg" value to a channel.
type msgLogger chan string

func (l msgLogger) Log(keyvals ...interface{}) error {
	for i := 0; i+1 < len(keyvals); i += 2 {
		if keyvals[i] != "msg" {
			continue
		}
		select {
		case l <- fmt.Sprint(keyvals[i+1]):
		default:
		}
	}
	return nil
}

func waitForMsg(t *testing.T, msgs msgLogger, want string) {
	t.Helper()

	deadline := time.After(5 * time.Second)
	for {
		runtime.GC()

		select {
		case m := <-msgs:
			if m == want {
				return
			}
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			t.Fatalf("no %q message before deadline", want)
		}
	}
}

func TestSegmentFinalizerSyncsUnclosedSegment(t *testing.T) {
	dir := t.TempDir()
	msgs := make(msgLogger, 64)

	reg := prometheus.NewRegistry()
	opts := DefaultOptions()
	opts.Metrics = NewSegmentMetrics(reg)

	func() {
		s, err := Open(msgs, dir, 0, opts)
		require.NoError(t, err)

		_, _, err = s.Append([]byte("abc"))
		require.NoError(t, err)
	}()

	waitForMsg(t, msgs, "synced unclosed segment")

	r, err := OpenReadOnly(log.NewNopLogger(), dir, 0, "")
	require.NoError(t, err)
	defer r.Close()

	got := make([]byte, 3)
	_, err = r.ReadAt(got, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), got)

	// Header fsync on creation plus the finalizer's.
	families, err := reg.Gather()
	require.NoError(t, err)
	require.Len(t, families, 3)
	for _, f := range families {
		if f.GetName() == "fsync_duration_seconds" {
			assert.Equal(t, uint64(2), f.GetMetric()[0].GetSummary().GetSampleCount())
		}
	}
}
