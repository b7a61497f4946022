package wal

import (
	"os"
	"runtime"
	"sync"

	"seglog/storage/aol"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
)

// WAL is an append-only log stored as a sequence of segment files in one
// directory. Offsets are global: the segment with id i owns the logical range
// [i*MaxSegmentSize, (i+1)*MaxSegmentSize), whatever its actual size.
type WAL struct {
	logger      log.Logger
	dir         string
	opts        Options
	segmentOpts aol.Options
	metrics     *WalMetrics
	lock        *dirLock

	// mtx guards segment and segmentID together.
	mtx       sync.RWMutex
	segment   *aol.Segment
	segmentID uint64

	closed atomic.Bool

	// rotated caches the last rotated segment opened for reading, so a
	// sequential reader does not reopen it for every call.
	rotatedMtx sync.Mutex
	rotated    *aol.Segment
}

// Open prepares dir and opens a fresh segment following the highest existing
// one. Older segments stay readable through ReadAt.
func Open(logger log.Logger, registerer prometheus.Registerer, dir string, opts Options) (*WAL, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}

	if err := opts.Validate(); err != nil {
		return nil, err
	}

	if err := prepareDirectory(dir, opts.DirMode); err != nil {
		return nil, err
	}

	lock, err := lockDir(dir)
	if err != nil {
		return nil, err
	}

	var segmentMetrics *aol.SegmentMetrics
	w := &WAL{
		logger: logger,
		dir:    dir,
		opts:   opts,
		lock:   lock,
	}
	if registerer != nil {
		w.metrics = NewWalMetrics(prometheus.WrapRegistererWithPrefix("storage_wal_", registerer))
		segmentMetrics = aol.NewSegmentMetrics(prometheus.WrapRegistererWithPrefix("storage_aol_", registerer))
	} else {
		w.metrics = NewWalMetrics(nil)
	}
	w.segmentOpts = opts.segmentOptions(segmentMetrics)

	w.segmentID, err = activeSegmentID(dir, opts.Extension)
	if err != nil {
		lock.release()
		return nil, err
	}

	w.segment, err = aol.Open(logger, dir, w.segmentID, w.segmentOpts)
	if err != nil {
		lock.release()
		return nil, err
	}

	w.metrics.activeSegment.Set(float64(w.segmentID))
	runtime.SetFinalizer(w, (*WAL).finalize)

	level.Info(logger).Log("msg", "opened log", "dir", dir, "segment", w.segmentID, "maxSegmentSize", opts.MaxSegmentSize)

	return w, nil
}

func prepareDirectory(dir string, mode os.FileMode) error {
	if mode == 0 {
		mode = DefaultDirMode
	}

	if err := os.MkdirAll(dir, mode); err != nil {
		return errors.Wrap(err, "create log directory")
	}

	// MkdirAll is subject to umask and leaves existing directories alone.
	return errors.Wrap(os.Chmod(dir, mode), "set log directory mode")
}

func activeSegmentID(dir string, extension string) (uint64, error) {
	last, err := aol.LastSegment(dir, extension)
	if err != nil {
		return 0, err
	}
	if last == nil {
		return 0, nil
	}
	return last.Index + 1, nil
}

// Append writes rec to the active segment, rotating first when rec does not
// fit in what is left of it. It returns the global offset of rec and the
// number of bytes written.
func (w *WAL) Append(rec []byte) (uint64, int, error) {
	if len(rec) == 0 {
		return 0, 0, ErrEmpty
	}

	w.mtx.Lock()
	defer w.mtx.Unlock()

	if w.closed.Load() {
		return 0, 0, ErrClosed
	}

	if uint64(len(rec)) > w.available() {
		if err := w.nextSegment(); err != nil {
			w.metrics.writesFailed.Inc()
			return 0, 0, err
		}
	}

	off, n, err := w.segment.Append(rec)
	if err != nil {
		w.metrics.writesFailed.Inc()
		return 0, n, err
	}

	return w.baseOffset() + off, n, nil
}

// available returns how many bytes the active segment can take before it
// reaches MaxSegmentSize.
func (w *WAL) available() uint64 {
	off := w.segment.Offset()
	if off >= w.opts.MaxSegmentSize {
		return 0
	}
	return w.opts.MaxSegmentSize - off
}

func (w *WAL) baseOffset() uint64 {
	return w.segmentID * w.opts.MaxSegmentSize
}

func (w *WAL) nextSegment() error {
	prev := w.segment

	if err := prev.Close(); err != nil {
		return errors.Wrapf(err, "close segment %d", prev.ID())
	}

	next, err := aol.Open(w.logger, w.dir, w.segmentID+1, w.segmentOpts)
	if err != nil {
		return err
	}

	w.segment = next
	w.segmentID++

	w.metrics.segmentRotations.Inc()
	w.metrics.activeSegment.Set(float64(w.segmentID))

	level.Info(w.logger).Log("msg", "rotated segment", "prev", prev.ID(), "prevOffset", prev.Offset(), "segment", w.segmentID)

	return nil
}

// ReadAt fills b with the bytes starting at the global offset off.
//
// A read is served segment by segment and never asks a segment for bytes past
// the end of its slot. It continues into the next segment only if the earlier
// one fills its whole slot; otherwise it fails with ErrIncompleteRead.
func (w *WAL) ReadAt(b []byte, off uint64) (int, error) {
	if len(b) == 0 {
		return 0, ErrEmpty
	}

	maxSize := w.opts.MaxSegmentSize

	r := 0
	for r < len(b) {
		pos := off + uint64(r)
		segmentID := pos / maxSize
		local := pos % maxSize

		chunk := b[r:]
		if left := maxSize - local; uint64(len(chunk)) > left {
			chunk = chunk[:left]
		}

		n, err := w.readSegment(chunk, segmentID, local)
		r += n

		if err != nil {
			w.metrics.readsFailed.Inc()
			return r, err
		}
	}

	return r, nil
}

func (w *WAL) readSegment(b []byte, segmentID uint64, off uint64) (int, error) {
	w.mtx.RLock()

	if w.closed.Load() {
		w.mtx.RUnlock()
		return 0, ErrClosed
	}

	if segmentID == w.segmentID {
		defer w.mtx.RUnlock()
		return w.segment.ReadAt(b, off)
	}

	active := w.segmentID
	w.mtx.RUnlock()

	if segmentID > active {
		return 0, errors.Wrapf(ErrOutOfRange, "segment %d is past the active segment %d", segmentID, active)
	}

	// Rotated segments are immutable, no need to hold the lock.
	s, err := w.rotatedSegment(segmentID)
	if err != nil {
		return 0, err
	}
	defer w.rotatedMtx.Unlock()

	return s.ReadAt(b, off)
}

// rotatedSegment returns the read-only handle of a rotated segment with
// rotatedMtx held. The caller releases it once done reading.
func (w *WAL) rotatedSegment(segmentID uint64) (*aol.Segment, error) {
	w.rotatedMtx.Lock()

	if w.closed.Load() {
		w.rotatedMtx.Unlock()
		return nil, ErrClosed
	}

	if w.rotated != nil && w.rotated.ID() == segmentID {
		return w.rotated, nil
	}

	if w.rotated != nil {
		w.rotated.Close()
		w.rotated = nil
	}

	s, err := aol.OpenReadOnly(w.logger, w.dir, segmentID, w.opts.Extension)
	if err != nil {
		w.rotatedMtx.Unlock()
		return nil, err
	}

	w.rotated = s
	return s, nil
}

func (w *WAL) closeRotated() error {
	w.rotatedMtx.Lock()
	defer w.rotatedMtx.Unlock()

	if w.rotated == nil {
		return nil
	}

	err := w.rotated.Close()
	w.rotated = nil
	return err
}

// Sync pads the active page to its full size, writes it and fsyncs the
// active segment.
func (w *WAL) Sync() error {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	if w.closed.Load() {
		return ErrClosed
	}

	if err := w.segment.Flush(); err != nil {
		return err
	}
	return w.segment.Sync()
}

// Close flushes and closes the active segment and releases the directory.
// It is the only durability checkpoint whose result matters.
func (w *WAL) Close() error {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	if w.closed.Load() {
		return ErrClosed
	}
	w.closed.Store(true)
	runtime.SetFinalizer(w, nil)

	// Flush the last page and zero out all its remaining size so the next
	// segment never starts in the middle of a page.
	err := w.segment.Flush()
	if cerr := w.segment.Close(); err == nil {
		err = cerr
	}
	if rerr := w.closeRotated(); err == nil {
		err = rerr
	}
	if lerr := w.lock.release(); err == nil {
		err = lerr
	}

	level.Info(w.logger).Log("msg", "closed log", "dir", w.dir, "segment", w.segmentID, "err", err)

	return err
}

// Offset returns the logical size of the active segment.
func (w *WAL) Offset() uint64 {
	w.mtx.RLock()
	defer w.mtx.RUnlock()

	return w.segment.Offset()
}

func (w *WAL) ActiveSegmentRef() aol.SegmentRef {
	w.mtx.RLock()
	defer w.mtx.RUnlock()

	return w.segment.Ref()
}

func (w *WAL) MaxSegmentSize() uint64 {
	return w.opts.MaxSegmentSize
}

func (w *WAL) Dir() string {
	return w.dir
}

// finalize closes a log that was dropped without Close. Failures are only
// logged.
func (w *WAL) finalize() {
	if w.closed.Load() {
		return
	}
	if err := w.Close(); err != nil {
		level.Warn(w.logger).Log("msg", "closing unreferenced log failed", "dir", w.dir, "err", err)
	}
}
