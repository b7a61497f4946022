package wal

import (
	"os"
	"strings"

	"seglog/storage/aol"

	"github.com/pkg/errors"
)

const DefaultSegmentSize = 1 << 29 // 512MB

const DefaultDirMode os.FileMode = 0o750

// Options are consumed by Open. Validate is called by Open, callers that load
// options from elsewhere may call it earlier.
type Options struct {
	MaxSegmentSize    uint64
	FileMode          os.FileMode
	DirMode           os.FileMode
	CompressionFormat aol.CompressionFormat
	CompressionLevel  aol.CompressionLevel
	Metadata          *aol.Metadata
	Extension         string
}

func DefaultOptions() Options {
	return Options{
		MaxSegmentSize: DefaultSegmentSize,
		FileMode:       aol.DefaultFileMode,
		DirMode:        DefaultDirMode,
	}
}

func (o Options) Validate() error {
	if o.MaxSegmentSize < aol.PageSize {
		return errors.Wrapf(ErrInvalidOptions, "max segment size %d is smaller than a page (%d)", o.MaxSegmentSize, aol.PageSize)
	}
	if strings.ContainsAny(o.Extension, "./\\") {
		return errors.Wrapf(ErrInvalidOptions, "extension %q must not contain dots or path separators", o.Extension)
	}
	if o.CompressionFormat.String() == "unknown" {
		return errors.Wrapf(ErrInvalidOptions, "unknown compression format %d", o.CompressionFormat)
	}
	if o.CompressionLevel.String() == "unknown" {
		return errors.Wrapf(ErrInvalidOptions, "unknown compression level %d", o.CompressionLevel)
	}
	if o.Metadata != nil {
		if err := o.Metadata.Validate(); err != nil {
			return errors.Wrap(ErrInvalidOptions, err.Error())
		}
	}
	return nil
}

func (o Options) segmentOptions(metrics *aol.SegmentMetrics) aol.Options {
	mode := o.FileMode
	if mode == 0 {
		mode = aol.DefaultFileMode
	}

	return aol.Options{
		FileMode:          mode,
		CompressionFormat: o.CompressionFormat,
		CompressionLevel:  o.CompressionLevel,
		Metadata:          o.Metadata,
		Extension:         o.Extension,
		Metrics:           metrics,
	}
}
