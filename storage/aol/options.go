package aol

import (
	"os"

	"github.com/pkg/errors"
)

type CompressionFormat uint64

const (
	CompressionNone   CompressionFormat = 0
	CompressionSnappy CompressionFormat = 1
)

func (f CompressionFormat) String() string {
	switch f {
	case CompressionNone:
		return "none"
	case CompressionSnappy:
		return "snappy"
	default:
		return "unknown"
	}
}

func ParseCompressionFormat(s string) (CompressionFormat, error) {
	switch s {
	case "", "none":
		return CompressionNone, nil
	case "snappy":
		return CompressionSnappy, nil
	default:
		return 0, errors.Errorf("unknown compression format %q", s)
	}
}

type CompressionLevel uint64

const (
	CompressionBestSpeed       CompressionLevel = 0
	CompressionDefault         CompressionLevel = 1
	CompressionBestCompression CompressionLevel = 2
)

func (l CompressionLevel) String() string {
	switch l {
	case CompressionBestSpeed:
		return "best_speed"
	case CompressionDefault:
		return "default"
	case CompressionBestCompression:
		return "best_compression"
	default:
		return "unknown"
	}
}

func ParseCompressionLevel(s string) (CompressionLevel, error) {
	switch s {
	case "", "best_speed":
		return CompressionBestSpeed, nil
	case "default":
		return CompressionDefault, nil
	case "best_compression":
		return CompressionBestCompression, nil
	default:
		return 0, errors.Errorf("unknown compression level %q", s)
	}
}

const DefaultFileMode os.FileMode = 0o644

// Options control how segment files are created. They are only consulted
// when a segment file does not exist yet, except Extension which is part of
// the file name.
type Options struct {
	FileMode          os.FileMode
	CompressionFormat CompressionFormat
	CompressionLevel  CompressionLevel
	Metadata          *Metadata
	Extension         string
	Metrics           *SegmentMetrics
}

func DefaultOptions() Options {
	return Options{FileMode: DefaultFileMode}
}
