package aol

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"seglog/storage"

	"github.com/pkg/errors"
)

const segmentIDDigits = 20

type SegmentRef struct {
	Name      string
	Index     uint64
	Extension string
}

func SegmentName(dir string, i uint64, extension string) string {
	if extension == "" {
		return filepath.Join(dir, fmt.Sprintf("%020d", i))
	}
	return filepath.Join(dir, fmt.Sprintf("%020d.%s", i, extension))
}

// ParseSegmentName returns the segment id encoded in a file name carrying the
// given extension.
func ParseSegmentName(fileName string, extension string) (uint64, bool) {
	if storage.FileExtension(fileName) != extension {
		return 0, false
	}

	base := storage.FileNameWithoutExtension(fileName)
	if extension == "" {
		base = fileName
	}
	if len(base) != segmentIDDigits {
		return 0, false
	}

	i, err := strconv.ParseUint(base, 10, 64)
	if err != nil {
		return 0, false
	}
	return i, true
}

// Segments lists the segment files in dir, ordered by id. Entries that are not
// segment files with the given extension are skipped.
func Segments(dir string, extension string) ([]SegmentRef, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrap(err, "unable to list segments")
	}

	refs := make([]SegmentRef, 0, len(files))

	for _, file := range files {
		if !file.Type().IsRegular() {
			continue
		}

		i, ok := ParseSegmentName(file.Name(), extension)
		if !ok {
			continue
		}

		refs = append(refs, SegmentRef{
			Name:      filepath.Join(dir, file.Name()),
			Index:     i,
			Extension: extension,
		})
	}

	sort.Slice(refs, func(i, j int) bool {
		return refs[i].Index < refs[j].Index
	})

	return refs, nil
}

func LastSegment(dir string, extension string) (*SegmentRef, error) {
	refs, err := Segments(dir, extension)
	if err != nil {
		return nil, err
	}

	if len(refs) == 0 {
		return nil, nil
	}

	return &refs[len(refs)-1], nil
}
