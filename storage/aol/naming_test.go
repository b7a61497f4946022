package aol

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSegmentName(t *testing.T) {
	assert.Equal(t, filepath.Join("d", "00000000000000000012"), SegmentName("d", 12, ""))
	assert.Equal(t, filepath.Join("d", "00000000000000000012.wal"), SegmentName("d", 12, "wal"))
}

func TestParseSegmentName(t *testing.T) {
	i, ok := ParseSegmentName("00000000000000000012.wal", "wal")
	assert.True(t, ok)
	assert.Equal(t, uint64(12), i)

	_, ok = ParseSegmentName("00000000000000000012.wal", "")
	assert.False(t, ok)

	_, ok = ParseSegmentName("00000000000000000012", "wal")
	assert.False(t, ok)

	_, ok = ParseSegmentName("12.wal", "wal")
	assert.False(t, ok)

	_, ok = ParseSegmentName("0000000000000000001x.wal", "wal")
	assert.False(t, ok)
}

func TestSegmentsAndLastSegment(t *testing.T) {
	dir := t.TempDir()

	last, err := LastSegment(dir, "wal")
	require.NoError(t, err)
	assert.Nil(t, last)

	for _, i := range []uint64{7, 2, 10} {
		require.NoError(t, os.WriteFile(SegmentName(dir, i, "wal"), nil, 0o644))
	}
	require.NoError(t, os.WriteFile(SegmentName(dir, 40, ""), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "LOCK"), nil, 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "00000000000000000050.wal"), 0o755))

	refs, err := Segments(dir, "wal")
	require.NoError(t, err)
	require.Len(t, refs, 3)
	assert.Equal(t, uint64(2), refs[0].Index)
	assert.Equal(t, uint64(7), refs[1].Index)
	assert.Equal(t, uint64(10), refs[2].Index)
	assert.Equal(t, SegmentName(dir, 10, "wal"), refs[2].Name)

	last, err = LastSegment(dir, "wal")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, uint64(10), last.Index)

	last, err = LastSegment(dir, "")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, uint64(40), last.Index)
}

func TestSegmentsMissingDir(t *testing.T) {
	_, err := Segments(filepath.Join(t.TempDir(), "missing"), "")
	assert.Error(t, err)
}
