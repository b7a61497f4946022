package storage

import (
	"path/filepath"
	"strings"
)

func Min(p1 int, p2 int) int {
	if p1 < p2 {
		return p1
	}

	return p2
}

func FileNameWithoutExtension(fileName string) string {
	return fileName[:len(fileName)-len(filepath.Ext(fileName))]
}

// FileExtension returns the extension of fileName without the leading dot.
func FileExtension(fileName string) string {
	return strings.TrimPrefix(filepath.Ext(fileName), ".")
}
