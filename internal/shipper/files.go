package shipper

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// listBufferFiles returns the buffer file set for a base path, sorted
// ascending by name. The writer's naming scheme is chronological, so
// lexicographic order is shipping order. Re-evaluated on every tick;
// files may appear or disappear between listings.
func listBufferFiles(bufferBase string) ([]string, error) {
	matches, err := filepath.Glob(bufferBase + "*.json")
	if err != nil {
		return nil, fmt.Errorf("failed to list buffer files for %s: %w", bufferBase, err)
	}
	sort.Strings(matches)
	return matches, nil
}

// unlockedAtLength probes whether a buffer file can be rolled past: no
// other process has it open for writing and it has not grown beyond the
// bookmarked length. The probe opens the file for writing, which on
// platforms with mandatory sharing fails with a sharing violation while
// the writer still holds it.
func unlockedAtLength(path string, maxLen int64) (bool, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return false, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return false, err
	}

	return info.Size() <= maxLen, nil
}
