package shipper

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
)

// utf8BOM is written by the upstream buffer writer at the start of every
// file. It is part of the first line's byte count but never shipped.
const utf8BOM = "\ufeff"

// Batch is one tick's worth of extracted events. Lines hold the raw JSON
// documents exactly as they appear in the buffer file, stripped of BOM
// and line terminators. NextOffset is where the next read resumes.
//
// Attempted counts every complete line consumed, including oversized
// lines that were dropped: it distinguishes "no more data" (0) from "hit
// the batch limit" (== maxLines), which drives the same-tick drain loop.
type Batch struct {
	Lines      []string
	NextOffset int64
	Attempted  int
}

// ReadBatch extracts up to maxLines complete lines from path, starting at
// startOffset. Offsets count raw bytes as stored on disk, so the BOM at
// the start of a file and the actual line terminators (LF or CRLF) are
// included — the persisted bookmark is reproducible from the file alone.
//
// A line whose on-disk byte length exceeds maxEventBytes (when positive)
// is dropped but still advances the offset and counts toward the limit,
// so one oversized event can never stall shipping. A trailing line with
// no terminator is still being appended by the writer and is left for a
// later tick.
func ReadBatch(path string, startOffset int64, maxLines int, maxEventBytes int64, logger *zap.Logger) (*Batch, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open buffer file %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.Seek(startOffset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to seek to %d in %s: %w", startOffset, path, err)
	}

	batch := &Batch{NextOffset: startOffset}
	reader := bufio.NewReader(f)

	for batch.Attempted < maxLines {
		raw, err := reader.ReadString('\n')
		if err != nil && err != io.EOF {
			return nil, fmt.Errorf("failed to read line from %s: %w", path, err)
		}
		if !strings.HasSuffix(raw, "\n") {
			// Partial trailing line: the writer has not finished it yet.
			break
		}

		consumed := int64(len(raw))
		batch.Attempted++
		batch.NextOffset += consumed

		if maxEventBytes > 0 && consumed > maxEventBytes {
			logger.Warn("Dropping oversized event",
				zap.String("file", path),
				zap.Int64("bytes", consumed),
				zap.Int64("limit", maxEventBytes))
			continue
		}

		line := strings.TrimSuffix(raw, "\n")
		line = strings.TrimSuffix(line, "\r")
		if batch.NextOffset == consumed {
			// First line of the file carries the BOM.
			line = strings.TrimPrefix(line, utf8BOM)
		}
		if line == "" {
			continue
		}

		batch.Lines = append(batch.Lines, line)
	}

	return batch, nil
}
