package bookmark

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/gofrs/flock"
	"go.uber.org/zap"
)

// recordSeparator divides the offset from the file path in the persisted
// record. It must never appear in an offset, and a path containing it
// would have broken the upstream writer first.
const recordSeparator = ":::"

// ErrLocked is returned by Open when another shipper instance currently
// holds the bookmark. The caller is expected to skip its tick and retry
// on the next one.
var ErrLocked = errors.New("bookmark is locked by another process")

// Bookmark is the shipping cursor: the next unshipped byte within a
// buffer file. A zero Bookmark (empty File) means "start from scratch".
type Bookmark struct {
	Offset int64
	File   string
}

// IsZero reports whether the bookmark points nowhere yet.
func (b Bookmark) IsZero() bool {
	return b.File == ""
}

// Store reads and writes the shipping cursor under a cross-process
// advisory lock. The lock is held for the duration of a whole shipping
// tick, not just the read/write, so it doubles as the mutual-exclusion
// primitive preventing two shippers from double-shipping the same lines.
type Store struct {
	path   string
	logger *zap.Logger
}

// NewStore creates a store persisting to the given bookmark file path.
func NewStore(path string, logger *zap.Logger) *Store {
	return &Store{path: path, logger: logger}
}

// Path returns the bookmark file path.
func (s *Store) Path() string {
	return s.path
}

// Handle represents an acquired bookmark lock. It must be closed at the
// end of the tick that opened it.
type Handle struct {
	lock  *flock.Flock
	store *Store
}

// Open acquires the advisory lock guarding the bookmark. It does not
// block: if another process holds the lock, ErrLocked is returned and
// the caller should try again next tick.
//
// The lock lives on a sidecar path, not on the record file itself: on
// Windows the lock is a mandatory region lock over the first byte, and
// taking it on the record file would make every subsequent read or
// write of the record fail with a lock violation while we hold it.
func (s *Store) Open() (*Handle, error) {
	lock := flock.New(s.path + ".lock")
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to lock bookmark %s: %w", s.path, err)
	}
	if !ok {
		return nil, ErrLocked
	}
	return &Handle{lock: lock, store: s}, nil
}

// Close releases the lock.
func (h *Handle) Close() error {
	return h.lock.Unlock()
}

// Read parses the persisted record "<offset>:::<file>". Malformed or
// empty content degrades to the zero bookmark rather than failing the
// tick: the worst case is re-shipping from the start of the oldest file,
// which the at-least-once contract already permits.
func (h *Handle) Read() Bookmark {
	data, err := os.ReadFile(h.store.path)
	if err != nil {
		if !os.IsNotExist(err) {
			h.store.logger.Warn("Failed to read bookmark, starting fresh",
				zap.String("path", h.store.path),
				zap.Error(err))
		}
		return Bookmark{}
	}

	line := strings.TrimRight(string(data), "\r\n")
	parts := strings.SplitN(line, recordSeparator, 2)
	if len(parts) != 2 || parts[1] == "" {
		if line != "" {
			h.store.logger.Warn("Malformed bookmark record, starting fresh",
				zap.String("path", h.store.path))
		}
		return Bookmark{}
	}

	offset, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || offset < 0 {
		h.store.logger.Warn("Malformed bookmark offset, starting fresh",
			zap.String("path", h.store.path),
			zap.String("offset", parts[0]))
		return Bookmark{}
	}

	return Bookmark{Offset: offset, File: parts[1]}
}

// Write overwrites the record atomically with respect to readers holding
// the lock: truncate, then a single write.
func (h *Handle) Write(b Bookmark) error {
	record := fmt.Sprintf("%d%s%s\n", b.Offset, recordSeparator, b.File)
	if err := os.WriteFile(h.store.path, []byte(record), 0o644); err != nil {
		return fmt.Errorf("failed to write bookmark %s: %w", h.store.path, err)
	}
	return nil
}
