package shipper

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"

	"github.com/oicur0t/logship/internal/bookmark"
	"github.com/oicur0t/logship/pkg/backoff"
	"github.com/oicur0t/logship/pkg/levels"
)

// Config holds the coordinator's shipping parameters.
type Config struct {
	// BufferBase is the buffer file base path, without extension. Buffer
	// files match "<BufferBase>*.json".
	BufferBase string

	// BatchLimit is the maximum number of events per bulk POST.
	BatchLimit int

	// EventBodyLimitBytes drops any single line larger than this many
	// bytes on disk. Zero means unlimited.
	EventBodyLimitBytes int64

	// LevelRecheckInterval bounds how stale the server-advertised
	// minimum level may get while no events are flowing.
	LevelRecheckInterval time.Duration
}

// Coordinator orchestrates shipping: on each tick it acquires the
// bookmark lock, extracts a batch from the current buffer file, delivers
// it, and advances or retains the bookmark based on the outcome. At most
// one tick runs at a time; the timer is rearmed only after the in-flight
// tick, including any same-tick drain loop, has fully completed.
type Coordinator struct {
	cfg      Config
	store    *bookmark.Store
	client   *Client
	levels   *levels.Controller
	schedule *backoff.Schedule
	logger   *zap.Logger

	lastLevelCheck time.Time
}

// NewCoordinator wires the shipping components together.
func NewCoordinator(cfg Config, store *bookmark.Store, client *Client, controller *levels.Controller, schedule *backoff.Schedule, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		cfg:            cfg,
		store:          store,
		client:         client,
		levels:         controller,
		schedule:       schedule,
		logger:         logger,
		lastLevelCheck: time.Now(),
	}
}

// Run drives shipping ticks until ctx is cancelled, then performs one
// final synchronous tick to flush pending data before returning. The
// interval between ticks stretches while deliveries fail and snaps back
// to the configured period on success.
func (c *Coordinator) Run(ctx context.Context) error {
	timer := time.NewTimer(c.schedule.NextInterval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Shutting down, flushing pending events")
			c.Tick()
			return ctx.Err()

		case <-timer.C:
			c.Tick()
			timer.Reset(c.schedule.NextInterval())
		}
	}
}

// Tick runs one complete shipping operation: lock, drain, release. Every
// failure path ends the tick and lets the scheduler retry; nothing here
// is fatal to the process. Once started, a tick runs to completion.
func (c *Coordinator) Tick() {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Shipping tick panicked", zap.Any("panic", r))
			c.schedule.MarkFailure()
			c.levels.Reset()
		}
	}()

	handle, err := c.store.Open()
	if err != nil {
		if errors.Is(err, bookmark.ErrLocked) {
			c.logger.Debug("Bookmark held by another shipper, skipping tick")
			return
		}
		c.logger.Warn("Failed to open bookmark", zap.Error(err))
		return
	}
	defer func() {
		if err := handle.Close(); err != nil {
			c.logger.Warn("Failed to release bookmark lock", zap.Error(err))
		}
	}()

	// Drain mode: keep shipping within this tick while batches come back
	// full, so a slow timer period can never let the backlog grow
	// without bound.
	for {
		full, err := c.shipOnce(handle)
		if err != nil {
			c.logger.Warn("Shipping round failed", zap.Error(err))
			c.schedule.MarkFailure()
			c.levels.Reset()
			return
		}
		if !full {
			return
		}
	}
}

// shipOnce performs a single read-and-deliver round under the bookmark
// lock. It reports whether the batch filled the limit, in which case the
// caller should immediately go around again.
func (c *Coordinator) shipOnce(handle *bookmark.Handle) (bool, error) {
	bm := handle.Read()

	fileSet, err := listBufferFiles(c.cfg.BufferBase)
	if err != nil {
		return false, err
	}

	current, offset := resolveCurrent(bm, fileSet)

	batch := &Batch{NextOffset: offset}
	if current != "" {
		batch, err = ReadBatch(current, offset, c.cfg.BatchLimit, c.cfg.EventBodyLimitBytes, c.logger)
		if err != nil {
			return false, err
		}
	}

	if batch.Attempted == 0 && !c.levelProbeDue() {
		c.housekeep(handle, current, offset, fileSet)
		return false, nil
	}

	result, err := c.client.Deliver(context.Background(), batch.Lines)
	if err != nil {
		// No reply at all: retry the same batch next tick and stop
		// suppressing events on the server's behalf. The failed round
		// still counts as a level check, so an unreachable server is
		// probed at most once per recheck interval.
		c.logger.Warn("Delivery failed, will retry",
			zap.Int("batch_size", len(batch.Lines)),
			zap.Error(err))
		c.schedule.MarkFailure()
		c.levels.Reset()
		c.lastLevelCheck = time.Now()
		return false, nil
	}

	switch result.Outcome {
	case OutcomeAccepted:
		c.schedule.MarkSuccess()
		if err := c.advance(handle, current, batch); err != nil {
			return false, err
		}
		if result.HasMinimumLevel {
			lvl := result.MinimumLevel
			c.levels.Update(&lvl)
		} else {
			c.levels.Update(nil)
		}
		c.lastLevelCheck = time.Now()
		c.logger.Debug("Batch accepted",
			zap.String("file", current),
			zap.Int("events", len(batch.Lines)),
			zap.Int64("next_offset", batch.NextOffset))
		return batch.Attempted == c.cfg.BatchLimit, nil

	case OutcomeRejected:
		// The server replied, so the connection is healthy, but this
		// batch can never be delivered as constructed. Quarantine it and
		// move the bookmark past it exactly once.
		c.schedule.MarkSuccess()
		c.quarantine(result)
		if err := c.advance(handle, current, batch); err != nil {
			return false, err
		}
		return batch.Attempted == c.cfg.BatchLimit, nil

	default:
		// The server replied but could not take the batch right now; its
		// last advertised minimum level still reflects its intent, so
		// the constraint stays in place.
		c.schedule.MarkFailure()
		c.lastLevelCheck = time.Now()
		return false, nil
	}
}

// advance persists the bookmark at the batch's end. Empty rounds (level
// probes) leave the bookmark untouched.
func (c *Coordinator) advance(handle *bookmark.Handle, current string, batch *Batch) error {
	if current == "" || batch.Attempted == 0 {
		return nil
	}
	return handle.Write(bookmark.Bookmark{Offset: batch.NextOffset, File: current})
}

// housekeep runs when a tick produced no lines: roll the bookmark to the
// next file once the current one is verifiably finished, and delete the
// oldest file once a third exists (an appending writer can only be on
// the newest file, so any third-oldest file is inactive).
func (c *Coordinator) housekeep(handle *bookmark.Handle, current string, offset int64, fileSet []string) {
	if len(fileSet) == 2 && fileSet[0] == current {
		ok, err := unlockedAtLength(current, offset)
		switch {
		case err != nil:
			if isFileInUse(err) {
				c.logger.Debug("Writer still holds current buffer file",
					zap.String("file", current))
			} else {
				c.logger.Warn("Could not verify buffer file is closed, treating as still in use",
					zap.String("file", current),
					zap.Error(err))
			}
		case ok:
			if err := handle.Write(bookmark.Bookmark{Offset: 0, File: fileSet[1]}); err != nil {
				c.logger.Warn("Failed to roll bookmark to next buffer file", zap.Error(err))
			} else {
				c.logger.Info("Rolled to next buffer file",
					zap.String("from", current),
					zap.String("to", fileSet[1]))
			}
		default:
			c.logger.Debug("Current buffer file has grown past the bookmark, not rolling",
				zap.String("file", current))
		}
	}

	if len(fileSet) > 2 {
		oldest := fileSet[0]
		if oldest == current {
			if err := handle.Write(bookmark.Bookmark{Offset: 0, File: fileSet[1]}); err != nil {
				c.logger.Warn("Failed to move bookmark off deleted buffer file", zap.Error(err))
			}
		}
		if err := os.Remove(oldest); err != nil {
			c.logger.Warn("Failed to delete shipped buffer file",
				zap.String("file", oldest),
				zap.Error(err))
		} else {
			c.logger.Info("Deleted shipped buffer file", zap.String("file", oldest))
		}
	}
}

// quarantine preserves a permanently rejected payload for operator
// inspection, next to the bookmark file.
func (c *Coordinator) quarantine(result *DeliveryResult) {
	name := fmt.Sprintf("invalid-%d-%s.json", result.StatusCode, primitive.NewObjectID().Hex())
	path := filepath.Join(filepath.Dir(c.store.Path()), name)
	if err := os.WriteFile(path, result.Payload, 0o644); err != nil {
		c.logger.Error("Failed to write quarantine file",
			zap.String("path", path),
			zap.Error(err))
		return
	}
	c.logger.Warn("Quarantined rejected payload",
		zap.String("path", path),
		zap.Int("status_code", result.StatusCode))
}

// levelProbeDue reports whether an empty delivery should be made purely
// to refresh the server-advertised minimum level.
func (c *Coordinator) levelProbeDue() bool {
	return c.levels.IsActive() && time.Since(c.lastLevelCheck) >= c.cfg.LevelRecheckInterval
}

// resolveCurrent picks the file the next batch is read from. When the
// bookmarked file has disappeared (rotated away and deleted), shipping
// restarts at offset 0 of the oldest file in the fresh listing.
func resolveCurrent(bm bookmark.Bookmark, fileSet []string) (string, int64) {
	if bm.File != "" {
		if _, err := os.Stat(bm.File); err == nil {
			return bm.File, bm.Offset
		}
	}
	if len(fileSet) > 0 {
		return fileSet[0], 0
	}
	return "", 0
}
