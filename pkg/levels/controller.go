package levels

import (
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap/zapcore"
)

// Controller is a thread-safe cell holding the minimum level the remote
// server is currently willing to accept. The shipper updates it from
// delivery responses; upstream log producers consult Enabled before
// buffering an event.
type Controller struct {
	mu sync.RWMutex

	// initial is the level configured locally, if any. The controller
	// reverts to it when the server stops advertising a level or when a
	// delivery round yields no reply.
	initial *zapcore.Level

	current          *zapcore.Level
	serverControlled bool
}

// NewController creates a controller. A nil initial level means no local
// constraint: every level is accepted until the server says otherwise.
func NewController(initial *zapcore.Level) *Controller {
	c := &Controller{initial: initial}
	if initial != nil {
		lvl := *initial
		c.current = &lvl
	}
	return c
}

// Enabled reports whether an event at the given level would currently be
// accepted. Read-only; safe for concurrent use by log producers.
func (c *Controller) Enabled(level zapcore.Level) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.current == nil {
		return true
	}
	return level >= *c.current
}

// MinimumLevel returns the current minimum accepted level, if any.
func (c *Controller) MinimumLevel() (zapcore.Level, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.current == nil {
		return zapcore.DebugLevel, false
	}
	return *c.current, true
}

// IsActive reports whether level control is in effect at all, either from
// local configuration or because the server has advertised a level. The
// shipper only probes the server for level changes while this is true.
func (c *Controller) IsActive() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.initial != nil || c.serverControlled
}

// Update applies a server-advertised minimum level. A nil level means the
// server imposes no constraint, which hands control back to the locally
// configured level.
func (c *Controller) Update(level *zapcore.Level) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if level == nil {
		c.serverControlled = false
		c.revertLocked()
		return
	}
	lvl := *level
	c.current = &lvl
	c.serverControlled = true
}

// Reset discards any server-imposed constraint, falling back to the local
// configuration. Called when a delivery round fails to yield a reply, so a
// stale server restriction can never suppress events indefinitely.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.serverControlled = false
	c.revertLocked()
}

func (c *Controller) revertLocked() {
	if c.initial == nil {
		c.current = nil
		return
	}
	lvl := *c.initial
	c.current = &lvl
}

// Parse maps a server level name onto a zap level. The server's "Verbose"
// maps to debug, the most permissive level zap exposes.
func Parse(name string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "verbose", "trace":
		return zapcore.DebugLevel, nil
	case "debug":
		return zapcore.DebugLevel, nil
	case "information", "info":
		return zapcore.InfoLevel, nil
	case "warning", "warn":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	case "fatal":
		return zapcore.FatalLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("unknown level name %q", name)
	}
}
