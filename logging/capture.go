package logging

import (
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap/zapcore"
)

// Capture is a zapcore.Core that keeps every entry as a "[LEVEL] message" line.
// Fields are not rendered.
type Capture struct {
	zapcore.LevelEnabler

	mu    sync.Mutex
	lines []string
}

// NewCapture records entries at or above level.
func NewCapture(level zapcore.LevelEnabler) *Capture {
	if level == nil {
		level = zapcore.DebugLevel
	}
	return &Capture{LevelEnabler: level}
}

func (c *Capture) With([]zapcore.Field) zapcore.Core { return c }

func (c *Capture) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *Capture) Write(ent zapcore.Entry, _ []zapcore.Field) error {
	msg := strings.TrimSpace(ent.Message)
	if msg == "" {
		return nil
	}
	c.mu.Lock()
	c.lines = append(c.lines, FormatLine(ent.Level, msg))
	c.mu.Unlock()
	return nil
}

func (c *Capture) Sync() error { return nil }

// Lines returns a copy of the captured lines in arrival order.
func (c *Capture) Lines() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.lines...)
}

func (c *Capture) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.lines)
}

func FormatLine(level zapcore.Level, msg string) string {
	return fmt.Sprintf("[%s] %s", level.CapitalString(), msg)
}

// Hub is a zapcore.Core that forwards entries to the cores currently attached to it.
// A logger built on a Hub can be handed out once; captures come and go underneath it.
type Hub struct {
	mu    sync.RWMutex
	sinks map[uint64]zapcore.Core
	next  uint64
}

func NewHub() *Hub {
	return &Hub{sinks: make(map[uint64]zapcore.Core)}
}

// Attach starts forwarding to core. The returned func detaches it and may be called more
// than once.
func (h *Hub) Attach(core zapcore.Core) (detach func()) {
	h.mu.Lock()
	id := h.next
	h.next++
	h.sinks[id] = core
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.sinks, id)
			h.mu.Unlock()
		})
	}
}

// Attached reports how many cores are attached.
func (h *Hub) Attached() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sinks)
}

func (h *Hub) snapshot() []zapcore.Core {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]zapcore.Core, 0, len(h.sinks))
	for _, c := range h.sinks {
		out = append(out, c)
	}
	return out
}

func (h *Hub) Enabled(level zapcore.Level) bool {
	for _, c := range h.snapshot() {
		if c.Enabled(level) {
			return true
		}
	}
	return false
}

func (h *Hub) With(fields []zapcore.Field) zapcore.Core {
	return &hubView{hub: h, fields: fields}
}

func (h *Hub) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if h.Enabled(ent.Level) {
		return ce.AddCore(ent, h)
	}
	return ce
}

func (h *Hub) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	var firstErr error
	for _, c := range h.snapshot() {
		if !c.Enabled(ent.Level) {
			continue
		}
		if err := c.Write(ent, fields); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (h *Hub) Sync() error { return nil }

type hubView struct {
	hub    *Hub
	fields []zapcore.Field
}

func (v *hubView) Enabled(level zapcore.Level) bool { return v.hub.Enabled(level) }

func (v *hubView) With(fields []zapcore.Field) zapcore.Core {
	merged := make([]zapcore.Field, 0, len(v.fields)+len(fields))
	merged = append(merged, v.fields...)
	merged = append(merged, fields...)
	return &hubView{hub: v.hub, fields: merged}
}

func (v *hubView) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if v.Enabled(ent.Level) {
		return ce.AddCore(ent, v)
	}
	return ce
}

func (v *hubView) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	all := make([]zapcore.Field, 0, len(v.fields)+len(fields))
	all = append(all, v.fields...)
	all = append(all, fields...)
	return v.hub.Write(ent, all)
}

func (v *hubView) Sync() error { return nil }
