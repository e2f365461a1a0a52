package logging

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// LogEntry is one captured log record.
type LogEntry struct {
	Time       time.Time      `json:"time"`
	Level      string         `json:"level"`
	Message    string         `json:"message"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// LogCollector stores captured records per stage key. It is safe for concurrent use.
type LogCollector struct {
	mu   sync.RWMutex
	logs map[string][]LogEntry
}

func NewLogCollector() *LogCollector {
	return &LogCollector{
		logs: make(map[string][]LogEntry),
	}
}

// Add appends an entry for key.
func (c *LogCollector) Add(key string, entry LogEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logs[key] = append(c.logs[key], entry)
}

// Logs returns a copy of the entries captured for key.
func (c *LogCollector) Logs(key string) []LogEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	logs, ok := c.logs[key]
	if !ok {
		return nil
	}
	out := make([]LogEntry, len(logs))
	copy(out, logs)
	return out
}

// Take returns the entries captured for key and forgets them.
func (c *LogCollector) Take(key string) []LogEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	logs := c.logs[key]
	delete(c.logs, key)
	return logs
}

// All returns a copy of every captured entry grouped by key.
func (c *LogCollector) All() map[string][]LogEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string][]LogEntry, len(c.logs))
	for key, logs := range c.logs {
		cp := make([]LogEntry, len(logs))
		copy(cp, logs)
		out[key] = cp
	}
	return out
}

func (c *LogCollector) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logs = make(map[string][]LogEntry)
}

// CapturingHandler copies every record into a LogCollector under a fixed stage
// key and then passes it to the wrapped handler.
type CapturingHandler struct {
	underlying slog.Handler
	collector  *LogCollector
	stageKey   string
	attrs      map[string]any
	prefix     string
}

func NewCapturingHandler(underlying slog.Handler, collector *LogCollector, stageKey string) *CapturingHandler {
	return &CapturingHandler{
		underlying: underlying,
		collector:  collector,
		stageKey:   stageKey,
	}
}

// Enabled reports true for every level so debug records are captured even when
// the wrapped handler would drop them.
func (h *CapturingHandler) Enabled(context.Context, slog.Level) bool {
	return true
}

func (h *CapturingHandler) Handle(ctx context.Context, r slog.Record) error {
	entry := LogEntry{
		Time:    r.Time,
		Level:   r.Level.String(),
		Message: r.Message,
	}
	if len(h.attrs) > 0 || r.NumAttrs() > 0 {
		entry.Attributes = make(map[string]any, len(h.attrs)+r.NumAttrs())
		for k, v := range h.attrs {
			entry.Attributes[k] = v
		}
		r.Attrs(func(a slog.Attr) bool {
			entry.Attributes[h.prefix+a.Key] = resolveValue(a.Value)
			return true
		})
	}
	h.collector.Add(h.stageKey, entry)

	if !h.underlying.Enabled(ctx, r.Level) {
		return nil
	}
	return h.underlying.Handle(ctx, r)
}

func (h *CapturingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make(map[string]any, len(h.attrs)+len(attrs))
	for k, v := range h.attrs {
		merged[k] = v
	}
	for _, a := range attrs {
		merged[h.prefix+a.Key] = resolveValue(a.Value)
	}
	return &CapturingHandler{
		underlying: h.underlying.WithAttrs(attrs),
		collector:  h.collector,
		stageKey:   h.stageKey,
		attrs:      merged,
		prefix:     h.prefix,
	}
}

// WithGroup qualifies later attribute keys as group.key.
func (h *CapturingHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &CapturingHandler{
		underlying: h.underlying.WithGroup(name),
		collector:  h.collector,
		stageKey:   h.stageKey,
		attrs:      h.attrs,
		prefix:     h.prefix + name + ".",
	}
}

// resolveValue converts v into something encoding/json can marshal.
func resolveValue(v slog.Value) any {
	v = v.Resolve()
	switch v.Kind() {
	case slog.KindString:
		return v.String()
	case slog.KindInt64:
		return v.Int64()
	case slog.KindUint64:
		return v.Uint64()
	case slog.KindFloat64:
		return v.Float64()
	case slog.KindBool:
		return v.Bool()
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindTime:
		return v.Time()
	case slog.KindGroup:
		group := make(map[string]any)
		for _, a := range v.Group() {
			group[a.Key] = resolveValue(a.Value)
		}
		return group
	default:
		val := v.Any()
		if err, ok := val.(error); ok {
			return err.Error()
		}
		if s, ok := val.(interface{ String() string }); ok {
			return s.String()
		}
		return val
	}
}

// LoggerHook derives the logger a stage runs with.
type LoggerHook interface {
	LoggerForStage(base *slog.Logger, stageKey string) *slog.Logger
}

// CapturingLoggerHook wraps loggers with a CapturingHandler feeding one collector.
type CapturingLoggerHook struct {
	collector *LogCollector
}

func NewCapturingLoggerHook(collector *LogCollector) *CapturingLoggerHook {
	return &CapturingLoggerHook{collector: collector}
}

func (p *CapturingLoggerHook) LoggerForStage(base *slog.Logger, stageKey string) *slog.Logger {
	return slog.New(NewCapturingHandler(base.Handler(), p.collector, stageKey))
}

// StageKey joins iteration and stage names into a collector key.
func StageKey(parts ...string) string {
	return strings.Join(parts, "/")
}
