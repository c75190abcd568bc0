// Package log captures slog output so tests can assert on what a session or
// test server logged.
package log

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Entry is one captured record.
type Entry struct {
	Time    time.Time
	Level   slog.Level
	Message string
	Attrs   map[string]any
}

func (e Entry) String() string {
	var sb strings.Builder
	sb.WriteString(e.Time.Format("15:04:05.000"))
	sb.WriteString(" ")
	sb.WriteString(e.Level.String())
	sb.WriteString(" ")
	sb.WriteString(e.Message)
	for k, v := range e.Attrs {
		fmt.Fprintf(&sb, " %s=%v", k, v)
	}
	return sb.String()
}

// Capture collects entries from every Logger it hands out.
type Capture struct {
	mu      sync.Mutex
	entries []Entry
	notify  chan struct{}
	level   slog.Level
}

// NewCapture records entries at level and above.
func NewCapture(level slog.Level) *Capture {
	return &Capture{notify: make(chan struct{}), level: level}
}

func (c *Capture) add(e Entry) {
	c.mu.Lock()
	c.entries = append(c.entries, e)
	close(c.notify)
	c.notify = make(chan struct{})
	c.mu.Unlock()
}

// Logger returns a logger writing into the capture.
func (c *Capture) Logger() *slog.Logger {
	return slog.New(&handler{capture: c})
}

// Find returns the first entry whose message contains text.
func (c *Capture) Find(text string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		if strings.Contains(e.Message, text) {
			return e, true
		}
	}
	return Entry{}, false
}

// Assert returns an error unless an entry at level contains text.
func (c *Capture) Assert(level slog.Level, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		if e.Level == level && strings.Contains(e.Message, text) {
			return nil
		}
	}
	return fmt.Errorf("no %s entry containing %q in %d entries", level, text, len(c.entries))
}

// Wait blocks until an entry containing text is logged or timeout elapses.
func (c *Capture) Wait(text string, timeout time.Duration) (Entry, error) {
	deadline := time.After(timeout)
	for {
		c.mu.Lock()
		notify := c.notify
		c.mu.Unlock()
		if e, ok := c.Find(text); ok {
			return e, nil
		}
		select {
		case <-notify:
		case <-deadline:
			return Entry{}, fmt.Errorf("timed out waiting for log entry %q", text)
		}
	}
}

func (c *Capture) Entries() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Entry(nil), c.entries...)
}

func (c *Capture) String() string {
	var sb strings.Builder
	for _, e := range c.Entries() {
		sb.WriteString(e.String())
		sb.WriteByte('\n')
	}
	return sb.String()
}

type handler struct {
	capture *Capture
	attrs   []slog.Attr
	group   string
}

var _ slog.Handler = (*handler)(nil)

func (h *handler) Enabled(_ context.Context, l slog.Level) bool {
	return l >= h.capture.level
}

func (h *handler) Handle(_ context.Context, r slog.Record) error {
	e := Entry{Time: r.Time, Level: r.Level, Message: r.Message, Attrs: map[string]any{}}
	for _, a := range h.attrs {
		e.Attrs[a.Key] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		e.Attrs[h.group+a.Key] = a.Value.Any()
		return true
	})
	h.capture.add(e)
	return nil
}

func (h *handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	all := append([]slog.Attr(nil), h.attrs...)
	for _, a := range attrs {
		all = append(all, slog.Attr{Key: h.group + a.Key, Value: a.Value})
	}
	return &handler{capture: h.capture, attrs: all, group: h.group}
}

func (h *handler) WithGroup(name string) slog.Handler {
	return &handler{capture: h.capture, attrs: h.attrs, group: h.group + name + "."}
}
