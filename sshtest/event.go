package sshtest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Event is something the test server observed, such as an accepted
// authentication or a finished command.
type Event struct {
	ID    string
	Time  time.Time
	Attrs map[string]string
}

// Matches reports whether the event has id and every key/value pair in attrs.
func (e Event) Matches(id string, attrs ...string) bool {
	if e.ID != id || len(attrs)%2 != 0 {
		return false
	}
	for i := 0; i < len(attrs); i += 2 {
		if e.Attrs[attrs[i]] != attrs[i+1] {
			return false
		}
	}
	return true
}

func (e Event) String() string {
	keys := make([]string, 0, len(e.Attrs))
	for k := range e.Attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, len(keys))
	for i, k := range keys {
		pairs[i] = k + "=" + e.Attrs[k]
	}
	return e.ID + "{" + strings.Join(pairs, ", ") + "}"
}

// EventBus records events and lets tests wait for them.
type EventBus struct {
	mu     sync.Mutex
	events []Event
	notify chan struct{}
}

func NewEventBus() *EventBus {
	return &EventBus{notify: make(chan struct{})}
}

// Emit records an event. attrs are key/value pairs.
func (eb *EventBus) Emit(id string, attrs ...string) {
	e := Event{ID: id, Time: time.Now(), Attrs: map[string]string{}}
	for i := 0; i+1 < len(attrs); i += 2 {
		e.Attrs[attrs[i]] = attrs[i+1]
	}
	eb.mu.Lock()
	eb.events = append(eb.events, e)
	close(eb.notify)
	eb.notify = make(chan struct{})
	eb.mu.Unlock()
}

// Find returns the first matching event.
func (eb *EventBus) Find(id string, attrs ...string) (Event, bool) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	for _, e := range eb.events {
		if e.Matches(id, attrs...) {
			return e, true
		}
	}
	return Event{}, false
}

// FindAll returns every matching event.
func (eb *EventBus) FindAll(id string, attrs ...string) []Event {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	var out []Event
	for _, e := range eb.events {
		if e.Matches(id, attrs...) {
			out = append(out, e)
		}
	}
	return out
}

// Wait waits up to ten seconds for a matching event.
func (eb *EventBus) Wait(id string, attrs ...string) (Event, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return eb.WaitContext(ctx, id, attrs...)
}

// WaitContext waits for a matching event until ctx is done.
func (eb *EventBus) WaitContext(ctx context.Context, id string, attrs ...string) (Event, error) {
	for {
		eb.mu.Lock()
		notify := eb.notify
		eb.mu.Unlock()
		if e, ok := eb.Find(id, attrs...); ok {
			return e, nil
		}
		select {
		case <-ctx.Done():
			return Event{}, fmt.Errorf("waiting for event %q: %w", id, ctx.Err())
		case <-notify:
		}
	}
}

func (eb *EventBus) All() []Event {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	return append([]Event(nil), eb.events...)
}
