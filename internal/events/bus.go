// Package events provides a publish/subscribe bus for store, transfer and auth events.
package events

import (
	"sync"
	"time"
)

const (
	FileWritten    = "file-written"
	FileRemoved    = "file-removed"
	Mkdir          = "mkdir"
	Rmdir          = "rmdir"
	UploadProgress = "upload-progress"
	AuthChanged    = "auth-changed"
)

// Event is a named notification with an optional detail value.
type Event struct {
	Type      string
	Data      any
	Timestamp time.Time
}

// FileDetail accompanies file-written, file-removed, mkdir and rmdir.
type FileDetail struct {
	Path string `json:"path"`
	Size int64  `json:"size,omitempty"`
}

// ProgressDetail accompanies upload-progress.
type ProgressDetail struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Loaded   int64   `json:"loaded"`
	Fraction float64 `json:"fraction"`
	Total    int64   `json:"total"`
}

// AuthDetail accompanies auth-changed.
type AuthDetail struct {
	Authorized bool `json:"authorized"`
}

// Subscription receives the events it was registered for on C.
type Subscription struct {
	C     <-chan Event
	ch    chan Event
	types map[string]struct{}
	once  bool
}

func (s *Subscription) wants(eventType string) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[eventType]
	return ok
}

// Bus manages subscribers and publishes events.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[*Subscription]struct{}
	buffer      int
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[*Subscription]struct{}),
		buffer:      64,
	}
}

// Subscribe registers a subscriber for the given event types, or for every
// event when none are given. The caller must call Unsubscribe when done.
func (b *Bus) Subscribe(types ...string) *Subscription {
	return b.add(b.buffer, false, types)
}

// Once registers a one-shot subscriber: the first matching event is delivered
// and the subscription is removed and its channel closed.
func (b *Bus) Once(types ...string) <-chan Event {
	return b.add(1, true, types).C
}

func (b *Bus) add(buffer int, once bool, types []string) *Subscription {
	ch := make(chan Event, buffer)
	sub := &Subscription{C: ch, ch: ch, once: once}
	if len(types) > 0 {
		sub.types = make(map[string]struct{}, len(types))
		for _, t := range types {
			sub.types[t] = struct{}{}
		}
	}

	b.mu.Lock()
	b.subscribers[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[sub]; !ok {
		return
	}
	delete(b.subscribers, sub)
	close(sub.ch)
}

// Publish sends an event to all matching subscribers. Non-blocking: events
// are dropped for slow consumers.
func (b *Bus) Publish(eventType string, data any) {
	if b == nil {
		return
	}
	event := Event{Type: eventType, Data: data, Timestamp: time.Now()}

	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subscribers {
		if !sub.wants(eventType) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			// Drop event for slow consumer
			continue
		}
		if sub.once {
			delete(b.subscribers, sub)
			close(sub.ch)
		}
	}
}

// Count returns the current number of subscribers.
func (b *Bus) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
