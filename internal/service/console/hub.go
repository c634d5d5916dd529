package console

import (
	"sync"
	"time"
)

// EventKind 推送给浏览器的事件类别。
type EventKind string

const (
	EventAvatar     EventKind = "avatar"
	EventTurn       EventKind = "turn"
	EventSession    EventKind = "session"
	EventMode       EventKind = "mode"
	EventRecording  EventKind = "recording"
	EventDiagnostic EventKind = "diagnostic"
)

// Event is one notification for the browser client.
type Event struct {
	Kind EventKind `json:"kind"`
	Data any       `json:"data,omitempty"`
	At   time.Time `json:"at"`
}

// Hub fans console events out to subscribers. Slow subscribers lose events
// instead of blocking the publisher.
type Hub struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
	closed bool
}

// NewHub 创建事件分发器。
func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan Event)}
}

// Subscribe returns an event channel and a function that releases it.
func (h *Hub) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan Event, buffer)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if sub, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(sub)
			}
		})
	}
}

// Publish delivers an event to every subscriber.
func (h *Hub) Publish(kind EventKind, data any) {
	ev := Event{Kind: kind, Data: data, At: time.Now().UTC()}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close 关闭所有订阅。
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		close(ch)
		delete(h.subs, id)
	}
}
