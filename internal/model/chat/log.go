package chat

import (
	"sync"
	"time"
)

// Entry is one prompt/reply exchange as shown in the history panel.
type Entry struct {
	Index     int       `json:"index"`
	User      string    `json:"user"`
	Response  string    `json:"response"`
	CreatedAt time.Time `json:"createdAt"`
}

// Pending reports whether the reply has not arrived yet.
func (e Entry) Pending() bool {
	return e.Response == ""
}

// Order 决定读取顺序，只影响展示。
type Order string

const (
	OldestFirst Order = "oldest"
	NewestFirst Order = "newest"
)

// ParseOrder 解析查询参数，未知值回退到 fallback。
func ParseOrder(raw string, fallback Order) Order {
	switch Order(raw) {
	case OldestFirst, NewestFirst:
		return Order(raw)
	default:
		return fallback
	}
}

// Log is the append-only conversation history of one console.
type Log struct {
	mu      sync.RWMutex
	entries []Entry
}

// NewLog 创建空的对话记录。
func NewLog() *Log {
	return &Log{entries: make([]Entry, 0, 16)}
}

// Append adds an entry at the end and returns it with its position filled in.
func (l *Log) Append(user, response string) Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := Entry{
		Index:     len(l.entries),
		User:      user,
		Response:  response,
		CreatedAt: time.Now().UTC(),
	}
	l.entries = append(l.entries, entry)
	return entry
}

// UpdateLast sets the reply of the most recently appended entry.
func (l *Log) UpdateLast(response string) (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.entries) == 0 {
		return Entry{}, false
	}
	last := &l.entries[len(l.entries)-1]
	last.Response = response
	return *last, true
}

// Entries returns a copy of the history in the requested order.
func (l *Log) Entries(order Order) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	copied := make([]Entry, len(l.entries))
	if order == NewestFirst {
		for i, entry := range l.entries {
			copied[len(l.entries)-1-i] = entry
		}
		return copied
	}
	copy(copied, l.entries)
	return copied
}

// Len 返回条目数量。
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}
