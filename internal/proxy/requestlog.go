package proxy

import (
	"sync"
	"time"
)

// RequestEntry is one proxied request.
type RequestEntry struct {
	ID       string        `json:"id"`
	Time     time.Time     `json:"time"`
	Method   string        `json:"method"`
	Path     string        `json:"path"`
	Status   int           `json:"status"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// RequestLog keeps the most recent proxied requests with bounded memory.
type RequestLog struct {
	mu      sync.RWMutex
	entries []RequestEntry
	maxSize int
	head    int
	count   int64
}

// NewRequestLog creates a log holding maxSize entries.
func NewRequestLog(maxSize int) *RequestLog {
	if maxSize <= 0 {
		maxSize = 200
	}
	return &RequestLog{
		entries: make([]RequestEntry, maxSize),
		maxSize: maxSize,
	}
}

// Add records an entry, overwriting the oldest when full.
func (l *RequestLog) Add(entry RequestEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[l.head] = entry
	l.head = (l.head + 1) % l.maxSize
	l.count++
}

// Recent returns up to n entries, newest first. n <= 0 returns all retained.
func (l *RequestLog) Recent(n int) []RequestEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	available := int(min(l.count, int64(l.maxSize)))
	if n <= 0 || n > available {
		n = available
	}
	out := make([]RequestEntry, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, l.entries[(l.head-i+l.maxSize)%l.maxSize])
	}
	return out
}

// Failures counts retained entries that ended in a 5xx.
func (l *RequestLog) Failures() int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	available := int(min(l.count, int64(l.maxSize)))
	n := 0
	for i := 0; i < available; i++ {
		if l.entries[i].Status >= 500 {
			n++
		}
	}
	return n
}
