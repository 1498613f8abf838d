package logging

import (
	"sync"
	"time"
)

// LogEntry is one buffered log record.
type LogEntry struct {
	Timestamp  time.Time      `json:"timestamp"`
	Level      string         `json:"level"`
	Module     string         `json:"module"`
	Message    string         `json:"message"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// RingBuffer keeps the most recent entries, overwriting the oldest.
type RingBuffer struct {
	mu      sync.RWMutex
	entries []LogEntry
	head    int
	count   int
}

// NewRingBuffer creates a buffer holding the last size entries.
func NewRingBuffer(size int) *RingBuffer {
	if size < 1 {
		size = 1
	}
	return &RingBuffer{entries: make([]LogEntry, size)}
}

// Write appends entry, overwriting the oldest when full.
func (rb *RingBuffer) Write(entry LogEntry) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.entries[rb.head] = entry
	rb.head = (rb.head + 1) % len(rb.entries)
	if rb.count < len(rb.entries) {
		rb.count++
	}
}

// ReadAll returns every entry, oldest first.
func (rb *RingBuffer) ReadAll() []LogEntry {
	return rb.Tail(0)
}

// Tail returns the newest n entries, oldest first. n <= 0 means all.
func (rb *RingBuffer) Tail(n int) []LogEntry {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if n <= 0 || n > rb.count {
		n = rb.count
	}
	if n == 0 {
		return nil
	}

	out := make([]LogEntry, n)
	start := rb.head - n
	if start < 0 {
		start += len(rb.entries)
	}
	for i := range n {
		out[i] = rb.entries[(start+i)%len(rb.entries)]
	}
	return out
}

// Count returns the number of entries held.
func (rb *RingBuffer) Count() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.count
}
