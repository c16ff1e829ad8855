package processes

import (
	"sync"
	"time"
)

const defaultLogCapacity = 1000

// LogEntry is one line written by an instance to stderr.
type LogEntry struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Stream    string    `json:"stream"`
	Message   string    `json:"message"`
	PID       int       `json:"pid"`
}

// LogBuffer keeps the most recent lines of an instance in a fixed-size ring.
type LogBuffer struct {
	mu       sync.RWMutex
	entries  []LogEntry
	capacity int
	nextID   int64
}

func NewLogBuffer(capacity int) *LogBuffer {
	if capacity <= 0 {
		capacity = defaultLogCapacity
	}
	return &LogBuffer{
		entries:  make([]LogEntry, 0, capacity),
		capacity: capacity,
		nextID:   1,
	}
}

// Add appends a line, evicting the oldest one when full.
func (lb *LogBuffer) Add(stream, message string, pid int) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	if len(lb.entries) >= lb.capacity {
		lb.entries = lb.entries[1:]
	}
	lb.entries = append(lb.entries, LogEntry{
		ID:        lb.nextID,
		Timestamp: time.Now(),
		Stream:    stream,
		Message:   message,
		PID:       pid,
	})
	lb.nextID++
}

// Since returns the retained entries with an ID greater than fromID.
func (lb *LogBuffer) Since(fromID int64) []LogEntry {
	lb.mu.RLock()
	defer lb.mu.RUnlock()

	result := make([]LogEntry, 0)
	for _, entry := range lb.entries {
		if entry.ID > fromID {
			result = append(result, entry)
		}
	}
	return result
}

// Latest returns up to count of the newest entries, oldest first.
func (lb *LogBuffer) Latest(count int) []LogEntry {
	lb.mu.RLock()
	defer lb.mu.RUnlock()

	if count <= 0 || len(lb.entries) == 0 {
		return []LogEntry{}
	}
	start := max(len(lb.entries)-count, 0)
	result := make([]LogEntry, len(lb.entries)-start)
	copy(result, lb.entries[start:])
	return result
}

// Text joins the retained messages, one per line.
func (lb *LogBuffer) Text() string {
	lb.mu.RLock()
	defer lb.mu.RUnlock()

	n := 0
	for _, e := range lb.entries {
		n += len(e.Message) + 1
	}
	buf := make([]byte, 0, n)
	for _, e := range lb.entries {
		buf = append(buf, e.Message...)
		buf = append(buf, '\n')
	}
	return string(buf)
}
