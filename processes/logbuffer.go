package processes

import (
	"sync"
	"time"
)

// LogEntry is one line of output captured from a server process
type LogEntry struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"` // "stdout" or "stderr"
	Message   string    `json:"message"`
	PID       int       `json:"pid"`
}

// LogBuffer keeps the most recent output lines of a server. It outlives
// individual processes so output from a crashed instance stays readable after
// the server is reactivated.
type LogBuffer struct {
	mu       sync.RWMutex
	entries  []LogEntry
	capacity int
	nextID   int64
}

// NewLogBuffer creates a log buffer holding at most capacity entries
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

// Add appends a line, dropping the oldest when full
func (lb *LogBuffer) Add(source, message string, pid int) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	if len(lb.entries) >= lb.capacity {
		lb.entries = lb.entries[1:]
	}
	lb.entries = append(lb.entries, LogEntry{
		ID:        lb.nextID,
		Timestamp: time.Now(),
		Source:    source,
		Message:   message,
		PID:       pid,
	})
	lb.nextID++
}

// Since returns all entries with ID greater than fromID
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

// Latest returns the most recent count entries, oldest first
func (lb *LogBuffer) Latest(count int) []LogEntry {
	lb.mu.RLock()
	defer lb.mu.RUnlock()

	if count <= 0 || len(lb.entries) == 0 {
		return []LogEntry{}
	}
	start := len(lb.entries) - count
	if start < 0 {
		start = 0
	}
	result := make([]LogEntry, len(lb.entries)-start)
	copy(result, lb.entries[start:])
	return result
}

// LatestID returns the ID of the most recent entry, or 0 when empty
func (lb *LogBuffer) LatestID() int64 {
	lb.mu.RLock()
	defer lb.mu.RUnlock()

	if len(lb.entries) == 0 {
		return 0
	}
	return lb.entries[len(lb.entries)-1].ID
}
