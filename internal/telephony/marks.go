package telephony

import "sync"

// MarkQueue holds the marks sent for audio the caller has not heard yet
type MarkQueue struct {
	mu    sync.Mutex
	names []string
}

// Push appends a mark sent after an outbound chunk
func (q *MarkQueue) Push(name string) {
	q.mu.Lock()
	q.names = append(q.names, name)
	q.mu.Unlock()
}

// Pop removes the oldest mark. ok is false when the queue is empty.
func (q *MarkQueue) Pop() (name string, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.names) == 0 {
		return "", false
	}
	name = q.names[0]
	q.names = q.names[1:]
	return name, true
}

// Len returns the number of outstanding marks
func (q *MarkQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.names)
}

// Clear drops all outstanding marks and returns how many there were
func (q *MarkQueue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.names)
	q.names = nil
	return n
}
