// Package transcript stores the caller and agent utterances of a call.
package transcript

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrNotFound is returned when no transcript exists for a call
var ErrNotFound = errors.New("transcript not found")

// Actors of a transcript entry
const (
	ActorCaller = "caller"
	ActorAgent  = "agent"
)

// Entry is one utterance of a call
type Entry struct {
	CallID    string    `json:"callId"`
	Actor     string    `json:"actor"`
	Text      string    `json:"text"`
	TurnID    int       `json:"turnId"`
	Timestamp time.Time `json:"timestamp"`
}

// Store persists transcript entries
type Store interface {
	Save(ctx context.Context, e Entry) error
	List(ctx context.Context, callID string) ([]Entry, error)
}

// MemoryStore keeps transcripts in process memory
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string][]Entry
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string][]Entry)}
}

// Save appends e to its call's transcript
func (m *MemoryStore) Save(_ context.Context, e Entry) error {
	if e.CallID == "" {
		return errors.New("entry has no call id")
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	m.mu.Lock()
	m.entries[e.CallID] = append(m.entries[e.CallID], e)
	m.mu.Unlock()
	return nil
}

// List returns a call's entries ordered by timestamp
func (m *MemoryStore) List(_ context.Context, callID string) ([]Entry, error) {
	m.mu.RLock()
	entries := append([]Entry(nil), m.entries[callID]...)
	m.mu.RUnlock()

	if len(entries) == 0 {
		return nil, ErrNotFound
	}
	sortByTime(entries)
	return entries, nil
}

func sortByTime(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Timestamp.Before(entries[j].Timestamp)
	})
}
