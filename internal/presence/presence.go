// Package presence answers "who is here right now" for @here mentions.
package presence

import (
	"context"
	"sync"
	"time"
)

// Tracker records user activity and filters users down to those recently seen.
type Tracker interface {
	Touch(ctx context.Context, userID int64) error
	Present(ctx context.Context, userIDs []int64) ([]int64, error)
}

// Memory is an in-process Tracker.
type Memory struct {
	mu       sync.Mutex
	lastSeen map[int64]time.Time
	ttl      time.Duration
	now      func() time.Time
}

// NewMemory creates a tracker that forgets users after ttl.
func NewMemory(ttl time.Duration) *Memory {
	return &Memory{
		lastSeen: make(map[int64]time.Time),
		ttl:      ttl,
		now:      time.Now,
	}
}

// Touch marks userID as present now.
func (m *Memory) Touch(_ context.Context, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastSeen[userID] = m.now()
	return nil
}

// Present returns the subset of userIDs seen within the ttl, in input order.
func (m *Memory) Present(_ context.Context, userIDs []int64) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-m.ttl)
	var out []int64
	for _, id := range userIDs {
		if seen, ok := m.lastSeen[id]; ok && seen.After(cutoff) {
			out = append(out, id)
		}
	}
	return out, nil
}
